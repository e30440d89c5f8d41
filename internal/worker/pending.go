package worker

import "sync"

// pendingTable correlates outstanding request ids with their single-shot
// waiters. Per bridge instance, never global. Entries are removed exactly
// once: on first matching resolution or on teardown.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan Resolution
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan Resolution)}
}

// register creates a waiter for id. The channel is buffered so resolve
// never blocks.
func (t *pendingTable) register(id string) (<-chan Resolution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.waiters[id]; exists {
		return nil, ErrDuplicateRequest
	}
	ch := make(chan Resolution, 1)
	t.waiters[id] = ch
	return ch, nil
}

// resolve delivers res to the waiter for id and removes it. Returns false
// when no waiter exists, which covers duplicate responses: the first one
// consumed the entry.
func (t *pendingTable) resolve(id string, res Resolution) bool {
	t.mu.Lock()
	ch, ok := t.waiters[id]
	if ok {
		delete(t.waiters, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	return true
}

// abortAll synthetically resolves every outstanding waiter as aborted.
// Called on subprocess exit and cancellation so no waiter ever leaks.
func (t *pendingTable) abortAll() int {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = make(map[string]chan Resolution)
	t.mu.Unlock()

	for _, ch := range waiters {
		ch <- Resolution{Aborted: true}
	}
	return len(waiters)
}

func (t *pendingTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
