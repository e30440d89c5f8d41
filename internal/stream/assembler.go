// Package stream reconstructs complete content blocks from the partial
// delta events a worker emits while the model is generating.
package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/quorumhq/quorum/internal/event"
)

// DeltaEvent is the decoded payload of one stream_event.
type DeltaEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index,omitempty"`
	ContentBlock json.RawMessage `json:"content_block,omitempty"`
	Delta        *Delta          `json:"delta,omitempty"`
}

// Delta carries the incremental payload of a content_block_delta.
type Delta struct {
	Type        string `json:"type"` // text_delta | thinking_delta | input_json_delta
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ParseDelta decodes the inner event of a stream_event envelope.
func ParseDelta(raw json.RawMessage) (DeltaEvent, bool) {
	var outer struct {
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(raw, &outer); err != nil || len(outer.Event) == 0 {
		return DeltaEvent{}, false
	}
	var de DeltaEvent
	if err := json.Unmarshal(outer.Event, &de); err != nil || de.Type == "" {
		return DeltaEvent{}, false
	}
	return de, true
}

// openBlock is one in-progress content block.
type openBlock struct {
	kind     event.BlockType
	id       string
	name     string
	text     []byte
	thinking []byte
	partial  []byte
	sealed   event.ContentBlock
	done     bool
}

// Assembler rebuilds a session's streamed message. Observers are notified
// with the full concatenated snapshot at a bounded cadence; throttling
// never drops characters because the buffer is authoritative. It is safe
// for one producer goroutine; the flush timer fires on its own goroutine.
type Assembler struct {
	mu        sync.Mutex
	sessionID string
	interval  time.Duration
	onFlush   func(sessionID string, blocks []event.ContentBlock)

	streaming bool
	blocks    map[int]*openBlock
	order     []int
	lastFlush time.Time
	timer     *time.Timer
	dirty     bool
}

// New returns an assembler for one session. onFlush receives partial
// snapshots while streaming; interval bounds how often it fires. onFlush
// runs with the assembler lock held and must not call back in.
func New(sessionID string, interval time.Duration, onFlush func(string, []event.ContentBlock)) *Assembler {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Assembler{
		sessionID: sessionID,
		interval:  interval,
		onFlush:   onFlush,
	}
}

// Streaming reports whether a message is currently being assembled.
func (a *Assembler) Streaming() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streaming
}

// Handle applies one delta event. When the event is message_stop it
// returns the finalized blocks and done=true; otherwise done is false.
func (a *Assembler) Handle(de DeltaEvent) (final []event.ContentBlock, done bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch de.Type {
	case "message_start":
		// A fresh start always discards stale partial state.
		a.resetLocked()
		a.streaming = true
		a.lastFlush = time.Now()

	case "content_block_start":
		if !a.streaming {
			return nil, false
		}
		a.openLocked(de)

	case "content_block_delta":
		if !a.streaming || de.Delta == nil {
			return nil, false
		}
		b, ok := a.blocks[de.Index]
		if !ok || b.done {
			// Delta for an unopened or sealed index. Never fatal.
			return nil, false
		}
		switch de.Delta.Type {
		case "text_delta":
			b.text = append(b.text, de.Delta.Text...)
		case "thinking_delta":
			b.thinking = append(b.thinking, de.Delta.Thinking...)
		case "input_json_delta":
			b.partial = append(b.partial, de.Delta.PartialJSON...)
		}
		a.markDirtyLocked()

	case "content_block_stop":
		if !a.streaming {
			return nil, false
		}
		if b, ok := a.blocks[de.Index]; ok && !b.done {
			b.sealed = b.finalize()
			b.done = true
			a.flushLocked()
		}

	case "message_stop":
		if !a.streaming {
			return nil, false
		}
		final = a.snapshotLocked()
		a.flushLocked()
		a.resetLocked()
		return final, true
	}

	return nil, false
}

// Reset discards all partial state and returns to idle. Used on
// cancellation.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Assembler) resetLocked() {
	a.streaming = false
	a.blocks = make(map[int]*openBlock)
	a.order = a.order[:0]
	a.dirty = false
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Assembler) openLocked(de DeltaEvent) {
	b := &openBlock{kind: event.BlockText}
	if len(de.ContentBlock) > 0 {
		var cb event.ContentBlock
		if err := json.Unmarshal(de.ContentBlock, &cb); err == nil && cb.Type != "" {
			b.kind = cb.Type
			b.id = cb.ID
			b.name = cb.Name
			b.text = append(b.text, cb.Text...)
			b.thinking = append(b.thinking, cb.Thinking...)
		}
	}
	if _, exists := a.blocks[de.Index]; !exists {
		a.order = append(a.order, de.Index)
	}
	a.blocks[de.Index] = b
	a.markDirtyLocked()
}

// markDirtyLocked schedules an observer notification. If the cadence
// window already elapsed the flush is immediate; otherwise a timer covers
// the remainder so trailing deltas are never stranded.
func (a *Assembler) markDirtyLocked() {
	a.dirty = true
	if since := time.Since(a.lastFlush); since >= a.interval {
		a.flushLocked()
		return
	}
	if a.timer == nil {
		remaining := a.interval - time.Since(a.lastFlush)
		a.timer = time.AfterFunc(remaining, a.timerFlush)
	}
}

func (a *Assembler) timerFlush() {
	a.mu.Lock()
	a.timer = nil
	if !a.dirty || !a.streaming {
		a.mu.Unlock()
		return
	}
	a.flushLocked()
	a.mu.Unlock()
}

func (a *Assembler) flushLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.dirty = false
	a.lastFlush = time.Now()
	if a.onFlush != nil {
		a.onFlush(a.sessionID, a.snapshotLocked())
	}
}

// snapshotLocked returns the full concatenation of every block so far, in
// stream order. Copies, never aliases, the internal buffers.
func (a *Assembler) snapshotLocked() []event.ContentBlock {
	out := make([]event.ContentBlock, 0, len(a.order))
	for _, idx := range a.order {
		b := a.blocks[idx]
		if b.done {
			out = append(out, b.sealed)
			continue
		}
		out = append(out, b.partialView())
	}
	return out
}

// finalize seals the block. Tool-use input JSON is parsed only here;
// invalid JSON keeps the block with a parse error marker instead of
// discarding it.
func (b *openBlock) finalize() event.ContentBlock {
	cb := event.ContentBlock{Type: b.kind}
	switch b.kind {
	case event.BlockText:
		cb.Text = string(b.text)
	case event.BlockThinking:
		cb.Thinking = string(b.thinking)
	case event.BlockToolUse:
		cb.ID = b.id
		cb.Name = b.name
		input := b.partial
		if len(input) == 0 {
			input = []byte("{}")
		}
		if json.Valid(input) {
			cb.Input = json.RawMessage(append([]byte(nil), input...))
		} else {
			cb.ParseError = "invalid tool input JSON"
			cb.Input = json.RawMessage(nil)
			cb.Text = string(input)
		}
	default:
		cb.Text = string(b.text)
	}
	return cb
}

func (b *openBlock) partialView() event.ContentBlock {
	cb := event.ContentBlock{Type: b.kind, ID: b.id, Name: b.name}
	switch b.kind {
	case event.BlockThinking:
		cb.Thinking = string(b.thinking)
	case event.BlockToolUse:
		cb.Text = string(b.partial)
	default:
		cb.Text = string(b.text)
	}
	return cb
}
