// Package hierarchy maintains the in-memory tree of agent sessions and
// applies structural events as tree rewrites.
package hierarchy

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle" // transient pre-activity state
	StatusWaiting   Status = "waiting"
	StatusWorking   Status = "working"
	StatusBlocked   Status = "blocked"
	StatusDelivered Status = "delivered"
	StatusArchived  Status = "archived" // terminal
)

// Valid reports whether s is a recognized status.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusWaiting, StatusWorking, StatusBlocked, StatusDelivered, StatusArchived:
		return true
	}
	return false
}

// Escalation is a blocking request from a session to its parent or the
// human operator. Options are opaque to the coordinator.
type Escalation struct {
	Type      string          `json:"type"` // question | decision_needed | blocker | permission
	Summary   string          `json:"summary"`
	Context   string          `json:"context,omitempty"`
	Options   json.RawMessage `json:"options,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Deliverable is the declared completed output of a session.
type Deliverable struct {
	Type    string          `json:"type"`
	Summary string          `json:"summary"`
	Content json.RawMessage `json:"content,omitempty"`
	Files   []FileRef       `json:"files,omitempty"`
}

// FileRef points at one produced file.
type FileRef struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Session is one node in the tree.
type Session struct {
	ID              string       `json:"id"`
	ParentSessionID string       `json:"parent_session_id,omitempty"`
	RootSessionID   string       `json:"root_session_id"`
	Role            string       `json:"role,omitempty"`
	Task            string       `json:"task,omitempty"`
	Title           string       `json:"title,omitempty"`
	AgentStatus     Status       `json:"agent_status"`
	Depth           int          `json:"depth"`
	Escalation      *Escalation  `json:"escalation,omitempty"`
	Deliverable     *Deliverable `json:"deliverable,omitempty"`
	ChildIDs        []string     `json:"child_ids,omitempty"`

	// preEscalation remembers the status to restore when the escalation
	// resolves.
	preEscalation Status
}

// Record is one append-only decision or artifact entry, keyed by the root
// session of the tree it belongs to.
type Record struct {
	ID            string          `json:"id"`
	RootSessionID string          `json:"root_session_id"`
	SessionID     string          `json:"session_id,omitempty"`
	Kind          string          `json:"kind"` // decision | artifact
	Summary       string          `json:"summary"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Aggregates are attention counters derived from the tree.
type Aggregates struct {
	Total   int `json:"total"`
	Active  int `json:"active"` // waiting or working
	Blocked int `json:"blocked"`
}

var (
	ErrNotFound    = errors.New("session not found")
	ErrDuplicateID = errors.New("session id already exists")
	ErrArchived    = errors.New("session is archived")
	ErrBadStatus   = errors.New("invalid status")
)

// Tree is the session hierarchy. It is the sole mutator of session nodes;
// readers get copies.
type Tree struct {
	mu        sync.RWMutex
	nodes     map[string]*Session
	roots     []string
	decisions map[string][]Record
	artifacts map[string][]Record
}

// NewTree returns an empty hierarchy.
func NewTree() *Tree {
	return &Tree{
		nodes:     make(map[string]*Session),
		decisions: make(map[string][]Record),
		artifacts: make(map[string][]Record),
	}
}

// AddRoot inserts a new top-level session. Depth is forced to 0 and the
// root id to the session's own id.
func (t *Tree) AddRoot(s Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.ID == "" {
		return fmt.Errorf("add root: empty session id")
	}
	if _, exists := t.nodes[s.ID]; exists {
		return fmt.Errorf("add root %s: %w", s.ID, ErrDuplicateID)
	}

	s.ParentSessionID = ""
	s.RootSessionID = s.ID
	s.Depth = 0
	if s.AgentStatus == "" {
		s.AgentStatus = StatusIdle
	}
	node := s
	t.nodes[s.ID] = &node
	t.roots = append(t.roots, s.ID)
	return nil
}

// Spawn inserts child under parentID. The child's depth and root are
// derived from the parent regardless of what the event carried, and the
// parent unconditionally transitions to waiting. A child id already
// present anywhere in the tree is rejected, which also excludes cycles.
func (t *Tree) Spawn(parentID string, child Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.nodes[parentID]
	if !ok {
		return fmt.Errorf("spawn under %s: %w", parentID, ErrNotFound)
	}
	if parent.AgentStatus == StatusArchived {
		return fmt.Errorf("spawn under %s: %w", parentID, ErrArchived)
	}
	if child.ID == "" {
		return fmt.Errorf("spawn under %s: empty child id", parentID)
	}
	if _, exists := t.nodes[child.ID]; exists {
		return fmt.Errorf("spawn %s: %w", child.ID, ErrDuplicateID)
	}

	child.ParentSessionID = parentID
	child.RootSessionID = parent.RootSessionID
	child.Depth = parent.Depth + 1
	if child.AgentStatus == "" {
		child.AgentStatus = StatusWorking
	}

	node := child
	t.nodes[child.ID] = &node
	parent.ChildIDs = append(parent.ChildIDs, child.ID)
	parent.AgentStatus = StatusWaiting
	return nil
}

// SetStatus overwrites a session's status. No other field changes.
func (t *Tree) SetStatus(id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("set status %s: %q: %w", id, status, ErrBadStatus)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	node, err := t.mutableLocked(id)
	if err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}
	node.AgentStatus = status
	return nil
}

// Escalate blocks a session and attaches the escalation, remembering the
// prior status for the matching resolution.
func (t *Tree) Escalate(id string, esc Escalation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, err := t.mutableLocked(id)
	if err != nil {
		return fmt.Errorf("escalate %s: %w", id, err)
	}
	if esc.CreatedAt.IsZero() {
		esc.CreatedAt = time.Now().UTC()
	}
	node.preEscalation = node.AgentStatus
	node.AgentStatus = StatusBlocked
	node.Escalation = &esc
	return nil
}

// ResolveEscalation clears the escalation and restores the session to its
// pre-escalation status. The response payload belongs to the resolution
// API, never the node. Returns the restored status.
func (t *Tree) ResolveEscalation(id string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, err := t.mutableLocked(id)
	if err != nil {
		return "", fmt.Errorf("resolve escalation %s: %w", id, err)
	}

	restored := node.preEscalation
	if restored == "" || restored == StatusBlocked {
		restored = StatusWorking
	}
	node.AgentStatus = restored
	node.Escalation = nil
	node.preEscalation = ""
	return restored, nil
}

// Deliver marks a session delivered and attaches the deliverable. A later
// delivered event overwrites: last arrival wins.
func (t *Tree) Deliver(id string, d Deliverable) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, err := t.mutableLocked(id)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", id, err)
	}
	node.AgentStatus = StatusDelivered
	node.Deliverable = &d
	return nil
}

// Archive marks a session archived. Archived is terminal: every further
// event for the id is rejected.
func (t *Tree) Archive(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, err := t.mutableLocked(id)
	if err != nil {
		return fmt.Errorf("archive %s: %w", id, err)
	}
	node.AgentStatus = StatusArchived
	node.Escalation = nil
	return nil
}

// LogDecision appends a decision record under the session's root.
func (t *Tree) LogDecision(rec Record) {
	rec.Kind = "decision"
	t.appendRecord(&t.decisions, rec)
}

// AddArtifact appends an artifact record under the session's root.
func (t *Tree) AddArtifact(rec Record) {
	rec.Kind = "artifact"
	t.appendRecord(&t.artifacts, rec)
}

func (t *Tree) appendRecord(m *map[string][]Record, rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	(*m)[rec.RootSessionID] = append((*m)[rec.RootSessionID], rec)
}

// Decisions returns the decision log for a root, oldest first.
func (t *Tree) Decisions(rootID string) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Record(nil), t.decisions[rootID]...)
}

// Artifacts returns the artifact log for a root, oldest first.
func (t *Tree) Artifacts(rootID string) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Record(nil), t.artifacts[rootID]...)
}

// Get returns a copy of the session, if present.
func (t *Tree) Get(id string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node, ok := t.nodes[id]
	if !ok {
		return Session{}, false
	}
	return copyNode(node), true
}

// List returns copies of every session, roots first, children in spawn
// order within each subtree.
func (t *Tree) List() []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Session, 0, len(t.nodes))
	var walk func(id string)
	walk = func(id string) {
		node, ok := t.nodes[id]
		if !ok {
			return
		}
		out = append(out, copyNode(node))
		for _, childID := range node.ChildIDs {
			walk(childID)
		}
	}
	for _, rootID := range t.roots {
		walk(rootID)
	}
	return out
}

// Aggregates recomputes the attention counters.
func (t *Tree) Aggregates() Aggregates {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var agg Aggregates
	for _, node := range t.nodes {
		agg.Total++
		switch node.AgentStatus {
		case StatusWaiting, StatusWorking:
			agg.Active++
		case StatusBlocked:
			agg.Blocked++
		}
	}
	return agg
}

// mutableLocked returns the node for mutation, enforcing that archived is
// terminal.
func (t *Tree) mutableLocked(id string) (*Session, error) {
	node, ok := t.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	if node.AgentStatus == StatusArchived {
		return nil, ErrArchived
	}
	return node, nil
}

func copyNode(node *Session) Session {
	s := *node
	s.ChildIDs = append([]string(nil), node.ChildIDs...)
	if node.Escalation != nil {
		esc := *node.Escalation
		s.Escalation = &esc
	}
	if node.Deliverable != nil {
		d := *node.Deliverable
		s.Deliverable = &d
	}
	return s
}
