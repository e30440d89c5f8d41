package hierarchy

import (
	"encoding/json"
	"fmt"
)

// Structural event type tags as carried on the wire.
const (
	EventSpawned         = "session:spawned"
	EventStatusChanged   = "session:status_changed"
	EventEscalated       = "session:escalated"
	EventResolved        = "session:escalation_resolved"
	EventDelivered       = "session:delivered"
	EventArchived        = "session:archived"
	EventDecisionLogged  = "session:decision_logged"
	EventArtifactCreated = "session:artifact_created"
)

// StructuralEvent is one decoded session-tree event. Each type populates
// exactly the fields its mutation needs.
type StructuralEvent struct {
	Type     string `json:"type"`
	ParentID string `json:"parentId,omitempty"`
	ID       string `json:"id,omitempty"`

	Session     *Session        `json:"session,omitempty"`     // spawned
	Status      Status          `json:"status,omitempty"`      // status_changed
	Escalation  *Escalation     `json:"escalation,omitempty"`  // escalated
	Response    json.RawMessage `json:"response,omitempty"`    // escalation_resolved
	Deliverable *Deliverable    `json:"deliverable,omitempty"` // delivered
	Record      *Record         `json:"record,omitempty"`      // decision/artifact
}

// ParseStructural decodes a raw session:* event payload.
func ParseStructural(raw json.RawMessage) (StructuralEvent, error) {
	var ev StructuralEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return StructuralEvent{}, fmt.Errorf("parse structural event: %w", err)
	}
	if ev.Type == "" {
		return StructuralEvent{}, fmt.Errorf("parse structural event: missing type")
	}
	return ev, nil
}

// Apply dispatches one structural event onto the tree. Archived nodes
// reject every event; the caller decides whether that is worth logging.
func (t *Tree) Apply(ev StructuralEvent) error {
	switch ev.Type {
	case EventSpawned:
		if ev.Session == nil {
			return fmt.Errorf("apply %s: missing session", ev.Type)
		}
		return t.Spawn(ev.ParentID, *ev.Session)

	case EventStatusChanged:
		return t.SetStatus(ev.ID, ev.Status)

	case EventEscalated:
		if ev.Escalation == nil {
			return fmt.Errorf("apply %s: missing escalation", ev.Type)
		}
		return t.Escalate(ev.ID, *ev.Escalation)

	case EventResolved:
		// Response payload is forwarded by the caller, never stored here.
		_, err := t.ResolveEscalation(ev.ID)
		return err

	case EventDelivered:
		if ev.Deliverable == nil {
			return fmt.Errorf("apply %s: missing deliverable", ev.Type)
		}
		return t.Deliver(ev.ID, *ev.Deliverable)

	case EventArchived:
		return t.Archive(ev.ID)

	case EventDecisionLogged:
		if ev.Record == nil {
			return fmt.Errorf("apply %s: missing record", ev.Type)
		}
		t.LogDecision(*ev.Record)
		return nil

	case EventArtifactCreated:
		if ev.Record == nil {
			return fmt.Errorf("apply %s: missing record", ev.Type)
		}
		t.AddArtifact(*ev.Record)
		return nil

	default:
		return fmt.Errorf("apply: unrecognized structural event %q", ev.Type)
	}
}
