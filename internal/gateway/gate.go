package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/quorumhq/quorum/internal/event"
	"github.com/quorumhq/quorum/internal/store"
)

// Gate decides per normalized event whether it reaches durable storage.
// Forwarding to clients is unconditional; persistence is selective.
type Gate struct {
	store *store.Store
}

// NewGate returns a persistence gate backed by s.
func NewGate(s *store.Store) *Gate {
	return &Gate{store: s}
}

// ShouldPersist applies the persistence policy:
//   - assistant events persist iff they carry non-empty content
//   - user events persist iff synthetic or carrying a tool_result block
//   - replayed events never persist again
//   - deltas, progress pings, system/status and terminal markers are
//     never individually persisted
func ShouldPersist(env *event.Envelope) bool {
	if env.IsReplay {
		return false
	}

	switch env.Type {
	case event.TypeAssistant:
		return env.HasContent()
	case event.TypeUser:
		return env.IsSynthetic || env.HasToolResult()
	default:
		return false
	}
}

// Handle persists env when the policy allows. Upserts are keyed by the
// originating message id so retries and replays collapse onto one row.
func (g *Gate) Handle(env *event.Envelope) error {
	if !ShouldPersist(env) {
		return nil
	}

	msg, err := toMessage(env)
	if err != nil {
		return err
	}
	return g.store.UpsertMessage(msg)
}

// toMessage converts an envelope to its persisted record. The SDK message
// id is reused when present; otherwise one is generated, which makes the
// row stable for this process but unlinkable to later replays.
func toMessage(env *event.Envelope) (*store.Message, error) {
	id := env.MessageID
	if id == "" {
		id = uuid.NewString()
	}

	content, err := json.Marshal(env.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content for %s: %w", id, err)
	}

	return &store.Message{
		ID:              id,
		SessionID:       env.UISessionID,
		Role:            env.Role,
		Content:         content,
		Timestamp:       env.Timestamp,
		ParentToolUseID: env.ParentToolUseID,
		IsSynthetic:     env.IsSynthetic,
	}, nil
}
