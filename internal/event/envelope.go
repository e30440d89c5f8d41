// Package event defines the normalized event envelope shared by every
// consumer of a worker's output stream, and the pure mapping from raw
// SDK events into it.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the normalized event kind.
type Type string

const (
	TypeSystem            Type = "system"
	TypeAssistant         Type = "assistant"
	TypeUser              Type = "user"
	TypeResult            Type = "result"
	TypeToolProgress      Type = "tool_progress"
	TypeStreamEvent       Type = "stream_event"
	TypePermissionRequest Type = "permission_request"
	TypeAskUserQuestion   Type = "ask_user_question"
	TypeError             Type = "error"
	TypeDone              Type = "done"
	TypeAborted           Type = "aborted"

	// TypeStreamSnapshot is a server-side coalescing of stream deltas: the
	// full concatenation of every in-progress block, emitted at a bounded
	// cadence so thin clients need not reassemble deltas themselves.
	TypeStreamSnapshot Type = "stream_snapshot"

	// TypeUnknown carries any raw event the normalizer does not recognize.
	// The payload is preserved verbatim rather than dropped.
	TypeUnknown Type = "unknown"
)

// Structural session events pass through the normalizer unchanged; the
// hierarchy coordinator consumes their payloads.
const (
	TypeSessionSpawned   Type = "session:spawned"
	TypeSessionStatus    Type = "session:status_changed"
	TypeSessionEscalated Type = "session:escalated"
	TypeSessionResolved  Type = "session:escalation_resolved"
	TypeSessionDelivered Type = "session:delivered"
	TypeSessionArchived  Type = "session:archived"
	TypeDecisionLogged   Type = "session:decision_logged"
	TypeArtifactCreated  Type = "session:artifact_created"
)

const structuralTypePrefix = "session:"

// BlockType identifies a content block variant.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
)

// ContentBlock is one unit of model output. Exactly one variant's fields
// are populated, discriminated by Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text / thinking
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use: ID is the stable id correlating later tool_result blocks
	// and permission requests.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source json.RawMessage `json:"source,omitempty"`

	// ParseError marks a tool_use block whose accumulated input JSON did
	// not parse. The block is retained rather than discarded.
	ParseError string `json:"parse_error,omitempty"`
}

// Usage tracks token consumption. Values pass through unrounded.
type Usage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Envelope is the canonical wire schema for one normalized event.
// Common fields are always set; type-specific fields depend on Type.
type Envelope struct {
	Type        Type      `json:"type"`
	UISessionID string    `json:"ui_session_id"`
	Timestamp   time.Time `json:"timestamp"`

	// Message-bearing events (assistant / user / result).
	MessageID       string         `json:"message_id,omitempty"`
	Role            string         `json:"role,omitempty"`
	Content         []ContentBlock `json:"content,omitempty"`
	ParentToolUseID string         `json:"parent_tool_use_id,omitempty"`
	IsSynthetic     bool           `json:"is_synthetic,omitempty"`
	IsReplay        bool           `json:"is_replay,omitempty"`
	Usage           *Usage         `json:"usage,omitempty"`
	CostUSD         json.Number    `json:"cost_usd,omitempty"`

	// permission_request / ask_user_question correlation.
	RequestID string          `json:"request_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Questions json.RawMessage `json:"questions,omitempty"`
	Message   string          `json:"message,omitempty"`

	// error / result.
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	Recoverable bool            `json:"recoverable,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`

	// Raw preserves the original payload for stream_event, structural and
	// unknown events.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// IsStructural reports whether the envelope carries a session-tree event.
func (e *Envelope) IsStructural() bool {
	return len(e.Type) > len(structuralTypePrefix) &&
		string(e.Type[:len(structuralTypePrefix)]) == structuralTypePrefix
}

// IsTerminal reports whether the envelope ends a query lifecycle.
func (e *Envelope) IsTerminal() bool {
	return e.Type == TypeDone || e.Type == TypeError || e.Type == TypeAborted
}

// HasToolResult reports whether any content block is a tool_result.
func (e *Envelope) HasToolResult() bool {
	for _, b := range e.Content {
		if b.Type == BlockToolResult {
			return true
		}
	}
	return false
}

// HasContent reports whether the envelope carries at least one block with
// non-empty content.
func (e *Envelope) HasContent() bool {
	for _, b := range e.Content {
		switch b.Type {
		case BlockText:
			if b.Text != "" {
				return true
			}
		case BlockThinking:
			if b.Thinking != "" {
				return true
			}
		default:
			return true
		}
	}
	return false
}
