package event

import (
	"encoding/json"
	"strings"
	"time"
)

// rawEvent mirrors the wire shape of one SDK event as emitted by a worker.
// Only the fields the normalizer reads are declared; everything else stays
// in Raw.
type rawEvent struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype,omitempty"`
	Message         *rawMessage     `json:"message,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`
	IsSynthetic     bool            `json:"is_synthetic,omitempty"`
	IsReplay        bool            `json:"is_replay,omitempty"`
	TotalCostUSD    json.Number     `json:"total_cost_usd,omitempty"`
	Usage           *Usage          `json:"usage,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`

	RequestID string          `json:"request_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Questions json.RawMessage `json:"questions,omitempty"`
	Text      string          `json:"message_text,omitempty"`
}

type rawMessage struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// Normalize maps one raw worker event onto the canonical envelope. It is
// total: any payload it cannot interpret comes back as TypeUnknown with the
// original bytes preserved, never an error.
func Normalize(raw json.RawMessage, uiSessionID string) Envelope {
	env := Envelope{
		Type:        TypeUnknown,
		UISessionID: uiSessionID,
		Timestamp:   time.Now().UTC(),
		Raw:         raw,
	}

	var re rawEvent
	if err := json.Unmarshal(raw, &re); err != nil || re.Type == "" {
		return env
	}

	env.ParentToolUseID = re.ParentToolUseID
	env.IsSynthetic = re.IsSynthetic
	env.IsReplay = re.IsReplay

	switch re.Type {
	case "system", "init", "status":
		// init/status are system subtypes on some SDK versions.
		env.Type = TypeSystem

	case "assistant", "user":
		if re.Type == "assistant" {
			env.Type = TypeAssistant
		} else {
			env.Type = TypeUser
		}
		env.Role = re.Type
		if re.Message != nil {
			env.MessageID = re.Message.ID
			if re.Message.Role != "" {
				env.Role = re.Message.Role
			}
			env.Content = parseContent(re.Message.Content)
			env.Usage = re.Message.Usage
		}
		env.Raw = nil

	case "result":
		env.Type = TypeResult
		env.Result = re.Result
		env.Usage = re.Usage
		env.CostUSD = re.TotalCostUSD
		env.Error = re.Error
		env.Raw = nil

	case "tool_progress":
		env.Type = TypeToolProgress

	case "stream_event":
		env.Type = TypeStreamEvent

	case "permission_request":
		env.Type = TypePermissionRequest
		env.RequestID = re.RequestID
		env.ToolName = re.ToolName
		env.ToolInput = re.ToolInput
		env.Message = re.Text
		env.Raw = nil

	case "ask_user_question":
		env.Type = TypeAskUserQuestion
		env.RequestID = re.RequestID
		env.Questions = re.Questions
		env.Raw = nil

	case "error":
		env.Type = TypeError
		env.Error = re.Error
		env.Raw = nil

	case "done":
		env.Type = TypeDone
		env.Raw = nil

	case "aborted":
		env.Type = TypeAborted
		env.Raw = nil

	default:
		if strings.HasPrefix(re.Type, structuralTypePrefix) {
			env.Type = Type(re.Type)
		}
	}

	return env
}

// parseContent decodes a message content field. The SDK emits either a
// plain string or an array of content blocks; both collapse to blocks.
func parseContent(raw json.RawMessage) []ContentBlock {
	if len(raw) == 0 {
		return nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil
		}
		return []ContentBlock{{Type: BlockText, Text: text}}
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	return blocks
}

// ErrorKind classifies a terminal error for recovery hints.
type ErrorKind int

const (
	// ErrorKindSubprocess covers crashes and unclassified failures.
	ErrorKindSubprocess ErrorKind = iota
	// ErrorKindUpstreamModel covers provider-side errors the user can
	// recover from by compacting or starting a new session.
	ErrorKindUpstreamModel
)

var upstreamSignatures = []string{
	"context length",
	"context_length_exceeded",
	"prompt is too long",
	"maximum context",
	"overloaded_error",
	"rate_limit_error",
}

// ClassifyError matches an error message against known upstream provider
// signatures. Unmatched messages classify as subprocess failures.
func ClassifyError(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	for _, sig := range upstreamSignatures {
		if strings.Contains(lower, sig) {
			return ErrorKindUpstreamModel
		}
	}
	return ErrorKindSubprocess
}

// UserRecoverable reports whether the kind supports in-place recovery.
func (k ErrorKind) UserRecoverable() bool { return k == ErrorKindUpstreamModel }

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindUpstreamModel:
		return "upstream_model_error"
	default:
		return "subprocess_failure"
	}
}
