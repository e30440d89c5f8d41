package worker

import (
	"encoding/json"
	"time"
)

// LaunchSpec is the single JSON argument passed to the worker binary.
type LaunchSpec struct {
	Prompt             string             `json:"prompt"`
	CWD                string             `json:"cwd"`
	Resume             string             `json:"resume,omitempty"`
	Model              string             `json:"model,omitempty"`
	AllowedTools       []string           `json:"allowedTools,omitempty"`
	SessionID          string             `json:"sessionId"`
	PermissionSettings PermissionSettings `json:"permissionSettings"`
}

// PermissionSettings seeds the worker's tool gating.
type PermissionSettings struct {
	AutoAcceptAll       bool     `json:"autoAcceptAll"`
	RequireConfirmation []string `json:"requireConfirmation"`
}

// workerLine is one stdout line from the worker: informational messages
// and control requests share the channel, demultiplexed by Type.
type workerLine struct {
	Type string `json:"type"`

	// type=message
	Data json.RawMessage `json:"data,omitempty"`

	// type=permission_request / ask_user_question
	RequestID string          `json:"requestId,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
	Message   string          `json:"message,omitempty"`
	Questions json.RawMessage `json:"questions,omitempty"`

	// type=complete / error
	SessionID            string          `json:"sessionId,omitempty"`
	LastAssistantContent json.RawMessage `json:"lastAssistantContent,omitempty"`
	ResultData           json.RawMessage `json:"resultData,omitempty"`
	Error                string          `json:"error,omitempty"`
}

// permissionResponse is written to the worker's stdin to resolve a
// permission_request.
type permissionResponse struct {
	Type       string `json:"type"`
	RequestID  string `json:"requestId"`
	Approved   bool   `json:"approved"`
	ApproveAll bool   `json:"approveAll,omitempty"`
}

// questionResponse resolves an ask_user_question.
type questionResponse struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Answers   json.RawMessage `json:"answers"`
}

// RequestKind discriminates control requests surfaced to clients.
type RequestKind string

const (
	RequestPermission RequestKind = "permission"
	RequestQuestion   RequestKind = "question"
)

// Request is one outstanding permission or question, owned by the bridge
// between emission and first matching resolution.
type Request struct {
	Kind      RequestKind
	ID        string
	SessionID string
	ToolName  string
	ToolInput json.RawMessage
	Message   string
	Questions json.RawMessage
	CreatedAt time.Time
}

// Resolution answers a Request. Aborted resolutions come from
// cancellation or subprocess exit, never from a client.
type Resolution struct {
	Approved   bool
	ApproveAll bool
	Answers    json.RawMessage
	Aborted    bool
}

// EventKind discriminates bridge output events.
type EventKind string

const (
	KindMessage EventKind = "message"
	KindDone    EventKind = "done"
	KindError   EventKind = "error"
)

// Event is one bridge output: an informational message or the single
// terminal done/error of the lifecycle.
type Event struct {
	Kind                 EventKind
	Data                 json.RawMessage // message payload (KindMessage)
	LastAssistantContent json.RawMessage
	Result               json.RawMessage
	Error                string
}
