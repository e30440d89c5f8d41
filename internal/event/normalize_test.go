package event

import (
	"encoding/json"
	"testing"
)

func TestNormalizeAssistant(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "assistant",
		"parent_tool_use_id": "toolu_01",
		"message": {
			"id": "msg_01",
			"role": "assistant",
			"content": [
				{"type": "text", "text": "hello"},
				{"type": "tool_use", "id": "toolu_02", "name": "Bash", "input": {"command": "ls"}}
			],
			"usage": {"input_tokens": 12, "output_tokens": 34}
		}
	}`)

	env := Normalize(raw, "ui-1")

	if env.Type != TypeAssistant {
		t.Fatalf("expected assistant, got %s", env.Type)
	}
	if env.UISessionID != "ui-1" {
		t.Errorf("expected ui session id ui-1, got %s", env.UISessionID)
	}
	if env.MessageID != "msg_01" {
		t.Errorf("expected message id msg_01, got %s", env.MessageID)
	}
	if env.ParentToolUseID != "toolu_01" {
		t.Errorf("expected parent tool use id toolu_01, got %s", env.ParentToolUseID)
	}
	if len(env.Content) != 2 {
		t.Fatalf("expected 2 content blocks, got %d", len(env.Content))
	}
	if env.Content[0].Type != BlockText || env.Content[0].Text != "hello" {
		t.Errorf("unexpected first block: %+v", env.Content[0])
	}
	if env.Content[1].Type != BlockToolUse || env.Content[1].ID != "toolu_02" {
		t.Errorf("unexpected second block: %+v", env.Content[1])
	}
	if env.Usage == nil || env.Usage.InputTokens != 12 || env.Usage.OutputTokens != 34 {
		t.Errorf("usage did not pass through: %+v", env.Usage)
	}
}

func TestNormalizeStringContent(t *testing.T) {
	raw := json.RawMessage(`{"type": "user", "message": {"role": "user", "content": "plain text"}}`)

	env := Normalize(raw, "ui-1")

	if env.Type != TypeUser {
		t.Fatalf("expected user, got %s", env.Type)
	}
	if len(env.Content) != 1 || env.Content[0].Type != BlockText || env.Content[0].Text != "plain text" {
		t.Errorf("string content not collapsed to a text block: %+v", env.Content)
	}
}

func TestNormalizeTypes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Type
	}{
		{"system", `{"type": "system", "subtype": "init"}`, TypeSystem},
		{"init alias", `{"type": "init"}`, TypeSystem},
		{"result", `{"type": "result", "result": {"ok": true}}`, TypeResult},
		{"tool progress", `{"type": "tool_progress"}`, TypeToolProgress},
		{"stream event", `{"type": "stream_event", "event": {"type": "message_start"}}`, TypeStreamEvent},
		{"permission request", `{"type": "permission_request", "request_id": "r1", "tool_name": "Bash"}`, TypePermissionRequest},
		{"ask user question", `{"type": "ask_user_question", "request_id": "r2", "questions": []}`, TypeAskUserQuestion},
		{"error", `{"type": "error", "error": "boom"}`, TypeError},
		{"done", `{"type": "done"}`, TypeDone},
		{"aborted", `{"type": "aborted"}`, TypeAborted},
		{"structural spawned", `{"type": "session:spawned", "session": {"id": "s2"}}`, TypeSessionSpawned},
		{"structural delivered", `{"type": "session:delivered", "id": "s2"}`, TypeSessionDelivered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Normalize(json.RawMessage(tt.raw), "ui-1")
			if env.Type != tt.want {
				t.Errorf("expected %s, got %s", tt.want, env.Type)
			}
			if env.UISessionID != "ui-1" {
				t.Errorf("ui session id not stamped")
			}
		})
	}
}

func TestNormalizeUnknownKeepsRaw(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unrecognized type", `{"type": "telemetry_ping", "n": 1}`},
		{"missing type", `{"data": 42}`},
		{"not json", `{{{`},
		{"empty", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Normalize(json.RawMessage(tt.raw), "ui-1")
			if env.Type != TypeUnknown {
				t.Fatalf("expected unknown, got %s", env.Type)
			}
			if string(env.Raw) != tt.raw {
				t.Errorf("raw payload not preserved: %q", env.Raw)
			}
		})
	}
}

func TestNormalizeCostUnrounded(t *testing.T) {
	raw := json.RawMessage(`{"type": "result", "total_cost_usd": 0.003174500000000001}`)

	env := Normalize(raw, "ui-1")

	if env.CostUSD.String() != "0.003174500000000001" {
		t.Errorf("cost rounded in transit: %s", env.CostUSD)
	}
}

func TestNormalizeReplayAndSynthetic(t *testing.T) {
	raw := json.RawMessage(`{"type": "user", "is_replay": true, "is_synthetic": true, "message": {"content": "x"}}`)

	env := Normalize(raw, "ui-1")

	if !env.IsReplay || !env.IsSynthetic {
		t.Errorf("replay/synthetic flags dropped: replay=%v synthetic=%v", env.IsReplay, env.IsSynthetic)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorKind
	}{
		{"Prompt is too long: 210342 tokens", ErrorKindUpstreamModel},
		{"error: context_length_exceeded", ErrorKindUpstreamModel},
		{"input exceeds maximum context window", ErrorKindUpstreamModel},
		{"signal: killed", ErrorKindSubprocess},
		{"exit status 1", ErrorKindSubprocess},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.msg); got != tt.want {
			t.Errorf("ClassifyError(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}

	if !ErrorKindUpstreamModel.UserRecoverable() {
		t.Error("upstream model errors should be user recoverable")
	}
	if ErrorKindSubprocess.UserRecoverable() {
		t.Error("subprocess failures should not be user recoverable")
	}
}

func TestEnvelopeContentHelpers(t *testing.T) {
	empty := Envelope{Content: []ContentBlock{{Type: BlockText, Text: ""}}}
	if empty.HasContent() {
		t.Error("empty text block should not count as content")
	}

	withResult := Envelope{Content: []ContentBlock{{Type: BlockToolResult, ToolUseID: "toolu_1"}}}
	if !withResult.HasToolResult() || !withResult.HasContent() {
		t.Error("tool_result block should count as content and as a tool result")
	}
}
