package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/quorumhq/quorum/internal/hierarchy"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "quorum.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertMessageIdempotent(t *testing.T) {
	s := newTestStore(t)

	msg := &Message{
		ID:        "msg_01",
		SessionID: "s1",
		Role:      "assistant",
		Content:   json.RawMessage(`[{"type":"text","text":"draft"}]`),
		Timestamp: time.Now().UTC(),
	}
	if err := s.UpsertMessage(msg); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Replay with final content: same row, last write wins.
	msg.Content = json.RawMessage(`[{"type":"text","text":"final"}]`)
	if err := s.UpsertMessage(msg); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	n, err := s.CountMessages("s1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("replay duplicated the row: count = %d", n)
	}

	got, err := s.GetMessage("msg_01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Content) != `[{"type":"text","text":"final"}]` {
		t.Errorf("content = %s, want final", got.Content)
	}
}

func TestListMessagesOrdered(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().UTC()
	for i, id := range []string{"m1", "m2", "m3"} {
		err := s.UpsertMessage(&Message{
			ID:        id,
			SessionID: "s1",
			Role:      "assistant",
			Content:   json.RawMessage(`[]`),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	// Other session's traffic stays out.
	s.UpsertMessage(&Message{ID: "other", SessionID: "s2", Role: "user", Timestamp: base})

	msgs, err := s.ListMessages("s1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Errorf("msgs[%d] = %s, want %s", i, msgs[i].ID, want)
		}
	}
}

func TestMessageFieldsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	want := &Message{
		ID:              "msg_tool",
		SessionID:       "s1",
		Role:            "user",
		Content:         json.RawMessage(`[{"type":"tool_result","tool_use_id":"toolu_1"}]`),
		Timestamp:       time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
		ParentToolUseID: "toolu_0",
		IsSynthetic:     true,
	}
	if err := s.UpsertMessage(want); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetMessage("msg_tool")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ParentToolUseID != "toolu_0" || !got.IsSynthetic || got.Role != "user" {
		t.Errorf("fields lost in round trip: %+v", got)
	}
}

func TestSaveSessionSnapshot(t *testing.T) {
	s := newTestStore(t)

	sess := hierarchy.Session{
		ID:            "A",
		RootSessionID: "A",
		Title:         "root",
		AgentStatus:   hierarchy.StatusWorking,
	}
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Status change overwrites the same row.
	sess.AgentStatus = hierarchy.StatusBlocked
	sess.Escalation = &hierarchy.Escalation{Type: "permission", Summary: "needs approval"}
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, err := s.GetSession("A")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AgentStatus != hierarchy.StatusBlocked {
		t.Errorf("status = %s, want blocked", got.AgentStatus)
	}
	if got.Escalation == nil || got.Escalation.Summary != "needs approval" {
		t.Errorf("escalation lost: %+v", got.Escalation)
	}

	all, err := s.ListSessions()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("len = %d, want 1", len(all))
	}
}

func TestRecordsAppendOnly(t *testing.T) {
	s := newTestStore(t)

	recs := []hierarchy.Record{
		{ID: "d1", RootSessionID: "A", SessionID: "B", Kind: "decision", Summary: "use sqlite", CreatedAt: time.Now().UTC()},
		{ID: "d2", RootSessionID: "A", Kind: "decision", Summary: "keep schema", CreatedAt: time.Now().UTC().Add(time.Second)},
		{ID: "f1", RootSessionID: "A", Kind: "artifact", Summary: "report.md", Payload: json.RawMessage(`{"path":"report.md"}`), CreatedAt: time.Now().UTC()},
	}
	for _, rec := range recs {
		if err := s.AppendRecord(rec); err != nil {
			t.Fatalf("append %s: %v", rec.ID, err)
		}
	}
	// Redelivery of the same record is a no-op.
	if err := s.AppendRecord(recs[0]); err != nil {
		t.Fatalf("duplicate append: %v", err)
	}

	decisions, err := s.ListRecords("A", "decision")
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 2 || decisions[0].ID != "d1" || decisions[1].ID != "d2" {
		t.Errorf("unexpected decisions: %+v", decisions)
	}

	artifacts, err := s.ListRecords("A", "artifact")
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(artifacts) != 1 || string(artifacts[0].Payload) != `{"path":"report.md"}` {
		t.Errorf("unexpected artifacts: %+v", artifacts)
	}
}
