package worker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// stdinRecorder captures the JSON lines the bridge writes back to the
// worker.
type stdinRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *stdinRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *stdinRecorder) Close() error { return nil }

func (r *stdinRecorder) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(r.buf.Bytes()))
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}

func (r *stdinRecorder) waitForLines(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got := r.lines(); len(got) >= n {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d stdin lines, have %v", n, r.lines())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// newTestWorker wires a Worker to an in-memory stdout pipe so tests can
// script the subprocess side without spawning one.
func newTestWorker(t *testing.T) (*Worker, *io.PipeWriter, *stdinRecorder) {
	t.Helper()

	pr, pw := io.Pipe()
	stdin := &stdinRecorder{}
	w := newWorker(LaunchSpec{SessionID: "s1"}, stdin, pr)
	go w.readLoop()
	t.Cleanup(func() { pw.Close() })
	return w, pw, stdin
}

func emit(t *testing.T, pw *io.PipeWriter, line string) {
	t.Helper()
	if _, err := io.WriteString(pw, line+"\n"); err != nil {
		t.Fatalf("emit %q: %v", line, err)
	}
}

func recvEvent(t *testing.T, w *Worker) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func recvRequest(t *testing.T, w *Worker) Request {
	t.Helper()
	select {
	case req := <-w.Requests():
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
		return Request{}
	}
}

func TestDemuxMessagesKeepFlowingWhilePending(t *testing.T) {
	w, pw, _ := newTestWorker(t)

	emit(t, pw, `{"type":"message","data":{"type":"assistant"}}`)
	emit(t, pw, `{"type":"permission_request","requestId":"r1","toolName":"Bash","toolInput":{"command":"rm"}}`)
	emit(t, pw, `{"type":"message","data":{"type":"tool_progress"}}`)

	first := recvEvent(t, w)
	if first.Kind != KindMessage {
		t.Fatalf("first event kind = %s", first.Kind)
	}

	req := recvRequest(t, w)
	if req.Kind != RequestPermission || req.ID != "r1" || req.ToolName != "Bash" {
		t.Fatalf("unexpected request: %+v", req)
	}

	// The read loop must not be parked on the pending decision.
	second := recvEvent(t, w)
	if second.Kind != KindMessage {
		t.Fatalf("second event kind = %s", second.Kind)
	}
	if w.Pending() != 1 {
		t.Errorf("pending = %d, want 1", w.Pending())
	}
}

func TestRespondWritesPermissionResponse(t *testing.T) {
	w, pw, stdin := newTestWorker(t)

	emit(t, pw, `{"type":"permission_request","requestId":"r1","toolName":"Bash"}`)
	req := recvRequest(t, w)

	if err := w.Respond(req.ID, Resolution{Approved: true}); err != nil {
		t.Fatalf("respond: %v", err)
	}

	lines := stdin.waitForLines(t, 1)
	var resp permissionResponse
	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Type != "permission_response" || resp.RequestID != "r1" || !resp.Approved {
		t.Errorf("unexpected response: %+v", resp)
	}

	// Exactly one resolution per id.
	if err := w.Respond("r1", Resolution{Approved: false}); err == nil {
		t.Error("duplicate respond should fail")
	}
}

func TestApproveAllShortCircuits(t *testing.T) {
	w, pw, stdin := newTestWorker(t)

	emit(t, pw, `{"type":"permission_request","requestId":"r1","toolName":"Bash"}`)
	req := recvRequest(t, w)
	if err := w.Respond(req.ID, Resolution{Approved: true, ApproveAll: true}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	stdin.waitForLines(t, 1)

	// The next request is answered immediately, nothing surfaces
	// downstream.
	emit(t, pw, `{"type":"permission_request","requestId":"r2","toolName":"Bash"}`)
	lines := stdin.waitForLines(t, 2)

	var resp permissionResponse
	if err := json.Unmarshal([]byte(lines[1]), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.RequestID != "r2" || !resp.Approved {
		t.Errorf("auto-approve response: %+v", resp)
	}
	select {
	case req := <-w.Requests():
		t.Errorf("request surfaced despite approve-all: %+v", req)
	default:
	}
	if w.Pending() != 0 {
		t.Errorf("pending = %d, want 0", w.Pending())
	}
}

func TestQuestionRoundTrip(t *testing.T) {
	w, pw, stdin := newTestWorker(t)

	emit(t, pw, `{"type":"ask_user_question","requestId":"q1","questions":[{"text":"which db?"}]}`)
	req := recvRequest(t, w)
	if req.Kind != RequestQuestion || req.ID != "q1" {
		t.Fatalf("unexpected request: %+v", req)
	}

	answers := json.RawMessage(`[{"answer":"sqlite"}]`)
	if err := w.Respond("q1", Resolution{Answers: answers}); err != nil {
		t.Fatalf("respond: %v", err)
	}

	lines := stdin.waitForLines(t, 1)
	var resp questionResponse
	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Type != "question_response" || resp.RequestID != "q1" || !strings.Contains(string(resp.Answers), "sqlite") {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestProtocolViolationsIgnored(t *testing.T) {
	w, pw, _ := newTestWorker(t)

	emit(t, pw, `not json at all`)
	emit(t, pw, `{"no_type":true}`)
	emit(t, pw, `{"type":"mystery_frame"}`)
	emit(t, pw, `{"type":"message","data":{"type":"assistant"}}`)

	ev := recvEvent(t, w)
	if ev.Kind != KindMessage {
		t.Errorf("event after garbage = %s, want message", ev.Kind)
	}
}

func TestCompleteEmitsSingleTerminal(t *testing.T) {
	w, pw, _ := newTestWorker(t)

	emit(t, pw, `{"type":"complete","sessionId":"s1","resultData":{"ok":true}}`)
	ev := recvEvent(t, w)
	if ev.Kind != KindDone {
		t.Fatalf("terminal kind = %s, want done", ev.Kind)
	}

	// Exit after complete must not produce a second terminal.
	w.finish(0, nil)
	select {
	case extra := <-w.Events():
		t.Errorf("second terminal emitted: %+v", extra)
	case <-w.Done():
	}
}

func TestExitMidFlightAbortsWaitersAndEmitsError(t *testing.T) {
	w, pw, _ := newTestWorker(t)

	emit(t, pw, `{"type":"permission_request","requestId":"r1","toolName":"Bash"}`)
	recvRequest(t, w)
	if w.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", w.Pending())
	}

	w.finish(1, nil)
	<-w.Done()

	if w.Pending() != 0 {
		t.Errorf("waiter leaked across exit: %d", w.Pending())
	}
	ev := recvEvent(t, w)
	if ev.Kind != KindError {
		t.Errorf("terminal kind = %s, want error", ev.Kind)
	}
	if w.IsRunning() {
		t.Error("worker still reports running after exit")
	}
	if err := w.Respond("r1", Resolution{Approved: true}); err == nil {
		t.Error("late response should be a correlation failure")
	}
}
