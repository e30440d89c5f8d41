// Package worker owns the subprocess side of a running query: one worker
// process per query, line-delimited JSON over stdio, and the async
// correlation of permission/question requests with their responses.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/quorumhq/quorum/internal/logging"
)

// Worker is one running query subprocess. Informational events and
// control requests are demultiplexed off stdout so output keeps flowing
// while a decision is pending.
type Worker struct {
	spec LaunchSpec

	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	stderrPipe io.ReadCloser

	events    chan Event
	requests  chan Request
	stderrOut chan string
	done      chan struct{}

	pending  *pendingTable
	terminal sync.Once

	mu         sync.Mutex
	running    bool
	exitCode   int
	approveAll bool
}

// Launch starts the worker binary with the launch spec as its single JSON
// argument and begins draining its pipes.
func Launch(ctx context.Context, command string, spec LaunchSpec) (*Worker, error) {
	payload, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal launch spec: %w", err)
	}

	cmd := exec.CommandContext(ctx, command, string(payload))
	cmd.Dir = spec.CWD

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderrPipe.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	w := newWorker(spec, stdin, stdout)
	w.cmd = cmd
	w.stderrPipe = stderrPipe

	go w.readLoop()
	go w.stderrLoop()
	go w.waitLoop()

	return w, nil
}

func newWorker(spec LaunchSpec, stdin io.WriteCloser, stdout io.ReadCloser) *Worker {
	return &Worker{
		spec:      spec,
		stdin:     stdin,
		stdout:    stdout,
		events:    make(chan Event, 100),
		requests:  make(chan Request, 16),
		stderrOut: make(chan string, 100),
		done:      make(chan struct{}),
		pending:   newPendingTable(),
		running:   true,
	}
}

// Events returns informational and terminal events, in emission order.
func (w *Worker) Events() <-chan Event { return w.events }

// Requests returns permission/question requests awaiting resolution.
func (w *Worker) Requests() <-chan Request { return w.requests }

// Stderr returns captured stderr lines.
func (w *Worker) Stderr() <-chan string { return w.stderrOut }

// Done closes when the subprocess has exited and every waiter is
// resolved.
func (w *Worker) Done() <-chan struct{} { return w.done }

// SessionID returns the query session this worker serves.
func (w *Worker) SessionID() string { return w.spec.SessionID }

// ExitCode is valid after Done closes.
func (w *Worker) ExitCode() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitCode
}

// IsRunning reports whether the subprocess is still alive.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Pending returns the number of unresolved requests.
func (w *Worker) Pending() int { return w.pending.count() }

// Respond resolves an outstanding request. Exactly one resolution is ever
// delivered per request id: a duplicate response finds no waiter and gets
// ErrUnknownRequest.
func (w *Worker) Respond(requestID string, res Resolution) error {
	if !w.pending.resolve(requestID, res) {
		return fmt.Errorf("respond %s: %w", requestID, ErrUnknownRequest)
	}
	return nil
}

// Interrupt asks the subprocess to stop gracefully.
func (w *Worker) Interrupt() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running || w.cmd == nil || w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Signal(interruptSignal())
}

// Kill terminates the subprocess. Waiters are resolved by the wait loop.
func (w *Worker) Kill() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running || w.cmd == nil || w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Kill()
}

func (w *Worker) readLoop() {
	scanner := bufio.NewScanner(w.stdout)
	// Large tool results can exceed the default token size.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		var wl workerLine
		if err := json.Unmarshal(line, &wl); err != nil || wl.Type == "" {
			perr := &ProtocolError{Line: truncate(string(line), 200), Err: err}
			logging.Warn("worker protocol violation", "session_id", w.spec.SessionID, "error", perr)
			continue
		}

		switch wl.Type {
		case "message":
			select {
			case w.events <- Event{Kind: KindMessage, Data: wl.Data}:
			case <-w.done:
				return
			}

		case "permission_request":
			w.handlePermission(wl)

		case "ask_user_question":
			w.handleQuestion(wl)

		case "complete":
			w.emitTerminal(Event{
				Kind:                 KindDone,
				LastAssistantContent: wl.LastAssistantContent,
				Result:               wl.ResultData,
			})

		case "error":
			w.emitTerminal(Event{Kind: KindError, Error: wl.Error})

		default:
			logging.Warn("worker protocol violation",
				"session_id", w.spec.SessionID, "type", wl.Type)
		}
	}

	if err := scanner.Err(); err != nil {
		logging.Warn("worker stdout read failed", "session_id", w.spec.SessionID, "error", err)
	}
}

// handlePermission registers a waiter and hands the decision to its own
// goroutine. The read loop never blocks on a pending decision.
func (w *Worker) handlePermission(wl workerLine) {
	if w.approveAllGranted() {
		// Approve-all short-circuits for the rest of the run.
		w.writeResponse(permissionResponse{
			Type:      "permission_response",
			RequestID: wl.RequestID,
			Approved:  true,
		})
		return
	}

	ch, err := w.pending.register(wl.RequestID)
	if err != nil {
		logging.Warn("duplicate permission request",
			"session_id", w.spec.SessionID, "request_id", wl.RequestID)
		return
	}

	req := Request{
		Kind:      RequestPermission,
		ID:        wl.RequestID,
		SessionID: w.spec.SessionID,
		ToolName:  wl.ToolName,
		ToolInput: wl.ToolInput,
		Message:   wl.Message,
		CreatedAt: time.Now().UTC(),
	}
	go w.awaitResolution(req, ch)

	select {
	case w.requests <- req:
	case <-w.done:
	}
}

func (w *Worker) handleQuestion(wl workerLine) {
	ch, err := w.pending.register(wl.RequestID)
	if err != nil {
		logging.Warn("duplicate question request",
			"session_id", w.spec.SessionID, "request_id", wl.RequestID)
		return
	}

	req := Request{
		Kind:      RequestQuestion,
		ID:        wl.RequestID,
		SessionID: w.spec.SessionID,
		Questions: wl.Questions,
		CreatedAt: time.Now().UTC(),
	}
	go w.awaitResolution(req, ch)

	select {
	case w.requests <- req:
	case <-w.done:
	}
}

// awaitResolution suspends only this continuation until the request is
// resolved or torn down, then relays the answer over stdin.
func (w *Worker) awaitResolution(req Request, ch <-chan Resolution) {
	res := <-ch
	if res.Aborted {
		// Teardown path: the subprocess is exiting or the session was
		// cancelled, nothing to write.
		return
	}

	switch req.Kind {
	case RequestPermission:
		if res.Approved && res.ApproveAll {
			w.grantApproveAll()
		}
		w.writeResponse(permissionResponse{
			Type:       "permission_response",
			RequestID:  req.ID,
			Approved:   res.Approved,
			ApproveAll: res.ApproveAll,
		})

	case RequestQuestion:
		answers := res.Answers
		if len(answers) == 0 {
			answers = json.RawMessage(`[]`)
		}
		w.writeResponse(questionResponse{
			Type:      "question_response",
			RequestID: req.ID,
			Answers:   answers,
		})
	}
}

func (w *Worker) stderrLoop() {
	if w.stderrPipe == nil {
		return
	}
	scanner := bufio.NewScanner(w.stderrPipe)
	for scanner.Scan() {
		select {
		case w.stderrOut <- scanner.Text():
		case <-w.done:
			return
		default:
			// Drop if channel full.
		}
	}
}

func (w *Worker) waitLoop() {
	err := w.cmd.Wait()

	exitCode := 0
	if w.cmd.ProcessState != nil {
		exitCode = w.cmd.ProcessState.ExitCode()
	}
	w.finish(exitCode, err)
}

// finish runs the teardown contract: release every waiter as aborted and
// guarantee exactly one terminal event for the lifecycle.
func (w *Worker) finish(exitCode int, waitErr error) {
	w.mu.Lock()
	w.running = false
	w.exitCode = exitCode
	w.mu.Unlock()

	if n := w.pending.abortAll(); n > 0 {
		logging.Debug("aborted pending requests on worker exit",
			"session_id", w.spec.SessionID, "count", n)
	}

	// The worker normally emits complete/error before exiting; this only
	// fires when it died without one.
	if waitErr != nil || exitCode != 0 {
		msg := fmt.Sprintf("worker exited with status %d", exitCode)
		if waitErr != nil {
			msg = fmt.Sprintf("worker failed: %v", waitErr)
		}
		w.emitTerminal(Event{Kind: KindError, Error: msg})
	} else {
		w.emitTerminal(Event{Kind: KindDone})
	}

	close(w.done)
}

// emitTerminal sends ev at most once per lifecycle. Never zero, never
// two: readLoop emits for complete/error lines, finish covers crashes.
func (w *Worker) emitTerminal(ev Event) {
	w.terminal.Do(func() {
		w.events <- ev
	})
}

func (w *Worker) approveAllGranted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.approveAll
}

func (w *Worker) grantApproveAll() {
	w.mu.Lock()
	w.approveAll = true
	w.mu.Unlock()
}

// writeResponse sends one JSON line to the worker's stdin.
func (w *Worker) writeResponse(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error("marshal worker response", "session_id", w.spec.SessionID, "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running || w.stdin == nil {
		return
	}
	if _, err := w.stdin.Write(append(data, '\n')); err != nil {
		logging.Warn("write worker stdin", "session_id", w.spec.SessionID, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
