// Package session runs queries end to end: one worker per running query,
// its events normalized, gated into storage, fanned out to clients and
// applied to the session tree.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorumhq/quorum/internal/config"
	"github.com/quorumhq/quorum/internal/event"
	"github.com/quorumhq/quorum/internal/hierarchy"
	"github.com/quorumhq/quorum/internal/logging"
	"github.com/quorumhq/quorum/internal/stream"
	"github.com/quorumhq/quorum/internal/worker"
)

// Broadcaster fans one envelope out to every connected client.
type Broadcaster interface {
	Broadcast(env *event.Envelope)
}

// Persister applies the persistence gate to one envelope.
type Persister interface {
	Handle(env *event.Envelope) error
}

// Snapshotter mirrors tree state into durable storage.
type Snapshotter interface {
	SaveSession(sess hierarchy.Session) error
	AppendRecord(rec hierarchy.Record) error
}

// SpawnRequest describes one new query.
type SpawnRequest struct {
	Prompt   string
	Title    string
	Role     string
	ParentID string
	CWD      string
	Model    string
	Resume   string
}

var ErrSessionNotRunning = errors.New("session has no running worker")

// run is one live query: its worker, its assembler and its terminal
// guard.
type run struct {
	sessionID string
	worker    *worker.Worker
	assembler *stream.Assembler
	cancel    context.CancelFunc
	terminal  sync.Once
}

// Manager owns every running query and the session tree.
type Manager struct {
	cfg  *config.Config
	tree *hierarchy.Tree
	hub  Broadcaster
	gate Persister
	snap Snapshotter

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// NewManager wires a manager. tree may be pre-populated from storage.
func NewManager(cfg *config.Config, tree *hierarchy.Tree, hub Broadcaster, gate Persister, snap Snapshotter) *Manager {
	return &Manager{
		cfg:  cfg,
		tree: tree,
		hub:  hub,
		gate: gate,
		snap: snap,
		runs: make(map[string]*run),
	}
}

// Tree exposes the hierarchy for read-only callers.
func (m *Manager) Tree() *hierarchy.Tree { return m.tree }

// Spawn creates a session node and launches its worker. With a ParentID
// the session joins an existing tree, otherwise it starts a new one.
func (m *Manager) Spawn(req SpawnRequest) (string, error) {
	if req.Prompt == "" {
		return "", fmt.Errorf("spawn: empty prompt")
	}

	sessionID := uuid.NewString()
	node := hierarchy.Session{
		ID:          sessionID,
		Title:       req.Title,
		Role:        req.Role,
		Task:        req.Prompt,
		AgentStatus: hierarchy.StatusWorking,
	}

	if req.ParentID == "" {
		if err := m.tree.AddRoot(node); err != nil {
			return "", err
		}
	} else {
		if err := m.tree.Spawn(req.ParentID, node); err != nil {
			return "", err
		}
	}
	m.saveSnapshot(sessionID)
	if req.ParentID != "" {
		m.saveSnapshot(req.ParentID)
	}

	inserted, _ := m.tree.Get(sessionID)
	m.broadcastStructural(sessionID, hierarchy.EventSpawned, hierarchy.StructuralEvent{
		Type:     hierarchy.EventSpawned,
		ParentID: req.ParentID,
		Session:  &inserted,
	})

	if err := m.launch(sessionID, req); err != nil {
		m.tree.SetStatus(sessionID, hierarchy.StatusArchived)
		m.saveSnapshot(sessionID)
		return "", err
	}
	return sessionID, nil
}

func (m *Manager) launch(sessionID string, req SpawnRequest) error {
	cwd := req.CWD
	if cwd == "" {
		cwd = m.cfg.Worker.WorkDir
	}
	model := req.Model
	if model == "" {
		model = m.cfg.Worker.Model
	}

	spec := worker.LaunchSpec{
		Prompt:       req.Prompt,
		CWD:          cwd,
		Resume:       req.Resume,
		Model:        model,
		AllowedTools: m.cfg.Worker.AllowedTools,
		SessionID:    sessionID,
	}

	ctx, cancel := context.WithCancel(context.Background())
	w, err := worker.Launch(ctx, m.cfg.Worker.Command, spec)
	if err != nil {
		cancel()
		return fmt.Errorf("launch worker for %s: %w", sessionID, err)
	}

	r := &run{
		sessionID: sessionID,
		worker:    w,
		cancel:    cancel,
	}
	r.assembler = stream.New(sessionID, m.cfg.Stream.FlushInterval, m.flushSnapshot)

	m.mu.Lock()
	m.runs[sessionID] = r
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runLoop(r)
	return nil
}

// runLoop drains one worker. It is the only goroutine touching this
// session's pipeline, which preserves per-session event order.
func (m *Manager) runLoop(r *run) {
	defer m.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			logging.CapturePanic(rec, "scope", "session.runLoop", "session_id", r.sessionID)
		}
	}()

	for {
		select {
		case ev := <-r.worker.Events():
			m.handleEvent(r, ev)

		case req := <-r.worker.Requests():
			m.handleRequest(r, req)

		case line := <-r.worker.Stderr():
			logging.Debug("worker stderr", "session_id", r.sessionID, "line", line)

		case <-r.worker.Done():
			// Drain anything emitted before exit, the terminal included.
			for {
				select {
				case ev := <-r.worker.Events():
					m.handleEvent(r, ev)
					continue
				default:
				}
				break
			}
			m.teardown(r)
			return
		}
	}
}

func (m *Manager) handleEvent(r *run, ev worker.Event) {
	switch ev.Kind {
	case worker.KindMessage:
		m.handleMessage(r, ev.Data)

	case worker.KindDone:
		m.finishRun(r, &event.Envelope{
			Type:        event.TypeDone,
			UISessionID: r.sessionID,
			Timestamp:   time.Now().UTC(),
			Result:      ev.Result,
		})

	case worker.KindError:
		kind := event.ClassifyError(ev.Error)
		m.finishRun(r, &event.Envelope{
			Type:        event.TypeError,
			UISessionID: r.sessionID,
			Timestamp:   time.Now().UTC(),
			Error:       ev.Error,
			ErrorKind:   kind.String(),
			Recoverable: kind.UserRecoverable(),
		})
	}
}

func (m *Manager) handleMessage(r *run, raw json.RawMessage) {
	env := event.Normalize(raw, r.sessionID)

	if env.IsStructural() {
		m.handleStructural(r, &env)
		return
	}

	if err := m.gate.Handle(&env); err != nil {
		logging.Error("persist event", "session_id", r.sessionID, "type", env.Type, "error", err)
	}
	m.hub.Broadcast(&env)

	if env.Type == event.TypeStreamEvent {
		if de, ok := stream.ParseDelta(env.Raw); ok {
			if final, done := r.assembler.Handle(de); done {
				m.hub.Broadcast(&event.Envelope{
					Type:        event.TypeStreamSnapshot,
					UISessionID: r.sessionID,
					Timestamp:   time.Now().UTC(),
					Content:     final,
				})
			}
		}
	}
}

// handleStructural applies a session:* event from the worker to the tree
// and forwards it.
func (m *Manager) handleStructural(r *run, env *event.Envelope) {
	ev, err := hierarchy.ParseStructural(env.Raw)
	if err != nil {
		logging.Warn("malformed structural event", "session_id", r.sessionID, "error", err)
		return
	}
	if ev.ID == "" {
		ev.ID = r.sessionID
	}
	if ev.Type == hierarchy.EventSpawned && ev.ParentID == "" {
		ev.ParentID = r.sessionID
	}

	if err := m.tree.Apply(ev); err != nil {
		// Archived sessions reject further events; that is policy, not
		// an incident.
		logging.Warn("structural event rejected",
			"session_id", r.sessionID, "type", ev.Type, "error", err)
		return
	}

	if ev.Record != nil {
		if err := m.snap.AppendRecord(*ev.Record); err != nil {
			logging.Error("persist record", "session_id", r.sessionID, "error", err)
		}
	}
	switch ev.Type {
	case hierarchy.EventSpawned:
		if ev.Session != nil {
			m.saveSnapshot(ev.Session.ID)
		}
		m.saveSnapshot(ev.ParentID)
	case hierarchy.EventDecisionLogged, hierarchy.EventArtifactCreated:
	default:
		m.saveSnapshot(ev.ID)
	}

	m.hub.Broadcast(env)
}

// handleRequest surfaces a permission/question as an escalation plus a
// correlated request event.
func (m *Manager) handleRequest(r *run, req worker.Request) {
	esc := hierarchy.Escalation{
		Summary:   req.Message,
		CreatedAt: req.CreatedAt,
	}
	env := &event.Envelope{
		UISessionID: r.sessionID,
		Timestamp:   req.CreatedAt,
		RequestID:   req.ID,
	}

	switch req.Kind {
	case worker.RequestPermission:
		esc.Type = "permission"
		if esc.Summary == "" {
			esc.Summary = fmt.Sprintf("permission to use %s", req.ToolName)
		}
		env.Type = event.TypePermissionRequest
		env.ToolName = req.ToolName
		env.ToolInput = req.ToolInput
		env.Message = req.Message

	case worker.RequestQuestion:
		esc.Type = "question"
		if esc.Summary == "" {
			esc.Summary = "needs answers"
		}
		esc.Options = req.Questions
		env.Type = event.TypeAskUserQuestion
		env.Questions = req.Questions
	}

	if err := m.tree.Escalate(r.sessionID, esc); err != nil {
		logging.Warn("escalate", "session_id", r.sessionID, "error", err)
	} else {
		m.saveSnapshot(r.sessionID)
		m.broadcastStructural(r.sessionID, hierarchy.EventEscalated, hierarchy.StructuralEvent{
			Type:       hierarchy.EventEscalated,
			ID:         r.sessionID,
			Escalation: &esc,
		})
	}

	m.hub.Broadcast(env)
}

// RespondPermission resolves a pending permission request. The first
// response wins; anything later is a correlation failure.
func (m *Manager) RespondPermission(sessionID, requestID string, approved, approveAll bool) error {
	r, err := m.running(sessionID)
	if err != nil {
		return err
	}
	if err := r.worker.Respond(requestID, worker.Resolution{Approved: approved, ApproveAll: approveAll}); err != nil {
		logging.Warn("permission response dropped",
			"session_id", sessionID, "request_id", requestID, "error", err)
		return err
	}

	response, _ := json.Marshal(map[string]bool{"approved": approved, "approveAll": approveAll})
	m.resolveEscalation(sessionID, response)
	return nil
}

// RespondQuestion resolves a pending question.
func (m *Manager) RespondQuestion(sessionID, requestID string, answers json.RawMessage) error {
	r, err := m.running(sessionID)
	if err != nil {
		return err
	}
	if err := r.worker.Respond(requestID, worker.Resolution{Answers: answers}); err != nil {
		logging.Warn("question response dropped",
			"session_id", sessionID, "request_id", requestID, "error", err)
		return err
	}

	m.resolveEscalation(sessionID, answers)
	return nil
}

func (m *Manager) resolveEscalation(sessionID string, response json.RawMessage) {
	if _, err := m.tree.ResolveEscalation(sessionID); err != nil {
		logging.Warn("resolve escalation", "session_id", sessionID, "error", err)
		return
	}
	m.saveSnapshot(sessionID)
	m.broadcastStructural(sessionID, hierarchy.EventResolved, hierarchy.StructuralEvent{
		Type:     hierarchy.EventResolved,
		ID:       sessionID,
		Response: response,
	})
}

// Cancel terminates a session's worker. Pending waiters resolve as
// aborted when the process exits; persisted messages stay untouched.
func (m *Manager) Cancel(sessionID string) error {
	r, err := m.running(sessionID)
	if err != nil {
		return err
	}

	r.assembler.Reset()
	m.finishRun(r, &event.Envelope{
		Type:        event.TypeAborted,
		UISessionID: sessionID,
		Timestamp:   time.Now().UTC(),
	})

	r.cancel()
	if err := r.worker.Kill(); err != nil {
		logging.Warn("kill worker", "session_id", sessionID, "error", err)
	}
	return nil
}

// finishRun emits the session's terminal event exactly once, no matter
// how many error signals race in.
func (m *Manager) finishRun(r *run, env *event.Envelope) {
	r.terminal.Do(func() {
		r.assembler.Reset()
		m.hub.Broadcast(env)

		if env.Type == event.TypeAborted {
			if err := m.tree.Archive(r.sessionID); err == nil {
				m.saveSnapshot(r.sessionID)
				m.broadcastStructural(r.sessionID, hierarchy.EventArchived, hierarchy.StructuralEvent{
					Type: hierarchy.EventArchived,
					ID:   r.sessionID,
				})
			}
		}
	})
}

func (m *Manager) teardown(r *run) {
	m.mu.Lock()
	delete(m.runs, r.sessionID)
	m.mu.Unlock()

	r.cancel()
	logging.Info("session finished",
		"session_id", r.sessionID, "exit_code", r.worker.ExitCode())
}

// flushSnapshot is the assembler's throttled observer.
func (m *Manager) flushSnapshot(sessionID string, blocks []event.ContentBlock) {
	m.hub.Broadcast(&event.Envelope{
		Type:        event.TypeStreamSnapshot,
		UISessionID: sessionID,
		Timestamp:   time.Now().UTC(),
		Content:     blocks,
	})
}

func (m *Manager) broadcastStructural(sessionID, typ string, ev hierarchy.StructuralEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		logging.Error("marshal structural event", "session_id", sessionID, "error", err)
		return
	}
	m.hub.Broadcast(&event.Envelope{
		Type:        event.Type(typ),
		UISessionID: sessionID,
		Timestamp:   time.Now().UTC(),
		Raw:         raw,
	})
}

func (m *Manager) saveSnapshot(sessionID string) {
	sess, ok := m.tree.Get(sessionID)
	if !ok {
		return
	}
	if err := m.snap.SaveSession(sess); err != nil {
		logging.Error("save session snapshot", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) running(sessionID string) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotRunning)
	}
	return r, nil
}

// RunningCount reports how many workers are live.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// Shutdown cancels every running session and waits up to timeout for
// their loops to drain.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Cancel(id); err != nil {
			logging.Warn("cancel on shutdown", "session_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logging.Warn("shutdown drain timed out", "running", m.RunningCount())
	}
}
