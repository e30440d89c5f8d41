// Package daemon wires the quorum components together and runs them
// until shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/quorumhq/quorum/internal/config"
	"github.com/quorumhq/quorum/internal/event"
	"github.com/quorumhq/quorum/internal/gateway"
	"github.com/quorumhq/quorum/internal/hierarchy"
	"github.com/quorumhq/quorum/internal/logging"
	"github.com/quorumhq/quorum/internal/session"
	"github.com/quorumhq/quorum/internal/store"
)

// Version is set at build time.
var Version = "dev"

// Daemon is the long-running quorumd process.
type Daemon struct {
	config  *config.Config
	store   *store.Store
	tree    *hierarchy.Tree
	hub     *gateway.Hub
	manager *session.Manager
	server  *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once
}

// New builds a daemon from config: logging, store, tree restore, hub and
// manager.
func New(cfg *config.Config) (*Daemon, error) {
	if err := logging.Init(logging.Config{
		Level:     parseLevel(cfg.Daemon.LogLevel),
		SentryDSN: cfg.Daemon.SentryDSN,
		Env:       "production",
		Version:   Version,
		LogFile:   cfg.Daemon.LogFile,
	}); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	st, err := store.New(cfg.Daemon.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	tree := hierarchy.NewTree()
	if err := restoreTree(tree, st); err != nil {
		logging.Warn("restore session tree", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		store:  st,
		tree:   tree,
		ctx:    ctx,
		cancel: cancel,
	}

	gate := gateway.NewGate(st)
	d.manager = session.NewManager(cfg, tree, hubProxy{d}, gate, st)
	d.hub = gateway.NewHub(cfg.Gateway, d.handleClient)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", d.hub.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	d.server = &http.Server{Addr: cfg.Gateway.Listen, Handler: mux}

	return d, nil
}

// hubProxy defers hub resolution: the manager is built before the hub
// because the hub's handler needs the manager.
type hubProxy struct{ d *Daemon }

func (p hubProxy) Broadcast(env *event.Envelope) {
	if p.d.hub != nil {
		p.d.hub.Broadcast(env)
	}
}

// Run starts the gateway listener and blocks until shutdown.
func (d *Daemon) Run() error {
	logging.Info("quorumd starting",
		"version", Version,
		"listen", d.config.Gateway.Listen,
		"database", d.config.Daemon.Database)

	errCh := make(chan error, 1)
	d.safeGo("gateway-listener", func() {
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	})

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		d.gracefulShutdown()
		return fmt.Errorf("gateway listener: %w", err)

	case sig := <-sigCh:
		logging.Info("received shutdown signal, starting graceful shutdown", "signal", sig.String())

		done := make(chan struct{})
		go func() {
			d.gracefulShutdown()
			close(done)
		}()

		select {
		case <-done:
			return nil
		case sig2 := <-sigCh:
			logging.Warn("received second signal, forcing immediate shutdown", "signal", sig2.String())
			d.forceShutdown()
			return fmt.Errorf("forced shutdown by signal: %s", sig2)
		}
	}
}

func (d *Daemon) gracefulShutdown() {
	d.shutdownOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			logging.Warn("gateway shutdown", "error", err)
		}

		// Kill workers and mark their sessions aborted before clients go.
		d.manager.Shutdown(d.config.Worker.DrainTimeout)
		d.hub.Shutdown()
		d.cancel()

		if err := d.store.Close(); err != nil {
			logging.Error("close store", "error", err)
		}

		logging.Info("shutdown complete")
		logging.Flush(2 * time.Second)
	})
}

func (d *Daemon) forceShutdown() {
	d.manager.Shutdown(time.Second)
	d.hub.Shutdown()
	d.server.Close()
	d.store.Close()
	logging.Flush(500 * time.Millisecond)
}

// handleClient routes inbound WebSocket messages to the manager. Replies
// go only to the requesting client; resulting events broadcast to all.
func (d *Daemon) handleClient(c gateway.Sender, msg gateway.ClientMessage) {
	switch msg.Type {
	case "spawn":
		id, err := d.manager.Spawn(session.SpawnRequest{
			Prompt:   msg.Prompt,
			Title:    msg.Title,
			Role:     msg.Role,
			ParentID: msg.ParentID,
			CWD:      msg.CWD,
			Model:    msg.Model,
			Resume:   msg.Resume,
		})
		reply := map[string]any{"type": "spawned", "uiSessionId": id}
		if err != nil {
			reply = map[string]any{"type": "spawn_failed", "error": err.Error()}
		}
		c.Send(reply)

	case "cancel":
		if err := d.manager.Cancel(msg.UISessionID); err != nil {
			c.Send(map[string]any{"type": "cancel_failed", "uiSessionId": msg.UISessionID, "error": err.Error()})
		}

	case "permission_response":
		if err := d.manager.RespondPermission(msg.UISessionID, msg.RequestID, msg.Approved, msg.ApproveAll); err != nil {
			c.Send(map[string]any{"type": "response_dropped", "requestId": msg.RequestID, "error": err.Error()})
		}

	case "question_response":
		if err := d.manager.RespondQuestion(msg.UISessionID, msg.RequestID, msg.Answers); err != nil {
			c.Send(map[string]any{"type": "response_dropped", "requestId": msg.RequestID, "error": err.Error()})
		}

	case "sessions":
		c.Send(map[string]any{
			"type":       "sessions",
			"sessions":   d.tree.List(),
			"aggregates": d.tree.Aggregates(),
		})

	case "history":
		msgs, err := d.store.ListMessages(msg.UISessionID, 0)
		if err != nil {
			c.Send(map[string]any{"type": "history_failed", "uiSessionId": msg.UISessionID, "error": err.Error()})
			return
		}
		c.Send(map[string]any{"type": "history", "uiSessionId": msg.UISessionID, "messages": msgs})

	default:
		logging.Warn("unrecognized client message", "type", msg.Type)
	}
}

// restoreTree reloads persisted session snapshots. Ordering by depth in
// the query guarantees parents precede children.
func restoreTree(tree *hierarchy.Tree, st *store.Store) error {
	sessions, err := st.ListSessions()
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		if sess.ParentSessionID == "" {
			if err := tree.AddRoot(*sess); err != nil {
				logging.Warn("restore root", "session_id", sess.ID, "error", err)
			}
			continue
		}
		if err := tree.Spawn(sess.ParentSessionID, *sess); err != nil {
			logging.Warn("restore session", "session_id", sess.ID, "error", err)
			continue
		}
		// Spawn forces the parent to waiting; the snapshot knows better.
		if err := tree.SetStatus(sess.ParentSessionID, parentStatus(tree, st, sess.ParentSessionID)); err != nil {
			logging.Warn("restore parent status", "session_id", sess.ParentSessionID, "error", err)
		}
	}
	return nil
}

func parentStatus(tree *hierarchy.Tree, st *store.Store, id string) hierarchy.Status {
	if snap, err := st.GetSession(id); err == nil && snap.AgentStatus.Valid() {
		return snap.AgentStatus
	}
	if cur, ok := tree.Get(id); ok {
		return cur.AgentStatus
	}
	return hierarchy.StatusIdle
}

func (d *Daemon) safeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.CapturePanic(r, "goroutine", name)
			}
		}()
		fn()
	}()
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// MintClientToken issues a gateway token using the daemon config. Used by
// the CLI to authenticate against a locally configured daemon.
func MintClientToken(cfg *config.Config, clientName string) (string, error) {
	return gateway.MintToken(cfg.Gateway.AuthSecret, clientName, cfg.Gateway.TokenTTL)
}
