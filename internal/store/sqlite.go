// Package store provides SQLite-backed persistence for quorum state.
package store

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the persistence layer: messages, session snapshots and the
// append-only decision/artifact logs.
type Store struct {
	db *sql.DB
}

// New creates a Store, initializing the database if needed.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Session snapshots mirroring the in-memory tree
	CREATE TABLE IF NOT EXISTS sessions (
		id                 TEXT PRIMARY KEY,
		parent_session_id  TEXT,
		root_session_id    TEXT NOT NULL,
		role               TEXT,
		task               TEXT,
		title              TEXT,
		agent_status       TEXT NOT NULL,
		depth              INTEGER NOT NULL DEFAULT 0,
		escalation         TEXT,    -- JSON, null unless blocked
		deliverable        TEXT,    -- JSON, null until delivered
		created_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at         DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Chat history, upsert-by-id
	CREATE TABLE IF NOT EXISTS messages (
		id                 TEXT PRIMARY KEY,
		session_id         TEXT NOT NULL,
		role               TEXT NOT NULL,
		content            TEXT NOT NULL,  -- JSON content blocks
		timestamp          DATETIME NOT NULL,
		parent_tool_use_id TEXT,
		is_synthetic       INTEGER NOT NULL DEFAULT 0
	);

	-- Append-only records keyed by the tree root
	CREATE TABLE IF NOT EXISTS records (
		id               TEXT PRIMARY KEY,
		root_session_id  TEXT NOT NULL,
		session_id       TEXT,
		kind             TEXT NOT NULL,  -- decision | artifact
		summary          TEXT NOT NULL,
		payload          TEXT,           -- JSON
		created_at       DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_sessions_root ON sessions(root_session_id);
	CREATE INDEX IF NOT EXISTS idx_records_root ON records(root_session_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}
