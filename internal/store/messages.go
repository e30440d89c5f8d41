package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one persisted chat row. Content holds the JSON-encoded
// content blocks.
type Message struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	Role            string          `json:"role"`
	Content         json.RawMessage `json:"content"`
	Timestamp       time.Time       `json:"timestamp"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`
	IsSynthetic     bool            `json:"is_synthetic,omitempty"`
}

// UpsertMessage inserts or replaces a message keyed by id. Replays and
// retries land on the same row; last write wins.
func (s *Store) UpsertMessage(msg *Message) error {
	query := `
		INSERT INTO messages (id, session_id, role, content, timestamp, parent_tool_use_id, is_synthetic)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id         = excluded.session_id,
			role               = excluded.role,
			content            = excluded.content,
			timestamp          = excluded.timestamp,
			parent_tool_use_id = excluded.parent_tool_use_id,
			is_synthetic       = excluded.is_synthetic
	`

	content := "[]"
	if len(msg.Content) > 0 {
		content = string(msg.Content)
	}

	_, err := s.db.Exec(query,
		msg.ID,
		msg.SessionID,
		msg.Role,
		content,
		msg.Timestamp.UTC(),
		nullString(msg.ParentToolUseID),
		boolToInt(msg.IsSynthetic),
	)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", msg.ID, err)
	}
	return nil
}

// GetMessage retrieves one message by id.
func (s *Store) GetMessage(id string) (*Message, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, role, content, timestamp, parent_tool_use_id, is_synthetic
		FROM messages WHERE id = ?
	`, id)
	return scanMessage(row)
}

// ListMessages returns a session's messages in timestamp order. limit <= 0
// means all.
func (s *Store) ListMessages(sessionID string, limit int) ([]*Message, error) {
	query := `
		SELECT id, session_id, role, content, timestamp, parent_tool_use_id, is_synthetic
		FROM messages WHERE session_id = ? ORDER BY timestamp ASC
	`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of rows stored for a session.
func (s *Store) CountMessages(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var content string
	var parentToolUseID sql.NullString
	var isSynthetic int

	err := row.Scan(
		&msg.ID,
		&msg.SessionID,
		&msg.Role,
		&content,
		&msg.Timestamp,
		&parentToolUseID,
		&isSynthetic,
	)
	if err != nil {
		return nil, err
	}

	msg.Content = json.RawMessage(content)
	msg.ParentToolUseID = parentToolUseID.String
	msg.IsSynthetic = isSynthetic != 0
	return &msg, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
