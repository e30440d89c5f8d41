package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/quorumhq/quorum/internal/hierarchy"
)

// SaveSession upserts one session snapshot.
func (s *Store) SaveSession(sess hierarchy.Session) error {
	query := `
		INSERT INTO sessions (id, parent_session_id, root_session_id, role, task, title, agent_status, depth, escalation, deliverable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_session_id = excluded.parent_session_id,
			root_session_id   = excluded.root_session_id,
			role              = excluded.role,
			task              = excluded.task,
			title             = excluded.title,
			agent_status      = excluded.agent_status,
			depth             = excluded.depth,
			escalation        = excluded.escalation,
			deliverable       = excluded.deliverable,
			updated_at        = CURRENT_TIMESTAMP
	`

	escalation, err := marshalNullable(sess.Escalation)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	deliverable, err := marshalNullable(sess.Deliverable)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}

	_, err = s.db.Exec(query,
		sess.ID,
		nullString(sess.ParentSessionID),
		sess.RootSessionID,
		nullString(sess.Role),
		nullString(sess.Task),
		nullString(sess.Title),
		string(sess.AgentStatus),
		sess.Depth,
		escalation,
		deliverable,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession retrieves one session snapshot.
func (s *Store) GetSession(id string) (*hierarchy.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, parent_session_id, root_session_id, role, task, title, agent_status, depth, escalation, deliverable
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// ListSessions returns every stored session, roots before children.
func (s *Store) ListSessions() ([]*hierarchy.Session, error) {
	rows, err := s.db.Query(`
		SELECT id, parent_session_id, root_session_id, role, task, title, agent_status, depth, escalation, deliverable
		FROM sessions ORDER BY depth ASC, created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*hierarchy.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// AppendRecord stores one decision or artifact entry.
func (s *Store) AppendRecord(rec hierarchy.Record) error {
	payload := sql.NullString{}
	if len(rec.Payload) > 0 {
		payload = sql.NullString{String: string(rec.Payload), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO records (id, root_session_id, session_id, kind, summary, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.RootSessionID,
		nullString(rec.SessionID),
		rec.Kind,
		rec.Summary,
		payload,
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append record %s: %w", rec.ID, err)
	}
	return nil
}

// ListRecords returns a root's records of one kind, oldest first.
func (s *Store) ListRecords(rootID, kind string) ([]hierarchy.Record, error) {
	rows, err := s.db.Query(`
		SELECT id, root_session_id, session_id, kind, summary, payload, created_at
		FROM records WHERE root_session_id = ? AND kind = ? ORDER BY created_at ASC
	`, rootID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []hierarchy.Record
	for rows.Next() {
		var rec hierarchy.Record
		var sessionID, payload sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RootSessionID, &sessionID, &rec.Kind, &rec.Summary, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.SessionID = sessionID.String
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanSession(row rowScanner) (*hierarchy.Session, error) {
	var sess hierarchy.Session
	var parentID, role, task, title, escalation, deliverable sql.NullString
	var status string

	err := row.Scan(
		&sess.ID,
		&parentID,
		&sess.RootSessionID,
		&role,
		&task,
		&title,
		&status,
		&sess.Depth,
		&escalation,
		&deliverable,
	)
	if err != nil {
		return nil, err
	}

	sess.ParentSessionID = parentID.String
	sess.Role = role.String
	sess.Task = task.String
	sess.Title = title.String
	sess.AgentStatus = hierarchy.Status(status)

	if escalation.Valid {
		var esc hierarchy.Escalation
		if err := json.Unmarshal([]byte(escalation.String), &esc); err == nil {
			sess.Escalation = &esc
		}
	}
	if deliverable.Valid {
		var d hierarchy.Deliverable
		if err := json.Unmarshal([]byte(deliverable.String), &d); err == nil {
			sess.Deliverable = &d
		}
	}
	return &sess, nil
}

func marshalNullable[T any](v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}
