package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session is one execution conversation. Task attempts run inside a
// session; schedule-linked tasks reuse their previous session to preserve
// conversational continuity.
type Session struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Label     string    `json:"label"`
	Heartbeat bool      `json:"heartbeat"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one transcript entry.
type Message struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	AttachmentURL string    `json:"attachment_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreateSession inserts a new session and returns its ID.
func (s *Store) CreateSession(ctx context.Context, agentID, label string) (string, error) {
	sessionID := uuid.NewString()
	if agentID == "" {
		agentID = "default"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, agent_id, label, created_at, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, sessionID, agentID, label)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return sessionID, nil
}

// GetSession loads one session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var (
		sess      Session
		heartbeat int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, label, heartbeat, created_at, updated_at
		FROM sessions WHERE id = ?;
	`, sessionID).Scan(&sess.ID, &sess.AgentID, &sess.Label, &heartbeat, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	sess.Heartbeat = heartbeat == 1
	return &sess, nil
}

// SessionExists reports whether the session is present.
func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?;`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return true, nil
}

// SetSessionHeartbeat toggles the session's keep-alive flag. The queue
// turns it off when the owning task reaches a terminal state so nothing
// keeps polling an orphaned session.
func (s *Store) SetSessionHeartbeat(ctx context.Context, sessionID string, on bool) error {
	flag := 0
	if on {
		flag = 1
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET heartbeat = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, flag, sessionID)
		return err
	})
}

// AppendMessage appends one transcript entry. Partial agent output is
// written through here on every step so progress survives a crash.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content, attachmentURL string) (int64, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "system", "user", "assistant", "tool":
	default:
		return 0, fmt.Errorf("invalid role %q", role)
	}

	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (session_id, role, content, attachment_url, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, sessionID, role, content, attachmentURL)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

// ListMessages returns the session transcript oldest first.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, attachment_url, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.AttachmentURL, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, label, heartbeat, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess      Session
			heartbeat int
		)
		if err := rows.Scan(&sess.ID, &sess.AgentID, &sess.Label, &heartbeat, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Heartbeat = heartbeat == 1
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
