package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	SessionActive = "ACTIVE"
	SessionPaused = "PAUSED"
	SessionClosed = "CLOSED"
)

// Session is one conversation between a contact and a channel.
type Session struct {
	ID             string
	ContactID      string
	ConnectionID   string
	OrganizationID string
	Status         string
	// AIEnabled false holds automated replies until AIBlockedUntil passes,
	// or indefinitely when it is nil.
	AIEnabled      bool
	AIBlockedUntil *time.Time
	LastMessageAt  *time.Time
	CreatedAt      time.Time
}

const sessionColumns = `id::text, contact_id::text, connection_id::text, organization_id::text, status, ai_enabled, ai_blocked_until, last_message_at, created_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var ss Session
	if err := row.Scan(&ss.ID, &ss.ContactID, &ss.ConnectionID, &ss.OrganizationID, &ss.Status,
		&ss.AIEnabled, &ss.AIBlockedUntil, &ss.LastMessageAt, &ss.CreatedAt); err != nil {
		return nil, err
	}
	return &ss, nil
}

// GetOrCreateSession returns the most recent session between the contact
// and the connection, whatever its status, creating an ACTIVE one if none
// exists. Callers decide what a CLOSED session means.
func (s *Store) GetOrCreateSession(ctx context.Context, contactID, connectionID, organizationID string) (*Session, error) {
	ctID, err := uuid.Parse(contactID)
	if err != nil {
		return nil, fmt.Errorf("get or create session: contact id: %w", err)
	}
	cnID, err := uuid.Parse(connectionID)
	if err != nil {
		return nil, fmt.Errorf("get or create session: connection id: %w", err)
	}
	orgID, err := uuid.Parse(organizationID)
	if err != nil {
		return nil, fmt.Errorf("get or create session: organization id: %w", err)
	}

	ss, err := scanSession(s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM chat_sessions
		WHERE contact_id = $1 AND connection_id = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		ctID, cnID,
	))
	if err == nil {
		return ss, nil
	}
	if err = noRows(err); err != nil {
		return nil, fmt.Errorf("get or create session: %w", err)
	}

	ss, err = scanSession(s.pool.QueryRow(ctx, `
		INSERT INTO chat_sessions (id, contact_id, connection_id, organization_id, status)
		VALUES ($1, $2, $3, $4, 'ACTIVE')
		RETURNING `+sessionColumns,
		uuid.New(), ctID, cnID, orgID,
	))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return ss, nil
}

// GetSession returns nil, nil for unknown or malformed ids.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sid, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}
	ss, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, sid))
	if err != nil {
		if err = noRows(err); err != nil {
			return nil, fmt.Errorf("get session: %w", err)
		}
		return nil, nil
	}
	return ss, nil
}

func (s *Store) UpdateSessionLastMessageAt(ctx context.Context, id string, at time.Time) error {
	sid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("update session last message: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `UPDATE chat_sessions SET last_message_at = $2 WHERE id = $1`, sid, at); err != nil {
		return fmt.Errorf("update session last message: %w", err)
	}
	return nil
}

// UpdateSessionStatus sets ACTIVE, PAUSED or CLOSED.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string) error {
	switch status {
	case SessionActive, SessionPaused, SessionClosed:
	default:
		return fmt.Errorf("update session status: invalid status %q", status)
	}
	sid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `UPDATE chat_sessions SET status = $2 WHERE id = $1`, sid, status); err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// PauseSession hands the conversation to a human until the given time.
// Automated replies stay off while it is paused.
func (s *Store) PauseSession(ctx context.Context, id string, until time.Time) (bool, error) {
	sid, err := uuid.Parse(id)
	if err != nil {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE chat_sessions
		SET status = 'PAUSED', ai_enabled = false, ai_blocked_until = $2
		WHERE id = $1 AND status <> 'CLOSED'`,
		sid, until,
	)
	if err != nil {
		return false, fmt.Errorf("pause session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResumeSession reactivates a paused session and lifts any AI block.
func (s *Store) ResumeSession(ctx context.Context, id string) (bool, error) {
	sid, err := uuid.Parse(id)
	if err != nil {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE chat_sessions
		SET status = CASE WHEN status = 'PAUSED' THEN 'ACTIVE' ELSE status END,
			ai_enabled = true,
			ai_blocked_until = NULL
		WHERE id = $1`,
		sid,
	)
	if err != nil {
		return false, fmt.Errorf("resume session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// BlockSessionAI turns automated replies off without pausing the session.
// A nil until blocks until ResumeSession.
func (s *Store) BlockSessionAI(ctx context.Context, id string, until *time.Time) (bool, error) {
	sid, err := uuid.Parse(id)
	if err != nil {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET ai_enabled = false, ai_blocked_until = $2 WHERE id = $1`, sid, until)
	if err != nil {
		return false, fmt.Errorf("block session ai: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
