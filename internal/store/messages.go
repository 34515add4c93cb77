package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one persisted history row. Concatenated rows hold the coalesced
// text of a burst and share the WA message id of its last fragment.
type Message struct {
	ID            string
	SessionID     string
	ConnectionID  string
	ContactID     string
	WAMessageID   string
	Direction     string
	Type          string
	Content       string
	MediaURL      string
	MimeType      string
	FileName      string
	Status        string
	Concatenated  bool
	Transcription string
	CreatedAt     time.Time
}

// CreateMessage inserts a history row. Redelivered broker events carrying a
// WA message id already stored for the connection are ignored; the returned
// bool reports whether a row was written.
func (s *Store) CreateMessage(ctx context.Context, m Message) (bool, error) {
	sessionID, err := uuid.Parse(m.SessionID)
	if err != nil {
		return false, fmt.Errorf("create message: session id: %w", err)
	}
	connID, err := uuid.Parse(m.ConnectionID)
	if err != nil {
		return false, fmt.Errorf("create message: connection id: %w", err)
	}
	contactID, err := uuid.Parse(m.ContactID)
	if err != nil {
		return false, fmt.Errorf("create message: contact id: %w", err)
	}
	if m.Status == "" {
		m.Status = "received"
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, session_id, connection_id, contact_id, wa_message_id, direction, type,
			content, media_url, mime_type, file_name, status, concatenated, transcription, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12, $13, NULLIF($14, ''), $15)
		ON CONFLICT (connection_id, wa_message_id, concatenated) WHERE wa_message_id <> '' DO NOTHING`,
		uuid.New(), sessionID, connID, contactID, m.WAMessageID, m.Direction, m.Type,
		m.Content, m.MediaURL, m.MimeType, m.FileName, m.Status, m.Concatenated, m.Transcription, createdAt,
	)
	if err != nil {
		return false, fmt.Errorf("create message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateMessageStatus applies a delivery receipt. Receipts for messages we
// never stored report false.
func (s *Store) UpdateMessageStatus(ctx context.Context, connectionID, waMessageID, status string) (bool, error) {
	connID, err := uuid.Parse(connectionID)
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = $3
		WHERE connection_id = $1 AND wa_message_id = $2`,
		connID, waMessageID, status,
	)
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListMessages returns a session's history, oldest first.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	sid, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, session_id::text, connection_id::text, contact_id::text, wa_message_id, direction, type,
			content, COALESCE(media_url, ''), COALESCE(mime_type, ''), COALESCE(file_name, ''), status,
			concatenated, COALESCE(transcription, ''), created_at
		FROM (
			SELECT * FROM messages WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2
		) recent
		ORDER BY created_at ASC`,
		sid, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.ConnectionID, &m.ContactID, &m.WAMessageID, &m.Direction, &m.Type,
			&m.Content, &m.MediaURL, &m.MimeType, &m.FileName, &m.Status,
			&m.Concatenated, &m.Transcription, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMessageTranscription stores the enrichment output of a media message.
func (s *Store) UpdateMessageTranscription(ctx context.Context, connectionID, waMessageID, text string) error {
	connID, err := uuid.Parse(connectionID)
	if err != nil {
		return fmt.Errorf("update message transcription: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE messages SET transcription = $3
		WHERE connection_id = $1 AND wa_message_id = $2 AND NOT concatenated`,
		connID, waMessageID, text,
	)
	if err != nil {
		return fmt.Errorf("update message transcription: %w", err)
	}
	return nil
}
