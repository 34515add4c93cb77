package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/conduit/internal/router"
)

// CreateCallLog implements router.CallLogWriter.
func (s *Store) CreateCallLog(ctx context.Context, e router.CallLogEntry) error {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		id = uuid.New()
	}
	channelID, err := uuid.Parse(e.ChannelID)
	if err != nil {
		return fmt.Errorf("create call log: channel id: %w", err)
	}
	payload := string(e.Payload)
	if payload == "" {
		payload = "null"
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO n8n_call_logs (id, connection_id, event_id, url, payload, status_code,
			response_summary, success, latency_ms, used_fallback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		id, channelID, e.EventID, e.URL, payload, e.StatusCode,
		e.ResponseSummary, e.Success, e.LatencyMs, e.UsedFallback, createdAt,
	)
	if err != nil {
		return fmt.Errorf("create call log: %w", err)
	}
	return nil
}

// ListCallLogs returns the newest entries for a channel.
func (s *Store) ListCallLogs(ctx context.Context, channelID string, limit int) ([]router.CallLogEntry, error) {
	cid, err := uuid.Parse(channelID)
	if err != nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, connection_id::text, event_id, url, payload::text, status_code,
			response_summary, success, latency_ms, used_fallback, created_at
		FROM n8n_call_logs
		WHERE connection_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		cid, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list call logs: %w", err)
	}
	defer rows.Close()

	var out []router.CallLogEntry
	for rows.Next() {
		var (
			e       router.CallLogEntry
			payload string
		)
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.EventID, &e.URL, &payload, &e.StatusCode,
			&e.ResponseSummary, &e.Success, &e.LatencyMs, &e.UsedFallback, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan call log: %w", err)
		}
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}
