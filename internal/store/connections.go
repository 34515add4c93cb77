package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/conduit/internal/router"
)

const (
	ConnectionConnected    = "CONNECTED"
	ConnectionConnecting   = "CONNECTING"
	ConnectionDisconnected = "DISCONNECTED"
)

// Connection is one WhatsApp channel bound to a broker instance.
type Connection struct {
	ID             string
	OrganizationID string
	Name           string
	Broker         string
	InstanceID     string
	Status         string
	PhoneNumber    string
	QRCode         string
	LastConnected  *time.Time
	WebhookURL     string
	FallbackURL    string
	WorkflowID     string
	AgentConfig    json.RawMessage
}

const connectionColumns = `id::text, organization_id::text, name, broker, instance_id, status,
	COALESCE(phone_number, ''), COALESCE(qr_code, ''), last_connected,
	COALESCE(n8n_webhook_url, ''), COALESCE(n8n_fallback_url, ''), COALESCE(n8n_workflow_id, ''), agent_config`

func scanConnection(row interface{ Scan(...any) error }) (*Connection, error) {
	var c Connection
	err := row.Scan(&c.ID, &c.OrganizationID, &c.Name, &c.Broker, &c.InstanceID, &c.Status,
		&c.PhoneNumber, &c.QRCode, &c.LastConnected,
		&c.WebhookURL, &c.FallbackURL, &c.WorkflowID, &c.AgentConfig)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConnection registers a channel. Used by provisioning and tests.
func (s *Store) CreateConnection(ctx context.Context, c Connection) (*Connection, error) {
	orgID, err := uuid.Parse(c.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("create connection: organization id: %w", err)
	}
	if c.Status == "" {
		c.Status = ConnectionDisconnected
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO connections (id, organization_id, name, broker, instance_id, status,
			n8n_webhook_url, n8n_fallback_url, n8n_workflow_id, agent_config)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10)
		RETURNING `+connectionColumns,
		uuid.New(), orgID, c.Name, c.Broker, c.InstanceID, c.Status,
		c.WebhookURL, c.FallbackURL, c.WorkflowID, nullJSON(c.AgentConfig),
	)
	out, err := scanConnection(row)
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	return out, nil
}

// ConnectionByInstance resolves the channel bound to a broker instance.
// Returns nil, nil when no channel is registered for it.
func (s *Store) ConnectionByInstance(ctx context.Context, instanceID string) (*Connection, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE instance_id = $1`, instanceID)
	c, err := scanConnection(row)
	if err != nil {
		if err = noRows(err); err != nil {
			return nil, fmt.Errorf("connection by instance: %w", err)
		}
		return nil, nil
	}
	return c, nil
}

// GetConnection returns nil, nil for unknown or malformed ids.
func (s *Store) GetConnection(ctx context.Context, id string) (*Connection, error) {
	cid, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}
	c, err := scanConnection(s.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1`, cid))
	if err != nil {
		if err = noRows(err); err != nil {
			return nil, fmt.Errorf("get connection: %w", err)
		}
		return nil, nil
	}
	return c, nil
}

// UpdateInstanceStatus records a broker state change. Entering CONNECTED
// stamps last_connected and clears any pending QR code.
func (s *Store) UpdateInstanceStatus(ctx context.Context, connectionID, status string) error {
	cid, err := uuid.Parse(connectionID)
	if err != nil {
		return fmt.Errorf("update instance status: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE connections SET
			status = $2,
			last_connected = CASE WHEN $2 = 'CONNECTED' THEN now() ELSE last_connected END,
			qr_code = CASE WHEN $2 = 'CONNECTED' THEN NULL ELSE qr_code END,
			updated_at = now()
		WHERE id = $1`,
		cid, status,
	)
	if err != nil {
		return fmt.Errorf("update instance status: %w", err)
	}
	return nil
}

// UpdateInstanceQR stores a fresh pairing code and marks the channel as
// CONNECTING.
func (s *Store) UpdateInstanceQR(ctx context.Context, connectionID, qr string) error {
	cid, err := uuid.Parse(connectionID)
	if err != nil {
		return fmt.Errorf("update instance qr: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE connections SET qr_code = $2, status = 'CONNECTING', updated_at = now()
		WHERE id = $1`,
		cid, qr,
	)
	if err != nil {
		return fmt.Errorf("update instance qr: %w", err)
	}
	return nil
}

// GetRoutingTarget implements router.TargetResolver. Channels without a
// primary webhook URL have no target.
func (s *Store) GetRoutingTarget(ctx context.Context, channelID string) (*router.Target, error) {
	c, err := s.GetConnection(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if c == nil || c.WebhookURL == "" {
		return nil, nil
	}
	return &router.Target{
		ChannelID:   c.ID,
		PrimaryURL:  c.WebhookURL,
		FallbackURL: c.FallbackURL,
		WorkflowID:  c.WorkflowID,
		AgentConfig: c.AgentConfig,
	}, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
