package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Contact struct {
	ID             string
	OrganizationID string
	PhoneNumber    string
	Name           string
	// BypassBots contacts are never forwarded to automation.
	BypassBots     bool
	CreatedAt      time.Time
}

const contactColumns = `id::text, organization_id::text, phone_number, COALESCE(name, ''), bypass_bots, created_at`

// FindContact returns nil, nil when the organization has no contact with
// that phone number.
func (s *Store) FindContact(ctx context.Context, organizationID, phone string) (*Contact, error) {
	orgID, err := uuid.Parse(organizationID)
	if err != nil {
		return nil, fmt.Errorf("find contact: organization id: %w", err)
	}
	var c Contact
	err = s.pool.QueryRow(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE organization_id = $1 AND phone_number = $2`,
		orgID, phone,
	).Scan(&c.ID, &c.OrganizationID, &c.PhoneNumber, &c.Name, &c.BypassBots, &c.CreatedAt)
	if err != nil {
		if err = noRows(err); err != nil {
			return nil, fmt.Errorf("find contact: %w", err)
		}
		return nil, nil
	}
	return &c, nil
}

// CreateContact inserts a contact, or returns the existing one when another
// writer created it first. A non-empty name overwrites the stored one.
func (s *Store) CreateContact(ctx context.Context, organizationID, phone, name string) (*Contact, error) {
	orgID, err := uuid.Parse(organizationID)
	if err != nil {
		return nil, fmt.Errorf("create contact: organization id: %w", err)
	}
	var c Contact
	err = s.pool.QueryRow(ctx, `
		INSERT INTO contacts (id, organization_id, phone_number, name)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (organization_id, phone_number)
		DO UPDATE SET
			name = COALESCE(NULLIF($4, ''), contacts.name),
			updated_at = now()
		RETURNING `+contactColumns,
		uuid.New(), orgID, phone, name,
	).Scan(&c.ID, &c.OrganizationID, &c.PhoneNumber, &c.Name, &c.BypassBots, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	return &c, nil
}

// UpdateContactName is a no-op for an empty name.
func (s *Store) UpdateContactName(ctx context.Context, contactID, name string) error {
	if name == "" {
		return nil
	}
	id, err := uuid.Parse(contactID)
	if err != nil {
		return fmt.Errorf("update contact name: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `UPDATE contacts SET name = $2, updated_at = now() WHERE id = $1`, id, name); err != nil {
		return fmt.Errorf("update contact name: %w", err)
	}
	return nil
}

func (s *Store) SetContactBypassBots(ctx context.Context, contactID string, bypass bool) (bool, error) {
	id, err := uuid.Parse(contactID)
	if err != nil {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE contacts SET bypass_bots = $2, updated_at = now() WHERE id = $1`, id, bypass)
	if err != nil {
		return false, fmt.Errorf("set contact bypass: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
