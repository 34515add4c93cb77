// Package ephemeral holds short-lived shared state (in-flight concatenation
// groups) behind a small compare-and-swap key/value contract.
package ephemeral

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("ephemeral: key not found")
	// ErrConflict is returned when a write races another writer: the key
	// already exists on Create, or its revision moved on Update/Delete.
	ErrConflict = errors.New("ephemeral: revision conflict")
)

// Entry is a stored value together with the revision that wrote it.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Store is the shared ephemeral state contract. Revisions are strictly
// increasing per key; a zero revision on Delete means unconditional.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string, revision uint64) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}
