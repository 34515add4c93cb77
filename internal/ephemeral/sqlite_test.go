package ephemeral

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "concat.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	rev, err := s.Create(ctx, "concat.c1.p1", []byte("a"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, "concat.c1.p1", []byte("b")); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on duplicate create, got %v", err)
	}

	e, err := s.Get(ctx, "concat.c1.p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(e.Value) != "a" || e.Revision != rev {
		t.Errorf("unexpected entry %+v", e)
	}

	rev2, err := s.Update(ctx, "concat.c1.p1", []byte("ab"), rev)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rev2 <= rev {
		t.Errorf("expected revision to increase, got %d after %d", rev2, rev)
	}
	if _, err := s.Update(ctx, "concat.c1.p1", []byte("stale"), rev); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on stale update, got %v", err)
	}
	if _, err := s.Update(ctx, "missing", []byte("x"), 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLite_DeleteAndRecreate(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	rev, _ := s.Create(ctx, "k", []byte("v"))
	if err := s.Delete(ctx, "k", rev+1); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if err := s.Delete(ctx, "k", rev); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	again, err := s.Create(ctx, "k", []byte("w"))
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if again == rev {
		t.Errorf("recreated key reused revision %d", rev)
	}
	if _, err := s.Update(ctx, "k", []byte("x"), rev); !errors.Is(err, ErrConflict) {
		t.Errorf("old revision should not match recreated key, got %v", err)
	}
}

func TestSQLite_KeysByPrefixAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "concat.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	for _, k := range []string{"concat.b.1", "concat.a.1", "other.x"} {
		if _, err := s.Create(ctx, k, []byte("v")); err != nil {
			t.Fatalf("Create %s: %v", k, err)
		}
	}
	s.Close()

	s, err = NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	keys, err := s.Keys(ctx, "concat.")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "concat.a.1" || keys[1] != "concat.b.1" {
		t.Errorf("unexpected keys %v", keys)
	}
}
