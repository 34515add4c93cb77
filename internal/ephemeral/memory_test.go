package ephemeral

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemory_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rev, err := m.Create(ctx, "concat.c1.p1", []byte("a"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create(ctx, "concat.c1.p1", []byte("b")); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on duplicate create, got %v", err)
	}

	e, err := m.Get(ctx, "concat.c1.p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(e.Value) != "a" || e.Revision != rev {
		t.Errorf("unexpected entry %+v", e)
	}

	rev2, err := m.Update(ctx, "concat.c1.p1", []byte("ab"), rev)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rev2 <= rev {
		t.Errorf("expected revision to increase, got %d after %d", rev2, rev)
	}
	if _, err := m.Update(ctx, "concat.c1.p1", []byte("stale"), rev); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on stale update, got %v", err)
	}
	if _, err := m.Update(ctx, "missing", []byte("x"), 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_DeleteAtRevision(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rev, _ := m.Create(ctx, "k", []byte("v"))
	if err := m.Delete(ctx, "k", rev+1); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if err := m.Delete(ctx, "k", rev); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := m.Delete(ctx, "k", rev); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete should report ErrNotFound, got %v", err)
	}
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Create(ctx, "k", []byte("abc"))

	e, _ := m.Get(ctx, "k")
	e.Value[0] = 'z'

	again, _ := m.Get(ctx, "k")
	if string(again.Value) != "abc" {
		t.Errorf("stored value mutated through Get result: %q", again.Value)
	}
}

func TestMemory_KeysByPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, k := range []string{"concat.b.1", "concat.a.1", "other.x"} {
		m.Create(ctx, k, nil)
	}
	keys, err := m.Keys(ctx, "concat.")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "concat.a.1" || keys[1] != "concat.b.1" {
		t.Errorf("unexpected keys %v", keys)
	}
}

// Only one of many concurrent deleters at the same revision may win.
func TestMemory_DeleteIsExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rev, _ := m.Create(ctx, "k", []byte("v"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Delete(ctx, "k", rev); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one successful delete, got %d", wins)
	}
}
