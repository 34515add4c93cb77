//go:build integration

package ephemeral

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/conduit/internal/hermes"
)

func TestIntegration_KVStore(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	ctx := context.Background()

	client, err := hermes.NewClient(ctx, url, os.Getenv("NATS_TOKEN"), slog.Default())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	bucket, err := client.KeyValue(ctx, "conduit_ephemeral_test", time.Minute)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	s := NewKV(bucket)

	key := "concat.it." + time.Now().Format("150405000000")
	rev, err := s.Create(ctx, key, []byte("x"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, key, []byte("y")); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if err := s.Delete(ctx, key, rev+100); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on wrong revision, got %v", err)
	}

	keys, err := s.Keys(ctx, "concat.it.")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	found := false
	for _, k := range keys {
		found = found || k == key
	}
	if !found {
		t.Errorf("expected %s in %v", key, keys)
	}

	if err := s.Delete(ctx, key, rev); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
