package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGroups struct {
	calls atomic.Int32
	n     int
	err   error
}

func (f *fakeGroups) Recover(context.Context) (int, error) {
	f.calls.Add(1)
	return f.n, f.err
}

type fakeLetters struct{ maxAge time.Duration }

func (f *fakeLetters) PruneDeadLetters(maxAge time.Duration) int {
	f.maxAge = maxAge
	return 1
}

type fakeLimits struct{ idle time.Duration }

func (f *fakeLimits) PruneLimiters(idle time.Duration) int {
	f.idle = idle
	return 4
}

func TestNew_Schedule(t *testing.T) {
	tests := []struct {
		schedule string
		wantErr  bool
	}{
		{"", false},
		{"@every 30s", false},
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"every minute", true},
		{"* * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			_, err := New(Config{Schedule: tt.schedule}, nil, nil, nil, testLogger())
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%q) error = %v, wantErr %v", tt.schedule, err, tt.wantErr)
			}
		})
	}
}

func TestRunOnce(t *testing.T) {
	g := &fakeGroups{n: 2}
	l := &fakeLetters{}
	r := &fakeLimits{}
	s, err := New(Config{DeadLetterTTL: time.Hour, LimiterIdle: 5 * time.Minute}, g, l, r, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	res := s.RunOnce(context.Background())
	want := Result{Recovered: 2, DeadLettersPruned: 1, LimitersPruned: 4}
	if res != want {
		t.Errorf("RunOnce = %+v, want %+v", res, want)
	}
	if l.maxAge != time.Hour || r.idle != 5*time.Minute {
		t.Errorf("ttl/idle passed = %v/%v", l.maxAge, r.idle)
	}
}

func TestRunOnce_RecoverErrorDoesNotStopPruning(t *testing.T) {
	g := &fakeGroups{err: errors.New("kv down")}
	r := &fakeLimits{}
	s, err := New(Config{}, g, nil, r, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	res := s.RunOnce(context.Background())
	if res.LimitersPruned != 4 {
		t.Errorf("limiters not pruned after recover error: %+v", res)
	}
}

func TestStartFiresOnSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron tick")
	}
	g := &fakeGroups{}
	s, err := New(Config{Schedule: "@every 1s"}, g, nil, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if g.calls.Load() > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("sweep never ran")
}
