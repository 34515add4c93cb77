// Package scheduler runs delayed, cancellable, keyed jobs with retry and a
// dead-letter list for jobs that exhaust their attempts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrStopped is returned by Schedule after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Handler runs a fired job. A non-nil error triggers a retry.
type Handler func(ctx context.Context, job Job) error

// Job is one scheduled unit of work.
type Job struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Key     string    `json:"key"`
	Attempt int       `json:"attempt"`
	RunAt   time.Time `json:"run_at"`
}

// DeadLetter is a job that failed on every attempt.
type DeadLetter struct {
	Job      Job       `json:"job"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

type Options struct {
	// MaxAttempts counts the first run. Defaults to 3.
	MaxAttempts int
	// BackoffBase is the delay before the first retry; it doubles for each
	// subsequent retry. Defaults to 2s.
	BackoffBase time.Duration
	// DeadLetterLimit bounds the retained dead letters. Defaults to 100.
	DeadLetterLimit int
	// OnDeadLetter, if set, is called outside the scheduler lock.
	OnDeadLetter func(DeadLetter)
}

type entry struct {
	job      Job
	timer    *time.Timer
	running  bool
	canceled bool
}

type Scheduler struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	handlers map[string]Handler
	jobs     map[string]*entry
	dead     []DeadLetter
	stopped  bool
}

func New(logger *slog.Logger, opts Options) *Scheduler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.DeadLetterLimit <= 0 {
		opts.DeadLetterLimit = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
		jobs:     make(map[string]*entry),
	}
}

// Handle registers the handler for a job kind. Register before scheduling.
func (s *Scheduler) Handle(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Schedule arms a new job of kind for key after delay and returns its id.
func (s *Scheduler) Schedule(kind, key string, delay time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrStopped
	}
	if _, ok := s.handlers[kind]; !ok {
		return "", fmt.Errorf("no handler for job kind %q", kind)
	}
	if delay < 0 {
		delay = 0
	}

	e := &entry{job: Job{
		ID:      uuid.New().String(),
		Kind:    kind,
		Key:     key,
		Attempt: 1,
		RunAt:   time.Now().Add(delay),
	}}
	s.jobs[e.job.ID] = e
	e.timer = time.AfterFunc(delay, func() { s.fire(e) })
	return e.job.ID, nil
}

// Cancel stops a pending job. It reports whether the job was still pending;
// cancelling an unknown or already-fired job is a no-op.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[jobID]
	if !ok {
		return false
	}
	e.canceled = true
	if e.running {
		return false
	}
	e.timer.Stop()
	delete(s.jobs, jobID)
	return true
}

// Known reports whether the job is pending, running or awaiting a retry.
func (s *Scheduler) Known(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok
}

// Pending returns the number of live jobs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// DeadLetters returns the retained dead letters, oldest first.
func (s *Scheduler) DeadLetters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.dead))
	copy(out, s.dead)
	return out
}

// PruneDeadLetters drops dead letters older than maxAge and returns how many
// were removed.
func (s *Scheduler) PruneDeadLetters(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	kept := s.dead[:0]
	for _, d := range s.dead {
		if d.FailedAt.After(cutoff) {
			kept = append(kept, d)
		}
	}
	removed := len(s.dead) - len(kept)
	s.dead = kept
	return removed
}

// Stop cancels every pending job and waits for running handlers to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, e := range s.jobs {
		if !e.running {
			e.timer.Stop()
			delete(s.jobs, id)
		}
		e.canceled = true
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) fire(e *entry) {
	s.mu.Lock()
	if e.canceled || e.running || s.jobs[e.job.ID] != e {
		s.mu.Unlock()
		return
	}
	e.running = true
	h := s.handlers[e.job.Kind]
	job := e.job
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	err := s.run(h, job)

	s.mu.Lock()
	e.running = false
	if err == nil || e.canceled {
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("job failed after cancel", "job_id", job.ID, "kind", job.Kind, "key", job.Key, "error", err)
		}
		return
	}

	if job.Attempt < s.opts.MaxAttempts {
		backoff := s.opts.BackoffBase << (job.Attempt - 1)
		e.job.Attempt++
		e.job.RunAt = time.Now().Add(backoff)
		e.timer = time.AfterFunc(backoff, func() { s.fire(e) })
		s.mu.Unlock()
		s.logger.Warn("job failed, retrying",
			"job_id", job.ID, "kind", job.Kind, "key", job.Key,
			"attempt", job.Attempt, "backoff", backoff, "error", err)
		return
	}

	delete(s.jobs, job.ID)
	dl := DeadLetter{Job: job, Error: err.Error(), FailedAt: time.Now()}
	s.dead = append(s.dead, dl)
	if over := len(s.dead) - s.opts.DeadLetterLimit; over > 0 {
		s.dead = append([]DeadLetter(nil), s.dead[over:]...)
	}
	s.mu.Unlock()

	s.logger.Error("job dead-lettered",
		"job_id", job.ID, "kind", job.Kind, "key", job.Key, "attempts", job.Attempt, "error", err)
	if s.opts.OnDeadLetter != nil {
		s.opts.OnDeadLetter(dl)
	}
}

func (s *Scheduler) run(h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(s.ctx, job)
}
