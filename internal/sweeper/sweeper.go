// Package sweeper runs periodic maintenance: rescheduling concatenation
// groups whose timers were lost, and pruning dead letters and idle
// rate limiters.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field expressions and descriptors like "@every 1m".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type GroupRecoverer interface {
	Recover(ctx context.Context) (int, error)
}

type DeadLetterPruner interface {
	PruneDeadLetters(maxAge time.Duration) int
}

type LimiterPruner interface {
	PruneLimiters(idle time.Duration) int
}

type Config struct {
	Schedule      string
	DeadLetterTTL time.Duration
	LimiterIdle   time.Duration
	// Timeout bounds one sweep.
	Timeout time.Duration
}

type Sweeper struct {
	cfg     Config
	groups  GroupRecoverer
	letters DeadLetterPruner
	limits  LimiterPruner
	logger  *slog.Logger
	cron    *cron.Cron
}

// New validates the schedule. Nil collaborators are skipped.
func New(cfg Config, groups GroupRecoverer, letters DeadLetterPruner, limits LimiterPruner, logger *slog.Logger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.DeadLetterTTL <= 0 {
		cfg.DeadLetterTTL = 24 * time.Hour
	}
	if cfg.LimiterIdle <= 0 {
		cfg.LimiterIdle = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
	}

	s := &Sweeper{cfg: cfg, groups: groups, letters: letters, limits: limits, logger: logger}
	cl := cronLogger{logger}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc(cfg.Schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("register sweep: %w", err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.logger.Info("sweeper started", "schedule", s.cfg.Schedule)
	s.cron.Start()
}

// Stop waits for a running sweep to finish or ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	s.RunOnce(ctx)
}

// Result counts what one sweep touched.
type Result struct {
	Recovered         int
	DeadLettersPruned int
	LimitersPruned    int
}

func (s *Sweeper) RunOnce(ctx context.Context) Result {
	var res Result
	if s.groups != nil {
		n, err := s.groups.Recover(ctx)
		if err != nil {
			s.logger.Error("group recovery failed", "error", err)
		}
		res.Recovered = n
	}
	if s.letters != nil {
		res.DeadLettersPruned = s.letters.PruneDeadLetters(s.cfg.DeadLetterTTL)
	}
	if s.limits != nil {
		res.LimitersPruned = s.limits.PruneLimiters(s.cfg.LimiterIdle)
	}
	if res != (Result{}) {
		s.logger.Info("sweep finished",
			"recovered", res.Recovered,
			"dead_letters_pruned", res.DeadLettersPruned,
			"limiters_pruned", res.LimitersPruned)
	}
	return res
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
