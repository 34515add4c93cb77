// Package concat coalesces bursts of inbound message fragments from one
// conversational party into a single unit, debounced by a sliding window.
package concat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/conduit/internal/ephemeral"
	"github.com/MikeSquared-Agency/conduit/internal/event"
	"github.com/MikeSquared-Agency/conduit/internal/scheduler"
)

// JobKind is the scheduler job kind for debounced flushes.
const JobKind = "concat.flush"

const (
	keyPrefix  = "concat."
	casRetries = 5
)

// AddResult tells the caller whether a fragment started a new burst.
type AddResult string

const (
	// Queued means the fragment joined an existing group.
	Queued AddResult = "queued"
	// Processing means the fragment started a new group.
	Processing AddResult = "processing"
)

// ErrContention is returned when a key kept changing under every CAS attempt.
var ErrContention = errors.New("concat: store contention")

// Key identifies a concatenation group.
type Key struct {
	ConversationID string `json:"conversation_id"`
	PartyID        string `json:"party_id"`
}

// StoreKey is the ephemeral store key for the group, restricted to the
// characters NATS KV accepts.
func (k Key) StoreKey() string {
	return keyPrefix + kvSafe(k.ConversationID) + "." + kvSafe(k.PartyID)
}

func (k Key) String() string {
	return k.ConversationID + "/" + k.PartyID
}

func kvSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '=':
			return r
		}
		return '_'
	}, s)
}

// Group is the in-flight state for one key.
type Group struct {
	Key       Key              `json:"key"`
	ChannelID string           `json:"channel_id"`
	Fragments []event.Fragment `json:"fragments"`
	JobID     string           `json:"job_id"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Unit is the output of one flush.
type Unit struct {
	EventID   string
	Key       Key
	ChannelID string
	// Text is the coalesced text fragment, nil when the burst held no text.
	Text *event.Fragment
	// Media fragments are never merged.
	Media []event.Fragment
	// Originals are every fragment of the burst, in arrival order.
	Originals []event.Fragment
	Manual    bool
}

// Empty reports whether the unit has nothing to forward.
func (u Unit) Empty() bool {
	return u.Text == nil && len(u.Media) == 0
}

// Sink receives flushed units. Empty units still carry their originals for
// history. A returned error makes the scheduler retry the same unit.
type Sink interface {
	HandleFlush(ctx context.Context, u Unit) error
}

// Scheduler is the subset of the delayed job scheduler the engine needs.
type Scheduler interface {
	Handle(kind string, h scheduler.Handler)
	Schedule(kind, key string, delay time.Duration) (string, error)
	Cancel(jobID string) bool
	Known(jobID string) bool
}

type Config struct {
	// Window is the debounce delay W.
	Window time.Duration
	// MaxFragments flushes a group immediately once it holds this many
	// fragments. Zero disables the limit.
	MaxFragments int
}

type Engine struct {
	store  ephemeral.Store
	sched  Scheduler
	sink   Sink
	cfg    Config
	logger *slog.Logger
	locks  *keyLock
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]Unit
}

func New(store ephemeral.Store, sched Scheduler, sink Sink, cfg Config, logger *slog.Logger) *Engine {
	e := &Engine{
		store:    store,
		sched:    sched,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		locks:    newKeyLock(),
		now:      time.Now,
		inflight: make(map[string]Unit),
	}
	sched.Handle(JobKind, e.handleJob)
	return e
}

func (e *Engine) delayFor(n int) time.Duration {
	if e.cfg.MaxFragments > 0 && n >= e.cfg.MaxFragments {
		return 0
	}
	return e.cfg.Window
}

// AddFragment appends f to the group for key and replaces its pending flush
// job. Append, cancel and reschedule happen under the key lock and commit
// with a compare-and-swap on the stored revision.
func (e *Engine) AddFragment(ctx context.Context, key Key, f event.Fragment) (AddResult, error) {
	sk := key.StoreKey()
	unlock := e.locks.lock(sk)
	defer unlock()

	for attempt := 0; attempt < casRetries; attempt++ {
		entry, err := e.store.Get(ctx, sk)
		switch {
		case errors.Is(err, ephemeral.ErrNotFound):
			ok, err := e.createGroup(ctx, key, f)
			if err != nil {
				return "", err
			}
			if ok {
				return Processing, nil
			}
			continue
		case err != nil:
			return "", fmt.Errorf("get group %s: %w", key, err)
		}

		var g Group
		if err := json.Unmarshal(entry.Value, &g); err != nil {
			return "", fmt.Errorf("decode group %s: %w", key, err)
		}
		ok, err := e.appendFragment(ctx, g, entry.Revision, f)
		if err != nil {
			return "", err
		}
		if ok {
			return Queued, nil
		}
	}
	return "", fmt.Errorf("add fragment %s: %w", key, ErrContention)
}

func (e *Engine) createGroup(ctx context.Context, key Key, f event.Fragment) (bool, error) {
	now := e.now().UTC()
	g := Group{
		Key:       key,
		ChannelID: f.ChannelID,
		Fragments: []event.Fragment{f},
		CreatedAt: now,
		UpdatedAt: now,
	}
	jobID, err := e.sched.Schedule(JobKind, key.StoreKey(), e.delayFor(1))
	if err != nil {
		return false, fmt.Errorf("schedule flush %s: %w", key, err)
	}
	g.JobID = jobID

	data, err := json.Marshal(g)
	if err != nil {
		e.sched.Cancel(jobID)
		return false, fmt.Errorf("encode group %s: %w", key, err)
	}
	if _, err := e.store.Create(ctx, key.StoreKey(), data); err != nil {
		e.sched.Cancel(jobID)
		if errors.Is(err, ephemeral.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("create group %s: %w", key, err)
	}
	e.logger.Debug("concat group started", "key", key.String(), "job_id", jobID)
	return true, nil
}

func (e *Engine) appendFragment(ctx context.Context, g Group, rev uint64, f event.Fragment) (bool, error) {
	oldJob := g.JobID
	g.Fragments = append(g.Fragments, f)
	g.UpdatedAt = e.now().UTC()
	if g.ChannelID == "" {
		g.ChannelID = f.ChannelID
	}

	jobID, err := e.sched.Schedule(JobKind, g.Key.StoreKey(), e.delayFor(len(g.Fragments)))
	if err != nil {
		return false, fmt.Errorf("schedule flush %s: %w", g.Key, err)
	}
	g.JobID = jobID

	data, err := json.Marshal(g)
	if err != nil {
		e.sched.Cancel(jobID)
		return false, fmt.Errorf("encode group %s: %w", g.Key, err)
	}
	if _, err := e.store.Update(ctx, g.Key.StoreKey(), data, rev); err != nil {
		e.sched.Cancel(jobID)
		if errors.Is(err, ephemeral.ErrConflict) || errors.Is(err, ephemeral.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("update group %s: %w", g.Key, err)
	}

	// The stored job id already points at the new job, so an old job that
	// fires anyway finds a mismatch and does nothing.
	if !e.sched.Cancel(oldJob) {
		e.logger.Debug("previous flush job already fired or unknown", "key", g.Key.String(), "job_id", oldJob)
	}
	e.logger.Debug("concat fragment appended", "key", g.Key.String(), "fragments", len(g.Fragments), "job_id", jobID)
	return true, nil
}

// Flush consumes the group for key and hands the resulting unit to the sink.
// It reports false when no group existed.
func (e *Engine) Flush(ctx context.Context, key Key) (bool, error) {
	return e.flushNow(ctx, key, false)
}

// ForceFlush flushes immediately, bypassing the pending timer.
func (e *Engine) ForceFlush(ctx context.Context, key Key) (bool, error) {
	return e.flushNow(ctx, key, true)
}

func (e *Engine) flushNow(ctx context.Context, key Key, manual bool) (bool, error) {
	sk := key.StoreKey()
	u, ok, err := e.claim(ctx, sk, "")
	if err != nil || !ok {
		return false, err
	}
	u.Manual = manual
	if err := e.deliver(ctx, u); err != nil {
		if rerr := e.retryLater(sk, u); rerr != nil {
			e.logger.Error("flush failed and could not be rescheduled",
				"key", key.String(), "event_id", u.EventID, "fragments", len(u.Originals), "error", rerr)
			return true, fmt.Errorf("%w (reschedule: %v)", err, rerr)
		}
		return true, err
	}
	return true, nil
}

// retryLater hands a claimed unit whose sink failed outside the scheduler to
// a flush job, so it gets the same retries and dead letter as a timed flush.
func (e *Engine) retryLater(sk string, u Unit) error {
	// Hold mu across Schedule so the job cannot run before the unit is
	// registered as in flight.
	e.mu.Lock()
	defer e.mu.Unlock()
	jobID, err := e.sched.Schedule(JobKind, sk, e.cfg.Window)
	if err != nil {
		return err
	}
	e.inflight[jobID] = u
	e.logger.Warn("flush failed, retry scheduled", "key", u.Key.String(), "event_id", u.EventID, "job_id", jobID)
	return nil
}

// ClearGroup cancels the pending job and drops the group without flushing.
func (e *Engine) ClearGroup(ctx context.Context, key Key) (bool, error) {
	sk := key.StoreKey()
	unlock := e.locks.lock(sk)
	defer unlock()

	for attempt := 0; attempt < casRetries; attempt++ {
		g, rev, err := e.load(ctx, sk)
		if errors.Is(err, ephemeral.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		err = e.store.Delete(ctx, sk, rev)
		if errors.Is(err, ephemeral.ErrConflict) {
			continue
		}
		if errors.Is(err, ephemeral.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("delete group %s: %w", key, err)
		}
		e.sched.Cancel(g.JobID)
		e.logger.Info("concat group cleared", "key", key.String(), "fragments", len(g.Fragments))
		return true, nil
	}
	return false, fmt.Errorf("clear group %s: %w", key, ErrContention)
}

// Pending returns the in-flight group for key, or nil when there is none.
func (e *Engine) Pending(ctx context.Context, key Key) (*Group, error) {
	g, _, err := e.load(ctx, key.StoreKey())
	if errors.Is(err, ephemeral.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// Recover reschedules groups whose flush job this process does not know
// about, such as groups left behind by a restart. Groups still inside their
// window are left alone since another replica may own their job.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	keys, err := e.store.Keys(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list groups: %w", err)
	}

	recovered := 0
	for _, sk := range keys {
		ok, err := e.recoverOne(ctx, sk)
		if err != nil {
			e.logger.Warn("recover group failed", "store_key", sk, "error", err)
			continue
		}
		if ok {
			recovered++
		}
	}
	if recovered > 0 {
		e.logger.Info("recovered orphaned concat groups", "count", recovered)
	}
	return recovered, nil
}

func (e *Engine) recoverOne(ctx context.Context, sk string) (bool, error) {
	unlock := e.locks.lock(sk)
	defer unlock()

	g, rev, err := e.load(ctx, sk)
	if errors.Is(err, ephemeral.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if e.sched.Known(g.JobID) {
		return false, nil
	}
	if e.now().Sub(g.UpdatedAt) < 2*e.cfg.Window {
		return false, nil
	}

	jobID, err := e.sched.Schedule(JobKind, sk, e.cfg.Window)
	if err != nil {
		return false, err
	}
	orphan := g.JobID
	g.JobID = jobID
	data, err := json.Marshal(g)
	if err != nil {
		e.sched.Cancel(jobID)
		return false, err
	}
	if _, err := e.store.Update(ctx, sk, data, rev); err != nil {
		e.sched.Cancel(jobID)
		if errors.Is(err, ephemeral.ErrConflict) || errors.Is(err, ephemeral.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	e.logger.Info("concat group rescheduled", "key", g.Key.String(), "orphaned_job", orphan, "job_id", jobID)
	return true, nil
}

// Abandon drops a claimed unit whose flush job was dead-lettered and returns
// it so the caller can record the failure.
func (e *Engine) Abandon(jobID string) (Unit, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.inflight[jobID]
	delete(e.inflight, jobID)
	return u, ok
}

// InFlight returns the number of claimed units awaiting a successful sink.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

func (e *Engine) handleJob(ctx context.Context, job scheduler.Job) error {
	e.mu.Lock()
	u, retry := e.inflight[job.ID]
	e.mu.Unlock()

	if !retry {
		var ok bool
		var err error
		u, ok, err = e.claim(ctx, job.Key, job.ID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		e.mu.Lock()
		e.inflight[job.ID] = u
		e.mu.Unlock()
	}

	if err := e.deliver(ctx, u); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.inflight, job.ID)
	e.mu.Unlock()
	return nil
}

// claim atomically reads and deletes the group at sk. When jobID is set the
// claim only succeeds if the group still points at that job.
func (e *Engine) claim(ctx context.Context, sk, jobID string) (Unit, bool, error) {
	unlock := e.locks.lock(sk)
	defer unlock()

	for attempt := 0; attempt < casRetries; attempt++ {
		g, rev, err := e.load(ctx, sk)
		if errors.Is(err, ephemeral.ErrNotFound) {
			return Unit{}, false, nil
		}
		if err != nil {
			return Unit{}, false, err
		}
		if jobID != "" && g.JobID != jobID {
			e.logger.Debug("stale flush job ignored", "key", g.Key.String(), "job_id", jobID, "current_job", g.JobID)
			return Unit{}, false, nil
		}

		err = e.store.Delete(ctx, sk, rev)
		if errors.Is(err, ephemeral.ErrConflict) {
			continue
		}
		if errors.Is(err, ephemeral.ErrNotFound) {
			return Unit{}, false, nil
		}
		if err != nil {
			return Unit{}, false, fmt.Errorf("delete group %s: %w", g.Key, err)
		}
		if jobID == "" {
			e.sched.Cancel(g.JobID)
		}
		return buildUnit(g), true, nil
	}
	return Unit{}, false, fmt.Errorf("claim %s: %w", sk, ErrContention)
}

func (e *Engine) deliver(ctx context.Context, u Unit) error {
	if err := e.sink.HandleFlush(ctx, u); err != nil {
		return fmt.Errorf("flush %s: %w", u.Key, err)
	}
	e.logger.Info("concat group flushed",
		"key", u.Key.String(),
		"event_id", u.EventID,
		"fragments", len(u.Originals),
		"media", len(u.Media),
		"text", u.Text != nil,
		"manual", u.Manual,
	)
	return nil
}

func (e *Engine) load(ctx context.Context, sk string) (Group, uint64, error) {
	entry, err := e.store.Get(ctx, sk)
	if err != nil {
		return Group{}, 0, err
	}
	var g Group
	if err := json.Unmarshal(entry.Value, &g); err != nil {
		return Group{}, 0, fmt.Errorf("decode group %s: %w", sk, err)
	}
	return g, entry.Revision, nil
}

// buildUnit partitions a group: text fragments join with newlines in arrival
// order, media stays one unit per fragment. Blank text is skipped.
func buildUnit(g Group) Unit {
	u := Unit{
		EventID:   uuid.New().String(),
		Key:       g.Key,
		ChannelID: g.ChannelID,
		Originals: g.Fragments,
	}

	var parts []string
	var first *event.Fragment
	for i := range g.Fragments {
		f := g.Fragments[i]
		if f.Type.IsMedia() {
			u.Media = append(u.Media, f)
			continue
		}
		if strings.TrimSpace(f.Content) == "" {
			continue
		}
		if first == nil {
			first = &g.Fragments[i]
		}
		parts = append(parts, f.Content)
	}

	if len(parts) > 0 {
		text := *first
		text.Type = event.TypeText
		text.Content = strings.Join(parts, "\n")
		text.Concatenated = true
		if last := lastText(g.Fragments); last != nil {
			text.WAMessageID = last.WAMessageID
			text.ReceivedAt = last.ReceivedAt
		}
		u.Text = &text
	}
	return u
}

func lastText(frags []event.Fragment) *event.Fragment {
	for i := len(frags) - 1; i >= 0; i-- {
		if !frags[i].Type.IsMedia() && strings.TrimSpace(frags[i].Content) != "" {
			return &frags[i]
		}
	}
	return nil
}
