// Package router delivers flushed units to the automation endpoint
// configured for their channel, with a per-channel request budget and a
// single fallback attempt.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrDelivery wraps the final error of a failed delivery.
var ErrDelivery = errors.New("delivery failed")

type Status string

const (
	StatusDelivered   Status = "delivered"
	StatusFailed      Status = "failed"
	StatusRateLimited Status = "rate_limited"
	StatusNoTarget    Status = "no_target"
)

// Target is the read-only routing configuration of a channel.
type Target struct {
	ChannelID   string          `json:"channel_id"`
	PrimaryURL  string          `json:"primary_url"`
	FallbackURL string          `json:"fallback_url,omitempty"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	AgentConfig json.RawMessage `json:"agent_config,omitempty"`
}

// CallLogEntry records one outbound attempt. Entries are append-only.
type CallLogEntry struct {
	ID              string          `json:"id"`
	ChannelID       string          `json:"channel_id"`
	EventID         string          `json:"event_id"`
	URL             string          `json:"url"`
	Payload         json.RawMessage `json:"payload"`
	StatusCode      int             `json:"status_code"`
	ResponseSummary string          `json:"response_summary"`
	Success         bool            `json:"success"`
	LatencyMs       int64           `json:"latency_ms"`
	UsedFallback    bool            `json:"used_fallback"`
	CreatedAt       time.Time       `json:"created_at"`
}

// TargetResolver looks up routing targets. A nil target with a nil error
// means the channel has none configured.
type TargetResolver interface {
	GetRoutingTarget(ctx context.Context, channelID string) (*Target, error)
}

type CallLogWriter interface {
	CreateCallLog(ctx context.Context, entry CallLogEntry) error
}

// Payload is the canonical body posted downstream.
type Payload struct {
	EventID        string          `json:"event_id"`
	ChannelID      string          `json:"channel_id"`
	InstanceID     string          `json:"instance_id,omitempty"`
	ConversationID string          `json:"conversation_id"`
	ContactID      string          `json:"contact_id,omitempty"`
	ContactPhone   string          `json:"contact_phone"`
	ContactName    string          `json:"contact_name,omitempty"`
	WAMessageID    string          `json:"wa_message_id,omitempty"`
	Type           string          `json:"type"`
	Content        string          `json:"content"`
	MediaRef       string          `json:"media_ref,omitempty"`
	Transcription  string          `json:"transcription,omitempty"`
	Concatenated   bool            `json:"concatenated"`
	Enriched       bool            `json:"enriched"`
	AgentConfig    json.RawMessage `json:"agent_config,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Outcome of one Deliver call. Only StatusFailed carries Err.
type Outcome struct {
	Status       Status
	URL          string
	StatusCode   int
	UsedFallback bool
	RetryAfter   time.Duration
	Err          error
}

type Config struct {
	// Limit requests per Window per channel.
	Limit   int
	Window  time.Duration
	Timeout time.Duration
}

type Router struct {
	targets TargetResolver
	logs    CallLogWriter
	client  *http.Client
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	limiters map[string]*channelLimiter

	// A saturated channel rejects every attempt; warn at most once a second.
	limitedLog rate.Sometimes
}

// channelLimiter is the sliding log of accepted attempts for one channel,
// oldest first.
type channelLimiter struct {
	hits     []time.Time
	lastUsed time.Time
}

func New(targets TargetResolver, logs CallLogWriter, cfg Config, logger *slog.Logger) *Router {
	if cfg.Limit <= 0 {
		cfg.Limit = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Router{
		targets:  targets,
		logs:     logs,
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		limiters: make(map[string]*channelLimiter),

		limitedLog: rate.Sometimes{Interval: time.Second},
	}
}

// Deliver posts payload to the channel's target, falling back once when the
// primary fails. Every attempt is written to the call log.
func (r *Router) Deliver(ctx context.Context, channelID string, p Payload) Outcome {
	target, err := r.targets.GetRoutingTarget(ctx, channelID)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("%w: resolve target: %v", ErrDelivery, err)}
	}
	if target == nil || target.PrimaryURL == "" {
		r.logger.Info("no routing target, skipping delivery", "channel_id", channelID, "event_id", p.EventID)
		return Outcome{Status: StatusNoTarget}
	}

	if wait, ok := r.reserve(channelID); !ok {
		r.limitedLog.Do(func() {
			r.logger.Warn("channel rate limited", "channel_id", channelID, "event_id", p.EventID, "retry_after", wait)
		})
		return Outcome{Status: StatusRateLimited, RetryAfter: wait}
	}

	if p.AgentConfig == nil {
		p.AgentConfig = target.AgentConfig
	}
	body, err := json.Marshal(p)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("%w: marshal payload: %v", ErrDelivery, err)}
	}

	out := r.attempt(ctx, target, target.PrimaryURL, p.EventID, body, false)
	if out.Status == StatusDelivered {
		return out
	}
	if target.FallbackURL == "" || target.FallbackURL == target.PrimaryURL {
		return out
	}

	r.logger.Warn("primary delivery failed, trying fallback",
		"channel_id", channelID, "event_id", p.EventID, "primary", target.PrimaryURL, "error", out.Err)
	return r.attempt(ctx, target, target.FallbackURL, p.EventID, body, true)
}

func (r *Router) attempt(ctx context.Context, t *Target, url, eventID string, body []byte, fallback bool) Outcome {
	start := r.now()
	code, summary, err := r.post(ctx, t, url, eventID, body)
	latency := r.now().Sub(start)

	success := err == nil
	entry := CallLogEntry{
		ID:              uuid.New().String(),
		ChannelID:       t.ChannelID,
		EventID:         eventID,
		URL:             url,
		Payload:         body,
		StatusCode:      code,
		ResponseSummary: summary,
		Success:         success,
		LatencyMs:       latency.Milliseconds(),
		UsedFallback:    fallback,
		CreatedAt:       start.UTC(),
	}
	if lerr := r.logs.CreateCallLog(ctx, entry); lerr != nil {
		r.logger.Warn("failed to write call log", "channel_id", t.ChannelID, "url", url, "error", lerr)
	}

	if !success {
		return Outcome{
			Status:       StatusFailed,
			URL:          url,
			StatusCode:   code,
			UsedFallback: fallback,
			Err:          fmt.Errorf("%w: %s: %v", ErrDelivery, url, err),
		}
	}
	r.logger.Info("delivered",
		"channel_id", t.ChannelID, "event_id", eventID, "url", url,
		"status", code, "latency_ms", entry.LatencyMs, "fallback", fallback)
	return Outcome{Status: StatusDelivered, URL: url, StatusCode: code, UsedFallback: fallback}
}

const maxSummary = 500

func (r *Router) post(ctx context.Context, t *Target, url, eventID string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Connection-Id", t.ChannelID)
	req.Header.Set("X-Enriched", "true")
	req.Header.Set("X-Event-Id", eventID)
	if t.WorkflowID != "" {
		req.Header.Set("X-Workflow-Id", t.WorkflowID)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err.Error(), err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxSummary))
	summary := string(raw)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, summary, fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp.StatusCode, summary, nil
}

// reserve records an attempt in the channel's sliding window. Once Limit
// attempts fall inside the last Window it refuses and reports how long until
// the oldest of them leaves the window.
func (r *Router) reserve(channelID string) (time.Duration, bool) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	cl, ok := r.limiters[channelID]
	if !ok {
		cl = &channelLimiter{}
		r.limiters[channelID] = cl
	}
	cl.lastUsed = now

	cutoff := now.Add(-r.cfg.Window)
	keep := 0
	for keep < len(cl.hits) && !cl.hits[keep].After(cutoff) {
		keep++
	}
	cl.hits = cl.hits[keep:]

	if len(cl.hits) >= r.cfg.Limit {
		return cl.hits[0].Add(r.cfg.Window).Sub(now), false
	}
	cl.hits = append(cl.hits, now)
	return 0, true
}

// PruneLimiters forgets budgets of channels idle for longer than idle. A
// pruned channel starts again with a full budget.
func (r *Router) PruneLimiters(idle time.Duration) int {
	cutoff := r.now().Add(-idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, cl := range r.limiters {
		if cl.lastUsed.Before(cutoff) {
			delete(r.limiters, id)
			n++
		}
	}
	return n
}
