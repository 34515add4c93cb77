package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/conduit/internal/concat"
	"github.com/MikeSquared-Agency/conduit/internal/enrich"
	"github.com/MikeSquared-Agency/conduit/internal/event"
	"github.com/MikeSquared-Agency/conduit/internal/hermes"
	"github.com/MikeSquared-Agency/conduit/internal/router"
	"github.com/MikeSquared-Agency/conduit/internal/store"
)

// Enricher is satisfied by *enrich.Enricher.
type Enricher interface {
	Enrich(ctx context.Context, f event.Fragment) enrich.Result
}

// Deliverer is satisfied by *router.Router.
type Deliverer interface {
	Deliver(ctx context.Context, channelID string, p router.Payload) router.Outcome
}

// FlushSink receives units flushed by the concatenation engine, records
// them, applies the session holds and forwards what survives.
type FlushSink struct {
	store    Store
	enricher Enricher
	router   Deliverer
	bus      Publisher
	logger   *slog.Logger
	now      func() time.Time
}

func NewFlushSink(s Store, e Enricher, r Deliverer, bus Publisher, logger *slog.Logger) *FlushSink {
	return &FlushSink{store: s, enricher: e, router: r, bus: bus, logger: logger, now: time.Now}
}

// HandleFlush implements concat.Sink. Only persistence failures are
// returned; those make the scheduler redeliver the same unit, which is safe
// because history writes are idempotent on the WA message id. Delivery
// failures are final once the router has tried its fallback.
func (s *FlushSink) HandleFlush(ctx context.Context, u concat.Unit) error {
	sess, err := s.store.GetSession(ctx, u.Key.ConversationID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		s.logger.Warn("flush for unknown session, dropping", "key", u.Key.String(), "event_id", u.EventID)
		return nil
	}

	if err := s.persistOriginals(ctx, sess, u); err != nil {
		return err
	}

	if u.Empty() {
		s.logger.Debug("empty burst recorded, nothing to forward", "session_id", sess.ID, "fragments", len(u.Originals))
		return nil
	}

	contact, err := s.store.FindContact(ctx, sess.OrganizationID, u.Key.PartyID)
	if err != nil {
		s.logger.Warn("failed to load contact", "session_id", sess.ID, "error", err)
	}

	// Holds may have changed during the debounce window.
	reason, expired := forwardHold(sess, contact, s.now())
	if reason != "" {
		s.logger.Info("conversation held at flush, not forwarding",
			"reason", reason, "session_id", sess.ID, "event_id", u.EventID, "fragments", len(u.Originals))
		return nil
	}
	if expired {
		liftHold(ctx, s.store, s.logger, sess)
	}

	base := s.basePayload(ctx, sess, contact, u)

	var last event.Fragment
	if u.Text != nil {
		p := base
		p.EventID = u.EventID
		p.WAMessageID = u.Text.WAMessageID
		p.Type = string(event.TypeText)
		p.Content = u.Text.Content
		p.Concatenated = u.Text.Concatenated
		p.Timestamp = u.Text.ReceivedAt
		s.forward(ctx, u, p)
		last = *u.Text
	}

	for i, m := range u.Media {
		res := s.enricher.Enrich(ctx, m)
		if res.Enriched || res.Failed {
			if err := s.store.UpdateMessageTranscription(ctx, u.ChannelID, m.WAMessageID, res.Text); err != nil {
				s.logger.Warn("failed to store transcription", "wa_message_id", m.WAMessageID, "error", err)
			}
		}
		p := base
		p.EventID = fmt.Sprintf("%s-m%d", u.EventID, i)
		p.WAMessageID = m.WAMessageID
		p.Type = string(m.Type)
		p.Content = res.Text
		p.MediaRef = m.MediaRef
		p.Transcription = res.Transcription
		p.Enriched = res.Enriched
		p.Timestamp = m.ReceivedAt
		s.forward(ctx, u, p)
		if m.ReceivedAt.After(last.ReceivedAt) {
			last = m
		}
	}

	if !last.ReceivedAt.IsZero() {
		if err := s.store.UpdateSessionLastMessageAt(ctx, sess.ID, last.ReceivedAt); err != nil {
			s.logger.Warn("failed to touch session", "session_id", sess.ID, "error", err)
		}
	}
	return nil
}

func (s *FlushSink) persistOriginals(ctx context.Context, sess *store.Session, u concat.Unit) error {
	texts := 0
	for _, f := range u.Originals {
		if f.Type == event.TypeText {
			texts++
		}
		if _, err := s.store.CreateMessage(ctx, historyRow(sess, u.ChannelID, f, false)); err != nil {
			return fmt.Errorf("persist fragment %s: %w", f.WAMessageID, err)
		}
	}
	if u.Text != nil && texts > 1 {
		if _, err := s.store.CreateMessage(ctx, historyRow(sess, u.ChannelID, *u.Text, true)); err != nil {
			return fmt.Errorf("persist coalesced text: %w", err)
		}
	}
	return nil
}

func historyRow(sess *store.Session, channelID string, f event.Fragment, coalesced bool) store.Message {
	return store.Message{
		SessionID:    sess.ID,
		ConnectionID: channelID,
		ContactID:    sess.ContactID,
		WAMessageID:  f.WAMessageID,
		Direction:    string(f.Direction),
		Type:         string(f.Type),
		Content:      f.Content,
		MediaURL:     f.MediaRef,
		MimeType:     f.MimeType,
		FileName:     f.FileName,
		Status:       "received",
		Concatenated: coalesced,
		CreatedAt:    f.ReceivedAt,
	}
}

func (s *FlushSink) basePayload(ctx context.Context, sess *store.Session, contact *store.Contact, u concat.Unit) router.Payload {
	p := router.Payload{
		ChannelID:      u.ChannelID,
		ConversationID: sess.ID,
		ContactID:      sess.ContactID,
		ContactPhone:   u.Key.PartyID,
	}
	if conn, err := s.store.GetConnection(ctx, u.ChannelID); err == nil && conn != nil {
		p.InstanceID = conn.InstanceID
	}
	if contact != nil {
		p.ContactName = contact.Name
	}
	return p
}

func (s *FlushSink) forward(ctx context.Context, u concat.Unit, p router.Payload) {
	out := s.router.Deliver(ctx, u.ChannelID, p)
	switch out.Status {
	case router.StatusDelivered:
		s.notify(hermes.SubjectMessageReady, hermes.MessageReady{
			EventID:        p.EventID,
			ChannelID:      p.ChannelID,
			ConversationID: p.ConversationID,
			PartyID:        u.Key.PartyID,
			Content:        p.Content,
			Concatenated:   p.Concatenated,
			Enriched:       p.Enriched,
			Delivery:       out.URL,
		})
	case router.StatusNoTarget:
	case router.StatusRateLimited:
		s.notify(hermes.SubjectDeliveryFailed, hermes.DeliveryFailed{
			EventID:   p.EventID,
			ChannelID: p.ChannelID,
			Status:    string(out.Status),
			Error:     fmt.Sprintf("retry after %s", out.RetryAfter),
		})
	default:
		s.logger.Error("delivery failed", "event_id", p.EventID, "channel_id", p.ChannelID, "error", out.Err)
		errText := ""
		if out.Err != nil {
			errText = out.Err.Error()
		}
		s.notify(hermes.SubjectDeliveryFailed, hermes.DeliveryFailed{
			EventID:   p.EventID,
			ChannelID: p.ChannelID,
			Status:    string(out.Status),
			Error:     errText,
		})
	}
}

func (s *FlushSink) notify(subject string, payload any) {
	if s.bus == nil {
		return
	}
	go func() {
		if err := s.bus.Publish(subject, payload); err != nil {
			s.logger.Warn("failed to publish notification", "subject", subject, "error", err)
		}
	}()
}
