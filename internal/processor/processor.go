package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/conduit/internal/concat"
	"github.com/MikeSquared-Agency/conduit/internal/event"
	"github.com/MikeSquared-Agency/conduit/internal/hermes"
	"github.com/MikeSquared-Agency/conduit/internal/normalizer"
	"github.com/MikeSquared-Agency/conduit/internal/store"
)

// ErrUnknownInstance is returned when an event names a broker instance no
// channel is bound to.
var ErrUnknownInstance = errors.New("unknown instance")

// Store is the persistence collaborator the pipeline depends on.
type Store interface {
	ConnectionByInstance(ctx context.Context, instanceID string) (*store.Connection, error)
	GetConnection(ctx context.Context, id string) (*store.Connection, error)
	FindContact(ctx context.Context, organizationID, phone string) (*store.Contact, error)
	CreateContact(ctx context.Context, organizationID, phone, name string) (*store.Contact, error)
	UpdateContactName(ctx context.Context, contactID, name string) error
	GetOrCreateSession(ctx context.Context, contactID, connectionID, organizationID string) (*store.Session, error)
	GetSession(ctx context.Context, id string) (*store.Session, error)
	UpdateSessionLastMessageAt(ctx context.Context, id string, at time.Time) error
	ResumeSession(ctx context.Context, id string) (bool, error)
	CreateMessage(ctx context.Context, m store.Message) (bool, error)
	UpdateMessageStatus(ctx context.Context, connectionID, waMessageID, status string) (bool, error)
	UpdateMessageTranscription(ctx context.Context, connectionID, waMessageID, text string) error
	UpdateInstanceStatus(ctx context.Context, connectionID, status string) error
	UpdateInstanceQR(ctx context.Context, connectionID, qr string) error
}

// Concatenator buffers inbound fragments per conversation party.
type Concatenator interface {
	AddFragment(ctx context.Context, key concat.Key, f event.Fragment) (concat.AddResult, error)
}

// Publisher is satisfied by *hermes.Client.
type Publisher interface {
	Publish(subject string, data any) error
}

// Processor turns normalized broker events into store updates, bus
// notifications and concatenation fragments.
type Processor struct {
	store      Store
	normalizer *normalizer.Registry
	concat     Concatenator
	bus        Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// New builds a Processor. bus may be nil.
func New(s Store, reg *normalizer.Registry, c Concatenator, bus Publisher, logger *slog.Logger) *Processor {
	return &Processor{
		store:      s,
		normalizer: reg,
		concat:     c,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
	}
}

// Ingest normalizes a raw broker payload and processes it. Only
// normalization errors are returned: once an event is normalized the broker
// gets an acknowledgement and processing failures are logged.
func (p *Processor) Ingest(ctx context.Context, v normalizer.Variant, raw []byte) (event.NormalizedEvent, error) {
	evt, err := p.normalizer.Normalize(v, raw)
	if err != nil {
		return event.NormalizedEvent{}, err
	}
	if err := p.Handle(ctx, evt); err != nil {
		p.logger.Error("event processing failed",
			"variant", v, "kind", evt.Kind, "instance_id", evt.InstanceID, "error", err)
	}
	return evt, nil
}

// HandleIngress is the NATS handler for conduit.ingress.<broker>.
func (p *Processor) HandleIngress(subject string, data []byte) {
	name := strings.TrimPrefix(subject, hermes.SubjectIngressPrefix)
	v, ok := normalizer.ParseVariant(name)
	if !ok {
		p.logger.Warn("ingress on unknown broker subject", "subject", subject)
		return
	}
	if _, err := p.Ingest(context.Background(), v, data); err != nil {
		p.logger.Warn("rejected bus payload", "subject", subject, "error", err)
	}
}

// Handle dispatches one normalized event by kind.
func (p *Processor) Handle(ctx context.Context, evt event.NormalizedEvent) error {
	conn, err := p.store.ConnectionByInstance(ctx, evt.InstanceID)
	if err != nil {
		return fmt.Errorf("resolve instance %s: %w", evt.InstanceID, err)
	}
	if conn == nil {
		p.logger.Warn("event for unknown instance", "instance_id", evt.InstanceID, "kind", evt.Kind)
		return fmt.Errorf("%w: %s", ErrUnknownInstance, evt.InstanceID)
	}

	switch evt.Kind {
	case event.KindMessageReceived:
		return p.handleInbound(ctx, conn, evt)
	case event.KindMessageSent:
		return p.handleOutbound(ctx, conn, evt)
	case event.KindMessageUpdated:
		return p.handleStatus(ctx, conn, evt)
	case event.KindInstanceConnected, event.KindInstanceDisconnected:
		return p.handleInstanceState(ctx, conn, evt)
	case event.KindInstanceQR:
		return p.handleQR(ctx, conn, evt)
	case event.KindChatCreated, event.KindContactUpdated:
		return p.handleContact(ctx, conn, evt)
	}
	p.logger.Debug("ignoring event", "kind", evt.Kind, "instance_id", evt.InstanceID)
	return nil
}

func (p *Processor) handleInbound(ctx context.Context, conn *store.Connection, evt event.NormalizedEvent) error {
	frag := event.FragmentFrom(conn.ID, evt)
	if reason := dropReason(evt, frag); reason != "" {
		p.logger.Debug("dropping inbound message", "reason", reason,
			"channel_id", conn.ID, "wa_message_id", frag.WAMessageID)
		return nil
	}

	contact, sess, err := p.resolveSession(ctx, conn, evt.RemoteParty, evt.PartyName)
	if err != nil {
		return err
	}
	reason, expired := forwardHold(sess, contact, p.now())
	switch {
	case reason == holdClosed:
		p.logger.Info("session closed, dropping inbound message",
			"session_id", sess.ID, "wa_message_id", frag.WAMessageID)
		return nil
	case reason != "":
		// Held conversations keep their history but never reach the buffer.
		if _, err := p.store.CreateMessage(ctx, historyRow(sess, conn.ID, frag, false)); err != nil {
			return fmt.Errorf("persist held message: %w", err)
		}
		if err := p.store.UpdateSessionLastMessageAt(ctx, sess.ID, frag.ReceivedAt); err != nil {
			p.logger.Warn("failed to touch session", "session_id", sess.ID, "error", err)
		}
		p.logger.Info("conversation held, message recorded only",
			"reason", reason, "session_id", sess.ID, "wa_message_id", frag.WAMessageID)
		return nil
	case expired:
		liftHold(ctx, p.store, p.logger, sess)
	}

	key := concat.Key{ConversationID: sess.ID, PartyID: evt.RemoteParty}
	res, err := p.concat.AddFragment(ctx, key, frag)
	if err != nil {
		return fmt.Errorf("add fragment %s: %w", key, err)
	}
	p.logger.Debug("fragment buffered", "key", key.String(), "result", res, "type", frag.Type)
	return nil
}

func (p *Processor) handleOutbound(ctx context.Context, conn *store.Connection, evt event.NormalizedEvent) error {
	if evt.RemoteParty == "" {
		return nil
	}
	frag := event.FragmentFrom(conn.ID, evt)
	contact, sess, err := p.resolveSession(ctx, conn, evt.RemoteParty, "")
	if err != nil {
		return err
	}
	_, err = p.store.CreateMessage(ctx, store.Message{
		SessionID:    sess.ID,
		ConnectionID: conn.ID,
		ContactID:    contact.ID,
		WAMessageID:  frag.WAMessageID,
		Direction:    string(event.DirectionOutbound),
		Type:         string(frag.Type),
		Content:      event.StripBotSignature(frag.Content),
		MediaURL:     frag.MediaRef,
		MimeType:     frag.MimeType,
		FileName:     frag.FileName,
		Status:       "sent",
		CreatedAt:    frag.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("persist outbound message: %w", err)
	}
	if err := p.store.UpdateSessionLastMessageAt(ctx, sess.ID, frag.ReceivedAt); err != nil {
		p.logger.Warn("failed to touch session", "session_id", sess.ID, "error", err)
	}
	return nil
}

func (p *Processor) handleStatus(ctx context.Context, conn *store.Connection, evt event.NormalizedEvent) error {
	if evt.Status == nil || evt.Status.MessageID == "" || evt.Status.MessageStatus == "" {
		return nil
	}
	found, err := p.store.UpdateMessageStatus(ctx, conn.ID, evt.Status.MessageID, evt.Status.MessageStatus)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if !found {
		p.logger.Debug("status for unknown message", "wa_message_id", evt.Status.MessageID, "channel_id", conn.ID)
	}
	return nil
}

func (p *Processor) handleInstanceState(ctx context.Context, conn *store.Connection, evt event.NormalizedEvent) error {
	status := store.ConnectionDisconnected
	if evt.Kind == event.KindInstanceConnected {
		status = store.ConnectionConnected
	}
	if err := p.store.UpdateInstanceStatus(ctx, conn.ID, status); err != nil {
		return err
	}
	p.logger.Info("instance state changed", "instance_id", evt.InstanceID, "channel_id", conn.ID, "status", status)
	p.notify(hermes.SubjectInstanceStatus, hermes.InstanceStatus{
		InstanceID: evt.InstanceID,
		ChannelID:  conn.ID,
		Status:     status,
		At:         evt.Timestamp,
	})
	return nil
}

func (p *Processor) handleQR(ctx context.Context, conn *store.Connection, evt event.NormalizedEvent) error {
	if evt.Status == nil || evt.Status.QRCode == "" {
		return nil
	}
	if err := p.store.UpdateInstanceQR(ctx, conn.ID, evt.Status.QRCode); err != nil {
		return err
	}
	p.notify(hermes.SubjectInstanceQR, hermes.InstanceQR{
		InstanceID: evt.InstanceID,
		ChannelID:  conn.ID,
		QRCode:     evt.Status.QRCode,
		At:         evt.Timestamp,
	})
	return nil
}

func (p *Processor) handleContact(ctx context.Context, conn *store.Connection, evt event.NormalizedEvent) error {
	if evt.RemoteParty == "" {
		return nil
	}
	if _, err := p.upsertContact(ctx, conn, evt.RemoteParty, evt.PartyName); err != nil {
		return err
	}
	return nil
}

func (p *Processor) upsertContact(ctx context.Context, conn *store.Connection, phone, name string) (*store.Contact, error) {
	contact, err := p.store.FindContact(ctx, conn.OrganizationID, phone)
	if err != nil {
		return nil, fmt.Errorf("find contact: %w", err)
	}
	if contact == nil {
		contact, err = p.store.CreateContact(ctx, conn.OrganizationID, phone, name)
		if err != nil {
			return nil, fmt.Errorf("create contact: %w", err)
		}
		return contact, nil
	}
	if name != "" && name != contact.Name {
		if err := p.store.UpdateContactName(ctx, contact.ID, name); err != nil {
			p.logger.Warn("failed to update contact name", "contact_id", contact.ID, "error", err)
		} else {
			contact.Name = name
		}
	}
	return contact, nil
}

func (p *Processor) resolveSession(ctx context.Context, conn *store.Connection, phone, name string) (*store.Contact, *store.Session, error) {
	contact, err := p.upsertContact(ctx, conn, phone, name)
	if err != nil {
		return nil, nil, err
	}
	sess, err := p.store.GetOrCreateSession(ctx, contact.ID, conn.ID, conn.OrganizationID)
	if err != nil {
		return nil, nil, fmt.Errorf("get or create session: %w", err)
	}
	return contact, sess, nil
}

// notify publishes off the critical path. Failures are logged only.
func (p *Processor) notify(subject string, payload any) {
	if p.bus == nil {
		return
	}
	go func() {
		if err := p.bus.Publish(subject, payload); err != nil {
			p.logger.Warn("failed to publish notification", "subject", subject, "error", err)
		}
	}()
}
