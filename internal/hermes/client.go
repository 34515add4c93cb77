package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subjects conduit publishes on.
const (
	SubjectInstanceStatus   = "conduit.instance.status"
	SubjectInstanceQR       = "conduit.instance.qr"
	SubjectMessageReady     = "conduit.message.ready"
	SubjectConcatDeadLetter = "conduit.concat.deadletter"
	SubjectDeliveryFailed   = "conduit.delivery.failed"

	// SubjectIngressPrefix is followed by a broker name; brokers that push to
	// NATS instead of HTTP publish raw webhook bodies there.
	SubjectIngressPrefix = "conduit.ingress."
)

// InstanceStatus is published whenever a broker instance connects or drops.
type InstanceStatus struct {
	InstanceID string    `json:"instance_id"`
	ChannelID  string    `json:"channel_id,omitempty"`
	Status     string    `json:"status"`
	At         time.Time `json:"at"`
}

// InstanceQR carries a fresh pairing code for display by operators.
type InstanceQR struct {
	InstanceID string    `json:"instance_id"`
	ChannelID  string    `json:"channel_id,omitempty"`
	QRCode     string    `json:"qr_code"`
	At         time.Time `json:"at"`
}

// MessageReady is emitted after a flushed unit was handed to the router.
type MessageReady struct {
	EventID        string `json:"event_id"`
	ChannelID      string `json:"channel_id"`
	ConversationID string `json:"conversation_id"`
	PartyID        string `json:"party_id"`
	Content        string `json:"content"`
	Concatenated   bool   `json:"concatenated"`
	Enriched       bool   `json:"enriched"`
	Delivery       string `json:"delivery"`
}

// DeadLetter reports a scheduled job that exhausted its retries.
type DeadLetter struct {
	JobID    string    `json:"job_id"`
	Kind     string    `json:"kind"`
	Key      string    `json:"key"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// DeliveryFailed reports a unit that neither primary nor fallback accepted.
type DeliveryFailed struct {
	EventID   string `json:"event_id"`
	ChannelID string `json:"channel_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("conduit"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// KeyValue opens (creating if needed) a JetStream KV bucket. ttl bounds how
// long an abandoned entry survives; zero keeps entries until deleted.
func (c *Client) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	js, err := jetstream.New(c.conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "conduit in-flight concatenation groups",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("kv bucket %s: %w", bucket, err)
	}
	c.logger.Info("kv bucket ready", "bucket", bucket)
	return kv, nil
}

func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
