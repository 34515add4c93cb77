package normalizer

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/conduit/internal/event"
)

type evolutionAdapter struct {
	now func() time.Time
}

func (a *evolutionAdapter) Variant() Variant { return Evolution }

type evolutionPayload struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	DateTime flexTime        `json:"date_time"`
	Data     json.RawMessage `json:"data"`
}

type evolutionMessage struct {
	Key              waKey      `json:"key"`
	PushName         string     `json:"pushName"`
	Message          *waContent `json:"message"`
	MessageType      string     `json:"messageType"`
	MessageTimestamp flexTime   `json:"messageTimestamp"`
	MediaURL         string     `json:"mediaUrl"`
}

type evolutionStatus struct {
	Key       *waKey `json:"key"`
	KeyID     string `json:"keyId"`
	MessageID string `json:"messageId"`
	RemoteJID string `json:"remoteJid"`
	Status    string `json:"status"`
}

type evolutionConnection struct {
	State string `json:"state"`
}

type evolutionQR struct {
	QRCode struct {
		Base64 string `json:"base64"`
		Code   string `json:"code"`
	} `json:"qrcode"`
}

type evolutionParty struct {
	ID        string `json:"id"`
	RemoteJID string `json:"remoteJid"`
	PushName  string `json:"pushName"`
}

// Evolution emits both "messages.upsert" and "MESSAGES_UPSERT" depending on
// the webhook_by_events setting.
func evolutionEventName(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", ".")
}

func (a *evolutionAdapter) Normalize(raw []byte) (event.NormalizedEvent, error) {
	var p evolutionPayload
	if err := decode(Evolution, raw, &p); err != nil {
		return event.NormalizedEvent{}, err
	}
	if p.Instance == "" {
		return event.NormalizedEvent{}, fail(Evolution, "missing instance", nil)
	}
	if len(p.Data) == 0 {
		return event.NormalizedEvent{}, fail(Evolution, "missing data", nil)
	}

	evt := event.NormalizedEvent{
		InstanceID: p.Instance,
		Timestamp:  stamp(p.DateTime, a.now),
	}

	switch name := evolutionEventName(p.Event); name {
	case "messages.upsert", "send.message":
		var m evolutionMessage
		if err := json.Unmarshal(p.Data, &m); err != nil {
			return event.NormalizedEvent{}, fail(Evolution, "invalid message data", err)
		}
		if m.Key.RemoteJID == "" {
			return event.NormalizedEvent{}, fail(Evolution, "message without key.remoteJid", nil)
		}
		evt.Kind = event.KindMessageReceived
		if m.Key.FromMe || name == "send.message" {
			evt.Kind = event.KindMessageSent
			m.Key.FromMe = true
		}
		evt.RemoteParty = event.PhoneFromJID(m.Key.RemoteJID)
		evt.PartyName = m.PushName
		evt.Message = m.Message.payload(m.Key, m.MediaURL)
		if !m.MessageTimestamp.IsZero() {
			evt.Timestamp = m.MessageTimestamp.Time
		}
		return evt, nil

	case "messages.update":
		var s evolutionStatus
		if err := unmarshalFirst(p.Data, &s); err != nil {
			return event.NormalizedEvent{}, fail(Evolution, "invalid status data", err)
		}
		id := firstNonEmpty(s.KeyID, s.MessageID)
		remote := s.RemoteJID
		if s.Key != nil {
			id = firstNonEmpty(id, s.Key.ID)
			remote = firstNonEmpty(remote, s.Key.RemoteJID)
		}
		if id == "" {
			return event.NormalizedEvent{}, fail(Evolution, "status update without message id", nil)
		}
		evt.Kind = event.KindMessageUpdated
		evt.RemoteParty = event.PhoneFromJID(remote)
		evt.Status = &event.StatusPayload{MessageID: id, MessageStatus: waReceiptStatus(s.Status)}
		return evt, nil

	case "connection.update":
		var c evolutionConnection
		if err := json.Unmarshal(p.Data, &c); err != nil {
			return event.NormalizedEvent{}, fail(Evolution, "invalid connection data", err)
		}
		kind, ok := instanceStateKind(c.State)
		if !ok {
			return event.NormalizedEvent{}, fail(Evolution, "unknown connection state "+c.State, nil)
		}
		evt.Kind = kind
		evt.Status = &event.StatusPayload{InstanceState: c.State}
		return evt, nil

	case "qrcode.updated":
		var q evolutionQR
		if err := json.Unmarshal(p.Data, &q); err != nil {
			return event.NormalizedEvent{}, fail(Evolution, "invalid qrcode data", err)
		}
		qr := firstNonEmpty(q.QRCode.Base64, q.QRCode.Code)
		if qr == "" {
			return event.NormalizedEvent{}, fail(Evolution, "qrcode event without code", nil)
		}
		evt.Kind = event.KindInstanceQR
		evt.Status = &event.StatusPayload{QRCode: qr}
		return evt, nil

	case "chats.upsert", "chats.set":
		evt.Kind = event.KindChatCreated
	case "contacts.update", "contacts.upsert":
		evt.Kind = event.KindContactUpdated
	default:
		return event.NormalizedEvent{}, fail(Evolution, "unknown event "+p.Event, nil)
	}

	var party evolutionParty
	if err := unmarshalFirst(p.Data, &party); err != nil {
		return event.NormalizedEvent{}, fail(Evolution, "invalid party data", err)
	}
	evt.RemoteParty = event.PhoneFromJID(firstNonEmpty(party.RemoteJID, party.ID))
	evt.PartyName = party.PushName
	return evt, nil
}

// unmarshalFirst decodes data that brokers send either as a single object or
// as an array of objects, keeping the first element.
func unmarshalFirst(data json.RawMessage, into any) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		if len(items) == 0 {
			return errEmptyArray
		}
		return json.Unmarshal(items[0], into)
	}
	return json.Unmarshal(data, into)
}
