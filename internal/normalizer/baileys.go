package normalizer

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/MikeSquared-Agency/conduit/internal/event"
)

type baileysAdapter struct {
	now func() time.Time
}

func (a *baileysAdapter) Variant() Variant { return Baileys }

type baileysPayload struct {
	Event     string          `json:"event"`
	SessionID string          `json:"sessionId"`
	Timestamp flexTime        `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type baileysMessage struct {
	Key              waKey      `json:"key"`
	PushName         string     `json:"pushName"`
	Message          *waContent `json:"message"`
	MessageTimestamp flexTime   `json:"messageTimestamp"`
}

type baileysUpsert struct {
	Messages []baileysMessage `json:"messages"`
	Type     string           `json:"type"`
}

type baileysUpdate struct {
	Key    waKey `json:"key"`
	Update struct {
		Status json.Number `json:"status"`
	} `json:"update"`
}

type baileysConnection struct {
	Connection string `json:"connection"`
	QR         string `json:"qr"`
}

type baileysParty struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Notify string `json:"notify"`
}

func (a *baileysAdapter) Normalize(raw []byte) (event.NormalizedEvent, error) {
	var p baileysPayload
	if err := decode(Baileys, raw, &p); err != nil {
		return event.NormalizedEvent{}, err
	}
	if p.SessionID == "" {
		return event.NormalizedEvent{}, fail(Baileys, "missing sessionId", nil)
	}
	if len(p.Data) == 0 {
		return event.NormalizedEvent{}, fail(Baileys, "missing data", nil)
	}

	evt := event.NormalizedEvent{
		InstanceID: p.SessionID,
		Timestamp:  stamp(p.Timestamp, a.now),
	}

	switch p.Event {
	case "messages.upsert":
		var up baileysUpsert
		if err := json.Unmarshal(p.Data, &up); err != nil {
			return event.NormalizedEvent{}, fail(Baileys, "invalid upsert data", err)
		}
		if len(up.Messages) == 0 {
			return event.NormalizedEvent{}, fail(Baileys, "upsert without messages", nil)
		}
		m := up.Messages[0]
		if m.Key.RemoteJID == "" {
			return event.NormalizedEvent{}, fail(Baileys, "message without key.remoteJid", nil)
		}
		evt.Kind = event.KindMessageReceived
		if m.Key.FromMe {
			evt.Kind = event.KindMessageSent
		}
		evt.RemoteParty = event.PhoneFromJID(m.Key.RemoteJID)
		evt.PartyName = m.PushName
		evt.Message = m.Message.payload(m.Key, "")
		if !m.MessageTimestamp.IsZero() {
			evt.Timestamp = m.MessageTimestamp.Time
		}
		return evt, nil

	case "messages.update":
		var u baileysUpdate
		if err := unmarshalFirst(p.Data, &u); err != nil {
			return event.NormalizedEvent{}, fail(Baileys, "invalid update data", err)
		}
		if u.Key.ID == "" {
			return event.NormalizedEvent{}, fail(Baileys, "status update without key.id", nil)
		}
		evt.Kind = event.KindMessageUpdated
		evt.RemoteParty = event.PhoneFromJID(u.Key.RemoteJID)
		evt.Status = &event.StatusPayload{
			MessageID:     u.Key.ID,
			MessageStatus: waReceiptStatus(u.Update.Status.String()),
		}
		return evt, nil

	case "connection.update":
		var c baileysConnection
		if err := json.Unmarshal(p.Data, &c); err != nil {
			return event.NormalizedEvent{}, fail(Baileys, "invalid connection data", err)
		}
		if c.QR != "" {
			evt.Kind = event.KindInstanceQR
			evt.Status = &event.StatusPayload{QRCode: c.QR}
			return evt, nil
		}
		kind, ok := instanceStateKind(c.Connection)
		if !ok {
			return event.NormalizedEvent{}, fail(Baileys, "unknown connection state "+strconv.Quote(c.Connection), nil)
		}
		evt.Kind = kind
		evt.Status = &event.StatusPayload{InstanceState: c.Connection}
		return evt, nil

	case "chats.upsert", "chats.set":
		evt.Kind = event.KindChatCreated
	case "contacts.update", "contacts.upsert":
		evt.Kind = event.KindContactUpdated
	default:
		return event.NormalizedEvent{}, fail(Baileys, "unknown event "+p.Event, nil)
	}

	var party baileysParty
	if err := unmarshalFirst(p.Data, &party); err != nil {
		return event.NormalizedEvent{}, fail(Baileys, "invalid party data", err)
	}
	evt.RemoteParty = event.PhoneFromJID(party.ID)
	evt.PartyName = firstNonEmpty(party.Notify, party.Name)
	return evt, nil
}
