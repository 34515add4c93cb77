package normalizer

import (
	"time"

	"github.com/MikeSquared-Agency/conduit/internal/event"
)

type uazapiAdapter struct {
	now func() time.Time
}

func (a *uazapiAdapter) Variant() Variant { return UAZAPI }

type uazapiPayload struct {
	Event       string   `json:"event"`
	Type        string   `json:"type"`
	InstanceID  string   `json:"instanceId"`
	InstanceID2 string   `json:"instance_id"`
	Timestamp   flexTime `json:"timestamp"`
	QRCode      string   `json:"qrcode"`
	Data        struct {
		ChatID   string         `json:"chatId"`
		From     string         `json:"from"`
		To       string         `json:"to"`
		PushName string         `json:"pushName"`
		Status   string         `json:"status"`
		QRCode   string         `json:"qrcode"`
		Message  *uazapiMessage `json:"message"`
	} `json:"data"`
}

type uazapiMessage struct {
	ID          string   `json:"id"`
	Key         *waKey   `json:"key"`
	Type        string   `json:"type"`
	MessageType string   `json:"messageType"`
	Body        string   `json:"body"`
	Text        string   `json:"text"`
	Caption     string   `json:"caption"`
	MediaURL    string   `json:"mediaUrl"`
	Mimetype    string   `json:"mimetype"`
	Filename    string   `json:"filename"`
	Seconds     int      `json:"seconds"`
	FromMe      bool     `json:"fromMe"`
	Status      string   `json:"status"`
	Timestamp   flexTime `json:"timestamp"`
}

var uazapiEvents = map[string]event.Kind{
	"messages":        event.KindMessageReceived,
	"message":         event.KindMessageReceived,
	"message.send":    event.KindMessageSent,
	"messages_update": event.KindMessageUpdated,
	"qr":              event.KindInstanceQR,
	"chats":           event.KindChatCreated,
	"contacts":        event.KindContactUpdated,
}

var uazapiMessageTypes = map[string]event.MessageType{
	"conversation":        event.TypeText,
	"extendedTextMessage": event.TypeText,
	"text":                event.TypeText,
	"chat":                event.TypeText,
	"imageMessage":        event.TypeImage,
	"image":               event.TypeImage,
	"stickerMessage":      event.TypeImage,
	"videoMessage":        event.TypeVideo,
	"video":               event.TypeVideo,
	"audioMessage":        event.TypeAudio,
	"audio":               event.TypeAudio,
	"ptt":                 event.TypePTT,
	"voice":               event.TypePTT,
	"documentMessage":     event.TypeDocument,
	"document":            event.TypeDocument,
}

func (a *uazapiAdapter) Normalize(raw []byte) (event.NormalizedEvent, error) {
	var p uazapiPayload
	if err := decode(UAZAPI, raw, &p); err != nil {
		return event.NormalizedEvent{}, err
	}

	instanceID := firstNonEmpty(p.InstanceID, p.InstanceID2)
	if instanceID == "" {
		return event.NormalizedEvent{}, fail(UAZAPI, "missing instanceId", nil)
	}
	name := firstNonEmpty(p.Event, p.Type)

	evt := event.NormalizedEvent{
		InstanceID: instanceID,
		Timestamp:  stamp(p.Timestamp, a.now),
		PartyName:  p.Data.PushName,
	}

	switch name {
	case "connection", "connection.update":
		kind, ok := instanceStateKind(p.Data.Status)
		if !ok {
			return event.NormalizedEvent{}, fail(UAZAPI, "unknown connection status "+p.Data.Status, nil)
		}
		evt.Kind = kind
		evt.Status = &event.StatusPayload{InstanceState: p.Data.Status}
		return evt, nil
	}

	kind, ok := uazapiEvents[name]
	if !ok {
		return event.NormalizedEvent{}, fail(UAZAPI, "unknown event "+name, nil)
	}
	evt.Kind = kind

	switch kind {
	case event.KindInstanceQR:
		qr := firstNonEmpty(p.Data.QRCode, p.QRCode)
		if qr == "" {
			return event.NormalizedEvent{}, fail(UAZAPI, "qr event without qrcode", nil)
		}
		evt.Status = &event.StatusPayload{QRCode: qr}
		return evt, nil

	case event.KindChatCreated, event.KindContactUpdated:
		evt.RemoteParty = event.PhoneFromJID(firstNonEmpty(p.Data.From, p.Data.ChatID))
		return evt, nil
	}

	msg := p.Data.Message
	if msg == nil {
		return event.NormalizedEvent{}, fail(UAZAPI, "message event without data.message", nil)
	}
	id := msg.ID
	fromMe := msg.FromMe
	if msg.Key != nil {
		id = firstNonEmpty(id, msg.Key.ID)
		fromMe = fromMe || msg.Key.FromMe
	}

	if kind == event.KindMessageUpdated {
		if id == "" {
			return event.NormalizedEvent{}, fail(UAZAPI, "status update without message id", nil)
		}
		evt.Status = &event.StatusPayload{
			MessageID:     id,
			MessageStatus: waReceiptStatus(firstNonEmpty(msg.Status, p.Data.Status)),
		}
		return evt, nil
	}

	if fromMe {
		evt.Kind = event.KindMessageSent
	}
	party := firstNonEmpty(p.Data.From, p.Data.ChatID)
	if evt.Kind == event.KindMessageSent {
		party = firstNonEmpty(p.Data.To, p.Data.ChatID, p.Data.From)
	}
	if party == "" && msg.Key != nil {
		party = msg.Key.RemoteJID
	}
	if party == "" {
		return event.NormalizedEvent{}, fail(UAZAPI, "message without remote party", nil)
	}
	evt.RemoteParty = event.PhoneFromJID(party)

	t, ok := uazapiMessageTypes[firstNonEmpty(msg.Type, msg.MessageType)]
	if !ok {
		t = event.TypeText
	}
	evt.Message = &event.MessagePayload{
		ID:       id,
		Type:     t,
		Content:  firstNonEmpty(msg.Body, msg.Text, msg.Caption),
		Caption:  msg.Caption,
		MediaRef: msg.MediaURL,
		MimeType: msg.Mimetype,
		FileName: msg.Filename,
		Seconds:  msg.Seconds,
		FromMe:   fromMe,
	}
	if !msg.Timestamp.IsZero() {
		evt.Timestamp = msg.Timestamp.Time
	}
	return evt, nil
}
