package event

import (
	"strings"
	"time"
)

// Kind is the canonical event kind every broker payload maps onto.
type Kind string

const (
	KindMessageReceived      Kind = "message.received"
	KindMessageSent          Kind = "message.sent"
	KindMessageUpdated       Kind = "message.updated"
	KindInstanceConnected    Kind = "instance.connected"
	KindInstanceDisconnected Kind = "instance.disconnected"
	KindInstanceQR           Kind = "instance.qr"
	KindChatCreated          Kind = "chat.created"
	KindContactUpdated       Kind = "contact.updated"
)

// MessageType is the media class of a message fragment.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeAudio    MessageType = "audio"
	TypeVideo    MessageType = "video"
	TypeDocument MessageType = "document"
	TypePTT      MessageType = "ptt"
)

// IsMedia reports whether the type carries a media attachment.
func (t MessageType) IsMedia() bool {
	return t != TypeText && t != ""
}

// Direction of a message relative to the connected instance.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// MessagePayload is the broker-independent message body of an event.
type MessagePayload struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Caption   string      `json:"caption,omitempty"`
	MediaRef  string      `json:"media_ref,omitempty"`
	MimeType  string      `json:"mime_type,omitempty"`
	FileName  string      `json:"file_name,omitempty"`
	Seconds   int         `json:"seconds,omitempty"`
	QuotedID  string      `json:"quoted_id,omitempty"`
	FromMe    bool        `json:"from_me"`
	Latitude  float64     `json:"latitude,omitempty"`
	Longitude float64     `json:"longitude,omitempty"`
}

// StatusPayload carries delivery receipts and instance state changes.
type StatusPayload struct {
	MessageID     string `json:"message_id,omitempty"`
	MessageStatus string `json:"message_status,omitempty"`
	InstanceState string `json:"instance_state,omitempty"`
	QRCode        string `json:"qr_code,omitempty"`
}

// NormalizedEvent is the canonical shape produced by every broker adapter.
// Values are treated as immutable once returned by a normalizer.
type NormalizedEvent struct {
	InstanceID  string          `json:"instance_id"`
	Kind        Kind            `json:"kind"`
	RemoteParty string          `json:"remote_party,omitempty"`
	PartyName   string          `json:"party_name,omitempty"`
	Message     *MessagePayload `json:"message,omitempty"`
	Status      *StatusPayload  `json:"status,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Fragment is one inbound or outbound message unit accumulated by the
// concatenation engine.
type Fragment struct {
	ChannelID    string      `json:"channel_id"`
	WAMessageID  string      `json:"wa_message_id"`
	Type         MessageType `json:"type"`
	Content      string      `json:"content"`
	MediaRef     string      `json:"media_ref,omitempty"`
	MimeType     string      `json:"mime_type,omitempty"`
	FileName     string      `json:"file_name,omitempty"`
	Direction    Direction   `json:"direction"`
	FromMe       bool        `json:"from_me,omitempty"`
	Concatenated bool        `json:"concatenated,omitempty"`
	ReceivedAt   time.Time   `json:"received_at"`
}

// FragmentFrom builds the fragment for a message event on the given channel.
func FragmentFrom(channelID string, evt NormalizedEvent) Fragment {
	f := Fragment{
		ChannelID:  channelID,
		Direction:  DirectionInbound,
		ReceivedAt: evt.Timestamp,
	}
	if evt.Kind == KindMessageSent {
		f.Direction = DirectionOutbound
	}
	if m := evt.Message; m != nil {
		f.WAMessageID = m.ID
		f.Type = m.Type
		f.Content = m.Content
		f.MediaRef = m.MediaRef
		f.MimeType = m.MimeType
		f.FileName = m.FileName
		f.FromMe = m.FromMe
		if m.FromMe {
			f.Direction = DirectionOutbound
		}
	}
	if f.Type == "" {
		f.Type = TypeText
	}
	return f
}

// BotSignature prefixes every message this system sends so broker echoes of
// our own output can be recognised and dropped.
const BotSignature = "\u200B\u200C\u200D"

// IsBotEcho reports whether content was produced by us.
func IsBotEcho(content string) bool {
	return strings.HasPrefix(content, BotSignature)
}

// StripBotSignature removes the signature prefix if present.
func StripBotSignature(content string) string {
	return strings.TrimPrefix(content, BotSignature)
}

// PhoneFromJID strips the WhatsApp JID domain suffix ("5511...@s.whatsapp.net").
func PhoneFromJID(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		jid = jid[:i]
	}
	if i := strings.IndexByte(jid, ':'); i >= 0 {
		jid = jid[:i]
	}
	return jid
}

// IsGroupJID reports whether the JID addresses a group chat.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}
