package normalizer

import (
	"fmt"

	"github.com/MikeSquared-Agency/conduit/internal/event"
)

// waKey is the message key used by WhatsApp Web based brokers.
type waKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant"`
}

type waMedia struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
	Caption  string `json:"caption"`
	FileName string `json:"fileName"`
	Seconds  int    `json:"seconds"`
	PTT      bool   `json:"ptt"`
}

type waContextInfo struct {
	StanzaID string `json:"stanzaId"`
}

// waContent mirrors the subset of the WAMessage proto JSON we read.
type waContent struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text        string         `json:"text"`
		ContextInfo *waContextInfo `json:"contextInfo"`
	} `json:"extendedTextMessage"`
	ImageMessage    *waMedia `json:"imageMessage"`
	VideoMessage    *waMedia `json:"videoMessage"`
	AudioMessage    *waMedia `json:"audioMessage"`
	DocumentMessage *waMedia `json:"documentMessage"`
	StickerMessage  *waMedia `json:"stickerMessage"`
	LocationMessage *struct {
		DegreesLatitude  float64 `json:"degreesLatitude"`
		DegreesLongitude float64 `json:"degreesLongitude"`
		Name             string  `json:"name"`
		Address          string  `json:"address"`
	} `json:"locationMessage"`
}

// payload converts WAMessage content into the canonical message payload.
// mediaURL overrides the proto media URL when the broker has already
// re-hosted the file.
func (c *waContent) payload(key waKey, mediaURL string) *event.MessagePayload {
	m := &event.MessagePayload{ID: key.ID, Type: event.TypeText, FromMe: key.FromMe}
	if c == nil {
		return m
	}

	media := func(t event.MessageType, wm *waMedia) {
		m.Type = t
		m.Content = wm.Caption
		m.Caption = wm.Caption
		m.MediaRef = firstNonEmpty(mediaURL, wm.URL)
		m.MimeType = wm.Mimetype
		m.FileName = wm.FileName
		m.Seconds = wm.Seconds
	}

	switch {
	case c.Conversation != "":
		m.Content = c.Conversation
	case c.ExtendedTextMessage != nil:
		m.Content = c.ExtendedTextMessage.Text
		if ci := c.ExtendedTextMessage.ContextInfo; ci != nil {
			m.QuotedID = ci.StanzaID
		}
	case c.ImageMessage != nil:
		media(event.TypeImage, c.ImageMessage)
	case c.StickerMessage != nil:
		media(event.TypeImage, c.StickerMessage)
	case c.VideoMessage != nil:
		media(event.TypeVideo, c.VideoMessage)
	case c.AudioMessage != nil:
		t := event.TypeAudio
		if c.AudioMessage.PTT {
			t = event.TypePTT
		}
		media(t, c.AudioMessage)
	case c.DocumentMessage != nil:
		media(event.TypeDocument, c.DocumentMessage)
	case c.LocationMessage != nil:
		loc := c.LocationMessage
		m.Latitude = loc.DegreesLatitude
		m.Longitude = loc.DegreesLongitude
		m.Content = locationText(loc.Name, loc.DegreesLatitude, loc.DegreesLongitude)
	}
	return m
}

func locationText(name string, lat, lng float64) string {
	if name != "" {
		return fmt.Sprintf("[Location] %s (%.6f, %.6f)", name, lat, lng)
	}
	return fmt.Sprintf("[Location] (%.6f, %.6f)", lat, lng)
}

// waReceiptStatus maps Baileys numeric acks and Evolution textual acks onto
// the status vocabulary stored with messages.
func waReceiptStatus(s string) string {
	switch s {
	case "0", "ERROR", "error":
		return "failed"
	case "1", "PENDING", "pending":
		return "pending"
	case "2", "SERVER_ACK", "server_ack", "sent":
		return "sent"
	case "3", "DELIVERY_ACK", "delivery_ack", "delivered":
		return "delivered"
	case "4", "5", "READ", "PLAYED", "read", "played":
		return "read"
	}
	return "sent"
}
