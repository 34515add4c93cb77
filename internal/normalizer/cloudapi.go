package normalizer

import (
	"time"

	"github.com/MikeSquared-Agency/conduit/internal/event"
)

type cloudAPIAdapter struct {
	now func() time.Time
}

func (a *cloudAPIAdapter) Variant() Variant { return CloudAPI }

type cloudAPIPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string         `json:"field"`
			Value *cloudAPIValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudAPIValue struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []cloudAPIMessage `json:"messages"`
	Statuses []struct {
		ID          string   `json:"id"`
		Status      string   `json:"status"`
		Timestamp   flexTime `json:"timestamp"`
		RecipientID string   `json:"recipient_id"`
	} `json:"statuses"`
}

type cloudAPIMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
	Voice    bool   `json:"voice"`
}

type cloudAPIMessage struct {
	From      string   `json:"from"`
	ID        string   `json:"id"`
	Timestamp flexTime `json:"timestamp"`
	Type      string   `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *cloudAPIMedia `json:"image"`
	Audio    *cloudAPIMedia `json:"audio"`
	Video    *cloudAPIMedia `json:"video"`
	Document *cloudAPIMedia `json:"document"`
	Sticker  *cloudAPIMedia `json:"sticker"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
	} `json:"location"`
	Context *struct {
		ID string `json:"id"`
	} `json:"context"`
}

func (a *cloudAPIAdapter) Normalize(raw []byte) (event.NormalizedEvent, error) {
	var p cloudAPIPayload
	if err := decode(CloudAPI, raw, &p); err != nil {
		return event.NormalizedEvent{}, err
	}
	if len(p.Entry) == 0 || len(p.Entry[0].Changes) == 0 || p.Entry[0].Changes[0].Value == nil {
		return event.NormalizedEvent{}, fail(CloudAPI, "missing entry[0].changes[0].value", nil)
	}
	v := p.Entry[0].Changes[0].Value
	if v.Metadata.PhoneNumberID == "" {
		return event.NormalizedEvent{}, fail(CloudAPI, "missing metadata.phone_number_id", nil)
	}

	evt := event.NormalizedEvent{InstanceID: v.Metadata.PhoneNumberID}

	switch {
	case len(v.Statuses) > 0:
		s := v.Statuses[0]
		if s.ID == "" {
			return event.NormalizedEvent{}, fail(CloudAPI, "status without id", nil)
		}
		evt.Kind = event.KindMessageUpdated
		evt.RemoteParty = s.RecipientID
		evt.Timestamp = stamp(s.Timestamp, a.now)
		evt.Status = &event.StatusPayload{MessageID: s.ID, MessageStatus: s.Status}
		return evt, nil

	case len(v.Messages) > 0:
		m := v.Messages[0]
		if m.From == "" {
			return event.NormalizedEvent{}, fail(CloudAPI, "message without from", nil)
		}
		evt.Kind = event.KindMessageReceived
		evt.RemoteParty = m.From
		evt.Timestamp = stamp(m.Timestamp, a.now)
		for _, c := range v.Contacts {
			if c.WaID == m.From {
				evt.PartyName = c.Profile.Name
			}
		}
		evt.Message = m.payload()
		return evt, nil
	}
	return event.NormalizedEvent{}, fail(CloudAPI, "value carries neither messages nor statuses", nil)
}

func (m *cloudAPIMessage) payload() *event.MessagePayload {
	out := &event.MessagePayload{ID: m.ID, Type: event.TypeText}
	if m.Context != nil {
		out.QuotedID = m.Context.ID
	}
	media := func(t event.MessageType, cm *cloudAPIMedia) {
		out.Type = t
		out.Content = cm.Caption
		out.Caption = cm.Caption
		out.MediaRef = cm.ID
		out.MimeType = cm.MimeType
		out.FileName = cm.Filename
	}

	switch {
	case m.Text != nil:
		out.Content = m.Text.Body
	case m.Image != nil:
		media(event.TypeImage, m.Image)
	case m.Sticker != nil:
		media(event.TypeImage, m.Sticker)
	case m.Video != nil:
		media(event.TypeVideo, m.Video)
	case m.Audio != nil:
		t := event.TypeAudio
		if m.Audio.Voice {
			t = event.TypePTT
		}
		media(t, m.Audio)
	case m.Document != nil:
		media(event.TypeDocument, m.Document)
	case m.Location != nil:
		out.Latitude = m.Location.Latitude
		out.Longitude = m.Location.Longitude
		out.Content = locationText(m.Location.Name, m.Location.Latitude, m.Location.Longitude)
	}
	return out
}
