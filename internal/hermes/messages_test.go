package hermes

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSubjectsShareNamespace(t *testing.T) {
	for _, s := range []string{
		SubjectInstanceStatus, SubjectInstanceQR, SubjectMessageReady,
		SubjectConcatDeadLetter, SubjectDeliveryFailed,
	} {
		if !strings.HasPrefix(s, "conduit.") {
			t.Errorf("subject %q outside conduit namespace", s)
		}
	}
}

func TestMessageReadyParsing(t *testing.T) {
	raw := `{
		"event_id": "evt-1",
		"channel_id": "ch-1",
		"conversation_id": "sess-1",
		"party_id": "5511",
		"content": "Hi\nthere",
		"concatenated": true,
		"enriched": false,
		"delivery": "delivered"
	}`

	var msg MessageReady
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("failed to parse MessageReady: %v", err)
	}
	if msg.EventID != "evt-1" {
		t.Errorf("expected event_id 'evt-1', got '%s'", msg.EventID)
	}
	if msg.Content != "Hi\nthere" {
		t.Errorf("expected joined content, got %q", msg.Content)
	}
	if !msg.Concatenated {
		t.Error("expected concatenated true")
	}
	if msg.Delivery != "delivered" {
		t.Errorf("expected delivery 'delivered', got '%s'", msg.Delivery)
	}
}

func TestDeadLetterParsing(t *testing.T) {
	raw := `{"job_id":"j1","kind":"concat.flush","key":"concat.s1.p1","attempts":3,"error":"boom","at":"2026-01-01T00:00:00Z"}`

	var dl DeadLetter
	if err := json.Unmarshal([]byte(raw), &dl); err != nil {
		t.Fatalf("failed to parse DeadLetter: %v", err)
	}
	if dl.Attempts != 3 || dl.Kind != "concat.flush" || dl.Key != "concat.s1.p1" {
		t.Errorf("unexpected dead letter %+v", dl)
	}
}
