package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MikeSquared-Agency/conduit/internal/enrich"
	"github.com/MikeSquared-Agency/conduit/internal/event"
)

type stubFetcher struct {
	data []byte
	ct   string
}

func (s stubFetcher) Fetch(context.Context, string) ([]byte, string, error) {
	return s.data, s.ct, nil
}

func textResponse(w http.ResponseWriter, text string) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"content":     []map[string]string{{"type": "text", "text": text}},
		"stop_reason": "end_turn",
	})
}

func TestComplete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("expected x-api-key test-key, got %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Errorf("expected anthropic-version 2023-06-01, got %q", r.Header.Get("anthropic-version"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type application/json, got %q", r.Header.Get("Content-Type"))
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Model != "test-model" {
			t.Errorf("expected model test-model, got %q", req.Model)
		}
		if req.System != "you are a test" {
			t.Errorf("expected system prompt, got %q", req.System)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content[0].Text != "hello" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		if req.MaxTokens != 100 {
			t.Errorf("expected max_tokens 100, got %d", req.MaxTokens)
		}
		textResponse(w, "world")
	}))
	defer server.Close()

	c := NewClient("test-key", "test-model", nil)
	c.SetTestTransport(server.URL)

	result, err := c.Complete(context.Background(), "you are a test", []Message{TextMessage("user", "hello")}, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "world" {
		t.Errorf("expected 'world', got %q", result)
	}
}

func TestComplete_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"type":    "invalid_request_error",
				"message": "max_tokens is too large",
			},
		})
	}))
	defer server.Close()

	c := NewClient("test-key", "test-model", nil)
	c.SetTestTransport(server.URL)

	_, err := c.Complete(context.Background(), "", []Message{TextMessage("user", "hi")}, 100)
	if err == nil {
		t.Fatal("expected error for API error response")
	}
}

func TestComplete_EmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(response{
			Content:    nil,
			StopReason: "end_turn",
		})
	}))
	defer server.Close()

	c := NewClient("test-key", "test-model", nil)
	c.SetTestTransport(server.URL)

	_, err := c.Complete(context.Background(), "", []Message{TextMessage("user", "hi")}, 100)
	if err == nil {
		t.Fatal("expected error for empty content response")
	}
}

func TestTranscribe_ImageSendsBase64Block(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		blocks := req.Messages[0].Content
		if len(blocks) != 2 || blocks[0].Type != "image" || blocks[0].Source == nil {
			t.Fatalf("expected image block first, got %+v", blocks)
		}
		if blocks[0].Source.MediaType != "image/png" {
			t.Errorf("expected image/png, got %q", blocks[0].Source.MediaType)
		}
		if blocks[0].Source.Data != base64.StdEncoding.EncodeToString(png) {
			t.Errorf("unexpected image data %q", blocks[0].Source.Data)
		}
		textResponse(w, "A screenshot of an invoice.")
	}))
	defer server.Close()

	c := NewClient("k", "m", stubFetcher{data: png, ct: "image/png"})
	c.SetTestTransport(server.URL)

	got, err := c.Transcribe(context.Background(), enrich.Media{Type: event.TypeImage, Ref: "https://m/i.png"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "A screenshot of an invoice." {
		t.Errorf("unexpected description %q", got)
	}
}

func TestTranscribe_Documents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		json.NewDecoder(r.Body).Decode(&req)
		if req.Messages[0].Content[0].Type != "document" {
			t.Errorf("expected document block, got %+v", req.Messages[0].Content[0])
		}
		textResponse(w, "Total: R$ 10,00")
	}))
	defer server.Close()

	pdf := NewClient("k", "m", stubFetcher{data: []byte("%PDF-1.4"), ct: "application/octet-stream"})
	pdf.SetTestTransport(server.URL)
	got, err := pdf.Transcribe(context.Background(), enrich.Media{Type: event.TypeDocument, Ref: "https://m/a.pdf", MimeType: "application/pdf"})
	if err != nil || got != "Total: R$ 10,00" {
		t.Errorf("pdf Transcribe = (%q, %v)", got, err)
	}

	plain := NewClient("k", "m", stubFetcher{data: []byte("  meeting notes\n"), ct: "text/plain; charset=utf-8"})
	plain.SetTestTransport("http://127.0.0.1:0")
	got, err = plain.Transcribe(context.Background(), enrich.Media{Type: event.TypeDocument, Ref: "https://m/a.txt"})
	if err != nil || got != "meeting notes" {
		t.Errorf("text Transcribe = (%q, %v)", got, err)
	}

	docx := NewClient("k", "m", stubFetcher{data: []byte("PK"), ct: "application/vnd.openxmlformats-officedocument.wordprocessingml.document"})
	if _, err := docx.Transcribe(context.Background(), enrich.Media{Type: event.TypeDocument, Ref: "https://m/a.docx"}); err == nil {
		t.Error("expected unsupported document error")
	}
}

func TestTranscribe_RejectsUnsupportedImage(t *testing.T) {
	c := NewClient("k", "m", stubFetcher{data: []byte("x"), ct: "image/tiff"})
	if _, err := c.Transcribe(context.Background(), enrich.Media{Type: event.TypeImage, Ref: "https://m/a.tiff"}); err == nil {
		t.Error("expected error for tiff")
	}
}
