package enrich

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/conduit/internal/event"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixed(text string) Transcriber {
	return TranscriberFunc(func(context.Context, Media) (string, error) { return text, nil })
}

func TestEnrich_Prefixes(t *testing.T) {
	e := New(time.Second, testLogger(),
		WithAudio(fixed("hello")),
		WithVideo(fixed("a clip")),
		WithImage(fixed("a cat")),
		WithDocument(fixed("invoice total 10")),
	)

	tests := []struct {
		name string
		typ  event.MessageType
		want string
	}{
		{"audio", event.TypeAudio, "[Audio transcribed]: hello"},
		{"voice note", event.TypePTT, "[Audio transcribed]: hello"},
		{"video", event.TypeVideo, "[Video transcribed]: a clip"},
		{"image", event.TypeImage, "[Image described]: a cat"},
		{"document", event.TypeDocument, "[Document]: invoice total 10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := e.Enrich(context.Background(), event.Fragment{Type: tt.typ, MediaRef: "https://m/x"})
			if r.Text != tt.want {
				t.Errorf("expected %q, got %q", tt.want, r.Text)
			}
			if !r.Enriched || r.Failed {
				t.Errorf("unexpected flags %+v", r)
			}
		})
	}
}

func TestEnrich_KeepsCaption(t *testing.T) {
	e := New(time.Second, testLogger(), WithImage(fixed("a receipt")))
	r := e.Enrich(context.Background(), event.Fragment{Type: event.TypeImage, MediaRef: "https://m/x", Content: "what is this?"})
	if r.Text != "what is this?\n[Image described]: a receipt" {
		t.Errorf("unexpected text %q", r.Text)
	}
	if r.Transcription != "a receipt" {
		t.Errorf("unexpected transcription %q", r.Transcription)
	}
}

func TestEnrich_FailureYieldsSentinel(t *testing.T) {
	e := New(time.Second, testLogger(), WithAudio(TranscriberFunc(func(context.Context, Media) (string, error) {
		return "", errors.New("engine down")
	})))
	r := e.Enrich(context.Background(), event.Fragment{Type: event.TypePTT, MediaRef: "https://m/a.ogg"})
	if !r.Failed || r.Enriched {
		t.Errorf("expected failed result, got %+v", r)
	}
	if r.Text != "[Transcription error for ptt]" {
		t.Errorf("unexpected sentinel %q", r.Text)
	}
}

func TestEnrich_Timeout(t *testing.T) {
	e := New(20*time.Millisecond, testLogger(), WithVideo(TranscriberFunc(func(ctx context.Context, _ Media) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})))

	start := time.Now()
	r := e.Enrich(context.Background(), event.Fragment{Type: event.TypeVideo, MediaRef: "https://m/v.mp4"})
	if time.Since(start) > time.Second {
		t.Error("timeout not enforced")
	}
	if r.Text != Sentinel(event.TypeVideo) {
		t.Errorf("expected sentinel, got %q", r.Text)
	}
}

func TestEnrich_SkipsIneligible(t *testing.T) {
	called := false
	e := New(time.Second, testLogger(), WithAudio(TranscriberFunc(func(context.Context, Media) (string, error) {
		called = true
		return "x", nil
	})))

	tests := []struct {
		name string
		f    event.Fragment
	}{
		{"text", event.Fragment{Type: event.TypeText, Content: "hi"}},
		{"own message", event.Fragment{Type: event.TypeAudio, MediaRef: "https://m/a", FromMe: true}},
		{"no media ref", event.Fragment{Type: event.TypeAudio}},
		{"no transcriber for kind", event.Fragment{Type: event.TypeImage, MediaRef: "https://m/i"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := e.Enrich(context.Background(), tt.f)
			if r.Enriched || r.Failed || r.Text != tt.f.Content {
				t.Errorf("expected passthrough, got %+v", r)
			}
		})
	}
	if called {
		t.Error("transcriber called for ineligible fragment")
	}
}

func TestFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "audio/ogg")
		w.Write([]byte("OggS"))
	}))
	defer server.Close()

	f := NewFetcher(time.Second)
	body, ct, err := f.Fetch(context.Background(), server.URL+"/a.ogg")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != "OggS" || ct != "audio/ogg" {
		t.Errorf("unexpected fetch result %q %q", body, ct)
	}

	if _, _, err := f.Fetch(context.Background(), server.URL+"/missing"); err == nil {
		t.Error("expected error for 404")
	}
	if _, _, err := f.Fetch(context.Background(), "1234567890"); !errors.Is(err, ErrUnresolvableRef) {
		t.Errorf("expected ErrUnresolvableRef, got %v", err)
	}
}

func TestFetcher_DataURI(t *testing.T) {
	f := NewFetcher(time.Second)
	tests := []struct {
		name     string
		ref      string
		wantBody string
		wantType string
		wantErr  bool
	}{
		{"base64 audio", "data:audio/ogg;base64,T2dnUw==", "OggS", "audio/ogg", false},
		{"percent encoded", "data:text/plain,hello%20there", "hello there", "text/plain", false},
		{"default media type", "data:,x", "x", "text/plain;charset=US-ASCII", false},
		{"bad base64", "data:audio/ogg;base64,***", "", "", true},
		{"no comma", "data:audio/ogg;base64", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct, err := f.Fetch(context.Background(), tt.ref)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if string(body) != tt.wantBody || ct != tt.wantType {
				t.Errorf("got %q %q, want %q %q", body, ct, tt.wantBody, tt.wantType)
			}
		})
	}
}
