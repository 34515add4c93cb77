// Package enrich turns media fragments into text a downstream automation can
// read: transcripts for audio and video, descriptions for images and
// extracted text for documents.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/conduit/internal/event"
)

// Media is what a Transcriber needs to fetch and interpret one attachment.
type Media struct {
	Type     event.MessageType
	Ref      string
	MimeType string
	FileName string
}

// Transcriber converts one media attachment to text.
type Transcriber interface {
	Transcribe(ctx context.Context, m Media) (string, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, m Media) (string, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, m Media) (string, error) {
	return f(ctx, m)
}

// Result of enriching one fragment. Text is always safe to forward: on
// failure it holds the error sentinel instead of a transcript.
type Result struct {
	Text          string
	Transcription string
	Enriched      bool
	Failed        bool
}

var prefixes = map[event.MessageType]string{
	event.TypeAudio:    "[Audio transcribed]: ",
	event.TypePTT:      "[Audio transcribed]: ",
	event.TypeVideo:    "[Video transcribed]: ",
	event.TypeImage:    "[Image described]: ",
	event.TypeDocument: "[Document]: ",
}

// Sentinel is the text forwarded in place of a failed transcription.
func Sentinel(t event.MessageType) string {
	return fmt.Sprintf("[Transcription error for %s]", t)
}

type Enricher struct {
	audio    Transcriber
	video    Transcriber
	image    Transcriber
	document Transcriber
	timeout  time.Duration
	logger   *slog.Logger
}

type Option func(*Enricher)

// WithAudio handles audio and voice notes.
func WithAudio(t Transcriber) Option { return func(e *Enricher) { e.audio = t } }

func WithVideo(t Transcriber) Option { return func(e *Enricher) { e.video = t } }

func WithImage(t Transcriber) Option { return func(e *Enricher) { e.image = t } }

func WithDocument(t Transcriber) Option { return func(e *Enricher) { e.document = t } }

func New(timeout time.Duration, logger *slog.Logger, opts ...Option) *Enricher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	e := &Enricher{timeout: timeout, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Enricher) transcriberFor(t event.MessageType) Transcriber {
	switch t {
	case event.TypeAudio, event.TypePTT:
		return e.audio
	case event.TypeVideo:
		return e.video
	case event.TypeImage:
		return e.image
	case event.TypeDocument:
		return e.document
	}
	return nil
}

// Applies reports whether f is eligible for enrichment: inbound media with
// a reference to fetch.
func Applies(f event.Fragment) bool {
	return f.Type.IsMedia() && !f.FromMe && f.MediaRef != ""
}

// Enrich never returns an error. Ineligible fragments pass through with
// their own content; failures and timeouts yield the sentinel.
func (e *Enricher) Enrich(ctx context.Context, f event.Fragment) Result {
	if !Applies(f) {
		return Result{Text: f.Content}
	}
	tr := e.transcriberFor(f.Type)
	if tr == nil {
		e.logger.Debug("no transcriber configured", "type", f.Type, "wa_message_id", f.WAMessageID)
		return Result{Text: f.Content}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	out, err := tr.Transcribe(ctx, Media{Type: f.Type, Ref: f.MediaRef, MimeType: f.MimeType, FileName: f.FileName})
	if err != nil {
		e.logger.Warn("enrichment failed",
			"type", f.Type, "wa_message_id", f.WAMessageID, "channel_id", f.ChannelID,
			"elapsed", time.Since(start), "error", err)
		return Result{Text: Sentinel(f.Type), Failed: true}
	}

	text := prefixes[f.Type] + out
	if f.Content != "" {
		text = f.Content + "\n" + text
	}
	e.logger.Debug("media enriched", "type", f.Type, "wa_message_id", f.WAMessageID, "chars", len(out))
	return Result{Text: text, Transcription: out, Enriched: true}
}
