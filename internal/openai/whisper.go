// Package openai transcribes audio and video attachments with the Whisper
// API through go-openai.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"strings"

	gopenai "github.com/sashabaranov/go-openai"

	"github.com/MikeSquared-Agency/conduit/internal/enrich"
)

// MediaFetcher downloads the attachment bytes for a reference.
type MediaFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, string, error)
}

type Whisper struct {
	client *gopenai.Client
	model  string
	fetch  MediaFetcher
	logger *slog.Logger
}

// NewWhisper builds a transcriber. baseURL may point at any OpenAI
// compatible endpoint; empty keeps the OpenAI default.
func NewWhisper(apiKey, baseURL, model string, fetch MediaFetcher, logger *slog.Logger) *Whisper {
	if model == "" {
		model = gopenai.Whisper1
	}
	config := gopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Whisper{
		client: gopenai.NewClientWithConfig(config),
		model:  model,
		fetch:  fetch,
		logger: logger,
	}
}

func (w *Whisper) Transcribe(ctx context.Context, m enrich.Media) (string, error) {
	data, contentType, err := w.fetch.Fetch(ctx, m.Ref)
	if err != nil {
		return "", err
	}
	if m.MimeType != "" {
		contentType = m.MimeType
	}

	resp, err := w.client.CreateTranscription(ctx, gopenai.AudioRequest{
		Model:    w.model,
		FilePath: fileName(m, contentType),
		Reader:   bytes.NewReader(data),
		Format:   gopenai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	w.logger.Info("transcription complete", "type", m.Type, "bytes", len(data), "text_len", len(text))
	return text, nil
}

// fileName gives Whisper a name whose extension matches the content, which
// it uses to pick a decoder.
func fileName(m enrich.Media, contentType string) string {
	if m.FileName != "" {
		return m.FileName
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "audio/ogg", "audio/opus":
		return "audio.ogg"
	case "audio/mpeg":
		return "audio.mp3"
	case "audio/mp4", "audio/aac", "audio/x-m4a":
		return "audio.m4a"
	case "audio/wav", "audio/x-wav":
		return "audio.wav"
	case "video/mp4":
		return "video.mp4"
	case "video/webm", "audio/webm":
		return "media.webm"
	}
	if strings.HasPrefix(mediaType, "video/") {
		return "video.mp4"
	}
	return "audio.ogg"
}
