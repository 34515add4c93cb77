package anthropic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/conduit/internal/enrich"
	"github.com/MikeSquared-Agency/conduit/internal/event"
)

const apiURL = "https://api.anthropic.com/v1/messages"

const (
	describeImagePrompt = "Describe this image for someone who cannot see it. Transcribe any visible text verbatim. " +
		"Answer in the language of the text in the image, or Portuguese if there is none. Be concise."
	extractDocumentPrompt = "Extract the readable text of this document. Keep headings and tables as plain text. " +
		"Do not summarise or comment."
	maxDescribeTokens = 1024
	maxExtractTokens  = 4096
)

// MediaFetcher downloads the attachment bytes for a reference.
type MediaFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, string, error)
}

type Client struct {
	apiKey string
	model  string
	url    string
	client *http.Client
	fetch  MediaFetcher
}

func NewClient(apiKey, model string, fetch MediaFetcher) *Client {
	return &Client{
		apiKey: apiKey,
		model:  model,
		url:    apiURL,
		client: &http.Client{Timeout: 120 * time.Second},
		fetch:  fetch,
	}
}

// SetTestTransport points the client at a test server.
func (c *Client) SetTestTransport(url string) {
	c.url = url
}

// ContentBlock is one element of a message's content array.
type ContentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *BlockSource `json:"source,omitempty"`
}

type BlockSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextMessage builds a single-block text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: "text", Text: text}}}
}

type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a message to the Anthropic API and returns the text response.
func (c *Client) Complete(ctx context.Context, system string, messages []Message, maxTokens int) (string, error) {
	reqBody := request{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("api call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Type != "" {
			return "", fmt.Errorf("api error %d: %s: %s", resp.StatusCode, errResp.Error.Type, errResp.Error.Message)
		}
		return "", fmt.Errorf("api error %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	var parts []string
	for _, b := range apiResp.Content {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("empty response content")
	}
	return strings.Join(parts, "\n"), nil
}

// Transcribe describes images and extracts document text.
func (c *Client) Transcribe(ctx context.Context, m enrich.Media) (string, error) {
	data, contentType, err := c.fetch.Fetch(ctx, m.Ref)
	if err != nil {
		return "", err
	}
	mediaType := mediaTypeOf(m.MimeType, contentType)

	switch m.Type {
	case event.TypeImage:
		if !supportedImage(mediaType) {
			return "", fmt.Errorf("unsupported image type %q", mediaType)
		}
		msg := Message{Role: "user", Content: []ContentBlock{
			{Type: "image", Source: base64Source(mediaType, data)},
			{Type: "text", Text: describeImagePrompt},
		}}
		return c.Complete(ctx, "", []Message{msg}, maxDescribeTokens)

	case event.TypeDocument:
		var doc ContentBlock
		switch {
		case mediaType == "application/pdf":
			doc = ContentBlock{Type: "document", Source: base64Source(mediaType, data)}
		case strings.HasPrefix(mediaType, "text/"):
			// Plain text needs no model round trip.
			return strings.TrimSpace(string(data)), nil
		default:
			return "", fmt.Errorf("unsupported document type %q", mediaType)
		}
		msg := Message{Role: "user", Content: []ContentBlock{doc, {Type: "text", Text: extractDocumentPrompt}}}
		return c.Complete(ctx, "", []Message{msg}, maxExtractTokens)
	}
	return "", fmt.Errorf("anthropic cannot transcribe %s", m.Type)
}

func base64Source(mediaType string, data []byte) *BlockSource {
	return &BlockSource{Type: "base64", MediaType: mediaType, Data: base64.StdEncoding.EncodeToString(data)}
}

func mediaTypeOf(declared, fetched string) string {
	for _, v := range []string{declared, fetched} {
		if v == "" {
			continue
		}
		if mt, _, err := mime.ParseMediaType(v); err == nil {
			return mt
		}
	}
	return "application/octet-stream"
}

func supportedImage(mt string) bool {
	switch mt {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	}
	return false
}
