// Package openai builds an eino chat model for OpenAI-compatible
// chat-completions endpoints (OpenAI, vLLM, llama.cpp server, Ollama).
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
)

// ErrIncompleteStream is returned when the event stream ends without the
// [DONE] marker.
var ErrIncompleteStream = errors.New("openai: stream ended without completion marker")

// StatusError is a non-2xx reply from the endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openai non-success status=%d body=%s", e.Code, e.Body)
}

// Config describes the endpoint and default sampling parameters.
type Config struct {
	// BaseURL without a path gets "/v1" appended.
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   *int
	Temperature *float32
	TopP        *float32
	// HTTPClient defaults to a client without an overall timeout; deadlines
	// come from the request context.
	HTTPClient *http.Client
}

// NewChatModel builds the eino-ext OpenAI model on top of a transport that
// reports non-2xx replies as *StatusError and fails event streams that close
// without [DONE].
func NewChatModel(ctx context.Context, cfg Config) (*einoopenai.ChatModel, error) {
	base, err := normalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	client := &http.Client{}
	if cfg.HTTPClient != nil {
		*client = *cfg.HTTPClient
	}
	next := client.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	client.Transport = &strictTransport{next: next}

	cm, err := einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{
		APIKey:      cfg.APIKey,
		HTTPClient:  client,
		BaseURL:     base,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: create chat model: %w", err)
	}
	return cm, nil
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("openai: base url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("openai: invalid base url %q", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	if u.Path == "" {
		u.Path = "/v1"
	}
	return u.String(), nil
}

type strictTransport struct {
	next http.RoundTripper
}

func (t *strictTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 400)}
	}
	if isEventStream(req, resp) {
		resp.Body = &markerBody{ReadCloser: resp.Body}
	}
	return resp, nil
}

func isEventStream(req *http.Request, resp *http.Response) bool {
	return strings.Contains(req.Header.Get("Accept"), "text/event-stream") ||
		strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// markerLineMax bounds how much of a line is kept; the marker line is short.
const markerLineMax = 64

// markerBody watches the SSE lines passing through and turns a clean end of
// body into ErrIncompleteStream unless a "data: [DONE]" line was seen.
type markerBody struct {
	io.ReadCloser
	line     []byte
	overflow bool
	done     bool
}

func (b *markerBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.scan(p[:n])
	if errors.Is(err, io.EOF) && !b.done {
		b.endLine()
		if !b.done {
			return n, ErrIncompleteStream
		}
	}
	return n, err
}

func (b *markerBody) scan(chunk []byte) {
	for _, c := range chunk {
		if b.done {
			return
		}
		if c == '\n' {
			b.endLine()
			continue
		}
		if len(b.line) < markerLineMax {
			b.line = append(b.line, c)
		} else {
			b.overflow = true
		}
	}
}

func (b *markerBody) endLine() {
	if !b.overflow {
		data, ok := strings.CutPrefix(strings.TrimSpace(string(b.line)), "data:")
		if ok && strings.TrimSpace(data) == "[DONE]" {
			b.done = true
		}
	}
	b.line = b.line[:0]
	b.overflow = false
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
