package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model     string        `json:"model"`
	Messages  []wireMessage `json:"messages"`
	MaxTokens *int          `json:"max_tokens"`
	Stream    bool          `json:"stream"`
}

func newTestModel(t *testing.T, handler http.HandlerFunc) model.BaseChatModel {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	m, err := NewChatModel(context.Background(), Config{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "llama"})
	require.NoError(t, err)
	return m
}

func writeSSE(t *testing.T, w http.ResponseWriter, events ...string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, ok := w.(http.Flusher)
	if !assert.True(t, ok) {
		return
	}
	for _, ev := range events {
		fmt.Fprintf(w, "data: %s\n\n", ev)
		flusher.Flush()
	}
}

func delta(text string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","model":"llama","choices":[{"index":0,"delta":{"content":%q}}]}`, text)
}

// readAll collects non-empty contents until the stream ends or fails.
func readAll(sr *schema.StreamReader[*schema.Message]) ([]string, error) {
	var parts []string
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return parts, nil
		}
		if err != nil {
			return parts, err
		}
		if msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
}

func TestGenerateSendsWireContract(t *testing.T) {
	var got wireRequest
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","model":"llama","choices":[{"index":0,"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	})

	out, err := m.Generate(context.Background(),
		[]*schema.Message{schema.SystemMessage("be kind"), schema.UserMessage("Hi")},
		model.WithMaxTokens(64))
	require.NoError(t, err)

	assert.Equal(t, "Hello", out.Content)
	assert.Equal(t, schema.Assistant, out.Role)

	assert.Equal(t, "llama", got.Model)
	assert.False(t, got.Stream)
	require.NotNil(t, got.MaxTokens)
	assert.Equal(t, 64, *got.MaxTokens)
	assert.Equal(t, []wireMessage{{Role: "system", Content: "be kind"}, {Role: "user", Content: "Hi"}}, got.Messages)
}

func TestGenerateNonSuccessStatus(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	})

	_, err := m.Generate(context.Background(), []*schema.Message{schema.UserMessage("Hi")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=503")
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestStreamYieldsDeltas(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		writeSSE(t, w,
			`{"id":"c1","object":"chat.completion.chunk","model":"llama","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
			delta("Hel"), delta("lo"), "[DONE]")
	})

	sr, err := m.Stream(context.Background(), []*schema.Message{schema.UserMessage("Hi")})
	require.NoError(t, err)
	defer sr.Close()

	parts, err := readAll(sr)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, parts)
}

func TestStreamWithoutDoneMarkerFails(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(t, w, delta("partial"))
	})

	sr, err := m.Stream(context.Background(), []*schema.Message{schema.UserMessage("Hi")})
	require.NoError(t, err)
	defer sr.Close()

	parts, err := readAll(sr)
	assert.Equal(t, []string{"partial"}, parts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrIncompleteStream.Error())
}

func TestStreamNonSuccessStatusFailsBeforeReading(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	})

	_, err := m.Stream(context.Background(), []*schema.Message{schema.UserMessage("Hi")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=401")
}

func TestNewChatModelRequiresBaseURL(t *testing.T) {
	_, err := NewChatModel(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNormalizeBaseURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8000":                    "http://localhost:8000/v1",
		"http://localhost:8000/":                   "http://localhost:8000/v1",
		"https://api.openai.com/v1/":               "https://api.openai.com/v1",
		"https://ark.cn-beijing.volces.com/api/v3": "https://ark.cn-beijing.volces.com/api/v3",
		" http://vllm.internal:9000/openai/v1 ":    "http://vllm.internal:9000/openai/v1",
	}
	for raw, want := range cases {
		got, err := normalizeBaseURL(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	for _, bad := range []string{"", "localhost:8000", "://nope"} {
		_, err := normalizeBaseURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestMarkerBodyAcrossSmallReads(t *testing.T) {
	read := func(payload string) error {
		body := &markerBody{ReadCloser: io.NopCloser(iotest.OneByteReader(strings.NewReader(payload)))}
		_, err := io.ReadAll(body)
		return err
	}

	assert.NoError(t, read("data: {\"x\":1}\n\ndata: [DONE]\n\n"))
	assert.NoError(t, read("data:[DONE]"))
	assert.ErrorIs(t, read("data: {\"x\":1}\n\n"), ErrIncompleteStream)
	assert.ErrorIs(t, read("data: "+strings.Repeat("x", 200)+"[DONE]\n"), ErrIncompleteStream)
}

func TestTransportLeavesPlainResponsesAlone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(srv.Close)

	client := &http.Client{Transport: &strictTransport{next: http.DefaultTransport}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}
