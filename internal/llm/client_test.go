package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkmderrors "pkmd/internal/errors"
	"pkmd/internal/logging"
)

func TestDecodeJSONPlain(t *testing.T) {
	var out struct {
		PageType   string  `json:"page_type"`
		Confidence float64 `json:"confidence"`
	}
	err := DecodeJSON(`{"page_type": "knowledge", "confidence": 0.85}`, &out)
	require.NoError(t, err)
	assert.Equal(t, "knowledge", out.PageType)
	assert.InDelta(t, 0.85, out.Confidence, 1e-9)
}

func TestDecodeJSONFenced(t *testing.T) {
	var out map[string]any
	raw := "```json\n{\"title\": \"Intro\"}\n```"
	require.NoError(t, DecodeJSON(raw, &out))
	assert.Equal(t, "Intro", out["title"])
}

func TestDecodeJSONRepairsTrailingComma(t *testing.T) {
	var out map[string]any
	require.NoError(t, DecodeJSON(`{"a": 1, "b": 2,}`, &out))
	assert.Len(t, out, 2)
}

func TestDecodeJSONGarbageIsPermanent(t *testing.T) {
	var out map[string]any
	err := DecodeJSON("", &out)
	require.Error(t, err)
	assert.True(t, pkmderrors.IsPermanent(err))
}

func TestOpenAIClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"total_tokens":7}}`))
	}))
	defer srv.Close()

	client, err := New(Config{Provider: "openai", APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestOpenAIClientServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, pkmderrors.IsTransient(err))
}

func TestOpenAIClientBadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.False(t, pkmderrors.IsTransient(err))
}

func TestRetryClientRetriesTransientOnce(t *testing.T) {
	var calls atomic.Int32
	inner := NewMock()
	inner.CompleteFunc = func(ctx context.Context, req Request) (*Response, error) {
		if calls.Add(1) == 1 {
			return nil, pkmderrors.Transient(nil, "flaky")
		}
		return &Response{Content: "ok"}, nil
	}

	rc := NewRetryClient(inner, time.Second, logging.Nop())
	resp, err := rc.Complete(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryClientDoesNotRetryPermanent(t *testing.T) {
	var calls atomic.Int32
	inner := NewMock()
	inner.CompleteFunc = func(ctx context.Context, req Request) (*Response, error) {
		calls.Add(1)
		return nil, pkmderrors.Permanent(nil, "nope")
	}

	rc := NewRetryClient(inner, time.Second, logging.Nop())
	_, err := rc.Complete(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := HashEmbedder{Dims: 32}
	a, err := e.Embed(context.Background(), "go concurrency patterns")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "go concurrency patterns")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	c, err := e.Embed(context.Background(), "banana bread recipe")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
