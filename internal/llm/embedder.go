package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	pkmderrors "pkmd/internal/errors"
)

// EmbedderConfig holds embedding configuration.
type EmbedderConfig struct {
	Model     string // "text-embedding-3-small"
	APIKey    string
	BaseURL   string
	CacheSize int // LRU cache size, default 10000
}

// Embedder generates text embeddings.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int
}

type openaiEmbedder struct {
	config     EmbedderConfig
	httpClient *http.Client
	cache      *lru.Cache[string, []float32]
	retry      pkmderrors.RetryConfig
}

// NewEmbedder creates an OpenAI-compatible embedder with an LRU cache.
func NewEmbedder(config EmbedderConfig) (Embedder, error) {
	if config.Model == "" {
		config.Model = "text-embedding-3-small"
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.CacheSize == 0 {
		config.CacheSize = 10000
	}

	cache, err := lru.New[string, []float32](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	return &openaiEmbedder{
		config:     config,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		cache:      cache,
		retry:      pkmderrors.DefaultRetryConfig(),
	}, nil
}

func (e *openaiEmbedder) Dimensions() int {
	// text-embedding-3-small
	return 1536
}

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// EmbedBatch retries transient provider failures with backoff; permanent
// failures surface immediately.
func (e *openaiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return pkmderrors.RetryWithResult(ctx, e.retry, nil, func(ctx context.Context) ([][]float32, error) {
		return e.embedBatchOnce(ctx, texts)
	})
}

func (e *openaiEmbedder) embedBatchOnce(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	url := strings.TrimRight(e.config.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, pkmderrors.Transient(err, "embedding request failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, pkmderrors.Transient(err, "read embedding response")
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("embedding api returned status %d", resp.StatusCode)
		if pkmderrors.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, &pkmderrors.TransientError{StatusCode: resp.StatusCode, Message: msg}
		}
		return nil, &pkmderrors.PermanentError{StatusCode: resp.StatusCode, Message: msg}
	}

	var parsed embedResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, pkmderrors.Permanent(err, "decode embedding response")
	}
	if len(parsed.Data) != len(texts) {
		return nil, pkmderrors.Permanent(fmt.Errorf("got %d embeddings for %d inputs", len(parsed.Data), len(texts)), "embedding count mismatch")
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, pkmderrors.Permanent(fmt.Errorf("embedding index %d out of range", d.Index), "embedding index mismatch")
		}
		out[d.Index] = d.Embedding
	}
	for i, text := range texts {
		e.cache.Add(text, out[i])
	}
	return out, nil
}

// HashEmbedder is a deterministic offline embedder used in tests and when no
// provider is configured. Vectors are derived from token hashes and L2
// normalized, so identical texts are identical vectors and shared vocabulary
// raises cosine similarity.
type HashEmbedder struct {
	Dims int
}

func (h HashEmbedder) Dimensions() int {
	if h.Dims <= 0 {
		return 64
	}
	return h.Dims
}

func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := h.Dimensions()
	vec := make([]float32, dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(tok))
		idx := int(binary.BigEndian.Uint32(sum[:4])) % dims
		if idx < 0 {
			idx += dims
		}
		vec[idx] += 1
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	} else {
		vec[0] = 1
	}
	return vec, nil
}

func (h HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
