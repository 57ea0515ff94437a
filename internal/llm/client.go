// Package llm abstracts the text-completion, structured-JSON, and embedding
// capability the pipeline consumes. The workflow never assumes a specific
// provider; configuration selects one.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	pkmderrors "pkmd/internal/errors"
)

// Request is a single completion call.
type Request struct {
	System      string
	Prompt      string
	Model       string // empty = client default
	MaxTokens   int
	Temperature float64
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the completion result.
type Response struct {
	Content string
	Usage   Usage
}

// Client represents any LLM provider.
type Client interface {
	// Complete sends a prompt and returns the completion (non-streaming).
	Complete(ctx context.Context, req Request) (*Response, error)

	// CompleteJSON sends a prompt expecting structured JSON output and
	// decodes it into out after passing the repair/validation gate.
	CompleteJSON(ctx context.Context, req Request, out any) error

	// Model returns the default model identifier.
	Model() string
}

// Config enumerates provider settings.
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

// New constructs a client for the configured provider. Every supported
// provider speaks the OpenAI-compatible chat completions API.
func New(cfg Config) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai", "openrouter", "ollama":
		return newOpenAIClient(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// DecodeJSON is the single validation gate for structured LLM output. It
// strips markdown fences, repairs near-JSON with jsonrepair, and decodes
// into out. Malformed output is a permanent error: retrying the same
// payload cannot help.
func DecodeJSON(raw string, out any) error {
	cleaned := stripFences(raw)
	if cleaned == "" {
		return pkmderrors.Permanent(fmt.Errorf("empty completion"), "llm returned no content")
	}
	if err := json.Unmarshal([]byte(cleaned), out); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(cleaned)
	if err != nil {
		return pkmderrors.Permanent(err, "llm output is not valid JSON")
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return pkmderrors.Permanent(err, "llm output does not match schema")
	}
	return nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
