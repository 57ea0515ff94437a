package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	pkmderrors "pkmd/internal/errors"
)

// openaiClient speaks the OpenAI-compatible chat completions API.
type openaiClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func newOpenAIClient(cfg Config) (*openaiClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &openaiClient{
		model:      model,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

func (c *openaiClient) Model() string {
	return c.model
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Temperature float64      `json:"temperature,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Stream      bool         `json:"stream"`
}

type oaiResponse struct {
	Choices []struct {
		Message      oaiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *openaiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	var messages []oaiMessage
	if req.System != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(oaiRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkmderrors.Transient(err, "llm request failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, pkmderrors.Transient(err, "read llm response")
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("llm returned status %d", resp.StatusCode)
		if pkmderrors.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, &pkmderrors.TransientError{StatusCode: resp.StatusCode, Message: msg}
		}
		return nil, &pkmderrors.PermanentError{StatusCode: resp.StatusCode, Message: msg}
	}

	var parsed oaiResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, pkmderrors.Permanent(err, "decode llm response")
	}
	if parsed.Error != nil {
		return nil, pkmderrors.Permanent(fmt.Errorf("%s", parsed.Error.Message), "llm api error")
	}
	if len(parsed.Choices) == 0 {
		return nil, pkmderrors.Permanent(fmt.Errorf("no choices"), "empty llm response")
	}

	return &Response{
		Content: parsed.Choices[0].Message.Content,
		Usage:   parsed.Usage,
	}, nil
}

func (c *openaiClient) CompleteJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return err
	}
	return DecodeJSON(resp.Content, out)
}
