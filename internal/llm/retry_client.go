package llm

import (
	"context"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	pkmderrors "pkmd/internal/errors"
	"pkmd/internal/logging"
)

const (
	defaultCompletionTimeout = 30 * time.Second
	retryWindowTokens        = 2048
)

// RetryClient decorates a Client with a per-call timeout and a single retry
// on transient failure. The retry shrinks the prompt window before resending
// so oversized content does not fail twice the same way.
type RetryClient struct {
	inner   Client
	timeout time.Duration
	logger  logging.Logger

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewRetryClient wraps inner. timeout <= 0 uses the 30s default.
func NewRetryClient(inner Client, timeout time.Duration, logger logging.Logger) *RetryClient {
	if timeout <= 0 {
		timeout = defaultCompletionTimeout
	}
	return &RetryClient{inner: inner, timeout: timeout, logger: logging.OrNop(logger)}
}

func (c *RetryClient) Model() string {
	return c.inner.Model()
}

func (c *RetryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	resp, err := c.inner.Complete(callCtx, req)
	cancel()
	if err == nil {
		return resp, nil
	}
	if !pkmderrors.IsTransient(err) {
		return nil, err
	}

	retryReq := req
	retryReq.Prompt = c.truncate(req.Prompt, retryWindowTokens)
	c.logger.Warn("llm completion failed transiently, retrying with smaller window: %v", err)

	callCtx, cancel = context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.inner.Complete(callCtx, retryReq)
}

func (c *RetryClient) CompleteJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return err
	}
	return DecodeJSON(resp.Content, out)
}

// truncate cuts text to at most n tokens. When the tokenizer is unavailable
// (its BPE tables load lazily) it falls back to a rune cut of 4*n, the usual
// chars-per-token estimate.
func (c *RetryClient) truncate(text string, n int) string {
	c.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			c.logger.Debug("tokenizer unavailable, using rune fallback: %v", err)
			return
		}
		c.enc = enc
	})
	if c.enc != nil {
		tokens := c.enc.Encode(text, nil, nil)
		if len(tokens) <= n {
			return text
		}
		return c.enc.Decode(tokens[:n])
	}
	runes := []rune(text)
	if len(runes) <= 4*n {
		return text
	}
	return string(runes[:4*n])
}
