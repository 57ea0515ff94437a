package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Mock implements Client for tests. Responses are matched by substring of
// the prompt; unmatched prompts fall through to Default or an error.
type Mock struct {
	mu        sync.Mutex
	responses map[string]string // prompt substring -> content
	Default   string
	Calls     []Request

	// CompleteFunc overrides matching entirely when set.
	CompleteFunc func(ctx context.Context, req Request) (*Response, error)
}

// NewMock constructs an empty mock client.
func NewMock() *Mock {
	return &Mock{responses: map[string]string{}}
}

// Respond registers content to return when the prompt contains substr.
func (m *Mock) Respond(substr, content string) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[substr] = content
	return m
}

func (m *Mock) Model() string {
	return "mock"
}

func (m *Mock) Complete(ctx context.Context, req Request) (*Response, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, req)

	for substr, content := range m.responses {
		if strings.Contains(req.System, substr) || strings.Contains(req.Prompt, substr) {
			return &Response{Content: content, Usage: Usage{TotalTokens: 42}}, nil
		}
	}
	if m.Default != "" {
		return &Response{Content: m.Default}, nil
	}
	return nil, fmt.Errorf("mock llm: no response registered for prompt %.60q", req.Prompt)
}

func (m *Mock) CompleteJSON(ctx context.Context, req Request, out any) error {
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return err
	}
	return DecodeJSON(resp.Content, out)
}
