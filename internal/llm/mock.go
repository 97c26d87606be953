package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockClient is a scripted Client for tests and offline development. Rules
// match on a substring of the last user message; the first match wins. An
// unmatched request gets the Fallback response.
type MockClient struct {
	ModelName string
	Fallback  string
	ChunkSize int // streamed delta size; 0 streams the whole response at once

	mu    sync.Mutex
	rules []mockRule
	calls []ChatRequest
	errs  []error // errors to return before succeeding, consumed in order
}

type mockRule struct {
	match    string
	response string
}

// NewMockClient creates a mock with a default fallback answer.
func NewMockClient() *MockClient {
	return &MockClient{ModelName: "mock-model", Fallback: "ok", ChunkSize: 8}
}

// Respond registers a scripted response for requests whose last user message
// contains match.
func (m *MockClient) Respond(match, response string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{match: match, response: response})
	return m
}

// FailNext queues errors returned ahead of any scripted response.
func (m *MockClient) FailNext(errs ...error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
	return m
}

// Calls returns every request seen so far.
func (m *MockClient) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}

// Model implements Client.
func (m *MockClient) Model() string { return m.ModelName }

func (m *MockClient) respond(req ChatRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", err
	}

	var lastUser string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastUser = req.Messages[i].Content
			break
		}
	}
	for _, rule := range m.rules {
		if strings.Contains(lastUser, rule.match) {
			return rule.response, nil
		}
	}
	if m.Fallback == "" {
		return "", fmt.Errorf("mock client has no response for request")
	}
	return m.Fallback, nil
}

// Chat implements Client.
func (m *MockClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	raw, err := m.respond(req)
	if err != nil {
		return nil, err
	}
	visible, thinking := StripThinking(raw)
	return &ChatResponse{
		Content:  visible,
		Thinking: thinking,
		Usage:    estimateUsage(req.Messages, raw),
	}, nil
}

// ChatStream implements Client, chunking the scripted response.
func (m *MockClient) ChatStream(ctx context.Context, req ChatRequest, handler StreamHandler) (*ChatResponse, error) {
	raw, err := m.respond(req)
	if err != nil {
		return nil, err
	}

	stripper := NewThinkStripper()
	var assembled strings.Builder

	emit := func(delta string) error {
		if delta == "" {
			return nil
		}
		assembled.WriteString(delta)
		if handler != nil {
			return handler(StreamChunk{Delta: delta})
		}
		return nil
	}

	size := m.ChunkSize
	if size <= 0 {
		size = len(raw)
	}
	for i := 0; i < len(raw); i += size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := i + size
		if end > len(raw) {
			end = len(raw)
		}
		if err := emit(stripper.Feed(raw[i:end])); err != nil {
			return nil, err
		}
	}
	if err := emit(stripper.Flush()); err != nil {
		return nil, err
	}

	usage := estimateUsage(req.Messages, raw)
	if handler != nil {
		if err := handler(StreamChunk{Done: true, Usage: usage}); err != nil {
			return nil, err
		}
	}
	return &ChatResponse{
		Content:  strings.TrimSpace(assembled.String()),
		Thinking: stripper.Thinking(),
		Usage:    usage,
	}, nil
}
