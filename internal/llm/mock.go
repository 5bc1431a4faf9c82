package llm

import (
	"context"
	"sync"
)

// MockClient is a test double for Client. Responses are served in order; when
// the queue is empty DefaultResult is returned.
type MockClient struct {
	mu            sync.Mutex
	Responses     []string
	DefaultResult string
	CompleteErr   error
	History       []Request
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates a new MockClient with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		DefaultResult: "Mock LLM response",
	}
}

func (m *MockClient) Complete(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CompleteErr != nil {
		return nil, m.CompleteErr
	}
	m.History = append(m.History, req)

	content := m.DefaultResult
	if len(m.Responses) > 0 {
		content = m.Responses[0]
		m.Responses = m.Responses[1:]
	}
	return &Response{
		Content: content,
		Model:   m.Model(),
		Usage:   Usage{InputTokens: 100, OutputTokens: 50},
	}, nil
}

func (m *MockClient) Model() string {
	return "mock-model"
}

// Enqueue appends a canned response to be served by the next Complete call.
func (m *MockClient) Enqueue(responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, responses...)
}

// Prompts returns the prompt text of every recorded request.
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.History))
	for i, req := range m.History {
		out[i] = req.Prompt
	}
	return out
}
