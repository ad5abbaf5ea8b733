package llm

import (
	"context"
	"strings"
	"sync"
)

// MockClient is a scripted Client for tests and for running the pipeline
// without a configured model endpoint. Responses are matched against the
// prompt in rule order; the first match wins.
type MockClient struct {
	mu        sync.Mutex
	rules     []mockRule
	fallback  string
	err       error
	available bool
	calls     []Request
}

type mockRule struct {
	substr string
	reply  string
	err    error
}

// NewMockClient returns a mock that answers every prompt with fallback.
func NewMockClient(fallback string) *MockClient {
	return &MockClient{fallback: fallback, available: true}
}

// Reply registers a canned response for prompts containing substr.
func (m *MockClient) Reply(substr, reply string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{substr: substr, reply: reply})
	return m
}

// ReplyErr registers an error for prompts containing substr.
func (m *MockClient) ReplyErr(substr string, err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{substr: substr, err: err})
	return m
}

// FailWith makes every unmatched call return err.
func (m *MockClient) FailWith(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// SetAvailable controls what IsAvailable reports.
func (m *MockClient) SetAvailable(ok bool) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = ok
	return m
}

func (m *MockClient) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	for _, r := range m.rules {
		if strings.Contains(req.Prompt, r.substr) {
			if r.err != nil {
				return "", r.err
			}
			return r.reply, nil
		}
	}
	if m.err != nil {
		return "", m.err
	}
	return m.fallback, nil
}

func (m *MockClient) IsAvailable(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

func (m *MockClient) Model() string { return "mock" }

// Calls returns a copy of every request seen so far.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount reports how many prompts were issued.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
