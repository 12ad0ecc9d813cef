// Package mock provides a scripted LLM provider for testing.
package mock

import (
	"context"
	"sync"

	"github.com/tannus-ai/tannus/provider"
)

const defaultResponse = "Task acknowledged. Working on it."

// Reply is one scripted turn. A non-nil Err is returned instead of a response.
type Reply struct {
	Content   string
	ToolCalls []provider.ToolCall
	Err       error
}

// Text is a Reply with only content.
func Text(s string) Reply { return Reply{Content: s} }

// Call is a Reply that invokes a single tool.
func Call(name string, args map[string]any) Reply {
	return Reply{ToolCalls: []provider.ToolCall{{ID: "call_" + name, Name: name, Arguments: args}}}
}

// Fail is a Reply that returns err.
func Fail(err error) Reply { return Reply{Err: err} }

// Provider implements provider.Provider for testing. It plays its script in
// order and repeats the last reply once the script is exhausted.
type Provider struct {
	mu       sync.Mutex
	script   []Reply
	idx      int
	requests [][]provider.Message
}

// New creates a Provider that plays the given replies.
func New(script ...Reply) *Provider {
	return &Provider{script: script}
}

// Name returns the provider identifier.
func (m *Provider) Name() string { return "mock" }

// Chat returns the next scripted reply.
func (m *Provider) Chat(ctx context.Context, messages []provider.Message, _ []provider.ToolDef) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, append([]provider.Message(nil), messages...))
	if len(m.script) == 0 {
		return &provider.Response{Content: defaultResponse}, nil
	}
	r := m.script[min(m.idx, len(m.script)-1)]
	m.idx++
	if r.Err != nil {
		return nil, r.Err
	}
	return &provider.Response{Content: r.Content, ToolCalls: r.ToolCalls}, nil
}

// Calls returns how many times Chat was called.
func (m *Provider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Request returns the messages sent on the i-th call.
func (m *Provider) Request(i int) []provider.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.requests) {
		return nil
	}
	return m.requests[i]
}
