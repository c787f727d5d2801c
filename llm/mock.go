package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/opengravity/opengravity/session"
)

// MockStreamer replays scripted responses, one per Stream call. Once the
// script is exhausted it echoes the last user message. It is used for local
// trials without credentials and in tests.
type MockStreamer struct {
	mu       sync.Mutex
	script   []MockResponse
	requests []Request
}

// MockResponse is one scripted response: the events to emit and an optional
// error returned after them.
type MockResponse struct {
	Events []Event
	Err    error
}

// NewMockStreamer returns a streamer replaying responses in order.
func NewMockStreamer(responses ...MockResponse) *MockStreamer {
	return &MockStreamer{script: responses}
}

// Requests returns the requests received so far.
func (m *MockStreamer) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockStreamer) Stream(ctx context.Context, req Request, emit func(Event) error) error {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var resp MockResponse
	if len(m.script) > 0 {
		resp = m.script[0]
		m.script = m.script[1:]
	} else {
		resp = MockResponse{Events: []Event{contentEvent(echo(req.Messages))}}
	}
	m.mu.Unlock()

	for _, ev := range resp.Events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(ev); err != nil {
			return err
		}
	}
	return resp.Err
}

func echo(messages []WireMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == session.RoleUser {
			return fmt.Sprintf("I am a mock LLM. You said: '%s'.", messages[i].Content)
		}
	}
	return "I am a mock LLM."
}

// Script helpers for building mock responses.

// Content returns a content event.
func Content(text string) Event { return contentEvent(text) }

// Reasoning returns a reasoning event.
func Reasoning(text string) Event { return reasoningEvent(text) }

// Fragment returns a tool call fragment event.
func Fragment(index int, id, name, args string) Event { return fragmentEvent(index, id, name, args) }
