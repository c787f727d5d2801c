package llm

import (
	"context"
	"log/slog"

	"github.com/opengravity/opengravity/errors"
	"github.com/opengravity/opengravity/session"
	"github.com/opengravity/opengravity/tools"
)

// Markers prefixed to the content of a turn that failed inside the client.
const (
	APIErrorMarker      = "[API Error]"
	ProtocolErrorMarker = "[Protocol Error]"
)

// Client produces one assistant message per call. Implementations never
// fail: errors are rendered into the returned message.
type Client interface {
	Complete(ctx context.Context, history []session.Message, available []tools.Descriptor, sink Sink) *session.Message
}

// Streamer is implemented per provider. Stream sends req and calls emit for
// every event in arrival order. An error from emit aborts the stream and is
// returned unchanged.
type Streamer interface {
	Stream(ctx context.Context, req Request, emit func(Event) error) error
}

// Request is the provider-independent completion request.
type Request struct {
	Messages  []WireMessage
	Tools     []tools.Descriptor
	MaxTokens int64
}

// WireMessage is the projection of a session message that is sent to a
// provider. It has no reasoning field.
type WireMessage struct {
	Role       session.Role
	Content    string
	ToolCalls  []session.ToolCall
	ToolCallID string
}

// Project strips display-only fields from the history.
func Project(history []session.Message) []WireMessage {
	out := make([]WireMessage, 0, len(history))
	for _, m := range history {
		out = append(out, WireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

// StreamingClient adapts a Streamer to Client, assembling the stream into a
// message.
type StreamingClient struct {
	streamer  Streamer
	maxTokens int64
	logger    *slog.Logger
}

// NewStreamingClient wraps s. A non-positive maxTokens selects the default.
func NewStreamingClient(s Streamer, maxTokens int64, logger *slog.Logger) *StreamingClient {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamingClient{streamer: s, maxTokens: maxTokens, logger: logger}
}

// DefaultMaxTokens bounds the length of one response.
const DefaultMaxTokens = 8000

// Complete streams one response. Transport failures and malformed tool call
// fragments end the response with an error message that carries no tool
// calls; the error text is also emitted to sink as content.
func (c *StreamingClient) Complete(ctx context.Context, history []session.Message, available []tools.Descriptor, sink Sink) *session.Message {
	asm := NewAssembler(sink)
	req := Request{
		Messages:  Project(history),
		Tools:     available,
		MaxTokens: c.maxTokens,
	}

	if err := c.streamer.Stream(ctx, req, asm.Push); err != nil {
		if errors.Is(err, errors.ErrProtocolViolation) {
			return c.fail(asm, sink, ProtocolErrorMarker, err)
		}
		return c.fail(asm, sink, APIErrorMarker, err)
	}

	calls, err := asm.Finish()
	if err != nil {
		return c.fail(asm, sink, ProtocolErrorMarker, err)
	}

	c.logger.Debug("completion finished",
		"content_bytes", len(asm.Content()),
		"reasoning_bytes", len(asm.Reasoning()),
		"tool_calls", len(calls))
	return &session.Message{
		Role:      session.RoleAssistant,
		Content:   asm.Content(),
		Reasoning: asm.Reasoning(),
		ToolCalls: calls,
	}
}

func (c *StreamingClient) fail(asm *Assembler, sink Sink, marker string, err error) *session.Message {
	c.logger.Warn("completion failed", "marker", marker, "error", err)
	text := marker + ": " + err.Error()
	if sink != nil {
		sink(contentEvent(text))
	}
	return &session.Message{
		Role:      session.RoleAssistant,
		Content:   text,
		Reasoning: asm.Reasoning(),
	}
}
