package llm

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/opengravity/opengravity/errors"
	"github.com/opengravity/opengravity/session"
	"github.com/opengravity/opengravity/tools"
)

// AnthropicStreamer streams responses from the Anthropic Messages API.
type AnthropicStreamer struct {
	client *anthropic.Client
	model  string
	logger *slog.Logger
}

// NewAnthropicStreamer creates a streamer for model.
func NewAnthropicStreamer(apiKey, baseURL, model string, logger *slog.Logger, opts ...option.RequestOption) *AnthropicStreamer {
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	options = append(options, opts...)
	if logger == nil {
		logger = slog.Default()
	}

	client := anthropic.NewClient(options...)
	return &AnthropicStreamer{client: &client, model: model, logger: logger}
}

func (a *AnthropicStreamer) Stream(ctx context.Context, req Request, emit func(Event) error) error {
	messages, systemPrompt := convertMessagesToAnthropicMessages(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: req.MaxTokens,
		Messages:  messages,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	for _, toolParam := range convertToolsToAnthropicTools(req.Tools) {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	blocks := newAnthropicBlockMapper(emit)
	for stream.Next() {
		if err := blocks.handle(stream.Current()); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return errors.Mark(errors.Wrapf(err, "Anthropic stream failed"), errors.ErrTransport)
	}
	return nil
}

// anthropicBlockMapper translates Anthropic stream events into Events.
// Content block indexes count text and thinking blocks too, so tool_use
// blocks are renumbered into a dense tool call index.
type anthropicBlockMapper struct {
	emit     func(Event) error
	toolCall map[int64]int
}

func newAnthropicBlockMapper(emit func(Event) error) *anthropicBlockMapper {
	return &anthropicBlockMapper{emit: emit, toolCall: make(map[int64]int)}
}

func (m *anthropicBlockMapper) handle(event anthropic.MessageStreamEventUnion) error {
	switch variant := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		if variant.ContentBlock.Type != "tool_use" {
			return nil
		}
		idx := len(m.toolCall)
		m.toolCall[variant.Index] = idx
		return m.emit(fragmentEvent(idx, variant.ContentBlock.ID, variant.ContentBlock.Name, ""))

	case anthropic.ContentBlockDeltaEvent:
		switch delta := variant.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return m.emit(contentEvent(delta.Text))
		case anthropic.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			return m.emit(reasoningEvent(delta.Thinking))
		case anthropic.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			idx, ok := m.toolCall[variant.Index]
			if !ok {
				// Route through the assembler so the unopened index is
				// reported as a protocol violation.
				idx = len(m.toolCall) + int(variant.Index) + 1
			}
			return m.emit(fragmentEvent(idx, "", "", delta.PartialJSON))
		}
	}
	return nil
}

// convertMessagesToAnthropicMessages converts projected messages to
// Anthropic's format. System messages become the system prompt and
// consecutive tool results share one user message.
func convertMessagesToAnthropicMessages(messages []WireMessage) ([]anthropic.MessageParam, string) {
	var anthropicMessages []anthropic.MessageParam
	var systemPrompt string
	lastWasToolResult := false

	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			systemPrompt = msg.Content
			continue
		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, rawArguments(tc.Arguments), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			anthropicMessages = append(anthropicMessages, anthropic.NewAssistantMessage(blocks...))
		case session.RoleTool:
			block := anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)
			if lastWasToolResult {
				last := &anthropicMessages[len(anthropicMessages)-1]
				last.Content = append(last.Content, block)
			} else {
				anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(block))
			}
			lastWasToolResult = true
			continue
		default:
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
		lastWasToolResult = false
	}

	return anthropicMessages, systemPrompt
}

// convertToolsToAnthropicTools converts descriptors to Anthropic tools.
func convertToolsToAnthropicTools(ts []tools.Descriptor) []anthropic.ToolParam {
	if len(ts) == 0 {
		return nil
	}

	anthropicTools := make([]anthropic.ToolParam, 0, len(ts))
	for _, t := range ts {
		var schema struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		_ = json.Unmarshal(t.ParameterSchema(), &schema)
		if schema.Properties == nil {
			schema.Properties = map[string]any{}
		}

		tp := anthropic.ToolParam{
			Name: t.QualifiedName(),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}
		if t.Description != "" {
			tp.Description = anthropic.String(t.Description)
		}
		anthropicTools = append(anthropicTools, tp)
	}
	return anthropicTools
}

// rawArguments returns the call arguments as JSON, defaulting to an empty
// object.
func rawArguments(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	return args
}
