package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/respjson"
	"github.com/opengravity/opengravity/errors"
	"github.com/opengravity/opengravity/session"
	"github.com/opengravity/opengravity/tools"
)

// DeepSeek endpoint and reasoning model, served over the OpenAI protocol.
const (
	DeepSeekBaseURL = "https://api.deepseek.com"
	DeepSeekModel   = "deepseek-reasoner"
)

// OpenAIStreamer streams chat completions from the OpenAI API or any
// compatible endpoint. Reasoning deltas are read from the non-standard
// reasoning_content field when the endpoint provides it.
type OpenAIStreamer struct {
	client *openai.Client
	model  string
	// legacyMaxTokens sends max_tokens instead of max_completion_tokens.
	legacyMaxTokens bool
	logger          *slog.Logger
}

// NewOpenAIStreamer creates a streamer for model. baseURL may be empty.
func NewOpenAIStreamer(apiKey, baseURL, model string, logger *slog.Logger, opts ...option.RequestOption) *OpenAIStreamer {
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	options = append(options, opts...)
	if logger == nil {
		logger = slog.Default()
	}

	// The &c is required, do not replace and just use c
	c := openai.NewClient(options...)
	return &OpenAIStreamer{client: &c, model: model, logger: logger}
}

// NewDeepSeekStreamer creates a streamer for the DeepSeek API.
func NewDeepSeekStreamer(apiKey, baseURL, model string, logger *slog.Logger, opts ...option.RequestOption) *OpenAIStreamer {
	if baseURL == "" {
		baseURL = DeepSeekBaseURL
	}
	if model == "" {
		model = DeepSeekModel
	}
	s := NewOpenAIStreamer(apiKey, baseURL, model, logger, opts...)
	s.legacyMaxTokens = true
	return s
}

func (o *OpenAIStreamer) Stream(ctx context.Context, req Request, emit func(Event) error) error {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenaiContent(req.Messages, o.logger),
		Tools:    convertToolsToOpenAITools(req.Tools, o.logger),
	}
	if req.MaxTokens > 0 {
		if o.legacyMaxTokens {
			params.MaxTokens = openai.Int(req.MaxTokens)
		} else {
			params.MaxCompletionTokens = openai.Int(req.MaxTokens)
		}
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if reasoning := extraString(delta.JSON.ExtraFields, "reasoning_content"); reasoning != "" {
			if err := emit(reasoningEvent(reasoning)); err != nil {
				return err
			}
		}
		if delta.Content != "" {
			if err := emit(contentEvent(delta.Content)); err != nil {
				return err
			}
		}
		for _, tc := range delta.ToolCalls {
			if err := emit(fragmentEvent(int(tc.Index), tc.ID, tc.Function.Name, tc.Function.Arguments)); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return errors.Mark(errors.Wrapf(err, "OpenAI stream failed"), errors.ErrTransport)
	}
	return nil
}

// extraString decodes a string-valued field the SDK does not model.
func extraString(fields map[string]respjson.Field, key string) string {
	field, ok := fields[key]
	if !ok {
		return ""
	}
	raw := strings.TrimSpace(field.Raw())
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return ""
	}
	return s
}

// convertMessagesToOpenaiContent converts projected messages to OpenAI's
// chat format.
func convertMessagesToOpenaiContent(messages []WireMessage, logger *slog.Logger) []openai.ChatCompletionMessageParamUnion {
	chatMessages := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			chatMessages = append(chatMessages, openai.SystemMessage(msg.Content))
		case session.RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Arguments)
				if args == "" {
					args = "{}"
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: args,
						},
					},
				})
			}
			chatMessages = append(chatMessages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case session.RoleTool:
			if msg.ToolCallID == "" {
				logger.Warn("tool message without a call id, skipping")
				continue
			}
			chatMessages = append(chatMessages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
		}
	}
	return chatMessages
}

// convertToolsToOpenAITools converts descriptors to function tools. The
// declared schema is passed through unchanged.
func convertToolsToOpenAITools(ts []tools.Descriptor, logger *slog.Logger) []openai.ChatCompletionToolUnionParam {
	if len(ts) == 0 {
		return nil
	}
	openAITools := make([]openai.ChatCompletionToolUnionParam, 0, len(ts))
	for _, t := range ts {
		var params openai.FunctionParameters
		if err := json.Unmarshal(t.ParameterSchema(), &params); err != nil {
			logger.Warn("tool schema is not an object, sending an empty schema", "tool", t.QualifiedName(), "error", err)
			params = openai.FunctionParameters{"type": "object", "properties": map[string]any{}}
		}

		def := openai.FunctionDefinitionParam{
			Name:       t.QualifiedName(),
			Parameters: params,
		}
		if t.Description != "" {
			def.Description = openai.String(t.Description)
		}
		openAITools = append(openAITools, openai.ChatCompletionFunctionTool(def))
	}
	return openAITools
}
