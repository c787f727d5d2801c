package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/opengravity/opengravity/errors"
	"github.com/opengravity/opengravity/session"
	"github.com/opengravity/opengravity/tools"
)

// BedrockStreamer streams Anthropic models hosted on AWS Bedrock.
type BedrockStreamer struct {
	client  *bedrockruntime.Client
	modelID string
	logger  *slog.Logger
}

// NewBedrockStreamer creates a streamer using the default AWS credential
// chain.
func NewBedrockStreamer(ctx context.Context, modelID string, logger *slog.Logger) (*BedrockStreamer, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to load AWS config"), errors.ErrConfiguration)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []func(*bedrockruntime.Options)
	// Custom endpoint, useful for testing.
	if endpoint := os.Getenv("BEDROCK_ENDPOINT_URL"); endpoint != "" {
		opts = append(opts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	return &BedrockStreamer{
		client:  bedrockruntime.NewFromConfig(cfg, opts...),
		modelID: modelID,
		logger:  logger,
	}, nil
}

func (b *BedrockStreamer) Stream(ctx context.Context, req Request, emit func(Event) error) error {
	messages, systemPrompt := convertMessagesToAnthropicFormat(req.Messages)
	body, err := createAnthropicRequest(messages, systemPrompt, req.Tools, req.MaxTokens)
	if err != nil {
		return errors.Wrapf(err, "failed to create Anthropic request")
	}

	resp, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to invoke Bedrock model"), errors.ErrTransport)
	}
	stream := resp.GetStream()
	defer stream.Close()

	blocks := newAnthropicBlockMapper(emit)
	for event := range stream.Events() {
		chunk, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}
		if err := decodeBedrockChunk(chunk.Value.Bytes, blocks); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return errors.Mark(errors.Wrapf(err, "Bedrock stream failed"), errors.ErrTransport)
	}
	return nil
}

// decodeBedrockChunk parses one chunk, which carries a single Anthropic
// stream event as JSON.
func decodeBedrockChunk(data []byte, blocks *anthropicBlockMapper) error {
	var event anthropic.MessageStreamEventUnion
	if err := json.Unmarshal(data, &event); err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to decode Bedrock stream chunk"), errors.ErrTransport)
	}
	return blocks.handle(event)
}

// convertMessagesToAnthropicFormat converts projected messages to the raw
// Anthropic messages format used in Bedrock request bodies.
func convertMessagesToAnthropicFormat(messages []WireMessage) ([]map[string]interface{}, string) {
	var anthropicMessages []map[string]interface{}
	var systemPrompt string
	lastWasToolResult := false

	for _, msg := range messages {
		isToolResult := false
		switch msg.Role {
		case session.RoleSystem:
			systemPrompt = msg.Content
			continue
		case session.RoleUser:
			anthropicMessages = append(anthropicMessages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{"type": "text", "text": msg.Content},
				},
			})
		case session.RoleAssistant:
			var content []map[string]interface{}
			if msg.Content != "" {
				content = append(content, map[string]interface{}{"type": "text", "text": msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": rawArguments(tc.Arguments),
				})
			}
			if len(content) == 0 {
				continue
			}
			anthropicMessages = append(anthropicMessages, map[string]interface{}{
				"role":    "assistant",
				"content": content,
			})
		case session.RoleTool:
			isToolResult = true
			result := map[string]interface{}{
				"type":        "tool_result",
				"tool_use_id": msg.ToolCallID,
				"content":     msg.Content,
			}
			if lastWasToolResult {
				last := anthropicMessages[len(anthropicMessages)-1]
				last["content"] = append(last["content"].([]map[string]interface{}), result)
			} else {
				anthropicMessages = append(anthropicMessages, map[string]interface{}{
					"role":    "user",
					"content": []map[string]interface{}{result},
				})
			}
		}
		lastWasToolResult = isToolResult
	}

	return anthropicMessages, systemPrompt
}

// createAnthropicRequest creates the request body for Anthropic models on Bedrock.
func createAnthropicRequest(messages []map[string]interface{}, systemPrompt string, availableTools []tools.Descriptor, maxTokens int64) ([]byte, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokens,
		"messages":          messages,
	}

	if systemPrompt != "" {
		request["system"] = systemPrompt
	}

	if len(availableTools) > 0 {
		var toolDefs []map[string]interface{}
		for _, tool := range availableTools {
			toolDefs = append(toolDefs, map[string]interface{}{
				"name":         tool.QualifiedName(),
				"description":  tool.Description,
				"input_schema": tool.ParameterSchema(),
			})
		}
		request["tools"] = toolDefs
	}

	return json.Marshal(request)
}
