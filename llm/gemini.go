package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/opengravity/opengravity/errors"
	"github.com/opengravity/opengravity/session"
	"github.com/opengravity/opengravity/tools"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiStreamer streams responses from the Google Gemini API.
type GeminiStreamer struct {
	client    *genai.Client
	modelName string
	logger    *slog.Logger
}

// NewGeminiStreamer creates a streamer for modelName.
func NewGeminiStreamer(ctx context.Context, apiKey, modelName string, logger *slog.Logger) (*GeminiStreamer, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to create genai client"), errors.ErrConfiguration)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiStreamer{client: client, modelName: modelName, logger: logger}, nil
}

// Stream sends the history as a chat. Gemini returns whole function calls,
// so each one is emitted as a single fragment with a generated id.
func (g *GeminiStreamer) Stream(ctx context.Context, req Request, emit func(Event) error) error {
	// A model per request keeps concurrent sessions from sharing tool
	// configuration.
	model := g.client.GenerativeModel(g.modelName)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	model.Tools = convertToolsToGeminiTools(req.Tools, g.logger)

	history, systemPrompt := convertMessagesToGeminiContent(req.Messages)
	if systemPrompt != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(systemPrompt))
	}
	if len(history) == 0 {
		return errors.Mark(errors.New("no messages to send to Gemini"), errors.ErrTransport)
	}

	// The last message is the new prompt.
	last := history[len(history)-1]
	chatSession := model.StartChat()
	chatSession.History = history[:len(history)-1]
	iter := chatSession.SendMessageStream(ctx, last.Parts...)

	index := 0
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "Gemini stream failed"), errors.ErrTransport)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			switch v := part.(type) {
			case genai.Text:
				if v == "" {
					continue
				}
				if err := emit(contentEvent(string(v))); err != nil {
					return err
				}
			case genai.FunctionCall:
				args, err := json.Marshal(v.Args)
				if err != nil {
					return errors.Mark(errors.Wrapf(err, "failed to encode arguments for '%s'", v.Name), errors.ErrProtocolViolation)
				}
				if err := emit(fragmentEvent(index, "call_"+uuid.NewString(), v.Name, string(args))); err != nil {
					return err
				}
				index++
			default:
				g.logger.Debug("ignoring unsupported Gemini part", "type", fmt.Sprintf("%T", part))
			}
		}
	}
}

// convertMessagesToGeminiContent converts projected messages to Gemini's
// content format. Tool results become function responses named after the
// call they answer.
func convertMessagesToGeminiContent(messages []WireMessage) ([]*genai.Content, string) {
	var contents []*genai.Content
	var systemPrompt string
	callNames := map[string]string{}

	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			systemPrompt = msg.Content
		case session.RoleAssistant:
			content := &genai.Content{Role: "model"}
			if msg.Content != "" {
				content.Parts = append(content.Parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				callNames[tc.ID] = tc.Name
				args, _ := tc.Args()
				content.Parts = append(content.Parts, genai.FunctionCall{Name: tc.Name, Args: args})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}
		case session.RoleTool:
			part := genai.FunctionResponse{
				Name:     callNames[msg.ToolCallID],
				Response: map[string]any{"result": msg.Content},
			}
			// Responses to one model turn share a single user content.
			if n := len(contents); n > 0 && contents[n-1].Role == "user" && isFunctionResponse(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
			} else {
				contents = append(contents, genai.NewUserContent(part))
			}
		default:
			contents = append(contents, genai.NewUserContent(genai.Text(msg.Content)))
		}
	}
	return contents, systemPrompt
}

func isFunctionResponse(c *genai.Content) bool {
	if len(c.Parts) == 0 {
		return false
	}
	_, ok := c.Parts[0].(genai.FunctionResponse)
	return ok
}

// convertToolsToGeminiTools converts descriptors to Gemini function
// declarations.
func convertToolsToGeminiTools(ts []tools.Descriptor, logger *slog.Logger) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, t := range ts {
		var raw jsonSchema
		if err := json.Unmarshal(t.ParameterSchema(), &raw); err != nil {
			logger.Warn("tool schema is not an object, sending an empty schema", "tool", t.QualifiedName(), "error", err)
		}
		params := raw.toGenai()
		params.Type = genai.TypeObject
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        t.QualifiedName(),
			Description: t.Description,
			Parameters:  params,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// jsonSchema is the part of JSON Schema that Gemini understands.
type jsonSchema struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Enum        []string               `json:"enum"`
	Items       *jsonSchema            `json:"items"`
	Properties  map[string]*jsonSchema `json:"properties"`
	Required    []string               `json:"required"`
}

func (s *jsonSchema) toGenai() *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        geminiType(s.Type),
		Description: s.Description,
		Enum:        s.Enum,
		Items:       s.Items.toGenai(),
		Required:    s.Required,
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = prop.toGenai()
		}
	}
	return out
}

func geminiType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}
