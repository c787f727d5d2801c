package llm

import (
	"context"
	"log/slog"
	"os"

	"github.com/opengravity/opengravity/config"
	"github.com/opengravity/opengravity/errors"
)

// NewClient builds the streaming client selected by cfg.LLMClient. Missing
// credentials or an unknown provider are configuration errors.
func NewClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	streamer, err := newStreamer(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("LLM client ready", "provider", cfg.LLMClient, "model", cfg.Model)
	return NewStreamingClient(streamer, cfg.MaxTokens, logger), nil
}

func newStreamer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Streamer, error) {
	switch cfg.LLMClient {
	case "deepseek":
		apiKey, err := requireEnv("DEEPSEEK_API_KEY")
		if err != nil {
			return nil, err
		}
		return NewDeepSeekStreamer(apiKey, cfg.BaseURL, cfg.Model, logger), nil
	case "openai":
		apiKey, err := requireEnv("OPENAI_API_KEY")
		if err != nil {
			return nil, err
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		if cfg.Model == "" {
			return nil, missingModel(cfg.LLMClient)
		}
		return NewOpenAIStreamer(apiKey, baseURL, cfg.Model, logger), nil
	case "anthropic":
		apiKey, err := requireEnv("ANTHROPIC_API_KEY")
		if err != nil {
			return nil, err
		}
		if cfg.Model == "" {
			return nil, missingModel(cfg.LLMClient)
		}
		return NewAnthropicStreamer(apiKey, cfg.BaseURL, cfg.Model, logger), nil
	case "bedrock":
		if cfg.Model == "" {
			return nil, missingModel(cfg.LLMClient)
		}
		return NewBedrockStreamer(ctx, cfg.Model, logger)
	case "gemini":
		apiKey, err := requireEnv("GEMINI_API_KEY")
		if err != nil {
			return nil, err
		}
		if cfg.Model == "" {
			return nil, missingModel(cfg.LLMClient)
		}
		return NewGeminiStreamer(ctx, apiKey, cfg.Model, logger)
	case "mock":
		return NewMockStreamer(), nil
	case "":
		return nil, errors.Mark(errors.New("no LLM provider configured; set 'llm' in %s/config.yaml", config.Dir), errors.ErrConfiguration)
	default:
		return nil, errors.Mark(errors.New("unknown LLM provider '%s'", cfg.LLMClient), errors.ErrConfiguration)
	}
}

func requireEnv(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", errors.Mark(errors.New("%s environment variable not set", name), errors.ErrConfiguration)
	}
	return v, nil
}

func missingModel(provider string) error {
	return errors.Mark(errors.New("no model configured for provider '%s'", provider), errors.ErrConfiguration)
}
