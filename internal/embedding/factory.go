package embedding

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/scrypster/recall/internal/config"
)

// NewClient creates the Client selected by cfg.Provider.
func NewClient(cfg config.EmbeddingConfig) (Client, error) {
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.OllamaModel,
			Timeout: cfg.Timeout,
		}), nil
	case "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
			Timeout: cfg.Timeout,
		}), nil
	case "hash":
		return NewHashClient(cfg.HashDimension), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", cfg.Provider)
	}
}

// NewFromConfig builds a Provider around the configured client.
func NewFromConfig(cfg config.EmbeddingConfig, logger zerolog.Logger) (*Provider, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewProvider(client, nil, ProviderConfig{
		MaxTokens:     cfg.MaxTokens,
		Timeout:       cfg.Timeout,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
		Breaker: CircuitBreakerConfig{
			MaxFailures: cfg.MaxFailures,
			Timeout:     cfg.OpenTimeout,
		},
	}, logger), nil
}
