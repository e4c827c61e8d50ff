package embedding

import (
	"fmt"
	"os"

	"github.com/hyperjump/kensaku/internal/config"
)

// FromConfig builds the configured embedder wrapped in the request rate limiter.
// The OpenAI key is read from the environment variable named by cfg.APIKeyEnv.
func FromConfig(cfg config.EmbeddingConfig) (Embedder, error) {
	var inner Embedder
	switch cfg.Provider {
	case "mock", "":
		return NewMockEmbedder(cfg.Dimensions, cfg.Model), nil
	case "openai":
		e, err := NewOpenAIEmbedder(OpenAIConfig{
			APIKey:     os.Getenv(cfg.APIKeyEnv),
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
			MaxRetries: 2,
		})
		if err != nil {
			return nil, err
		}
		inner = e
	case "onnx":
		e, err := NewONNXEmbedder(cfg.ModelPath, cfg.Model, cfg.Dimensions, cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		inner = e
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
	return NewRateLimited(inner, cfg.RequestsPerSecond, cfg.Burst), nil
}
