package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hyperjump/kensaku/pkg/utils"
)

// OpenAIConfig holds settings for the OpenAI embeddings endpoint.
type OpenAIConfig struct {
	APIKey string
	// BaseURL is optional; set it to use an OpenAI-compatible local server.
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
	MaxRetries int
}

// OpenAIEmbedder embeds text with the OpenAI embeddings API. The model name is the model version.
type OpenAIEmbedder struct {
	client     openaisdk.Client
	model      string
	dimensions int
}

// NewOpenAIEmbedder creates an embedder. The API key may be empty only when BaseURL points at
// a server that does not check it.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai: missing api key")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("openai: dimensions must be positive")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &OpenAIEmbedder{
		client:     openaisdk.NewClient(opts...),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed returns the embedding for one text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("openai: no embeddings returned")
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in one request. Results keep the order of texts.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	params := openaisdk.EmbeddingNewParams{
		Input:          openaisdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          openaisdk.EmbeddingModel(e.model),
		EncodingFormat: openaisdk.EmbeddingNewParamsEncodingFormatFloat,
	}
	// Only the v3 models accept a dimensions override.
	if strings.HasPrefix(e.model, "text-embedding-3") {
		params.Dimensions = openaisdk.Int(int64(e.dimensions))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: embeddings request: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(texts) {
			return nil, fmt.Errorf("openai: embedding index %d out of range", d.Index)
		}
		if len(d.Embedding) != e.dimensions {
			return nil, fmt.Errorf("openai: embedding has %d dimensions, want %d", len(d.Embedding), e.dimensions)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		utils.NormalizeL2(vec)
		vectors[d.Index] = vec
	}
	return vectors, nil
}

// Dimensions returns the embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

// ModelVersion returns the model name.
func (e *OpenAIEmbedder) ModelVersion() string {
	return e.model
}

// Close is a no-op; the SDK client holds no resources.
func (e *OpenAIEmbedder) Close() error {
	return nil
}
