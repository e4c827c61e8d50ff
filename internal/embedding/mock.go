package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"sync/atomic"

	"github.com/hyperjump/kensaku/pkg/utils"
)

// MockEmbedder is a deterministic embedder for tests and offline use. It returns a
// fixed-dimension vector derived from the text hash so that the same text always gets
// the same embedding.
type MockEmbedder struct {
	dimensions int
	version    string
	calls      atomic.Int64
}

// NewMockEmbedder returns an embedder that produces deterministic embeddings of the given dimensions.
func NewMockEmbedder(dimensions int, modelVersion string) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	if modelVersion == "" {
		modelVersion = "mock-v1"
	}
	return &MockEmbedder{dimensions: dimensions, version: modelVersion}
}

// Embed returns a deterministic embedding based on the text hash.
func (e *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.calls.Add(1)
	h := fnv.New64a()
	h.Write([]byte(e.version))
	h.Write([]byte(text))
	seed := float64(h.Sum64()%100003) + 1
	emb := make([]float32, e.dimensions)
	for i := 0; i < e.dimensions; i++ {
		emb[i] = float32(math.Sin(seed*float64(i+1))*0.1 + 0.01)
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

// EmbedBatch calls Embed for each text.
func (e *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, texts, e.Embed)
}

// Dimensions returns the embedding dimension.
func (e *MockEmbedder) Dimensions() int {
	return e.dimensions
}

// ModelVersion returns the configured model version.
func (e *MockEmbedder) ModelVersion() string {
	return e.version
}

// Calls returns how many texts have been embedded.
func (e *MockEmbedder) Calls() int64 {
	return e.calls.Load()
}

// Close is a no-op for MockEmbedder.
func (e *MockEmbedder) Close() error {
	return nil
}
