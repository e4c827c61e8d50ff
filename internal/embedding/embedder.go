// Package embedding provides text embedders and the single-flight embedding cache.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Embedder produces vector embeddings for text. Vectors are unit length.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// ModelVersion identifies the model; embeddings from different versions are not comparable.
	ModelVersion() string
	Close() error
}

// EmbeddingID derives the stable identity of an embedding from its content and model version.
func EmbeddingID(content, modelVersion string) string {
	h := sha256.New()
	h.Write([]byte(modelVersion))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// embedEach calls embed for each text in order.
func embedEach(ctx context.Context, texts []string, embed func(context.Context, string) ([]float32, error)) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}
