package embedding

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited wraps an embedder so that calls to the embedding service stay under a request rate.
type RateLimited struct {
	Embedder
	limiter *rate.Limiter
}

// NewRateLimited limits inner to rps requests per second with the given burst.
func NewRateLimited(inner Embedder, rps float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &RateLimited{Embedder: inner, limiter: rate.NewLimiter(limit, burst)}
}

// Embed waits for a token, then embeds text.
func (r *RateLimited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.Embedder.Embed(ctx, text)
}

// EmbedBatch counts one request per batch.
func (r *RateLimited) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.Embedder.EmbedBatch(ctx, texts)
}
