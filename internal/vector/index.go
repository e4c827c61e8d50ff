// Package vector provides the vector index: top-k cosine similarity search over index
// entries, safe to query while it is being mutated.
package vector

import (
	"context"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/models"
)

// Filter restricts a search to entries it accepts. It is applied before ranking.
type Filter func(filePath string, kind models.SpanKind) bool

// VectorIndex stores index entries and answers similarity queries.
//
// Insert of an existing key replaces the entry. Remove of an absent key is a no-op.
// Search with k <= 0 or on an empty index returns no results. Results are ordered by
// score descending, ties broken by key ascending.
type VectorIndex interface {
	Insert(ctx context.Context, entry models.IndexEntry) error
	Remove(ctx context.Context, key string) error
	Search(ctx context.Context, query []float32, k int, filter Filter) ([]*VectorResult, error)
	Get(key string) (*models.IndexEntry, bool)
	// Entries returns a copy of every live entry ordered by key.
	Entries() []models.IndexEntry
	Len() int
	Type() string
	Save(path string) error
	Load(path string) error
	Close() error
}

// VectorResult is a single vector search hit.
type VectorResult struct {
	Key         string          `json:"key"`
	EmbeddingID string          `json:"embedding_id"`
	FilePath    string          `json:"file_path"`
	StartLine   int             `json:"start_line"`
	Kind        models.SpanKind `json:"span_kind"`
	// Score is cosine similarity in [-1, 1].
	Score float64 `json:"score"`
}

type options struct {
	m                   int
	efConstruction      int
	efSearch            int
	bruteForceThreshold int
	rebuildRatio        float64
	seed                int64
	modelVersion        string
	logger              *zap.Logger
}

func defaultOptions() options {
	return options{
		m:                   16,
		efConstruction:      200,
		efSearch:            64,
		bruteForceThreshold: 2000,
		rebuildRatio:        0.25,
		seed:                42,
		logger:              zap.NewNop(),
	}
}

// Option configures an index.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithModelVersion records the model version in saved files; Load rejects files written
// under a different version.
func WithModelVersion(version string) Option {
	return func(o *options) { o.modelVersion = version }
}

// WithGraphParams sets the graph degree and the candidate list sizes used while building and searching.
func WithGraphParams(m, efConstruction, efSearch int) Option {
	return func(o *options) {
		if m >= 2 {
			o.m = m
		}
		if efConstruction > 0 {
			o.efConstruction = efConstruction
		}
		if efSearch > 0 {
			o.efSearch = efSearch
		}
	}
}

// WithBruteForceThreshold sets the live size below which searches scan every entry.
func WithBruteForceThreshold(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.bruteForceThreshold = n
		}
	}
}

// WithRebuildRatio sets the share of tombstoned nodes that triggers a graph rebuild.
func WithRebuildRatio(r float64) Option {
	return func(o *options) {
		if r > 0 && r < 1 {
			o.rebuildRatio = r
		}
	}
}

// WithSeed seeds level assignment.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

// OptionsFromConfig maps the vector config section onto index options.
func OptionsFromConfig(cfg config.VectorConfig) []Option {
	return []Option{
		WithGraphParams(cfg.M, cfg.EfConstruction, cfg.EfSearch),
		WithBruteForceThreshold(cfg.BruteForceThreshold),
		WithRebuildRatio(cfg.RebuildRatio),
		WithSeed(cfg.Seed),
	}
}
