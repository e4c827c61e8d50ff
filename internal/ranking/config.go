package ranking

import (
	"fmt"
	"time"

	"github.com/hyperjump/kensaku/internal/config"
)

// RankingConfig holds the blend weights and the recency half-life.
type RankingConfig struct {
	SimilarityWeight float64
	RecencyWeight    float64
	OverlapWeight    float64
	// RecencyHalfLife is the file age at which the recency score halves.
	RecencyHalfLife time.Duration
}

// DefaultRankingConfig returns the similarity-dominant defaults.
func DefaultRankingConfig() *RankingConfig {
	return &RankingConfig{
		SimilarityWeight: 0.8,
		RecencyWeight:    0.1,
		OverlapWeight:    0.1,
		RecencyHalfLife:  7 * 24 * time.Hour,
	}
}

// FromSearchConfig builds a ranking config from the search section. Unset weights keep
// their defaults; an explicit zero disables that component.
func FromSearchConfig(cfg config.SearchConfig) *RankingConfig {
	c := DefaultRankingConfig()
	if w := cfg.Weights.Similarity; w != nil {
		c.SimilarityWeight = *w
	}
	if w := cfg.Weights.Recency; w != nil {
		c.RecencyWeight = *w
	}
	if w := cfg.Weights.Overlap; w != nil {
		c.OverlapWeight = *w
	}
	if cfg.RecencyHalfLife > 0 {
		c.RecencyHalfLife = cfg.RecencyHalfLife
	}
	return c
}

// Validate rejects negative weights and a non-positive half-life.
func (c *RankingConfig) Validate() error {
	for name, w := range map[string]float64{
		"similarity": c.SimilarityWeight,
		"recency":    c.RecencyWeight,
		"overlap":    c.OverlapWeight,
	} {
		if w < 0 {
			return fmt.Errorf("%s weight must not be negative, got %v", name, w)
		}
	}
	if c.RecencyHalfLife <= 0 {
		return fmt.Errorf("recency half-life must be positive")
	}
	return nil
}
