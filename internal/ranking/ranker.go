package ranking

import (
	"sort"
	"time"
)

// Ranker computes the blended score
//
//	similarity*w1 + recency(modified_at)*w2 + overlap(context, dependencies)*w3
//
// and orders candidates by it, ties broken by key ascending.
type Ranker struct {
	config     *RankingConfig
	similarity Scorer
	recency    Scorer
	overlap    Scorer
	now        func() time.Time
}

// Option configures a Ranker.
type Option func(*Ranker)

// WithClock sets the reference clock for recency.
func WithClock(now func() time.Time) Option {
	return func(r *Ranker) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRanker creates a Ranker. A nil config uses the defaults.
func NewRanker(config *RankingConfig, opts ...Option) *Ranker {
	if config == nil {
		config = DefaultRankingConfig()
	}
	r := &Ranker{
		config:     config,
		similarity: SimilarityScorer{},
		recency:    RecencyScorer{HalfLife: config.RecencyHalfLife.Seconds()},
		overlap:    OverlapScorer{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the ranking configuration.
func (r *Ranker) Config() *RankingConfig {
	return r.config
}

// Score returns the breakdown of one candidate.
func (r *Ranker) Score(ctx *ScoringContext) ScoreBreakdown {
	b := ScoreBreakdown{
		Similarity: r.similarity.Score(ctx),
		Recency:    r.recency.Score(ctx),
		Overlap:    r.overlap.Score(ctx),
	}
	b.FinalScore = b.Similarity*r.config.SimilarityWeight +
		b.Recency*r.config.RecencyWeight +
		b.Overlap*r.config.OverlapWeight
	return b
}

// Rank scores every candidate against the query context and returns them best first with
// 1-based ranks. The clock is read once so one call uses a single reference time.
func (r *Ranker) Rank(queryContext []string, candidates []Candidate) []RankedResult {
	now := r.now()
	out := make([]RankedResult, len(candidates))
	for i, c := range candidates {
		out[i] = RankedResult{
			Candidate: c,
			Breakdown: r.Score(&ScoringContext{
				Similarity:   c.Similarity,
				ModifiedAt:   c.ModifiedAt,
				Now:          now,
				QueryContext: queryContext,
				Dependencies: c.Dependencies,
			}),
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Breakdown.FinalScore, out[j].Breakdown.FinalScore
		if a != b {
			return a > b
		}
		return out[i].Key < out[j].Key
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// TopN returns at most n results.
func TopN(results []RankedResult, n int) []RankedResult {
	if n < 0 {
		n = 0
	}
	if n >= len(results) {
		return results
	}
	return results[:n]
}
