package ranking

import "math"

// SimilarityScorer passes the vector similarity through.
type SimilarityScorer struct{}

func (SimilarityScorer) Name() string { return "similarity" }

func (SimilarityScorer) Score(ctx *ScoringContext) float64 {
	return ctx.Similarity
}

// RecencyScorer decays exponentially with file age: 1 for a file modified now, 0.5 after one
// half-life. Files without a modification time score 0; times in the future score 1.
type RecencyScorer struct {
	HalfLife float64 // seconds
}

func (RecencyScorer) Name() string { return "recency" }

func (s RecencyScorer) Score(ctx *ScoringContext) float64 {
	if ctx.ModifiedAt.IsZero() || s.HalfLife <= 0 {
		return 0
	}
	age := ctx.Now.Sub(ctx.ModifiedAt).Seconds()
	if age <= 0 {
		return 1
	}
	return math.Exp2(-age / s.HalfLife)
}

// OverlapScorer is the share of distinct query context symbols the span depends on.
type OverlapScorer struct{}

func (OverlapScorer) Name() string { return "overlap" }

func (OverlapScorer) Score(ctx *ScoringContext) float64 {
	return Overlap(ctx.QueryContext, ctx.Dependencies)
}

// Overlap returns |context ∩ deps| / |context| over distinct non-empty symbols, or 0 when
// context is empty.
func Overlap(context, deps []string) float64 {
	want := make(map[string]bool, len(context))
	for _, c := range context {
		if c != "" {
			want[c] = true
		}
	}
	if len(want) == 0 {
		return 0
	}
	hit := 0
	for _, d := range deps {
		if want[d] {
			hit++
			delete(want, d)
		}
	}
	return float64(hit) / float64(hit+len(want))
}
