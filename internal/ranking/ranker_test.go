package ranking

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/hyperjump/kensaku/internal/config"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return epoch }

func TestRecencyScorer(t *testing.T) {
	s := RecencyScorer{HalfLife: (24 * time.Hour).Seconds()}
	tests := []struct {
		name     string
		modified time.Time
		want     float64
	}{
		{"now", epoch, 1},
		{"one half-life", epoch.Add(-24 * time.Hour), 0.5},
		{"two half-lives", epoch.Add(-48 * time.Hour), 0.25},
		{"future", epoch.Add(time.Hour), 1},
		{"unknown", time.Time{}, 0},
	}
	for _, tt := range tests {
		got := s.Score(&ScoringContext{ModifiedAt: tt.modified, Now: epoch})
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s: recency = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestOverlap(t *testing.T) {
	tests := []struct {
		context, deps []string
		want          float64
	}{
		{nil, []string{"a"}, 0},
		{[]string{"a", "b"}, nil, 0},
		{[]string{"a", "b"}, []string{"a"}, 0.5},
		{[]string{"a", "b"}, []string{"b", "a", "c"}, 1},
		{[]string{"a", "a", "b", ""}, []string{"a", "a"}, 0.5},
		{[]string{"x"}, []string{"y"}, 0},
	}
	for _, tt := range tests {
		if got := Overlap(tt.context, tt.deps); got != tt.want {
			t.Errorf("Overlap(%v, %v) = %v, want %v", tt.context, tt.deps, got, tt.want)
		}
	}
}

func TestRanker_DefaultBlend(t *testing.T) {
	r := NewRanker(nil, WithClock(fixedClock))
	b := r.Score(&ScoringContext{
		Similarity:   0.5,
		ModifiedAt:   epoch.Add(-7 * 24 * time.Hour),
		Now:          epoch,
		QueryContext: []string{"Open", "Close"},
		Dependencies: []string{"Open"},
	})
	want := 0.5*0.8 + 0.5*0.1 + 0.5*0.1
	if math.Abs(b.FinalScore-want) > 1e-9 {
		t.Errorf("FinalScore = %v, want %v (%+v)", b.FinalScore, want, b)
	}
}

func TestRanker_RankOrdersByScoreThenKey(t *testing.T) {
	r := NewRanker(&RankingConfig{SimilarityWeight: 1, RecencyHalfLife: time.Hour}, WithClock(fixedClock))
	got := r.Rank(nil, []Candidate{
		{Key: "c", Similarity: 0.5},
		{Key: "a", Similarity: 0.9},
		{Key: "b", Similarity: 0.5},
		{Key: "d", Similarity: -0.2},
	})
	var keys string
	for i, res := range got {
		keys += res.Key
		if res.Rank != i+1 {
			t.Errorf("rank of %s = %d, want %d", res.Key, res.Rank, i+1)
		}
	}
	if keys != "abcd" {
		t.Errorf("order = %s, want abcd", keys)
	}
}

func TestRanker_ZeroWeightIgnoresComponent(t *testing.T) {
	r := NewRanker(&RankingConfig{SimilarityWeight: 1, RecencyWeight: 0, OverlapWeight: 0, RecencyHalfLife: time.Hour}, WithClock(fixedClock))
	got := r.Rank([]string{"x"}, []Candidate{
		{Key: "fresh", Similarity: 0.4, ModifiedAt: epoch, Dependencies: []string{"x"}},
		{Key: "similar", Similarity: 0.6},
	})
	if got[0].Key != "similar" {
		t.Errorf("top = %s, want similar", got[0].Key)
	}
}

// The score gap between two candidates moves monotonically with each weight in the
// direction of that component's difference while the other two weights stay fixed.
func TestRanker_WeightPropertyOneVariesTwoFixed(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	components := []string{"similarity", "recency", "overlap"}
	for trial := 0; trial < 200; trial++ {
		a := randomContext(rng)
		b := randomContext(rng)
		fixed := [3]float64{rng.Float64(), rng.Float64(), rng.Float64()}
		for c, name := range components {
			t.Run(fmt.Sprintf("%s/%d", name, trial), func(t *testing.T) {
				prevGap := math.Inf(-1)
				var first ScoreBreakdown
				for step := 0; step <= 10; step++ {
					w := fixed
					w[c] = float64(step) / 10
					r := NewRanker(&RankingConfig{
						SimilarityWeight: w[0], RecencyWeight: w[1], OverlapWeight: w[2],
						RecencyHalfLife: 24 * time.Hour,
					})
					sa, sb := r.Score(a), r.Score(b)
					if step == 0 {
						first = sa
					}
					delta := component(sa, c) - component(sb, c)
					gap := sa.FinalScore - sb.FinalScore
					if step > 0 {
						if delta >= 0 && gap < prevGap-1e-12 {
							t.Fatalf("gap decreased from %v to %v with delta %v", prevGap, gap, delta)
						}
						if delta <= 0 && gap > prevGap+1e-12 {
							t.Fatalf("gap increased from %v to %v with delta %v", prevGap, gap, delta)
						}
					}
					prevGap = gap
					for other := range components {
						if other != c && component(sa, other) != component(first, other) {
							t.Fatalf("component %s changed while varying %s", components[other], name)
						}
					}
				}
			})
		}
	}
}

func component(b ScoreBreakdown, i int) float64 {
	switch i {
	case 0:
		return b.Similarity
	case 1:
		return b.Recency
	default:
		return b.Overlap
	}
}

func randomContext(rng *rand.Rand) *ScoringContext {
	symbols := []string{"Open", "Close", "Read", "Write", "Seek"}
	var deps []string
	for _, s := range symbols {
		if rng.IntN(2) == 0 {
			deps = append(deps, s)
		}
	}
	return &ScoringContext{
		Similarity:   rng.Float64()*2 - 1,
		ModifiedAt:   epoch.Add(-time.Duration(rng.IntN(30*24)) * time.Hour),
		Now:          epoch,
		QueryContext: symbols[:3],
		Dependencies: deps,
	}
}

func TestFromSearchConfig(t *testing.T) {
	zero := 0.0
	half := 0.5
	cfg := config.SearchConfig{RecencyHalfLife: time.Hour}
	cfg.Weights.Recency = &zero
	cfg.Weights.Overlap = &half
	got := FromSearchConfig(cfg)
	if got.SimilarityWeight != 0.8 || got.RecencyWeight != 0 || got.OverlapWeight != 0.5 || got.RecencyHalfLife != time.Hour {
		t.Errorf("FromSearchConfig = %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	neg := -1.0
	cfg.Weights.Similarity = &neg
	if err := FromSearchConfig(cfg).Validate(); err == nil {
		t.Error("expected negative weight to be rejected")
	}
}

func TestTopN(t *testing.T) {
	rs := make([]RankedResult, 5)
	if len(TopN(rs, 3)) != 3 || len(TopN(rs, 10)) != 5 || len(TopN(rs, -1)) != 0 {
		t.Error("TopN bounds")
	}
}
