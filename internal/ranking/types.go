// Package ranking blends vector similarity with recency and dependency overlap into the
// score used to order code search results.
package ranking

import "time"

// ScoringContext is everything a scorer may look at for one candidate.
type ScoringContext struct {
	// Similarity is the cosine similarity between the query and the span, in [-1, 1].
	Similarity float64
	// ModifiedAt is the modification time of the span's file.
	ModifiedAt time.Time
	// Now is the reference time for recency.
	Now time.Time
	// QueryContext holds the symbols the caller is working with.
	QueryContext []string
	// Dependencies are the symbols the span references.
	Dependencies []string
}

// Scorer is one component of the blended score.
type Scorer interface {
	Score(ctx *ScoringContext) float64
	Name() string
}

// Candidate is a search hit before reranking.
type Candidate struct {
	Key          string
	Similarity   float64
	ModifiedAt   time.Time
	Dependencies []string
}

// ScoreBreakdown holds the component scores of one candidate.
type ScoreBreakdown struct {
	FinalScore float64 `json:"final_score"`
	Similarity float64 `json:"similarity"`
	Recency    float64 `json:"recency"`
	Overlap    float64 `json:"overlap"`
}

// RankedResult is a candidate with its computed score.
type RankedResult struct {
	Candidate
	Breakdown ScoreBreakdown
	Rank      int
}
