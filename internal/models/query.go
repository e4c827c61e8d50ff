package models

import "fmt"

const (
	defaultTopK = 10
	maxTopK     = 100
)

// CodeQuery is a similarity query against the code index.
type CodeQuery struct {
	Query string `json:"query"`
	// ProjectScope restricts results to files under any of these path prefixes. Empty means all files.
	ProjectScope []string `json:"project_scope,omitempty"`
	TopK         int      `json:"top_k,omitempty"`
	// Kinds restricts results to these span kinds. Empty means all kinds.
	Kinds []SpanKind `json:"kinds,omitempty"`
	// Context lists symbols around the caller's cursor; used for dependency overlap.
	Context []string `json:"context,omitempty"`
	// ModelVersion, when set, must match the model version of the index.
	ModelVersion string `json:"model_version,omitempty"`
}

// Validate ensures the query has valid fields and sets defaults.
// Returns an error if the query text is empty; otherwise clamps TopK into (0, maxTopK].
func (q *CodeQuery) Validate() error {
	return q.ValidateWithLimits(defaultTopK, maxTopK)
}

// ValidateWithLimits is Validate with configurable default and maximum TopK.
func (q *CodeQuery) ValidateWithLimits(defTopK, limit int) error {
	if q.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if defTopK <= 0 {
		defTopK = defaultTopK
	}
	if limit <= 0 {
		limit = maxTopK
	}
	if q.TopK <= 0 {
		q.TopK = defTopK
	}
	if q.TopK > limit {
		q.TopK = limit
	}
	for i, k := range q.Kinds {
		q.Kinds[i] = NormalizeSpanKind(string(k))
	}
	return nil
}
