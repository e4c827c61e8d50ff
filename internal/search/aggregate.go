package search

import (
	"sort"

	"github.com/hyperjump/kensaku/internal/vector"
)

// FileRelevance accumulates related-file hits for one path.
type FileRelevance struct {
	Path  string
	Best  float64
	Hits  int
	Score float64
}

// AggregateByFile folds span hits into per-file relevance: the best hit similarity plus
// bonus for every additional hit. Results are ordered by relevance descending, then path.
func AggregateByFile(hits []*vector.VectorResult, bonus float64) []FileRelevance {
	byPath := make(map[string]*FileRelevance)
	for _, h := range hits {
		f, ok := byPath[h.FilePath]
		if !ok {
			f = &FileRelevance{Path: h.FilePath, Best: h.Score}
			byPath[h.FilePath] = f
		}
		if h.Score > f.Best {
			f.Best = h.Score
		}
		f.Hits++
	}
	out := make([]FileRelevance, 0, len(byPath))
	for _, f := range byPath {
		f.Score = f.Best + bonus*float64(f.Hits-1)
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Path < out[j].Path
	})
	return out
}
