// Package models defines core data structures for project files, code spans, embeddings, and index entries.
package models

import (
	"strconv"
	"time"
)

// SpanKind classifies a code span.
type SpanKind string

const (
	SpanFunction SpanKind = "function"
	SpanClass    SpanKind = "class"
	SpanMethod   SpanKind = "method"
	SpanImport   SpanKind = "import"
	SpanOther    SpanKind = "other"
)

// NormalizeSpanKind maps extractor-specific kinds onto the closed set of span kinds.
// Unknown kinds become SpanOther.
func NormalizeSpanKind(kind string) SpanKind {
	switch SpanKind(kind) {
	case SpanFunction, SpanClass, SpanMethod, SpanImport:
		return SpanKind(kind)
	default:
		return SpanOther
	}
}

// ProjectFile is a file observed in the project. Path is unique within a project.
type ProjectFile struct {
	Path            string    `json:"path"`
	Name            string    `json:"name,omitempty"`
	FileType        string    `json:"file_type,omitempty"`
	Size            int64     `json:"size"`
	ModifiedAt      time.Time `json:"modified_at"`
	SpanCount       int       `json:"span_count"`
	SkippedSpans    int       `json:"skipped_spans,omitempty"`
	LastSeenVersion uint64    `json:"last_seen_version"`
	// Relevance is only set by related-file suggestions.
	Relevance *float64 `json:"relevance,omitempty"`
}

// FullyIndexed reports whether every span observed for the file made it into the index.
func (f *ProjectFile) FullyIndexed() bool {
	return f.SkippedSpans == 0
}

// CodeSpan is a contiguous named unit of source code. Lines are 1-based and half-open
// (StartLine < EndLine).
type CodeSpan struct {
	FilePath     string   `json:"file_path"`
	StartLine    int      `json:"start_line"`
	EndLine      int      `json:"end_line"`
	Kind         SpanKind `json:"span_kind"`
	Name         string   `json:"name,omitempty"`
	Language     string   `json:"language,omitempty"`
	Content      string   `json:"content"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// StoredSpan is a span recorded in the span store together with the embedding it was
// indexed under and the ingestion pass that recorded it.
type StoredSpan struct {
	CodeSpan
	EmbeddingID string `json:"embedding_id"`
	Version     uint64 `json:"version"`
}

// Key returns the index entry key for this span.
func (s *StoredSpan) Key() string {
	return EntryKey(s.EmbeddingID, s.FilePath, s.StartLine)
}

// CodeEmbedding is the vector computed for a span's content under one model version.
// ID is derived from the content hash so identical content shares an ID.
type CodeEmbedding struct {
	ID           string    `json:"id"`
	ModelVersion string    `json:"model_version"`
	Vector       []float32 `json:"vector"`
	Span         *CodeSpan `json:"span,omitempty"`
	Language     string    `json:"language,omitempty"`
}

// IndexEntry is the unit stored in the vector index. EmbeddingID is a back-reference into
// the embedding cache; the index keeps its own copy of the vector.
type IndexEntry struct {
	Key             string    `json:"key"`
	EmbeddingID     string    `json:"embedding_id"`
	Vector          []float32 `json:"-"`
	FilePath        string    `json:"file_path"`
	StartLine       int       `json:"start_line"`
	Kind            SpanKind  `json:"span_kind"`
	LastSeenVersion uint64    `json:"last_seen_version"`
}

// EntryKey builds the per-location key of an index entry. Keys sort by embedding ID first.
func EntryKey(embeddingID, filePath string, startLine int) string {
	return embeddingID + "|" + filePath + "#" + strconv.Itoa(startLine)
}
