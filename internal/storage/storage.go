// Package storage defines the Span Store: the source of truth for which files and spans
// are indexed.
package storage

import (
	"context"

	"github.com/hyperjump/kensaku/internal/models"
)

// Meta keys persisted alongside the spans.
const (
	MetaModelVersion         = "model_version"
	MetaLastIngestionVersion = "last_ingestion_version"
)

// SpanStore holds the current mapping from (file, span) to content and metadata.
// Replacing a file's spans is atomic: readers never see a mix of old and new spans.
type SpanStore interface {
	// UpsertFileSpans replaces the file record and all of its spans, tagging them with version.
	UpsertFileSpans(ctx context.Context, file *models.ProjectFile, spans []*models.StoredSpan, version uint64) error
	// RemoveFile deletes the file and its spans. Unknown paths return a not-found error.
	RemoveFile(ctx context.Context, path string) error
	// SpansForFile returns the file's spans ordered by start line. Unknown paths return a not-found error.
	SpansForFile(ctx context.Context, path string) ([]*models.StoredSpan, error)
	// GetSpan returns the span of path starting at startLine.
	GetSpan(ctx context.Context, path string, startLine int) (*models.StoredSpan, error)
	GetFile(ctx context.Context, path string) (*models.ProjectFile, error)
	// AllFiles returns every file ordered by path.
	AllFiles(ctx context.Context) ([]*models.ProjectFile, error)

	// Touch sets the file's last seen version without changing its spans.
	Touch(ctx context.Context, path string, version uint64) error
	// StaleFiles returns files whose last seen version is below belowVersion.
	StaleFiles(ctx context.Context, belowVersion uint64) ([]*models.ProjectFile, error)

	CountFiles(ctx context.Context) (int64, error)
	CountSpans(ctx context.Context) (int64, error)

	Meta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
	// Clear drops every file, span, and meta value.
	Clear(ctx context.Context) error

	Close() error
}
