// Package cli formats query results for the kensaku command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/search"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact prints one line per result: path:start-end score.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

const (
	previewLines = 8
	previewBytes = 600
)

// ParseOutputFormat maps a flag value onto an output format. Unknown values fall back to text.
func ParseOutputFormat(s string) OutputFormat {
	switch OutputFormat(strings.ToLower(strings.TrimSpace(s))) {
	case OutputJSON:
		return OutputJSON
	case OutputCompact:
		return OutputCompact
	default:
		return OutputText
	}
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, response)
	case OutputCompact:
		for _, r := range response.Results {
			fmt.Fprintf(w, "%s:%d-%d\t%.4f\t%s\n", r.Span.FilePath, r.Span.StartLine, r.Span.EndLine-1, r.Score, spanLabel(r.Span))
		}
		return nil
	default:
		writeSearchResultsText(w, response)
		return nil
	}
}

func writeSearchResultsText(w io.Writer, response *models.SearchResponse) {
	fmt.Fprintf(w, "\nFound %d results in %dms", response.Total, response.QueryTime)
	if len(response.Results) < response.Total {
		fmt.Fprintf(w, " (showing %d)", len(response.Results))
	}
	fmt.Fprintln(w)
	if response.Reason != "" {
		fmt.Fprintf(w, "Reason: %s\n", response.Reason)
	}
	fmt.Fprintln(w)
	for _, result := range response.Results {
		writeOneResult(w, result)
	}
}

func writeOneResult(w io.Writer, result *models.SearchResult) {
	span := result.Span
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "#%d %s:%d-%d  %s\n", result.Rank, span.FilePath, span.StartLine, span.EndLine-1, spanLabel(span))
	fmt.Fprintf(w, "Score: %.4f (similarity %.4f, recency %.4f, overlap %.4f)\n",
		result.Score, result.Similarity, result.Recency, result.Overlap)
	fmt.Fprintf(w, "\n%s\n\n", search.Highlight(span.Content, previewLines, previewBytes))
}

func spanLabel(span *models.StoredSpan) string {
	if span.Name == "" {
		return string(span.Kind)
	}
	return string(span.Kind) + " " + span.Name
}

// WriteFiles writes a file listing, such as related-file suggestions.
func WriteFiles(w io.Writer, files []*models.ProjectFile, format OutputFormat) error {
	if format == OutputJSON {
		if files == nil {
			files = []*models.ProjectFile{}
		}
		return writeJSON(w, map[string]any{"files": files})
	}
	if len(files) == 0 {
		fmt.Fprintln(w, "No files.")
		return nil
	}
	for _, f := range files {
		if f.Relevance != nil {
			fmt.Fprintf(w, "%.4f\t%s\n", *f.Relevance, f.Path)
			continue
		}
		fmt.Fprintf(w, "%s\t%d spans\n", f.Path, f.SpanCount)
	}
	return nil
}

// WriteStatus writes an index status summary.
func WriteStatus(w io.Writer, status *models.IndexStatus, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, status)
	}
	fmt.Fprintf(w, "Files indexed:     %d\n", status.FilesIndexed)
	fmt.Fprintf(w, "Spans indexed:     %d\n", status.SpansIndexed)
	fmt.Fprintf(w, "Ingestion version: %d\n", status.LastIngestionVersion)
	fmt.Fprintf(w, "Vector index:      %s (%d entries)\n", status.VectorIndexType, status.VectorIndexSize)
	fmt.Fprintf(w, "Model version:     %s\n", status.ModelVersion)
	c := status.Cache
	fmt.Fprintf(w, "Embedding cache:   %d/%d (hits %d, misses %d, computations %d, evictions %d)\n",
		c.Size, c.Capacity, c.Hits, c.Misses, c.Computations, c.Evictions)
	if status.DiskUsageBytes != nil {
		fmt.Fprintf(w, "Disk usage:        %s\n", FormatBytes(*status.DiskUsageBytes))
	}
	if len(status.NotFullyIndexed) > 0 {
		fmt.Fprintf(w, "Not fully indexed: %s\n", strings.Join(status.NotFullyIndexed, ", "))
	}
	return nil
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	return writeJSON(w, v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintSearchResults prints search results to stdout in text format.
func PrintSearchResults(response *models.SearchResponse) {
	_ = WriteSearchResults(os.Stdout, response, OutputText)
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
