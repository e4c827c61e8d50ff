// Package extract turns source files into code spans. It is the span extractor the CLI and
// the server hand to the ingestion pipeline; the index itself never parses source text.
package extract

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/kensaku/internal/models"
)

// ErrBinary is returned for files that look like binary data.
var ErrBinary = errors.New("binary file")

// SpanExtractor decomposes one file into non-overlapping spans ordered by start line.
type SpanExtractor interface {
	Extract(ctx context.Context, path string, src []byte) ([]models.CodeSpan, error)
	Supports(path string) bool
}

// Extractor tries the tree-sitter extractor first and falls back to whole-file windows for
// files without a registered grammar or whose grammar yields no spans.
type Extractor struct {
	tree     *TreeSitterExtractor
	fallback *WholeFileExtractor
}

// NewExtractor returns an extractor with every built-in grammar registered.
func NewExtractor() *Extractor {
	return &Extractor{
		tree:     NewTreeSitterExtractor(DefaultRegistry()),
		fallback: NewWholeFileExtractor(0),
	}
}

// Supports reports true for every path; unknown languages use the fallback.
func (e *Extractor) Supports(string) bool { return true }

// Extract returns the spans of src.
func (e *Extractor) Extract(ctx context.Context, path string, src []byte) ([]models.CodeSpan, error) {
	if e.tree.Supports(path) {
		spans, err := e.tree.Extract(ctx, path, src)
		if err != nil {
			return nil, err
		}
		if len(spans) > 0 {
			return spans, nil
		}
	}
	return e.fallback.Extract(ctx, path, src)
}

// Load reads the file at root/rel and builds its change event. The event's paths are rel in
// slash form so that project scopes behave the same on every platform.
func Load(ctx context.Context, ex SpanExtractor, root, rel string) (models.FileEvent, error) {
	abs := rel
	if !filepath.IsAbs(rel) {
		abs = filepath.Join(root, rel)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return models.FileEvent{}, err
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		return models.FileEvent{}, err
	}
	if isBinary(src) {
		return models.FileEvent{}, ErrBinary
	}
	path := RelPath(root, abs)
	spans, err := ex.Extract(ctx, path, src)
	if err != nil {
		return models.FileEvent{}, err
	}
	file := models.ProjectFile{
		Path:       path,
		Name:       filepath.Base(abs),
		FileType:   strings.TrimPrefix(filepath.Ext(abs), "."),
		Size:       info.Size(),
		ModifiedAt: info.ModTime(),
	}
	return models.FileChanged(file, spans), nil
}

// RelPath returns path relative to root in slash form. Paths outside root are returned
// unchanged.
func RelPath(root, path string) string {
	if root == "" {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// LanguageOf names the language of path by extension, or "" when unknown.
func LanguageOf(path string) string {
	return languageByExt[strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))]
}

var languageByExt = map[string]string{
	"go":   "go",
	"py":   "python",
	"pyi":  "python",
	"js":   "javascript",
	"jsx":  "javascript",
	"mjs":  "javascript",
	"cjs":  "javascript",
	"ts":   "typescript",
	"tsx":  "typescript",
	"rs":   "rust",
	"java": "java",
	"c":    "c",
	"h":    "c",
	"cpp":  "cpp",
	"rb":   "ruby",
}

func isBinary(src []byte) bool {
	head := src
	if len(head) > 8000 {
		head = head[:8000]
	}
	return bytes.IndexByte(head, 0) >= 0
}

// splitLines splits src into lines without their terminators. A trailing newline does not
// start a further line.
func splitLines(src []byte) []string {
	s := strings.TrimSuffix(string(src), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// sliceLines returns the text of 1-based half-open line range [start, end).
func sliceLines(lines []string, start, end int) string {
	start = max(start-1, 0)
	end = min(end-1, len(lines))
	if start >= end {
		return ""
	}
	return strings.Join(lines[start:end], "\n")
}
