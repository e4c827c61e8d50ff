package extract

import (
	"context"
	"strings"

	"github.com/hyperjump/kensaku/internal/models"
)

const defaultWindowLines = 200

// WholeFileExtractor emits consecutive windows of at most windowLines lines as "other" spans.
type WholeFileExtractor struct {
	windowLines int
}

// NewWholeFileExtractor creates the fallback extractor. windowLines <= 0 uses the default.
func NewWholeFileExtractor(windowLines int) *WholeFileExtractor {
	if windowLines <= 0 {
		windowLines = defaultWindowLines
	}
	return &WholeFileExtractor{windowLines: windowLines}
}

func (w *WholeFileExtractor) Supports(string) bool { return true }

// Extract splits src into windows. Blank windows are dropped.
func (w *WholeFileExtractor) Extract(ctx context.Context, path string, src []byte) ([]models.CodeSpan, error) {
	lines := splitLines(src)
	lang := LanguageOf(path)
	var spans []models.CodeSpan
	for start := 1; start <= len(lines); start += w.windowLines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+w.windowLines, len(lines)+1)
		content := sliceLines(lines, start, end)
		if strings.TrimSpace(content) == "" {
			continue
		}
		spans = append(spans, models.CodeSpan{
			FilePath:  path,
			StartLine: start,
			EndLine:   end,
			Kind:      models.SpanOther,
			Language:  lang,
			Content:   content,
		})
	}
	return spans, nil
}
