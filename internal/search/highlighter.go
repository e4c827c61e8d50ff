package search

import (
	"strings"

	"github.com/hyperjump/kensaku/pkg/utils"
)

// Highlight returns a preview of span content: its first maxLines lines, with leading and
// trailing blank lines dropped, truncated to maxLen bytes. Zero limits disable either cut.
func Highlight(content string, maxLines, maxLen int) string {
	content = strings.Trim(content, "\n")
	if maxLines > 0 {
		content = utils.FirstLines(content, maxLines)
	}
	return utils.Truncate(content, maxLen)
}
