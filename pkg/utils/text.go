// Package utils provides shared utilities for text, paths, math, and logging.
package utils

import (
	"path/filepath"
	"strings"
)

// Truncate returns s truncated to maxLen characters, with "..." appended if truncated.
// If maxLen is 0 or negative, returns s unchanged.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// FirstLines returns at most n lines of s.
func FirstLines(s string, n int) string {
	if n <= 0 {
		return ""
	}
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

// HasPathPrefix reports whether path equals prefix or lies beneath it. Both are compared
// in slash form so scopes work the same on every platform.
func HasPathPrefix(path, prefix string) bool {
	p := filepath.ToSlash(filepath.Clean(path))
	pre := filepath.ToSlash(filepath.Clean(prefix))
	if pre == "." || pre == "" {
		return true
	}
	if p == pre {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(pre, "/")+"/")
}

// InAnyScope reports whether path lies under one of scopes. An empty scope list matches everything.
func InAnyScope(path string, scopes []string) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, s := range scopes {
		if HasPathPrefix(path, s) {
			return true
		}
	}
	return false
}
