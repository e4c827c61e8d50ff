package utils

import (
	"testing"
)

func TestTruncate(t *testing.T) {
	if Truncate("hello", 10) != "hello" {
		t.Error("short string unchanged")
	}
	if Truncate("hello world", 5) != "hello..." {
		t.Errorf("got %s", Truncate("hello world", 5))
	}
	if Truncate("x", 0) != "x" {
		t.Error("maxLen 0 returns as-is")
	}
}

func TestFirstLines(t *testing.T) {
	if got := FirstLines("a\nb\nc", 2); got != "a\nb" {
		t.Errorf("got %q", got)
	}
	if got := FirstLines("a", 3); got != "a" {
		t.Errorf("got %q", got)
	}
}

func TestInAnyScope(t *testing.T) {
	tests := []struct {
		path   string
		scopes []string
		want   bool
	}{
		{"src/a.go", nil, true},
		{"src/a.go", []string{"src"}, true},
		{"src/a.go", []string{"src/"}, true},
		{"srcx/a.go", []string{"src"}, false},
		{"lib/b.go", []string{"src", "lib"}, true},
		{"src", []string{"src"}, true},
		{"a.go", []string{"."}, true},
	}
	for _, tt := range tests {
		if got := InAnyScope(tt.path, tt.scopes); got != tt.want {
			t.Errorf("InAnyScope(%q, %v) = %v, want %v", tt.path, tt.scopes, got, tt.want)
		}
	}
}
