package main

import (
	"errors"
	"flag"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/hyperjump/kensaku/internal/models"
)

func TestSearchArgsReorder(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{
			name:     "flags after query are moved first",
			args:     []string{"open database", "-top-k", "5"},
			expected: []string{"-top-k", "5", "open database"},
		},
		{
			name:     "flags first returns unchanged",
			args:     []string{"-top-k", "5", "open database"},
			expected: []string{"-top-k", "5", "open database"},
		},
		{
			name:     "query only returns unchanged",
			args:     []string{"open database"},
			expected: []string{"open database"},
		},
		{
			name:     "empty args returns unchanged",
			args:     []string{},
			expected: []string{},
		},
		{
			name:     "multiple positionals then flags",
			args:     []string{"one", "two", "-kind", "function"},
			expected: []string{"-kind", "function", "one", "two"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := searchArgsReorder(tt.args)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("searchArgsReorder() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBuildSearchQuery(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{"single word", []string{"parse"}, "parse"},
		{"multiple words", []string{"parse", "config"}, "parse config"},
		{"single quoted phrase", []string{"func Open(path string)"}, "func Open(path string)"},
		{"empty args", []string{}, ""},
		{"blank args", []string{"  ", "  "}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildSearchQuery(tt.args)
			if got != tt.expected {
				t.Errorf("buildSearchQuery(%v) = %q, want %q", tt.args, got, tt.expected)
			}
		})
	}
}

func TestBuildCodeQuery(t *testing.T) {
	q := buildCodeQuery("open db", "internal/storage, pkg/ ,", "function,Widget", "DB,,Open", 5)
	want := models.CodeQuery{
		Query:        "open db",
		ProjectScope: []string{"internal/storage", "pkg/"},
		TopK:         5,
		Kinds:        []models.SpanKind{models.SpanFunction, models.SpanOther},
		Context:      []string{"DB", "Open"},
	}
	if !reflect.DeepEqual(q, want) {
		t.Errorf("buildCodeQuery() = %+v, want %+v", q, want)
	}
	if q := buildCodeQuery("x", "", "", "", 0); q.ProjectScope != nil || q.Kinds != nil || q.Context != nil {
		t.Errorf("empty flags should leave filters unset: %+v", q)
	}
}

func TestLoadConfig_prefersCwdConfigWhenDefaultPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
debug: true
storage:
  data_dir: "./data"
  backend: memory
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	chdir(t, dir)

	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	// On macOS, cwd can be /private/var/... while t.TempDir() is /var/...; compare canonical paths.
	resolvedCanon, _ := filepath.EvalSymlinks(resolved)
	configPathCanon, _ := filepath.EvalSymlinks(configPath)
	if resolvedCanon != configPathCanon {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if !cfg.Debug {
		t.Error("debug should be true from cwd config.yaml")
	}
	if cfg.Storage.Backend != "memory" || !filepath.IsAbs(cfg.Storage.DataDir) {
		t.Errorf("unexpected storage config: %+v", cfg.Storage)
	}
}

func TestLoadConfig_defaultsWhenNoFile(t *testing.T) {
	if _, err := os.Stat(defaultConfigPath); err == nil {
		t.Skip("a system config exists")
	}
	chdir(t, t.TempDir())

	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != "" {
		t.Errorf("resolved path = %q, want built-in defaults", resolved)
	}
	if cfg.Server.Port != 8712 || cfg.Storage.Backend != "sqlite" {
		t.Errorf("unexpected defaults: %+v %+v", cfg.Server, cfg.Storage)
	}
}

func TestLoadConfig_usesExplicitPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != configPath {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}

	if _, _, err := loadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected an error for a missing explicit config")
	}
}

func TestDecodeResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`{"results":[],"total":3,"query":"q"}`))
		case "/search-failed":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"results":[],"reason":"compute_failed","error":"upstream unavailable"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("boom"))
		}
	}))
	defer srv.Close()

	var ok models.SearchResponse
	if err := postJSON(srv.URL+"/ok", models.CodeQuery{Query: "q"}, &ok); err != nil {
		t.Fatal(err)
	}
	if ok.Total != 3 || ok.Query != "q" {
		t.Errorf("decoded %+v", ok)
	}

	var failed models.SearchResponse
	err := postJSON(srv.URL+"/search-failed", nil, &failed)
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apiError, got %v", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Reason != "compute_failed" || apiErr.Message != "upstream unavailable" {
		t.Errorf("unexpected api error: %+v", apiErr)
	}
	if failed.Reason != "compute_failed" {
		t.Errorf("search failure body should still decode: %+v", failed)
	}

	err = getJSON(srv.URL+"/plain", &ok)
	if !errors.As(err, &apiErr) || apiErr.Message != "boom" {
		t.Errorf("plain error body: %v", err)
	}
}

func TestIsFlagSet(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := addCommonFlags(fs)
	if err := fs.Parse([]string{"-debug", "dir"}); err != nil {
		t.Fatal(err)
	}
	if !*flags.debug || !isFlagSet(fs, "debug") {
		t.Error("debug should be set")
	}
	if isFlagSet(fs, "project") {
		t.Error("project was not given")
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(orig) })
}
