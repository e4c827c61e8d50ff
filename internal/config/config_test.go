package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	kerr "github.com/hyperjump/kensaku/pkg/errors"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  data_dir: "./state"
ingest:
  sweep_interval: 90s
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.DataDir != filepath.Join(dir, "state") {
		t.Errorf("data_dir = %s", cfg.Storage.DataDir)
	}
	if cfg.Ingest.SweepInterval != 90*time.Second {
		t.Errorf("sweep_interval = %v", cfg.Ingest.SweepInterval)
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_debugTrue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("debug: true\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
}

func TestLoad_missingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !kerr.HasCode(err, kerr.CodeConfigLoadReadFailure) {
		t.Errorf("want read failure code, got %v", err)
	}
}

func TestLoad_invalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if !kerr.HasCode(err, kerr.CodeConfigParseInvalidFormat) {
		t.Errorf("want parse failure code, got %v", err)
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  data_dir: "./data"
watch:
  directories: ["./dev/sample"]
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Watch.Directories) != 1 {
		t.Fatalf("watch directories: got %d", len(cfg.Watch.Directories))
	}
	wantWatch := filepath.Join(dir, "dev", "sample")
	if cfg.Watch.Directories[0] != wantWatch {
		t.Errorf("watch directory = %s, want %s", cfg.Watch.Directories[0], wantWatch)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Server.Host != "localhost" {
		t.Errorf("default host: got %s", cfg.Server.Host)
	}
	if cfg.Search.DefaultTopK != 10 || cfg.Search.MaxTopK != 100 {
		t.Errorf("default top_k: got %d/%d", cfg.Search.DefaultTopK, cfg.Search.MaxTopK)
	}
	if *cfg.Search.Weights.Similarity != 0.8 || *cfg.Search.Weights.Recency != 0.1 || *cfg.Search.Weights.Overlap != 0.1 {
		t.Errorf("default weights: %+v", cfg.Search.Weights)
	}
	if cfg.Embedding.Provider != "mock" || cfg.Embedding.Model != "mock-v1" {
		t.Errorf("default embedder: %s/%s", cfg.Embedding.Provider, cfg.Embedding.Model)
	}
	if cfg.Vector.Type != "graph" {
		t.Errorf("default vector type: %s", cfg.Vector.Type)
	}
	if len(cfg.Watch.Extensions) == 0 || cfg.Watch.Extensions[0] != ".go" {
		t.Errorf("watch extensions: got %v", cfg.Watch.Extensions)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestApplyDefaults_keepsExplicitZeroWeight(t *testing.T) {
	zero := 0.0
	cfg := &Config{Search: SearchConfig{Weights: WeightsConfig{Recency: &zero}}}
	ApplyDefaults(cfg)
	if *cfg.Search.Weights.Recency != 0 {
		t.Errorf("explicit zero recency weight overwritten: %v", *cfg.Search.Weights.Recency)
	}
}

func TestApplyDefaults_openAIDimensions(t *testing.T) {
	cfg := &Config{Embedding: EmbeddingConfig{Provider: "openai"}}
	ApplyDefaults(cfg)
	if cfg.Embedding.Dimensions != 1536 || cfg.Embedding.Model != "text-embedding-3-small" {
		t.Errorf("openai defaults: %+v", cfg.Embedding)
	}
}

func TestValidate(t *testing.T) {
	neg := -0.5
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad backend", func(c *Config) { c.Storage.Backend = "redis" }},
		{"bad provider", func(c *Config) { c.Embedding.Provider = "magic" }},
		{"bad vector type", func(c *Config) { c.Vector.Type = "faiss" }},
		{"negative weight", func(c *Config) { c.Search.Weights.Overlap = &neg }},
		{"default above max", func(c *Config) { c.Search.DefaultTopK = 200 }},
		{"overfetch below one", func(c *Config) { c.Search.OverfetchFactor = -1 }},
		{"rebuild ratio", func(c *Config) { c.Vector.RebuildRatio = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !kerr.HasCode(err, kerr.CodeConfigValidateInvalidValue) {
				t.Errorf("want invalid value error, got %v", err)
			}
		})
	}
}

func TestApplyDefaults_WatchRecursiveWhenDirectoriesSet(t *testing.T) {
	cfg := &Config{Watch: WatchConfig{Directories: []string{"/tmp/src"}}}
	ApplyDefaults(cfg)
	if cfg.Watch.Recursive == nil || !*cfg.Watch.Recursive {
		t.Error("recursive should default to true when directories are set")
	}
}

func TestWatchConfig_RecursiveOrDefault(t *testing.T) {
	t.Run("nil_returns_true", func(t *testing.T) {
		w := &WatchConfig{}
		if got := w.RecursiveOrDefault(); !got {
			t.Errorf("RecursiveOrDefault() = %v, want true", got)
		}
	})
	t.Run("false_returns_false", func(t *testing.T) {
		f := false
		w := &WatchConfig{Recursive: &f}
		if got := w.RecursiveOrDefault(); got {
			t.Errorf("RecursiveOrDefault() = %v, want false", got)
		}
	})
	t.Run("gitignore_defaults_true", func(t *testing.T) {
		w := &WatchConfig{}
		if !w.GitignoreOrDefault() {
			t.Error("GitignoreOrDefault() should be true when unset")
		}
	})
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")
	cfg := Default()
	cfg.Server.Port = 9090
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
	if loaded.Search.RecencyHalfLife != cfg.Search.RecencyHalfLife {
		t.Errorf("half-life round trip: got %v", loaded.Search.RecencyHalfLife)
	}
}
