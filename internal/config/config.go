// Package config provides configuration loading and structs for the kensaku code index.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	kerr "github.com/hyperjump/kensaku/pkg/errors"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Search    SearchConfig    `yaml:"search"`
	Watch     WatchConfig     `yaml:"watch"`
}

// WatchConfig holds directory watch settings.
type WatchConfig struct {
	Directories      []string      `yaml:"directories"`
	Extensions       []string      `yaml:"extensions"`
	Recursive        *bool         `yaml:"recursive"`
	RespectGitignore *bool         `yaml:"respect_gitignore"`
	Debounce         time.Duration `yaml:"debounce"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// GitignoreOrDefault returns whether .gitignore files are honoured; defaults to true when unset.
func (w *WatchConfig) GitignoreOrDefault() bool {
	if w.RespectGitignore != nil {
		return *w.RespectGitignore
	}
	return true
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig holds where per-project state is persisted.
type StorageConfig struct {
	// DataDir holds one directory per project, named by the hash of the project path.
	DataDir string `yaml:"data_dir"`
	// Backend is "sqlite" (persisted) or "memory".
	Backend string `yaml:"backend"`
}

// EmbeddingConfig holds embedder and cache settings.
type EmbeddingConfig struct {
	// Provider is one of "mock", "openai", "onnx".
	Provider string `yaml:"provider"`
	// Model names the model; it doubles as the model version of every embedding.
	Model      string `yaml:"model"`
	ModelPath  string `yaml:"model_path"`
	Dimensions int    `yaml:"dimensions"`
	MaxTokens  int    `yaml:"max_tokens"`
	CacheSize  int    `yaml:"cache_size"`
	BaseURL    string `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv         string        `yaml:"api_key_env"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`
}

// VectorConfig holds vector index settings.
type VectorConfig struct {
	// Type is "graph" or "memory".
	Type                string  `yaml:"type"`
	M                   int     `yaml:"m"`
	EfConstruction      int     `yaml:"ef_construction"`
	EfSearch            int     `yaml:"ef_search"`
	BruteForceThreshold int     `yaml:"brute_force_threshold"`
	RebuildRatio        float64 `yaml:"rebuild_ratio"`
	Seed                int64   `yaml:"seed"`
}

// IngestConfig holds ingestion pipeline settings.
type IngestConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
	// StaleThreshold is how many ingestion passes a file may lag before the sweep considers it.
	StaleThreshold uint64        `yaml:"stale_threshold"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	BatchLimit     int           `yaml:"batch_limit"`
}

// SearchConfig holds query and ranking settings.
type SearchConfig struct {
	DefaultTopK     int           `yaml:"default_top_k"`
	MaxTopK         int           `yaml:"max_top_k"`
	OverfetchFactor int           `yaml:"overfetch_factor"`
	Weights         WeightsConfig `yaml:"weights"`
	RecencyHalfLife time.Duration `yaml:"recency_half_life"`
	RelatedPerSpanK int           `yaml:"related_per_span_k"`
	RelatedHitBonus float64       `yaml:"related_hit_bonus"`
}

// WeightsConfig holds ranking weights. Pointers distinguish an explicit zero from unset.
type WeightsConfig struct {
	Similarity *float64 `yaml:"similarity"`
	Recency    *float64 `yaml:"recency"`
	Overlap    *float64 `yaml:"overlap"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kerr.Wrap(err, kerr.CodeConfigLoadReadFailure, "failed to read config", kerr.FieldPath(path))
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, kerr.Wrap(err, kerr.CodeConfigParseInvalidFormat, "failed to parse config", kerr.FieldPath(path))
	}

	ApplyDefaults(&cfg)

	cfg.ResolvePaths(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePaths makes every configured path absolute, relative to configDir.
func (c *Config) ResolvePaths(configDir string) {
	c.Storage.DataDir = expandPath(c.Storage.DataDir, configDir)
	if c.Embedding.ModelPath != "" {
		c.Embedding.ModelPath = expandPath(c.Embedding.ModelPath, configDir)
	}
	for i := range c.Watch.Directories {
		c.Watch.Directories[i] = expandPath(c.Watch.Directories[i], configDir)
	}
}

// Save writes the config to path. Used for persisting watch directory add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return kerr.Wrap(err, kerr.CodeConfigParseInvalidFormat, "failed to marshal config")
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return kerr.Wrap(err, kerr.CodeConfigLoadReadFailure, "failed to write config", kerr.FieldPath(path))
	}
	return nil
}

// Validate rejects inconsistent values. It expects defaults to be applied.
func (c *Config) Validate() error {
	invalid := func(msg string, fields ...kerr.Attr) error {
		return kerr.New(kerr.CodeConfigValidateInvalidValue, msg, fields...)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return invalid("server.port out of range", kerr.Field("port", c.Server.Port))
	}
	switch c.Storage.Backend {
	case "sqlite", "memory":
	default:
		return invalid("storage.backend must be sqlite or memory", kerr.Field("backend", c.Storage.Backend))
	}
	switch c.Embedding.Provider {
	case "mock", "openai", "onnx":
	default:
		return invalid("embedding.provider must be mock, openai or onnx", kerr.Field("provider", c.Embedding.Provider))
	}
	if c.Embedding.Dimensions <= 0 {
		return invalid("embedding.dimensions must be positive")
	}
	if c.Embedding.CacheSize <= 0 {
		return invalid("embedding.cache_size must be positive")
	}
	switch c.Vector.Type {
	case "graph", "memory":
	default:
		return invalid("vector.type must be graph or memory", kerr.Field("type", c.Vector.Type))
	}
	if c.Vector.RebuildRatio <= 0 || c.Vector.RebuildRatio >= 1 {
		return invalid("vector.rebuild_ratio must be in (0, 1)")
	}
	if c.Ingest.Workers <= 0 {
		return invalid("ingest.workers must be positive")
	}
	if c.Search.DefaultTopK <= 0 || c.Search.MaxTopK < c.Search.DefaultTopK {
		return invalid("search.default_top_k must be positive and not above max_top_k")
	}
	if c.Search.OverfetchFactor < 1 {
		return invalid("search.overfetch_factor must be at least 1")
	}
	w := c.Search.Weights
	for name, v := range map[string]*float64{"similarity": w.Similarity, "recency": w.Recency, "overlap": w.Overlap} {
		if v != nil && *v < 0 {
			return invalid("search.weights must not be negative", kerr.Field("weight", name))
		}
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if strings.HasPrefix(path, "~/") {
		path = path[2:]
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
