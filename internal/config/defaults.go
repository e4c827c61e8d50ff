package config

import "time"

// Default ranking weights; similarity dominates.
const (
	DefaultSimilarityWeight = 0.8
	DefaultRecencyWeight    = 0.1
	DefaultOverlapWeight    = 0.1
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8712
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = ".local/share/kensaku"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "mock"
	}
	if cfg.Embedding.Model == "" {
		switch cfg.Embedding.Provider {
		case "openai":
			cfg.Embedding.Model = "text-embedding-3-small"
		case "onnx":
			cfg.Embedding.Model = "all-MiniLM-L6-v2"
		default:
			cfg.Embedding.Model = "mock-v1"
		}
	}
	if cfg.Embedding.Dimensions == 0 {
		if cfg.Embedding.Provider == "openai" {
			cfg.Embedding.Dimensions = 1536
		} else {
			cfg.Embedding.Dimensions = 384
		}
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.APIKeyEnv == "" {
		cfg.Embedding.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Embedding.RequestsPerSecond == 0 {
		cfg.Embedding.RequestsPerSecond = 20
	}
	if cfg.Embedding.Burst == 0 {
		cfg.Embedding.Burst = 10
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}
	if cfg.Vector.Type == "" {
		cfg.Vector.Type = "graph"
	}
	if cfg.Vector.M == 0 {
		cfg.Vector.M = 16
	}
	if cfg.Vector.EfConstruction == 0 {
		cfg.Vector.EfConstruction = 200
	}
	if cfg.Vector.EfSearch == 0 {
		cfg.Vector.EfSearch = 64
	}
	if cfg.Vector.BruteForceThreshold == 0 {
		cfg.Vector.BruteForceThreshold = 2000
	}
	if cfg.Vector.RebuildRatio == 0 {
		cfg.Vector.RebuildRatio = 0.25
	}
	if cfg.Vector.Seed == 0 {
		cfg.Vector.Seed = 42
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Ingest.QueueSize == 0 {
		cfg.Ingest.QueueSize = 256
	}
	if cfg.Ingest.StaleThreshold == 0 {
		cfg.Ingest.StaleThreshold = 1000
	}
	if cfg.Ingest.SweepInterval == 0 {
		cfg.Ingest.SweepInterval = 10 * time.Minute
	}
	if cfg.Ingest.BatchLimit == 0 {
		cfg.Ingest.BatchLimit = 8
	}
	if cfg.Search.DefaultTopK == 0 {
		cfg.Search.DefaultTopK = 10
	}
	if cfg.Search.MaxTopK == 0 {
		cfg.Search.MaxTopK = 100
	}
	if cfg.Search.OverfetchFactor == 0 {
		cfg.Search.OverfetchFactor = 4
	}
	if cfg.Search.Weights.Similarity == nil {
		v := DefaultSimilarityWeight
		cfg.Search.Weights.Similarity = &v
	}
	if cfg.Search.Weights.Recency == nil {
		v := DefaultRecencyWeight
		cfg.Search.Weights.Recency = &v
	}
	if cfg.Search.Weights.Overlap == nil {
		v := DefaultOverlapWeight
		cfg.Search.Weights.Overlap = &v
	}
	if cfg.Search.RecencyHalfLife == 0 {
		cfg.Search.RecencyHalfLife = 7 * 24 * time.Hour
	}
	if cfg.Search.RelatedPerSpanK == 0 {
		cfg.Search.RelatedPerSpanK = 10
	}
	if cfg.Search.RelatedHitBonus == 0 {
		cfg.Search.RelatedHitBonus = 0.01
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".go", ".py", ".js", ".jsx", ".ts", ".tsx", ".rs", ".java", ".c", ".h", ".cpp", ".rb"}
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 500 * time.Millisecond
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
