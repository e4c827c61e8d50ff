package models

// SearchResult is a single ranked hit.
type SearchResult struct {
	Key         string      `json:"key"`
	EmbeddingID string      `json:"embedding_id"`
	Span        *StoredSpan `json:"span"`
	Score       float64     `json:"score"`
	Similarity  float64     `json:"similarity"`
	Recency     float64     `json:"recency"`
	Overlap     float64     `json:"dependency_overlap"`
	Rank        int         `json:"rank"`
}

// SearchResponse is the response for a code search. Reason is set when the result set is
// empty or partial because of a failure.
type SearchResponse struct {
	Results   []*SearchResult `json:"results"`
	Total     int             `json:"total"`
	QueryTime int64           `json:"query_time_ms"`
	Query     string          `json:"query"`
	Reason    string          `json:"reason,omitempty"`
}

// CacheStats reports embedding cache counters.
type CacheStats struct {
	Size         int    `json:"size"`
	Capacity     int    `json:"capacity"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Computations uint64 `json:"computations"`
	Evictions    uint64 `json:"evictions"`
}

// IndexStatus summarises the state of the code index.
type IndexStatus struct {
	FilesIndexed         int64      `json:"files_indexed"`
	SpansIndexed         int64      `json:"spans_indexed"`
	LastIngestionVersion uint64     `json:"last_ingestion_version"`
	VectorIndexSize      int        `json:"vector_index_size"`
	VectorIndexType      string     `json:"vector_index_type"`
	ModelVersion         string     `json:"model_version"`
	Cache                CacheStats `json:"cache"`
	NotFullyIndexed      []string   `json:"not_fully_indexed,omitempty"`
	DiskUsageBytes       *int64     `json:"disk_usage_bytes,omitempty"`
}
