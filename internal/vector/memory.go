package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/models"
)

// memorySnapshot is immutable once published.
type memorySnapshot struct {
	entries []*models.IndexEntry
	byKey   map[string]int
}

// MemoryIndex is an in-memory vector index using brute-force cosine search.
// Writers copy the entry list and publish it; searches read the published snapshot without locking.
type MemoryIndex struct {
	dimensions int
	opts       options
	mu         sync.Mutex
	snap       atomic.Pointer[memorySnapshot]
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int, opts ...Option) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	m := &MemoryIndex{dimensions: dimensions, opts: o}
	m.snap.Store(&memorySnapshot{byKey: map[string]int{}})
	return m, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Insert adds entry, replacing any entry with the same key.
func (m *MemoryIndex) Insert(ctx context.Context, entry models.IndexEntry) error {
	if len(entry.Vector) != m.dimensions {
		return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(entry.Vector), m.dimensions)
	}
	e := entry
	e.Vector = normalize(entry.Vector)

	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.snap.Load()
	next := &memorySnapshot{
		entries: make([]*models.IndexEntry, len(cur.entries), len(cur.entries)+1),
		byKey:   make(map[string]int, len(cur.byKey)+1),
	}
	copy(next.entries, cur.entries)
	for k, v := range cur.byKey {
		next.byKey[k] = v
	}
	if i, ok := next.byKey[e.Key]; ok {
		next.entries[i] = &e
	} else {
		next.byKey[e.Key] = len(next.entries)
		next.entries = append(next.entries, &e)
	}
	m.snap.Store(next)
	return nil
}

// Search returns the top-k entries by cosine similarity among those accepted by filter.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int, filter Filter) ([]*VectorResult, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), m.dimensions)
	}
	snap := m.snap.Load()
	if k <= 0 || len(snap.entries) == 0 {
		return []*VectorResult{}, nil
	}
	q := normalize(query)
	top := newTopK(k, len(snap.entries))
	for i, e := range snap.entries {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if filter != nil && !filter(e.FilePath, e.Kind) {
			continue
		}
		top.offer(resultFor(e, clampScore(InnerProduct(q, e.Vector))))
	}
	return top.sorted(), nil
}

// Remove deletes the entry with key. Absent keys are ignored.
func (m *MemoryIndex) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.snap.Load()
	if _, ok := cur.byKey[key]; !ok {
		return nil
	}
	next := &memorySnapshot{
		entries: make([]*models.IndexEntry, 0, len(cur.entries)-1),
		byKey:   make(map[string]int, len(cur.byKey)),
	}
	for _, e := range cur.entries {
		if e.Key == key {
			continue
		}
		next.byKey[e.Key] = len(next.entries)
		next.entries = append(next.entries, e)
	}
	m.snap.Store(next)
	return nil
}

// Get returns a copy of the entry with key.
func (m *MemoryIndex) Get(key string) (*models.IndexEntry, bool) {
	snap := m.snap.Load()
	i, ok := snap.byKey[key]
	if !ok {
		return nil, false
	}
	e := copyEntry(snap.entries[i])
	return &e, true
}

// Entries returns a copy of every entry ordered by key.
func (m *MemoryIndex) Entries() []models.IndexEntry {
	snap := m.snap.Load()
	out := make([]models.IndexEntry, len(snap.entries))
	for i, e := range snap.entries {
		out[i] = copyEntry(e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of entries in the index.
func (m *MemoryIndex) Len() int {
	return len(m.snap.Load().entries)
}

// Save persists the index to path. Directory is created if needed.
func (m *MemoryIndex) Save(path string) error {
	entries := m.Entries()
	if err := writeIndexFile(path, m.opts.modelVersion, m.dimensions, entries); err != nil {
		return err
	}
	m.opts.logger.Debug("vector index saved", zap.String("path", path), zap.Int("entries", len(entries)))
	return nil
}

// Load reads the index from path and replaces the in-memory contents. Dimensions and model
// version must match. If the file does not exist, no error is returned and the index is unchanged.
func (m *MemoryIndex) Load(path string) error {
	entries, found, err := readIndexFile(path, m.opts.modelVersion, m.dimensions)
	if err != nil || !found {
		return err
	}
	next := &memorySnapshot{
		entries: make([]*models.IndexEntry, 0, len(entries)),
		byKey:   make(map[string]int, len(entries)),
	}
	for i := range entries {
		e := entries[i]
		if j, ok := next.byKey[e.Key]; ok {
			next.entries[j] = &e
			continue
		}
		next.byKey[e.Key] = len(next.entries)
		next.entries = append(next.entries, &e)
	}
	m.mu.Lock()
	m.snap.Store(next)
	m.mu.Unlock()
	return nil
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}

func resultFor(e *models.IndexEntry, score float64) *VectorResult {
	return &VectorResult{
		Key:         e.Key,
		EmbeddingID: e.EmbeddingID,
		FilePath:    e.FilePath,
		StartLine:   e.StartLine,
		Kind:        e.Kind,
		Score:       score,
	}
}

func copyEntry(e *models.IndexEntry) models.IndexEntry {
	c := *e
	c.Vector = append([]float32(nil), e.Vector...)
	return c
}
