package embedding

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/kensaku/internal/models"
	kerr "github.com/hyperjump/kensaku/pkg/errors"
)

// ComputeFunc produces the vector for a cache miss.
type ComputeFunc func(ctx context.Context) ([]float32, error)

// Cache is an LRU cache of embeddings keyed by (content hash, model version). Concurrent
// misses for one key share a single computation. Failed computations are not cached.
//
// Returned embeddings are shared; callers must not modify their vectors.
type Cache struct {
	capacity int
	mu       sync.Mutex
	items    map[string]*list.Element
	lru      *list.List
	group    singleflight.Group
	logger   *zap.Logger

	hits         atomic.Uint64
	misses       atomic.Uint64
	computations atomic.Uint64
	evictions    atomic.Uint64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheLogger sets the logger for the cache.
func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// NewCache creates a cache holding at most capacity embeddings.
func NewCache(capacity int, opts ...CacheOption) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	c := &Cache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		lru:      list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// GetOrCompute returns the embedding of content under modelVersion, calling compute on a miss.
// The computation is detached from the caller's cancellation so that other waiters still get
// the result; a caller whose ctx ends stops waiting and gets ctx.Err().
func (c *Cache) GetOrCompute(ctx context.Context, content, modelVersion string, compute ComputeFunc) (*models.CodeEmbedding, error) {
	id := EmbeddingID(content, modelVersion)
	if emb, ok := c.get(id); ok {
		c.hits.Add(1)
		return emb, nil
	}
	c.misses.Add(1)

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id, func() (any, error) {
		// A flight that finished between our miss and this call already stored the value.
		if emb, ok := c.get(id); ok {
			return emb, nil
		}
		c.computations.Add(1)
		vec, err := compute(detached)
		if err != nil {
			c.logger.Debug("embedding computation failed", zap.String("embedding_id", id), zap.Error(err))
			return nil, kerr.Wrap(err, kerr.CodeEmbeddingComputeFailed, "compute embedding", kerr.Field("embedding_id", id))
		}
		if len(vec) == 0 {
			return nil, kerr.New(kerr.CodeEmbeddingComputeFailed, "embedder returned an empty vector", kerr.Field("embedding_id", id))
		}
		emb := &models.CodeEmbedding{ID: id, ModelVersion: modelVersion, Vector: vec}
		c.put(emb)
		return emb, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.CodeEmbedding), nil
	}
}

// Get returns the cached embedding for content under modelVersion without computing.
func (c *Cache) Get(content, modelVersion string) (*models.CodeEmbedding, bool) {
	return c.get(EmbeddingID(content, modelVersion))
}

// Contains reports whether id is cached without touching recency.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[id]
	return ok
}

func (c *Cache) get(id string) (*models.CodeEmbedding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[id]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*models.CodeEmbedding), true
	}
	return nil, false
}

// put stores emb, evicting the least recently used entry when over capacity.
func (c *Cache) put(emb *models.CodeEmbedding) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[emb.ID]; ok {
		c.lru.MoveToFront(elem)
		elem.Value = emb
		return
	}
	c.items[emb.ID] = c.lru.PushFront(emb)

	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.items, oldest.Value.(*models.CodeEmbedding).ID)
		c.evictions.Add(1)
	}
}

// Len returns the number of cached embeddings.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge drops every cached embedding.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.lru.Init()
	c.mu.Unlock()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() models.CacheStats {
	return models.CacheStats{
		Size:         c.Len(),
		Capacity:     c.capacity,
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Computations: c.computations.Load(),
		Evictions:    c.evictions.Load(),
	}
}
