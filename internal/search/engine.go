// Package search provides the query engine: it embeds a code query, searches the vector
// index, hydrates hits from the span store, and reranks them.
package search

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/ranking"
	"github.com/hyperjump/kensaku/internal/storage"
	"github.com/hyperjump/kensaku/internal/vector"
	kerr "github.com/hyperjump/kensaku/pkg/errors"
)

const defaultRelatedLimit = 10

// RepairFunc is told about an index entry whose span no longer resolves.
type RepairFunc func(ctx context.Context, key string) error

// Engine answers code queries against one project's index.
type Engine struct {
	store        storage.SpanStore
	index        vector.VectorIndex
	cache        *embedding.Cache
	embedder     embedding.Embedder
	config       config.SearchConfig
	ranker       *ranking.Ranker
	modelVersion string
	repair       RepairFunc
	dataPaths    []string
	logger       *zap.Logger

	repairs sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRanker replaces the ranker built from the search config.
func WithRanker(r *ranking.Ranker) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.ranker = r
		}
	}
}

// WithIndexModelVersion sets the model version the index was built with. It defaults to the
// embedder's version.
func WithIndexModelVersion(v string) EngineOption {
	return func(e *Engine) {
		if v != "" {
			e.modelVersion = v
		}
	}
}

// WithRepair routes corrupt entries found while hydrating results to fn.
func WithRepair(fn RepairFunc) EngineOption {
	return func(e *Engine) { e.repair = fn }
}

// WithDataPaths lists the persisted files whose size IndexStatus reports.
func WithDataPaths(paths ...string) EngineOption {
	return func(e *Engine) { e.dataPaths = paths }
}

// NewEngine creates a query engine with the given dependencies.
func NewEngine(store storage.SpanStore, index vector.VectorIndex, cache *embedding.Cache, embedder embedding.Embedder, cfg config.SearchConfig, opts ...EngineOption) *Engine {
	e := &Engine{
		store:        store,
		index:        index,
		cache:        cache,
		embedder:     embedder,
		config:       cfg,
		ranker:       ranking.NewRanker(ranking.FromSearchConfig(cfg)),
		modelVersion: embedder.ModelVersion(),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.config.OverfetchFactor <= 0 {
		e.config.OverfetchFactor = 1
	}
	return e
}

// ModelVersion returns the model version of the index.
func (e *Engine) ModelVersion() string {
	return e.modelVersion
}

// SearchCode runs a similarity query. Failures that leave no results return an empty
// response carrying the reason code together with the error. Entries whose spans cannot be
// resolved are dropped and reported for repair; the response then carries the
// index_corrupt reason without an error.
func (e *Engine) SearchCode(ctx context.Context, query models.CodeQuery) (*models.SearchResponse, error) {
	start := time.Now()
	resp := &models.SearchResponse{Results: []*models.SearchResult{}, Query: query.Query}
	fail := func(err error) (*models.SearchResponse, error) {
		resp.Reason = kerr.ReasonOf(err)
		resp.QueryTime = time.Since(start).Milliseconds()
		e.logger.Debug("search failed", zap.String("query", query.Query), zap.String("reason", resp.Reason), zap.Error(err))
		return resp, err
	}

	if err := ProcessQuery(&query, e.config); err != nil {
		return fail(err)
	}
	if err := e.checkModel(query.ModelVersion); err != nil {
		return fail(err)
	}
	vec, err := e.vectorFor(ctx, query.Query)
	if err != nil {
		return fail(err)
	}
	hits, err := e.index.Search(ctx, vec, query.TopK*e.config.OverfetchFactor, queryFilter(&query))
	if err != nil {
		return fail(err)
	}

	candidates, spans, corrupt, err := e.hydrate(ctx, &query, hits)
	if err != nil {
		return fail(err)
	}
	if len(corrupt) > 0 {
		resp.Reason = kerr.ReasonIndexCorrupt
		e.reportCorrupt(ctx, corrupt)
	}

	ranked := e.ranker.Rank(query.Context, candidates)
	resp.Total = len(ranked)
	for _, r := range ranking.TopN(ranked, query.TopK) {
		s := spans[r.Key]
		resp.Results = append(resp.Results, &models.SearchResult{
			Key:         r.Key,
			EmbeddingID: s.EmbeddingID,
			Span:        s,
			Score:       r.Breakdown.FinalScore,
			Similarity:  r.Breakdown.Similarity,
			Recency:     r.Breakdown.Recency,
			Overlap:     r.Breakdown.Overlap,
			Rank:        r.Rank,
		})
	}
	resp.QueryTime = time.Since(start).Milliseconds()
	e.logger.Debug("search completed",
		zap.String("query", query.Query),
		zap.Int("candidates", len(hits)),
		zap.Int("results", len(resp.Results)),
		zap.Int64("query_time_ms", resp.QueryTime))
	return resp, nil
}

// hydrate resolves each hit to its stored span. Hits whose span is gone or was re-indexed
// under another embedding are returned as corrupt keys.
func (e *Engine) hydrate(ctx context.Context, query *models.CodeQuery, hits []*vector.VectorResult) ([]ranking.Candidate, map[string]*models.StoredSpan, []string, error) {
	candidates := make([]ranking.Candidate, 0, len(hits))
	spans := make(map[string]*models.StoredSpan, len(hits))
	files := make(map[string]*models.ProjectFile)
	var corrupt []string
	for _, h := range hits {
		span, err := e.store.GetSpan(ctx, h.FilePath, h.StartLine)
		if err != nil {
			if kerr.IsNotFound(err) {
				corrupt = append(corrupt, h.Key)
				continue
			}
			return nil, nil, nil, err
		}
		if span.EmbeddingID != h.EmbeddingID {
			corrupt = append(corrupt, h.Key)
			continue
		}
		if !matches(query, span.FilePath, span.Kind) {
			continue
		}
		file, ok := files[h.FilePath]
		if !ok {
			file, err = e.store.GetFile(ctx, h.FilePath)
			if err != nil && !kerr.IsNotFound(err) {
				return nil, nil, nil, err
			}
			files[h.FilePath] = file
		}
		c := ranking.Candidate{Key: h.Key, Similarity: h.Score, Dependencies: span.Dependencies}
		if file != nil {
			c.ModifiedAt = file.ModifiedAt
		}
		candidates = append(candidates, c)
		spans[h.Key] = span
	}
	return candidates, spans, corrupt, nil
}

func (e *Engine) reportCorrupt(ctx context.Context, keys []string) {
	for _, key := range keys {
		err := kerr.New(kerr.CodeEntryCorrupt, "index entry does not resolve to a stored span", kerr.FieldKey(key))
		e.logger.Warn("corrupt index entry", zap.String("key", key), zap.Error(err))
	}
	if e.repair == nil {
		return
	}
	rctx := context.WithoutCancel(ctx)
	e.repairs.Add(1)
	go func() {
		defer e.repairs.Done()
		for _, key := range keys {
			if err := e.repair(rctx, key); err != nil {
				e.logger.Warn("index entry repair failed", zap.String("key", key), zap.Error(err))
			}
		}
	}()
}

// WaitRepairs blocks until repairs started by earlier searches finish.
func (e *Engine) WaitRepairs() {
	e.repairs.Wait()
}

// SuggestRelatedFiles runs each stored span of currentFile as a query and ranks the other
// files by their best hit similarity plus a small bonus for every further hit.
func (e *Engine) SuggestRelatedFiles(ctx context.Context, currentFile string, limit int) ([]*models.ProjectFile, error) {
	if currentFile == "" {
		return nil, kerr.New(kerr.CodeRequestInvalidInput, "file path is required")
	}
	if limit <= 0 {
		limit = defaultRelatedLimit
	}
	if err := e.checkModel(""); err != nil {
		return nil, err
	}
	spans, err := e.store.SpansForFile(ctx, currentFile)
	if err != nil {
		return nil, err
	}

	perSpan := max(e.config.RelatedPerSpanK, 1)
	notCurrent := func(path string, _ models.SpanKind) bool { return path != currentFile }
	var hits []*vector.VectorResult
	for _, s := range spans {
		var vec []float32
		if entry, ok := e.index.Get(s.Key()); ok {
			vec = entry.Vector
		} else {
			emb, err := e.vectorFor(ctx, s.Content)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				e.logger.Debug("related: span vector unavailable", zap.String("key", s.Key()), zap.Error(err))
				continue
			}
			vec = emb
		}
		res, err := e.index.Search(ctx, vec, perSpan, notCurrent)
		if err != nil {
			return nil, err
		}
		hits = append(hits, res...)
	}

	ranked := AggregateByFile(hits, e.config.RelatedHitBonus)
	out := make([]*models.ProjectFile, 0, min(limit, len(ranked)))
	for _, rel := range ranked {
		if len(out) == limit {
			break
		}
		file, err := e.store.GetFile(ctx, rel.Path)
		if err != nil {
			if kerr.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		score := rel.Score
		file.Relevance = &score
		out = append(out, file)
	}
	return out, nil
}

// IndexStatus summarises the index.
func (e *Engine) IndexStatus(ctx context.Context) (*models.IndexStatus, error) {
	files, err := e.store.CountFiles(ctx)
	if err != nil {
		return nil, err
	}
	spans, err := e.store.CountSpans(ctx)
	if err != nil {
		return nil, err
	}
	st := &models.IndexStatus{
		FilesIndexed:    files,
		SpansIndexed:    spans,
		VectorIndexSize: e.index.Len(),
		VectorIndexType: e.index.Type(),
		ModelVersion:    e.modelVersion,
		NotFullyIndexed: []string{},
	}
	if e.cache != nil {
		st.Cache = e.cache.Stats()
	}
	raw, ok, err := e.store.Meta(ctx, storage.MetaLastIngestionVersion)
	if err != nil {
		return nil, err
	}
	if ok {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			st.LastIngestionVersion = v
		}
	}
	all, err := e.store.AllFiles(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range all {
		if !f.FullyIndexed() {
			st.NotFullyIndexed = append(st.NotFullyIndexed, f.Path)
		}
	}
	if len(e.dataPaths) > 0 {
		if n, err := storage.DiskUsageBytes(e.dataPaths...); err == nil {
			st.DiskUsageBytes = &n
		}
	}
	return st, nil
}

func (e *Engine) checkModel(requested string) error {
	if v := e.embedder.ModelVersion(); v != e.modelVersion {
		return kerr.New(kerr.CodeModelVersionMismatch, "embedder model differs from the index model",
			kerr.FieldModelVersion(e.modelVersion), kerr.Field("embedder_model_version", v))
	}
	if requested != "" && requested != e.modelVersion {
		return kerr.New(kerr.CodeModelVersionMismatch, "query model differs from the index model",
			kerr.FieldModelVersion(e.modelVersion), kerr.Field("query_model_version", requested))
	}
	return nil
}

// vectorFor embeds text through the shared cache.
func (e *Engine) vectorFor(ctx context.Context, text string) ([]float32, error) {
	emb, err := e.cache.GetOrCompute(ctx, text, e.modelVersion, func(ctx context.Context) ([]float32, error) {
		return e.embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return emb.Vector, nil
}
