// Package indexer provides the ingestion pipeline: it turns file-change events into stored
// spans, cached embeddings, and vector index entries, and reconciles the index with files
// that disappeared without a removal event.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/storage"
	"github.com/hyperjump/kensaku/internal/vector"
	kerr "github.com/hyperjump/kensaku/pkg/errors"
)

const lockStripes = 64

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("ingestion pipeline closed")

// ExistsFunc reports whether a file still exists. The sweep uses it to tell files that were
// merely not re-ingested from files that are gone.
type ExistsFunc func(path string) bool

// Pipeline applies file-change events to the span store and the vector index.
//
// Events for one path are serialised; events for different paths run in parallel. Submit
// routes every path to the same worker so its events are applied in receipt order.
type Pipeline struct {
	store    storage.SpanStore
	index    vector.VectorIndex
	cache    *embedding.Cache
	embedder embedding.Embedder
	cfg      config.IngestConfig
	logger   *zap.Logger
	exists   ExistsFunc
	now      func() time.Time

	version atomic.Uint64
	metaMu  sync.Mutex

	statusMu sync.RWMutex
	files    map[string]*FileStatus

	locks [lockStripes]sync.Mutex

	poolOnce  sync.Once
	queueMu   sync.RWMutex
	queues    []chan models.FileEvent
	closed    bool
	workerCtx context.Context
	cancel    context.CancelFunc
	workers   sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithExistsProbe makes the sweep touch candidates that still exist instead of removing them.
func WithExistsProbe(fn ExistsFunc) Option {
	return func(p *Pipeline) { p.exists = fn }
}

// WithClock overrides the clock used for status timestamps and missing modification times.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a pipeline over the given components. Zero config values fall back to one
// worker, a queue of one, and one concurrent embedding per file.
func New(store storage.SpanStore, index vector.VectorIndex, cache *embedding.Cache, embedder embedding.Embedder, cfg config.IngestConfig, opts ...Option) *Pipeline {
	cfg.Workers = max(cfg.Workers, 1)
	cfg.QueueSize = max(cfg.QueueSize, 1)
	cfg.BatchLimit = max(cfg.BatchLimit, 1)
	p := &Pipeline{
		store:    store,
		index:    index,
		cache:    cache,
		embedder: embedder,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		files:    make(map[string]*FileStatus),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.workerCtx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Restore seeds the version counter and file states from a persisted span store.
func (p *Pipeline) Restore(ctx context.Context) error {
	raw, ok, err := p.store.Meta(ctx, storage.MetaLastIngestionVersion)
	if err != nil {
		return err
	}
	if ok {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return kerr.Wrap(err, kerr.CodeEntryCorrupt, "parse last ingestion version")
		}
		p.version.Store(v)
	}
	files, err := p.store.AllFiles(ctx)
	if err != nil {
		return err
	}
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	for _, f := range files {
		if f.LastSeenVersion > p.version.Load() {
			p.version.Store(f.LastSeenVersion)
		}
		p.files[f.Path] = &FileStatus{
			Path:         f.Path,
			State:        StateIndexed,
			Version:      f.LastSeenVersion,
			Spans:        f.SpanCount,
			SkippedSpans: f.SkippedSpans,
			UpdatedAt:    f.ModifiedAt,
		}
	}
	p.logger.Debug("ingestion state restored", zap.Int("files", len(files)), zap.Uint64("version", p.version.Load()))
	return nil
}

// Version returns the current ingestion pass counter.
func (p *Pipeline) Version() uint64 {
	return p.version.Load()
}

// Apply processes one event synchronously.
func (p *Pipeline) Apply(ctx context.Context, ev models.FileEvent) error {
	if strings.TrimSpace(ev.File.Path) == "" {
		return kerr.New(kerr.CodeRequestInvalidInput, "file path is required")
	}
	switch ev.Type {
	case models.EventFileChanged:
		return p.applyChanged(ctx, ev.File, ev.Spans)
	case models.EventFileRemoved:
		return p.applyRemoved(ctx, ev.File.Path)
	default:
		return kerr.New(kerr.CodeRequestInvalidInput, "unknown event type", kerr.Field("type", string(ev.Type)))
	}
}

func (p *Pipeline) applyChanged(ctx context.Context, file models.ProjectFile, raw []models.CodeSpan) error {
	path := file.Path
	spans, err := validateSpans(path, raw)
	if err != nil {
		return err
	}

	mu := p.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	if err := p.setState(path, StateStale, nil); err != nil {
		return err
	}
	version := p.version.Add(1)

	old, err := p.store.SpansForFile(ctx, path)
	if err != nil && !kerr.IsNotFound(err) {
		return p.fail(path, err)
	}
	embs, skipped, err := p.embedSpans(ctx, path, spans)
	if err != nil {
		return p.fail(path, err)
	}

	stored := make([]*models.StoredSpan, 0, len(spans))
	entries := make([]models.IndexEntry, 0, len(spans))
	keep := make(map[string]bool, len(spans))
	for i := range spans {
		emb := embs[i]
		if emb == nil {
			continue
		}
		s := &models.StoredSpan{CodeSpan: spans[i], EmbeddingID: emb.ID, Version: version}
		stored = append(stored, s)
		keep[s.Key()] = true
		entries = append(entries, models.IndexEntry{
			Key:             s.Key(),
			EmbeddingID:     emb.ID,
			Vector:          emb.Vector,
			FilePath:        path,
			StartLine:       s.StartLine,
			Kind:            s.Kind,
			LastSeenVersion: version,
		})
	}

	// From here on the pass runs to completion so the store and the index agree.
	mctx := context.WithoutCancel(ctx)

	// Old entries leave the index before the store forgets their spans, and new entries join
	// after the store knows them, so a search never hydrates a dangling entry.
	for _, o := range old {
		if !keep[o.Key()] {
			if err := p.index.Remove(mctx, o.Key()); err != nil {
				return p.fail(path, fmt.Errorf("remove index entry: %w", err))
			}
		}
	}
	rec := file
	rec.Name = firstNonEmpty(rec.Name, filepath.Base(path))
	rec.FileType = firstNonEmpty(rec.FileType, strings.TrimPrefix(filepath.Ext(path), "."))
	if rec.ModifiedAt.IsZero() {
		rec.ModifiedAt = p.now()
	}
	rec.SpanCount = len(stored)
	rec.SkippedSpans = skipped
	rec.LastSeenVersion = version
	rec.Relevance = nil
	if err := p.store.UpsertFileSpans(mctx, &rec, stored, version); err != nil {
		return p.fail(path, err)
	}
	for _, e := range entries {
		if err := p.index.Insert(mctx, e); err != nil {
			return p.fail(path, kerr.Wrap(err, kerr.CodeInternalFailure, "insert index entry", kerr.FieldKey(e.Key)))
		}
	}
	p.persistVersion(mctx)

	if err := p.setState(path, StateIndexed, func(s *FileStatus) {
		s.Version = version
		s.Spans = len(stored)
		s.SkippedSpans = skipped
		s.LastError = ""
	}); err != nil {
		return err
	}
	p.logger.Debug("file indexed",
		zap.String("path", path),
		zap.Uint64("version", version),
		zap.Int("spans", len(stored)),
		zap.Int("skipped_spans", skipped))
	return nil
}

// embedSpans resolves every span through the cache. Failed spans come back nil and are
// counted as skipped; only cancellation fails the whole pass.
func (p *Pipeline) embedSpans(ctx context.Context, path string, spans []models.CodeSpan) ([]*models.CodeEmbedding, int, error) {
	out := make([]*models.CodeEmbedding, len(spans))
	errs := make([]error, len(spans))
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.BatchLimit)
	for i := range spans {
		g.Go(func() error {
			out[i], errs[i] = p.embed(ctx, spans[i].Content)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	skipped := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		skipped++
		out[i] = nil
		p.logger.Warn("span skipped",
			zap.String("path", path),
			zap.Int("start_line", spans[i].StartLine),
			zap.Error(err))
	}
	return out, skipped, nil
}

func (p *Pipeline) embed(ctx context.Context, content string) (*models.CodeEmbedding, error) {
	return p.cache.GetOrCompute(ctx, content, p.embedder.ModelVersion(), func(ctx context.Context) ([]float32, error) {
		vec, err := p.embedder.Embed(ctx, content)
		if err != nil {
			return nil, err
		}
		if d := p.embedder.Dimensions(); d > 0 && len(vec) != d {
			return nil, fmt.Errorf("embedder returned %d dimensions, expected %d", len(vec), d)
		}
		return vec, nil
	})
}

func (p *Pipeline) applyRemoved(ctx context.Context, path string) error {
	mu := p.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	spans, err := p.store.SpansForFile(ctx, path)
	if err != nil {
		return err
	}
	p.adopt(path)

	mctx := context.WithoutCancel(ctx)
	for _, s := range spans {
		if err := p.index.Remove(mctx, s.Key()); err != nil {
			return p.fail(path, fmt.Errorf("remove index entry: %w", err))
		}
	}
	if err := p.store.RemoveFile(mctx, path); err != nil {
		return p.fail(path, err)
	}
	if err := p.setState(path, StateRemoved, func(s *FileStatus) {
		s.Spans = 0
		s.SkippedSpans = 0
		s.LastError = ""
	}); err != nil {
		return err
	}
	p.logger.Debug("file removed", zap.String("path", path), zap.Int("spans", len(spans)))
	return nil
}

// IndexAll applies a batch of events with bounded parallelism. Events for the same path
// keep their order. A failing file does not stop the others; failures are joined.
func (p *Pipeline) IndexAll(ctx context.Context, events []models.FileEvent) (int, error) {
	byPath := make(map[string][]models.FileEvent)
	var order []string
	for _, ev := range events {
		if _, ok := byPath[ev.File.Path]; !ok {
			order = append(order, ev.File.Path)
		}
		byPath[ev.File.Path] = append(byPath[ev.File.Path], ev)
	}

	var (
		applied atomic.Int64
		errMu   sync.Mutex
		errs    []error
	)
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Workers)
	for _, path := range order {
		g.Go(func() error {
			for _, ev := range byPath[path] {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := p.Apply(ctx, ev); err != nil {
					errMu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					errMu.Unlock()
					continue
				}
				applied.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(applied.Load()), err
	}
	return int(applied.Load()), kerr.Join(errs...)
}

// Submit enqueues ev for a background worker. It blocks while the worker's queue is full.
func (p *Pipeline) Submit(ctx context.Context, ev models.FileEvent) error {
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.poolOnce.Do(p.startWorkers)
	q := p.queues[p.shard(ev.File.Path)]
	select {
	case q <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued events.
func (p *Pipeline) Pending() int {
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

func (p *Pipeline) startWorkers() {
	p.queues = make([]chan models.FileEvent, p.cfg.Workers)
	for i := range p.queues {
		q := make(chan models.FileEvent, p.cfg.QueueSize)
		p.queues[i] = q
		p.workers.Add(1)
		go func() {
			defer p.workers.Done()
			for ev := range q {
				if err := p.Apply(p.workerCtx, ev); err != nil {
					p.logger.Warn("ingestion event failed",
						zap.String("path", ev.File.Path),
						zap.String("type", string(ev.Type)),
						zap.Error(err))
				}
			}
		}()
	}
	p.logger.Debug("ingestion workers started", zap.Int("workers", p.cfg.Workers))
}

// Close stops accepting events and waits for queued ones to drain. When ctx ends first the
// in-flight events are cancelled.
func (p *Pipeline) Close(ctx context.Context) error {
	p.queueMu.Lock()
	if p.closed {
		p.queueMu.Unlock()
		return nil
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.queueMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	defer p.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// FileStatus returns the pipeline state of path.
func (p *Pipeline) FileStatus(path string) (FileStatus, bool) {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	s, ok := p.files[path]
	if !ok {
		return FileStatus{Path: path, State: StateUnseen}, false
	}
	return *s, true
}

// Statuses returns the state of every file the pipeline has seen, ordered by path.
func (p *Pipeline) Statuses() []FileStatus {
	p.statusMu.RLock()
	out := make([]FileStatus, 0, len(p.files))
	for _, s := range p.files {
		out = append(out, *s)
	}
	p.statusMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (p *Pipeline) setState(path string, to FileState, update func(*FileStatus)) error {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	s, ok := p.files[path]
	if !ok {
		s = &FileStatus{Path: path, State: StateUnseen}
	}
	if err := transition(path, s.State, to); err != nil {
		p.logger.Error("illegal state transition", zap.String("path", path), zap.Error(err))
		return err
	}
	s.State = to
	s.UpdatedAt = p.now()
	if update != nil {
		update(s)
	}
	p.files[path] = s
	return nil
}

// adopt records a file found in the store but never seen by this pipeline as indexed.
func (p *Pipeline) adopt(path string) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	if _, ok := p.files[path]; !ok {
		p.files[path] = &FileStatus{Path: path, State: StateIndexed, UpdatedAt: p.now()}
	}
}

func (p *Pipeline) fail(path string, err error) error {
	p.statusMu.Lock()
	if s, ok := p.files[path]; ok {
		s.LastError = err.Error()
		s.UpdatedAt = p.now()
	}
	p.statusMu.Unlock()
	p.logger.Warn("ingestion failed", zap.String("path", path), zap.Error(err))
	return err
}

func (p *Pipeline) persistVersion(ctx context.Context) {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()
	v := strconv.FormatUint(p.version.Load(), 10)
	if err := p.store.SetMeta(ctx, storage.MetaLastIngestionVersion, v); err != nil {
		p.logger.Warn("persist ingestion version", zap.Error(err))
	}
}

func (p *Pipeline) lockFor(path string) *sync.Mutex {
	return &p.locks[hashPath(path)%lockStripes]
}

func (p *Pipeline) shard(path string) int {
	return int(hashPath(path) % uint32(len(p.queues)))
}

func hashPath(path string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return h.Sum32()
}

// validateSpans returns the spans sorted by start line with kinds normalised. Spans must be
// 1-based, half-open, non-overlapping, and belong to path.
func validateSpans(path string, spans []models.CodeSpan) ([]models.CodeSpan, error) {
	out := make([]models.CodeSpan, len(spans))
	copy(out, spans)
	for i := range out {
		s := &out[i]
		if s.FilePath == "" {
			s.FilePath = path
		} else if s.FilePath != path {
			return nil, kerr.New(kerr.CodeRequestInvalidInput, "span belongs to another file",
				kerr.FieldPath(path), kerr.Field("span_path", s.FilePath))
		}
		if s.StartLine < 1 || s.StartLine >= s.EndLine {
			return nil, kerr.New(kerr.CodeRequestInvalidInput, "invalid span lines",
				kerr.FieldPath(path), kerr.Field("start_line", s.StartLine), kerr.Field("end_line", s.EndLine))
		}
		s.Kind = models.NormalizeSpanKind(string(s.Kind))
		s.Dependencies = dedupe(s.Dependencies)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartLine < out[j].StartLine })
	for i := 1; i < len(out); i++ {
		if out[i].StartLine < out[i-1].EndLine {
			return nil, kerr.New(kerr.CodeRequestInvalidInput, "overlapping spans",
				kerr.FieldPath(path), kerr.Field("start_line", out[i].StartLine), kerr.Field("previous_end_line", out[i-1].EndLine))
		}
	}
	return out, nil
}

// dedupe keeps the first occurrence of each dependency.
func dedupe(deps []string) []string {
	if len(deps) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(deps))
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
