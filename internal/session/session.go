// Package session wires one project's span store, embedding cache, vector index, ingestion
// pipeline and query engine together for the lifetime of an open project.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/extract"
	"github.com/hyperjump/kensaku/internal/indexer"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/search"
	"github.com/hyperjump/kensaku/internal/storage"
	"github.com/hyperjump/kensaku/internal/vector"
	kerr "github.com/hyperjump/kensaku/pkg/errors"
)

const (
	spansFile   = "spans.db"
	vectorsFile = "vectors.idx"
)

// Session is an open project.
type Session struct {
	ID      string
	Root    string
	DataDir string

	Store     storage.SpanStore
	Cache     *embedding.Cache
	Index     vector.VectorIndex
	Pipeline  *indexer.Pipeline
	Engine    *search.Engine
	Extractor extract.SpanExtractor

	cfg      *config.Config
	embedder embedding.Embedder
	logger   *zap.Logger
	persist  bool

	stopSweeper context.CancelFunc
	sweeperDone chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

type options struct {
	logger    *zap.Logger
	extractor extract.SpanExtractor
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger; the session ID is attached to every line.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithExtractor replaces the default tree-sitter span extractor.
func WithExtractor(ex extract.SpanExtractor) Option {
	return func(o *options) { o.extractor = ex }
}

// ProjectKey names the data directory of a project: the SHA-256 of its cleaned absolute path.
func ProjectKey(projectPath string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(projectPath)))
	return hex.EncodeToString(sum[:])
}

// Open creates the components of one project. Persisted state written under a different
// embedding model version is discarded; a vector file that is missing, unreadable, or out
// of step with the span store is rebuilt from the stored spans.
func Open(ctx context.Context, cfg *config.Config, projectPath string, embedder embedding.Embedder, opts ...Option) (*Session, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	root, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, kerr.Wrap(err, kerr.CodeRequestInvalidInput, "resolve project path", kerr.FieldPath(projectPath))
	}
	s := &Session{
		ID:        uuid.NewString(),
		Root:      root,
		DataDir:   filepath.Join(cfg.Storage.DataDir, ProjectKey(root)),
		Extractor: o.extractor,
		cfg:       cfg,
		embedder:  embedder,
		persist:   cfg.Storage.Backend == "sqlite",
	}
	if s.Extractor == nil {
		s.Extractor = extract.NewExtractor()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	s.logger = o.logger.With(zap.String("session_id", s.ID), zap.String("project", root))

	if err := s.openStore(ctx); err != nil {
		return nil, err
	}
	rebuild, err := s.openIndex(ctx)
	if err != nil {
		_ = s.Store.Close()
		return nil, err
	}

	s.Cache = embedding.NewCache(cfg.Embedding.CacheSize, embedding.WithCacheLogger(s.logger))
	s.Pipeline = indexer.New(s.Store, s.Index, s.Cache, embedder, cfg.Ingest,
		indexer.WithLogger(s.logger),
		indexer.WithExistsProbe(storage.RelativeExists(root)))
	if err := s.Pipeline.Restore(ctx); err != nil {
		s.closeComponents()
		return nil, err
	}
	if rebuild {
		if _, err := s.Pipeline.RebuildIndex(ctx); err != nil {
			s.logger.Warn("vector index rebuild incomplete", zap.Error(err))
		}
	}

	engineOpts := []search.EngineOption{
		search.WithLogger(s.logger),
		search.WithRepair(s.Pipeline.Repair),
	}
	if s.persist {
		engineOpts = append(engineOpts, search.WithDataPaths(s.DataDir))
	}
	s.Engine = search.NewEngine(s.Store, s.Index, s.Cache, embedder, cfg.Search, engineOpts...)

	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stopSweeper = cancel
	s.sweeperDone = make(chan struct{})
	go func() {
		defer close(s.sweeperDone)
		s.Pipeline.RunSweeper(sweepCtx, cfg.Ingest.SweepInterval)
	}()

	s.logger.Info("project opened",
		zap.String("data_dir", s.DataDir),
		zap.String("model_version", embedder.ModelVersion()),
		zap.Int("vector_entries", s.Index.Len()),
		zap.Uint64("version", s.Pipeline.Version()))
	return s, nil
}

func (s *Session) openStore(ctx context.Context) error {
	if s.persist {
		if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
			return kerr.Wrap(err, kerr.CodeStoreDatabaseFailure, "create data directory", kerr.FieldPath(s.DataDir))
		}
		store, err := storage.NewSQLiteStore(filepath.Join(s.DataDir, spansFile))
		if err != nil {
			return err
		}
		s.Store = store
	} else {
		s.Store = storage.NewMemoryStore()
	}

	model := s.embedder.ModelVersion()
	stored, ok, err := s.Store.Meta(ctx, storage.MetaModelVersion)
	if err == nil && ok && stored != model {
		s.logger.Warn("embedding model changed; discarding persisted index",
			zap.String("stored_model_version", stored), zap.String("model_version", model))
		err = s.Store.Clear(ctx)
		if err == nil {
			err = removeIfExists(s.vectorsPath())
		}
	}
	if err == nil {
		err = s.Store.SetMeta(ctx, storage.MetaModelVersion, model)
	}
	if err != nil {
		_ = s.Store.Close()
		return err
	}
	return nil
}

// openIndex creates the vector index and loads the persisted vectors. It reports whether
// the index must be rebuilt from the span store.
func (s *Session) openIndex(ctx context.Context) (bool, error) {
	newIndex := func() (vector.VectorIndex, error) {
		opts := append(vector.OptionsFromConfig(s.cfg.Vector),
			vector.WithLogger(s.logger),
			vector.WithModelVersion(s.embedder.ModelVersion()))
		return vector.NewVectorIndex(s.cfg.Vector.Type, s.embedder.Dimensions(), opts...)
	}
	idx, err := newIndex()
	if err != nil {
		return false, err
	}
	s.Index = idx

	spans, err := s.Store.CountSpans(ctx)
	if err != nil {
		return false, err
	}
	if !s.persist || spans == 0 {
		return false, nil
	}
	loadErr := idx.Load(s.vectorsPath())
	if loadErr == nil && int64(idx.Len()) == spans {
		return false, nil
	}
	s.logger.Info("rebuilding vector index from span store",
		zap.Int64("spans", spans), zap.Int("loaded_entries", idx.Len()), zap.Error(loadErr))
	_ = idx.Close()
	if s.Index, err = newIndex(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Session) vectorsPath() string {
	return filepath.Join(s.DataDir, vectorsFile)
}

// RelPath maps path onto the key recorded in the span store.
func (s *Session) RelPath(path string) string {
	if !filepath.IsAbs(path) {
		return filepath.ToSlash(filepath.Clean(path))
	}
	return extract.RelPath(s.Root, path)
}

// Event reads path and builds its change event, or a removal event when it no longer exists.
func (s *Session) Event(ctx context.Context, path string) (models.FileEvent, error) {
	ev, err := extract.Load(ctx, s.Extractor, s.Root, path)
	if errors.Is(err, fs.ErrNotExist) {
		return models.FileRemoved(s.RelPath(path)), nil
	}
	return ev, err
}

// IngestFile re-reads path and applies its event synchronously.
func (s *Session) IngestFile(ctx context.Context, path string) error {
	ev, err := s.Event(ctx, path)
	if err != nil {
		return err
	}
	return s.Pipeline.Apply(ctx, ev)
}

// SubmitFile re-reads path and queues its event for the ingestion workers.
func (s *Session) SubmitFile(ctx context.Context, path string) error {
	ev, err := s.Event(ctx, path)
	if err != nil {
		return err
	}
	return s.Pipeline.Submit(ctx, ev)
}

// RemoveFile applies a removal event for path.
func (s *Session) RemoveFile(ctx context.Context, path string) error {
	return s.Pipeline.Apply(ctx, models.FileRemoved(s.RelPath(path)))
}

// SubmitRemoval queues a removal event for path behind any queued change of the same file.
func (s *Session) SubmitRemoval(ctx context.Context, path string) error {
	return s.Pipeline.Submit(ctx, models.FileRemoved(s.RelPath(path)))
}

// IngestFiles reads every path and applies the events with bounded parallelism. Files that
// cannot be read are skipped with a warning.
func (s *Session) IngestFiles(ctx context.Context, paths []string) (int, error) {
	events := make([]models.FileEvent, 0, len(paths))
	for _, p := range paths {
		ev, err := s.Event(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			s.logger.Warn("file skipped", zap.String("path", p), zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return s.Pipeline.IndexAll(ctx, events)
}

// Save writes the vector index next to the span store.
func (s *Session) Save() error {
	if !s.persist {
		return nil
	}
	if err := s.Index.Save(s.vectorsPath()); err != nil {
		return kerr.Wrap(err, kerr.CodeIndexPersistFailure, "save vector index", kerr.FieldPath(s.vectorsPath()))
	}
	return nil
}

// Close stops the workers and the sweeper, saves the index, and releases every component.
// Queued events still drain unless ctx ends first.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		s.stopSweeper()
		<-s.sweeperDone
		if err := s.Pipeline.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close pipeline: %w", err))
		}
		s.Engine.WaitRepairs()
		if err := s.Save(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.closeComponents())
		s.closeErr = kerr.Join(errs...)
		s.logger.Info("project closed", zap.Error(s.closeErr))
	})
	return s.closeErr
}

func (s *Session) closeComponents() error {
	var errs []error
	if s.Index != nil {
		if err := s.Index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close vector index: %w", err))
		}
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close span store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return kerr.Wrap(err, kerr.CodeIndexPersistFailure, "remove vector file", kerr.FieldPath(path))
	}
	return nil
}
