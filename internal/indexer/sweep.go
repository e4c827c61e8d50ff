package indexer

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kensaku/internal/models"
	kerr "github.com/hyperjump/kensaku/pkg/errors"
)

// SweepResult summarises one reconciliation sweep.
type SweepResult struct {
	Candidates int `json:"candidates"`
	Touched    int `json:"touched"`
	Removed    int `json:"removed"`
}

// Sweep reconciles files whose last seen version lags the current pass by more than the
// stale threshold. With an exists probe, candidates that still exist are touched; all other
// candidates are removed.
func (p *Pipeline) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	current := p.version.Load()
	if current <= p.cfg.StaleThreshold {
		return res, nil
	}
	cutoff := current - p.cfg.StaleThreshold
	candidates, err := p.store.StaleFiles(ctx, cutoff)
	if err != nil {
		return res, err
	}
	res.Candidates = len(candidates)

	var errs []error
	for _, f := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.exists != nil && p.exists(f.Path) {
			touched, err := p.touch(ctx, f.Path, cutoff, current)
			if err != nil {
				errs = append(errs, err)
			} else if touched {
				res.Touched++
			}
			continue
		}
		if err := p.applyRemoved(ctx, f.Path); err != nil {
			if !kerr.IsNotFound(err) {
				errs = append(errs, err)
			}
			continue
		}
		res.Removed++
	}
	if res.Candidates > 0 {
		p.logger.Info("reconciliation sweep",
			zap.Uint64("version", current),
			zap.Int("candidates", res.Candidates),
			zap.Int("touched", res.Touched),
			zap.Int("removed", res.Removed))
	}
	return res, kerr.Join(errs...)
}

// touch marks a still-existing file as seen unless a newer pass reached it meanwhile.
func (p *Pipeline) touch(ctx context.Context, path string, cutoff, version uint64) (bool, error) {
	mu := p.lockFor(path)
	mu.Lock()
	defer mu.Unlock()
	f, err := p.store.GetFile(ctx, path)
	if err != nil {
		if kerr.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if f.LastSeenVersion >= cutoff {
		return false, nil
	}
	if err := p.store.Touch(ctx, path, version); err != nil {
		return false, err
	}
	p.statusMu.Lock()
	if s, ok := p.files[path]; ok {
		s.Version = version
	}
	p.statusMu.Unlock()
	return true, nil
}

// RunSweeper runs Sweep every interval until ctx ends.
func (p *Pipeline) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// Repair handles an index entry whose back-reference no longer resolves in the span store:
// it drops the entry and restores any of the file's stored spans missing from the index.
// An entry that resolves again by the time the file lock is held is left alone.
func (p *Pipeline) Repair(ctx context.Context, key string) error {
	entry, ok := p.index.Get(key)
	if !ok {
		return nil
	}
	path := entry.FilePath
	mu := p.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	if _, ok := p.index.Get(key); !ok {
		return nil
	}
	span, err := p.store.GetSpan(ctx, path, entry.StartLine)
	switch {
	case err == nil && span.EmbeddingID == entry.EmbeddingID:
		return nil
	case err != nil && !kerr.IsNotFound(err):
		return err
	}

	mctx := context.WithoutCancel(ctx)
	if err := p.index.Remove(mctx, key); err != nil {
		return err
	}
	p.logger.Warn("dropped corrupt index entry", zap.String("key", key), zap.String("path", path))

	spans, err := p.store.SpansForFile(ctx, path)
	if err != nil {
		if kerr.IsNotFound(err) {
			return nil
		}
		return err
	}
	restored, err := p.insertSpans(ctx, spans, true)
	if restored > 0 {
		p.logger.Info("re-indexed file spans", zap.String("path", path), zap.Int("entries", restored))
	}
	return err
}

// RebuildIndex inserts every stored span into the vector index, recomputing vectors through
// the cache. It returns the number of entries inserted.
func (p *Pipeline) RebuildIndex(ctx context.Context) (int, error) {
	files, err := p.store.AllFiles(ctx)
	if err != nil {
		return 0, err
	}
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, f := range files {
		g.Go(func() error {
			mu := p.lockFor(f.Path)
			mu.Lock()
			defer mu.Unlock()
			spans, err := p.store.SpansForFile(gctx, f.Path)
			if err != nil {
				if kerr.IsNotFound(err) {
					return nil
				}
				return err
			}
			n, err := p.insertSpans(gctx, spans, false)
			total.Add(int64(n))
			return err
		})
	}
	err = g.Wait()
	p.logger.Info("vector index rebuilt from span store",
		zap.Int("files", len(files)), zap.Int64("entries", total.Load()))
	return int(total.Load()), err
}

// insertSpans indexes stored spans, skipping those already present when onlyMissing is set.
// Spans whose content no longer hashes to their embedding ID are skipped.
func (p *Pipeline) insertSpans(ctx context.Context, spans []*models.StoredSpan, onlyMissing bool) (int, error) {
	n := 0
	for _, s := range spans {
		key := s.Key()
		if onlyMissing {
			if _, ok := p.index.Get(key); ok {
				continue
			}
		}
		emb, err := p.embed(ctx, s.Content)
		if err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			p.logger.Warn("span not restored", zap.String("key", key), zap.Error(err))
			continue
		}
		if emb.ID != s.EmbeddingID {
			p.logger.Warn("stored span does not match its embedding id", zap.String("key", key))
			continue
		}
		if err := p.index.Insert(context.WithoutCancel(ctx), models.IndexEntry{
			Key:             key,
			EmbeddingID:     emb.ID,
			Vector:          emb.Vector,
			FilePath:        s.FilePath,
			StartLine:       s.StartLine,
			Kind:            s.Kind,
			LastSeenVersion: s.Version,
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
