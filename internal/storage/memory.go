package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/hyperjump/kensaku/internal/models"
	kerr "github.com/hyperjump/kensaku/pkg/errors"
)

type fileRecord struct {
	file   models.ProjectFile
	spans  []*models.StoredSpan
	byLine map[int]*models.StoredSpan
}

// MemoryStore is an in-process SpanStore. A file's record is rebuilt off to the side and
// swapped in under the write lock, so readers see either the old or the new span set.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]*fileRecord
	meta  map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string]*fileRecord),
		meta:  make(map[string]string),
	}
}

func (s *MemoryStore) UpsertFileSpans(ctx context.Context, file *models.ProjectFile, spans []*models.StoredSpan, version uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := &fileRecord{
		file:   *file,
		spans:  make([]*models.StoredSpan, 0, len(spans)),
		byLine: make(map[int]*models.StoredSpan, len(spans)),
	}
	rec.file.LastSeenVersion = version
	rec.file.SpanCount = len(spans)
	for _, sp := range spans {
		c := cloneSpan(sp)
		c.FilePath = file.Path
		c.Version = version
		rec.spans = append(rec.spans, c)
		rec.byLine[c.StartLine] = c
	}
	sort.Slice(rec.spans, func(i, j int) bool { return rec.spans[i].StartLine < rec.spans[j].StartLine })

	s.mu.Lock()
	s.files[file.Path] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) RemoveFile(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[path]; !ok {
		return notFound(path)
	}
	delete(s.files, path)
	return nil
}

func (s *MemoryStore) SpansForFile(ctx context.Context, path string) ([]*models.StoredSpan, error) {
	s.mu.RLock()
	rec, ok := s.files[path]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(path)
	}
	out := make([]*models.StoredSpan, len(rec.spans))
	for i, sp := range rec.spans {
		out[i] = cloneSpan(sp)
	}
	return out, nil
}

func (s *MemoryStore) GetSpan(ctx context.Context, path string, startLine int) (*models.StoredSpan, error) {
	s.mu.RLock()
	rec, ok := s.files[path]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(path)
	}
	sp, ok := rec.byLine[startLine]
	if !ok {
		return nil, kerr.New(kerr.CodeFileNotFound, "span not found", kerr.FieldPath(path), kerr.Field("start_line", startLine))
	}
	return cloneSpan(sp), nil
}

func (s *MemoryStore) GetFile(ctx context.Context, path string) (*models.ProjectFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.files[path]
	if !ok {
		return nil, notFound(path)
	}
	f := rec.file
	return &f, nil
}

func (s *MemoryStore) AllFiles(ctx context.Context) ([]*models.ProjectFile, error) {
	return s.filterFiles(func(*models.ProjectFile) bool { return true }), nil
}

func (s *MemoryStore) Touch(ctx context.Context, path string, version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.files[path]
	if !ok {
		return notFound(path)
	}
	// Records are shared with concurrent readers; replace rather than mutate.
	next := *rec
	next.file.LastSeenVersion = version
	s.files[path] = &next
	return nil
}

func (s *MemoryStore) StaleFiles(ctx context.Context, belowVersion uint64) ([]*models.ProjectFile, error) {
	return s.filterFiles(func(f *models.ProjectFile) bool { return f.LastSeenVersion < belowVersion }), nil
}

func (s *MemoryStore) filterFiles(keep func(*models.ProjectFile) bool) []*models.ProjectFile {
	s.mu.RLock()
	out := make([]*models.ProjectFile, 0, len(s.files))
	for _, rec := range s.files {
		f := rec.file
		if keep(&f) {
			out = append(out, &f)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (s *MemoryStore) CountFiles(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.files)), nil
}

func (s *MemoryStore) CountSpans(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, rec := range s.files {
		n += int64(len(rec.spans))
	}
	return n, nil
}

func (s *MemoryStore) Meta(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	return v, ok, nil
}

func (s *MemoryStore) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.meta[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.files = make(map[string]*fileRecord)
	s.meta = make(map[string]string)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneSpan(sp *models.StoredSpan) *models.StoredSpan {
	c := *sp
	if sp.Dependencies != nil {
		c.Dependencies = append([]string(nil), sp.Dependencies...)
	}
	return &c
}

func notFound(path string) error {
	return kerr.New(kerr.CodeFileNotFound, "file not indexed", kerr.FieldPath(path))
}
