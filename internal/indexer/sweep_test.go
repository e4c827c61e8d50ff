package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/vector"
)

func ingestThree(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.pipeline.Apply(ctx, changed("a.go", span(1, 3, "func A() {}"))))
	require.NoError(t, f.pipeline.Apply(ctx, changed("b.go", span(1, 3, "func B() {}"))))
	require.NoError(t, f.pipeline.Apply(ctx, changed("c.go", span(1, 3, "func C() {}"))))
}

func TestSweep_RemovesLaggingFilesWithoutProbe(t *testing.T) {
	f := newFixture(t, config.IngestConfig{StaleThreshold: 1})
	ingestThree(t, f)

	res, err := f.pipeline.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Candidates: 1, Removed: 1}, res)

	files, err := f.store.AllFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "b.go", files[0].Path)
	assert.Equal(t, 2, f.index.Len())
}

func TestSweep_TouchesFilesThatStillExist(t *testing.T) {
	exists := func(path string) bool { return path == "a.go" }
	f := newFixture(t, config.IngestConfig{StaleThreshold: 0}, WithExistsProbe(exists))
	ingestThree(t, f)

	res, err := f.pipeline.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 1, res.Touched)
	assert.Equal(t, 1, res.Removed)

	file, err := f.store.GetFile(context.Background(), "a.go")
	require.NoError(t, err)
	assert.EqualValues(t, 3, file.LastSeenVersion)
	_, err = f.store.GetFile(context.Background(), "b.go")
	assert.Error(t, err)

	again, err := f.pipeline.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Candidates)
}

func TestSweep_NothingBeforeThreshold(t *testing.T) {
	f := newFixture(t, config.IngestConfig{StaleThreshold: 10})
	ingestThree(t, f)
	res, err := f.pipeline.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)
}

func TestRunSweeper(t *testing.T) {
	f := newFixture(t, config.IngestConfig{StaleThreshold: 1})
	ingestThree(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.pipeline.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()
	assert.Eventually(t, func() bool {
		n, err := f.store.CountFiles(context.Background())
		return err == nil && n == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestRepair_DropsDanglingEntryAndRestoresFile(t *testing.T) {
	f := newFixture(t, config.IngestConfig{})
	ctx := context.Background()
	require.NoError(t, f.pipeline.Apply(ctx, changed("a.go", span(1, 3, "func A() {}"), span(4, 6, "func B() {}"))))
	spans, err := f.store.SpansForFile(ctx, "a.go")
	require.NoError(t, err)

	// One real entry lost, one entry pointing at a span the store never had.
	require.NoError(t, f.index.Remove(ctx, spans[1].Key()))
	vec := f.index.Entries()[0].Vector
	dangling := models.IndexEntry{
		Key: models.EntryKey("ghost", "a.go", 40), EmbeddingID: "ghost",
		FilePath: "a.go", StartLine: 40, Kind: models.SpanFunction, Vector: vec,
	}
	require.NoError(t, f.index.Insert(ctx, dangling))

	require.NoError(t, f.pipeline.Repair(ctx, dangling.Key))
	_, ok := f.index.Get(dangling.Key)
	assert.False(t, ok)
	_, ok = f.index.Get(spans[1].Key())
	assert.True(t, ok, "missing span re-indexed")
	assert.Equal(t, 2, f.index.Len())
}

func TestRepair_HealthyEntryIsKept(t *testing.T) {
	f := newFixture(t, config.IngestConfig{})
	ctx := context.Background()
	require.NoError(t, f.pipeline.Apply(ctx, changed("a.go", span(1, 3, "func A() {}"))))
	key := f.index.Entries()[0].Key
	require.NoError(t, f.pipeline.Repair(ctx, key))
	_, ok := f.index.Get(key)
	assert.True(t, ok)
	require.NoError(t, f.pipeline.Repair(ctx, "absent"))
}

func TestRebuildIndex_RecomputesEvictedVectors(t *testing.T) {
	f := newFixture(t, config.IngestConfig{Workers: 2})
	ctx := context.Background()
	ingestThree(t, f)
	calls := f.embedder.Calls()

	idx, err := vector.NewGraphIndex(8)
	require.NoError(t, err)
	small := embedding.NewCache(1)
	p := New(f.store, idx, small, f.embedder, config.IngestConfig{Workers: 2})
	n, err := p.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, calls+3, f.embedder.Calls())

	for _, e := range idx.Entries() {
		got, ok := f.index.Get(e.Key)
		require.True(t, ok)
		assert.Equal(t, got.Vector, e.Vector)
	}
}
