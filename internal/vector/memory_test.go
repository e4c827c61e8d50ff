package vector

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kensaku/internal/models"
	kerr "github.com/hyperjump/kensaku/pkg/errors"
)

func entry(key, path string, vec []float32) models.IndexEntry {
	return models.IndexEntry{Key: key, EmbeddingID: "e-" + key, FilePath: path, Kind: models.SpanFunction, Vector: vec}
}

// indexFactories builds each index type. The graph variant has a zero brute-force threshold
// so its tests exercise the graph walk.
func indexFactories() map[string]func(dim int) VectorIndex {
	return map[string]func(dim int) VectorIndex{
		"memory": func(dim int) VectorIndex {
			idx, _ := NewMemoryIndex(dim, WithModelVersion("m1"))
			return idx
		},
		"graph": func(dim int) VectorIndex {
			idx, _ := NewGraphIndex(dim, WithModelVersion("m1"), WithBruteForceThreshold(0), WithGraphParams(4, 32, 16))
			return idx
		},
		"graph_exact": func(dim int) VectorIndex {
			idx, _ := NewGraphIndex(dim, WithModelVersion("m1"))
			return idx
		},
	}
}

func keysOf(rs []*VectorResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Key
	}
	return out
}

func TestIndex_NearestScenario(t *testing.T) {
	for name, newIndex := range indexFactories() {
		t.Run(name, func(t *testing.T) {
			idx := newIndex(2)
			defer idx.Close()
			ctx := context.Background()
			for key, v := range map[string][]float32{"a": {1, 0}, "b": {0.9, 0.1}, "c": {0, 1}, "d": {-1, 0}} {
				require.NoError(t, idx.Insert(ctx, entry(key, "f.go", v)))
			}
			results, err := idx.Search(ctx, []float32{1, 0}, 2, nil)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, keysOf(results))
			assert.InDelta(t, 1.0, results[0].Score, 1e-6)

			all, err := idx.Search(ctx, []float32{1, 0}, 10, nil)
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, "d", all[3].Key)
			assert.InDelta(t, -1.0, all[3].Score, 1e-6)
		})
	}
}

func TestIndex_EdgeCases(t *testing.T) {
	for name, newIndex := range indexFactories() {
		t.Run(name, func(t *testing.T) {
			idx := newIndex(2)
			defer idx.Close()
			ctx := context.Background()

			res, err := idx.Search(ctx, []float32{1, 0}, 3, nil)
			require.NoError(t, err)
			assert.Empty(t, res, "empty index")

			require.NoError(t, idx.Insert(ctx, entry("a", "f.go", []float32{1, 0})))
			res, err = idx.Search(ctx, []float32{1, 0}, 0, nil)
			require.NoError(t, err)
			assert.Empty(t, res, "k <= 0")
			res, err = idx.Search(ctx, []float32{1, 0}, -3, nil)
			require.NoError(t, err)
			assert.Empty(t, res)

			res, err = idx.Search(ctx, []float32{1, 0}, math.MaxInt, nil)
			require.NoError(t, err, "k larger than any index")
			assert.Equal(t, []string{"a"}, keysOf(res))

			require.NoError(t, idx.Remove(ctx, "absent"), "remove of absent key is a no-op")

			_, err = idx.Search(ctx, []float32{1, 0, 0}, 1, nil)
			assert.Error(t, err, "dimension mismatch")
			assert.Error(t, idx.Insert(ctx, entry("x", "f.go", []float32{1})))
		})
	}
}

func TestIndex_DuplicateKeyReplaces(t *testing.T) {
	for name, newIndex := range indexFactories() {
		t.Run(name, func(t *testing.T) {
			idx := newIndex(2)
			defer idx.Close()
			ctx := context.Background()
			require.NoError(t, idx.Insert(ctx, entry("a", "f.go", []float32{1, 0})))
			require.NoError(t, idx.Insert(ctx, entry("b", "f.go", []float32{0.7, 0.7})))
			require.NoError(t, idx.Insert(ctx, entry("a", "f.go", []float32{0, 1})))
			assert.Equal(t, 2, idx.Len())

			res, err := idx.Search(ctx, []float32{0, 1}, 5, nil)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, keysOf(res), "no duplicate nodes for a")
			got, ok := idx.Get("a")
			require.True(t, ok)
			assert.InDelta(t, 1.0, got.Vector[1], 1e-6)
		})
	}
}

func TestIndex_FilterAppliedBeforeRanking(t *testing.T) {
	for name, newIndex := range indexFactories() {
		t.Run(name, func(t *testing.T) {
			idx := newIndex(2)
			defer idx.Close()
			ctx := context.Background()
			require.NoError(t, idx.Insert(ctx, entry("a", "A.go", []float32{1, 0})))
			require.NoError(t, idx.Insert(ctx, entry("b", "B.go", []float32{0.5, 0.5})))
			require.NoError(t, idx.Insert(ctx, entry("c", "B.go", []float32{0, 1})))

			notA := func(path string, _ models.SpanKind) bool { return path != "A.go" }
			res, err := idx.Search(ctx, []float32{1, 0}, 1, notA)
			require.NoError(t, err)
			assert.Equal(t, []string{"b"}, keysOf(res))
		})
	}
}

func TestIndex_TiesBreakByKey(t *testing.T) {
	for name, newIndex := range indexFactories() {
		t.Run(name, func(t *testing.T) {
			idx := newIndex(2)
			defer idx.Close()
			ctx := context.Background()
			for _, key := range []string{"z", "m", "a", "q"} {
				require.NoError(t, idx.Insert(ctx, entry(key, "f.go", []float32{1, 1})))
			}
			res, err := idx.Search(ctx, []float32{1, 1}, 3, nil)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "m", "q"}, keysOf(res))
		})
	}
}

// After any sequence of inserts and removes, removed keys never come back, results are
// bounded by k and ordered by non-increasing score with ties by key.
func TestIndex_RandomOperationsProperty(t *testing.T) {
	for name, newIndex := range indexFactories() {
		t.Run(name, func(t *testing.T) {
			idx := newIndex(8)
			defer idx.Close()
			ctx := context.Background()
			rng := rand.New(rand.NewPCG(7, 11))
			live := map[string]bool{}

			for step := 0; step < 600; step++ {
				key := fmt.Sprintf("k%03d", rng.IntN(150))
				if rng.IntN(3) == 0 {
					require.NoError(t, idx.Remove(ctx, key))
					delete(live, key)
				} else {
					require.NoError(t, idx.Insert(ctx, entry(key, "f.go", randomVector(rng, 8))))
					live[key] = true
				}
				if step%25 != 0 {
					continue
				}
				k := 1 + rng.IntN(12)
				res, err := idx.Search(ctx, randomVector(rng, 8), k, nil)
				require.NoError(t, err)
				assert.LessOrEqual(t, len(res), k)
				for i, r := range res {
					assert.True(t, live[r.Key], "removed key %s returned", r.Key)
					if i > 0 {
						prev := res[i-1]
						assert.True(t, prev.Score > r.Score || (prev.Score == r.Score && prev.Key < r.Key),
							"results out of order at %d", i)
					}
				}
			}
			assert.Equal(t, len(live), idx.Len())
		})
	}
}

func TestIndex_SearchIsDeterministic(t *testing.T) {
	for name, newIndex := range indexFactories() {
		t.Run(name, func(t *testing.T) {
			idx := newIndex(8)
			defer idx.Close()
			ctx := context.Background()
			rng := rand.New(rand.NewPCG(1, 2))
			for i := 0; i < 300; i++ {
				require.NoError(t, idx.Insert(ctx, entry(fmt.Sprintf("k%d", i), "f.go", randomVector(rng, 8))))
			}
			q := randomVector(rng, 8)
			first, err := idx.Search(ctx, q, 10, nil)
			require.NoError(t, err)
			for i := 0; i < 5; i++ {
				again, err := idx.Search(ctx, q, 10, nil)
				require.NoError(t, err)
				assert.Equal(t, keysOf(first), keysOf(again))
			}
		})
	}
}

func TestIndex_SaveLoad(t *testing.T) {
	for name, newIndex := range indexFactories() {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "idx", "vectors.idx")
			idx := newIndex(3)
			ctx := context.Background()
			e := entry("a", "src/a.go", []float32{1, 0, 0})
			e.StartLine = 12
			e.LastSeenVersion = 9
			require.NoError(t, idx.Insert(ctx, e))
			require.NoError(t, idx.Insert(ctx, entry("b", "src/b.go", []float32{0, 1, 0})))
			require.NoError(t, idx.Save(path))

			loaded := newIndex(3)
			defer loaded.Close()
			require.NoError(t, loaded.Load(path))
			assert.Equal(t, 2, loaded.Len())
			got, ok := loaded.Get("a")
			require.True(t, ok)
			assert.Equal(t, 12, got.StartLine)
			assert.Equal(t, uint64(9), got.LastSeenVersion)
			assert.Equal(t, "e-a", got.EmbeddingID)

			res, err := loaded.Search(ctx, []float32{1, 0, 0}, 1, nil)
			require.NoError(t, err)
			assert.Equal(t, []string{"a"}, keysOf(res))

			// Missing files leave the index unchanged.
			require.NoError(t, loaded.Load(filepath.Join(t.TempDir(), "missing.idx")))
			assert.Equal(t, 2, loaded.Len())
		})
	}
}

func TestIndex_LoadRejectsOtherModelVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.idx")
	idx, err := NewMemoryIndex(2, WithModelVersion("old-model"))
	require.NoError(t, err)
	require.NoError(t, idx.Insert(context.Background(), entry("a", "f.go", []float32{1, 0})))
	require.NoError(t, idx.Save(path))

	other, err := NewGraphIndex(2, WithModelVersion("new-model"))
	require.NoError(t, err)
	err = other.Load(path)
	assert.True(t, kerr.IsModelVersionMismatch(err), "got %v", err)
	assert.Zero(t, other.Len())

	wrongDim, err := NewMemoryIndex(3, WithModelVersion("old-model"))
	require.NoError(t, err)
	assert.True(t, kerr.HasCode(wrongDim.Load(path), kerr.CodeIndexFormatInvalid))
}

func TestMemoryIndex_Entries(t *testing.T) {
	idx, err := NewMemoryIndex(2)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, idx.Insert(ctx, entry("b", "f.go", []float32{0, 1})))
	require.NoError(t, idx.Insert(ctx, entry("a", "f.go", []float32{1, 0})))
	require.NoError(t, idx.Remove(ctx, "b"))
	entries := idx.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Key)
}

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}
