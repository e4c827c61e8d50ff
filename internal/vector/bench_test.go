package vector

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
)

func benchIndex(b *testing.B, idx VectorIndex, n, dim int) {
	b.Helper()
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < n; i++ {
		if err := idx.Insert(context.Background(), entry(fmt.Sprintf("k%06d", i), "f.go", randomVector(rng, dim))); err != nil {
			b.Fatal(err)
		}
	}
	queries := make([][]float32, 64)
	for i := range queries {
		queries[i] = randomVector(rng, dim)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := idx.Search(context.Background(), queries[i%len(queries)], 10, nil); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSearch(b *testing.B) {
	const dim = 64
	for _, n := range []int{1000, 20000} {
		b.Run(fmt.Sprintf("memory/%d", n), func(b *testing.B) {
			idx, _ := NewMemoryIndex(dim)
			benchIndex(b, idx, n, dim)
		})
		b.Run(fmt.Sprintf("graph/%d", n), func(b *testing.B) {
			idx, _ := NewGraphIndex(dim, WithBruteForceThreshold(0))
			benchIndex(b, idx, n, dim)
		})
	}
}

func BenchmarkGraphInsert(b *testing.B) {
	const dim = 64
	idx, _ := NewGraphIndex(dim)
	rng := rand.New(rand.NewPCG(3, 4))
	vecs := make([][]float32, 1024)
	for i := range vecs {
		vecs[i] = randomVector(rng, dim)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = idx.Insert(context.Background(), entry(fmt.Sprintf("k%d", i), "f.go", vecs[i%len(vecs)]))
	}
}
