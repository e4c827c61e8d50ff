package vector

import (
	"container/heap"
	"math"
	"sort"
)

// InnerProduct returns the inner product of two vectors (for normalized vectors equals cosine similarity).
func InnerProduct(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// L2Norm returns the L2 norm of a vector.
func L2Norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// CosineSimilarity returns the cosine similarity of a and b in [-1, 1]. Zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	na, nb := L2Norm(a), L2Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return clampScore(InnerProduct(a, b) / (na * nb))
}

// normalize returns a unit-length copy of x.
func normalize(x []float32) []float32 {
	out := make([]float32, len(x))
	n := L2Norm(x)
	if n == 0 {
		return out
	}
	for i, v := range x {
		out[i] = float32(float64(v) / n)
	}
	return out
}

func clampScore(s float64) float64 {
	return math.Max(-1, math.Min(1, s))
}

// better orders results: higher score first, then key ascending.
func better(a, b *VectorResult) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Key < b.Key
}

func sortResults(rs []*VectorResult) {
	sort.Slice(rs, func(i, j int) bool { return better(rs[i], rs[j]) })
}

// topK keeps the k best results seen. The root of the heap is the worst kept result.
type topK struct {
	k     int
	items resultHeap
}

// newTopK sizes the heap by the smaller of k and the number of candidates.
func newTopK(k, candidates int) *topK {
	return &topK{k: k, items: make(resultHeap, 0, min(k, candidates))}
}

func (t *topK) offer(r *VectorResult) {
	if len(t.items) < t.k {
		heap.Push(&t.items, r)
		return
	}
	if better(r, t.items[0]) {
		t.items[0] = r
		heap.Fix(&t.items, 0)
	}
}

func (t *topK) full() bool { return len(t.items) >= t.k }

func (t *topK) len() int { return len(t.items) }

// sorted returns the kept results best first.
func (t *topK) sorted() []*VectorResult {
	out := make([]*VectorResult, len(t.items))
	copy(out, t.items)
	sortResults(out)
	return out
}

type resultHeap []*VectorResult

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(*VectorResult)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
