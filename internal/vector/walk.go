package vector

import (
	"container/heap"
	"context"
	"sort"
)

type candidate struct {
	idx   int32
	score float64
}

// closer is a total order: higher score first, lower arena index on ties.
func (c candidate) closer(o candidate) bool {
	if c.score != o.score {
		return c.score > o.score
	}
	return c.idx < o.idx
}

// nearHeap pops the closest candidate first.
type nearHeap []candidate

func (h nearHeap) Len() int           { return len(h) }
func (h nearHeap) Less(i, j int) bool { return h[i].closer(h[j]) }
func (h nearHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nearHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *nearHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// farHeap pops the farthest candidate first.
type farHeap []candidate

func (h farHeap) Len() int           { return len(h) }
func (h farHeap) Less(i, j int) bool { return h[j].closer(h[i]) }
func (h farHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *farHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *farHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

type bitset []uint64

func newBitset(n int) bitset { return make(bitset, n/64+1) }

func (b bitset) has(i int32) bool { return b[i/64]&(1<<(uint(i)%64)) != 0 }

func (b bitset) set(i int32) { b[i/64] |= 1 << (uint(i) % 64) }

// greedyClosest walks layer from ep towards q, moving while a neighbour is closer.
func greedyClosest(nodes []*node, q []float32, ep int32, epScore float64, layer int) (int32, float64) {
	limit := int32(len(nodes))
	for changed := true; changed; {
		changed = false
		for _, nb := range nodes[ep].neighbors(layer) {
			if nb >= limit {
				continue
			}
			s := InnerProduct(q, nodes[nb].vector())
			if (candidate{idx: nb, score: s}).closer(candidate{idx: ep, score: epScore}) {
				ep, epScore = nb, s
				changed = true
			}
		}
	}
	return ep, epScore
}

// searchLayer is a best-first walk of one layer keeping the ef closest nodes. visit, when set,
// sees every node scored during the walk. The result is ordered closest first.
func searchLayer(ctx context.Context, nodes []*node, q []float32, ep int32, epScore float64, ef, layer int, visit func(int32, float64)) ([]candidate, error) {
	limit := int32(len(nodes))
	visited := newBitset(len(nodes))
	visited.set(ep)
	if visit != nil {
		visit(ep, epScore)
	}

	start := candidate{idx: ep, score: epScore}
	frontier := nearHeap{start}
	best := farHeap{start}

	for steps := 0; frontier.Len() > 0; steps++ {
		if steps%256 == 255 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		c := heap.Pop(&frontier).(candidate)
		if best.Len() >= ef && best[0].closer(c) {
			break
		}
		for _, nb := range nodes[c.idx].neighbors(layer) {
			if nb >= limit || visited.has(nb) {
				continue
			}
			visited.set(nb)
			s := InnerProduct(q, nodes[nb].vector())
			if visit != nil {
				visit(nb, s)
			}
			cand := candidate{idx: nb, score: s}
			if best.Len() < ef || cand.closer(best[0]) {
				heap.Push(&frontier, cand)
				heap.Push(&best, cand)
				if best.Len() > ef {
					heap.Pop(&best)
				}
			}
		}
	}

	out := []candidate(best)
	sort.Slice(out, func(i, j int) bool { return out[i].closer(out[j]) })
	return out, nil
}
