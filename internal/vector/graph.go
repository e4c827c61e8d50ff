package vector

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/models"
)

const (
	maxGraphLevel = 16
	// Rebuilds are not worth it for tiny arenas.
	minRebuildNodes = 32
)

// record is an immutable index entry. Graph nodes for the same insertion share one record,
// including across rebuilds; keys maps each live key to its current record. seq is the first
// snapshot containing the record and next is the record that replaced it.
type record struct {
	entry models.IndexEntry
	seq   uint64
	next  atomic.Pointer[record]
}

// node is a vertex of the graph. Neighbour lists hold arena indices and are replaced, never
// mutated, so readers can follow them without locks.
type node struct {
	rec   *record
	level int
	links []atomic.Pointer[[]int32]
	// deleted is written and read by the writer only.
	deleted bool
}

func newNode(rec *record, level int) *node {
	return &node{rec: rec, level: level, links: make([]atomic.Pointer[[]int32], level+1)}
}

func (n *node) neighbors(layer int) []int32 {
	if layer >= len(n.links) {
		return nil
	}
	p := n.links[layer].Load()
	if p == nil {
		return nil
	}
	return *p
}

func (n *node) vector() []float32 { return n.rec.entry.Vector }

// arena is the writer's working graph. Nodes are only ever appended.
type arena struct {
	nodes    []*node
	entry    int32
	maxLevel int
	byKey    map[string]int32
	deleted  int
}

func newArena(capacity int) *arena {
	return &arena{
		nodes: make([]*node, 0, capacity),
		entry: -1,
		byKey: make(map[string]int32, capacity),
	}
}

// graphSnapshot is the published, immutable view searched by readers. A reader ignores
// neighbour indices at or beyond len(nodes): those nodes were linked after publication.
type graphSnapshot struct {
	nodes    []*node
	entry    int32
	maxLevel int
	warm     bool
	seq      uint64
}

// GraphIndex is a hierarchical navigable small-world graph over unit vectors.
//
// Writers serialise on mu and publish a new snapshot after each structural change. Search
// loads the current snapshot and takes no lock. Removal only drops the key; the node stays
// in the arena as a tombstone until enough accumulate to trigger a rebuild into a fresh arena.
// Below the brute-force threshold, and while the graph is cold after Load, searches scan
// every entry exactly.
type GraphIndex struct {
	dimensions int
	opts       options
	levelMult  float64

	mu   sync.Mutex
	w    *arena
	warm bool
	rng  *rand.Rand
	seq  uint64

	snap atomic.Pointer[graphSnapshot]
	keys sync.Map // key -> *record
	live atomic.Int64
	bg   sync.WaitGroup
}

// NewGraphIndex creates an empty graph index for vectors of the given dimension.
func NewGraphIndex(dimensions int, opts ...Option) (*GraphIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	g := &GraphIndex{
		dimensions: dimensions,
		opts:       o,
		levelMult:  1 / math.Log(float64(o.m)),
		w:          newArena(0),
		warm:       true,
		rng:        rand.New(rand.NewPCG(uint64(o.seed), uint64(o.seed)^0x9e3779b97f4a7c15)),
	}
	g.publish()
	return g, nil
}

// Type returns the index type identifier.
func (g *GraphIndex) Type() string {
	return string(IndexTypeGraph)
}

// Insert links entry into the graph, replacing any entry with the same key.
func (g *GraphIndex) Insert(ctx context.Context, entry models.IndexEntry) error {
	if len(entry.Vector) != g.dimensions {
		return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(entry.Vector), g.dimensions)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := &record{entry: entry}
	rec.entry.Vector = normalize(entry.Vector)

	g.mu.Lock()
	defer g.mu.Unlock()

	old, replacing := g.w.byKey[rec.entry.Key]
	rec.seq = g.seq + 1
	n := newNode(rec, g.randomLevel())
	idx := g.add(g.w, n, g.warm)
	g.w.byKey[rec.entry.Key] = idx
	g.publish()
	g.keys.Store(rec.entry.Key, rec)
	if replacing {
		g.w.nodes[old].rec.next.Store(rec)
		g.w.nodes[old].deleted = true
		g.w.deleted++
	} else {
		g.live.Add(1)
	}
	g.maybeRebuild()
	return nil
}

// Remove drops the entry with key. Absent keys are ignored.
func (g *GraphIndex) Remove(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, ok := g.w.byKey[key]
	if !ok {
		return nil
	}
	g.keys.Delete(key)
	delete(g.w.byKey, key)
	g.w.nodes[idx].deleted = true
	g.w.deleted++
	g.live.Add(-1)
	g.maybeRebuild()
	return nil
}

// Search returns the best-effort top-k entries accepted by filter.
func (g *GraphIndex) Search(ctx context.Context, query []float32, k int, filter Filter) ([]*VectorResult, error) {
	if len(query) != g.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), g.dimensions)
	}
	snap := g.snap.Load()
	live := int(g.live.Load())
	if k <= 0 || live == 0 || len(snap.nodes) == 0 {
		return []*VectorResult{}, nil
	}
	q := normalize(query)
	if !snap.warm || live < g.opts.bruteForceThreshold || snap.entry < 0 {
		return g.exact(ctx, snap, q, k, filter)
	}

	top := newTopK(k, len(snap.nodes))
	accept := func(idx int32, score float64) {
		n := snap.nodes[idx]
		if g.visible(snap, n) && (filter == nil || filter(n.rec.entry.FilePath, n.rec.entry.Kind)) {
			top.offer(resultFor(&n.rec.entry, clampScore(score)))
		}
	}
	ep := snap.entry
	epScore := InnerProduct(q, snap.nodes[ep].vector())
	for l := snap.maxLevel; l > 0; l-- {
		ep, epScore = greedyClosest(snap.nodes, q, ep, epScore, l)
	}
	if _, err := searchLayer(ctx, snap.nodes, q, ep, epScore, max(g.opts.efSearch, k), 0, accept); err != nil {
		return nil, err
	}
	// A selective filter or a graph thinned by removals can leave the walk short of k.
	if top.len() < k && top.len() < live {
		return g.exact(ctx, snap, q, k, filter)
	}
	return top.sorted(), nil
}

func (g *GraphIndex) exact(ctx context.Context, snap *graphSnapshot, q []float32, k int, filter Filter) ([]*VectorResult, error) {
	top := newTopK(k, len(snap.nodes))
	for i, n := range snap.nodes {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if !g.visible(snap, n) {
			continue
		}
		e := &n.rec.entry
		if filter != nil && !filter(e.FilePath, e.Kind) {
			continue
		}
		top.offer(resultFor(e, clampScore(InnerProduct(q, e.Vector))))
	}
	return top.sorted(), nil
}

// visible reports whether n holds the record a reader of snap should see for its key: the
// live record, or when that record was published after snap, the newest one snap contains.
// Each live key therefore resolves to exactly one node of any snapshot.
func (g *GraphIndex) visible(snap *graphSnapshot, n *node) bool {
	v, ok := g.keys.Load(n.rec.entry.Key)
	if !ok {
		return false
	}
	cur := v.(*record)
	if cur == n.rec {
		return true
	}
	if cur.seq <= snap.seq {
		return false
	}
	next := n.rec.next.Load()
	return next == nil || next.seq > snap.seq
}

// Get returns a copy of the entry with key.
func (g *GraphIndex) Get(key string) (*models.IndexEntry, bool) {
	v, ok := g.keys.Load(key)
	if !ok {
		return nil, false
	}
	e := copyEntry(&v.(*record).entry)
	return &e, true
}

// Entries returns a copy of every live entry ordered by key.
func (g *GraphIndex) Entries() []models.IndexEntry {
	var out []models.IndexEntry
	g.keys.Range(func(_, v any) bool {
		out = append(out, copyEntry(&v.(*record).entry))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of live entries.
func (g *GraphIndex) Len() int {
	return int(g.live.Load())
}

// Warm reports whether the graph is built over every entry.
func (g *GraphIndex) Warm() bool {
	return g.snap.Load().warm
}

// WaitWarm links a cold graph synchronously. It is a no-op on a warm graph.
func (g *GraphIndex) WaitWarm(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.warm {
		g.rebuildLocked()
	}
	return nil
}

// Save persists every live entry. The graph links are rebuilt on Load.
func (g *GraphIndex) Save(path string) error {
	entries := g.Entries()
	if err := writeIndexFile(path, g.opts.modelVersion, g.dimensions, entries); err != nil {
		return err
	}
	g.opts.logger.Debug("vector index saved", zap.String("path", path), zap.Int("entries", len(entries)))
	return nil
}

// Load replaces the index contents with the entries saved at path. The graph starts cold:
// searches scan exactly while the links are built in the background. If the file does not
// exist, no error is returned and the index is unchanged.
func (g *GraphIndex) Load(path string) error {
	entries, found, err := readIndexFile(path, g.opts.modelVersion, g.dimensions)
	if err != nil || !found {
		return err
	}

	g.mu.Lock()
	for key := range g.w.byKey {
		g.keys.Delete(key)
	}
	fresh := newArena(len(entries))
	live := 0
	for i := range entries {
		rec := &record{entry: entries[i], seq: g.seq + 1}
		n := newNode(rec, g.randomLevel())
		if old, ok := fresh.byKey[rec.entry.Key]; ok {
			fresh.nodes[old].rec.next.Store(rec)
			fresh.nodes[old].deleted = true
			fresh.deleted++
		} else {
			live++
		}
		fresh.byKey[rec.entry.Key] = int32(len(fresh.nodes))
		fresh.nodes = append(fresh.nodes, n)
		g.keys.Store(rec.entry.Key, rec)
	}
	g.w = fresh
	g.warm = false
	g.live.Store(int64(live))
	g.publish()
	g.mu.Unlock()

	g.opts.logger.Info("vector index loaded", zap.String("path", path), zap.Int("entries", live))
	g.bg.Add(1)
	go func() {
		defer g.bg.Done()
		if err := g.WaitWarm(context.Background()); err != nil {
			g.opts.logger.Warn("vector index warm-up failed", zap.Error(err))
		}
	}()
	return nil
}

// Close waits for a background warm-up to finish.
func (g *GraphIndex) Close() error {
	g.bg.Wait()
	return nil
}

func (g *GraphIndex) publish() {
	n := len(g.w.nodes)
	g.seq++
	g.snap.Store(&graphSnapshot{
		nodes:    g.w.nodes[:n:n],
		entry:    g.w.entry,
		maxLevel: g.w.maxLevel,
		warm:     g.warm,
		seq:      g.seq,
	})
}

func (g *GraphIndex) randomLevel() int {
	l := int(math.Floor(-math.Log(1-g.rng.Float64()) * g.levelMult))
	return min(l, maxGraphLevel)
}

func (g *GraphIndex) maybeRebuild() {
	total := len(g.w.nodes)
	if g.w.deleted == 0 {
		return
	}
	if g.live.Load() == 0 || (total >= minRebuildNodes && float64(g.w.deleted)/float64(total) > g.opts.rebuildRatio) {
		g.rebuildLocked()
	}
}

// rebuildLocked links every live node into a fresh arena and publishes it. Records and levels
// carry over, so concurrent readers keep accepting the same entries throughout.
func (g *GraphIndex) rebuildLocked() {
	old := g.w
	fresh := newArena(len(old.byKey))
	for _, n := range old.nodes {
		if n.deleted {
			continue
		}
		idx := g.add(fresh, newNode(n.rec, n.level), true)
		fresh.byKey[n.rec.entry.Key] = idx
	}
	g.w = fresh
	g.warm = true
	g.publish()
	g.opts.logger.Debug("vector graph rebuilt",
		zap.Int("live", len(fresh.nodes)), zap.Int("dropped_tombstones", old.deleted))
}

func (g *GraphIndex) maxConn(layer int) int {
	if layer == 0 {
		return 2 * g.opts.m
	}
	return g.opts.m
}

// add appends n to a, linking it into the graph when link is set. Neighbour lists of n are
// complete before n joins the arena; back-links are published afterwards.
func (g *GraphIndex) add(a *arena, n *node, link bool) int32 {
	idx := int32(len(a.nodes))
	empty := []int32{}
	for l := range n.links {
		n.links[l].Store(&empty)
	}
	if !link {
		a.nodes = append(a.nodes, n)
		return idx
	}
	if a.entry < 0 {
		a.nodes = append(a.nodes, n)
		a.entry = idx
		a.maxLevel = n.level
		return idx
	}

	q := n.vector()
	ep := a.entry
	epScore := InnerProduct(q, a.nodes[ep].vector())
	for l := a.maxLevel; l > n.level; l-- {
		ep, epScore = greedyClosest(a.nodes, q, ep, epScore, l)
	}
	chosen := make([][]int32, min(n.level, a.maxLevel)+1)
	for l := len(chosen) - 1; l >= 0; l-- {
		cands, _ := searchLayer(context.Background(), a.nodes, q, ep, epScore, g.opts.efConstruction, l, nil)
		neigh := g.selectNeighbors(a, cands, g.maxConn(l))
		n.links[l].Store(&neigh)
		chosen[l] = neigh
		ep, epScore = cands[0].idx, cands[0].score
	}

	a.nodes = append(a.nodes, n)
	for l, neigh := range chosen {
		for _, nb := range neigh {
			g.addBackLink(a, nb, idx, l)
		}
	}
	if n.level > a.maxLevel {
		a.maxLevel = n.level
		a.entry = idx
	}
	return idx
}

// selectNeighbors keeps candidates that are closer to the new node than to any neighbour
// already kept, then tops up with the closest rejected ones. Tombstones are used only when
// nothing else is available.
func (g *GraphIndex) selectNeighbors(a *arena, cands []candidate, limit int) []int32 {
	var fresh, stale []candidate
	for _, c := range cands {
		if a.nodes[c.idx].deleted {
			stale = append(stale, c)
		} else {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		fresh = stale
	}
	out := make([]int32, 0, limit)
	var rejected []int32
	for _, c := range fresh {
		if len(out) >= limit {
			break
		}
		keep := true
		cv := a.nodes[c.idx].vector()
		for _, r := range out {
			if InnerProduct(cv, a.nodes[r].vector()) > c.score {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, c.idx)
		} else {
			rejected = append(rejected, c.idx)
		}
	}
	for _, r := range rejected {
		if len(out) >= limit {
			break
		}
		out = append(out, r)
	}
	return out
}

// addBackLink adds idx to nb's neighbour list at layer, pruning to the closest maxConn.
func (g *GraphIndex) addBackLink(a *arena, nb, idx int32, layer int) {
	owner := a.nodes[nb]
	cur := owner.neighbors(layer)
	next := make([]int32, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, idx)
	if limit := g.maxConn(layer); len(next) > limit {
		ov := owner.vector()
		scored := make([]candidate, len(next))
		for i, x := range next {
			scored[i] = candidate{idx: x, score: InnerProduct(ov, a.nodes[x].vector())}
		}
		sort.Slice(scored, func(i, j int) bool { return scored[i].closer(scored[j]) })
		next = next[:0]
		for _, c := range scored[:limit] {
			next = append(next, c.idx)
		}
	}
	owner.links[layer].Store(&next)
}
