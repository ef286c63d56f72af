package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/rawblock/tradeloop-engine/internal/graph"
	"github.com/rawblock/tradeloop-engine/pkg/models"
)

// Canonical Cycle Discovery Engine
//
// Given a graph snapshot and the dirty set reported by the last mutation,
// enumerate every simple directed cycle of length ≤ L that touches the
// dirty set, deduplicated to canonical form:
//
//   1. Tarjan SCC decomposition (a simple cycle never crosses SCCs).
//   2. Bounded Johnson-style enumeration inside each affected SCC:
//      start vertices in sorted wallet-id order, only vertices ordered
//      after the start may appear on the path, so every cycle is found
//      exactly once — already in canonical rotation.
//   3. Witness expansion: each vertex sequence is combined with the
//      witnessing assets of its edges, one candidate per
//      (sequence, chosen-asset-per-step) tuple, or one representative
//      plus a bundle manifest when bundling is enabled.
//   4. A Bloom filter of emitted canonical ids marks candidates already
//      seen in prior invocations so the caller can skip re-scoring.
//
// Budget controls: per-SCC cycle cap, total cap, and the caller's context
// deadline, checked at every vertex expansion.

// Options bound one discovery run.
type Options struct {
	MaxDepth      int  // max cycle length L (≥ 2)
	PerSCCCap     int  // max cycles emitted per SCC (0 = unlimited)
	MaxTotal      int  // max cycles emitted per run (0 = unlimited)
	EnableBundles bool // group same-sequence cycles into bundles
}

// Candidate is one discovered cycle, pre-scoring.
//
// Wallets is the canonical rotation in want-edge order: Wallets[i] wants
// Assets[i], which is owned by Wallets[(i+1) mod k].
type Candidate struct {
	ID      string
	Wallets []models.WalletID
	Assets  []models.AssetID

	// Alternatives[i] lists every witnessing asset for step i when the
	// run had bundling enabled and the sequence admits a choice.
	Alternatives [][]models.AssetID
	Combinations int

	// Known marks canonical ids the engine has emitted before.
	Known bool
}

// Result is the outcome of one discovery run. TimedOut and Truncated
// report partial results; the cycles present are still valid.
type Result struct {
	Cycles      []Candidate
	TimedOut    bool
	Truncated   bool
	SCCsVisited int
}

// Engine carries the cross-invocation dedup state. One engine per tenant.
type Engine struct {
	mu   sync.Mutex
	seen *bloom.BloomFilter
}

// New creates an engine sized for roughly a million distinct cycles at a
// 0.1% false-positive rate. A false positive only costs a redundant cache
// lookup, never a lost trade.
func New() *Engine {
	return &Engine{seen: bloom.NewWithEstimates(1_000_000, 0.001)}
}

// Discover runs cycle enumeration over the snapshot, scoped to SCCs that
// intersect the dirty set. A nil dirty set means a full discovery pass.
func (e *Engine) Discover(ctx context.Context, snap *graph.Snapshot, dirty []models.WalletID, opts Options) Result {
	if opts.MaxDepth < 2 {
		opts.MaxDepth = 2
	}

	var dirtySet map[models.WalletID]struct{}
	if dirty != nil {
		dirtySet = make(map[models.WalletID]struct{}, len(dirty))
		for _, w := range dirty {
			dirtySet[w] = struct{}{}
		}
	}

	res := Result{}
	for _, comp := range stronglyConnected(snap) {
		if dirtySet != nil && !intersects(comp, dirtySet) {
			continue
		}
		res.SCCsVisited++
		e.enumerateSCC(ctx, snap, comp, opts, &res)
		if res.TimedOut {
			break
		}
		if opts.MaxTotal > 0 && len(res.Cycles) >= opts.MaxTotal {
			res.Truncated = true
			break
		}
	}
	return res
}

func intersects(comp []models.WalletID, set map[models.WalletID]struct{}) bool {
	for _, w := range comp {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

// sccWalker holds the per-SCC DFS state.
type sccWalker struct {
	snap    *graph.Snapshot
	opts    Options
	members map[models.WalletID]int // wallet → position in sorted member order
	path    []models.WalletID
	onPath  map[models.WalletID]bool
	emitted int
}

func (e *Engine) enumerateSCC(ctx context.Context, snap *graph.Snapshot, comp []models.WalletID, opts Options, res *Result) {
	sorted := make([]models.WalletID, len(comp))
	copy(sorted, comp)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	w := &sccWalker{
		snap:    snap,
		opts:    opts,
		members: make(map[models.WalletID]int, len(sorted)),
		onPath:  make(map[models.WalletID]bool, len(sorted)),
	}
	for i, m := range sorted {
		w.members[m] = i
	}

	for i, start := range sorted {
		if w.capped(res) {
			res.Truncated = true
			return
		}
		w.path = w.path[:0]
		w.path = append(w.path, start)
		w.onPath[start] = true
		timedOut := w.extend(ctx, e, start, i, res)
		w.onPath[start] = false
		if timedOut {
			res.TimedOut = true
			return
		}
	}
}

func (w *sccWalker) capped(res *Result) bool {
	if w.opts.PerSCCCap > 0 && w.emitted >= w.opts.PerSCCCap {
		return true
	}
	return w.opts.MaxTotal > 0 && len(res.Cycles) >= w.opts.MaxTotal
}

// extend advances the DFS from vertex v. startPos is the sorted position
// of the start vertex: only strictly later vertices may join the path,
// which guarantees each cycle is enumerated once, rooted at its minimum
// wallet. Returns true when the context deadline fired.
func (w *sccWalker) extend(ctx context.Context, e *Engine, v models.WalletID, startPos int, res *Result) bool {
	if ctx.Err() != nil {
		return true
	}

	start := w.path[0]
	neighbors := make([]models.WalletID, 0, len(w.snap.Adjacency[v]))
	for n := range w.snap.Adjacency[v] {
		if _, in := w.members[n]; in {
			neighbors = append(neighbors, n)
		}
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })

	for _, n := range neighbors {
		if w.capped(res) {
			res.Truncated = true
			return false
		}
		if n == start && len(w.path) >= 2 {
			w.emitSequence(e, res)
			continue
		}
		if w.members[n] <= startPos || w.onPath[n] || len(w.path) >= w.opts.MaxDepth {
			continue
		}
		w.path = append(w.path, n)
		w.onPath[n] = true
		timedOut := w.extend(ctx, e, n, startPos, res)
		w.onPath[n] = false
		w.path = w.path[:len(w.path)-1]
		if timedOut {
			return true
		}
	}
	return false
}

// emitSequence expands the current wallet sequence into candidates. The
// sequence starts at its minimum wallet, so it is already canonical.
func (w *sccWalker) emitSequence(e *Engine, res *Result) {
	k := len(w.path)
	witnesses := make([][]models.AssetID, k)
	for i := 0; i < k; i++ {
		ws := w.snap.Witnesses(w.path[i], w.path[(i+1)%k])
		if len(ws) == 0 {
			return // Edge vanished between snapshot and walk; impossible, but cheap to guard.
		}
		witnesses[i] = ws
	}

	seq := make([]models.WalletID, k)
	copy(seq, w.path)

	if w.opts.EnableBundles {
		assets := make([]models.AssetID, k)
		combos := 1
		bundled := false
		for i, ws := range witnesses {
			assets[i] = ws[0] // Witness lists are sorted; the minimum is the representative.
			combos *= len(ws)
			if len(ws) > 1 {
				bundled = true
			}
		}
		c := Candidate{
			ID:      CanonicalID(seq, assets),
			Wallets: seq,
			Assets:  assets,
		}
		if bundled {
			c.Alternatives = witnesses
			c.Combinations = combos
		}
		c.Known = e.markSeen(c.ID)
		res.Cycles = append(res.Cycles, c)
		w.emitted++
		return
	}

	// One candidate per asset combination, lexicographic order, bounded
	// by the run caps.
	idx := make([]int, k)
	for {
		assets := make([]models.AssetID, k)
		for i := range idx {
			assets[i] = witnesses[i][idx[i]]
		}
		c := Candidate{
			ID:      CanonicalID(seq, assets),
			Wallets: seq,
			Assets:  assets,
		}
		c.Known = e.markSeen(c.ID)
		res.Cycles = append(res.Cycles, c)
		w.emitted++
		if w.capped(res) {
			res.Truncated = true
			return
		}

		// Advance the odometer.
		i := k - 1
		for i >= 0 {
			idx[i]++
			if idx[i] < len(witnesses[i]) {
				break
			}
			idx[i] = 0
			i--
		}
		if i < 0 {
			return
		}
	}
}

// markSeen records a canonical id in the Bloom filter and reports whether
// it was (probably) already there.
func (e *Engine) markSeen(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seen.TestAndAdd([]byte(id))
}

// Steps converts a candidate into wire trade steps in asset-flow
// direction: each step's From owns the listed assets and To wants them.
func (c Candidate) Steps() []models.TradeStep {
	k := len(c.Wallets)
	steps := make([]models.TradeStep, k)
	for j := 0; j < k; j++ {
		prev := (j - 1 + k) % k
		steps[j] = models.TradeStep{
			From: c.Wallets[j],
			To:   c.Wallets[prev],
			NFTs: []models.AssetID{c.Assets[prev]},
		}
	}
	return steps
}
