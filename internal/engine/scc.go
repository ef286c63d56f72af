package engine

import (
	"github.com/rawblock/tradeloop-engine/internal/graph"
	"github.com/rawblock/tradeloop-engine/pkg/models"
)

// Tarjan's strongly connected components over a graph snapshot.
//
// A simple trade cycle lies entirely within one SCC, so the enumerator
// only needs to visit SCCs that intersect the dirty set. Single-vertex
// components without a self-loop (impossible here: a wallet never wants
// its own asset) can never produce a cycle and are dropped.
//
// Complexity: O(V + E), one pass, iterative stack kept implicit through
// recursion — component sizes here are wallet counts, well within stack
// limits.

type tarjanState struct {
	snap    *graph.Snapshot
	index   map[models.WalletID]int
	lowlink map[models.WalletID]int
	onStack map[models.WalletID]bool
	stack   []models.WalletID
	next    int
	comps   [][]models.WalletID
}

// stronglyConnected returns every SCC of the snapshot with two or more
// members. Component member order follows the DFS stack; callers sort as
// needed.
func stronglyConnected(snap *graph.Snapshot) [][]models.WalletID {
	st := &tarjanState{
		snap:    snap,
		index:   make(map[models.WalletID]int, len(snap.Wallets)),
		lowlink: make(map[models.WalletID]int, len(snap.Wallets)),
		onStack: make(map[models.WalletID]bool, len(snap.Wallets)),
	}
	for _, w := range snap.Wallets {
		if _, seen := st.index[w]; !seen {
			st.visit(w)
		}
	}
	return st.comps
}

func (st *tarjanState) visit(v models.WalletID) {
	st.index[v] = st.next
	st.lowlink[v] = st.next
	st.next++
	st.stack = append(st.stack, v)
	st.onStack[v] = true

	for w := range st.snap.Adjacency[v] {
		if _, seen := st.index[w]; !seen {
			st.visit(w)
			if st.lowlink[w] < st.lowlink[v] {
				st.lowlink[v] = st.lowlink[w]
			}
		} else if st.onStack[w] && st.index[w] < st.lowlink[v] {
			st.lowlink[v] = st.index[w]
		}
	}

	if st.lowlink[v] == st.index[v] {
		var comp []models.WalletID
		for {
			n := len(st.stack) - 1
			w := st.stack[n]
			st.stack = st.stack[:n]
			st.onStack[w] = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		if len(comp) >= 2 {
			st.comps = append(st.comps, comp)
		}
	}
}
