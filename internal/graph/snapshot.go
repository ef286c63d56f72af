package graph

import (
	"sort"

	"github.com/rawblock/tradeloop-engine/pkg/models"
)

// Snapshot is an immutable, value-copied view of the trade graph taken
// under the read lock. The cycle engine and scorer work exclusively on
// snapshots so discovery never holds graph locks while it runs.
type Snapshot struct {
	// Wallets is every wallet that has at least one edge, sorted. The
	// sorted order fixes enumeration order and makes discovery
	// reproducible.
	Wallets []models.WalletID

	// Adjacency[u][v] lists the witnessing assets of edge u → v, sorted.
	Adjacency map[models.WalletID]map[models.WalletID][]models.AssetID

	// Owner maps every asset to its owning wallet.
	Owner map[models.AssetID]models.WalletID

	// Valuations holds value copies of the optional per-asset valuations.
	Valuations map[models.AssetID]models.Valuation

	// Collections maps assets to their declared collection, for scoring.
	Collections map[models.AssetID]string
}

// Snapshot produces an immutable copy of the graph for readers.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := &Snapshot{
		Adjacency:   make(map[models.WalletID]map[models.WalletID][]models.AssetID, len(g.edges)),
		Owner:       make(map[models.AssetID]models.WalletID, len(g.assets)),
		Valuations:  make(map[models.AssetID]models.Valuation),
		Collections: make(map[models.AssetID]string),
	}

	seen := make(map[models.WalletID]struct{})
	for u, out := range g.edges {
		adj := make(map[models.WalletID][]models.AssetID, len(out))
		for v, witnesses := range out {
			ws := make([]models.AssetID, 0, len(witnesses))
			for a := range witnesses {
				ws = append(ws, a)
			}
			sort.Slice(ws, func(i, j int) bool { return ws[i] < ws[j] })
			adj[v] = ws
			seen[v] = struct{}{}
		}
		snap.Adjacency[u] = adj
		seen[u] = struct{}{}
	}

	snap.Wallets = make([]models.WalletID, 0, len(seen))
	for w := range seen {
		snap.Wallets = append(snap.Wallets, w)
	}
	sort.Slice(snap.Wallets, func(i, j int) bool { return snap.Wallets[i] < snap.Wallets[j] })

	for id, a := range g.assets {
		snap.Owner[id] = a.Owner
		if a.Valuation != nil {
			snap.Valuations[id] = *a.Valuation
		}
		if a.Meta.Collection != "" {
			snap.Collections[id] = a.Meta.Collection
		}
	}
	return snap
}

// Witnesses returns the witnessing assets of edge u → v in the snapshot,
// or nil when the edge does not exist.
func (s *Snapshot) Witnesses(u, v models.WalletID) []models.AssetID {
	return s.Adjacency[u][v]
}

// ─── Snapshot persistence exports ───────────────────────────────────

// WantRecord is one wallet's want list in the persisted schema.
type WantRecord struct {
	WalletID models.WalletID  `json:"walletId"`
	Wants    []models.AssetID `json:"wants"`
}

// ExportAssets walks the live asset table under the read lock and emits
// the normalized wire form. Reloading is SubmitInventory per owner.
func (g *Graph) ExportAssets() []models.NFT {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]models.NFT, 0, len(g.assets))
	for _, a := range g.assets {
		n := models.NFT{
			ID:        a.ID,
			Metadata:  a.Meta,
			Ownership: models.Ownership{OwnerID: a.Owner},
		}
		if a.Valuation != nil {
			v := *a.Valuation
			n.Valuation = &v
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExportWants emits every wallet's want list, sorted for stable output.
func (g *Graph) ExportWants() []WantRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]WantRecord, 0, len(g.wants))
	for w, set := range g.wants {
		if len(set) == 0 {
			continue
		}
		rec := WantRecord{WalletID: w, Wants: make([]models.AssetID, 0, len(set))}
		for id := range set {
			rec.Wants = append(rec.Wants, id)
		}
		sort.Slice(rec.Wants, func(i, j int) bool { return rec.Wants[i] < rec.Wants[j] })
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WalletID < out[j].WalletID })
	return out
}

// ExportWallets emits the wallet roster.
func (g *Graph) ExportWallets() []models.WalletID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[models.WalletID]struct{}, len(g.owns))
	for w := range g.owns {
		seen[w] = struct{}{}
	}
	for w := range g.wants {
		seen[w] = struct{}{}
	}
	out := make([]models.WalletID, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
