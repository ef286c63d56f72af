package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rawblock/tradeloop-engine/pkg/models"
)

// Persistent Trade Graph
//
// One instance per tenant. Nodes are wallets; a directed edge u → v exists
// iff some asset a has owner(a) = v and u wants a. The edge carries the set
// of witnessing assets. The graph is the source of truth for three flat
// tables (assets, owns, wants) plus two derived indices (wanters, edges);
// every mutation updates all of them inside one critical section so the
// §"graph-index consistency" property holds at every lock release.
//
// Traversal is always by id lookup into the flat tables, never by pointer
// chasing between wallet and asset objects.

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrLimitExceeded = errors.New("limit exceeded")
	ErrNotFound      = errors.New("not found")

	// The two cap overflows wrap ErrLimitExceeded so callers can match
	// either the family or the specific cap.
	ErrTooManyAssets = fmt.Errorf("%w: too many assets", ErrLimitExceeded)
	ErrTooManyWants  = fmt.Errorf("%w: too many wants", ErrLimitExceeded)
)

// Asset is the graph-internal record for one indivisible item.
type Asset struct {
	ID        models.AssetID
	Meta      models.Metadata
	Owner     models.WalletID
	Valuation *models.Valuation
}

// CollectionResolver decides whether a want entry (which may name a
// collection rather than a concrete asset) matches an asset. The graph
// never interprets collection semantics itself; it only invokes this
// predicate when expanding edges.
type CollectionResolver func(asset *Asset, wantID models.AssetID) bool

// DefaultCollectionResolver matches a want entry against the asset's
// declared collection name.
func DefaultCollectionResolver(asset *Asset, wantID models.AssetID) bool {
	return asset.Meta.Collection != "" && asset.Meta.Collection == string(wantID)
}

// Limits are the per-wallet security caps enforced on every mutation.
type Limits struct {
	MaxAssetsPerWallet int
	MaxWantsPerWallet  int
}

// Graph holds the per-tenant trade graph. All exported methods are safe
// for concurrent use; writers serialize on the internal write lock.
type Graph struct {
	mu sync.RWMutex

	assets map[models.AssetID]*Asset
	owns   map[models.WalletID]map[models.AssetID]struct{}
	wants  map[models.WalletID]map[models.AssetID]struct{}

	// wanters materializes want matching per concrete asset, including
	// collection wants resolved through the pluggable predicate.
	wanters map[models.AssetID]map[models.WalletID]struct{}

	// edges[u][v] = witnessing assets for the edge u → v.
	edges map[models.WalletID]map[models.WalletID]map[models.AssetID]struct{}

	resolver CollectionResolver
	limits   Limits

	skippedOwnedWants int64
}

// New creates an empty trade graph with the given caps. A nil resolver
// falls back to DefaultCollectionResolver.
func New(limits Limits, resolver CollectionResolver) *Graph {
	if resolver == nil {
		resolver = DefaultCollectionResolver
	}
	return &Graph{
		assets:   make(map[models.AssetID]*Asset),
		owns:     make(map[models.WalletID]map[models.AssetID]struct{}),
		wants:    make(map[models.WalletID]map[models.AssetID]struct{}),
		wanters:  make(map[models.AssetID]map[models.WalletID]struct{}),
		edges:    make(map[models.WalletID]map[models.WalletID]map[models.AssetID]struct{}),
		resolver: resolver,
		limits:   limits,
	}
}

// SetLimits replaces the per-wallet caps. Entries already above a lowered
// cap are kept; the cap applies to subsequent mutations.
func (g *Graph) SetLimits(l Limits) {
	g.mu.Lock()
	g.limits = l
	g.mu.Unlock()
}

// ─── Mutations ──────────────────────────────────────────────────────

// SubmitInventory upserts assets for a wallet. An asset previously owned by
// another wallet in this tenant is transferred atomically: removed from the
// prior owner's set, its stale edges torn down, and the wanters index
// rebuilt for the new owner. The effective owner is nft.Ownership.OwnerID
// when set, otherwise walletID.
//
// Returns the dirty set: every wallet whose incoming or outgoing edges
// changed, plus whether the graph changed at all.
func (g *Graph) SubmitInventory(walletID models.WalletID, nfts []models.NFT) ([]models.WalletID, bool, error) {
	if walletID == "" {
		return nil, false, fmt.Errorf("%w: empty wallet id", ErrInvalidInput)
	}
	for _, n := range nfts {
		if n.ID == "" {
			return nil, false, fmt.Errorf("%w: asset with empty id", ErrInvalidInput)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Cap check before any mutation: count assets that are genuinely new
	// to their target owner.
	added := make(map[models.WalletID]int)
	for _, n := range nfts {
		owner := n.Ownership.OwnerID
		if owner == "" {
			owner = walletID
		}
		if cur, ok := g.assets[n.ID]; !ok || cur.Owner != owner {
			added[owner]++
		}
	}
	if g.limits.MaxAssetsPerWallet > 0 {
		for owner, n := range added {
			if len(g.owns[owner])+n > g.limits.MaxAssetsPerWallet {
				return nil, false, fmt.Errorf("%w: wallet %s would exceed %d assets",
					ErrTooManyAssets, owner, g.limits.MaxAssetsPerWallet)
			}
		}
	}

	dirty := newDirtySet()
	changed := false

	for _, n := range nfts {
		owner := n.Ownership.OwnerID
		if owner == "" {
			owner = walletID
		}
		if g.upsertAssetLocked(n, owner, dirty) {
			changed = true
		}
	}

	return dirty.sorted(), changed, nil
}

// upsertAssetLocked applies a single asset upsert under the write lock.
// Returns true if ownership, metadata, or valuation actually changed.
func (g *Graph) upsertAssetLocked(n models.NFT, owner models.WalletID, dirty *dirtySet) bool {
	cur, exists := g.assets[n.ID]

	if exists && cur.Owner == owner &&
		cur.Meta == n.Metadata && equalValuation(cur.Valuation, n.Valuation) {
		return false // Idempotent resubmission.
	}

	if exists && cur.Owner != owner {
		// Ownership transfer: tear down every edge witnessed by this
		// asset before the owner pointer moves.
		for u := range g.wanters[n.ID] {
			g.removeWitnessLocked(u, cur.Owner, n.ID)
			dirty.add(u)
		}
		delete(g.owns[cur.Owner], n.ID)
		dirty.add(cur.Owner)
	}

	asset := &Asset{ID: n.ID, Meta: n.Metadata, Owner: owner}
	if n.Valuation != nil {
		v := *n.Valuation
		asset.Valuation = &v
	}
	g.assets[n.ID] = asset
	g.ensureWalletLocked(owner)
	g.owns[owner][n.ID] = struct{}{}

	// A wallet never wants an asset it owns: prune the direct want.
	if _, w := g.wants[owner][n.ID]; w {
		delete(g.wants[owner], n.ID)
		g.skippedOwnedWants++
	}

	// Rebuild the wanters set for this asset from every wallet's wants,
	// then re-derive its edges. The rebuild keeps collection wants
	// correct across transfers without tracking reverse mappings.
	g.rebuildWantersLocked(asset, dirty)
	dirty.add(owner)
	return true
}

// rebuildWantersLocked recomputes wanters[asset] and the witness edges it
// implies. Caller holds the write lock.
func (g *Graph) rebuildWantersLocked(asset *Asset, dirty *dirtySet) {
	// Drop stale entries first.
	for u := range g.wanters[asset.ID] {
		g.removeWitnessLocked(u, asset.Owner, asset.ID)
		dirty.add(u)
	}
	delete(g.wanters, asset.ID)

	ws := make(map[models.WalletID]struct{})
	for w, wantSet := range g.wants {
		if w == asset.Owner {
			continue
		}
		if g.wantMatchesLocked(wantSet, asset) {
			ws[w] = struct{}{}
			g.addWitnessLocked(w, asset.Owner, asset.ID)
			dirty.add(w)
		}
	}
	if len(ws) > 0 {
		g.wanters[asset.ID] = ws
	}
}

func (g *Graph) wantMatchesLocked(wantSet map[models.AssetID]struct{}, asset *Asset) bool {
	if _, ok := wantSet[asset.ID]; ok {
		return true
	}
	for wantID := range wantSet {
		if wantID != asset.ID && g.resolver(asset, wantID) {
			return true
		}
	}
	return false
}

// SubmitWants adds want entries for a wallet. Entries naming assets the
// wallet currently owns are silently skipped and counted. Returns the
// dirty set, the skip count, and whether anything changed.
func (g *Graph) SubmitWants(walletID models.WalletID, ids []models.AssetID) ([]models.WalletID, int, bool, error) {
	if walletID == "" {
		return nil, 0, false, fmt.Errorf("%w: empty wallet id", ErrInvalidInput)
	}
	for _, id := range ids {
		if id == "" {
			return nil, 0, false, fmt.Errorf("%w: empty want id", ErrInvalidInput)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.ensureWalletLocked(walletID)

	newOnes := 0
	for _, id := range ids {
		if _, ok := g.wants[walletID][id]; !ok {
			newOnes++
		}
	}
	if g.limits.MaxWantsPerWallet > 0 && len(g.wants[walletID])+newOnes > g.limits.MaxWantsPerWallet {
		return nil, 0, false, fmt.Errorf("%w: wallet %s would exceed %d wants",
			ErrTooManyWants, walletID, g.limits.MaxWantsPerWallet)
	}

	dirty := newDirtySet()
	skipped := 0
	changed := false

	for _, id := range ids {
		if _, owned := g.owns[walletID][id]; owned {
			skipped++
			g.skippedOwnedWants++
			continue
		}
		if _, ok := g.wants[walletID][id]; ok {
			continue // Idempotent.
		}
		g.wants[walletID][id] = struct{}{}
		changed = true

		// Materialize against every asset the entry matches.
		for _, asset := range g.assetsMatchingLocked(id) {
			if asset.Owner == walletID {
				continue
			}
			if g.wanters[asset.ID] == nil {
				g.wanters[asset.ID] = make(map[models.WalletID]struct{})
			}
			g.wanters[asset.ID][walletID] = struct{}{}
			g.addWitnessLocked(walletID, asset.Owner, asset.ID)
			dirty.add(walletID)
			dirty.add(asset.Owner)
		}
	}

	return dirty.sorted(), skipped, changed, nil
}

// assetsMatchingLocked returns every asset a want entry resolves to:
// the exact asset id plus any collection matches.
func (g *Graph) assetsMatchingLocked(wantID models.AssetID) []*Asset {
	var out []*Asset
	if a, ok := g.assets[wantID]; ok {
		out = append(out, a)
	}
	for _, a := range g.assets {
		if a.ID != wantID && g.resolver(a, wantID) {
			out = append(out, a)
		}
	}
	return out
}

// RemoveWant deletes a single want entry and retracts any edges it alone
// was witnessing.
func (g *Graph) RemoveWant(walletID models.WalletID, id models.AssetID) ([]models.WalletID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	wantSet, ok := g.wants[walletID]
	if !ok {
		return nil, fmt.Errorf("%w: wallet %s", ErrNotFound, walletID)
	}
	if _, ok := wantSet[id]; !ok {
		return nil, fmt.Errorf("%w: want %s", ErrNotFound, id)
	}
	delete(wantSet, id)

	dirty := newDirtySet()
	for _, asset := range g.assetsMatchingLocked(id) {
		// Another want entry of the same wallet may still match the
		// asset (e.g. a collection want overlapping a direct want).
		if g.wantMatchesLocked(wantSet, asset) {
			continue
		}
		if ws, ok := g.wanters[asset.ID]; ok {
			delete(ws, walletID)
			if len(ws) == 0 {
				delete(g.wanters, asset.ID)
			}
		}
		g.removeWitnessLocked(walletID, asset.Owner, asset.ID)
		dirty.add(walletID)
		dirty.add(asset.Owner)
	}
	return dirty.sorted(), nil
}

// RemoveAsset deletes an asset, its wanters entry, and every edge it
// witnesses.
func (g *Graph) RemoveAsset(id models.AssetID) ([]models.WalletID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	asset, ok := g.assets[id]
	if !ok {
		return nil, fmt.Errorf("%w: asset %s", ErrNotFound, id)
	}

	dirty := newDirtySet()
	for u := range g.wanters[id] {
		g.removeWitnessLocked(u, asset.Owner, id)
		dirty.add(u)
	}
	delete(g.wanters, id)
	delete(g.owns[asset.Owner], id)
	delete(g.assets, id)
	dirty.add(asset.Owner)
	return dirty.sorted(), nil
}

// RemoveWallet deletes a wallet, all assets it owns, and all its wants.
func (g *Graph) RemoveWallet(id models.WalletID) ([]models.WalletID, error) {
	g.mu.Lock()
	ownSet, hasOwns := g.owns[id]
	_, hasWants := g.wants[id]
	if !hasOwns && !hasWants {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: wallet %s", ErrNotFound, id)
	}

	dirty := newDirtySet()
	dirty.add(id)

	// Drop owned assets.
	for assetID := range ownSet {
		for u := range g.wanters[assetID] {
			g.removeWitnessLocked(u, id, assetID)
			dirty.add(u)
		}
		delete(g.wanters, assetID)
		delete(g.assets, assetID)
	}
	delete(g.owns, id)

	// Drop outgoing wants and the edges they witness.
	delete(g.wants, id)
	for assetID, ws := range g.wanters {
		if _, ok := ws[id]; ok {
			delete(ws, id)
			if a, exists := g.assets[assetID]; exists {
				g.removeWitnessLocked(id, a.Owner, assetID)
				dirty.add(a.Owner)
			}
			if len(ws) == 0 {
				delete(g.wanters, assetID)
			}
		}
	}
	delete(g.edges, id)
	g.mu.Unlock()
	return dirty.sorted(), nil
}

// ─── Edge helpers (write lock held) ─────────────────────────────────

func (g *Graph) addWitnessLocked(u, v models.WalletID, a models.AssetID) {
	if u == v {
		return
	}
	if g.edges[u] == nil {
		g.edges[u] = make(map[models.WalletID]map[models.AssetID]struct{})
	}
	if g.edges[u][v] == nil {
		g.edges[u][v] = make(map[models.AssetID]struct{})
	}
	g.edges[u][v][a] = struct{}{}
}

func (g *Graph) removeWitnessLocked(u, v models.WalletID, a models.AssetID) {
	if ws, ok := g.edges[u][v]; ok {
		delete(ws, a)
		if len(ws) == 0 {
			delete(g.edges[u], v)
			if len(g.edges[u]) == 0 {
				delete(g.edges, u)
			}
		}
	}
}

func (g *Graph) ensureWalletLocked(id models.WalletID) {
	if g.owns[id] == nil {
		g.owns[id] = make(map[models.AssetID]struct{})
	}
	if g.wants[id] == nil {
		g.wants[id] = make(map[models.AssetID]struct{})
	}
}

// ─── Reads ──────────────────────────────────────────────────────────

// VerifyStep reports whether the edge u → v witnessed by asset a still
// holds against the live graph: the asset exists, v owns it, and u wants
// it. Used by the cache to retire stale loops.
func (g *Graph) VerifyStep(u, v models.WalletID, a models.AssetID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	asset, ok := g.assets[a]
	if !ok || asset.Owner != v || u == v {
		return false
	}
	return g.wantMatchesLocked(g.wants[u], asset)
}

// Stats summarizes the graph for the /status endpoint.
type Stats struct {
	Wallets           int   `json:"wallets"`
	Assets            int   `json:"assets"`
	Wants             int   `json:"wants"`
	Edges             int   `json:"edges"`
	SkippedOwnedWants int64 `json:"skippedOwnedWants"`
}

func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	wallets := make(map[models.WalletID]struct{})
	for w := range g.owns {
		wallets[w] = struct{}{}
	}
	for w := range g.wants {
		wallets[w] = struct{}{}
	}
	wants := 0
	for _, s := range g.wants {
		wants += len(s)
	}
	edges := 0
	for _, out := range g.edges {
		edges += len(out)
	}
	return Stats{
		Wallets:           len(wallets),
		Assets:            len(g.assets),
		Wants:             wants,
		Edges:             edges,
		SkippedOwnedWants: g.skippedOwnedWants,
	}
}

// ─── Dirty set ──────────────────────────────────────────────────────

type dirtySet struct{ m map[models.WalletID]struct{} }

func newDirtySet() *dirtySet { return &dirtySet{m: make(map[models.WalletID]struct{})} }

func (d *dirtySet) add(w models.WalletID) { d.m[w] = struct{}{} }

func (d *dirtySet) sorted() []models.WalletID {
	out := make([]models.WalletID, 0, len(d.m))
	for w := range d.m {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func equalValuation(a, b *models.Valuation) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
