package engine

import (
	"context"
	"testing"

	"github.com/rawblock/tradeloop-engine/internal/graph"
	"github.com/rawblock/tradeloop-engine/pkg/models"
)

// buildGraph wires ownership and wants into a fresh graph. owns maps
// wallet → assets, wants maps wallet → wanted asset ids.
func buildGraph(t *testing.T, owns map[models.WalletID][]models.AssetID, wants map[models.WalletID][]models.AssetID) *graph.Graph {
	t.Helper()
	g := graph.New(graph.Limits{}, nil)
	for w, assets := range owns {
		nfts := make([]models.NFT, len(assets))
		for i, a := range assets {
			nfts[i] = models.NFT{
				ID:        a,
				Metadata:  models.Metadata{Name: string(a)},
				Ownership: models.Ownership{OwnerID: w},
			}
		}
		if _, _, err := g.SubmitInventory(w, nfts); err != nil {
			t.Fatalf("SubmitInventory(%s): %v", w, err)
		}
	}
	for w, ws := range wants {
		if _, _, _, err := g.SubmitWants(w, ws); err != nil {
			t.Fatalf("SubmitWants(%s): %v", w, err)
		}
	}
	return g
}

func discover(t *testing.T, g *graph.Graph, opts Options) Result {
	t.Helper()
	return New().Discover(context.Background(), g.Snapshot(), nil, opts)
}

func TestDiscover_TwoCycle(t *testing.T) {
	g := buildGraph(t,
		map[models.WalletID][]models.AssetID{"alice": {"x"}, "bob": {"y"}},
		map[models.WalletID][]models.AssetID{"alice": {"y"}, "bob": {"x"}},
	)

	res := discover(t, g, Options{MaxDepth: 10})
	if len(res.Cycles) != 1 {
		t.Fatalf("Expected exactly 1 cycle. Got: %d", len(res.Cycles))
	}

	c := res.Cycles[0]
	steps := c.Steps()
	if len(steps) != 2 {
		t.Fatalf("Expected 2 steps. Got: %d", len(steps))
	}
	// Asset-flow direction: alice hands x to bob, bob hands y to alice.
	if steps[0].From != "alice" || steps[0].To != "bob" || steps[0].NFTs[0] != "x" {
		t.Errorf("Unexpected first step: %+v", steps[0])
	}
	if steps[1].From != "bob" || steps[1].To != "alice" || steps[1].NFTs[0] != "y" {
		t.Errorf("Unexpected second step: %+v", steps[1])
	}
}

func TestDiscover_ThreeCycleFoundOnce(t *testing.T) {
	owns := map[models.WalletID][]models.AssetID{"a": {"x"}, "b": {"y"}, "c": {"z"}}
	wants := map[models.WalletID][]models.AssetID{"a": {"y"}, "b": {"z"}, "c": {"x"}}
	g := buildGraph(t, owns, wants)

	// Regardless of which wallet is dirty, the cycle appears exactly once
	// under the same canonical id.
	var ids []string
	for _, dirty := range []models.WalletID{"a", "b", "c"} {
		res := New().Discover(context.Background(), g.Snapshot(), []models.WalletID{dirty}, Options{MaxDepth: 10})
		if len(res.Cycles) != 1 {
			t.Fatalf("dirty=%s: expected 1 cycle, got %d", dirty, len(res.Cycles))
		}
		ids = append(ids, res.Cycles[0].ID)
	}
	if ids[0] != ids[1] || ids[1] != ids[2] {
		t.Errorf("Canonical ids differ across dirty starts: %v", ids)
	}
}

func TestDiscover_NoCycle(t *testing.T) {
	g := buildGraph(t,
		map[models.WalletID][]models.AssetID{"a": {"x"}, "b": {"y"}},
		map[models.WalletID][]models.AssetID{"a": {"y"}}, // one-way want
	)
	res := discover(t, g, Options{MaxDepth: 10})
	if len(res.Cycles) != 0 {
		t.Errorf("Expected no cycles. Got: %d", len(res.Cycles))
	}
}

func TestDiscover_RespectsMaxDepth(t *testing.T) {
	owns := map[models.WalletID][]models.AssetID{"a": {"w"}, "b": {"x"}, "c": {"y"}, "d": {"z"}}
	wants := map[models.WalletID][]models.AssetID{"a": {"x"}, "b": {"y"}, "c": {"z"}, "d": {"w"}}
	g := buildGraph(t, owns, wants)

	if res := discover(t, g, Options{MaxDepth: 3}); len(res.Cycles) != 0 {
		t.Errorf("4-cycle must be invisible at MaxDepth 3. Got: %d cycles", len(res.Cycles))
	}
	if res := discover(t, g, Options{MaxDepth: 4}); len(res.Cycles) != 1 {
		t.Errorf("4-cycle must appear at MaxDepth 4. Got: %d cycles", len(res.Cycles))
	}
}

func TestDiscover_KnownFlagOnRediscovery(t *testing.T) {
	g := buildGraph(t,
		map[models.WalletID][]models.AssetID{"a": {"x"}, "b": {"y"}},
		map[models.WalletID][]models.AssetID{"a": {"y"}, "b": {"x"}},
	)
	e := New()
	snap := g.Snapshot()

	first := e.Discover(context.Background(), snap, nil, Options{MaxDepth: 10})
	if len(first.Cycles) != 1 || first.Cycles[0].Known {
		t.Fatalf("First discovery must emit one unknown cycle. Got: %+v", first.Cycles)
	}
	second := e.Discover(context.Background(), snap, nil, Options{MaxDepth: 10})
	if len(second.Cycles) != 1 || !second.Cycles[0].Known {
		t.Errorf("Rediscovery must mark the cycle known. Got: %+v", second.Cycles)
	}
}

func TestDiscover_MaxTotalTruncates(t *testing.T) {
	// Two disjoint 2-cycles; a total cap of 1 must truncate.
	owns := map[models.WalletID][]models.AssetID{"a": {"w"}, "b": {"x"}, "c": {"y"}, "d": {"z"}}
	wants := map[models.WalletID][]models.AssetID{"a": {"x"}, "b": {"w"}, "c": {"z"}, "d": {"y"}}
	g := buildGraph(t, owns, wants)

	res := discover(t, g, Options{MaxDepth: 10, MaxTotal: 1})
	if len(res.Cycles) != 1 || !res.Truncated {
		t.Errorf("Expected 1 cycle with Truncated=true. Got: %d cycles, truncated=%v",
			len(res.Cycles), res.Truncated)
	}
}

func TestDiscover_CancelledContextTimesOut(t *testing.T) {
	g := buildGraph(t,
		map[models.WalletID][]models.AssetID{"a": {"x"}, "b": {"y"}},
		map[models.WalletID][]models.AssetID{"a": {"y"}, "b": {"x"}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := New().Discover(ctx, g.Snapshot(), nil, Options{MaxDepth: 10})
	if !res.TimedOut {
		t.Error("Expected TimedOut on a cancelled context")
	}
}

func TestDiscover_BundlesCollapseWitnessChoices(t *testing.T) {
	// Bob's edge to alice has two witnesses (alice owns x1 and x2, bob
	// wants both); with bundling the sequence emits once.
	owns := map[models.WalletID][]models.AssetID{"alice": {"x1", "x2"}, "bob": {"y"}}
	wants := map[models.WalletID][]models.AssetID{"alice": {"y"}, "bob": {"x1", "x2"}}
	g := buildGraph(t, owns, wants)

	res := discover(t, g, Options{MaxDepth: 10, EnableBundles: true})
	if len(res.Cycles) != 1 {
		t.Fatalf("Expected 1 bundled cycle. Got: %d", len(res.Cycles))
	}
	c := res.Cycles[0]
	if c.Combinations != 2 {
		t.Errorf("Expected 2 combinations. Got: %d", c.Combinations)
	}
	if len(c.Alternatives) == 0 {
		t.Error("Bundled cycle must carry alternatives")
	}

	// Without bundling each witness choice is its own cycle.
	res = discover(t, g, Options{MaxDepth: 10})
	if len(res.Cycles) != 2 {
		t.Errorf("Expected 2 expanded cycles without bundling. Got: %d", len(res.Cycles))
	}
}

func TestCanonicalID_RotationInvariant(t *testing.T) {
	a := CanonicalID(
		[]models.WalletID{"a", "b", "c"},
		[]models.AssetID{"x", "y", "z"},
	)
	b := CanonicalID(
		[]models.WalletID{"b", "c", "a"},
		[]models.AssetID{"y", "z", "x"},
	)
	if a != b {
		t.Errorf("Rotations of the same cycle must share an id: %s != %s", a, b)
	}

	c := CanonicalID(
		[]models.WalletID{"a", "b", "c"},
		[]models.AssetID{"x", "y", "q"},
	)
	if a == c {
		t.Error("Different asset choices must produce different ids")
	}
}

func TestCanonicalID_Stable(t *testing.T) {
	w := []models.WalletID{"alice", "bob"}
	as := []models.AssetID{"y", "x"}
	if CanonicalID(w, as) != CanonicalID(w, as) {
		t.Error("CanonicalID must be deterministic")
	}
	if len(CanonicalID(w, as)) != 32 {
		t.Errorf("Expected 32 hex chars. Got: %d", len(CanonicalID(w, as)))
	}
}
