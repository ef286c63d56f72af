package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rawblock/tradeloop-engine/internal/dispatch"
	"github.com/rawblock/tradeloop-engine/internal/tenant"
	"github.com/rawblock/tradeloop-engine/pkg/models"
)

func nft(id models.AssetID, owner models.WalletID) models.NFT {
	return models.NFT{
		ID:        id,
		Metadata:  models.Metadata{Name: string(id)},
		Ownership: models.Ownership{OwnerID: owner},
	}
}

// populate provisions a tenant with a discovered 2-cycle in its cache.
func populate(t *testing.T, r *tenant.Registry) (*tenant.Tenant, string) {
	t.Helper()
	tn, apiKey, err := r.Create("acme", "ops@acme.test", models.TenantSettings{})
	if err != nil {
		t.Fatal(err)
	}
	d := dispatch.New(nil, nil, nil, nil)
	defer d.StopTenant(tn.ID)
	ctx := context.Background()

	d.SubmitInventory(ctx, tn, "alice", []models.NFT{nft("x", "alice")})
	d.SubmitInventory(ctx, tn, "bob", []models.NFT{nft("y", "bob")})
	d.SubmitWants(ctx, tn, "alice", []models.AssetID{"y"})
	if out := d.SubmitWants(ctx, tn, "bob", []models.AssetID{"x"}); out.NewLoops != 1 {
		t.Fatalf("Setup: expected 1 loop, got %+v", out)
	}
	return tn, apiKey
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()

	src := tenant.NewRegistry()
	tn, apiKey := populate(t, src)

	m := NewManager(dir, src, time.Minute)
	if err := m.SnapshotTenant(tn); err != nil {
		t.Fatalf("SnapshotTenant: %v", err)
	}

	dst := tenant.NewRegistry()
	if loaded := NewManager(dir, dst, time.Minute).LoadAll(); loaded != 1 {
		t.Fatalf("Expected 1 tenant loaded. Got: %d", loaded)
	}

	restored, err := dst.Authenticate(apiKey)
	if err != nil {
		t.Fatalf("Old API key must survive the round trip: %v", err)
	}
	if restored.Name != "acme" || restored.ContactEmail != "ops@acme.test" {
		t.Errorf("Identity lost: %+v", restored)
	}
	if restored.WebhookSecret != tn.WebhookSecret {
		t.Error("Webhook secret must survive the round trip")
	}

	want := tn.Graph.Stats()
	got := restored.Graph.Stats()
	if got.Wallets != want.Wallets || got.Assets != want.Assets || got.Edges != want.Edges {
		t.Errorf("Graph stats diverged: %+v vs %+v", got, want)
	}

	trades := restored.Cache.QueryByWallet("alice", 0, 0)
	if len(trades) != 1 {
		t.Fatalf("Cached loop must survive the round trip. Got: %d", len(trades))
	}
	if orig := tn.Cache.QueryByWallet("alice", 0, 0); trades[0].ID != orig[0].ID {
		t.Errorf("Loop id diverged: %s vs %s", trades[0].ID, orig[0].ID)
	}
}

func TestLoadAll_SkipsIncompleteTenantDir(t *testing.T) {
	dir := t.TempDir()

	src := tenant.NewRegistry()
	tn, _ := populate(t, src)
	m := NewManager(dir, src, time.Minute)
	if err := m.SnapshotTenant(tn); err != nil {
		t.Fatal(err)
	}

	// A missing state file makes the whole tenant directory invalid.
	if err := os.Remove(filepath.Join(dir, string(tn.ID), fileCache)); err != nil {
		t.Fatal(err)
	}

	dst := tenant.NewRegistry()
	if loaded := NewManager(dir, dst, time.Minute).LoadAll(); loaded != 0 {
		t.Errorf("Incomplete tenant dir must be skipped. Loaded: %d", loaded)
	}
	if got := dst.All(); len(got) != 0 {
		t.Errorf("Registry must stay empty. Got: %d tenants", len(got))
	}
}

func TestLoadAll_SkipsCorruptTenantJSON(t *testing.T) {
	dir := t.TempDir()

	src := tenant.NewRegistry()
	tn, _ := populate(t, src)
	m := NewManager(dir, src, time.Minute)
	if err := m.SnapshotTenant(tn); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, string(tn.ID), fileTenant), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	dst := tenant.NewRegistry()
	if loaded := NewManager(dir, dst, time.Minute).LoadAll(); loaded != 0 {
		t.Errorf("Corrupt tenant.json must be skipped. Loaded: %d", loaded)
	}
}

func TestLoadAll_MissingDataDir(t *testing.T) {
	dst := tenant.NewRegistry()
	if loaded := NewManager(filepath.Join(t.TempDir(), "absent"), dst, time.Minute).LoadAll(); loaded != 0 {
		t.Errorf("Missing data dir loads nothing. Got: %d", loaded)
	}
}

func TestSnapshotAll_WritesEveryTenant(t *testing.T) {
	dir := t.TempDir()
	src := tenant.NewRegistry()
	t1, _ := populate(t, src)
	t2, _, err := src.Create("other", "", models.TenantSettings{})
	if err != nil {
		t.Fatal(err)
	}

	NewManager(dir, src, time.Minute).SnapshotAll()

	for _, tn := range []*tenant.Tenant{t1, t2} {
		if _, err := os.Stat(filepath.Join(dir, string(tn.ID), fileTenant)); err != nil {
			t.Errorf("Missing snapshot for tenant %s: %v", tn.ID, err)
		}
	}
}
