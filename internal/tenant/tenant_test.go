package tenant

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rawblock/tradeloop-engine/internal/graph"
	"github.com/rawblock/tradeloop-engine/pkg/models"
)

func TestCreate_ReturnsUsableKey(t *testing.T) {
	r := NewRegistry()
	tn, apiKey, err := r.Create("acme", "ops@acme.test", models.TenantSettings{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(apiKey, string(tn.ID)+".") {
		t.Errorf("API key must embed the tenant id: %s", apiKey)
	}

	got, err := r.Authenticate(apiKey)
	if err != nil {
		t.Fatalf("Authenticate with fresh key: %v", err)
	}
	if got.ID != tn.ID {
		t.Errorf("Authenticated wrong tenant: %s != %s", got.ID, tn.ID)
	}
	if tn.WebhookSecret == "" {
		t.Error("Tenant must be provisioned with a webhook secret")
	}
}

func TestCreate_RequiresName(t *testing.T) {
	r := NewRegistry()
	if _, _, err := r.Create("", "", models.TenantSettings{}); err == nil {
		t.Error("Create without a name must fail")
	}
}

func TestCreate_AppliesSettingsDefaults(t *testing.T) {
	r := NewRegistry()
	tn, _, err := r.Create("acme", "", models.TenantSettings{})
	if err != nil {
		t.Fatal(err)
	}
	s := tn.Settings()
	if s.MaxCycleDepth != 10 || s.MinEfficiency != 0.6 || s.MaxCyclesPerRequest != 100 {
		t.Errorf("Defaults not applied: %+v", s)
	}
}

func TestAuthenticate_RejectsBadKeys(t *testing.T) {
	r := NewRegistry()
	tn, apiKey, err := r.Create("acme", "", models.TenantSettings{})
	if err != nil {
		t.Fatal(err)
	}

	for _, bad := range []string{
		"",
		"garbage",
		string(tn.ID) + ".wrongsecret",
		"nonexistent-tenant." + strings.SplitN(apiKey, ".", 2)[1],
	} {
		if _, err := r.Authenticate(bad); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("Authenticate(%q): expected ErrUnauthorized, got %v", bad, err)
		}
	}
}

func TestRegenerateKey_InvalidatesOldKey(t *testing.T) {
	r := NewRegistry()
	tn, oldKey, err := r.Create("acme", "", models.TenantSettings{})
	if err != nil {
		t.Fatal(err)
	}

	newKey, err := r.RegenerateKey(tn.ID)
	if err != nil {
		t.Fatalf("RegenerateKey: %v", err)
	}
	if newKey == oldKey {
		t.Fatal("Regenerated key must differ from the old one")
	}
	if _, err := r.Authenticate(oldKey); !errors.Is(err, ErrUnauthorized) {
		t.Error("Old key must stop working after regeneration")
	}
	if _, err := r.Authenticate(newKey); err != nil {
		t.Errorf("New key must work: %v", err)
	}
}

func TestDelete_RemovesTenant(t *testing.T) {
	r := NewRegistry()
	tn, apiKey, err := r.Create("acme", "", models.TenantSettings{})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(tn.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := r.Get(tn.ID); ok {
		t.Error("Deleted tenant still resolvable")
	}
	if _, err := r.Authenticate(apiKey); !errors.Is(err, ErrUnauthorized) {
		t.Error("Deleted tenant's key must stop authenticating")
	}
	if err := r.Delete(tn.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Double delete: expected ErrNotFound, got %v", err)
	}
}

func TestUpdateSettings_RebuildsQuota(t *testing.T) {
	r := NewRegistry()
	tn, _, err := r.Create("acme", "", models.TenantSettings{DiscoveryRequestsPerMinute: 1})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := tn.Quota.Allow(DimDiscovery, 1); !ok {
		t.Fatal("First request under cap 1 must pass")
	}
	if ok, _ := tn.Quota.Allow(DimDiscovery, 1); ok {
		t.Fatal("Second request under cap 1 must be rejected")
	}

	if err := r.UpdateSettings(tn.ID, models.TenantSettings{DiscoveryRequestsPerMinute: 100}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if ok, _ := tn.Quota.Allow(DimDiscovery, 1); !ok {
		t.Error("Raised cap must take effect immediately")
	}
}

func TestUpdateSettings_AppliesGraphCaps(t *testing.T) {
	r := NewRegistry()
	tn, _, err := r.Create("acme", "", models.TenantSettings{MaxAssetsPerWallet: 1})
	if err != nil {
		t.Fatal(err)
	}
	nft := func(id models.AssetID) models.NFT {
		return models.NFT{ID: id, Metadata: models.Metadata{Name: string(id)}, Ownership: models.Ownership{OwnerID: "w"}}
	}
	if _, _, err := tn.Graph.SubmitInventory("w", []models.NFT{nft("a")}); err != nil {
		t.Fatalf("First asset under cap 1: %v", err)
	}
	if _, _, err := tn.Graph.SubmitInventory("w", []models.NFT{nft("b")}); !errors.Is(err, graph.ErrTooManyAssets) {
		t.Fatalf("Expected ErrTooManyAssets under cap 1. Got: %v", err)
	}

	if err := r.UpdateSettings(tn.ID, models.TenantSettings{MaxAssetsPerWallet: 10}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if _, _, err := tn.Graph.SubmitInventory("w", []models.NFT{nft("b")}); err != nil {
		t.Errorf("Raised wallet cap must reach the existing graph: %v", err)
	}
}

func TestUpdateSettings_ConcurrentWithAllow(t *testing.T) {
	r := NewRegistry()
	tn, _, err := r.Create("acme", "", models.TenantSettings{DiscoveryRequestsPerMinute: 5})
	if err != nil {
		t.Fatal(err)
	}
	q := tn.Quota

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			tn.Quota.Allow(DimDiscovery, 1)
		}
	}()
	for i := 0; i < 500; i++ {
		if err := r.UpdateSettings(tn.ID, models.TenantSettings{DiscoveryRequestsPerMinute: 5 + i%3}); err != nil {
			t.Fatalf("UpdateSettings: %v", err)
		}
	}
	<-done

	if tn.Quota != q {
		t.Error("Quota must be reconfigured in place, not replaced")
	}
}

func TestQuota_ExactWindowRejection(t *testing.T) {
	q := NewQuota(5, 0, 0)
	now := time.Now()
	q.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if ok, _ := q.Allow(DimDiscovery, 1); !ok {
			t.Fatalf("Request %d within cap must pass", i+1)
		}
	}
	ok, retry := q.Allow(DimDiscovery, 1)
	if ok {
		t.Fatal("6th request in the window must be rejected")
	}
	if retry <= 0 {
		t.Errorf("retryAfter must be positive. Got: %v", retry)
	}

	// Slide past the window; the counter frees up.
	now = now.Add(61 * time.Second)
	if ok, _ := q.Allow(DimDiscovery, 1); !ok {
		t.Error("Request after the window slid must pass")
	}
}

func TestQuota_BatchConsumption(t *testing.T) {
	q := NewQuota(0, 10, 0)
	if ok, _ := q.Allow(DimAssetSubmit, 10); !ok {
		t.Fatal("Batch exactly at cap must pass")
	}
	if ok, _ := q.Allow(DimAssetSubmit, 1); ok {
		t.Error("Cap is exhausted; next unit must be rejected")
	}
}

func TestQuota_DisabledDimension(t *testing.T) {
	q := NewQuota(0, 0, 0)
	for i := 0; i < 100; i++ {
		if ok, _ := q.Allow(DimDiscovery, 1); !ok {
			t.Fatal("Cap 0 disables the dimension")
		}
	}
}
