package persist

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/rawblock/tradeloop-engine/internal/cache"
	"github.com/rawblock/tradeloop-engine/internal/graph"
	"github.com/rawblock/tradeloop-engine/internal/tenant"
	"github.com/rawblock/tradeloop-engine/pkg/models"
)

// Optional Tenant Snapshots
//
// When enabled, the manager periodically walks every tenant's live state
// under read locks and writes a per-tenant directory of normalized JSON
// files: tenant.json, wallets.json, assets.json, wants.json, cache.json.
// Every file is written to a temp name and atomically renamed, so a crash
// mid-write leaves either the old file or the new one, never a torn one.
//
// The loader is strict: a tenant directory with any missing, unparsable,
// or inconsistent file is skipped with a warning. Partial state never
// reaches the registry.

const (
	fileTenant  = "tenant.json"
	fileWallets = "wallets.json"
	fileAssets  = "assets.json"
	fileWants   = "wants.json"
	fileCache   = "cache.json"
)

// tenantRecord is the persisted identity + credential schema.
type tenantRecord struct {
	ID            models.TenantID       `json:"id"`
	Name          string                `json:"name"`
	ContactEmail  string                `json:"contactEmail"`
	CreatedAt     time.Time             `json:"createdAt"`
	Settings      models.TenantSettings `json:"settings"`
	WebhookSecret string                `json:"webhookSecret"`
	KeySalt       string                `json:"keySalt"` // base64
	KeyHash       string                `json:"keyHash"` // base64
}

// Manager drives periodic snapshots.
type Manager struct {
	dataDir  string
	registry *tenant.Registry
	interval time.Duration
}

func NewManager(dataDir string, registry *tenant.Registry, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Manager{dataDir: dataDir, registry: registry, interval: interval}
}

// Run snapshots all tenants on a ticker until ctx is cancelled, with a
// final pass on shutdown.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.SnapshotAll()
			log.Println("[Snapshot] final snapshot written, stopping")
			return
		case <-ticker.C:
			m.SnapshotAll()
		}
	}
}

// SnapshotAll writes every tenant's state. Failures are per-tenant.
func (m *Manager) SnapshotAll() {
	for _, t := range m.registry.All() {
		if err := m.SnapshotTenant(t); err != nil {
			log.Printf("[Snapshot] tenant %s failed: %v", t.ID, err)
		}
	}
}

// SnapshotTenant writes the five state files for one tenant.
func (m *Manager) SnapshotTenant(t *tenant.Tenant) error {
	dir := filepath.Join(m.dataDir, string(t.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	salt, hash := t.Credential()
	rec := tenantRecord{
		ID:            t.ID,
		Name:          t.Name,
		ContactEmail:  t.ContactEmail,
		CreatedAt:     t.CreatedAt,
		Settings:      t.Settings(),
		WebhookSecret: t.WebhookSecret,
		KeySalt:       base64.StdEncoding.EncodeToString(salt),
		KeyHash:       base64.StdEncoding.EncodeToString(hash),
	}

	files := []struct {
		name string
		data any
	}{
		{fileTenant, rec},
		{fileWallets, t.Graph.ExportWallets()},
		{fileAssets, t.Graph.ExportAssets()},
		{fileWants, t.Graph.ExportWants()},
		{fileCache, t.Cache.Entries()},
	}
	for _, f := range files {
		if err := writeAtomic(filepath.Join(dir, f.name), f.data); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return nil
}

// writeAtomic marshals to a temp file in the target directory and
// renames it into place.
func writeAtomic(path string, data any) error {
	buf, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// LoadAll restores every valid tenant directory into the registry.
// Returns the number of tenants loaded.
func (m *Manager) LoadAll() int {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[Snapshot] cannot read %s: %v", m.dataDir, err)
		}
		return 0
	}

	loaded := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := m.loadTenant(filepath.Join(m.dataDir, e.Name()))
		if err != nil {
			log.Printf("[Snapshot] skipping tenant dir %s: %v", e.Name(), err)
			continue
		}
		m.registry.Restore(t)
		loaded++
	}
	return loaded
}

func (m *Manager) loadTenant(dir string) (*tenant.Tenant, error) {
	var rec tenantRecord
	if err := readJSON(filepath.Join(dir, fileTenant), &rec); err != nil {
		return nil, err
	}
	if rec.ID == "" || rec.Name == "" || rec.KeyHash == "" {
		return nil, fmt.Errorf("tenant.json incomplete")
	}
	salt, err := base64.StdEncoding.DecodeString(rec.KeySalt)
	if err != nil {
		return nil, fmt.Errorf("bad key salt: %w", err)
	}
	hash, err := base64.StdEncoding.DecodeString(rec.KeyHash)
	if err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("bad key hash")
	}

	var wallets []models.WalletID
	if err := readJSON(filepath.Join(dir, fileWallets), &wallets); err != nil {
		return nil, err
	}
	var assets []models.NFT
	if err := readJSON(filepath.Join(dir, fileAssets), &assets); err != nil {
		return nil, err
	}
	var wants []graph.WantRecord
	if err := readJSON(filepath.Join(dir, fileWants), &wants); err != nil {
		return nil, err
	}
	var cached []cache.Entry
	if err := readJSON(filepath.Join(dir, fileCache), &cached); err != nil {
		return nil, err
	}

	t := tenant.NewRestored(rec.ID, rec.Name, rec.ContactEmail, rec.CreatedAt, rec.Settings, rec.WebhookSecret)
	t.RestoreCredential(salt, hash)

	// Replay assets grouped by owner, then wants; the graph rebuilds its
	// own indices.
	byOwner := make(map[models.WalletID][]models.NFT)
	for _, n := range assets {
		if n.ID == "" || n.Ownership.OwnerID == "" {
			return nil, fmt.Errorf("asset record missing id or owner")
		}
		byOwner[n.Ownership.OwnerID] = append(byOwner[n.Ownership.OwnerID], n)
	}
	for owner, ns := range byOwner {
		if _, _, err := t.Graph.SubmitInventory(owner, ns); err != nil {
			return nil, fmt.Errorf("replay assets for %s: %w", owner, err)
		}
	}
	for _, w := range wants {
		if _, _, _, err := t.Graph.SubmitWants(w.WalletID, w.Wants); err != nil {
			return nil, fmt.Errorf("replay wants for %s: %w", w.WalletID, err)
		}
	}

	for _, e := range cached {
		t.Cache.Restore(e)
	}
	// Retire anything the replayed graph no longer supports.
	t.Cache.Verify(t.Graph.VerifyStep)

	return t, nil
}

func readJSON(path string, out any) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}
