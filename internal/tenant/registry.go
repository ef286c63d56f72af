package tenant

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/tradeloop-engine/internal/cache"
	"github.com/rawblock/tradeloop-engine/internal/engine"
	"github.com/rawblock/tradeloop-engine/internal/graph"
	"github.com/rawblock/tradeloop-engine/pkg/models"
)

// Tenant Registry
//
// The only process-wide shared state besides the rate-limit counters.
// Readers go through an atomically swapped copy-on-write map, so the hot
// request path (one Authenticate per request) never contends with admin
// mutations. Each tenant exclusively owns its graph, cache, engine, and
// quota; cross-tenant access is prevented by the single lookup at the
// request boundary.

var (
	ErrNotFound     = errors.New("tenant not found")
	ErrUnauthorized = errors.New("invalid api key")
)

// Usage tracks per-tenant counters for /status.
type Usage struct {
	DiscoveryRequests atomic.Int64
	AssetsSubmitted   atomic.Int64
	WantsSubmitted    atomic.Int64
	LoopsDiscovered   atomic.Int64
	WebhooksDelivered atomic.Int64
	WebhooksDead      atomic.Int64
}

// Tenant composes the per-tenant subsystems around its configuration.
type Tenant struct {
	ID           models.TenantID
	Name         string
	ContactEmail string
	CreatedAt    time.Time

	mu            sync.RWMutex
	settings      models.TenantSettings
	cred          keyCredential
	WebhookSecret string

	Graph  *graph.Graph
	Cache  *cache.Cache
	Engine *engine.Engine
	Quota  *Quota
	Usage  Usage
}

// Settings returns a copy of the tenant's current settings.
func (t *Tenant) Settings() models.TenantSettings {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.settings
}

// WebhookURL is a shortcut for the delivery pipeline.
func (t *Tenant) WebhookURL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.settings.WebhookURL
}

type Registry struct {
	mu      sync.Mutex   // serializes admin mutations
	tenants atomic.Value // map[models.TenantID]*Tenant
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.tenants.Store(map[models.TenantID]*Tenant{})
	return r
}

func (r *Registry) snapshot() map[models.TenantID]*Tenant {
	return r.tenants.Load().(map[models.TenantID]*Tenant)
}

func (r *Registry) swap(mutate func(map[models.TenantID]*Tenant)) {
	old := r.snapshot()
	next := make(map[models.TenantID]*Tenant, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	mutate(next)
	r.tenants.Store(next)
}

// Create provisions a tenant with fresh subsystems. The returned apiKey
// plaintext is shown exactly once and never stored.
func (r *Registry) Create(name, contactEmail string, settings models.TenantSettings) (*Tenant, string, error) {
	if name == "" {
		return nil, "", fmt.Errorf("%w: tenant name required", graph.ErrInvalidInput)
	}
	settings.ApplyDefaults()

	id := models.TenantID(uuid.NewString())
	apiKey, cred, err := newAPIKey(id)
	if err != nil {
		return nil, "", err
	}
	secret, err := newWebhookSecret()
	if err != nil {
		return nil, "", err
	}

	t := &Tenant{
		ID:            id,
		Name:          name,
		ContactEmail:  contactEmail,
		CreatedAt:     time.Now().UTC(),
		settings:      settings,
		cred:          cred,
		WebhookSecret: secret,
		Graph: graph.New(graph.Limits{
			MaxAssetsPerWallet: settings.MaxAssetsPerWallet,
			MaxWantsPerWallet:  settings.MaxWantsPerWallet,
		}, nil),
		Cache:  cache.New(cache.Limits{MaxEntries: 10000}),
		Engine: engine.New(),
		Quota: NewQuota(settings.DiscoveryRequestsPerMinute,
			settings.AssetSubmissionsPerDay, settings.WebhookCallsPerMinute),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.swap(func(m map[models.TenantID]*Tenant) { m[id] = t })
	return t, apiKey, nil
}

// Restore re-registers a tenant loaded from a snapshot, keeping its
// original id and credentials.
func (r *Registry) Restore(t *Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.swap(func(m map[models.TenantID]*Tenant) { m[t.ID] = t })
}

func (r *Registry) Get(id models.TenantID) (*Tenant, bool) {
	t, ok := r.snapshot()[id]
	return t, ok
}

// All returns the current tenant set.
func (r *Registry) All() []*Tenant {
	m := r.snapshot()
	out := make([]*Tenant, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	return out
}

// Authenticate resolves an API key to its tenant, constant-time on the
// secret comparison. The error is identical for unknown tenants and bad
// secrets.
func (r *Registry) Authenticate(apiKey string) (*Tenant, error) {
	id, secret, ok := splitKey(apiKey)
	if !ok {
		return nil, ErrUnauthorized
	}
	t, found := r.snapshot()[id]
	if !found {
		return nil, ErrUnauthorized
	}
	t.mu.RLock()
	valid := t.cred.verify(secret)
	t.mu.RUnlock()
	if !valid {
		return nil, ErrUnauthorized
	}
	return t, nil
}

// UpdateSettings replaces a tenant's settings (admin only). Quota caps and
// graph per-wallet caps are reconfigured in place so they take effect
// immediately without invalidating the pointers held by in-flight work.
func (r *Registry) UpdateSettings(id models.TenantID, settings models.TenantSettings) error {
	t, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	settings.ApplyDefaults()
	t.mu.Lock()
	t.settings = settings
	t.mu.Unlock()
	t.Quota.Reconfigure(settings.DiscoveryRequestsPerMinute,
		settings.AssetSubmissionsPerDay, settings.WebhookCallsPerMinute)
	t.Graph.SetLimits(graph.Limits{
		MaxAssetsPerWallet: settings.MaxAssetsPerWallet,
		MaxWantsPerWallet:  settings.MaxWantsPerWallet,
	})
	return nil
}

// RegenerateKey atomically replaces a tenant's API key. The prior hash is
// retired in the same swap; there is never a moment with two live keys.
func (r *Registry) RegenerateKey(id models.TenantID) (string, error) {
	t, ok := r.Get(id)
	if !ok {
		return "", ErrNotFound
	}
	apiKey, cred, err := newAPIKey(id)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.cred = cred
	t.mu.Unlock()
	return apiKey, nil
}

// Delete removes a tenant and everything it owns.
func (r *Registry) Delete(id models.TenantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.snapshot()[id]; !ok {
		return ErrNotFound
	}
	r.swap(func(m map[models.TenantID]*Tenant) { delete(m, id) })
	return nil
}

// RestoreCredential reinstalls a stored key hash during snapshot load.
func (t *Tenant) RestoreCredential(salt []byte, hash []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var h [32]byte
	copy(h[:], hash)
	t.cred = keyCredential{salt: salt, hash: h}
}

// Credential exposes the stored salt and hash for snapshot persistence.
func (t *Tenant) Credential() (salt []byte, hash []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := make([]byte, len(t.cred.salt))
	copy(s, t.cred.salt)
	h := make([]byte, len(t.cred.hash))
	copy(h, t.cred.hash[:])
	return s, h
}

// SetSettings installs settings without rebuilding subsystems; used by
// the snapshot loader before the tenant is published.
func (t *Tenant) SetSettings(s models.TenantSettings) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settings = s
}

// NewRestored builds an empty tenant shell for the snapshot loader.
func NewRestored(id models.TenantID, name, contactEmail string, createdAt time.Time, settings models.TenantSettings, webhookSecret string) *Tenant {
	settings.ApplyDefaults()
	return &Tenant{
		ID:            id,
		Name:          name,
		ContactEmail:  contactEmail,
		CreatedAt:     createdAt,
		settings:      settings,
		WebhookSecret: webhookSecret,
		Graph: graph.New(graph.Limits{
			MaxAssetsPerWallet: settings.MaxAssetsPerWallet,
			MaxWantsPerWallet:  settings.MaxWantsPerWallet,
		}, nil),
		Cache:  cache.New(cache.Limits{MaxEntries: 10000}),
		Engine: engine.New(),
		Quota: NewQuota(settings.DiscoveryRequestsPerMinute,
			settings.AssetSubmissionsPerDay, settings.WebhookCallsPerMinute),
	}
}
