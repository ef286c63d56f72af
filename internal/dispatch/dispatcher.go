package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/rawblock/tradeloop-engine/internal/cache"
	"github.com/rawblock/tradeloop-engine/internal/engine"
	"github.com/rawblock/tradeloop-engine/internal/scoring"
	"github.com/rawblock/tradeloop-engine/internal/tenant"
	"github.com/rawblock/tradeloop-engine/internal/webhook"
	"github.com/rawblock/tradeloop-engine/pkg/models"
)

// Event Dispatcher
//
// Each tenant gets one serialized event loop over a bounded queue:
// parallel across tenants, strictly ordered within one. An event acquires
// the tenant write lock only for the graph mutation; discovery then runs
// against a read snapshot, so queries stay concurrent with enumeration.
//
// Pipeline per event: mutate graph → verify/invalidate cache → discover
// cycles from the dirty set → score → admit → fan out webhooks and live
// stream. The synchronous caller gets back the count of loops its own
// mutation admitted.
//
// Backpressure: a full queue rejects new submits with ErrBusy (HTTP 429)
// instead of queueing unboundedly.

// ErrBusy reports queue backpressure.
var ErrBusy = errors.New("tenant event queue full")

const defaultQueueDepth = 256

// defaultDiscoveryTimeout bounds discovery for callers without deadlines.
const defaultDiscoveryTimeout = 5 * time.Second

// Outcome is what a mutation returns to its synchronous caller.
type Outcome struct {
	NewLoops       int
	ChangedWallets []models.WalletID
	Skipped        int
	Partial        bool
	Err            error
}

// AuditSink receives retired cache entries for durable audit logging.
type AuditSink interface {
	SaveRetiredCycle(ctx context.Context, tenantID models.TenantID, entry cache.Entry, reason string) error
}

// Notifier receives admitted loops for live streaming (websocket hub).
type Notifier func(tenantID models.TenantID, loop models.TradeLoop, score models.ScoreReport)

type eventKind int

const (
	evInventory eventKind = iota
	evWants
	evRemoveWallet
	evRemoveAsset
	evRemoveWant
)

type event struct {
	kind   eventKind
	ctx    context.Context
	wallet models.WalletID
	nfts   []models.NFT
	wants  []models.AssetID
	asset  models.AssetID
	reply  chan Outcome
}

type tenantLoop struct {
	queue chan event
	stop  chan struct{}
}

// Dispatcher owns the per-tenant loops.
type Dispatcher struct {
	scorer   *scoring.Scorer
	webhooks *webhook.Dispatcher
	notify   Notifier
	audit    AuditSink

	mu    sync.Mutex
	loops map[models.TenantID]*tenantLoop

	queueDepth int
}

func New(scorer *scoring.Scorer, webhooks *webhook.Dispatcher, notify Notifier, audit AuditSink) *Dispatcher {
	if scorer == nil {
		scorer = scoring.New(nil, nil)
	}
	return &Dispatcher{
		scorer:     scorer,
		webhooks:   webhooks,
		notify:     notify,
		audit:      audit,
		loops:      make(map[models.TenantID]*tenantLoop),
		queueDepth: defaultQueueDepth,
	}
}

// ─── Public mutation API ────────────────────────────────────────────

func (d *Dispatcher) SubmitInventory(ctx context.Context, t *tenant.Tenant, wallet models.WalletID, nfts []models.NFT) Outcome {
	return d.run(ctx, t, event{kind: evInventory, wallet: wallet, nfts: nfts})
}

func (d *Dispatcher) SubmitWants(ctx context.Context, t *tenant.Tenant, wallet models.WalletID, wants []models.AssetID) Outcome {
	return d.run(ctx, t, event{kind: evWants, wallet: wallet, wants: wants})
}

func (d *Dispatcher) RemoveWallet(ctx context.Context, t *tenant.Tenant, wallet models.WalletID) Outcome {
	return d.run(ctx, t, event{kind: evRemoveWallet, wallet: wallet})
}

func (d *Dispatcher) RemoveAsset(ctx context.Context, t *tenant.Tenant, asset models.AssetID) Outcome {
	return d.run(ctx, t, event{kind: evRemoveAsset, asset: asset})
}

func (d *Dispatcher) RemoveWant(ctx context.Context, t *tenant.Tenant, wallet models.WalletID, asset models.AssetID) Outcome {
	return d.run(ctx, t, event{kind: evRemoveWant, wallet: wallet, asset: asset})
}

// StopTenant shuts down a tenant's event loop after deletion.
func (d *Dispatcher) StopTenant(id models.TenantID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.loops[id]; ok {
		close(l.stop)
		delete(d.loops, id)
	}
}

// run enqueues an event on the tenant's loop and waits for the outcome.
func (d *Dispatcher) run(ctx context.Context, t *tenant.Tenant, ev event) Outcome {
	ev.ctx = ctx
	ev.reply = make(chan Outcome, 1)

	l := d.loopFor(t)
	select {
	case l.queue <- ev:
	default:
		return Outcome{Err: ErrBusy}
	}

	select {
	case out := <-ev.reply:
		return out
	case <-ctx.Done():
		// The event still executes; the caller just stopped waiting.
		return Outcome{Partial: true, Err: ctx.Err()}
	}
}

func (d *Dispatcher) loopFor(t *tenant.Tenant) *tenantLoop {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.loops[t.ID]; ok {
		return l
	}
	l := &tenantLoop{
		queue: make(chan event, d.queueDepth),
		stop:  make(chan struct{}),
	}
	d.loops[t.ID] = l
	go d.serve(t, l)
	return l
}

func (d *Dispatcher) serve(t *tenant.Tenant, l *tenantLoop) {
	for {
		select {
		case <-l.stop:
			return
		case ev := <-l.queue:
			ev.reply <- d.process(t, ev)
		}
	}
}

// ─── Event processing ───────────────────────────────────────────────

func (d *Dispatcher) process(t *tenant.Tenant, ev event) Outcome {
	var (
		dirty   []models.WalletID
		changed bool
		skipped int
		err     error
	)

	switch ev.kind {
	case evInventory:
		dirty, changed, err = t.Graph.SubmitInventory(ev.wallet, ev.nfts)
		if err == nil {
			t.Usage.AssetsSubmitted.Add(int64(len(ev.nfts)))
		}
	case evWants:
		dirty, skipped, changed, err = t.Graph.SubmitWants(ev.wallet, ev.wants)
		if err == nil {
			t.Usage.WantsSubmitted.Add(int64(len(ev.wants)))
		}
	case evRemoveWallet:
		dirty, err = t.Graph.RemoveWallet(ev.wallet)
		changed = err == nil
		if changed {
			d.retire(t, t.Cache.InvalidateWallet(ev.wallet), "wallet removed")
		}
	case evRemoveAsset:
		dirty, err = t.Graph.RemoveAsset(ev.asset)
		changed = err == nil
		if changed {
			d.retire(t, t.Cache.InvalidateAsset(ev.asset), "asset removed")
		}
	case evRemoveWant:
		dirty, err = t.Graph.RemoveWant(ev.wallet, ev.asset)
		changed = err == nil
	}

	if err != nil {
		return Outcome{Err: err, Skipped: skipped}
	}
	if !changed {
		// Idempotent resubmission: the graph did not move, so neither
		// can the cycle set.
		return Outcome{ChangedWallets: dirty, Skipped: skipped}
	}

	// Self-invalidation: retire every cached loop whose witnesses no
	// longer hold against the mutated graph.
	d.retire(t, t.Cache.Verify(t.Graph.VerifyStep), "witness invalidated")

	out := d.discover(ev.ctx, t, dirty)
	out.ChangedWallets = dirty
	out.Skipped = skipped
	return out
}

// discover runs the cycle engine over the dirty set and admits scored
// loops into the cache.
func (d *Dispatcher) discover(ctx context.Context, t *tenant.Tenant, dirty []models.WalletID) Outcome {
	if len(dirty) == 0 {
		return Outcome{}
	}
	settings := t.Settings()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), defaultDiscoveryTimeout)
		defer cancel()
	}

	snap := t.Graph.Snapshot()
	res := t.Engine.Discover(ctx, snap, dirty, engine.Options{
		MaxDepth:      settings.MaxCycleDepth,
		PerSCCCap:     settings.MaxCyclesPerRequest,
		MaxTotal:      settings.MaxCyclesPerRequest,
		EnableBundles: settings.EnableBundles,
	})

	out := Outcome{Partial: res.TimedOut || res.Truncated}
	for _, c := range res.Cycles {
		// Bloom hit on a loop that is still admitted: nothing to redo.
		if c.Known {
			if e, ok := t.Cache.Get(c.ID); ok && e.State == cache.StateAdmitted {
				continue
			}
		}

		score := d.scorer.Score(c, snap, settings.MaxCycleDepth)
		if score.Efficiency < settings.MinEfficiency {
			continue
		}

		loop := models.TradeLoop{
			ID:                c.ID,
			Steps:             c.Steps(),
			TotalParticipants: len(c.Wallets),
			Efficiency:        score.Efficiency,
			QualityScore:      score.QualityScore,
		}
		if len(c.Alternatives) > 0 {
			loop.Bundle = &models.BundleManifest{
				Alternatives: c.Alternatives,
				Combinations: c.Combinations,
			}
		}

		if t.Cache.Upsert(loop, score) {
			out.NewLoops++
			t.Usage.LoopsDiscovered.Add(1)
			if d.webhooks != nil {
				d.webhooks.Send(t, loop, score)
			}
			if d.notify != nil {
				d.notify(t.ID, loop, score)
			}
		}
	}
	return out
}

// retire forwards retired cache entries to the audit sink.
func (d *Dispatcher) retire(t *tenant.Tenant, entries []cache.Entry, reason string) {
	if len(entries) == 0 {
		return
	}
	if d.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, e := range entries {
		if err := d.audit.SaveRetiredCycle(ctx, t.ID, e, reason); err != nil {
			log.Printf("[Dispatcher] audit write failed for cycle %s (tenant %s): %v", e.ID, t.ID, err)
		}
	}
}
