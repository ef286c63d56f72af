package tenant

import (
	"sync"
	"time"
)

// Sliding-Window Rate Limiter
//
// Per-tenant limits on three dimensions. Unlike a token bucket, a true
// sliding window makes the §"rate-limit correctness" property exact: the
// (cap+1)th request inside any window span is rejected, full stop.
// Timestamp slices are pruned on every check, so memory is bounded by the
// caps themselves.

type Dimension int

const (
	DimDiscovery Dimension = iota // discovery requests / minute
	DimAssetSubmit                // asset submissions / day
	DimWebhook                    // webhook calls / minute
)

func (d Dimension) String() string {
	switch d {
	case DimDiscovery:
		return "discovery"
	case DimAssetSubmit:
		return "assetSubmit"
	default:
		return "webhook"
	}
}

type window struct {
	cap    int
	span   time.Duration
	stamps []time.Time
}

// Quota enforces all three dimensions for a single tenant.
type Quota struct {
	mu      sync.Mutex
	windows map[Dimension]*window
	now     func() time.Time
}

// NewQuota builds the limiter from per-dimension caps. A cap ≤ 0 disables
// that dimension.
func NewQuota(discoveryPerMin, assetsPerDay, webhooksPerMin int) *Quota {
	return &Quota{
		windows: map[Dimension]*window{
			DimDiscovery:   {cap: discoveryPerMin, span: time.Minute},
			DimAssetSubmit: {cap: assetsPerDay, span: 24 * time.Hour},
			DimWebhook:     {cap: webhooksPerMin, span: time.Minute},
		},
		now: time.Now,
	}
}

// Reconfigure swaps the per-dimension caps in place. The quota pointer is
// shared with in-flight handlers and queued webhook deliveries, so caps
// mutate under the lock rather than the limiter being replaced. In-window
// stamps are kept; a lowered cap counts them immediately.
func (q *Quota) Reconfigure(discoveryPerMin, assetsPerDay, webhooksPerMin int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.windows[DimDiscovery].cap = discoveryPerMin
	q.windows[DimAssetSubmit].cap = assetsPerDay
	q.windows[DimWebhook].cap = webhooksPerMin
}

// Allow consumes n units from a dimension. When rejected, retryAfter is
// the positive duration until the oldest in-window stamp expires.
func (q *Quota) Allow(dim Dimension, n int) (bool, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	w := q.windows[dim]
	if w == nil || w.cap <= 0 {
		return true, 0
	}

	now := q.now()
	cutoff := now.Add(-w.span)
	keep := w.stamps[:0]
	for _, t := range w.stamps {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	w.stamps = keep

	if len(w.stamps)+n > w.cap {
		retry := w.span
		if len(w.stamps) > 0 {
			retry = w.stamps[0].Add(w.span).Sub(now)
		}
		if retry <= 0 {
			retry = time.Second
		}
		return false, retry
	}
	for i := 0; i < n; i++ {
		w.stamps = append(w.stamps, now)
	}
	return true, 0
}
