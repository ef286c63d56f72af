package cache

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/rawblock/tradeloop-engine/pkg/models"
)

// Per-Tenant Cycle Cache
//
// Discovered loops are stored by canonical id with two secondary indices:
// wallet → loop ids (query-by-participant) and asset → loop ids (targeted
// invalidation). Entries hold value copies of everything they reference,
// so queries never take graph locks.
//
// Lifecycle: Candidate → Admitted → Retired. Upserts arrive post-scoring
// and admit immediately; a mutation that breaks any witnessing asset
// retires the entry, removing it from query results. A retired entry may
// be re-admitted by a later upsert of the same canonical id.
//
// Eviction is LRU over a max entry count and an approximate memory
// budget, retired entries first.

type State int

const (
	StateCandidate State = iota
	StateAdmitted
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateCandidate:
		return "candidate"
	case StateAdmitted:
		return "admitted"
	default:
		return "retired"
	}
}

// Entry is one cached loop.
type Entry struct {
	ID           string             `json:"id"`
	Loop         models.TradeLoop   `json:"loop"`
	Score        models.ScoreReport `json:"score"`
	State        State              `json:"state"`
	FirstSeen    time.Time          `json:"firstSeen"`
	LastVerified time.Time          `json:"lastVerified"`

	wallets []models.WalletID
	assets  []models.AssetID
}

// Limits configures eviction.
type Limits struct {
	MaxEntries int
	MaxBytes   int64 // approximate; 0 = unlimited
}

type Cache struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	byWallet map[models.WalletID]map[string]struct{}
	byAsset  map[models.AssetID]map[string]struct{}

	lru    *list.List // front = most recently used, values are ids
	elems  map[string]*list.Element
	limits Limits
	bytes  int64

	now func() time.Time
}

func New(limits Limits) *Cache {
	if limits.MaxEntries <= 0 {
		limits.MaxEntries = 10000
	}
	return &Cache{
		entries:  make(map[string]*Entry),
		byWallet: make(map[models.WalletID]map[string]struct{}),
		byAsset:  make(map[models.AssetID]map[string]struct{}),
		lru:      list.New(),
		elems:    make(map[string]*list.Element),
		limits:   limits,
		now:      time.Now,
	}
}

// Upsert admits a scored loop. Idempotent: an existing admitted entry
// only refreshes its last-verified timestamp. Returns true when the loop
// is newly admitted — absent before, or previously retired.
func (c *Cache) Upsert(loop models.TradeLoop, score models.ScoreReport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[loop.ID]; ok {
		wasRetired := e.State == StateRetired
		e.Loop = loop
		e.Score = score
		e.State = StateAdmitted
		e.LastVerified = now
		c.touchLocked(loop.ID)
		return wasRetired
	}

	e := &Entry{
		ID:           loop.ID,
		Loop:         loop,
		Score:        score,
		State:        StateAdmitted,
		FirstSeen:    now,
		LastVerified: now,
		wallets:      participantsOf(loop),
		assets:       assetsOf(loop),
	}
	c.entries[loop.ID] = e
	for _, w := range e.wallets {
		if c.byWallet[w] == nil {
			c.byWallet[w] = make(map[string]struct{})
		}
		c.byWallet[w][loop.ID] = struct{}{}
	}
	for _, a := range e.assets {
		if c.byAsset[a] == nil {
			c.byAsset[a] = make(map[string]struct{})
		}
		c.byAsset[a][loop.ID] = struct{}{}
	}
	c.elems[loop.ID] = c.lru.PushFront(loop.ID)
	c.bytes += approxSize(e)
	c.evictLocked()
	return true
}

// InvalidateAsset retires every loop witnessing the asset. Returns the
// retired entries for audit logging.
func (c *Cache) InvalidateAsset(a models.AssetID) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retireSetLocked(c.byAsset[a])
}

// InvalidateWallet retires every loop the wallet participates in.
func (c *Cache) InvalidateWallet(w models.WalletID) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retireSetLocked(c.byWallet[w])
}

func (c *Cache) retireSetLocked(ids map[string]struct{}) []Entry {
	var retired []Entry
	for id := range ids {
		if e, ok := c.entries[id]; ok && e.State != StateRetired {
			e.State = StateRetired
			retired = append(retired, *e)
		}
	}
	return retired
}

// QueryByWallet returns up to limit admitted loops for a participant with
// qualityScore ≥ minScore, ordered by qualityScore descending with
// efficiency as the tiebreak.
func (c *Cache) QueryByWallet(w models.WalletID, limit int, minScore float64) []models.TradeLoop {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var hits []*Entry
	for id := range c.byWallet[w] {
		e, ok := c.entries[id]
		if !ok || e.State != StateAdmitted {
			continue
		}
		if e.Score.QualityScore < minScore {
			continue
		}
		hits = append(hits, e)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score.QualityScore != hits[j].Score.QualityScore {
			return hits[i].Score.QualityScore > hits[j].Score.QualityScore
		}
		if hits[i].Score.Efficiency != hits[j].Score.Efficiency {
			return hits[i].Score.Efficiency > hits[j].Score.Efficiency
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]models.TradeLoop, len(hits))
	for i, e := range hits {
		out[i] = e.Loop
	}
	return out
}

// Get returns a copy of an entry by canonical id.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Verify re-checks every non-retired entry against the live graph through
// the supplied step predicate and retires entries with a broken step.
// Returns the retired entries.
func (c *Cache) Verify(stepValid func(from, to models.WalletID, asset models.AssetID) bool) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var retired []Entry
	for _, e := range c.entries {
		if e.State == StateRetired {
			continue
		}
		ok := true
		for _, step := range e.Loop.Steps {
			for _, a := range step.NFTs {
				// Wire steps run in asset-flow direction: To wants the
				// asset, From owns it.
				if !stepValid(step.To, step.From, a) {
					ok = false
					break
				}
			}
			if !ok {
				break
			}
		}
		if ok {
			e.LastVerified = c.now()
		} else {
			e.State = StateRetired
			retired = append(retired, *e)
		}
	}
	return retired
}

// Stats for the /status endpoint.
type Stats struct {
	Entries  int   `json:"entries"`
	Admitted int   `json:"admitted"`
	Retired  int   `json:"retired"`
	Bytes    int64 `json:"approxBytes"`
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Stats{Entries: len(c.entries), Bytes: c.bytes}
	for _, e := range c.entries {
		switch e.State {
		case StateAdmitted:
			st.Admitted++
		case StateRetired:
			st.Retired++
		}
	}
	return st
}

// Entries returns copies of all entries, for snapshot persistence.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	return out
}

// Restore inserts an entry loaded from a snapshot, preserving its state
// and timestamps. Existing entries win over restored ones.
func (c *Cache) Restore(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[e.ID]; ok {
		return
	}
	cp := e
	cp.wallets = participantsOf(e.Loop)
	cp.assets = assetsOf(e.Loop)
	c.entries[e.ID] = &cp
	for _, w := range cp.wallets {
		if c.byWallet[w] == nil {
			c.byWallet[w] = make(map[string]struct{})
		}
		c.byWallet[w][e.ID] = struct{}{}
	}
	for _, a := range cp.assets {
		if c.byAsset[a] == nil {
			c.byAsset[a] = make(map[string]struct{})
		}
		c.byAsset[a][e.ID] = struct{}{}
	}
	c.elems[e.ID] = c.lru.PushBack(e.ID)
	c.bytes += approxSize(&cp)
	c.evictLocked()
}

// ─── Internals ──────────────────────────────────────────────────────

func (c *Cache) touchLocked(id string) {
	if el, ok := c.elems[id]; ok {
		c.lru.MoveToFront(el)
	}
}

// evictLocked drops entries while over budget: retired entries from the
// LRU tail first, then any entry from the tail.
func (c *Cache) evictLocked() {
	over := func() bool {
		if len(c.entries) > c.limits.MaxEntries {
			return true
		}
		return c.limits.MaxBytes > 0 && c.bytes > c.limits.MaxBytes
	}
	if !over() {
		return
	}

	// Pass 1: retired entries, least recently used first.
	for el := c.lru.Back(); el != nil && over(); {
		prev := el.Prev()
		id := el.Value.(string)
		if e, ok := c.entries[id]; ok && e.State == StateRetired {
			c.removeLocked(id)
		}
		el = prev
	}
	// Pass 2: plain LRU.
	for over() {
		el := c.lru.Back()
		if el == nil {
			return
		}
		c.removeLocked(el.Value.(string))
	}
}

func (c *Cache) removeLocked(id string) {
	e, ok := c.entries[id]
	if !ok {
		return
	}
	for _, w := range e.wallets {
		delete(c.byWallet[w], id)
		if len(c.byWallet[w]) == 0 {
			delete(c.byWallet, w)
		}
	}
	for _, a := range e.assets {
		delete(c.byAsset[a], id)
		if len(c.byAsset[a]) == 0 {
			delete(c.byAsset, a)
		}
	}
	if el, ok := c.elems[id]; ok {
		c.lru.Remove(el)
		delete(c.elems, id)
	}
	c.bytes -= approxSize(e)
	delete(c.entries, id)
}

func participantsOf(loop models.TradeLoop) []models.WalletID {
	seen := make(map[models.WalletID]struct{}, len(loop.Steps))
	var out []models.WalletID
	for _, s := range loop.Steps {
		if _, ok := seen[s.From]; !ok {
			seen[s.From] = struct{}{}
			out = append(out, s.From)
		}
	}
	return out
}

func assetsOf(loop models.TradeLoop) []models.AssetID {
	seen := make(map[models.AssetID]struct{})
	var out []models.AssetID
	add := func(a models.AssetID) {
		if _, ok := seen[a]; !ok {
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	for _, s := range loop.Steps {
		for _, a := range s.NFTs {
			add(a)
		}
	}
	if loop.Bundle != nil {
		for _, alts := range loop.Bundle.Alternatives {
			for _, a := range alts {
				add(a)
			}
		}
	}
	return out
}

// approxSize estimates an entry's memory footprint for the byte budget.
func approxSize(e *Entry) int64 {
	size := int64(len(e.ID)) + 256
	for _, s := range e.Loop.Steps {
		size += int64(len(s.From)) + int64(len(s.To)) + 48
		for _, a := range s.NFTs {
			size += int64(len(a)) + 16
		}
	}
	size += int64(len(e.Score.Metrics)) * 32
	return size
}
