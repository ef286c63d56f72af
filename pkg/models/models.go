package models

import "time"

// Opaque identifiers. Keeping these distinct types prevents the classic
// bug of passing a wallet id where an asset id is expected; the JSON
// encoding is a plain string either way.
type (
	TenantID string
	WalletID string
	AssetID  string
)

// Valuation is an optional price attached to an asset by its submitter.
type Valuation struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Metadata is the closed metadata record for an asset. Unknown fields at
// the API boundary are rejected, not silently absorbed.
type Metadata struct {
	Name       string `json:"name"`
	Symbol     string `json:"symbol,omitempty"`
	Image      string `json:"image,omitempty"`
	Collection string `json:"collection,omitempty"`
}

// Ownership points an asset at exactly one wallet.
type Ownership struct {
	OwnerID WalletID `json:"ownerId"`
}

// NFT is the wire representation of a submitted asset.
type NFT struct {
	ID        AssetID    `json:"id"`
	Metadata  Metadata   `json:"metadata"`
	Ownership Ownership  `json:"ownership"`
	Valuation *Valuation `json:"valuation,omitempty"`
}

// TradeStep is one hop of a trade loop in asset-flow direction: `From`
// hands the listed assets to `To`. The assets satisfy
// owner(a) == From && To wants a.
type TradeStep struct {
	From WalletID  `json:"from"`
	To   WalletID  `json:"to"`
	NFTs []AssetID `json:"nfts"`
}

// BundleManifest lists alternative asset choices for a trade loop whose
// wallet sequence admits more than one witnessing asset per step.
type BundleManifest struct {
	// Alternatives[i] holds every asset that could satisfy step i.
	Alternatives [][]AssetID `json:"alternatives"`
	// Combinations is the number of distinct loops the bundle compresses.
	Combinations int `json:"combinations"`
}

// TradeLoop is a discovered, scored trade cycle as returned by the API
// and delivered in webhook payloads.
type TradeLoop struct {
	ID                string          `json:"id"`
	Steps             []TradeStep     `json:"steps"`
	TotalParticipants int             `json:"totalParticipants"`
	Efficiency        float64         `json:"efficiency"`
	QualityScore      float64         `json:"qualityScore"`
	Bundle            *BundleManifest `json:"bundle,omitempty"`
}

// ScoreReport carries the full 18-metric decomposition of a loop score.
// Every metric is in [0,1]; QualityScore is the weighted aggregate and
// Efficiency the value-alignment/path composite.
type ScoreReport struct {
	Metrics      map[string]float64 `json:"metrics"`
	QualityScore float64            `json:"qualityScore"`
	Efficiency   float64            `json:"efficiency"`
}

// ─── API request / response shapes ──────────────────────────────────

type InventorySubmitRequest struct {
	WalletID WalletID `json:"walletId"`
	NFTs     []NFT    `json:"nfts"`
}

type InventorySubmitResponse struct {
	Success            bool       `json:"success"`
	NewLoopsDiscovered int        `json:"newLoopsDiscovered"`
	ChangedWallets     []WalletID `json:"changedWallets"`
	Partial            bool       `json:"partial,omitempty"`
}

type WantsSubmitRequest struct {
	WalletID   WalletID  `json:"walletId"`
	WantedNFTs []AssetID `json:"wantedNFTs"`
}

type WantsSubmitResponse struct {
	Success            bool `json:"success"`
	NewLoopsDiscovered int  `json:"newLoopsDiscovered"`
	SkippedOwnedWants  int  `json:"skippedOwnedWants,omitempty"`
	Partial            bool `json:"partial,omitempty"`
}

type DiscoveryRequest struct {
	WalletID WalletID `json:"walletId"`
	Limit    int      `json:"limit,omitempty"`
	MinScore float64  `json:"minScore,omitempty"`
}

type DiscoveryResponse struct {
	Trades []TradeLoop `json:"trades"`
}

// TenantSettings is the per-tenant algorithm, limit, and webhook
// configuration. Zero values are replaced by defaults at creation time.
type TenantSettings struct {
	MaxCycleDepth       int     `json:"maxCycleDepth"`       // default 10
	MinEfficiency       float64 `json:"minEfficiency"`       // default 0.6
	MaxCyclesPerRequest int     `json:"maxCyclesPerRequest"` // default 100
	EnableBundles       bool    `json:"enableBundles"`

	MaxAssetsPerWallet int `json:"maxAssetsPerWallet"` // default 1000
	MaxWantsPerWallet  int `json:"maxWantsPerWallet"`  // default 1000

	DiscoveryRequestsPerMinute int `json:"discoveryRequestsPerMinute"` // default 60
	AssetSubmissionsPerDay     int `json:"assetSubmissionsPerDay"`     // default 10000
	WebhookCallsPerMinute      int `json:"webhookCallsPerMinute"`      // default 60

	WebhookURL string `json:"webhookUrl,omitempty"`
}

// ApplyDefaults fills unset settings with the documented defaults.
func (s *TenantSettings) ApplyDefaults() {
	if s.MaxCycleDepth <= 0 {
		s.MaxCycleDepth = 10
	}
	if s.MinEfficiency <= 0 {
		s.MinEfficiency = 0.6
	}
	if s.MaxCyclesPerRequest <= 0 {
		s.MaxCyclesPerRequest = 100
	}
	if s.MaxAssetsPerWallet <= 0 {
		s.MaxAssetsPerWallet = 1000
	}
	if s.MaxWantsPerWallet <= 0 {
		s.MaxWantsPerWallet = 1000
	}
	if s.DiscoveryRequestsPerMinute <= 0 {
		s.DiscoveryRequestsPerMinute = 60
	}
	if s.AssetSubmissionsPerDay <= 0 {
		s.AssetSubmissionsPerDay = 10000
	}
	if s.WebhookCallsPerMinute <= 0 {
		s.WebhookCallsPerMinute = 60
	}
}

// ErrorBody is the uniform error envelope: {error:{code,message,...}}.
type ErrorBody struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
}

// WebhookPayload is the outbound POST body for trade_discovered events.
// Consumers must dedupe on CycleID: delivery is at-least-once.
type WebhookPayload struct {
	Event     string      `json:"event"`
	TenantID  TenantID    `json:"tenantId"`
	CycleID   string      `json:"cycleId"`
	Cycle     TradeLoop   `json:"cycle"`
	Score     ScoreReport `json:"score"`
	Timestamp time.Time   `json:"timestamp"`
}
