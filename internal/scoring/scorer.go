package scoring

import (
	"math"
	"sort"

	"github.com/rawblock/tradeloop-engine/internal/engine"
	"github.com/rawblock/tradeloop-engine/internal/graph"
	"github.com/rawblock/tradeloop-engine/pkg/models"
)

// 18-Metric Trade Loop Scorer
//
// Every metric lands in [0,1], higher = better trade. The aggregate
// qualityScore is the weighted sum over the frozen weight table below;
// efficiency is the value-alignment/path composite used as the admission
// gate. Scoring is pure: the same candidate, snapshot, oracle data, and
// history always produce the same report. Missing external data never
// raises an error — it defaults to the documented neutral 0.5, except for
// value alignment, where fewer than two valuations on the loop yields 1.0
// (nothing contradicts fairness when nobody priced their asset).
//
// Five metric groups:
//   value alignment — valueVariance, valueRange, valueMedianDeviation,
//                     valuationCoverage
//   path            — lengthScore, participantDiversity, witnessRedundancy
//   market          — floorLiquidity, volumeProxy, demandProxy,
//                     collectionSpread
//   risk            — volatilityRisk, counterpartyFamiliarity,
//                     executionRisk, concentrationRisk
//   historical      — edgeSuccessRate, walletReliability, recencyScore

// Metric names, stable across releases: they key the wire ScoreReport.
const (
	MetricValueVariance        = "valueVariance"
	MetricValueRange           = "valueRange"
	MetricValueMedianDeviation = "valueMedianDeviation"
	MetricValuationCoverage    = "valuationCoverage"

	MetricLengthScore          = "lengthScore"
	MetricParticipantDiversity = "participantDiversity"
	MetricWitnessRedundancy    = "witnessRedundancy"

	MetricFloorLiquidity   = "floorLiquidity"
	MetricVolumeProxy      = "volumeProxy"
	MetricDemandProxy      = "demandProxy"
	MetricCollectionSpread = "collectionSpread"

	MetricVolatilityRisk          = "volatilityRisk"
	MetricCounterpartyFamiliarity = "counterpartyFamiliarity"
	MetricExecutionRisk           = "executionRisk"
	MetricConcentrationRisk       = "concentrationRisk"

	MetricEdgeSuccessRate   = "edgeSuccessRate"
	MetricWalletReliability = "walletReliability"
	MetricRecencyScore      = "recencyScore"
)

// weights is the frozen aggregate weight vector. It sums to exactly 1.0;
// TestWeightsSumToOne pins that.
var weights = map[string]float64{
	MetricValueVariance:        0.10,
	MetricValueRange:           0.07,
	MetricValueMedianDeviation: 0.05,
	MetricValuationCoverage:    0.03,

	MetricLengthScore:          0.10,
	MetricParticipantDiversity: 0.05,
	MetricWitnessRedundancy:    0.05,

	MetricFloorLiquidity:   0.06,
	MetricVolumeProxy:      0.05,
	MetricDemandProxy:      0.05,
	MetricCollectionSpread: 0.04,

	MetricVolatilityRisk:          0.05,
	MetricCounterpartyFamiliarity: 0.05,
	MetricExecutionRisk:           0.06,
	MetricConcentrationRisk:       0.04,

	MetricEdgeSuccessRate:   0.06,
	MetricWalletReliability: 0.05,
	MetricRecencyScore:      0.04,
}

// Weights exposes a copy of the frozen weight vector.
func Weights() map[string]float64 {
	out := make(map[string]float64, len(weights))
	for k, v := range weights {
		out[k] = v
	}
	return out
}

const neutral = 0.5

// PriceOracle supplies optional external market data. Implementations
// returning ok=false for everything are valid; the scorer substitutes the
// neutral default.
type PriceOracle interface {
	FloorPrice(asset models.AssetID, collection string) (float64, bool)
	Volume24h(collection string) (float64, bool)
	DemandIndex(asset models.AssetID) (float64, bool)
}

// History supplies prior-outcome signals for edges and wallets.
type History interface {
	EdgeSuccessRate(from, to models.WalletID) (float64, bool)
	WalletReliability(w models.WalletID) (float64, bool)
	RecencyScore(w models.WalletID) (float64, bool)
}

// NoOracle and NoHistory are the empty defaults.
type NoOracle struct{}

func (NoOracle) FloorPrice(models.AssetID, string) (float64, bool) { return 0, false }
func (NoOracle) Volume24h(string) (float64, bool)                  { return 0, false }
func (NoOracle) DemandIndex(models.AssetID) (float64, bool)        { return 0, false }

type NoHistory struct{}

func (NoHistory) EdgeSuccessRate(models.WalletID, models.WalletID) (float64, bool) { return 0, false }
func (NoHistory) WalletReliability(models.WalletID) (float64, bool)                { return 0, false }
func (NoHistory) RecencyScore(models.WalletID) (float64, bool)                     { return 0, false }

// Scorer computes score reports. Zero-value collaborators are replaced by
// the neutral defaults.
type Scorer struct {
	Oracle  PriceOracle
	History History
}

func New(oracle PriceOracle, history History) *Scorer {
	if oracle == nil {
		oracle = NoOracle{}
	}
	if history == nil {
		history = NoHistory{}
	}
	return &Scorer{Oracle: oracle, History: history}
}

// Score produces the full 18-metric report for a candidate cycle.
// maxDepth is the tenant's configured cycle length cap L.
func (s *Scorer) Score(c engine.Candidate, snap *graph.Snapshot, maxDepth int) models.ScoreReport {
	k := len(c.Wallets)
	if maxDepth < 3 {
		maxDepth = 3
	}
	m := make(map[string]float64, len(weights))

	// ─── Value alignment ────────────────────────────────────────────
	vals := make([]float64, 0, k)
	for _, a := range c.Assets {
		if v, ok := snap.Valuations[a]; ok {
			vals = append(vals, v.Amount)
		}
	}
	m[MetricValuationCoverage] = float64(len(vals)) / float64(k)
	if len(vals) >= 2 {
		mean, sd := meanStddev(vals)
		cv := 0.0
		if mean > 0 {
			cv = sd / mean
		}
		m[MetricValueVariance] = 1.0 / (1.0 + cv)

		lo, hi := minMax(vals)
		if hi > 0 {
			m[MetricValueRange] = lo / hi
		} else {
			m[MetricValueRange] = 1.0
		}

		med := median(vals)
		if med > 0 {
			dev := 0.0
			for _, v := range vals {
				dev += math.Abs(v-med) / med
			}
			m[MetricValueMedianDeviation] = clamp01(1.0 - dev/float64(len(vals)))
		} else {
			m[MetricValueMedianDeviation] = 1.0
		}
	} else {
		// Unpriced loops are vacuously fair.
		m[MetricValueVariance] = 1.0
		m[MetricValueRange] = 1.0
		m[MetricValueMedianDeviation] = 1.0
	}

	// ─── Path properties ────────────────────────────────────────────
	// Ideal loop length is 3: short enough to execute, long enough that
	// multilateral trades beat a plain swap listing.
	m[MetricLengthScore] = clamp01(1.0 - 0.1*math.Abs(float64(k)-3.0))
	m[MetricParticipantDiversity] = clamp01(float64(k) / 4.0)

	redundancy := 0.0
	for i := 0; i < k; i++ {
		n := len(snap.Witnesses(c.Wallets[i], c.Wallets[(i+1)%k]))
		if n > 3 {
			n = 3
		}
		redundancy += float64(n) / 3.0
	}
	m[MetricWitnessRedundancy] = redundancy / float64(k)

	// ─── Market signals (neutral 0.5 without oracle data) ───────────
	floors := make([]float64, 0, k)
	liquidity, volume, demand := 0.0, 0.0, 0.0
	for _, a := range c.Assets {
		coll := snap.Collections[a]
		if p, ok := s.Oracle.FloorPrice(a, coll); ok {
			floors = append(floors, p)
			liquidity += 1.0
		} else {
			liquidity += neutral
		}
		if v, ok := s.Oracle.Volume24h(coll); ok {
			volume += v / (v + 100.0) // Saturating normalization.
		} else {
			volume += neutral
		}
		if d, ok := s.Oracle.DemandIndex(a); ok {
			demand += clamp01(d)
		} else {
			demand += neutral
		}
	}
	m[MetricFloorLiquidity] = liquidity / float64(k)
	m[MetricVolumeProxy] = volume / float64(k)
	m[MetricDemandProxy] = demand / float64(k)

	colls := make(map[string]struct{}, k)
	for _, a := range c.Assets {
		if coll, ok := snap.Collections[a]; ok {
			colls[coll] = struct{}{}
		} else {
			colls[string(a)] = struct{}{} // Collectionless assets count individually.
		}
	}
	m[MetricCollectionSpread] = float64(len(colls)) / float64(k)

	// ─── Risk ───────────────────────────────────────────────────────
	if len(floors) >= 2 {
		fm, fsd := meanStddev(floors)
		cv := 0.0
		if fm > 0 {
			cv = fsd / fm
		}
		m[MetricVolatilityRisk] = clamp01(1.0 - cv)
	} else {
		m[MetricVolatilityRisk] = neutral
	}

	familiarity := 0.0
	for _, w := range c.Wallets {
		if r, ok := s.History.WalletReliability(w); ok {
			familiarity += clamp01(r)
		} else {
			familiarity += neutral
		}
	}
	m[MetricCounterpartyFamiliarity] = familiarity / float64(k)

	// Longer loops mean more signatures that can fail to materialize.
	m[MetricExecutionRisk] = clamp01(1.0 - float64(k-2)/float64(maxDepth-2))

	if len(vals) == k && k >= 2 {
		m[MetricConcentrationRisk] = clamp01(1.0 - gini(vals))
	} else {
		m[MetricConcentrationRisk] = neutral
	}

	// ─── Historical signals ─────────────────────────────────────────
	success := 0.0
	for i := 0; i < k; i++ {
		if r, ok := s.History.EdgeSuccessRate(c.Wallets[i], c.Wallets[(i+1)%k]); ok {
			success += clamp01(r)
		} else {
			success += neutral
		}
	}
	m[MetricEdgeSuccessRate] = success / float64(k)

	// Weakest-link: one flaky wallet sinks the whole loop.
	reliability := 1.0
	anyReliability := false
	for _, w := range c.Wallets {
		if r, ok := s.History.WalletReliability(w); ok {
			anyReliability = true
			if clamp01(r) < reliability {
				reliability = clamp01(r)
			}
		}
	}
	if anyReliability {
		m[MetricWalletReliability] = reliability
	} else {
		m[MetricWalletReliability] = neutral
	}

	recency := 0.0
	for _, w := range c.Wallets {
		if r, ok := s.History.RecencyScore(w); ok {
			recency += clamp01(r)
		} else {
			recency += neutral
		}
	}
	m[MetricRecencyScore] = recency / float64(k)

	// ─── Aggregates ─────────────────────────────────────────────────
	quality := 0.0
	for name, w := range weights {
		quality += w * m[name]
	}

	valueAlignment := (m[MetricValueVariance] + m[MetricValueRange] + m[MetricValueMedianDeviation]) / 3.0
	efficiency := 0.6*valueAlignment + 0.4*m[MetricLengthScore]

	return models.ScoreReport{
		Metrics:      m,
		QualityScore: round4(clamp01(quality)),
		Efficiency:   round4(clamp01(efficiency)),
	}
}

// ─── Small numeric helpers ──────────────────────────────────────────

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

func meanStddev(vals []float64) (float64, float64) {
	mean := 0.0
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	variance := 0.0
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(vals))
	return mean, math.Sqrt(variance)
}

func minMax(vals []float64) (float64, float64) {
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func median(vals []float64) float64 {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// gini computes the Gini coefficient of a value distribution:
// 0 = perfectly equal, approaching 1 = fully concentrated.
func gini(vals []float64) float64 {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	n := float64(len(sorted))
	sum, weighted := 0.0, 0.0
	for i, v := range sorted {
		sum += v
		weighted += float64(i+1) * v
	}
	if sum == 0 {
		return 0
	}
	return (2*weighted)/(n*sum) - (n+1)/n
}
