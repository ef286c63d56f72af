package scoring

import (
	"context"
	"math"
	"testing"

	"github.com/rawblock/tradeloop-engine/internal/engine"
	"github.com/rawblock/tradeloop-engine/internal/graph"
	"github.com/rawblock/tradeloop-engine/pkg/models"
)

func TestWeightsSumToOne(t *testing.T) {
	w := Weights()
	if len(w) != 18 {
		t.Fatalf("Expected 18 weighted metrics. Got: %d", len(w))
	}
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("Weights must sum to exactly 1.0. Got: %.12f", sum)
	}
}

// twoCycle builds alice↔bob trading x for y and returns the single
// candidate plus the snapshot it was found in. value ≤ 0 leaves the
// assets unpriced.
func twoCycle(t *testing.T, valueX, valueY float64) (engine.Candidate, *graph.Snapshot) {
	t.Helper()
	g := graph.New(graph.Limits{}, nil)

	nx := models.NFT{ID: "x", Metadata: models.Metadata{Name: "x"}, Ownership: models.Ownership{OwnerID: "alice"}}
	ny := models.NFT{ID: "y", Metadata: models.Metadata{Name: "y"}, Ownership: models.Ownership{OwnerID: "bob"}}
	if valueX > 0 {
		nx.Valuation = &models.Valuation{Amount: valueX, Currency: "ETH"}
	}
	if valueY > 0 {
		ny.Valuation = &models.Valuation{Amount: valueY, Currency: "ETH"}
	}
	if _, _, err := g.SubmitInventory("alice", []models.NFT{nx}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := g.SubmitInventory("bob", []models.NFT{ny}); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := g.SubmitWants("alice", []models.AssetID{"y"}); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := g.SubmitWants("bob", []models.AssetID{"x"}); err != nil {
		t.Fatal(err)
	}

	snap := g.Snapshot()
	res := engine.New().Discover(context.Background(), snap, nil, engine.Options{MaxDepth: 10})
	if len(res.Cycles) != 1 {
		t.Fatalf("Expected 1 cycle. Got: %d", len(res.Cycles))
	}
	return res.Cycles[0], snap
}

func TestScore_UnpricedTwoCycleEfficiency(t *testing.T) {
	c, snap := twoCycle(t, 0, 0)
	report := New(nil, nil).Score(c, snap, 10)

	// With no valuations value alignment defaults to 1.0 and the 2-hop
	// length score is 0.9, so efficiency = 0.6·1.0 + 0.4·0.9 = 0.96.
	if math.Abs(report.Efficiency-0.96) > 1e-9 {
		t.Errorf("Expected efficiency 0.96 for an unpriced 2-cycle. Got: %v", report.Efficiency)
	}
	if report.QualityScore <= 0 || report.QualityScore > 1 {
		t.Errorf("QualityScore out of range: %v", report.QualityScore)
	}
}

func TestScore_AllMetricsPresentAndBounded(t *testing.T) {
	c, snap := twoCycle(t, 1.0, 1.2)
	report := New(nil, nil).Score(c, snap, 10)

	if len(report.Metrics) != 18 {
		t.Fatalf("Expected 18 metrics. Got: %d", len(report.Metrics))
	}
	for name := range Weights() {
		v, ok := report.Metrics[name]
		if !ok {
			t.Errorf("Missing metric %s", name)
			continue
		}
		if v < 0 || v > 1 {
			t.Errorf("Metric %s out of [0,1]: %v", name, v)
		}
	}
}

func TestScore_EqualValuationsAlignPerfectly(t *testing.T) {
	c, snap := twoCycle(t, 2.5, 2.5)
	report := New(nil, nil).Score(c, snap, 10)

	if report.Metrics[MetricValueVariance] != 1 {
		t.Errorf("Equal values must give valueVariance 1. Got: %v", report.Metrics[MetricValueVariance])
	}
	if report.Metrics[MetricValueRange] != 1 {
		t.Errorf("Equal values must give valueRange 1. Got: %v", report.Metrics[MetricValueRange])
	}
	if report.Metrics[MetricValuationCoverage] != 1 {
		t.Errorf("Fully priced loop must give coverage 1. Got: %v", report.Metrics[MetricValuationCoverage])
	}
}

func TestScore_MissingExternalDataIsNeutral(t *testing.T) {
	c, snap := twoCycle(t, 1.0, 1.0)
	report := New(NoOracle{}, NoHistory{}).Score(c, snap, 10)

	for _, name := range []string{
		MetricFloorLiquidity, MetricVolumeProxy, MetricDemandProxy,
		MetricVolatilityRisk, MetricCounterpartyFamiliarity,
		MetricEdgeSuccessRate, MetricWalletReliability, MetricRecencyScore,
	} {
		if report.Metrics[name] != neutral {
			t.Errorf("Metric %s without data must be %v. Got: %v", name, neutral, report.Metrics[name])
		}
	}
}

func TestScore_Deterministic(t *testing.T) {
	c, snap := twoCycle(t, 1.0, 3.0)
	s := New(nil, nil)

	a := s.Score(c, snap, 10)
	b := s.Score(c, snap, 10)
	if a.QualityScore != b.QualityScore || a.Efficiency != b.Efficiency {
		t.Errorf("Scoring must be deterministic: %+v vs %+v", a, b)
	}
	for k, v := range a.Metrics {
		if b.Metrics[k] != v {
			t.Errorf("Metric %s differs between runs: %v vs %v", k, v, b.Metrics[k])
		}
	}
}

func TestScore_LengthScorePeaksAtThree(t *testing.T) {
	// Synthetic candidates; only the wallet count matters for lengthScore.
	c2, snap := twoCycle(t, 0, 0)
	r2 := New(nil, nil).Score(c2, snap, 10)
	if math.Abs(r2.Metrics[MetricLengthScore]-0.9) > 1e-9 {
		t.Errorf("2-cycle lengthScore should be 0.9. Got: %v", r2.Metrics[MetricLengthScore])
	}
}
