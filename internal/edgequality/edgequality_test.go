package edgequality

import (
	"testing"

	"github.com/shopspring/decimal"

	"arb-core/internal/config"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testConfig() config.EdgeQualityConfig {
	return config.EdgeQualityConfig{RingSize: 5, MinTrades: 5, MinRatio: 0.5}
}

func TestIsDisabledFalseForUnknownMarket(t *testing.T) {
	t.Parallel()
	g := New(testConfig())
	if g.IsDisabled("m1") {
		t.Fatal("expected unknown market to be enabled")
	}
}

func TestBelowMinTradesNeverDisables(t *testing.T) {
	t.Parallel()
	g := New(testConfig())
	for i := 0; i < 4; i++ {
		g.RecordRoundTrip("m1", d("0.02"), d("0.001")) // terrible ratio but too few samples
	}
	if g.IsDisabled("m1") {
		t.Fatal("expected market to stay enabled below the sample floor")
	}
}

func TestPoorQualityDisablesAtSampleFloor(t *testing.T) {
	t.Parallel()
	g := New(testConfig())
	for i := 0; i < 5; i++ {
		g.RecordRoundTrip("m1", d("0.02"), d("0.001"))
	}
	if !g.IsDisabled("m1") {
		t.Fatal("expected market disabled once quality ratio breaches floor at min trades")
	}
}

func TestGoodQualityStaysEnabled(t *testing.T) {
	t.Parallel()
	g := New(testConfig())
	for i := 0; i < 5; i++ {
		g.RecordRoundTrip("m1", d("0.02"), d("0.018"))
	}
	if g.IsDisabled("m1") {
		t.Fatal("expected market to stay enabled with realised edge near predicted")
	}
}

func TestRingEvictsOldestBeyondSize(t *testing.T) {
	t.Parallel()
	g := New(testConfig())
	for i := 0; i < 5; i++ {
		g.RecordRoundTrip("m1", d("0.02"), d("0.018")) // healthy
	}
	if g.IsDisabled("m1") {
		t.Fatal("expected enabled after healthy samples")
	}
	for i := 0; i < 5; i++ {
		g.RecordRoundTrip("m1", d("0.02"), d("0.0")) // push healthy samples out entirely
	}
	if !g.IsDisabled("m1") {
		t.Fatal("expected disabled once the ring is fully replaced by poor samples")
	}
	if g.SampleCount("m1") != 5 {
		t.Fatalf("sample count = %d, want ring capped at 5", g.SampleCount("m1"))
	}
}

func TestEnableClearsDisableLatch(t *testing.T) {
	t.Parallel()
	g := New(testConfig())
	for i := 0; i < 5; i++ {
		g.RecordRoundTrip("m1", d("0.02"), d("0.001"))
	}
	if !g.IsDisabled("m1") {
		t.Fatal("expected disabled before Enable")
	}
	g.Enable("m1")
	if g.IsDisabled("m1") {
		t.Fatal("expected Enable to clear the disable latch")
	}
}

func TestDisableIsPerMarketNotGlobal(t *testing.T) {
	t.Parallel()
	g := New(testConfig())
	for i := 0; i < 5; i++ {
		g.RecordRoundTrip("bad", d("0.02"), d("0.001"))
		g.RecordRoundTrip("good", d("0.02"), d("0.018"))
	}
	if !g.IsDisabled("bad") {
		t.Fatal("expected bad market disabled")
	}
	if g.IsDisabled("good") {
		t.Fatal("expected good market to remain enabled independently")
	}
}

func TestNonPositivePredictedMeanTreatedAsWorstQuality(t *testing.T) {
	t.Parallel()
	g := New(testConfig())
	for i := 0; i < 5; i++ {
		g.RecordRoundTrip("m1", d("0"), d("0.01"))
	}
	if !g.IsDisabled("m1") {
		t.Fatal("expected disabled when predicted-edge mean is non-positive")
	}
}
