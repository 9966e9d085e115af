package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arb-core/internal/config"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		HourlyLossLimit: -50,
		DailyLossLimit:  -200,
		MaxDrawdown:     0.2,
		MaxRejectRatio:  0.5,
		RejectWindow:    time.Minute,
	}
}

func newTestManager(cfg config.RiskConfig) *Manager {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(cfg, false, logger)
}

// zeroMark is a mark function for tests that don't exercise unrealized PnL:
// no open positions means Equity's unrealized term is zero regardless of
// what price this returns.
func zeroMark(marketID, tokenID string) decimal.Decimal { return decimal.Zero }

func drainTrip(t *testing.T, rm *Manager) TripSignal {
	t.Helper()
	select {
	case sig := <-rm.TripCh():
		return sig
	default:
		t.Fatal("expected a trip signal, got none")
		return TripSignal{}
	}
}

func TestNewManagerStartsRunning(t *testing.T) {
	t.Parallel()
	rm := newTestManager(testRiskConfig())
	if rm.Mode() != Running {
		t.Fatalf("mode = %v, want RUNNING", rm.Mode())
	}
}

func TestNewManagerStartPausedHonored(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	rm := NewManager(testRiskConfig(), true, logger)
	if rm.Mode() != Paused {
		t.Fatalf("mode = %v, want PAUSED", rm.Mode())
	}
}

func TestOnFillUnderLimitsStaysRunning(t *testing.T) {
	t.Parallel()
	rm := newTestManager(testRiskConfig())
	rm.OnFill("m1", decimal.NewFromFloat(-5), time.Now(), zeroMark)
	if rm.Mode() != Running {
		t.Fatalf("mode = %v, want RUNNING", rm.Mode())
	}
}

func TestOnFillHourlyLossTrips(t *testing.T) {
	t.Parallel()
	rm := newTestManager(testRiskConfig())
	rm.OnFill("m1", decimal.NewFromFloat(-60), time.Now(), zeroMark)
	if rm.Mode() != Flattening {
		t.Fatalf("mode = %v, want FLATTENING", rm.Mode())
	}
	sig := drainTrip(t, rm)
	if sig.MarketID != "m1" {
		t.Fatalf("trip market = %q, want m1", sig.MarketID)
	}
}

func TestOnFillDailyLossTripsAcrossMultipleFills(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.HourlyLossLimit = -1000 // disable hourly so only daily trips
	rm := newTestManager(cfg)
	now := time.Now()
	for i := 0; i < 5; i++ {
		rm.OnFill("m1", decimal.NewFromFloat(-45), now.Add(time.Duration(i)*time.Minute), zeroMark)
	}
	if rm.Mode() != Flattening {
		t.Fatalf("mode = %v, want FLATTENING after cumulative daily loss", rm.Mode())
	}
}

func TestOnFillDrawdownFromHighWaterMark(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.HourlyLossLimit = -1000
	cfg.DailyLossLimit = -1000
	cfg.MaxDrawdown = 0.2
	rm := newTestManager(cfg)
	now := time.Now()

	rm.OnFill("m1", decimal.NewFromFloat(100), now, zeroMark) // high-water mark = 100
	rm.OnFill("m1", decimal.NewFromFloat(-25), now.Add(time.Second), zeroMark)
	if rm.Mode() != Flattening {
		t.Fatalf("mode = %v, want FLATTENING, drawdown 25%% > 20%% limit", rm.Mode())
	}
}

func TestOnSubmitAttemptRejectRatioTrips(t *testing.T) {
	t.Parallel()
	rm := newTestManager(testRiskConfig())
	now := time.Now()
	for i := 0; i < 3; i++ {
		rm.OnSubmitAttempt("m1", false, now.Add(time.Duration(i)*time.Second))
	}
	for i := 0; i < 4; i++ {
		rm.OnSubmitAttempt("m1", true, now.Add(time.Duration(i+3)*time.Second))
	}
	if rm.Mode() != Flattening {
		t.Fatalf("mode = %v, want FLATTENING, reject ratio 4/7 > 0.5", rm.Mode())
	}
}

func TestOnSubmitAttemptBelowSampleFloorDoesNotTrip(t *testing.T) {
	t.Parallel()
	rm := newTestManager(testRiskConfig())
	now := time.Now()
	rm.OnSubmitAttempt("m1", true, now)
	rm.OnSubmitAttempt("m1", true, now.Add(time.Second))
	if rm.Mode() != Running {
		t.Fatalf("mode = %v, want RUNNING, too few samples to trip", rm.Mode())
	}
}

func TestFlattenTripsFromRunning(t *testing.T) {
	t.Parallel()
	rm := newTestManager(testRiskConfig())
	if err := rm.Flatten("operator requested"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rm.Mode() != Flattening {
		t.Fatalf("mode = %v, want FLATTENING", rm.Mode())
	}
	drainTrip(t, rm)
}

func TestFlattenRefusedFromSafe(t *testing.T) {
	t.Parallel()
	rm := newTestManager(testRiskConfig())
	_ = rm.Flatten("trip")
	drainTrip(t, rm)
	if err := rm.EnterSafe(); err != nil {
		t.Fatalf("unexpected error entering safe: %v", err)
	}
	if err := rm.Flatten("again"); err == nil {
		t.Fatal("expected illegal transition error flattening from SAFE")
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	t.Parallel()
	rm := newTestManager(testRiskConfig())
	if err := rm.Pause(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rm.Mode() != Paused {
		t.Fatalf("mode = %v, want PAUSED", rm.Mode())
	}
	if err := rm.Resume(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rm.Mode() != Running {
		t.Fatalf("mode = %v, want RUNNING", rm.Mode())
	}
}

func TestResumeRefusedFromSafe(t *testing.T) {
	t.Parallel()
	rm := newTestManager(testRiskConfig())
	_ = rm.Flatten("trip")
	drainTrip(t, rm)
	_ = rm.EnterSafe()
	if err := rm.Resume(); err == nil {
		t.Fatal("expected resume to be refused from SAFE")
	}
}

func TestEnterSafeRefusedFromRunning(t *testing.T) {
	t.Parallel()
	rm := newTestManager(testRiskConfig())
	if err := rm.EnterSafe(); err == nil {
		t.Fatal("expected illegal transition entering SAFE directly from RUNNING")
	}
}

func TestPositionsApplyFillUpdatesBook(t *testing.T) {
	t.Parallel()
	rm := newTestManager(testRiskConfig())
	rm.Positions().ApplyFill("m1", "yes-token", "BUY", decimal.NewFromFloat(0.45), decimal.NewFromFloat(10), decimal.Zero)
	pos, ok := rm.Positions().Get("m1", "yes-token")
	if !ok {
		t.Fatal("expected position to exist")
	}
	if !pos.Qty.Equal(decimal.NewFromFloat(10)) {
		t.Fatalf("qty = %v, want 10", pos.Qty)
	}
}

func TestEquityCombinesCashAndUnrealized(t *testing.T) {
	t.Parallel()
	rm := newTestManager(testRiskConfig())
	now := time.Now()
	rm.OnFill("m1", decimal.NewFromFloat(10), now, zeroMark) // cash = 10
	rm.Positions().ApplyFill("m1", "yes-token", "BUY", decimal.NewFromFloat(0.40), decimal.NewFromFloat(10), decimal.Zero)

	mark := func(marketID, tokenID string) decimal.Decimal { return decimal.NewFromFloat(0.45) }
	equity := rm.Equity(mark)
	// cash 10 + unrealized (0.45-0.40)*10 = 10 + 0.5 = 10.5
	want := decimal.NewFromFloat(10.5)
	if equity.Sub(want).Abs().GreaterThan(decimal.NewFromFloat(0.0001)) {
		t.Fatalf("equity = %v, want %v", equity, want)
	}
}

func TestGetSnapshotReflectsMode(t *testing.T) {
	t.Parallel()
	rm := newTestManager(testRiskConfig())
	snap := rm.GetSnapshot()
	if snap.Mode != "RUNNING" {
		t.Fatalf("snapshot mode = %q, want RUNNING", snap.Mode)
	}
}
