package backtest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"arb-core/internal/config"
	"arb-core/internal/market"
	"arb-core/internal/persistence"
	"arb-core/internal/persistence/jsonstore"
	"arb-core/pkg/venue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *market.Registry {
	t.Helper()
	reg, errs := market.New([]venue.MarketDescriptor{
		{
			MarketID: "mkt-1",
			Slug:     "will-it-happen",
			Tokens: []venue.TokenDescriptor{
				{TokenID: "yes-token", Label: "YES"},
				{TokenID: "no-token", Label: "NO"},
			},
			TickSize:        venue.Tick001,
			MinOrderSize:    1,
			Active:          true,
			AcceptingOrders: true,
		},
	}, true)
	if len(errs) != 0 {
		t.Fatalf("unexpected registry errors: %v", errs)
	}
	return reg
}

func testConfig() config.Config {
	return config.Config{
		Strategy: config.StrategyConfig{
			MinEdgeThreshold: 0.01,
			MinSize:          1,
			TargetSizeUSD:    10,
			FeeRateBps:       0,
		},
		Slippage: config.SlippageConfig{
			BaseSlippage:  0.001,
			SizeImpactK:   0.001,
			FailureBuffer: 0.001,
		},
		Risk: config.RiskConfig{
			HourlyLossLimit: -1000,
			DailyLossLimit:  -5000,
			MaxDrawdown:     0.5,
			MaxRejectRatio:  0.9,
			RejectWindow:    time.Hour,
		},
		Order: config.OrderConfig{
			SubmitRateNominal: 100,
			SubmitBurst:       100,
			CancelRateNominal: 100,
			CancelBurst:       100,
		},
		EdgeQuality: config.EdgeQualityConfig{
			RingSize:  30,
			MinTrades: 1000, // effectively disabled for this short replay
			MinRatio:  0.5,
		},
		Book: config.BookConfig{
			DivergenceTolerance: 5,
		},
	}
}

// seedSnapshots writes a short book history into store: the YES/NO asks
// start too wide to trade, then narrow enough to cross the configured edge
// threshold, giving Strategy exactly one entry opportunity to act on.
func seedSnapshots(t *testing.T, store persistence.Store) {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	write := func(tokenID string, askPrice, askSize string, seq uint64, ts time.Time) {
		p := persistence.BookSnapshotPayload{
			MarketID: "mkt-1",
			TokenID:  tokenID,
			Bids:     []persistence.LevelPayload{{Price: "0.01", Size: "100"}},
			Asks:     []persistence.LevelPayload{{Price: askPrice, Size: askSize}},
			Sequence: seq,
			CapturedAt: ts,
		}
		payload, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal snapshot: %v", err)
		}
		if err := store.Append(context.Background(), persistence.TableBookSnapshots, ts, payload); err != nil {
			t.Fatalf("append snapshot: %v", err)
		}
	}

	// Wide market: yes+no asks sum to 1.01, a negative edge before any
	// deduction at all.
	write("yes-token", "0.61", "50", 1, base)
	write("no-token", "0.40", "50", 1, base.Add(time.Second))

	// Narrows: yes+no asks sum to 0.90, well past threshold once fees and
	// slippage are subtracted.
	write("yes-token", "0.45", "50", 2, base.Add(2*time.Second))
	write("no-token", "0.45", "50", 3, base.Add(3*time.Second))
}

func runReplay(t *testing.T, dir string) Report {
	t.Helper()
	store, err := jsonstore.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	seedSnapshots(t, store)

	h := New(testConfig(), testRegistry(t), store, testLogger())
	report, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return report
}

func TestHarnessReplayIsDeterministic(t *testing.T) {
	first := runReplay(t, t.TempDir())
	second := runReplay(t, t.TempDir())

	if !first.FinalEquity.Equal(second.FinalEquity) {
		t.Fatalf("final equity differs: %s vs %s", first.FinalEquity, second.FinalEquity)
	}
	if first.TradeCount != second.TradeCount {
		t.Fatalf("trade count differs: %d vs %d", first.TradeCount, second.TradeCount)
	}
	if !first.MaxDrawdown.Equal(second.MaxDrawdown) {
		t.Fatalf("max drawdown differs: %s vs %s", first.MaxDrawdown, second.MaxDrawdown)
	}
	if !first.WinRate.Equal(second.WinRate) {
		t.Fatalf("win rate differs: %s vs %s", first.WinRate, second.WinRate)
	}
	if !first.MeanRealised.Equal(second.MeanRealised) {
		t.Fatalf("mean realised edge differs: %s vs %s", first.MeanRealised, second.MeanRealised)
	}
}

func TestHarnessRunRequiresSnapshots(t *testing.T) {
	store, err := jsonstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	h := New(testConfig(), testRegistry(t), store, testLogger())
	if _, err := h.Run(context.Background()); err == nil {
		t.Fatal("expected error replaying an empty store")
	}
}

func TestHarnessEntersPositionOnNarrowSpread(t *testing.T) {
	report := runReplay(t, t.TempDir())
	if report.TradeCount == 0 {
		t.Fatalf("expected at least one completed round trip, got report: %+v", report)
	}
	if report.MeanRealised.IsNegative() {
		t.Fatalf("expected a non-negative realised edge on a crossed arb, got %s", report.MeanRealised)
	}
}
