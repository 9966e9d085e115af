package flatten

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arb-core/internal/book"
	"arb-core/internal/config"
	"arb-core/internal/market"
	"arb-core/internal/order"
	"arb-core/internal/risk"
	"arb-core/internal/slippage"
	"arb-core/pkg/venue"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeClient struct{ failCancel bool }

func (f *fakeClient) SubmitOrder(ctx context.Context, clientOrderID string, intent order.Intent) (string, error) {
	return "venue-" + clientOrderID, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, venueOrderID string) error {
	if f.failCancel {
		return errors.New("cancel failed")
	}
	return nil
}

func setup(t *testing.T, mode string) (*Workflow, *order.Manager, *risk.Manager, market.Market) {
	t.Helper()
	bs := book.New(2)
	bs.ApplySnapshot("yes-tok", []book.Level{{Price: d("0.44"), Size: d("50")}}, nil, 1, time.Now())
	bs.ApplySnapshot("no-tok", []book.Level{{Price: d("0.50"), Size: d("50")}}, nil, 1, time.Now())

	sm := slippage.New(slippage.Config{FailureBuffer: d("0.01"), WindowSize: 50, SlippageMultiplier: d("1")})

	reg, errs := market.New([]venue.MarketDescriptor{
		{MarketID: "m1", Tokens: []venue.TokenDescriptor{{TokenID: "yes-tok", Label: "yes"}, {TokenID: "no-tok", Label: "no"}}},
	}, true)
	if len(errs) != 0 {
		t.Fatalf("unexpected registry errors: %v", errs)
	}
	m, _ := reg.Get("m1")

	riskMgr := risk.NewManager(config.RiskConfig{HourlyLossLimit: -1000, DailyLossLimit: -1000, MaxDrawdown: 1, MaxRejectRatio: 1, RejectWindow: time.Minute}, false, testLogger())
	_ = riskMgr.Flatten("test setup")
	<-riskMgr.TripCh()

	orderCfg := config.OrderConfig{TTL: time.Hour, SubmitRateNominal: 1000, SubmitBurst: 1000, CancelRateNominal: 1000, CancelBurst: 1000, WorkerPoolSize: 4}
	orders := order.New(orderCfg, &fakeClient{}, testLogger())

	flattenCfg := config.FlattenConfig{Mode: mode, MaxUnwindSlippage: 0.05, UnwindDeadline: time.Second, CancelAckTimeout: time.Second}
	wf := New(flattenCfg, orders, bs, sm, riskMgr, reg, testLogger())
	return wf, orders, riskMgr, m
}

func TestRunCancelOnlyEntersSafe(t *testing.T) {
	t.Parallel()
	wf, orders, riskMgr, m := setup(t, ModeCancelOnly)

	ord, err := orders.Submit(context.Background(), order.Intent{MarketID: m.ID, TokenID: m.YesTokenID, Side: "BUY", Price: d("0.44"), Size: d("10"), Purpose: "ARB_ENTRY"}, d("0.001"), d("1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-orders.Results()
	_ = ord

	report := wf.Run(context.Background())
	if riskMgr.Mode() != risk.Safe {
		t.Fatalf("mode = %v, want SAFE", riskMgr.Mode())
	}
	if len(report.CancelledOrderIDs) != 1 {
		t.Fatalf("cancelled = %d, want 1", len(report.CancelledOrderIDs))
	}
}

func TestRunCancelAndUnwindLiquidatesPositions(t *testing.T) {
	t.Parallel()
	wf, _, riskMgr, m := setup(t, ModeCancelAndUnwind)

	riskMgr.Positions().ApplyFill(m.ID, m.YesTokenID, "BUY", d("0.40"), d("10"), decimal.Zero)

	report := wf.Run(context.Background())
	if riskMgr.Mode() != risk.Safe {
		t.Fatalf("mode = %v, want SAFE", riskMgr.Mode())
	}
	if len(report.UnwoundPositions) != 1 {
		t.Fatalf("unwound = %d, want 1 (residual=%d)", len(report.UnwoundPositions), len(report.Residual))
	}
}

func TestRunCancelAndUnwindRefusesExcessiveSlippage(t *testing.T) {
	t.Parallel()
	wf, _, riskMgr, m := setup(t, ModeCancelAndUnwind)
	wf.cfg.MaxUnwindSlippage = 0 // nothing clears this ceiling once sized > 0

	riskMgr.Positions().ApplyFill(m.ID, m.YesTokenID, "BUY", d("0.40"), d("10"), decimal.Zero)
	wf.slip = slippage.New(slippage.Config{BaseSlippage: d("0.05"), WindowSize: 50, SlippageMultiplier: d("1")})

	report := wf.Run(context.Background())
	if len(report.Residual) != 1 {
		t.Fatalf("residual = %d, want 1", len(report.Residual))
	}
	if len(report.UnwoundPositions) != 0 {
		t.Fatalf("unwound = %d, want 0", len(report.UnwoundPositions))
	}
}

func TestRunEntersSafeEvenWithResidualPositions(t *testing.T) {
	t.Parallel()
	wf, _, riskMgr, m := setup(t, ModeCancelAndUnwind)
	riskMgr.Positions().ApplyFill(m.ID, "unknown-token", "BUY", d("0.40"), d("10"), decimal.Zero)

	report := wf.Run(context.Background())
	if riskMgr.Mode() != risk.Safe {
		t.Fatalf("mode = %v, want SAFE even with residual", riskMgr.Mode())
	}
	if len(report.Residual) != 1 {
		t.Fatalf("residual = %d, want 1 (book unavailable for unknown token)", len(report.Residual))
	}
}
