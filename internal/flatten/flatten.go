// Package flatten implements FlattenWorkflow: the cancel/unwind sequence
// run under SafetyMode FLATTENING (spec §4.8).
//
// The fill-verification-with-deadline shape is grounded on
// mselser95-polymarket-arb's execution/executor.go
// (verifyFillsAndUpdateMetrics): poll for completion up to a bounded
// timeout, then treat whatever remains unresolved as residual rather than
// blocking forever.
package flatten

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arb-core/internal/book"
	"arb-core/internal/config"
	"arb-core/internal/market"
	"arb-core/internal/order"
	"arb-core/internal/risk"
	"arb-core/internal/slippage"
	"arb-core/pkg/venue"
)

const (
	ModeCancelOnly      = "cancel_only"
	ModeCancelAndUnwind = "cancel_and_unwind"
)

// Report summarizes one flatten run.
type Report struct {
	CancelledOrderIDs []string
	UnwoundPositions  []risk.Position
	Residual          []risk.Position // could not be safely or fully unwound
}

// Workflow runs the FLATTENING sequence: cancel everything live, then
// (in cancel_and_unwind mode) liquidate open positions with IOC sells at
// the best available bid, refusing any lot whose estimated slippage would
// exceed the configured ceiling.
type Workflow struct {
	cfg      config.FlattenConfig
	orders   *order.Manager
	books    *book.BookState
	slip     *slippage.Model
	riskMgr  *risk.Manager
	registry *market.Registry
	logger   *slog.Logger
}

// New constructs a FlattenWorkflow.
func New(cfg config.FlattenConfig, orders *order.Manager, books *book.BookState, slip *slippage.Model, riskMgr *risk.Manager, registry *market.Registry, logger *slog.Logger) *Workflow {
	return &Workflow{cfg: cfg, orders: orders, books: books, slip: slip, riskMgr: riskMgr, registry: registry, logger: logger.With("component", "flatten")}
}

// Run executes the configured flatten mode to completion and transitions
// SafetyMode FLATTENING->SAFE when done, regardless of residual positions.
func (w *Workflow) Run(ctx context.Context) Report {
	var report Report

	report.CancelledOrderIDs = w.orders.FlattenCancelAll(ctx, "")
	w.waitForCancelAcks(ctx)

	if w.cfg.Mode != ModeCancelAndUnwind {
		w.enterSafe()
		return report
	}

	deadline := time.Now().Add(w.cfg.UnwindDeadline)
	for _, pos := range w.riskMgr.Positions().All() {
		if pos.Qty.IsZero() {
			continue
		}
		if time.Now().After(deadline) {
			w.logger.Warn("unwind deadline elapsed, marking residual", "market", pos.MarketID, "token", pos.TokenID, "qty", pos.Qty)
			report.Residual = append(report.Residual, pos)
			continue
		}
		if w.unwindPosition(ctx, pos) {
			report.UnwoundPositions = append(report.UnwoundPositions, pos)
		} else {
			report.Residual = append(report.Residual, pos)
		}
	}

	w.enterSafe()
	return report
}

func (w *Workflow) unwindPosition(ctx context.Context, pos risk.Position) bool {
	bid, err := w.books.BestBid(pos.TokenID)
	if err != nil {
		w.logger.Warn("unwind skipped, book unavailable", "market", pos.MarketID, "token", pos.TokenID)
		return false
	}

	estSlip := w.slip.Estimate(pos.Qty, bid.Size)
	maxSlip := decimal.NewFromFloat(w.cfg.MaxUnwindSlippage)
	if estSlip.GreaterThan(maxSlip) {
		w.logger.Warn("unwind refused, estimated slippage exceeds ceiling",
			"market", pos.MarketID, "token", pos.TokenID, "estimated", estSlip, "ceiling", maxSlip)
		return false
	}

	tick, lot := w.tickLot(pos.MarketID)
	intent := order.Intent{
		MarketID:      pos.MarketID,
		TokenID:       pos.TokenID,
		Side:          "SELL",
		Price:         bid.Price,
		Size:          pos.Qty,
		Purpose:       "UNWIND",
		OrderType:     venue.OrderTypeIOC,
		CorrelationID: uuid.NewString(),
	}
	if _, err := w.orders.Submit(ctx, intent, tick, lot); err != nil {
		w.logger.Error("unwind submit failed", "market", pos.MarketID, "token", pos.TokenID, "err", err)
		return false
	}
	return true
}

func (w *Workflow) tickLot(marketID string) (decimal.Decimal, decimal.Decimal) {
	m, ok := w.registry.Get(marketID)
	if !ok {
		return decimal.NewFromFloat(0.001), decimal.NewFromInt(1)
	}
	decimals := m.TickSize.Decimals()
	tick := decimal.New(1, -int32(decimals))
	lot := decimal.NewFromInt(1)
	if m.MinOrderSize > 0 {
		lot = decimal.NewFromFloat(m.MinOrderSize)
	}
	return tick, lot
}

// waitForCancelAcks polls until every dispatched cancel resolves or
// CancelAckTimeout elapses.
func (w *Workflow) waitForCancelAcks(ctx context.Context) {
	deadline := time.After(w.cfg.CancelAckTimeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		live := false
		for _, o := range w.orders.LiveOrders() {
			if o.Status == order.Cancelling {
				live = true
				break
			}
		}
		if !live {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			w.logger.Warn("cancel ack wait timed out, proceeding")
			return
		case <-ticker.C:
		}
	}
}

func (w *Workflow) enterSafe() {
	if err := w.riskMgr.EnterSafe(); err != nil {
		w.logger.Error("failed to enter SAFE", "err", err)
	}
}
