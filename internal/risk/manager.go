// Package risk implements RiskManager: it owns SafetyMode, aggregates
// realized PnL into rolling windows, and trips a circuit breaker that moves
// the engine into FLATTENING when any configured limit is breached
// (spec §4.7). It also owns the Position book (spec §3).
//
// Adapted from the teacher's internal/risk/manager.go: the
// drain-stale-then-send pattern of its trip emission is kept in shape (here
// in tripLocked). New relative to the teacher: the
// closed SafetyMode state machine (teacher only had a boolean kill switch),
// hourly/daily time-bucketed PnL windows (teacher summed all-time realized
// PnL against a single "daily loss" threshold), equity high-water-mark
// drawdown tracking, and reject-ratio tracking. The teacher's rapid
// price-movement kill check is dropped — spec §4.7 enumerates exactly five
// trip conditions and price movement is not one of them; that surveillance
// now belongs to the venue book, not the PnL breaker (see DESIGN.md).
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arb-core/internal/config"
)

// pnlEvent is one realized-PnL delta, timestamped for rolling-window sums.
type pnlEvent struct {
	ts    time.Time
	delta decimal.Decimal
}

// rejectEvent records a single submit attempt outcome for reject-ratio tracking.
type rejectEvent struct {
	ts       time.Time
	rejected bool
}

// TripSignal tells the engine a breaker fired and FLATTENING must begin.
type TripSignal struct {
	Reason   string
	MarketID string // empty = engine-wide
}

// Manager owns SafetyMode and the Position book, and aggregates PnL/reject
// events into the circuit breaker conditions of spec §4.7.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	positions *Book

	mu              sync.Mutex
	mode            SafetyMode
	pnlEvents       []pnlEvent
	rejectEvents    []rejectEvent
	highWaterMark   decimal.Decimal
	cumulativeCash  decimal.Decimal // realized PnL net of fees since process start

	tripCh chan TripSignal
}

// NewManager creates a RiskManager starting in RUNNING (or PAUSED if
// startPaused, per spec §6's START_PAUSED environment variable).
func NewManager(cfg config.RiskConfig, startPaused bool, logger *slog.Logger) *Manager {
	mode := Running
	if startPaused {
		mode = Paused
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "risk"),
		positions: NewBook(),
		mode:      mode,
		tripCh:    make(chan TripSignal, 10),
	}
}

// Positions exposes the owned position book.
func (rm *Manager) Positions() *Book { return rm.positions }

// Mode returns the current SafetyMode.
func (rm *Manager) Mode() SafetyMode {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.mode
}

// TripCh returns the channel the engine reads breaker trips from.
func (rm *Manager) TripCh() <-chan TripSignal { return rm.tripCh }

// Run periodically evicts stale rolling-window events. PnL/reject checks
// themselves happen synchronously in OnFill/OnSubmitAttempt so a breach is caught
// on the very event that causes it, matching spec §5's single-writer
// ordering guarantee.
func (rm *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.evictStale()
		}
	}
}

// OnFill records a realized PnL delta (including fee) from a closed or
// partially-closed lot and checks every PnL-based breaker. mark supplies a
// mark price (best_bid/best_ask midpoint, per spec) for every outstanding
// position so the high-water-mark/drawdown check below is computed on the
// same `equity = cash + unrealised` basis the drawdown breaker is defined
// on, not on realized cash alone.
func (rm *Manager) OnFill(marketID string, realizedDelta decimal.Decimal, ts time.Time, mark func(marketID, tokenID string) decimal.Decimal) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.pnlEvents = append(rm.pnlEvents, pnlEvent{ts: ts, delta: realizedDelta})
	rm.cumulativeCash = rm.cumulativeCash.Add(realizedDelta)

	equity := rm.equityLocked(mark)
	if equity.GreaterThan(rm.highWaterMark) {
		rm.highWaterMark = equity
	}

	if hourly := rm.windowSumLocked(ts, time.Hour); hourly.LessThanOrEqual(decimal.NewFromFloat(rm.cfg.HourlyLossLimit)) {
		rm.tripLocked(marketID, fmt.Sprintf("hourly realized pnl %s breached limit %.4f", hourly, rm.cfg.HourlyLossLimit))
		return
	}
	if daily := rm.windowSumLocked(ts, 24*time.Hour); daily.LessThanOrEqual(decimal.NewFromFloat(rm.cfg.DailyLossLimit)) {
		rm.tripLocked(marketID, fmt.Sprintf("daily realized pnl %s breached limit %.4f", daily, rm.cfg.DailyLossLimit))
		return
	}
	if rm.highWaterMark.IsPositive() {
		drawdown := rm.highWaterMark.Sub(equity).Div(rm.highWaterMark)
		if drawdown.GreaterThanOrEqual(decimal.NewFromFloat(rm.cfg.MaxDrawdown)) {
			rm.tripLocked(marketID, fmt.Sprintf("drawdown %s breached limit %.4f", drawdown, rm.cfg.MaxDrawdown))
		}
	}
}

// equityLocked computes equity = cash + unrealized using mark, mu must be
// held.
func (rm *Manager) equityLocked(mark func(marketID, tokenID string) decimal.Decimal) decimal.Decimal {
	unrealized := decimal.Zero
	for _, p := range rm.positions.All() {
		unrealized = unrealized.Add(p.UnrealizedPnL(mark(p.MarketID, p.TokenID)))
	}
	return rm.cumulativeCash.Add(unrealized)
}

// Equity computes full equity using the supplied mark-price function,
// satisfying spec §8's `equity == cash + Σ qty·mark` invariant. Exposed for
// BacktestHarness's periodic reporting; the live high-water-mark/drawdown
// check in OnFill uses the same computation internally.
func (rm *Manager) Equity(mark func(marketID, tokenID string) decimal.Decimal) decimal.Decimal {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.equityLocked(mark)
}

func (rm *Manager) windowSumLocked(now time.Time, window time.Duration) decimal.Decimal {
	sum := decimal.Zero
	cutoff := now.Add(-window)
	for _, e := range rm.pnlEvents {
		if e.ts.After(cutoff) {
			sum = sum.Add(e.delta)
		}
	}
	return sum
}

// OnSubmitAttempt records a submit outcome for the reject-ratio breaker.
func (rm *Manager) OnSubmitAttempt(marketID string, rejected bool, ts time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.rejectEvents = append(rm.rejectEvents, rejectEvent{ts: ts, rejected: rejected})

	cutoff := ts.Add(-rm.cfg.RejectWindow)
	var total, rejects int
	for _, e := range rm.rejectEvents {
		if e.ts.After(cutoff) {
			total++
			if e.rejected {
				rejects++
			}
		}
	}
	if total == 0 {
		return
	}
	ratio := float64(rejects) / float64(total)
	if ratio >= rm.cfg.MaxRejectRatio && total >= 5 {
		rm.tripLocked(marketID, fmt.Sprintf("reject ratio %.2f breached limit %.2f", ratio, rm.cfg.MaxRejectRatio))
	}
}

func (rm *Manager) evictStale() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-24 * time.Hour)
	kept := rm.pnlEvents[:0]
	for _, e := range rm.pnlEvents {
		if e.ts.After(cutoff) {
			kept = append(kept, e)
		}
	}
	rm.pnlEvents = kept

	rejectCutoff := now.Add(-rm.cfg.RejectWindow)
	keptRej := rm.rejectEvents[:0]
	for _, e := range rm.rejectEvents {
		if e.ts.After(rejectCutoff) {
			keptRej = append(keptRej, e)
		}
	}
	rm.rejectEvents = keptRej
}

// tripLocked transitions RUNNING/PAUSED -> FLATTENING and emits a TripSignal.
// mu must be held. A trip while already FLATTENING/SAFE is a no-op: it is
// not an illegal-transition invariant violation, since concurrent breaches
// are expected (e.g. both hourly and daily loss firing on the same fill).
func (rm *Manager) tripLocked(marketID, reason string) {
	if rm.mode != Running && rm.mode != Paused {
		return
	}
	rm.mode = Flattening
	rm.logger.Error("circuit breaker tripped", "market", marketID, "reason", reason)

	sig := TripSignal{MarketID: marketID, Reason: reason}
	select {
	case rm.tripCh <- sig:
	default:
		select {
		case <-rm.tripCh:
		default:
		}
		rm.tripCh <- sig
	}
}

// Flatten is the explicit operator trip (spec §4.12 `flatten` command).
func (rm *Manager) Flatten(reason string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.mode != Running && rm.mode != Paused {
		return ErrIllegalTransition{From: rm.mode, To: Flattening}
	}
	rm.tripLocked("", reason)
	return nil
}

// Pause transitions RUNNING->PAUSED.
func (rm *Manager) Pause() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !canTransition(rm.mode, Paused) {
		return ErrIllegalTransition{From: rm.mode, To: Paused}
	}
	rm.mode = Paused
	return nil
}

// Resume transitions PAUSED->RUNNING, refused while any breaker remains
// active or the engine is SAFE (spec §4.7, §4.12).
func (rm *Manager) Resume() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.mode == Safe {
		return fmt.Errorf("risk: resume refused, engine is SAFE (requires restart/explicit policy)")
	}
	if !canTransition(rm.mode, Running) {
		return ErrIllegalTransition{From: rm.mode, To: Running}
	}
	rm.mode = Running
	return nil
}

// EnterSafe transitions FLATTENING->SAFE once FlattenWorkflow completes.
func (rm *Manager) EnterSafe() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !canTransition(rm.mode, Safe) {
		return ErrIllegalTransition{From: rm.mode, To: Safe}
	}
	rm.mode = Safe
	return nil
}

// Snapshot reports current aggregate risk state for the operator surface.
type Snapshot struct {
	Mode             string
	HighWaterMark    decimal.Decimal
	CumulativeCash   decimal.Decimal
	HourlyRealized   decimal.Decimal
	DailyRealized    decimal.Decimal
	PositionCount    int
}

// GetSnapshot returns a point-in-time risk summary.
func (rm *Manager) GetSnapshot() Snapshot {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	now := time.Now()
	return Snapshot{
		Mode:           rm.mode.String(),
		HighWaterMark:  rm.highWaterMark,
		CumulativeCash: rm.cumulativeCash,
		HourlyRealized: rm.windowSumLocked(now, time.Hour),
		DailyRealized:  rm.windowSumLocked(now, 24*time.Hour),
		PositionCount:  len(rm.positions.All()),
	}
}
