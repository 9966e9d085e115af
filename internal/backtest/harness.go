// Package backtest implements BacktestHarness: replays a persisted event
// log through the identical live core (BookState, SlippageModel,
// EdgeCalculator, RiskManager, OrderManager, Strategy, EdgeDecayGuard)
// against SimVenue instead of a real exchange, and reports the same
// performance metrics a live run would accumulate over time (spec §4.11).
//
// Determinism is load-bearing: replaying the same book_snapshots log twice
// must produce bit-identical Report values. Every "now" the core observes
// comes from virtualClock advanced to each replayed event's own timestamp,
// never from the wall clock, and every random-looking identifier
// (client_order_id via uuid.NewString) does not participate in the
// reported metrics, so non-determinism there is harmless.
package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"arb-core/internal/book"
	"arb-core/internal/config"
	"arb-core/internal/edge"
	"arb-core/internal/edgequality"
	"arb-core/internal/market"
	"arb-core/internal/order"
	"arb-core/internal/persistence"
	"arb-core/internal/risk"
	"arb-core/internal/slippage"
	"arb-core/internal/strategy"
)

// Report summarizes one replay run (spec §4.11: final_equity, max_drawdown,
// win_rate, trade_count, realised/unrealised split, fill/cancel/reject
// ratios, partial-fill frequency, edge predicted vs realised).
type Report struct {
	FinalEquity      decimal.Decimal
	RealizedPnL      decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	MaxDrawdown      decimal.Decimal
	WinRate          decimal.Decimal
	TradeCount       int
	FillRatio        decimal.Decimal
	CancelRatio      decimal.Decimal
	RejectRatio      decimal.Decimal
	PartialFillFreq  decimal.Decimal
	MeanPredicted    decimal.Decimal
	MeanRealised     decimal.Decimal
	SnapshotsApplied int
}

// leg accumulates fills seen so far for one side of a PairedIntent.
type leg struct {
	notional decimal.Decimal
	size     decimal.Decimal
	done     bool
}

// roundTrip tracks both legs of a PairedIntent until each side is fully
// filled, at which point realised edge can be compared to the predicted
// edge recorded when Strategy emitted it.
type roundTrip struct {
	marketID      string
	predictedEdge decimal.Decimal
	yesClientID   string
	noClientID    string
	yes           leg
	no            leg
}

func (rt *roundTrip) complete() bool { return rt.yes.done && rt.no.done }

func (rt *roundTrip) realisedEdge(feeRate decimal.Decimal) decimal.Decimal {
	if rt.yes.size.IsZero() || rt.no.size.IsZero() {
		return decimal.Zero
	}
	yesAvg := rt.yes.notional.Div(rt.yes.size)
	noAvg := rt.no.notional.Div(rt.no.size)
	return decimal.NewFromInt(1).Sub(yesAvg).Sub(noAvg).Sub(feeRate)
}

// Harness wires the production core against SimVenue and a recorded event
// log instead of live venue I/O.
type Harness struct {
	cfg      config.Config
	store    persistence.Store
	books    *book.BookState
	slip     *slippage.Model
	calc     *edge.Calculator
	registry *market.Registry
	riskMgr  *risk.Manager
	orders   *order.Manager
	strat    *strategy.Strategy
	decay    *edgequality.Guard
	sim      *SimVenue
	clock    *virtualClock
	feeRate  decimal.Decimal
	logger   *slog.Logger

	roundTrips map[string]*roundTrip // correlation id -> round trip in flight
	fillCounts map[string]int        // client order id -> fills observed
	predicted  []decimal.Decimal
	realised   []decimal.Decimal

	highWater   decimal.Decimal
	maxDrawdown decimal.Decimal
	snapshots   int
}

// New constructs a Harness. registry must already be built from the same
// market ids the original run traded, so replayed book snapshots resolve to
// the same YES/NO token mapping.
func New(cfg config.Config, registry *market.Registry, store persistence.Store, logger *slog.Logger) *Harness {
	logger = logger.With("component", "backtest-harness")

	books := book.New(cfg.Book.DivergenceTolerance)
	slip := slippage.New(slippage.Config{
		BaseSlippage:       decimal.NewFromFloat(cfg.Slippage.BaseSlippage),
		SizeImpactK:        decimal.NewFromFloat(cfg.Slippage.SizeImpactK),
		FailureBuffer:      decimal.NewFromFloat(cfg.Slippage.FailureBuffer),
		WindowSize:         cfg.Slippage.WindowSize,
		SlippageMultiplier: decimal.NewFromFloat(cfg.Slippage.SlippageMultiplier),
	})
	calc := edge.New(books, slip, cfg.Strategy.FeeRateBps)
	// Replay always starts RUNNING regardless of cfg.StartPaused: that flag
	// controls a live operator's deliberate cold-start posture, not whether a
	// recorded log should be traded against.
	riskMgr := risk.NewManager(cfg.Risk, false, logger)
	decay := edgequality.New(cfg.EdgeQuality)
	strat := strategy.New(cfg.Strategy, books, calc, registry, riskMgr, decay, logger)

	feeRate := decimal.NewFromInt(int64(cfg.Strategy.FeeRateBps)).Div(decimal.NewFromInt(10000))

	h := &Harness{
		cfg:        cfg,
		store:      store,
		books:      books,
		slip:       slip,
		calc:       calc,
		registry:   registry,
		riskMgr:    riskMgr,
		decay:      decay,
		strat:      strat,
		feeRate:    feeRate,
		logger:     logger,
		roundTrips: make(map[string]*roundTrip),
		fillCounts: make(map[string]int),
	}
	return h
}

// Run replays the book_snapshots table in append order (the persistence
// layer writes each table append-only, so ReadAll already returns ascending
// timestamp order) and returns the resulting performance report.
func (h *Harness) Run(ctx context.Context) (Report, error) {
	records, err := h.store.ReadAll(ctx, persistence.TableBookSnapshots)
	if err != nil {
		return Report{}, fmt.Errorf("backtest: read book snapshots: %w", err)
	}
	if len(records) == 0 {
		return Report{}, fmt.Errorf("backtest: no book snapshots recorded")
	}

	var snap persistence.BookSnapshotPayload
	if err := json.Unmarshal(records[0].Payload, &snap); err != nil {
		return Report{}, fmt.Errorf("backtest: decode first snapshot: %w", err)
	}
	h.clock = newVirtualClock(snap.CapturedAt)

	h.sim = NewSimVenue(h.books, h.cfg.Strategy.FeeRateBps, h.clock)
	h.orders = order.New(h.cfg.Order, h.sim, h.logger, order.WithClock(h.clock.Now))

	h.highWater = decimal.Zero
	h.maxDrawdown = decimal.Zero

	for i, rec := range records {
		if i > 0 {
			if err := json.Unmarshal(rec.Payload, &snap); err != nil {
				return Report{}, fmt.Errorf("backtest: decode snapshot %d: %w", i, err)
			}
		}
		h.clock.advance(snap.CapturedAt)
		h.applySnapshot(snap)
		h.drainFills()
		h.evaluateMarkets(ctx)
		h.sampleDrawdown()
	}

	return h.buildReport(), nil
}

func (h *Harness) applySnapshot(p persistence.BookSnapshotPayload) {
	bids := decodeLevels(p.Bids)
	asks := decodeLevels(p.Asks)
	h.books.ApplySnapshot(p.TokenID, bids, asks, p.Sequence, p.CapturedAt)
	h.snapshots++
	// SimVenue must re-evaluate resting orders against the book every time it
	// moves, or queue-position fills would never fire during replay.
	h.sim.CheckRestingOrders(p.TokenID)
}

func decodeLevels(in []persistence.LevelPayload) []book.Level {
	out := make([]book.Level, 0, len(in))
	for _, l := range in {
		price, err := decimal.NewFromString(l.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(l.Size)
		if err != nil {
			continue
		}
		out = append(out, book.Level{Price: price, Size: size})
	}
	return out
}

// drainFills pulls every fill SimVenue has produced so far and applies it to
// OrderManager, RiskManager, the slippage model, and edge-quality tracking,
// exactly as the live engine's fill-consumer goroutine would.
func (h *Harness) drainFills() {
	for {
		select {
		case f := <-h.sim.Fills():
			h.applyFill(f)
		default:
			return
		}
	}
}

func (h *Harness) applyFill(f Fill) {
	ord, ok := h.orders.OnFill(order.Fill{
		Ts:            f.Ts,
		ClientOrderID: f.ClientOrderID,
		Price:         f.Price,
		Size:          f.Size,
		Fee:           f.Fee,
	})
	if !ok {
		return
	}
	h.fillCounts[f.ClientOrderID]++

	before, _ := h.riskMgr.Positions().Get(f.MarketID, f.TokenID)
	after := h.riskMgr.Positions().ApplyFill(f.MarketID, f.TokenID, f.Side, f.Price, f.Size, f.Fee)
	h.riskMgr.OnFill(f.MarketID, after.RealizedPnL.Sub(before.RealizedPnL), f.Ts, h.markPrice)
	h.slip.RecordFill(f.MarketID, f.Price, ord.Price)

	rt, ok := h.roundTrips[ord.CorrelationID]
	if !ok {
		return
	}
	var side *leg
	switch f.ClientOrderID {
	case rt.yesClientID:
		side = &rt.yes
	case rt.noClientID:
		side = &rt.no
	default:
		return
	}
	side.notional = side.notional.Add(f.Price.Mul(f.Size))
	side.size = side.size.Add(f.Size)
	if ord.Status == order.Filled {
		side.done = true
	}

	if rt.complete() {
		realised := rt.realisedEdge(h.feeRate)
		h.predicted = append(h.predicted, rt.predictedEdge)
		h.realised = append(h.realised, realised)
		if h.decay != nil {
			h.decay.RecordRoundTrip(rt.marketID, rt.predictedEdge, realised)
		}
		delete(h.roundTrips, ord.CorrelationID)
	}
}

// evaluateMarkets runs one Strategy decision per enabled market, submitting
// both legs of any returned PairedIntent and registering it for round-trip
// edge tracking. Submissions are dispatched one at a time and awaited via
// submitAndWait rather than left to run concurrently, so replay never
// depends on goroutine scheduling order for its reported metrics.
func (h *Harness) evaluateMarkets(ctx context.Context) {
	for _, m := range h.registry.All() {
		intent, reason := h.strat.Evaluate(m)
		if intent == nil {
			h.logger.Debug("intent withheld", "market", m.ID, "reason", reason)
			continue
		}

		yesOrd, err := h.submitAndWait(ctx, intent.Yes, tickDecimal(m.TickSize), lotDecimal(m))
		if err != nil {
			h.riskMgr.OnSubmitAttempt(m.ID, true, h.clock.Now())
			continue
		}
		noOrd, err := h.submitAndWait(ctx, intent.No, tickDecimal(m.TickSize), lotDecimal(m))
		if err != nil {
			h.riskMgr.OnSubmitAttempt(m.ID, true, h.clock.Now())
			_ = h.orders.RequestCancel(ctx, yesOrd.ClientOrderID)
			continue
		}
		h.riskMgr.OnSubmitAttempt(m.ID, false, h.clock.Now())

		h.roundTrips[intent.CorrelationID] = &roundTrip{
			marketID:      m.ID,
			predictedEdge: intent.PredictedEdge,
			yesClientID:   yesOrd.ClientOrderID,
			noClientID:    noOrd.ClientOrderID,
		}
		// SimVenue emits fills synchronously from within SubmitOrder when an
		// order crosses resting liquidity; submitAndWait's block on the
		// result channel guarantees those fills are already queued by now.
		h.drainFills()
	}
}

// submitAndWait dispatches one order and blocks for its async submit result,
// so the harness never races SimVenue's matching goroutine.
func (h *Harness) submitAndWait(ctx context.Context, intent order.Intent, tick, lot decimal.Decimal) (*order.Order, error) {
	ord, err := h.orders.Submit(ctx, intent, tick, lot)
	if err != nil {
		return nil, err
	}
	res := <-h.orders.Results()
	if res.Err != nil {
		return res.Order, res.Err
	}
	return res.Order, nil
}

func tickDecimal(t interface{ Decimals() int }) decimal.Decimal {
	return decimal.New(1, int32(-t.Decimals()))
}

func lotDecimal(m market.Market) decimal.Decimal {
	if m.MinOrderSize <= 0 {
		return decimal.NewFromFloat(0.001)
	}
	return decimal.NewFromFloat(m.MinOrderSize)
}

func (h *Harness) sampleDrawdown() {
	equity := h.riskMgr.Equity(h.markPrice)
	if equity.GreaterThan(h.highWater) {
		h.highWater = equity
	}
	if h.highWater.IsZero() {
		return
	}
	drawdown := h.highWater.Sub(equity).Div(h.highWater)
	if drawdown.GreaterThan(h.maxDrawdown) {
		h.maxDrawdown = drawdown
	}
}

func (h *Harness) markPrice(marketID, tokenID string) decimal.Decimal {
	bid, bidErr := h.books.BestBid(tokenID)
	ask, askErr := h.books.BestAsk(tokenID)
	switch {
	case bidErr == nil && askErr == nil:
		return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
	case bidErr == nil:
		return bid.Price
	case askErr == nil:
		return ask.Price
	default:
		return decimal.Zero
	}
}

func (h *Harness) buildReport() Report {
	allOrders := h.orders.AllOrders()

	var filled, cancelled, rejected, partial int
	var realizedPnL decimal.Decimal
	for _, ord := range allOrders {
		switch ord.Status {
		case order.Filled:
			filled++
		case order.Cancelled:
			cancelled++
		case order.Rejected:
			rejected++
		}
		if h.fillCounts[ord.ClientOrderID] > 1 {
			partial++
		}
	}
	total := decimal.NewFromInt(int64(len(allOrders)))

	var realizedSum decimal.Decimal
	for _, pos := range h.riskMgr.Positions().All() {
		realizedSum = realizedSum.Add(pos.RealizedPnL)
	}
	realizedPnL = realizedSum

	equity := h.riskMgr.Equity(h.markPrice)
	unrealized := equity.Sub(realizedPnL)

	wins := 0
	for _, r := range h.realised {
		if r.GreaterThan(decimal.Zero) {
			wins++
		}
	}
	winRate := decimal.Zero
	meanPredicted := decimal.Zero
	meanRealised := decimal.Zero
	if len(h.realised) > 0 {
		n := decimal.NewFromInt(int64(len(h.realised)))
		winRate = decimal.NewFromInt(int64(wins)).Div(n)
		var sumP, sumR decimal.Decimal
		for i := range h.realised {
			sumP = sumP.Add(h.predicted[i])
			sumR = sumR.Add(h.realised[i])
		}
		meanPredicted = sumP.Div(n)
		meanRealised = sumR.Div(n)
	}

	rep := Report{
		FinalEquity:      equity,
		RealizedPnL:      realizedPnL,
		UnrealizedPnL:    unrealized,
		MaxDrawdown:      h.maxDrawdown,
		WinRate:          winRate,
		TradeCount:       len(h.realised),
		PartialFillFreq:  ratio(partial, len(allOrders)),
		MeanPredicted:    meanPredicted,
		MeanRealised:     meanRealised,
		SnapshotsApplied: h.snapshots,
	}
	if !total.IsZero() {
		rep.FillRatio = decimal.NewFromInt(int64(filled)).Div(total)
		rep.CancelRatio = decimal.NewFromInt(int64(cancelled)).Div(total)
		rep.RejectRatio = decimal.NewFromInt(int64(rejected)).Div(total)
	}
	return rep
}

func ratio(n, d int) decimal.Decimal {
	if d == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(n)).Div(decimal.NewFromInt(int64(d)))
}
