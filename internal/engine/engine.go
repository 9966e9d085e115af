// Package engine implements the single-writer orchestrator that wires every
// collaborator spec.md names into one running process: book state, strategy
// decisions, order dispatch, risk breakers, flattening, the user-stream
// watchdog, and the two venue websocket feeds.
//
// Grounded on the teacher's internal/engine/engine.go: context-tree
// lifecycle (Start spawns one goroutine per concern, Stop cancels and
// waits), the dispatchMarketEvents/dispatchUserEvents routing split, and
// the single select-loop-as-serialization-point idiom all carry over
// unchanged in shape. What changed is everything the loop acts on: the
// teacher reconciled a scanner-discovered market set against running
// maker goroutines; this engine trades a fixed configured market set
// through Strategy/OrderManager/RiskManager, and the loop additionally
// serializes CommandBus requests and circuit-breaker trips — neither of
// which the teacher's bot had.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arb-core/internal/backtest"
	"arb-core/internal/book"
	"arb-core/internal/command"
	"arb-core/internal/config"
	"arb-core/internal/coreerr"
	"arb-core/internal/edge"
	"arb-core/internal/edgequality"
	"arb-core/internal/flatten"
	"arb-core/internal/market"
	"arb-core/internal/metrics"
	"arb-core/internal/order"
	"arb-core/internal/persistence"
	"arb-core/internal/restclient"
	"arb-core/internal/risk"
	"arb-core/internal/signer"
	"arb-core/internal/slippage"
	"arb-core/internal/strategy"
	"arb-core/internal/watchdog"
	"arb-core/internal/wsfeed"
	"arb-core/pkg/venue"
)

// pendingLeg tracks one submitted leg of a PairedIntent until its fill or
// terminal status is known, so the engine can pair YES/NO fills by
// correlation id the same way BacktestHarness does.
type pendingLeg struct {
	notional decimal.Decimal
	size     decimal.Decimal
	done     bool
}

// pendingRoundTrip mirrors backtest.roundTrip for the live path: it cannot
// import that unexported type, so the pairing logic is duplicated here at
// the much smaller scope the live engine actually needs (no report
// aggregation, just EdgeDecayGuard feed and persistence).
type pendingRoundTrip struct {
	marketID      string
	predictedEdge decimal.Decimal
	yesClientID   string
	noClientID    string
	yes           pendingLeg
	no            pendingLeg
}

func (rt *pendingRoundTrip) complete() bool { return rt.yes.done && rt.no.done }

func (rt *pendingRoundTrip) realisedEdge(feeRate decimal.Decimal) decimal.Decimal {
	if rt.yes.size.IsZero() || rt.no.size.IsZero() {
		return decimal.Zero
	}
	yesAvg := rt.yes.notional.Div(rt.yes.size)
	noAvg := rt.no.notional.Div(rt.no.size)
	return decimal.NewFromInt(1).Sub(yesAvg).Sub(noAvg).Sub(feeRate)
}

// Engine owns every live collaborator and is the only goroutine tree that
// mutates book/strategy/risk/order state — every inbound event (WS message,
// command, breaker trip) is serialized through run's select loop.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	registry *market.Registry
	books    *book.BookState
	slip     *slippage.Model
	calc     *edge.Calculator
	riskMgr  *risk.Manager
	orders   *order.Manager
	strat    *strategy.Strategy
	decay    *edgequality.Guard
	flattenWF *flatten.Workflow
	dog      *watchdog.Watchdog
	venue    *restclient.Client
	feeRate  decimal.Decimal

	mktFeed *wsfeed.Feed
	usrFeed *wsfeed.Feed

	store   persistence.Store
	metrics metrics.Sink
	bus     *command.Bus

	roundTripsMu sync.Mutex
	roundTrips   map[string]*pendingRoundTrip // correlation id -> in-flight pair

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopped   chan struct{}
	stopOnce  sync.Once
}

// New resolves the configured market set against the Gamma metadata API,
// constructs every collaborator, fetches each token's initial book
// snapshot, and backfills any positions the process missed while down, but
// does not yet start any goroutine — call Start for that.
func New(cfg config.Config, sgn signer.Signer, bus *command.Bus, store persistence.Store, sink metrics.Sink, logger *slog.Logger) (*Engine, error) {
	logger = logger.With("component", "engine")

	gamma := restclient.NewGammaClient(cfg.API.GammaBaseURL)
	descs, descErrs := gamma.DescribeMarkets(context.Background(), cfg.Markets.IDs)
	for _, e := range descErrs {
		logger.Warn("market metadata fetch failed", "err", e)
	}

	registry, regErrs := market.New(descs, cfg.Markets.Strict)
	for _, e := range regErrs {
		logger.Warn("market resolution failed", "err", e)
	}
	if len(registry.All()) == 0 {
		return nil, fmt.Errorf("engine: no markets resolved from %v", cfg.Markets.IDs)
	}

	books := book.New(cfg.Book.DivergenceTolerance)
	slip := slippage.New(slippage.Config{
		BaseSlippage:       decimal.NewFromFloat(cfg.Slippage.BaseSlippage),
		SizeImpactK:        decimal.NewFromFloat(cfg.Slippage.SizeImpactK),
		FailureBuffer:      decimal.NewFromFloat(cfg.Slippage.FailureBuffer),
		WindowSize:         cfg.Slippage.WindowSize,
		SlippageMultiplier: decimal.NewFromFloat(cfg.Slippage.SlippageMultiplier),
	})
	calc := edge.New(books, slip, cfg.Strategy.FeeRateBps)
	riskMgr := risk.NewManager(cfg.Risk, cfg.StartPaused, logger)
	decay := edgequality.New(cfg.EdgeQuality)
	strat := strategy.New(cfg.Strategy, books, calc, registry, riskMgr, decay, logger)

	venueClient := restclient.New(cfg.API.CLOBBaseURL, sgn, registry, cfg.DryRun, logger)
	orders := order.New(cfg.Order, venueClient, logger)
	flattenWF := flatten.New(cfg.Flatten, orders, books, slip, riskMgr, registry, logger)
	dog := watchdog.New(cfg.Watchdog, riskMgr, logger)

	mktFeed := wsfeed.NewMarketFeed(cfg.API.WSMarketURL, logger)
	usrFeed := wsfeed.NewUserFeed(cfg.API.WSUserURL, sgn, logger)

	feeRate := decimal.NewFromInt(int64(cfg.Strategy.FeeRateBps)).Div(decimal.NewFromInt(10000))

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		books:      books,
		slip:       slip,
		calc:       calc,
		riskMgr:    riskMgr,
		orders:     orders,
		strat:      strat,
		decay:      decay,
		flattenWF:  flattenWF,
		dog:        dog,
		venue:      venueClient,
		feeRate:    feeRate,
		mktFeed:    mktFeed,
		usrFeed:    usrFeed,
		store:      store,
		metrics:    sink,
		bus:        bus,
		roundTrips: make(map[string]*pendingRoundTrip),
		stopped:    make(chan struct{}),
	}

	e.subscribeFeeds()
	e.fetchInitialBooks(context.Background())
	e.backfillPositions(context.Background())

	return e, nil
}

// subscribeFeeds records every token/market id to subscribe to. The feeds
// are not connected yet, so the write attempts inside Subscribe fail with
// "not connected"; connectAndRead sends the accumulated subscription once
// the socket is actually up, so recording the ids now is sufficient.
func (e *Engine) subscribeFeeds() {
	var tokenIDs, marketIDs []string
	for _, m := range e.registry.All() {
		tokenIDs = append(tokenIDs, m.YesTokenID, m.NoTokenID)
		marketIDs = append(marketIDs, m.ID)
	}
	_ = e.mktFeed.Subscribe(tokenIDs)
	_ = e.usrFeed.Subscribe(marketIDs)
}

func (e *Engine) fetchInitialBooks(ctx context.Context) {
	for _, m := range e.registry.All() {
		for _, tokenID := range []string{m.YesTokenID, m.NoTokenID} {
			resp, err := e.venue.GetOrderBook(ctx, tokenID)
			if err != nil {
				e.logger.Error("initial book fetch failed", "token", tokenID, "err", err)
				continue
			}
			bids := decodeVenueLevels(resp.Bids)
			asks := decodeVenueLevels(resp.Asks)
			e.books.ApplySnapshot(tokenID, bids, asks, resp.Sequence, time.Now())
		}
	}
}

// backfillPositions replays any fills the venue recorded since the last
// persisted fill, so a restarted process recovers the same position book a
// continuously-running one would hold. The persisted fill log is the
// timestamp cursor; GetFills is the source of truth for the fills
// themselves.
func (e *Engine) backfillPositions(ctx context.Context) {
	since := time.Now().Add(-24 * time.Hour)
	if records, err := e.store.ReadAll(ctx, persistence.TableFills); err == nil && len(records) > 0 {
		since = records[len(records)-1].Timestamp
	}

	fills, err := e.venue.GetFills(ctx, since)
	if err != nil {
		e.logger.Warn("fill backfill failed", "err", err)
		return
	}
	for _, f := range fills {
		ord, ok := e.orders.Get(f.ClientOrdID)
		if !ok {
			continue
		}
		before, _ := e.riskMgr.Positions().Get(ord.MarketID, ord.TokenID)
		after := e.riskMgr.Positions().ApplyFill(ord.MarketID, ord.TokenID, ord.Side, f.Price, f.Size, f.Fee)
		e.riskMgr.OnFill(ord.MarketID, after.RealizedPnL.Sub(before.RealizedPnL), f.Timestamp, e.markPrice)
	}
}

// markPrice is the mark-price function fed to riskMgr.Equity/OnFill: the
// best_bid/best_ask midpoint for tokenID, falling back to whichever side of
// the book is available, or zero if neither is.
func (e *Engine) markPrice(marketID, tokenID string) decimal.Decimal {
	bid, bidErr := e.books.BestBid(tokenID)
	ask, askErr := e.books.BestAsk(tokenID)
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

func decodeVenueLevels(in []venue.PriceLevel) []book.Level {
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

// Start launches every background goroutine and returns immediately; the
// engine runs until Stop is called or the Stop command arrives on the
// CommandBus.
func (e *Engine) Start() {
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.spawn(func() {
		if err := e.mktFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("market feed stopped", "err", err)
		}
	})
	e.spawn(func() {
		if err := e.usrFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("user feed stopped", "err", err)
		}
	})
	e.spawn(func() { e.riskMgr.Run(e.ctx) })
	e.spawn(func() { e.dog.Run(e.ctx) })
	e.spawn(e.run)
}

func (e *Engine) spawn(f func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		f()
	}()
}

// Stop cancels every goroutine, cancels all live orders as a safety net,
// and blocks until shutdown completes.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")
	e.cancel()

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	e.orders.FlattenCancelAll(cancelCtx, "")
	cancelCancel()

	e.wg.Wait()
	e.mktFeed.Close()
	e.usrFeed.Close()
	e.logger.Info("shutdown complete")
}

// StopRequested returns a channel closed once the `stop` command has been
// processed, letting cmd/arbd select on it alongside OS signals.
func (e *Engine) StopRequested() <-chan struct{} { return e.stopped }

// run is the single-writer loop: every source of state mutation arrives as
// a case here, so no two goroutines ever touch books/strat/orders/riskMgr
// concurrently (spec §5).
func (e *Engine) run() {
	strategyTick := time.NewTicker(tickIntervalOrDefault(e.cfg.Strategy.TickInterval))
	defer strategyTick.Stop()

	ttlTick := time.NewTicker(ttlIntervalOrDefault(e.cfg.Order.TTLScanInterval))
	defer ttlTick.Stop()

	pnlTick := time.NewTicker(time.Minute)
	defer pnlTick.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return

		case req := <-e.bus.Requests():
			e.handleCommand(req)

		case sig := <-e.riskMgr.TripCh():
			e.handleTrip(sig)

		case evt := <-e.mktFeed.BookEvents():
			e.handleBookEvent(evt)
		case evt := <-e.mktFeed.PriceChangeEvents():
			e.handlePriceChange(evt)

		case evt := <-e.usrFeed.TradeEvents():
			e.dog.Heartbeat(time.Now())
			e.handleTrade(evt)
		case evt := <-e.usrFeed.OrderEvents():
			e.dog.Heartbeat(time.Now())
			e.handleOrderEvent(evt)

		case res := <-e.orders.Results():
			e.handleSubmitResult(res)
		case res := <-e.orders.CancelResults():
			e.handleCancelResult(res)

		case <-strategyTick.C:
			e.evaluateAll()
		case <-ttlTick.C:
			e.orders.TTLScan(e.ctx, time.Now())
		case <-pnlTick.C:
			e.persistPnLSnapshot()
		}
	}
}

func tickIntervalOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

func ttlIntervalOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 2 * time.Second
	}
	return d
}

// handleBookEvent applies a full snapshot and re-evaluates the owning
// market immediately, matching strategy's event-triggered shape.
func (e *Engine) handleBookEvent(evt venue.WSBookEvent) {
	bids := decodeVenueLevels(evt.Bids)
	asks := decodeVenueLevels(evt.Asks)
	e.books.ApplySnapshot(evt.AssetID, bids, asks, evt.Sequence, time.Now())
	e.persistBookSnapshot(evt.AssetID, bids, asks, evt.Sequence)
	e.evaluateForToken(evt.AssetID)
}

func (e *Engine) handlePriceChange(evt venue.WSPriceChangeEvent) {
	if len(evt.PriceChanges) == 0 {
		return
	}
	byToken := make(map[string][]book.Change)
	for _, c := range evt.PriceChanges {
		price, err := decimal.NewFromString(c.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(c.Size)
		if err != nil {
			continue
		}
		side := book.Bid
		if c.Side == "SELL" || c.Side == "ask" || c.Side == "ASK" {
			side = book.Ask
		}
		byToken[c.AssetID] = append(byToken[c.AssetID], book.Change{Side: side, Price: price, Size: size})
	}
	for tokenID, changes := range byToken {
		if err := e.books.ApplyUpdate(tokenID, changes, evt.Sequence); err != nil {
			var gap book.ErrGap
			if errors.As(err, &gap) {
				e.resyncToken(tokenID)
				continue
			}
		}
		e.evaluateForToken(tokenID)
	}
}

// resyncToken fetches a fresh REST snapshot for a token that entered
// RESYNCING, the same recovery path the teacher's Book used for a detected
// gap.
func (e *Engine) resyncToken(tokenID string) {
	resp, err := e.venue.GetOrderBook(e.ctx, tokenID)
	if err != nil {
		e.logger.Error("resync fetch failed", "token", tokenID, "err", err)
		return
	}
	bids := decodeVenueLevels(resp.Bids)
	asks := decodeVenueLevels(resp.Asks)
	e.books.ApplySnapshot(tokenID, bids, asks, resp.Sequence, time.Now())
	e.persistBookSnapshot(tokenID, bids, asks, resp.Sequence)
}

func (e *Engine) evaluateForToken(tokenID string) {
	marketID, ok := e.registry.MarketForToken(tokenID)
	if !ok {
		return
	}
	m, ok := e.registry.Get(marketID)
	if !ok {
		return
	}
	e.evaluateMarket(m)
}

func (e *Engine) evaluateAll() {
	for _, m := range e.registry.All() {
		e.evaluateMarket(m)
	}
}

func (e *Engine) evaluateMarket(m market.Market) {
	intent, reason := e.strat.Evaluate(m)
	e.persistIntent(m.ID, intent, reason)
	if intent == nil {
		return
	}

	tick, err := decimal.NewFromString(string(m.TickSize))
	if err != nil {
		tick = decimal.NewFromFloat(0.001)
	}
	lot := decimal.NewFromFloat(m.MinOrderSize)
	if lot.IsZero() {
		lot = decimal.NewFromFloat(0.001)
	}

	yesOrd, err := e.orders.Submit(e.ctx, intent.Yes, tick, lot)
	if err != nil {
		e.riskMgr.OnSubmitAttempt(m.ID, true, time.Now())
		return
	}
	noOrd, err := e.orders.Submit(e.ctx, intent.No, tick, lot)
	if err != nil {
		e.riskMgr.OnSubmitAttempt(m.ID, true, time.Now())
		_ = e.orders.RequestCancel(e.ctx, yesOrd.ClientOrderID)
		return
	}

	e.roundTripsMu.Lock()
	e.roundTrips[intent.CorrelationID] = &pendingRoundTrip{
		marketID:      m.ID,
		predictedEdge: intent.PredictedEdge,
		yesClientID:   yesOrd.ClientOrderID,
		noClientID:    noOrd.ClientOrderID,
	}
	e.roundTripsMu.Unlock()
}

func (e *Engine) persistIntent(marketID string, intent *strategy.PairedIntent, reason string) {
	p := persistence.OrderIntentPayload{MarketID: marketID, Withheld: intent == nil, Reason: reason}
	if intent != nil {
		p.CorrelationID = intent.CorrelationID
		p.PredictedEdge = intent.PredictedEdge.String()
		p.Size = intent.Size.String()
	}
	e.persist(persistence.TableOrderIntents, time.Now(), p)
}

func (e *Engine) handleSubmitResult(res order.SubmitResult) {
	if res.Order == nil {
		return
	}
	if res.Err != nil {
		e.logger.Warn("submit failed", "client_order_id", res.Order.ClientOrderID, "err", res.Err)
		e.persistError("order", "submit_failed", res.Order.CorrelationID, res.Err.Error())
	}
	e.persistOrder(*res.Order)
}

func (e *Engine) handleCancelResult(res order.CancelResult) {
	if res.Order == nil {
		return
	}
	if res.Err != nil {
		e.logger.Warn("cancel failed", "client_order_id", res.Order.ClientOrderID, "err", res.Err)
		e.persistError("order", "cancel_failed", res.Order.CorrelationID, res.Err.Error())
	}
	e.persistOrder(*res.Order)
}

// handleTrade applies a venue fill notification to OrderManager, the
// position book, the risk manager's PnL window, the slippage model's
// realized-fill ring, and — once both legs of a paired intent are filled —
// EdgeDecayGuard's round-trip quality window.
func (e *Engine) handleTrade(evt venue.WSTradeEvent) {
	price, err := decimal.NewFromString(evt.Price)
	if err != nil {
		return
	}
	size, err := decimal.NewFromString(evt.Size)
	if err != nil {
		return
	}
	feeBps, _ := decimal.NewFromString(evt.FeeRateBps)
	fee := feeBps.Div(decimal.NewFromInt(10000)).Mul(price).Mul(size)

	ts := time.Now()
	ord, ok := e.orders.OnFill(order.Fill{Ts: ts, ClientOrderID: evt.ClientOrdID, Price: price, Size: size, Fee: fee})
	if !ok {
		err := coreerr.New(coreerr.InvariantViolation, "engine", fmt.Errorf("fill for unknown client_order_id %q", evt.ClientOrdID)).WithCorrelation(evt.ClientOrdID)
		e.logger.Error("fill references unknown order, tripping to safe", "client_order_id", evt.ClientOrdID, "err", err)
		e.persistError("engine", string(coreerr.InvariantViolation), evt.ClientOrdID, err.Error())
		if tripErr := e.riskMgr.Flatten(err.Error()); tripErr != nil {
			e.logger.Error("flatten on invariant violation refused", "err", tripErr)
		}
		return
	}

	before, _ := e.riskMgr.Positions().Get(ord.MarketID, ord.TokenID)
	after := e.riskMgr.Positions().ApplyFill(ord.MarketID, ord.TokenID, ord.Side, price, size, fee)
	e.riskMgr.OnFill(ord.MarketID, after.RealizedPnL.Sub(before.RealizedPnL), ts, e.markPrice)
	e.slip.RecordFill(ord.MarketID, price, ord.Price)

	e.persist(persistence.TableFills, ts, persistence.FillPayload{
		ClientOrderID: evt.ClientOrdID, MarketID: ord.MarketID, TokenID: ord.TokenID,
		Side: ord.Side, Price: price.String(), Size: size.String(), Fee: fee.String(),
	})

	e.trackRoundTrip(ord, size, price)
}

func (e *Engine) trackRoundTrip(ord *order.Order, size, price decimal.Decimal) {
	e.roundTripsMu.Lock()
	rt, ok := e.roundTrips[ord.CorrelationID]
	if !ok {
		e.roundTripsMu.Unlock()
		return
	}

	var leg *pendingLeg
	switch ord.ClientOrderID {
	case rt.yesClientID:
		leg = &rt.yes
	case rt.noClientID:
		leg = &rt.no
	default:
		e.roundTripsMu.Unlock()
		return
	}
	leg.notional = leg.notional.Add(price.Mul(size))
	leg.size = leg.size.Add(size)
	if ord.Status == order.Filled {
		leg.done = true
	}

	complete := rt.complete()
	var marketID string
	var predicted, realised decimal.Decimal
	if complete {
		marketID = rt.marketID
		predicted = rt.predictedEdge
		realised = rt.realisedEdge(e.feeRate)
		delete(e.roundTrips, ord.CorrelationID)
	}
	e.roundTripsMu.Unlock()

	if complete {
		e.decay.RecordRoundTrip(marketID, predicted, realised)
		e.metrics.ObserveLatency("edge_realised_vs_predicted", 0, "market", marketID)
		e.metrics.SetGauge("edge_realised", toFloat(realised), "market", marketID)
		e.metrics.SetGauge("edge_predicted", toFloat(predicted), "market", marketID)
	}
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// handleOrderEvent applies venue-pushed order lifecycle notifications that
// did not originate from our own dispatch path (e.g. a cancel ack racing a
// fill, or a rejection delivered asynchronously on the user stream rather
// than inline on the submit response).
func (e *Engine) handleOrderEvent(evt venue.WSOrderEvent) {
	switch evt.Type {
	case "CANCELLATION":
		e.orders.OnCancelAck(evt.ClientOrdID)
	case "REJECTION":
		e.riskMgr.OnSubmitAttempt(evt.Market, true, time.Now())
		e.persistError("order", "rejected", "", evt.RejectReason)
	}
}

// handleTrip runs the flatten workflow once a circuit breaker fires or an
// operator requests it, transitioning SAFE once complete.
func (e *Engine) handleTrip(sig risk.TripSignal) {
	e.logger.Error("flattening", "reason", sig.Reason, "market", sig.MarketID)
	e.spawn(func() {
		report := e.flattenWF.Run(e.ctx)
		e.logger.Info("flatten complete",
			"cancelled", len(report.CancelledOrderIDs),
			"unwound", len(report.UnwoundPositions),
			"residual", len(report.Residual))
		for _, pos := range report.Residual {
			e.persistError("flatten", "residual_position", "", fmt.Sprintf("%s/%s qty=%s", pos.MarketID, pos.TokenID, pos.Qty))
		}
	})
}

func (e *Engine) persistPnLSnapshot() {
	snap := e.riskMgr.GetSnapshot()
	e.persist(persistence.TablePnLSnapshots, time.Now(), persistence.PnLSnapshotPayload{
		Mode: snap.Mode, HighWaterMark: snap.HighWaterMark.String(),
		CumulativeCash: snap.CumulativeCash.String(),
		HourlyRealized: snap.HourlyRealized.String(), DailyRealized: snap.DailyRealized.String(),
	})
	for _, pos := range e.riskMgr.Positions().All() {
		e.persist(persistence.TablePositions, time.Now(), persistence.PositionPayload{
			MarketID: pos.MarketID, TokenID: pos.TokenID,
			Qty: pos.Qty.String(), AvgPrice: pos.AvgPrice.String(), RealizedPnL: pos.RealizedPnL.String(),
		})
	}
}

func (e *Engine) persistBookSnapshot(tokenID string, bids, asks []book.Level, seq uint64) {
	marketID, _ := e.registry.MarketForToken(tokenID)
	e.persist(persistence.TableBookSnapshots, time.Now(), persistence.BookSnapshotPayload{
		MarketID: marketID, TokenID: tokenID,
		Bids: encodeLevels(bids), Asks: encodeLevels(asks),
		Sequence: seq, CapturedAt: time.Now(),
	})
}

func encodeLevels(in []book.Level) []persistence.LevelPayload {
	out := make([]persistence.LevelPayload, 0, len(in))
	for _, l := range in {
		out = append(out, persistence.LevelPayload{Price: l.Price.String(), Size: l.Size.String()})
	}
	return out
}

func (e *Engine) persistOrder(ord order.Order) {
	e.persist(persistence.TableOrders, time.Now(), persistence.OrderPayload{
		ClientOrderID: ord.ClientOrderID, VenueOrderID: ord.VenueOrderID, MarketID: ord.MarketID,
		Side: ord.Side, Price: ord.Price.String(), Size: ord.Size.String(),
		Status: string(ord.Status), CorrelationID: ord.CorrelationID,
	})
}

func (e *Engine) persistError(component, kind, correlationID, message string) {
	e.persist(persistence.TableErrors, time.Now(), persistence.ErrorPayload{
		Component: component, Kind: kind, CorrelationID: correlationID, Message: message,
	})
}

func (e *Engine) persist(table string, ts time.Time, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("marshal persisted payload failed", "table", table, "err", err)
		return
	}
	if err := e.store.Append(e.ctx, table, ts, data); err != nil {
		e.logger.Error("persist failed", "table", table, "err", err)
	}
}

// Markets implements api.Provider.
func (e *Engine) Markets() []market.Market { return e.registry.All() }

// BestBid implements api.Provider.
func (e *Engine) BestBid(tokenID string) (decimal.Decimal, bool) {
	lvl, err := e.books.BestBid(tokenID)
	if err != nil {
		return decimal.Zero, false
	}
	return lvl.Price, true
}

// BestAsk implements api.Provider.
func (e *Engine) BestAsk(tokenID string) (decimal.Decimal, bool) {
	lvl, err := e.books.BestAsk(tokenID)
	if err != nil {
		return decimal.Zero, false
	}
	return lvl.Price, true
}

// RiskSnapshot implements api.Provider.
func (e *Engine) RiskSnapshot() risk.Snapshot { return e.riskMgr.GetSnapshot() }

// Positions implements api.Provider.
func (e *Engine) Positions() []risk.Position { return e.riskMgr.Positions().All() }

// LiveOrders implements api.Provider.
func (e *Engine) LiveOrders() []order.Order { return e.orders.LiveOrders() }

// handleCommand executes one CommandBus request and replies on its Reply
// channel; this is the only place command effects are applied, keeping
// every command interleaved with book/private-stream events in the exact
// order the single-writer loop observed them (spec §5).
func (e *Engine) handleCommand(req command.Request) {
	// Backtest replays a potentially large event log; run it off the
	// single-writer goroutine so live book/order events keep flowing while
	// it executes, and reply whenever it finishes. A live-mode process
	// refuses it outright: this Engine already holds a real book/order/risk
	// stack mid-flight, and replaying into it would corrupt that state
	// (spec §4.12: "in live mode, refused; in backtest mode, runs the
	// harness").
	if req.Command.Name == command.Backtest {
		if e.cfg.Mode != config.ModeBacktest {
			resp := command.Response{Status: command.Refused, Reason: "backtest refused in live mode"}
			select {
			case req.Reply <- resp:
			default:
			}
			return
		}
		e.spawn(func() {
			resp := e.handleBacktest()
			select {
			case req.Reply <- resp:
			default:
			}
		})
		return
	}

	resp := e.dispatchCommand(req.Command)
	select {
	case req.Reply <- resp:
	default:
	}
}

func (e *Engine) dispatchCommand(cmd command.Command) command.Response {
	switch cmd.Name {
	case command.Pause:
		if err := e.riskMgr.Pause(); err != nil {
			return command.Response{Status: command.Refused, Reason: err.Error()}
		}
		return command.Response{Status: command.OK}

	case command.Resume:
		if err := e.riskMgr.Resume(); err != nil {
			return command.Response{Status: command.Refused, Reason: err.Error()}
		}
		return command.Response{Status: command.OK}

	case command.Flatten:
		reason := cmd.Args["reason"]
		if reason == "" {
			reason = "operator requested flatten"
		}
		if err := e.riskMgr.Flatten(reason); err != nil {
			return command.Response{Status: command.Refused, Reason: err.Error()}
		}
		return command.Response{Status: command.OK}

	case command.Markets:
		return e.handleMarketsCommand(cmd.Args)

	case command.Set:
		return e.handleSetCommand(cmd.Args)

	case command.Reload:
		return e.handleReload(cmd.Args)

	case command.Stop:
		e.stopOnce.Do(func() { close(e.stopped) })
		return command.Response{Status: command.OK, Reason: "shutting down"}

	default:
		return command.Response{Status: command.Error, Reason: fmt.Sprintf("unknown command %q", cmd.Name)}
	}
}

func (e *Engine) handleMarketsCommand(args map[string]string) command.Response {
	ids := splitCSV(args["ids"])
	if len(ids) == 0 {
		return command.Response{Status: command.Error, Reason: "markets command requires ids"}
	}
	enabled := args["enabled"] != "off"
	for _, id := range ids {
		if !e.registry.SetEnabled(id, enabled) {
			return command.Response{Status: command.Error, Reason: fmt.Sprintf("unknown market %q", id)}
		}
		if enabled {
			e.decay.Enable(id)
		}
	}
	return command.Response{Status: command.OK}
}

func (e *Engine) handleSetCommand(args map[string]string) command.Response {
	if v, ok := args["min_edge_threshold"]; ok {
		f, err := decimal.NewFromString(v)
		if err != nil {
			return command.Response{Status: command.Error, Reason: "invalid min_edge_threshold: " + err.Error()}
		}
		e.strat.SetMinEdgeThreshold(f.InexactFloat64())
	}
	if v, ok := args["target_size_usd"]; ok {
		f, err := decimal.NewFromString(v)
		if err != nil {
			return command.Response{Status: command.Error, Reason: "invalid target_size_usd: " + err.Error()}
		}
		e.strat.SetTargetSizeUSD(f.InexactFloat64())
	}
	return command.Response{Status: command.OK}
}

// handleReload re-reads the config file from disk and validates it, but
// does not apply most settings live: wallet, API endpoints, persistence
// backend and market set are all fixed for the life of the process.
// Strategy thresholds hot-reload via `set`; everything else needs a
// restart, and this command tells the operator that up front instead of
// silently doing nothing.
func (e *Engine) handleReload(args map[string]string) command.Response {
	path := args["path"]
	if path == "" {
		return command.Response{Status: command.Error, Reason: "reload requires path"}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return command.Response{Status: command.Error, Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return command.Response{Status: command.Refused, Reason: err.Error()}
	}
	e.strat.SetMinEdgeThreshold(cfg.Strategy.MinEdgeThreshold)
	e.strat.SetTargetSizeUSD(cfg.Strategy.TargetSizeUSD)
	return command.Response{Status: command.OK, Reason: "strategy thresholds reloaded; other settings require restart"}
}

func (e *Engine) handleBacktest() command.Response {
	h := backtest.New(e.cfg, e.registry, e.store, e.logger)
	report, err := h.Run(context.Background())
	if err != nil {
		return command.Response{Status: command.Error, Reason: err.Error()}
	}
	return command.Response{Status: command.OK, Reason: fmt.Sprintf(
		"trades=%d final_equity=%s max_drawdown=%s win_rate=%s",
		report.TradeCount, report.FinalEquity.String(), report.MaxDrawdown.String(), report.WinRate.String())}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
