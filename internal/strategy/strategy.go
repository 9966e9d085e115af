// Package strategy implements Strategy: stateless paired-arbitrage intent
// emission from EdgeCalculator and risk state (spec §4.5).
//
// Market making (the teacher's Avellaneda-Stoikov quoting in maker.go) is
// an explicit Non-goal here; this package replaces it entirely. Its
// event-triggered evaluation shape — react to a book update for one token,
// look up the owning market, evaluate, emit — is grounded on
// mselser95-polymarket-arb's checkArbitrageForToken/detectMultiOutcome,
// narrowed to the binary YES/NO case.
package strategy

import (
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arb-core/internal/book"
	"arb-core/internal/config"
	"arb-core/internal/edge"
	"arb-core/internal/market"
	"arb-core/internal/order"
	"arb-core/internal/risk"
)

// DecayGuard reports whether EdgeDecayGuard has disabled a market for
// realised/predicted edge quality (spec §4.10). Defined here to avoid a
// dependency from strategy onto edgequality's concrete type.
type DecayGuard interface {
	IsDisabled(marketID string) bool
}

// PairedIntent is the two legs of a single arbitrage entry, sharing a
// correlation id (spec §4.5).
type PairedIntent struct {
	CorrelationID string
	Yes           order.Intent
	No            order.Intent
	PredictedEdge decimal.Decimal
	Size          decimal.Decimal
}

// Strategy emits paired arb intents. Apart from its two tunable thresholds it
// holds no state beyond its collaborators: the same book/risk/registry state
// and thresholds always yield the same decision (spec §4.5's determinism
// requirement); only the generated correlation id differs between calls.
type Strategy struct {
	cfg      config.StrategyConfig
	books    *book.BookState
	calc     *edge.Calculator
	registry *market.Registry
	riskMgr  *risk.Manager
	decay    DecayGuard
	logger   *slog.Logger

	// minEdgeThreshold and targetSizeUSD start out equal to cfg's values but
	// are independently tunable via the `set`/`reload` commands without a
	// process restart. Stored as bits under atomic.Uint64 because Evaluate
	// runs on the engine's single-writer loop but a future caller reading
	// these for a status endpoint should not need to take a lock.
	minEdgeThreshold atomic.Uint64
	targetSizeUSD    atomic.Uint64
}

// New constructs a Strategy. decay may be nil if EdgeDecayGuard is not wired.
func New(cfg config.StrategyConfig, books *book.BookState, calc *edge.Calculator, registry *market.Registry, riskMgr *risk.Manager, decay DecayGuard, logger *slog.Logger) *Strategy {
	s := &Strategy{
		cfg:      cfg,
		books:    books,
		calc:     calc,
		registry: registry,
		riskMgr:  riskMgr,
		decay:    decay,
		logger:   logger.With("component", "strategy"),
	}
	s.minEdgeThreshold.Store(math.Float64bits(cfg.MinEdgeThreshold))
	s.targetSizeUSD.Store(math.Float64bits(cfg.TargetSizeUSD))
	return s
}

// SetMinEdgeThreshold updates the minimum predicted edge required to act,
// taking effect on the next Evaluate call.
func (s *Strategy) SetMinEdgeThreshold(v float64) {
	s.minEdgeThreshold.Store(math.Float64bits(v))
}

// SetTargetSizeUSD updates the per-entry USD notional target, taking effect
// on the next Evaluate call.
func (s *Strategy) SetTargetSizeUSD(v float64) {
	s.targetSizeUSD.Store(math.Float64bits(v))
}

// Evaluate runs one decision cycle for a single market, returning a
// PairedIntent to submit, or nil with a reason the intent was withheld.
func (s *Strategy) Evaluate(m market.Market) (*PairedIntent, string) {
	if s.riskMgr.Mode() != risk.Running {
		return nil, "not_running"
	}
	if !s.registry.IsEnabled(m.ID) {
		return nil, "market_disabled"
	}
	if s.decay != nil && s.decay.IsDisabled(m.ID) {
		return nil, "edge_decayed"
	}

	size, err := s.targetSize(m)
	if err != nil {
		return nil, "book_unavailable"
	}

	res, err := s.calc.Compute(m.ID, m.YesTokenID, m.NoTokenID, size)
	if err != nil {
		return nil, "book_unavailable"
	}

	minEdge := decimal.NewFromFloat(math.Float64frombits(s.minEdgeThreshold.Load()))
	minSize := decimal.NewFromFloat(s.cfg.MinSize)
	if !res.Executable(minEdge, minSize) {
		return nil, "not_executable"
	}

	finalSize := decimal.Min(size, res.FillableSize)

	yesTop, err := s.books.BestAsk(m.YesTokenID)
	if err != nil {
		return nil, "book_unavailable"
	}
	noTop, err := s.books.BestAsk(m.NoTokenID)
	if err != nil {
		return nil, "book_unavailable"
	}

	correlationID := uuid.NewString()
	return &PairedIntent{
		CorrelationID: correlationID,
		PredictedEdge: res.PredictedEdge,
		Size:          finalSize,
		Yes: order.Intent{
			MarketID:      m.ID,
			TokenID:       m.YesTokenID,
			Side:          "BUY",
			Price:         yesTop.Price,
			Size:          finalSize,
			Purpose:       "ARB_ENTRY",
			CorrelationID: correlationID,
		},
		No: order.Intent{
			MarketID:      m.ID,
			TokenID:       m.NoTokenID,
			Side:          "BUY",
			Price:         noTop.Price,
			Size:          finalSize,
			Purpose:       "ARB_ENTRY",
			CorrelationID: correlationID,
		},
	}, ""
}

// targetSize converts the configured USD notional target into a share size
// using the average of both legs' best ask as an approximate unit price.
func (s *Strategy) targetSize(m market.Market) (decimal.Decimal, error) {
	yesTop, err := s.books.BestAsk(m.YesTokenID)
	if err != nil {
		return decimal.Zero, err
	}
	noTop, err := s.books.BestAsk(m.NoTokenID)
	if err != nil {
		return decimal.Zero, err
	}
	avgPrice := yesTop.Price.Add(noTop.Price).Div(decimal.NewFromInt(2))
	if avgPrice.IsZero() {
		avgPrice = decimal.NewFromFloat(0.5)
	}
	return decimal.NewFromFloat(math.Float64frombits(s.targetSizeUSD.Load())).Div(avgPrice), nil
}
