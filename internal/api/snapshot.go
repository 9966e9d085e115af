// Package api implements the read-only operator HTTP surface: liveness,
// Prometheus scrape, and a point-in-time snapshot of engine state. The
// teacher's dashboard additionally pushed live updates over a websocket hub
// to a bundled web UI; neither is named by any SPEC_FULL.md component, so
// both are dropped here and the surface narrows to what an operator or a
// monitoring system actually polls.
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"arb-core/internal/market"
	"arb-core/internal/order"
	"arb-core/internal/risk"
)

// Provider is the read-only view into engine state the snapshot endpoint
// renders. The engine's central orchestrator implements this; api never
// depends on internal/engine to avoid a cycle.
type Provider interface {
	Markets() []market.Market
	BestBid(tokenID string) (decimal.Decimal, bool)
	BestAsk(tokenID string) (decimal.Decimal, bool)
	RiskSnapshot() risk.Snapshot
	Positions() []risk.Position
	LiveOrders() []order.Order
}

// Snapshot is the full point-in-time view the /api/snapshot endpoint serves.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Mode           string          `json:"mode"`
	HighWaterMark  decimal.Decimal `json:"high_water_mark"`
	CumulativeCash decimal.Decimal `json:"cumulative_cash"`
	HourlyRealized decimal.Decimal `json:"hourly_realized"`
	DailyRealized  decimal.Decimal `json:"daily_realized"`

	Markets    []MarketStatus  `json:"markets"`
	Positions  []PositionEntry `json:"positions"`
	LiveOrders []OrderEntry    `json:"live_orders"`
}

// MarketStatus is one market's resolved identity plus current top-of-book.
type MarketStatus struct {
	MarketID   string `json:"market_id"`
	Slug       string `json:"slug"`
	YesTokenID string `json:"yes_token_id"`
	NoTokenID  string `json:"no_token_id"`

	YesBid *decimal.Decimal `json:"yes_bid,omitempty"`
	YesAsk *decimal.Decimal `json:"yes_ask,omitempty"`
	NoBid  *decimal.Decimal `json:"no_bid,omitempty"`
	NoAsk  *decimal.Decimal `json:"no_ask,omitempty"`
}

// PositionEntry is one held position.
type PositionEntry struct {
	MarketID    string          `json:"market_id"`
	TokenID     string          `json:"token_id"`
	Qty         decimal.Decimal `json:"qty"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// OrderEntry is one live (non-terminal) order.
type OrderEntry struct {
	ClientOrderID string          `json:"client_order_id"`
	VenueOrderID  string          `json:"venue_order_id"`
	MarketID      string          `json:"market_id"`
	Side          string          `json:"side"`
	Price         decimal.Decimal `json:"price"`
	RemainingSize decimal.Decimal `json:"remaining_size"`
	Status        string          `json:"status"`
}

// BuildSnapshot aggregates Provider state into the wire Snapshot shape.
func BuildSnapshot(provider Provider) Snapshot {
	riskSnap := provider.RiskSnapshot()

	markets := make([]MarketStatus, 0, len(provider.Markets()))
	for _, m := range provider.Markets() {
		status := MarketStatus{
			MarketID:   m.ID,
			Slug:       m.Slug,
			YesTokenID: m.YesTokenID,
			NoTokenID:  m.NoTokenID,
		}
		if bid, ok := provider.BestBid(m.YesTokenID); ok {
			status.YesBid = &bid
		}
		if ask, ok := provider.BestAsk(m.YesTokenID); ok {
			status.YesAsk = &ask
		}
		if bid, ok := provider.BestBid(m.NoTokenID); ok {
			status.NoBid = &bid
		}
		if ask, ok := provider.BestAsk(m.NoTokenID); ok {
			status.NoAsk = &ask
		}
		markets = append(markets, status)
	}

	positions := make([]PositionEntry, 0, len(provider.Positions()))
	for _, p := range provider.Positions() {
		positions = append(positions, PositionEntry{
			MarketID: p.MarketID, TokenID: p.TokenID,
			Qty: p.Qty, AvgPrice: p.AvgPrice, RealizedPnL: p.RealizedPnL,
		})
	}

	liveOrders := make([]OrderEntry, 0, len(provider.LiveOrders()))
	for _, o := range provider.LiveOrders() {
		liveOrders = append(liveOrders, OrderEntry{
			ClientOrderID: o.ClientOrderID, VenueOrderID: o.VenueOrderID,
			MarketID: o.MarketID, Side: o.Side, Price: o.Price,
			RemainingSize: o.RemainingSize, Status: string(o.Status),
		})
	}

	return Snapshot{
		Timestamp:      time.Now(),
		Mode:           riskSnap.Mode,
		HighWaterMark:  riskSnap.HighWaterMark,
		CumulativeCash: riskSnap.CumulativeCash,
		HourlyRealized: riskSnap.HourlyRealized,
		DailyRealized:  riskSnap.DailyRealized,
		Markets:        markets,
		Positions:      positions,
		LiveOrders:     liveOrders,
	}
}
