package risk

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Position tracks a signed quantity and volume-weighted average price for
// one (market_id, token_id) pair (spec §3). Outcome tokens are long-only in
// this venue model: qty must never go negative.
//
// VWAP average-entry tracking and realized-PnL-on-reduction logic is
// adapted from the teacher's strategy/inventory.go applyYesFill/applyNoFill.
type Position struct {
	MarketID    string
	TokenID     string
	Qty         decimal.Decimal
	AvgPrice    decimal.Decimal
	RealizedPnL decimal.Decimal
}

// applyFill updates qty/avg price/realized PnL for a single fill on this
// token. side BUY increases qty (re-averaging cost basis); SELL reduces qty
// and realizes PnL against the existing average price. fee is subtracted
// from realized PnL on both sides, since fees are charged on both legs.
func (p *Position) applyFill(side string, price, size, fee decimal.Decimal) {
	switch side {
	case "BUY":
		newQty := p.Qty.Add(size)
		if newQty.IsZero() {
			p.AvgPrice = decimal.Zero
		} else {
			totalCost := p.AvgPrice.Mul(p.Qty).Add(price.Mul(size))
			p.AvgPrice = totalCost.Div(newQty)
		}
		p.Qty = newQty
	case "SELL":
		reduceQty := decimal.Min(size, p.Qty)
		p.RealizedPnL = p.RealizedPnL.Add(price.Sub(p.AvgPrice).Mul(reduceQty))
		p.Qty = p.Qty.Sub(reduceQty)
		if p.Qty.IsZero() {
			p.AvgPrice = decimal.Zero
		}
	}
	p.RealizedPnL = p.RealizedPnL.Sub(fee)
}

// UnrealizedPnL marks the position to the given current price.
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Qty.IsZero() {
		return decimal.Zero
	}
	return mark.Sub(p.AvgPrice).Mul(p.Qty)
}

// ExposureUSD values the position notionally at the given mark.
func (p *Position) ExposureUSD(mark decimal.Decimal) decimal.Decimal {
	return p.Qty.Mul(mark).Abs()
}

// Book tracks every open Position, keyed by market+token.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*Position // "marketID|tokenID" -> Position
}

// NewBook creates an empty position book.
func NewBook() *Book {
	return &Book{positions: make(map[string]*Position)}
}

func key(marketID, tokenID string) string { return marketID + "|" + tokenID }

// ApplyFill records a fill against the owning position, creating it if
// necessary, and enforces the long-only invariant (spec §3): a SELL can
// never reduce qty below zero; it clamps at zero, consistent with spec §8's
// boundary rule that fills exceeding remaining_size clamp rather than go negative.
func (b *Book) ApplyFill(marketID, tokenID, side string, price, size, fee decimal.Decimal) *Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key(marketID, tokenID)
	pos, ok := b.positions[k]
	if !ok {
		pos = &Position{MarketID: marketID, TokenID: tokenID}
		b.positions[k] = pos
	}
	pos.applyFill(side, price, size, fee)
	if pos.Qty.IsNegative() {
		pos.Qty = decimal.Zero
	}
	return pos
}

// Get returns a snapshot copy of a position, if any.
func (b *Book) Get(marketID, tokenID string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[key(marketID, tokenID)]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// AllForMarket returns every position held in a market.
func (b *Book) AllForMarket(marketID string) []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Position
	for _, p := range b.positions {
		if p.MarketID == marketID {
			out = append(out, *p)
		}
	}
	return out
}

// All returns every open position across all markets.
func (b *Book) All() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out
}
