package backtest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arb-core/internal/book"
	"arb-core/internal/order"
	"arb-core/pkg/venue"
)

// Fill is one simulated execution, shaped like the private-stream fill
// event a live user feed would deliver.
type Fill struct {
	ClientOrderID string
	MarketID      string
	TokenID       string
	Side          string
	Price         decimal.Decimal
	Size          decimal.Decimal
	Fee           decimal.Decimal
	Ts            time.Time
}

// restingOrder is a GTC order that didn't fully cross on submit and is
// waiting in the replayed book's queue at its limit price.
type restingOrder struct {
	clientOrderID string
	marketID      string
	tokenID       string
	side          string
	price         decimal.Decimal
	remaining     decimal.Decimal

	// ahead is the estimated resting size still queued in front of this
	// order at its price level; lastSize is the level size as of the last
	// check, used to derive how much of it traded away since then.
	ahead    decimal.Decimal
	lastSize decimal.Decimal
}

type levelKey struct {
	tokenID string
	side    string
	price   string
}

// SimVenue implements order.VenueClient by matching orders against the
// book BacktestHarness is replaying, instead of a real exchange. It
// satisfies spec §4.11's "venue adapter is replaced by a simulator that
// matches orders against the replayed book at (price, time_in_queue)
// heuristics".
//
// A marketable order (its limit price crosses the opposing side) fills
// immediately, walking the book same as EdgeCalculator's DepthForSize, at
// the resting counterparty's price rather than the taker's own limit. A
// non-marketable GTC order rests: the size already resting at its price at
// placement time is treated as "ahead" of it, and each subsequent book
// snapshot's shrinkage of that level is treated as queue consumption —
// once the ahead cushion is exhausted, further shrinkage fills this order.
// If the level disappears outright, whatever of this order remains is
// filled in full, on the assumption a wiped level traded through
// everyone resting on it, us included. This is an approximation: the
// replayed book doesn't know about hypothetical orders we place into it,
// so "ahead" is inferred rather than observed directly.
type SimVenue struct {
	books   *book.BookState
	feeRate decimal.Decimal
	clock   Clock

	mu        sync.Mutex
	resting   map[string]*restingOrder   // clientOrderID -> order
	byLevel   map[levelKey][]string      // level -> resting clientOrderIDs at that level
	cancelled map[string]bool

	fills chan Fill
}

// NewSimVenue constructs a SimVenue over the same BookState the strategy
// and edge calculator read from. feeRateBps mirrors StrategyConfig's
// FeeRateBps so simulated fees match what EdgeCalculator assumed.
func NewSimVenue(books *book.BookState, feeRateBps int, clock Clock) *SimVenue {
	return &SimVenue{
		books:     books,
		feeRate:   decimal.NewFromInt(int64(feeRateBps)).Div(decimal.NewFromInt(10000)),
		clock:     clock,
		resting:   make(map[string]*restingOrder),
		byLevel:   make(map[levelKey][]string),
		cancelled: make(map[string]bool),
		fills:     make(chan Fill, 256),
	}
}

// Fills returns the channel simulated executions are published to. The
// harness drains it synchronously after every SubmitOrder call and after
// every CheckRestingOrders call, so fills are applied to the core in the
// same deterministic order the replay produced them.
func (v *SimVenue) Fills() <-chan Fill { return v.fills }

// SubmitOrder matches intent against the current book state immediately,
// resting whatever doesn't cross (unless the order is IOC, which drops any
// unfilled remainder per venue.OrderTypeIOC's semantics).
func (v *SimVenue) SubmitOrder(ctx context.Context, clientOrderID string, intent order.Intent) (string, error) {
	venueOrderID := "sim-" + clientOrderID
	now := v.clock.Now()

	filled, notional, remaining := v.match(intent.TokenID, intent.Side, intent.Price, intent.Size)
	if filled.IsPositive() {
		avgPrice := notional.Div(filled)
		fee := filled.Mul(avgPrice).Mul(v.feeRate)
		v.fills <- Fill{
			ClientOrderID: clientOrderID,
			MarketID:      intent.MarketID,
			TokenID:       intent.TokenID,
			Side:          intent.Side,
			Price:         avgPrice,
			Size:          filled,
			Fee:           fee,
			Ts:            now,
		}
	}

	if remaining.IsPositive() && intent.OrderType != venue.OrderTypeIOC {
		v.rest(clientOrderID, intent, remaining)
	}

	return venueOrderID, nil
}

// CancelOrder removes a resting order. Already-filled orders were already
// removed from the resting set by match/CheckRestingOrders, so cancelling
// them is a no-op success, matching a real venue's idempotent cancel.
func (v *SimVenue) CancelOrder(ctx context.Context, venueOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelled[venueOrderID] = true
	for id, ro := range v.resting {
		if "sim-"+id == venueOrderID {
			v.removeRestingLocked(ro)
			delete(v.resting, id)
			break
		}
	}
	return nil
}

// match walks the opposing side of the book from best price, filling size
// at each crossed level's own price. Returns total filled size, its
// notional (so callers can derive a size-weighted average fill price), and
// whatever of size did not cross.
func (v *SimVenue) match(tokenID, side string, limitPrice, size decimal.Decimal) (filled, notional, remaining decimal.Decimal) {
	oppSide := book.Ask
	if side == "SELL" {
		oppSide = book.Bid
	}
	levels, err := v.books.Levels(tokenID, oppSide)
	remaining = size
	if err != nil {
		return decimal.Zero, decimal.Zero, remaining
	}

	for _, lvl := range levels {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		crosses := lvl.Price.LessThanOrEqual(limitPrice)
		if side == "SELL" {
			crosses = lvl.Price.GreaterThanOrEqual(limitPrice)
		}
		if !crosses {
			break // levels are sorted best-first; once crossing stops it won't resume
		}
		take := decimal.Min(remaining, lvl.Size)
		notional = notional.Add(take.Mul(lvl.Price))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
	}
	return filled, notional, remaining
}

// rest registers a non-marketable remainder as waiting at its limit price,
// estimating the queue ahead of it from the book's own-side level size.
func (v *SimVenue) rest(clientOrderID string, intent order.Intent, remaining decimal.Decimal) {
	sameSide := book.Bid
	if intent.Side == "SELL" {
		sameSide = book.Ask
	}

	ahead := decimal.Zero
	if lvls, err := v.books.Levels(intent.TokenID, sameSide); err == nil {
		for _, l := range lvls {
			if l.Price.Equal(intent.Price) {
				ahead = l.Size
				break
			}
		}
	}

	ro := &restingOrder{
		clientOrderID: clientOrderID,
		marketID:      intent.MarketID,
		tokenID:       intent.TokenID,
		side:          intent.Side,
		price:         intent.Price,
		remaining:     remaining,
		ahead:         ahead,
		lastSize:      ahead,
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.resting[clientOrderID] = ro
	k := levelKey{tokenID: intent.TokenID, side: intent.Side, price: intent.Price.String()}
	v.byLevel[k] = append(v.byLevel[k], clientOrderID)
}

// CheckRestingOrders re-evaluates every resting order at tokenID against
// the book's current state, emitting fills for queue consumption or full
// wipeout. The harness calls this once per book snapshot applied for that
// token, after ApplySnapshot.
func (v *SimVenue) CheckRestingOrders(tokenID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.clock.Now()
	for k, ids := range v.byLevel {
		if k.tokenID != tokenID {
			continue
		}

		side := book.Ask
		if k.side == "BUY" {
			side = book.Bid
		}
		lvls, err := v.books.Levels(tokenID, side)

		var curSize decimal.Decimal
		present := false
		if err == nil {
			for _, l := range lvls {
				if l.Price.String() == k.price {
					curSize = l.Size
					present = true
					break
				}
			}
		}

		remainIDs := ids[:0]
		for _, id := range ids {
			ro, ok := v.resting[id]
			if !ok {
				continue
			}

			if !present {
				v.emitFillLocked(ro, ro.remaining, ro.price, now)
				delete(v.resting, id)
				continue
			}

			if curSize.LessThan(ro.lastSize) {
				delta := ro.lastSize.Sub(curSize)
				absorbedByAhead := decimal.Min(delta, ro.ahead)
				ro.ahead = ro.ahead.Sub(absorbedByAhead)
				overflow := delta.Sub(absorbedByAhead)
				if overflow.IsPositive() {
					fillAmt := decimal.Min(overflow, ro.remaining)
					if fillAmt.IsPositive() {
						v.emitFillLocked(ro, fillAmt, ro.price, now)
						ro.remaining = ro.remaining.Sub(fillAmt)
					}
				}
			}
			ro.lastSize = curSize

			if ro.remaining.IsZero() {
				delete(v.resting, id)
				continue
			}
			remainIDs = append(remainIDs, id)
		}

		if len(remainIDs) == 0 {
			delete(v.byLevel, k)
		} else {
			v.byLevel[k] = remainIDs
		}
	}
}

func (v *SimVenue) emitFillLocked(ro *restingOrder, size, price decimal.Decimal, ts time.Time) {
	fee := size.Mul(price).Mul(v.feeRate)
	v.fills <- Fill{
		ClientOrderID: ro.clientOrderID,
		MarketID:      ro.marketID,
		TokenID:       ro.tokenID,
		Side:          ro.side,
		Price:         price,
		Size:          size,
		Fee:           fee,
		Ts:            ts,
	}
}

func (v *SimVenue) removeRestingLocked(ro *restingOrder) {
	k := levelKey{tokenID: ro.tokenID, side: ro.side, price: ro.price.String()}
	ids := v.byLevel[k]
	for i, id := range ids {
		if id == ro.clientOrderID {
			v.byLevel[k] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(v.byLevel[k]) == 0 {
		delete(v.byLevel, k)
	}
}

var _ order.VenueClient = (*SimVenue)(nil)
