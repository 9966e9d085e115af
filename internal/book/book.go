// Package book implements BookState: the local order-book mirror for every
// traded token, fed by venue WS snapshot/update events and periodic REST
// resync (spec §4.2).
//
// Adapted from the teacher's internal/market/book.go. The teacher's
// ApplyPriceChange never actually applied incremental deltas — it only
// refreshed a hash/timestamp map. This version replaces that stub with
// real sorted-level insertion/removal, strict sequence monotonicity, gap
// detection that enters a RESYNCING state and buffers deltas until a
// superseding snapshot arrives, and periodic divergence correction.
package book

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies which side of the book a level or depth query refers to.
type Side int

const (
	Bid Side = iota
	Ask
)

// State is the per-token resync state machine.
type State int

const (
	Live State = iota
	Resyncing
)

// Level is a single price/size point. Size == 0 means the level is removed.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Change is a single incremental level update carried by a WS update event.
type Change struct {
	Side  Side
	Price decimal.Decimal
	Size  decimal.Decimal // new absolute size at this level; 0 removes it
}

// DefaultMaxLevels is the default depth retained per side (spec §3: top N,
// default 10).
const DefaultMaxLevels = 10

// Unavailable is returned by BestBid/BestAsk while a token is RESYNCING.
var Unavailable = fmt.Errorf("book: unavailable, resyncing")

type tokenBook struct {
	mu         sync.RWMutex
	state      State
	bids       []Level // sorted descending by price
	asks       []Level // sorted ascending by price
	sequence   uint64
	capturedAt time.Time
	maxLevels  int

	// buffered holds updates received while RESYNCING, to be replayed once
	// a snapshot with sequence >= gapFloor arrives.
	buffered []bufferedUpdate
	gapFloor uint64
}

type bufferedUpdate struct {
	seq     uint64
	changes []Change
}

// BookState owns one tokenBook per traded token id.
type BookState struct {
	mu     sync.RWMutex
	tokens map[string]*tokenBook

	// divergenceTolerance is the sequence gap beyond which a periodic
	// resync snapshot is treated as authoritative even if no gap was
	// explicitly detected (spec §4.2 "periodic resync").
	divergenceTolerance uint64
}

// New creates an empty BookState.
func New(divergenceTolerance uint64) *BookState {
	return &BookState{
		tokens:              make(map[string]*tokenBook),
		divergenceTolerance: divergenceTolerance,
	}
}

func (bs *BookState) bookFor(tokenID string) *tokenBook {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	tb, ok := bs.tokens[tokenID]
	if !ok {
		tb = &tokenBook{state: Resyncing, maxLevels: DefaultMaxLevels}
		bs.tokens[tokenID] = tb
	}
	return tb
}

// ApplySnapshot replaces a token's book wholesale. Used both for the
// initial WS "snapshot" event and for REST resync responses. A snapshot
// always supersedes buffered deltas at or below its sequence and exits
// RESYNCING once the snapshot's sequence covers the original gap.
func (bs *BookState) ApplySnapshot(tokenID string, bids, asks []Level, seq uint64, capturedAt time.Time) {
	tb := bs.bookFor(tokenID)
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.bids = sortedCopy(bids, true, tb.maxLevels)
	tb.asks = sortedCopy(asks, false, tb.maxLevels)
	tb.sequence = seq
	tb.capturedAt = capturedAt

	if tb.state == Resyncing {
		if seq >= tb.gapFloor {
			tb.state = Live
			replay := tb.buffered
			tb.buffered = nil
			tb.gapFloor = 0
			for _, bu := range replay {
				if bu.seq <= tb.sequence {
					continue // superseded by the snapshot
				}
				applyChangesLocked(tb, bu.changes)
				tb.sequence = bu.seq
			}
		}
		// else: still behind the gap boundary, remain RESYNCING.
	}
}

// ApplyUpdate applies an incremental delta carried at sequence seq. On a
// gap (seq > stored+1) the token enters RESYNCING and the caller is
// expected to issue a REST snapshot fetch; the delta itself is buffered so
// it can be replayed once that snapshot arrives. Deltas at or below the
// stored sequence are discarded as stale.
func (bs *BookState) ApplyUpdate(tokenID string, changes []Change, seq uint64) error {
	tb := bs.bookFor(tokenID)
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.state == Resyncing {
		tb.buffered = append(tb.buffered, bufferedUpdate{seq: seq, changes: changes})
		return nil
	}

	if seq <= tb.sequence {
		return nil // stale, discard
	}
	if seq > tb.sequence+1 {
		// Gap: enter RESYNCING, buffer this delta, signal caller to resync.
		// A snapshot at seq-1 or later covers every missing sequence.
		tb.state = Resyncing
		tb.gapFloor = seq - 1
		tb.buffered = append(tb.buffered, bufferedUpdate{seq: seq, changes: changes})
		return ErrGap{TokenID: tokenID, Expected: tb.sequence + 1, Got: seq}
	}

	applyChangesLocked(tb, changes)
	tb.sequence = seq
	tb.capturedAt = time.Now()
	return nil
}

// ErrGap signals BookState detected a sequence gap for a token and has
// entered RESYNCING; the caller must fetch a REST snapshot.
type ErrGap struct {
	TokenID  string
	Expected uint64
	Got      uint64
}

func (e ErrGap) Error() string {
	return fmt.Sprintf("book: sequence gap on %s: expected %d, got %d", e.TokenID, e.Expected, e.Got)
}

func applyChangesLocked(tb *tokenBook, changes []Change) {
	for _, c := range changes {
		switch c.Side {
		case Bid:
			tb.bids = upsertLevel(tb.bids, c.Price, c.Size, true, tb.maxLevels)
		case Ask:
			tb.asks = upsertLevel(tb.asks, c.Price, c.Size, false, tb.maxLevels)
		}
	}
}

// upsertLevel inserts, updates, or removes a level while keeping the slice
// sorted (descending for bids, ascending for asks) and capped at maxLevels.
func upsertLevel(levels []Level, price, size decimal.Decimal, descending bool, maxLevels int) []Level {
	idx := sort.Search(len(levels), func(i int) bool {
		if descending {
			return levels[i].Price.LessThanOrEqual(price)
		}
		return levels[i].Price.GreaterThanOrEqual(price)
	})

	found := idx < len(levels) && levels[idx].Price.Equal(price)

	if size.IsZero() {
		if found {
			levels = append(levels[:idx], levels[idx+1:]...)
		}
		return levels
	}

	if found {
		levels[idx].Size = size
		return levels
	}

	levels = append(levels, Level{})
	copy(levels[idx+1:], levels[idx:])
	levels[idx] = Level{Price: price, Size: size}
	if len(levels) > maxLevels {
		levels = levels[:maxLevels]
	}
	return levels
}

func sortedCopy(levels []Level, descending bool, maxLevels int) []Level {
	out := make([]Level, len(levels))
	copy(out, levels)
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	filtered := out[:0]
	for _, l := range out {
		if !l.Size.IsZero() {
			filtered = append(filtered, l)
		}
	}
	if len(filtered) > maxLevels {
		filtered = filtered[:maxLevels]
	}
	return filtered
}

// BestBid returns the top bid level. Returns Unavailable while RESYNCING.
func (bs *BookState) BestBid(tokenID string) (Level, error) {
	tb := bs.bookFor(tokenID)
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if tb.state == Resyncing {
		return Level{}, Unavailable
	}
	if len(tb.bids) == 0 {
		return Level{}, fmt.Errorf("book: no bids for %s", tokenID)
	}
	return tb.bids[0], nil
}

// BestAsk returns the top ask level. Returns Unavailable while RESYNCING.
func (bs *BookState) BestAsk(tokenID string) (Level, error) {
	tb := bs.bookFor(tokenID)
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if tb.state == Resyncing {
		return Level{}, Unavailable
	}
	if len(tb.asks) == 0 {
		return Level{}, fmt.Errorf("book: no asks for %s", tokenID)
	}
	return tb.asks[0], nil
}

// DepthForSize walks levels on the given side from best to worst and
// returns the size-weighted average price (VWAP) needed to fill `size`
// units, and the amount actually fillable (may be less than size if the
// book doesn't have enough depth).
func (bs *BookState) DepthForSize(tokenID string, side Side, size decimal.Decimal) (vwap decimal.Decimal, fillable decimal.Decimal, err error) {
	tb := bs.bookFor(tokenID)
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	if tb.state == Resyncing {
		return decimal.Zero, decimal.Zero, Unavailable
	}

	levels := tb.asks
	if side == Bid {
		levels = tb.bids
	}

	remaining := size
	var notional decimal.Decimal
	for _, lvl := range levels {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := decimal.Min(remaining, lvl.Size)
		notional = notional.Add(take.Mul(lvl.Price))
		fillable = fillable.Add(take)
		remaining = remaining.Sub(take)
	}
	if fillable.IsZero() {
		return decimal.Zero, decimal.Zero, nil
	}
	return notional.Div(fillable), fillable, nil
}

// Levels returns a copy of the current levels for one side, ordered
// best-to-worst. Returns Unavailable while RESYNCING. Exposed for
// BacktestHarness's simulated venue, which needs limit-aware matching
// DepthForSize's single unconditional size target can't express.
func (bs *BookState) Levels(tokenID string, side Side) ([]Level, error) {
	tb := bs.bookFor(tokenID)
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if tb.state == Resyncing {
		return nil, Unavailable
	}
	src := tb.asks
	if side == Bid {
		src = tb.bids
	}
	out := make([]Level, len(src))
	copy(out, src)
	return out, nil
}

// IsStale reports whether the book hasn't updated within maxAge.
func (bs *BookState) IsStale(tokenID string, maxAge time.Duration) bool {
	tb := bs.bookFor(tokenID)
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if tb.capturedAt.IsZero() {
		return true
	}
	return time.Since(tb.capturedAt) > maxAge
}

// Sequence returns the current stored sequence for a token.
func (bs *BookState) Sequence(tokenID string) uint64 {
	tb := bs.bookFor(tokenID)
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.sequence
}

// NeedsPeriodicResync reports whether a REST snapshot's sequence diverges
// from the locally-stored sequence by more than the configured tolerance,
// per spec §4.2's periodic-resync requirement.
func (bs *BookState) NeedsPeriodicResync(tokenID string, restSequence uint64) bool {
	tb := bs.bookFor(tokenID)
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if restSequence > tb.sequence {
		return restSequence-tb.sequence > bs.divergenceTolerance
	}
	return tb.sequence-restSequence > bs.divergenceTolerance
}
