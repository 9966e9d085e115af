// Package edge implements EdgeCalculator: computes the executable edge of a
// candidate arbitrage trade from book depth, fees, and the adaptive
// slippage buffer (spec §4.4).
//
// Grounded on mselser95-polymarket-arb's detectMultiOutcome (VWAP across
// levels, minimum fillable size across outcome legs, fee-adjusted
// threshold check), narrowed from its N-outcome form to the binary
// YES/NO case spec §4.4 describes.
package edge

import (
	"github.com/shopspring/decimal"

	"arb-core/internal/book"
	"arb-core/internal/slippage"
)

// Result is the output of a candidate-size edge computation.
type Result struct {
	PredictedEdge decimal.Decimal
	FillableSize  decimal.Decimal
	YesVWAP       decimal.Decimal
	NoVWAP        decimal.Decimal
}

// Executable reports whether a Result clears both the edge threshold and
// the minimum tradeable size.
func (r Result) Executable(minEdgeThreshold, minSize decimal.Decimal) bool {
	return r.PredictedEdge.GreaterThan(minEdgeThreshold) && r.FillableSize.GreaterThanOrEqual(minSize)
}

// Calculator computes predicted edge for a market's YES/NO token pair.
type Calculator struct {
	books     *book.BookState
	slip      *slippage.Model
	feeRate   decimal.Decimal
}

// New constructs a Calculator over a shared BookState and SlippageModel.
func New(books *book.BookState, slip *slippage.Model, feeRateBps int) *Calculator {
	feeRate := decimal.NewFromInt(int64(feeRateBps)).Div(decimal.NewFromInt(10000))
	return &Calculator{books: books, slip: slip, feeRate: feeRate}
}

// Compute evaluates the candidate size s for marketID's yesTokenID/noTokenID
// pair. predicted_edge(s) = 1 - VWAP(YES asks, s) - VWAP(NO asks, s) -
// fee_rate - slippage - effective_failure_buffer. fillable_size is the
// minimum of what each side's book can actually fill at size s, and
// slippage is estimated for fillable_size against the YES top-of-book size.
func (c *Calculator) Compute(marketID, yesTokenID, noTokenID string, s decimal.Decimal) (Result, error) {
	yesVWAP, yesFillable, err := c.books.DepthForSize(yesTokenID, book.Ask, s)
	if err != nil {
		return Result{}, err
	}
	noVWAP, noFillable, err := c.books.DepthForSize(noTokenID, book.Ask, s)
	if err != nil {
		return Result{}, err
	}

	fillable := decimal.Min(yesFillable, noFillable)
	if fillable.IsZero() {
		return Result{FillableSize: decimal.Zero}, nil
	}

	yesTop, err := c.books.BestAsk(yesTokenID)
	if err != nil {
		return Result{}, err
	}

	slip := c.slip.Estimate(fillable, yesTop.Size)
	buffer := c.slip.EffectiveFailureBuffer(marketID)

	predicted := decimal.NewFromInt(1).
		Sub(yesVWAP).
		Sub(noVWAP).
		Sub(c.feeRate).
		Sub(slip).
		Sub(buffer)

	return Result{
		PredictedEdge: predicted,
		FillableSize:  fillable,
		YesVWAP:       yesVWAP,
		NoVWAP:        noVWAP,
	}, nil
}
