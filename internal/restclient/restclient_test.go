package restclient

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"arb-core/internal/order"
	"arb-core/pkg/venue"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDryRunClient() *Client {
	return &Client{dryRun: true, logger: testLogger()}
}

func TestDryRunSubmitOrderReturnsFakeID(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	venueOrderID, err := c.SubmitOrder(context.Background(), "client-1", order.Intent{
		MarketID: "m1", TokenID: "tok1", Side: "BUY", Price: d("0.5"), Size: d("10"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if venueOrderID == "" {
		t.Fatal("expected a non-empty venue order id")
	}
}

func TestDryRunCancelOrderNoop(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	if err := c.CancelOrder(context.Background(), "venue-order-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPriceToAmountsBuy(t *testing.T) {
	t.Parallel()
	maker, taker := priceToAmounts(d("0.55"), d("10"), venue.BUY, venue.Tick001)

	if maker.String() != "5500000" {
		t.Fatalf("makerAmt = %s, want 5500000 (5.5 USDC at 6 decimals)", maker.String())
	}
	if taker.String() != "10000000" {
		t.Fatalf("takerAmt = %s, want 10000000 (10 tokens at 6 decimals)", taker.String())
	}
}

func TestPriceToAmountsSell(t *testing.T) {
	t.Parallel()
	maker, taker := priceToAmounts(d("0.55"), d("10"), venue.SELL, venue.Tick001)

	if maker.String() != "10000000" {
		t.Fatalf("makerAmt = %s, want 10000000 (10 tokens given)", maker.String())
	}
	if taker.String() != "5500000" {
		t.Fatalf("takerAmt = %s, want 5500000 (5.5 USDC received)", taker.String())
	}
}

func TestPriceToAmountsTruncatesSizeToTwoDecimals(t *testing.T) {
	t.Parallel()
	maker, _ := priceToAmounts(d("0.50"), d("10.126"), venue.SELL, venue.Tick001)

	if maker.String() != "10120000" {
		t.Fatalf("makerAmt = %s, want 10120000 (size truncated to 10.12)", maker.String())
	}
}
