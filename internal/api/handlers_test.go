package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"arb-core/internal/market"
	"arb-core/internal/order"
	"arb-core/internal/risk"
)

type fakeProvider struct {
	markets    []market.Market
	bids, asks map[string]decimal.Decimal
	positions  []risk.Position
	orders     []order.Order
	snapshot   risk.Snapshot
}

func (f *fakeProvider) Markets() []market.Market { return f.markets }
func (f *fakeProvider) BestBid(tokenID string) (decimal.Decimal, bool) {
	v, ok := f.bids[tokenID]
	return v, ok
}
func (f *fakeProvider) BestAsk(tokenID string) (decimal.Decimal, bool) {
	v, ok := f.asks[tokenID]
	return v, ok
}
func (f *fakeProvider) RiskSnapshot() risk.Snapshot  { return f.snapshot }
func (f *fakeProvider) Positions() []risk.Position   { return f.positions }
func (f *fakeProvider) LiveOrders() []order.Order    { return f.orders }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleHealthReturnsOK(t *testing.T) {
	t.Parallel()
	h := NewHandlers(&fakeProvider{}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %q, want ok", body["status"])
	}
}

func TestHandleSnapshotReturnsMarketsAndRiskState(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{
		markets: []market.Market{{ID: "m1", Slug: "will-it-rain", YesTokenID: "yes1", NoTokenID: "no1"}},
		bids:    map[string]decimal.Decimal{"yes1": decimal.RequireFromString("0.45")},
		asks:    map[string]decimal.Decimal{"yes1": decimal.RequireFromString("0.47")},
		positions: []risk.Position{
			{MarketID: "m1", TokenID: "yes1", Qty: decimal.RequireFromString("10"), AvgPrice: decimal.RequireFromString("0.4")},
		},
		orders: []order.Order{
			{ClientOrderID: "c1", MarketID: "m1", Side: "BUY", Status: order.Live},
		},
		snapshot: risk.Snapshot{Mode: "RUNNING", HighWaterMark: decimal.RequireFromString("1000")},
	}
	h := NewHandlers(provider, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
	rec := httptest.NewRecorder()
	h.HandleSnapshot(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Mode != "RUNNING" {
		t.Fatalf("mode = %q, want RUNNING", snap.Mode)
	}
	if len(snap.Markets) != 1 || snap.Markets[0].YesBid == nil || !snap.Markets[0].YesBid.Equal(decimal.RequireFromString("0.45")) {
		t.Fatalf("unexpected markets: %+v", snap.Markets)
	}
	if len(snap.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(snap.Positions))
	}
	if len(snap.LiveOrders) != 1 || snap.LiveOrders[0].Status != string(order.Live) {
		t.Fatalf("unexpected live orders: %+v", snap.LiveOrders)
	}
}

func TestHandleSnapshotOmitsUnavailableBookSides(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{
		markets:  []market.Market{{ID: "m1", YesTokenID: "yes1", NoTokenID: "no1"}},
		bids:     map[string]decimal.Decimal{},
		asks:     map[string]decimal.Decimal{},
		snapshot: risk.Snapshot{Mode: "SAFE"},
	}
	h := NewHandlers(provider, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
	rec := httptest.NewRecorder()
	h.HandleSnapshot(rec, req)

	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Markets[0].YesBid != nil || snap.Markets[0].YesAsk != nil {
		t.Fatalf("expected nil book sides when resyncing, got %+v", snap.Markets[0])
	}
}
