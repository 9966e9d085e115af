package book

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestApplySnapshotSortsLevels(t *testing.T) {
	t.Parallel()
	bs := New(2)
	bids := []Level{{Price: d("0.40"), Size: d("10")}, {Price: d("0.45"), Size: d("5")}}
	asks := []Level{{Price: d("0.55"), Size: d("5")}, {Price: d("0.50"), Size: d("10")}}
	bs.ApplySnapshot("tok", bids, asks, 1, time.Now())

	bb, err := bs.BestBid("tok")
	if err != nil || !bb.Price.Equal(d("0.45")) {
		t.Fatalf("best bid = %v, %v, want 0.45", bb, err)
	}
	ba, err := bs.BestAsk("tok")
	if err != nil || !ba.Price.Equal(d("0.50")) {
		t.Fatalf("best ask = %v, %v, want 0.50", ba, err)
	}
}

func TestApplyUpdateMonotoneSequence(t *testing.T) {
	t.Parallel()
	bs := New(2)
	bs.ApplySnapshot("tok", nil, []Level{{Price: d("0.50"), Size: d("10")}}, 5, time.Now())

	err := bs.ApplyUpdate("tok", []Change{{Side: Ask, Price: d("0.50"), Size: d("20")}}, 6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ba, _ := bs.BestAsk("tok")
	if !ba.Size.Equal(d("20")) {
		t.Fatalf("ask size = %v, want 20", ba.Size)
	}
}

func TestApplyUpdateGapEntersResyncing(t *testing.T) {
	t.Parallel()
	bs := New(2)
	bs.ApplySnapshot("tok", nil, []Level{{Price: d("0.50"), Size: d("10")}}, 5, time.Now())

	err := bs.ApplyUpdate("tok", []Change{{Side: Ask, Price: d("0.51"), Size: d("1")}}, 8)
	var gapErr ErrGap
	if !errors.As(err, &gapErr) {
		t.Fatalf("expected ErrGap, got %v", err)
	}

	if _, err := bs.BestAsk("tok"); !errors.Is(err, Unavailable) {
		t.Fatalf("expected Unavailable while resyncing, got %v", err)
	}
}

func TestResyncReplaysBufferedDeltas(t *testing.T) {
	t.Parallel()
	bs := New(2)
	bs.ApplySnapshot("tok", nil, []Level{{Price: d("0.50"), Size: d("10")}}, 5, time.Now())

	// gap: seq 8 skips 6,7
	if err := bs.ApplyUpdate("tok", []Change{{Side: Ask, Price: d("0.52"), Size: d("3")}}, 8); err == nil {
		t.Fatal("expected gap error")
	}
	// a later buffered delta at 9 too
	_ = bs.ApplyUpdate("tok", []Change{{Side: Ask, Price: d("0.53"), Size: d("4")}}, 9)

	// resync snapshot arrives covering the gap
	bs.ApplySnapshot("tok", nil, []Level{{Price: d("0.50"), Size: d("10")}}, 7, time.Now())

	ba, err := bs.BestAsk("tok")
	if err != nil {
		t.Fatalf("expected live book after resync, got %v", err)
	}
	if !ba.Price.Equal(d("0.50")) {
		t.Fatalf("best ask = %v, want 0.50 (buffered deltas at 8,9 should have applied on top)", ba.Price)
	}
	if bs.Sequence("tok") != 9 {
		t.Fatalf("sequence = %d, want 9", bs.Sequence("tok"))
	}
}

func TestDepthForSizeVWAP(t *testing.T) {
	t.Parallel()
	bs := New(2)
	asks := []Level{{Price: d("0.40"), Size: d("10")}, {Price: d("0.45"), Size: d("100")}}
	bs.ApplySnapshot("tok", nil, asks, 1, time.Now())

	vwap, fillable, err := bs.DepthForSize("tok", Ask, d("50"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fillable.Equal(d("50")) {
		t.Fatalf("fillable = %v, want 50", fillable)
	}
	// (10*0.40 + 40*0.45) / 50 = (4 + 18) / 50 = 0.44
	want := d("0.44")
	if vwap.Sub(want).Abs().GreaterThan(d("0.0001")) {
		t.Fatalf("vwap = %v, want %v", vwap, want)
	}
}

func TestUpsertLevelRemovesZeroSize(t *testing.T) {
	t.Parallel()
	bs := New(2)
	bs.ApplySnapshot("tok", nil, []Level{{Price: d("0.50"), Size: d("10")}}, 1, time.Now())
	if err := bs.ApplyUpdate("tok", []Change{{Side: Ask, Price: d("0.50"), Size: d("0")}}, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := bs.BestAsk("tok"); err == nil {
		t.Fatal("expected no asks after level removed")
	}
}

func TestLevelsReturnsCopyInSortedOrder(t *testing.T) {
	t.Parallel()
	bs := New(2)
	bids := []Level{{Price: d("0.40"), Size: d("10")}, {Price: d("0.45"), Size: d("5")}}
	bs.ApplySnapshot("tok", bids, nil, 1, time.Now())

	levels, err := bs.Levels("tok", Bid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(levels) != 2 || !levels[0].Price.Equal(d("0.45")) {
		t.Fatalf("levels = %+v, want best bid first", levels)
	}

	levels[0].Price = d("99")
	bb, _ := bs.BestBid("tok")
	if bb.Price.Equal(d("99")) {
		t.Fatal("Levels must return a copy, not a live reference")
	}
}

func TestLevelsUnavailableWhileResyncing(t *testing.T) {
	t.Parallel()
	bs := New(2)
	bs.ApplyUpdate("tok", []Change{{Side: Ask, Price: d("0.5"), Size: d("1")}}, 5)
	if _, err := bs.Levels("tok", Ask); !errors.Is(err, Unavailable) {
		t.Fatalf("err = %v, want Unavailable", err)
	}
}
