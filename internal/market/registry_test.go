package market

import (
	"testing"

	"arb-core/pkg/venue"
)

func baseDescriptor() venue.MarketDescriptor {
	return venue.MarketDescriptor{
		MarketID: "m1",
		Slug:     "test-market",
		Tokens: []venue.TokenDescriptor{
			{TokenID: "yes-token", Label: "yes"},
			{TokenID: "no-token", Label: "no"},
		},
		TickSize:     venue.Tick001,
		MinOrderSize: 5,
	}
}

func TestResolveValidDescriptor(t *testing.T) {
	t.Parallel()
	m, err := Resolve(baseDescriptor(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.YesTokenID != "yes-token" || m.NoTokenID != "no-token" {
		t.Fatalf("unexpected token mapping: yes=%s no=%s", m.YesTokenID, m.NoTokenID)
	}
}

func TestResolveRejectsWrongTokenCount(t *testing.T) {
	t.Parallel()
	d := baseDescriptor()
	d.Tokens = d.Tokens[:1]
	if _, err := Resolve(d, true); err == nil {
		t.Fatal("expected error for a single-token market")
	}
}

func TestResolveRejectsEmptyTokenID(t *testing.T) {
	t.Parallel()
	d := baseDescriptor()
	d.Tokens[0].TokenID = ""
	if _, err := Resolve(d, true); err == nil {
		t.Fatal("expected error for empty token id")
	}
}

func TestResolveStrictRejectsBooleanLabels(t *testing.T) {
	t.Parallel()
	d := baseDescriptor()
	d.Tokens[0].Label = "true"
	d.Tokens[1].Label = "false"
	if _, err := Resolve(d, true); err == nil {
		t.Fatal("expected strict mode to reject true/false labels")
	}
}

func TestResolvePermissiveAcceptsBooleanLabels(t *testing.T) {
	t.Parallel()
	d := baseDescriptor()
	d.Tokens[0].Label = "true"
	d.Tokens[1].Label = "false"
	m, err := Resolve(d, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.YesTokenID != "yes-token" || m.NoTokenID != "no-token" {
		t.Fatalf("unexpected token mapping: yes=%s no=%s", m.YesTokenID, m.NoTokenID)
	}
}

func TestResolvePermissiveAcceptsNumericLabels(t *testing.T) {
	t.Parallel()
	d := baseDescriptor()
	d.Tokens[0].Label = "1"
	d.Tokens[1].Label = "0"
	if _, err := Resolve(d, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveRejectsUnrecognizedLabel(t *testing.T) {
	t.Parallel()
	d := baseDescriptor()
	d.Tokens[1].Label = "maybe"
	if _, err := Resolve(d, false); err == nil {
		t.Fatal("expected error for unrecognized label")
	}
}

func TestResolveRejectsCollidingLabels(t *testing.T) {
	t.Parallel()
	d := baseDescriptor()
	d.Tokens[1].Label = "yes"
	if _, err := Resolve(d, true); err == nil {
		t.Fatal("expected error when both tokens resolve to YES")
	}
}

func TestResolveDefaultsMissingTickSize(t *testing.T) {
	t.Parallel()
	d := baseDescriptor()
	d.TickSize = ""
	m, err := Resolve(d, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.TickSize != venue.Tick0001 {
		t.Fatalf("tick size = %q, want default %q", m.TickSize, venue.Tick0001)
	}
}

func TestNewSkipsInvalidDescriptorsAndReportsErrors(t *testing.T) {
	t.Parallel()
	good := baseDescriptor()
	bad := baseDescriptor()
	bad.MarketID = "m2"
	bad.Tokens = bad.Tokens[:1]

	r, errs := New([]venue.MarketDescriptor{good, bad}, true)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
	if len(r.All()) != 1 {
		t.Fatalf("expected 1 resolved market, got %d", len(r.All()))
	}
	if _, ok := r.Get("m2"); ok {
		t.Fatal("invalid descriptor should not be present in the registry")
	}
}

func TestNewMarketsStartEnabled(t *testing.T) {
	t.Parallel()
	r, _ := New([]venue.MarketDescriptor{baseDescriptor()}, true)
	if !r.IsEnabled("m1") {
		t.Fatal("expected market to start enabled")
	}
}

func TestSetEnabledTogglesKnownMarket(t *testing.T) {
	t.Parallel()
	r, _ := New([]venue.MarketDescriptor{baseDescriptor()}, true)
	if !r.SetEnabled("m1", false) {
		t.Fatal("expected SetEnabled to succeed for a known market")
	}
	if r.IsEnabled("m1") {
		t.Fatal("expected market to be disabled")
	}
}

func TestSetEnabledUnknownMarketReturnsFalse(t *testing.T) {
	t.Parallel()
	r, _ := New([]venue.MarketDescriptor{baseDescriptor()}, true)
	if r.SetEnabled("does-not-exist", true) {
		t.Fatal("expected SetEnabled to fail for an unknown market")
	}
}

func TestMarketForTokenResolvesBothLegs(t *testing.T) {
	t.Parallel()
	r, _ := New([]venue.MarketDescriptor{baseDescriptor()}, true)
	for _, tok := range []string{"yes-token", "no-token"} {
		id, ok := r.MarketForToken(tok)
		if !ok || id != "m1" {
			t.Fatalf("MarketForToken(%q) = (%q, %v), want (m1, true)", tok, id, ok)
		}
	}
}

func TestEnabledMarketsExcludesDisabled(t *testing.T) {
	t.Parallel()
	d2 := baseDescriptor()
	d2.MarketID = "m2"
	d2.Tokens = []venue.TokenDescriptor{
		{TokenID: "yes-token-2", Label: "yes"},
		{TokenID: "no-token-2", Label: "no"},
	}
	r, _ := New([]venue.MarketDescriptor{baseDescriptor(), d2}, true)
	r.SetEnabled("m2", false)

	enabled := r.EnabledMarkets()
	if len(enabled) != 1 || enabled[0] != "m1" {
		t.Fatalf("enabled markets = %v, want [m1]", enabled)
	}
}
