// Package market implements MarketRegistry: eager validation and exposure
// of the YES/NO token pair for every configured market (spec §4.1).
//
// Grounded on the teacher's market/scanner.go filterMarkets eager-validation
// idiom, narrowed to the resolve-then-freeze shape spec §4.1 describes: a
// market either resolves cleanly at startup or is excluded entirely, and
// the resolved (yes, no) mapping never changes after that.
package market

import (
	"fmt"
	"strings"
	"sync"

	"arb-core/pkg/venue"
)

// Market is the validated, immutable result of resolving a MarketDescriptor.
// Its enabled flag is held by the Registry, not by Market.
type Market struct {
	ID          string
	Slug        string
	YesTokenID  string
	NoTokenID   string
	TickSize    venue.TickSize
	MinOrderSize float64
}

// strictLabels accepts only {yes, no}. permissiveLabels additionally accepts
// {true/false, y/n, 1/0}, per spec §4.1.
var strictLabels = map[string]string{
	"yes": "YES",
	"no":  "NO",
}

var permissiveLabels = map[string]string{
	"yes":   "YES",
	"no":    "NO",
	"true":  "YES",
	"false": "NO",
	"y":     "YES",
	"n":     "NO",
	"1":     "YES",
	"0":     "NO",
}

// resolveOutcome normalizes a label and returns "YES", "NO", or an error.
func resolveOutcome(label venue.OutcomeLabel, strict bool) (string, error) {
	key := strings.ToLower(strings.TrimSpace(string(label)))
	table := permissiveLabels
	if strict {
		table = strictLabels
	}
	outcome, ok := table[key]
	if !ok {
		return "", fmt.Errorf("unrecognized outcome label %q", label)
	}
	return outcome, nil
}

// Resolve validates a single market descriptor and produces its immutable
// Market record. It never mutates the descriptor and has no side effects.
func Resolve(desc venue.MarketDescriptor, strict bool) (Market, error) {
	if len(desc.Tokens) != 2 {
		return Market{}, fmt.Errorf("market %s: expected exactly 2 tokens, got %d", desc.MarketID, len(desc.Tokens))
	}

	resolved := make(map[string]string, 2) // outcome -> token id
	for _, t := range desc.Tokens {
		if t.TokenID == "" {
			return Market{}, fmt.Errorf("market %s: token id is empty", desc.MarketID)
		}
		outcome, err := resolveOutcome(t.Label, strict)
		if err != nil {
			return Market{}, fmt.Errorf("market %s: %w", desc.MarketID, err)
		}
		if _, dup := resolved[outcome]; dup {
			return Market{}, fmt.Errorf("market %s: labels collide on outcome %s", desc.MarketID, outcome)
		}
		resolved[outcome] = t.TokenID
	}

	yes, ok := resolved["YES"]
	if !ok {
		return Market{}, fmt.Errorf("market %s: no YES token resolved", desc.MarketID)
	}
	no, ok := resolved["NO"]
	if !ok {
		return Market{}, fmt.Errorf("market %s: no NO token resolved", desc.MarketID)
	}
	if yes == no {
		return Market{}, fmt.Errorf("market %s: YES and NO resolve to the same token", desc.MarketID)
	}

	tick := desc.TickSize
	if tick == "" {
		tick = venue.Tick0001
	}

	return Market{
		ID:           desc.MarketID,
		Slug:         desc.Slug,
		YesTokenID:   yes,
		NoTokenID:    no,
		TickSize:     tick,
		MinOrderSize: desc.MinOrderSize,
	}, nil
}

// entry pairs a resolved Market with its mutable enabled flag.
type entry struct {
	market  Market
	enabled bool
}

// Registry holds the validated mapping for every configured market and the
// per-market enabled flag toggled by the `markets on/off` command. The
// mapping itself is immutable once built by New.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry // market id -> entry
	tokenIdx map[string]string // token id -> market id, for WS event routing
}

// New validates every descriptor eagerly. Descriptors that fail validation
// are reported in the returned error slice but do not prevent the rest of
// the registry from being usable; the caller decides whether any failure
// is fatal at startup.
func New(descriptors []venue.MarketDescriptor, strict bool) (*Registry, []error) {
	r := &Registry{
		entries:  make(map[string]*entry),
		tokenIdx: make(map[string]string),
	}
	var errs []error
	for _, d := range descriptors {
		m, err := Resolve(d, strict)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.entries[m.ID] = &entry{market: m, enabled: true}
		r.tokenIdx[m.YesTokenID] = m.ID
		r.tokenIdx[m.NoTokenID] = m.ID
	}
	return r, errs
}

// Get returns the resolved market and whether it is known to the registry.
func (r *Registry) Get(marketID string) (Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[marketID]
	if !ok {
		return Market{}, false
	}
	return e.market, true
}

// IsEnabled reports whether a known market is currently enabled. Unknown
// markets report false.
func (r *Registry) IsEnabled(marketID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[marketID]
	return ok && e.enabled
}

// SetEnabled toggles the enabled flag. It never touches the yes/no mapping.
// Returns false if marketID is unknown.
func (r *Registry) SetEnabled(marketID string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[marketID]
	if !ok {
		return false
	}
	e.enabled = enabled
	return true
}

// MarketForToken reverse-looks-up which market owns a token id, for routing
// inbound WS events keyed by asset/token id.
func (r *Registry) MarketForToken(tokenID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.tokenIdx[tokenID]
	return id, ok
}

// EnabledMarkets returns the ids of every currently enabled market.
func (r *Registry) EnabledMarkets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e.enabled {
			out = append(out, id)
		}
	}
	return out
}

// All returns every known market, enabled or not.
func (r *Registry) All() []Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Market, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.market)
	}
	return out
}
