// Package edgequality implements EdgeDecayGuard: a per-market bounded ring of
// (predicted_edge, realised_edge) pairs that disables a market's strategy
// gate once realised edge consistently falls short of what was predicted.
//
// The bounded-ring-with-eviction shape and the rolling-window
// mean/ratio computation are grounded on the teacher's
// strategy/flow_tracker.go (evictStaleLocked, CalculateToxicity's
// score-from-window idiom), swapped from a fill-toxicity score to an
// edge-quality ratio and from time-bounded to count-bounded eviction, since
// EdgeDecayGuard's window is specified by sample count, not duration.
package edgequality

import (
	"sync"

	"github.com/shopspring/decimal"

	"arb-core/internal/config"
)

// roundTrip is one closed entry+exit pair's predicted vs realised edge.
type roundTrip struct {
	predicted decimal.Decimal
	realised  decimal.Decimal
}

// marketRing holds one market's bounded sample window plus its disabled latch.
type marketRing struct {
	samples  []roundTrip
	disabled bool
}

// Guard tracks edge quality per market and disables strategy evaluation for
// any market whose realised/predicted edge ratio falls below the configured
// floor once enough samples have accumulated.
type Guard struct {
	cfg config.EdgeQualityConfig

	mu      sync.Mutex
	markets map[string]*marketRing
}

// New constructs a Guard. Ring size and min trades default to spec values if
// left zero.
func New(cfg config.EdgeQualityConfig) *Guard {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 30
	}
	if cfg.MinTrades <= 0 {
		cfg.MinTrades = 30
	}
	return &Guard{cfg: cfg, markets: make(map[string]*marketRing)}
}

func (g *Guard) ringFor(marketID string) *marketRing {
	r, ok := g.markets[marketID]
	if !ok {
		r = &marketRing{}
		g.markets[marketID] = r
	}
	return r
}

// RecordRoundTrip appends a closed round trip's predicted/realised edge and
// re-evaluates the disable decision once the ring reaches MinTrades samples.
// Round trips recorded after a market is already disabled still accumulate,
// so a future `markets on` re-enable starts from fresh evidence rather than
// stale history alone — but the disable latch itself only ever flips to true
// here; only the `markets on` command clears it.
func (g *Guard) RecordRoundTrip(marketID string, predicted, realised decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.ringFor(marketID)
	r.samples = append(r.samples, roundTrip{predicted: predicted, realised: realised})
	if len(r.samples) > g.cfg.RingSize {
		r.samples = r.samples[len(r.samples)-g.cfg.RingSize:]
	}

	if len(r.samples) < g.cfg.MinTrades {
		return
	}
	quality := qualityOf(r.samples)
	if quality.LessThan(decimal.NewFromFloat(g.cfg.MinRatio)) {
		r.disabled = true
	}
}

// qualityOf computes mean(realised) / mean(predicted) over a window. A zero
// or negative predicted mean is treated as the worst possible quality
// (zero), since a ratio against zero or negative predicted edge is undefined
// and should not accidentally read as "healthy".
func qualityOf(samples []roundTrip) decimal.Decimal {
	var sumPredicted, sumRealised decimal.Decimal
	for _, s := range samples {
		sumPredicted = sumPredicted.Add(s.predicted)
		sumRealised = sumRealised.Add(s.realised)
	}
	if !sumPredicted.IsPositive() {
		return decimal.Zero
	}
	return sumRealised.Div(sumPredicted)
}

// IsDisabled reports whether a market's strategy gate is currently disabled
// for edge decay. Unknown markets are never disabled.
func (g *Guard) IsDisabled(marketID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.markets[marketID]
	return ok && r.disabled
}

// Enable clears the disable latch for a market, per the `markets on`
// command (spec §4.12). It does not clear recorded samples.
func (g *Guard) Enable(marketID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.markets[marketID]; ok {
		r.disabled = false
	}
}

// SampleCount reports how many round trips are held in a market's window.
func (g *Guard) SampleCount(marketID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.markets[marketID]
	if !ok {
		return 0
	}
	return len(r.samples)
}
