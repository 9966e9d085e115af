// Package slippage implements SlippageModel: a static size-impact estimate
// plus an adaptive layer that tracks realized fill slippage per market and
// raises the effective failure buffer when realized slippage outpaces the
// configured baseline (spec §4.3).
//
// The bounded-ring-with-eviction shape is grounded on the teacher's
// strategy/flow_tracker.go rolling fills window (evictStaleLocked); this
// package reuses that shape for a fixed-capacity ring of realized slippage
// samples instead of a time-bounded one, since spec §4.3 specifies the
// window by sample count ("rolling window (default 50)"), not by duration.
package slippage

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Config tunes the model. Mirrors internal/config.SlippageConfig.
type Config struct {
	BaseSlippage       decimal.Decimal
	SizeImpactK        decimal.Decimal
	FailureBuffer      decimal.Decimal // configured floor, never overridden
	WindowSize         int
	SlippageMultiplier decimal.Decimal
}

// Model estimates slippage(size) and adapts the effective failure buffer
// from realized fill slippage, independently per market.
type Model struct {
	cfg Config

	mu      sync.Mutex
	samples map[string][]decimal.Decimal // market id -> ring (fixed capacity, FIFO eviction)
}

// New constructs a Model.
func New(cfg Config) *Model {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 50
	}
	return &Model{cfg: cfg, samples: make(map[string][]decimal.Decimal)}
}

// Estimate returns slippage(size) = base_slippage + k * size_ratio, where
// size_ratio = size / top_level_size.
func (m *Model) Estimate(size, topLevelSize decimal.Decimal) decimal.Decimal {
	if topLevelSize.IsZero() {
		return m.cfg.BaseSlippage
	}
	sizeRatio := size.Div(topLevelSize)
	return m.cfg.BaseSlippage.Add(m.cfg.SizeImpactK.Mul(sizeRatio))
}

// RecordFill appends a realized |fill_price - intent_price| sample for a
// market, evicting the oldest sample once the ring reaches WindowSize.
func (m *Model) RecordFill(marketID string, fillPrice, intentPrice decimal.Decimal) {
	sample := fillPrice.Sub(intentPrice).Abs()

	m.mu.Lock()
	defer m.mu.Unlock()
	ring := m.samples[marketID]
	ring = append(ring, sample)
	if len(ring) > m.cfg.WindowSize {
		ring = ring[len(ring)-m.cfg.WindowSize:]
	}
	m.samples[marketID] = ring
}

// p95 computes the 95th percentile of a market's realized slippage ring.
// Returns zero if there are no samples yet.
func (m *Model) p95(marketID string) decimal.Decimal {
	ring := m.samples[marketID]
	if len(ring) == 0 {
		return decimal.Zero
	}
	sorted := make([]decimal.Decimal, len(ring))
	copy(sorted, ring)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	idx := int(float64(len(sorted)-1) * 0.95)
	return sorted[idx]
}

// EffectiveFailureBuffer returns max(configured_failure_buffer, p95 *
// slippage_multiplier). The configured baseline is a floor, never an
// override, per spec §4.3 and the invariant in spec §8.
func (m *Model) EffectiveFailureBuffer(marketID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	adaptive := m.p95(marketID).Mul(m.cfg.SlippageMultiplier)
	return decimal.Max(m.cfg.FailureBuffer, adaptive)
}

// SampleCount reports how many realized slippage samples are held for a market.
func (m *Model) SampleCount(marketID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples[marketID])
}
