// Package order implements OrderManager: the order lifecycle state machine,
// semantic-fingerprint dedupe, churn governor, TTL scanning, and adaptive
// rate limiting (spec §4.6).
//
// The adaptive token bucket is adapted from the teacher's
// internal/exchange/ratelimit.go almost unchanged — continuous fractional
// refill already matches what spec §4.6 wants — with one addition the
// teacher didn't need: the rate multiplicatively halves on every failed
// submit or cancel dispatch. AdaptiveBucket.RecoverStep restores it
// additively, but Manager never calls RecoverStep, so a halved rate stays
// at its reduced value for the life of the Manager.
package order

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arb-core/internal/config"
	"arb-core/pkg/venue"
)

// Status is a point in the order lifecycle (spec §3). Transitions are
// monotone: there is no path back out of CANCELLED, FILLED, or REJECTED.
type Status string

const (
	PendingSubmit   Status = "PENDING_SUBMIT"
	Live            Status = "LIVE"
	PartiallyFilled Status = "PARTIALLY_FILLED"
	Cancelling      Status = "CANCELLING"
	Cancelled       Status = "CANCELLED"
	Filled          Status = "FILLED"
	Rejected        Status = "REJECTED"
)

var terminal = map[Status]bool{Cancelled: true, Filled: true, Rejected: true}

// Intent is a candidate order before quantisation and fingerprinting
// (spec §3's OrderIntent).
type Intent struct {
	MarketID      string
	TokenID       string
	Side          string // "BUY" or "SELL"
	Price         decimal.Decimal
	Size          decimal.Decimal
	Purpose       string           // ARB_ENTRY | UNWIND
	OrderType     venue.OrderType  // zero value treated as GTC by the venue client
	CorrelationID string
}

// Order is a single tracked order (spec §3).
type Order struct {
	ClientOrderID string
	VenueOrderID  string
	Fingerprint   string
	MarketID      string
	TokenID       string
	Side          string
	Price         decimal.Decimal
	Size          decimal.Decimal
	RemainingSize decimal.Decimal
	Status        Status
	Purpose       string
	CorrelationID string
	CreatedAt     time.Time
	LastUpdateAt  time.Time
	TTL           time.Duration
}

// Fill is a single execution against a tracked order (spec §3).
type Fill struct {
	Ts            time.Time
	ClientOrderID string
	Price         decimal.Decimal
	Size          decimal.Decimal
	Fee           decimal.Decimal
}

// VenueClient abstracts the signing+REST collaborator (internal/restclient,
// internal/signer) behind the interface OrderManager actually needs.
type VenueClient interface {
	SubmitOrder(ctx context.Context, clientOrderID string, intent Intent) (venueOrderID string, err error)
	CancelOrder(ctx context.Context, venueOrderID string) error
}

// ErrDuplicateIntent is returned (informationally; never surfaced as a
// failure) when Submit drops an intent whose fingerprint matches a live order.
var ErrDuplicateIntent = fmt.Errorf("order: duplicate intent, dropped")

// ErrChurnLimitExceeded is returned when a market's cancel rate in the
// current window exceeds max_cancels_per_window.
type ErrChurnLimitExceeded struct{ MarketID string }

func (e ErrChurnLimitExceeded) Error() string {
	return fmt.Sprintf("order: churn limit exceeded for market %s", e.MarketID)
}

// RejectedErr wraps a venue rejection reason surfaced to the caller via the
// SubmitResult channel.
type RejectedErr struct{ Reason string }

func (e RejectedErr) Error() string { return "order: rejected: " + e.Reason }

// SubmitResult is delivered on Results() once a dispatched submit completes.
type SubmitResult struct {
	Order *Order
	Err   error
}

// CancelResult is delivered on CancelResults() once a dispatched cancel completes.
type CancelResult struct {
	Order *Order
	Err   error
}

// Manager owns every live Order and enforces spec §4.6's submit pipeline.
type Manager struct {
	cfg    config.OrderConfig
	client VenueClient
	logger *slog.Logger

	clock func() time.Time

	submitBucket *AdaptiveBucket
	cancelBucket *AdaptiveBucket
	sem          chan struct{}

	mu           sync.Mutex
	orders       map[string]*Order // clientOrderID -> Order
	fingerprints map[string]string // fingerprint -> clientOrderID, live orders only
	cancelTimes  map[string][]time.Time // marketID -> recent cancel dispatch timestamps

	results       chan SubmitResult
	cancelResults chan CancelResult
}

// Option configures optional Manager behavior beyond the required
// constructor arguments.
type Option func(*Manager)

// WithClock overrides the source of CreatedAt/LastUpdateAt timestamps.
// Only BacktestHarness needs this, to keep order timestamps on the replay's
// virtual clock instead of wall time; live callers never need to pass it.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.clock = now }
}

// New constructs an OrderManager. cfg.WorkerPoolSize bounds concurrent
// signing+submission dispatches.
func New(cfg config.OrderConfig, client VenueClient, logger *slog.Logger, opts ...Option) *Manager {
	pool := cfg.WorkerPoolSize
	if pool <= 0 {
		pool = 8
	}
	m := &Manager{
		cfg:           cfg,
		client:        client,
		logger:        logger.With("component", "order"),
		clock:         time.Now,
		submitBucket:  NewAdaptiveBucket(cfg.SubmitBurst, cfg.SubmitRateNominal),
		cancelBucket:  NewAdaptiveBucket(cfg.CancelBurst, cfg.CancelRateNominal),
		sem:           make(chan struct{}, pool),
		orders:        make(map[string]*Order),
		fingerprints:  make(map[string]string),
		cancelTimes:   make(map[string][]time.Time),
		results:       make(chan SubmitResult, 64),
		cancelResults: make(chan CancelResult, 64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Results returns the channel submit completions are published to.
func (m *Manager) Results() <-chan SubmitResult { return m.results }

// CancelResults returns the channel cancel completions are published to.
func (m *Manager) CancelResults() <-chan CancelResult { return m.cancelResults }

// Fingerprint computes spec §3's semantic fingerprint:
// hash(market_id, token_id, side, quantised_price, quantised_size, purpose).
func Fingerprint(marketID, tokenID, side string, price, size decimal.Decimal, purpose string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s", marketID, tokenID, side, price.String(), size.String(), purpose)
	return hex.EncodeToString(h.Sum(nil))
}

// Quantise rounds a value to the nearest multiple of step (tick or lot size).
func Quantise(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	return value.DivRound(step, 0).Mul(step)
}

// Submit runs spec §4.6's submit pipeline: quantise, fingerprint, dedupe,
// churn governor, rate limit, mint id, dispatch. A silently-dropped
// duplicate returns (nil, ErrDuplicateIntent); callers should treat that as
// a no-op, not a failure.
func (m *Manager) Submit(ctx context.Context, intent Intent, tickSize, lotSize decimal.Decimal) (*Order, error) {
	qPrice := Quantise(intent.Price, tickSize)
	qSize := Quantise(intent.Size, lotSize)
	fp := Fingerprint(intent.MarketID, intent.TokenID, intent.Side, qPrice, qSize, intent.Purpose)

	m.mu.Lock()
	if _, live := m.fingerprints[fp]; live {
		m.mu.Unlock()
		return nil, ErrDuplicateIntent
	}
	if m.churnExceededLocked(intent.MarketID) {
		m.mu.Unlock()
		return nil, ErrChurnLimitExceeded{MarketID: intent.MarketID}
	}
	m.mu.Unlock()

	if err := m.submitBucket.Wait(ctx); err != nil {
		return nil, err
	}

	clientOrderID := uuid.NewString()
	now := m.clock()
	ord := &Order{
		ClientOrderID: clientOrderID,
		Fingerprint:   fp,
		MarketID:      intent.MarketID,
		TokenID:       intent.TokenID,
		Side:          intent.Side,
		Price:         qPrice,
		Size:          qSize,
		RemainingSize: qSize,
		Status:        PendingSubmit,
		Purpose:       intent.Purpose,
		CorrelationID: intent.CorrelationID,
		CreatedAt:     now,
		LastUpdateAt:  now,
		TTL:           m.cfg.TTL,
	}

	m.mu.Lock()
	m.orders[clientOrderID] = ord
	m.fingerprints[fp] = clientOrderID
	m.mu.Unlock()

	m.dispatchSubmit(ctx, ord, intent)
	return ord, nil
}

func (m *Manager) dispatchSubmit(ctx context.Context, ord *Order, intent Intent) {
	m.sem <- struct{}{}
	go func() {
		defer func() { <-m.sem }()

		venueOrderID, err := m.client.SubmitOrder(ctx, ord.ClientOrderID, intent)

		m.mu.Lock()
		defer m.mu.Unlock()
		if err != nil {
			m.submitBucket.OnReject()
			m.transitionLocked(ord, Rejected)
			m.results <- SubmitResult{Order: ord, Err: err}
			return
		}
		ord.VenueOrderID = venueOrderID
		m.transitionLocked(ord, Live)
		m.results <- SubmitResult{Order: ord}
	}()
}

// OnFill applies a private-stream fill to the owning order: reduces
// remaining_size, transitions to FILLED at zero (spec §4.6 on_fill).
func (m *Manager) OnFill(f Fill) (*Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ord, ok := m.orders[f.ClientOrderID]
	if !ok {
		return nil, false
	}
	ord.RemainingSize = ord.RemainingSize.Sub(f.Size)
	if ord.RemainingSize.IsNegative() {
		ord.RemainingSize = decimal.Zero
	}
	if ord.RemainingSize.IsZero() {
		m.transitionLocked(ord, Filled)
	} else {
		m.transitionLocked(ord, PartiallyFilled)
	}
	return ord, true
}

// OnCancelAck transitions CANCELLING->CANCELLED.
func (m *Manager) OnCancelAck(clientOrderID string) (*Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ord, ok := m.orders[clientOrderID]
	if !ok {
		return nil, false
	}
	m.transitionLocked(ord, Cancelled)
	return ord, true
}

// RequestCancel dispatches a cancel for a single order, recording the
// attempt against the market's churn window.
func (m *Manager) RequestCancel(ctx context.Context, clientOrderID string) error {
	m.mu.Lock()
	ord, ok := m.orders[clientOrderID]
	if !ok || terminal[ord.Status] {
		m.mu.Unlock()
		return fmt.Errorf("order: %s not live", clientOrderID)
	}
	m.transitionLocked(ord, Cancelling)
	m.recordCancelLocked(ord.MarketID)
	m.mu.Unlock()

	if err := m.cancelBucket.Wait(ctx); err != nil {
		return err
	}
	m.dispatchCancel(ctx, ord)
	return nil
}

func (m *Manager) dispatchCancel(ctx context.Context, ord *Order) {
	m.sem <- struct{}{}
	go func() {
		defer func() { <-m.sem }()
		err := m.client.CancelOrder(ctx, ord.VenueOrderID)
		if err != nil {
			m.cancelBucket.OnReject()
			m.cancelResults <- CancelResult{Order: ord, Err: err}
			return
		}
		m.OnCancelAck(ord.ClientOrderID)
		m.cancelResults <- CancelResult{Order: ord}
	}()
}

// TTLScan transitions any LIVE order older than its TTL to CANCELLING and
// dispatches the cancel (spec §4.6 ttl_scan).
func (m *Manager) TTLScan(ctx context.Context, now time.Time) []string {
	m.mu.Lock()
	var toCancel []string
	for id, ord := range m.orders {
		if ord.Status == Live && ord.TTL > 0 && now.Sub(ord.CreatedAt) >= ord.TTL {
			toCancel = append(toCancel, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toCancel {
		_ = m.RequestCancel(ctx, id)
	}
	return toCancel
}

// FlattenCancelAll cancels every LIVE/PARTIALLY_FILLED order matching
// marketID (empty string = all markets), per spec §4.6/§4.8.
func (m *Manager) FlattenCancelAll(ctx context.Context, marketID string) []string {
	m.mu.Lock()
	var toCancel []string
	for id, ord := range m.orders {
		if (ord.Status == Live || ord.Status == PartiallyFilled) &&
			(marketID == "" || ord.MarketID == marketID) {
			toCancel = append(toCancel, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toCancel {
		_ = m.RequestCancel(ctx, id)
	}
	return toCancel
}

// Get returns a snapshot copy of a tracked order.
func (m *Manager) Get(clientOrderID string) (Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ord, ok := m.orders[clientOrderID]
	if !ok {
		return Order{}, false
	}
	return *ord, true
}

// LiveOrders returns every order not yet in a terminal state.
func (m *Manager) LiveOrders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, ord := range m.orders {
		if !terminal[ord.Status] {
			out = append(out, *ord)
		}
	}
	return out
}

// AllOrders returns a snapshot copy of every order ever tracked, live or
// terminal. BacktestHarness uses this at replay end to classify final
// fill/cancel/reject ratios; live callers have no use for it over
// LiveOrders and Get.
func (m *Manager) AllOrders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, 0, len(m.orders))
	for _, ord := range m.orders {
		out = append(out, *ord)
	}
	return out
}

// transitionLocked enforces the monotone lifecycle: no transition may leave
// a terminal state. mu must be held.
func (m *Manager) transitionLocked(ord *Order, to Status) {
	if terminal[ord.Status] {
		return
	}
	// Cancelling or terminal means the order stops being dedupe-relevant.
	if to == Cancelling || terminal[to] {
		delete(m.fingerprints, ord.Fingerprint)
	}
	ord.Status = to
	ord.LastUpdateAt = m.clock()
}

func (m *Manager) recordCancelLocked(marketID string) {
	m.cancelTimes[marketID] = append(m.cancelTimes[marketID], m.clock())
}

func (m *Manager) churnExceededLocked(marketID string) bool {
	if m.cfg.MaxCancelsPerWindow <= 0 {
		return false
	}
	cutoff := m.clock().Add(-m.cfg.ChurnWindow)
	times := m.cancelTimes[marketID]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.cancelTimes[marketID] = kept
	return len(kept) >= m.cfg.MaxCancelsPerWindow
}
