// Package watchdog implements UserStreamWatchdog: a silence detector on the
// private (user) event stream that forces the engine into FLATTENING if the
// venue stops delivering order acks, fills, cancels, or rejects.
//
// The ticker-driven staleness check is grounded on the same idiom
// internal/risk.Manager.Run uses for its own periodic eviction: a single
// ticker loop selecting on ctx.Done() alongside the tick.
package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"arb-core/internal/config"
	"arb-core/internal/risk"
)

// Watchdog trips the risk manager's Flatten path if no private event arrives
// within the configured timeout while the engine is RUNNING.
type Watchdog struct {
	cfg     config.WatchdogConfig
	riskMgr *risk.Manager
	logger  *slog.Logger

	lastEventNanos int64 // atomic, unix nanos

	mu       sync.Mutex
	tripped  bool
}

// New constructs a Watchdog with the heartbeat initialized to now.
func New(cfg config.WatchdogConfig, riskMgr *risk.Manager, logger *slog.Logger) *Watchdog {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	w := &Watchdog{cfg: cfg, riskMgr: riskMgr, logger: logger.With("component", "watchdog")}
	w.Heartbeat(time.Now())
	return w
}

// Heartbeat records a private-stream event (ack, fill, cancel, reject).
func (w *Watchdog) Heartbeat(ts time.Time) {
	atomic.StoreInt64(&w.lastEventNanos, ts.UnixNano())
}

// LastEvent returns the timestamp of the most recent recorded heartbeat.
func (w *Watchdog) LastEvent() time.Time {
	return time.Unix(0, atomic.LoadInt64(&w.lastEventNanos))
}

// Run ticks at cfg.TickInterval, tripping the risk manager's Flatten path
// once silence exceeds cfg.UserWSTimeout while RUNNING. A very large
// UserWSTimeout effectively disables the watchdog.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkOnce(time.Now())
		}
	}
}

// checkOnce runs a single staleness evaluation; split out so tests can drive
// it deterministically without a real ticker.
func (w *Watchdog) checkOnce(now time.Time) {
	if w.riskMgr.Mode() != risk.Running {
		return
	}
	silence := now.Sub(w.LastEvent())
	if silence <= w.cfg.UserWSTimeout {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tripped {
		return
	}
	w.logger.Error("user stream silent past timeout, forcing flatten", "silence", silence, "timeout", w.cfg.UserWSTimeout)
	if err := w.riskMgr.Flatten("user stream silent for " + silence.String()); err != nil {
		w.logger.Error("watchdog flatten call failed", "err", err)
	}
	w.tripped = true
}

// Reset clears the tripped latch. The engine never calls it: SAFE is not
// left within a process, and a fresh process starts with a new, untripped
// Watchdog.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tripped = false
}
