package watchdog

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"arb-core/internal/config"
	"arb-core/internal/risk"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestManager() *risk.Manager {
	return risk.NewManager(config.RiskConfig{HourlyLossLimit: -1000, DailyLossLimit: -1000, MaxDrawdown: 1, MaxRejectRatio: 1, RejectWindow: time.Minute}, false, testLogger())
}

func TestCheckOnceStaysRunningWithinTimeout(t *testing.T) {
	t.Parallel()
	rm := newTestManager()
	w := New(config.WatchdogConfig{UserWSTimeout: time.Minute}, rm, testLogger())

	w.checkOnce(time.Now().Add(30 * time.Second))
	if rm.Mode() != risk.Running {
		t.Fatalf("mode = %v, want RUNNING", rm.Mode())
	}
}

func TestCheckOnceTripsFlattenPastTimeout(t *testing.T) {
	t.Parallel()
	rm := newTestManager()
	w := New(config.WatchdogConfig{UserWSTimeout: time.Minute}, rm, testLogger())

	w.checkOnce(time.Now().Add(2 * time.Minute))
	if rm.Mode() != risk.Flattening {
		t.Fatalf("mode = %v, want FLATTENING", rm.Mode())
	}
}

func TestCheckOnceIgnoredWhenNotRunning(t *testing.T) {
	t.Parallel()
	rm := newTestManager()
	if err := rm.Pause(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := New(config.WatchdogConfig{UserWSTimeout: time.Minute}, rm, testLogger())

	w.checkOnce(time.Now().Add(2 * time.Minute))
	if rm.Mode() != risk.Paused {
		t.Fatalf("mode = %v, want PAUSED (watchdog only trips from RUNNING)", rm.Mode())
	}
}

func TestCheckOnceTripsOnlyOnce(t *testing.T) {
	t.Parallel()
	rm := newTestManager()
	w := New(config.WatchdogConfig{UserWSTimeout: time.Minute}, rm, testLogger())

	w.checkOnce(time.Now().Add(2 * time.Minute))
	<-rm.TripCh()
	if err := rm.EnterSafe(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w.checkOnce(time.Now().Add(3 * time.Minute))
	select {
	case sig := <-rm.TripCh():
		t.Fatalf("expected no second trip signal, got %+v", sig)
	default:
	}
}

func TestHeartbeatResetsSilenceWindow(t *testing.T) {
	t.Parallel()
	rm := newTestManager()
	w := New(config.WatchdogConfig{UserWSTimeout: time.Minute}, rm, testLogger())

	now := time.Now()
	w.Heartbeat(now)
	w.checkOnce(now.Add(30 * time.Second))
	if rm.Mode() != risk.Running {
		t.Fatalf("mode = %v, want RUNNING after fresh heartbeat", rm.Mode())
	}
}

func TestResetClearsTrippedLatch(t *testing.T) {
	t.Parallel()
	rm := newTestManager()
	w := New(config.WatchdogConfig{UserWSTimeout: time.Minute}, rm, testLogger())

	w.checkOnce(time.Now().Add(2 * time.Minute))
	if !w.tripped {
		t.Fatal("expected tripped latch set after first trip")
	}
	w.Reset()
	if w.tripped {
		t.Fatal("expected Reset to clear the tripped latch")
	}
}
