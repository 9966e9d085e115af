package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMemoryIncCounterAccumulates(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	m.IncCounter("orders_submitted")
	m.IncCounter("orders_submitted")
	m.IncCounter("orders_submitted", "market", "m1")

	if got := m.Counter("orders_submitted"); got != 3 {
		t.Fatalf("counter = %v, want 3", got)
	}
}

func TestMemoryObserveLatencyPreservesOrder(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	m.ObserveLatency("submit_latency", 10*time.Millisecond)
	m.ObserveLatency("submit_latency", 20*time.Millisecond)

	got := m.Latencies("submit_latency")
	if len(got) != 2 || got[0] != 10*time.Millisecond || got[1] != 20*time.Millisecond {
		t.Fatalf("latencies = %v, want [10ms 20ms]", got)
	}
}

func TestMemorySetGaugeKeepsLastValue(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	m.SetGauge("edge_bps", 12.5)
	m.SetGauge("edge_bps", 9.1)

	if got := m.Gauge("edge_bps"); got != 9.1 {
		t.Fatalf("gauge = %v, want 9.1", got)
	}
}

func TestMemoryCounterUnobservedNameIsZero(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	if got := m.Counter("never_incremented"); got != 0 {
		t.Fatalf("counter = %v, want 0", got)
	}
}

func TestPrometheusRegistersVecsLazilyPerName(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.IncCounter("orders_submitted", "market", "m1")
	p.IncCounter("orders_submitted", "market", "m1")
	p.ObserveLatency("submit_latency", 5*time.Millisecond, "market", "m1")
	p.SetGauge("edge_bps", 42, "market", "m1")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(families) != 3 {
		t.Fatalf("metric families = %d, want 3", len(families))
	}
}

func TestPrometheusSameNameReusesVec(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.IncCounter("orders_submitted", "market", "m1")
	p.IncCounter("orders_submitted", "market", "m2")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(families) != 1 {
		t.Fatalf("metric families = %d, want 1 (one vec, two label combos)", len(families))
	}
	if len(families[0].GetMetric()) != 2 {
		t.Fatalf("metric series = %d, want 2", len(families[0].GetMetric()))
	}
}
