// Package metrics implements the observability Sink the engine records
// submit/cancel latency, edge predicted-vs-realised, and safety-mode
// transitions through. Two implementations share one interface: Prometheus
// for live mode (pack: "sawpanic-cryptorun", "mselser95-polymarket-arb",
// "autovant-trading-bot" all list prometheus/client_golang in go.mod; the
// GaugeVec/HistogramVec/CounterVec-with-labels shape below follows
// other_examples/41eb3b21_autovant-trading-bot__execution_service.go.go),
// and an in-memory recorder for backtest mode and tests, where standing up
// a Prometheus registry per run would be wasted ceremony.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is what the rest of the engine observes metrics through. Labels are
// passed as alternating key/value pairs (name, value, name, value, ...) so
// call sites that have no labels can omit them entirely.
type Sink interface {
	IncCounter(name string, labels ...string)
	ObserveLatency(name string, d time.Duration, labels ...string)
	SetGauge(name string, value float64, labels ...string)
}

// Prometheus implements Sink against a prometheus.Registerer. Vecs are
// created lazily per metric name on first observation and keyed by the
// label names seen on that first call; every subsequent call for the same
// name must pass the same label keys, in the same order, matching how
// prometheus.CounterVec itself works.
type Prometheus struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheus constructs a Prometheus sink registered against reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	return &Prometheus{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func labelPairs(labels []string) (keys, values []string) {
	for i := 0; i+1 < len(labels); i += 2 {
		keys = append(keys, labels[i])
		values = append(values, labels[i+1])
	}
	return keys, values
}

func (p *Prometheus) IncCounter(name string, labels ...string) {
	keys, values := labelPairs(labels)

	p.mu.Lock()
	cv, ok := p.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, keys)
		p.reg.MustRegister(cv)
		p.counters[name] = cv
	}
	p.mu.Unlock()

	cv.WithLabelValues(values...).Inc()
}

func (p *Prometheus) ObserveLatency(name string, d time.Duration, labels ...string) {
	keys, values := labelPairs(labels)

	p.mu.Lock()
	hv, ok := p.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Buckets: prometheus.DefBuckets}, keys)
		p.reg.MustRegister(hv)
		p.histograms[name] = hv
	}
	p.mu.Unlock()

	hv.WithLabelValues(values...).Observe(d.Seconds())
}

func (p *Prometheus) SetGauge(name string, value float64, labels ...string) {
	keys, values := labelPairs(labels)

	p.mu.Lock()
	gv, ok := p.gauges[name]
	if !ok {
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, keys)
		p.reg.MustRegister(gv)
		p.gauges[name] = gv
	}
	p.mu.Unlock()

	gv.WithLabelValues(values...).Set(value)
}

var _ Sink = (*Prometheus)(nil)

// Memory is an in-memory Sink for backtest mode and tests: no registry, no
// collision between concurrent test runs each wanting their own "orders
// submitted" counter.
type Memory struct {
	mu        sync.Mutex
	counters  map[string]float64
	latencies map[string][]time.Duration
	gauges    map[string]float64
}

// NewMemory constructs an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{
		counters:  make(map[string]float64),
		latencies: make(map[string][]time.Duration),
		gauges:    make(map[string]float64),
	}
}

func (m *Memory) IncCounter(name string, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
}

func (m *Memory) ObserveLatency(name string, d time.Duration, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies[name] = append(m.latencies[name], d)
}

func (m *Memory) SetGauge(name string, value float64, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// Counter returns the current value of a named counter, ignoring labels
// (Memory does not partition by label, unlike Prometheus).
func (m *Memory) Counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Latencies returns every observed duration for a named histogram, in
// observation order.
func (m *Memory) Latencies(name string) []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.latencies[name]))
	copy(out, m.latencies[name])
	return out
}

// Gauge returns the last value set for a named gauge.
func (m *Memory) Gauge(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}

var _ Sink = (*Memory)(nil)
