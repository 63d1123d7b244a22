package monitor

import (
	"log"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"futures-core/internal/events"
)

const namespace = "futures_core"

// SystemMetrics tracks pipeline and execution counters. Every counter is a
// Prometheus collector on a private registry, served by Handler; the JSON
// snapshot reads the same collectors.
type SystemMetrics struct {
	registry *prometheus.Registry

	// Latency histograms
	OrderLatency    *LatencyHistogram
	DecisionLatency *LatencyHistogram
	FanOutLatency   *LatencyHistogram
	APILatency      *LatencyHistogram

	// Counters
	ticksProcessed   prometheus.Counter
	barsClosed       prometheus.Counter
	decisions        prometheus.Counter
	actionable       prometheus.Counter
	orders           *prometheus.CounterVec
	exits            prometheus.Counter
	externalAccepted prometheus.Counter
	reconnects       prometheus.Counter
	errorsCount      prometheus.Counter
	apiRequests      prometheus.Counter
	apiErrors        prometheus.Counter
	drops            *prometheus.CounterVec
	plantConnected   *prometheus.GaugeVec

	mu      sync.RWMutex
	reasons map[string]struct{}
	busOnce sync.Once

	startedAt time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample. Samples are
// also observed, in seconds, by the Prometheus histogram when one is set.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
	observer    prometheus.Observer
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func latency(name, help string, buckets []float64) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets})
}

// NewSystemMetrics creates a new metrics instance with its own registry.
func NewSystemMetrics() *SystemMetrics {
	fast := prometheus.ExponentialBuckets(0.0005, 2, 14) // 0.5ms .. ~4s
	orderH := latency("order_latency_seconds", "Per-account order submission latency.", fast)
	decisionH := latency("decision_latency_seconds", "Bar close to dispatched decision.", fast)
	fanOutH := latency("fan_out_latency_seconds", "Whole fan-out latency across a sync group.", fast)
	apiH := latency("api_latency_seconds", "HTTP request latency.", prometheus.DefBuckets)

	m := &SystemMetrics{
		registry:        prometheus.NewRegistry(),
		OrderLatency:    newObservedHistogram(1000, orderH),
		DecisionLatency: newObservedHistogram(1000, decisionH),
		FanOutLatency:   newObservedHistogram(1000, fanOutH),
		APILatency:      newObservedHistogram(1000, apiH),

		ticksProcessed:   counter("ticks_total", "Trade prints folded into bars."),
		barsClosed:       counter("bars_closed_total", "Bars closed across all symbols."),
		decisions:        counter("decisions_total", "Decisions evaluated on closed bars."),
		actionable:       counter("decisions_actionable_total", "Decisions with a BUY or SELL side."),
		exits:            counter("exits_total", "Positions closed by the exit manager or a resting leg."),
		externalAccepted: counter("external_signals_accepted_total", "External signals admitted."),
		reconnects:       counter("reconnects_total", "Broker plant reconnects."),
		errorsCount:      counter("errors_total", "Broker-side order errors."),
		apiRequests:      counter("api_requests_total", "HTTP requests served."),
		apiErrors:        counter("api_errors_total", "HTTP requests answered with 4xx or 5xx."),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fan_out_accounts_total", Help: "Per-account fan-out outcomes.",
		}, []string{"outcome"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "drops_total", Help: "Decisions or accounts withheld, by reason.",
		}, []string{"reason"}),
		plantConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "plant_connected", Help: "1 while a broker plant is connected.",
		}, []string{"plant"}),

		reasons:   make(map[string]struct{}),
		startedAt: time.Now(),
	}

	m.registry.MustRegister(
		orderH, decisionH, fanOutH, apiH,
		m.ticksProcessed, m.barsClosed, m.decisions, m.actionable, m.exits,
		m.externalAccepted, m.reconnects, m.errorsCount, m.apiRequests, m.apiErrors,
		m.orders, m.drops, m.plantConnected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

func newObservedHistogram(size int, obs prometheus.Observer) *LatencyHistogram {
	h := NewLatencyHistogram(size)
	h.observer = obs
	return h
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	if h.observer != nil {
		h.observer.Observe(latencyMs / 1000)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *SystemMetrics) IncrementTicks()      { m.ticksProcessed.Inc() }
func (m *SystemMetrics) IncrementBars()       { m.barsClosed.Inc() }
func (m *SystemMetrics) IncrementExits()      { m.exits.Inc() }
func (m *SystemMetrics) IncrementReconnects() { m.reconnects.Inc() }
func (m *SystemMetrics) IncrementErrors()     { m.errorsCount.Inc() }
func (m *SystemMetrics) IncrementExternal()   { m.externalAccepted.Inc() }
func (m *SystemMetrics) IncrementAPI()        { m.apiRequests.Inc() }
func (m *SystemMetrics) IncrementAPIErrors()  { m.apiErrors.Inc() }

// RecordDecision counts a decision, and an actionable one separately.
func (m *SystemMetrics) RecordDecision(actionable bool) {
	m.decisions.Inc()
	if actionable {
		m.actionable.Inc()
	}
}

// RecordOrders counts fan-out outcomes.
func (m *SystemMetrics) RecordOrders(submitted, failed int) {
	m.orders.WithLabelValues("submitted").Add(float64(submitted))
	m.orders.WithLabelValues("failed").Add(float64(failed))
}

// RecordDrop counts a policy drop by reason code.
func (m *SystemMetrics) RecordDrop(reason string) {
	m.drops.WithLabelValues(reason).Inc()
	m.mu.RLock()
	_, known := m.reasons[reason]
	m.mu.RUnlock()
	if !known {
		m.mu.Lock()
		m.reasons[reason] = struct{}{}
		m.mu.Unlock()
	}
}

// SetPlantState records whether a broker plant is connected.
func (m *SystemMetrics) SetPlantState(plant string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	m.plantConnected.WithLabelValues(plant).Set(v)
}

// WatchBus exports the bus's dropped-delivery count. Only the first bus
// is watched.
func (m *SystemMetrics) WatchBus(bus *events.Bus) {
	m.busOnce.Do(func() {
		err := m.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_dropped_total", Help: "Event deliveries dropped for slow subscribers.",
		}, func() float64 { return float64(bus.Dropped()) }))
		if err != nil {
			log.Printf("⚠️ bus metrics not registered: %v", err)
		}
	})
}

// Registry exposes the collectors for gathering.
func (m *SystemMetrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *SystemMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// value reads the current value of a counter or gauge.
func value(c prometheus.Metric) uint64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	switch {
	case pb.Counter != nil:
		return uint64(pb.Counter.GetValue())
	case pb.Gauge != nil:
		return uint64(pb.Gauge.GetValue())
	}
	return 0
}

// MetricsSnapshot is a point-in-time view of the counters.
type MetricsSnapshot struct {
	OrderLatency     LatencyStats      `json:"order_latency"`
	DecisionLatency  LatencyStats      `json:"decision_latency"`
	FanOutLatency    LatencyStats      `json:"fan_out_latency"`
	APILatency       LatencyStats      `json:"api_latency"`
	TicksProcessed   uint64            `json:"ticks_processed"`
	BarsClosed       uint64            `json:"bars_closed"`
	Decisions        uint64            `json:"decisions"`
	Actionable       uint64            `json:"actionable"`
	OrdersSubmitted  uint64            `json:"orders_submitted"`
	OrdersFailed     uint64            `json:"orders_failed"`
	Exits            uint64            `json:"exits"`
	ExternalAccepted uint64            `json:"external_accepted"`
	Reconnects       uint64            `json:"reconnects"`
	ErrorsCount      uint64            `json:"errors_count"`
	APIRequests      uint64            `json:"api_requests"`
	APIErrors        uint64            `json:"api_errors"`
	Drops            map[string]uint64 `json:"drops"`
	GoroutineCount   int               `json:"goroutine_count"`
	HeapAlloc        uint64            `json:"heap_alloc_bytes"`
	Uptime           string            `json:"uptime"`
	Timestamp        time.Time         `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	drops := make(map[string]uint64, len(m.reasons))
	for r := range m.reasons {
		drops[r] = value(m.drops.WithLabelValues(r))
	}
	m.mu.RUnlock()

	return MetricsSnapshot{
		OrderLatency:     m.OrderLatency.Stats(),
		DecisionLatency:  m.DecisionLatency.Stats(),
		FanOutLatency:    m.FanOutLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		TicksProcessed:   value(m.ticksProcessed),
		BarsClosed:       value(m.barsClosed),
		Decisions:        value(m.decisions),
		Actionable:       value(m.actionable),
		OrdersSubmitted:  value(m.orders.WithLabelValues("submitted")),
		OrdersFailed:     value(m.orders.WithLabelValues("failed")),
		Exits:            value(m.exits),
		ExternalAccepted: value(m.externalAccepted),
		Reconnects:       value(m.reconnects),
		ErrorsCount:      value(m.errorsCount),
		APIRequests:      value(m.apiRequests),
		APIErrors:        value(m.apiErrors),
		Drops:            drops,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		Uptime:           time.Since(m.startedAt).Round(time.Second).String(),
		Timestamp:        time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
