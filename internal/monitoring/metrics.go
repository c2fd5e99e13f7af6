package monitoring

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"admission-gateway/internal/admission"
)

// MetricType represents different types of metrics
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric represents a single metric
type Metric struct {
	Name       string                 `json:"name"`
	Type       MetricType             `json:"type"`
	Value      float64                `json:"value"`
	Labels     map[string]string      `json:"labels,omitempty"`
	Help       string                 `json:"help"`
	Timestamp  time.Time              `json:"timestamp"`
	Unit       string                 `json:"unit,omitempty"`
	Additional map[string]interface{} `json:"additional,omitempty"`
}

// MetricsRegistry manages all metrics. Series are keyed by name and labels,
// so asking for an existing series returns it instead of replacing it.
type MetricsRegistry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	funcs      map[string]*funcMetric
	collectors []func()
}

// NewMetricsRegistry creates a new metrics registry
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		funcs:      make(map[string]*funcMetric),
	}
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, labels[k])
	}
	return b.String()
}

// Counter represents a monotonically increasing counter
type Counter struct {
	name   string
	help   string
	value  int64
	labels map[string]string
}

func (mr *MetricsRegistry) NewCounter(name, help string, labels map[string]string) *Counter {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	key := seriesKey(name, labels)
	if c, ok := mr.counters[key]; ok {
		return c
	}
	counter := &Counter{
		name:   name,
		help:   help,
		labels: labels,
	}
	mr.counters[key] = counter
	return counter
}

func (c *Counter) Inc() {
	atomic.AddInt64(&c.value, 1)
}

func (c *Counter) Add(delta float64) {
	if delta < 0 {
		return
	}
	atomic.AddInt64(&c.value, int64(delta))
}

func (c *Counter) Get() float64 {
	return float64(atomic.LoadInt64(&c.value))
}

// Gauge represents a value that can go up and down
type Gauge struct {
	name   string
	help   string
	bits   atomic.Uint64
	labels map[string]string
}

func (mr *MetricsRegistry) NewGauge(name, help string, labels map[string]string) *Gauge {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	key := seriesKey(name, labels)
	if g, ok := mr.gauges[key]; ok {
		return g
	}
	gauge := &Gauge{
		name:   name,
		help:   help,
		labels: labels,
	}
	mr.gauges[key] = gauge
	return gauge
}

func (g *Gauge) Set(value float64) {
	g.bits.Store(math.Float64bits(value))
}

func (g *Gauge) Add(delta float64) {
	for {
		old := g.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if g.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (g *Gauge) Inc() { g.Add(1) }
func (g *Gauge) Dec() { g.Add(-1) }

func (g *Gauge) Get() float64 {
	return math.Float64frombits(g.bits.Load())
}

// Histogram tracks the distribution of values
type Histogram struct {
	name    string
	help    string
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
	labels  map[string]string
	mu      sync.Mutex
}

// DefaultBuckets suit request latencies in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// QueueWaitBuckets cover the backoff schedule of queued requests.
var QueueWaitBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 15, 20, 30, 60}

func (mr *MetricsRegistry) NewHistogram(name, help string, buckets []float64, labels map[string]string) *Histogram {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	key := seriesKey(name, labels)
	if h, ok := mr.histograms[key]; ok {
		return h
	}
	if buckets == nil {
		buckets = DefaultBuckets
	}
	histogram := &Histogram{
		name:    name,
		help:    help,
		buckets: buckets,
		counts:  make([]int64, len(buckets)+1), // +1 for +Inf bucket
		labels:  labels,
	}
	mr.histograms[key] = histogram
	return histogram
}

func (h *Histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.count++
	h.sum += value

	for i, bucket := range h.buckets {
		if value <= bucket {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++
}

// HistogramBucket is one cumulative bucket.
type HistogramBucket struct {
	UpperBound float64
	Count      int64
}

// Snapshot returns cumulative bucket counts, the sum and the count.
func (h *Histogram) Snapshot() ([]HistogramBucket, float64, int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]HistogramBucket, 0, len(h.buckets)+1)
	var cumulative int64
	for i, bound := range h.buckets {
		cumulative += h.counts[i]
		out = append(out, HistogramBucket{UpperBound: bound, Count: cumulative})
	}
	cumulative += h.counts[len(h.buckets)]
	out = append(out, HistogramBucket{UpperBound: math.Inf(1), Count: cumulative})
	return out, h.sum, h.count
}

// funcMetric reads its value at export time.
type funcMetric struct {
	name   string
	help   string
	typ    MetricType
	labels map[string]string
	fn     func() float64
}

// NewCounterFunc registers a counter whose value comes from fn, for totals
// kept elsewhere.
func (mr *MetricsRegistry) NewCounterFunc(name, help string, labels map[string]string, fn func() float64) {
	mr.registerFunc(name, help, MetricTypeCounter, labels, fn)
}

// NewGaugeFunc registers a gauge whose value comes from fn.
func (mr *MetricsRegistry) NewGaugeFunc(name, help string, labels map[string]string, fn func() float64) {
	mr.registerFunc(name, help, MetricTypeGauge, labels, fn)
}

func (mr *MetricsRegistry) registerFunc(name, help string, typ MetricType, labels map[string]string, fn func() float64) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.funcs[seriesKey(name, labels)] = &funcMetric{name: name, help: help, typ: typ, labels: labels, fn: fn}
}

// OnCollect registers fn to run before every snapshot, typically to refresh
// gauges from a single read of some source.
func (mr *MetricsRegistry) OnCollect(fn func()) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.collectors = append(mr.collectors, fn)
}

// GetAllMetrics returns all metrics as a snapshot, keyed by series.
func (mr *MetricsRegistry) GetAllMetrics() map[string]*Metric {
	mr.mu.RLock()
	collectors := append([]func(){}, mr.collectors...)
	mr.mu.RUnlock()
	for _, fn := range collectors {
		fn()
	}

	mr.mu.RLock()
	defer mr.mu.RUnlock()

	result := make(map[string]*Metric)
	now := time.Now()

	for key, counter := range mr.counters {
		result[key] = &Metric{
			Name:      counter.name,
			Type:      MetricTypeCounter,
			Value:     counter.Get(),
			Labels:    counter.labels,
			Help:      counter.help,
			Timestamp: now,
			Unit:      "total",
		}
	}

	for key, gauge := range mr.gauges {
		result[key] = &Metric{
			Name:      gauge.name,
			Type:      MetricTypeGauge,
			Value:     gauge.Get(),
			Labels:    gauge.labels,
			Help:      gauge.help,
			Timestamp: now,
		}
	}

	for key, histogram := range mr.histograms {
		buckets, sum, count := histogram.Snapshot()
		result[key] = &Metric{
			Name:      histogram.name,
			Type:      MetricTypeHistogram,
			Labels:    histogram.labels,
			Help:      histogram.help,
			Timestamp: now,
			Unit:      "seconds",
			Additional: map[string]interface{}{
				"buckets": buckets,
				"sum":     sum,
				"count":   count,
			},
		}
	}

	for key, f := range mr.funcs {
		result[key] = &Metric{
			Name:      f.name,
			Type:      f.typ,
			Value:     f.fn(),
			Labels:    f.labels,
			Help:      f.help,
			Timestamp: now,
		}
	}

	return result
}

// SchedulerSource is what the admission metrics read from the scheduler.
type SchedulerSource interface {
	Counters() admission.Counters
	Stats(topN int) admission.Stats
	QueueSaturation() float64
}

// AdmissionMetrics contains application-specific metrics
type AdmissionMetrics struct {
	registry *MetricsRegistry

	// HTTP metrics
	HTTPRequests     *Counter
	HTTPDuration     *Histogram
	HTTPResponseSize *Histogram

	// Admission metrics
	QueueWait *Histogram

	// Upstream metrics
	UpstreamRequests     *Counter
	UpstreamErrors       *Counter
	UpstreamDuration     *Histogram
	UpstreamThrottleWait *Histogram

	// gRPC metrics
	GRPCRequests *Counter
	GRPCErrors   *Counter

	// System metrics
	MemoryUsage    *Gauge
	GoroutineCount *Gauge
	GCDuration     *Histogram

	// Scheduler state, refreshed on collect
	TrackedIdentities *Gauge
	TotalQueued       *Gauge
	ActiveQueues      *Gauge
	DrainLoops        *Gauge
	BlacklistSize     *Gauge
	QueueSaturation   *Gauge
	AmnestyIn         *Gauge
}

// NewAdmissionMetrics creates application-specific metrics
func NewAdmissionMetrics() *AdmissionMetrics {
	registry := NewMetricsRegistry()

	return &AdmissionMetrics{
		registry: registry,

		HTTPRequests:     registry.NewCounter("admission_http_requests_total", "Total HTTP requests", nil),
		HTTPDuration:     registry.NewHistogram("admission_http_request_duration_seconds", "HTTP request duration", nil, nil),
		HTTPResponseSize: registry.NewHistogram("admission_http_response_size_bytes", "HTTP response size in bytes", []float64{100, 1000, 10000, 100000, 1000000}, nil),

		QueueWait: registry.NewHistogram("admission_queue_wait_seconds", "Time queued requests waited before their outcome", QueueWaitBuckets, nil),

		UpstreamRequests:     registry.NewCounter("admission_upstream_requests_total", "Requests forwarded upstream", nil),
		UpstreamErrors:       registry.NewCounter("admission_upstream_errors_total", "Upstream forwarding errors", nil),
		UpstreamDuration:     registry.NewHistogram("admission_upstream_duration_seconds", "Upstream round trip duration", nil, nil),
		UpstreamThrottleWait: registry.NewHistogram("admission_upstream_throttle_wait_seconds", "Time spent waiting for the outbound token bucket", nil, nil),

		GRPCRequests: registry.NewCounter("admission_grpc_requests_total", "Total gRPC signal requests", nil),
		GRPCErrors:   registry.NewCounter("admission_grpc_errors_total", "Total gRPC signal errors", nil),

		MemoryUsage:    registry.NewGauge("admission_memory_usage_bytes", "Current heap allocation in bytes", nil),
		GoroutineCount: registry.NewGauge("admission_goroutines", "Current number of goroutines", nil),
		GCDuration:     registry.NewHistogram("admission_gc_duration_seconds", "Garbage collection pause duration", nil, nil),

		TrackedIdentities: registry.NewGauge("admission_tracked_identities", "Identities with a tracking record", nil),
		TotalQueued:       registry.NewGauge("admission_queued_requests", "Requests currently queued", nil),
		ActiveQueues:      registry.NewGauge("admission_active_queues", "Identities with a non-empty queue", nil),
		DrainLoops:        registry.NewGauge("admission_drain_loops", "Active drain loops", nil),
		BlacklistSize:     registry.NewGauge("admission_blacklist_size", "Blacklisted identities", nil),
		QueueSaturation:   registry.NewGauge("admission_queue_saturation_ratio", "Queued requests over the global queue cap", nil),
		AmnestyIn:         registry.NewGauge("admission_amnesty_in_seconds", "Seconds until the next blacklist amnesty", nil),
	}
}

// ObserveDecision counts one admission outcome.
func (m *AdmissionMetrics) ObserveDecision(o admission.Outcome) {
	outcome := "allowed"
	switch {
	case o.Unthrottled:
		outcome = "unthrottled"
	case !o.Allowed():
		outcome = o.Reason.String()
	}
	m.registry.NewCounter("admission_decisions_total", "Admission decisions by outcome",
		map[string]string{"outcome": outcome}).Inc()

	if o.Queued {
		m.QueueWait.Observe(o.QueueWait.Seconds())
	}
}

// RegisterScheduler exports the scheduler's lifetime counters and refreshes
// the state gauges from one stats read per scrape.
func (m *AdmissionMetrics) RegisterScheduler(src SchedulerSource) {
	lifetime := []struct {
		name, help string
		read       func(admission.Counters) uint64
	}{
		{"admission_allowed_total", "Requests admitted immediately", func(c admission.Counters) uint64 { return c.Allowed }},
		{"admission_unthrottled_total", "Requests passed through without an identity", func(c admission.Counters) uint64 { return c.Unthrottled }},
		{"admission_queued_total", "Requests placed in a queue", func(c admission.Counters) uint64 { return c.Queued }},
		{"admission_drained_total", "Queued requests eventually admitted", func(c admission.Counters) uint64 { return c.Drained }},
		{"admission_violations_total", "Rate limit violations", func(c admission.Counters) uint64 { return c.Violations }},
		{"admission_blacklisted_total", "Identities added to the blacklist", func(c admission.Counters) uint64 { return c.Blacklisted }},
		{"admission_breaker_trips_total", "Drain loop circuit breaker trips", func(c admission.Counters) uint64 { return c.BreakerTrips }},
		{"admission_emergency_sheds_total", "Emergency cleanups under memory pressure", func(c admission.Counters) uint64 { return c.EmergencySheds }},
		{"admission_amnesties_total", "Blacklist amnesty resets", func(c admission.Counters) uint64 { return c.Amnesties }},
	}
	for _, l := range lifetime {
		read := l.read
		m.registry.NewCounterFunc(l.name, l.help, nil, func() float64 {
			return float64(read(src.Counters()))
		})
	}

	for _, reason := range admission.RejectionReasons() {
		name := reason.String()
		m.registry.NewCounterFunc("admission_rejected_total", "Rejections by reason",
			map[string]string{"reason": name}, func() float64 {
				return float64(src.Counters().Rejected[name])
			})
	}

	m.registry.OnCollect(func() {
		stats := src.Stats(0)
		m.TrackedIdentities.Set(float64(stats.TrackedIdentities))
		m.TotalQueued.Set(float64(stats.TotalQueued))
		m.ActiveQueues.Set(float64(len(stats.Queues)))
		m.DrainLoops.Set(float64(stats.ActiveDrainLoops))
		m.BlacklistSize.Set(float64(stats.BlacklistSize))
		m.QueueSaturation.Set(src.QueueSaturation())
		if until := time.Until(stats.NextAmnesty); until > 0 {
			m.AmnestyIn.Set(until.Seconds())
		} else {
			m.AmnestyIn.Set(0)
		}
	})
}

// UpdateSystemMetrics updates system-level metrics
func (m *AdmissionMetrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.MemoryUsage.Set(float64(memStats.Alloc))
	m.GoroutineCount.Set(float64(runtime.NumGoroutine()))

	if memStats.NumGC > 0 {
		gcPause := float64(memStats.PauseNs[(memStats.NumGC+255)%256]) / 1e9
		m.GCDuration.Observe(gcPause)
	}
}

// GetRegistry returns the metrics registry
func (m *AdmissionMetrics) GetRegistry() *MetricsRegistry {
	return m.registry
}

// MetricsCollector periodically updates system metrics
type MetricsCollector struct {
	metrics  *AdmissionMetrics
	interval time.Duration
	stopChan chan struct{}
	once     sync.Once
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *AdmissionMetrics, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		metrics:  metrics,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (mc *MetricsCollector) Start() {
	ticker := time.NewTicker(mc.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mc.metrics.UpdateSystemMetrics()
			case <-mc.stopChan:
				return
			}
		}
	}()
}

// Stop stops collecting metrics
func (mc *MetricsCollector) Stop() {
	mc.once.Do(func() { close(mc.stopChan) })
}
