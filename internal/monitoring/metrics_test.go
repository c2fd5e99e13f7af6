package monitoring

import (
	"math"
	"sync"
	"testing"
	"time"

	"admission-gateway/internal/admission"
)

func TestMetricsRegistry_SeriesAreReused(t *testing.T) {
	registry := NewMetricsRegistry()

	a := registry.NewCounter("requests_total", "Requests", map[string]string{"outcome": "allowed"})
	b := registry.NewCounter("requests_total", "Requests", map[string]string{"outcome": "allowed"})
	c := registry.NewCounter("requests_total", "Requests", map[string]string{"outcome": "timeout"})

	if a != b {
		t.Error("Expected the same series to be returned for identical labels")
	}
	if a == c {
		t.Error("Expected distinct series for distinct labels")
	}
	if len(registry.GetAllMetrics()) != 2 {
		t.Errorf("Expected 2 series, got %d", len(registry.GetAllMetrics()))
	}
}

func TestCounter_Operations(t *testing.T) {
	registry := NewMetricsRegistry()
	counter := registry.NewCounter("test_counter", "Test counter", nil)

	counter.Inc()
	counter.Add(5)
	counter.Add(-3)
	if counter.Get() != 6 {
		t.Errorf("Expected counter value 6, got %f", counter.Get())
	}
}

func TestCounter_Concurrency(t *testing.T) {
	registry := NewMetricsRegistry()
	counter := registry.NewCounter("concurrent_counter", "Concurrent counter", nil)

	goroutines := 10
	incrementsPerGoroutine := 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < incrementsPerGoroutine; j++ {
				counter.Inc()
			}
		}()
	}
	wg.Wait()

	if expected := float64(goroutines * incrementsPerGoroutine); counter.Get() != expected {
		t.Errorf("Expected counter value %f, got %f", expected, counter.Get())
	}
}

func TestGauge_Fractional(t *testing.T) {
	registry := NewMetricsRegistry()
	gauge := registry.NewGauge("ratio", "Ratio", nil)

	gauge.Set(0.25)
	gauge.Add(0.5)
	gauge.Dec()
	if math.Abs(gauge.Get()-(-0.25)) > 1e-9 {
		t.Errorf("Expected -0.25, got %f", gauge.Get())
	}
}

func TestHistogram_CumulativeBuckets(t *testing.T) {
	registry := NewMetricsRegistry()
	h := registry.NewHistogram("wait", "Wait", []float64{1, 5}, nil)

	for _, v := range []float64{0.5, 2, 3, 10} {
		h.Observe(v)
	}

	buckets, sum, count := h.Snapshot()
	want := []int64{1, 3, 4}
	for i, b := range buckets {
		if b.Count != want[i] {
			t.Errorf("Bucket %d: expected %d, got %d", i, want[i], b.Count)
		}
	}
	if !math.IsInf(buckets[len(buckets)-1].UpperBound, 1) {
		t.Error("Expected the last bucket to be +Inf")
	}
	if sum != 15.5 || count != 4 {
		t.Errorf("Expected sum 15.5 and count 4, got %f and %d", sum, count)
	}
}

type fakeScheduler struct {
	counters   admission.Counters
	stats      admission.Stats
	saturation float64
}

func (f *fakeScheduler) Counters() admission.Counters { return f.counters }
func (f *fakeScheduler) Stats(int) admission.Stats    { return f.stats }
func (f *fakeScheduler) QueueSaturation() float64     { return f.saturation }

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		counters: admission.Counters{
			Allowed:  42,
			Drained:  3,
			Rejected: map[string]uint64{"queue_full": 2},
		},
		stats: admission.Stats{
			TrackedIdentities: 9,
			TotalQueued:       4,
			Queues:            []admission.QueueDepth{{Identity: "203.0.113.5", Depth: 4, Draining: true}},
			ActiveDrainLoops:  1,
			BlacklistSize:     2,
			NextAmnesty:       time.Now().Add(time.Hour),
		},
		saturation: 0.008,
	}
}

func TestAdmissionMetrics_RegisterScheduler(t *testing.T) {
	m := NewAdmissionMetrics()
	m.RegisterScheduler(newFakeScheduler())

	all := m.GetRegistry().GetAllMetrics()

	if got := all["admission_allowed_total"]; got == nil || got.Value != 42 {
		t.Errorf("Expected allowed total 42, got %+v", got)
	}
	if got := all[seriesKey("admission_rejected_total", map[string]string{"reason": "queue_full"})]; got == nil || got.Value != 2 {
		t.Errorf("Expected queue_full rejections 2, got %+v", got)
	}
	if got := all["admission_queued_requests"]; got == nil || got.Value != 4 {
		t.Errorf("Expected 4 queued, got %+v", got)
	}
	if got := all["admission_blacklist_size"]; got == nil || got.Value != 2 {
		t.Errorf("Expected blacklist size 2, got %+v", got)
	}
	if got := all["admission_amnesty_in_seconds"]; got == nil || got.Value <= 0 {
		t.Errorf("Expected a positive amnesty countdown, got %+v", got)
	}
}

func TestAdmissionMetrics_ObserveDecision(t *testing.T) {
	m := NewAdmissionMetrics()

	m.ObserveDecision(admission.Outcome{Identity: "203.0.113.5"})
	m.ObserveDecision(admission.Outcome{Identity: "203.0.113.5", Queued: true, QueueWait: 2 * time.Second})
	m.ObserveDecision(admission.Outcome{Reason: admission.ReasonTimeout, Queued: true, QueueWait: 30 * time.Second})
	m.ObserveDecision(admission.Outcome{Unthrottled: true})

	all := m.GetRegistry().GetAllMetrics()
	check := func(outcome string, want float64) {
		t.Helper()
		got := all[seriesKey("admission_decisions_total", map[string]string{"outcome": outcome})]
		if got == nil || got.Value != want {
			t.Errorf("Expected %s=%v, got %+v", outcome, want, got)
		}
	}
	check("allowed", 2)
	check("timeout", 1)
	check("unthrottled", 1)

	if _, _, count := m.QueueWait.Snapshot(); count != 2 {
		t.Errorf("Expected 2 queue wait observations, got %d", count)
	}
}
