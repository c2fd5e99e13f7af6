// Package janitor runs the periodic memory housekeeping of the admission
// layer: routine cleanup, emergency shedding under memory pressure and the
// blacklist amnesty check.
package janitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"admission-gateway/internal/admission"
	"admission-gateway/internal/logging"
)

// MemoryStats is a process memory snapshot.
type MemoryStats struct {
	HeapAllocMB uint64 `json:"heap_alloc_mb"`
	SysMB       uint64 `json:"sys_mb"`
	NumGC       uint32 `json:"num_gc"`
	Goroutines  int    `json:"goroutines"`
}

// Probe reads process memory usage.
type Probe interface {
	Read() MemoryStats
}

// RuntimeProbe reads the Go runtime's own accounting. Sys stands in for RSS.
type RuntimeProbe struct{}

func (RuntimeProbe) Read() MemoryStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemoryStats{
		HeapAllocMB: m.HeapAlloc / 1024 / 1024,
		SysMB:       m.Sys / 1024 / 1024,
		NumGC:       m.NumGC,
		Goroutines:  runtime.NumGoroutine(),
	}
}

// Target is the state the janitor maintains.
type Target interface {
	Sweep(ctx context.Context, ttl time.Duration) admission.SweepResult
	EmergencyShed(ctx context.Context, keep time.Duration) admission.ShedResult
	CheckAmnesty(ctx context.Context) bool
}

// Config holds the janitor tunables. A zero threshold disables that check.
type Config struct {
	Interval             time.Duration
	DataTTL              time.Duration
	HeapThresholdMB      uint64
	SysThresholdMB       uint64
	EmergencyKeep        time.Duration
	AmnestyCheckInterval time.Duration
}

func (c Config) validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("janitor interval must be positive")
	}
	if c.DataTTL <= 0 {
		return fmt.Errorf("data TTL must be positive")
	}
	if c.EmergencyKeep <= 0 {
		return fmt.Errorf("emergency keep window must be positive")
	}
	if c.AmnestyCheckInterval <= 0 {
		return fmt.Errorf("amnesty check interval must be positive")
	}
	return nil
}

// CycleResult records what one janitor cycle did.
type CycleResult struct {
	At        time.Time              `json:"at"`
	Memory    MemoryStats            `json:"memory"`
	Pressure  bool                   `json:"pressure"`
	Sweep     *admission.SweepResult `json:"sweep,omitempty"`
	Emergency *admission.ShedResult  `json:"emergency,omitempty"`
}

// Janitor drives Target on fixed intervals.
type Janitor struct {
	config Config
	target Target
	probe  Probe
	logger *logging.Logger

	mu          sync.RWMutex
	last        CycleResult
	cycles      uint64
	emergencies uint64

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// New creates a janitor. A nil probe uses RuntimeProbe.
func New(cfg Config, target Target, probe Probe, logger *logging.Logger) (*Janitor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if probe == nil {
		probe = RuntimeProbe{}
	}
	return &Janitor{
		config: cfg,
		target: target,
		probe:  probe,
		logger: logger.WithField("component", "janitor"),
	}, nil
}

// UnderPressure reports whether m crosses a configured threshold.
func (j *Janitor) UnderPressure(m MemoryStats) bool {
	if j.config.HeapThresholdMB > 0 && m.HeapAllocMB > j.config.HeapThresholdMB {
		return true
	}
	if j.config.SysThresholdMB > 0 && m.SysMB > j.config.SysThresholdMB {
		return true
	}
	return false
}

// RunOnce performs a single cycle: emergency shedding when memory is over a
// threshold, the routine sweep otherwise.
func (j *Janitor) RunOnce(ctx context.Context) CycleResult {
	res := CycleResult{At: time.Now(), Memory: j.probe.Read()}
	res.Pressure = j.UnderPressure(res.Memory)

	if res.Pressure {
		shed := j.target.EmergencyShed(ctx, j.config.EmergencyKeep)
		res.Emergency = &shed
		j.logger.Error("Memory pressure, emergency cleanup performed",
			"heap_alloc_mb", res.Memory.HeapAllocMB,
			"sys_mb", res.Memory.SysMB,
			"queued_failed", shed.QueuedFailed,
			"records_discarded", shed.Discarded)
	} else {
		sweep := j.target.Sweep(ctx, j.config.DataTTL)
		res.Sweep = &sweep
		j.logger.Debug("Cleanup cycle completed",
			"heap_alloc_mb", res.Memory.HeapAllocMB,
			"tracked", sweep.TrackedAfter)
	}

	j.mu.Lock()
	j.last = res
	j.cycles++
	if res.Pressure {
		j.emergencies++
	}
	j.mu.Unlock()

	return res
}

// Start launches the cleanup and amnesty loops.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true
	j.stopChan = make(chan struct{})

	j.wg.Add(2)
	go j.loop(ctx, j.config.Interval, func() { j.RunOnce(ctx) })
	go j.loop(ctx, j.config.AmnestyCheckInterval, func() { j.target.CheckAmnesty(ctx) })

	j.logger.Info("Janitor started",
		"interval", j.config.Interval.String(),
		"amnesty_check_interval", j.config.AmnestyCheckInterval.String())
}

func (j *Janitor) loop(ctx context.Context, interval time.Duration, fn func()) {
	defer j.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopChan:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop halts both loops and waits for them.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopChan)
	j.mu.Unlock()

	j.wg.Wait()
}

// Status is the janitor's contribution to the stats snapshot.
type Status struct {
	Cycles      uint64       `json:"cycles"`
	Emergencies uint64       `json:"emergencies"`
	LastCycle   *CycleResult `json:"last_cycle,omitempty"`
	Memory      MemoryStats  `json:"memory"`
}

// Status returns the cycle counters and a fresh memory reading.
func (j *Janitor) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()

	st := Status{
		Cycles:      j.cycles,
		Emergencies: j.emergencies,
		Memory:      j.probe.Read(),
	}
	if j.cycles > 0 {
		last := j.last
		st.LastCycle = &last
	}
	return st
}
