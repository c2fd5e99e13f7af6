package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"admission-gateway/internal/janitor"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a single health check
type HealthCheck struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration_ns"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Critical  bool                   `json:"critical"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus           `json:"status"`
	Version    string                 `json:"version"`
	Uptime     string                 `json:"uptime"`
	Timestamp  time.Time              `json:"timestamp"`
	Checks     map[string]HealthCheck `json:"checks"`
	Summary    HealthSummary          `json:"summary"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// HealthSummary provides overall health metrics
type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
	Critical  int `json:"critical"`
}

// SystemInfo provides system-level information
type SystemInfo struct {
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Arch         string    `json:"arch"`
	NumCPU       int       `json:"num_cpu"`
	NumGoroutine int       `json:"num_goroutine"`
	StartTime    time.Time `json:"start_time"`
}

// HealthChecker interface for implementing health checks
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) HealthCheck
	IsCritical() bool
}

// HealthManager manages all health checks
type HealthManager struct {
	mu          sync.Mutex
	checkers    []HealthChecker
	startTime   time.Time
	version     string
	lastResults map[string]HealthCheck
}

// NewHealthManager creates a new health manager
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		startTime:   time.Now(),
		version:     version,
		lastResults: make(map[string]HealthCheck),
	}
}

// RegisterChecker adds a health checker
func (hm *HealthManager) RegisterChecker(checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers = append(hm.checkers, checker)
}

// CheckHealth performs all health checks
func (hm *HealthManager) CheckHealth(ctx context.Context) HealthResponse {
	hm.mu.Lock()
	checkers := append([]HealthChecker(nil), hm.checkers...)
	hm.mu.Unlock()

	checks := make(map[string]HealthCheck, len(checkers))
	summary := HealthSummary{}
	overallStatus := HealthStatusHealthy

	// Execute all health checks
	for _, checker := range checkers {
		start := time.Now()
		check := checker.Check(ctx)
		check.Name = checker.Name()
		check.Duration = time.Since(start)
		check.Timestamp = time.Now()
		check.Critical = checker.IsCritical()
		checks[check.Name] = check

		// Update summary
		summary.Total++
		switch check.Status {
		case HealthStatusHealthy:
			summary.Healthy++
		case HealthStatusDegraded:
			summary.Degraded++
			if overallStatus == HealthStatusHealthy {
				overallStatus = HealthStatusDegraded
			}
		case HealthStatusUnhealthy:
			summary.Unhealthy++
			// A failing critical check makes the whole instance unhealthy
			if check.Critical {
				summary.Critical++
				overallStatus = HealthStatusUnhealthy
			} else if overallStatus == HealthStatusHealthy {
				overallStatus = HealthStatusDegraded
			}
		}
	}

	// Remember results for GetLastResults
	hm.mu.Lock()
	for name, check := range checks {
		hm.lastResults[name] = check
	}
	hm.mu.Unlock()

	return HealthResponse{
		Status:     overallStatus,
		Version:    hm.version,
		Uptime:     time.Since(hm.startTime).Round(time.Second).String(),
		Timestamp:  time.Now(),
		Checks:     checks,
		Summary:    summary,
		SystemInfo: hm.getSystemInfo(),
	}
}

// GetLastResults returns a copy of the last health check results
func (hm *HealthManager) GetLastResults() map[string]HealthCheck {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	out := make(map[string]HealthCheck, len(hm.lastResults))
	for k, v := range hm.lastResults {
		out[k] = v
	}
	return out
}

// getSystemInfo collects system information
func (hm *HealthManager) getSystemInfo() SystemInfo {
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
		StartTime:    hm.startTime,
	}
}

// Handler serves the aggregate as JSON: 200 when healthy or degraded, 503
// when a critical check fails.
func (hm *HealthManager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		health := hm.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(health)
	}
}

// MemoryHealthChecker reports memory pressure against the janitor's
// thresholds, degrading at 80% of either.
type MemoryHealthChecker struct {
	probe           janitor.Probe
	heapThresholdMB uint64
	sysThresholdMB  uint64
}

func NewMemoryHealthChecker(probe janitor.Probe, heapThresholdMB, sysThresholdMB uint64) *MemoryHealthChecker {
	if probe == nil {
		probe = janitor.RuntimeProbe{}
	}
	return &MemoryHealthChecker{probe: probe, heapThresholdMB: heapThresholdMB, sysThresholdMB: sysThresholdMB}
}

func (m *MemoryHealthChecker) Name() string {
	return "memory"
}

func (m *MemoryHealthChecker) IsCritical() bool {
	return false
}

func (m *MemoryHealthChecker) Check(ctx context.Context) HealthCheck {
	stats := m.probe.Read()

	status := HealthStatusHealthy
	message := "Memory usage is normal"

	over := func(value, limit uint64) bool { return limit > 0 && value > limit }
	near := func(value, limit uint64) bool { return limit > 0 && value > limit*80/100 }

	switch {
	case over(stats.HeapAllocMB, m.heapThresholdMB) || over(stats.SysMB, m.sysThresholdMB):
		status = HealthStatusUnhealthy
		message = fmt.Sprintf("Memory above shedding threshold (heap %dMB, sys %dMB)", stats.HeapAllocMB, stats.SysMB)
	case near(stats.HeapAllocMB, m.heapThresholdMB) || near(stats.SysMB, m.sysThresholdMB):
		status = HealthStatusDegraded
		message = fmt.Sprintf("Memory usage is high (heap %dMB, sys %dMB)", stats.HeapAllocMB, stats.SysMB)
	}

	return HealthCheck{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"heap_alloc_mb":     stats.HeapAllocMB,
			"sys_mb":            stats.SysMB,
			"heap_threshold_mb": m.heapThresholdMB,
			"sys_threshold_mb":  m.sysThresholdMB,
			"num_gc":            stats.NumGC,
			"num_goroutine":     stats.Goroutines,
		},
	}
}

// QueueHealthChecker reports how full the global admission queue is.
type QueueHealthChecker struct {
	saturation func() float64
}

func NewQueueHealthChecker(saturation func() float64) *QueueHealthChecker {
	return &QueueHealthChecker{saturation: saturation}
}

func (q *QueueHealthChecker) Name() string {
	return "queue"
}

func (q *QueueHealthChecker) IsCritical() bool {
	return true
}

func (q *QueueHealthChecker) Check(ctx context.Context) HealthCheck {
	ratio := q.saturation()

	status := HealthStatusHealthy
	message := "Queue has capacity"
	switch {
	case ratio >= 1:
		status = HealthStatusUnhealthy
		message = "Global queue is full"
	case ratio >= 0.8:
		status = HealthStatusDegraded
		message = fmt.Sprintf("Global queue is %.0f%% full", ratio*100)
	}

	return HealthCheck{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"saturation": ratio,
		},
	}
}

// HTTP Dependency Health Checker
type HTTPDependencyChecker struct {
	name     string
	url      string
	timeout  time.Duration
	critical bool
	client   *http.Client
}

func NewHTTPDependencyChecker(name, url string, timeout time.Duration, critical bool) *HTTPDependencyChecker {
	return &HTTPDependencyChecker{
		name:     name,
		url:      url,
		timeout:  timeout,
		critical: critical,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (h *HTTPDependencyChecker) Name() string {
	return h.name
}

func (h *HTTPDependencyChecker) IsCritical() bool {
	return h.critical
}

func (h *HTTPDependencyChecker) Check(ctx context.Context) HealthCheck {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.url, nil)
	if err != nil {
		return HealthCheck{
			Status:  HealthStatusUnhealthy,
			Message: fmt.Sprintf("Failed to create request: %v", err),
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return HealthCheck{
			Status:  HealthStatusUnhealthy,
			Message: fmt.Sprintf("HTTP request failed: %v", err),
			Details: map[string]interface{}{
				"url":   h.url,
				"error": err.Error(),
			},
		}
	}
	defer resp.Body.Close()

	duration := time.Since(start)
	status := HealthStatusHealthy
	if resp.StatusCode >= 500 {
		status = HealthStatusUnhealthy
	} else if duration > h.timeout/2 {
		status = HealthStatusDegraded
	}

	return HealthCheck{
		Status:  status,
		Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
		Details: map[string]interface{}{
			"url":              h.url,
			"status_code":      resp.StatusCode,
			"response_time_ms": duration.Milliseconds(),
		},
	}
}
