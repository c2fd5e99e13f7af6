package admission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"admission-gateway/internal/blacklist"
	"admission-gateway/internal/botscore"
	"admission-gateway/internal/clock"
	"admission-gateway/internal/identity"
	"admission-gateway/internal/logging"
	"admission-gateway/internal/tracker"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// parkingClock is a ManualClock that knows which drain loops are asleep, so
// tests can advance time only once every loop has finished its step.
type parkingClock struct {
	*clock.ManualClock

	mu       sync.Mutex
	seq      int
	sleepers map[int]time.Time
}

func newParkingClock() *parkingClock {
	return &parkingClock{
		ManualClock: clock.NewManualClock(epoch),
		sleepers:    make(map[int]time.Time),
	}
}

func (c *parkingClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.seq++
	id := c.seq
	c.sleepers[id] = c.ManualClock.Now().Add(d)
	timer := c.ManualClock.AfterFunc(d, func() { close(done) })
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.sleepers, id)
		c.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (c *parkingClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ManualClock.Advance(d)
}

type harness struct {
	s   *Scheduler
	clk *parkingClock
	tr  *tracker.Tracker
	bl  *blacklist.Manager
}

func defaultConfigs() (Config, tracker.Config) {
	return Config{
			MaxQueueSize:   5,
			MaxTotalQueued: 500,
			RequestTimeout: 30 * time.Second,
			MaxRetries:     5,
			BackoffBase:    time.Second,
			MaxBackoff:     15 * time.Second,
			RequestSpacing: 100 * time.Millisecond,
		}, tracker.Config{
			MaxPerWindow:       15,
			Window:             15 * time.Second,
			DailyLimit:         1000,
			ViolationThreshold: 10,
			MaxTracked:         1000,
		}
}

func newHarness(t *testing.T, mutate func(c *Config, tc *tracker.Config)) *harness {
	t.Helper()

	cfg, tcfg := defaultConfigs()
	if mutate != nil {
		mutate(&cfg, &tcfg)
	}

	clk := newParkingClock()
	tr, err := tracker.New(clk, tcfg)
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}
	bl, err := blacklist.NewManager(context.Background(), clk, blacklist.NewMemoryStore(), 30*24*time.Hour, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create blacklist: %v", err)
	}
	s, err := NewScheduler(clk, cfg, tr, bl, nil, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
		bl.Close()
	})

	return &harness{s: s, clk: clk, tr: tr, bl: bl}
}

func request(ip string) Request {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Chrome/126.0 Safari/537.36")
	h.Set("Accept", "text/html")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "gzip")
	return Request{
		Metadata: identity.Metadata{RemoteAddr: ip + ":40000"},
		Header:   h,
	}
}

func (h *harness) admit(ip string) *Ticket {
	return h.s.Admit(context.Background(), request(ip))
}

// settled reports whether every live drain loop is asleep in a sleep that
// has not come due yet.
func (h *harness) settled() bool {
	h.clk.mu.Lock()
	now := h.clk.Now()
	asleep := 0
	for _, deadline := range h.clk.sleepers {
		if !deadline.After(now) {
			h.clk.mu.Unlock()
			return false
		}
		asleep++
	}
	h.clk.mu.Unlock()

	h.s.mu.Lock()
	loops := len(h.s.draining)
	h.s.mu.Unlock()

	return asleep >= loops
}

func (h *harness) waitSettled(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !h.settled() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for drain loops to park")
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) step(t *testing.T, d time.Duration) {
	t.Helper()
	h.clk.advance(d)
	h.waitSettled(t)
}

// runUntil advances the clock in steps until done reports true.
func (h *harness) runUntil(t *testing.T, done func() bool, step, limit time.Duration) time.Duration {
	t.Helper()
	h.waitSettled(t)

	var elapsed time.Duration
	for !done() {
		if elapsed > limit {
			t.Fatalf("Condition not reached within %s of simulated time", limit)
		}
		h.step(t, step)
		elapsed += step
	}
	return elapsed
}

func outcome(t *testing.T, tk *Ticket) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o := tk.Wait(ctx)
	if o.Reason == ReasonCanceled {
		t.Fatal("Ticket did not resolve in time")
	}
	return o
}

func (h *harness) exhaustWindow(t *testing.T, ip string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if o := outcome(t, h.admit(ip)); !o.Allowed() {
			t.Fatalf("Expected warmup request %d to be allowed, got %s", i+1, o.Reason)
		}
	}
}

func TestAdmit_UnresolvableIdentitySkipsThrottling(t *testing.T) {
	h := newHarness(t, func(c *Config, tc *tracker.Config) { tc.MaxPerWindow = 1 })

	for i := 0; i < 5; i++ {
		o := outcome(t, h.admit("127.0.0.1"))
		if !o.Allowed() || !o.Unthrottled {
			t.Fatalf("Expected unthrottled admission, got %+v", o)
		}
	}
	if h.tr.Len() != 0 {
		t.Errorf("Expected nothing tracked, got %d", h.tr.Len())
	}
	if got := h.s.Counters().Unthrottled; got != 5 {
		t.Errorf("Expected 5 unthrottled, got %d", got)
	}
}

func TestAdmit_QueuedRequestProceedsAfterWindow(t *testing.T) {
	h := newHarness(t, nil)
	const ip = "203.0.113.5"

	h.exhaustWindow(t, ip, 15)

	tk := h.admit(ip)
	if !tk.Pending() {
		t.Fatalf("Expected 16th request to be queued, got %+v", tk.outcome)
	}

	elapsed := h.runUntil(t, func() bool { return !tk.Pending() }, time.Second, time.Minute)

	o := outcome(t, tk)
	if !o.Allowed() || !o.Queued {
		t.Fatalf("Expected queued request to proceed, got %+v", o)
	}
	if elapsed < 15*time.Second {
		t.Errorf("Expected admission only after the window elapsed, got %s", elapsed)
	}

	rec, _ := h.tr.Peek(ip)
	if rec.ViolationCount != 1 {
		t.Errorf("Expected exactly 1 violation, got %d", rec.ViolationCount)
	}
	if got := h.s.Counters().Drained; got != 1 {
		t.Errorf("Expected 1 drained request, got %d", got)
	}
}

func TestAdmit_FIFOUnderRetry(t *testing.T) {
	h := newHarness(t, nil)
	const ip = "203.0.113.5"

	h.exhaustWindow(t, ip, 15)

	a := h.admit(ip)
	h.waitSettled(t)
	b := h.admit(ip)
	if !a.Pending() || !b.Pending() {
		t.Fatal("Expected both requests to be queued")
	}

	h.runUntil(t, func() bool {
		if !b.Pending() && a.Pending() {
			t.Fatal("B was admitted before A")
		}
		return !a.Pending() && !b.Pending()
	}, 100*time.Millisecond, time.Minute)

	oa, ob := outcome(t, a), outcome(t, b)
	if !oa.Allowed() || !ob.Allowed() {
		t.Fatalf("Expected both admitted, got A=%s B=%s", oa.Reason, ob.Reason)
	}
	if oa.Retries == 0 {
		t.Error("Expected A to have been requeued at least once")
	}
	if ob.QueueWait < oa.QueueWait {
		t.Errorf("Expected B to wait at least as long as A: A=%s B=%s", oa.QueueWait, ob.QueueWait)
	}
}

func TestAdmit_PerIdentityQueueBound(t *testing.T) {
	h := newHarness(t, nil)
	const ip = "203.0.113.5"

	h.exhaustWindow(t, ip, 15)

	for i := 0; i < 5; i++ {
		if tk := h.admit(ip); !tk.Pending() {
			t.Fatalf("Expected request %d to be queued", i+1)
		}
		h.waitSettled(t)
	}

	o := outcome(t, h.admit(ip))
	if o.Reason != ReasonQueueFull {
		t.Fatalf("Expected queue full, got %s", o.Reason)
	}
	if o.StatusCode() != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", o.StatusCode())
	}
	if !errors.Is(o.Err(), ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", o.Err())
	}

	// Other identities still have room.
	h.exhaustWindow(t, "198.51.100.1", 15)
	if tk := h.admit("198.51.100.1"); !tk.Pending() {
		t.Error("Expected another identity to be queued while global capacity remains")
	}
}

func TestAdmit_GlobalQueueBound(t *testing.T) {
	h := newHarness(t, func(c *Config, tc *tracker.Config) {
		c.MaxQueueSize = 3
		c.MaxTotalQueued = 4
	})

	h.exhaustWindow(t, "203.0.113.1", 15)
	h.exhaustWindow(t, "203.0.113.2", 15)

	for i := 0; i < 3; i++ {
		h.admit("203.0.113.1")
		h.waitSettled(t)
	}
	h.admit("203.0.113.2")
	h.waitSettled(t)

	o := outcome(t, h.admit("203.0.113.2"))
	if o.Reason != ReasonGlobalQueueFull {
		t.Fatalf("Expected global queue full, got %s", o.Reason)
	}
	if o.StatusCode() != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", o.StatusCode())
	}
}

func TestAdmit_BlacklistEscalation(t *testing.T) {
	h := newHarness(t, nil)
	const ip = "203.0.113.5"

	h.exhaustWindow(t, ip, 15)

	var queued []*Ticket
	for i := 1; i <= 9; i++ {
		tk := h.admit(ip)
		if i <= 5 {
			if !tk.Pending() {
				t.Fatalf("Expected request %d to be queued", i)
			}
			queued = append(queued, tk)
		} else if o := outcome(t, tk); o.Reason != ReasonQueueFull {
			t.Fatalf("Expected request %d to hit the queue bound, got %s", i, o.Reason)
		}
		h.waitSettled(t)
	}
	if h.bl.IsBlacklisted(ip) {
		t.Fatal("Blacklisted before reaching the threshold")
	}

	o := outcome(t, h.admit(ip))
	if o.Reason != ReasonBlacklisted || o.StatusCode() != http.StatusForbidden {
		t.Fatalf("Expected the 10th violation to be refused with 403, got %s/%d", o.Reason, o.StatusCode())
	}
	if !h.bl.IsBlacklisted(ip) {
		t.Fatal("Expected identity to be blacklisted")
	}

	for i, tk := range queued {
		if o := outcome(t, tk); o.Reason != ReasonBlacklisted {
			t.Errorf("Expected queued request %d to be purged with 403, got %s", i+1, o.Reason)
		}
	}

	if o := outcome(t, h.admit(ip)); o.Reason != ReasonBlacklisted {
		t.Errorf("Expected later requests to be refused, got %s", o.Reason)
	}
	rec, _ := h.tr.Peek(ip)
	if rec.ViolationCount != 10 {
		t.Errorf("Expected refused requests to stop counting violations, got %d", rec.ViolationCount)
	}
}

func TestAdmit_TimeoutAndDrainRaceResolvesOnce(t *testing.T) {
	h := newHarness(t, func(c *Config, tc *tracker.Config) {
		tc.Window = time.Second
		c.RequestTimeout = 2 * time.Second
	})
	const ip = "203.0.113.5"

	h.exhaustWindow(t, ip, 15)
	tk := h.admit(ip)
	p := tk.p
	h.waitSettled(t)

	// The re-armed timeout and the 2s backoff come due in the same advance.
	h.step(t, 2*time.Second)

	o := outcome(t, tk)
	if o.Reason != ReasonTimeout || o.StatusCode() != http.StatusRequestTimeout {
		t.Fatalf("Expected timeout, got %s", o.Reason)
	}
	if len(p.ch) != 0 {
		t.Error("Expected no second outcome")
	}
	if p.resolve(Outcome{}) {
		t.Error("Expected a resolved request to refuse another outcome")
	}

	c := h.s.Counters()
	if c.Drained != 0 || c.Rejected[ReasonTimeout.String()] != 1 {
		t.Errorf("Expected one timeout and no drain, got %+v", c)
	}
}

func TestAdmit_StaleTimerAfterDrainIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	const ip = "203.0.113.5"

	h.exhaustWindow(t, ip, 15)
	tk := h.admit(ip)
	p := tk.p

	h.s.mu.Lock()
	firstGen := p.timerGen
	h.s.mu.Unlock()

	h.runUntil(t, func() bool { return !tk.Pending() }, time.Second, time.Minute)
	if o := outcome(t, tk); !o.Allowed() {
		t.Fatalf("Expected admission, got %s", o.Reason)
	}

	h.s.onTimeout(p, firstGen)
	if got := h.s.Counters().Rejected[ReasonTimeout.String()]; got != 0 {
		t.Errorf("Expected stale timer to be a no-op, got %d timeouts", got)
	}
}

func TestAdmit_QueueTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config, tc *tracker.Config) {
		tc.Window = time.Hour
		c.RequestTimeout = 3 * time.Second
		c.MaxRetries = 10
	})
	const ip = "203.0.113.5"

	h.exhaustWindow(t, ip, 15)
	tk := h.admit(ip)

	elapsed := h.runUntil(t, func() bool { return !tk.Pending() }, time.Second, time.Minute)
	o := outcome(t, tk)
	if o.Reason != ReasonTimeout {
		t.Fatalf("Expected timeout, got %s", o.Reason)
	}
	// Armed again at t=2s after the second failed retry.
	if elapsed != 5*time.Second {
		t.Errorf("Expected timeout 3s after the last requeue (t=5s), got %s", elapsed)
	}
}

func TestAdmit_MaxRetries(t *testing.T) {
	h := newHarness(t, func(c *Config, tc *tracker.Config) {
		tc.Window = time.Hour
		c.RequestTimeout = time.Hour
		c.MaxRetries = 2
	})
	const ip = "203.0.113.5"

	h.exhaustWindow(t, ip, 15)
	tk := h.admit(ip)

	h.runUntil(t, func() bool { return !tk.Pending() }, time.Second, time.Minute)
	o := outcome(t, tk)
	if o.Reason != ReasonMaxRetries || o.StatusCode() != http.StatusTooManyRequests {
		t.Fatalf("Expected max retries 429, got %s/%d", o.Reason, o.StatusCode())
	}
	if o.Message() == ErrQueueFull.Error() {
		t.Error("Expected a message distinct from the queue full rejection")
	}
	if o.Retries != 2 {
		t.Errorf("Expected 2 retries, got %d", o.Retries)
	}
}

func TestAdmit_CircuitBreakerFailsWholeQueue(t *testing.T) {
	h := newHarness(t, func(c *Config, tc *tracker.Config) {
		tc.Window = time.Hour
		c.RequestTimeout = time.Hour
		c.MaxRetries = 100
		c.BreakerIterations = 3
	})
	const ip = "203.0.113.5"

	h.exhaustWindow(t, ip, 15)
	a := h.admit(ip)
	h.waitSettled(t)
	b := h.admit(ip)

	h.runUntil(t, func() bool { return !a.Pending() && !b.Pending() }, time.Second, time.Minute)

	for name, tk := range map[string]*Ticket{"A": a, "B": b} {
		o := outcome(t, tk)
		if o.Reason != ReasonCircuitOpen || o.StatusCode() != http.StatusServiceUnavailable {
			t.Errorf("Expected %s to fail with 503 circuit open, got %s", name, o.Reason)
		}
	}
	if got := h.s.Counters().BreakerTrips; got != 1 {
		t.Errorf("Expected 1 breaker trip, got %d", got)
	}

	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if len(h.s.queues) != 0 || len(h.s.draining) != 0 || h.s.totalQueued != 0 {
		t.Errorf("Expected queue state cleared, got queues=%d draining=%d total=%d",
			len(h.s.queues), len(h.s.draining), h.s.totalQueued)
	}
}

func TestAdmit_CallerCancellationWithdrawsRequest(t *testing.T) {
	h := newHarness(t, nil)
	const ip = "203.0.113.5"

	h.exhaustWindow(t, ip, 15)

	ctx, cancel := context.WithCancel(context.Background())
	tk := h.s.Admit(ctx, request(ip))
	h.waitSettled(t)
	cancel()

	o := tk.Wait(ctx)
	if o.Reason != ReasonCanceled {
		t.Fatalf("Expected canceled, got %s", o.Reason)
	}

	h.s.mu.Lock()
	total := h.s.totalQueued
	h.s.mu.Unlock()
	if total != 0 {
		t.Errorf("Expected the request to leave the queue, got %d queued", total)
	}
}

func TestAutoDisable_PurgesQueueAndUnblock(t *testing.T) {
	h := newHarness(t, nil)
	const ip = "203.0.113.5"
	ctx := context.Background()

	h.exhaustWindow(t, ip, 15)
	a := h.admit(ip)
	h.waitSettled(t)
	b := h.admit(ip)

	if err := h.s.AutoDisable(ctx, ip, ""); err != nil {
		t.Fatalf("AutoDisable failed: %v", err)
	}
	for _, tk := range []*Ticket{a, b} {
		if o := outcome(t, tk); o.Reason != ReasonBlacklisted {
			t.Errorf("Expected queued request to get 403, got %s", o.Reason)
		}
	}
	if o := outcome(t, h.admit(ip)); o.Reason != ReasonBlacklisted {
		t.Errorf("Expected new request to get 403, got %s", o.Reason)
	}

	removed, err := h.s.Unblock(ctx, ip)
	if err != nil || !removed {
		t.Fatalf("Expected unblock to remove the entry, got %v / %v", removed, err)
	}
	rec, _ := h.tr.Peek(ip)
	if rec.ViolationCount != 0 {
		t.Errorf("Expected violations cleared on unblock, got %d", rec.ViolationCount)
	}

	if err := h.s.AutoDisable(ctx, "10.0.0.1", ""); !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("Expected ErrInvalidIdentity for a private address, got %v", err)
	}
}

func TestReportBotScore_ReducesDailyQuota(t *testing.T) {
	h := newHarness(t, func(c *Config, tc *tracker.Config) { tc.DailyLimit = 20 })
	const ip = "203.0.113.5"
	ctx := context.Background()

	if err := h.s.ReportBotScore(ctx, ip, 85, []string{"mouse_entropy"}); err != nil {
		t.Fatalf("ReportBotScore failed: %v", err)
	}

	info, err := h.s.LimitInfo(ip)
	if err != nil {
		t.Fatalf("LimitInfo failed: %v", err)
	}
	if !info.IsSuspiciousBot || info.DailyLimit != 5 {
		t.Fatalf("Expected suspicious bot with daily limit 5, got %+v", info)
	}

	h.exhaustWindow(t, ip, 5)

	tk := h.admit(ip)
	if !tk.Pending() {
		t.Fatalf("Expected the 6th request to fail the daily check and queue, got %+v", tk.outcome)
	}
	h.waitSettled(t)

	info, _ = h.s.LimitInfo(ip)
	if info.DailyRemaining != 0 {
		t.Errorf("Expected daily quota exhausted, got %d remaining", info.DailyRemaining)
	}
	if info.WindowCount != 5 || info.WindowRemaining != 10 {
		t.Errorf("Expected the window to be untouched by daily rejections, got %d used / %d remaining",
			info.WindowCount, info.WindowRemaining)
	}

	for _, bad := range []float64{-1, 101} {
		if err := h.s.ReportBotScore(ctx, ip, bad, nil); !errors.Is(err, ErrInvalidScore) {
			t.Errorf("Expected ErrInvalidScore for %v, got %v", bad, err)
		}
	}
}

func TestAdmit_HeaderHeuristicsHalveQuota(t *testing.T) {
	cfg, tcfg := defaultConfigs()
	clk := newParkingClock()
	tr, _ := tracker.New(clk, tcfg)
	bl, _ := blacklist.NewManager(context.Background(), clk, blacklist.NewMemoryStore(), time.Hour, logging.NewNopLogger())
	defer bl.Close()
	s, err := NewScheduler(clk, cfg, tr, bl, botscore.NewHeuristics(), logging.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	defer s.Shutdown(context.Background())

	req := request("203.0.113.5")
	req.Header.Set("User-Agent", "Mozilla/5.0 HeadlessChrome/126.0")
	if o := s.Admit(context.Background(), req).Wait(context.Background()); !o.Allowed() {
		t.Fatalf("Expected admission, got %s", o.Reason)
	}

	info, _ := s.LimitInfo("203.0.113.5")
	if info.BotScore != botscore.HeaderPenalty || info.DailyLimit != 500 {
		t.Errorf("Expected score %d and daily limit 500, got %v / %d", botscore.HeaderPenalty, info.BotScore, info.DailyLimit)
	}
}

func TestCheckAmnesty(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.s.AutoDisable(ctx, "203.0.113.5", ""); err != nil {
		t.Fatalf("AutoDisable failed: %v", err)
	}
	h.tr.RecordViolation("198.51.100.1")
	h.tr.RecordViolation("198.51.100.1")
	h.tr.RecordViolation("198.51.100.2")

	if h.s.CheckAmnesty(ctx) {
		t.Fatal("Amnesty ran early")
	}

	h.clk.advance(30 * 24 * time.Hour)
	if !h.s.CheckAmnesty(ctx) {
		t.Fatal("Expected amnesty after 30 days")
	}

	if h.bl.Len() != 0 {
		t.Errorf("Expected empty blacklist, got %d", h.bl.Len())
	}
	for _, ip := range []string{"198.51.100.1", "198.51.100.2"} {
		if rec, _ := h.tr.Peek(ip); rec.ViolationCount != 0 {
			t.Errorf("Expected violations of %s reset, got %d", ip, rec.ViolationCount)
		}
	}
	if o := outcome(t, h.admit("203.0.113.5")); !o.Allowed() {
		t.Errorf("Expected released identity to be admitted, got %s", o.Reason)
	}
}

func TestEmergencyShed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	outcome(t, h.admit("198.51.100.50"))
	h.clk.advance(2 * time.Hour)

	var tickets []*Ticket
	for _, ip := range []string{"203.0.113.1", "203.0.113.2"} {
		h.exhaustWindow(t, ip, 15)
		tickets = append(tickets, h.admit(ip))
		h.waitSettled(t)
	}

	res := h.s.EmergencyShed(ctx, time.Hour)
	if res.QueuedFailed != 2 || res.QueuesClosed != 2 {
		t.Errorf("Expected 2 queued requests failed in 2 queues, got %+v", res)
	}
	if res.Discarded != 1 || res.Kept != 2 {
		t.Errorf("Expected only the stale record discarded, got %+v", res)
	}

	for _, tk := range tickets {
		if o := outcome(t, tk); o.Reason != ReasonShed || o.StatusCode() != http.StatusServiceUnavailable {
			t.Errorf("Expected 503 shed, got %s", o.Reason)
		}
	}

	stats := h.s.Stats(10)
	if stats.TotalQueued != 0 || stats.ActiveDrainLoops != 0 || len(stats.Queues) != 0 {
		t.Errorf("Expected queue state cleared, got %+v", stats)
	}
	if _, ok := h.tr.Peek("198.51.100.50"); ok {
		t.Error("Expected stale record to be dropped")
	}
}

func TestSweep(t *testing.T) {
	h := newHarness(t, func(c *Config, tc *tracker.Config) {
		tc.Window = time.Hour
		c.RequestTimeout = 10 * time.Second
		c.MaxBackoff = 4 * time.Second
		c.MaxRetries = 100
	})
	ctx := context.Background()

	outcome(t, h.admit("198.51.100.50"))

	h.exhaustWindow(t, "203.0.113.5", 15)
	tk := h.admit("203.0.113.5")

	// Requeues keep re-arming the timer; only the sweep sees the age.
	for i := 0; i < 11; i++ {
		h.step(t, time.Second)
	}
	if !tk.Pending() {
		t.Fatal("Expected the request to still be queued")
	}

	res := h.s.Sweep(ctx, 5*time.Second)
	if res.ExpiredQueued != 1 {
		t.Errorf("Expected 1 expired entry, got %+v", res)
	}
	if res.IdleRemoved != 1 {
		t.Errorf("Expected the idle record removed, got %+v", res)
	}
	if o := outcome(t, tk); o.Reason != ReasonTimeout {
		t.Errorf("Expected timeout, got %s", o.Reason)
	}
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, nil)
	const ip = "203.0.113.5"

	h.exhaustWindow(t, ip, 15)
	tk := h.admit(ip)
	h.waitSettled(t)

	if err := h.s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if o := outcome(t, tk); o.Reason != ReasonShuttingDown {
		t.Errorf("Expected shutting down, got %s", o.Reason)
	}
	if o := outcome(t, h.admit("198.51.100.1")); o.Reason != ReasonShuttingDown {
		t.Errorf("Expected new requests refused, got %s", o.Reason)
	}
}

func TestStatsAndLimitInfo(t *testing.T) {
	h := newHarness(t, nil)

	h.exhaustWindow(t, "203.0.113.5", 15)
	h.exhaustWindow(t, "198.51.100.1", 3)
	h.admit("203.0.113.5")
	h.waitSettled(t)

	stats := h.s.Stats(1)
	if stats.TrackedIdentities != 2 {
		t.Errorf("Expected 2 tracked identities, got %d", stats.TrackedIdentities)
	}
	if len(stats.TopDaily) != 1 || stats.TopDaily[0].Identity != "203.0.113.5" {
		t.Errorf("Expected the busiest identity first, got %+v", stats.TopDaily)
	}
	if stats.TotalQueued != 1 || len(stats.Queues) != 1 || !stats.Queues[0].Draining {
		t.Errorf("Expected one draining queue, got %+v", stats.Queues)
	}
	if stats.Counters.Allowed != 18 || stats.Counters.Queued != 1 {
		t.Errorf("Unexpected counters %+v", stats.Counters)
	}

	info, err := h.s.LimitInfo("198.51.100.1")
	if err != nil {
		t.Fatalf("LimitInfo failed: %v", err)
	}
	if info.WindowRemaining != 12 || info.DailyRemaining != 997 {
		t.Errorf("Unexpected remaining counts %+v", info)
	}

	h.clk.advance(16 * time.Second)
	info, _ = h.s.LimitInfo("198.51.100.1")
	if info.WindowCount != 0 || info.WindowRemaining != 15 {
		t.Errorf("Expected an elapsed window to read as reset, got %+v", info)
	}

	if _, err := h.s.LimitInfo("192.168.1.1"); !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("Expected ErrInvalidIdentity, got %v", err)
	}
}

func TestBackoff(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 15 * time.Second},
		{30, 15 * time.Second},
	}
	for _, tt := range tests {
		if got := h.s.backoff(tt.retries); got != tt.want {
			t.Errorf("backoff(%d) = %s, want %s", tt.retries, got, tt.want)
		}
	}
}

func TestOutcomeMapping(t *testing.T) {
	tests := []struct {
		reason Reason
		status int
		err    error
	}{
		{ReasonNone, http.StatusOK, nil},
		{ReasonBlacklisted, http.StatusForbidden, ErrBlacklisted},
		{ReasonQueueFull, http.StatusTooManyRequests, ErrQueueFull},
		{ReasonGlobalQueueFull, http.StatusTooManyRequests, ErrGlobalQueueFull},
		{ReasonMaxRetries, http.StatusTooManyRequests, ErrMaxRetries},
		{ReasonTimeout, http.StatusRequestTimeout, ErrQueueTimeout},
		{ReasonCircuitOpen, http.StatusServiceUnavailable, ErrCircuitOpen},
		{ReasonShed, http.StatusServiceUnavailable, ErrShed},
		{ReasonShuttingDown, http.StatusServiceUnavailable, ErrShuttingDown},
	}
	for _, tt := range tests {
		t.Run(tt.reason.String(), func(t *testing.T) {
			o := Outcome{Reason: tt.reason}
			if o.StatusCode() != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, o.StatusCode())
			}
			if !errors.Is(o.Err(), tt.err) {
				t.Errorf("Expected %v, got %v", tt.err, o.Err())
			}
		})
	}
}

// Exercises the real clock with many identities so the race detector can see
// timers, drain loops and callers interleave.
func TestAdmit_ConcurrentOutcomesAreExactlyOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping concurrency test in short mode")
	}

	clk := clock.NewSystemClock()
	tr, _ := tracker.New(clk, tracker.Config{
		MaxPerWindow:       2,
		Window:             20 * time.Millisecond,
		DailyLimit:         1000,
		ViolationThreshold: 1000,
		MaxTracked:         1000,
	})
	bl, _ := blacklist.NewManager(context.Background(), clk, blacklist.NewMemoryStore(), time.Hour, logging.NewNopLogger())
	defer bl.Close()
	s, err := NewScheduler(clk, Config{
		MaxQueueSize:   4,
		MaxTotalQueued: 50,
		RequestTimeout: 30 * time.Millisecond,
		MaxRetries:     3,
		BackoffBase:    time.Millisecond,
		MaxBackoff:     8 * time.Millisecond,
	}, tr, bl, nil, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}

	const identities, perIdentity = 20, 8
	results := make(chan Outcome, identities*perIdentity)

	var wg sync.WaitGroup
	for i := 0; i < identities; i++ {
		ip := fmt.Sprintf("203.0.113.%d", i+1)
		for j := 0; j < perIdentity; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				results <- s.Admit(ctx, request(ip)).Wait(ctx)
			}()
		}
	}
	wg.Wait()
	close(results)

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	n := 0
	for o := range results {
		if o.Reason == ReasonCanceled {
			t.Errorf("Request for %s never resolved", o.Identity)
		}
		n++
	}
	if n != identities*perIdentity {
		t.Fatalf("Expected %d outcomes, got %d", identities*perIdentity, n)
	}

	c := s.Counters()
	var rejected uint64
	for _, v := range c.Rejected {
		rejected += v
	}
	if total := c.Allowed + c.Drained + rejected; total != uint64(n) {
		t.Errorf("Expected counters to account for every request exactly once: %d != %d (%+v)", total, n, c)
	}
}

// stalledStore never completes a Put until release is closed.
type stalledStore struct {
	*blacklist.MemoryStore
	release chan struct{}
}

func (s *stalledStore) Put(ctx context.Context, e blacklist.Entry) error {
	select {
	case <-s.release:
		return s.MemoryStore.Put(ctx, e)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestAdmit_StalledBlacklistStore(t *testing.T) {
	cfg, tcfg := defaultConfigs()
	clk := newParkingClock()
	tr, err := tracker.New(clk, tcfg)
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}
	store := &stalledStore{MemoryStore: blacklist.NewMemoryStore(), release: make(chan struct{})}
	bl, err := blacklist.NewManager(context.Background(), clk, store, 30*24*time.Hour, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create blacklist: %v", err)
	}
	s, err := NewScheduler(clk, cfg, tr, bl, nil, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	t.Cleanup(func() {
		close(store.release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		bl.Close()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3000; i++ {
			if err := s.AutoDisable(context.Background(), fmt.Sprintf("11.1.%d.%d", i/250, i%250+1), "flood"); err != nil {
				t.Errorf("AutoDisable failed: %v", err)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("AutoDisable blocked on the stalled store")
	}

	tickets := make(chan Outcome, 2)
	go func() {
		tickets <- s.Admit(context.Background(), request("8.8.8.8")).Wait(context.Background())
		tickets <- s.Admit(context.Background(), request("11.1.0.1")).Wait(context.Background())
	}()
	for _, want := range []Reason{ReasonNone, ReasonBlacklisted} {
		select {
		case o := <-tickets:
			if o.Reason != want {
				t.Errorf("Expected %s, got %s", want, o.Reason)
			}
		case <-time.After(time.Second):
			t.Fatal("Admit blocked on the stalled store")
		}
	}
}
