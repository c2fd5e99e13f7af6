package clock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ManualClock is a Clock whose time only moves when the test says so.
//
// Timers armed with AfterFunc and goroutines blocked in Sleep are released by
// Advance once their deadline is reached, in deadline order. Timer callbacks
// run synchronously on the goroutine calling Advance, after the clock's own
// lock has been released, so callbacks may freely read the clock.
//
// Safe for concurrent use.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	waiters map[uint64]*waiter
}

type waiter struct {
	id       uint64
	deadline time.Time
	fire     func()
}

// NewManualClock creates a ManualClock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{
		now:     start,
		waiters: make(map[uint64]*waiter),
	}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run once the clock has been advanced by d.
// A non-positive d fires f on its own goroutine right away.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	if d <= 0 {
		go f()
		return &manualTimer{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	w := &waiter{id: c.seq, deadline: c.now.Add(d), fire: f}
	c.waiters[w.id] = w
	return &manualTimer{clock: c, id: w.id}
}

// Sleep blocks until the clock has been advanced by d or ctx is done.
func (c *ManualClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	done := make(chan struct{})
	t := c.AfterFunc(d, func() { close(done) })

	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Advance moves the clock forward by delta and fires every timer and sleeper
// whose deadline has been reached.
func (c *ManualClock) Advance(delta time.Duration) error {
	if delta < 0 {
		return fmt.Errorf("delta must be >= 0, got: %s", delta)
	}

	c.mu.Lock()
	c.now = c.now.Add(delta)
	var due []*waiter
	for id, w := range c.waiters {
		if !w.deadline.After(c.now) {
			due = append(due, w)
			delete(c.waiters, id)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, w := range due {
		w.fire()
	}
	return nil
}

// Set jumps the clock to t without firing anything. Only meant for test setup.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Waiters returns the number of armed timers and blocked sleepers.
func (c *ManualClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

type manualTimer struct {
	clock *ManualClock
	id    uint64
}

func (t *manualTimer) Stop() bool {
	if t.clock == nil {
		return false
	}
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if _, ok := t.clock.waiters[t.id]; !ok {
		return false
	}
	delete(t.clock.waiters, t.id)
	return true
}
