// Package clock provides the time source used by the admission layer.
//
// Every component that reads the time, arms a timer or sleeps goes through a
// Clock so that tests can drive window resets, queue timeouts and drain-loop
// backoff deterministically with a ManualClock.
package clock

import (
	"context"
	"time"
)

// Clock is the time source for windows, timers and backoff sleeps.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine after d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer

	// Sleep blocks for d or until ctx is done, whichever comes first.
	// It returns ctx.Err() when the context ended the sleep.
	Sleep(ctx context.Context, d time.Duration) error
}

// Timer is a cancellable one-shot timer created by AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// SystemClock implements Clock on top of the time package.
type SystemClock struct{}

// NewSystemClock returns the wall clock.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
