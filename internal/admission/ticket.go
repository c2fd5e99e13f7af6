package admission

import (
	"context"
	"sync/atomic"
	"time"

	"admission-gateway/internal/clock"
)

// pending is one queued request.
//
// The outcome channel has room for exactly one value and resolve is guarded
// by a CAS, so whichever of the drain loop, the timeout, a purge or the
// caller's cancellation gets there first owns the response.
type pending struct {
	id         string
	ctx        context.Context
	enqueuedAt time.Time
	retries    int

	// Guarded by Scheduler.mu.
	timer    clock.Timer
	timerGen uint64

	resolved atomic.Bool
	ch       chan Outcome
}

func newPending(ctx context.Context, id string, now time.Time) *pending {
	return &pending{
		id:         id,
		ctx:        ctx,
		enqueuedAt: now,
		ch:         make(chan Outcome, 1),
	}
}

func (p *pending) resolve(o Outcome) bool {
	if !p.resolved.CompareAndSwap(false, true) {
		return false
	}
	p.ch <- o
	return true
}

// abandoned reports whether nobody is waiting for this request any more.
func (p *pending) abandoned() bool {
	return p.resolved.Load() || p.ctx.Err() != nil
}

// Ticket is the handle returned by Admit.
type Ticket struct {
	s       *Scheduler
	outcome Outcome
	p       *pending
}

// Pending reports whether the request was queued and has no outcome yet.
func (t *Ticket) Pending() bool {
	return t.p != nil && !t.p.resolved.Load()
}

// Wait blocks until the request reaches a terminal state. If ctx ends first
// the request is withdrawn from its queue and ReasonCanceled is returned,
// unless another outcome won the race. A Ticket belongs to one goroutine.
func (t *Ticket) Wait(ctx context.Context) Outcome {
	if t.p == nil {
		return t.outcome
	}

	var o Outcome
	select {
	case o = <-t.p.ch:
	case <-ctx.Done():
		t.s.abandon(t.p)
		o = <-t.p.ch
	}

	t.outcome = o
	t.p = nil
	return o
}
