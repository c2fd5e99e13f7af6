package admission

import (
	"time"

	"admission-gateway/internal/logging"
)

func (s *Scheduler) startDrainLocked(id string) {
	s.loopSeq++
	token := s.loopSeq
	s.draining[id] = token

	s.loops.Add(1)
	go s.drain(id, token)
}

// drain is the per-identity drain loop.
func (s *Scheduler) drain(id string, token uint64) {
	defer s.loops.Done()

	iterations := 0
	for {
		pause, ok := s.drainStep(id, token, &iterations)
		if !ok {
			return
		}
		if pause > 0 {
			// A cancelled sleep means shutdown; the next step sees the
			// stale token and exits.
			_ = s.clock.Sleep(s.loopCtx, pause)
		}
	}
}

// drainStep handles the head of id's queue. It returns how long the loop
// should pause before the next step, and false once the loop must exit.
func (s *Scheduler) drainStep(id string, token uint64, iterations *int) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining[id] != token {
		return 0, false
	}

	q := s.queues[id]
	if len(q) == 0 {
		delete(s.queues, id)
		delete(s.draining, id)
		return 0, false
	}

	*iterations++
	if *iterations > s.config.BreakerIterations {
		s.tripBreakerLocked(id, *iterations)
		return 0, false
	}

	p := q[0]
	s.queues[id] = q[1:]
	s.totalQueued--
	s.stopTimeoutLocked(p)

	if p.abandoned() {
		s.finishLocked(p, ReasonCanceled)
		return 0, true
	}

	if p.retries >= s.config.MaxRetries {
		s.finishLocked(p, ReasonMaxRetries)
		return 0, true
	}

	now := s.clock.Now()
	if s.tracker.CheckAndConsume(id) {
		o := Outcome{
			Identity:  id,
			Queued:    true,
			QueueWait: now.Sub(p.enqueuedAt),
			Retries:   p.retries,
		}
		if p.resolve(o) {
			s.counters.drained.Add(1)
			s.logger.AdmissionEvent(p.ctx, logging.EventDrained, id, map[string]interface{}{
				"retries":       p.retries,
				"queue_wait_ms": o.QueueWait.Milliseconds(),
			})
		}
		return s.config.RequestSpacing, true
	}

	p.retries++
	s.armTimeoutLocked(p)
	s.queues[id] = append([]*pending{p}, s.queues[id]...)
	s.totalQueued++
	return s.backoff(p.retries), true
}

// backoff returns BackoffBase * 2^retries, capped at MaxBackoff.
func (s *Scheduler) backoff(retries int) time.Duration {
	d := s.config.BackoffBase
	for i := 0; i < retries; i++ {
		d *= 2
		if d >= s.config.MaxBackoff {
			return s.config.MaxBackoff
		}
	}
	return d
}

func (s *Scheduler) tripBreakerLocked(id string, iterations int) {
	failed := s.purgeQueueLocked(id, ReasonCircuitOpen)
	s.counters.breakerTrips.Add(1)
	s.logger.AdmissionEvent(s.loopCtx, logging.EventBreakerTripped, id, map[string]interface{}{
		"iterations": iterations,
		"failed":     failed,
	})
}
