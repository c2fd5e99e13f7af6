package admission

import (
	"context"
	"time"

	"admission-gateway/internal/logging"
)

// SweepResult summarizes one routine cleanup pass.
type SweepResult struct {
	IdleRemoved   int   `json:"idle_removed"`
	ExpiredQueued int   `json:"expired_queued"`
	EmptyQueues   int   `json:"empty_queues"`
	TrackedAfter  int   `json:"tracked_after"`
	CapEvictions  int64 `json:"cap_evictions"`
}

// ShedResult summarizes an emergency cleanup.
type ShedResult struct {
	QueuedFailed int `json:"queued_failed"`
	QueuesClosed int `json:"queues_closed"`
	Discarded    int `json:"records_discarded"`
	Kept         int `json:"records_kept"`
}

// Sweep is the routine cleanup: it drops tracking records idle for longer
// than ttl, times out queue entries older than the request timeout and
// removes empty queues. Records over the tracking cap are evicted on insert.
func (s *Scheduler) Sweep(ctx context.Context, ttl time.Duration) SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SweepResult
	res.IdleRemoved = s.tracker.RemoveIdle(ttl)

	cutoff := s.clock.Now().Add(-s.config.RequestTimeout)
	for id, q := range s.queues {
		if len(q) == 0 {
			delete(s.queues, id)
			res.EmptyQueues++
			continue
		}

		kept := q[:0:0]
		for _, p := range q {
			if p.enqueuedAt.Before(cutoff) {
				s.stopTimeoutLocked(p)
				s.finishLocked(p, ReasonTimeout)
				s.totalQueued--
				res.ExpiredQueued++
				continue
			}
			kept = append(kept, p)
		}

		if len(kept) == 0 {
			delete(s.queues, id)
			res.EmptyQueues++
		} else {
			s.queues[id] = kept
		}
	}

	res.TrackedAfter = s.tracker.Len()
	res.CapEvictions = s.tracker.Evictions()

	s.logger.AdmissionEvent(ctx, logging.EventCleanup, "", map[string]interface{}{
		"idle_removed":   res.IdleRemoved,
		"expired_queued": res.ExpiredQueued,
		"empty_queues":   res.EmptyQueues,
		"tracked":        res.TrackedAfter,
	})
	return res
}

// EmergencyShed fails every queued request with 503, stops all drain loops
// and keeps only tracking records accessed within keep. Used under memory
// pressure; continuity for queued clients is given up for a hard ceiling.
func (s *Scheduler) EmergencyShed(ctx context.Context, keep time.Duration) ShedResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ShedResult
	for id := range s.queues {
		res.QueuedFailed += s.purgeQueueLocked(id, ReasonShed)
		res.QueuesClosed++
	}
	s.draining = make(map[string]uint64)

	before := s.tracker.Len()
	res.Discarded = s.tracker.KeepRecent(keep)
	res.Kept = before - res.Discarded

	s.counters.emergencyShed.Add(1)
	s.logger.AdmissionEvent(ctx, logging.EventEmergencyCleanup, "", map[string]interface{}{
		"queued_failed":     res.QueuedFailed,
		"queues_closed":     res.QueuesClosed,
		"records_discarded": res.Discarded,
		"records_kept":      res.Kept,
	})
	return res
}

// CheckAmnesty runs the blacklist auto-reset if it is due, zeroing every
// violation count along with it. It reports whether a reset happened.
func (s *Scheduler) CheckAmnesty(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := s.blacklist.ResetIfDue()
	if released < 0 {
		return false
	}
	s.tracker.ResetViolations()
	s.counters.amnesties.Add(1)

	s.logger.AdmissionEvent(ctx, logging.EventAmnesty, "", map[string]interface{}{
		"released":   released,
		"next_reset": s.blacklist.NextReset(),
	})
	return true
}
