// Package admission decides, for every inbound request, whether it proceeds
// now, waits in its client's queue, or is rejected.
//
// A request that fails the rate check is queued behind earlier requests from
// the same identity. One drain loop per identity retries the head of the
// queue with exponential backoff until it is admitted, times out, runs out of
// retries, or the loop's circuit breaker trips. Requeued entries go back to
// the front, so a client's requests are admitted in arrival order.
//
// All tracker, blacklist and queue mutations happen under Scheduler.mu. Every
// queued request reaches exactly one Outcome no matter how its timeout, the
// drain loop, janitor purges and caller cancellation interleave.
package admission

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"admission-gateway/internal/blacklist"
	"admission-gateway/internal/botscore"
	"admission-gateway/internal/clock"
	"admission-gateway/internal/identity"
	"admission-gateway/internal/logging"
	"admission-gateway/internal/tracker"
)

// DefaultBreakerIterations caps how many queue entries one drain loop
// invocation may process before the whole queue is failed with 503.
const DefaultBreakerIterations = 100

// Config holds the queueing tunables.
type Config struct {
	MaxQueueSize      int
	MaxTotalQueued    int
	RequestTimeout    time.Duration
	MaxRetries        int
	BackoffBase       time.Duration
	MaxBackoff        time.Duration
	RequestSpacing    time.Duration
	BreakerIterations int
}

func (c Config) validate() error {
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max queue size must be > 0, got: %d", c.MaxQueueSize)
	}
	if c.MaxTotalQueued <= 0 {
		return fmt.Errorf("max total queued must be > 0, got: %d", c.MaxTotalQueued)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be > 0, got: %s", c.RequestTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got: %d", c.MaxRetries)
	}
	if c.BackoffBase <= 0 || c.MaxBackoff < c.BackoffBase {
		return fmt.Errorf("invalid backoff range %s..%s", c.BackoffBase, c.MaxBackoff)
	}
	return nil
}

// Request is the part of an inbound call the scheduler looks at.
type Request struct {
	Metadata identity.Metadata
	Header   http.Header
}

// FromHTTP extracts a Request from r.
func FromHTTP(r *http.Request) Request {
	return Request{
		Metadata: identity.FromRequest(r),
		Header:   r.Header,
	}
}

// Scheduler is the admission state machine. Construct one per process.
type Scheduler struct {
	mu sync.Mutex

	clock     clock.Clock
	config    Config
	tracker   *tracker.Tracker
	blacklist *blacklist.Manager
	scorer    botscore.Scorer
	logger    *logging.Logger

	queues      map[string][]*pending
	totalQueued int
	// draining maps an identity to the token of its live drain loop. A loop
	// exits as soon as its token is no longer current.
	draining     map[string]uint64
	loopSeq      uint64
	shuttingDown bool

	counters *counters

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loops      sync.WaitGroup
}

// NewScheduler wires the scheduler to its collaborators. The scorer may be
// nil to disable header heuristics.
func NewScheduler(clk clock.Clock, cfg Config, tr *tracker.Tracker, bl *blacklist.Manager, scorer botscore.Scorer, logger *logging.Logger) (*Scheduler, error) {
	if cfg.BreakerIterations <= 0 {
		cfg.BreakerIterations = DefaultBreakerIterations
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid admission config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:      clk,
		config:     cfg,
		tracker:    tr,
		blacklist:  bl,
		scorer:     scorer,
		logger:     logger,
		queues:     make(map[string][]*pending),
		draining:   make(map[string]uint64),
		counters:   newCounters(),
		loopCtx:    ctx,
		loopCancel: cancel,
	}, nil
}

// Admit runs the admission algorithm for one request. The returned Ticket
// either already holds the outcome or must be waited on.
//
// ctx is the caller's request context; once it is done the request counts as
// abandoned and is discarded from the queue.
func (s *Scheduler) Admit(ctx context.Context, req Request) *Ticket {
	id, ok := identity.Resolve(req.Metadata)
	if !ok {
		s.counters.unthrottled.Add(1)
		return s.immediate(Outcome{Unthrottled: true})
	}

	var score float64
	var flags []string
	if s.scorer != nil {
		score, flags = s.scorer.Score(req.Header)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown {
		return s.rejectLocked(ctx, id, ReasonShuttingDown)
	}

	if s.blacklist.IsBlacklisted(id) {
		return s.rejectLocked(ctx, id, ReasonBlacklisted)
	}

	if score > 0 {
		s.tracker.UpdateBotScore(id, score, flags)
	}

	rejection := s.tracker.Consume(id)
	if rejection == tracker.NotRejected {
		s.counters.allowed.Add(1)
		return s.immediate(Outcome{Identity: id})
	}

	s.counters.violations.Add(1)
	if count, reached := s.tracker.RecordViolation(id); reached {
		s.blacklistLocked(ctx, id, blacklist.ReasonViolations, map[string]interface{}{
			"violations": count,
		})
		return s.rejectLocked(ctx, id, ReasonBlacklisted)
	}

	return s.enqueueLocked(ctx, id, rejection)
}

func (s *Scheduler) immediate(o Outcome) *Ticket {
	return &Ticket{s: s, outcome: o}
}

func (s *Scheduler) rejectLocked(ctx context.Context, id string, reason Reason) *Ticket {
	s.counters.reject(reason)
	s.logger.AdmissionEvent(ctx, logging.EventRejected, id, map[string]interface{}{
		"reason": reason.String(),
	})
	return s.immediate(Outcome{Reason: reason, Identity: id})
}

func (s *Scheduler) enqueueLocked(ctx context.Context, id string, rejection tracker.Rejection) *Ticket {
	q := s.queues[id]
	if len(q) >= s.config.MaxQueueSize {
		return s.rejectLocked(ctx, id, ReasonQueueFull)
	}
	if s.totalQueued >= s.config.MaxTotalQueued {
		return s.rejectLocked(ctx, id, ReasonGlobalQueueFull)
	}

	p := newPending(ctx, id, s.clock.Now())
	s.armTimeoutLocked(p)
	s.queues[id] = append(q, p)
	s.totalQueued++
	s.counters.queued.Add(1)

	s.logger.AdmissionEvent(ctx, logging.EventQueued, id, map[string]interface{}{
		"cause":       rejection.String(),
		"queue_depth": len(s.queues[id]),
	})

	if _, running := s.draining[id]; !running {
		s.startDrainLocked(id)
	}

	return &Ticket{s: s, p: p}
}

func (s *Scheduler) armTimeoutLocked(p *pending) {
	p.timerGen++
	gen := p.timerGen
	p.timer = s.clock.AfterFunc(s.config.RequestTimeout, func() {
		s.onTimeout(p, gen)
	})
}

func (s *Scheduler) stopTimeoutLocked(p *pending) {
	p.timerGen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (s *Scheduler) onTimeout(p *pending, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A newer timer was armed or the entry left the queue.
	if p.timerGen != gen {
		return
	}
	s.removeLocked(p)
	s.finishLocked(p, ReasonTimeout)
}

// removeLocked takes p out of its queue if it is still there.
func (s *Scheduler) removeLocked(p *pending) bool {
	q := s.queues[p.id]
	for i, e := range q {
		if e != p {
			continue
		}
		s.queues[p.id] = append(q[:i:i], q[i+1:]...)
		if len(s.queues[p.id]) == 0 {
			delete(s.queues, p.id)
		}
		s.totalQueued--
		s.stopTimeoutLocked(p)
		return true
	}
	return false
}

// finishLocked resolves p with a rejection, counting and logging it only if
// this call won the race for p's outcome.
func (s *Scheduler) finishLocked(p *pending, reason Reason) {
	o := Outcome{
		Reason:    reason,
		Identity:  p.id,
		Queued:    true,
		QueueWait: s.clock.Now().Sub(p.enqueuedAt),
		Retries:   p.retries,
	}
	if !p.resolve(o) {
		return
	}
	s.counters.reject(reason)

	event := logging.EventRejected
	if reason == ReasonTimeout {
		event = logging.EventTimeout
	}
	s.logger.AdmissionEvent(p.ctx, event, p.id, map[string]interface{}{
		"reason":        reason.String(),
		"retries":       p.retries,
		"queue_wait_ms": o.QueueWait.Milliseconds(),
	})
}

// abandon withdraws p after its caller stopped waiting.
func (s *Scheduler) abandon(p *pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(p)
	s.finishLocked(p, ReasonCanceled)
}

// purgeQueueLocked fails every entry queued for id and stops its drain loop.
func (s *Scheduler) purgeQueueLocked(id string, reason Reason) int {
	q := s.queues[id]
	for _, p := range q {
		s.stopTimeoutLocked(p)
		s.finishLocked(p, reason)
	}
	s.totalQueued -= len(q)
	delete(s.queues, id)
	delete(s.draining, id)
	return len(q)
}

// blacklistLocked adds id to the blacklist and fails its queued requests.
func (s *Scheduler) blacklistLocked(ctx context.Context, id, reason string, details map[string]interface{}) {
	if !s.blacklist.Add(id, reason) {
		return
	}
	purged := s.purgeQueueLocked(id, ReasonBlacklisted)
	s.counters.blacklisted.Add(1)

	if details == nil {
		details = make(map[string]interface{})
	}
	details["reason"] = reason
	details["purged"] = purged
	s.logger.AdmissionEvent(ctx, logging.EventBlacklisted, id, details)
}

// Shutdown fails every queued request with 503, stops the drain loops and
// waits for them to exit or for ctx to end. Later Admit calls are rejected.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	for id := range s.queues {
		s.purgeQueueLocked(id, ReasonShuttingDown)
	}
	s.draining = make(map[string]uint64)
	s.loopCancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for drain loops: %w", ctx.Err())
	}
}
