package admission

import (
	"sort"
	"sync/atomic"
	"time"

	"admission-gateway/internal/blacklist"
	"admission-gateway/internal/identity"
	"admission-gateway/internal/tracker"
)

type counters struct {
	allowed       atomic.Uint64
	unthrottled   atomic.Uint64
	queued        atomic.Uint64
	drained       atomic.Uint64
	violations    atomic.Uint64
	blacklisted   atomic.Uint64
	breakerTrips  atomic.Uint64
	emergencyShed atomic.Uint64
	amnesties     atomic.Uint64
	rejected      [numReasons]atomic.Uint64
}

func newCounters() *counters {
	return &counters{}
}

func (c *counters) reject(r Reason) {
	if r > ReasonNone && r < numReasons {
		c.rejected[r].Add(1)
	}
}

// Counters are process lifetime totals.
type Counters struct {
	Allowed        uint64            `json:"allowed"`
	Unthrottled    uint64            `json:"unthrottled"`
	Queued         uint64            `json:"queued"`
	Drained        uint64            `json:"drained"`
	Violations     uint64            `json:"violations"`
	Blacklisted    uint64            `json:"blacklisted"`
	BreakerTrips   uint64            `json:"breaker_trips"`
	EmergencySheds uint64            `json:"emergency_sheds"`
	Amnesties      uint64            `json:"amnesties"`
	Rejected       map[string]uint64 `json:"rejected"`
}

func (c *counters) snapshot() Counters {
	out := Counters{
		Allowed:        c.allowed.Load(),
		Unthrottled:    c.unthrottled.Load(),
		Queued:         c.queued.Load(),
		Drained:        c.drained.Load(),
		Violations:     c.violations.Load(),
		Blacklisted:    c.blacklisted.Load(),
		BreakerTrips:   c.breakerTrips.Load(),
		EmergencySheds: c.emergencyShed.Load(),
		Amnesties:      c.amnesties.Load(),
		Rejected:       make(map[string]uint64),
	}
	for r := ReasonNone + 1; r < numReasons; r++ {
		out.Rejected[r.String()] = c.rejected[r].Load()
	}
	return out
}

// Counters returns the lifetime totals without taking the scheduler lock.
func (s *Scheduler) Counters() Counters {
	return s.counters.snapshot()
}

// QueueDepth is one identity's queue in the stats snapshot.
type QueueDepth struct {
	Identity string `json:"identity"`
	Depth    int    `json:"depth"`
	Draining bool   `json:"draining"`
}

// Stats is the read-only introspection snapshot.
type Stats struct {
	Blacklist         []blacklist.Entry `json:"blacklist"`
	BlacklistSize     int               `json:"blacklist_size"`
	NextAmnesty       time.Time         `json:"next_amnesty"`
	TimeUntilAmnesty  string            `json:"time_until_amnesty"`
	TrackedIdentities int               `json:"tracked_identities"`
	CapEvictions      int64             `json:"cap_evictions"`
	TotalQueued       int               `json:"total_queued"`
	Queues            []QueueDepth      `json:"queues"`
	ActiveDrainLoops  int               `json:"active_drain_loops"`
	TopDaily          []tracker.Usage   `json:"top_daily"`
	Counters          Counters          `json:"counters"`
}

// Stats assembles the snapshot. topN bounds the daily usage ranking.
func (s *Scheduler) Stats(topN int) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	next := s.blacklist.NextReset()
	until := next.Sub(now)
	if until < 0 {
		until = 0
	}

	queues := make([]QueueDepth, 0, len(s.queues))
	for id, q := range s.queues {
		_, draining := s.draining[id]
		queues = append(queues, QueueDepth{Identity: id, Depth: len(q), Draining: draining})
	}
	sort.Slice(queues, func(i, j int) bool {
		if queues[i].Depth != queues[j].Depth {
			return queues[i].Depth > queues[j].Depth
		}
		return queues[i].Identity < queues[j].Identity
	})

	entries := s.blacklist.Entries()
	return Stats{
		Blacklist:         entries,
		BlacklistSize:     len(entries),
		NextAmnesty:       next,
		TimeUntilAmnesty:  until.String(),
		TrackedIdentities: s.tracker.Len(),
		CapEvictions:      s.tracker.Evictions(),
		TotalQueued:       s.totalQueued,
		Queues:            queues,
		ActiveDrainLoops:  len(s.draining),
		TopDaily:          s.tracker.TopDaily(topN),
		Counters:          s.counters.snapshot(),
	}
}

// QueueSaturation returns total queued over the global cap, in 0..1.
func (s *Scheduler) QueueSaturation() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.totalQueued) / float64(s.config.MaxTotalQueued)
}

// LimitInfo is the per-identity view of limits and queue state.
type LimitInfo struct {
	Identity        string        `json:"identity"`
	Tracked         bool          `json:"tracked"`
	WindowCount     int           `json:"window_count"`
	WindowLimit     int           `json:"window_limit"`
	WindowRemaining int           `json:"window_remaining"`
	WindowResetsIn  time.Duration `json:"window_resets_in_ns"`
	DailyCount      int           `json:"daily_count"`
	DailyLimit      int           `json:"daily_limit"`
	DailyRemaining  int           `json:"daily_remaining"`
	DailyResetsIn   time.Duration `json:"daily_resets_in_ns"`
	ViolationCount  int           `json:"violation_count"`
	BotScore        float64       `json:"bot_score"`
	IsSuspiciousBot bool          `json:"is_suspicious_bot"`
	BotFlags        []string      `json:"bot_flags,omitempty"`
	Blacklisted     bool          `json:"blacklisted"`
	QueueDepth      int           `json:"queue_depth"`
	Draining        bool          `json:"draining"`
}

// LimitInfo reports id's current standing. Windows that have elapsed but not
// yet been reset by an access are shown as already reset.
func (s *Scheduler) LimitInfo(id string) (LimitInfo, error) {
	canonical, ok := identity.Validate(id)
	if !ok {
		return LimitInfo{}, ErrInvalidIdentity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.tracker.Config()
	now := s.clock.Now()

	info := LimitInfo{
		Identity:       canonical,
		WindowLimit:    cfg.MaxPerWindow,
		WindowResetsIn: cfg.Window,
		DailyResetsIn:  cfg.DailyWindow,
		Blacklisted:    s.blacklist.IsBlacklisted(canonical),
		QueueDepth:     len(s.queues[canonical]),
	}
	_, info.Draining = s.draining[canonical]

	rec, tracked := s.tracker.Peek(canonical)
	info.Tracked = tracked
	info.DailyLimit = s.tracker.EffectiveDailyLimit(&rec)

	if tracked {
		if elapsed := now.Sub(rec.WindowStart); elapsed <= cfg.Window {
			info.WindowCount = rec.WindowCount
			info.WindowResetsIn = cfg.Window - elapsed
		}
		if elapsed := now.Sub(rec.DailyWindowStart); elapsed <= cfg.DailyWindow {
			info.DailyCount = rec.DailyCount
			info.DailyResetsIn = cfg.DailyWindow - elapsed
		}
		info.ViolationCount = rec.ViolationCount
		info.BotScore = rec.BotScore
		info.IsSuspiciousBot = rec.IsSuspiciousBot
		info.BotFlags = rec.BotFlags
	}

	info.WindowRemaining = max(info.WindowLimit-info.WindowCount, 0)
	info.DailyRemaining = max(info.DailyLimit-info.DailyCount, 0)
	return info, nil
}
