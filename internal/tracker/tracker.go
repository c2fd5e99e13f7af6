// Package tracker implements the per-identity fixed-window counters that every
// admission decision reads and writes.
//
// Each identity owns one Record holding a short window counter, a daily
// counter, its violation count and its bot suspicion score. Windows reset
// lazily: a counter is zeroed on the first access after its window has
// elapsed, never by a background timer.
//
// Records live in an LRU bounded by Config.MaxTracked. Inserting a new
// identity into a full table evicts the identity that was accessed least
// recently, which bounds resident state without a separate sweep.
//
// A Tracker is not safe for concurrent use. The admission scheduler owns the
// only instance and serializes every call under its own lock.
package tracker

import (
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"admission-gateway/internal/clock"
)

// Bot score thresholds.
const (
	// SuspiciousScore marks a record as a suspicious bot when reported.
	SuspiciousScore = 80
	// QuarterQuotaScore cuts the daily quota to 25%.
	QuarterQuotaScore = 40
	// HalfQuotaScore cuts the daily quota to 50%.
	HalfQuotaScore = 20
	// MaxScore is the upper bound of a suspicion score.
	MaxScore = 100
)

// DefaultDailyWindow is the length of the daily quota window.
const DefaultDailyWindow = 24 * time.Hour

// Config holds the counting limits.
type Config struct {
	MaxPerWindow       int
	Window             time.Duration
	DailyLimit         int
	DailyWindow        time.Duration
	ViolationThreshold int
	MaxTracked         int
}

// Validate checks that every limit is positive.
func (c Config) Validate() error {
	if c.MaxPerWindow <= 0 {
		return fmt.Errorf("max per window must be > 0, got: %d", c.MaxPerWindow)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be > 0, got: %s", c.Window)
	}
	if c.DailyLimit <= 0 {
		return fmt.Errorf("daily limit must be > 0, got: %d", c.DailyLimit)
	}
	if c.DailyWindow <= 0 {
		return fmt.Errorf("daily window must be > 0, got: %s", c.DailyWindow)
	}
	if c.ViolationThreshold <= 0 {
		return fmt.Errorf("violation threshold must be > 0, got: %d", c.ViolationThreshold)
	}
	if c.MaxTracked <= 0 {
		return fmt.Errorf("max tracked identities must be > 0, got: %d", c.MaxTracked)
	}
	return nil
}

// Record is the rate-limit state of one identity.
type Record struct {
	WindowCount      int
	WindowStart      time.Time
	DailyCount       int
	DailyWindowStart time.Time
	ViolationCount   int
	LastAccess       time.Time

	BotScore        float64
	HasBotScore     bool
	IsSuspiciousBot bool
	BotFlags        []string
}

// Rejection says which limit refused a request.
type Rejection int

const (
	// NotRejected means the request consumed a slot.
	NotRejected Rejection = iota
	// DailyExhausted means the (possibly bot-reduced) daily quota is spent.
	DailyExhausted
	// WindowExceeded means the short window is full.
	WindowExceeded
)

func (r Rejection) String() string {
	switch r {
	case NotRejected:
		return "none"
	case DailyExhausted:
		return "daily_exhausted"
	case WindowExceeded:
		return "window_exceeded"
	default:
		return "unknown"
	}
}

// Tracker is the RateWindow tracker.
type Tracker struct {
	clock     clock.Clock
	config    Config
	records   *lru.Cache[string, *Record]
	evictions int64
}

// New creates a tracker. DailyWindow defaults to 24h when zero.
func New(clk clock.Clock, cfg Config) (*Tracker, error) {
	if cfg.DailyWindow == 0 {
		cfg.DailyWindow = DefaultDailyWindow
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracker config: %w", err)
	}

	records, err := lru.New[string, *Record](cfg.MaxTracked)
	if err != nil {
		return nil, fmt.Errorf("failed to create record table: %w", err)
	}

	return &Tracker{
		clock:   clk,
		config:  cfg,
		records: records,
	}, nil
}

// Config returns the limits the tracker was built with.
func (t *Tracker) Config() Config {
	return t.config
}

// CheckAndConsume reports whether id may make a request now, consuming a
// window slot and a daily slot on success.
func (t *Tracker) CheckAndConsume(id string) bool {
	return t.Consume(id) == NotRejected
}

// Consume runs the admission check and says which limit, if any, refused it.
//
// The daily quota is checked first and a request refused there touches no
// counter. A request that passes the daily check always takes a window slot,
// even when the window then turns out to be full; only a request that passes
// both checks takes a daily slot.
func (t *Tracker) Consume(id string) Rejection {
	now := t.clock.Now()
	rec := t.getOrCreate(id, now)

	if now.Sub(rec.DailyWindowStart) > t.config.DailyWindow {
		rec.DailyCount = 0
		rec.DailyWindowStart = now
	}

	if rec.DailyCount >= t.EffectiveDailyLimit(rec) {
		return DailyExhausted
	}

	if now.Sub(rec.WindowStart) > t.config.Window {
		rec.WindowCount = 0
		rec.WindowStart = now
	}

	rec.WindowCount++
	if rec.WindowCount > t.config.MaxPerWindow {
		return WindowExceeded
	}

	rec.DailyCount++
	return NotRejected
}

// EffectiveDailyLimit applies the bot suspicion reduction to the base quota.
func (t *Tracker) EffectiveDailyLimit(rec *Record) int {
	base := t.config.DailyLimit
	switch {
	case rec.IsSuspiciousBot || (rec.HasBotScore && rec.BotScore >= QuarterQuotaScore):
		return base / 4
	case rec.HasBotScore && rec.BotScore >= HalfQuotaScore:
		return base / 2
	default:
		return base
	}
}

// RecordViolation increments the violation count of id and reports whether it
// has reached the blacklist threshold.
func (t *Tracker) RecordViolation(id string) (count int, reached bool) {
	rec := t.getOrCreate(id, t.clock.Now())
	rec.ViolationCount++
	return rec.ViolationCount, rec.ViolationCount >= t.config.ViolationThreshold
}

// UpdateBotScore merges score into id's record with max(); a score of
// SuspiciousScore or more marks the identity as a suspicious bot.
func (t *Tracker) UpdateBotScore(id string, score float64, flags []string) {
	if score < 0 {
		score = 0
	}
	if score > MaxScore {
		score = MaxScore
	}

	rec := t.getOrCreate(id, t.clock.Now())
	if !rec.HasBotScore || score > rec.BotScore {
		rec.BotScore = score
	}
	rec.HasBotScore = true
	if score >= SuspiciousScore {
		rec.IsSuspiciousBot = true
	}
	rec.BotFlags = mergeFlags(rec.BotFlags, flags)
}

// ResetViolations zeroes the violation count of every record.
func (t *Tracker) ResetViolations() {
	for _, id := range t.records.Keys() {
		if rec, ok := t.records.Peek(id); ok {
			rec.ViolationCount = 0
		}
	}
}

// ResetViolation zeroes the violation count of one record.
func (t *Tracker) ResetViolation(id string) {
	if rec, ok := t.records.Peek(id); ok {
		rec.ViolationCount = 0
	}
}

// Peek returns a copy of id's record without counting as an access.
func (t *Tracker) Peek(id string) (Record, bool) {
	rec, ok := t.records.Peek(id)
	if !ok {
		return Record{}, false
	}
	cp := *rec
	cp.BotFlags = append([]string(nil), rec.BotFlags...)
	return cp, true
}

// Len returns the number of tracked identities.
func (t *Tracker) Len() int {
	return t.records.Len()
}

// Evictions returns how many identities were pushed out by the capacity bound.
func (t *Tracker) Evictions() int64 {
	return t.evictions
}

// RemoveIdle deletes records not accessed within ttl and returns how many
// were removed.
func (t *Tracker) RemoveIdle(ttl time.Duration) int {
	cutoff := t.clock.Now().Add(-ttl)
	return t.removeIf(func(rec *Record) bool {
		return rec.LastAccess.Before(cutoff)
	})
}

// KeepRecent deletes every record not accessed within keep.
func (t *Tracker) KeepRecent(keep time.Duration) int {
	return t.RemoveIdle(keep)
}

// Usage is one row of the daily usage ranking.
type Usage struct {
	Identity       string  `json:"identity"`
	DailyCount     int     `json:"daily_count"`
	DailyLimit     int     `json:"effective_daily_limit"`
	ViolationCount int     `json:"violation_count"`
	BotScore       float64 `json:"bot_score"`
}

// TopDaily returns up to n identities ordered by daily usage, highest first.
func (t *Tracker) TopDaily(n int) []Usage {
	if n <= 0 {
		return nil
	}

	rows := make([]Usage, 0, t.records.Len())
	for _, id := range t.records.Keys() {
		rec, ok := t.records.Peek(id)
		if !ok {
			continue
		}
		rows = append(rows, Usage{
			Identity:       id,
			DailyCount:     rec.DailyCount,
			DailyLimit:     t.EffectiveDailyLimit(rec),
			ViolationCount: rec.ViolationCount,
			BotScore:       rec.BotScore,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].DailyCount != rows[j].DailyCount {
			return rows[i].DailyCount > rows[j].DailyCount
		}
		return rows[i].Identity < rows[j].Identity
	})
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

func (t *Tracker) getOrCreate(id string, now time.Time) *Record {
	rec, ok := t.records.Get(id)
	if !ok {
		rec = &Record{
			WindowStart:      now,
			DailyWindowStart: now,
		}
		if evicted := t.records.Add(id, rec); evicted {
			t.evictions++
		}
	}
	rec.LastAccess = now
	return rec
}

func (t *Tracker) removeIf(pred func(rec *Record) bool) int {
	removed := 0
	for _, id := range t.records.Keys() {
		rec, ok := t.records.Peek(id)
		if ok && pred(rec) {
			t.records.Remove(id)
			removed++
		}
	}
	return removed
}

func mergeFlags(existing, incoming []string) []string {
	for _, f := range incoming {
		found := false
		for _, e := range existing {
			if e == f {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, f)
		}
	}
	return existing
}
