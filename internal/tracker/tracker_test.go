package tracker

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"admission-gateway/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		MaxPerWindow:       15,
		Window:             15 * time.Second,
		DailyLimit:         1000,
		ViolationThreshold: 10,
		MaxTracked:         100,
	}
}

func newTestTracker(t *testing.T, cfg Config) (*Tracker, *clock.ManualClock) {
	t.Helper()
	clk := clock.NewManualClock(epoch)
	tr, err := New(clk, cfg)
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}
	return tr, clk
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero window max", func(c *Config) { c.MaxPerWindow = 0 }},
		{"zero window", func(c *Config) { c.Window = 0 }},
		{"negative daily", func(c *Config) { c.DailyLimit = -1 }},
		{"zero threshold", func(c *Config) { c.ViolationThreshold = 0 }},
		{"zero capacity", func(c *Config) { c.MaxTracked = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := New(clock.NewManualClock(epoch), cfg); err == nil {
				t.Error("Expected config error")
			}
		})
	}
}

func TestConsume_WindowLimit(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())

	for i := 1; i <= 15; i++ {
		if !tr.CheckAndConsume("203.0.113.5") {
			t.Fatalf("Expected request %d to be admitted", i)
		}
	}
	if got := tr.Consume("203.0.113.5"); got != WindowExceeded {
		t.Fatalf("Expected 16th request to exceed window, got %s", got)
	}

	rec, _ := tr.Peek("203.0.113.5")
	if rec.WindowCount != 16 {
		t.Errorf("Expected window count 16 after rejected attempt, got %d", rec.WindowCount)
	}
	if rec.DailyCount != 15 {
		t.Errorf("Expected daily count 15, got %d", rec.DailyCount)
	}
}

func TestConsume_WindowResetsAfterElapsed(t *testing.T) {
	tr, clk := newTestTracker(t, testConfig())

	for i := 0; i < 16; i++ {
		tr.CheckAndConsume("203.0.113.5")
	}

	// Exactly one window later the window has not elapsed yet.
	clk.Advance(15 * time.Second)
	if tr.CheckAndConsume("203.0.113.5") {
		t.Fatal("Expected window to still be full at exactly the window boundary")
	}

	clk.Advance(time.Millisecond)
	if !tr.CheckAndConsume("203.0.113.5") {
		t.Fatal("Expected admission after window elapsed")
	}
	rec, _ := tr.Peek("203.0.113.5")
	if rec.WindowCount != 1 {
		t.Errorf("Expected window count 1 after reset, got %d", rec.WindowCount)
	}
}

func TestConsume_DailyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.DailyLimit = 20
	tr, clk := newTestTracker(t, cfg)

	admitted := 0
	for round := 0; round < 3; round++ {
		for i := 0; i < 15; i++ {
			if tr.CheckAndConsume("198.51.100.1") {
				admitted++
			}
		}
		clk.Advance(16 * time.Second)
	}
	if admitted != 20 {
		t.Fatalf("Expected 20 admissions, got %d", admitted)
	}

	before, _ := tr.Peek("198.51.100.1")
	if got := tr.Consume("198.51.100.1"); got != DailyExhausted {
		t.Fatalf("Expected daily exhaustion, got %s", got)
	}
	after, _ := tr.Peek("198.51.100.1")
	if after.WindowCount != before.WindowCount {
		t.Errorf("Daily rejection must not touch the window counter: %d -> %d", before.WindowCount, after.WindowCount)
	}

	clk.Advance(24 * time.Hour)
	if !tr.CheckAndConsume("198.51.100.1") {
		t.Fatal("Expected admission after daily window elapsed")
	}
	rec, _ := tr.Peek("198.51.100.1")
	if rec.DailyCount != 1 {
		t.Errorf("Expected daily count 1 after reset, got %d", rec.DailyCount)
	}
}

func TestEffectiveDailyLimit(t *testing.T) {
	tests := []struct {
		name  string
		score float64
		want  int
	}{
		{"below half threshold", 19, 1000},
		{"half", 20, 500},
		{"still half", 39.9, 500},
		{"quarter", 40, 250},
		{"suspicious", 85, 250},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTracker(t, testConfig())
			tr.UpdateBotScore("203.0.113.5", tt.score, nil)
			rec, _ := tr.records.Peek("203.0.113.5")
			if got := tr.EffectiveDailyLimit(rec); got != tt.want {
				t.Errorf("Expected limit %d, got %d", tt.want, got)
			}
		})
	}
}

func TestUpdateBotScore_MaxMerge(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())

	tr.UpdateBotScore("203.0.113.5", 30, []string{"headless_user_agent"})
	tr.UpdateBotScore("203.0.113.5", 10, []string{"low"})
	rec, _ := tr.Peek("203.0.113.5")
	if rec.BotScore != 30 {
		t.Errorf("Expected score to stay at 30, got %v", rec.BotScore)
	}
	if len(rec.BotFlags) != 2 {
		t.Errorf("Expected flags to accumulate, got %v", rec.BotFlags)
	}
	if rec.IsSuspiciousBot {
		t.Error("Expected not suspicious below 80")
	}

	tr.UpdateBotScore("203.0.113.5", 85, nil)
	rec, _ = tr.Peek("203.0.113.5")
	if rec.BotScore != 85 || !rec.IsSuspiciousBot {
		t.Errorf("Expected suspicious bot with score 85, got %v / %v", rec.BotScore, rec.IsSuspiciousBot)
	}

	tr.UpdateBotScore("203.0.113.5", 250, nil)
	rec, _ = tr.Peek("203.0.113.5")
	if rec.BotScore != MaxScore {
		t.Errorf("Expected score clamped to %d, got %v", MaxScore, rec.BotScore)
	}
}

func TestRecordViolation_Threshold(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())

	for i := 1; i < 10; i++ {
		if _, reached := tr.RecordViolation("203.0.113.5"); reached {
			t.Fatalf("Threshold reached early at violation %d", i)
		}
	}
	count, reached := tr.RecordViolation("203.0.113.5")
	if !reached || count != 10 {
		t.Fatalf("Expected threshold at 10, got count=%d reached=%v", count, reached)
	}

	tr.ResetViolations()
	rec, _ := tr.Peek("203.0.113.5")
	if rec.ViolationCount != 0 {
		t.Errorf("Expected violations reset, got %d", rec.ViolationCount)
	}
}

func TestRemoveIdle(t *testing.T) {
	tr, clk := newTestTracker(t, testConfig())

	tr.CheckAndConsume("203.0.113.1")
	clk.Advance(2 * time.Hour)
	tr.CheckAndConsume("203.0.113.2")

	if removed := tr.KeepRecent(time.Hour); removed != 1 {
		t.Fatalf("Expected 1 record removed, got %d", removed)
	}
	if _, ok := tr.Peek("203.0.113.1"); ok {
		t.Error("Expected idle record to be gone")
	}
	if _, ok := tr.Peek("203.0.113.2"); !ok {
		t.Error("Expected recent record to survive")
	}
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTracked = 2
	tr, _ := newTestTracker(t, cfg)

	tr.CheckAndConsume("203.0.113.1")
	tr.CheckAndConsume("203.0.113.2")
	tr.CheckAndConsume("203.0.113.1")
	tr.CheckAndConsume("203.0.113.3")

	if tr.Len() != 2 {
		t.Fatalf("Expected 2 tracked identities, got %d", tr.Len())
	}
	if _, ok := tr.Peek("203.0.113.2"); ok {
		t.Error("Expected least recently used identity to be evicted")
	}
	if tr.Evictions() != 1 {
		t.Errorf("Expected 1 eviction, got %d", tr.Evictions())
	}
}

func TestTopDaily(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())

	for i := 0; i < 3; i++ {
		tr.CheckAndConsume("203.0.113.3")
	}
	tr.CheckAndConsume("203.0.113.1")
	for i := 0; i < 2; i++ {
		tr.CheckAndConsume("203.0.113.2")
	}

	top := tr.TopDaily(2)
	if len(top) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(top))
	}
	if top[0].Identity != "203.0.113.3" || top[1].Identity != "203.0.113.2" {
		t.Errorf("Unexpected order: %+v", top)
	}
}

func TestTrackerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("daily count never decreases within a daily window", prop.ForAll(
		func(steps []uint16) bool {
			tr, err := New(clock.NewManualClock(epoch), testConfig())
			if err != nil {
				return false
			}
			clk := tr.clock.(*clock.ManualClock)

			last := 0
			for _, s := range steps {
				// Stay well inside the daily window.
				clk.Advance(time.Duration(s%2000) * time.Millisecond)
				tr.CheckAndConsume("203.0.113.5")
				rec, _ := tr.Peek("203.0.113.5")
				if rec.DailyCount < last {
					return false
				}
				last = rec.DailyCount
			}
			return true
		},
		gen.SliceOfN(200, gen.UInt16()),
	))

	properties.Property("admissions per window never exceed the limit", prop.ForAll(
		func(n int) bool {
			tr, err := New(clock.NewManualClock(epoch), testConfig())
			if err != nil {
				return false
			}
			admitted := 0
			for i := 0; i < n; i++ {
				if tr.CheckAndConsume("203.0.113.5") {
					admitted++
				}
			}
			return admitted <= 15
		},
		gen.IntRange(0, 100),
	))

	properties.Property("first request after a window gap starts a new window at 1", prop.ForAll(
		func(before int, gapMillis int) bool {
			tr, err := New(clock.NewManualClock(epoch), testConfig())
			if err != nil {
				return false
			}
			clk := tr.clock.(*clock.ManualClock)
			for i := 0; i < before; i++ {
				tr.CheckAndConsume("203.0.113.5")
			}
			clk.Advance(15*time.Second + time.Duration(gapMillis)*time.Millisecond)
			if !tr.CheckAndConsume("203.0.113.5") {
				return false
			}
			rec, _ := tr.Peek("203.0.113.5")
			return rec.WindowCount == 1
		},
		gen.IntRange(0, 40),
		gen.IntRange(1, 60000),
	))

	properties.TestingRun(t)
}
