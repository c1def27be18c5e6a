package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/Shin0205go/mycelium-sub001/pkg/manifest"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLimiter_MinuteWindowDeniesSixthCall(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Config{
		Quotas: map[string]manifest.Quota{
			"developer": {MaxCallsPerMinute: 5},
		},
		Now: clock.now,
	})

	for i := 0; i < 5; i++ {
		d := l.Check("sess", "developer", "fs__read")
		if !d.Allowed {
			t.Fatalf("call %d should be allowed, denied on %s", i+1, d.Window)
		}
		l.Consume("sess", "developer", "fs__read")
	}

	d := l.Check("sess", "developer", "fs__read")
	if d.Allowed {
		t.Fatal("sixth call within the minute should be denied")
	}
	if d.Window != WindowMinute {
		t.Errorf("window = %s, want minute", d.Window)
	}
	if d.RetryAfterMs <= 0 {
		t.Errorf("retryAfterMs = %d, want > 0", d.RetryAfterMs)
	}
	if d.RetryAfterMs > time.Minute.Milliseconds() {
		t.Errorf("retryAfterMs = %d, exceeds the window span", d.RetryAfterMs)
	}
}

func TestLimiter_WindowResetsAfterSpan(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Config{
		Quotas: map[string]manifest.Quota{"dev": {MaxCallsPerMinute: 2}},
		Now:    clock.now,
	})

	l.Consume("sess", "dev", "")
	l.Consume("sess", "dev", "")
	if d := l.Check("sess", "dev", ""); d.Allowed {
		t.Fatal("should be denied at limit")
	}

	clock.advance(61 * time.Second)

	if d := l.Check("sess", "dev", ""); !d.Allowed {
		t.Fatalf("should be allowed after window reset, denied on %s", d.Window)
	}
	if u := l.Usage("sess"); u.MinuteCount != 0 {
		t.Errorf("minute count = %d after reset, want 0", u.MinuteCount)
	}
}

func TestLimiter_HourWindowOutlastsMinute(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Config{
		Quotas: map[string]manifest.Quota{"dev": {MaxCallsPerHour: 3}},
		Now:    clock.now,
	})

	for i := 0; i < 3; i++ {
		l.Consume("sess", "dev", "")
		clock.advance(2 * time.Minute)
	}

	d := l.Check("sess", "dev", "")
	if d.Allowed {
		t.Fatal("fourth call within the hour should be denied")
	}
	if d.Window != WindowHour {
		t.Errorf("window = %s, want hour", d.Window)
	}

	clock.advance(time.Hour)
	if d := l.Check("sess", "dev", ""); !d.Allowed {
		t.Error("should be allowed after the hour window resets")
	}
}

func TestLimiter_UnknownRoleUnlimited(t *testing.T) {
	l := NewLimiter(Config{
		Quotas: map[string]manifest.Quota{"dev": {MaxCallsPerMinute: 1}},
	})

	for i := 0; i < 50; i++ {
		if d := l.Check("sess", "guest", ""); !d.Allowed {
			t.Fatalf("role without quota should be unlimited, denied at call %d", i+1)
		}
		l.Consume("sess", "guest", "")
	}
}

func TestLimiter_PerToolSublimit(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Config{
		Quotas: map[string]manifest.Quota{
			"dev": {
				MaxCallsPerMinute: 100,
				Tools: map[string]manifest.ToolQuota{
					"git__push": {MaxCallsPerMinute: 2},
				},
			},
		},
		Now: clock.now,
	})

	l.Consume("sess", "dev", "git__push")
	l.Consume("sess", "dev", "git__push")

	d := l.Check("sess", "dev", "git__push")
	if d.Allowed {
		t.Fatal("git__push should hit its per-tool sub-limit")
	}
	if d.Tool != "git__push" || d.Window != WindowMinute {
		t.Errorf("denial = {tool:%s window:%s}, want {git__push minute}", d.Tool, d.Window)
	}

	// Other tools under the same role stay within the role limit.
	if d := l.Check("sess", "dev", "git__log"); !d.Allowed {
		t.Error("git__log should not be affected by git__push's sub-limit")
	}
}

func TestLimiter_ConcurrentCounter(t *testing.T) {
	l := NewLimiter(Config{
		Quotas: map[string]manifest.Quota{"dev": {MaxConcurrent: 2}},
	})

	l.StartConcurrent("sess")
	l.StartConcurrent("sess")

	d := l.Check("sess", "dev", "")
	if d.Allowed {
		t.Fatal("should deny at max concurrent")
	}
	if d.Window != WindowConcurrent {
		t.Errorf("window = %s, want concurrent", d.Window)
	}

	l.EndConcurrent("sess")
	if d := l.Check("sess", "dev", ""); !d.Allowed {
		t.Error("should allow once a call ends")
	}

	// Never below zero.
	l.EndConcurrent("sess")
	l.EndConcurrent("sess")
	l.EndConcurrent("sess")
	if u := l.Usage("sess"); u.Concurrent != 0 {
		t.Errorf("concurrent = %d, want 0", u.Concurrent)
	}
}

func TestLimiter_WarningOncePerWindow(t *testing.T) {
	clock := newFakeClock()
	var events []WarningEvent
	l := NewLimiter(Config{
		Quotas:    map[string]manifest.Quota{"dev": {MaxCallsPerMinute: 5}},
		Now:       clock.now,
		OnWarning: func(e WarningEvent) { events = append(events, e) },
	})

	for i := 0; i < 5; i++ {
		l.Consume("sess", "dev", "")
	}
	if len(events) != 1 {
		t.Fatalf("got %d warnings, want exactly 1", len(events))
	}
	e := events[0]
	if e.Window != WindowMinute || e.Count != 4 || e.Limit != 5 {
		t.Errorf("warning = %+v, want minute window at 4/5", e)
	}
	if e.Role != "dev" || e.SessionID != "sess" {
		t.Errorf("warning carries %s/%s, want sess/dev", e.SessionID, e.Role)
	}

	// A fresh window warns again.
	clock.advance(2 * time.Minute)
	for i := 0; i < 4; i++ {
		l.Consume("sess", "dev", "")
	}
	if len(events) != 2 {
		t.Errorf("got %d warnings after window reset, want 2", len(events))
	}
}

func TestLimiter_SessionsAreIndependent(t *testing.T) {
	l := NewLimiter(Config{
		Quotas: map[string]manifest.Quota{"dev": {MaxCallsPerMinute: 1}},
	})

	l.Consume("a", "dev", "")
	if d := l.Check("a", "dev", ""); d.Allowed {
		t.Error("session a should be at its limit")
	}
	if d := l.Check("b", "dev", ""); !d.Allowed {
		t.Error("session b should be unaffected")
	}
}

func TestLimiter_Reset(t *testing.T) {
	l := NewLimiter(Config{
		Quotas: map[string]manifest.Quota{"dev": {MaxCallsPerMinute: 1}},
	})

	l.Consume("sess", "dev", "")
	if d := l.Check("sess", "dev", ""); d.Allowed {
		t.Fatal("should be denied before reset")
	}
	l.Reset("sess")
	if d := l.Check("sess", "dev", ""); !d.Allowed {
		t.Error("should be allowed after reset")
	}
}

func TestLimiter_SetQuotas(t *testing.T) {
	l := NewLimiter(Config{})

	if d := l.Check("sess", "dev", ""); !d.Allowed {
		t.Fatal("no quotas configured, should allow")
	}

	l.SetQuotas(map[string]manifest.Quota{"dev": {MaxCallsPerMinute: 1}})
	l.Consume("sess", "dev", "")
	if d := l.Check("sess", "dev", ""); d.Allowed {
		t.Error("new quota should take effect")
	}
}

func TestLimiter_PruneKeepsWorking(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Config{
		Quotas: map[string]manifest.Quota{"dev": {MaxCallsPerMinute: 3}},
		Now:    clock.now,
	})
	l.maxSessions = 100

	for i := 0; i < 100; i++ {
		l.Consume(fmt.Sprintf("sess-%d", i), "dev", "")
	}

	// Idle sessions become prunable once their day window lapses.
	clock.advance(25 * time.Hour)

	if d := l.Check("fresh", "dev", ""); !d.Allowed {
		t.Error("fresh session should be allowed after prune")
	}
	l.Consume("fresh", "dev", "")
	if u := l.Usage("fresh"); u.MinuteCount != 1 {
		t.Errorf("fresh session minute count = %d, want 1", u.MinuteCount)
	}
}

func TestDecision_Reason(t *testing.T) {
	tests := []struct {
		name string
		d    Decision
		want string
	}{
		{"allowed", Decision{Allowed: true}, ""},
		{"window", Decision{Window: WindowMinute, Limit: 5}, "exceeded 5 calls per minute"},
		{"tool", Decision{Window: WindowHour, Tool: "git__push", Limit: 2}, "tool git__push exceeded 2 calls per hour"},
		{"concurrent", Decision{Window: WindowConcurrent, Limit: 3}, "concurrent call limit of 3 reached"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.Reason(); got != tt.want {
				t.Errorf("Reason() = %q, want %q", got, tt.want)
			}
		})
	}
}
