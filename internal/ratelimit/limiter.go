// Package ratelimit enforces per-role call quotas over sliding
// minute/hour/day windows, with optional per-tool sub-limits and a
// concurrent-call counter.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/Shin0205go/mycelium-sub001/pkg/manifest"
)

// WindowKind names the quota window behind a denial or warning.
type WindowKind string

const (
	WindowMinute     WindowKind = "minute"
	WindowHour       WindowKind = "hour"
	WindowDay        WindowKind = "day"
	WindowConcurrent WindowKind = "concurrent"
)

// warnThreshold is the utilization fraction at which a warning fires.
const warnThreshold = 0.8

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed      bool       `json:"allowed"`
	Window       WindowKind `json:"window,omitempty"`
	Tool         string     `json:"tool,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	RetryAfterMs int64      `json:"retryAfterMs,omitempty"`
}

// Reason renders a short denial reason suitable for display.
func (d Decision) Reason() string {
	switch {
	case d.Allowed:
		return ""
	case d.Window == WindowConcurrent:
		return fmt.Sprintf("concurrent call limit of %d reached", d.Limit)
	case d.Tool != "":
		return fmt.Sprintf("tool %s exceeded %d calls per %s", d.Tool, d.Limit, d.Window)
	default:
		return fmt.Sprintf("exceeded %d calls per %s", d.Limit, d.Window)
	}
}

// WarningEvent is emitted when a window crosses the warning threshold.
// Each window instance warns at most once per kind; the flag clears
// when the window resets.
type WarningEvent struct {
	SessionID string     `json:"sessionId"`
	Role      string     `json:"role"`
	Window    WindowKind `json:"window"`
	Tool      string     `json:"tool,omitempty"`
	Count     int        `json:"count"`
	Limit     int        `json:"limit"`
}

// window is a {count, resetAt} pair. Expired windows reset on touch.
type window struct {
	count   int
	resetAt time.Time
	warned  bool
}

func (w *window) touch(now time.Time, span time.Duration) {
	if w.resetAt.IsZero() || !now.Before(w.resetAt) {
		w.count = 0
		w.warned = false
		w.resetAt = now.Add(span)
	}
}

func (w *window) exceeded(limit int) bool {
	return limit > 0 && w.count >= limit
}

func (w *window) retryAfter(now time.Time) int64 {
	ms := w.resetAt.Sub(now).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

// shouldWarn marks the window warned when it first crosses the
// threshold and reports whether a warning is due.
func (w *window) shouldWarn(limit int) bool {
	if limit <= 0 || w.warned {
		return false
	}
	if float64(w.count) < warnThreshold*float64(limit) {
		return false
	}
	w.warned = true
	return true
}

// toolWindows tracks one tool's minute/hour sub-limit windows.
type toolWindows struct {
	minute window
	hour   window
}

// tracker is one session's quota state.
type tracker struct {
	minute     window
	hour       window
	day        window
	concurrent int
	tools      map[string]*toolWindows
}

func (tr *tracker) touch(now time.Time) {
	tr.minute.touch(now, time.Minute)
	tr.hour.touch(now, time.Hour)
	tr.day.touch(now, 24*time.Hour)
}

func (tr *tracker) toolWindows(tool string, now time.Time) *toolWindows {
	tw, ok := tr.tools[tool]
	if !ok {
		tw = &toolWindows{}
		tr.tools[tool] = tw
	}
	tw.minute.touch(now, time.Minute)
	tw.hour.touch(now, time.Hour)
	return tw
}

// Config configures the limiter.
type Config struct {
	// Quotas maps role id to its rate budget. Roles without an entry
	// are unlimited.
	Quotas map[string]manifest.Quota
	// OnWarning, when set, receives window-utilization warnings.
	OnWarning func(WarningEvent)
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Limiter tracks quota consumption per session.
type Limiter struct {
	mu          sync.Mutex
	sessions    map[string]*tracker
	quotas      map[string]manifest.Quota
	onWarning   func(WarningEvent)
	now         func() time.Time
	maxSessions int
}

// NewLimiter creates a limiter over the given role quotas.
func NewLimiter(cfg Config) *Limiter {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	quotas := cfg.Quotas
	if quotas == nil {
		quotas = make(map[string]manifest.Quota)
	}
	return &Limiter{
		sessions:    make(map[string]*tracker),
		quotas:      quotas,
		onWarning:   cfg.OnWarning,
		now:         now,
		maxSessions: 10000,
	}
}

// SetQuotas replaces the role quota table. Existing window counts are
// kept; only the limits change.
func (l *Limiter) SetQuotas(quotas map[string]manifest.Quota) {
	if quotas == nil {
		quotas = make(map[string]manifest.Quota)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quotas = quotas
}

// Check reports whether one more call fits the role's quota. Windows
// are inspected in minute, hour, day order, then per-tool sub-limits,
// then the concurrent counter; the first exceeded window denies with
// a retryAfterMs hint of resetAt − now. Check does not consume.
func (l *Limiter) Check(sessionID, role, tool string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	quota, ok := l.quotas[role]
	if !ok {
		return Decision{Allowed: true}
	}

	now := l.now()
	tr := l.trackerLocked(sessionID)
	tr.touch(now)

	checks := []struct {
		kind  WindowKind
		w     *window
		limit int
	}{
		{WindowMinute, &tr.minute, quota.MaxCallsPerMinute},
		{WindowHour, &tr.hour, quota.MaxCallsPerHour},
		{WindowDay, &tr.day, quota.MaxCallsPerDay},
	}
	for _, c := range checks {
		if c.w.exceeded(c.limit) {
			return Decision{Window: c.kind, Limit: c.limit, RetryAfterMs: c.w.retryAfter(now)}
		}
	}

	if tq, ok := quota.Tools[tool]; ok && tool != "" {
		tw := tr.toolWindows(tool, now)
		if tw.minute.exceeded(tq.MaxCallsPerMinute) {
			return Decision{Window: WindowMinute, Tool: tool, Limit: tq.MaxCallsPerMinute, RetryAfterMs: tw.minute.retryAfter(now)}
		}
		if tw.hour.exceeded(tq.MaxCallsPerHour) {
			return Decision{Window: WindowHour, Tool: tool, Limit: tq.MaxCallsPerHour, RetryAfterMs: tw.hour.retryAfter(now)}
		}
	}

	if quota.MaxConcurrent > 0 && tr.concurrent >= quota.MaxConcurrent {
		return Decision{Window: WindowConcurrent, Limit: quota.MaxConcurrent}
	}

	return Decision{Allowed: true}
}

// Consume records one call against the session's windows. Per-tool
// windows advance only when the role quota carries a sub-limit for
// the tool. Warnings fire outside the lock.
func (l *Limiter) Consume(sessionID, role, tool string) {
	l.mu.Lock()

	quota, hasQuota := l.quotas[role]
	now := l.now()
	tr := l.trackerLocked(sessionID)
	tr.touch(now)

	tr.minute.count++
	tr.hour.count++
	tr.day.count++

	var warnings []WarningEvent
	if hasQuota {
		addWarn := func(w *window, kind WindowKind, limit int, tool string) {
			if w.shouldWarn(limit) {
				warnings = append(warnings, WarningEvent{
					SessionID: sessionID,
					Role:      role,
					Window:    kind,
					Tool:      tool,
					Count:     w.count,
					Limit:     limit,
				})
			}
		}
		addWarn(&tr.minute, WindowMinute, quota.MaxCallsPerMinute, "")
		addWarn(&tr.hour, WindowHour, quota.MaxCallsPerHour, "")
		addWarn(&tr.day, WindowDay, quota.MaxCallsPerDay, "")

		if tq, ok := quota.Tools[tool]; ok && tool != "" {
			tw := tr.toolWindows(tool, now)
			tw.minute.count++
			tw.hour.count++
			addWarn(&tw.minute, WindowMinute, tq.MaxCallsPerMinute, tool)
			addWarn(&tw.hour, WindowHour, tq.MaxCallsPerHour, tool)
		}
	}

	onWarning := l.onWarning
	l.mu.Unlock()

	if onWarning != nil {
		for _, w := range warnings {
			onWarning(w)
		}
	}
}

// StartConcurrent increments the session's concurrent-call counter.
func (l *Limiter) StartConcurrent(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trackerLocked(sessionID).concurrent++
}

// EndConcurrent decrements the counter, never below zero.
func (l *Limiter) EndConcurrent(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tr := l.trackerLocked(sessionID)
	if tr.concurrent > 0 {
		tr.concurrent--
	}
}

// Usage is a point-in-time view of a session's consumption.
type Usage struct {
	MinuteCount int       `json:"minuteCount"`
	MinuteReset time.Time `json:"minuteReset"`
	HourCount   int       `json:"hourCount"`
	HourReset   time.Time `json:"hourReset"`
	DayCount    int       `json:"dayCount"`
	DayReset    time.Time `json:"dayReset"`
	Concurrent  int       `json:"concurrent"`
}

// Usage returns the session's current window counts.
func (l *Limiter) Usage(sessionID string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	tr := l.trackerLocked(sessionID)
	tr.touch(l.now())
	return Usage{
		MinuteCount: tr.minute.count,
		MinuteReset: tr.minute.resetAt,
		HourCount:   tr.hour.count,
		HourReset:   tr.hour.resetAt,
		DayCount:    tr.day.count,
		DayReset:    tr.day.resetAt,
		Concurrent:  tr.concurrent,
	}
}

// Reset drops a session's tracker.
func (l *Limiter) Reset(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}

// trackerLocked returns or creates the session tracker. Caller holds mu.
func (l *Limiter) trackerLocked(sessionID string) *tracker {
	tr, ok := l.sessions[sessionID]
	if ok {
		return tr
	}
	if len(l.sessions) >= l.maxSessions {
		l.pruneLocked()
	}
	tr = &tracker{tools: make(map[string]*toolWindows)}
	l.sessions[sessionID] = tr
	return tr
}

// pruneLocked drops sessions whose day window has lapsed with no calls
// in flight. Caller holds mu.
func (l *Limiter) pruneLocked() {
	now := l.now()
	for id, tr := range l.sessions {
		if tr.concurrent == 0 && !now.Before(tr.day.resetAt) {
			delete(l.sessions, id)
		}
	}
}
