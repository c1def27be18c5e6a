package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRingSize bounds the recorder when no size is configured.
const DefaultRingSize = 10000

// Sink receives a copy of every recorded entry, after sanitization.
type Sink interface {
	Write(Entry)
}

// SlogSink writes entries to a structured logger. Denials and errors
// log at warn, allowed calls at info.
type SlogSink struct {
	Logger *slog.Logger
}

// JSONLSink appends one JSON object per entry to W. Writes are
// serialized; encode failures drop the entry.
type JSONLSink struct {
	mu sync.Mutex
	W  io.Writer
}

func (s *JSONLSink) Write(e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')
	s.mu.Lock()
	_, _ = s.W.Write(data)
	s.mu.Unlock()
}

// MultiSink fans each entry out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Write(e Entry) {
	for _, s := range m {
		s.Write(e)
	}
}

func (s *SlogSink) Write(e Entry) {
	attrs := []any{
		"audit_id", e.ID,
		"tool", e.Tool,
		"role", e.Role,
		"result", string(e.Result),
	}
	if e.Server != "" {
		attrs = append(attrs, "server", e.Server)
	}
	if e.SessionID != "" {
		attrs = append(attrs, "session_id", e.SessionID)
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	if e.DurationMs > 0 {
		attrs = append(attrs, "duration_ms", e.DurationMs)
	}
	if e.Result == ResultAllowed {
		s.Logger.Info("audit", attrs...)
	} else {
		s.Logger.Warn("audit", attrs...)
	}
}

// Config configures the recorder.
type Config struct {
	// Size is the ring capacity; DefaultRingSize when <= 0.
	Size int
	// Sink, when set, receives a copy of every entry.
	Sink Sink
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Recorder is the bounded audit ring. Once full, the oldest entry is
// overwritten by each append.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	count   int
	sink    Sink
	now     func() time.Time
}

// NewRecorder creates an empty ring.
func NewRecorder(cfg Config) *Recorder {
	size := cfg.Size
	if size <= 0 {
		size = DefaultRingSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		entries: make([]Entry, size),
		sink:    cfg.Sink,
		now:     now,
	}
}

// Record appends an entry to the ring. Arguments are sanitized, and a
// uuid and timestamp are assigned when absent. The stored entry is
// returned. The sink write happens outside the lock.
func (r *Recorder) Record(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now()
	}
	e.Args = Sanitize(e.Args)

	r.mu.Lock()
	r.entries[r.head] = e
	r.head = (r.head + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		sink.Write(e)
	}
	return e
}

// Allowed records a successful dispatch.
func (r *Recorder) Allowed(sessionID, role, tool, server string, args map[string]any, duration time.Duration, sig *ReasoningSignature) Entry {
	return r.Record(Entry{
		SessionID:  sessionID,
		Role:       role,
		Tool:       tool,
		Server:     server,
		Args:       args,
		Result:     ResultAllowed,
		DurationMs: duration.Milliseconds(),
		Reasoning:  sig,
	})
}

// Denied records a call stopped at an access, quota, or capability gate.
func (r *Recorder) Denied(sessionID, role, tool, server string, args map[string]any, reason string, sig *ReasoningSignature) Entry {
	return r.Record(Entry{
		SessionID: sessionID,
		Role:      role,
		Tool:      tool,
		Server:    server,
		Args:      args,
		Result:    ResultDenied,
		Reason:    reason,
		Reasoning: sig,
	})
}

// Errored records an upstream or internal failure.
func (r *Recorder) Errored(sessionID, role, tool, server string, args map[string]any, reason string, sig *ReasoningSignature) Entry {
	return r.Record(Entry{
		SessionID: sessionID,
		Role:      role,
		Tool:      tool,
		Server:    server,
		Args:      args,
		Result:    ResultError,
		Reason:    reason,
		Reasoning: sig,
	})
}

// Len reports the number of live entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Entries returns matching entries in append order, oldest first.
func (r *Recorder) Entries(q Query) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, r.count)
	start := (r.head - r.count + len(r.entries)) % len(r.entries)
	for i := 0; i < r.count; i++ {
		e := r.entries[(start+i)%len(r.entries)]
		if q.matches(e) {
			out = append(out, e)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Stats aggregates the whole ring: counts by result, the ten most
// frequent tools and roles, average allowed-call duration, and the
// fraction of entries carrying a reasoning signature.
func (r *Recorder) Stats() Stats {
	entries := r.Entries(Query{})

	s := Stats{
		Total:    len(entries),
		ByResult: make(map[Result]int),
	}
	toolCounts := make(map[string]int)
	roleCounts := make(map[string]int)
	var durTotal int64
	var durN, thinking int

	for _, e := range entries {
		s.ByResult[e.Result]++
		if e.Tool != "" {
			toolCounts[e.Tool]++
		}
		if e.Role != "" {
			roleCounts[e.Role]++
		}
		if e.Result == ResultAllowed {
			durTotal += e.DurationMs
			durN++
		}
		if e.Reasoning != nil {
			thinking++
		}
	}

	s.TopTools = topN(toolCounts, 10)
	s.TopRoles = topN(roleCounts, 10)
	if durN > 0 {
		s.AvgDurationMs = float64(durTotal) / float64(durN)
	}
	if len(entries) > 0 {
		s.ThinkingRate = float64(thinking) / float64(len(entries))
	}
	return s
}

func topN(counts map[string]int, n int) []NameCount {
	out := make([]NameCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, NameCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
