// Package audit records every gateway access decision — allowed,
// denied, or errored — in a bounded ring buffer with sanitized
// arguments and optional reasoning signatures.
package audit

import (
	"time"
)

// Result classifies an audit entry.
type Result string

const (
	ResultAllowed Result = "allowed"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// SignatureType classifies a reasoning signature.
type SignatureType string

const (
	SignatureExtendedThinking SignatureType = "extended_thinking"
	SignatureChainOfThought   SignatureType = "chain_of_thought"
	SignatureReasoning        SignatureType = "reasoning"
)

// CacheMetrics carries the originator's prompt-cache counters, when it
// chose to report them alongside a reasoning signature.
type CacheMetrics struct {
	CacheCreationInputTokens int `json:"cacheCreationInputTokens,omitempty"`
	CacheReadInputTokens     int `json:"cacheReadInputTokens,omitempty"`
}

// ReasoningSignature is the caller's own explanation for a tool call.
// The signature body is stored verbatim; it is never parsed.
type ReasoningSignature struct {
	Signature    string        `json:"signature"`
	Type         SignatureType `json:"type"`
	TokenCount   int           `json:"tokenCount,omitempty"`
	CacheMetrics *CacheMetrics `json:"cacheMetrics,omitempty"`
}

// Entry is one recorded access decision.
type Entry struct {
	ID         string              `json:"id"`
	Timestamp  time.Time           `json:"timestamp"`
	SessionID  string              `json:"sessionId,omitempty"`
	Role       string              `json:"role,omitempty"`
	Tool       string              `json:"tool"`
	Server     string              `json:"server,omitempty"`
	Args       map[string]any      `json:"args,omitempty"`
	Result     Result              `json:"result"`
	Reason     string              `json:"reason,omitempty"`
	DurationMs int64               `json:"durationMs,omitempty"`
	Reasoning  *ReasoningSignature `json:"reasoning,omitempty"`
	Metadata   map[string]any      `json:"metadata,omitempty"`
}

// Query filters ring entries. Zero fields match everything.
type Query struct {
	Result        Result
	Role          string
	Tool          string
	Server        string
	SessionID     string
	HasReasoning  bool
	ReasoningType SignatureType
	Since         time.Time
	// Limit keeps only the most recent n matches when > 0.
	Limit int
}

func (q Query) matches(e Entry) bool {
	if q.Result != "" && e.Result != q.Result {
		return false
	}
	if q.Role != "" && e.Role != q.Role {
		return false
	}
	if q.Tool != "" && e.Tool != q.Tool {
		return false
	}
	if q.Server != "" && e.Server != q.Server {
		return false
	}
	if q.SessionID != "" && e.SessionID != q.SessionID {
		return false
	}
	if q.HasReasoning && e.Reasoning == nil {
		return false
	}
	if q.ReasoningType != "" && (e.Reasoning == nil || e.Reasoning.Type != q.ReasoningType) {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// NameCount is a name with an occurrence count, used in statistics.
type NameCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Stats aggregates the ring's contents.
type Stats struct {
	Total         int            `json:"total"`
	ByResult      map[Result]int `json:"byResult"`
	TopTools      []NameCount    `json:"topTools"`
	TopRoles      []NameCount    `json:"topRoles"`
	AvgDurationMs float64        `json:"avgDurationMs"`
	ThinkingRate  float64        `json:"thinkingRate"`
}
