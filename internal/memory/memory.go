// Package memory stores role-scoped notes agents save across tool calls.
// Visibility follows the session role's memory grant: isolated roles see
// their own entries, team roles see a configured set of roles, and the
// all grant sees everything.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("memory store closed")

// DefaultLimit bounds recall and list results when the caller does not.
const DefaultLimit = 20

// MaxLimit caps any requested limit.
const MaxLimit = 200

// Entry is one saved memory.
type Entry struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists memories. Saving an entry with a (role, key) pair that
// already exists replaces it. A nil roles slice means no role filter.
type Store interface {
	Save(ctx context.Context, e Entry) (Entry, error)
	Recall(ctx context.Context, roles []string, query string, limit int) ([]Entry, error)
	List(ctx context.Context, roles []string, limit int) ([]Entry, error)
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func roleSet(roles []string) map[string]struct{} {
	if roles == nil {
		return nil
	}
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return set
}
