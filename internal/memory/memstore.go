package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore keeps memories in process memory. It is the default store and
// loses everything on restart.
type MemStore struct {
	now func() time.Time

	mu      sync.RWMutex
	entries []Entry
	closed  bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{now: time.Now}
}

// Save stores an entry, replacing any previous entry with the same role
// and key.
func (s *MemStore) Save(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, ErrClosed
	}
	for i := range s.entries {
		if s.entries[i].Role == e.Role && s.entries[i].Key == e.Key {
			s.entries[i] = e
			return e, nil
		}
	}
	s.entries = append(s.entries, e)
	return e, nil
}

// Recall returns entries matching the query, newest first. The query is a
// case-insensitive substring match over key, content, and tags.
func (s *MemStore) Recall(ctx context.Context, roles []string, query string, limit int) ([]Entry, error) {
	q := strings.ToLower(query)
	return s.filter(roles, limit, func(e *Entry) bool {
		if q == "" {
			return true
		}
		if strings.Contains(strings.ToLower(e.Key), q) || strings.Contains(strings.ToLower(e.Content), q) {
			return true
		}
		for _, tag := range e.Tags {
			if strings.Contains(strings.ToLower(tag), q) {
				return true
			}
		}
		return false
	})
}

// List returns entries newest first without content matching.
func (s *MemStore) List(ctx context.Context, roles []string, limit int) ([]Entry, error) {
	return s.filter(roles, limit, func(*Entry) bool { return true })
}

func (s *MemStore) filter(roles []string, limit int, match func(*Entry) bool) ([]Entry, error) {
	limit = clampLimit(limit)
	visible := roleSet(roles)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	out := make([]Entry, 0, limit)
	for i := range s.entries {
		e := &s.entries[i]
		if visible != nil {
			if _, ok := visible[e.Role]; !ok {
				continue
			}
		}
		if match(e) {
			out = append(out, *e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close marks the store closed.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}
