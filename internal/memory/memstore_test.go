package memory

import (
	"context"
	"testing"
	"time"
)

func seedStore(t *testing.T, s Store) {
	t.Helper()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := []Entry{
		{Role: "developer", Key: "deploy-steps", Content: "run the release pipeline", Tags: []string{"ops"}, CreatedAt: base},
		{Role: "developer", Key: "api-design", Content: "prefer small interfaces", CreatedAt: base.Add(time.Minute)},
		{Role: "reviewer", Key: "style", Content: "tabs not spaces", CreatedAt: base.Add(2 * time.Minute)},
		{Role: "ops", Key: "oncall", Content: "rotate weekly", Tags: []string{"schedule"}, CreatedAt: base.Add(3 * time.Minute)},
	}
	for _, e := range entries {
		if _, err := s.Save(context.Background(), e); err != nil {
			t.Fatalf("Save(%s): %v", e.Key, err)
		}
	}
}

func TestMemStoreSaveAssignsIDAndTime(t *testing.T) {
	s := NewMemStore()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	saved, err := s.Save(context.Background(), Entry{Role: "dev", Key: "k", Content: "c"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.ID == "" {
		t.Error("ID not assigned")
	}
	if !saved.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v", saved.CreatedAt)
	}
}

func TestMemStoreUpsertByRoleAndKey(t *testing.T) {
	s := NewMemStore()
	seedStore(t, s)

	if _, err := s.Save(context.Background(), Entry{Role: "developer", Key: "deploy-steps", Content: "updated"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Recall(context.Background(), []string{"developer"}, "deploy", 0)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1 after upsert", len(got))
	}
	if got[0].Content != "updated" {
		t.Errorf("content = %q", got[0].Content)
	}

	// Same key under a different role is a separate entry.
	if _, err := s.Save(context.Background(), Entry{Role: "reviewer", Key: "deploy-steps", Content: "other"}); err != nil {
		t.Fatal(err)
	}
	all, _ := s.Recall(context.Background(), nil, "deploy-steps", 0)
	if len(all) != 2 {
		t.Errorf("entries across roles = %d, want 2", len(all))
	}
}

func TestMemStoreRecallVisibility(t *testing.T) {
	s := NewMemStore()
	seedStore(t, s)

	tests := []struct {
		name  string
		roles []string
		query string
		want  int
	}{
		{"own role only", []string{"developer"}, "", 2},
		{"team visibility", []string{"developer", "reviewer"}, "", 3},
		{"all roles", nil, "", 4},
		{"empty visibility set", []string{}, "", 0},
		{"query on content", []string{"developer"}, "interfaces", 1},
		{"query on tag", nil, "schedule", 1},
		{"query case-insensitive", nil, "TABS", 1},
		{"query no match", nil, "zeppelin", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Recall(context.Background(), tt.roles, tt.query, 0)
			if err != nil {
				t.Fatalf("Recall: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("entries = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestMemStoreListNewestFirst(t *testing.T) {
	s := NewMemStore()
	seedStore(t, s)

	got, err := s.List(context.Background(), nil, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want limit 2", len(got))
	}
	if got[0].Key != "oncall" || got[1].Key != "style" {
		t.Errorf("order = %s, %s; want newest first", got[0].Key, got[1].Key)
	}
}

func TestMemStoreClosed(t *testing.T) {
	s := NewMemStore()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save(context.Background(), Entry{Role: "r", Key: "k"}); err != ErrClosed {
		t.Errorf("Save err = %v, want ErrClosed", err)
	}
	if _, err := s.List(context.Background(), nil, 0); err != ErrClosed {
		t.Errorf("List err = %v, want ErrClosed", err)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultLimit},
		{-5, DefaultLimit},
		{7, 7},
		{MaxLimit + 1, MaxLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
