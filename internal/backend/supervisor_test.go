package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestNewSupervisorDuplicateID(t *testing.T) {
	_, err := NewSupervisor([]Config{
		{ID: "github", Command: "srv"},
		{ID: "github", Command: "srv2"},
	}, testOptions(), slog.Default())
	if err == nil {
		t.Fatal("expected error for duplicate backend IDs")
	}
}

func TestNewSupervisorInvalidConfig(t *testing.T) {
	_, err := NewSupervisor([]Config{{ID: "github"}}, testOptions(), slog.Default())
	if err == nil {
		t.Fatal("expected error for config without command")
	}
}

func TestSupervisorStartStatusStop(t *testing.T) {
	s, err := NewSupervisor([]Config{
		helperConfig("alpha", ""),
		helperConfig("beta", ""),
	}, testOptions(), slog.Default())
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	statuses := s.Status()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].ID != "alpha" || statuses[1].ID != "beta" {
		t.Errorf("expected configuration order, got %s then %s", statuses[0].ID, statuses[1].ID)
	}
	for _, st := range statuses {
		if st.State != StateReady {
			t.Errorf("backend %s: expected ready, got %s", st.ID, st.State)
		}
		if st.Tools != 2 {
			t.Errorf("backend %s: expected 2 tools, got %d", st.ID, st.Tools)
		}
	}

	if _, ok := s.Get("alpha"); !ok {
		t.Error("expected Get to find alpha")
	}
	if _, ok := s.Get("missing"); ok {
		t.Error("expected Get to miss unknown ID")
	}
	if got := len(s.ReadyBackends()); got != 2 {
		t.Errorf("expected 2 ready backends, got %d", got)
	}
}

func TestSupervisorOneFailedBackendDoesNotBlockOthers(t *testing.T) {
	opts := testOptions()
	opts.MaxRestarts = 1

	s, err := NewSupervisor([]Config{
		helperConfig("good", ""),
		helperConfig("bad", "exit"),
	}, opts, slog.Default())
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	good, _ := s.Get("good")
	if !good.Ready() {
		t.Errorf("expected good backend ready, got %s", good.State())
	}

	bad, _ := s.Get("bad")
	deadline := time.Now().Add(3 * time.Second)
	for bad.State() != StateFailed && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if bad.State() != StateFailed {
		t.Errorf("expected bad backend to settle failed, got %s", bad.State())
	}

	if got := len(s.ReadyBackends()); got != 1 {
		t.Errorf("expected 1 ready backend, got %d", got)
	}
}

func TestSupervisorRestartAfterCrash(t *testing.T) {
	s, err := NewSupervisor([]Config{helperConfig("flaky", "")}, testOptions(), slog.Default())
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}

	var mu sync.Mutex
	var changes []string
	s.OnToolsChanged(func(serverID string) {
		mu.Lock()
		changes = append(changes, serverID)
		mu.Unlock()
	})

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	b, _ := s.Get("flaky")
	if _, err := b.CallTool(ctx, "crash", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected the crash call to fail")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b.Ready() && b.Status().Restarts >= 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !b.Ready() {
		t.Fatalf("expected backend to restart, state = %s", b.State())
	}
	if b.Status().Restarts < 1 {
		t.Errorf("expected at least one recorded restart, got %d", b.Status().Restarts)
	}

	// The round trip still works on the new incarnation.
	result, err := b.CallTool(ctx, "echo", json.RawMessage(`{"text":"back"}`))
	if err != nil {
		t.Fatalf("CallTool() after restart error = %v", err)
	}
	if result.Content[0].Text != "back" {
		t.Errorf("unexpected result after restart: %+v", result)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) < 2 {
		t.Errorf("expected tool-change events for start and restart, got %v", changes)
	}
}

func TestSupervisorStopTerminatesBackends(t *testing.T) {
	s, err := NewSupervisor([]Config{helperConfig("alpha", "")}, testOptions(), slog.Default())
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	s.Stop()

	b, _ := s.Get("alpha")
	if b.State() != StateStopped {
		t.Errorf("expected stopped state after Stop, got %s", b.State())
	}
}

func TestSupervisorLazyStart(t *testing.T) {
	opts := testOptions()
	opts.LazyStart = true

	s, err := NewSupervisor([]Config{helperConfig("deferred", "")}, opts, slog.Default())
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	b, _ := s.Get("deferred")
	if b.State() != StateConfigured {
		t.Fatalf("expected lazy backend to stay configured, got %s", b.State())
	}

	if err := s.EnsureStarted(ctx, "deferred"); err != nil {
		t.Fatalf("EnsureStarted() error = %v", err)
	}
	if !b.Ready() {
		t.Errorf("expected backend ready after EnsureStarted, got %s", b.State())
	}

	// Idempotent once supervised.
	if err := s.EnsureStarted(ctx, "deferred"); err != nil {
		t.Errorf("second EnsureStarted() error = %v", err)
	}
	if err := s.EnsureStarted(ctx, "missing"); err == nil {
		t.Error("expected error for unknown backend ID")
	}
}

func TestSupervisorEmitToolsChanged(t *testing.T) {
	s, err := NewSupervisor(nil, testOptions(), slog.Default())
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}

	var got string
	s.OnToolsChanged(func(serverID string) { got = serverID })
	s.emitToolsChanged("github")
	if got != "github" {
		t.Errorf("expected callback with server ID, got %q", got)
	}
}
