package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistersCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsWith(registry)

	m.ToolCalls.WithLabelValues("github__create_issue", "developer", "allowed").Inc()
	m.RateLimitHits.WithLabelValues("developer", "minute").Inc()
	m.BackendUp.WithLabelValues("github").Set(1)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered metric families")
	}
}

func TestToolCallsCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsWith(registry)

	m.ToolCalls.WithLabelValues("github__create_issue", "developer", "allowed").Inc()
	m.ToolCalls.WithLabelValues("github__create_issue", "developer", "allowed").Inc()
	m.ToolCalls.WithLabelValues("slack__post_message", "reviewer", "denied").Inc()

	expected := `
		# HELP mycelium_tool_calls_total Total tool invocations by tool, role, and result
		# TYPE mycelium_tool_calls_total counter
		mycelium_tool_calls_total{result="allowed",role="developer",tool="github__create_issue"} 2
		mycelium_tool_calls_total{result="denied",role="reviewer",tool="slack__post_message"} 1
	`
	if err := testutil.CollectAndCompare(m.ToolCalls, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected counter state: %v", err)
	}
}

func TestObserveToolCall(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsWith(registry)

	m.ObserveToolCall("github__create_issue", "developer", "allowed", 120*time.Millisecond)
	m.ObserveToolCall("github__create_issue", "developer", "error", 30*time.Millisecond)

	if got := testutil.CollectAndCount(m.ToolCalls); got != 2 {
		t.Errorf("ToolCalls label combinations = %d, want 2", got)
	}
	if got := testutil.CollectAndCount(m.ToolCallDuration); got != 1 {
		t.Errorf("ToolCallDuration series = %d, want 1", got)
	}
}

func TestObserveToolCallNilReceiver(t *testing.T) {
	var m *Metrics
	// Metrics are optional; a nil receiver must be a no-op.
	m.ObserveToolCall("tool", "role", "allowed", time.Second)
}

func TestBackendGaugeTransitions(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsWith(registry)

	m.BackendUp.WithLabelValues("github").Set(1)
	m.BackendUp.WithLabelValues("slack").Set(1)
	m.BackendUp.WithLabelValues("slack").Set(0)
	m.BackendRestarts.WithLabelValues("slack").Inc()

	if got := testutil.ToFloat64(m.BackendUp.WithLabelValues("github")); got != 1 {
		t.Errorf("github up = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BackendUp.WithLabelValues("slack")); got != 0 {
		t.Errorf("slack up = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.BackendRestarts.WithLabelValues("slack")); got != 1 {
		t.Errorf("slack restarts = %v, want 1", got)
	}
}

func TestRoleSwitchAndVisibility(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsWith(registry)

	m.RoleSwitches.WithLabelValues("default", "developer").Inc()
	m.VisibleTools.WithLabelValues("developer").Set(12)
	m.VisibleTools.WithLabelValues("developer").Set(8)

	if got := testutil.ToFloat64(m.RoleSwitches.WithLabelValues("default", "developer")); got != 1 {
		t.Errorf("role switches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.VisibleTools.WithLabelValues("developer")); got != 8 {
		t.Errorf("visible tools = %v, want 8", got)
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetricsWith(registry)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewMetricsWith(registry)
}
