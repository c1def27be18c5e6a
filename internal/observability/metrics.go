package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	// ToolCalls counts tool invocations.
	// Labels: tool, role, result (allowed|denied|error)
	ToolCalls *prometheus.CounterVec

	// ToolCallDuration measures upstream dispatch latency in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// RateLimitHits counts rejected calls by window.
	// Labels: role, window (minute|hour|day|concurrent)
	RateLimitHits *prometheus.CounterVec

	// CapabilityDenials counts rejected capability tokens.
	// Labels: reason
	CapabilityDenials *prometheus.CounterVec

	// BackendRestarts counts child process restarts.
	// Labels: server
	BackendRestarts *prometheus.CounterVec

	// BackendUp is 1 while a backend is ready.
	// Labels: server
	BackendUp *prometheus.GaugeVec

	// RoleSwitches counts session role changes.
	// Labels: from, to
	RoleSwitches *prometheus.CounterVec

	// VisibleTools is the tool count the active role exposes.
	// Labels: role
	VisibleTools *prometheus.GaugeVec

	// SkillReloads counts skills directory reloads.
	// Labels: status (ok|error)
	SkillReloads *prometheus.CounterVec
}

// NewMetrics registers the gateway collectors with the default registry.
// Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the collectors with a specific registerer.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mycelium_tool_calls_total",
				Help: "Total tool invocations by tool, role, and result",
			},
			[]string{"tool", "role", "result"},
		),
		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mycelium_tool_call_duration_seconds",
				Help:    "Upstream tool dispatch latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mycelium_rate_limit_hits_total",
				Help: "Tool calls rejected by quota, by role and window",
			},
			[]string{"role", "window"},
		),
		CapabilityDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mycelium_capability_denials_total",
				Help: "Capability tokens rejected, by reason",
			},
			[]string{"reason"},
		),
		BackendRestarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mycelium_backend_restarts_total",
				Help: "Child server restarts, by server",
			},
			[]string{"server"},
		),
		BackendUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mycelium_backend_up",
				Help: "1 while the backend is ready",
			},
			[]string{"server"},
		),
		RoleSwitches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mycelium_role_switches_total",
				Help: "Session role changes",
			},
			[]string{"from", "to"},
		),
		VisibleTools: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mycelium_visible_tools",
				Help: "Tools visible to the active role",
			},
			[]string{"role"},
		),
		SkillReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mycelium_skill_reloads_total",
				Help: "Skills directory reloads, by status",
			},
			[]string{"status"},
		),
	}
}

// ObserveToolCall records one gated tool call.
func (m *Metrics) ObserveToolCall(tool, role, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, role, result).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordRateLimitHit counts one quota rejection.
func (m *Metrics) RecordRateLimitHit(role, window string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(role, window).Inc()
}

// RecordCapabilityDenial counts one rejected capability token.
func (m *Metrics) RecordCapabilityDenial(reason string) {
	if m == nil {
		return
	}
	m.CapabilityDenials.WithLabelValues(reason).Inc()
}

// SetBackendUp flips a backend's readiness gauge.
func (m *Metrics) SetBackendUp(server string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.BackendUp.WithLabelValues(server).Set(v)
}

// RecordBackendRestart counts one recovery after a crash.
func (m *Metrics) RecordBackendRestart(server string) {
	if m == nil {
		return
	}
	m.BackendRestarts.WithLabelValues(server).Inc()
}

// RecordRoleSwitch counts one session role change.
func (m *Metrics) RecordRoleSwitch(from, to string) {
	if m == nil {
		return
	}
	m.RoleSwitches.WithLabelValues(from, to).Inc()
}

// SetVisibleTools records the size of the active role's tool surface.
func (m *Metrics) SetVisibleTools(role string, n int) {
	if m == nil {
		return
	}
	m.VisibleTools.WithLabelValues(role).Set(float64(n))
}

// RecordSkillReload counts one skills reload by status.
func (m *Metrics) RecordSkillReload(status string) {
	if m == nil {
		return
	}
	m.SkillReloads.WithLabelValues(status).Inc()
}

// MetricsServer serves the Prometheus scrape endpoint.
type MetricsServer struct {
	srv    *http.Server
	logger *slog.Logger
}

// StartMetricsServer exposes /metrics on addr in a background goroutine.
func StartMetricsServer(addr string, logger *slog.Logger) *MetricsServer {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return &MetricsServer{srv: srv, logger: logger}
}

// Shutdown stops the scrape endpoint.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
