// Package gateway wires the subsystems into the capability-scoped MCP
// gateway: one client session on stdio in front, supervised backend
// servers and OpenAPI adapters behind, with every tool call passing the
// access, quota, and capability gates before dispatch.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/Shin0205go/mycelium-sub001/internal/audit"
	"github.com/Shin0205go/mycelium-sub001/internal/auth"
	"github.com/Shin0205go/mycelium-sub001/internal/backend"
	"github.com/Shin0205go/mycelium-sub001/internal/capability"
	"github.com/Shin0205go/mycelium-sub001/internal/config"
	"github.com/Shin0205go/mycelium-sub001/internal/identity"
	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
	"github.com/Shin0205go/mycelium-sub001/internal/memory"
	"github.com/Shin0205go/mycelium-sub001/internal/observability"
	"github.com/Shin0205go/mycelium-sub001/internal/openapi"
	"github.com/Shin0205go/mycelium-sub001/internal/ratelimit"
	"github.com/Shin0205go/mycelium-sub001/internal/roles"
	"github.com/Shin0205go/mycelium-sub001/internal/router"
	"github.com/Shin0205go/mycelium-sub001/internal/skills"
	"github.com/Shin0205go/mycelium-sub001/internal/tools"
	"github.com/Shin0205go/mycelium-sub001/pkg/manifest"
)

// SubAgentRunner executes a delegated task under a given role and returns
// its final output. The gateway advertises spawn_sub_agent only when a
// runner is configured.
type SubAgentRunner interface {
	Run(ctx context.Context, task, role string) (string, error)
}

// Options carries optional collaborators for New. Zero values mean
// "construct from config".
type Options struct {
	Logger *slog.Logger

	// Metrics may be nil; recording becomes a no-op.
	Metrics *observability.Metrics

	// Store overrides the memory store built from config.
	Store memory.Store

	// SubAgent enables the spawn_sub_agent tool.
	SubAgent SubAgentRunner

	// HTTPClient serves OpenAPI adapters. Defaults to a client with the
	// router's request timeout.
	HTTPClient openapi.HTTPClient

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Gateway is the MCP gateway facade: one client session, the gated call
// pipeline, and the lifecycle of everything behind it.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time

	skills     *skills.Manager
	resolver   *identity.Resolver
	assertions *auth.AssertionService
	sup        *backend.Supervisor
	rtr        *router.Router
	adapters   []*openapi.Adapter
	engine     *tools.Engine
	limiter    *ratelimit.Limiter
	ledger     *capability.Ledger
	recorder   *audit.Recorder
	auditFile  *os.File
	store      memory.Store
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	traceStop  func(context.Context) error
	cron       *cron.Cron
	metricsSrv *observability.MetricsServer
	subAgent   SubAgentRunner
	schemas    *schemaCache

	sessionID string

	// mu guards per-session state: the resolved identity, the compiled
	// role table, and the pending reasoning slot.
	mu        sync.Mutex
	table     *roles.Table
	identity  manifest.Identity
	trusted   bool
	reasoning *audit.ReasoningSignature
	restarts  map[string]int

	// writeMu serializes all writes to the client stream. Notifications
	// arrive from supervisor and watcher goroutines.
	writeMu sync.Mutex
	out     io.Writer
}

// New builds a gateway from configuration. Nothing is started.
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	g := &Gateway{
		cfg:       cfg,
		logger:    logger.With("component", "gateway"),
		now:       now,
		metrics:   opts.Metrics,
		subAgent:  opts.SubAgent,
		schemas:   newSchemaCache(),
		sessionID: uuid.NewString(),
		restarts:  make(map[string]int),
	}

	g.skills = skills.NewManager(skills.Config{Dir: cfg.Skills.Dir, Logger: logger})

	g.resolver = identity.NewResolver(identity.Config{
		DefaultRole:   cfg.Identity.DefaultRole,
		RejectUnknown: cfg.Identity.RejectUnknown,
		Strict:        cfg.Identity.Strict,
		Now:           now,
		Logger:        logger,
	})

	if cfg.Identity.AssertionSecretEnv != "" {
		g.assertions = auth.NewAssertionService(os.Getenv(cfg.Identity.AssertionSecretEnv), 0)
	}

	sup, err := backend.NewSupervisor(cfg.Backends, backend.Options{
		LazyStart: cfg.Server.LazyBackends,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure backends: %w", err)
	}
	g.sup = sup
	sup.OnToolsChanged(g.onBackendTools)
	sup.OnNotification(g.onBackendNotification)

	g.rtr = router.New(router.Config{Logger: logger})
	g.rtr.AttachSupervisor(sup)

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: router.DefaultRequestTimeout}
	}
	for _, sc := range cfg.HTTPServers {
		a := openapi.New(sc, httpClient, logger)
		g.adapters = append(g.adapters, a)
		g.rtr.Register(a)
	}

	g.engine = tools.NewEngine(tools.Config{
		AssignedIdentity: cfg.Identity.Assigned != "",
		SubAgentEnabled:  opts.SubAgent != nil,
		Logger:           logger,
	})

	g.limiter = ratelimit.NewLimiter(ratelimit.Config{
		Quotas: cfg.Quotas,
		Now:    now,
		OnWarning: func(ev ratelimit.WarningEvent) {
			g.logger.Warn("quota nearing limit",
				"role", ev.Role,
				"window", ev.Window,
				"tool", ev.Tool,
				"count", ev.Count,
				"limit", ev.Limit,
			)
		},
	})

	secret, err := capability.SecretFromEnvVar(cfg.Capability.SecretEnv, cfg.Capability.Required)
	if err != nil {
		return nil, fmt.Errorf("failed to load capability secret: %w", err)
	}
	ledger, err := capability.NewLedger(capability.Config{Secret: secret, Now: now, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to build capability ledger: %w", err)
	}
	g.ledger = ledger

	var sinks audit.MultiSink
	if cfg.Audit.LogEnabled() {
		sinks = append(sinks, &audit.SlogSink{Logger: logger})
	}
	if cfg.Audit.File != "" {
		f, err := os.OpenFile(cfg.Audit.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		g.auditFile = f
		sinks = append(sinks, &audit.JSONLSink{W: f})
	}
	var sink audit.Sink
	if len(sinks) > 0 {
		sink = sinks
	}
	g.recorder = audit.NewRecorder(audit.Config{Size: cfg.Audit.Size, Sink: sink, Now: now})

	store := opts.Store
	if store == nil {
		store, err = openStore(cfg.Memory)
		if err != nil {
			return nil, fmt.Errorf("failed to open memory store: %w", err)
		}
	}
	g.store = store

	g.tracer, g.traceStop = observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Server.Name,
		ServiceVersion: cfg.Server.Version,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SampleRate:     cfg.Observability.Tracing.SampleRate,
		Insecure:       cfg.Observability.Tracing.Insecure,
	})

	g.cron = cron.New()

	return g, nil
}

func openStore(cfg config.MemoryConfig) (memory.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return memory.NewMemStore(), nil
	case "sqlite":
		return memory.OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

// SessionID identifies this gateway process in audit entries and quota
// buckets. One process serves one client session.
func (g *Gateway) SessionID() string { return g.sessionID }

// Recorder exposes the audit ring for exports.
func (g *Gateway) Recorder() *audit.Recorder { return g.recorder }

// Ledger exposes the capability ledger for token operations.
func (g *Gateway) Ledger() *capability.Ledger { return g.ledger }

// Start brings the gateway up: skills, role table, backends, adapters,
// the initial role, watchers, and scheduled maintenance.
func (g *Gateway) Start(ctx context.Context) error {
	g.skills.OnReload(g.applyManifest)
	g.skills.OnError(func(error) { g.metrics.RecordSkillReload("error") })
	if err := g.skills.Load(); err != nil {
		return fmt.Errorf("failed to load skills: %w", err)
	}

	if err := g.sup.Start(ctx); err != nil {
		return fmt.Errorf("failed to start backends: %w", err)
	}
	for _, b := range g.sup.ReadyBackends() {
		g.engine.SetServerTools(b.ID(), b.Tools())
		g.metrics.SetBackendUp(b.ID(), true)
	}

	g.importAdapters(ctx)

	role := g.cfg.Identity.DefaultRole
	if g.cfg.Identity.Assigned != "" {
		res, err := g.resolver.Resolve(manifest.Identity{Name: g.cfg.Identity.Assigned})
		if err != nil {
			return fmt.Errorf("failed to resolve assigned identity: %w", err)
		}
		role = res.Role
		g.mu.Lock()
		g.identity = manifest.Identity{Name: g.cfg.Identity.Assigned}
		g.trusted = res.Trusted
		g.mu.Unlock()
	}
	g.engine.ForceRole(role)
	g.metrics.SetVisibleTools(role, len(g.engine.Visible()))
	g.logger.Info("gateway ready",
		"role", role,
		"backends", len(g.cfg.Backends),
		"http_servers", len(g.adapters),
		"tools", len(g.engine.Visible()),
	)

	if g.cfg.Skills.WatchEnabled() {
		if err := g.skills.StartWatching(ctx); err != nil {
			g.logger.Warn("skills watch disabled", "error", err)
		}
	}

	if _, err := g.cron.AddFunc("@hourly", func() {
		if n := g.ledger.Cleanup(); n > 0 {
			g.logger.Debug("capability ledger cleaned", "removed", n)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule ledger cleanup: %w", err)
	}
	if _, err := g.cron.AddFunc("@daily", func() {
		st := g.recorder.Stats()
		g.logger.Info("audit summary",
			"entries", st.Total,
			"avg_duration_ms", st.AvgDurationMs,
			"thinking_rate", st.ThinkingRate,
		)
	}); err != nil {
		return fmt.Errorf("failed to schedule audit summary: %w", err)
	}
	g.cron.Start()

	if addr := g.cfg.Observability.MetricsAddr; addr != "" && g.metrics != nil {
		g.metricsSrv = observability.StartMetricsServer(addr, g.logger)
	}

	return nil
}

// importAdapters fetches every configured OpenAPI document. A failed
// import leaves that adapter not ready; the rest still come up.
func (g *Gateway) importAdapters(ctx context.Context) {
	for _, a := range g.adapters {
		if err := a.Import(ctx); err != nil {
			g.logger.Warn("openapi import failed", "server", a.ID(), "error", err)
			continue
		}
		ts, err := a.ListTools(ctx)
		if err != nil {
			g.logger.Warn("openapi listing failed", "server", a.ID(), "error", err)
			continue
		}
		g.engine.SetServerTools(a.ID(), ts)
	}
}

// Stop shuts the gateway down in reverse order of Start.
func (g *Gateway) Stop(ctx context.Context) error {
	g.logger.Info("stopping gateway")

	g.cron.Stop()
	if err := g.skills.Close(); err != nil {
		g.logger.Error("error closing skills watcher", "error", err)
	}
	g.sup.Stop()
	if err := g.store.Close(); err != nil {
		g.logger.Error("error closing memory store", "error", err)
	}
	if g.auditFile != nil {
		if err := g.auditFile.Close(); err != nil {
			g.logger.Error("error closing audit file", "error", err)
		}
	}
	if g.metricsSrv != nil {
		if err := g.metricsSrv.Shutdown(ctx); err != nil {
			g.logger.Error("error stopping metrics server", "error", err)
		}
	}
	if g.traceStop != nil {
		if err := g.traceStop(ctx); err != nil {
			g.logger.Error("error shutting down tracer", "error", err)
		}
	}
	return nil
}

// applyManifest recompiles the role table from a loaded manifest and
// pushes the result through the engine and the identity resolver. Runs on
// the initial load and on every hot reload.
func (g *Gateway) applyManifest(m *manifest.Manifest) {
	table := roles.Compile(m, g.logger)

	g.mu.Lock()
	g.table = table
	g.mu.Unlock()

	if err := g.resolver.LoadFromSkills(m.Skills); err != nil {
		g.logger.Error("identity rules rejected", "error", err)
	}

	delta := g.engine.SetTable(table)
	role := g.engine.CurrentRole()
	g.metrics.SetVisibleTools(role, len(g.engine.Visible()))
	g.metrics.RecordSkillReload("success")
	g.logger.Info("role table applied",
		"roles", len(table.IDs()),
		"skills", len(m.Skills),
		"added", len(delta.Added),
		"removed", len(delta.Removed),
	)
	g.notifyToolsChanged(delta)
}

// roleTable returns the current compiled table. May be nil before the
// first skills load.
func (g *Gateway) roleTable() *roles.Table {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.table
}

// onBackendTools refreshes one server's slice of the catalog after its
// handshake, restart, or tools/list_changed notification.
func (g *Gateway) onBackendTools(serverID string) {
	b, ok := g.sup.Get(serverID)
	if !ok {
		return
	}
	delta := g.engine.SetServerTools(serverID, b.Tools())
	g.metrics.SetBackendUp(serverID, b.Ready())

	st := b.Status()
	g.mu.Lock()
	prev := g.restarts[serverID]
	g.restarts[serverID] = st.Restarts
	g.mu.Unlock()
	for i := prev; i < st.Restarts; i++ {
		g.metrics.RecordBackendRestart(serverID)
	}

	g.notifyToolsChanged(delta)
}

// onBackendNotification relays upstream notifications the supervisor does
// not consume itself, such as resource updates.
func (g *Gateway) onBackendNotification(serverID string, n *mcp.JSONRPCNotification) {
	g.logger.Debug("relaying upstream notification", "server", serverID, "method", n.Method)
	g.push(n)
}

// SetPendingReasoning stages a reasoning signature for the next tool
// call's audit entry. The slot holds one signature and clears on use.
func (g *Gateway) SetPendingReasoning(sig *audit.ReasoningSignature) {
	g.mu.Lock()
	g.reasoning = sig
	g.mu.Unlock()
}

// takeReasoning resolves the signature for the call being audited:
// in-band metadata wins, otherwise the pending slot is drained.
func (g *Gateway) takeReasoning(inband *audit.ReasoningSignature) *audit.ReasoningSignature {
	if inband != nil {
		return inband
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	sig := g.reasoning
	g.reasoning = nil
	return sig
}

func (g *Gateway) assignedMode() bool { return g.cfg.Identity.Assigned != "" }
