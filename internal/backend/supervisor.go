package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
)

// Supervisor owns the full set of configured backends: it starts them
// concurrently, restarts crashed processes with a fixed backoff, and fans
// their catalog-change notifications out to the gateway.
type Supervisor struct {
	logger *slog.Logger
	opts   Options

	mu             sync.RWMutex
	backends       map[string]*Backend
	order          []string
	running        map[string]chan struct{} // settled channel per launched monitor
	onToolsChanged func(serverID string)
	onNotification func(serverID string, n *mcp.JSONRPCNotification)

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSupervisor validates the configs and builds an unstarted supervisor.
func NewSupervisor(cfgs []Config, opts Options, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "backend")

	s := &Supervisor{
		logger:   logger,
		opts:     opts.withDefaults(),
		backends: make(map[string]*Backend, len(cfgs)),
		running:  make(map[string]chan struct{}, len(cfgs)),
		shutdown: make(chan struct{}),
	}

	for _, cfg := range cfgs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, exists := s.backends[cfg.ID]; exists {
			return nil, fmt.Errorf("duplicate backend ID %q", cfg.ID)
		}
		s.backends[cfg.ID] = New(cfg, s.opts, logger)
		s.order = append(s.order, cfg.ID)
	}
	return s, nil
}

// OnToolsChanged registers the callback invoked whenever a backend's
// advertised tool set changes, including becoming empty on crash.
func (s *Supervisor) OnToolsChanged(fn func(serverID string)) {
	s.mu.Lock()
	s.onToolsChanged = fn
	s.mu.Unlock()
}

func (s *Supervisor) emitToolsChanged(serverID string) {
	s.mu.RLock()
	fn := s.onToolsChanged
	s.mu.RUnlock()
	if fn != nil {
		fn(serverID)
	}
}

// OnNotification registers the callback for backend notifications the
// supervisor does not consume itself. The gateway relays them to the client.
func (s *Supervisor) OnNotification(fn func(serverID string, n *mcp.JSONRPCNotification)) {
	s.mu.Lock()
	s.onNotification = fn
	s.mu.Unlock()
}

func (s *Supervisor) relay(serverID string, n *mcp.JSONRPCNotification) {
	s.mu.RLock()
	fn := s.onNotification
	s.mu.RUnlock()
	if fn != nil {
		fn(serverID, n)
		return
	}
	s.logger.Debug("dropping backend notification", "server", serverID, "method", n.Method)
}

// Start launches every backend concurrently and returns once each has
// settled into ready or failed. One backend failing does not stop the rest.
// In lazy mode nothing is spawned; EnsureStarted does the work per backend.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.opts.LazyStart {
		s.logger.Info("lazy start enabled, backends spawn on first use")
		return nil
	}
	return s.EnsureStartedAll(ctx)
}

// EnsureStartedAll launches every backend that is not yet supervised and
// waits for them to settle.
func (s *Supervisor) EnsureStartedAll(ctx context.Context) error {
	var settled []chan struct{}
	for _, b := range s.Backends() {
		settled = append(settled, s.launchMonitor(ctx, b))
	}
	for _, ch := range settled {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.logger.Info("backends settled", "ready", s.readyCount(), "total", len(settled))
	return nil
}

// EnsureStarted launches one backend on demand and waits for it to settle
// into ready or failed. Already-supervised backends return immediately once
// their first start attempt has finished.
func (s *Supervisor) EnsureStarted(ctx context.Context, serverID string) error {
	b, ok := s.Get(serverID)
	if !ok {
		return fmt.Errorf("backend %q not configured", serverID)
	}
	select {
	case <-s.launchMonitor(ctx, b):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// launchMonitor starts supervision for b exactly once and returns its
// settled channel.
func (s *Supervisor) launchMonitor(ctx context.Context, b *Backend) chan struct{} {
	s.mu.Lock()
	if ch, ok := s.running[b.ID()]; ok {
		s.mu.Unlock()
		return ch
	}
	ch := make(chan struct{})
	s.running[b.ID()] = ch
	s.mu.Unlock()

	s.wg.Add(1)
	go s.monitor(ctx, b, ch)
	return ch
}

// Stop terminates all backends and waits for the monitors to finish.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.shutdown) })

	var wg sync.WaitGroup
	for _, b := range s.Backends() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Stop()
		}()
	}
	wg.Wait()
	s.wg.Wait()
}

// monitor drives one backend's lifecycle: start, serve notifications,
// restart on crash, give up after the restart budget is spent.
func (s *Supervisor) monitor(ctx context.Context, b *Backend, settled chan struct{}) {
	defer s.wg.Done()

	failures := 0
	first := true
	for {
		if !b.Ready() {
			select {
			case <-ctx.Done():
				s.settle(&first, settled)
				return
			case <-s.shutdown:
				s.settle(&first, settled)
				return
			default:
			}

			err := b.Start(ctx)
			if first {
				s.settle(&first, settled)
			}
			if err != nil {
				failures++
				if failures >= s.opts.MaxRestarts {
					s.logger.Error("backend exhausted restart budget",
						"server", b.ID(), "failures", failures, "error", err)
					return
				}
				s.logger.Warn("backend start failed, retrying",
					"server", b.ID(), "attempt", failures, "backoff", s.opts.RestartBackoff, "error", err)
				if !s.sleep(ctx, s.opts.RestartBackoff) {
					return
				}
				continue
			}
			failures = 0
			s.emitToolsChanged(b.ID())
		}

		exited := b.Exited()
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case n := <-b.Events():
			s.handleNotification(ctx, b, n)
		case <-exited:
			if ctx.Err() != nil || s.stopping() {
				return
			}
			b.markStopped()
			s.emitToolsChanged(b.ID())
			failures++
			if failures >= s.opts.MaxRestarts {
				b.fail(fmt.Errorf("exited %d times", failures))
				s.logger.Error("backend exhausted restart budget", "server", b.ID(), "failures", failures)
				return
			}
			s.logger.Warn("backend exited, restarting",
				"server", b.ID(), "attempt", failures, "backoff", s.opts.RestartBackoff)
			if !s.sleep(ctx, s.opts.RestartBackoff) {
				return
			}
		}
	}
}

// settle closes the settled channel exactly once.
func (s *Supervisor) settle(first *bool, settled chan struct{}) {
	if *first {
		*first = false
		close(settled)
	}
}

// handleNotification reacts to a backend notification. Tool list changes
// refresh the catalog and propagate; envelope notifications are unwrapped
// one level; everything else is relayed upward as-is.
func (s *Supervisor) handleNotification(ctx context.Context, b *Backend, n *mcp.JSONRPCNotification) {
	switch n.Method {
	case mcp.NotificationToolsChanged:
		if err := b.RefreshTools(ctx); err != nil {
			s.logger.Warn("tool refresh after list_changed failed", "server", b.ID(), "error", err)
			return
		}
		s.emitToolsChanged(b.ID())
	case mcp.NotificationEnvelope:
		var inner mcp.JSONRPCNotification
		if err := json.Unmarshal(n.Params, &inner); err != nil || inner.Method == "" {
			s.logger.Debug("malformed notification envelope", "server", b.ID(), "error", err)
			return
		}
		s.relay(b.ID(), &inner)
	default:
		s.relay(b.ID(), n)
	}
}

func (s *Supervisor) stopping() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// sleep waits out the backoff, returning false when interrupted by shutdown.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.shutdown:
		return false
	case <-t.C:
		return true
	}
}

// Get returns a backend by server ID.
func (s *Supervisor) Get(serverID string) (*Backend, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.backends[serverID]
	return b, ok
}

// Backends returns all backends in configuration order.
func (s *Supervisor) Backends() []*Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*Backend, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, s.backends[id])
	}
	return list
}

// ReadyBackends returns the backends currently accepting calls, in
// configuration order.
func (s *Supervisor) ReadyBackends() []*Backend {
	var list []*Backend
	for _, b := range s.Backends() {
		if b.Ready() {
			list = append(list, b)
		}
	}
	return list
}

func (s *Supervisor) readyCount() int {
	return len(s.ReadyBackends())
}

// Status summarizes every backend in configuration order.
func (s *Supervisor) Status() []Status {
	backends := s.Backends()
	statuses := make([]Status, 0, len(backends))
	for _, b := range backends {
		statuses = append(statuses, b.Status())
	}
	return statuses
}
