// Package backend spawns and supervises MCP server subprocesses, speaking
// newline-delimited JSON-RPC over their stdio.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
)

// State describes a backend's lifecycle phase.
type State string

const (
	StateConfigured  State = "configured"
	StateStarting    State = "starting"
	StateHandshaking State = "handshaking"
	StateReady       State = "ready"
	StateStopped     State = "stopped"
	StateFailed      State = "failed"
)

// Config holds the launch configuration for one backend server.
type Config struct {
	ID      string            `yaml:"id" json:"id"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	// AllowedTools restricts which of the backend's tools the gateway
	// advertises. Empty means all.
	AllowedTools []string `yaml:"allowed_tools" json:"allowedTools,omitempty"`
}

// Validate checks the backend configuration for structural and security issues.
func (c *Config) Validate() error {
	if err := mcp.ValidateServerID(c.ID); err != nil {
		return err
	}
	if c.Command == "" {
		return fmt.Errorf("backend %s: command is required", c.ID)
	}
	if err := validatePath(c.Command, "command"); err != nil {
		return fmt.Errorf("backend %s: %w", c.ID, err)
	}
	if c.WorkDir != "" {
		if err := validatePath(c.WorkDir, "workdir"); err != nil {
			return fmt.Errorf("backend %s: %w", c.ID, err)
		}
	}
	for i, arg := range c.Args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("backend %s: arg[%d] contains suspicious shell metacharacters: %q", c.ID, i, arg)
		}
	}
	return nil
}

// ExpandedEnv returns the gateway environment plus the configured variables,
// with ${VAR} references in values expanded from the gateway's environment.
func (c *Config) ExpandedEnv() []string {
	env := os.Environ()
	for k, v := range c.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}
	return env
}

// validatePath checks a path for traversal after cleaning.
func validatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("%s contains path traversal: %q", fieldName, path)
	}
	return nil
}

// containsShellMetachars flags patterns that suggest command chaining. Spaces
// and quotes are allowed since they are common in legitimate args.
func containsShellMetachars(s string) bool {
	dangerousPatterns := []string{
		"$(", "${",
		"`",
		"&&", "||",
		";",
		"|",
		">", "<",
		"\n", "\r",
	}
	for _, pattern := range dangerousPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// Options tunes backend supervision timings.
type Options struct {
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	TermGrace        time.Duration
	RestartBackoff   time.Duration
	MaxRestarts      int

	// LazyStart defers spawning a backend until a role that can reach it
	// becomes active. The default starts every configured backend up front.
	LazyStart bool
}

// DefaultOptions returns the supervision defaults.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		RequestTimeout:   30 * time.Second,
		TermGrace:        5 * time.Second,
		RestartBackoff:   2 * time.Second,
		MaxRestarts:      5,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.TermGrace <= 0 {
		o.TermGrace = d.TermGrace
	}
	if o.RestartBackoff <= 0 {
		o.RestartBackoff = d.RestartBackoff
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = d.MaxRestarts
	}
	return o
}

// Backend is one supervised MCP server: its subprocess, handshake state,
// and cached capability catalog.
type Backend struct {
	cfg    Config
	opts   Options
	logger *slog.Logger

	events chan *mcp.JSONRPCNotification

	mu        sync.RWMutex
	proc      *proc
	state     State
	info      mcp.ServerInfo
	tools     []*mcp.Tool
	resources []*mcp.Resource
	prompts   []*mcp.Prompt
	restarts  int
	lastErr   error
}

// New builds an unstarted backend.
func New(cfg Config, opts Options, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		cfg:    cfg,
		opts:   opts.withDefaults(),
		logger: logger.With("server", cfg.ID),
		events: make(chan *mcp.JSONRPCNotification, 100),
		state:  StateConfigured,
	}
}

// ID returns the configured server ID.
func (b *Backend) ID() string { return b.cfg.ID }

// Config returns the launch configuration.
func (b *Backend) Config() Config { return b.cfg }

// Start spawns the subprocess and performs the initialize handshake. A
// handshake timeout against a still-running process marks the backend ready
// anyway; slow servers often answer tools/list even when initialize lags.
func (b *Backend) Start(ctx context.Context) error {
	b.setState(StateStarting)

	p := newProc(b.logger, b.events, b.opts.RequestTimeout, b.opts.TermGrace)
	if err := p.start(ctx, &b.cfg); err != nil {
		b.fail(err)
		return err
	}

	b.setState(StateHandshaking)
	hctx, cancel := context.WithTimeout(ctx, b.opts.HandshakeTimeout)
	err := b.handshake(hctx, p)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && p.alive() {
			b.logger.Warn("handshake timed out but process is alive, marking ready",
				"timeout", b.opts.HandshakeTimeout)
		} else {
			p.terminate()
			b.fail(err)
			return err
		}
	}

	b.mu.Lock()
	b.proc = p
	b.state = StateReady
	b.lastErr = nil
	b.mu.Unlock()

	if err := b.RefreshCatalog(ctx); err != nil {
		b.logger.Warn("initial catalog refresh failed", "error", err)
	}
	return nil
}

// handshake runs initialize (correlation ID 0) and the initialized
// notification.
func (b *Backend) handshake(ctx context.Context, p *proc) error {
	result, err := p.call(ctx, 0, mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    mcp.Capabilities{},
		ClientInfo:      mcp.ClientInfo{Name: "mycelium", Version: "1.0.0"},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult mcp.InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	if initResult.ProtocolVersion != mcp.ProtocolVersion {
		b.logger.Warn("protocol version mismatch",
			"ours", mcp.ProtocolVersion,
			"theirs", initResult.ProtocolVersion)
	}

	b.mu.Lock()
	b.info = initResult.ServerInfo
	b.mu.Unlock()

	b.logger.Info("backend initialized",
		"name", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := p.Notify(mcp.NotificationInitialized, nil); err != nil {
		b.logger.Warn("failed to send initialized notification", "error", err)
	}
	return nil
}

// Stop terminates the subprocess.
func (b *Backend) Stop() {
	b.mu.Lock()
	p := b.proc
	b.proc = nil
	b.state = StateStopped
	b.mu.Unlock()

	if p != nil {
		p.terminate()
	}
}

// Exited returns a channel closed when the current incarnation exits, or nil
// when no process is running.
func (b *Backend) Exited() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.proc == nil {
		return nil
	}
	return b.proc.done()
}

// Events returns the notification stream shared across incarnations.
func (b *Backend) Events() <-chan *mcp.JSONRPCNotification {
	return b.events
}

// State returns the current lifecycle state.
func (b *Backend) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Ready reports whether calls can be routed to this backend.
func (b *Backend) Ready() bool {
	return b.State() == StateReady
}

// Info returns the server identity from the handshake.
func (b *Backend) Info() mcp.ServerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info
}

// Tools returns the cached tool catalog.
func (b *Backend) Tools() []*mcp.Tool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tools
}

// Resources returns the cached resource catalog.
func (b *Backend) Resources() []*mcp.Resource {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.resources
}

// Prompts returns the cached prompt catalog.
func (b *Backend) Prompts() []*mcp.Prompt {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.prompts
}

// currentProc returns the running proc or nil.
func (b *Backend) currentProc() *proc {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state != StateReady {
		return nil
	}
	return b.proc
}

// RefreshCatalog refreshes tools, resources, and prompts. Backends that do
// not implement resources or prompts are tolerated.
func (b *Backend) RefreshCatalog(ctx context.Context) error {
	if err := b.RefreshTools(ctx); err != nil {
		return err
	}

	p := b.currentProc()
	if p == nil {
		return ErrNotReady
	}

	if result, err := p.Call(ctx, mcp.MethodResourcesList, nil); err == nil {
		var resp mcp.ListResourcesResult
		if json.Unmarshal(result, &resp) == nil {
			b.mu.Lock()
			b.resources = resp.Resources
			b.mu.Unlock()
		}
	}
	if result, err := p.Call(ctx, mcp.MethodPromptsList, nil); err == nil {
		var resp mcp.ListPromptsResult
		if json.Unmarshal(result, &resp) == nil {
			b.mu.Lock()
			b.prompts = resp.Prompts
			b.mu.Unlock()
		}
	}
	return nil
}

// RefreshTools re-lists tools and applies the configured allowlist.
func (b *Backend) RefreshTools(ctx context.Context) error {
	p := b.currentProc()
	if p == nil {
		return ErrNotReady
	}

	result, err := p.Call(ctx, mcp.MethodToolsList, nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	var resp mcp.ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}

	tools := resp.Tools
	if len(b.cfg.AllowedTools) > 0 {
		allowed := make(map[string]struct{}, len(b.cfg.AllowedTools))
		for _, name := range b.cfg.AllowedTools {
			allowed[name] = struct{}{}
		}
		filtered := tools[:0]
		for _, t := range tools {
			if _, ok := allowed[t.Name]; ok {
				filtered = append(filtered, t)
			}
		}
		tools = filtered
	}

	b.mu.Lock()
	b.tools = tools
	b.mu.Unlock()
	b.logger.Debug("refreshed tools", "count", len(tools))
	return nil
}

// CallTool invokes a tool by its unprefixed name.
func (b *Backend) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolCallResult, error) {
	p := b.currentProc()
	if p == nil {
		return nil, ErrNotReady
	}

	result, err := p.Call(ctx, mcp.MethodToolsCall, mcp.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	var callResult mcp.ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	return &callResult, nil
}

// ReadResource reads a resource from the backend.
func (b *Backend) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	p := b.currentProc()
	if p == nil {
		return nil, ErrNotReady
	}

	result, err := p.Call(ctx, mcp.MethodResourcesRead, map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	var readResult mcp.ReadResourceResult
	if err := json.Unmarshal(result, &readResult); err != nil {
		return nil, fmt.Errorf("parse resource result: %w", err)
	}
	return &readResult, nil
}

// GetPrompt fetches a prompt from the backend.
func (b *Backend) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*mcp.GetPromptResult, error) {
	p := b.currentProc()
	if p == nil {
		return nil, ErrNotReady
	}

	result, err := p.Call(ctx, mcp.MethodPromptsGet, map[string]any{"name": name, "arguments": arguments})
	if err != nil {
		return nil, err
	}
	var promptResult mcp.GetPromptResult
	if err := json.Unmarshal(result, &promptResult); err != nil {
		return nil, fmt.Errorf("parse prompt result: %w", err)
	}
	return &promptResult, nil
}

// setState transitions the lifecycle state.
func (b *Backend) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// fail records a terminal or transient error.
func (b *Backend) fail(err error) {
	b.mu.Lock()
	b.state = StateFailed
	b.lastErr = err
	b.mu.Unlock()
}

// markStopped notes an unexpected exit ahead of a supervised restart.
func (b *Backend) markStopped() {
	b.mu.Lock()
	b.state = StateStopped
	b.restarts++
	b.proc = nil
	b.mu.Unlock()
}

// Status summarizes the backend for listings and diagnostics.
type Status struct {
	ID        string         `json:"id"`
	State     State          `json:"state"`
	Server    mcp.ServerInfo `json:"server"`
	Tools     int            `json:"tools"`
	Resources int            `json:"resources"`
	Prompts   int            `json:"prompts"`
	Restarts  int            `json:"restarts"`
	LastError string         `json:"lastError,omitempty"`
}

// Status returns a point-in-time summary.
func (b *Backend) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Status{
		ID:        b.cfg.ID,
		State:     b.state,
		Server:    b.info,
		Tools:     len(b.tools),
		Resources: len(b.resources),
		Prompts:   len(b.prompts),
		Restarts:  b.restarts,
	}
	if b.lastErr != nil {
		st.LastError = b.lastErr.Error()
	}
	return st
}
