// Package router dispatches tool calls to upstream servers by name prefix
// and aggregates catalogs across every ready upstream.
//
// Tool sources are heterogeneous: child processes speaking MCP over stdio
// and virtual servers synthesized from OpenAPI documents. Each source
// registers a Dispatcher under its server ID; the router picks the
// dispatcher from the qualified tool name and forwards the native name.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
)

var (
	// ErrNoUpstream is returned when no registered server matches the
	// prefix of a qualified tool name.
	ErrNoUpstream = errors.New("no upstream server for this tool")

	// ErrNoResourceSource is returned when a resource or prompt request
	// cannot be mapped to any ready upstream.
	ErrNoResourceSource = errors.New("no upstream server provides resources")
)

// Dispatcher is a single source of callable tools. CallTool receives the
// native (unprefixed) tool name; the router strips the server prefix
// before dispatch.
type Dispatcher interface {
	ID() string
	Ready() bool
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolCallResult, error)
}

// ResourceSource is implemented by dispatchers that also expose MCP
// resources. Virtual servers typically do not.
type ResourceSource interface {
	ListResources(ctx context.Context) ([]*mcp.Resource, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
}

// PromptSource is implemented by dispatchers that expose MCP prompts.
type PromptSource interface {
	ListPrompts(ctx context.Context) ([]*mcp.Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)
}

// Config controls router behavior.
type Config struct {
	// RequestTimeout bounds a single upstream call, including lazy
	// startup of the target. Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// DefaultRequestTimeout bounds one upstream hop.
const DefaultRequestTimeout = 30 * time.Second

// Router routes qualified tool names to registered dispatchers and fans
// catalog requests out to all of them.
type Router struct {
	timeout time.Duration
	logger  *slog.Logger

	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
}

// New creates an empty router. Sources are added with Register.
func New(cfg Config) *Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		timeout:     cfg.RequestTimeout,
		logger:      cfg.Logger.With("component", "router"),
		dispatchers: make(map[string]Dispatcher),
	}
}

// Register adds or replaces the dispatcher for a server ID.
func (r *Router) Register(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers[d.ID()] = d
}

// Unregister removes a server's dispatcher. Calls for its tools fail with
// ErrNoUpstream afterwards.
func (r *Router) Unregister(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dispatchers, serverID)
}

// Dispatcher returns the registered dispatcher for a server ID.
func (r *Router) Dispatcher(serverID string) (Dispatcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dispatchers[serverID]
	return d, ok
}

// ServerIDs returns the registered server IDs in sorted order.
func (r *Router) ServerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.dispatchers))
	for id := range r.dispatchers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Router) ready() []Dispatcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Dispatcher, 0, len(r.dispatchers))
	for _, d := range r.dispatchers {
		if d.Ready() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// CallTool routes a qualified tool name to its upstream and returns the
// upstream result. The server prefix is stripped before dispatch so the
// upstream sees the name it advertised.
func (r *Router) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolCallResult, error) {
	serverID, native, ok := mcp.SplitQualifiedName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoUpstream, name)
	}
	d, found := r.Dispatcher(serverID)
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrNoUpstream, name)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := d.CallTool(ctx, native, args)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", serverID, err)
	}
	return result, nil
}

// AggregateTools queries every ready source concurrently and returns the
// combined catalog keyed by server ID, with tool names rewritten to their
// qualified form. A failing source contributes nothing; the others still
// report. This is the slow path used at startup and on explicit refresh;
// steady-state listings come from cached catalogs.
func (r *Router) AggregateTools(ctx context.Context) map[string][]*mcp.Tool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sources := r.ready()
	results := make([][]*mcp.Tool, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range sources {
		g.Go(func() error {
			tools, err := d.ListTools(gctx)
			if err != nil {
				r.logger.Warn("tool listing failed", "server", d.ID(), "error", err)
				return nil
			}
			results[i] = qualifyTools(d.ID(), tools)
			return nil
		})
	}
	g.Wait()

	out := make(map[string][]*mcp.Tool, len(sources))
	for i, d := range sources {
		if results[i] != nil {
			out[d.ID()] = results[i]
		}
	}
	return out
}

// AggregateResources merges resource listings from every ready source
// that exposes resources. Failures are logged and skipped.
func (r *Router) AggregateResources(ctx context.Context) []*mcp.Resource {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sources := r.ready()
	results := make([][]*mcp.Resource, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range sources {
		rs, ok := d.(ResourceSource)
		if !ok {
			continue
		}
		g.Go(func() error {
			resources, err := rs.ListResources(gctx)
			if err != nil {
				r.logger.Warn("resource listing failed", "server", d.ID(), "error", err)
				return nil
			}
			results[i] = resources
			return nil
		})
	}
	g.Wait()

	var out []*mcp.Resource
	for _, resources := range results {
		out = append(out, resources...)
	}
	return out
}

// AggregatePrompts merges prompt listings from every ready source that
// exposes prompts, with prompt names rewritten to their qualified form.
func (r *Router) AggregatePrompts(ctx context.Context) []*mcp.Prompt {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sources := r.ready()
	results := make([][]*mcp.Prompt, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range sources {
		ps, ok := d.(PromptSource)
		if !ok {
			continue
		}
		g.Go(func() error {
			prompts, err := ps.ListPrompts(gctx)
			if err != nil {
				r.logger.Warn("prompt listing failed", "server", d.ID(), "error", err)
				return nil
			}
			results[i] = qualifyPrompts(d.ID(), prompts)
			return nil
		})
	}
	g.Wait()

	var out []*mcp.Prompt
	for _, prompts := range results {
		out = append(out, prompts...)
	}
	return out
}

// ReadResource fetches a resource by URI. When serverID is empty the
// request goes to the first ready source that exposes resources;
// otherwise it is pinned to the named server.
func (r *Router) ReadResource(ctx context.Context, serverID, uri string) (*mcp.ReadResourceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if serverID != "" {
		d, ok := r.Dispatcher(serverID)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNoUpstream, serverID)
		}
		rs, ok := d.(ResourceSource)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNoResourceSource, serverID)
		}
		return rs.ReadResource(ctx, uri)
	}

	for _, d := range r.ready() {
		rs, ok := d.(ResourceSource)
		if !ok {
			continue
		}
		return rs.ReadResource(ctx, uri)
	}
	return nil, ErrNoResourceSource
}

// GetPrompt fetches a prompt by qualified name. Unqualified names go to
// the first ready prompt source.
func (r *Router) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if serverID, native, ok := mcp.SplitQualifiedName(name); ok {
		d, found := r.Dispatcher(serverID)
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrNoUpstream, name)
		}
		ps, found := d.(PromptSource)
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrNoResourceSource, serverID)
		}
		return ps.GetPrompt(ctx, native, args)
	}

	for _, d := range r.ready() {
		ps, ok := d.(PromptSource)
		if !ok {
			continue
		}
		return ps.GetPrompt(ctx, name, args)
	}
	return nil, ErrNoResourceSource
}

func qualifyTools(serverID string, tools []*mcp.Tool) []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(tools))
	for _, t := range tools {
		q := *t
		q.Name = mcp.QualifiedName(serverID, t.Name)
		out = append(out, &q)
	}
	return out
}

func qualifyPrompts(serverID string, prompts []*mcp.Prompt) []*mcp.Prompt {
	out := make([]*mcp.Prompt, 0, len(prompts))
	for _, p := range prompts {
		q := *p
		q.Name = mcp.QualifiedName(serverID, p.Name)
		out = append(out, &q)
	}
	return out
}
