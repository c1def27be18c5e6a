package router

import (
	"context"
	"encoding/json"

	"github.com/Shin0205go/mycelium-sub001/internal/backend"
	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
)

// backendDispatcher adapts a supervised child process to the Dispatcher,
// ResourceSource, and PromptSource interfaces. Calls to a backend that
// has not been started yet trigger a lazy start through the supervisor.
type backendDispatcher struct {
	b   *backend.Backend
	sup *backend.Supervisor
}

// AttachSupervisor registers a dispatcher for every configured backend.
// Backends that are not ready yet still get a dispatcher; they are
// skipped by catalog fan-outs and started on first call.
func (r *Router) AttachSupervisor(sup *backend.Supervisor) {
	for _, b := range sup.Backends() {
		r.Register(&backendDispatcher{b: b, sup: sup})
	}
}

func (d *backendDispatcher) ID() string { return d.b.ID() }

func (d *backendDispatcher) Ready() bool { return d.b.Ready() }

func (d *backendDispatcher) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	if err := d.b.RefreshTools(ctx); err != nil {
		return nil, err
	}
	return d.b.Tools(), nil
}

func (d *backendDispatcher) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolCallResult, error) {
	if err := d.ensure(ctx); err != nil {
		return nil, err
	}
	return d.b.CallTool(ctx, name, args)
}

func (d *backendDispatcher) ListResources(ctx context.Context) ([]*mcp.Resource, error) {
	if err := d.b.RefreshCatalog(ctx); err != nil {
		return nil, err
	}
	return d.b.Resources(), nil
}

func (d *backendDispatcher) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	if err := d.ensure(ctx); err != nil {
		return nil, err
	}
	return d.b.ReadResource(ctx, uri)
}

func (d *backendDispatcher) ListPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	if !d.b.Ready() {
		return nil, backend.ErrNotReady
	}
	return d.b.Prompts(), nil
}

func (d *backendDispatcher) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	if err := d.ensure(ctx); err != nil {
		return nil, err
	}
	return d.b.GetPrompt(ctx, name, args)
}

func (d *backendDispatcher) ensure(ctx context.Context) error {
	if d.b.Ready() {
		return nil
	}
	return d.sup.EnsureStarted(ctx, d.b.ID())
}
