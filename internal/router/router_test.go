package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDispatcher struct {
	id      string
	ready   bool
	tools   []*mcp.Tool
	listErr error
	callErr error

	lastTool string
	lastArgs json.RawMessage
}

func (f *fakeDispatcher) ID() string  { return f.id }
func (f *fakeDispatcher) Ready() bool { return f.ready }

func (f *fakeDispatcher) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeDispatcher) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolCallResult, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	f.lastTool = name
	f.lastArgs = args
	return mcp.TextResult("ok from " + f.id), nil
}

type fakePromptDispatcher struct {
	fakeDispatcher
	prompts    []*mcp.Prompt
	lastPrompt string
}

func (f *fakePromptDispatcher) ListPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	return f.prompts, nil
}

func (f *fakePromptDispatcher) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	f.lastPrompt = name
	return &mcp.GetPromptResult{Description: f.id + "/" + name}, nil
}

type fakeResourceDispatcher struct {
	fakeDispatcher
	resources []*mcp.Resource
	lastURI   string
}

func (f *fakeResourceDispatcher) ListResources(ctx context.Context) ([]*mcp.Resource, error) {
	return f.resources, nil
}

func (f *fakeResourceDispatcher) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	f.lastURI = uri
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContent{{URI: uri, Text: f.id}}}, nil
}

func newTestRouter(dispatchers ...Dispatcher) *Router {
	r := New(Config{Logger: testLogger()})
	for _, d := range dispatchers {
		r.Register(d)
	}
	return r
}

func TestCallToolRoutesByPrefix(t *testing.T) {
	git := &fakeDispatcher{id: "git", ready: true}
	fs := &fakeDispatcher{id: "fs", ready: true}
	r := newTestRouter(git, fs)

	args := json.RawMessage(`{"path":"."}`)
	result, err := r.CallTool(context.Background(), "git__status", args)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.Content[0].Text != "ok from git" {
		t.Errorf("routed to wrong dispatcher: %q", result.Content[0].Text)
	}
	if git.lastTool != "status" {
		t.Errorf("upstream saw %q, want native name %q", git.lastTool, "status")
	}
	if fs.lastTool != "" {
		t.Errorf("fs dispatcher was called with %q", fs.lastTool)
	}
}

func TestCallToolPrefixBeforeFirstSeparatorWins(t *testing.T) {
	d := &fakeDispatcher{id: "srv", ready: true}
	r := newTestRouter(d)

	if _, err := r.CallTool(context.Background(), "srv__do__thing", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if d.lastTool != "do__thing" {
		t.Errorf("native name = %q, want %q", d.lastTool, "do__thing")
	}
}

func TestCallToolNoUpstream(t *testing.T) {
	r := newTestRouter(&fakeDispatcher{id: "git", ready: true})

	tests := []struct {
		name string
		tool string
	}{
		{"unknown prefix", "svn__log"},
		{"no separator", "status"},
		{"empty name", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.CallTool(context.Background(), tt.tool, nil)
			if !errors.Is(err, ErrNoUpstream) {
				t.Errorf("err = %v, want ErrNoUpstream", err)
			}
		})
	}
}

func TestCallToolWrapsUpstreamError(t *testing.T) {
	d := &fakeDispatcher{id: "git", ready: true, callErr: errors.New("boom")}
	r := newTestRouter(d)

	_, err := r.CallTool(context.Background(), "git__status", nil)
	if err == nil || !errors.Is(err, d.callErr) {
		t.Fatalf("err = %v, want wrapped upstream error", err)
	}
}

func TestUnregisterStopsRouting(t *testing.T) {
	d := &fakeDispatcher{id: "git", ready: true}
	r := newTestRouter(d)

	r.Unregister("git")
	if _, err := r.CallTool(context.Background(), "git__status", nil); !errors.Is(err, ErrNoUpstream) {
		t.Errorf("err = %v, want ErrNoUpstream after unregister", err)
	}
}

func TestAggregateToolsQualifiesAndSkipsFailures(t *testing.T) {
	git := &fakeDispatcher{id: "git", ready: true, tools: []*mcp.Tool{{Name: "status"}, {Name: "log"}}}
	fs := &fakeDispatcher{id: "fs", ready: true, listErr: errors.New("unreachable")}
	cold := &fakeDispatcher{id: "cold", ready: false, tools: []*mcp.Tool{{Name: "never"}}}
	r := newTestRouter(git, fs, cold)

	got := r.AggregateTools(context.Background())
	if len(got) != 1 {
		t.Fatalf("aggregated %d servers, want 1: %v", len(got), got)
	}
	tools := got["git"]
	if len(tools) != 2 {
		t.Fatalf("git tools = %d, want 2", len(tools))
	}
	if tools[0].Name != "git__status" || tools[1].Name != "git__log" {
		t.Errorf("names not qualified: %q, %q", tools[0].Name, tools[1].Name)
	}
	// Source catalog must stay in native form.
	if git.tools[0].Name != "status" {
		t.Errorf("aggregation mutated source tool name to %q", git.tools[0].Name)
	}
}

func TestAggregatePrompts(t *testing.T) {
	p := &fakePromptDispatcher{
		fakeDispatcher: fakeDispatcher{id: "docs", ready: true},
		prompts:        []*mcp.Prompt{{Name: "summarize"}},
	}
	bare := &fakeDispatcher{id: "git", ready: true}
	r := newTestRouter(p, bare)

	got := r.AggregatePrompts(context.Background())
	if len(got) != 1 {
		t.Fatalf("prompts = %d, want 1", len(got))
	}
	if got[0].Name != "docs__summarize" {
		t.Errorf("prompt name = %q, want %q", got[0].Name, "docs__summarize")
	}
}

func TestGetPromptRoutesQualifiedName(t *testing.T) {
	p := &fakePromptDispatcher{fakeDispatcher: fakeDispatcher{id: "docs", ready: true}}
	r := newTestRouter(p)

	result, err := r.GetPrompt(context.Background(), "docs__summarize", nil)
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if p.lastPrompt != "summarize" {
		t.Errorf("upstream saw %q, want %q", p.lastPrompt, "summarize")
	}
	if result.Description != "docs/summarize" {
		t.Errorf("result = %q", result.Description)
	}
}

func TestReadResourcePinnedServer(t *testing.T) {
	a := &fakeResourceDispatcher{fakeDispatcher: fakeDispatcher{id: "a", ready: true}}
	b := &fakeResourceDispatcher{fakeDispatcher: fakeDispatcher{id: "b", ready: true}}
	r := newTestRouter(a, b)

	result, err := r.ReadResource(context.Background(), "b", "file:///x")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if result.Contents[0].Text != "b" {
		t.Errorf("read from %q, want b", result.Contents[0].Text)
	}
	if a.lastURI != "" {
		t.Errorf("a was consulted for %q", a.lastURI)
	}
}

func TestReadResourceFirstReadySource(t *testing.T) {
	bare := &fakeDispatcher{id: "bare", ready: true}
	res := &fakeResourceDispatcher{fakeDispatcher: fakeDispatcher{id: "docs", ready: true}}
	r := newTestRouter(bare, res)

	result, err := r.ReadResource(context.Background(), "", "file:///x")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if result.Contents[0].URI != "file:///x" {
		t.Errorf("uri = %q", result.Contents[0].URI)
	}
}

func TestReadResourceNoSource(t *testing.T) {
	r := newTestRouter(&fakeDispatcher{id: "bare", ready: true})
	if _, err := r.ReadResource(context.Background(), "", "file:///x"); !errors.Is(err, ErrNoResourceSource) {
		t.Errorf("err = %v, want ErrNoResourceSource", err)
	}
}
