package backend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
)

func testOptions() Options {
	return Options{
		HandshakeTimeout: 2 * time.Second,
		RequestTimeout:   2 * time.Second,
		TermGrace:        time.Second,
		RestartBackoff:   50 * time.Millisecond,
		MaxRestarts:      3,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{ID: "github", Command: "/usr/bin/server"}, false},
		{"missing id", Config{Command: "/usr/bin/server"}, true},
		{"uppercase id", Config{ID: "GitHub", Command: "/usr/bin/server"}, true},
		{"missing command", Config{ID: "github"}, true},
		{"traversal in command", Config{ID: "github", Command: "../../bin/evil"}, true},
		{"traversal in workdir", Config{ID: "github", Command: "srv", WorkDir: "/data/../../etc"}, true},
		{"metachars in args", Config{ID: "github", Command: "srv", Args: []string{"a; rm -rf /"}}, true},
		{"pipe in args", Config{ID: "github", Command: "srv", Args: []string{"a|b"}}, true},
		{"plain args", Config{ID: "github", Command: "srv", Args: []string{"--token", "abc 123"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigExpandedEnv(t *testing.T) {
	t.Setenv("FAKE_GITHUB_TOKEN", "tok-123")

	cfg := Config{
		ID:      "github",
		Command: "srv",
		Env: map[string]string{
			"AUTH":  "Bearer ${FAKE_GITHUB_TOKEN}",
			"PLAIN": "value",
		},
	}

	env := cfg.ExpandedEnv()
	var foundAuth, foundPlain bool
	for _, kv := range env {
		switch kv {
		case "AUTH=Bearer tok-123":
			foundAuth = true
		case "PLAIN=value":
			foundPlain = true
		}
	}
	if !foundAuth {
		t.Error("expected ${FAKE_GITHUB_TOKEN} to expand from the gateway environment")
	}
	if !foundPlain {
		t.Error("expected plain value to pass through")
	}
}

func TestUnwrapEnvelope(t *testing.T) {
	listChanged := `{"method":"notifications/tools/list_changed","params":{}}`

	tests := []struct {
		name       string
		notif      *mcp.JSONRPCNotification
		wantMethod string
	}{
		{
			"plain notification passes through",
			&mcp.JSONRPCNotification{Method: mcp.NotificationToolsChanged},
			mcp.NotificationToolsChanged,
		},
		{
			"envelope unwraps once",
			&mcp.JSONRPCNotification{Method: mcp.NotificationEnvelope, Params: json.RawMessage(listChanged)},
			mcp.NotificationToolsChanged,
		},
		{
			"nested envelope only unwraps one level",
			&mcp.JSONRPCNotification{
				Method: mcp.NotificationEnvelope,
				Params: json.RawMessage(`{"method":"$/notification","params":` + listChanged + `}`),
			},
			mcp.NotificationEnvelope,
		},
		{
			"envelope without nested method passes through",
			&mcp.JSONRPCNotification{Method: mcp.NotificationEnvelope, Params: json.RawMessage(`{"data":1}`)},
			mcp.NotificationEnvelope,
		},
		{
			"envelope with invalid params passes through",
			&mcp.JSONRPCNotification{Method: mcp.NotificationEnvelope, Params: json.RawMessage(`not json`)},
			mcp.NotificationEnvelope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := unwrapEnvelope(tt.notif)
			if got.Method != tt.wantMethod {
				t.Errorf("unwrapEnvelope() method = %q, want %q", got.Method, tt.wantMethod)
			}
		})
	}
}

func TestNormalizeID(t *testing.T) {
	if id, ok := normalizeID(float64(7)); !ok || id != 7 {
		t.Errorf("normalizeID(float64) = (%d, %v)", id, ok)
	}
	if id, ok := normalizeID(int64(7)); !ok || id != 7 {
		t.Errorf("normalizeID(int64) = (%d, %v)", id, ok)
	}
	if id, ok := normalizeID(json.Number("42")); !ok || id != 42 {
		t.Errorf("normalizeID(json.Number) = (%d, %v)", id, ok)
	}
	if _, ok := normalizeID("seven"); ok {
		t.Error("normalizeID(string) should fail")
	}
}

func TestProcessLineCorrelation(t *testing.T) {
	p := newProc(slog.Default(), make(chan *mcp.JSONRPCNotification, 10), time.Second, time.Second)

	ch := make(chan *mcp.JSONRPCResponse, 1)
	p.pending[5] = ch

	p.processLine([]byte(`{"jsonrpc":"2.0","id":5,"result":{"ok":true}}`))

	select {
	case resp := <-ch:
		if string(resp.Result) != `{"ok":true}` {
			t.Errorf("unexpected result: %s", resp.Result)
		}
	default:
		t.Fatal("expected pending call to receive the response")
	}
	if _, exists := p.pending[5]; exists {
		t.Error("expected pending entry to be removed after delivery")
	}
}

func TestProcessLineNotification(t *testing.T) {
	events := make(chan *mcp.JSONRPCNotification, 10)
	p := newProc(slog.Default(), events, time.Second, time.Second)

	p.processLine([]byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`))

	select {
	case n := <-events:
		if n.Method != mcp.NotificationToolsChanged {
			t.Errorf("unexpected method %q", n.Method)
		}
	default:
		t.Fatal("expected notification to be published")
	}
}

func TestProcessLineEnvelopeUnwrap(t *testing.T) {
	events := make(chan *mcp.JSONRPCNotification, 10)
	p := newProc(slog.Default(), events, time.Second, time.Second)

	p.processLine([]byte(`{"jsonrpc":"2.0","method":"$/notification","params":{"method":"notifications/tools/list_changed","params":{}}}`))

	select {
	case n := <-events:
		if n.Method != mcp.NotificationToolsChanged {
			t.Errorf("expected unwrapped method, got %q", n.Method)
		}
	default:
		t.Fatal("expected notification to be published")
	}
}

func TestProcessLineGarbage(t *testing.T) {
	events := make(chan *mcp.JSONRPCNotification, 10)
	p := newProc(slog.Default(), events, time.Second, time.Second)

	p.processLine([]byte(`this is not json`))
	p.processLine([]byte(`{"jsonrpc":"2.0","id":99,"result":{}}`)) // no pending entry

	select {
	case n := <-events:
		t.Fatalf("expected no events, got %q", n.Method)
	default:
	}
}

func TestBackendCallToolNotReady(t *testing.T) {
	b := New(Config{ID: "github", Command: "srv"}, testOptions(), slog.Default())

	_, err := b.CallTool(context.Background(), "echo", nil)
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestBackendStartAndCall(t *testing.T) {
	b := New(helperConfig("fake", ""), testOptions(), slog.Default())

	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer b.Stop()

	if !b.Ready() {
		t.Fatalf("expected backend to be ready, state = %s", b.State())
	}
	if got := b.Info().Name; got != "fake-server" {
		t.Errorf("expected server info from handshake, got %q", got)
	}

	tools := b.Tools()
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}

	result, err := b.CallTool(ctx, "echo", json.RawMessage(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hello" {
		t.Errorf("unexpected tool result: %+v", result)
	}
}

func TestBackendAllowedToolsFilter(t *testing.T) {
	cfg := helperConfig("fake", "")
	cfg.AllowedTools = []string{"echo"}
	b := New(cfg, testOptions(), slog.Default())

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer b.Stop()

	tools := b.Tools()
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Errorf("expected only the allowlisted tool, got %+v", tools)
	}
}

func TestBackendHandshakeTimeoutMarksReady(t *testing.T) {
	opts := testOptions()
	opts.HandshakeTimeout = 200 * time.Millisecond
	opts.RequestTimeout = 200 * time.Millisecond

	b := New(helperConfig("slow", "silent"), opts, slog.Default())

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v, want ready despite handshake timeout", err)
	}
	defer b.Stop()

	if !b.Ready() {
		t.Errorf("expected ready state after handshake timeout with live process, got %s", b.State())
	}
}

func TestBackendStartFailsWhenProcessExits(t *testing.T) {
	b := New(helperConfig("dead", "exit"), testOptions(), slog.Default())

	err := b.Start(context.Background())
	if err == nil {
		b.Stop()
		t.Fatal("expected Start() to fail when the process exits immediately")
	}
	if b.State() != StateFailed {
		t.Errorf("expected failed state, got %s", b.State())
	}
}

func TestBackendStop(t *testing.T) {
	b := New(helperConfig("fake", ""), testOptions(), slog.Default())

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	b.Stop()

	if b.State() != StateStopped {
		t.Errorf("expected stopped state, got %s", b.State())
	}
	if _, err := b.CallTool(context.Background(), "echo", nil); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady after stop, got %v", err)
	}
}

func TestBackendUpstreamRPCError(t *testing.T) {
	b := New(helperConfig("fake", ""), testOptions(), slog.Default())

	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer b.Stop()

	p := b.currentProc()
	_, err := p.Call(ctx, "no/such_method", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if rpcErr.Code != mcp.ErrCodeMethodNotFound {
		t.Errorf("expected method-not-found code, got %d", rpcErr.Code)
	}
	if !strings.Contains(rpcErr.Error(), "method not found") {
		t.Errorf("unexpected error text: %s", rpcErr.Error())
	}
}
