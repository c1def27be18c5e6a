package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
)

// Sentinel errors returned by backend calls. The router maps these onto
// wire error codes.
var (
	ErrNotReady = errors.New("backend not ready")
	ErrClosed   = errors.New("backend transport closed")
	ErrTimeout  = errors.New("backend request timed out")
)

// RPCError is a JSON-RPC error returned by a backend.
type RPCError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("backend rpc error %d: %s", e.Code, e.Message)
}

// maxLineBytes bounds a single framed message. Tool results can be large;
// lines beyond this abort the read loop.
const maxLineBytes = 4 * 1024 * 1024

// proc owns one incarnation of a backend subprocess and its stdio framing.
type proc struct {
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	stderr io.ReadCloser

	pending   map[int64]chan *mcp.JSONRPCResponse
	pendingMu sync.Mutex
	events    chan *mcp.JSONRPCNotification
	nextID    atomic.Int64

	writeMu sync.Mutex

	exited   chan struct{}
	exitErr  error
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	requestTimeout time.Duration
	termGrace      time.Duration
}

// newProc builds a proc publishing notifications into events. The channel is
// shared across incarnations and is never closed by the proc.
func newProc(logger *slog.Logger, events chan *mcp.JSONRPCNotification, requestTimeout, termGrace time.Duration) *proc {
	return &proc{
		logger:         logger,
		pending:        make(map[int64]chan *mcp.JSONRPCResponse),
		events:         events,
		exited:         make(chan struct{}),
		stopChan:       make(chan struct{}),
		requestTimeout: requestTimeout,
		termGrace:      termGrace,
	}
}

// start spawns the subprocess and begins reading its stdout.
func (p *proc) start(ctx context.Context, cfg *Config) error {
	if cfg.Command == "" {
		return fmt.Errorf("command is required")
	}

	p.cmd = exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	p.cmd.Env = cfg.ExpandedEnv()
	if cfg.WorkDir != "" {
		p.cmd.Dir = cfg.WorkDir
	}

	// On context cancellation, terminate gracefully before the hard kill.
	p.cmd.Cancel = func() error {
		return p.cmd.Process.Signal(syscall.SIGTERM)
	}
	p.cmd.WaitDelay = p.termGrace

	var err error
	p.stdin, err = p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	p.stdout = bufio.NewScanner(stdout)
	p.stdout.Buffer(make([]byte, 64*1024), maxLineBytes)

	p.stderr, _ = p.cmd.StderrPipe()

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	p.logger.Info("started backend process",
		"command", cfg.Command,
		"pid", p.cmd.Process.Pid)

	p.wg.Add(1)
	go p.readLoop()

	if p.stderr != nil {
		p.wg.Add(1)
		go p.logStderr()
	}

	go func() {
		p.exitErr = p.cmd.Wait()
		close(p.exited)
	}()

	return nil
}

// alive reports whether the subprocess is still running.
func (p *proc) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return p.cmd != nil && p.cmd.Process != nil
	}
}

// done returns a channel closed when the subprocess exits.
func (p *proc) done() <-chan struct{} {
	return p.exited
}

// terminate asks the subprocess to exit, escalating to SIGKILL after the
// grace period.
func (p *proc) terminate() {
	p.stopOnce.Do(func() { close(p.stopChan) })

	if p.stdin != nil {
		p.stdin.Close()
	}

	if p.cmd != nil && p.cmd.Process != nil {
		select {
		case <-p.exited:
		default:
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-p.exited:
			case <-time.After(p.termGrace):
				p.logger.Warn("backend ignored SIGTERM, killing", "pid", p.cmd.Process.Pid)
				_ = p.cmd.Process.Kill()
				<-p.exited
			}
		}
	}

	p.wg.Wait()
}

// Call sends a request with a fresh correlation ID and waits for the response.
func (p *proc) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return p.call(ctx, p.nextID.Add(1), method, params)
}

// call sends a request with an explicit ID. The initialize handshake uses ID 0.
func (p *proc) call(ctx context.Context, id int64, method string, params any) (json.RawMessage, error) {
	req, err := mcp.NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	respChan := make(chan *mcp.JSONRPCResponse, 1)
	p.pendingMu.Lock()
	p.pending[id] = respChan
	p.pendingMu.Unlock()

	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	if err := p.writeLine(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.requestTimeout):
		return nil, fmt.Errorf("%s after %v: %w", method, p.requestTimeout, ErrTimeout)
	case <-p.stopChan:
		return nil, ErrClosed
	case <-p.exited:
		return nil, fmt.Errorf("backend exited during %s: %w", method, ErrClosed)
	}
}

// Notify sends a notification; no response is expected.
func (p *proc) Notify(method string, params any) error {
	n, err := mcp.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if err := p.writeLine(n); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// respond answers a backend-initiated request.
func (p *proc) respond(id any, result any, rpcErr *mcp.JSONRPCError) error {
	resp := &mcp.JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = raw
	}
	return p.writeLine(resp)
}

// writeLine marshals v and writes it as one newline-terminated frame.
func (p *proc) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.stdin == nil {
		return ErrClosed
	}
	_, err = p.stdin.Write(append(data, '\n'))
	return err
}

// readLoop reads newline-delimited messages from stdout.
func (p *proc) readLoop() {
	defer p.wg.Done()

	for p.stdout.Scan() {
		select {
		case <-p.stopChan:
			return
		default:
		}

		line := p.stdout.Bytes()
		if len(line) == 0 {
			continue
		}
		p.processLine(line)
	}

	if err := p.stdout.Err(); err != nil && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
		p.logger.Error("stdout scanner error", "error", err)
	}
	p.failPending()
}

// processLine dispatches one JSON-RPC message: responses are matched against
// pending calls, notifications are published, and server-initiated requests
// are rejected.
func (p *proc) processLine(line []byte) {
	var probe struct {
		ID     any    `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		p.logger.Debug("discarding non-JSON line from backend", "error", err)
		return
	}

	switch {
	case probe.Method != "" && probe.ID != nil:
		// Server-initiated requests (e.g. sampling) are not proxied.
		p.logger.Debug("rejecting backend-initiated request", "method", probe.Method)
		_ = p.respond(probe.ID, nil, &mcp.JSONRPCError{
			Code:    mcp.ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method %q not supported by gateway", probe.Method),
		})

	case probe.Method != "":
		var notif mcp.JSONRPCNotification
		if err := json.Unmarshal(line, &notif); err != nil {
			return
		}
		p.publish(unwrapEnvelope(&notif))

	case probe.ID != nil:
		var resp mcp.JSONRPCResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return
		}
		id, ok := normalizeID(resp.ID)
		if !ok {
			p.logger.Warn("unexpected response ID type", "id", resp.ID)
			return
		}
		p.pendingMu.Lock()
		if ch, exists := p.pending[id]; exists {
			select {
			case ch <- &resp:
			default:
			}
			delete(p.pending, id)
		}
		p.pendingMu.Unlock()
	}
}

// publish delivers a notification, dropping it when the channel is full.
func (p *proc) publish(n *mcp.JSONRPCNotification) {
	select {
	case p.events <- n:
	default:
		p.logger.Warn("notification channel full, dropping", "method", n.Method)
	}
}

// failPending wakes all in-flight callers after the read loop ends; their
// select also watches the exited channel, so this is belt and braces for
// callers racing a clean stop.
func (p *proc) failPending() {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
}

// logStderr relays subprocess stderr into the gateway log, elevating lines
// that look like errors.
func (p *proc) logStderr() {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		select {
		case <-p.stopChan:
			return
		default:
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "fail") {
			p.logger.Warn("backend stderr", "message", line)
		} else {
			p.logger.Debug("backend stderr", "message", line)
		}
	}
}

// unwrapEnvelope unwraps a $/notification wrapper one level. Anything that
// does not carry a nested method passes through unchanged.
func unwrapEnvelope(n *mcp.JSONRPCNotification) *mcp.JSONRPCNotification {
	if n.Method != mcp.NotificationEnvelope || len(n.Params) == 0 {
		return n
	}
	var inner struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(n.Params, &inner); err != nil || inner.Method == "" {
		return n
	}
	return &mcp.JSONRPCNotification{JSONRPC: "2.0", Method: inner.Method, Params: inner.Params}
}

// normalizeID coerces a JSON-RPC ID into the int64 key space used for
// correlation.
func normalizeID(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
