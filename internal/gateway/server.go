package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
	"github.com/Shin0205go/mycelium-sub001/internal/tools"
)

// maxLineBytes bounds one newline-delimited protocol frame from the
// client, matching the limit applied to backend streams.
const maxLineBytes = 4 << 20

// Serve reads newline-delimited JSON-RPC from in and writes responses to
// out until EOF or context cancellation. Requests are handled one at a
// time; notifications from backends and reloads interleave on the writer
// under writeMu.
func (g *Gateway) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	g.writeMu.Lock()
	g.out = out
	g.writeMu.Unlock()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req mcp.JSONRPCRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			g.logger.Warn("unparsable request", "error", err)
			g.write(errorResponse(nil, mcp.ErrCodeParseError, "parse error", nil))
			continue
		}

		if req.ID == nil {
			g.handleClientNotification(&req)
			continue
		}
		g.write(g.dispatch(ctx, &req))
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("client stream: %w", err)
	}
	g.logger.Info("client disconnected")
	return nil
}

// handleClientNotification consumes a client-to-server notification.
func (g *Gateway) handleClientNotification(req *mcp.JSONRPCRequest) {
	switch req.Method {
	case mcp.NotificationInitialized:
		g.logger.Debug("client initialized")
	default:
		g.logger.Debug("ignoring notification", "method", req.Method)
	}
}

// write sends one response frame to the client.
func (g *Gateway) write(resp *mcp.JSONRPCResponse) {
	if resp == nil {
		return
	}
	g.writeFrame(resp)
}

// push sends a server-initiated notification. Before Serve there is no
// client stream and the notification is dropped.
func (g *Gateway) push(n *mcp.JSONRPCNotification) {
	if n == nil {
		return
	}
	if n.JSONRPC == "" {
		n.JSONRPC = "2.0"
	}
	g.writeFrame(n)
}

func (g *Gateway) writeFrame(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("marshal frame failed", "error", err)
		return
	}
	data = append(data, '\n')

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if g.out == nil {
		return
	}
	if _, err := g.out.Write(data); err != nil {
		g.logger.Error("write to client failed", "error", err)
	}
}

// notifyToolsChanged tells the client its tool list moved. Empty deltas
// are suppressed so unchanged recomputes stay silent.
func (g *Gateway) notifyToolsChanged(delta tools.Delta) {
	if delta.Empty() {
		return
	}
	g.push(&mcp.JSONRPCNotification{JSONRPC: "2.0", Method: mcp.NotificationToolsChanged})
}
