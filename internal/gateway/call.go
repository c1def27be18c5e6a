package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Shin0205go/mycelium-sub001/internal/audit"
	"github.com/Shin0205go/mycelium-sub001/internal/capability"
	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
	"github.com/Shin0205go/mycelium-sub001/internal/tools"
)

// callMeta is the out-of-band block a client may attach to tools/call.
// None of it is forwarded upstream.
type callMeta struct {
	CapabilityToken string                    `json:"capabilityToken,omitempty"`
	TaskID          string                    `json:"taskId,omitempty"`
	Reasoning       *audit.ReasoningSignature `json:"reasoning,omitempty"`
}

// handleToolsCall runs the gated pipeline: access check, quota check,
// capability verification, argument validation, then dispatch. Every call
// produces exactly one audit entry, whichever gate it stops at.
func (g *Gateway) handleToolsCall(ctx context.Context, req *mcp.JSONRPCRequest) *mcp.JSONRPCResponse {
	var p mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
		return errorResponse(req.ID, mcp.ErrCodeInvalidParams, "tools/call requires a tool name", nil)
	}

	var meta callMeta
	if len(p.Meta) > 0 {
		if err := json.Unmarshal(p.Meta, &meta); err != nil {
			g.logger.Warn("unparsable call metadata", "tool", p.Name, "error", err)
		}
	}
	sig := g.takeReasoning(meta.Reasoning)
	args := auditArgs(p.Arguments)
	role := g.engine.CurrentRole()

	serverID := ""
	if s, _, ok := mcp.SplitQualifiedName(p.Name); ok && !tools.IsSystemTool(p.Name) {
		serverID = s
	}

	start := g.now()
	ctx, span := g.tracer.TraceToolCall(ctx, p.Name, role)
	defer span.End()

	deny := func(code int, kind, reason string, data *ErrorData) *mcp.JSONRPCResponse {
		g.recorder.Denied(g.sessionID, role, p.Name, serverID, args, reason, sig)
		g.metrics.ObserveToolCall(p.Name, role, string(audit.ResultDenied), g.now().Sub(start))
		g.tracer.RecordError(span, errors.New(reason))
		if data == nil {
			data = &ErrorData{Kind: kind, Role: role}
		}
		return errorResponse(req.ID, code, reason, data)
	}

	if !g.engine.Knows(p.Name) {
		return deny(mcp.ErrCodeToolNotFound, KindToolNotAccessible,
			fmt.Sprintf("unknown tool %q", p.Name), nil)
	}
	if err := g.engine.CheckAccess(p.Name); err != nil {
		kind := KindToolNotAccessible
		if serverID != "" && !g.serverReachable(role, serverID) {
			kind = KindServerNotAccessible
		}
		data := &ErrorData{Kind: kind, Role: role}
		var ae *tools.AccessError
		if errors.As(err, &ae) {
			data.Hint = ae.Hint()
		}
		return deny(mcp.ErrCodeAccessDenied, kind, err.Error(), data)
	}

	if d := g.limiter.Check(g.sessionID, role, p.Name); !d.Allowed {
		g.metrics.RecordRateLimitHit(role, string(d.Window))
		return deny(mcp.ErrCodeRateLimited, KindRateLimitExceeded, d.Reason(), &ErrorData{
			Kind:         KindRateLimitExceeded,
			Role:         role,
			Window:       string(d.Window),
			RetryAfterMs: d.RetryAfterMs,
		})
	}

	if meta.CapabilityToken != "" {
		payload, err := g.ledger.VerifyWithContext(meta.CapabilityToken, nil, capability.CallContext{
			TaskID: meta.TaskID,
			Tool:   p.Name,
			Server: serverID,
		})
		if err == nil {
			err = g.ledger.Consume(payload.JTI)
		}
		if err != nil {
			g.metrics.RecordCapabilityDenial(capabilityReason(err))
			return deny(mcp.ErrCodeCapability, KindCapabilityInvalid, err.Error(), nil)
		}
	} else if g.cfg.Capability.Required && !tools.IsSystemTool(p.Name) {
		g.metrics.RecordCapabilityDenial("missing")
		return deny(mcp.ErrCodeCapability, KindCapabilityInvalid,
			fmt.Sprintf("tool %q requires a capability token", p.Name), nil)
	}

	if g.cfg.Validation.ToolArguments {
		if err := g.validateArgs(p.Name, p.Arguments); err != nil {
			return deny(mcp.ErrCodeInvalidParams, KindInvalidArguments,
				fmt.Sprintf("invalid arguments for %q: %v", p.Name, err), nil)
		}
	}

	g.limiter.Consume(g.sessionID, role, p.Name)
	g.limiter.StartConcurrent(g.sessionID)
	defer g.limiter.EndConcurrent(g.sessionID)

	var result *mcp.ToolCallResult
	var err error
	if tools.IsSystemTool(p.Name) {
		result, err = g.callSystemTool(ctx, p.Name, p.Arguments)
	} else {
		result, err = g.rtr.CallTool(ctx, p.Name, p.Arguments)
	}
	duration := g.now().Sub(start)

	if err != nil {
		code, kind := upstreamError(err)
		g.recorder.Errored(g.sessionID, role, p.Name, serverID, args, err.Error(), sig)
		g.metrics.ObserveToolCall(p.Name, role, string(audit.ResultError), duration)
		g.tracer.RecordError(span, err)
		return errorResponse(req.ID, code, err.Error(), &ErrorData{Kind: kind, Role: role})
	}

	g.recorder.Allowed(g.sessionID, role, p.Name, serverID, args, duration, sig)
	g.metrics.ObserveToolCall(p.Name, role, string(audit.ResultAllowed), duration)
	return okResponse(req.ID, result)
}

// serverReachable reports whether the role's server set covers serverID.
// Unknown roles carry no grants; the caller already failed the tool gate.
func (g *Gateway) serverReachable(role, serverID string) bool {
	table := g.roleTable()
	if table == nil || !table.Has(role) {
		return true
	}
	return table.AllowsServer(role, serverID)
}

// auditArgs decodes call arguments for the audit trail. Sanitization
// happens inside the recorder.
func auditArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"_raw": string(raw)}
	}
	return m
}
