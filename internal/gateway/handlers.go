package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
)

// dispatch routes one client request to its handler and returns the
// response frame.
func (g *Gateway) dispatch(ctx context.Context, req *mcp.JSONRPCRequest) *mcp.JSONRPCResponse {
	switch req.Method {
	case mcp.MethodInitialize:
		return g.handleInitialize(req)
	case "ping":
		return okResponse(req.ID, struct{}{})
	case mcp.MethodToolsList:
		return okResponse(req.ID, mcp.ListToolsResult{Tools: g.engine.Visible()})
	case mcp.MethodToolsCall:
		return g.handleToolsCall(ctx, req)
	case mcp.MethodResourcesList:
		return okResponse(req.ID, mcp.ListResourcesResult{Resources: g.rtr.AggregateResources(ctx)})
	case mcp.MethodResourcesRead:
		return g.handleResourcesRead(ctx, req)
	case mcp.MethodPromptsList:
		return okResponse(req.ID, mcp.ListPromptsResult{Prompts: g.rtr.AggregatePrompts(ctx)})
	case mcp.MethodPromptsGet:
		return g.handlePromptsGet(ctx, req)
	default:
		return errorResponse(req.ID, mcp.ErrCodeMethodNotFound, fmt.Sprintf("method not supported: %s", req.Method), nil)
	}
}

func (g *Gateway) handleInitialize(req *mcp.JSONRPCRequest) *mcp.JSONRPCResponse {
	var p mcp.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errorResponse(req.ID, mcp.ErrCodeInvalidParams, "invalid initialize params", nil)
		}
	}

	role, cerr := g.beginSession(&p)
	if cerr != nil {
		return errorResponse(req.ID, cerr.code, cerr.msg, &ErrorData{Kind: cerr.kind, Role: role})
	}
	g.metrics.SetVisibleTools(role, len(g.engine.Visible()))

	return okResponse(req.ID, mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities: mcp.Capabilities{
			Tools:     &mcp.ToolsCapability{ListChanged: true},
			Resources: &mcp.ResourcesCapability{},
			Prompts:   &mcp.PromptsCapability{},
		},
		ServerInfo: mcp.ServerInfo{Name: g.cfg.Server.Name, Version: g.cfg.Server.Version},
	})
}

func (g *Gateway) handleResourcesRead(ctx context.Context, req *mcp.JSONRPCRequest) *mcp.JSONRPCResponse {
	var p mcp.ReadResourceParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.URI == "" {
		return errorResponse(req.ID, mcp.ErrCodeInvalidParams, "resources/read requires a uri", nil)
	}
	if p.Server != "" {
		if resp := g.checkServerAccess(req.ID, p.Server); resp != nil {
			return resp
		}
	}
	result, err := g.rtr.ReadResource(ctx, p.Server, p.URI)
	if err != nil {
		code, kind := upstreamError(err)
		return errorResponse(req.ID, code, err.Error(), &ErrorData{Kind: kind})
	}
	return okResponse(req.ID, result)
}

func (g *Gateway) handlePromptsGet(ctx context.Context, req *mcp.JSONRPCRequest) *mcp.JSONRPCResponse {
	var p mcp.GetPromptParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
		return errorResponse(req.ID, mcp.ErrCodeInvalidParams, "prompts/get requires a name", nil)
	}

	name := p.Name
	if _, _, qualified := mcp.SplitQualifiedName(name); !qualified && p.Server != "" {
		name = mcp.QualifiedName(p.Server, p.Name)
	}
	if serverID, _, ok := mcp.SplitQualifiedName(name); ok {
		if resp := g.checkServerAccess(req.ID, serverID); resp != nil {
			return resp
		}
	}

	result, err := g.rtr.GetPrompt(ctx, name, p.Arguments)
	if err != nil {
		code, kind := upstreamError(err)
		return errorResponse(req.ID, code, err.Error(), &ErrorData{Kind: kind})
	}
	return okResponse(req.ID, result)
}

// checkServerAccess rejects requests pinned to a backend outside the
// active role's server set. Roles the table does not know carry no
// server grants and are left to the tool gate.
func (g *Gateway) checkServerAccess(id any, serverID string) *mcp.JSONRPCResponse {
	table := g.roleTable()
	role := g.engine.CurrentRole()
	if table == nil || !table.Has(role) {
		return nil
	}
	if table.AllowsServer(role, serverID) {
		return nil
	}
	return errorResponse(id, mcp.ErrCodeAccessDenied,
		fmt.Sprintf("server %q is not accessible for role %q", serverID, role),
		&ErrorData{Kind: KindServerNotAccessible, Role: role})
}
