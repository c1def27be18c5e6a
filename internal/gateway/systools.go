package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
	"github.com/Shin0205go/mycelium-sub001/internal/memory"
	"github.com/Shin0205go/mycelium-sub001/internal/tools"
	"github.com/Shin0205go/mycelium-sub001/pkg/manifest"
)

// callSystemTool executes a gateway-owned tool. The access gate already
// ran; these never reach an upstream.
func (g *Gateway) callSystemTool(ctx context.Context, name string, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	switch name {
	case tools.ToolSetRole:
		return g.sysSetRole(raw)
	case tools.ToolSaveMemory:
		return g.sysSaveMemory(ctx, raw)
	case tools.ToolRecallMemory:
		return g.sysRecallMemory(ctx, raw)
	case tools.ToolListMemories:
		return g.sysListMemories(ctx, raw)
	case tools.ToolGetContext:
		return g.sysGetContext()
	case tools.ToolListRoles:
		return g.sysListRoles()
	case tools.ToolSpawnSubAgent:
		return g.sysSpawnSubAgent(ctx, raw)
	}
	return nil, newCallError(mcp.ErrCodeToolNotFound, KindToolNotAccessible,
		fmt.Sprintf("unknown system tool %q", name))
}

func (g *Gateway) sysSetRole(raw json.RawMessage) (*mcp.ToolCallResult, error) {
	var args tools.SetRoleArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Role) == "" {
		return nil, newCallError(mcp.ErrCodeInvalidParams, KindInvalidArguments, "set_role requires a role")
	}
	if g.assignedMode() {
		return nil, newCallError(mcp.ErrCodeAccessDenied, KindIdentityRejected,
			"role is fixed by the assigned identity")
	}

	from := g.engine.CurrentRole()
	delta, err := g.engine.SetCurrentRole(args.Role)
	if err != nil {
		if errors.Is(err, tools.ErrRoleNotFound) {
			return nil, newCallError(mcp.ErrCodeInvalidParams, KindRoleNotFound,
				fmt.Sprintf("role %q is not defined by any skill; call list_roles for the choices", args.Role))
		}
		return nil, err
	}

	visible := len(g.engine.Visible())
	g.metrics.RecordRoleSwitch(from, args.Role)
	g.metrics.SetVisibleTools(args.Role, visible)
	g.notifyToolsChanged(delta)
	g.logger.Info("role switched",
		"from", from,
		"to", args.Role,
		"added", len(delta.Added),
		"removed", len(delta.Removed),
	)

	return mcp.TextResult(fmt.Sprintf("Switched to role %q. %d tools visible (+%d, -%d).",
		args.Role, visible, len(delta.Added), len(delta.Removed))), nil
}

func (g *Gateway) sysSaveMemory(ctx context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	var args tools.SaveMemoryArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Key) == "" || strings.TrimSpace(args.Content) == "" {
		return nil, newCallError(mcp.ErrCodeInvalidParams, KindInvalidArguments,
			"save_memory requires key and content")
	}
	if grant, _ := g.memoryScope(); grant == manifest.MemoryNone {
		return nil, errMemoryUnavailable()
	}

	role := g.engine.CurrentRole()
	entry, err := g.store.Save(ctx, memory.Entry{
		Role:    role,
		Key:     args.Key,
		Content: args.Content,
		Tags:    args.Tags,
	})
	if err != nil {
		return nil, newCallError(mcp.ErrCodeInternalError, KindUpstreamError,
			fmt.Sprintf("memory store: %v", err))
	}
	return mcp.TextResult(fmt.Sprintf("Memory %q saved for role %q.", entry.Key, role)), nil
}

func (g *Gateway) sysRecallMemory(ctx context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	var args tools.RecallMemoryArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Query) == "" {
		return nil, newCallError(mcp.ErrCodeInvalidParams, KindInvalidArguments, "recall_memory requires a query")
	}
	grant, scope := g.memoryScope()
	if grant == manifest.MemoryNone {
		return nil, errMemoryUnavailable()
	}

	entries, err := g.store.Recall(ctx, scope, args.Query, args.Limit)
	if err != nil {
		return nil, newCallError(mcp.ErrCodeInternalError, KindUpstreamError,
			fmt.Sprintf("memory store: %v", err))
	}
	if len(entries) == 0 {
		return mcp.TextResult(fmt.Sprintf("No memories matched %q.", args.Query)), nil
	}
	return jsonResult(entries)
}

func (g *Gateway) sysListMemories(ctx context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	var args tools.ListMemoriesArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	grant, scope := g.memoryScope()
	if grant == manifest.MemoryNone {
		return nil, errMemoryUnavailable()
	}

	entries, err := g.store.List(ctx, scope, args.Limit)
	if err != nil {
		return nil, newCallError(mcp.ErrCodeInternalError, KindUpstreamError,
			fmt.Sprintf("memory store: %v", err))
	}
	if len(entries) == 0 {
		return mcp.TextResult("No memories stored."), nil
	}
	return jsonResult(entries)
}

// sessionContext is the get_context payload.
type sessionContext struct {
	SessionID         string   `json:"sessionId"`
	Agent             string   `json:"agent,omitempty"`
	Trusted           bool     `json:"trusted,omitempty"`
	Role              string   `json:"role"`
	MemoryGrant       string   `json:"memoryGrant"`
	TeamRoles         []string `json:"teamRoles,omitempty"`
	VisibleTools      []string `json:"visibleTools"`
	SystemInstruction string   `json:"systemInstruction,omitempty"`
}

func (g *Gateway) sysGetContext() (*mcp.ToolCallResult, error) {
	id, trusted := g.sessionIdentity()
	role := g.engine.CurrentRole()

	info := sessionContext{
		SessionID:    g.sessionID,
		Agent:        id.Name,
		Trusted:      trusted,
		Role:         role,
		MemoryGrant:  string(manifest.MemoryNone),
		VisibleTools: g.engine.VisibleNames(),
	}
	if table := g.roleTable(); table != nil {
		if grant, teams, ok := table.EffectiveMemory(role); ok {
			info.MemoryGrant = string(grant)
			info.TeamRoles = teams
		}
		if instruction, ok := table.EffectiveInstruction(role); ok {
			info.SystemInstruction = instruction
		}
	}
	return jsonResult(info)
}

// roleSummary is one list_roles row, built from the role's effective
// (inheritance-resolved) grants.
type roleSummary struct {
	ID           string   `json:"id"`
	Inherits     string   `json:"inherits,omitempty"`
	Skills       []string `json:"skills,omitempty"`
	Servers      []string `json:"servers,omitempty"`
	ToolPatterns []string `json:"toolPatterns,omitempty"`
	DenyPatterns []string `json:"denyPatterns,omitempty"`
	Memory       string   `json:"memory"`
	TeamRoles    []string `json:"teamRoles,omitempty"`
	Active       bool     `json:"active,omitempty"`
}

func (g *Gateway) sysListRoles() (*mcp.ToolCallResult, error) {
	table := g.roleTable()
	if table == nil || len(table.IDs()) == 0 {
		return mcp.TextResult("No roles are defined. Add skills to the skills directory to create some."), nil
	}

	current := g.engine.CurrentRole()
	var out []roleSummary
	for _, r := range table.Roles() {
		s := roleSummary{
			ID:       r.ID,
			Inherits: r.Inherits,
			Skills:   r.Skills,
			Memory:   string(manifest.MemoryNone),
			Active:   r.ID == current,
		}
		if servers, ok := table.EffectiveServers(r.ID); ok {
			s.Servers = servers
		}
		if allow, deny, ok := table.EffectiveToolPatterns(r.ID); ok {
			s.ToolPatterns = allow
			s.DenyPatterns = deny
		}
		if grant, teams, ok := table.EffectiveMemory(r.ID); ok {
			s.Memory = string(grant)
			s.TeamRoles = teams
		}
		out = append(out, s)
	}
	return jsonResult(out)
}

func (g *Gateway) sysSpawnSubAgent(ctx context.Context, raw json.RawMessage) (*mcp.ToolCallResult, error) {
	var args tools.SpawnSubAgentArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Task) == "" || strings.TrimSpace(args.Role) == "" {
		return nil, newCallError(mcp.ErrCodeInvalidParams, KindInvalidArguments,
			"spawn_sub_agent requires task and role")
	}
	if table := g.roleTable(); table != nil && !table.Has(args.Role) {
		return nil, newCallError(mcp.ErrCodeInvalidParams, KindRoleNotFound,
			fmt.Sprintf("role %q is not defined by any skill; call list_roles for the choices", args.Role))
	}
	if g.subAgent == nil {
		return nil, newCallError(mcp.ErrCodeAccessDenied, KindToolNotAccessible,
			"no sub-agent runner is configured")
	}

	g.logger.Info("spawning sub-agent", "role", args.Role)
	output, err := g.subAgent.Run(ctx, args.Task, args.Role)
	if err != nil {
		return nil, fmt.Errorf("sub-agent: %w", err)
	}
	return mcp.TextResult(output), nil
}

// memoryScope derives the store filter from the active role's effective
// grant: nil means every role, otherwise the listed roles only.
func (g *Gateway) memoryScope() (manifest.MemoryGrant, []string) {
	table := g.roleTable()
	role := g.engine.CurrentRole()
	if table == nil {
		return manifest.MemoryNone, nil
	}
	grant, teams, ok := table.EffectiveMemory(role)
	if !ok {
		return manifest.MemoryNone, nil
	}
	switch grant {
	case manifest.MemoryAll:
		return grant, nil
	case manifest.MemoryTeam:
		return grant, append([]string{role}, teams...)
	case manifest.MemoryIsolated:
		return grant, []string{role}
	default:
		return manifest.MemoryNone, nil
	}
}

func errMemoryUnavailable() *callError {
	return newCallError(mcp.ErrCodeAccessDenied, KindToolNotAccessible,
		"memory is not available to the current role")
}

func decodeArgs(raw json.RawMessage, v any) *callError {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return newCallError(mcp.ErrCodeInvalidParams, KindInvalidArguments,
			fmt.Sprintf("invalid arguments: %v", err))
	}
	return nil
}

func jsonResult(v any) (*mcp.ToolCallResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.TextResult(string(data)), nil
}
