package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
	"github.com/Shin0205go/mycelium-sub001/pkg/manifest"
)

// System tools are unprefixed and handled by the facade, never forwarded.
const (
	ToolSetRole       = "set_role"
	ToolSaveMemory    = "save_memory"
	ToolRecallMemory  = "recall_memory"
	ToolListMemories  = "list_memories"
	ToolGetContext    = "get_context"
	ToolListRoles     = "list_roles"
	ToolSpawnSubAgent = "spawn_sub_agent"
)

// IsSystemTool reports whether a name belongs to the gateway itself.
func IsSystemTool(name string) bool {
	switch name {
	case ToolSetRole, ToolSaveMemory, ToolRecallMemory, ToolListMemories,
		ToolGetContext, ToolListRoles, ToolSpawnSubAgent:
		return true
	}
	return false
}

// SetRoleArgs are the arguments of the set_role tool.
type SetRoleArgs struct {
	Role string `json:"role" jsonschema:"required,description=Role ID to switch to"`
}

// SaveMemoryArgs are the arguments of the save_memory tool.
type SaveMemoryArgs struct {
	Key     string   `json:"key" jsonschema:"required,description=Short identifier for the memory entry"`
	Content string   `json:"content" jsonschema:"required,description=Content to store"`
	Tags    []string `json:"tags,omitempty" jsonschema:"description=Optional tags for later filtering"`
}

// RecallMemoryArgs are the arguments of the recall_memory tool.
type RecallMemoryArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search text matched against keys and content"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum entries to return"`
}

// ListMemoriesArgs are the arguments of the list_memories tool.
type ListMemoriesArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"description=Maximum entries to return"`
}

// GetContextArgs are the arguments of the get_context tool.
type GetContextArgs struct{}

// ListRolesArgs are the arguments of the list_roles tool.
type ListRolesArgs struct{}

// SpawnSubAgentArgs are the arguments of the spawn_sub_agent tool.
type SpawnSubAgentArgs struct {
	Task string `json:"task" jsonschema:"required,description=The specific task the sub-agent needs to accomplish"`
	Role string `json:"role" jsonschema:"required,description=The role assignment for the sub-agent"`
}

var (
	setRoleSchema       = schemaFor[SetRoleArgs]()
	saveMemorySchema    = schemaFor[SaveMemoryArgs]()
	recallMemorySchema  = schemaFor[RecallMemoryArgs]()
	listMemoriesSchema  = schemaFor[ListMemoriesArgs]()
	getContextSchema    = schemaFor[GetContextArgs]()
	listRolesSchema     = schemaFor[ListRolesArgs]()
	spawnSubAgentSchema = schemaFor[SpawnSubAgentArgs]()
)

// schemaFor reflects a JSON schema from an argument struct's tags.
func schemaFor[T any]() json.RawMessage {
	r := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	raw, err := json.Marshal(r.Reflect(new(T)))
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}

// systemEntries builds the system tools the active role may see. Callers
// hold e.mu.
func (e *Engine) systemEntries() []Entry {
	var out []Entry
	add := func(name, description string, schema json.RawMessage) {
		out = append(out, Entry{
			Name: name,
			Tool: &mcp.Tool{Name: name, Description: description, InputSchema: schema},
		})
	}

	if !e.assignedIdentity {
		add(ToolSetRole, "Switch the active role. Changes which tools are visible and callable.", setRoleSchema)
	}

	grant, teams := e.memoryGrantLocked()
	if grant != manifest.MemoryNone {
		add(ToolSaveMemory, "Save a memory entry under the current role.", saveMemorySchema)
		add(ToolRecallMemory, recallDescription(grant, teams), recallMemorySchema)
		add(ToolListMemories, "List memory entries visible to the current role.", listMemoriesSchema)
	}

	add(ToolGetContext, "Describe the current session: active role, visible tools, and memory access.", getContextSchema)
	add(ToolListRoles, "List the roles compiled from the skill manifest.", listRolesSchema)

	if e.subAgentEnabled {
		add(ToolSpawnSubAgent, "Delegate a specific task to a new isolated sub-agent. It executes independently and returns the final result.", spawnSubAgentSchema)
	}
	return out
}

func (e *Engine) memoryGrantLocked() (manifest.MemoryGrant, []string) {
	if e.table == nil || e.role == "" {
		return manifest.MemoryNone, nil
	}
	grant, teams, ok := e.table.EffectiveMemory(e.role)
	if !ok {
		return manifest.MemoryNone, nil
	}
	return grant, teams
}

// recallDescription advertises how far recall reaches under the grant.
func recallDescription(grant manifest.MemoryGrant, teams []string) string {
	switch grant {
	case manifest.MemoryAll:
		return "Search memories across all roles."
	case manifest.MemoryTeam:
		if len(teams) > 0 {
			return fmt.Sprintf("Search memories shared with roles: %s.", strings.Join(teams, ", "))
		}
		return "Search memories shared with your team roles."
	default:
		return "Search memories saved by your current role."
	}
}
