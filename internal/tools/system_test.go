package tools

import (
	"encoding/json"
	"slices"
	"strings"
	"testing"

	"github.com/Shin0205go/mycelium-sub001/pkg/manifest"
)

func memoryManifest(grant manifest.MemoryGrant, teams []string) *manifest.Manifest {
	return &manifest.Manifest{
		Skills: []*manifest.Skill{
			{
				ID:           "memory-skill",
				AllowedRoles: []string{"worker"},
				AllowedTools: []string{"fs__read"},
				Grants:       &manifest.Grants{Memory: grant, MemoryTeamRoles: teams},
			},
		},
	}
}

func visibleTool(t *testing.T, e *Engine, name string) (description string, found bool) {
	t.Helper()
	for _, tool := range e.Visible() {
		if tool.Name == name {
			return tool.Description, true
		}
	}
	return "", false
}

func TestMemoryToolsHiddenWithoutGrant(t *testing.T) {
	e := NewEngine(Config{Table: compileTable(t, fsManifest()), Logger: discardLogger()})
	if _, err := e.SetCurrentRole("reader"); err != nil {
		t.Fatalf("SetCurrentRole() error = %v", err)
	}
	for _, name := range []string{ToolSaveMemory, ToolRecallMemory, ToolListMemories} {
		if slices.Contains(e.VisibleNames(), name) {
			t.Errorf("%s should be hidden when the role has no memory grant", name)
		}
	}
}

func TestMemoryToolsFollowGrant(t *testing.T) {
	tests := []struct {
		name     string
		grant    manifest.MemoryGrant
		teams    []string
		contains string
	}{
		{"isolated", manifest.MemoryIsolated, nil, "current role"},
		{"team", manifest.MemoryTeam, []string{"analyst", "writer"}, "analyst, writer"},
		{"all", manifest.MemoryAll, nil, "all roles"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(Config{Table: compileTable(t, memoryManifest(tt.grant, tt.teams)), Logger: discardLogger()})
			if _, err := e.SetCurrentRole("worker"); err != nil {
				t.Fatalf("SetCurrentRole() error = %v", err)
			}
			for _, name := range []string{ToolSaveMemory, ToolRecallMemory, ToolListMemories} {
				if !slices.Contains(e.VisibleNames(), name) {
					t.Fatalf("%s should be visible under grant %s", name, tt.grant)
				}
			}
			desc, ok := visibleTool(t, e, ToolRecallMemory)
			if !ok {
				t.Fatal("recall_memory missing")
			}
			if !strings.Contains(desc, tt.contains) {
				t.Errorf("recall description %q should mention %q", desc, tt.contains)
			}
		})
	}
}

func TestSpawnSubAgentInjection(t *testing.T) {
	table := compileTable(t, fsManifest())

	off := NewEngine(Config{Table: table, Logger: discardLogger()})
	if slices.Contains(off.VisibleNames(), ToolSpawnSubAgent) {
		t.Error("spawn_sub_agent must stay hidden without a runner")
	}

	on := NewEngine(Config{Table: table, SubAgentEnabled: true, Logger: discardLogger()})
	if !slices.Contains(on.VisibleNames(), ToolSpawnSubAgent) {
		t.Error("spawn_sub_agent should be advertised when a runner is configured")
	}
}

func TestIsSystemTool(t *testing.T) {
	for _, name := range []string{ToolSetRole, ToolSaveMemory, ToolRecallMemory, ToolListMemories, ToolGetContext, ToolListRoles, ToolSpawnSubAgent} {
		if !IsSystemTool(name) {
			t.Errorf("IsSystemTool(%q) = false", name)
		}
	}
	for _, name := range []string{"fs__read", "set_role2", ""} {
		if IsSystemTool(name) {
			t.Errorf("IsSystemTool(%q) = true", name)
		}
	}
}

func TestSystemToolSchemas(t *testing.T) {
	var schema struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(setRoleSchema, &schema); err != nil {
		t.Fatalf("set_role schema is not valid JSON: %v", err)
	}
	if schema.Type != "object" {
		t.Errorf("schema type = %q, want object", schema.Type)
	}
	if _, ok := schema.Properties["role"]; !ok {
		t.Error("set_role schema should declare a role property")
	}
	if !slices.Contains(schema.Required, "role") {
		t.Errorf("role should be required, got %v", schema.Required)
	}

	if err := json.Unmarshal(spawnSubAgentSchema, &schema); err != nil {
		t.Fatalf("spawn_sub_agent schema is not valid JSON: %v", err)
	}
	for _, field := range []string{"task", "role"} {
		if !slices.Contains(schema.Required, field) {
			t.Errorf("spawn_sub_agent should require %s, got %v", field, schema.Required)
		}
	}
}
