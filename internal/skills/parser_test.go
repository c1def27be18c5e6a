package skills

import (
	"strings"
	"testing"

	"github.com/Shin0205go/mycelium-sub001/pkg/manifest"
)

func TestParseSkillFrontmatter(t *testing.T) {
	data := []byte(`---
id: git-workflow
name: Git workflow
description: Day-to-day git operations
allowed_roles: [developer, reviewer]
allowed_tools: ["git__*", "fs__read_file"]
grants:
  memory: team
  memory_team_roles: [reviewer]
identity:
  skill_matching:
    - role: developer
      any_skills: [coding]
      priority: 10
  trusted_prefixes: [corp-]
---
Use feature branches. Rebase before merging.
`)

	skill, err := ParseSkill(data, "fallback")
	if err != nil {
		t.Fatalf("ParseSkill: %v", err)
	}
	if skill.ID != "git-workflow" {
		t.Errorf("ID = %q", skill.ID)
	}
	if len(skill.AllowedRoles) != 2 || skill.AllowedRoles[0] != "developer" {
		t.Errorf("AllowedRoles = %v", skill.AllowedRoles)
	}
	if len(skill.AllowedTools) != 2 || skill.AllowedTools[0] != "git__*" {
		t.Errorf("AllowedTools = %v", skill.AllowedTools)
	}
	if skill.Grants == nil || skill.Grants.Memory != manifest.MemoryTeam {
		t.Errorf("Grants = %+v", skill.Grants)
	}
	if skill.Identity == nil || len(skill.Identity.SkillMatching) != 1 {
		t.Fatalf("Identity = %+v", skill.Identity)
	}
	if skill.Identity.SkillMatching[0].Priority != 10 {
		t.Errorf("rule priority = %d", skill.Identity.SkillMatching[0].Priority)
	}
	if !strings.Contains(skill.SystemInstruction, "feature branches") {
		t.Errorf("SystemInstruction = %q, want markdown body", skill.SystemInstruction)
	}
}

func TestParseSkillFallbackID(t *testing.T) {
	data := []byte("---\nallowed_roles: [\"*\"]\n---\nbody\n")

	skill, err := ParseSkill(data, "my-skill")
	if err != nil {
		t.Fatalf("ParseSkill: %v", err)
	}
	if skill.ID != "my-skill" {
		t.Errorf("ID = %q, want fallback", skill.ID)
	}
	if skill.Name != "my-skill" {
		t.Errorf("Name = %q, want ID", skill.Name)
	}
}

func TestParseSkillExplicitInstruction(t *testing.T) {
	data := []byte(`---
id: quiet
allowed_roles: [dev]
system_instruction: from frontmatter
---
from body
`)

	skill, err := ParseSkill(data, "")
	if err != nil {
		t.Fatalf("ParseSkill: %v", err)
	}
	if skill.SystemInstruction != "from frontmatter" {
		t.Errorf("SystemInstruction = %q, frontmatter should win", skill.SystemInstruction)
	}
}

func TestParseSkillErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty file", ""},
		{"no opening delimiter", "id: x\n"},
		{"no closing delimiter", "---\nid: x\n"},
		{"bad yaml", "---\nid: [unclosed\n---\n"},
		{"missing roles", "---\nid: x\n---\n"},
		{"bad skill id", "---\nid: Not_Valid\nallowed_roles: [dev]\n---\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSkill([]byte(tt.data), ""); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseManifestYAML(t *testing.T) {
	data := []byte(`
skills:
  - id: deploy
    allowed_roles: [ops]
    allowed_tools: ["k8s__*"]
roles:
  - id: ops
    inherits: default
    allowed_servers: [k8s]
    memory: isolated
`)

	m, err := ParseManifest(data, "skills.yaml")
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(m.Skills) != 1 || m.Skills[0].ID != "deploy" {
		t.Errorf("Skills = %+v", m.Skills)
	}
	if len(m.Roles) != 1 || m.Roles[0].Inherits != "default" {
		t.Errorf("Roles = %+v", m.Roles)
	}
}

func TestParseManifestJSON5(t *testing.T) {
	data := []byte(`{
  // one skill
  skills: [{id: "deploy", allowed_roles: ["ops"], allowed_tools: ["k8s__*"]}],
}`)

	m, err := ParseManifest(data, "skills.json5")
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(m.Skills) != 1 || m.Skills[0].ID != "deploy" {
		t.Errorf("Skills = %+v", m.Skills)
	}
}

func TestParseManifestRejectsUnknownFields(t *testing.T) {
	data := []byte("skils:\n  - id: typo\n")
	if _, err := ParseManifest(data, "skills.yaml"); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestParseManifestEmptyDocument(t *testing.T) {
	m, err := ParseManifest(nil, "skills.yaml")
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(m.Skills) != 0 || len(m.Roles) != 0 {
		t.Errorf("manifest = %+v, want empty", m)
	}
}
