// Package manifest defines the declarative input shapes the gateway consumes:
// skills, authored role declarations, identity match rules, and quotas.
// Parsers for on-disk formats live elsewhere; these types are the contract.
package manifest

import (
	"fmt"
	"regexp"
)

// MemoryGrant is the memory access level a skill or role grants.
type MemoryGrant string

const (
	MemoryNone     MemoryGrant = "none"
	MemoryIsolated MemoryGrant = "isolated"
	MemoryTeam     MemoryGrant = "team"
	MemoryAll      MemoryGrant = "all"
)

// Rank orders grants by privilege: all > team > isolated > none. Unset and
// unknown values rank with none.
func (g MemoryGrant) Rank() int {
	switch g {
	case MemoryAll:
		return 3
	case MemoryTeam:
		return 2
	case MemoryIsolated:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the grant is one of the recognized levels or unset.
func (g MemoryGrant) Valid() bool {
	switch g {
	case "", MemoryNone, MemoryIsolated, MemoryTeam, MemoryAll:
		return true
	default:
		return false
	}
}

// Grants is a skill's capability block beyond tool access.
type Grants struct {
	Memory          MemoryGrant `yaml:"memory" json:"memory,omitempty"`
	MemoryTeamRoles []string    `yaml:"memory_team_roles" json:"memoryTeamRoles,omitempty"`
}

// RuleContext restricts an identity match rule to days and times of day.
type RuleContext struct {
	// AllowedDays holds lowercase English day names (monday..sunday).
	AllowedDays []string `yaml:"allowed_days" json:"allowedDays,omitempty"`
	// AllowedTime is "HH:MM-HH:MM"; an end at or before the start crosses
	// midnight.
	AllowedTime string `yaml:"allowed_time" json:"allowedTime,omitempty"`
	// Timezone is an IANA zone name; empty falls back to the system zone.
	Timezone string `yaml:"timezone" json:"timezone,omitempty"`
}

// MatchRule maps a declared identity onto a role.
type MatchRule struct {
	Role            string       `yaml:"role" json:"role"`
	RequiredSkills  []string     `yaml:"required_skills" json:"requiredSkills,omitempty"`
	AnySkills       []string     `yaml:"any_skills" json:"anySkills,omitempty"`
	MinSkillMatch   int          `yaml:"min_skill_match" json:"minSkillMatch,omitempty"`
	ForbiddenSkills []string     `yaml:"forbidden_skills" json:"forbiddenSkills,omitempty"`
	Context         *RuleContext `yaml:"context" json:"context,omitempty"`
	Priority        int          `yaml:"priority" json:"priority,omitempty"`
	Description     string       `yaml:"description" json:"description,omitempty"`
}

// EffectiveMinSkillMatch returns the anySkills threshold, defaulting to 1.
func (r *MatchRule) EffectiveMinSkillMatch() int {
	if r.MinSkillMatch < 1 {
		return 1
	}
	return r.MinSkillMatch
}

// IdentityBlock is a skill's contribution to identity resolution.
type IdentityBlock struct {
	SkillMatching   []MatchRule `yaml:"skill_matching" json:"skillMatching,omitempty"`
	TrustedPrefixes []string    `yaml:"trusted_prefixes" json:"trustedPrefixes,omitempty"`
}

// Skill grants tools to roles. The sentinel "*" in AllowedRoles applies the
// skill to every role any skill in the manifest names explicitly.
type Skill struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name,omitempty"`
	Description  string   `yaml:"description" json:"description,omitempty"`
	AllowedRoles []string `yaml:"allowed_roles" json:"allowedRoles"`
	// AllowedTools patterns: exact "server__tool", prefix "server__*", or "*".
	AllowedTools []string       `yaml:"allowed_tools" json:"allowedTools"`
	Grants       *Grants        `yaml:"grants" json:"grants,omitempty"`
	Identity     *IdentityBlock `yaml:"identity" json:"identity,omitempty"`
	// SystemInstruction is appended to the instruction text of every role
	// this skill applies to. Opaque to the gateway.
	SystemInstruction string `yaml:"system_instruction" json:"systemInstruction,omitempty"`
}

var skillIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Validate checks the structural rules for a skill.
func (s *Skill) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("skill ID is required")
	}
	if !skillIDPattern.MatchString(s.ID) {
		return fmt.Errorf("skill ID %q must be lowercase alphanumeric with hyphens", s.ID)
	}
	if len(s.AllowedRoles) == 0 {
		return fmt.Errorf("skill %s: allowed_roles is required", s.ID)
	}
	if s.Grants != nil && !s.Grants.Memory.Valid() {
		return fmt.Errorf("skill %s: unknown memory grant %q", s.ID, s.Grants.Memory)
	}
	for i, rule := range s.identityRules() {
		if rule.Role == "" {
			return fmt.Errorf("skill %s: identity rule %d has no role", s.ID, i)
		}
	}
	return nil
}

func (s *Skill) identityRules() []MatchRule {
	if s.Identity == nil {
		return nil
	}
	return s.Identity.SkillMatching
}

// ToolPatterns is a role's authored allow/deny pattern pair.
type ToolPatterns struct {
	Allow []string `yaml:"allow" json:"allow,omitempty"`
	Deny  []string `yaml:"deny" json:"deny,omitempty"`
}

// RoleDecl is an authored role declaration. Roles may also come into
// existence purely through skill grants; declarations add inheritance,
// server allow lists, deny patterns, and instruction text.
type RoleDecl struct {
	ID       string `yaml:"id" json:"id"`
	Inherits string `yaml:"inherits" json:"inherits,omitempty"`
	// AllowedServers may contain "*".
	AllowedServers    []string      `yaml:"allowed_servers" json:"allowedServers,omitempty"`
	AllowedTools      *ToolPatterns `yaml:"allowed_tools" json:"allowedTools,omitempty"`
	Memory            MemoryGrant   `yaml:"memory" json:"memory,omitempty"`
	MemoryTeamRoles   []string      `yaml:"memory_team_roles" json:"memoryTeamRoles,omitempty"`
	SystemInstruction string        `yaml:"system_instruction" json:"systemInstruction,omitempty"`
}

// Validate checks the structural rules for a role declaration.
func (r *RoleDecl) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("role ID is required")
	}
	if r.ID == "*" {
		return fmt.Errorf("role ID %q is reserved", r.ID)
	}
	if !r.Memory.Valid() {
		return fmt.Errorf("role %s: unknown memory grant %q", r.ID, r.Memory)
	}
	return nil
}

// ToolQuota is a per-tool sub-limit inside a role quota.
type ToolQuota struct {
	MaxCallsPerMinute int `yaml:"max_calls_per_minute" json:"maxCallsPerMinute,omitempty"`
	MaxCallsPerHour   int `yaml:"max_calls_per_hour" json:"maxCallsPerHour,omitempty"`
}

// Quota is a role's rate budget. Zero fields mean unlimited.
type Quota struct {
	MaxCallsPerMinute int                  `yaml:"max_calls_per_minute" json:"maxCallsPerMinute,omitempty"`
	MaxCallsPerHour   int                  `yaml:"max_calls_per_hour" json:"maxCallsPerHour,omitempty"`
	MaxCallsPerDay    int                  `yaml:"max_calls_per_day" json:"maxCallsPerDay,omitempty"`
	MaxConcurrent     int                  `yaml:"max_concurrent" json:"maxConcurrent,omitempty"`
	Tools             map[string]ToolQuota `yaml:"tools" json:"tools,omitempty"`
}

// Identity is the agent identity a client declares when connecting.
type Identity struct {
	Name   string   `json:"name"`
	Skills []string `json:"skills,omitempty"`
}

// Manifest bundles everything the compiler consumes.
type Manifest struct {
	Skills []*Skill    `yaml:"skills" json:"skills"`
	Roles  []*RoleDecl `yaml:"roles" json:"roles,omitempty"`
}

// Validate checks every skill and role declaration, and uniqueness of IDs.
func (m *Manifest) Validate() error {
	seenSkills := make(map[string]struct{}, len(m.Skills))
	for _, s := range m.Skills {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seenSkills[s.ID]; dup {
			return fmt.Errorf("duplicate skill ID %q", s.ID)
		}
		seenSkills[s.ID] = struct{}{}
	}
	seenRoles := make(map[string]struct{}, len(m.Roles))
	for _, r := range m.Roles {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := seenRoles[r.ID]; dup {
			return fmt.Errorf("duplicate role declaration %q", r.ID)
		}
		seenRoles[r.ID] = struct{}{}
	}
	return nil
}

// Merge appends another manifest's contents. The caller revalidates.
func (m *Manifest) Merge(other *Manifest) {
	if other == nil {
		return
	}
	m.Skills = append(m.Skills, other.Skills...)
	m.Roles = append(m.Roles, other.Roles...)
}
