// Package roles compiles skill manifests into the effective role table.
// Roles are not authored as grants; they emerge from the skills that name
// them, optionally refined by role declarations carrying inheritance,
// server restrictions, and deny patterns.
package roles

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/Shin0205go/mycelium-sub001/pkg/manifest"
)

// Role is one compiled entry of the role table.
type Role struct {
	ID       string
	Inherits string

	// AllowedServers is the authored server allow list when declared,
	// otherwise the servers implied by the granted tool patterns.
	AllowedServers []string
	Allow          []string
	Deny           []string

	Memory          manifest.MemoryGrant
	MemoryTeamRoles []string

	SystemInstruction string

	// Skills lists contributing skill IDs in manifest order.
	Skills []string

	// serversDeclared marks an authored server list; implied servers do
	// not override it.
	serversDeclared bool
}

// Table is the compiled role table. It is immutable after Compile; reload
// replaces the whole table atomically.
type Table struct {
	logger *slog.Logger
	roles  map[string]*Role
	order  []string
}

// Compile runs the two-pass compilation over a validated manifest.
//
// Pass 1 collects the closed role set: every role a skill names explicitly
// plus every declared role. The sentinel "*" never creates a role. Pass 2
// applies each skill to its target roles, unioning tool grants, aggregating
// memory grants under the total order all > team > isolated > none, and
// appending instruction text.
func Compile(m *manifest.Manifest, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "roles")

	t := &Table{logger: logger, roles: make(map[string]*Role)}

	for _, decl := range m.Roles {
		r := t.ensure(decl.ID)
		r.Inherits = decl.Inherits
		if len(decl.AllowedServers) > 0 {
			r.AllowedServers = append([]string(nil), decl.AllowedServers...)
			r.serversDeclared = true
		}
		if decl.AllowedTools != nil {
			r.Allow = appendUnique(r.Allow, decl.AllowedTools.Allow...)
			r.Deny = appendUnique(r.Deny, decl.AllowedTools.Deny...)
		}
		r.Memory, r.MemoryTeamRoles = mergeMemory(r.Memory, r.MemoryTeamRoles, decl.Memory, decl.MemoryTeamRoles)
		if decl.SystemInstruction != "" {
			r.SystemInstruction = decl.SystemInstruction
		}
	}

	// Pass 1: the closed set of explicit role IDs.
	for _, s := range m.Skills {
		for _, roleID := range s.AllowedRoles {
			if roleID == "*" {
				continue
			}
			t.ensure(roleID)
		}
	}

	// Pass 2: apply skills.
	for _, s := range m.Skills {
		targets := s.AllowedRoles
		if containsWildcard(targets) {
			targets = t.order
		}
		for _, roleID := range targets {
			if roleID == "*" {
				continue
			}
			r, ok := t.roles[roleID]
			if !ok {
				// Only reachable when targets==t.order, which holds
				// every ensured role.
				continue
			}
			t.applySkill(r, s)
		}
	}

	for _, r := range t.roles {
		if !r.serversDeclared {
			r.AllowedServers = impliedServers(r.Allow)
		}
		sort.Strings(r.MemoryTeamRoles)
	}

	for _, r := range t.roles {
		if r.Inherits != "" {
			if _, ok := t.roles[r.Inherits]; !ok {
				logger.Warn("role inherits undeclared parent, chain stops there",
					"role", r.ID, "inherits", r.Inherits)
			}
		}
	}

	logger.Info("compiled role table", "roles", len(t.order), "skills", len(m.Skills))
	return t
}

func (t *Table) ensure(roleID string) *Role {
	if r, ok := t.roles[roleID]; ok {
		return r
	}
	r := &Role{ID: roleID, Memory: manifest.MemoryNone}
	t.roles[roleID] = r
	t.order = append(t.order, roleID)
	return r
}

func (t *Table) applySkill(r *Role, s *manifest.Skill) {
	r.Allow = appendUnique(r.Allow, s.AllowedTools...)
	if s.Grants != nil {
		r.Memory, r.MemoryTeamRoles = mergeMemory(r.Memory, r.MemoryTeamRoles, s.Grants.Memory, s.Grants.MemoryTeamRoles)
	}
	if s.SystemInstruction != "" {
		if r.SystemInstruction != "" {
			r.SystemInstruction += "\n\n"
		}
		r.SystemInstruction += s.SystemInstruction
	}
	r.Skills = append(r.Skills, s.ID)
}

// Get returns a compiled role.
func (t *Table) Get(roleID string) (*Role, bool) {
	r, ok := t.roles[roleID]
	return r, ok
}

// Has reports whether a role exists in the table.
func (t *Table) Has(roleID string) bool {
	_, ok := t.roles[roleID]
	return ok
}

// Roles returns all compiled roles in first-seen order.
func (t *Table) Roles() []*Role {
	list := make([]*Role, 0, len(t.order))
	for _, id := range t.order {
		list = append(list, t.roles[id])
	}
	return list
}

// IDs returns the role IDs in first-seen order.
func (t *Table) IDs() []string {
	return append([]string(nil), t.order...)
}

// chain walks the inheritance chain from roleID with a visited set. A cycle
// degrades to an empty chain with a warning, never to unbounded recursion.
func (t *Table) chain(roleID string) []*Role {
	var out []*Role
	visited := make(map[string]bool)
	for id := roleID; id != ""; {
		if visited[id] {
			t.logger.Warn("inheritance cycle detected, effective chain is empty",
				"role", roleID, "at", id)
			return nil
		}
		visited[id] = true
		r, ok := t.roles[id]
		if !ok {
			break
		}
		out = append(out, r)
		id = r.Inherits
	}
	return out
}

// EffectiveServers merges server allow lists along the inheritance chain.
// The second return is false when the role does not exist.
func (t *Table) EffectiveServers(roleID string) ([]string, bool) {
	if !t.Has(roleID) {
		return nil, false
	}
	var out []string
	for _, r := range t.chain(roleID) {
		out = appendUnique(out, r.AllowedServers...)
	}
	return out, true
}

// EffectiveToolPatterns merges allow and deny pattern lists along the chain.
func (t *Table) EffectiveToolPatterns(roleID string) (allow, deny []string, ok bool) {
	if !t.Has(roleID) {
		return nil, nil, false
	}
	for _, r := range t.chain(roleID) {
		allow = appendUnique(allow, r.Allow...)
		deny = appendUnique(deny, r.Deny...)
	}
	return allow, deny, true
}

// EffectiveMemory aggregates memory grants along the chain under the total
// order all > team > isolated > none, unioning team sets on ties at team.
func (t *Table) EffectiveMemory(roleID string) (manifest.MemoryGrant, []string, bool) {
	if !t.Has(roleID) {
		return manifest.MemoryNone, nil, false
	}
	grant := manifest.MemoryNone
	var teams []string
	for _, r := range t.chain(roleID) {
		grant, teams = mergeMemory(grant, teams, r.Memory, r.MemoryTeamRoles)
	}
	sort.Strings(teams)
	return grant, teams, true
}

// EffectiveInstruction joins instruction text along the chain, parents last.
func (t *Table) EffectiveInstruction(roleID string) (string, bool) {
	if !t.Has(roleID) {
		return "", false
	}
	var parts []string
	for _, r := range t.chain(roleID) {
		if r.SystemInstruction != "" {
			parts = append(parts, r.SystemInstruction)
		}
	}
	return strings.Join(parts, "\n\n"), true
}

// AllowsTool applies the role's effective patterns to a fully-qualified name.
func (t *Table) AllowsTool(roleID, name string) bool {
	allow, deny, ok := t.EffectiveToolPatterns(roleID)
	if !ok {
		return false
	}
	return IsAllowed(allow, deny, name)
}

// AllowsServer checks the role's effective server set.
func (t *Table) AllowsServer(roleID, serverID string) bool {
	servers, ok := t.EffectiveServers(roleID)
	if !ok {
		return false
	}
	return ServerAllowed(servers, serverID)
}

// mergeMemory folds grant b into grant a under the privilege order,
// unioning team sets when both sides sit at team.
func mergeMemory(a manifest.MemoryGrant, aTeams []string, b manifest.MemoryGrant, bTeams []string) (manifest.MemoryGrant, []string) {
	switch {
	case b.Rank() > a.Rank():
		return b, append([]string(nil), bTeams...)
	case b.Rank() < a.Rank():
		return a, aTeams
	case a == manifest.MemoryTeam:
		return a, appendUnique(aTeams, bTeams...)
	default:
		return a, aTeams
	}
}

// impliedServers derives a server set from tool patterns when no authored
// list exists.
func impliedServers(patterns []string) []string {
	var out []string
	for _, p := range patterns {
		server, ok := impliedServer(p)
		if !ok {
			continue
		}
		if server == "*" {
			return []string{"*"}
		}
		out = appendUnique(out, server)
	}
	return out
}

func containsWildcard(roleIDs []string) bool {
	for _, id := range roleIDs {
		if id == "*" {
			return true
		}
	}
	return false
}

func appendUnique(dst []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, existing := range dst {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, item)
		}
	}
	return dst
}
