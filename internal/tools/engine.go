// Package tools maintains the gateway's tool catalog: every tool reported
// by a backend under its fully-qualified name, and the subset the active
// role may see and call. Role switches produce set deltas so the facade
// can tell clients exactly what appeared and disappeared.
package tools

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
	"github.com/Shin0205go/mycelium-sub001/internal/roles"
)

var ErrRoleNotFound = errors.New("tools: role not found")

// ErrNotAccessible is matched by AccessError via errors.Is.
var ErrNotAccessible = errors.New("tools: tool not accessible")

// AccessError reports a call to a tool outside the active role's view.
type AccessError struct {
	Tool         string
	Role         string
	AssignedMode bool
}

func (e *AccessError) Error() string {
	hint := "use set_role to switch roles"
	if e.AssignedMode {
		hint = "check your assigned role's tools"
	}
	return fmt.Sprintf("tool %q is not accessible for role %q (%s)", e.Tool, e.Role, hint)
}

func (e *AccessError) Is(target error) bool { return target == ErrNotAccessible }

// Hint returns the client-facing recovery hint.
func (e *AccessError) Hint() string {
	if e.AssignedMode {
		return "check your assigned role's tools"
	}
	return "use set_role to switch roles"
}

// Entry pairs a fully-qualified tool name with its source server. System
// tools have an empty Server.
type Entry struct {
	Name   string
	Server string
	Tool   *mcp.Tool
}

// Delta is the visible-set difference produced by a recompute.
type Delta struct {
	Added   []string
	Removed []string
}

func (d Delta) Empty() bool { return len(d.Added) == 0 && len(d.Removed) == 0 }

// Config configures the visibility engine.
type Config struct {
	Table *roles.Table

	// AssignedIdentity hides the role-switch tool: the client's role came
	// from identity resolution and stays fixed for the session.
	AssignedIdentity bool

	// SubAgentEnabled advertises spawn_sub_agent. The facade sets it only
	// when a runner is configured.
	SubAgentEnabled bool

	Logger *slog.Logger
}

// Engine holds the all-tools and visible-tools maps. All mutation goes
// through methods that recompute visibility and report the delta.
type Engine struct {
	mu               sync.Mutex
	logger           *slog.Logger
	table            *roles.Table
	role             string
	all              map[string]Entry
	visible          map[string]Entry
	assignedIdentity bool
	subAgentEnabled  bool
}

func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:           logger.With("component", "tools"),
		table:            cfg.Table,
		all:              make(map[string]Entry),
		visible:          make(map[string]Entry),
		assignedIdentity: cfg.AssignedIdentity,
		subAgentEnabled:  cfg.SubAgentEnabled,
	}
	e.visible = e.computeVisible()
	return e
}

// SetServerTools replaces one server's contribution to the all-tools map.
// Tool names are the backend's native names; the engine qualifies them.
func (e *Engine) SetServerTools(serverID string, list []*mcp.Tool) Delta {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, entry := range e.all {
		if entry.Server == serverID {
			delete(e.all, name)
		}
	}
	for _, t := range list {
		qualified := mcp.QualifiedName(serverID, t.Name)
		clone := *t
		clone.Name = qualified
		e.all[qualified] = Entry{Name: qualified, Server: serverID, Tool: &clone}
	}
	e.logger.Debug("server tools updated", "server", serverID, "tools", len(list))
	return e.recomputeLocked()
}

// RemoveServer drops a server's tools from both maps.
func (e *Engine) RemoveServer(serverID string) Delta {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, entry := range e.all {
		if entry.Server == serverID {
			delete(e.all, name)
		}
	}
	return e.recomputeLocked()
}

// SetTable swaps the compiled role table, keeping the active role. Used on
// skills hot reload.
func (e *Engine) SetTable(t *roles.Table) Delta {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.table = t
	return e.recomputeLocked()
}

// SetCurrentRole switches the active role and recomputes visibility.
func (e *Engine) SetCurrentRole(roleID string) (Delta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.table == nil || !e.table.Has(roleID) {
		return Delta{}, fmt.Errorf("%w: %s", ErrRoleNotFound, roleID)
	}
	prev := e.role
	e.role = roleID
	delta := e.recomputeLocked()
	e.logger.Info("role switched", "from", prev, "to", roleID,
		"added", len(delta.Added), "removed", len(delta.Removed))
	return delta, nil
}

// ForceRole sets the active role without requiring it to exist in the
// table. An unknown role sees only the role-independent system tools.
func (e *Engine) ForceRole(roleID string) Delta {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.role = roleID
	return e.recomputeLocked()
}

// CurrentRole returns the active role ID, empty before the first switch.
func (e *Engine) CurrentRole() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Visible returns the active role's tools sorted by name, system tools
// included.
func (e *Engine) Visible() []*mcp.Tool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*mcp.Tool, 0, len(e.visible))
	for _, entry := range e.visible {
		out = append(out, entry.Tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// VisibleNames returns the sorted names of the visible set.
func (e *Engine) VisibleNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedKeys(e.visible)
}

// Knows reports whether any backend has registered the qualified name.
// Visibility is not considered.
func (e *Engine) Knows(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.all[name]; ok {
		return true
	}
	return IsSystemTool(name)
}

// Lookup returns the visible entry for a qualified name.
func (e *Engine) Lookup(name string) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.visible[name]
	return entry, ok
}

// CheckAccess gates a tool call: the name must be in the visible map.
// System tools carry their injection predicates into the map, so the
// same lookup covers them.
func (e *Engine) CheckAccess(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.visible[name]; ok {
		return nil
	}
	return &AccessError{Tool: name, Role: e.role, AssignedMode: e.assignedIdentity}
}

// recomputeLocked rebuilds the visible map for the active role and returns
// the difference against the previous snapshot.
func (e *Engine) recomputeLocked() Delta {
	next := e.computeVisible()
	delta := diff(e.visible, next)
	e.visible = next
	return delta
}

func (e *Engine) computeVisible() map[string]Entry {
	next := make(map[string]Entry)
	if e.table != nil && e.role != "" {
		for name, entry := range e.all {
			if !e.table.AllowsServer(e.role, entry.Server) {
				continue
			}
			if !e.table.AllowsTool(e.role, name) {
				continue
			}
			next[name] = entry
		}
	}
	for _, entry := range e.systemEntries() {
		next[entry.Name] = entry
	}
	return next
}

func diff(prev, next map[string]Entry) Delta {
	var d Delta
	for name := range next {
		if _, ok := prev[name]; !ok {
			d.Added = append(d.Added, name)
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	return d
}

func sortedKeys(m map[string]Entry) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
