package roles

import (
	"strings"

	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
)

// MatchPattern checks a tool-allow pattern against a fully-qualified name.
// Patterns come in three forms:
//   - "server__tool" - exact match
//   - "server__*"    - all tools from server
//   - "*"            - all tools
func MatchPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, mcp.NameSeparator+"*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}

// IsAllowed applies deny-first pattern evaluation: a name matching any deny
// pattern is rejected regardless of allows.
func IsAllowed(allow, deny []string, name string) bool {
	for _, d := range deny {
		if MatchPattern(d, name) {
			return false
		}
	}
	for _, a := range allow {
		if MatchPattern(a, name) {
			return true
		}
	}
	return false
}

// ServerAllowed checks a server allow list that may contain "*".
func ServerAllowed(servers []string, serverID string) bool {
	for _, s := range servers {
		if s == "*" || s == serverID {
			return true
		}
	}
	return false
}

// impliedServer extracts the server a tool pattern reaches: "git__log" and
// "git__*" imply "git"; "*" implies every server.
func impliedServer(pattern string) (string, bool) {
	if pattern == "*" {
		return "*", true
	}
	if server, _, ok := mcp.SplitQualifiedName(pattern); ok {
		return server, true
	}
	return "", false
}
