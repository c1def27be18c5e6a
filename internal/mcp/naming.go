package mcp

import (
	"fmt"
	"regexp"
	"strings"
)

// NameSeparator joins a server ID and a tool name into the qualified form
// the gateway advertises to clients.
const NameSeparator = "__"

var serverIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ValidateServerID checks that a server ID is safe to embed in qualified
// tool names. IDs containing the separator would make splitting ambiguous.
func ValidateServerID(id string) error {
	if id == "" {
		return fmt.Errorf("server ID is required")
	}
	if !serverIDPattern.MatchString(id) {
		return fmt.Errorf("server ID %q must be lowercase alphanumeric with hyphens", id)
	}
	return nil
}

// QualifiedName returns the client-visible name for a backend tool.
func QualifiedName(serverID, toolName string) string {
	return serverID + NameSeparator + toolName
}

// SplitQualifiedName splits a qualified tool name at the first separator.
// Tool names may themselves contain the separator; only the first occurrence
// delimits the server ID.
func SplitQualifiedName(name string) (serverID, toolName string, ok bool) {
	i := strings.Index(name, NameSeparator)
	if i <= 0 || i+len(NameSeparator) >= len(name) {
		return "", "", false
	}
	return name[:i], name[i+len(NameSeparator):], true
}

// MatchesServer reports whether a qualified name belongs to the given server.
func MatchesServer(name, serverID string) bool {
	return strings.HasPrefix(name, serverID+NameSeparator)
}
