// Package capability issues, verifies, attenuates, and revokes the
// short-lived HMAC-signed tokens that scope delegated tool access.
//
// A token's wire form is base64url(payload).base64url(signature),
// where the signature is HMAC-SHA256 over the encoded payload. Any
// deviation from that form verifies as an invalid signature.
package capability

import (
	"fmt"
	"strings"
)

// Level orders scope levels from weakest to strongest.
type Level string

const (
	LevelReadOnly Level = "read-only"
	LevelWrite    Level = "write"
	LevelAdmin    Level = "admin"
)

var levelRank = map[Level]int{
	LevelReadOnly: 0,
	LevelWrite:    1,
	LevelAdmin:    2,
}

// Valid reports whether the level is one of the known three.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// Scope is a typed permission with a monotone level, e.g. "db:admin".
type Scope struct {
	Type  string `json:"type"`
	Level Level  `json:"level"`
}

// ParseScope parses the "type:level" form.
func ParseScope(s string) (Scope, error) {
	typ, level, ok := strings.Cut(s, ":")
	if !ok || typ == "" {
		return Scope{}, fmt.Errorf("scope %q: want type:level", s)
	}
	sc := Scope{Type: typ, Level: Level(level)}
	if !sc.Level.Valid() {
		return Scope{}, fmt.Errorf("scope %q: unknown level %q", s, level)
	}
	return sc, nil
}

func (s Scope) String() string {
	return s.Type + ":" + string(s.Level)
}

// Includes reports whether s covers other: same type and a level at
// least as strong.
func (s Scope) Includes(other Scope) bool {
	return s.Type == other.Type && levelRank[s.Level] >= levelRank[other.Level]
}

// Context restricts where a token may be used. Empty fields are
// unconstrained.
type Context struct {
	TaskID  string   `json:"taskId,omitempty"`
	Tools   []string `json:"tools,omitempty"`
	Servers []string `json:"servers,omitempty"`
}

// merged returns the parent context with child fields overriding on
// conflict. Both nil yields nil.
func mergedContext(parent, child *Context) *Context {
	if parent == nil && child == nil {
		return nil
	}
	out := &Context{}
	if parent != nil {
		*out = *parent
	}
	if child != nil {
		if child.TaskID != "" {
			out.TaskID = child.TaskID
		}
		if child.Tools != nil {
			out.Tools = child.Tools
		}
		if child.Servers != nil {
			out.Servers = child.Servers
		}
	}
	return out
}

// Payload is the signed token body.
type Payload struct {
	Issuer             string   `json:"iss"`
	Subject            string   `json:"sub"`
	Scope              Scope    `json:"scope"`
	IssuedAt           int64    `json:"iat"`
	NotBefore          int64    `json:"nbf"`
	ExpiresAt          int64    `json:"exp"`
	JTI                string   `json:"jti"`
	UsesLeft           *int     `json:"usesLeft,omitempty"`
	ParentJTI          string   `json:"parentJti,omitempty"`
	AttenuationAllowed bool     `json:"attenuationAllowed"`
	Context            *Context `json:"context,omitempty"`
}

// CallContext describes the call site checked against a token's
// context constraints.
type CallContext struct {
	TaskID string
	Tool   string
	Server string
}
