package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Shin0205go/mycelium-sub001/internal/identity"
	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
	"github.com/Shin0205go/mycelium-sub001/pkg/manifest"
)

// initMeta is the out-of-band identity block a client may attach to
// initialize. IdentityToken is a signed assertion that, when valid,
// replaces the declared identity wholesale.
type initMeta struct {
	Identity      *manifest.Identity `json:"identity,omitempty"`
	IdentityToken string             `json:"identityToken,omitempty"`
}

// beginSession resolves the connecting client to its session role and
// applies it. With an assigned identity the client's declaration is
// ignored: the configured identity resolves once and the role stays
// fixed for the life of the session.
func (g *Gateway) beginSession(p *mcp.InitializeParams) (string, *callError) {
	declared := manifest.Identity{Name: p.ClientInfo.Name}

	var meta initMeta
	if len(p.Meta) > 0 {
		if err := json.Unmarshal(p.Meta, &meta); err != nil {
			g.logger.Warn("unparsable initialize metadata", "error", err)
		}
	}
	if meta.Identity != nil {
		declared = *meta.Identity
		if declared.Name == "" {
			declared.Name = p.ClientInfo.Name
		}
	}

	verified := false
	if meta.IdentityToken != "" {
		if !g.assertions.Enabled() {
			g.logger.Debug("identity assertion ignored, no signing secret configured")
		} else if id, err := g.assertions.Validate(meta.IdentityToken); err != nil {
			if g.cfg.Identity.Strict {
				return "", newCallError(mcp.ErrCodeIdentity, KindIdentityRejected,
					fmt.Sprintf("identity assertion rejected: %v", err))
			}
			g.logger.Warn("identity assertion rejected, using declared identity", "error", err)
		} else {
			declared = id
			verified = true
		}
	}

	if g.assignedMode() {
		if declared.Name != "" && declared.Name != g.cfg.Identity.Assigned {
			g.logger.Info("assigned identity overrides client declaration",
				"declared", declared.Name, "assigned", g.cfg.Identity.Assigned)
		}
		declared = manifest.Identity{Name: g.cfg.Identity.Assigned}
	}

	res, err := g.resolver.Resolve(declared)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrUnknownAgent):
			return "", newCallError(mcp.ErrCodeIdentity, KindIdentityRejected,
				fmt.Sprintf("agent %q matched no identity rule", declared.Name))
		case errors.Is(err, identity.ErrInvalidConfig):
			return "", newCallError(mcp.ErrCodeIdentity, KindInvalidIdentityConfig, err.Error())
		default:
			return "", newCallError(mcp.ErrCodeInternalError, KindIdentityRejected, err.Error())
		}
	}

	g.engine.ForceRole(res.Role)
	g.mu.Lock()
	g.identity = declared
	g.trusted = res.Trusted
	g.mu.Unlock()

	attrs := []any{
		"agent", declared.Name,
		"role", res.Role,
		"trusted", res.Trusted,
		"verified", verified,
	}
	if res.Rule != nil && res.Rule.Description != "" {
		attrs = append(attrs, "rule", res.Rule.Description)
	}
	g.logger.Info("session initialized", attrs...)
	return res.Role, nil
}

// sessionIdentity returns the resolved identity and trust flag.
func (g *Gateway) sessionIdentity() (manifest.Identity, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.identity, g.trusted
}
