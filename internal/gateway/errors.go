package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Shin0205go/mycelium-sub001/internal/backend"
	"github.com/Shin0205go/mycelium-sub001/internal/capability"
	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
	"github.com/Shin0205go/mycelium-sub001/internal/router"
)

// Stable denial kinds clients can match on programmatically. The
// human-readable reason rides in the error message.
const (
	KindRoleNotFound          = "role_not_found"
	KindToolNotAccessible     = "tool_not_accessible"
	KindServerNotAccessible   = "server_not_accessible"
	KindRateLimitExceeded     = "rate_limit_exceeded"
	KindCapabilityInvalid     = "capability_invalid"
	KindIdentityRejected      = "identity_rejected"
	KindUpstreamTimeout       = "upstream_timeout"
	KindUpstreamDisconnected  = "upstream_disconnected"
	KindUpstreamError         = "upstream_error"
	KindInvalidIdentityConfig = "invalid_identity_config"
	KindInvalidArguments      = "invalid_arguments"
)

// ErrorData is the structured payload attached to gateway JSON-RPC
// errors. Kind is stable; the remaining fields are advisory.
type ErrorData struct {
	Kind         string `json:"kind"`
	Role         string `json:"role,omitempty"`
	Hint         string `json:"hint,omitempty"`
	Window       string `json:"window,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// callError is a structured failure raised past the gate, inside a
// system tool. It carries its own code and kind upward.
type callError struct {
	code int
	kind string
	msg  string
}

func (e *callError) Error() string { return e.msg }

func newCallError(code int, kind, msg string) *callError {
	return &callError{code: code, kind: kind, msg: msg}
}

func okResponse(id any, result any) *mcp.JSONRPCResponse {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, mcp.ErrCodeInternalError, "marshal result failed", nil)
	}
	return &mcp.JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: raw}
}

func errorResponse(id any, code int, message string, data *ErrorData) *mcp.JSONRPCResponse {
	e := &mcp.JSONRPCError{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return &mcp.JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: e}
}

// upstreamError classifies a dispatch failure into a response code and
// a stable kind.
func upstreamError(err error) (int, string) {
	var ce *callError
	switch {
	case errors.As(err, &ce):
		return ce.code, ce.kind
	case errors.Is(err, context.DeadlineExceeded):
		return mcp.ErrCodeUpstream, KindUpstreamTimeout
	case errors.Is(err, backend.ErrNotReady),
		errors.Is(err, router.ErrNoUpstream),
		errors.Is(err, router.ErrNoResourceSource):
		return mcp.ErrCodeUpstream, KindUpstreamDisconnected
	default:
		return mcp.ErrCodeUpstream, KindUpstreamError
	}
}

// capabilityReason labels a token verification failure for the denial
// metric.
func capabilityReason(err error) string {
	switch {
	case errors.Is(err, capability.ErrInvalidSignature):
		return "signature"
	case errors.Is(err, capability.ErrExpired):
		return "expired"
	case errors.Is(err, capability.ErrNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, capability.ErrRevoked):
		return "revoked"
	case errors.Is(err, capability.ErrNoUsesRemaining):
		return "exhausted"
	case errors.Is(err, capability.ErrScopeExceeded):
		return "scope"
	case errors.Is(err, capability.ErrContextMismatch):
		return "context"
	default:
		return "invalid"
	}
}
