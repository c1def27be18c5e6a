// Package mcp defines the JSON-RPC 2.0 and Model Context Protocol wire types
// shared by the gateway's client-facing server loop and its backend clients.
package mcp

import (
	"encoding/json"
)

// ProtocolVersion is the MCP protocol revision the gateway speaks on both sides.
const ProtocolVersion = "2024-11-05"

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCNotification is a JSON-RPC 2.0 notification (no ID).
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Gateway-specific error codes, in the server-defined range.
const (
	ErrCodeResourceNotFound = -32001
	ErrCodeToolNotFound     = -32002
	ErrCodePromptNotFound   = -32003
	ErrCodeAccessDenied     = -32010
	ErrCodeRateLimited      = -32011
	ErrCodeCapability       = -32012
	ErrCodeIdentity         = -32013
	ErrCodeUpstream         = -32020
)

// Methods and notifications the gateway handles or relays.
const (
	MethodInitialize    = "initialize"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
	MethodPromptsList   = "prompts/list"
	MethodPromptsGet    = "prompts/get"

	NotificationInitialized  = "notifications/initialized"
	NotificationToolsChanged = "notifications/tools/list_changed"

	// NotificationEnvelope wraps a nested notification one level deep;
	// the router unwraps it once before relaying.
	NotificationEnvelope = "$/notification"
)

// Tool represents a tool exposed over MCP.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource represents a resource exposed by an MCP server.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Prompt represents a prompt template exposed by an MCP server.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes a parameter for an MCP prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ResourceContent holds the content of an MCP resource.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"` // Base64 encoded
}

// PromptMessage represents a message in a prompt response.
type PromptMessage struct {
	Role    string         `json:"role"` // user | assistant
	Content MessageContent `json:"content"`
}

// MessageContent holds the content of a prompt message.
type MessageContent struct {
	Type     string           `json:"type"` // text | image | resource
	Text     string           `json:"text,omitempty"`
	Data     string           `json:"data,omitempty"`
	MimeType string           `json:"mimeType,omitempty"`
	Resource *ResourceContent `json:"resource,omitempty"`
}

// ToolCallResult holds the result of calling an MCP tool.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// ToolResultContent holds a piece of content from a tool result.
type ToolResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TextResult builds a single text-block tool result.
func TextResult(text string) *ToolCallResult {
	return &ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: text}}}
}

// ErrorResult builds a tool result flagged as an error.
func ErrorResult(text string) *ToolCallResult {
	r := TextResult(text)
	r.IsError = true
	return r
}

// ServerInfo holds information about an MCP server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo holds information about an MCP client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities holds the capabilities of an MCP client or server.
type Capabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
}

// ToolsCapability describes tool-related capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability describes resource-related capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability describes prompt-related capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeParams holds the parameters of the initialize method. Meta
// carries the declared skill set and an optional signed identity assertion.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    Capabilities    `json:"capabilities"`
	ClientInfo      ClientInfo      `json:"clientInfo"`
	Meta            json.RawMessage `json:"_meta,omitempty"`
}

// InitializeResult holds the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// ListToolsResult holds the result of tools/list.
type ListToolsResult struct {
	Tools []*Tool `json:"tools"`
}

// ListResourcesResult holds the result of resources/list.
type ListResourcesResult struct {
	Resources []*Resource `json:"resources"`
}

// ListPromptsResult holds the result of prompts/list.
type ListPromptsResult struct {
	Prompts []*Prompt `json:"prompts"`
}

// ReadResourceResult holds the result of resources/read.
type ReadResourceResult struct {
	Contents []*ResourceContent `json:"contents"`
}

// GetPromptResult holds the result of prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// CallToolParams holds parameters for tools/call. Meta carries
// out-of-band request fields such as capability tokens and reasoning
// signatures; it is never forwarded upstream.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      json.RawMessage `json:"_meta,omitempty"`
}

// ReadResourceParams holds parameters for resources/read. Server selects the
// backend when more than one is connected.
type ReadResourceParams struct {
	URI    string `json:"uri"`
	Server string `json:"server,omitempty"`
}

// GetPromptParams holds parameters for prompts/get.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
	Server    string            `json:"server,omitempty"`
}

// NewRequest builds a request with marshalled params. Nil params are omitted.
func NewRequest(id any, method string, params any) (*JSONRPCRequest, error) {
	req := &JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	return req, nil
}

// NewNotification builds a notification with marshalled params.
func NewNotification(method string, params any) (*JSONRPCNotification, error) {
	n := &JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		n.Params = raw
	}
	return n, nil
}
