// Package openapi synthesizes gateway tools from remote OpenAPI 3
// documents. Each configured HTTP API becomes a virtual server whose
// operations are advertised as tools and executed as plain HTTP requests,
// so they route, filter, and audit exactly like child-process tools.
package openapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/Shin0205go/mycelium-sub001/internal/mcp"
)

var (
	// ErrNotImported is returned when tools are requested before a
	// successful document import.
	ErrNotImported = errors.New("openapi document not imported")

	// ErrUnknownOperation is returned for tool names the imported
	// document does not define.
	ErrUnknownOperation = errors.New("unknown operation")
)

// maxResponseBytes caps how much of an upstream HTTP response is read.
const maxResponseBytes = 10 << 20

// HTTPClient is the transport used for document fetches and operation
// calls. *http.Client satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ServerConfig declares one virtual server backed by an OpenAPI document.
type ServerConfig struct {
	// Name is the server prefix for synthesized tool names.
	Name string `yaml:"name" json:"name"`
	// DocumentURL locates the OpenAPI JSON document.
	DocumentURL string `yaml:"document_url" json:"documentUrl"`
	// BaseURL overrides the document's first server URL.
	BaseURL string `yaml:"base_url" json:"baseUrl,omitempty"`

	// Token is a static credential. TokenEnv names an environment
	// variable to read instead; the two are mutually exclusive.
	Token    string `yaml:"token" json:"-"`
	TokenEnv string `yaml:"token_env" json:"tokenEnv,omitempty"`
	// APIKeyHeader sends the credential in a custom header instead of
	// an Authorization bearer token.
	APIKeyHeader string `yaml:"api_key_header" json:"apiKeyHeader,omitempty"`

	// Include and Exclude filter operations by ID, case-insensitive,
	// with * matching any run of characters. Exclude wins.
	Include []string `yaml:"include" json:"include,omitempty"`
	Exclude []string `yaml:"exclude" json:"exclude,omitempty"`
}

// Validate checks the declaration before any network activity.
func (c *ServerConfig) Validate() error {
	if err := mcp.ValidateServerID(c.Name); err != nil {
		return err
	}
	if c.DocumentURL == "" {
		return fmt.Errorf("http server %s: document_url is required", c.Name)
	}
	if c.Token != "" && c.TokenEnv != "" {
		return fmt.Errorf("http server %s: token and token_env are mutually exclusive", c.Name)
	}
	return nil
}

func (c *ServerConfig) credential() string {
	if c.TokenEnv != "" {
		return os.Getenv(c.TokenEnv)
	}
	return c.Token
}

// Adapter is one virtual server. It satisfies the router's Dispatcher
// interface: ListTools returns native tool names and CallTool receives
// them back with the server prefix already stripped.
type Adapter struct {
	cfg    ServerConfig
	client HTTPClient
	logger *slog.Logger

	mu       sync.RWMutex
	imported bool
	baseURL  string
	title    string
	tools    []*mcp.Tool
	ops      map[string]operation
}

// New builds an adapter. Nothing is fetched until Import.
func New(cfg ServerConfig, client HTTPClient, logger *slog.Logger) *Adapter {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "openapi", "server", cfg.Name),
		ops:    map[string]operation{},
	}
}

func (a *Adapter) ID() string { return a.cfg.Name }

// Ready reports whether a document has been imported. The router skips
// adapters that are not ready when fanning out catalog requests.
func (a *Adapter) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.imported
}

// Import fetches and parses the OpenAPI document, replacing the tool set.
// Operations without an operationId are skipped with a warning.
func (a *Adapter) Import(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.DocumentURL, nil)
	if err != nil {
		return fmt.Errorf("openapi %s: %w", a.cfg.Name, err)
	}
	req.Header.Set("Accept", "application/json")
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("openapi %s: fetch document: %w", a.cfg.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openapi %s: fetch document: status %d", a.cfg.Name, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("openapi %s: read document: %w", a.cfg.Name, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("openapi %s: parse document: %w", a.cfg.Name, err)
	}

	baseURL := a.cfg.BaseURL
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}
	if baseURL == "" {
		return fmt.Errorf("openapi %s: no base URL configured and document declares no servers", a.cfg.Name)
	}

	allOps, skipped := doc.operations()
	for _, s := range skipped {
		a.logger.Warn("skipping operation without operationId", "operation", s)
	}

	tools := make([]*mcp.Tool, 0, len(allOps))
	ops := make(map[string]operation, len(allOps))
	for _, op := range allOps {
		if !a.cfg.selected(op.name) {
			continue
		}
		if _, dup := ops[op.name]; dup {
			a.logger.Warn("duplicate operationId, keeping first", "operation", op.name)
			continue
		}
		ops[op.name] = op
		tools = append(tools, &mcp.Tool{
			Name:        op.name,
			Description: op.summary,
			InputSchema: op.inputSchema(&doc),
		})
	}

	a.mu.Lock()
	a.imported = true
	a.baseURL = strings.TrimRight(baseURL, "/")
	a.title = doc.Info.Title
	a.tools = tools
	a.ops = ops
	a.mu.Unlock()

	a.logger.Info("imported openapi document", "title", doc.Info.Title, "tools", len(tools))
	return nil
}

// Refresh re-imports the document. The previous tool set stays in place
// when the refresh fails.
func (a *Adapter) Refresh(ctx context.Context) error {
	return a.Import(ctx)
}

// ListTools returns the synthesized tools under their native names.
func (a *Adapter) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.imported {
		return nil, ErrNotImported
	}
	return a.tools, nil
}

// CallTool executes one operation as an HTTP request and wraps the
// response in a {success, statusCode, data} envelope.
func (a *Adapter) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolCallResult, error) {
	a.mu.RLock()
	op, ok := a.ops[name]
	baseURL := a.baseURL
	imported := a.imported
	a.mu.RUnlock()

	if !imported {
		return nil, ErrNotImported
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}

	values := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &values); err != nil {
			return nil, fmt.Errorf("parse arguments: %w", err)
		}
	}

	req, err := a.buildRequest(ctx, baseURL, op, values)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op.method, op.path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read response: %w", op.method, op.path, err)
	}

	return wrapResponse(resp.StatusCode, body), nil
}

func (a *Adapter) buildRequest(ctx context.Context, baseURL string, op operation, values map[string]any) (*http.Request, error) {
	path := op.path
	query := url.Values{}
	headers := map[string]string{}

	for _, p := range op.params {
		val, present := values[p.Name]
		switch p.In {
		case "path":
			if !present {
				return nil, fmt.Errorf("missing required path parameter %q", p.Name)
			}
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(stringify(val)))
		case "query":
			if !present {
				continue
			}
			if items, ok := val.([]any); ok {
				for _, item := range items {
					query.Add(p.Name, stringify(item))
				}
			} else {
				query.Set(p.Name, stringify(val))
			}
		case "header":
			if present {
				headers[p.Name] = stringify(val)
			}
		}
	}

	var body io.Reader
	if op.hasBody {
		if raw, present := values["body"]; present {
			payload, err := json.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("encode body: %w", err)
			}
			body = bytes.NewReader(payload)
		} else if op.bodyRequired {
			return nil, errors.New("missing required request body")
		}
	}

	target := baseURL + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, op.method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	a.authorize(req)
	return req, nil
}

func (a *Adapter) authorize(req *http.Request) {
	token := a.cfg.credential()
	if token == "" {
		return
	}
	if a.cfg.APIKeyHeader != "" {
		req.Header.Set(a.cfg.APIKeyHeader, token)
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

// wrapResponse normalizes an HTTP response into a tool result. Bodies
// that parse as JSON are embedded structurally; anything else rides as a
// string.
func wrapResponse(status int, body []byte) *mcp.ToolCallResult {
	var data any
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		data = nil
	} else if err := json.Unmarshal(trimmed, &data); err != nil {
		data = string(body)
	}

	success := status >= 200 && status < 300
	envelope, err := json.Marshal(map[string]any{
		"success":    success,
		"statusCode": status,
		"data":       data,
	})
	if err != nil {
		envelope = fmt.Appendf(nil, `{"success":%t,"statusCode":%d}`, success, status)
	}
	result := mcp.TextResult(string(envelope))
	result.IsError = !success
	return result
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64, bool, int, int64:
		return fmt.Sprintf("%v", t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

// selected applies the include/exclude filters to a native tool name.
func (c *ServerConfig) selected(name string) bool {
	for _, pattern := range c.Exclude {
		if matchGlob(strings.ToLower(pattern), name) {
			return false
		}
	}
	if len(c.Include) == 0 {
		return true
	}
	for _, pattern := range c.Include {
		if matchGlob(strings.ToLower(pattern), name) {
			return true
		}
	}
	return false
}

// matchGlob matches s against a pattern where * matches any run of
// characters. Both sides are expected lowercase.
func matchGlob(pattern, s string) bool {
	segments := strings.Split(pattern, "*")
	if len(segments) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, segments[0]) {
		return false
	}
	s = s[len(segments[0]):]
	for _, seg := range segments[1 : len(segments)-1] {
		if seg == "" {
			continue
		}
		i := strings.Index(s, seg)
		if i < 0 {
			return false
		}
		s = s[i+len(seg):]
	}
	last := segments[len(segments)-1]
	if last == "" {
		return true
	}
	return strings.HasSuffix(s, last)
}

// Stats summarizes one virtual server for diagnostics: each operation
// counts once under its prefixed name.
type Stats struct {
	Server    string   `json:"server"`
	Title     string   `json:"title,omitempty"`
	BaseURL   string   `json:"baseUrl"`
	ToolCount int      `json:"toolCount"`
	Tools     []string `json:"tools"`
}

// Stats reports the imported tool set under qualified names.
func (a *Adapter) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.tools))
	for _, t := range a.tools {
		names = append(names, mcp.QualifiedName(a.cfg.Name, t.Name))
	}
	return Stats{
		Server:    a.cfg.Name,
		Title:     a.title,
		BaseURL:   a.baseURL,
		ToolCount: len(names),
		Tools:     names,
	}
}
