package openapi

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// document is the subset of an OpenAPI 3 description the adapter consumes.
type document struct {
	OpenAPI string `json:"openapi"`
	Info    struct {
		Title   string `json:"title"`
		Version string `json:"version"`
	} `json:"info"`
	Servers []struct {
		URL string `json:"url"`
	} `json:"servers"`
	Paths      map[string]pathItem        `json:"paths"`
	Components map[string]json.RawMessage `json:"components"`
}

type pathItem struct {
	Parameters []parameter    `json:"parameters"`
	Get        *operationSpec `json:"get"`
	Put        *operationSpec `json:"put"`
	Post       *operationSpec `json:"post"`
	Delete     *operationSpec `json:"delete"`
	Patch      *operationSpec `json:"patch"`
	Head       *operationSpec `json:"head"`
	Options    *operationSpec `json:"options"`
}

func (p *pathItem) byMethod() []methodSpec {
	all := []methodSpec{
		{"GET", p.Get},
		{"PUT", p.Put},
		{"POST", p.Post},
		{"DELETE", p.Delete},
		{"PATCH", p.Patch},
		{"HEAD", p.Head},
		{"OPTIONS", p.Options},
	}
	out := all[:0]
	for _, m := range all {
		if m.spec != nil {
			out = append(out, m)
		}
	}
	return out
}

type methodSpec struct {
	method string
	spec   *operationSpec
}

type operationSpec struct {
	OperationID string       `json:"operationId"`
	Summary     string       `json:"summary"`
	Description string       `json:"description"`
	Deprecated  bool         `json:"deprecated"`
	Parameters  []parameter  `json:"parameters"`
	RequestBody *requestBody `json:"requestBody"`
}

type parameter struct {
	Name        string          `json:"name"`
	In          string          `json:"in"`
	Required    bool            `json:"required"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

type requestBody struct {
	Required bool                 `json:"required"`
	Content  map[string]mediaType `json:"content"`
}

type mediaType struct {
	Schema json.RawMessage `json:"schema"`
}

// operation is one synthesized tool's execution recipe.
type operation struct {
	name         string // sanitized operation ID, native tool name
	method       string
	path         string
	summary      string
	params       []parameter
	hasBody      bool
	bodyRequired bool
	bodySchema   json.RawMessage
}

// operations flattens the document into execution recipes, merging
// path-level parameters into each operation. Operations without an
// operationId are returned separately so the caller can report them.
func (d *document) operations() (ops []operation, skipped []string) {
	paths := make([]string, 0, len(d.Paths))
	for p := range d.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		item := d.Paths[path]
		for _, m := range item.byMethod() {
			spec := m.spec
			if strings.TrimSpace(spec.OperationID) == "" {
				skipped = append(skipped, m.method+" "+path)
				continue
			}
			op := operation{
				name:    sanitizeToolName(spec.OperationID),
				method:  m.method,
				path:    path,
				summary: operationSummary(spec),
				params:  append(append([]parameter(nil), item.Parameters...), spec.Parameters...),
			}
			if rb := spec.RequestBody; rb != nil {
				if mt, ok := rb.Content["application/json"]; ok {
					op.hasBody = true
					op.bodyRequired = rb.Required
					op.bodySchema = mt.Schema
				}
			}
			ops = append(ops, op)
		}
	}
	return ops, skipped
}

func operationSummary(spec *operationSpec) string {
	s := spec.Summary
	if s == "" {
		s = spec.Description
	}
	if spec.Deprecated {
		s = strings.TrimSpace(s + " (deprecated)")
	}
	return s
}

// sanitizeToolName lowercases an operation ID and squashes anything
// outside [a-z0-9_-] to an underscore, keeping the name legal for
// qualified tool names.
func sanitizeToolName(opID string) string {
	lower := strings.ToLower(opID)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// inputSchema builds a JSON schema object for the operation's arguments.
// Parameters appear under their own names; a JSON request body appears
// under "body".
func (op *operation) inputSchema(d *document) json.RawMessage {
	props := map[string]any{}
	var required []string

	for _, p := range op.params {
		schema := resolveSchema(d, p.Schema)
		if p.Description != "" {
			schema["description"] = p.Description
		}
		props[p.Name] = schema
		if p.In == "path" || p.Required {
			required = append(required, p.Name)
		}
	}
	if op.hasBody {
		schema := resolveSchema(d, op.bodySchema)
		if _, ok := schema["description"]; !ok {
			schema["description"] = "Request body"
		}
		props["body"] = schema
		if op.bodyRequired {
			required = append(required, "body")
		}
	}

	obj := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		sort.Strings(required)
		obj["required"] = required
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}

// resolveSchema decodes a schema fragment, following chains of top-level
// local $ref pointers into components. Nested refs pass through as-is.
func resolveSchema(d *document, raw json.RawMessage) map[string]any {
	const maxHops = 8
	for hop := 0; hop < maxHops; hop++ {
		if len(raw) == 0 {
			return map[string]any{"type": "string"}
		}
		var node map[string]any
		if err := json.Unmarshal(raw, &node); err != nil || node == nil {
			return map[string]any{"type": "string"}
		}
		ref, ok := node["$ref"].(string)
		if !ok {
			return node
		}
		next, err := d.lookupRef(ref)
		if err != nil {
			return map[string]any{"type": "string"}
		}
		raw = next
	}
	return map[string]any{"type": "string"}
}

// lookupRef resolves a "#/components/<section>/<name>" pointer.
func (d *document) lookupRef(ref string) (json.RawMessage, error) {
	parts := strings.Split(strings.TrimPrefix(ref, "#/"), "/")
	if len(parts) != 3 || parts[0] != "components" {
		return nil, fmt.Errorf("unsupported $ref %q", ref)
	}
	section, ok := d.Components[parts[1]]
	if !ok {
		return nil, fmt.Errorf("$ref %q: no such component section", ref)
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(section, &entries); err != nil {
		return nil, fmt.Errorf("$ref %q: %w", ref, err)
	}
	entry, ok := entries[parts[2]]
	if !ok {
		return nil, fmt.Errorf("$ref %q: not found", ref)
	}
	return entry, nil
}
