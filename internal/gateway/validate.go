package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache compiles advertised tool input schemas once and reuses
// them until the advertised schema text changes.
type schemaCache struct {
	mu      sync.Mutex
	entries map[string]*cachedSchema
}

type cachedSchema struct {
	raw      string
	compiled *jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{entries: make(map[string]*cachedSchema)}
}

func (c *schemaCache) compile(name, raw string) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok && e.raw == raw {
		return e.compiled, nil
	}
	compiled, err := jsonschema.CompileString(name+".json", raw)
	if err != nil {
		return nil, err
	}
	c.entries[name] = &cachedSchema{raw: raw, compiled: compiled}
	return compiled, nil
}

func (c *schemaCache) drop(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// validateArgs checks call arguments against the tool's advertised input
// schema. Tools without a schema pass, and a schema the compiler rejects
// fails open: upstream authors own their schemas.
func (g *Gateway) validateArgs(name string, raw json.RawMessage) error {
	entry, ok := g.engine.Lookup(name)
	if !ok || entry.Tool == nil || len(entry.Tool.InputSchema) == 0 {
		return nil
	}

	sch, err := g.schemas.compile(name, string(entry.Tool.InputSchema))
	if err != nil {
		g.schemas.drop(name)
		g.logger.Debug("tool schema does not compile, skipping validation",
			"tool", name, "error", err)
		return nil
	}

	var value any = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("arguments are not valid JSON: %w", err)
		}
	}
	return sch.Validate(value)
}
