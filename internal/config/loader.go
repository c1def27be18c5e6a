package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// LoadRaw reads the file at path into a raw merged map, resolving
// $include directives depth-first. Included files merge under the
// including file, so the outermost document wins on conflicts.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	return loadMerged(path, nil)
}

// loadMerged loads one file and its includes. stack holds the absolute
// paths of the files currently being resolved, for cycle reporting.
func loadMerged(path string, stack []string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, seen := range stack {
		if seen == abs {
			return nil, fmt.Errorf("config include cycle: %s", strings.Join(append(stack, abs), " -> "))
		}
	}
	stack = append(stack, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	raw, err := parseBytes([]byte(os.ExpandEnv(string(data))), abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	includes, err := takeIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := map[string]any{}
	baseDir := filepath.Dir(abs)
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(baseDir, inc)
		}
		sub, err := loadMerged(inc, stack)
		if err != nil {
			return nil, err
		}
		merged = deepMerge(merged, sub)
	}
	return deepMerge(merged, raw), nil
}

// parseBytes decodes one document, picking the format from the file
// extension: .json and .json5 parse as JSON5, everything else as YAML.
// Multi-document YAML is rejected.
func parseBytes(data []byte, pathHint string) (map[string]any, error) {
	var raw map[string]any

	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil && err != io.EOF {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return nil, errors.New("expected a single document")
		}
	}

	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// takeIncludes removes the $include directive from raw and returns its
// paths. A bare string and a list of strings are both accepted.
func takeIncludes(raw map[string]any) ([]string, error) {
	val, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	switch v := val.(type) {
	case string:
		return []string{v}, nil
	case []any:
		paths := make([]string, 0, len(v))
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("%s must be a string or list of strings", includeKey)
	}
}

// deepMerge merges src into dst. Nested maps merge recursively; any other
// value in src replaces the one in dst.
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				dst[key] = deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeRaw converts the merged raw map into a Config, rejecting unknown
// fields so typos surface at startup instead of being silently ignored.
func decodeRaw(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
