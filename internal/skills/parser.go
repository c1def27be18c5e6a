// Package skills loads skill and role declarations from a directory and
// keeps them fresh while the gateway runs.
//
// Two on-disk forms are accepted: SKILL.md files with YAML frontmatter,
// one per subdirectory, and whole-manifest documents (YAML or JSON5) at
// the directory root.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/Shin0205go/mycelium-sub001/pkg/manifest"
)

const (
	// SkillFilename is the expected filename for single-skill definitions.
	SkillFilename = "SKILL.md"

	frontmatterDelimiter = "---"
)

// ParseSkillFile parses a SKILL.md file. The enclosing directory name is
// the fallback skill ID.
func ParseSkillFile(path string) (*manifest.Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return ParseSkill(data, filepath.Base(filepath.Dir(path)))
}

// ParseSkill parses SKILL.md content. The markdown body becomes the
// skill's system instruction when the frontmatter does not set one.
func ParseSkill(data []byte, fallbackID string) (*manifest.Skill, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var skill manifest.Skill
	if err := yaml.Unmarshal(front, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}

	if skill.ID == "" {
		skill.ID = fallbackID
	}
	if skill.Name == "" {
		skill.Name = skill.ID
	}
	if skill.SystemInstruction == "" {
		skill.SystemInstruction = strings.TrimSpace(string(body))
	}

	if err := skill.Validate(); err != nil {
		return nil, err
	}
	return &skill, nil
}

// splitFrontmatter separates YAML frontmatter from the markdown body.
func splitFrontmatter(data []byte) (front, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}

	front = []byte(strings.Join(frontLines, "\n"))
	body = []byte(strings.Join(bodyLines, "\n"))
	return front, body, nil
}

// ParseManifestFile parses a whole-manifest document. YAML and JSON5 are
// both accepted, chosen by extension.
func ParseManifestFile(path string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return ParseManifest(data, path)
}

// ParseManifest decodes a manifest document, rejecting unknown fields.
// JSON5 input is normalized through a raw map so both formats share the
// snake_case field names.
func ParseManifest(data []byte, pathHint string) (*manifest.Manifest, error) {
	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse document: %w", err)
		}
		payload, err := yaml.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("normalize document: %w", err)
		}
		data = payload
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m manifest.Manifest
	if err := dec.Decode(&m); err != nil {
		if err == io.EOF {
			return &manifest.Manifest{}, nil
		}
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &m, nil
}
