package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Shin0205go/mycelium-sub001/pkg/manifest"
)

// LoadDir reads every skill and role declaration under root: SKILL.md
// files one level down, and manifest documents (*.yaml, *.yml, *.json,
// *.json5) at the root. Entries load in lexical order and the combined
// manifest is validated as a whole.
func LoadDir(root string) (*manifest.Manifest, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	combined := &manifest.Manifest{}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		if entry.IsDir() {
			skillPath := filepath.Join(root, name, SkillFilename)
			if _, err := os.Stat(skillPath); err != nil {
				continue
			}
			skill, err := ParseSkillFile(skillPath)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", skillPath, err)
			}
			combined.Skills = append(combined.Skills, skill)
			continue
		}

		switch strings.ToLower(filepath.Ext(name)) {
		case ".yaml", ".yml", ".json", ".json5":
			doc, err := ParseManifestFile(filepath.Join(root, name))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			combined.Merge(doc)
		}
	}

	if err := combined.Validate(); err != nil {
		return nil, err
	}
	return combined, nil
}
