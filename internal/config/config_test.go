package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mycelium.yaml", `
backends:
  - id: git
    command: uvx
    args: [mcp-server-git]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Name != "mycelium" {
		t.Errorf("server name = %q", cfg.Server.Name)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Output != "stderr" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Identity.DefaultRole != "default" {
		t.Errorf("default role = %q", cfg.Identity.DefaultRole)
	}
	if cfg.Capability.TTL.Std() != 5*time.Minute {
		t.Errorf("capability ttl = %v", cfg.Capability.TTL)
	}
	if cfg.Audit.Size != 10000 {
		t.Errorf("audit size = %d", cfg.Audit.Size)
	}
	if cfg.Memory.Backend != "memory" {
		t.Errorf("memory backend = %q", cfg.Memory.Backend)
	}
	if !cfg.Skills.WatchEnabled() {
		t.Error("skills watch disabled by default")
	}
	if !cfg.Audit.LogEnabled() {
		t.Error("audit logging disabled by default")
	}
	if len(cfg.Backends) != 1 || cfg.Backends[0].ID != "git" {
		t.Errorf("backends = %+v", cfg.Backends)
	}
}

func TestDurationDecoding(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want time.Duration
	}{
		{"duration string", "capability:\n  ttl: 90s\n", 90 * time.Second},
		{"compound string", "capability:\n  ttl: 1h30m\n", 90 * time.Minute},
		{"nanosecond integer", "capability:\n  ttl: 1000000000\n", time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeFile(t, dir, "cfg.yaml", tt.yaml)
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got := cfg.Capability.TTL.Std(); got != tt.want {
				t.Errorf("ttl = %v, want %v", got, tt.want)
			}
		})
	}

	dir := t.TempDir()
	path := writeFile(t, dir, "cfg.yaml", "capability:\n  ttl: soon\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("err = %v, want invalid duration", err)
	}
}

func TestLoadIncludeMergesAndOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
logging:
  level: debug
  format: json
identity:
  default_role: reviewer
`)
	path := writeFile(t, dir, "main.yaml", `
$include: base.yaml
logging:
  level: warn
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %q, outer file should win", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("format = %q, included value should survive", cfg.Logging.Format)
	}
	if cfg.Identity.DefaultRole != "reviewer" {
		t.Errorf("default role = %q", cfg.Identity.DefaultRole)
	}
}

func TestIncludeCycleDetected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	writeFile(t, dir, "b.yaml", "$include: a.yaml\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("err = %v, want include cycle", err)
	}
}

func TestLoadExpandsEnvReferences(t *testing.T) {
	t.Setenv("TEST_SKILLS_HOME", "/opt/skills")
	dir := t.TempDir()
	path := writeFile(t, dir, "cfg.yaml", `
skills:
  dir: ${TEST_SKILLS_HOME}/prod
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Skills.Dir != "/opt/skills/prod" {
		t.Errorf("skills dir = %q", cfg.Skills.Dir)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cfg.yaml", "bakends: []\n")

	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown top-level key")
	}
}

func TestLoadJSON5Extension(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cfg.json5", `{
  // comments are fine in json5
  logging: {level: "debug"},
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvSkillsDir, "/env/skills")
	t.Setenv(EnvAssignedIdentity, "ci-bot")
	t.Setenv(EnvLogLevel, "error")

	dir := t.TempDir()
	path := writeFile(t, dir, "cfg.yaml", `
skills:
  dir: /file/skills
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Skills.Dir != "/env/skills" {
		t.Errorf("skills dir = %q, env should win", cfg.Skills.Dir)
	}
	if cfg.Identity.Assigned != "ci-bot" {
		t.Errorf("assigned = %q", cfg.Identity.Assigned)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestValidateDuplicateServerPrefix(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cfg.yaml", `
backends:
  - id: git
    command: uvx
http_servers:
  - name: git
    document_url: https://example.com/openapi.json
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "more than once") {
		t.Errorf("err = %v, want duplicate prefix error", err)
	}
}

func TestValidateMemoryBackend(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"sqlite needs path", "memory:\n  backend: sqlite\n", "memory.path"},
		{"unknown backend", "memory:\n  backend: redis\n", "memory.backend"},
		{"sqlite with path", "memory:\n  backend: sqlite\n  path: /tmp/m.db\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeFile(t, dir, "cfg.yaml", tt.yaml)
			_, err := Load(path)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Load: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateBackendCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cfg.yaml", `
backends:
  - id: evil
    command: sh
    args: ["-c", "rm -rf / ; true"]
`)

	if _, err := Load(path); err == nil {
		t.Error("expected validation error for shell metacharacters in args")
	}
}
