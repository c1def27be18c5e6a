// Package config loads and validates the gateway configuration file.
//
// Files may be YAML or JSON5 (chosen by extension), may pull in other
// files through $include, and may reference environment variables with
// ${VAR} anywhere in the document.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Shin0205go/mycelium-sub001/internal/backend"
	"github.com/Shin0205go/mycelium-sub001/internal/openapi"
	"github.com/Shin0205go/mycelium-sub001/pkg/manifest"
)

// Duration decodes from a Go duration string ("90s", "5m", "1h30m") or a
// bare integer of nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var ns int64
	if err := node.Decode(&ns); err == nil {
		*d = Duration(ns)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"5m\" or an integer of nanoseconds")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Environment variables honored at load time.
const (
	EnvConfig           = "MYCELIUM_CONFIG"
	EnvSkillsDir        = "MYCELIUM_SKILLS_DIR"
	EnvAssignedIdentity = "MYCELIUM_ASSIGNED_IDENTITY"
	EnvLogLevel         = "MYCELIUM_LOG_LEVEL"
)

// Config is the root configuration for the gateway.
type Config struct {
	Server        ServerConfig              `yaml:"server"`
	Logging       LoggingConfig             `yaml:"logging"`
	Backends      []backend.Config          `yaml:"backends"`
	HTTPServers   []openapi.ServerConfig    `yaml:"http_servers"`
	Skills        SkillsConfig              `yaml:"skills"`
	Identity      IdentityConfig            `yaml:"identity"`
	Capability    CapabilityConfig          `yaml:"capability"`
	Quotas        map[string]manifest.Quota `yaml:"quotas"`
	Audit         AuditConfig               `yaml:"audit"`
	Memory        MemoryConfig              `yaml:"memory"`
	Validation    ValidationConfig          `yaml:"validation"`
	Observability ObservabilityConfig       `yaml:"observability"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LazyBackends defers spawning child servers until a role that can
	// reach them becomes active.
	LazyBackends bool `yaml:"lazy_backends"`
}

// LoggingConfig controls the gateway's own log output. Output defaults to
// stderr: stdout carries the protocol stream and must stay clean.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

type SkillsConfig struct {
	Dir   string `yaml:"dir"`
	Watch *bool  `yaml:"watch"`
}

// WatchEnabled reports whether the skills directory should be watched for
// changes. Unset means enabled.
func (s SkillsConfig) WatchEnabled() bool {
	return s.Watch == nil || *s.Watch
}

type IdentityConfig struct {
	// DefaultRole is the session role when no identity rule matches.
	DefaultRole string `yaml:"default_role"`
	// RejectUnknown refuses initialization from identities no rule matches
	// instead of falling back to DefaultRole.
	RejectUnknown bool `yaml:"reject_unknown"`
	// Strict turns soft identity failures (bad timezone, malformed time
	// window) into resolution errors.
	Strict bool `yaml:"strict"`
	// Assigned pins every session to one role and removes the role-switch
	// tool. The environment override takes precedence.
	Assigned string `yaml:"assigned"`
	// AssertionSecretEnv names the environment variable holding the key
	// for signed identity assertions. Empty disables assertion checking.
	AssertionSecretEnv string `yaml:"assertion_secret_env"`
}

type CapabilityConfig struct {
	// Required rejects tool calls that carry no capability token.
	Required  bool     `yaml:"required"`
	TTL       Duration `yaml:"ttl"`
	SecretEnv string   `yaml:"secret_env"`
}

type AuditConfig struct {
	// Size is the entry capacity of the in-memory ring.
	Size int `yaml:"size"`
	// LogEntries mirrors every audit entry to the structured log.
	LogEntries *bool `yaml:"log_entries"`
	// File, when set, appends every entry as one JSON object per line.
	// The file is the input for "mycelium audit export".
	File string `yaml:"file"`
}

// LogEnabled reports whether audit entries are mirrored to the log.
// Unset means enabled.
func (a AuditConfig) LogEnabled() bool {
	return a.LogEntries == nil || *a.LogEntries
}

type MemoryConfig struct {
	// Backend selects the memory store: "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the SQLite database file. Required for the sqlite backend.
	Path string `yaml:"path"`
}

type ValidationConfig struct {
	// ToolArguments validates tools/call arguments against the advertised
	// input schema before routing.
	ToolArguments bool `yaml:"tool_arguments"`
}

type ObservabilityConfig struct {
	// MetricsAddr exposes Prometheus metrics when set, e.g. ":9090".
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
	Insecure   bool    `yaml:"insecure"`
}

// Load reads, merges, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRaw(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a runnable configuration with no backends, used when no
// config file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "mycelium"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Skills.Dir == "" {
		cfg.Skills.Dir = "./skills"
	}
	if cfg.Identity.DefaultRole == "" {
		cfg.Identity.DefaultRole = "default"
	}
	if cfg.Capability.TTL <= 0 {
		cfg.Capability.TTL = Duration(5 * time.Minute)
	}
	if cfg.Capability.SecretEnv == "" {
		cfg.Capability.SecretEnv = "MYCELIUM_CAPABILITY_SECRET"
	}
	if cfg.Audit.Size <= 0 {
		cfg.Audit.Size = 10000
	}
	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = "memory"
	}
	if cfg.Observability.Tracing.SampleRate <= 0 {
		cfg.Observability.Tracing.SampleRate = 1.0
	}
}

func applyEnvOverrides(cfg *Config) {
	if dir := os.Getenv(EnvSkillsDir); dir != "" {
		cfg.Skills.Dir = dir
	}
	if assigned := os.Getenv(EnvAssignedIdentity); assigned != "" {
		cfg.Identity.Assigned = assigned
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.Logging.Level = level
	}
}

// Validate checks cross-field rules the decoder cannot express.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q: must be text or json", c.Logging.Format)
	}

	// Backend IDs and virtual server names share one prefix namespace.
	prefixes := make(map[string]string, len(c.Backends)+len(c.HTTPServers))
	for i := range c.Backends {
		b := &c.Backends[i]
		if err := b.Validate(); err != nil {
			return err
		}
		if prev, dup := prefixes[b.ID]; dup {
			return fmt.Errorf("server ID %q declared more than once (%s)", b.ID, prev)
		}
		prefixes[b.ID] = "backend"
	}
	for i := range c.HTTPServers {
		h := &c.HTTPServers[i]
		if err := h.Validate(); err != nil {
			return err
		}
		if prev, dup := prefixes[h.Name]; dup {
			return fmt.Errorf("server ID %q declared more than once (%s)", h.Name, prev)
		}
		prefixes[h.Name] = "http server"
	}

	if c.Identity.DefaultRole == "" {
		return fmt.Errorf("identity.default_role is required")
	}

	switch c.Memory.Backend {
	case "memory":
	case "sqlite":
		if c.Memory.Path == "" {
			return fmt.Errorf("memory.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("memory.backend %q: must be memory or sqlite", c.Memory.Backend)
	}

	for role := range c.Quotas {
		if role == "" {
			return fmt.Errorf("quotas: empty role key")
		}
	}

	rate := c.Observability.Tracing.SampleRate
	if rate < 0 || rate > 1 {
		return fmt.Errorf("observability.tracing.sample_rate %v: must be in [0,1]", rate)
	}
	return nil
}

// ServerIDs returns every configured server prefix, backends and virtual
// servers alike.
func (c *Config) ServerIDs() []string {
	ids := make([]string, 0, len(c.Backends)+len(c.HTTPServers))
	for i := range c.Backends {
		ids = append(ids, c.Backends[i].ID)
	}
	for i := range c.HTTPServers {
		ids = append(ids, c.HTTPServers[i].Name)
	}
	return ids
}
