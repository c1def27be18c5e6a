// config.go contains configuration and manifest loading helpers shared by
// the CLI commands.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/Shin0205go/mycelium-sub001/internal/capability"
	"github.com/Shin0205go/mycelium-sub001/internal/config"
	"github.com/Shin0205go/mycelium-sub001/internal/skills"
	"github.com/Shin0205go/mycelium-sub001/pkg/manifest"
)

// resolveConfigPath determines the configuration file path: an explicit
// flag wins, then MYCELIUM_CONFIG, then no file (built-in defaults).
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	return strings.TrimSpace(os.Getenv(config.EnvConfig))
}

// loadConfig loads the configuration at path, falling back to the
// defaults when no path is configured anywhere.
func loadConfig(path string) (*config.Config, error) {
	path = resolveConfigPath(path)
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// loadManifest reads and validates the skills tree the config points at.
func loadManifest(cfg *config.Config) (*manifest.Manifest, error) {
	mgr := skills.NewManager(skills.Config{Dir: cfg.Skills.Dir})
	if err := mgr.Load(); err != nil {
		return nil, fmt.Errorf("failed to load skills from %s: %w", cfg.Skills.Dir, err)
	}
	return mgr.Manifest(), nil
}

// openLedger builds a capability ledger over the configured secret.
// Token commands refuse to run without a stable secret: tokens signed
// with an ephemeral one could never be verified by another process.
func openLedger(cfg *config.Config) (*capability.Ledger, error) {
	envVar := cfg.Capability.SecretEnv
	if envVar == "" {
		envVar = capability.SecretEnvVar
	}
	if os.Getenv(envVar) == "" {
		return nil, fmt.Errorf("%s is not set; token commands need a stable signing secret", envVar)
	}
	secret, err := capability.SecretFromEnvVar(envVar, true)
	if err != nil {
		return nil, err
	}
	return capability.NewLedger(capability.Config{Secret: secret})
}
