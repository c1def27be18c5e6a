// Package main provides the CLI entry point for the Mycelium MCP gateway.
//
// Mycelium sits between an AI agent and its MCP tool servers. Skills grant
// tools to roles; the agent only sees the tools its current role allows,
// and every call passes access, quota, and capability checks before it is
// dispatched upstream.
//
// # Basic Usage
//
// Run the gateway on stdio:
//
//	mycelium serve --config mycelium.yaml
//
// Inspect the skill manifest and the compiled role table:
//
//	mycelium skills list
//	mycelium roles show reviewer
//
// Work with capability tokens:
//
//	mycelium token issue --subject agent-1 --scope db:read-only --max-uses 5
//
// # Environment Variables
//
//   - MYCELIUM_CONFIG: path to the configuration file
//   - MYCELIUM_SKILLS_DIR: overrides the skills directory
//   - MYCELIUM_ASSIGNED_IDENTITY: pins every session to one identity
//   - MYCELIUM_LOG_LEVEL: overrides the configured log level
//   - MYCELIUM_CAPABILITY_SECRET: HMAC secret for capability tokens
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A .env in the working directory is a convenience for local runs.
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mycelium",
		Short: "Mycelium - capability-scoped MCP gateway",
		Long: `Mycelium is an MCP gateway that sits between an AI agent and its tool
servers. Skills grant tools to roles; the agent only ever sees the tools
its current role allows, and every call passes access, quota, and
capability checks before it is dispatched upstream.

The gateway speaks MCP over stdio: point your agent's MCP client at
"mycelium serve" and declare backends in the configuration file.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSkillsCmd(),
		buildRolesCmd(),
		buildAuditCmd(),
		buildTokenCmd(),
	)
	return rootCmd
}
