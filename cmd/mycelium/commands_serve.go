package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the gateway on stdio.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway on stdio",
		Long: `Run the MCP gateway on stdin/stdout.

The gateway will:
1. Load configuration (file, MYCELIUM_CONFIG, or built-in defaults)
2. Load the skills directory and compile the role table
3. Spawn the configured backend servers and import OpenAPI adapters
4. Serve MCP to the client on stdio until the stream closes

All logging goes to stderr or a file: stdout carries the protocol
stream. Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Serve with defaults (./skills, no backends)
  mycelium serve

  # Serve with a config file
  mycelium serve --config mycelium.yaml

  # Serve with debug logging
  mycelium serve --config mycelium.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (YAML or JSON5)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}
