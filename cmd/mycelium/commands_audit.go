package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Audit Commands
// =============================================================================

// buildAuditCmd creates the "audit" command group.
func buildAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Work with recorded audit entries",
		Long: `Work with audit entries recorded by a gateway.

Set audit.file in the configuration to make the gateway append every
access decision as one JSON object per line; these commands read that
file.`,
	}
	cmd.AddCommand(buildAuditExportCmd())
	return cmd
}

func buildAuditExportCmd() *cobra.Command {
	var (
		input  string
		output string
		format string
		result string
		role   string
		tool   string
		server string
		since  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit entries as JSON, CSV, or a thinking report",
		Long: `Export audit entries from a JSON-lines file.

Formats:
  json      a JSON array of entries
  csv       one row per entry, fixed columns
  thinking  a report over entries carrying reasoning signatures`,
		Example: `  # Everything, as CSV
  mycelium audit export --input audit.jsonl --format csv

  # Denials for one role in the last day
  mycelium audit export -i audit.jsonl --result denied --role intern --since 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditExport(cmd, auditExportOptions{
				Input:  input,
				Output: output,
				Format: format,
				Result: result,
				Role:   role,
				Tool:   tool,
				Server: server,
				Since:  since,
				Limit:  limit,
			})
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Audit JSON-lines file to read (required)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to a file instead of stdout")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "Export format: json, csv, or thinking")
	cmd.Flags().StringVar(&result, "result", "", "Keep only entries with this result (allowed, denied, error)")
	cmd.Flags().StringVar(&role, "role", "", "Keep only entries for this role")
	cmd.Flags().StringVar(&tool, "tool", "", "Keep only entries for this tool")
	cmd.Flags().StringVar(&server, "server", "", "Keep only entries for this server")
	cmd.Flags().StringVar(&since, "since", "", "Keep only entries newer than a duration (24h) or RFC3339 time")
	cmd.Flags().IntVar(&limit, "limit", 0, "Keep only the most recent N matches")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}
