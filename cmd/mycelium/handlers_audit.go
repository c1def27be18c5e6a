package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Shin0205go/mycelium-sub001/internal/audit"
)

// =============================================================================
// Audit Command Handlers
// =============================================================================

type auditExportOptions struct {
	Input  string
	Output string
	Format string
	Result string
	Role   string
	Tool   string
	Server string
	Since  string
	Limit  int
}

// runAuditExport handles the audit export command.
func runAuditExport(cmd *cobra.Command, opts auditExportOptions) error {
	f, err := os.Open(opts.Input)
	if err != nil {
		return err
	}
	defer f.Close()

	entries, err := audit.ReadJSONL(f)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", opts.Input, err)
	}

	// Replay the file into a ring so the export paths and their query
	// semantics match what a live gateway produces.
	rec := audit.NewRecorder(audit.Config{Size: len(entries)})
	for _, e := range entries {
		rec.Record(e)
	}

	since, err := parseSince(opts.Since)
	if err != nil {
		return err
	}
	q := audit.Query{
		Result: audit.Result(opts.Result),
		Role:   opts.Role,
		Tool:   opts.Tool,
		Server: opts.Server,
		Since:  since,
		Limit:  opts.Limit,
	}

	var w io.Writer = cmd.OutOrStdout()
	if opts.Output != "" {
		out, err := os.Create(opts.Output)
		if err != nil {
			return err
		}
		defer out.Close()
		w = out
	}

	switch opts.Format {
	case "json":
		return rec.ExportJSON(w, q)
	case "csv":
		return rec.ExportCSV(w, q)
	case "thinking":
		return rec.ExportThinkingReport(w, q)
	default:
		return fmt.Errorf("unknown format %q: want json, csv, or thinking", opts.Format)
	}
}

// parseSince accepts a relative duration ("24h") or an RFC3339 timestamp.
func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("since must be a duration (24h) or an RFC3339 time: %q", s)
	}
	return t, nil
}
