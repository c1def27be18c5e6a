package main

import (
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Shin0205go/mycelium-sub001/internal/roles"
)

// =============================================================================
// Roles Command Handlers
// =============================================================================

// runRolesList handles the roles list command.
func runRolesList(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	m, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	table := roles.Compile(m, slog.Default())

	out := cmd.OutOrStdout()
	ids := table.IDs()
	if len(ids) == 0 {
		fmt.Fprintf(out, "No roles defined. Add skills to %s to create some.\n", cfg.Skills.Dir)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tSKILLS\tSERVERS\tTOOL PATTERNS\tMEMORY")
	for _, id := range ids {
		servers, _ := table.EffectiveServers(id)
		allow, _, _ := table.EffectiveToolPatterns(id)
		mem, _, _ := table.EffectiveMemory(id)
		r, _ := table.Get(id)
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n",
			id, len(r.Skills), joinOrDash(servers), len(allow), mem)
	}
	return w.Flush()
}

// runRolesShow handles the roles show command.
func runRolesShow(cmd *cobra.Command, configPath, roleID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	m, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	table := roles.Compile(m, slog.Default())

	r, ok := table.Get(roleID)
	if !ok {
		return fmt.Errorf("role not found: %s (known: %s)", roleID, strings.Join(table.IDs(), ", "))
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Role: %s\n", r.ID)
	if r.Inherits != "" {
		fmt.Fprintf(out, "Inherits: %s\n", r.Inherits)
	}
	if len(r.Skills) > 0 {
		fmt.Fprintf(out, "Skills: %s\n", strings.Join(r.Skills, ", "))
	}

	servers, _ := table.EffectiveServers(roleID)
	fmt.Fprintf(out, "Servers: %s\n", joinOrDash(servers))

	allow, deny, _ := table.EffectiveToolPatterns(roleID)
	if len(allow) > 0 {
		fmt.Fprintln(out, "\nAllowed tool patterns:")
		for _, p := range allow {
			fmt.Fprintf(out, "  %s\n", p)
		}
	}
	if len(deny) > 0 {
		fmt.Fprintln(out, "\nDenied tool patterns:")
		for _, p := range deny {
			fmt.Fprintf(out, "  %s\n", p)
		}
	}

	mem, teams, _ := table.EffectiveMemory(roleID)
	fmt.Fprintf(out, "\nMemory: %s\n", mem)
	if len(teams) > 0 {
		fmt.Fprintf(out, "Team roles: %s\n", strings.Join(teams, ", "))
	}

	if instr, _ := table.EffectiveInstruction(roleID); instr != "" {
		fmt.Fprintf(out, "\nSystem instruction:\n  %s\n", strings.ReplaceAll(instr, "\n", "\n  "))
	}
	return nil
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
