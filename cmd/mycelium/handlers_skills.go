package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// =============================================================================
// Skills Command Handlers
// =============================================================================

// runSkillsList handles the skills list command.
func runSkillsList(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	m, err := loadManifest(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(m.Skills) == 0 {
		fmt.Fprintf(out, "No skills found in %s.\n", cfg.Skills.Dir)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLES\tTOOLS\tMEMORY")
	for _, s := range m.Skills {
		mem := "-"
		if s.Grants != nil && s.Grants.Memory != "" {
			mem = string(s.Grants.Memory)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			s.ID, strings.Join(s.AllowedRoles, ","), len(s.AllowedTools), mem)
	}
	return w.Flush()
}

// runSkillsShow handles the skills show command.
func runSkillsShow(cmd *cobra.Command, configPath, skillID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	m, err := loadManifest(cfg)
	if err != nil {
		return err
	}

	for _, s := range m.Skills {
		if s.ID != skillID {
			continue
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Skill: %s\n", s.ID)
		if s.Name != "" {
			fmt.Fprintf(out, "Name: %s\n", s.Name)
		}
		if s.Description != "" {
			fmt.Fprintf(out, "Description: %s\n", s.Description)
		}
		fmt.Fprintf(out, "Roles: %s\n", strings.Join(s.AllowedRoles, ", "))

		if len(s.AllowedTools) > 0 {
			fmt.Fprintln(out, "\nTool patterns:")
			for _, p := range s.AllowedTools {
				fmt.Fprintf(out, "  %s\n", p)
			}
		}

		if s.Grants != nil {
			fmt.Fprintln(out, "\nGrants:")
			fmt.Fprintf(out, "  Memory: %s\n", s.Grants.Memory)
			if len(s.Grants.MemoryTeamRoles) > 0 {
				fmt.Fprintf(out, "  Team roles: %s\n", strings.Join(s.Grants.MemoryTeamRoles, ", "))
			}
		}

		if s.Identity != nil {
			if len(s.Identity.TrustedPrefixes) > 0 {
				fmt.Fprintf(out, "\nTrusted prefixes: %s\n", strings.Join(s.Identity.TrustedPrefixes, ", "))
			}
			if len(s.Identity.SkillMatching) > 0 {
				fmt.Fprintln(out, "\nIdentity rules:")
				for _, r := range s.Identity.SkillMatching {
					desc := r.Description
					if desc == "" {
						desc = fmt.Sprintf("required=%v any=%v", r.RequiredSkills, r.AnySkills)
					}
					fmt.Fprintf(out, "  -> %s (priority %d): %s\n", r.Role, r.Priority, desc)
				}
			}
		}

		if s.SystemInstruction != "" {
			fmt.Fprintf(out, "\nSystem instruction:\n  %s\n", s.SystemInstruction)
		}
		return nil
	}

	return fmt.Errorf("skill not found: %s", skillID)
}
