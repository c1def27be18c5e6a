package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Skills Commands
// =============================================================================

// buildSkillsCmd creates the "skills" command group.
func buildSkillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect the skill manifest",
		Long: `Inspect the skills the gateway would load.

Skills are read from the configured skills directory: standalone YAML/JSON
documents, SKILL.md files with frontmatter (one directory per skill), and
whole-manifest documents with a "skills:" list.`,
	}
	cmd.AddCommand(
		buildSkillsListCmd(),
		buildSkillsShowCmd(),
	)
	return cmd
}

func buildSkillsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsList(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildSkillsShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show skill details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsShow(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}
