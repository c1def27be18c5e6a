package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Roles Commands
// =============================================================================

// buildRolesCmd creates the "roles" command group.
func buildRolesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Inspect the compiled role table",
		Long: `Inspect the role table compiled from the skill manifest.

Roles are not authored directly; they come into existence through the
skills that name them in allowed_roles, refined by role declarations
(inheritance, server allow lists, deny patterns).`,
	}
	cmd.AddCommand(
		buildRolesListCmd(),
		buildRolesShowCmd(),
	)
	return cmd
}

func buildRolesListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List compiled roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRolesList(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildRolesShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a role's effective grants",
		Long: `Show one role with inheritance applied: the skills that formed it,
its effective tool patterns, server access, and memory grant.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRolesShow(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}
