package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Token Commands
// =============================================================================

// buildTokenCmd creates the "token" command group.
func buildTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue, verify, and attenuate capability tokens",
		Long: `Operate the capability ledger from the command line.

Tokens are HMAC-signed grants a client attaches to tool calls via
_meta.capabilityToken. The signing secret comes from the environment
variable named by capability.secret_env (MYCELIUM_CAPABILITY_SECRET by
default) and must match the serving gateway's.`,
	}
	cmd.AddCommand(
		buildTokenIssueCmd(),
		buildTokenVerifyCmd(),
		buildTokenAttenuateCmd(),
	)
	return cmd
}

func buildTokenIssueCmd() *cobra.Command {
	var (
		configPath    string
		subject       string
		scope         string
		issuer        string
		ttl           string
		maxUses       int
		noAttenuation bool
		task          string
		toolList      []string
		serverList    []string
		quiet         bool
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a signed capability token",
		Example: `  # Five read calls against the db server, valid 10 minutes
  mycelium token issue --subject agent-1 --scope db:read-only \
    --ttl 10m --max-uses 5 --servers db

  # A token bound to one task that cannot be narrowed further
  mycelium token issue --subject runner --scope exec:write \
    --task task-42 --no-attenuation`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenIssue(cmd, tokenIssueOptions{
				ConfigPath:    configPath,
				Subject:       subject,
				Scope:         scope,
				Issuer:        issuer,
				TTL:           ttl,
				MaxUses:       maxUses,
				NoAttenuation: noAttenuation,
				Task:          task,
				Tools:         toolList,
				Servers:       serverList,
				Quiet:         quiet,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject, typically the agent name (required)")
	cmd.Flags().StringVar(&scope, "scope", "", "Scope as type:level, e.g. db:read-only (required)")
	cmd.Flags().StringVar(&issuer, "issuer", "mycelium-cli", "Token issuer")
	cmd.Flags().StringVar(&ttl, "ttl", "", "Token lifetime (default: capability.ttl from config)")
	cmd.Flags().IntVar(&maxUses, "max-uses", 0, "Use budget; 0 means unlimited")
	cmd.Flags().BoolVar(&noAttenuation, "no-attenuation", false, "Forbid narrowing this token into child tokens")
	cmd.Flags().StringVar(&task, "task", "", "Bind the token to one task ID")
	cmd.Flags().StringSliceVar(&toolList, "tools", nil, "Restrict the token to these qualified tool names")
	cmd.Flags().StringSliceVar(&serverList, "servers", nil, "Restrict the token to these server IDs")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print only the token")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("scope")

	return cmd
}

func buildTokenVerifyCmd() *cobra.Command {
	var (
		configPath string
		scope      string
		task       string
		tool       string
		server     string
	)

	cmd := &cobra.Command{
		Use:   "verify [token]",
		Short: "Verify a token's signature, lifetime, and scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenVerify(cmd, configPath, args[0], scope, task, tool, server)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&scope, "scope", "", "Require the token to cover this type:level scope")
	cmd.Flags().StringVar(&task, "task", "", "Check the token against this task ID")
	cmd.Flags().StringVar(&tool, "tool", "", "Check the token against this qualified tool name")
	cmd.Flags().StringVar(&server, "server", "", "Check the token against this server ID")

	return cmd
}

func buildTokenAttenuateCmd() *cobra.Command {
	var (
		configPath string
		scope      string
		ttl        string
		maxUses    int
		task       string
		toolList   []string
		serverList []string
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "attenuate [token]",
		Short: "Narrow a token into a weaker child token",
		Long: `Mint a child token from a parent. The child's scope must be covered
by the parent's, its lifetime is clamped to the parent's remaining life,
and its context can only tighten.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenAttenuate(cmd, tokenAttenuateOptions{
				ConfigPath: configPath,
				Parent:     args[0],
				Scope:      scope,
				TTL:        ttl,
				MaxUses:    maxUses,
				Task:       task,
				Tools:      toolList,
				Servers:    serverList,
				Quiet:      quiet,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&scope, "scope", "", "Child scope as type:level (required)")
	cmd.Flags().StringVar(&ttl, "ttl", "", "Child lifetime; clamped to the parent's remaining life")
	cmd.Flags().IntVar(&maxUses, "max-uses", 0, "Child use budget; 0 inherits the parent's remaining uses")
	cmd.Flags().StringVar(&task, "task", "", "Bind the child to one task ID")
	cmd.Flags().StringSliceVar(&toolList, "tools", nil, "Restrict the child to these qualified tool names")
	cmd.Flags().StringSliceVar(&serverList, "servers", nil, "Restrict the child to these server IDs")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print only the token")
	_ = cmd.MarkFlagRequired("scope")

	return cmd
}
