package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Shin0205go/mycelium-sub001/internal/capability"
)

// =============================================================================
// Token Command Handlers
// =============================================================================

type tokenIssueOptions struct {
	ConfigPath    string
	Subject       string
	Scope         string
	Issuer        string
	TTL           string
	MaxUses       int
	NoAttenuation bool
	Task          string
	Tools         []string
	Servers       []string
	Quiet         bool
}

// runTokenIssue handles the token issue command.
func runTokenIssue(cmd *cobra.Command, opts tokenIssueOptions) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}

	scope, err := capability.ParseScope(opts.Scope)
	if err != nil {
		return err
	}
	ttl := cfg.Capability.TTL.Std()
	if opts.TTL != "" {
		ttl, err = time.ParseDuration(opts.TTL)
		if err != nil {
			return fmt.Errorf("invalid ttl: %w", err)
		}
	}

	token, payload, err := ledger.Issue(capability.Declaration{
		Issuer:        opts.Issuer,
		Subject:       opts.Subject,
		Scope:         scope,
		ExpiresIn:     ttl,
		MaxUses:       opts.MaxUses,
		NoAttenuation: opts.NoAttenuation,
		Context:       buildTokenContext(opts.Task, opts.Tools, opts.Servers),
	})
	if err != nil {
		return err
	}

	printToken(cmd, token, payload, opts.Quiet)
	return nil
}

// runTokenVerify handles the token verify command.
func runTokenVerify(cmd *cobra.Command, configPath, token, scope, task, tool, server string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}

	var required *capability.Scope
	if scope != "" {
		sc, err := capability.ParseScope(scope)
		if err != nil {
			return err
		}
		required = &sc
	}

	var payload capability.Payload
	if task != "" || tool != "" || server != "" {
		payload, err = ledger.VerifyWithContext(token, required, capability.CallContext{
			TaskID: task,
			Tool:   tool,
			Server: server,
		})
	} else {
		payload, err = ledger.Verify(token, required)
	}
	if err != nil {
		return fmt.Errorf("token is not valid: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Token is valid.")
	printPayload(cmd, payload)
	return nil
}

type tokenAttenuateOptions struct {
	ConfigPath string
	Parent     string
	Scope      string
	TTL        string
	MaxUses    int
	Task       string
	Tools      []string
	Servers    []string
	Quiet      bool
}

// runTokenAttenuate handles the token attenuate command.
func runTokenAttenuate(cmd *cobra.Command, opts tokenAttenuateOptions) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}

	scope, err := capability.ParseScope(opts.Scope)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if opts.TTL != "" {
		ttl, err = time.ParseDuration(opts.TTL)
		if err != nil {
			return fmt.Errorf("invalid ttl: %w", err)
		}
	}

	token, payload, err := ledger.Attenuate(opts.Parent, capability.AttenuateRequest{
		Scope:     scope,
		ExpiresIn: ttl,
		MaxUses:   opts.MaxUses,
		Context:   buildTokenContext(opts.Task, opts.Tools, opts.Servers),
	})
	if err != nil {
		return err
	}

	printToken(cmd, token, payload, opts.Quiet)
	return nil
}

func buildTokenContext(task string, tools, servers []string) *capability.Context {
	if task == "" && len(tools) == 0 && len(servers) == 0 {
		return nil
	}
	return &capability.Context{TaskID: task, Tools: tools, Servers: servers}
}

func printToken(cmd *cobra.Command, token string, payload capability.Payload, quiet bool) {
	out := cmd.OutOrStdout()
	if quiet {
		fmt.Fprintln(out, token)
		return
	}
	fmt.Fprintln(out, token)
	fmt.Fprintln(out)
	printPayload(cmd, payload)
}

func printPayload(cmd *cobra.Command, p capability.Payload) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "JTI: %s\n", p.JTI)
	fmt.Fprintf(out, "Subject: %s (issued by %s)\n", p.Subject, p.Issuer)
	fmt.Fprintf(out, "Scope: %s\n", p.Scope)
	fmt.Fprintf(out, "Expires: %s\n", time.Unix(p.ExpiresAt, 0).Format(time.RFC3339))
	if p.UsesLeft != nil {
		fmt.Fprintf(out, "Uses: %d\n", *p.UsesLeft)
	}
	if p.ParentJTI != "" {
		fmt.Fprintf(out, "Parent: %s\n", p.ParentJTI)
	}
	if !p.AttenuationAllowed {
		fmt.Fprintln(out, "Attenuation: forbidden")
	}
	if c := p.Context; c != nil {
		if c.TaskID != "" {
			fmt.Fprintf(out, "Task: %s\n", c.TaskID)
		}
		if len(c.Tools) > 0 {
			fmt.Fprintf(out, "Tools: %v\n", c.Tools)
		}
		if len(c.Servers) > 0 {
			fmt.Fprintf(out, "Servers: %v\n", c.Servers)
		}
	}
}
