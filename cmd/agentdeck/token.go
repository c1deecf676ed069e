package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/agentdeck/internal/config"
	"github.com/szaher/agentdeck/internal/telemetry"
	"github.com/szaher/agentdeck/internal/token"
)

// newTokenCmd manages deployment tokens directly against storage, for
// operators working outside the HTTP API. The server picks up external
// changes on restart; prefer the API against a live server.
func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage deployment tokens",
	}

	cmd.AddCommand(newTokenIssueCmd())
	cmd.AddCommand(newTokenRevokeCmd())
	cmd.AddCommand(newTokenStatusCmd())

	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "issue <agent-id>",
		Short: "Issue a deployment token, revoking any existing one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAuthority(cmd.Context(), func(ctx context.Context, a *token.Authority) error {
				tok, err := a.Issue(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("token:      %s\n", tok.Value)
				fmt.Printf("expires_at: %s\n", tok.ExpiresAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func newTokenRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <agent-id>",
		Short: "Revoke the agent's active deployment token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAuthority(cmd.Context(), func(ctx context.Context, a *token.Authority) error {
				if err := a.Revoke(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked")
				return nil
			})
		},
	}
}

func newTokenStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <agent-id>",
		Short: "Show the agent's deployment status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAuthority(cmd.Context(), func(ctx context.Context, a *token.Authority) error {
				tok := a.Active(args[0])
				if tok == nil {
					fmt.Println("not deployed")
					return nil
				}
				fmt.Printf("deployed\n")
				fmt.Printf("issued_at:  %s\n", tok.IssuedAt.Format(time.RFC3339))
				fmt.Printf("expires_at: %s\n", tok.ExpiresAt.Format(time.RFC3339))
				if time.Now().After(tok.ExpiresAt) {
					fmt.Println("warning: token has expired; issue a new one")
				}
				return nil
			})
		},
	}
}

func withAuthority(ctx context.Context, fn func(context.Context, *token.Authority) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger(os.Stderr, telemetry.ParseLevel("warn"))

	backend, cleanup, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	authority := token.NewAuthority(backend, cfg.TokenTTL, token.WithLogger(logger))
	if err := authority.Load(ctx); err != nil {
		return err
	}
	return fn(ctx, authority)
}
