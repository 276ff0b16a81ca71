// File: cmd/status.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/autoauth/internal/config"
	"github.com/xkilldash9x/autoauth/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Reports whether auto-login is ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, kv store.KV) error {
				creds, err := store.Load(ctx, kv)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, creds.Status())
				if creds.Configured() {
					fmt.Fprintf(out, "Identity:             %s\n", creds.Identity)
				}
				printSettings(out, creds)
				return nil
			})
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forgets the stored identity and secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, kv store.KV) error {
				if err := store.ClearCredentials(ctx, kv); err != nil {
					return fmt.Errorf("failed to clear credentials: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Credentials cleared.")
				return nil
			})
		},
	}
}
