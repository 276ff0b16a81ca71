// File: cmd/settings.go
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/autoauth/internal/config"
	"github.com/xkilldash9x/autoauth/internal/store"
)

func newSettingsCmd() *cobra.Command {
	var enabled, autoTrust bool

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Shows or changes the auto-login preferences",
		Long: `Without flags, prints the current preferences. With --enabled or --auto-trust,
updates only the flags given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var s store.Settings
			if cmd.Flags().Changed("enabled") {
				s.AutomationEnabled = &enabled
			}
			if cmd.Flags().Changed("auto-trust") {
				s.AutoConfirmDeviceTrust = &autoTrust
			}

			return withStore(cmd, func(ctx context.Context, _ *config.Config, kv store.KV) error {
				if err := store.SaveSettings(ctx, kv, s); err != nil {
					return fmt.Errorf("failed to save settings: %w", err)
				}
				creds, err := store.Load(ctx, kv)
				if err != nil {
					return err
				}
				printSettings(cmd.OutOrStdout(), creds)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&enabled, "enabled", true, "run the login automation")
	cmd.Flags().BoolVar(&autoTrust, "auto-trust", true, "answer the device trust prompt automatically")
	return cmd
}

func printSettings(w io.Writer, c store.Credentials) {
	fmt.Fprintf(w, "Auto-login:           %s\n", onOff(c.AutomationEnabled))
	fmt.Fprintf(w, "Confirm device trust: %s\n", onOff(c.AutoConfirmDeviceTrust))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
