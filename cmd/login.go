// File: cmd/login.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoauth/internal/browser"
	"github.com/xkilldash9x/autoauth/internal/config"
	"github.com/xkilldash9x/autoauth/internal/flow"
	"github.com/xkilldash9x/autoauth/internal/observability"
	"github.com/xkilldash9x/autoauth/internal/overlay"
	"github.com/xkilldash9x/autoauth/internal/progress"
	"github.com/xkilldash9x/autoauth/internal/store"
)

var (
	errNotConfigured = errors.New("credentials not configured, run `autoauth setup` first")
	errDisabled      = errors.New("auto-login is disabled, run `autoauth settings --enabled=true` to turn it back on")
)

const shutdownGrace = 10 * time.Second

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login [url]",
		Short: "Opens a browser and walks through the login flow",
		Long: `Opens a browser tab at the login page (or the given url) and fills the
identity and secret, presses the second-factor prompt and confirms device trust.
Passkey and security key challenges are left to you.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loginURL := ""
			if len(args) == 1 {
				loginURL = args[0]
			}
			return withStore(cmd, func(ctx context.Context, cfg *config.Config, kv store.KV) error {
				if err := runLogin(ctx, cfg, kv, loginURL, cmd.ErrOrStderr()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Signed in.")
				return nil
			})
		},
	}

	cmd.Flags().Bool("headless", false, "run the browser without a window")
	cmd.Flags().String("remote-url", "", "attach to a running browser's DevTools websocket instead of launching one")
	cmd.Flags().Duration("timeout", 0, "give up when the flow has not finished after this long")
	return cmd
}

// runLogin drives one login session. Credentials are checked up front so a
// misconfigured install never launches a browser.
func runLogin(ctx context.Context, cfg *config.Config, kv store.KV, loginURL string, status io.Writer) error {
	logger := observability.GetLogger()

	creds, err := store.Load(ctx, kv)
	if err != nil {
		return err
	}
	switch {
	case !creds.Configured():
		return errNotConfigured
	case !creds.AutomationEnabled:
		return errDisabled
	}

	mgr, err := browser.NewManager(ctx, cfg.Browser, logger)
	if err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Browser shutdown incomplete.", zap.Error(err))
		}
	}()

	tab, err := mgr.NewTab(ctx)
	if err != nil {
		return fmt.Errorf("failed to open tab: %w", err)
	}
	defer tab.Close()

	drivers := overlay.Multi{overlay.NewTerminal(status)}
	if cfg.Browser.Overlay {
		drivers = append(drivers, overlay.NewPage(ctx, tab.Page(), cfg.Browser.ActionTimeout, logger))
	}
	tracker := progress.NewTracker(progress.NewMemorySessionStore(), drivers, cfg.Timing.GraceDelay, logger)

	engine := flow.NewEngine(cfg, flow.BrowserTab{Tab: tab}, tracker, kv, logger)
	return engine.Run(ctx, loginURL)
}
