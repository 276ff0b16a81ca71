// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoauth/internal/config"
	"github.com/xkilldash9x/autoauth/internal/observability"
	"github.com/xkilldash9x/autoauth/internal/store"
)

type ctxKey int

const configKey ctxKey = iota

// flagKeys maps command flags onto the configuration keys they override.
var flagKeys = map[string]string{
	"headless":   "browser.headless",
	"remote-url": "browser.remote_url",
	"timeout":    "flow.session_timeout",
	"store":      "store.backend",
	"store-path": "store.path",
}

// openStore is swapped out in tests.
var openStore = store.Open

// NewRootCommand builds a fresh command tree. Each call is independent, so tests and
// repeated invocations never share flag state.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "autoauth",
		Short:         "autoauth signs you in to the campus login flow.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "autoauth"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting autoauth", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml or ~/.autoauth/config.yaml)")
	root.PersistentFlags().String("store", "", "credential store backend: sqlite, postgres or memory")
	root.PersistentFlags().String("store-path", "", "path of the sqlite credential store")
	root.SetVersionTemplate(`{{printf "autoauth version %s\n" .Version}}`)

	root.AddCommand(
		newLoginCmd(),
		newSetupCmd(),
		newSettingsCmd(),
		newStatusCmd(),
		newResetCmd(),
	)
	return root
}

// Execute runs the command tree against os.Args.
func Execute(ctx context.Context) error {
	root := NewRootCommand()
	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	}
	observability.Sync()
	return err
}

// initializeConfig reads in the config file, environment variables and bound flags.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Expand("~/.autoauth"); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("AUTOAUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// configFrom returns the configuration PersistentPreRunE stored on the command.
func configFrom(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// withStore opens the configured credential store, seeds its defaults and hands it to fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, kv store.KV) error) error {
	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	kv, err := openStore(ctx, cfg.Store, observability.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			observability.GetLogger().Warn("Failed to close credential store.", zap.Error(err))
		}
	}()
	if err := store.InitDefaults(ctx, kv); err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}
	return fn(ctx, cfg, kv)
}
