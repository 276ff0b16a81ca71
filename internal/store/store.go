package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoauth/internal/config"
)

// Keys persisted by the credential store.
const (
	KeyIdentity               = "identity"
	KeySecret                 = "secret"
	KeyAutomationEnabled      = "automationEnabled"
	KeyAutoConfirmDeviceTrust = "autoConfirmDeviceTrust"
	KeyFirstRun               = "firstRun"
)

// AllKeys lists every key the application reads.
var AllKeys = []string{KeyIdentity, KeySecret, KeyAutomationEnabled, KeyAutoConfirmDeviceTrust, KeyFirstRun}

// KV is the credential store contract: batched get, set and remove of string values.
// Writes are last-write-wins. Get omits keys that are not stored.
type KV interface {
	Get(ctx context.Context, keys ...string) (map[string]string, error)
	Set(ctx context.Context, values map[string]string) error
	Remove(ctx context.Context, keys ...string) error
	Close() error
}

// Credentials is the user's stored login material and preferences.
type Credentials struct {
	Identity               string
	Secret                 string
	AutomationEnabled      bool
	AutoConfirmDeviceTrust bool
	FirstRun               bool
}

// Configured reports whether both halves of the login are present.
func (c Credentials) Configured() bool {
	return c.Identity != "" && c.Secret != ""
}

// Status summarizes the credentials the way the status command shows them.
func (c Credentials) Status() string {
	switch {
	case !c.Configured():
		return "Credentials not configured"
	case !c.AutomationEnabled:
		return "Auto-login disabled"
	default:
		return "Ready to auto-login"
	}
}

// Load reads the credentials. Absent flags default to enabled, an absent firstRun
// marker means setup has not completed.
func Load(ctx context.Context, kv KV) (Credentials, error) {
	values, err := kv.Get(ctx, AllKeys...)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to load credentials: %w", err)
	}
	return Credentials{
		Identity:               values[KeyIdentity],
		Secret:                 values[KeySecret],
		AutomationEnabled:      parseFlag(values, KeyAutomationEnabled, true),
		AutoConfirmDeviceTrust: parseFlag(values, KeyAutoConfirmDeviceTrust, true),
		FirstRun:               parseFlag(values, KeyFirstRun, true),
	}, nil
}

func parseFlag(values map[string]string, key string, def bool) bool {
	raw, ok := values[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

// SaveCredentials stores identity and secret and marks setup complete.
func SaveCredentials(ctx context.Context, kv KV, identity, secret string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" || secret == "" {
		return fmt.Errorf("identity and secret are both required")
	}
	return kv.Set(ctx, map[string]string{
		KeyIdentity: identity,
		KeySecret:   secret,
		KeyFirstRun: "false",
	})
}

// Settings is a partial update of the preference flags; nil fields are left alone.
type Settings struct {
	AutomationEnabled      *bool
	AutoConfirmDeviceTrust *bool
}

// SaveSettings writes the non-nil flags.
func SaveSettings(ctx context.Context, kv KV, s Settings) error {
	values := make(map[string]string, 2)
	if s.AutomationEnabled != nil {
		values[KeyAutomationEnabled] = strconv.FormatBool(*s.AutomationEnabled)
	}
	if s.AutoConfirmDeviceTrust != nil {
		values[KeyAutoConfirmDeviceTrust] = strconv.FormatBool(*s.AutoConfirmDeviceTrust)
	}
	if len(values) == 0 {
		return nil
	}
	return kv.Set(ctx, values)
}

// ClearCredentials forgets identity and secret. Preferences survive.
func ClearCredentials(ctx context.Context, kv KV) error {
	return kv.Remove(ctx, KeyIdentity, KeySecret)
}

// InitDefaults writes the first-install values for any flag not yet stored.
func InitDefaults(ctx context.Context, kv KV) error {
	existing, err := kv.Get(ctx, KeyAutomationEnabled, KeyAutoConfirmDeviceTrust, KeyFirstRun)
	if err != nil {
		return err
	}
	defaults := map[string]string{
		KeyAutomationEnabled:      "true",
		KeyAutoConfirmDeviceTrust: "true",
		KeyFirstRun:               "true",
	}
	missing := make(map[string]string)
	for k, v := range defaults {
		if _, ok := existing[k]; !ok {
			missing[k] = v
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return kv.Set(ctx, missing)
}

// Open constructs the backend selected by configuration.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (KV, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		path, err := homedir.Expand(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand store path: %w", err)
		}
		return NewSQLite(ctx, path, logger)
	case "postgres":
		return OpenPostgres(ctx, cfg.PostgresURL, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
