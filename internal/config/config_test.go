// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "autoauth", cfg.Logger.ServiceName)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 20, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 1500*time.Millisecond, cfg.Scheduler.Interval)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.MaxDuration)
	assert.Equal(t, []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond}, cfg.Injector.Ladder)
	assert.Equal(t, 2*time.Second, cfg.Timing.GraceDelay)
	assert.Equal(t, `input[name="identifier"]`, cfg.Rules.IdentityField)
	assert.Contains(t, cfg.Flow.Hosts, "duosecurity.com")

	require.NoError(t, cfg.Validate(), "defaults must always validate")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "unknown store backend",
			mutate:  func(c *Config) { c.Store.Backend = "redis" },
			wantErr: "store.backend must be one of",
		},
		{
			name:    "postgres without url",
			mutate:  func(c *Config) { c.Store.Backend = "postgres" },
			wantErr: "store.postgres_url is required",
		},
		{
			name:    "sqlite without path",
			mutate:  func(c *Config) { c.Store.Path = "" },
			wantErr: "store.path is required",
		},
		{
			name:    "no flow hosts",
			mutate:  func(c *Config) { c.Flow.Hosts = nil },
			wantErr: "flow.hosts",
		},
		{
			name:    "missing attempt ceiling",
			mutate:  func(c *Config) { c.Scheduler.MaxAttempts = 0 },
			wantErr: "max_attempts",
		},
		{
			name:    "missing wall clock ceiling",
			mutate:  func(c *Config) { c.FrameScheduler.MaxDuration = 0 },
			wantErr: "frame_scheduler configuration invalid",
		},
		{
			name:    "decreasing ladder",
			mutate:  func(c *Config) { c.Injector.Ladder = []time.Duration{0, 200 * time.Millisecond, 100 * time.Millisecond} },
			wantErr: "non-decreasing",
		},
		{
			name:    "empty ladder",
			mutate:  func(c *Config) { c.Injector.Ladder = nil },
			wantErr: "at least one rung",
		},
		{
			name:    "relay without rate",
			mutate:  func(c *Config) { c.Relay.RatePerSecond = 0 },
			wantErr: "relay.rate_per_second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("memory backend needs nothing else", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Store.Backend = "memory"
		cfg.Store.Path = ""
		assert.NoError(t, cfg.Validate())
	})
}

// -- Viper Integration Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("yaml overrides defaults", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		yaml := []byte(`
scheduler:
  max_attempts: 5
  interval: 250ms
browser:
  headless: true
store:
  backend: memory
injector:
  ladder: ["0s", "50ms"]
`)
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yaml)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Scheduler.MaxAttempts)
		assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.Interval)
		assert.True(t, cfg.Browser.Headless)
		assert.Equal(t, "memory", cfg.Store.Backend)
		assert.Equal(t, []time.Duration{0, 50 * time.Millisecond}, cfg.Injector.Ladder)
		// Untouched sections keep their defaults.
		assert.Equal(t, 30*time.Second, cfg.Scheduler.MaxDuration)
	})

	t.Run("postgres url comes from the environment", func(t *testing.T) {
		t.Setenv("AUTOAUTH_STORE_POSTGRES_URL", "postgres://u:p@localhost/autoauth")
		v := viper.New()
		SetDefaults(v)
		v.Set("store.backend", "postgres")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "postgres://u:p@localhost/autoauth", cfg.Store.PostgresURL)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("scheduler.max_attempts", 0)

		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}

// -- Host Matching --

func TestHostMatches(t *testing.T) {
	patterns := []string{"okta.uchicago.edu", "duosecurity.com"}
	tests := []struct {
		host string
		want bool
	}{
		{"okta.uchicago.edu", true},
		{"OKTA.uchicago.edu.", true},
		{"api-1.duosecurity.com", true},
		{"duosecurity.com", true},
		{"evilduosecurity.com", false},
		{"uchicago.edu", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, HostMatches(tt.host, patterns))
		})
	}

	f := FlowConfig{Hosts: patterns}
	assert.True(t, f.OwnsHost("api-2.duosecurity.com"))
	assert.False(t, f.OwnsHost("canvas.uchicago.edu"))
}
