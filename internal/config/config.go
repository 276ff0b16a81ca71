// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger         LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser        BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Store          StoreConfig     `mapstructure:"store" yaml:"store"`
	Flow           FlowConfig      `mapstructure:"flow" yaml:"flow"`
	Scheduler      SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	FrameScheduler SchedulerConfig `mapstructure:"frame_scheduler" yaml:"frame_scheduler"`
	Injector       InjectorConfig  `mapstructure:"injector" yaml:"injector"`
	Timing         TimingConfig    `mapstructure:"timing" yaml:"timing"`
	Rules          RulesConfig     `mapstructure:"rules" yaml:"rules"`
	Relay          RelayConfig     `mapstructure:"relay" yaml:"relay"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chromium instance driving the login.
type BrowserConfig struct {
	Headless bool `mapstructure:"headless" yaml:"headless"`
	// RemoteURL attaches to an already running browser's DevTools endpoint instead of launching one.
	RemoteURL       string        `mapstructure:"remote_url" yaml:"remote_url"`
	UserDataDir     string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	LaunchTimeout   time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	ActionTimeout   time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	Overlay         bool          `mapstructure:"overlay" yaml:"overlay"`
}

// StoreConfig selects and configures the credential store backend.
type StoreConfig struct {
	// Backend is one of "sqlite", "postgres" or "memory".
	Backend     string `mapstructure:"backend" yaml:"backend"`
	Path        string `mapstructure:"path" yaml:"path"`
	PostgresURL string `mapstructure:"postgres_url" yaml:"-"`
}

// FlowConfig describes the login flow the engine drives.
type FlowConfig struct {
	LoginURL string `mapstructure:"login_url" yaml:"login_url"`
	// Hosts lists every host that belongs to the flow. Navigating anywhere else resets progress.
	Hosts            []string      `mapstructure:"hosts" yaml:"hosts"`
	SecondFactorHost string        `mapstructure:"second_factor_host" yaml:"second_factor_host"`
	SessionTimeout   time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`
}

// OwnsHost reports whether host is one of the flow hosts or a subdomain of one.
func (f FlowConfig) OwnsHost(host string) bool {
	return HostMatches(host, f.Hosts)
}

// HostMatches reports whether host equals a pattern or is a subdomain of it.
func HostMatches(host string, patterns []string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return false
	}
	for _, p := range patterns {
		p = strings.ToLower(p)
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}

// SchedulerConfig mirrors scheduler.Policy.
type SchedulerConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	MaxDuration  time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
	Debounce     time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// InjectorConfig holds the submit retry ladder delays, measured from the first rung.
type InjectorConfig struct {
	Ladder []time.Duration `mapstructure:"ladder" yaml:"ladder"`
}

// TimingConfig holds the fixed delays between flow actions.
type TimingConfig struct {
	SubmitDelay      time.Duration `mapstructure:"submit_delay" yaml:"submit_delay"`
	VerifyDelay      time.Duration `mapstructure:"verify_delay" yaml:"verify_delay"`
	ChallengeAdvance time.Duration `mapstructure:"challenge_advance" yaml:"challenge_advance"`
	TrustDelay       time.Duration `mapstructure:"trust_delay" yaml:"trust_delay"`
	SuccessSettle    time.Duration `mapstructure:"success_settle" yaml:"success_settle"`
	IdleCompletion   time.Duration `mapstructure:"idle_completion" yaml:"idle_completion"`
	GraceDelay       time.Duration `mapstructure:"grace_delay" yaml:"grace_delay"`
}

// RulesConfig holds the selectors and phrases the page classifier matches against.
type RulesConfig struct {
	IdentityField      string   `mapstructure:"identity_field" yaml:"identity_field"`
	SecretFields       []string `mapstructure:"secret_fields" yaml:"secret_fields"`
	PasswordField      string   `mapstructure:"password_field" yaml:"password_field"`
	NextButton         string   `mapstructure:"next_button" yaml:"next_button"`
	VerifyButton       string   `mapstructure:"verify_button" yaml:"verify_button"`
	// TrustButton matches the device-trust control on presence alone; TrustCandidates
	// only match when their text contains TrustButtonText and the page shows one of
	// DeviceTrustPhrase.
	TrustButton        string   `mapstructure:"trust_button" yaml:"trust_button"`
	TrustCandidates    []string `mapstructure:"trust_candidates" yaml:"trust_candidates"`
	TrustButtonText    string   `mapstructure:"trust_button_text" yaml:"trust_button_text"`
	// OverlaySelector marks nodes the page overlay injected; they never count as page text.
	OverlaySelector    string   `mapstructure:"overlay_selector" yaml:"overlay_selector"`
	SecondFactorPhrase []string `mapstructure:"second_factor_phrases" yaml:"second_factor_phrases"`
	DeviceTrustPhrase  []string `mapstructure:"device_trust_phrases" yaml:"device_trust_phrases"`
	ChallengePhrase    []string `mapstructure:"challenge_phrases" yaml:"challenge_phrases"`
	SuccessPhrase      []string `mapstructure:"success_phrases" yaml:"success_phrases"`
	SuccessURLPart     []string `mapstructure:"success_url_parts" yaml:"success_url_parts"`
	AuthSurfacePhrase  []string `mapstructure:"auth_surface_phrases" yaml:"auth_surface_phrases"`
}

// RelayConfig bounds how many cross-frame messages are accepted.
type RelayConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `mapstructure:"burst" yaml:"burst"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static, so this only trips on a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "autoauth")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	// Headed by default: the passkey prompt needs a visible window.
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.overlay", true)

	// -- Store --
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "~/.autoauth/settings.db")

	// -- Flow --
	v.SetDefault("flow.login_url", "https://okta.uchicago.edu")
	v.SetDefault("flow.hosts", []string{"okta.uchicago.edu", "duosecurity.com"})
	v.SetDefault("flow.second_factor_host", "duosecurity.com")
	v.SetDefault("flow.session_timeout", "5m")

	// -- Scheduler (top-level pages) --
	v.SetDefault("scheduler.initial_delay", "1s")
	v.SetDefault("scheduler.interval", "1500ms")
	v.SetDefault("scheduler.max_attempts", 20)
	v.SetDefault("scheduler.max_duration", "30s")
	v.SetDefault("scheduler.debounce", "200ms")

	// -- Scheduler (embedded second-factor frames) --
	v.SetDefault("frame_scheduler.initial_delay", "100ms")
	v.SetDefault("frame_scheduler.interval", "1s")
	v.SetDefault("frame_scheduler.max_attempts", 30)
	v.SetDefault("frame_scheduler.max_duration", "30s")
	v.SetDefault("frame_scheduler.debounce", "200ms")

	// -- Injector --
	v.SetDefault("injector.ladder", []string{"0s", "100ms", "200ms"})

	// -- Timing --
	v.SetDefault("timing.submit_delay", "500ms")
	v.SetDefault("timing.verify_delay", "1s")
	v.SetDefault("timing.challenge_advance", "500ms")
	v.SetDefault("timing.trust_delay", "1s")
	v.SetDefault("timing.success_settle", "500ms")
	v.SetDefault("timing.idle_completion", "5s")
	v.SetDefault("timing.grace_delay", "2s")

	// -- Rules --
	v.SetDefault("rules.identity_field", `input[name="identifier"]`)
	v.SetDefault("rules.secret_fields", []string{
		`input[name="credentials.passcode"]`,
		`input[type="password"].password-with-toggle`,
	})
	v.SetDefault("rules.password_field", `input[type="password"]`)
	v.SetDefault("rules.next_button", `input[type="submit"][value="Next"]`)
	v.SetDefault("rules.verify_button", `input[type="submit"][value="Verify"]`)
	v.SetDefault("rules.trust_button", "#trust-browser-button")
	v.SetDefault("rules.trust_candidates", []string{"button.button--primary", "button"})
	v.SetDefault("rules.trust_button_text", "Yes, this is my device")
	v.SetDefault("rules.second_factor_phrases", []string{"Duo", "Two-Factor", "two-factor"})
	v.SetDefault("rules.device_trust_phrases", []string{"Is this your device", "Yes, this is my device", "trust this browser"})
	v.SetDefault("rules.challenge_phrases", []string{"passkey", "Passkey", "Security key", "security key"})
	v.SetDefault("rules.success_phrases", []string{"Successfully authenticated"})
	v.SetDefault("rules.success_url_parts", []string{"success", "complete"})
	v.SetDefault("rules.auth_surface_phrases", []string{"Duo", "Sign In", "Log In"})
	v.SetDefault("rules.overlay_selector", "#autoauth-overlay")

	// -- Relay --
	v.SetDefault("relay.rate_per_second", 10.0)
	v.SetDefault("relay.burst", 5)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The postgres URL carries a password, so it is only ever read from the environment.
	_ = v.BindEnv("store.postgres_url", "AUTOAUTH_STORE_POSTGRES_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url is required for the postgres backend (AUTOAUTH_STORE_POSTGRES_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be one of sqlite, postgres, memory; got %q", c.Store.Backend)
	}
	if len(c.Flow.Hosts) == 0 {
		return fmt.Errorf("flow.hosts must list at least one host")
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler configuration invalid: %w", err)
	}
	if err := c.FrameScheduler.Validate(); err != nil {
		return fmt.Errorf("frame_scheduler configuration invalid: %w", err)
	}
	if len(c.Injector.Ladder) == 0 {
		return fmt.Errorf("injector.ladder must have at least one rung")
	}
	for i := 1; i < len(c.Injector.Ladder); i++ {
		if c.Injector.Ladder[i] < c.Injector.Ladder[i-1] {
			return fmt.Errorf("injector.ladder delays must be non-decreasing (rung %d)", i+1)
		}
	}
	if c.Rules.IdentityField == "" || len(c.Rules.SecretFields) == 0 {
		return fmt.Errorf("rules.identity_field and rules.secret_fields are required")
	}
	if c.Relay.RatePerSecond <= 0 || c.Relay.Burst <= 0 {
		return fmt.Errorf("relay.rate_per_second and relay.burst must be positive")
	}
	return nil
}

// Validate checks the SchedulerConfig settings. Both ceilings are mandatory.
func (s SchedulerConfig) Validate() error {
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be greater than 0")
	}
	if s.MaxDuration <= 0 {
		return fmt.Errorf("max_duration must be a positive duration")
	}
	if s.Interval <= 0 {
		return fmt.Errorf("interval must be a positive duration")
	}
	if s.InitialDelay < 0 || s.Debounce < 0 {
		return fmt.Errorf("initial_delay and debounce must not be negative")
	}
	return nil
}
