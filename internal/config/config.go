// Package config provides configuration management for livegen using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jmylchreest/livegen/internal/urlutil"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "LIVEGEN"

// Default configuration values.
const (
	defaultEndpoint           = "wss://50fa8sjxo9.execute-api.us-west-2.amazonaws.com/production"
	defaultOrigin             = "http://localhost/"
	defaultConnectTimeout     = 10 * time.Second
	defaultSessionRetryDelay  = 2 * time.Second
	defaultSessionMaxDelay    = 30 * time.Second
	defaultSessionMaxRetries  = 3
	defaultMaxRecoveries      = 5
	defaultUnstickStep        = 1 * time.Second
	defaultStallTimeout       = 8 * time.Second
	defaultStalledAfter       = 3 * time.Second
	defaultLowBufferThreshold = 500 * time.Millisecond
	defaultBackBufferLength   = 90 * time.Second
	defaultMaxBufferLength    = 120 * time.Second
	defaultMaxMaxBufferLength = 600 * time.Second
	defaultMaxBufferHole      = 500 * time.Millisecond
	defaultRequestTimeout     = 60 * time.Second
	defaultFragmentTimeout    = 20 * time.Second
	defaultManifestTimeout    = 10 * time.Second
	defaultFragmentRetries    = 4
	defaultManifestRetries    = 2
	defaultHTTPRetryDelay     = 1 * time.Second
	defaultHTTPRetryMaxDelay  = 10 * time.Second
	defaultCircuitThreshold   = 5
	defaultCircuitTimeout     = 30 * time.Second
	defaultMetricsAddress     = "127.0.0.1:9464"
)

// Playback engine modes.
const (
	EngineAuto   = "auto"
	EngineNative = "native"
)

// Session retry backoff modes.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Session  SessionConfig  `mapstructure:"session"`
	Playback PlaybackConfig `mapstructure:"playback"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// SessionConfig holds control channel configuration.
type SessionConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	Origin         string        `mapstructure:"origin"`
	APIKey         string        `mapstructure:"api_key"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	Backoff        string        `mapstructure:"backoff"` // fixed, exponential
}

// PlaybackConfig holds playback recovery and streaming engine configuration.
type PlaybackConfig struct {
	Engine             string        `mapstructure:"engine"` // auto, native
	MaxRecoveries      int           `mapstructure:"max_recoveries"`
	UnstickStep        time.Duration `mapstructure:"unstick_step"`
	StallTimeout       time.Duration `mapstructure:"stall_timeout"`
	StalledAfter       time.Duration `mapstructure:"stalled_after"`
	LowBufferThreshold time.Duration `mapstructure:"low_buffer_threshold"`
	EnableWorker       bool          `mapstructure:"enable_worker"`
	LowLatencyMode     bool          `mapstructure:"low_latency_mode"`
	BackBufferLength   time.Duration `mapstructure:"back_buffer_length"`
	MaxBufferLength    time.Duration `mapstructure:"max_buffer_length"`
	MaxMaxBufferLength time.Duration `mapstructure:"max_max_buffer_length"`
	MaxBufferHole      time.Duration `mapstructure:"max_buffer_hole"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	FragmentTimeout    time.Duration `mapstructure:"fragment_timeout"`
	ManifestTimeout    time.Duration `mapstructure:"manifest_timeout"`
	FragmentRetries    int           `mapstructure:"fragment_retries"`
	ManifestRetries    int           `mapstructure:"manifest_retries"`
	Output             string        `mapstructure:"output"` // progressive download target, empty discards
}

// HTTPConfig holds the resilient HTTP client configuration used for media fetches.
type HTTPConfig struct {
	UserAgent        string        `mapstructure:"user_agent"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	CircuitThreshold int           `mapstructure:"circuit_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with LIVEGEN_ and use underscores for nesting.
// Example: LIVEGEN_SESSION_MAX_RETRIES=5.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.livegen")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates configuration from an already prepared
// viper instance. The CLI uses this with the global viper so that flags,
// env vars and config files share one precedence chain.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Session defaults
	v.SetDefault("session.endpoint", defaultEndpoint)
	v.SetDefault("session.origin", defaultOrigin)
	v.SetDefault("session.api_key", "")
	v.SetDefault("session.connect_timeout", defaultConnectTimeout)
	v.SetDefault("session.max_retries", defaultSessionMaxRetries)
	v.SetDefault("session.retry_delay", defaultSessionRetryDelay)
	v.SetDefault("session.retry_max_delay", defaultSessionMaxDelay)
	v.SetDefault("session.backoff", BackoffFixed)

	// Playback defaults
	v.SetDefault("playback.engine", EngineAuto)
	v.SetDefault("playback.max_recoveries", defaultMaxRecoveries)
	v.SetDefault("playback.unstick_step", defaultUnstickStep)
	v.SetDefault("playback.stall_timeout", defaultStallTimeout)
	v.SetDefault("playback.stalled_after", defaultStalledAfter)
	v.SetDefault("playback.low_buffer_threshold", defaultLowBufferThreshold)
	v.SetDefault("playback.enable_worker", true)
	v.SetDefault("playback.low_latency_mode", true)
	v.SetDefault("playback.back_buffer_length", defaultBackBufferLength)
	v.SetDefault("playback.max_buffer_length", defaultMaxBufferLength)
	v.SetDefault("playback.max_max_buffer_length", defaultMaxMaxBufferLength)
	v.SetDefault("playback.max_buffer_hole", defaultMaxBufferHole)
	v.SetDefault("playback.request_timeout", defaultRequestTimeout)
	v.SetDefault("playback.fragment_timeout", defaultFragmentTimeout)
	v.SetDefault("playback.manifest_timeout", defaultManifestTimeout)
	v.SetDefault("playback.fragment_retries", defaultFragmentRetries)
	v.SetDefault("playback.manifest_retries", defaultManifestRetries)
	v.SetDefault("playback.output", "")

	// HTTP client defaults
	v.SetDefault("http.user_agent", "livegen/1.0")
	v.SetDefault("http.retry_delay", defaultHTTPRetryDelay)
	v.SetDefault("http.retry_max_delay", defaultHTTPRetryMaxDelay)
	v.SetDefault("http.circuit_threshold", defaultCircuitThreshold)
	v.SetDefault("http.circuit_timeout", defaultCircuitTimeout)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", defaultMetricsAddress)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if err := urlutil.ValidateEndpoint(c.Session.Endpoint); err != nil {
		return fmt.Errorf("session.endpoint: %w", err)
	}
	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout must be positive")
	}
	if c.Session.MaxRetries < 0 {
		return fmt.Errorf("session.max_retries must not be negative")
	}
	if c.Session.RetryDelay <= 0 {
		return fmt.Errorf("session.retry_delay must be positive")
	}
	if c.Session.Backoff != BackoffFixed && c.Session.Backoff != BackoffExponential {
		return fmt.Errorf("session.backoff must be one of: fixed, exponential")
	}

	if c.Playback.Engine != EngineAuto && c.Playback.Engine != EngineNative {
		return fmt.Errorf("playback.engine must be one of: auto, native")
	}
	if c.Playback.MaxRecoveries < 0 {
		return fmt.Errorf("playback.max_recoveries must not be negative")
	}
	if c.Playback.UnstickStep <= 0 {
		return fmt.Errorf("playback.unstick_step must be positive")
	}
	if c.Playback.FragmentRetries < 0 || c.Playback.ManifestRetries < 0 {
		return fmt.Errorf("playback retry counts must not be negative")
	}

	if c.HTTP.CircuitThreshold < 1 {
		return fmt.Errorf("http.circuit_threshold must be at least 1")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}

	return nil
}
