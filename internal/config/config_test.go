package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Session: SessionConfig{
			Endpoint:       "wss://api.example.com/production",
			ConnectTimeout: 10 * time.Second,
			MaxRetries:     3,
			RetryDelay:     2 * time.Second,
			Backoff:        BackoffFixed,
		},
		Playback: PlaybackConfig{
			Engine:          EngineAuto,
			MaxRecoveries:   5,
			UnstickStep:     time.Second,
			FragmentRetries: 4,
			ManifestRetries: 2,
		},
		HTTP: HTTPConfig{CircuitThreshold: 5},
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	// Session defaults
	assert.Equal(t, defaultEndpoint, cfg.Session.Endpoint)
	assert.Equal(t, 10*time.Second, cfg.Session.ConnectTimeout)
	assert.Equal(t, 3, cfg.Session.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Session.RetryDelay)
	assert.Equal(t, BackoffFixed, cfg.Session.Backoff)

	// Playback defaults
	assert.Equal(t, EngineAuto, cfg.Playback.Engine)
	assert.Equal(t, 5, cfg.Playback.MaxRecoveries)
	assert.Equal(t, time.Second, cfg.Playback.UnstickStep)
	assert.True(t, cfg.Playback.EnableWorker)
	assert.True(t, cfg.Playback.LowLatencyMode)
	assert.Equal(t, 90*time.Second, cfg.Playback.BackBufferLength)
	assert.Equal(t, 120*time.Second, cfg.Playback.MaxBufferLength)
	assert.Equal(t, 600*time.Second, cfg.Playback.MaxMaxBufferLength)
	assert.Equal(t, 20*time.Second, cfg.Playback.FragmentTimeout)
	assert.Equal(t, 10*time.Second, cfg.Playback.ManifestTimeout)
	assert.Equal(t, 4, cfg.Playback.FragmentRetries)
	assert.Equal(t, 2, cfg.Playback.ManifestRetries)

	// Metrics defaults
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "debug"
  format: "json"

session:
  endpoint: "ws://127.0.0.1:9000/gen"
  max_retries: 7
  retry_delay: 500ms
  backoff: exponential

playback:
  engine: native
  max_recoveries: 2
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "ws://127.0.0.1:9000/gen", cfg.Session.Endpoint)
	assert.Equal(t, 7, cfg.Session.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.RetryDelay)
	assert.Equal(t, BackoffExponential, cfg.Session.Backoff)
	assert.Equal(t, EngineNative, cfg.Playback.Engine)
	assert.Equal(t, 2, cfg.Playback.MaxRecoveries)
	// Untouched keys keep defaults
	assert.Equal(t, 10*time.Second, cfg.Session.ConnectTimeout)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LIVEGEN_SESSION_MAX_RETRIES", "9")
	t.Setenv("LIVEGEN_SESSION_API_KEY", "abc123")
	t.Setenv("LIVEGEN_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Session.MaxRetries)
	assert.Equal(t, "abc123", cfg.Session.APIKey)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	err := os.WriteFile(configPath, []byte("session:\n  max_retries: 1\n"), 0o600)
	require.NoError(t, err)

	t.Setenv("LIVEGEN_SESSION_MAX_RETRIES", "4")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Session.MaxRetries)
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	err := os.WriteFile(configPath, []byte("session: [unclosed"), 0o600)
	require.NoError(t, err)

	_, err = Load(configPath)
	assert.Error(t, err)
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validTestConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"endpoint scheme", func(c *Config) { c.Session.Endpoint = "https://api.example.com" }, "session.endpoint"},
		{"empty endpoint", func(c *Config) { c.Session.Endpoint = "" }, "session.endpoint"},
		{"connect timeout", func(c *Config) { c.Session.ConnectTimeout = 0 }, "session.connect_timeout"},
		{"negative retries", func(c *Config) { c.Session.MaxRetries = -1 }, "session.max_retries"},
		{"retry delay", func(c *Config) { c.Session.RetryDelay = 0 }, "session.retry_delay"},
		{"backoff", func(c *Config) { c.Session.Backoff = "jitter" }, "session.backoff"},
		{"engine", func(c *Config) { c.Playback.Engine = "mse" }, "playback.engine"},
		{"recoveries", func(c *Config) { c.Playback.MaxRecoveries = -1 }, "playback.max_recoveries"},
		{"unstick step", func(c *Config) { c.Playback.UnstickStep = 0 }, "playback.unstick_step"},
		{"fragment retries", func(c *Config) { c.Playback.FragmentRetries = -1 }, "retry counts"},
		{"circuit threshold", func(c *Config) { c.HTTP.CircuitThreshold = 0 }, "http.circuit_threshold"},
		{"metrics address", func(c *Config) { c.Metrics = MetricsConfig{Enabled: true} }, "metrics.address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ZeroRetriesAllowed(t *testing.T) {
	cfg := validTestConfig()
	cfg.Session.MaxRetries = 0
	assert.NoError(t, cfg.Validate())
}
