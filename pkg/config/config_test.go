package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultWorkerPort, cfg.Worker.Port)
	assert.True(t, cfg.Worker.Headless)
	assert.Equal(t, DefaultReadinessAttempts, cfg.Worker.ReadinessAttempts)
	assert.Contains(t, cfg.Worker.PassthroughEnv, "CAPSOLVER_API_KEY")

	// Navigation is looser than action: fewer attempts, larger delays.
	assert.Less(t, cfg.Retry.Navigation.MaxAttempts, cfg.Retry.Action.MaxAttempts)
	assert.Greater(t, cfg.Retry.Navigation.InitialDelay, cfg.Retry.Action.InitialDelay)
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "browserhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker:
  port: 4567
  headless: false
  connect_timeout: 3s
retry:
  action:
    max_attempts: 7
`), 0644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, 4567, cfg.Worker.Port)
	assert.False(t, cfg.Worker.Headless)
	assert.Equal(t, 3*time.Second, cfg.Worker.ConnectTimeout)
	assert.Equal(t, 7, cfg.Retry.Action.MaxAttempts)
	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultRequestTimeout, cfg.Worker.RequestTimeout)
}

func TestLoadFromPathMissingFile(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BROWSERHOST_WORKER_PORT", "9999")
	t.Setenv("BROWSERHOST_HEADLESS", "false")
	t.Setenv("BROWSERHOST_MODEL_NAME", "llama3.2")

	cfg := DefaultConfig()
	ApplyEnvOverridesForTest(cfg)

	assert.Equal(t, 9999, cfg.Worker.Port)
	assert.False(t, cfg.Worker.Headless)
	assert.Equal(t, "llama3.2", cfg.Worker.ModelName)
}

func TestEnvBoolParsing(t *testing.T) {
	t.Setenv("BROWSERHOST_HEADLESS", "not-a-bool")
	cfg := DefaultConfig()
	ApplyEnvOverridesForTest(cfg)
	assert.True(t, cfg.Worker.Headless, "unparseable bool should keep default")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Worker.Port = 0 }},
		{"zero readiness attempts", func(c *Config) { c.Worker.ReadinessAttempts = 0 }},
		{"negative reconnects", func(c *Config) { c.Worker.MaxReconnects = -1 }},
		{"zero retry attempts", func(c *Config) { c.Retry.Navigation.MaxAttempts = 0 }},
		{"multiplier below one", func(c *Config) { c.Retry.Action.Multiplier = 0.5 }},
		{"max delay below initial", func(c *Config) {
			c.Retry.Action.InitialDelay = 2 * time.Second
			c.Retry.Action.MaxDelay = time.Second
		}},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
