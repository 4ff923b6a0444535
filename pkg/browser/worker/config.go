package worker

import (
	"errors"
	"strings"
	"time"

	"github.com/odvcencio/browserhost/pkg/config"
)

// Config controls how the browser worker process is launched and how the
// RPC channel to it behaves.
type Config struct {
	// BinaryDir holds platform-specific compiled workers, named
	// browser-worker-<os>-<arch>.
	BinaryDir string

	// EntryScript is the interpreted fallback when no compiled worker is
	// present. Interpreter runs it (node, bun).
	EntryScript string
	Interpreter string

	Port     int
	Headless bool

	ModelEndpoint string
	ModelName     string

	// PassthroughEnv is the allow-list of host environment variables
	// forwarded to the worker. Secrets travel here, never in argv.
	PassthroughEnv []string

	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	ReadinessInterval time.Duration
	ReadinessAttempts int
	StopGrace         time.Duration

	MaxReconnects  int
	ReconnectDelay time.Duration

	Retry config.RetryConfig
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return FromConfig(config.DefaultConfig())
}

// FromConfig maps the host configuration onto a worker Config.
func FromConfig(cfg *config.Config) Config {
	wc := cfg.Worker
	return Config{
		BinaryDir:         wc.BinaryDir,
		EntryScript:       wc.EntryScript,
		Interpreter:       wc.Interpreter,
		Port:              wc.Port,
		Headless:          wc.Headless,
		ModelEndpoint:     wc.ModelEndpoint,
		ModelName:         wc.ModelName,
		PassthroughEnv:    append([]string{}, wc.PassthroughEnv...),
		ConnectTimeout:    wc.ConnectTimeout,
		RequestTimeout:    wc.RequestTimeout,
		ReadinessInterval: wc.ReadinessInterval,
		ReadinessAttempts: wc.ReadinessAttempts,
		StopGrace:         wc.StopGrace,
		MaxReconnects:     wc.MaxReconnects,
		ReconnectDelay:    wc.ReconnectDelay,
		Retry:             cfg.Retry,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if strings.TrimSpace(c.BinaryDir) != "" {
		defaults.BinaryDir = c.BinaryDir
	}
	if strings.TrimSpace(c.EntryScript) != "" {
		defaults.EntryScript = c.EntryScript
	}
	if strings.TrimSpace(c.Interpreter) != "" {
		defaults.Interpreter = c.Interpreter
	}
	if c.Port != 0 {
		defaults.Port = c.Port
	}
	defaults.Headless = c.Headless
	if c.ModelEndpoint != "" {
		defaults.ModelEndpoint = c.ModelEndpoint
	}
	if c.ModelName != "" {
		defaults.ModelName = c.ModelName
	}
	if c.PassthroughEnv != nil {
		defaults.PassthroughEnv = c.PassthroughEnv
	}
	if c.ConnectTimeout != 0 {
		defaults.ConnectTimeout = c.ConnectTimeout
	}
	if c.RequestTimeout != 0 {
		defaults.RequestTimeout = c.RequestTimeout
	}
	if c.ReadinessInterval != 0 {
		defaults.ReadinessInterval = c.ReadinessInterval
	}
	if c.ReadinessAttempts != 0 {
		defaults.ReadinessAttempts = c.ReadinessAttempts
	}
	if c.StopGrace != 0 {
		defaults.StopGrace = c.StopGrace
	}
	if c.MaxReconnects != 0 {
		defaults.MaxReconnects = c.MaxReconnects
	}
	if c.ReconnectDelay != 0 {
		defaults.ReconnectDelay = c.ReconnectDelay
	}
	if c.Retry.Navigation.MaxAttempts != 0 || c.Retry.Action.MaxAttempts != 0 {
		defaults.Retry = c.Retry
	}
	return defaults
}

// Validate checks whether the config is usable.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("port must be in 1-65535")
	}
	if strings.TrimSpace(c.BinaryDir) == "" && strings.TrimSpace(c.EntryScript) == "" {
		return errors.New("binary_dir or entry_script is required")
	}
	if strings.TrimSpace(c.EntryScript) != "" && strings.TrimSpace(c.Interpreter) == "" {
		return errors.New("interpreter is required with entry_script")
	}
	if c.ReadinessAttempts <= 0 {
		return errors.New("readiness_attempts must be positive")
	}
	if c.ReadinessInterval <= 0 {
		return errors.New("readiness_interval must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if c.MaxReconnects < 0 {
		return errors.New("max_reconnects must be zero or positive")
	}
	return nil
}
