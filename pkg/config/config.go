package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultWorkerPort        = 3456
	DefaultConnectTimeout    = 10 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultReadinessInterval = 1 * time.Second
	DefaultReadinessAttempts = 30
	DefaultStopGrace         = 5 * time.Second
	DefaultMaxReconnects     = 5
	DefaultReconnectDelay    = 1 * time.Second
	DefaultMetricsBind       = "127.0.0.1:9323"
)

// Config represents the complete browserhost configuration
type Config struct {
	Worker  WorkerConfig  `yaml:"worker"`
	Retry   RetryConfig   `yaml:"retry"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// WorkerConfig controls how the browser worker process is launched and
// reached. Secret values are passed to the worker through its environment
// only, never on the command line.
type WorkerConfig struct {
	BinaryDir   string `yaml:"binary_dir"`
	EntryScript string `yaml:"entry_script"`
	Interpreter string `yaml:"interpreter"`
	Port        int    `yaml:"port"`
	Headless    bool   `yaml:"headless"`

	ModelEndpoint string `yaml:"model_endpoint"`
	ModelName     string `yaml:"model_name"`

	// PassthroughEnv lists host environment variables forwarded to the
	// worker verbatim (API keys, captcha solver key). Allow-list only.
	PassthroughEnv []string `yaml:"passthrough_env"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ReadinessInterval time.Duration `yaml:"readiness_interval"`
	ReadinessAttempts int           `yaml:"readiness_attempts"`
	StopGrace         time.Duration `yaml:"stop_grace"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
}

// RetryProfile parameterizes one class of retried operation.
type RetryProfile struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// RetryConfig carries the two fixed retry profiles. Navigation is looser
// (fewer attempts, larger delays); action is tighter.
type RetryConfig struct {
	Navigation RetryProfile `yaml:"navigation"`
	Action     RetryProfile `yaml:"action"`
}

// LoggingConfig controls the structured event log.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			BinaryDir:   "binaries",
			EntryScript: filepath.Join("dist", "index.js"),
			Interpreter: "node",
			Port:        DefaultWorkerPort,
			Headless:    true,
			PassthroughEnv: []string{
				"OPENAI_API_KEY",
				"ANTHROPIC_API_KEY",
				"CAPSOLVER_API_KEY",
			},
			ConnectTimeout:    DefaultConnectTimeout,
			RequestTimeout:    DefaultRequestTimeout,
			ReadinessInterval: DefaultReadinessInterval,
			ReadinessAttempts: DefaultReadinessAttempts,
			StopGrace:         DefaultStopGrace,
			MaxReconnects:     DefaultMaxReconnects,
			ReconnectDelay:    DefaultReconnectDelay,
		},
		Retry: RetryConfig{
			Navigation: RetryProfile{
				MaxAttempts:  3,
				InitialDelay: 2 * time.Second,
				MaxDelay:     10 * time.Second,
				Multiplier:   2.0,
			},
			Action: RetryProfile{
				MaxAttempts:  5,
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Multiplier:   1.5,
			},
		},
		Logging: LoggingConfig{
			Dir:   "",
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Bind:    DefaultMetricsBind,
		},
	}
}

// Load loads configuration from the default locations: built-in defaults,
// then ./browserhost.yaml if present, then environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, "browserhost.yaml"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// ApplyEnvOverridesForTest exposes env override logic for tests without file I/O.
func ApplyEnvOverridesForTest(cfg *Config) {
	applyEnvOverrides(cfg)
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BROWSERHOST_BINARY_DIR"); v != "" {
		cfg.Worker.BinaryDir = v
	}
	if v := os.Getenv("BROWSERHOST_ENTRY_SCRIPT"); v != "" {
		cfg.Worker.EntryScript = v
	}
	if v := os.Getenv("BROWSERHOST_INTERPRETER"); v != "" {
		cfg.Worker.Interpreter = v
	}
	if v := os.Getenv("BROWSERHOST_WORKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Port = port
		}
	}
	if val, ok := envBool("BROWSERHOST_HEADLESS"); ok {
		cfg.Worker.Headless = val
	}
	if v := os.Getenv("BROWSERHOST_MODEL_ENDPOINT"); v != "" {
		cfg.Worker.ModelEndpoint = v
	}
	if v := os.Getenv("BROWSERHOST_MODEL_NAME"); v != "" {
		cfg.Worker.ModelName = v
	}
	if v := os.Getenv("BROWSERHOST_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("BROWSERHOST_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if val, ok := envBool("BROWSERHOST_METRICS_ENABLED"); ok {
		cfg.Metrics.Enabled = val
	}
	if v := os.Getenv("BROWSERHOST_METRICS_BIND"); v != "" {
		cfg.Metrics.Bind = v
	}
}

func envBool(key string) (bool, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	if c.Worker.Port <= 0 || c.Worker.Port > 65535 {
		return fmt.Errorf("worker.port must be in 1-65535, got %d", c.Worker.Port)
	}
	if c.Worker.ReadinessAttempts <= 0 {
		return fmt.Errorf("worker.readiness_attempts must be positive")
	}
	if c.Worker.ReadinessInterval <= 0 {
		return fmt.Errorf("worker.readiness_interval must be positive")
	}
	if c.Worker.RequestTimeout <= 0 {
		return fmt.Errorf("worker.request_timeout must be positive")
	}
	if c.Worker.MaxReconnects < 0 {
		return fmt.Errorf("worker.max_reconnects must be zero or positive")
	}
	for name, profile := range map[string]RetryProfile{
		"retry.navigation": c.Retry.Navigation,
		"retry.action":     c.Retry.Action,
	} {
		if profile.MaxAttempts <= 0 {
			return fmt.Errorf("%s.max_attempts must be positive", name)
		}
		if profile.Multiplier < 1.0 {
			return fmt.Errorf("%s.multiplier must be at least 1.0", name)
		}
		if profile.MaxDelay < profile.InitialDelay {
			return fmt.Errorf("%s.max_delay must be at least initial_delay", name)
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}
