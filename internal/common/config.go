package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Secretary   SecretaryConfig `toml:"secretary"`
	Callbacks   CallbackConfig  `toml:"callbacks"`
	Pipeline    PipelineConfig  `toml:"pipeline"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// SecretaryConfig contains the external compute service connection settings
type SecretaryConfig struct {
	BaseURL        string        `toml:"base_url"`        // Secretary service base URL
	APIKey         string        `toml:"api_key"`         // API key sent on dispatch requests
	RequestTimeout time.Duration `toml:"request_timeout"` // HTTP timeout for dispatch and raw-data downloads
}

// CallbackConfig contains webhook-facing settings
type CallbackConfig struct {
	PublicBaseURL string `toml:"public_base_url"` // Base URL the Secretary uses to reach us
	InternalToken string `toml:"internal_token"`  // Bypass token for trusted automation callers
}

// PipelineConfig contains orchestration timing settings
type PipelineConfig struct {
	StallTimeout  time.Duration `toml:"stall_timeout"`  // Watchdog window; no callback within it fails the job
	SweepSchedule string        `toml:"sweep_schedule"` // Cron schedule for the stale-job sweep
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

// WebSocketConfig contains configuration for live job-update streaming
type WebSocketConfig struct {
	MinLevel string `toml:"min_level"` // Minimum trace level to broadcast
	// Throttle intervals for high-frequency events. Map of event type to duration string.
	// Example: {"job_progress": "1s"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

// NewDefaultConfig creates a configuration with default values.
// Only user-facing settings are exposed in shadowtwin.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8090,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Secretary: SecretaryConfig{
			BaseURL:        "http://localhost:5001",
			RequestTimeout: 60 * time.Second,
		},
		Callbacks: CallbackConfig{
			PublicBaseURL: "http://localhost:8090",
		},
		Pipeline: PipelineConfig{
			StallTimeout:  10 * time.Minute,
			SweepSchedule: "*/5 * * * *", // Every 5 minutes
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		WebSocket: WebSocketConfig{
			MinLevel: "info",
			ThrottleIntervals: map[string]string{
				"job_progress": "1s",
			},
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SHADOWTWIN_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("SHADOWTWIN_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("SHADOWTWIN_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if path := os.Getenv("SHADOWTWIN_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}

	if url := os.Getenv("SHADOWTWIN_SECRETARY_URL"); url != "" {
		config.Secretary.BaseURL = url
	}
	if key := os.Getenv("SHADOWTWIN_SECRETARY_API_KEY"); key != "" {
		config.Secretary.APIKey = key
	}

	if url := os.Getenv("SHADOWTWIN_PUBLIC_BASE_URL"); url != "" {
		config.Callbacks.PublicBaseURL = url
	}
	if token := os.Getenv("SHADOWTWIN_INTERNAL_TOKEN"); token != "" {
		config.Callbacks.InternalToken = token
	}

	if timeout := os.Getenv("SHADOWTWIN_STALL_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Pipeline.StallTimeout = d
		}
	}

	if level := os.Getenv("SHADOWTWIN_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks that required settings are present
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Secretary.BaseURL == "" {
		return fmt.Errorf("secretary.base_url is required")
	}
	if c.Callbacks.PublicBaseURL == "" {
		return fmt.Errorf("callbacks.public_base_url is required")
	}
	if c.Pipeline.StallTimeout <= 0 {
		return fmt.Errorf("pipeline.stall_timeout must be positive")
	}
	return nil
}
