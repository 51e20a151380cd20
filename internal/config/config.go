// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Session  SessionConfig  `mapstructure:"session"`
	Swarm    SwarmConfig    `mapstructure:"swarm"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Pressure PressureConfig `mapstructure:"pressure"`
	Hooks    HooksConfig    `mapstructure:"hooks"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SessionConfig governs admission and queue behavior.
type SessionConfig struct {
	MaxConcurrent  int  `mapstructure:"max_concurrent"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
	MaxQueueLength int  `mapstructure:"max_queue_length"`
	Preboot        bool `mapstructure:"preboot"`
	AutoQueue      bool `mapstructure:"auto_queue"`
	KeepAlive      bool `mapstructure:"keep_alive"`
}

// SwarmConfig governs the browser pool refresh cycle and launch retries.
type SwarmConfig struct {
	RefreshIntervalSeconds int `mapstructure:"refresh_interval_seconds"`
	MaxRefreshRetries      int `mapstructure:"max_refresh_retries"`
	LaunchRetries          int `mapstructure:"launch_retries"`
	LaunchTimeoutSeconds   int `mapstructure:"launch_timeout_seconds"`
}

// BrowserConfig sets the default launch flags for pooled browsers.
type BrowserConfig struct {
	LaunchFlags []string `mapstructure:"launch_flags"`
}

// PressureConfig holds the resource monitor thresholds.
type PressureConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	MaxLoadPerCPU      float64 `mapstructure:"max_load_per_cpu"`
	MinFreeMemoryRatio float64 `mapstructure:"min_free_memory_ratio"`
}

// HooksConfig holds optional webhook URLs for lifecycle notifications.
type HooksConfig struct {
	QueuedURL  string `mapstructure:"queued_url"`
	TimeoutURL string `mapstructure:"timeout_url"`
	ErrorURL   string `mapstructure:"error_url"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BROWSERLESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("session.max_concurrent", 10)
	v.SetDefault("session.timeout_seconds", 30)
	v.SetDefault("session.max_queue_length", 10)
	v.SetDefault("session.preboot", false)
	v.SetDefault("session.auto_queue", false)
	v.SetDefault("session.keep_alive", false)
	v.SetDefault("swarm.refresh_interval_seconds", 1800)
	v.SetDefault("swarm.max_refresh_retries", 5)
	v.SetDefault("swarm.launch_retries", 3)
	v.SetDefault("swarm.launch_timeout_seconds", 30)
	v.SetDefault("browser.launch_flags", []string{})
	v.SetDefault("pressure.enabled", true)
	v.SetDefault("pressure.max_load_per_cpu", 1.0)
	v.SetDefault("pressure.min_free_memory_ratio", 0.1)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Session.MaxConcurrent <= 0 {
		return fmt.Errorf("session.max_concurrent must be > 0")
	}
	if c.Session.TimeoutSeconds <= 0 {
		return fmt.Errorf("session.timeout_seconds must be > 0")
	}
	if c.Session.MaxQueueLength < 0 {
		return fmt.Errorf("session.max_queue_length must be >= 0")
	}
	if c.Swarm.RefreshIntervalSeconds <= 0 {
		return fmt.Errorf("swarm.refresh_interval_seconds must be > 0")
	}
	if c.Swarm.MaxRefreshRetries < 0 {
		return fmt.Errorf("swarm.max_refresh_retries must be >= 0")
	}
	if c.Swarm.LaunchRetries < 0 {
		return fmt.Errorf("swarm.launch_retries must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// SessionTimeout converts the configured timeout into a duration.
func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutSeconds) * time.Second
}

// RefreshInterval converts the configured refresh interval into a duration.
func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.Swarm.RefreshIntervalSeconds) * time.Second
}

// LaunchTimeout converts the configured launch timeout into a duration.
func (c Config) LaunchTimeout() time.Duration {
	return time.Duration(c.Swarm.LaunchTimeoutSeconds) * time.Second
}
