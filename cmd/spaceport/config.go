package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Log      LogConfig      `mapstructure:"log"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Spaces   SpacesConfig   `mapstructure:"spaces"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Workers  WorkersConfig  `mapstructure:"workers"`
}

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProxyConfig holds the ingress proxy configuration. The proxy routes
// <slug>.<base_domain> to the space's container.
type ProxyConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseDomain   string        `mapstructure:"base_domain"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	WakeTimeout  time.Duration `mapstructure:"wake_timeout"`
}

// Address returns the proxy address in host:port format.
func (c ProxyConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SpacesConfig holds space lifecycle configuration.
type SpacesConfig struct {
	// EncryptionPassphrase protects secret values at rest. A 32-byte key is
	// derived from it with SHA-256. Must be set.
	// Set via SPACEPORT_SPACES_ENCRYPTION_PASSPHRASE.
	EncryptionPassphrase string `mapstructure:"encryption_passphrase"`

	// PortRangeStart/End bound the host ports spaces bind to.
	PortRangeStart int `mapstructure:"port_range_start"`
	PortRangeEnd   int `mapstructure:"port_range_end"`

	// StopTimeout is how long containers get to shut down gracefully.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`

	// ReadyTimeout is how long a started space gets to have all its
	// containers up and healthy before the start is marked failed.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`

	// BuildDir is where upload bundles are staged for image builds.
	BuildDir string `mapstructure:"build_dir"`
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	// Disabled skips bearer-token auth on /api routes. Local development only.
	Disabled bool `mapstructure:"disabled"`
}

// WorkersConfig holds background worker configuration.
type WorkersConfig struct {
	BuildPollInterval   time.Duration `mapstructure:"build_poll_interval"`
	BuildTimeout        time.Duration `mapstructure:"build_timeout"`
	HealthInterval      time.Duration `mapstructure:"health_interval"`
	HealthMaxConcurrent int           `mapstructure:"health_max_concurrent"`
	ReapInterval        time.Duration `mapstructure:"reap_interval"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/spaceport.db")
	v.SetDefault("docker.host", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Proxy defaults
	v.SetDefault("proxy.enabled", true)
	v.SetDefault("proxy.host", "0.0.0.0")
	v.SetDefault("proxy.port", 9091)
	v.SetDefault("proxy.base_domain", "spaces.localhost")
	v.SetDefault("proxy.read_timeout", "30s")
	v.SetDefault("proxy.write_timeout", "60s")
	v.SetDefault("proxy.idle_timeout", "120s")
	v.SetDefault("proxy.wake_timeout", "2m")

	// Space lifecycle defaults
	v.SetDefault("spaces.encryption_passphrase", "") // Must be set via environment
	v.SetDefault("spaces.port_range_start", 30000)
	v.SetDefault("spaces.port_range_end", 39999)
	v.SetDefault("spaces.stop_timeout", "10s")
	v.SetDefault("spaces.ready_timeout", "60s")
	v.SetDefault("spaces.build_dir", "./data/builds")

	// Auth defaults
	v.SetDefault("auth.disabled", false)

	// Worker defaults
	v.SetDefault("workers.build_poll_interval", "2s")
	v.SetDefault("workers.build_timeout", "15m")
	v.SetDefault("workers.health_interval", "30s")
	v.SetDefault("workers.health_max_concurrent", 5)
	v.SetDefault("workers.reap_interval", "5m")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("SPACEPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
