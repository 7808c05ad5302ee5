// Package config provides configuration management for agentmux.
// It supports loading configuration from environment variables, a config
// file, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentmux/agentmux/internal/common/logger"
)

// Config holds all configuration sections for agentmux.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Connector  ConnectorConfig  `mapstructure:"connector"`
	Bus        BusConfig        `mapstructure:"bus"`
	Logging    logger.Config    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds persistence configuration. Engine selects the
// StateStore backend: "sqlite" (default), "postgres", or "memory".
type DatabaseConfig struct {
	Engine   string `mapstructure:"engine"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL disables the
// external event bridge; events stay in-process.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DispatcherConfig holds scheduling-loop configuration.
type DispatcherConfig struct {
	TickInterval     time.Duration `mapstructure:"tickInterval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeatTimeout"`
	MaxPendingTasks  int           `mapstructure:"maxPendingTasks"`
	ShutdownGrace    time.Duration `mapstructure:"shutdownGrace"`
	RetryMaxAttempts int           `mapstructure:"retryMaxAttempts"`
	RetryBaseBackoff time.Duration `mapstructure:"retryBaseBackoff"`
	WarmupOnStartup  bool          `mapstructure:"warmupOnStartup"`
	HighPoolWorkers  int           `mapstructure:"highPoolWorkers"`
	DefaultWorkers   int           `mapstructure:"defaultWorkers"`
	AutoProvision    bool          `mapstructure:"autoProvision"`
	DefaultAgentType string        `mapstructure:"defaultAgentType"`
}

// ConnectorConfig holds agent subprocess configuration.
type ConnectorConfig struct {
	CommandTimeout   time.Duration `mapstructure:"commandTimeout"`
	DisconnectGrace  time.Duration `mapstructure:"disconnectGrace"`
	MaxConcurrent    int           `mapstructure:"maxConcurrent"`
	ClaudeBinaryPath string        `mapstructure:"claudeBinaryPath"`
}

// BusConfig holds event fabric configuration.
type BusConfig struct {
	SubscriberBuffer int `mapstructure:"subscriberBuffer"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminals.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTMUX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.engine", "sqlite")
	v.SetDefault("database.path", "agentmux.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentmux")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentmux")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means in-process events only
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subjectPrefix", "agentmux.events")
	v.SetDefault("nats.maxReconnects", 10)

	// Dispatcher defaults
	v.SetDefault("dispatcher.tickInterval", 50*time.Millisecond)
	v.SetDefault("dispatcher.heartbeatTimeout", 90*time.Second)
	v.SetDefault("dispatcher.maxPendingTasks", 10000)
	v.SetDefault("dispatcher.shutdownGrace", 30*time.Second)
	v.SetDefault("dispatcher.retryMaxAttempts", 3)
	v.SetDefault("dispatcher.retryBaseBackoff", 2*time.Second)
	v.SetDefault("dispatcher.warmupOnStartup", true)
	v.SetDefault("dispatcher.highPoolWorkers", 1)
	v.SetDefault("dispatcher.defaultWorkers", 2)
	v.SetDefault("dispatcher.autoProvision", true)
	v.SetDefault("dispatcher.defaultAgentType", "claude-code")

	// Connector defaults
	v.SetDefault("connector.commandTimeout", 10*time.Minute)
	v.SetDefault("connector.disconnectGrace", 2*time.Second)
	v.SetDefault("connector.maxConcurrent", 1)
	v.SetDefault("connector.claudeBinaryPath", "")

	// Bus defaults
	v.SetDefault("bus.subscriberBuffer", 256)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix AGENTMUX_ with underscore
// separators. The config file is config.yaml in the current directory or
// /etc/agentmux/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmux/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Engine {
	case "sqlite", "memory":
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres engine")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres engine")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres engine")
		}
	default:
		errs = append(errs, "database.engine must be one of: sqlite, postgres, memory")
	}

	if cfg.Dispatcher.TickInterval <= 0 {
		errs = append(errs, "dispatcher.tickInterval must be positive")
	}
	if cfg.Dispatcher.HeartbeatTimeout <= 0 {
		errs = append(errs, "dispatcher.heartbeatTimeout must be positive")
	}
	if cfg.Dispatcher.MaxPendingTasks <= 0 {
		errs = append(errs, "dispatcher.maxPendingTasks must be positive")
	}
	if cfg.Dispatcher.RetryMaxAttempts < 0 {
		errs = append(errs, "dispatcher.retryMaxAttempts must not be negative")
	}
	if cfg.Dispatcher.HighPoolWorkers < 1 {
		errs = append(errs, "dispatcher.highPoolWorkers must be at least 1")
	}
	if cfg.Connector.MaxConcurrent < 1 {
		errs = append(errs, "connector.maxConcurrent must be at least 1")
	}
	if cfg.Bus.SubscriberBuffer < 1 {
		errs = append(errs, "bus.subscriberBuffer must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
