// Package config provides configuration management for villaged.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for villaged.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
	Session   SessionConfig   `mapstructure:"session"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Policy    PolicyConfig    `mapstructure:"policy"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds metadata store connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // memory, sqlite, postgres
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RunnerConfig holds per-runner-host execution configuration.
type RunnerConfig struct {
	Hostname            string   `mapstructure:"hostname"`
	Host                string   `mapstructure:"host"`
	Port                int      `mapstructure:"port"`
	WorkspaceDir        string   `mapstructure:"workspaceDir"`
	CacheDir            string   `mapstructure:"cacheDir"`
	MaxSessions         int      `mapstructure:"maxSessions"`
	ControlPlaneURL     string   `mapstructure:"controlPlaneUrl"`
	HeartbeatIntervalMs int      `mapstructure:"heartbeatIntervalMs"`
	Providers           []string `mapstructure:"providers"`
}

// FleetConfig holds control-plane fleet management configuration.
type FleetConfig struct {
	MaxRunners            int     `mapstructure:"maxRunners"`
	HeartbeatTimeoutMs    int     `mapstructure:"heartbeatTimeoutMs"`
	HealthCheckIntervalMs int     `mapstructure:"healthCheckIntervalMs"`
	LoadFactor            float64 `mapstructure:"loadFactor"`
}

// SessionConfig holds session lifecycle timing configuration.
type SessionConfig struct {
	StopTimeoutMs       int `mapstructure:"stopTimeoutMs"`
	RemovalDelayMs      int `mapstructure:"removalDelayMs"`
	UsageTickIntervalMs int `mapstructure:"usageTickIntervalMs"`
}

// WorkspaceConfig holds repo cache and worktree configuration.
type WorkspaceConfig struct {
	MaxCachedRepos int  `mapstructure:"maxCachedRepos"`
	ShallowClone   bool `mapstructure:"shallowClone"`
	CloneDepth     int  `mapstructure:"cloneDepth"`
}

// PolicyConfig holds policy enforcement configuration.
type PolicyConfig struct {
	// RulesFile optionally overrides the built-in policy ruleset (YAML).
	RulesFile string `mapstructure:"rulesFile"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HeartbeatInterval returns the runner heartbeat interval as a time.Duration.
func (r *RunnerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalMs) * time.Millisecond
}

// HeartbeatTimeout returns the fleet heartbeat timeout as a time.Duration.
func (f *FleetConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(f.HeartbeatTimeoutMs) * time.Millisecond
}

// HealthCheckInterval returns the fleet health sweep interval as a time.Duration.
func (f *FleetConfig) HealthCheckInterval() time.Duration {
	return time.Duration(f.HealthCheckIntervalMs) * time.Millisecond
}

// StopTimeout returns the STOPPING force-complete timeout as a time.Duration.
func (s *SessionConfig) StopTimeout() time.Duration {
	return time.Duration(s.StopTimeoutMs) * time.Millisecond
}

// RemovalDelay returns the terminal-state retention delay as a time.Duration.
func (s *SessionConfig) RemovalDelay() time.Duration {
	return time.Duration(s.RemovalDelayMs) * time.Millisecond
}

// UsageTickInterval returns the usage ticker interval as a time.Duration.
func (s *SessionConfig) UsageTickInterval() time.Duration {
	return time.Duration(s.UsageTickIntervalMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("VILLAGE_ENV"); env == "production" || env == "prod" {
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
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.path", "./villaged.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "villaged")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "villaged")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "villaged-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Runner defaults
	v.SetDefault("runner.hostname", "")
	v.SetDefault("runner.host", "0.0.0.0")
	v.SetDefault("runner.port", 8090)
	v.SetDefault("runner.workspaceDir", "/tmp/ai-village-workspaces")
	v.SetDefault("runner.cacheDir", "/tmp/ai-village-cache")
	v.SetDefault("runner.maxSessions", 10)
	v.SetDefault("runner.controlPlaneUrl", "http://localhost:8080")
	v.SetDefault("runner.heartbeatIntervalMs", 15000)
	v.SetDefault("runner.providers", []string{"codex", "claude_code", "mock"})

	// Fleet defaults
	v.SetDefault("fleet.maxRunners", 1000)
	v.SetDefault("fleet.heartbeatTimeoutMs", 60000)
	v.SetDefault("fleet.healthCheckIntervalMs", 30000)
	v.SetDefault("fleet.loadFactor", 0.8)

	// Session defaults
	v.SetDefault("session.stopTimeoutMs", 30000)
	v.SetDefault("session.removalDelayMs", 5000)
	v.SetDefault("session.usageTickIntervalMs", 30000)

	// Workspace defaults
	v.SetDefault("workspace.maxCachedRepos", 50)
	v.SetDefault("workspace.shallowClone", true)
	v.SetDefault("workspace.cloneDepth", 1)

	// Policy defaults
	v.SetDefault("policy.rulesFile", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix VILLAGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/villaged/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("VILLAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose naming differs from config keys.
	// The RUNNER_* variables are the documented operator surface.
	_ = v.BindEnv("runner.workspaceDir", "RUNNER_WORKSPACE_DIR", "VILLAGE_RUNNER_WORKSPACE_DIR")
	_ = v.BindEnv("runner.cacheDir", "RUNNER_CACHE_DIR", "VILLAGE_RUNNER_CACHE_DIR")
	_ = v.BindEnv("runner.maxSessions", "RUNNER_MAX_SESSIONS", "VILLAGE_RUNNER_MAX_SESSIONS")
	_ = v.BindEnv("runner.controlPlaneUrl", "RUNNER_CONTROL_PLANE_URL", "VILLAGE_RUNNER_CONTROL_PLANE_URL")
	_ = v.BindEnv("logging.level", "VILLAGE_LOG_LEVEL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/villaged/")

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

	switch cfg.Database.Driver {
	case "memory", "sqlite":
	case "postgres":
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: memory, sqlite, postgres")
	}

	if cfg.Runner.MaxSessions <= 0 {
		errs = append(errs, "runner.maxSessions must be positive")
	}
	if cfg.Fleet.MaxRunners <= 0 {
		errs = append(errs, "fleet.maxRunners must be positive")
	}
	if cfg.Fleet.LoadFactor <= 0 || cfg.Fleet.LoadFactor > 1 {
		errs = append(errs, "fleet.loadFactor must be in (0, 1]")
	}
	if cfg.Session.StopTimeoutMs <= 0 {
		errs = append(errs, "session.stopTimeoutMs must be positive")
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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
