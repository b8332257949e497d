package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the governance engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8460"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (optional, used for the scan-cycle lock)
	Redis RedisConfig `yaml:"redis"`

	// Engine behavior
	Engine EngineConfig `yaml:"engine"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"arbiter"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"arbiter_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
}

// RedisConfig holds Redis configuration. An empty host disables Redis and the
// engine falls back to a process-local scan-cycle lock.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// EngineConfig holds orchestration behavior knobs that are deployment-level
// rather than governance-level (governance knobs live in the settings table).
type EngineConfig struct {
	// IntentWorkers bounds how many intents one cycle processes concurrently.
	IntentWorkers int `yaml:"intent_workers" env:"ENGINE_INTENT_WORKERS" env-default:"4"`

	// DedupWindowMinutes is how long an ingested signal suppresses duplicates.
	DedupWindowMinutes int `yaml:"dedup_window_minutes" env:"ENGINE_DEDUP_WINDOW_MINUTES" env-default:"60"`

	// ExecutorTimeoutSeconds is the default bounded timeout for one executor call.
	ExecutorTimeoutSeconds int `yaml:"executor_timeout_seconds" env:"ENGINE_EXECUTOR_TIMEOUT_SECONDS" env-default:"60"`

	// ExecutorTimeoutsStr overrides the timeout per action type.
	// Format: "deploy_agent=300,generate_report=30" (seconds per type).
	ExecutorTimeoutsStr string `yaml:"executor_timeouts" env:"ENGINE_EXECUTOR_TIMEOUTS" env-default:""`

	// ExecutorTimeouts is the parsed map from ExecutorTimeoutsStr (not from config file).
	ExecutorTimeouts map[string]time.Duration `yaml:"-"`

	// MaxExecutionRetries bounds retries for transient execution failures.
	MaxExecutionRetries int `yaml:"max_execution_retries" env:"ENGINE_MAX_EXECUTION_RETRIES" env-default:"3"`

	// ScanIntervalMinutes is how often the scheduler triggers a full cycle.
	// Zero disables the periodic trigger (cycles run only on demand).
	ScanIntervalMinutes int `yaml:"scan_interval_minutes" env:"ENGINE_SCAN_INTERVAL_MINUTES" env-default:"15"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.parseComplexFields(); err != nil {
		return nil, fmt.Errorf("failed to parse config fields: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv reads configuration from environment variables only, without
// requiring a config.yaml. Used by tests and containerized deployments.
func LoadFromEnv(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.parseComplexFields(); err != nil {
		return nil, fmt.Errorf("failed to parse config fields: %w", err)
	}

	return cfg, nil
}

// parseComplexFields handles fields that need post-processing after loading.
func (c *Config) parseComplexFields() error {
	timeouts, err := parseExecutorTimeouts(c.Engine.ExecutorTimeoutsStr)
	if err != nil {
		return err
	}
	c.Engine.ExecutorTimeouts = timeouts
	return nil
}

// parseExecutorTimeouts parses the per-action-type timeout string into a map.
// Format: "action_type=seconds,action_type=seconds"
func parseExecutorTimeouts(value string) (map[string]time.Duration, error) {
	timeouts := make(map[string]time.Duration)
	if value == "" {
		return timeouts, nil
	}

	for _, pair := range strings.Split(value, ",") {
		parts := strings.Split(pair, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed executor timeout entry %q", pair)
		}
		var seconds int
		if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &seconds); err != nil {
			return nil, fmt.Errorf("malformed executor timeout value %q: %w", parts[1], err)
		}
		if seconds <= 0 {
			return nil, fmt.Errorf("executor timeout for %q must be positive", parts[0])
		}
		timeouts[strings.TrimSpace(parts[0])] = time.Duration(seconds) * time.Second
	}
	return timeouts, nil
}

// ExecutorTimeout returns the bounded timeout for one executor call of the
// given action type.
func (c *EngineConfig) ExecutorTimeout(actionType string) time.Duration {
	if d, ok := c.ExecutorTimeouts[actionType]; ok {
		return d
	}
	return time.Duration(c.ExecutorTimeoutSeconds) * time.Second
}

// DedupWindow returns the ingest dedup window as a duration.
func (c *EngineConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMinutes) * time.Minute
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
