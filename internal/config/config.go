// Package config provides environment-aware configuration loading for the
// settlement coordinator: a YAML/JSON config file overlaid by environment
// variables, plus the standalone env-var helpers (GetEnv, GetEnvBool, ...)
// used by callers that don't want a full Config struct.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Environment/Secret Loading Helpers
// =============================================================================

// GetEnv retrieves an environment variable, trimmed, with a fallback default.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// RequireEnv retrieves a required environment variable and fails loud at
// startup if it is unset, rather than silently defaulting.
func RequireEnv(key string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		panic(fmt.Sprintf("config: required environment variable %s is not set", key))
	}
	return value
}

// GetEnvBool retrieves a boolean environment variable with optional default.
// Accepts "true", "1", "yes", "y" (case-insensitive) as true.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	lower := strings.ToLower(val)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// GetEnvInt retrieves an integer environment variable with optional default.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// GetEnvDuration retrieves a duration environment variable with optional default.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// SplitAndTrimCSV splits a CSV string and trims each part, filtering empties.
func SplitAndTrimCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// =============================================================================
// Config struct
// =============================================================================

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DatabaseConfig controls the Postgres connection backing the event/ledger stores.
type DatabaseConfig struct {
	Driver          string `json:"driver" yaml:"driver"`
	DSN             string `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime"` // seconds
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start"`
}

// LoggingConfig controls logrus/zap output.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// SignerConfig holds the coordinator's Ed25519 signer identity, used to sign
// artifact hashes, gate evidence, and grant chains.
type SignerConfig struct {
	KeyID          string `json:"key_id" yaml:"key_id"`
	PrivateKeyHex  string `json:"private_key_hex" yaml:"private_key_hex"`
	PrivateKeyFile string `json:"private_key_file" yaml:"private_key_file"`
}

// WorkerConfig controls the per-shard lease registry used by background
// workers (retention, reconciliation, month-close, delivery-ack replay).
type WorkerConfig struct {
	ShardCount    int           `json:"shard_count" yaml:"shard_count"`
	LeaseDuration time.Duration `json:"lease_duration" yaml:"lease_duration"`
	PollInterval  time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// RedisConfig controls the idempotency-key and rate-limit cache.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// RailsConfig controls the money-rail webhook verification and dead-letter
// replay policy.
type RailsConfig struct {
	WebhookSigningSecret string        `json:"webhook_signing_secret" yaml:"webhook_signing_secret"`
	MaxReplayAttempts    int           `json:"max_replay_attempts" yaml:"max_replay_attempts"`
	ReplayBackoff        time.Duration `json:"replay_backoff" yaml:"replay_backoff"`
}

// SecurityConfig controls payload encryption for party statements and
// artifact envelopes.
type SecurityConfig struct {
	EnvelopeEncryptionKey string `json:"envelope_encryption_key" yaml:"envelope_encryption_key"`
}

// Config is the coordinator's top-level runtime configuration.
type Config struct {
	Environment string         `json:"environment" yaml:"environment"`
	Server      ServerConfig   `json:"server" yaml:"server"`
	Database    DatabaseConfig `json:"database" yaml:"database"`
	Logging     LoggingConfig  `json:"logging" yaml:"logging"`
	Signer      SignerConfig   `json:"signer" yaml:"signer"`
	Worker      WorkerConfig   `json:"worker" yaml:"worker"`
	Redis       RedisConfig    `json:"redis" yaml:"redis"`
	Rails       RailsConfig    `json:"rails" yaml:"rails"`
	Security    SecurityConfig `json:"security" yaml:"security"`
}

// New returns a Config populated with development-friendly defaults.
func New() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			DSN:             "postgres://localhost:5432/settld?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 1800,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Worker: WorkerConfig{
			ShardCount:    4,
			LeaseDuration: 30 * time.Second,
			PollInterval:  5 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Rails: RailsConfig{
			MaxReplayAttempts: 5,
			ReplayBackoff:     2 * time.Second,
		},
	}
}

// Load loads an optional .env file, an optional CONFIG_FILE (YAML/JSON,
// defaulting to configs/config.yaml), then applies environment variable
// overrides on top. Missing config files are not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadFile reads configuration from a YAML file, falling back to defaults
// for anything it doesn't set, then applies environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadConfig reads configuration from a JSON file. Used by callers and
// tests that work with JSON config snippets rather than YAML.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides lets SETTLD_*/well-known environment variables override
// file-loaded values, so deployments can inject secrets without editing the
// checked-in config file.
func applyEnvOverrides(cfg *Config) {
	cfg.Environment = GetEnv("SETTLD_ENV", cfg.Environment)
	cfg.Server.Host = GetEnv("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = GetEnvInt("SERVER_PORT", cfg.Server.Port)

	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	} else {
		cfg.Database.DSN = GetEnv("DATABASE_DSN", cfg.Database.DSN)
	}
	cfg.Database.MaxOpenConns = GetEnvInt("DATABASE_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = GetEnvInt("DATABASE_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)

	cfg.Logging.Level = GetEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = GetEnv("LOG_FORMAT", cfg.Logging.Format)

	cfg.Signer.KeyID = GetEnv("SIGNER_KEY_ID", cfg.Signer.KeyID)
	cfg.Signer.PrivateKeyHex = GetEnv("SIGNER_PRIVATE_KEY_HEX", cfg.Signer.PrivateKeyHex)
	cfg.Signer.PrivateKeyFile = GetEnv("SIGNER_PRIVATE_KEY_FILE", cfg.Signer.PrivateKeyFile)

	cfg.Redis.Addr = GetEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = GetEnv("REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Rails.WebhookSigningSecret = GetEnv("RAILS_WEBHOOK_SIGNING_SECRET", cfg.Rails.WebhookSigningSecret)

	cfg.Security.EnvelopeEncryptionKey = GetEnv("SECRET_ENCRYPTION_KEY", cfg.Security.EnvelopeEncryptionKey)
}

// ConnectionString builds a PostgreSQL connection string from discrete host
// parameters. Only used when DSN is empty and a driver-level connector
// needs host/port/user/password/name/sslmode separately.
func (c DatabaseConfig) ConnectionString(host string, port int, user, password, name, sslmode string) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, name, sslmode,
	)
}
