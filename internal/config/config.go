// Package config loads the audience engine configuration from a yaml file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the audience engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Refresher RefresherConfig `yaml:"refresher"`
	Export    ExportConfig    `yaml:"export"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP boundary settings.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ShutdownSeconds int    `yaml:"shutdown_seconds"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis settings for per-member locking. Optional:
// with no address configured the engine falls back to Postgres advisory
// locks.
type RedisConfig struct {
	Addr           string `yaml:"addr"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

// RefresherConfig tunes the bulk reconciliation fan-out.
type RefresherConfig struct {
	NumWorkers int `yaml:"num_workers"`
}

// ExportConfig holds the S3 destination for audience exports.
type ExportConfig struct {
	Enabled  bool   `yaml:"enabled"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Region string `yaml:"s3_region"`
	Prefix   string `yaml:"prefix"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// LockTTL returns the member-lock TTL as a duration.
func (r RedisConfig) LockTTL() time.Duration {
	return time.Duration(r.LockTTLSeconds) * time.Second
}

// Load reads a yaml config file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads the config file (optional .env first) and overrides
// fields from the environment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if bucket := os.Getenv("EXPORT_S3_BUCKET"); bucket != "" {
		cfg.Export.S3Bucket = bucket
		cfg.Export.Enabled = true
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.ShutdownSeconds == 0 {
		cfg.Server.ShutdownSeconds = 15
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Redis.LockTTLSeconds == 0 {
		cfg.Redis.LockTTLSeconds = 30
	}
	if cfg.Refresher.NumWorkers == 0 {
		cfg.Refresher.NumWorkers = 8
	}
	if cfg.Export.S3Region == "" {
		cfg.Export.S3Region = "us-east-1"
	}
	if cfg.Export.Prefix == "" {
		cfg.Export.Prefix = "audience-exports"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
