// Package config loads scanner configuration from a YAML file with
// environment variable overrides for deployment secrets.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/logging"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/ratelimit"
)

// Config is the root configuration of the scanner daemon.
type Config struct {
	Log logging.Config `yaml:"log"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Encryption struct {
		// Key is the base64-encoded 32-byte token encryption key.
		Key string `yaml:"key"`
	} `yaml:"encryption"`

	RateLimit ratelimit.BucketConfig `yaml:"rate_limit"`

	Sync SyncConfig `yaml:"sync"`

	Google GoogleConfig `yaml:"google"`
}

// SyncConfig tunes the sync pipeline.
type SyncConfig struct {
	RefreshWindow      time.Duration `yaml:"refresh_window"`
	LockTTL            time.Duration `yaml:"lock_ttl"`
	StreamSafetyBuffer time.Duration `yaml:"stream_safety_buffer"`
	PageCap            int           `yaml:"page_cap"`
	BatchChunkSize     int           `yaml:"batch_chunk_size"`
	BatchParallelism   int           `yaml:"batch_parallelism"`
	// NoiseFilter lists application display names dropped before
	// reconciliation.
	NoiseFilter []string `yaml:"noise_filter"`
}

// GoogleConfig holds the Google Workspace OAuth client.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	CustomerID   string `yaml:"customer_id"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	var cfg Config
	cfg.Log = logging.DefaultConfig()
	cfg.HTTP.Addr = ":8080"
	cfg.Redis.Addr = "localhost:6379"
	cfg.RateLimit = ratelimit.DefaultBucketConfig()
	cfg.Sync = SyncConfig{
		RefreshWindow:      5 * time.Minute,
		LockTTL:            30 * time.Minute,
		StreamSafetyBuffer: 10 * time.Minute,
		PageCap:            0,
		BatchChunkSize:     50,
		BatchParallelism:   3,
	}
	cfg.Google.CustomerID = "my_customer"
	return cfg
}

// Load reads path (optional, empty skips the file), applies environment
// overrides, and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets deployment secrets override file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SCANNER_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("SCANNER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SCANNER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SCANNER_ENCRYPTION_KEY"); v != "" {
		cfg.Encryption.Key = v
	}
	if v := os.Getenv("SCANNER_GOOGLE_CLIENT_ID"); v != "" {
		cfg.Google.ClientID = v
	}
	if v := os.Getenv("SCANNER_GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Google.ClientSecret = v
	}
	if v := os.Getenv("SCANNER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = logging.LogLevel(v)
	}
}

// Validate checks invariants that would otherwise fail deep inside the
// pipeline.
func (c Config) Validate() error {
	if c.Encryption.Key != "" {
		key, err := base64.StdEncoding.DecodeString(c.Encryption.Key)
		if err != nil {
			return fmt.Errorf("encryption key is not valid base64: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
		}
	}
	if c.Sync.BatchChunkSize <= 0 {
		return fmt.Errorf("sync.batch_chunk_size must be positive")
	}
	if c.Sync.BatchParallelism <= 0 {
		return fmt.Errorf("sync.batch_parallelism must be positive")
	}
	if c.Sync.StreamSafetyBuffer < 0 {
		return fmt.Errorf("sync.stream_safety_buffer must not be negative")
	}
	if c.RateLimit.PerSecond <= 0 {
		return fmt.Errorf("rate_limit.per_second must be positive")
	}
	return nil
}

// EncryptionKey decodes the configured key.
func (c Config) EncryptionKey() ([]byte, error) {
	if c.Encryption.Key == "" {
		return nil, fmt.Errorf("encryption key is not configured")
	}
	return base64.StdEncoding.DecodeString(c.Encryption.Key)
}
