package config

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func validKey() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 32))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("HTTP.Addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Sync.StreamSafetyBuffer != 10*time.Minute {
		t.Errorf("StreamSafetyBuffer = %v, want 10m", cfg.Sync.StreamSafetyBuffer)
	}
	if cfg.Sync.BatchChunkSize != 50 || cfg.Sync.BatchParallelism != 3 {
		t.Errorf("batch defaults = %d/%d", cfg.Sync.BatchChunkSize, cfg.Sync.BatchParallelism)
	}
	if cfg.Google.CustomerID != "my_customer" {
		t.Errorf("CustomerID = %q", cfg.Google.CustomerID)
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
http:
  addr: ":9090"
rate_limit:
  per_second: 5
  burst: 80
sync:
  stream_safety_buffer: 15m
  batch_chunk_size: 25
  batch_parallelism: 2
  noise_filter:
    - "Google Chrome"
    - "iOS Account Manager"
encryption:
  key: "`+validKey()+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("HTTP.Addr = %q", cfg.HTTP.Addr)
	}
	if cfg.RateLimit.PerSecond != 5 || cfg.RateLimit.Burst != 80 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.Sync.StreamSafetyBuffer != 15*time.Minute {
		t.Errorf("StreamSafetyBuffer = %v", cfg.Sync.StreamSafetyBuffer)
	}
	if len(cfg.Sync.NoiseFilter) != 2 {
		t.Errorf("NoiseFilter = %v", cfg.Sync.NoiseFilter)
	}

	key, err := cfg.EncryptionKey()
	if err != nil {
		t.Fatalf("EncryptionKey() error = %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d", len(key))
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "postgres://file"
`)
	t.Setenv("SCANNER_DATABASE_DSN", "postgres://env")
	t.Setenv("SCANNER_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.DSN != "postgres://env" {
		t.Errorf("DSN = %q, want env value", cfg.Database.DSN)
	}
	if string(cfg.Log.Level) != "warn" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "bad encryption key encoding",
			content: "encryption:\n  key: \"not-base64!\"\n",
		},
		{
			name:    "short encryption key",
			content: "encryption:\n  key: \"" + base64.StdEncoding.EncodeToString([]byte("short")) + "\"\n",
		},
		{
			name:    "zero chunk size",
			content: "sync:\n  batch_chunk_size: 0\n",
		},
		{
			name:    "zero rate",
			content: "rate_limit:\n  per_second: 0\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
