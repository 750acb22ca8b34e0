package config

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

// clearEnv empties the environment for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(func() {
		os.Clearenv()
		for _, env := range originalEnv {
			if k, v, ok := strings.Cut(env, "="); ok {
				os.Setenv(k, v)
			}
		}
	})
	os.Clearenv()
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	tests := []struct {
		name     string
		got      interface{}
		expected interface{}
	}{
		{"Host", cfg.Host, "0.0.0.0"},
		{"Port", cfg.Port, 8888},
		{"LogLevel", cfg.LogLevel, "info"},
		{"LogFormat", cfg.LogFormat, "json"},
		{"StorageMode", cfg.StorageMode, "local"},
		{"BaseDir", cfg.BaseDir, "./data"},
		{"RemoteDriver", cfg.RemoteDriver, "s3"},
		{"DBTable", cfg.DBTable, "centroid_blobs"},
		{"EmbeddingDims", cfg.EmbeddingDims, 512},
		{"MaxResults", cfg.MaxResults, 5},
		{"DistancePrecision", cfg.DistancePrecision, 3},
		{"ModelTimeout", cfg.ModelTimeout, 30 * time.Second},
		{"CopyAttempts", cfg.CopyAttempts, 3},
		{"CacheProvider", cfg.CacheProvider, "none"},
		{"NotifyProvider", cfg.NotifyProvider, "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("expected %s=%v, got %v", tt.name, tt.expected, tt.got)
			}
		})
	}

	if cfg.Threshold != nil {
		t.Errorf("expected no threshold by default, got %v", *cfg.Threshold)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("PORT", "9090")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("THRESHOLD", "0.3")
	os.Setenv("STORAGE_MODE", "remote")
	os.Setenv("MODEL_TIMEOUT", "2s")

	cfg := Load()

	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.LogLevel)
	}
	if cfg.Threshold == nil || *cfg.Threshold != 0.3 {
		t.Errorf("expected threshold 0.3, got %v", cfg.Threshold)
	}
	if cfg.StorageMode != StorageRemote {
		t.Errorf("expected storage mode 'remote', got %s", cfg.StorageMode)
	}
	if cfg.ModelTimeout != 2*time.Second {
		t.Errorf("expected model timeout 2s, got %s", cfg.ModelTimeout)
	}
	if cfg.Addr() != "0.0.0.0:9090" {
		t.Errorf("unexpected addr %s", cfg.Addr())
	}
}

func TestValidate(t *testing.T) {
	threshold := 0.3
	valid := func() Config {
		return Config{
			StorageMode:    StorageLocal,
			BaseDir:        "./data",
			RemoteDriver:   DriverS3,
			EmbeddingDims:  512,
			MaxResults:     5,
			Threshold:      &threshold,
			ModelURL:       "http://model:9000/embed",
			CacheProvider:  "none",
			NotifyProvider: "none",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid local", func(*Config) {}, ""},
		{"missing threshold", func(c *Config) { c.Threshold = nil }, "THRESHOLD is required"},
		{"unknown storage mode", func(c *Config) { c.StorageMode = "ftp" }, "invalid STORAGE_MODE"},
		{"remote without bucket", func(c *Config) { c.StorageMode = StorageRemote }, "BUCKET is required"},
		{"unknown remote driver", func(c *Config) {
			c.StorageMode = StorageRemote
			c.Bucket = "b"
			c.RemoteDriver = "gcs"
		}, "invalid REMOTE_DRIVER"},
		{"minio without endpoint", func(c *Config) {
			c.StorageMode = StorageRemote
			c.Bucket = "b"
			c.RemoteDriver = DriverMinio
		}, "MINIO_ENDPOINT is required"},
		{"postgres without url", func(c *Config) { c.StorageMode = StoragePostgres }, "DB_URL is required"},
		{"zero dims", func(c *Config) { c.EmbeddingDims = 0 }, "EMBEDDING_DIMS"},
		{"zero results", func(c *Config) { c.MaxResults = 0 }, "MAX_RESULTS"},
		{"missing model", func(c *Config) { c.ModelURL = "" }, "MODEL_URL is required"},
		{"redis without addr", func(c *Config) { c.CacheProvider = "redis" }, "REDIS_ADDR is required"},
		{"nats without url", func(c *Config) { c.NotifyProvider = "nats" }, "NATS_URL is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateStorageIgnoresServerSettings(t *testing.T) {
	cfg := Config{StorageMode: StorageLocal, BaseDir: "./data", EmbeddingDims: 512}
	if err := cfg.ValidateStorage(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
