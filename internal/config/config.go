package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v10"
)

// ErrConfiguration marks settings that make the process unable to start.
var ErrConfiguration = errors.New("configuration error")

// Storage modes.
const (
	StorageLocal    = "local"
	StorageRemote   = "remote"
	StoragePostgres = "postgres"
)

// Remote drivers.
const (
	DriverS3    = "s3"
	DriverMinio = "minio"
)

// Config holds runtime configuration.
type Config struct {
	// Server
	Host      string `env:"HOST" envDefault:"0.0.0.0"`
	Port      int    `env:"PORT" envDefault:"8888"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Upload limits
	MaxUploadSize int64 `env:"MAX_UPLOAD_SIZE" envDefault:"10485760"` // 10MB in bytes

	// Storage
	StorageMode    string `env:"STORAGE_MODE" envDefault:"local"` // "local", "remote" or "postgres"
	BaseDir        string `env:"BASE_DIR" envDefault:"./data"`
	RemoteDriver   string `env:"REMOTE_DRIVER" envDefault:"s3"` // "s3" or "minio"
	Bucket         string `env:"BUCKET"`
	BucketPrefix   string `env:"BUCKET_PREFIX"`
	S3Region       string `env:"S3_REGION"`
	S3Endpoint     string `env:"S3_ENDPOINT"`
	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"true"`
	DBURL          string `env:"DB_URL"`
	DBTable        string `env:"DB_TABLE" envDefault:"centroid_blobs"`
	CopyAttempts   int    `env:"COPY_ATTEMPTS" envDefault:"3"`
	ArchiveAudio   bool   `env:"ARCHIVE_AUDIO" envDefault:"false"`

	// Matching
	EmbeddingDims     int      `env:"EMBEDDING_DIMS" envDefault:"512"`
	MaxResults        int      `env:"MAX_RESULTS" envDefault:"5"`
	Threshold         *float64 `env:"THRESHOLD"` // no default: must be set by the operator
	StrictValidation  bool     `env:"STRICT_VALIDATION" envDefault:"false"`
	DistancePrecision int      `env:"DISTANCE_PRECISION" envDefault:"3"`

	// Embedding model
	ModelURL     string        `env:"MODEL_URL"`
	ModelTimeout time.Duration `env:"MODEL_TIMEOUT" envDefault:"30s"`

	// Cache
	CacheProvider string        `env:"CACHE_PROVIDER" envDefault:"none"` // "none" or "redis"
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"24h"`

	// Notifications
	NotifyProvider string `env:"NOTIFY_PROVIDER" envDefault:"none"` // "none" or "nats"
	NATSURL        string `env:"NATS_URL"`
	NotifySubject  string `env:"NOTIFY_SUBJECT" envDefault:"speakers.centroids"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Warn("failed to parse env; using defaults where set", "err", err)
	}
	return cfg
}

// Addr returns the listening address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ValidateStorage checks the settings needed to open the centroid store.
func (c Config) ValidateStorage() error {
	return wrap(c.storageErrs())
}

func (c Config) storageErrs() []error {
	var errs []error
	switch c.StorageMode {
	case StorageLocal:
		if c.BaseDir == "" {
			errs = append(errs, errors.New("BASE_DIR is required when STORAGE_MODE=local"))
		}
	case StorageRemote:
		if c.Bucket == "" {
			errs = append(errs, errors.New("BUCKET is required when STORAGE_MODE=remote"))
		}
		switch c.RemoteDriver {
		case DriverS3:
		case DriverMinio:
			if c.MinioEndpoint == "" {
				errs = append(errs, errors.New("MINIO_ENDPOINT is required when REMOTE_DRIVER=minio"))
			}
		default:
			errs = append(errs, fmt.Errorf("invalid REMOTE_DRIVER: %s (valid options: s3, minio)", c.RemoteDriver))
		}
	case StoragePostgres:
		if c.DBURL == "" {
			errs = append(errs, errors.New("DB_URL is required when STORAGE_MODE=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORAGE_MODE: %s (valid options: local, remote, postgres)", c.StorageMode))
	}
	if c.EmbeddingDims <= 0 {
		errs = append(errs, fmt.Errorf("EMBEDDING_DIMS must be positive, got %d", c.EmbeddingDims))
	}
	return errs
}

// Validate checks everything the server needs at startup.
func (c Config) Validate() error {
	errs := c.storageErrs()
	if c.Threshold == nil {
		errs = append(errs, errors.New("THRESHOLD is required"))
	} else if *c.Threshold < 0 {
		errs = append(errs, fmt.Errorf("THRESHOLD must not be negative, got %g", *c.Threshold))
	}
	if c.MaxResults <= 0 {
		errs = append(errs, fmt.Errorf("MAX_RESULTS must be positive, got %d", c.MaxResults))
	}
	if c.ModelURL == "" {
		errs = append(errs, errors.New("MODEL_URL is required"))
	}
	switch c.CacheProvider {
	case "none", "":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when CACHE_PROVIDER=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid CACHE_PROVIDER: %s (valid options: none, redis)", c.CacheProvider))
	}
	switch c.NotifyProvider {
	case "none", "":
	case "nats":
		if c.NATSURL == "" {
			errs = append(errs, errors.New("NATS_URL is required when NOTIFY_PROVIDER=nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid NOTIFY_PROVIDER: %s (valid options: none, nats)", c.NotifyProvider))
	}
	return wrap(errs)
}

func wrap(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
}
