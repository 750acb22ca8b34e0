package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/nats-io/nats.go"

	"speaker-id/internal/cache"
	"speaker-id/internal/centroids"
	"speaker-id/internal/config"
	"speaker-id/internal/embeddings"
	"speaker-id/internal/logger"
	"speaker-id/internal/notify"
	"speaker-id/internal/speaker"
	"speaker-id/internal/storage"
)

// Deps bundles common runtime dependencies for services.
type Deps struct {
	Config   config.Config
	Log      *slog.Logger
	Origin   string
	Backend  storage.Backend
	Store    *centroids.Store
	Model    embeddings.Model
	Cache    cache.Cache
	Notifier notify.Notifier
	Service  *speaker.Service

	closers []func() error
}

// Close releases connections opened by Build, newest first.
func (d Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build loads env, config, and every component the server needs.
func Build(ctx context.Context) (Deps, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return Deps{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Deps{}, err
	}

	deps, err := buildStorage(ctx, cfg, log)
	if err != nil {
		return Deps{}, err
	}
	model, err := buildModel(cfg, log)
	if err != nil {
		deps.Close()
		return Deps{}, fmt.Errorf("failed to initialize embedding model: %w", err)
	}
	c := buildCache(cfg, log)
	deps.closers = append(deps.closers, c.Close)
	if _, ok := c.(*cache.NoOpCache); !ok {
		model = cache.NewCachingModel(model, c, cfg.CacheTTL, log)
	}
	n, closeNotifier, err := buildNotifier(cfg, log, deps.Origin)
	if err != nil {
		deps.Close()
		return Deps{}, fmt.Errorf("failed to initialize notifier: %w", err)
	}
	deps.closers = append(deps.closers, closeNotifier)

	opts := speaker.Options{
		Threshold:    cfg.Threshold,
		MaxResults:   cfg.MaxResults,
		ModelTimeout: cfg.ModelTimeout,
		Strict:       cfg.StrictValidation,
		Notifier:     n,
		Origin:       deps.Origin,
	}
	if cfg.ArchiveAudio {
		opts.Archive = deps.Backend
	}

	deps.Model = model
	deps.Cache = c
	deps.Notifier = n
	deps.Service = speaker.New(deps.Store, model, log, opts)
	return deps, nil
}

// BuildStore loads config and opens only the centroid store. Used by tools
// that never embed audio.
func BuildStore(ctx context.Context) (Deps, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return Deps{}, err
	}
	if err := cfg.ValidateStorage(); err != nil {
		return Deps{}, err
	}
	return buildStorage(ctx, cfg, log)
}

func loadConfig() (config.Config, *slog.Logger, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config.Config{}, nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	cfg := config.Load()
	return cfg, logger.New(cfg.LogLevel, cfg.LogFormat), nil
}

func buildStorage(ctx context.Context, cfg config.Config, log *slog.Logger) (Deps, error) {
	backend, closeBackend, err := buildBackend(ctx, cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize storage: %w", err)
	}
	store := centroids.NewStore(backend, log, centroids.Options{
		Dims:     cfg.EmbeddingDims,
		Strict:   cfg.StrictValidation,
		Attempts: cfg.CopyAttempts,
	})
	return Deps{
		Config:  cfg,
		Log:     log,
		Origin:  origin(),
		Backend: backend,
		Store:   store,
		closers: []func() error{closeBackend},
	}, nil
}

func buildBackend(ctx context.Context, cfg config.Config, log *slog.Logger) (storage.Backend, func() error, error) {
	noop := func() error { return nil }
	switch cfg.StorageMode {
	case config.StorageLocal:
		local, err := storage.NewLocal(cfg.BaseDir)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using local storage", "dir", local.Root())
		return local, noop, nil
	case config.StorageRemote:
		switch cfg.RemoteDriver {
		case config.DriverS3:
			client, err := newS3Client(ctx, cfg)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to initialize S3 client: %w", err)
			}
			log.Info("using S3 storage", "bucket", cfg.Bucket, "prefix", cfg.BucketPrefix)
			return storage.NewS3(client, cfg.Bucket, cfg.BucketPrefix), noop, nil
		case config.DriverMinio:
			client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
				Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
				Secure: cfg.MinioUseSSL,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
			}
			log.Info("using MinIO storage", "endpoint", cfg.MinioEndpoint, "bucket", cfg.Bucket, "prefix", cfg.BucketPrefix)
			return storage.NewMinio(client, cfg.Bucket, cfg.BucketPrefix), noop, nil
		default:
			return nil, nil, fmt.Errorf("%w: invalid REMOTE_DRIVER: %s (valid options: s3, minio)", config.ErrConfiguration, cfg.RemoteDriver)
		}
	case config.StoragePostgres:
		db, err := storage.NewPostgres(ctx, cfg.DBURL, cfg.DBTable)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize Postgres: %w", err)
		}
		log.Info("using Postgres storage", "table", cfg.DBTable)
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: invalid STORAGE_MODE: %s (valid options: local, remote, postgres)", config.ErrConfiguration, cfg.StorageMode)
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func buildModel(cfg config.Config, log *slog.Logger) (embeddings.Model, error) {
	model, err := embeddings.NewHTTPModel(cfg.ModelURL, cfg.EmbeddingDims, cfg.ModelTimeout)
	if err != nil {
		return nil, err
	}
	log.Info("using HTTP embedding model", "url", cfg.ModelURL, "dims", cfg.EmbeddingDims, "timeout", cfg.ModelTimeout)
	return model, nil
}

func buildCache(cfg config.Config, log *slog.Logger) cache.Cache {
	switch cfg.CacheProvider {
	case "redis":
		c, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			log.Warn("redis unavailable, embedding cache disabled", "addr", cfg.RedisAddr, "err", err)
			return cache.NewNoOpCache()
		}
		log.Info("using Redis embedding cache", "addr", cfg.RedisAddr, "ttl", cfg.CacheTTL)
		return c
	default:
		return cache.NewNoOpCache()
	}
}

func buildNotifier(cfg config.Config, log *slog.Logger, origin string) (notify.Notifier, func() error, error) {
	switch cfg.NotifyProvider {
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("speakerd-"+origin))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		log.Info("using NATS notifications", "subject", cfg.NotifySubject)
		return notify.NewNATS(log, nc, cfg.NotifySubject, origin), nc.Drain, nil
	case "none", "":
		return notify.NoOp{}, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("%w: invalid NOTIFY_PROVIDER: %s (valid options: none, nats)", config.ErrConfiguration, cfg.NotifyProvider)
	}
}

// origin names this process in published events.
func origin() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "speakerd"
	}
	return host + "-" + uuid.NewString()[:8]
}
