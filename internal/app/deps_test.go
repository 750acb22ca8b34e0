package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speaker-id/internal/cache"
	"speaker-id/internal/config"
	"speaker-id/internal/notify"
	"speaker-id/internal/storage"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildBackendLocal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	cfg := config.Config{StorageMode: config.StorageLocal, BaseDir: dir}

	backend, closeFn, err := buildBackend(context.Background(), cfg, discard())
	require.NoError(t, err)
	require.IsType(t, &storage.Local{}, backend)
	assert.NoError(t, closeFn())

	require.NoError(t, backend.Write(context.Background(), "blob.json", []byte("{}")))
	_, err = os.Stat(filepath.Join(dir, "blob.json"))
	assert.NoError(t, err)
}

func TestBuildBackendRejectsUnknownModes(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"storage mode", config.Config{StorageMode: "ftp"}},
		{"remote driver", config.Config{StorageMode: config.StorageRemote, RemoteDriver: "gcs", Bucket: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := buildBackend(context.Background(), tt.cfg, discard())
			assert.ErrorIs(t, err, config.ErrConfiguration)
		})
	}
}

func TestBuildBackendMinio(t *testing.T) {
	cfg := config.Config{
		StorageMode:   config.StorageRemote,
		RemoteDriver:  config.DriverMinio,
		MinioEndpoint: "localhost:9000",
		Bucket:        "speakers",
		BucketPrefix:  "prod",
	}
	backend, _, err := buildBackend(context.Background(), cfg, discard())
	require.NoError(t, err)
	assert.IsType(t, &storage.MinioBackend{}, backend)
}

func TestBuildCacheFallsBackToNoOp(t *testing.T) {
	c := buildCache(config.Config{CacheProvider: "none"}, discard())
	assert.IsType(t, &cache.NoOpCache{}, c)

	// Nothing listens on port 1.
	c = buildCache(config.Config{CacheProvider: "redis", RedisAddr: "127.0.0.1:1"}, discard())
	assert.IsType(t, &cache.NoOpCache{}, c)
}

func TestBuildNotifier(t *testing.T) {
	n, closeFn, err := buildNotifier(config.Config{NotifyProvider: "none"}, discard(), "test")
	require.NoError(t, err)
	assert.Equal(t, notify.NoOp{}, n)
	assert.NoError(t, closeFn())

	_, _, err = buildNotifier(config.Config{NotifyProvider: "kafka"}, discard(), "test")
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestDepsCloseRunsNewestFirst(t *testing.T) {
	var order []int
	d := Deps{closers: []func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return nil },
	}}
	require.NoError(t, d.Close())
	assert.Equal(t, []int{2, 1}, order)
}
