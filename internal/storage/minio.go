package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
)

// MinioBackend stores blobs in a MinIO bucket.
type MinioBackend struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinio creates a MinIO backend. Prefix is prepended to every object name.
func NewMinio(client *minio.Client, bucket, prefix string) *MinioBackend {
	return &MinioBackend{client: client, bucket: bucket, prefix: trimSlashes(prefix)}
}

func (s *MinioBackend) key(name string) string {
	return path.Join(s.prefix, name)
}

func (s *MinioBackend) Read(ctx context.Context, name string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.translate(name, "get", err)
	}
	defer obj.Close()
	// GetObject is lazy; a missing object surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.translate(name, "read", err)
	}
	return data, nil
}

func (s *MinioBackend) Write(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType(name)})
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", name, err)
	}
	return nil
}

func (s *MinioBackend) Copy(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: s.key(dst)},
		minio.CopySrcOptions{Bucket: s.bucket, Object: s.key(src)},
	)
	if err != nil {
		return s.translate(src, "copy", err)
	}
	return nil
}

func (s *MinioBackend) translate(name, op string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
		return notFound(name)
	}
	return fmt.Errorf("storage: %s %s: %w", op, name, err)
}

func trimSlashes(prefix string) string {
	return strings.Trim(prefix, "/")
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".json":
		return "application/json"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

var _ Backend = (*MinioBackend)(nil)
