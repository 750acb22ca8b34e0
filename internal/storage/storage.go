// Package storage provides the blob backends that hold the persisted centroid
// files. Every backend exposes the same three operations over named blobs so
// the centroid store can run unchanged on local disk, an object store, or a
// database table.
package storage

import (
	"context"
	"fmt"
	"os"
)

// ErrNotFound is returned (wrapped) when a blob does not exist.
// It maps to os.ErrNotExist so errors.Is works with either value.
var ErrNotFound = os.ErrNotExist

// Backend is raw read/write/copy access to named blobs.
//
// Write must be atomic from a reader's point of view: a concurrent or later
// Read observes either the previous content or the complete new content.
// Implementations must be safe for concurrent use.
type Backend interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	// Copy replaces dst with the content of src. Backends without a native
	// copy fall back to CopyVia; a failure between the read and the write
	// leaves dst untouched and may be retried.
	Copy(ctx context.Context, src, dst string) error
}

// CopyVia copies src to dst by reading and rewriting the whole blob.
func CopyVia(ctx context.Context, b Backend, src, dst string) error {
	data, err := b.Read(ctx, src)
	if err != nil {
		return err
	}
	if err := b.Write(ctx, dst, data); err != nil {
		return fmt.Errorf("storage: copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

func notFound(name string) error {
	return fmt.Errorf("storage: %s: %w", name, ErrNotFound)
}
