package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"speaker-id/internal/embeddings"
)

// Cache stores embeddings computed for previously seen audio so repeated
// uploads skip model inference.
type Cache interface {
	// GetEmbedding returns nil, nil on a miss.
	GetEmbedding(ctx context.Context, key string) (embeddings.Vector, error)

	// SetEmbedding stores an embedding with TTL.
	SetEmbedding(ctx context.Context, key string, vec embeddings.Vector, ttl time.Duration) error

	// Close closes the cache connection
	Close() error
}

// AudioKey derives a cache key from the audio content.
func AudioKey(audio []byte) string {
	sum := sha256.Sum256(audio)
	return hex.EncodeToString(sum[:])
}
