package cache

import (
	"context"
	"log/slog"
	"time"

	"speaker-id/internal/embeddings"
)

// CachingModel wraps an embeddings.Model with a Cache. Cache failures are
// logged and never fail the request.
type CachingModel struct {
	model embeddings.Model
	cache Cache
	ttl   time.Duration
	log   *slog.Logger
}

func NewCachingModel(model embeddings.Model, c Cache, ttl time.Duration, log *slog.Logger) *CachingModel {
	return &CachingModel{model: model, cache: c, ttl: ttl, log: log}
}

func (m *CachingModel) Embed(ctx context.Context, audio []byte) (embeddings.Vector, error) {
	key := AudioKey(audio)
	if vec, err := m.cache.GetEmbedding(ctx, key); err != nil {
		m.log.Warn("embedding cache read failed", "err", err)
	} else if vec != nil {
		m.log.Debug("embedding cache hit", "key", key)
		return vec, nil
	}

	vec, err := m.model.Embed(ctx, audio)
	if err != nil {
		return nil, err
	}
	if err := m.cache.SetEmbedding(ctx, key, vec, m.ttl); err != nil {
		m.log.Warn("failed to cache embedding", "err", err)
	}
	return vec, nil
}

var _ embeddings.Model = (*CachingModel)(nil)
