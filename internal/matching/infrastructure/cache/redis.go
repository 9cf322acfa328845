// Package cache provides a Redis-backed embedding cache. Embeddings
// are deterministic per model and text, so they cache well; the TTL
// only bounds storage growth.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cvmatch/cvmatch/internal/matching/application"
)

// DefaultTTL keeps cached embeddings for a day.
const DefaultTTL = 24 * time.Hour

// Store is the slice of the Redis client the cache uses, split out so
// tests can fake the commands.
type Store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// CachedEmbedder decorates an Embedder with a Redis lookaside cache.
// Cache failures degrade to direct calls; the cache is never allowed to
// fail an optimization.
type CachedEmbedder struct {
	inner  application.Embedder
	client Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedEmbedder creates the cache decorator.
func NewCachedEmbedder(inner application.Embedder, client Store, ttl time.Duration, logger *slog.Logger) *CachedEmbedder {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEmbedder{inner: inner, client: client, ttl: ttl, logger: logger}
}

// Embed returns the cached vector for the content hash, falling back to
// the wrapped embedder and writing the result back.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)

	cached, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var vector []float32
		if err := json.Unmarshal(cached, &vector); err == nil && len(vector) > 0 {
			return vector, nil
		}
		c.logger.Warn("discarding corrupt cached embedding", "key", key)
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("embedding cache read failed", "error", err)
	}

	vector, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(vector)
	if err == nil {
		if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.logger.Warn("embedding cache write failed", "error", err)
		}
	}

	return vector, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "cvmatch:embedding:" + hex.EncodeToString(sum[:])
}
