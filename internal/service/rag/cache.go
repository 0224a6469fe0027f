package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"csvai/internal/logger"
	"csvai/internal/redis"
)

const embeddingKeyPrefix = "embedding:"

// EmbeddingCache keeps vectors in process and, when a redis client is
// given, in redis so they survive restarts and are shared between replicas.
type EmbeddingCache struct {
	local *gocache.Cache
	redis *redis.Client
	ttl   time.Duration
}

func NewEmbeddingCache(client *redis.Client, ttl time.Duration) *EmbeddingCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &EmbeddingCache{
		local: gocache.New(ttl, ttl/2),
		redis: client,
		ttl:   ttl,
	}
}

// CacheKey identifies the embedding of content under model.
func CacheKey(model, content string) string {
	sum := sha256.Sum256([]byte(model + content))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached vector for key.
func (c *EmbeddingCache) Get(ctx context.Context, key string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	if v, ok := c.local.Get(key); ok {
		return v.([]float32), true
	}
	if c.redis == nil {
		return nil, false
	}
	var vec []float32
	if err := c.redis.GetJSON(ctx, embeddingKeyPrefix+key, &vec); err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			logger.Extract(ctx).Warn("read embedding cache", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	c.local.Set(key, vec, gocache.DefaultExpiration)
	return vec, true
}

// Set stores vec under key.
func (c *EmbeddingCache) Set(ctx context.Context, key string, vec []float32) {
	if c == nil {
		return
	}
	c.local.Set(key, vec, gocache.DefaultExpiration)
	if c.redis == nil {
		return
	}
	if err := c.redis.SetJSON(ctx, embeddingKeyPrefix+key, vec, c.ttl); err != nil {
		logger.Extract(ctx).Warn("write embedding cache", zap.Error(err))
	}
}

// Len reports the number of vectors held in process.
func (c *EmbeddingCache) Len() int {
	if c == nil {
		return 0
	}
	return c.local.ItemCount()
}
