package enrich

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pulsewire/platform/pkg/common/logger"
	"github.com/pulsewire/platform/pkg/common/models"
	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "enrich:v1:"

// ResultCache maps a normalized-text hash to a previously computed
// enrichment result. A miss must never change correctness, only cost, so
// implementations report errors as misses.
type ResultCache interface {
	Get(ctx context.Context, hash string) (*models.EnrichmentResult, bool)
	Put(ctx context.Context, hash string, result *models.EnrichmentResult)
}

// RedisCache stores enrichment results in Redis with a TTL. Entries are
// written once and never updated in place; expiry replaces them.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, hash string) (*models.EnrichmentResult, bool) {
	data, err := c.rdb.Get(ctx, cacheKeyPrefix+hash).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.Log.WithError(err).Debug("Enrichment cache read failed; treating as miss")
		}
		return nil, false
	}

	var result models.EnrichmentResult
	if err := json.Unmarshal(data, &result); err != nil {
		logger.Log.WithError(err).WithField("hash", hash).Warn("Corrupt enrichment cache entry; treating as miss")
		return nil, false
	}
	return &result, true
}

func (c *RedisCache) Put(ctx context.Context, hash string, result *models.EnrichmentResult) {
	data, err := json.Marshal(result)
	if err != nil {
		logger.Log.WithError(err).Error("Failed to marshal enrichment result")
		return
	}
	if err := c.rdb.Set(ctx, cacheKeyPrefix+hash, data, c.ttl).Err(); err != nil {
		// Cache writes are best-effort; the result is still returned upstream.
		logger.Log.WithError(err).WithField("hash", hash).Warn("Enrichment cache write failed")
	}
}
