package warehouse

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carelattice/warehouse/pkg/common/logger"
)

// KeyCache memoizes natural-key to surrogate-key lookups in Redis. It is
// strictly advisory: a nil client or a cache failure degrades to the
// database lookup, never to an error.
type KeyCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewKeyCache(client *redis.Client, ttl time.Duration) *KeyCache {
	return &KeyCache{client: client, ttl: ttl}
}

func cacheKey(entityType, naturalKey string) string {
	return fmt.Sprintf("wh:key:%s:%s", entityType, naturalKey)
}

func (c *KeyCache) Get(ctx context.Context, entityType, naturalKey string) (uint, bool) {
	if c == nil || c.client == nil {
		return 0, false
	}
	val, err := c.client.Get(ctx, cacheKey(entityType, naturalKey)).Result()
	if err != nil {
		return 0, false
	}
	parsed, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(parsed), true
}

func (c *KeyCache) Set(ctx context.Context, entityType, naturalKey string, key uint) {
	if c == nil || c.client == nil {
		return
	}
	err := c.client.Set(ctx, cacheKey(entityType, naturalKey), strconv.FormatUint(uint64(key), 10), c.ttl).Err()
	if err != nil {
		logger.Log.WithField("entity_type", entityType).Warnf("key cache set failed: %v", err)
	}
}

// Invalidate drops every cached key for one entity type. Called after
// deduplication rewrites surrogate keys.
func (c *KeyCache) Invalidate(ctx context.Context, entityType string) {
	if c == nil || c.client == nil {
		return
	}
	pattern := cacheKey(entityType, "*")
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Log.Warnf("key cache invalidate failed: %v", err)
			return
		}
	}
	if err := iter.Err(); err != nil {
		logger.Log.Warnf("key cache scan failed: %v", err)
	}
}
