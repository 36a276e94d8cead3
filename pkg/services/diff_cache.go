package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/models"
)

// DefaultDiffCacheTTL is how long a computed snapshot diff is kept.
const DefaultDiffCacheTTL = 10 * time.Minute

// DiffCache stores computed snapshot diffs. Snapshots are immutable, so a diff
// never goes stale; the TTL only bounds memory.
type DiffCache interface {
	Get(ctx context.Context, key string) (*models.StructuredDiff, bool)
	Set(ctx context.Context, key string, diff *models.StructuredDiff)
}

// RedisDiffCache keeps diffs in Redis so every instance shares them.
type RedisDiffCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewRedisDiffCache creates a DiffCache backed by client.
func NewRedisDiffCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisDiffCache {
	if ttl <= 0 {
		ttl = DefaultDiffCacheTTL
	}
	return &RedisDiffCache{
		client: client,
		ttl:    ttl,
		prefix: "costing:diff:",
		logger: logger.Named("diff-cache"),
	}
}

var _ DiffCache = (*RedisDiffCache)(nil)

func (c *RedisDiffCache) Get(ctx context.Context, key string) (*models.StructuredDiff, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Failed to read cached diff", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var diff models.StructuredDiff
	if err := json.Unmarshal(data, &diff); err != nil {
		c.logger.Warn("Discarding undecodable cached diff", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &diff, true
}

func (c *RedisDiffCache) Set(ctx context.Context, key string, diff *models.StructuredDiff) {
	data, err := json.Marshal(diff)
	if err != nil {
		c.logger.Warn("Failed to encode diff for cache", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("Failed to cache diff", zap.String("key", key), zap.Error(err))
	}
}

// MemoryDiffCache is the in-process DiffCache used when Redis is not configured.
type MemoryDiffCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryDiffEntry
	now     func() time.Time
}

type memoryDiffEntry struct {
	diff    *models.StructuredDiff
	expires time.Time
}

// NewMemoryDiffCache creates an in-process DiffCache.
func NewMemoryDiffCache(ttl time.Duration) *MemoryDiffCache {
	if ttl <= 0 {
		ttl = DefaultDiffCacheTTL
	}
	return &MemoryDiffCache{
		ttl:     ttl,
		entries: make(map[string]memoryDiffEntry),
		now:     time.Now,
	}
}

var _ DiffCache = (*MemoryDiffCache)(nil)

func (c *MemoryDiffCache) Get(_ context.Context, key string) (*models.StructuredDiff, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.diff, true
}

func (c *MemoryDiffCache) Set(_ context.Context, key string, diff *models.StructuredDiff) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = memoryDiffEntry{diff: diff, expires: now.Add(c.ttl)}
}
