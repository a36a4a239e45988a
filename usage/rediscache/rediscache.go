// Package rediscache provides a Redis-backed cache for usage counts.
//
// Counting a tenant's committed usage can be expensive (it typically scans
// the authoritative resource tables), so deployments may layer this cache
// over their CountFuncs. The resync flag bypasses the cache and refreshes
// it from the authoritative source; Invalidate drops cached counts when a
// reservation is cancelled, satisfying reservoir.UsageInvalidator.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/veldt-io/reservoir"
)

// Cache caches usage counts in Redis.
type Cache struct {
	client    goredis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

var _ reservoir.UsageInvalidator = (*Cache)(nil)

// Option configures Cache.
type Option func(*Cache)

// WithKeyPrefix sets the Redis key prefix (default "reservoir:usage:").
func WithKeyPrefix(prefix string) Option {
	return func(c *Cache) { c.keyPrefix = prefix }
}

// WithTTL sets the cache entry lifetime (default 30s).
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// New creates a usage-count cache.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Cache {
	c := &Cache{
		client:    client,
		keyPrefix: "reservoir:usage:",
		ttl:       30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) key(resource, tenantID string) string {
	return c.keyPrefix + resource + ":" + tenantID
}

// Wrap decorates a CountFunc for one resource kind with caching. A resync
// request skips the cached value and refreshes it from fn.
func (c *Cache) Wrap(resource string, fn reservoir.CountFunc) reservoir.CountFunc {
	return func(ctx context.Context, tenantID string, resync bool) (int64, error) {
		key := c.key(resource, tenantID)

		if !resync {
			cached, err := c.client.Get(ctx, key).Result()
			if err == nil {
				if usage, perr := strconv.ParseInt(cached, 10, 64); perr == nil {
					return usage, nil
				}
			} else if !errors.Is(err, goredis.Nil) {
				return 0, fmt.Errorf("reservoir/rediscache: get %s: %w", key, err)
			}
		}

		usage, err := fn(ctx, tenantID, resync)
		if err != nil {
			return 0, err
		}

		// Best effort: a failed cache write must not fail the count.
		_ = c.client.Set(ctx, key, strconv.FormatInt(usage, 10), c.ttl).Err()
		return usage, nil
	}
}

// Invalidate drops cached counts for the given tenant/resource pairs.
func (c *Cache) Invalidate(ctx context.Context, tenantID string, resources []string) error {
	if len(resources) == 0 {
		return nil
	}
	keys := make([]string, 0, len(resources))
	for _, resource := range resources {
		keys = append(keys, c.key(resource, tenantID))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("reservoir/rediscache: invalidate: %w", err)
	}
	return nil
}
