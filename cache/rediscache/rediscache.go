// Package rediscache backs the metadata cache with Redis so cache entries
// survive process restarts and are shared across service instances.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ecociel/labelling/domain"
)

// Cache stores task metadata under "<prefix>:taskmeta:<tenant>:<external_id>".
type Cache struct {
	client redis.UniversalClient
	prefix string
}

// New creates a Redis-backed metadata cache with the default "lt" prefix.
func New(client redis.UniversalClient) *Cache {
	return &Cache{client: client, prefix: "lt"}
}

// WithPrefix overrides the key prefix.
func (c *Cache) WithPrefix(prefix string) *Cache {
	c.prefix = prefix
	return c
}

func (c *Cache) key(tenantID, externalID string) string {
	return c.prefix + ":taskmeta:" + tenantID + ":" + externalID
}

// Get returns the cached metadata; redis.Nil maps to a miss.
func (c *Cache) Get(ctx context.Context, tenantID, externalID string) (domain.TaskDetails, bool, error) {
	raw, err := c.client.Get(ctx, c.key(tenantID, externalID)).Result()
	if err == redis.Nil {
		return domain.TaskDetails{}, false, nil
	}
	if err != nil {
		return domain.TaskDetails{}, false, fmt.Errorf("cache get: %w", err)
	}
	var details domain.TaskDetails
	if err := json.Unmarshal([]byte(raw), &details); err != nil {
		return domain.TaskDetails{}, false, fmt.Errorf("decode cached metadata: %w", err)
	}
	return details, true, nil
}

// Put stores metadata with the TTL, replacing any entry.
func (c *Cache) Put(ctx context.Context, tenantID, externalID string, details domain.TaskDetails, ttl time.Duration) error {
	body, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := c.client.Set(ctx, c.key(tenantID, externalID), body, ttl).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Invalidate drops the entry.
func (c *Cache) Invalidate(ctx context.Context, tenantID, externalID string) error {
	if err := c.client.Del(ctx, c.key(tenantID, externalID)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}
