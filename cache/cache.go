// Package cache is the read-through metadata cache. It is never the system
// of record: every metadata-affecting write must invalidate or overwrite the
// entry before the write is acknowledged, and status/assignee are never
// cached.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ecociel/labelling/domain"
)

// MetadataCache caches a task's details keyed by (tenant, external id).
type MetadataCache interface {
	// Get returns the cached metadata; ok is false on a miss.
	Get(ctx context.Context, tenantID, externalID string) (domain.TaskDetails, bool, error)

	// Put stores metadata with the given TTL, replacing any entry.
	Put(ctx context.Context, tenantID, externalID string, details domain.TaskDetails, ttl time.Duration) error

	// Invalidate drops the entry. Dropping a missing entry is a no-op.
	Invalidate(ctx context.Context, tenantID, externalID string) error
}

type entry struct {
	details   domain.TaskDetails
	expiresAt time.Time
}

// Memory is an in-process TTL cache.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry), now: time.Now}
}

// WithClock overrides the clock for testing.
func (c *Memory) WithClock(now func() time.Time) *Memory {
	c.now = now
	return c
}

func cacheKey(tenantID, externalID string) string {
	return tenantID + ":" + externalID
}

// Get returns the entry if present and not expired.
func (c *Memory) Get(ctx context.Context, tenantID, externalID string) (domain.TaskDetails, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(tenantID, externalID)
	e, ok := c.entries[key]
	if !ok {
		return domain.TaskDetails{}, false, nil
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return domain.TaskDetails{}, false, nil
	}
	return e.details, true, nil
}

// Put stores the entry with its TTL.
func (c *Memory) Put(ctx context.Context, tenantID, externalID string, details domain.TaskDetails, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(tenantID, externalID)] = entry{
		details:   details,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Invalidate drops the entry.
func (c *Memory) Invalidate(ctx context.Context, tenantID, externalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(tenantID, externalID))
	return nil
}
