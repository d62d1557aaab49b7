package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/altum-labs/probanza/pkg/scoring"
	"github.com/altum-labs/probanza/pkg/verdict"
)

// StatusSnapshot is the fast-path view of a project's review state.
// It is a cache over the ledger, never the source of truth.
type StatusSnapshot struct {
	ProjectID    string               `json:"project_id"`
	Phase        string               `json:"phase"`
	Status       Status               `json:"status"`
	Consolidated scoring.Consolidated `json:"consolidated_status"`
	PendingRoles []verdict.Role       `json:"pending_roles,omitempty"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// StatusCache stores snapshots keyed by project. Misses are not errors:
// callers fall back to re-deriving from the ledger.
type StatusCache interface {
	Put(ctx context.Context, snap StatusSnapshot) error
	Get(ctx context.Context, projectID string) (StatusSnapshot, bool, error)
	Invalidate(ctx context.Context, projectID string) error
}

// MemoryStatusCache is the in-process StatusCache.
type MemoryStatusCache struct {
	mu    sync.RWMutex
	snaps map[string]StatusSnapshot
}

// NewMemoryStatusCache creates an empty in-memory cache.
func NewMemoryStatusCache() *MemoryStatusCache {
	return &MemoryStatusCache{snaps: make(map[string]StatusSnapshot)}
}

func (c *MemoryStatusCache) Put(ctx context.Context, snap StatusSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[snap.ProjectID] = snap
	return nil
}

func (c *MemoryStatusCache) Get(ctx context.Context, projectID string) (StatusSnapshot, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snaps[projectID]
	return snap, ok, nil
}

func (c *MemoryStatusCache) Invalidate(ctx context.Context, projectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snaps, projectID)
	return nil
}

// RedisStatusCache stores snapshots in Redis so multiple replicas share
// the fast path.
type RedisStatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStatusCache creates a cache backed by Redis.
func NewRedisStatusCache(addr, password string, db int, ttl time.Duration) *RedisStatusCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStatusCache{client: rdb, ttl: ttl}
}

func statusKey(projectID string) string {
	return "probanza:status:" + projectID
}

func (c *RedisStatusCache) Put(ctx context.Context, snap StatusSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("statuscache: marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, statusKey(snap.ProjectID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("statuscache: redis set: %w", err)
	}
	return nil
}

func (c *RedisStatusCache) Get(ctx context.Context, projectID string) (StatusSnapshot, bool, error) {
	data, err := c.client.Get(ctx, statusKey(projectID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return StatusSnapshot{}, false, nil
		}
		return StatusSnapshot{}, false, fmt.Errorf("statuscache: redis get: %w", err)
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// A corrupt cache entry is a miss, not a failure: the caller
		// re-derives from the ledger.
		return StatusSnapshot{}, false, nil
	}
	return snap, true, nil
}

func (c *RedisStatusCache) Invalidate(ctx context.Context, projectID string) error {
	if err := c.client.Del(ctx, statusKey(projectID)).Err(); err != nil {
		return fmt.Errorf("statuscache: redis del: %w", err)
	}
	return nil
}
