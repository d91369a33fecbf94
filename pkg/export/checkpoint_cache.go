package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swapmesh/marketd/pkg/contracts"
)

// CheckpointCache fronts a stream's checkpoint lookup with Redis, the
// way the teacher's RedisLimiterStore fronts rate-limit state: the
// store.State's ExportCheckpoints map stays the durable source of
// truth, and the cache only saves a full Snapshot() when a caller only
// needs to validate a continuation token before doing real work.
type CheckpointCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCheckpointCache connects a CheckpointCache to a Redis instance at
// addr. ttl should match or exceed CheckpointTTL so a cache hit never
// outlives the checkpoint it reflects.
func NewCheckpointCache(addr, password string, db int, ttl time.Duration) *CheckpointCache {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if ttl <= 0 {
		ttl = CheckpointTTL
	}
	return &CheckpointCache{client: client, ttl: ttl}
}

func cacheKey(streamID string) string {
	return fmt.Sprintf("export:checkpoint:%s", streamID)
}

// Put writes checkpoint to the cache with the configured TTL.
func (c *CheckpointCache) Put(ctx context.Context, checkpoint contracts.ExportCheckpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("export: marshal checkpoint for cache: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(checkpoint.StreamID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("export: cache checkpoint: %w", err)
	}
	return nil
}

// Get returns the cached checkpoint for streamID, or ok=false on a
// cache miss (expired, evicted, or never written) — callers must fall
// back to store.State.ExportCheckpoints, never treat a miss as
// EXPORT_CHAIN_BROKEN.
func (c *CheckpointCache) Get(ctx context.Context, streamID string) (contracts.ExportCheckpoint, bool, error) {
	data, err := c.client.Get(ctx, cacheKey(streamID)).Bytes()
	if err == redis.Nil {
		return contracts.ExportCheckpoint{}, false, nil
	}
	if err != nil {
		return contracts.ExportCheckpoint{}, false, fmt.Errorf("export: read cached checkpoint: %w", err)
	}

	var checkpoint contracts.ExportCheckpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return contracts.ExportCheckpoint{}, false, fmt.Errorf("export: decode cached checkpoint: %w", err)
	}
	return checkpoint, true, nil
}

// Invalidate removes streamID's cached checkpoint. Page does not call
// it; Page replaces the cached entry with Put instead.
func (c *CheckpointCache) Invalidate(ctx context.Context, streamID string) error {
	if err := c.client.Del(ctx, cacheKey(streamID)).Err(); err != nil {
		return fmt.Errorf("export: invalidate cached checkpoint: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (c *CheckpointCache) Close() error {
	return c.client.Close()
}
