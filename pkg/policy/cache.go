package policy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

// DefaultCacheTTL bounds how stale a cached snapshot can be.
const DefaultCacheTTL = 30 * time.Second

const cacheKeyPrefix = "agentgov:policy:"

// CachedSource puts a Redis cache in front of another Source. Redis failures
// are logged and the origin is asked directly.
type CachedSource struct {
	origin Source
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedSource wraps origin. A ttl of zero uses DefaultCacheTTL.
func NewCachedSource(origin Source, rdb redis.UniversalClient, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedSource{
		origin: origin,
		rdb:    rdb,
		ttl:    ttl,
		logger: slog.Default().With("component", "policy.cache"),
	}
}

func (c *CachedSource) FetchSnapshot(ctx context.Context, workspaceID string) (*contracts.PolicySnapshot, error) {
	key := cacheKeyPrefix + workspaceID

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var snap contracts.PolicySnapshot
		if jerr := json.Unmarshal(raw, &snap); jerr == nil {
			return &snap, nil
		}
		c.logger.WarnContext(ctx, "discarding corrupt cached snapshot", "workspace_id", workspaceID)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.WarnContext(ctx, "policy cache read failed", "workspace_id", workspaceID, "error", err)
	}

	snap, err := c.origin.FetchSnapshot(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if data, jerr := json.Marshal(snap); jerr == nil {
		if serr := c.rdb.Set(ctx, key, data, c.ttl).Err(); serr != nil {
			c.logger.WarnContext(ctx, "policy cache write failed", "workspace_id", workspaceID, "error", serr)
		}
	}
	return snap, nil
}

// Invalidate drops the cached snapshot of workspaceID, or every cached
// snapshot when workspaceID is empty.
func (c *CachedSource) Invalidate(ctx context.Context, workspaceID string) error {
	if workspaceID != "" {
		return c.rdb.Del(ctx, cacheKeyPrefix+workspaceID).Err()
	}
	iter := c.rdb.Scan(ctx, 0, cacheKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
