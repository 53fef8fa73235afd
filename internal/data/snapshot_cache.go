package data

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/membermail/membermail/internal/domain/model"
)

const snapshotKeyPrefix = "jobstatus:"

// SnapshotCache caches status snapshots in Redis so the status poll path does
// not hit Postgres on every request. Misses and Redis failures both fall
// through to the database; the cache is never authoritative.
type SnapshotCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewSnapshotCache creates a Redis-backed snapshot cache with the given TTL.
func NewSnapshotCache(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *SnapshotCache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &SnapshotCache{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "snapshot_cache"),
	}
}

// Get returns the cached snapshot for a job, or false on miss.
func (c *SnapshotCache) Get(ctx context.Context, jobID string) (*model.StatusSnapshot, bool) {
	data, err := c.client.Get(ctx, snapshotKeyPrefix+jobID).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "snapshot cache read failed", "job_id", jobID, "err", err)
		}
		return nil, false
	}

	var snap model.StatusSnapshot
	if unmarshalErr := json.Unmarshal([]byte(data), &snap); unmarshalErr != nil {
		c.logger.WarnContext(ctx, "snapshot cache entry corrupt", "job_id", jobID, "err", unmarshalErr)
		return nil, false
	}
	return &snap, true
}

// Set stores a snapshot. Write failures are logged and swallowed.
func (c *SnapshotCache) Set(ctx context.Context, snap *model.StatusSnapshot) {
	if snap == nil || snap.JobID == "" {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.WarnContext(ctx, "snapshot cache marshal failed", "job_id", snap.JobID, "err", err)
		return
	}
	if setErr := c.client.Set(ctx, snapshotKeyPrefix+snap.JobID, data, c.ttl).Err(); setErr != nil {
		c.logger.WarnContext(ctx, "snapshot cache write failed", "job_id", snap.JobID, "err", setErr)
	}
}

// Invalidate drops the cached snapshot after a state transition so the next
// poll reflects the new status immediately.
func (c *SnapshotCache) Invalidate(ctx context.Context, jobID string) {
	if err := c.client.Del(ctx, snapshotKeyPrefix+jobID).Err(); err != nil {
		c.logger.WarnContext(ctx, "snapshot cache invalidate failed", "job_id", jobID, "err", err)
	}
}

// NoopSnapshotCache satisfies the cache port when Redis is not configured.
type NoopSnapshotCache struct{}

func (NoopSnapshotCache) Get(context.Context, string) (*model.StatusSnapshot, bool) { return nil, false }
func (NoopSnapshotCache) Set(context.Context, *model.StatusSnapshot)                {}
func (NoopSnapshotCache) Invalidate(context.Context, string)                        {}
