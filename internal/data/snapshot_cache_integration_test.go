package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membermail/membermail/internal/domain/model"
	"github.com/membermail/membermail/internal/testutil"
)

// TestSnapshotCache_Integration_RoundTrip verifies a stored snapshot comes
// back intact on the poll path and disappears once the TTL elapses.
func TestSnapshotCache_Integration_RoundTrip(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	ctx := context.Background()

	cache := NewSnapshotCache(client, time.Second, nil)

	lastError := "rate limited: 429 too many requests"
	snap := &model.StatusSnapshot{
		JobID:          "7f1a4c9e-0000-4000-8000-000000000001",
		Status:         model.JobStatusRunning,
		ProcessedCount: 40,
		TotalMembers:   100,
		SuccessCount:   38,
		FailureCount:   2,
		LastError:      &lastError,
	}
	cache.Set(ctx, snap)

	got, ok := cache.Get(ctx, snap.JobID)
	require.True(t, ok)
	assert.Equal(t, snap.JobID, got.JobID)
	assert.Equal(t, model.JobStatusRunning, got.Status)
	assert.Equal(t, 40, got.ProcessedCount)
	assert.Equal(t, 100, got.TotalMembers)
	assert.Equal(t, 38, got.SuccessCount)
	assert.Equal(t, 2, got.FailureCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, lastError, *got.LastError)

	// The entry expires on its own; polls after the TTL fall through to
	// the database.
	require.Eventually(t, func() bool {
		_, ok := cache.Get(ctx, snap.JobID)
		return !ok
	}, 3*time.Second, 50*time.Millisecond, "entry should expire after the TTL")
}

// TestSnapshotCache_Integration_MissAndNilSet verifies misses report false and
// that Set ignores unusable snapshots instead of writing junk keys.
func TestSnapshotCache_Integration_MissAndNilSet(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	ctx := context.Background()

	cache := NewSnapshotCache(client, time.Minute, nil)

	_, ok := cache.Get(ctx, "7f1a4c9e-0000-4000-8000-0000000000ff")
	assert.False(t, ok)

	cache.Set(ctx, nil)
	cache.Set(ctx, &model.StatusSnapshot{})

	keys, err := client.Keys(ctx, "jobstatus:*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// TestSnapshotCache_Integration_CorruptEntry verifies that an unparseable
// cache entry behaves as a miss so the reporter falls back to Postgres.
func TestSnapshotCache_Integration_CorruptEntry(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	ctx := context.Background()

	cache := NewSnapshotCache(client, time.Minute, nil)

	jobID := "7f1a4c9e-0000-4000-8000-000000000002"
	require.NoError(t, client.Set(ctx, "jobstatus:"+jobID, "{not json", time.Minute).Err())

	got, ok := cache.Get(ctx, jobID)
	assert.False(t, ok)
	assert.Nil(t, got)
}

// TestSnapshotCache_Integration_Invalidate verifies state transitions drop the
// cached entry so the next poll reflects the new status immediately.
func TestSnapshotCache_Integration_Invalidate(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	ctx := context.Background()

	cache := NewSnapshotCache(client, time.Minute, nil)

	snap := &model.StatusSnapshot{
		JobID:          "7f1a4c9e-0000-4000-8000-000000000003",
		Status:         model.JobStatusPaused,
		ProcessedCount: 25,
		TotalMembers:   50,
		SuccessCount:   25,
	}
	cache.Set(ctx, snap)

	_, ok := cache.Get(ctx, snap.JobID)
	require.True(t, ok)

	cache.Invalidate(ctx, snap.JobID)

	_, ok = cache.Get(ctx, snap.JobID)
	assert.False(t, ok)

	// Invalidating an absent entry is a no-op.
	cache.Invalidate(ctx, snap.JobID)
}
