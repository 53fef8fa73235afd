package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membermail/membermail/config"
	"github.com/membermail/membermail/internal/core"
	"github.com/membermail/membermail/internal/domain/model"
)

type fakeReaperRepo struct {
	mu    sync.Mutex
	calls []core.DeleteOldJobsParams

	// counts queues per-status delete results; a sweep drains its queue and
	// then reports zero.
	counts map[model.JobStatus][]int64
	errFor map[model.JobStatus]error
}

func newFakeReaperRepo() *fakeReaperRepo {
	return &fakeReaperRepo{
		counts: make(map[model.JobStatus][]int64),
		errFor: make(map[model.JobStatus]error),
	}
}

func (f *fakeReaperRepo) DeleteOldJobs(_ context.Context, params core.DeleteOldJobsParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)

	if err := f.errFor[params.Status]; err != nil {
		return 0, err
	}
	queue := f.counts[params.Status]
	if len(queue) == 0 {
		return 0, nil
	}
	f.counts[params.Status] = queue[1:]
	return queue[0], nil
}

func (f *fakeReaperRepo) callsFor(status model.JobStatus) []core.DeleteOldJobsParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.DeleteOldJobsParams
	for _, c := range f.calls {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out
}

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:        time.Minute,
		CompletedMaxAge: 7 * 24 * time.Hour,
		FailedMaxAge:    7 * 24 * time.Hour,
		CancelledMaxAge: 3 * 24 * time.Hour,
		BatchSize:       100,
	}
}

func TestNewReaperService_RequiresRepo(t *testing.T) {
	_, err := NewReaperService(ReaperServiceOptions{Config: testReaperConfig()})
	assert.ErrorContains(t, err, "ReaperRepository")
}

func TestRunCleanup_SweepsEveryTerminalStatus(t *testing.T) {
	repo := newFakeReaperRepo()
	repo.counts[model.JobStatusCompleted] = []int64{100, 40}
	repo.counts[model.JobStatusFailed] = []int64{5}

	s, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: testReaperConfig()})
	require.NoError(t, err)

	require.NoError(t, s.RunCleanup(context.Background()))

	// Completed batches until a short batch would have drained it, then one
	// more call observing zero.
	completed := repo.callsFor(model.JobStatusCompleted)
	require.Len(t, completed, 3)
	assert.Equal(t, 7*24*time.Hour, completed[0].MaxAge)
	assert.Equal(t, 100, completed[0].BatchSize)

	failed := repo.callsFor(model.JobStatusFailed)
	require.Len(t, failed, 2)
	assert.Equal(t, 7*24*time.Hour, failed[0].MaxAge)

	cancelled := repo.callsFor(model.JobStatusCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, 3*24*time.Hour, cancelled[0].MaxAge)
}

func TestRunCleanup_ContinuesPastSweepErrors(t *testing.T) {
	repo := newFakeReaperRepo()
	repo.errFor[model.JobStatusCompleted] = errors.New("deadlock detected")
	repo.counts[model.JobStatusCancelled] = []int64{2}

	s, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: testReaperConfig()})
	require.NoError(t, err)

	err = s.RunCleanup(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "reap completed jobs")

	// The failed sweep does not stop the remaining ones.
	assert.Len(t, repo.callsFor(model.JobStatusFailed), 1)
	assert.Len(t, repo.callsFor(model.JobStatusCancelled), 2)
}

func TestRunCleanup_StopsOnContextCancellation(t *testing.T) {
	repo := newFakeReaperRepo()
	repo.errFor[model.JobStatusCompleted] = context.Canceled

	s, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: testReaperConfig()})
	require.NoError(t, err)

	err = s.RunCleanup(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	// Cancellation short-circuits the later sweeps.
	assert.Empty(t, repo.callsFor(model.JobStatusFailed))
	assert.Empty(t, repo.callsFor(model.JobStatusCancelled))
}

func TestReaperRun_StopsWhenContextCancelled(t *testing.T) {
	repo := newFakeReaperRepo()
	cfg := testReaperConfig()
	cfg.Interval = 10 * time.Millisecond

	s, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: cfg})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop after context cancellation")
	}

	// At least the initial cleanup ran.
	assert.NotEmpty(t, repo.callsFor(model.JobStatusCompleted))
}
