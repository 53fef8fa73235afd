package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/membermail/membermail/internal/core"
	"github.com/membermail/membermail/internal/data"
	domainjob "github.com/membermail/membermail/internal/domain/job"
	"github.com/membermail/membermail/internal/domain/model"
)

// fakeJobRepo is an in-memory JobRepository with the same claim, fence, and
// transition semantics as the Postgres implementation.
type fakeJobRepo struct {
	mu     sync.Mutex
	nextID int
	order  []string
	jobs   map[string]*model.Job
	now    time.Time

	progressWrites int
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{
		jobs: make(map[string]*model.Job),
		now:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeJobRepo) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func copyJob(j *model.Job) *model.Job {
	cp := *j
	if j.LastError != nil {
		v := *j.LastError
		cp.LastError = &v
	}
	if j.RetryAfterSecs != nil {
		v := *j.RetryAfterSecs
		cp.RetryAfterSecs = &v
	}
	if j.LeaseToken != nil {
		v := *j.LeaseToken
		cp.LeaseToken = &v
	}
	if j.LeaseExpiresAt != nil {
		v := *j.LeaseExpiresAt
		cp.LeaseExpiresAt = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		cp.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		cp.CompletedAt = &v
	}
	cp.Recipients = append([]model.RecipientTarget(nil), j.Recipients...)
	return &cp
}

func (f *fakeJobRepo) Create(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	job := &model.Job{
		ID:         fmt.Sprintf("job-%d", f.nextID),
		Kind:       req.Kind,
		OwnerID:    req.OwnerID,
		Status:     model.JobStatusPending,
		Payload:    req.Payload,
		Recipients: append([]model.RecipientTarget(nil), req.Recipients...),
		TotalCount: len(req.Recipients),
		CreatedAt:  f.now,
		UpdatedAt:  f.now,
	}
	f.order = append(f.order, job.ID)
	f.jobs[job.ID] = job
	return copyJob(job), nil
}

func (f *fakeJobRepo) GetByID(_ context.Context, id string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, data.ErrJobNotFound
	}
	return copyJob(job), nil
}

func (f *fakeJobRepo) Claim(_ context.Context, id string, leaseSeconds int) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, data.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil, data.ErrJobTerminal
	}
	if job.Leased(f.now) {
		return nil, data.ErrAlreadyClaimed
	}
	f.claimLocked(job, leaseSeconds)
	return copyJob(job), nil
}

func (f *fakeJobRepo) claimLocked(job *model.Job, leaseSeconds int) {
	token := domainjob.NewToken()
	expires := f.now.Add(time.Duration(leaseSeconds) * time.Second)
	job.Status = model.JobStatusRunning
	job.LeaseToken = &token
	job.LeaseExpiresAt = &expires
	if job.StartedAt == nil {
		started := f.now
		job.StartedAt = &started
	}
	job.UpdatedAt = f.now
}

func (f *fakeJobRepo) ClaimNextRunnable(_ context.Context, leaseSeconds, limit int) ([]*model.Job, error) {
	if limit < 1 {
		limit = 1
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var claimed []*model.Job
	for _, id := range f.order {
		if len(claimed) >= limit {
			break
		}
		job := f.jobs[id]
		if !f.runnableLocked(job) {
			continue
		}
		f.claimLocked(job, leaseSeconds)
		claimed = append(claimed, copyJob(job))
	}
	if len(claimed) == 0 {
		return nil, model.ErrNoJobsRunnable
	}
	return claimed, nil
}

func (f *fakeJobRepo) runnableLocked(job *model.Job) bool {
	switch job.Status {
	case model.JobStatusPending:
		return true
	case model.JobStatusRunning:
		return job.LeaseExpiresAt != nil && !job.LeaseExpiresAt.After(f.now)
	case model.JobStatusPaused:
		if job.RetryAfterSecs == nil {
			return false
		}
		retryAt := job.UpdatedAt.Add(time.Duration(*job.RetryAfterSecs) * time.Second)
		return !retryAt.After(f.now)
	}
	return false
}

func (f *fakeJobRepo) fencedLocked(job *model.Job, token string) bool {
	return job.Status == model.JobStatusRunning &&
		job.LeaseToken != nil && *job.LeaseToken == token &&
		job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(f.now)
}

func (f *fakeJobRepo) SaveProgress(_ context.Context, id string, patch core.ProgressPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || !f.fencedLocked(job, patch.LeaseToken) {
		return data.ErrLeaseLost
	}

	job.Checkpoint = patch.Checkpoint
	job.ProcessedCount = patch.ProcessedCount
	job.SuccessCount = patch.SuccessCount
	job.FailureCount = patch.FailureCount
	if extended := f.now.Add(patch.ExtendLease); extended.After(*job.LeaseExpiresAt) {
		job.LeaseExpiresAt = &extended
	}
	job.UpdatedAt = f.now
	f.progressWrites++
	return nil
}

func (f *fakeJobRepo) Complete(_ context.Context, id, leaseToken string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status != model.JobStatusRunning || job.LeaseToken == nil || *job.LeaseToken != leaseToken {
		return false, nil
	}
	completed := f.now
	job.Status = model.JobStatusCompleted
	job.CompletedAt = &completed
	job.UpdatedAt = f.now
	job.LeaseToken = nil
	job.LeaseExpiresAt = nil
	job.LastError = nil
	job.RetryAfterSecs = nil
	return true, nil
}

func (f *fakeJobRepo) Pause(_ context.Context, id string, params core.PauseParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status != model.JobStatusRunning || job.LeaseToken == nil || *job.LeaseToken != params.Progress.LeaseToken {
		return false, nil
	}

	job.Status = model.JobStatusPaused
	job.Checkpoint = params.Progress.Checkpoint
	job.ProcessedCount = params.Progress.ProcessedCount
	job.SuccessCount = params.Progress.SuccessCount
	job.FailureCount = params.Progress.FailureCount
	msg := params.LastError
	job.LastError = &msg
	if params.RetryAfter > 0 {
		secs := int(params.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		job.RetryAfterSecs = &secs
	} else {
		job.RetryAfterSecs = nil
	}
	job.LeaseToken = nil
	job.LeaseExpiresAt = nil
	job.UpdatedAt = f.now
	return true, nil
}

func (f *fakeJobRepo) Fail(_ context.Context, id, leaseToken, errMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return false, nil
	}
	if job.Status != model.JobStatusRunning && job.Status != model.JobStatusPaused {
		return false, nil
	}
	if job.LeaseToken != nil && *job.LeaseToken != leaseToken {
		return false, nil
	}
	completed := f.now
	job.Status = model.JobStatusFailed
	job.LastError = &errMsg
	job.CompletedAt = &completed
	job.UpdatedAt = f.now
	job.LeaseToken = nil
	job.LeaseExpiresAt = nil
	return true, nil
}

func (f *fakeJobRepo) Cancel(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return false, data.ErrJobNotFound
	}
	switch job.Status {
	case model.JobStatusCancelled:
		return false, nil
	case model.JobStatusCompleted, model.JobStatusFailed:
		return false, data.ErrJobTerminal
	}
	completed := f.now
	job.Status = model.JobStatusCancelled
	job.CompletedAt = &completed
	job.UpdatedAt = f.now
	job.LeaseToken = nil
	job.LeaseExpiresAt = nil
	return true, nil
}

func (f *fakeJobRepo) ResumeToPending(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return false, nil
	}
	if job.Status != model.JobStatusPaused || job.Leased(f.now) {
		return false, nil
	}
	job.Status = model.JobStatusPending
	job.LastError = nil
	job.RetryAfterSecs = nil
	job.UpdatedAt = f.now
	return true, nil
}

func (f *fakeJobRepo) Stats(_ context.Context) (*model.JobStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s model.JobStats
	for _, job := range f.jobs {
		switch job.Status {
		case model.JobStatusPending:
			s.Pending++
		case model.JobStatusRunning:
			s.Running++
		case model.JobStatusPaused:
			s.Paused++
		case model.JobStatusCompleted:
			s.Completed++
		case model.JobStatusFailed:
			s.Failed++
		case model.JobStatusCancelled:
			s.Cancelled++
		}
	}
	return &s, nil
}

// fakeOutcomeLog is an in-memory OutcomeRepository enforcing the one
// non-duplicate-skip outcome per (job, recipient) constraint.
type fakeOutcomeLog struct {
	mu   sync.Mutex
	rows map[string][]*model.RecipientOutcome
}

func newFakeOutcomeLog() *fakeOutcomeLog {
	return &fakeOutcomeLog{rows: make(map[string][]*model.RecipientOutcome)}
}

func (f *fakeOutcomeLog) Append(_ context.Context, outcome *model.RecipientOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if outcome.Result != model.OutcomeSkippedDuplicate {
		for _, existing := range f.rows[outcome.JobID] {
			if existing.RecipientKey == outcome.RecipientKey && existing.Result != model.OutcomeSkippedDuplicate {
				return data.ErrDuplicateOutcome
			}
		}
	}
	cp := *outcome
	f.rows[outcome.JobID] = append(f.rows[outcome.JobID], &cp)
	return nil
}

func (f *fakeOutcomeLog) ListByJob(_ context.Context, jobID string) ([]*model.RecipientOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.RecipientOutcome, 0, len(f.rows[jobID]))
	for _, o := range f.rows[jobID] {
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeOutcomeLog) KeysByJob(_ context.Context, jobID string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make(map[string]struct{})
	for _, o := range f.rows[jobID] {
		if o.Result != model.OutcomeSkippedDuplicate {
			keys[o.RecipientKey] = struct{}{}
		}
	}
	return keys, nil
}

func (f *fakeOutcomeLog) Breakdown(_ context.Context, jobID string) (*model.OutcomeBreakdown, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &model.OutcomeBreakdown{}
	for _, o := range f.rows[jobID] {
		switch o.Result {
		case model.OutcomeSuccess:
			b.Success++
		case model.OutcomeFailed:
			b.Failed++
		case model.OutcomeSkippedDuplicate:
			b.SkippedDupes++
		}
		if o.ErrorKind != nil {
			if b.ByErrorKind == nil {
				b.ByErrorKind = make(map[string]int)
			}
			b.ByErrorKind[*o.ErrorKind]++
		}
	}
	return b, nil
}

func (f *fakeOutcomeLog) DeleteByJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, jobID)
	return nil
}

// fakeSnapshotCache records sets and invalidations for assertions.
type fakeSnapshotCache struct {
	mu           sync.Mutex
	snaps        map[string]*model.StatusSnapshot
	invalidated  []string
	setCount     int
	getHitCount  int
	getMissCount int
}

func newFakeSnapshotCache() *fakeSnapshotCache {
	return &fakeSnapshotCache{snaps: make(map[string]*model.StatusSnapshot)}
}

func (f *fakeSnapshotCache) Get(_ context.Context, jobID string) (*model.StatusSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[jobID]
	if ok {
		f.getHitCount++
	} else {
		f.getMissCount++
	}
	return snap, ok
}

func (f *fakeSnapshotCache) Set(_ context.Context, snap *model.StatusSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[snap.JobID] = snap
	f.setCount++
}

func (f *fakeSnapshotCache) Invalidate(_ context.Context, jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snaps, jobID)
	f.invalidated = append(f.invalidated, jobID)
}

// senderFunc adapts a function to core.ExternalSender.
type senderFunc func(ctx context.Context, recipient model.RecipientTarget, payload json.RawMessage) (*core.SendResult, error)

func (f senderFunc) Send(ctx context.Context, recipient model.RecipientTarget, payload json.RawMessage) (*core.SendResult, error) {
	return f(ctx, recipient, payload)
}

func testRecipients(n int) []model.RecipientTarget {
	out := make([]model.RecipientTarget, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, model.RecipientTarget{
			Key:    fmt.Sprintf("u-%d", i),
			Fields: map[string]string{"user_id": fmt.Sprintf("user_%d", i)},
		})
	}
	return out
}

func noSleep(context.Context, time.Duration) error { return nil }

func progressPatch(token string, checkpoint, success, failure int) core.ProgressPatch {
	return core.ProgressPatch{
		LeaseToken:     token,
		Checkpoint:     checkpoint,
		ProcessedCount: success + failure,
		SuccessCount:   success,
		FailureCount:   failure,
		ExtendLease:    30 * time.Second,
	}
}

func pauseWithRetryAfter(token string, retryAfter time.Duration) core.PauseParams {
	return core.PauseParams{
		Progress:   core.ProgressPatch{LeaseToken: token},
		LastError:  "rate limited: 429 too many requests",
		RetryAfter: retryAfter,
	}
}

