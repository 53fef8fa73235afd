package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobKindUnmarshalText(t *testing.T) {
	var k JobKind
	require.NoError(t, k.UnmarshalText([]byte(" Broadcast-Message ")))
	assert.Equal(t, JobKindBroadcastMessage, k)

	require.NoError(t, k.UnmarshalText([]byte("batch-sync")))
	assert.Equal(t, JobKindBatchSync, k)

	err := k.UnmarshalText([]byte("bulk-fax"))
	assert.ErrorContains(t, err, "invalid JobKind")
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
	assert.False(t, JobStatusPaused.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
}

func TestJobStatusCanTransitionTo(t *testing.T) {
	allowed := map[JobStatus][]JobStatus{
		JobStatusPending: {JobStatusRunning, JobStatusCancelled},
		JobStatusRunning: {JobStatusPaused, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
		JobStatusPaused:  {JobStatusPending, JobStatusRunning, JobStatusFailed, JobStatusCancelled},
	}

	all := []JobStatus{
		JobStatusPending, JobStatusRunning, JobStatusPaused,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled,
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
					break
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestJobRemaining(t *testing.T) {
	j := &Job{TotalCount: 10, Checkpoint: 4}
	assert.Equal(t, 6, j.Remaining())

	j.Checkpoint = 10
	assert.Equal(t, 0, j.Remaining())

	j.Checkpoint = 12
	assert.Equal(t, 0, j.Remaining())
}

func TestJobLeased(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	token := "tok"
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	assert.False(t, (&Job{}).Leased(now))
	assert.False(t, (&Job{LeaseToken: &token}).Leased(now))
	assert.False(t, (&Job{LeaseToken: &token, LeaseExpiresAt: &past}).Leased(now))
	assert.True(t, (&Job{LeaseToken: &token, LeaseExpiresAt: &future}).Leased(now))
}

func TestCreateJobRequestValidate(t *testing.T) {
	valid := func() *CreateJobRequest {
		return &CreateJobRequest{
			Kind:       JobKindEmailSend,
			OwnerID:    "owner-1",
			Payload:    json.RawMessage(`{"subject":"hi"}`),
			Recipients: []RecipientTarget{{Key: "a@example.com"}},
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name    string
		mutate  func(*CreateJobRequest)
		wantErr string
	}{
		{"invalid kind", func(r *CreateJobRequest) { r.Kind = "nope" }, "invalid job kind"},
		{"blank owner", func(r *CreateJobRequest) { r.OwnerID = "  " }, "owner id is required"},
		{"empty payload", func(r *CreateJobRequest) { r.Payload = nil }, "payload is required"},
		{"null payload", func(r *CreateJobRequest) { r.Payload = json.RawMessage("null") }, "payload is required"},
		{"no recipients", func(r *CreateJobRequest) { r.Recipients = nil }, "at least one recipient"},
		{"blank key", func(r *CreateJobRequest) { r.Recipients[0].Key = " " }, "key is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			err := req.Validate()
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestAsSendError(t *testing.T) {
	se := &SendError{Kind: SendErrorRateLimited, RetryAfter: 30 * time.Second, Cause: errors.New("429")}

	assert.Equal(t, se, AsSendError(se))
	assert.Equal(t, se, AsSendError(fmt.Errorf("send to u-1: %w", se)))
	assert.Nil(t, AsSendError(errors.New("plain")))
	assert.Nil(t, AsSendError(nil))
}

func TestSendErrorError(t *testing.T) {
	assert.Equal(t, "send fatal: bad key", (&SendError{Kind: SendErrorFatal, Cause: errors.New("bad key")}).Error())
	assert.Equal(t, "send transient", (&SendError{Kind: SendErrorTransient}).Error())
}

func TestOutcomeBreakdownCounted(t *testing.T) {
	b := &OutcomeBreakdown{Success: 7, Failed: 2, SkippedDupes: 5}
	assert.Equal(t, 9, b.Counted())
}
