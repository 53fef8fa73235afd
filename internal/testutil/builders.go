// Package testutil provides testing utilities and helpers for the membermail job system.
package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/membermail/membermail/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with sensible defaults.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			Kind:       model.JobKindBroadcastMessage,
			OwnerID:    "owner-test",
			Payload:    json.RawMessage(`{"message": "hello from the test suite"}`),
			Recipients: Recipients(3),
		},
	}
}

// WithKind sets the job kind.
func (b *JobRequestBuilder) WithKind(kind model.JobKind) *JobRequestBuilder {
	b.req.Kind = kind
	return b
}

// WithOwner sets the owner id.
func (b *JobRequestBuilder) WithOwner(ownerID string) *JobRequestBuilder {
	b.req.OwnerID = ownerID
	return b
}

// WithPayload sets the job payload.
func (b *JobRequestBuilder) WithPayload(payload json.RawMessage) *JobRequestBuilder {
	b.req.Payload = payload
	return b
}

// WithPayloadString sets the job payload from a string.
func (b *JobRequestBuilder) WithPayloadString(payload string) *JobRequestBuilder {
	b.req.Payload = json.RawMessage(payload)
	return b
}

// WithRecipients sets the recipient list.
func (b *JobRequestBuilder) WithRecipients(recipients ...model.RecipientTarget) *JobRequestBuilder {
	b.req.Recipients = recipients
	return b
}

// WithRecipientCount replaces the recipient list with n generated targets.
func (b *JobRequestBuilder) WithRecipientCount(n int) *JobRequestBuilder {
	b.req.Recipients = Recipients(n)
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// Recipients generates n recipient targets with stable keys and fields.
func Recipients(n int) []model.RecipientTarget {
	out := make([]model.RecipientTarget, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, model.RecipientTarget{
			Key: fmt.Sprintf("recipient-%d@example.com", i),
			Fields: map[string]string{
				"email":   fmt.Sprintf("recipient-%d@example.com", i),
				"user_id": fmt.Sprintf("user_%d", i),
				"name":    fmt.Sprintf("Recipient %d", i),
			},
		})
	}
	return out
}

// Common test job request presets

// BroadcastJobRequest creates a broadcast-message job request with default values.
func BroadcastJobRequest(recipients int) *model.CreateJobRequest {
	return NewJobRequest().
		WithKind(model.JobKindBroadcastMessage).
		WithPayloadString(`{"message": "big announcement"}`).
		WithRecipientCount(recipients).
		Build()
}

// EmailJobRequest creates an email-send job request with default values.
func EmailJobRequest(recipients int) *model.CreateJobRequest {
	return NewJobRequest().
		WithKind(model.JobKindEmailSend).
		WithPayloadString(`{"subject": "Hello", "html": "<p>Hi there</p>"}`).
		WithRecipientCount(recipients).
		Build()
}

// BatchSyncJobRequest creates a batch-sync job request with default values.
func BatchSyncJobRequest(recipients int) *model.CreateJobRequest {
	return NewJobRequest().
		WithKind(model.JobKindBatchSync).
		WithPayloadString(`{"audience_id": "aud_123"}`).
		WithRecipientCount(recipients).
		Build()
}
