// Package devseed populates a development database with sample broadcast
// jobs so the HTTP API and scheduler have something to chew on locally.
package devseed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/membermail/membermail/internal/domain/model"
	"github.com/membermail/membermail/internal/service"
)

// Options bundles the dependencies needed for development seeding.
type Options struct {
	Lifecycle *service.LifecycleService
	Logger    *slog.Logger
}

// Run creates the sample jobs. Seeding is skipped when the database already
// holds jobs, so restarts of a dev stack do not pile up duplicates.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stats, err := opts.Lifecycle.Stats(ctx)
	if err != nil {
		return fmt.Errorf("check existing jobs: %w", err)
	}
	if total := stats.Pending + stats.Running + stats.Paused + stats.Completed + stats.Failed + stats.Cancelled; total > 0 {
		logger.InfoContext(ctx, "dev seed skipped, jobs already present", "total", total)
		return nil
	}

	failures := 0
	for _, req := range sampleJobs() {
		job, createErr := opts.Lifecycle.Create(ctx, req)
		if createErr != nil {
			logger.ErrorContext(ctx, "failed to seed job", "kind", req.Kind, "error", createErr)
			failures++
			continue
		}
		logger.InfoContext(ctx, "seeded job", "job_id", job.ID, "kind", job.Kind, "recipients", job.TotalCount)
	}

	if failures > 0 {
		return fmt.Errorf("%d seed errors; check logs", failures)
	}
	return nil
}

func sampleJobs() []*model.CreateJobRequest {
	return []*model.CreateJobRequest{
		{
			Kind:    model.JobKindBroadcastMessage,
			OwnerID: "dev-owner",
			Payload: json.RawMessage(`{"message": "Welcome to the dev stack! This broadcast was seeded automatically."}`),
			Recipients: recipients("member", []string{
				"alice@example.com",
				"bob@example.com",
				"carol@example.com",
				"dave@example.com",
				"erin@example.com",
			}),
		},
		{
			Kind:    model.JobKindEmailSend,
			OwnerID: "dev-owner",
			Payload: json.RawMessage(`{"subject": "Dev digest", "html": "<p>Seeded email campaign.</p>"}`),
			Recipients: recipients("subscriber", []string{
				"frank@example.com",
				"grace@example.com",
				"heidi@example.com",
			}),
		},
		{
			Kind:    model.JobKindBatchSync,
			OwnerID: "dev-owner",
			Payload: json.RawMessage(`{"audience_id": "aud_dev_1"}`),
			Recipients: recipients("contact", []string{
				"ivan@example.com",
				"judy@example.com",
			}),
		},
	}
}

func recipients(role string, emails []string) []model.RecipientTarget {
	out := make([]model.RecipientTarget, 0, len(emails))
	for i, email := range emails {
		out = append(out, model.RecipientTarget{
			Key: email,
			Fields: map[string]string{
				"email": email,
				"role":  role,
				"name":  fmt.Sprintf("%s %d", role, i+1),
			},
		})
	}
	return out
}
