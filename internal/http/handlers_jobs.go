// Package httpx provides the JSON API over the membermail job system.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/membermail/membermail/internal/domain/model"
	"github.com/membermail/membermail/internal/service"
)

// JobLifecycle is the slice of the lifecycle service the handlers need.
type JobLifecycle interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	Resume(ctx context.Context, id string) (*model.Job, error)
	Cancel(ctx context.Context, id string) error
	Stats(ctx context.Context) (*model.JobStats, error)
}

// StatusProvider serves point-in-time job status snapshots.
type StatusProvider interface {
	GetStatus(ctx context.Context, jobID string) (*model.StatusSnapshot, error)
}

// OutcomeReader exposes the per-recipient outcome log.
type OutcomeReader interface {
	ListOutcomes(ctx context.Context, jobID string) ([]*model.RecipientOutcome, error)
	Stats(ctx context.Context, jobID string) (*model.JobAggregateStats, error)
}

// JobHandlers provides HTTP handlers for job-related operations.
type JobHandlers struct {
	Lifecycle JobLifecycle
	Reporter  StatusProvider
	Outcomes  OutcomeReader
}

// createJobRequest is the create payload. Callers provide either ready-made
// recipients, or raw member records plus a JMESPath mapping (batch-sync).
type createJobRequest struct {
	Kind       model.JobKind            `json:"kind"`
	OwnerID    string                   `json:"owner_id"`
	Payload    json.RawMessage          `json:"payload"`
	Recipients []model.RecipientTarget  `json:"recipients,omitempty"`
	Members    []json.RawMessage        `json:"members,omitempty"`
	Mapping    *service.AudienceMapping `json:"mapping,omitempty"`
}

type createJobResponse struct {
	Job            *model.Job `json:"job"`
	MembersSkipped int        `json:"members_skipped,omitempty"`
}

// CreateJob handles HTTP requests to create a new job.
func (h *JobHandlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	recipients := req.Recipients
	var membersSkipped int

	if len(req.Members) > 0 {
		if len(recipients) > 0 {
			WriteError(w, ErrorParams{
				Code:    http.StatusBadRequest,
				ErrCode: "validation_failed",
				Err:     errors.New("provide either recipients or members, not both"),
			})
			return
		}
		if req.Mapping == nil {
			WriteError(w, ErrorParams{
				Code:    http.StatusBadRequest,
				ErrCode: "validation_failed",
				Err:     errors.New("a mapping is required when members are provided"),
			})
			return
		}

		mapper, err := service.NewAudienceMapper(service.AudienceMapperOptions{Mapping: *req.Mapping})
		if err != nil {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_mapping", Err: err})
			return
		}
		recipients, membersSkipped, err = mapper.MapMembers(req.Members)
		if err != nil {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_members", Err: err})
			return
		}
	}

	job, err := h.Lifecycle.Create(r.Context(), &model.CreateJobRequest{
		Kind:       req.Kind,
		OwnerID:    req.OwnerID,
		Payload:    req.Payload,
		Recipients: recipients,
	})
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "create_failed", Err: err})
		return
	}

	WriteJSON(w, http.StatusCreated, createJobResponse{Job: job, MembersSkipped: membersSkipped})
}

// GetJob handles HTTP requests to fetch a job by id.
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeMissingJobID(w)
		return
	}

	job, err := h.Lifecycle.Get(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// GetStatus handles the high-frequency status poll for a job.
func (h *JobHandlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeMissingJobID(w)
		return
	}

	status, err := h.Reporter.GetStatus(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// Resume handles HTTP requests to return a paused job to pending.
func (h *JobHandlers) Resume(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeMissingJobID(w)
		return
	}

	job, err := h.Lifecycle.Resume(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Cancel handles HTTP requests to cancel a job. Cancelling an already
// cancelled job succeeds.
func (h *JobHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeMissingJobID(w)
		return
	}

	if err := h.Lifecycle.Cancel(r.Context(), jobID); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ListOutcomes handles HTTP requests for a job's per-recipient outcomes.
func (h *JobHandlers) ListOutcomes(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeMissingJobID(w)
		return
	}

	outcomes, err := h.Outcomes.ListOutcomes(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// GetAggregateStats handles HTTP requests for a job's computed statistics.
func (h *JobHandlers) GetAggregateStats(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeMissingJobID(w)
		return
	}

	stats, err := h.Outcomes.Stats(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// GetStats handles HTTP requests for system-wide job counts by status.
func (h *JobHandlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Lifecycle.Stats(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

func writeMissingJobID(w http.ResponseWriter) {
	WriteError(w, ErrorParams{
		Code:    http.StatusBadRequest,
		ErrCode: "invalid_path",
		Err:     errors.New("job id is required"),
	})
}
