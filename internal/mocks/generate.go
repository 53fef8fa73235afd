// Package mocks provides mock implementations for testing the membermail job system.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for our repository
// and sender interfaces. The mocks are generated using go:generate directives and provide a
// fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

// Generate mock for JobRepository interface from internal/core package.
// This creates MockJobRepository with methods for all JobRepository interface methods:
// Create, GetByID, Claim, ClaimNextRunnable, SaveProgress, Complete, Pause, Fail, Cancel,
// ResumeToPending, Stats
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_repository_mock.go github.com/membermail/membermail/internal/core JobRepository

// Generate mock for OutcomeRepository interface from internal/core package.
// This creates MockOutcomeRepository with methods for all OutcomeRepository interface methods:
// Append, ListByJob, KeysByJob, Breakdown, DeleteByJob
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=outcome_repository_mock.go github.com/membermail/membermail/internal/core OutcomeRepository

// Generate mock for ReaperRepository interface from internal/core package.
// This creates MockReaperRepository with methods for all ReaperRepository interface methods:
// DeleteOldJobs
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=reaper_repository_mock.go github.com/membermail/membermail/internal/core ReaperRepository

// Generate mock for ExternalSender interface from internal/core package.
// This creates MockExternalSender with methods for all ExternalSender interface methods:
// Send
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=external_sender_mock.go github.com/membermail/membermail/internal/core ExternalSender

// Generate mock for SnapshotCache interface from internal/core package.
// This creates MockSnapshotCache with methods for all SnapshotCache interface methods:
// Get, Set, Invalidate
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=snapshot_cache_mock.go github.com/membermail/membermail/internal/core SnapshotCache
