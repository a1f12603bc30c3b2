// Package index defines the document index the engine submits to and
// its implementations.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/retry"
)

// MaxBatchDocuments is the most documents one put or delete call takes.
const MaxBatchDocuments = model.IndexBatchLimit

// ErrConflict matches every *ConflictError through errors.Is.
var ErrConflict = errors.New("sync job conflict")

// ErrJobNotFound is returned when stopping or inspecting an unknown job.
var ErrJobNotFound = errors.New("sync job not found")

// ErrJobNotRunning is returned by document calls made under a job that is
// no longer running, typically because another worker stopped it.
var ErrJobNotRunning = errors.New("sync job is not running")

// IsJobNotRunning reports whether err means the job a call was made
// under is gone.
func IsJobNotRunning(err error) bool {
	return errors.Is(err, ErrJobNotRunning)
}

// ConflictError reports that a sync job could not start because another
// one is already running for the data source.
type ConflictError struct {
	Message string
	Err     error
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return ErrConflict.Error()
	}
	return ErrConflict.Error() + ": " + e.Message
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConflict) hold.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// RetryClass marks conflicts for retry policies that resolve them.
func (e *ConflictError) RetryClass() retry.Class { return retry.Conflict }

// IsConflict reports whether err is a sync job conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// JobStatus is the lifecycle status the index reports for a sync job.
type JobStatus string

const (
	JobSyncing         JobStatus = "SYNCING"
	JobSyncingIndexing JobStatus = "SYNCING_INDEXING"
	JobStopping        JobStatus = "STOPPING"
	JobSucceeded       JobStatus = "SUCCEEDED"
	JobFailed          JobStatus = "FAILED"
	JobAborted         JobStatus = "ABORTED"
	JobIncomplete      JobStatus = "INCOMPLETE"
)

// Running reports whether the job still holds the data source.
func (s JobStatus) Running() bool {
	return s == JobSyncing || s == JobSyncingIndexing
}

// Job describes one sync job execution.
type Job struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Age is how long the job has existed at now.
func (j Job) Age(now time.Time) time.Duration {
	if j.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(j.StartedAt)
}

// JobFilter narrows ListSyncJobs. Zero fields match everything.
type JobFilter struct {
	// RunningOnly keeps jobs whose status is Running.
	RunningOnly bool

	// Since drops jobs started before it.
	Since time.Time
}

// Match reports whether j passes the filter.
func (f JobFilter) Match(j Job) bool {
	if f.RunningOnly && !j.Status.Running() {
		return false
	}
	if !f.Since.IsZero() && j.StartedAt.Before(f.Since) {
		return false
	}
	return true
}

// FailedDocument is a per-document rejection from a batch call.
type FailedDocument struct {
	ID     string
	Reason string
}

// Index is the document index. Put and delete calls take the id of the
// running sync job they belong to.
type Index interface {
	BatchPut(ctx context.Context, jobID string, docs []*model.NormalizedDocument) ([]FailedDocument, error)
	BatchDelete(ctx context.Context, jobID string, ids []string) ([]FailedDocument, error)
	StartSyncJob(ctx context.Context) (string, error)
	StopSyncJob(ctx context.Context, jobID string) error
	SyncJobStatus(ctx context.Context, jobID string) (Job, error)
	ListSyncJobs(ctx context.Context, filter JobFilter) ([]Job, error)
}

// Open returns the index selected by cfg.Backend.
func Open(cfg model.IndexConfig, timeout time.Duration, logger *slog.Logger) (Index, error) {
	switch cfg.Backend {
	case "qbusiness":
		return NewQBusiness(cfg, timeout, logger)
	case "memory":
		return NewMemoryIndex(), nil
	default:
		return nil, &model.ConfigError{Field: "index.backend", Message: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}
}

func checkBatch(n int) error {
	if n > MaxBatchDocuments {
		return fmt.Errorf("batch of %d documents exceeds the limit of %d", n, MaxBatchDocuments)
	}
	return nil
}
