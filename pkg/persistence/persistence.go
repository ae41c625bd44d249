// Package persistence provides the storage abstraction for the job store and
// the execution checkpoint store.
package persistence

import (
	"context"
	"time"

	"github.com/planline/planline/pkg/models"
)

// Persistence is the single mutable shared resource of the system. Job
// mutation is ownership-guarded (worker_id compare-and-set) and checkpoint
// writes are version-guarded; implementations must make each method atomic.
type Persistence interface {
	// CreateJob inserts a new queued job.
	CreateJob(ctx context.Context, job *models.Job) error

	// JobByID returns a job or ErrJobNotFound.
	JobByID(ctx context.Context, id string) (*models.Job, error)

	// ClaimNextJob atomically claims the single highest-priority, oldest
	// eligible job among queued jobs and running jobs whose lease has
	// expired. Under concurrent callers each eligible job is handed to at
	// most one caller. Returns nil when no job is eligible.
	ClaimNextJob(ctx context.Context, workerID string, leaseDuration time.Duration) (*models.Job, error)

	// CompleteJob transitions running to completed if workerID still owns
	// the job. Returns false when ownership was lost to lease reclamation.
	CompleteJob(ctx context.Context, jobID, workerID string) (bool, error)

	// FailJob increments retry_count and either requeues the job or, once
	// retries are exhausted or permanent is set, marks it failed. Same
	// ownership guard as CompleteJob.
	FailJob(ctx context.Context, jobID, workerID, errorMessage string, permanent bool) (bool, error)

	// CancelJob cancels a queued job directly, or flags a running job for
	// cooperative cancellation at the next stage boundary. Returns false
	// for terminal jobs.
	CancelJob(ctx context.Context, jobID string) (bool, error)

	// FinishCancelledJob transitions a running job to cancelled once its
	// holder has observed the cancellation flag. Ownership-guarded.
	FinishCancelledJob(ctx context.Context, jobID, workerID string) (bool, error)

	// JobCancelRequested reports whether cancellation has been requested
	// for the job.
	JobCancelRequested(ctx context.Context, jobID string) (bool, error)

	// PendingJobCount counts queued jobs plus running jobs with an expired
	// lease.
	PendingJobCount(ctx context.Context) (int, error)

	// ExecutionByID returns an execution checkpoint or
	// ErrExecutionNotFound.
	ExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error)

	// SaveExecution persists a checkpoint. The execution's Version must be
	// exactly one above the persisted version (1 for a fresh execution);
	// otherwise ErrExecutionVersionConflict is returned and the caller
	// must reload.
	SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error

	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
