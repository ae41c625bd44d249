package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/planline/planline/pkg/models"
	"github.com/planline/planline/pkg/persistence"
)

const jobColumns = `
	id, execution_id, type, payload, priority, status, worker_id,
	lease_expires_at, retry_count, max_retries, error_message,
	cancel_requested, created_at, started_at, completed_at
`

// JobRepository handles job-related database operations.
type JobRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *sql.DB, logger *slog.Logger) *JobRepository {
	return &JobRepository{db: db, logger: logger}
}

// Create inserts a new queued job.
func (jr *JobRepository) Create(ctx context.Context, job *models.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO jobs (
			id, execution_id, type, payload, priority, status,
			retry_count, max_retries, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = jr.db.ExecContext(ctx, query,
		job.ID,
		job.ExecutionID,
		job.Type,
		payloadJSON,
		job.Priority,
		job.Status,
		job.RetryCount,
		job.MaxRetries,
		job.CreatedAt,
	)
	if err != nil {
		return persistence.NewJobError("Create", job.ID, err)
	}

	return nil
}

// GetByID retrieves a job by its ID.
func (jr *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	row := jr.db.QueryRowContext(ctx, query, id)

	job, err := jr.scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrJobNotFound
		}

		return nil, persistence.NewJobError("GetByID", id, err)
	}

	return job, nil
}

// ClaimNext atomically claims the highest-priority, oldest eligible job.
// Eligible rows are queued jobs and running jobs whose lease has expired.
// FOR UPDATE SKIP LOCKED makes concurrent claimants skip rows another
// transaction is already claiming instead of blocking on them, so each
// eligible job is handed to at most one caller per round.
func (jr *JobRepository) ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*models.Job, error) {
	query := `
		UPDATE jobs SET
			status = 'running',
			worker_id = $1,
			lease_expires_at = NOW() + $2 * INTERVAL '1 second',
			started_at = COALESCE(started_at, NOW())
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued'
			   OR (status = 'running' AND lease_expires_at < NOW())
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	row := jr.db.QueryRowContext(ctx, query, workerID, leaseDuration.Seconds())

	job, err := jr.scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, persistence.NewJobError("Claim", "", err)
	}

	return job, nil
}

// Complete transitions running to completed, guarded by worker ownership.
func (jr *JobRepository) Complete(ctx context.Context, jobID, workerID string) (bool, error) {
	query := `
		UPDATE jobs SET
			status = 'completed',
			completed_at = NOW(),
			worker_id = NULL,
			lease_expires_at = NULL
		WHERE id = $1 AND worker_id = $2 AND status = 'running'
	`

	result, err := jr.db.ExecContext(ctx, query, jobID, workerID)
	if err != nil {
		return false, persistence.NewJobError("Complete", jobID, err)
	}

	return affected(result)
}

// Fail increments retry_count and requeues the job for another attempt, or
// marks it terminally failed once retries are exhausted or the failure is
// permanent. Guarded by worker ownership.
func (jr *JobRepository) Fail(ctx context.Context, jobID, workerID, errorMessage string, permanent bool) (bool, error) {
	query := `
		UPDATE jobs SET
			retry_count = LEAST(retry_count + 1, max_retries),
			error_message = $3,
			status = CASE
				WHEN $4 OR retry_count + 1 > max_retries THEN 'failed'
				ELSE 'queued'
			END,
			completed_at = CASE
				WHEN $4 OR retry_count + 1 > max_retries THEN NOW()
				ELSE NULL
			END,
			worker_id = NULL,
			lease_expires_at = NULL
		WHERE id = $1 AND worker_id = $2 AND status = 'running'
	`

	result, err := jr.db.ExecContext(ctx, query, jobID, workerID, errorMessage, permanent)
	if err != nil {
		return false, persistence.NewJobError("Fail", jobID, err)
	}

	return affected(result)
}

// Cancel cancels a queued job directly, or flags a running job for
// cooperative cancellation. Terminal jobs are left untouched.
func (jr *JobRepository) Cancel(ctx context.Context, jobID string) (bool, error) {
	query := `
		UPDATE jobs SET
			status = CASE WHEN status = 'queued' THEN 'cancelled' ELSE status END,
			completed_at = CASE WHEN status = 'queued' THEN NOW() ELSE completed_at END,
			cancel_requested = TRUE
		WHERE id = $1 AND status IN ('queued', 'running')
	`

	result, err := jr.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return false, persistence.NewJobError("Cancel", jobID, err)
	}

	return affected(result)
}

// FinishCancelled transitions a running job to cancelled after its holder
// observed the cancellation flag at a stage boundary.
func (jr *JobRepository) FinishCancelled(ctx context.Context, jobID, workerID string) (bool, error) {
	query := `
		UPDATE jobs SET
			status = 'cancelled',
			completed_at = NOW(),
			worker_id = NULL,
			lease_expires_at = NULL
		WHERE id = $1 AND worker_id = $2 AND status = 'running'
	`

	result, err := jr.db.ExecContext(ctx, query, jobID, workerID)
	if err != nil {
		return false, persistence.NewJobError("FinishCancelled", jobID, err)
	}

	return affected(result)
}

// CancelRequested reports whether cancellation has been requested for a job.
func (jr *JobRepository) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool

	err := jr.db.QueryRowContext(ctx, "SELECT cancel_requested FROM jobs WHERE id = $1", jobID).Scan(&requested)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, persistence.ErrJobNotFound
		}

		return false, persistence.NewJobError("CancelRequested", jobID, err)
	}

	return requested, nil
}

// PendingCount counts queued jobs plus running jobs with an expired lease.
func (jr *JobRepository) PendingCount(ctx context.Context) (int, error) {
	var count int

	query := `
		SELECT COUNT(*) FROM jobs
		WHERE status = 'queued'
		   OR (status = 'running' AND lease_expires_at < NOW())
	`

	err := jr.db.QueryRowContext(ctx, query).Scan(&count)
	if err != nil {
		return 0, persistence.NewJobError("PendingCount", "", err)
	}

	return count, nil
}

// scanJob scans a job from a database row.
func (jr *JobRepository) scanJob(scanner interface {
	Scan(dest ...any) error
}) (*models.Job, error) {
	var (
		job         models.Job
		payloadJSON []byte
	)

	err := scanner.Scan(
		&job.ID,
		&job.ExecutionID,
		&job.Type,
		&payloadJSON,
		&job.Priority,
		&job.Status,
		&job.WorkerID,
		&job.LeaseExpiresAt,
		&job.RetryCount,
		&job.MaxRetries,
		&job.ErrorMessage,
		&job.CancelRequested,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if payloadJSON != nil {
		err := json.Unmarshal(payloadJSON, &job.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}

	return &job, nil
}

func affected(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return rows > 0, nil
}
