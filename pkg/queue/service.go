// Package queue implements the job queue service: atomic create, claim,
// complete, fail and cancel operations over the job store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/planline/planline/pkg/models"
	"github.com/planline/planline/pkg/persistence"
)

const (
	DefaultMaxRetries    = 3
	DefaultLeaseDuration = 5 * time.Minute
)

// Service mediates all job mutation. Ownership guards live in the
// persistence layer; the service adds validation, identifiers and logging.
type Service struct {
	persistence persistence.Persistence
	logger      *slog.Logger
	validate    *validator.Validate
	schemas     map[string]*gojsonschema.Schema
}

// NewService creates a job queue service.
func NewService(persistence persistence.Persistence, logger *slog.Logger) *Service {
	return &Service{
		persistence: persistence,
		logger:      logger.With("module", "queue"),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		schemas:     make(map[string]*gojsonschema.Schema),
	}
}

// RegisterPayloadSchema attaches a JSON schema to a job type. CreateJob
// rejects payloads that do not validate against it.
func (s *Service) RegisterPayloadSchema(jobType, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("failed to compile payload schema for %q: %w", jobType, err)
	}

	s.schemas[jobType] = schema

	return nil
}

// CreateJobParams collects inputs required to enqueue a job.
type CreateJobParams struct {
	ExecutionID string         `validate:"required"`
	Type        string         `validate:"required"`
	Payload     map[string]any `validate:"-"`
	Priority    int            `validate:"-"`
	MaxRetries  int            `validate:"gte=0"`
}

// CreateJob inserts a new queued job. Higher priority is served first; ties
// are broken oldest first.
func (s *Service) CreateJob(ctx context.Context, params CreateJobParams) (*models.Job, error) {
	err := s.validate.Struct(params)
	if err != nil {
		return nil, fmt.Errorf("invalid job parameters: %w", err)
	}

	if params.MaxRetries == 0 {
		params.MaxRetries = DefaultMaxRetries
	}

	err = s.validatePayload(params.Type, params.Payload)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:          uuid.New().String(),
		ExecutionID: params.ExecutionID,
		Type:        params.Type,
		Payload:     params.Payload,
		Priority:    params.Priority,
		Status:      models.JobStatusQueued,
		MaxRetries:  params.MaxRetries,
		CreatedAt:   time.Now().UTC(),
	}

	err = s.persistence.CreateJob(ctx, job)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Job created",
		"job_id", job.ID,
		"execution_id", job.ExecutionID,
		"type", job.Type,
		"priority", job.Priority,
	)

	return job, nil
}

func (s *Service) validatePayload(jobType string, payload map[string]any) error {
	schema, ok := s.schemas[jobType]
	if !ok {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("failed to validate payload for %q: %w", jobType, err)
	}

	if !result.Valid() {
		return fmt.Errorf("payload for %q rejected by schema: %v", jobType, result.Errors())
	}

	return nil
}

// ClaimJob atomically claims the next eligible job for the worker and leases
// it for leaseDuration. Returns nil when no job is eligible.
func (s *Service) ClaimJob(ctx context.Context, workerID string, leaseDuration time.Duration) (*models.Job, error) {
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}

	job, err := s.persistence.ClaimNextJob(ctx, workerID, leaseDuration)
	if err != nil {
		return nil, err
	}

	if job == nil {
		return nil, nil
	}

	s.logger.InfoContext(ctx, "Job claimed",
		"job_id", job.ID,
		"execution_id", job.ExecutionID,
		"type", job.Type,
		"worker_id", workerID,
		"lease_expires_at", job.LeaseExpiresAt,
	)

	return job, nil
}

// CompleteJob marks a running job completed. Returns false when the lease
// was already reclaimed by another worker; the reclaiming worker is
// authoritative and the stale completion is ignored.
func (s *Service) CompleteJob(ctx context.Context, jobID, workerID string) (bool, error) {
	completed, err := s.persistence.CompleteJob(ctx, jobID, workerID)
	if err != nil {
		return false, err
	}

	if !completed {
		s.logger.WarnContext(ctx, "Completion ignored, job no longer owned",
			"job_id", jobID, "worker_id", workerID)

		return false, nil
	}

	s.logger.InfoContext(ctx, "Job completed", "job_id", jobID, "worker_id", workerID)

	return true, nil
}

// FailJob records a job failure: the job is requeued for another attempt
// until retries are exhausted, then terminally failed. Same ownership guard
// as CompleteJob.
func (s *Service) FailJob(ctx context.Context, jobID, workerID string, jobErr error) (bool, error) {
	return s.fail(ctx, jobID, workerID, jobErr, false)
}

// FailJobPermanently records a failure that retrying cannot fix, such as an
// unknown job type. The job is terminally failed regardless of its retry
// budget.
func (s *Service) FailJobPermanently(ctx context.Context, jobID, workerID string, jobErr error) (bool, error) {
	return s.fail(ctx, jobID, workerID, jobErr, true)
}

func (s *Service) fail(ctx context.Context, jobID, workerID string, jobErr error, permanent bool) (bool, error) {
	message := "unknown error"
	if jobErr != nil {
		message = jobErr.Error()
	}

	failed, err := s.persistence.FailJob(ctx, jobID, workerID, message, permanent)
	if err != nil {
		return false, err
	}

	if !failed {
		s.logger.WarnContext(ctx, "Failure ignored, job no longer owned",
			"job_id", jobID, "worker_id", workerID)

		return false, nil
	}

	s.logger.InfoContext(ctx, "Job failed",
		"job_id", jobID,
		"worker_id", workerID,
		"permanent", permanent,
		"error", message,
	)

	return true, nil
}

// CancelJob cancels a queued job immediately, or requests cooperative
// cancellation of a running job; the holder observes the flag at the next
// stage boundary.
func (s *Service) CancelJob(ctx context.Context, jobID string) (bool, error) {
	cancelled, err := s.persistence.CancelJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	if cancelled {
		s.logger.InfoContext(ctx, "Job cancellation requested", "job_id", jobID)
	}

	return cancelled, nil
}

// FinishCancelledJob finalizes a running job whose holder observed the
// cancellation flag.
func (s *Service) FinishCancelledJob(ctx context.Context, jobID, workerID string) (bool, error) {
	return s.persistence.FinishCancelledJob(ctx, jobID, workerID)
}

// CancelRequested reports whether cancellation has been requested for a job.
func (s *Service) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	return s.persistence.JobCancelRequested(ctx, jobID)
}

// JobByID returns a job by its identifier.
func (s *Service) JobByID(ctx context.Context, jobID string) (*models.Job, error) {
	return s.persistence.JobByID(ctx, jobID)
}

// PendingCount counts jobs eligible for claiming: queued jobs plus running
// jobs whose lease has expired.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.persistence.PendingJobCount(ctx)
}

// IsNotFound reports whether an error indicates a missing job.
func IsNotFound(err error) bool {
	return errors.Is(err, persistence.ErrJobNotFound)
}
