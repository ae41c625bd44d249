package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error values shared by all implementations.
var (
	// ErrJobNotFound indicates no job exists with the given identifier.
	ErrJobNotFound = errors.New("job not found")

	// ErrExecutionNotFound indicates no execution checkpoint exists for
	// the given identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionVersionConflict indicates another writer advanced the
	// execution's version since it was read. The caller must reload
	// instead of overwriting.
	ErrExecutionVersionConflict = errors.New("execution version conflict")
)

// JobError wraps job-related storage errors with operation context.
type JobError struct {
	Op    string // Operation being performed (e.g. "Claim", "Complete")
	JobID string // Job ID if applicable
	Err   error  // Underlying error
}

func (e *JobError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("%s operation failed: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s operation failed for job %s: %v", e.Op, e.JobID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

func (e *JobError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewJobError creates a job error with context.
func NewJobError(op, jobID string, err error) *JobError {
	return &JobError{Op: op, JobID: jobID, Err: err}
}

// ExecutionError wraps checkpoint-related storage errors with context.
type ExecutionError struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsVersionConflict checks if an error indicates an optimistic concurrency
// violation on a checkpoint write.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrExecutionVersionConflict)
}
