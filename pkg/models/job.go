package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a queued job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job types dispatched by the worker loop.
const (
	JobTypePipelineRun    = "pipeline.run"
	JobTypePipelineResume = "pipeline.resume"
)

// Job is a unit of asynchronous work. A non-terminal job is owned by at most
// one worker at a time: either it has no owner, or worker_id is set and the
// lease is unexpired.
type Job struct {
	ID              string         `json:"id"`
	ExecutionID     string         `json:"execution_id"`
	Type            string         `json:"type"`
	Payload         map[string]any `json:"payload,omitempty"`
	Priority        int            `json:"priority"`
	Status          JobStatus      `json:"status"`
	WorkerID        *string        `json:"worker_id,omitempty"`
	LeaseExpiresAt  *time.Time     `json:"lease_expires_at,omitempty"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job has reached a final state. Terminal jobs
// are immutable.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// LeaseExpired reports whether the job's lease has lapsed at the given
// instant. Jobs without a lease are never expired.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
}

// Claimable reports whether the job is eligible for claiming: queued, or
// running with an expired lease (a crashed worker's job becomes claimable
// only once its lease lapses).
func (j *Job) Claimable(now time.Time) bool {
	if j.Status == JobStatusQueued {
		return true
	}

	return j.Status == JobStatusRunning && j.LeaseExpired(now)
}
