// Package memory provides an in-memory persistence implementation for tests
// and single-process development. All methods are guarded by one mutex, which
// trivially preserves the at-most-one-owner claim guarantee.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/planline/planline/pkg/models"
	"github.com/planline/planline/pkg/persistence"
)

// Persistence implements the persistence layer in memory.
type Persistence struct {
	mu         sync.Mutex
	jobs       map[string]*models.Job
	executions map[string]*models.WorkflowExecution
}

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence() *Persistence {
	return &Persistence{
		jobs:       make(map[string]*models.Job),
		executions: make(map[string]*models.WorkflowExecution),
	}
}

func (p *Persistence) CreateJob(_ context.Context, job *models.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored := *job
	p.jobs[job.ID] = &stored

	return nil
}

func (p *Persistence) JobByID(_ context.Context, id string) (*models.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.jobs[id]
	if !ok {
		return nil, persistence.ErrJobNotFound
	}

	copied := *job

	return &copied, nil
}

func (p *Persistence) ClaimNextJob(_ context.Context, workerID string, leaseDuration time.Duration) (*models.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()

	var candidate *models.Job

	for _, job := range p.jobs {
		if !job.Claimable(now) {
			continue
		}

		if candidate == nil || claimedBefore(job, candidate) {
			candidate = job
		}
	}

	if candidate == nil {
		return nil, nil
	}

	lease := now.Add(leaseDuration)
	candidate.Status = models.JobStatusRunning
	candidate.WorkerID = &workerID
	candidate.LeaseExpiresAt = &lease

	if candidate.StartedAt == nil {
		started := now
		candidate.StartedAt = &started
	}

	copied := *candidate

	return &copied, nil
}

// claimedBefore orders claim candidates: priority descending, then
// created_at ascending (FIFO within a priority band).
func claimedBefore(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}

	return a.CreatedAt.Before(b.CreatedAt)
}

func (p *Persistence) CompleteJob(_ context.Context, jobID, workerID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.jobs[jobID]
	if !ok || job.Status != models.JobStatusRunning || job.WorkerID == nil || *job.WorkerID != workerID {
		return false, nil
	}

	now := time.Now().UTC()
	job.Status = models.JobStatusCompleted
	job.CompletedAt = &now
	job.WorkerID = nil
	job.LeaseExpiresAt = nil

	return true, nil
}

func (p *Persistence) FailJob(_ context.Context, jobID, workerID, errorMessage string, permanent bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.jobs[jobID]
	if !ok || job.Status != models.JobStatusRunning || job.WorkerID == nil || *job.WorkerID != workerID {
		return false, nil
	}

	job.ErrorMessage = &errorMessage
	job.WorkerID = nil
	job.LeaseExpiresAt = nil

	if permanent || job.RetryCount+1 > job.MaxRetries {
		if job.RetryCount < job.MaxRetries {
			job.RetryCount++
		}

		now := time.Now().UTC()
		job.Status = models.JobStatusFailed
		job.CompletedAt = &now

		return true, nil
	}

	job.RetryCount++
	job.Status = models.JobStatusQueued

	return true, nil
}

func (p *Persistence) CancelJob(_ context.Context, jobID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.jobs[jobID]
	if !ok {
		return false, persistence.ErrJobNotFound
	}

	switch job.Status {
	case models.JobStatusQueued:
		now := time.Now().UTC()
		job.Status = models.JobStatusCancelled
		job.CompletedAt = &now
		job.CancelRequested = true

		return true, nil
	case models.JobStatusRunning:
		job.CancelRequested = true

		return true, nil
	default:
		return false, nil
	}
}

func (p *Persistence) FinishCancelledJob(_ context.Context, jobID, workerID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.jobs[jobID]
	if !ok || job.Status != models.JobStatusRunning || job.WorkerID == nil || *job.WorkerID != workerID {
		return false, nil
	}

	now := time.Now().UTC()
	job.Status = models.JobStatusCancelled
	job.CompletedAt = &now
	job.WorkerID = nil
	job.LeaseExpiresAt = nil

	return true, nil
}

func (p *Persistence) JobCancelRequested(_ context.Context, jobID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.jobs[jobID]
	if !ok {
		return false, persistence.ErrJobNotFound
	}

	return job.CancelRequested, nil
}

func (p *Persistence) PendingJobCount(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	count := 0

	for _, job := range p.jobs {
		if job.Claimable(now) {
			count++
		}
	}

	return count, nil
}

func (p *Persistence) ExecutionByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	execution, ok := p.executions[id]
	if !ok {
		return nil, persistence.ErrExecutionNotFound
	}

	return execution.Clone(), nil
}

func (p *Persistence) SaveExecution(_ context.Context, execution *models.WorkflowExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, exists := p.executions[execution.ID]

	if execution.Version == 1 {
		if exists {
			return persistence.ErrExecutionVersionConflict
		}
	} else {
		if !exists || stored.Version != execution.Version-1 {
			return persistence.ErrExecutionVersionConflict
		}
	}

	p.executions[execution.ID] = execution.Clone()

	return nil
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}
