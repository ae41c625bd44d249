package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planline/planline/pkg/models"
	"github.com/planline/planline/pkg/persistence/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func newTestService(t *testing.T) (*Service, *memory.Persistence) {
	t.Helper()

	store := memory.NewPersistence()

	return NewService(store, testLogger()), store
}

func createJob(t *testing.T, service *Service, executionID string, priority int) *models.Job {
	t.Helper()

	job, err := service.CreateJob(context.Background(), CreateJobParams{
		ExecutionID: executionID,
		Type:        models.JobTypePipelineRun,
		Priority:    priority,
	})
	require.NoError(t, err)

	return job
}

func TestService_CreateJob_Defaults(t *testing.T) {
	service, _ := newTestService(t)

	job := createJob(t, service, "exec-1", 0)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, DefaultMaxRetries, job.MaxRetries)
	assert.Zero(t, job.RetryCount)
	assert.False(t, job.CreatedAt.IsZero())
}

func TestService_CreateJob_RejectsMissingFields(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.CreateJob(context.Background(), CreateJobParams{Type: models.JobTypePipelineRun})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ExecutionID")

	_, err = service.CreateJob(context.Background(), CreateJobParams{ExecutionID: "exec-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Type")
}

func TestService_CreateJob_PayloadSchema(t *testing.T) {
	service, _ := newTestService(t)

	err := service.RegisterPayloadSchema("typed.job", `{
		"type": "object",
		"required": ["target"],
		"properties": {"target": {"type": "string"}}
	}`)
	require.NoError(t, err)

	_, err = service.CreateJob(context.Background(), CreateJobParams{
		ExecutionID: "exec-1",
		Type:        "typed.job",
		Payload:     map[string]any{"other": true},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")

	_, err = service.CreateJob(context.Background(), CreateJobParams{
		ExecutionID: "exec-1",
		Type:        "typed.job",
		Payload:     map[string]any{"target": "deploy"},
	})
	require.NoError(t, err)
}

func TestService_ClaimJob_PriorityThenFIFO(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	jobA := createJob(t, service, "exec-a", 1)
	time.Sleep(time.Millisecond)
	jobB := createJob(t, service, "exec-b", 5)
	time.Sleep(time.Millisecond)
	jobC := createJob(t, service, "exec-c", 1)

	first, err := service.ClaimJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, jobB.ID, first.ID)

	second, err := service.ClaimJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, jobA.ID, second.ID)

	third, err := service.ClaimJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, jobC.ID, third.ID)

	none, err := service.ClaimJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestService_ClaimJob_AtMostOneOwner(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	const jobs = 20
	for i := range jobs {
		createJob(t, service, "exec", i)
	}

	const workers = 8

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		wg      sync.WaitGroup
	)

	for w := range workers {
		wg.Add(1)

		go func(workerID int) {
			defer wg.Done()

			for {
				job, err := service.ClaimJob(ctx, "w"+string(rune('a'+workerID)), time.Minute)
				if !assert.NoError(t, err) {
					return
				}

				if job == nil {
					return
				}

				mu.Lock()
				previous, seen := claimed[job.ID]
				claimed[job.ID] = *job.WorkerID
				mu.Unlock()

				assert.False(t, seen, "job %s claimed twice, first by %s", job.ID, previous)
			}
		}(w)
	}

	wg.Wait()

	assert.Len(t, claimed, jobs)
}

func TestService_LeaseExpiryAllowsReclaim(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	job := createJob(t, service, "exec-1", 0)

	claimed, err := service.ClaimJob(ctx, "w1", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Lease still live: not claimable.
	none, err := service.ClaimJob(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	time.Sleep(20 * time.Millisecond)

	reclaimed, err := service.ClaimJob(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, "w2", *reclaimed.WorkerID)

	// The original holder's completion is stale and ignored.
	ok, err := service.CompleteJob(ctx, job.ID, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = service.CompleteJob(ctx, job.ID, "w2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_FailJob_RetriesThenExhausts(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	job, err := service.CreateJob(ctx, CreateJobParams{
		ExecutionID: "exec-1",
		Type:        models.JobTypePipelineRun,
		MaxRetries:  2,
	})
	require.NoError(t, err)

	cause := errors.New("stage failed")

	// Two failures leave the job queued for another attempt.
	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := service.ClaimJob(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		ok, err := service.FailJob(ctx, job.ID, "w1", cause)
		require.NoError(t, err)
		require.True(t, ok)

		current, err := service.JobByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusQueued, current.Status)
		assert.Equal(t, attempt, current.RetryCount)
	}

	// The third failure exhausts the budget.
	claimed, err := service.ClaimJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	ok, err := service.FailJob(ctx, job.ID, "w1", cause)
	require.NoError(t, err)
	require.True(t, ok)

	final, err := service.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, 2, final.RetryCount)
	require.NotNil(t, final.ErrorMessage)
	assert.Equal(t, "stage failed", *final.ErrorMessage)
	assert.NotNil(t, final.CompletedAt)
}

func TestService_FailJobPermanently_SkipsRetries(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	job := createJob(t, service, "exec-1", 0)

	claimed, err := service.ClaimJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	ok, err := service.FailJobPermanently(ctx, job.ID, "w1", errors.New("unknown job type"))
	require.NoError(t, err)
	require.True(t, ok)

	final, err := service.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, final.Status)
}

func TestService_CancelJob(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	// Queued jobs cancel immediately.
	queued := createJob(t, service, "exec-1", 0)

	ok, err := service.CancelJob(ctx, queued.ID)
	require.NoError(t, err)
	require.True(t, ok)

	current, err := service.JobByID(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, current.Status)

	// Running jobs only get flagged; the holder finalizes.
	running := createJob(t, service, "exec-2", 0)

	claimed, err := service.ClaimJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, running.ID, claimed.ID)

	ok, err = service.CancelJob(ctx, running.ID)
	require.NoError(t, err)
	require.True(t, ok)

	current, err = service.JobByID(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, current.Status)

	requested, err := service.CancelRequested(ctx, running.ID)
	require.NoError(t, err)
	assert.True(t, requested)

	ok, err = service.FinishCancelledJob(ctx, running.ID, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	current, err = service.JobByID(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, current.Status)

	// Terminal jobs cannot be cancelled again.
	ok, err = service.CancelJob(ctx, running.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_PendingCount(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	createJob(t, service, "exec-1", 0)
	createJob(t, service, "exec-2", 0)

	count, err := service.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	claimed, err := service.ClaimJob(ctx, "w1", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	count, err = service.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// An expired lease counts as pending again.
	time.Sleep(20 * time.Millisecond)

	count, err = service.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestService_JobByID_NotFound(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.JobByID(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
