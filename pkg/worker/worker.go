// Package worker implements the job processing loop: claim a job from the
// queue, dispatch it to the handler registered for its type and record the
// outcome, repeating until the context is cancelled.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/planline/planline/pkg/eventbus"
	"github.com/planline/planline/pkg/events"
	"github.com/planline/planline/pkg/models"
	"github.com/planline/planline/pkg/otelhelper"
	"github.com/planline/planline/pkg/queue"
	"github.com/planline/planline/pkg/workflow"
)

const (
	DefaultPollInterval = 1 * time.Second
	MaxIdleBackoff      = 60 * time.Second
)

// Handler processes jobs of one type. Handle returning nil completes the
// job; returning workflow.ErrCancelled finalizes a cancelled job; any other
// error requeues the job until its retry budget is spent.
type Handler interface {
	Type() string
	Handle(ctx context.Context, logger *slog.Logger, job *models.Job) error
}

// PermanentFailureHandler is an optional extension invoked once a job's
// failure becomes terminal, letting the handler record the failure on
// whatever the job was driving.
type PermanentFailureHandler interface {
	HandlePermanentFailure(ctx context.Context, logger *slog.Logger, job *models.Job, cause error) error
}

// Worker runs the claim/dispatch loop. One goroutine processes one job at a
// time; run several workers for parallelism. A worker only ever touches jobs
// it holds the lease on.
type Worker struct {
	id            string
	queue         *queue.Service
	eventBus      eventbus.EventBus
	tracer        trace.Tracer
	logger        *slog.Logger
	handlers      map[string]Handler
	pollInterval  time.Duration
	leaseDuration time.Duration
}

// Config collects the worker's tunables. Zero values fall back to defaults.
type Config struct {
	PollInterval  time.Duration
	LeaseDuration time.Duration
}

func NewWorker(id string, queueService *queue.Service, eventBus eventbus.EventBus, tracer trace.Tracer, logger *slog.Logger, config Config) *Worker {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}

	if config.LeaseDuration <= 0 {
		config.LeaseDuration = queue.DefaultLeaseDuration
	}

	return &Worker{
		id:            id,
		queue:         queueService,
		eventBus:      eventBus,
		tracer:        tracer,
		logger:        logger.With("module", "worker", "worker_id", id),
		handlers:      make(map[string]Handler),
		pollInterval:  config.PollInterval,
		leaseDuration: config.LeaseDuration,
	}
}

// RegisterHandler adds a handler for its job type. Re-registering a type
// replaces the previous handler.
func (w *Worker) RegisterHandler(handler Handler) {
	w.handlers[handler.Type()] = handler
}

// Run claims and processes jobs until ctx is cancelled. The job in flight
// when cancellation arrives is finished before Run returns. Idle polling
// backs off exponentially up to MaxIdleBackoff and resets on the next claim.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Worker started",
		"poll_interval", w.pollInterval,
		"lease_duration", w.leaseDuration,
	)

	backoff := w.pollInterval

	for {
		if ctx.Err() != nil {
			w.logger.InfoContext(ctx, "Worker stopped")

			return nil
		}

		job, err := w.queue.ClaimJob(ctx, w.id, w.leaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			w.logger.ErrorContext(ctx, "Failed to claim job", "error", err)

			if !w.sleep(ctx, backoff) {
				return nil
			}

			continue
		}

		if job == nil {
			if !w.sleep(ctx, backoff) {
				return nil
			}

			backoff = min(backoff*2, MaxIdleBackoff)

			continue
		}

		backoff = w.pollInterval

		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *models.Job) {
	logger := w.logger.With(
		"job_id", job.ID,
		"execution_id", job.ExecutionID,
		"job_type", job.Type,
	)

	if w.tracer != nil {
		var span trace.Span

		ctx, span = otelhelper.StartSpan(ctx, w.tracer, "worker.process",
			attribute.String(otelhelper.JobIDKey, job.ID),
			attribute.String(otelhelper.JobTypeKey, job.Type),
			attribute.String(otelhelper.ExecutionIDKey, job.ExecutionID),
			attribute.String(otelhelper.WorkerIDKey, w.id),
		)
		defer span.End()
	}

	logger.InfoContext(ctx, "Processing job", "retry_count", job.RetryCount)

	handler, ok := w.handlers[job.Type]
	if !ok {
		w.failPermanently(ctx, logger, job, nil, fmt.Errorf("no handler registered for job type %q", job.Type))

		return
	}

	err := w.dispatch(ctx, logger, handler, job)

	switch {
	case err == nil:
		_, completeErr := w.queue.CompleteJob(ctx, job.ID, w.id)
		if completeErr != nil {
			logger.ErrorContext(ctx, "Failed to complete job", "error", completeErr)
		}

	case errors.Is(err, workflow.ErrCancelled):
		_, cancelErr := w.queue.FinishCancelledJob(ctx, job.ID, w.id)
		if cancelErr != nil {
			logger.ErrorContext(ctx, "Failed to finalize cancelled job", "error", cancelErr)
		}

	default:
		w.fail(ctx, logger, job, handler, err)
	}
}

// dispatch invokes the handler with panic containment: a panicking handler
// fails its job instead of killing the worker.
func (w *Worker) dispatch(ctx context.Context, logger *slog.Logger, handler Handler, job *models.Job) (err error) {
	defer func() {
		r := recover()
		if r != nil {
			logger.ErrorContext(ctx, "Handler panicked", "panic", r)

			err = fmt.Errorf("handler for %q panicked: %v", job.Type, r)
		}
	}()

	return handler.Handle(ctx, logger, job)
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, job *models.Job, handler Handler, cause error) {
	logger.ErrorContext(ctx, "Job handler failed", "error", cause)

	willRetry := job.RetryCount+1 <= job.MaxRetries

	owned, err := w.queue.FailJob(ctx, job.ID, w.id, cause)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to record job failure", "error", err)

		return
	}

	if !owned {
		return
	}

	if !willRetry {
		w.handlePermanentFailure(ctx, logger, handler, job, cause)
	}

	w.publishJobFailed(ctx, logger, job, cause, willRetry)
}

// failPermanently terminally fails a job regardless of its retry budget.
// handler may be nil when no handler exists for the job's type.
func (w *Worker) failPermanently(ctx context.Context, logger *slog.Logger, job *models.Job, handler Handler, cause error) {
	logger.ErrorContext(ctx, "Job failed permanently", "error", cause)

	owned, err := w.queue.FailJobPermanently(ctx, job.ID, w.id, cause)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to record job failure", "error", err)

		return
	}

	if !owned {
		return
	}

	w.handlePermanentFailure(ctx, logger, handler, job, cause)
	w.publishJobFailed(ctx, logger, job, cause, false)
}

func (w *Worker) handlePermanentFailure(ctx context.Context, logger *slog.Logger, handler Handler, job *models.Job, cause error) {
	failureHandler, ok := handler.(PermanentFailureHandler)
	if !ok {
		return
	}

	err := failureHandler.HandlePermanentFailure(ctx, logger, job, cause)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to record permanent failure", "error", err)
	}
}

func (w *Worker) publishJobFailed(ctx context.Context, logger *slog.Logger, job *models.Job, cause error, willRetry bool) {
	if w.eventBus == nil {
		return
	}

	event := events.JobFailed{
		BaseEvent:  events.NewBaseEvent(events.JobFailedEvent, job.ExecutionID),
		JobID:      job.ID,
		JobType:    job.Type,
		Error:      cause.Error(),
		RetryCount: job.RetryCount,
		WillRetry:  willRetry,
	}
	event.WorkerID = w.id

	err := w.eventBus.Publish(ctx, job.ExecutionID, event)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to publish job failed event", "error", err)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
