package workflow

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
	"github.com/planline/planline/pkg/persistence"
	"github.com/planline/planline/pkg/stream"
)

// ErrCancelled is returned when a cooperative cancellation request is
// observed at a stage boundary.
var ErrCancelled = errors.New("execution cancelled")

// CancelCheck reports whether cancellation has been requested for the job
// driving this execution. Checked at stage boundaries only; stages are never
// interrupted mid-execution. A nil check never cancels.
type CancelCheck func(ctx context.Context) (bool, error)

// Executor runs the fixed ordered stage list against one execution at a
// time, checkpointing after every stage. Only the single worker holding an
// execution's job may advance it; the version guard on checkpoint writes
// backs that up.
type Executor struct {
	persistence persistence.Persistence
	registry    *Registry
	stages      []string
	broadcaster *stream.Broadcaster
	eventBus    eventbus.EventBus
	tracer      trace.Tracer
}

// NewExecutor creates an engine for the given ordered stage list.
// broadcaster, eventBus and tracer are optional side channels; nil disables
// each.
func NewExecutor(
	persistence persistence.Persistence,
	registry *Registry,
	stages []string,
	broadcaster *stream.Broadcaster,
	eventBus eventbus.EventBus,
	tracer trace.Tracer,
) *Executor {
	return &Executor{
		persistence: persistence,
		registry:    registry,
		stages:      stages,
		broadcaster: broadcaster,
		eventBus:    eventBus,
		tracer:      tracer,
	}
}

// Stages returns the declared stage order.
func (e *Executor) Stages() []string {
	return e.stages
}

// Run starts or resumes the execution from its latest checkpoint, without a
// decision. A fresh execution is initialized with initialState; an existing
// one continues from the first stage not yet in its execution order.
func (e *Executor) Run(ctx context.Context, logger *slog.Logger, executionID string, initialState map[string]any, cancel CancelCheck) (*models.WorkflowExecution, error) {
	execution, err := e.loadOrCreate(ctx, logger, executionID, initialState)
	if err != nil {
		return nil, err
	}

	return e.advance(ctx, logger, execution, nil, cancel)
}

// Resume re-enters a suspended execution carrying the human decision. The
// first pending stage (the approval gate) consumes it. Resuming an execution
// that is not suspended is a no-op: the decision was already consumed or the
// execution moved past the gate.
func (e *Executor) Resume(ctx context.Context, logger *slog.Logger, executionID string, decision models.Decision, cancel CancelCheck) (*models.WorkflowExecution, error) {
	execution, err := e.persistence.ExecutionByID(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	if execution.Status != models.ExecutionStatusSuspended {
		logger.InfoContext(ctx, "Resume is a no-op, execution not suspended",
			"execution_id", executionID,
			"status", execution.Status,
		)

		return execution, nil
	}

	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = time.Now().UTC()
	}

	e.publish(ctx, logger, executionID, events.ExecutionResumed{
		BaseEvent: events.NewBaseEvent(events.ExecutionResumedEvent, executionID),
		Approved:  decision.Approved,
		DecidedBy: decision.DecidedBy,
	})

	return e.advance(ctx, logger, execution, &decision, cancel)
}

// MarkFailed records a terminal execution failure once the driving job has
// exhausted its retries. The last successful checkpoint's state is kept.
func (e *Executor) MarkFailed(ctx context.Context, logger *slog.Logger, executionID string, cause error) error {
	execution, err := e.persistence.ExecutionByID(ctx, executionID)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			// Failed before the first checkpoint; nothing to record.
			return nil
		}

		return err
	}

	if execution.IsTerminal() {
		return nil
	}

	message := cause.Error()
	now := time.Now().UTC()

	execution.Status = models.ExecutionStatusFailed
	execution.ErrorMessage = &message
	execution.PendingDecision = nil
	execution.CompletedAt = &now
	execution.Version++

	err = e.persistence.SaveExecution(ctx, execution)
	if err != nil {
		return err
	}

	e.emit(events.NewStreamEvent(executionID, events.ErrorEvent, map[string]any{
		"error": message,
	}))

	e.publish(ctx, logger, executionID, events.ExecutionFailed{
		BaseEvent: events.NewBaseEvent(events.ExecutionFailedEvent, executionID),
		Error:     message,
	})

	e.cleanup(executionID)

	return nil
}

func (e *Executor) loadOrCreate(ctx context.Context, logger *slog.Logger, executionID string, initialState map[string]any) (*models.WorkflowExecution, error) {
	execution, err := e.persistence.ExecutionByID(ctx, executionID)
	if err == nil {
		return execution, nil
	}

	if !errors.Is(err, persistence.ErrExecutionNotFound) {
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	execution = models.NewWorkflowExecution(executionID, initialState)

	logger.InfoContext(ctx, "Created execution", "execution_id", executionID)

	e.publish(ctx, logger, executionID, events.ExecutionStarted{
		BaseEvent:    events.NewBaseEvent(events.ExecutionStartedEvent, executionID),
		InitialState: initialState,
	})

	return execution, nil
}

// advance drives the stage loop. The decision is handed to the first stage
// invoked and cleared afterwards: only the gate the execution is suspended
// at may consume it.
func (e *Executor) advance(ctx context.Context, logger *slog.Logger, execution *models.WorkflowExecution, decision *models.Decision, cancel CancelCheck) (*models.WorkflowExecution, error) {
	if execution.IsTerminal() {
		logger.InfoContext(ctx, "Execution already terminal",
			"execution_id", execution.ID,
			"status", execution.Status,
		)

		return execution, nil
	}

	for index, stageName := range e.stages {
		if execution.HasRun(stageName) {
			continue
		}

		cancelled, err := e.checkCancel(ctx, cancel)
		if err != nil {
			return execution, err
		}

		if cancelled {
			logger.InfoContext(ctx, "Cancellation observed at stage boundary",
				"execution_id", execution.ID,
				"stage", stageName,
			)

			return execution, ErrCancelled
		}

		result, err := e.runStage(ctx, logger, execution, stageName, decision)
		if err != nil {
			return execution, err
		}

		decision = nil

		if result.Suspension != nil {
			return execution, e.suspend(ctx, logger, execution, stageName, result.Suspension)
		}

		lastStage := index == len(e.stages)-1

		err = e.commitStage(ctx, logger, execution, stageName, result, lastStage)
		if err != nil {
			return execution, err
		}
	}

	if execution.Status == models.ExecutionStatusCompleted {
		e.publish(ctx, logger, execution.ID, events.ExecutionCompleted{
			BaseEvent:      events.NewBaseEvent(events.ExecutionCompletedEvent, execution.ID),
			StagesExecuted: len(execution.ExecutionOrder),
			FinalState:     execution.State,
		})

		e.cleanup(execution.ID)
	}

	return execution, nil
}

func (e *Executor) runStage(ctx context.Context, logger *slog.Logger, execution *models.WorkflowExecution, stageName string, decision *models.Decision) (*StageResult, error) {
	stage, err := e.registry.StageByName(stageName)
	if err != nil {
		return nil, err
	}

	stageLogger := logger.With("execution_id", execution.ID, "stage", stageName)

	if e.tracer != nil {
		var span trace.Span

		ctx, span = otelhelper.StartSpan(ctx, e.tracer, "workflow.stage",
			attribute.String(otelhelper.ExecutionIDKey, execution.ID),
			attribute.String(otelhelper.StageNameKey, stageName),
		)
		defer span.End()

		defer func() {
			if err != nil {
				otelhelper.SetError(span, err)
			}
		}()
	}

	e.emit(events.NewStreamEvent(execution.ID, events.StageStartedEvent, map[string]any{
		"stage": stageName,
	}))

	stageLogger.InfoContext(ctx, "Executing stage")

	result, err := stage.Run(ctx, StageContext{
		ExecutionID: execution.ID,
		State:       execution.State,
		Decision:    decision,
		Logger:      stageLogger,
	})
	if err != nil {
		stageLogger.ErrorContext(ctx, "Stage failed", "error", err)

		e.emit(events.NewStreamEvent(execution.ID, events.ErrorEvent, map[string]any{
			"stage": stageName,
			"error": err.Error(),
		}))

		return nil, fmt.Errorf("stage %s failed: %w", stageName, err)
	}

	if result == nil {
		result = &StageResult{}
	}

	return result, nil
}

// suspend checkpoints the suspension and stops processing. The driving job
// is completed from the queue's point of view; the workflow itself is
// paused, not the job.
func (e *Executor) suspend(ctx context.Context, logger *slog.Logger, execution *models.WorkflowExecution, stageName string, payload map[string]any) error {
	execution.Status = models.ExecutionStatusSuspended
	execution.PendingDecision = payload
	execution.Version++

	err := e.persistence.SaveExecution(ctx, execution)
	if err != nil {
		return fmt.Errorf("failed to checkpoint suspension of %s: %w", execution.ID, err)
	}

	logger.InfoContext(ctx, "Execution suspended pending decision",
		"execution_id", execution.ID,
		"stage", stageName,
		"version", execution.Version,
	)

	e.emit(events.NewStreamEvent(execution.ID, events.SuspendedEvent, map[string]any{
		"stage":            stageName,
		"pending_decision": payload,
	}))

	e.publish(ctx, logger, execution.ID, events.ExecutionSuspended{
		BaseEvent:       events.NewBaseEvent(events.ExecutionSuspendedEvent, execution.ID),
		PausedAtStage:   stageName,
		PendingDecision: payload,
	})

	return nil
}

// commitStage merges the stage's output and persists the checkpoint. Stream
// events follow the write: an event is only authoritative once its
// checkpoint is durable, so a crash in between re-runs the stage on resume.
func (e *Executor) commitStage(ctx context.Context, logger *slog.Logger, execution *models.WorkflowExecution, stageName string, result *StageResult, lastStage bool) error {
	execution.MergeState(result.Updates)
	execution.ExecutionOrder = append(execution.ExecutionOrder, stageName)

	if result.Card != nil {
		if result.Card.Timestamp.IsZero() {
			result.Card.Timestamp = time.Now().UTC()
		}

		execution.AuditTrail = append(execution.AuditTrail, *result.Card)
	}

	execution.Status = models.ExecutionStatusRunning
	execution.PendingDecision = nil

	if lastStage {
		now := time.Now().UTC()
		execution.Status = models.ExecutionStatusCompleted
		execution.CompletedAt = &now
	}

	execution.Version++

	err := e.persistence.SaveExecution(ctx, execution)
	if err != nil {
		return fmt.Errorf("failed to checkpoint stage %s of %s: %w", stageName, execution.ID, err)
	}

	logger.InfoContext(ctx, "Stage committed",
		"execution_id", execution.ID,
		"stage", stageName,
		"version", execution.Version,
	)

	e.emit(events.NewStreamEvent(execution.ID, events.StageCompletedEvent, map[string]any{
		"stage":   stageName,
		"version": execution.Version,
	}))

	if result.Card != nil {
		e.emit(events.NewStreamEvent(execution.ID, events.ReasonCardEvent, map[string]any{
			"stage":      result.Card.StageName,
			"decision":   result.Card.Decision,
			"confidence": result.Card.Confidence,
		}))
	}

	return nil
}

func (e *Executor) checkCancel(ctx context.Context, cancel CancelCheck) (bool, error) {
	if cancel == nil {
		return false, nil
	}

	return cancel(ctx)
}

func (e *Executor) emit(event events.StreamEvent) {
	if e.broadcaster != nil {
		e.broadcaster.Emit(event)
	}
}

func (e *Executor) cleanup(executionID string) {
	if e.broadcaster != nil {
		e.broadcaster.Cleanup(executionID)
	}
}

func (e *Executor) publish(ctx context.Context, logger *slog.Logger, key string, event eventbus.Event) {
	if e.eventBus == nil {
		return
	}

	err := e.eventBus.Publish(ctx, key, event)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to publish event", "error", err, "event_type", event.GetType())
	}
}
