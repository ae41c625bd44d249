package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/planline/planline/pkg/models"
	"github.com/planline/planline/pkg/queue"
)

// Payload keys understood by the pipeline job handlers.
const (
	PayloadInitialStateKey = "initial_state"
	PayloadDecisionKey     = "decision"
)

// RunHandler drives pipeline.run jobs through the engine. The job's payload
// may carry an "initial_state" object used only when the execution does not
// exist yet.
type RunHandler struct {
	executor *Executor
	queue    *queue.Service
}

func NewRunHandler(executor *Executor, queueService *queue.Service) *RunHandler {
	return &RunHandler{executor: executor, queue: queueService}
}

func (h *RunHandler) Type() string {
	return models.JobTypePipelineRun
}

func (h *RunHandler) Handle(ctx context.Context, logger *slog.Logger, job *models.Job) error {
	initialState, _ := job.Payload[PayloadInitialStateKey].(map[string]any)

	_, err := h.executor.Run(ctx, logger, job.ExecutionID, initialState, h.cancelCheck(job.ID))

	return err
}

// HandlePermanentFailure marks the execution failed once the job's retry
// budget is spent.
func (h *RunHandler) HandlePermanentFailure(ctx context.Context, logger *slog.Logger, job *models.Job, cause error) error {
	return h.executor.MarkFailed(ctx, logger, job.ExecutionID, cause)
}

func (h *RunHandler) cancelCheck(jobID string) CancelCheck {
	return func(ctx context.Context) (bool, error) {
		return h.queue.CancelRequested(ctx, jobID)
	}
}

// ResumeHandler drives pipeline.resume jobs: it re-enters a suspended
// execution carrying the decision from the job payload.
type ResumeHandler struct {
	executor *Executor
	queue    *queue.Service
}

func NewResumeHandler(executor *Executor, queueService *queue.Service) *ResumeHandler {
	return &ResumeHandler{executor: executor, queue: queueService}
}

func (h *ResumeHandler) Type() string {
	return models.JobTypePipelineResume
}

func (h *ResumeHandler) Handle(ctx context.Context, logger *slog.Logger, job *models.Job) error {
	decision, err := decisionFromPayload(job.Payload)
	if err != nil {
		return err
	}

	_, err = h.executor.Resume(ctx, logger, job.ExecutionID, decision, func(ctx context.Context) (bool, error) {
		return h.queue.CancelRequested(ctx, job.ID)
	})

	return err
}

func (h *ResumeHandler) HandlePermanentFailure(ctx context.Context, logger *slog.Logger, job *models.Job, cause error) error {
	return h.executor.MarkFailed(ctx, logger, job.ExecutionID, cause)
}

func decisionFromPayload(payload map[string]any) (models.Decision, error) {
	raw, ok := payload[PayloadDecisionKey].(map[string]any)
	if !ok {
		return models.Decision{}, fmt.Errorf("resume payload is missing a %q object", PayloadDecisionKey)
	}

	decision := models.Decision{DecidedAt: time.Now().UTC()}

	approved, ok := raw["approved"].(bool)
	if !ok {
		return models.Decision{}, fmt.Errorf("resume decision is missing the 'approved' flag")
	}

	decision.Approved = approved

	if comment, ok := raw["comment"].(string); ok {
		decision.Comment = comment
	}

	if decidedBy, ok := raw["decided_by"].(string); ok {
		decision.DecidedBy = decidedBy
	}

	return decision, nil
}

// ResumePayloadSchema validates pipeline.resume payloads at enqueue time.
const ResumePayloadSchema = `{
	"type": "object",
	"required": ["decision"],
	"properties": {
		"decision": {
			"type": "object",
			"required": ["approved"],
			"properties": {
				"approved":   {"type": "boolean"},
				"comment":    {"type": "string"},
				"decided_by": {"type": "string"}
			}
		}
	}
}`
