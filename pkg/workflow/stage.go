// Package workflow implements the sequential pipeline engine: a fixed
// ordered list of stages executed against a shared state object, with a
// durable checkpoint after each stage and an optional suspend point for
// human approval.
package workflow

import (
	"context"
	"log/slog"

	"github.com/planline/planline/pkg/models"
)

// StageContext carries the inputs a stage may read. Decision is non-nil only
// for the first pending stage of a resume call; every other invocation sees
// nil.
type StageContext struct {
	ExecutionID string
	State       map[string]any
	Decision    *models.Decision
	Logger      *slog.Logger
}

// StageResult is a stage's outcome: either state updates plus an audit card,
// or a suspension payload. A stage must not perform its own persistence; the
// engine checkpoints on its behalf.
type StageResult struct {
	// Updates are merged into the execution's state. Stages may add or
	// overwrite named slots but never remove them, so re-applying the
	// same updates after a crash is idempotent.
	Updates map[string]any

	// Card is the stage's audit record. Appended to the execution's
	// audit trail when non-nil.
	Card *models.ReasonCard

	// Suspension, when non-nil, pauses the workflow with this payload
	// recorded as the pending decision shown to the human reviewer.
	Suspension map[string]any
}

// Suspend builds a result that pauses the workflow pending an external
// decision.
func Suspend(payload map[string]any) *StageResult {
	return &StageResult{Suspension: payload}
}

// Stage is one step of the pipeline. Implementations must be deterministic
// and idempotent with respect to the same input state.
type Stage interface {
	Name() string
	Run(ctx context.Context, stageCtx StageContext) (*StageResult, error)
}
