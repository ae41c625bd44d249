package workflow

import (
	"context"
	"time"

	"github.com/planline/planline/pkg/models"
)

// SummarizeFunc builds the payload shown to the human reviewer from the
// accumulated state.
type SummarizeFunc func(state map[string]any) map[string]any

// ApprovalGate is the human-in-the-loop stage. When no decision has been
// supplied for the current entry it suspends the workflow with a review
// payload; when re-entered with a decision it consumes it, records an audit
// card and lets the engine proceed.
type ApprovalGate struct {
	name      string
	summarize SummarizeFunc
}

// NewApprovalGate creates a gate. summarize may be nil, in which case the
// full accumulated state is presented for review.
func NewApprovalGate(name string, summarize SummarizeFunc) *ApprovalGate {
	return &ApprovalGate{name: name, summarize: summarize}
}

func (g *ApprovalGate) Name() string {
	return g.name
}

func (g *ApprovalGate) Run(_ context.Context, stageCtx StageContext) (*StageResult, error) {
	if stageCtx.Decision == nil {
		payload := map[string]any{"stage": g.name}

		if g.summarize != nil {
			payload["summary"] = g.summarize(stageCtx.State)
		} else {
			payload["state"] = stageCtx.State
		}

		return Suspend(payload), nil
	}

	decision := stageCtx.Decision

	outcome := "rejected"
	if decision.Approved {
		outcome = "approved"
	}

	return &StageResult{
		Updates: map[string]any{
			"approval": map[string]any{
				"approved":   decision.Approved,
				"comment":    decision.Comment,
				"decided_by": decision.DecidedBy,
			},
		},
		Card: &models.ReasonCard{
			StageName:     g.name,
			InputsSummary: decision.Comment,
			Decision:      outcome,
			Confidence:    1.0,
			Timestamp:     time.Now().UTC(),
		},
	}, nil
}
