// Package models defines the domain types shared by the queue, the workflow
// engine and the persistence layer.
package models

import (
	"maps"
	"slices"
	"time"
)

// ExecutionStatus represents the lifecycle state of a pipeline execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuspended ExecutionStatus = "suspended"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// ReasonCard is an immutable audit record of one stage's decision.
type ReasonCard struct {
	StageName     string    `json:"stage_name"`
	InputsSummary string    `json:"inputs_summary,omitempty"`
	Decision      string    `json:"decision"`
	Confidence    float64   `json:"confidence"`
	Timestamp     time.Time `json:"timestamp"`
}

// Decision is the externally supplied answer to a suspended approval gate.
type Decision struct {
	Approved  bool      `json:"approved"`
	Comment   string    `json:"comment,omitempty"`
	DecidedBy string    `json:"decided_by,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// WorkflowExecution is the durable record of one pipeline run. Version
// increases strictly with each persisted checkpoint and is used for
// optimistic concurrency on writes.
type WorkflowExecution struct {
	ID              string          `json:"id"`
	Version         int             `json:"version"`
	State           map[string]any  `json:"state"`
	ExecutionOrder  []string        `json:"execution_order"`
	AuditTrail      []ReasonCard    `json:"audit_trail"`
	PendingDecision map[string]any  `json:"pending_decision,omitempty"`
	Status          ExecutionStatus `json:"status"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// NewWorkflowExecution initializes a fresh execution with the given initial
// state. The first checkpoint persists version 1.
func NewWorkflowExecution(id string, initialState map[string]any) *WorkflowExecution {
	state := make(map[string]any, len(initialState))
	maps.Copy(state, initialState)

	return &WorkflowExecution{
		ID:             id,
		Version:        0,
		State:          state,
		ExecutionOrder: make([]string, 0),
		AuditTrail:     make([]ReasonCard, 0),
		Status:         ExecutionStatusRunning,
		CreatedAt:      time.Now().UTC(),
	}
}

// MergeState applies a stage's state updates. Slots may be added or
// overwritten but never removed, so re-applying the same updates is
// idempotent.
func (e *WorkflowExecution) MergeState(updates map[string]any) {
	if e.State == nil {
		e.State = make(map[string]any, len(updates))
	}

	maps.Copy(e.State, updates)
}

// HasRun reports whether the named stage already appears in the execution
// order. Resume skips stages that have already run.
func (e *WorkflowExecution) HasRun(stageName string) bool {
	return slices.Contains(e.ExecutionOrder, stageName)
}

// IsTerminal reports whether the execution has finished for good. Suspended
// executions are not terminal: they resume via an external decision.
func (e *WorkflowExecution) IsTerminal() bool {
	return e.Status == ExecutionStatusCompleted || e.Status == ExecutionStatusFailed
}

// Clone returns a deep-enough copy for handing out across goroutines. Slot
// values are shared; callers must treat them as read-only.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	clone := *e
	clone.State = make(map[string]any, len(e.State))
	maps.Copy(clone.State, e.State)
	clone.ExecutionOrder = slices.Clone(e.ExecutionOrder)
	clone.AuditTrail = slices.Clone(e.AuditTrail)

	if e.PendingDecision != nil {
		clone.PendingDecision = make(map[string]any, len(e.PendingDecision))
		maps.Copy(clone.PendingDecision, e.PendingDecision)
	}

	return &clone
}
