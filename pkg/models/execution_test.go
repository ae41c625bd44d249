package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkflowExecution(t *testing.T) {
	initial := map[string]any{"x": 1}
	execution := NewWorkflowExecution("exec-1", initial)

	assert.Equal(t, "exec-1", execution.ID)
	assert.Zero(t, execution.Version)
	assert.Equal(t, ExecutionStatusRunning, execution.Status)
	assert.Equal(t, map[string]any{"x": 1}, execution.State)
	assert.Empty(t, execution.ExecutionOrder)
	assert.Empty(t, execution.AuditTrail)

	// The execution owns its state; mutating the input must not leak in.
	initial["x"] = 99
	assert.Equal(t, 1, execution.State["x"])
}

func TestWorkflowExecution_MergeState(t *testing.T) {
	execution := NewWorkflowExecution("exec-1", map[string]any{"x": 1})

	execution.MergeState(map[string]any{"a": 2})
	execution.MergeState(map[string]any{"a": 3, "b": 4})

	assert.Equal(t, map[string]any{"x": 1, "a": 3, "b": 4}, execution.State)

	// Re-applying the same updates changes nothing.
	execution.MergeState(map[string]any{"a": 3, "b": 4})
	assert.Equal(t, map[string]any{"x": 1, "a": 3, "b": 4}, execution.State)

	var empty WorkflowExecution

	empty.MergeState(map[string]any{"k": "v"})
	assert.Equal(t, map[string]any{"k": "v"}, empty.State)
}

func TestWorkflowExecution_HasRun(t *testing.T) {
	execution := NewWorkflowExecution("exec-1", nil)
	execution.ExecutionOrder = append(execution.ExecutionOrder, "enrich")

	assert.True(t, execution.HasRun("enrich"))
	assert.False(t, execution.HasRun("finalize"))
}

func TestWorkflowExecution_IsTerminal(t *testing.T) {
	execution := NewWorkflowExecution("exec-1", nil)
	assert.False(t, execution.IsTerminal())

	execution.Status = ExecutionStatusSuspended
	assert.False(t, execution.IsTerminal())

	execution.Status = ExecutionStatusCompleted
	assert.True(t, execution.IsTerminal())

	execution.Status = ExecutionStatusFailed
	assert.True(t, execution.IsTerminal())
}

func TestWorkflowExecution_Clone(t *testing.T) {
	execution := NewWorkflowExecution("exec-1", map[string]any{"x": 1})
	execution.ExecutionOrder = append(execution.ExecutionOrder, "enrich")
	execution.AuditTrail = append(execution.AuditTrail, ReasonCard{StageName: "enrich"})
	execution.PendingDecision = map[string]any{"stage": "approval"}

	clone := execution.Clone()

	clone.State["x"] = 99
	clone.ExecutionOrder = append(clone.ExecutionOrder, "finalize")
	clone.PendingDecision["stage"] = "other"

	assert.Equal(t, 1, execution.State["x"])
	assert.Equal(t, []string{"enrich"}, execution.ExecutionOrder)
	assert.Equal(t, "approval", execution.PendingDecision["stage"])
}

func TestJob_Claimable(t *testing.T) {
	now := time.Now().UTC()

	queued := &Job{Status: JobStatusQueued}
	assert.True(t, queued.Claimable(now))

	live := now.Add(time.Minute)
	running := &Job{Status: JobStatusRunning, LeaseExpiresAt: &live}
	assert.False(t, running.Claimable(now))
	assert.False(t, running.LeaseExpired(now))

	lapsed := now.Add(-time.Minute)
	expired := &Job{Status: JobStatusRunning, LeaseExpiresAt: &lapsed}
	assert.True(t, expired.Claimable(now))
	assert.True(t, expired.LeaseExpired(now))

	completed := &Job{Status: JobStatusCompleted}
	assert.False(t, completed.Claimable(now))
}

func TestJob_IsTerminal(t *testing.T) {
	for status, terminal := range map[JobStatus]bool{
		JobStatusQueued:    false,
		JobStatusRunning:   false,
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	} {
		job := &Job{Status: status}
		require.Equal(t, terminal, job.IsTerminal(), "status %s", status)
	}
}
