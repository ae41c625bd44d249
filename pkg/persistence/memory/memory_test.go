package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planline/planline/pkg/models"
	"github.com/planline/planline/pkg/persistence"
)

func TestSaveExecution_VersionGuard(t *testing.T) {
	ctx := context.Background()
	store := NewPersistence()

	execution := models.NewWorkflowExecution("exec-1", map[string]any{"x": 1})

	// A fresh execution must be saved at version 1.
	execution.Version = 2
	err := store.SaveExecution(ctx, execution)
	require.ErrorIs(t, err, persistence.ErrExecutionVersionConflict)

	execution.Version = 1
	require.NoError(t, store.SaveExecution(ctx, execution))

	// Re-inserting version 1 conflicts.
	duplicate := models.NewWorkflowExecution("exec-1", nil)
	duplicate.Version = 1
	err = store.SaveExecution(ctx, duplicate)
	require.ErrorIs(t, err, persistence.ErrExecutionVersionConflict)

	// Each subsequent write must be exactly one above the stored version.
	execution.Version = 3
	err = store.SaveExecution(ctx, execution)
	require.ErrorIs(t, err, persistence.ErrExecutionVersionConflict)

	execution.Version = 2
	require.NoError(t, store.SaveExecution(ctx, execution))

	stored, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
}

func TestExecutionByID_ReturnsIsolatedCopy(t *testing.T) {
	ctx := context.Background()
	store := NewPersistence()

	execution := models.NewWorkflowExecution("exec-1", map[string]any{"x": 1})
	execution.Version = 1
	require.NoError(t, store.SaveExecution(ctx, execution))

	first, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)

	first.State["x"] = 99
	first.ExecutionOrder = append(first.ExecutionOrder, "mutated")

	second, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 1, second.State["x"])
	assert.Empty(t, second.ExecutionOrder)
}

func TestExecutionByID_NotFound(t *testing.T) {
	store := NewPersistence()

	_, err := store.ExecutionByID(context.Background(), "missing")
	require.ErrorIs(t, err, persistence.ErrExecutionNotFound)
}

func TestJobCancelRequested_NotFound(t *testing.T) {
	store := NewPersistence()

	_, err := store.JobCancelRequested(context.Background(), "missing")
	require.ErrorIs(t, err, persistence.ErrJobNotFound)
}
