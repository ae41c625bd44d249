package workflow

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planline/planline/pkg/events"
	"github.com/planline/planline/pkg/models"
	"github.com/planline/planline/pkg/persistence"
	"github.com/planline/planline/pkg/persistence/memory"
	"github.com/planline/planline/pkg/stream"
)

type testStage struct {
	name string
	run  func(ctx context.Context, stageCtx StageContext) (*StageResult, error)
}

func (s *testStage) Name() string {
	return s.name
}

func (s *testStage) Run(ctx context.Context, stageCtx StageContext) (*StageResult, error) {
	return s.run(ctx, stageCtx)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func addingStage(name, key string, value any) *testStage {
	return &testStage{
		name: name,
		run: func(_ context.Context, _ StageContext) (*StageResult, error) {
			return &StageResult{
				Updates: map[string]any{key: value},
				Card: &models.ReasonCard{
					StageName:     name,
					InputsSummary: "set " + key,
					Decision:      "proceed",
					Confidence:    0.9,
				},
			}, nil
		},
	}
}

func newTestExecutor(t *testing.T, stages ...Stage) (*Executor, *memory.Persistence, *stream.Broadcaster) {
	t.Helper()

	store := memory.NewPersistence()
	registry := NewRegistry(testLogger())
	names := make([]string, 0, len(stages))

	for _, stage := range stages {
		registry.RegisterStage(stage)
		names = append(names, stage.Name())
	}

	broadcaster := stream.NewBroadcaster(testLogger(), stream.Options{})

	return NewExecutor(store, registry, names, broadcaster, nil, nil), store, broadcaster
}

func TestExecutor_Run_CompletesAllStages(t *testing.T) {
	ctx := context.Background()
	executor, store, _ := newTestExecutor(t,
		addingStage("enrich", "a", 2),
		addingStage("finalize", "b", 4),
	)

	execution, err := executor.Run(ctx, testLogger(), "exec-1", map[string]any{"x": 1}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, 2, execution.Version)
	assert.Equal(t, []string{"enrich", "finalize"}, execution.ExecutionOrder)
	assert.Len(t, execution.AuditTrail, 2)
	assert.Equal(t, map[string]any{"x": 1, "a": 2, "b": 4}, execution.State)
	assert.NotNil(t, execution.CompletedAt)
	assert.Nil(t, execution.PendingDecision)

	persisted, err := store.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, persisted.Status)
	assert.Equal(t, 2, persisted.Version)
}

func TestExecutor_SuspendAndResume(t *testing.T) {
	ctx := context.Background()

	finalize := &testStage{
		name: "finalize",
		run: func(_ context.Context, stageCtx StageContext) (*StageResult, error) {
			// The decision belongs to the gate; later stages never see it.
			assert.Nil(t, stageCtx.Decision)

			return &StageResult{
				Updates: map[string]any{"b": 4},
				Card:    &models.ReasonCard{StageName: "finalize", Decision: "proceed", Confidence: 1.0},
			}, nil
		},
	}

	executor, store, broadcaster := newTestExecutor(t,
		addingStage("enrich", "a", 2),
		NewApprovalGate("approval", nil),
		finalize,
	)

	execution, err := executor.Run(ctx, testLogger(), "exec-2", map[string]any{"x": 1}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuspended, execution.Status)
	assert.Equal(t, 2, execution.Version)
	assert.Equal(t, []string{"enrich"}, execution.ExecutionOrder)
	assert.NotNil(t, execution.PendingDecision)

	history := broadcaster.History("exec-2")
	types := make([]events.EventType, 0, len(history))

	for _, event := range history {
		types = append(types, event.Type)
	}

	assert.Equal(t, []events.EventType{
		events.StageStartedEvent,
		events.StageCompletedEvent,
		events.ReasonCardEvent,
		events.StageStartedEvent,
		events.SuspendedEvent,
	}, types)

	execution, err = executor.Resume(ctx, testLogger(), "exec-2", models.Decision{
		Approved:  true,
		Comment:   "looks good",
		DecidedBy: "reviewer@example.com",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, 4, execution.Version)
	assert.Equal(t, []string{"enrich", "approval", "finalize"}, execution.ExecutionOrder)
	assert.Len(t, execution.AuditTrail, 3)
	assert.Nil(t, execution.PendingDecision)

	approval, ok := execution.State["approval"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, approval["approved"])
	assert.Equal(t, "reviewer@example.com", approval["decided_by"])
	assert.Equal(t, 4, execution.State["b"])

	persisted, err := store.ExecutionByID(ctx, "exec-2")
	require.NoError(t, err)
	assert.Equal(t, 4, persisted.Version)
}

func TestExecutor_Resume_NotSuspendedIsNoOp(t *testing.T) {
	ctx := context.Background()
	executor, _, _ := newTestExecutor(t, addingStage("enrich", "a", 2))

	_, err := executor.Run(ctx, testLogger(), "exec-3", nil, nil)
	require.NoError(t, err)

	execution, err := executor.Resume(ctx, testLogger(), "exec-3", models.Decision{Approved: true}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, 1, execution.Version)
	assert.Equal(t, []string{"enrich"}, execution.ExecutionOrder)
}

func TestExecutor_Run_StageFailureKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()

	failing := &testStage{
		name: "failing",
		run: func(_ context.Context, _ StageContext) (*StageResult, error) {
			return nil, errors.New("upstream unavailable")
		},
	}

	executor, store, _ := newTestExecutor(t, addingStage("enrich", "a", 2), failing)

	_, err := executor.Run(ctx, testLogger(), "exec-4", map[string]any{"x": 1}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing")

	persisted, err := store.ExecutionByID(ctx, "exec-4")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, persisted.Status)
	assert.Equal(t, 1, persisted.Version)
	assert.Equal(t, []string{"enrich"}, persisted.ExecutionOrder)
}

func TestExecutor_Run_ResumesAfterFailureWithoutRerunningStages(t *testing.T) {
	ctx := context.Background()

	enrichRuns := 0
	counting := &testStage{
		name: "enrich",
		run: func(_ context.Context, _ StageContext) (*StageResult, error) {
			enrichRuns++

			return &StageResult{Updates: map[string]any{"a": 2}}, nil
		},
	}

	attempts := 0
	flaky := &testStage{
		name: "flaky",
		run: func(_ context.Context, _ StageContext) (*StageResult, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("transient")
			}

			return &StageResult{Updates: map[string]any{"b": 4}}, nil
		},
	}

	executor, _, _ := newTestExecutor(t, counting, flaky)

	_, err := executor.Run(ctx, testLogger(), "exec-5", map[string]any{"x": 1}, nil)
	require.Error(t, err)

	execution, err := executor.Run(ctx, testLogger(), "exec-5", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, enrichRuns)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, map[string]any{"x": 1, "a": 2, "b": 4}, execution.State)
}

func TestExecutor_Run_CancelledAtStageBoundary(t *testing.T) {
	ctx := context.Background()
	executor, store, _ := newTestExecutor(t,
		addingStage("enrich", "a", 2),
		addingStage("finalize", "b", 4),
	)

	calls := 0
	cancel := func(_ context.Context) (bool, error) {
		calls++

		// First boundary proceeds, second observes the request.
		return calls > 1, nil
	}

	_, err := executor.Run(ctx, testLogger(), "exec-6", nil, cancel)
	require.ErrorIs(t, err, ErrCancelled)

	persisted, err := store.ExecutionByID(ctx, "exec-6")
	require.NoError(t, err)
	assert.Equal(t, 1, persisted.Version)
	assert.Equal(t, []string{"enrich"}, persisted.ExecutionOrder)
}

func TestExecutor_Run_VersionConflictSurfaces(t *testing.T) {
	ctx := context.Background()

	store := memory.NewPersistence()
	registry := NewRegistry(testLogger())

	registry.RegisterStage(addingStage("enrich", "a", 2))
	registry.RegisterStage(&testStage{
		name: "racy",
		run: func(ctx context.Context, stageCtx StageContext) (*StageResult, error) {
			// Another holder advances the checkpoint mid-stage.
			other, err := store.ExecutionByID(ctx, stageCtx.ExecutionID)
			require.NoError(t, err)

			other.Version++
			require.NoError(t, store.SaveExecution(ctx, other))

			return &StageResult{}, nil
		},
	})

	executor := NewExecutor(store, registry, []string{"enrich", "racy"}, nil, nil, nil)

	_, err := executor.Run(ctx, testLogger(), "exec-7", nil, nil)
	require.Error(t, err)
	assert.True(t, persistence.IsVersionConflict(err))
}

func TestExecutor_MarkFailed(t *testing.T) {
	ctx := context.Background()

	failing := &testStage{
		name: "failing",
		run: func(_ context.Context, _ StageContext) (*StageResult, error) {
			return nil, errors.New("permanent damage")
		},
	}

	executor, store, _ := newTestExecutor(t, addingStage("enrich", "a", 2), failing)

	_, err := executor.Run(ctx, testLogger(), "exec-8", nil, nil)
	require.Error(t, err)

	err = executor.MarkFailed(ctx, testLogger(), "exec-8", errors.New("retries exhausted: permanent damage"))
	require.NoError(t, err)

	persisted, err := store.ExecutionByID(ctx, "exec-8")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, persisted.Status)
	require.NotNil(t, persisted.ErrorMessage)
	assert.Contains(t, *persisted.ErrorMessage, "retries exhausted")
	assert.Equal(t, []string{"enrich"}, persisted.ExecutionOrder)

	// Idempotent on terminal executions.
	require.NoError(t, executor.MarkFailed(ctx, testLogger(), "exec-8", errors.New("again")))

	again, err := store.ExecutionByID(ctx, "exec-8")
	require.NoError(t, err)
	assert.Contains(t, *again.ErrorMessage, "retries exhausted")
}

func TestExecutor_MarkFailed_MissingExecution(t *testing.T) {
	executor, _, _ := newTestExecutor(t)

	err := executor.MarkFailed(context.Background(), testLogger(), "never-started", errors.New("boom"))
	require.NoError(t, err)
}
