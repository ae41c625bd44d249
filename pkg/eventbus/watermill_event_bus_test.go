package eventbus

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planline/planline/pkg/channels/gochannel"
	"github.com/planline/planline/pkg/events"
)

func newTestBus(t *testing.T) EventBus {
	t.Helper()

	logger := watermill.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	pub, sub, err := gochannel.CreateTestChannel(logger)
	require.NoError(t, err)

	return NewWatermillEventBus(pub, sub)
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)

	received := make(chan *events.ExecutionSuspended, 1)

	err := bus.Handle(events.ExecutionSuspendedEvent, func(_ context.Context, event any) error {
		suspended, ok := event.(*events.ExecutionSuspended)
		if ok {
			received <- suspended
		}

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Subscribe(ctx))

	suspended := events.ExecutionSuspended{
		BaseEvent:       events.NewBaseEvent(events.ExecutionSuspendedEvent, "exec-1"),
		PausedAtStage:   "approval",
		PendingDecision: map[string]any{"stage": "approval"},
	}

	require.NoError(t, bus.Publish(ctx, "exec-1", suspended))

	select {
	case got := <-received:
		assert.Equal(t, "exec-1", got.ExecutionID)
		assert.Equal(t, "approval", got.PausedAtStage)
		assert.Equal(t, events.ExecutionSuspendedEvent, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the event")
	}
}

func TestWatermillEventBus_UnhandledTypesAreAcked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)

	received := make(chan *events.ExecutionCompleted, 1)

	err := bus.Handle(events.ExecutionCompletedEvent, func(_ context.Context, event any) error {
		completed, ok := event.(*events.ExecutionCompleted)
		if ok {
			received <- completed
		}

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Subscribe(ctx))

	// No handler for started events; they must not wedge the stream.
	started := events.ExecutionStarted{
		BaseEvent: events.NewBaseEvent(events.ExecutionStartedEvent, "exec-1"),
	}
	require.NoError(t, bus.Publish(ctx, "exec-1", started))

	completed := events.ExecutionCompleted{
		BaseEvent:      events.NewBaseEvent(events.ExecutionCompletedEvent, "exec-1"),
		StagesExecuted: 3,
	}
	require.NoError(t, bus.Publish(ctx, "exec-1", completed))

	select {
	case got := <-received:
		assert.Equal(t, 3, got.StagesExecuted)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the event")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	first := bus.GenerateID()
	second := bus.GenerateID()

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}
