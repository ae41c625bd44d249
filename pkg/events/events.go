// Package events defines event types for pipeline execution notifications,
// both the in-process stream events replayed to live observers and the bus
// events published for other processes.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Kafka topic for execution lifecycle events.
const Topic = "planline.executions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Stream events delivered to live subscribers of one execution.
	StageStartedEvent   EventType = "stage-start"
	StageCompletedEvent EventType = "stage-complete"
	ReasonCardEvent     EventType = "reason-card"
	ErrorEvent          EventType = "error"
	SuspendedEvent      EventType = "suspended"
	HeartbeatEvent      EventType = "heartbeat"

	// Execution lifecycle events published to the event bus.
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionSuspendedEvent EventType = "execution.suspended"
	ExecutionResumedEvent   EventType = "execution.resumed"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	JobFailedEvent          EventType = "job.failed"
)

// StreamEvent is an ephemeral broadcast unit scoped to one execution. It is
// retained only in the broadcaster's bounded in-memory history.
type StreamEvent struct {
	ExecutionID string         `json:"execution_id"`
	Type        EventType      `json:"event_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewStreamEvent stamps a stream event with the current time.
func NewStreamEvent(executionID string, eventType EventType, payload map[string]any) StreamEvent {
	return StreamEvent{
		ExecutionID: executionID,
		Type:        eventType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type ExecutionStarted struct {
	BaseEvent

	JobID        string         `json:"job_id"`
	InitialState map[string]any `json:"initial_state,omitempty"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionSuspended struct {
	BaseEvent

	PausedAtStage   string         `json:"paused_at_stage"`
	PendingDecision map[string]any `json:"pending_decision,omitempty"`
}

func (e ExecutionSuspended) GetType() EventType {
	return ExecutionSuspendedEvent
}

type ExecutionResumed struct {
	BaseEvent

	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decided_by,omitempty"`
}

func (e ExecutionResumed) GetType() EventType {
	return ExecutionResumedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	StagesExecuted int            `json:"stages_executed"`
	FinalState     map[string]any `json:"final_state,omitempty"`
	DurationMs     int64          `json:"duration_ms"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	StageName string `json:"stage_name,omitempty"`
	Error     string `json:"error"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type JobFailed struct {
	BaseEvent

	JobID      string `json:"job_id"`
	JobType    string `json:"job_type"`
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count"`
	WillRetry  bool   `json:"will_retry"`
}

func (e JobFailed) GetType() EventType {
	return JobFailedEvent
}

func NewBaseEvent(eventType EventType, executionID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		Metadata:    make(map[string]any),
	}
}
