// Package intake relays pipeline submissions from a Redis list into the job
// queue. External systems LPUSH a JSON submission; the relay pops it and
// enqueues a pipeline.run job.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/planline/planline/pkg/models"
	"github.com/planline/planline/pkg/queue"
	"github.com/planline/planline/pkg/workflow"
)

const popTimeout = 1 * time.Second

// Submission is the JSON shape external systems push onto the intake list.
// ExecutionID is generated when absent.
type Submission struct {
	ExecutionID  string         `json:"execution_id,omitempty"`
	InitialState map[string]any `json:"initial_state,omitempty"`
	Priority     int            `json:"priority,omitempty"`
	MaxRetries   int            `json:"max_retries,omitempty"`
}

// Relay consumes one Redis list and feeds the job queue.
type Relay struct {
	queue  *queue.Service
	list   string
	client redis.UniversalClient
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	List     string
}

func NewRelay(queueService *queue.Service, logger *slog.Logger, opts Options) (*Relay, error) {
	if opts.List == "" {
		return nil, errors.New("intake list name is required")
	}

	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}

	return &Relay{
		queue: queueService,
		list:  opts.List,
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		logger: logger.With("module", "intake", "list", opts.List),
		stopCh: make(chan struct{}),
	}, nil
}

// Start verifies the connection and begins consuming in a goroutine.
func (r *Relay) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := r.client.Ping(pingCtx).Err()
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.logger.InfoContext(ctx, "Intake relay started")

	r.wg.Add(1)

	go r.consume(ctx)

	return nil
}

func (r *Relay) consume(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			r.logger.InfoContext(ctx, "Intake relay stopped")

			return
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Context cancelled, stopping intake relay")

			return
		default:
			err := r.processMessage(ctx)
			if err != nil {
				r.logger.ErrorContext(ctx, "Error processing submission", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (r *Relay) processMessage(ctx context.Context) error {
	result, err := r.client.BLPop(ctx, popTimeout, r.list).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return nil
		}

		return fmt.Errorf("failed to pop submission: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	var submission Submission

	err = json.Unmarshal([]byte(result[1]), &submission)
	if err != nil {
		// A malformed submission is logged and dropped; retrying cannot
		// fix it and it must not block the list.
		r.logger.ErrorContext(ctx, "Dropping malformed submission", "error", err, "raw", result[1])

		return nil
	}

	if submission.ExecutionID == "" {
		submission.ExecutionID = uuid.New().String()
	}

	job, err := r.queue.CreateJob(ctx, queue.CreateJobParams{
		ExecutionID: submission.ExecutionID,
		Type:        models.JobTypePipelineRun,
		Payload: map[string]any{
			workflow.PayloadInitialStateKey: submission.InitialState,
		},
		Priority:   submission.Priority,
		MaxRetries: submission.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue submission %s: %w", submission.ExecutionID, err)
	}

	r.logger.InfoContext(ctx, "Submission enqueued",
		"job_id", job.ID,
		"execution_id", job.ExecutionID,
		"priority", job.Priority,
	)

	return nil
}

// Stop drains the consumer and closes the Redis client.
func (r *Relay) Stop(ctx context.Context) error {
	close(r.stopCh)
	r.wg.Wait()

	err := r.client.Close()
	if err != nil {
		r.logger.ErrorContext(ctx, "Error closing Redis client", "error", err)
	}

	return nil
}
