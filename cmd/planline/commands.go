package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/planline/planline/pkg/cmd"
	"github.com/planline/planline/pkg/log"
	"github.com/planline/planline/pkg/models"
	"github.com/planline/planline/pkg/persistence"
	"github.com/planline/planline/pkg/queue"
	"github.com/planline/planline/pkg/workflow"
)

func newQueueService(ctx context.Context, command *cli.Command) (*queue.Service, persistence.Persistence, error) {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("planline")

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, nil, err
	}

	service := queue.NewService(store, logger)

	err = service.RegisterPayloadSchema(models.JobTypePipelineResume, workflow.ResumePayloadSchema)
	if err != nil {
		return nil, nil, err
	}

	return service, store, nil
}

func enqueueAction(ctx context.Context, command *cli.Command) error {
	service, store, err := newQueueService(ctx, command)
	if err != nil {
		return err
	}
	defer closeStore(ctx, store)

	var initialState map[string]any

	err = json.Unmarshal([]byte(command.String("state")), &initialState)
	if err != nil {
		return fmt.Errorf("invalid --state JSON: %w", err)
	}

	executionID := command.String("execution-id")
	if executionID == "" {
		executionID = uuid.New().String()
	}

	job, err := service.CreateJob(ctx, queue.CreateJobParams{
		ExecutionID: executionID,
		Type:        models.JobTypePipelineRun,
		Payload: map[string]any{
			workflow.PayloadInitialStateKey: initialState,
		},
		Priority:   command.Int("priority"),
		MaxRetries: command.Int("max-retries"),
	})
	if err != nil {
		return err
	}

	return printJSON(job)
}

func resumeAction(ctx context.Context, command *cli.Command) error {
	service, store, err := newQueueService(ctx, command)
	if err != nil {
		return err
	}
	defer closeStore(ctx, store)

	job, err := service.CreateJob(ctx, queue.CreateJobParams{
		ExecutionID: command.String("execution-id"),
		Type:        models.JobTypePipelineResume,
		Payload: map[string]any{
			workflow.PayloadDecisionKey: map[string]any{
				"approved":   command.Bool("approved"),
				"comment":    command.String("comment"),
				"decided_by": command.String("decided-by"),
			},
		},
	})
	if err != nil {
		return err
	}

	return printJSON(job)
}

func cancelAction(ctx context.Context, command *cli.Command) error {
	service, store, err := newQueueService(ctx, command)
	if err != nil {
		return err
	}
	defer closeStore(ctx, store)

	cancelled, err := service.CancelJob(ctx, command.String("job-id"))
	if err != nil {
		return err
	}

	if !cancelled {
		return errors.New("job is already terminal and cannot be cancelled")
	}

	fmt.Println("cancellation requested")

	return nil
}

func statusAction(ctx context.Context, command *cli.Command) error {
	service, store, err := newQueueService(ctx, command)
	if err != nil {
		return err
	}
	defer closeStore(ctx, store)

	jobID := command.String("job-id")
	executionID := command.String("execution-id")

	switch {
	case jobID != "":
		job, err := service.JobByID(ctx, jobID)
		if err != nil {
			return err
		}

		return printJSON(job)
	case executionID != "":
		execution, err := store.ExecutionByID(ctx, executionID)
		if err != nil {
			return err
		}

		return printJSON(execution)
	default:
		return errors.New("one of --job-id or --execution-id is required")
	}
}

func closeStore(ctx context.Context, store persistence.Persistence) {
	err := store.Close(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to close persistence:", err)
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))

	return nil
}
