package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/planline/planline/pkg/cmd"
	"github.com/planline/planline/pkg/intake"
	"github.com/planline/planline/pkg/models"
	"github.com/planline/planline/pkg/otelhelper"
	"github.com/planline/planline/pkg/queue"
	"github.com/planline/planline/pkg/stream"
	"github.com/planline/planline/pkg/worker"
	"github.com/planline/planline/pkg/workflow"
)

func run(ctx context.Context, command *cli.Command, workerID string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		closeErr := persistence.Close(ctx)
		if closeErr != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", closeErr)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), "planline-worker", logger)
	if err != nil {
		return err
	}

	defer func() {
		closeErr := eventBus.Close()
		if closeErr != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", closeErr)
		}
	}()

	registry, err := cmd.NewRegistry(logger, command.String("plugins-path"))
	if err != nil {
		return err
	}

	stages, err := parseStages(command.String("stages"), registry)
	if err != nil {
		return err
	}

	var tracer trace.Tracer

	if command.Bool("tracing") {
		tracer, err = otelhelper.NewTracer(ctx, "planline-worker")
		if err != nil {
			return err
		}
	}

	queueService := queue.NewService(persistence, logger)

	err = queueService.RegisterPayloadSchema(models.JobTypePipelineResume, workflow.ResumePayloadSchema)
	if err != nil {
		return err
	}

	broadcaster := stream.NewBroadcaster(logger, stream.Options{})
	executor := workflow.NewExecutor(persistence, registry, stages, broadcaster, eventBus, tracer)

	w := worker.NewWorker(workerID, queueService, eventBus, tracer, logger, worker.Config{
		PollInterval:  command.Duration("poll-interval"),
		LeaseDuration: command.Duration("lease-duration"),
	})
	w.RegisterHandler(workflow.NewRunHandler(executor, queueService))
	w.RegisterHandler(workflow.NewResumeHandler(executor, queueService))

	monitor := queue.NewMonitor(queueService, logger, command.String("monitor-schedule"))

	err = monitor.Start(ctx)
	if err != nil {
		return err
	}
	defer monitor.Stop()

	if list := command.String("intake-list"); list != "" {
		relay, err := intake.NewRelay(queueService, logger, intake.Options{
			Addr: command.String("intake-redis-addr"),
			List: list,
		})
		if err != nil {
			return err
		}

		err = relay.Start(ctx)
		if err != nil {
			return err
		}

		defer func() {
			stopErr := relay.Stop(ctx)
			if stopErr != nil {
				logger.ErrorContext(ctx, "Failed to stop intake relay", "error", stopErr)
			}
		}()
	}

	logger.InfoContext(ctx, "Pipeline configured", "stages", stages)

	return w.Run(ctx)
}

// parseStages validates the ordered stage list against the registry before
// any job is claimed, so misconfiguration fails at startup rather than
// per-job.
func parseStages(raw string, registry *workflow.Registry) ([]string, error) {
	var stages []string

	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		_, err := registry.StageByName(name)
		if err != nil {
			return nil, err
		}

		stages = append(stages, name)
	}

	if len(stages) == 0 {
		return nil, fmt.Errorf("no stages configured")
	}

	return stages, nil
}
