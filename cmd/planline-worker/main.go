package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/planline/planline/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "planline-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a worker to process pipeline jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL (postgres:// or memory://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:     "stages",
				Usage:    "Comma-separated ordered stage names for the pipeline",
				Required: true,
				Sources:  cli.EnvVars("PIPELINE_STAGES"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing stage plugins",
				Value:   "./plugins",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
			&cli.DurationFlag{
				Name:    "lease-duration",
				Usage:   "How long a claimed job is leased before it may be reclaimed",
				Value:   0,
				Sources: cli.EnvVars("LEASE_DURATION"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "Base interval between claim attempts when the queue is idle",
				Value:   0,
				Sources: cli.EnvVars("POLL_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "monitor-schedule",
				Usage:   "Cron schedule for queue depth reporting",
				Value:   "@every 1m",
				Sources: cli.EnvVars("MONITOR_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "intake-list",
				Usage:   "Redis list to relay pipeline submissions from (disabled when empty)",
				Value:   "",
				Sources: cli.EnvVars("INTAKE_LIST"),
			},
			&cli.StringFlag{
				Name:    "intake-redis-addr",
				Usage:   "Redis address for the intake relay",
				Value:   "localhost:6379",
				Sources: cli.EnvVars("INTAKE_REDIS_ADDR"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry tracing",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("planline-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing planline worker")

			return run(ctx, command, workerID, logger)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
