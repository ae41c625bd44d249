package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	databaseFlag := &cli.StringFlag{
		Name:     "database-url",
		Usage:    "Database connection URL (postgres:// or memory://)",
		Required: true,
		Sources:  cli.EnvVars("DATABASE_URL"),
	}

	logLevelFlag := &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level (debug, info, warn, error)",
		Value:   "warn",
		Sources: cli.EnvVars("LOG_LEVEL"),
	}

	command := &cli.Command{
		Name:                  "planline",
		EnableShellCompletion: true,
		Usage:                 "Submit and manage pipeline executions",
		Commands: []*cli.Command{
			{
				Name:    "enqueue",
				Aliases: []string{"e"},
				Usage:   "Enqueue a pipeline run",
				Flags: []cli.Flag{
					databaseFlag,
					logLevelFlag,
					&cli.StringFlag{
						Name:  "execution-id",
						Usage: "Execution ID (auto-generated if not provided)",
					},
					&cli.StringFlag{
						Name:  "state",
						Usage: "Initial state as a JSON object",
						Value: "{}",
					},
					&cli.IntFlag{
						Name:  "priority",
						Usage: "Job priority, higher is served first",
					},
					&cli.IntFlag{
						Name:  "max-retries",
						Usage: "Retry budget for the job",
					},
				},
				Action: enqueueAction,
			},
			{
				Name:    "resume",
				Aliases: []string{"r"},
				Usage:   "Resume a suspended execution with a decision",
				Flags: []cli.Flag{
					databaseFlag,
					logLevelFlag,
					&cli.StringFlag{
						Name:     "execution-id",
						Usage:    "Execution to resume",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "approved",
						Usage: "Approve the pending decision",
					},
					&cli.StringFlag{
						Name:  "comment",
						Usage: "Reviewer comment",
					},
					&cli.StringFlag{
						Name:  "decided-by",
						Usage: "Reviewer identity",
					},
				},
				Action: resumeAction,
			},
			{
				Name:  "cancel",
				Usage: "Cancel a job; running jobs stop at the next stage boundary",
				Flags: []cli.Flag{
					databaseFlag,
					logLevelFlag,
					&cli.StringFlag{
						Name:     "job-id",
						Usage:    "Job to cancel",
						Required: true,
					},
				},
				Action: cancelAction,
			},
			{
				Name:  "status",
				Usage: "Show a job or an execution",
				Flags: []cli.Flag{
					databaseFlag,
					logLevelFlag,
					&cli.StringFlag{
						Name:  "job-id",
						Usage: "Job to show",
					},
					&cli.StringFlag{
						Name:  "execution-id",
						Usage: "Execution to show",
					},
				},
				Action: statusAction,
			},
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
