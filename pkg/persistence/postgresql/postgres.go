// Package postgresql provides PostgreSQL persistence for the job store and
// the execution checkpoint store.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/planline/planline/pkg/models"
	"github.com/planline/planline/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db            *sql.DB
	logger        *slog.Logger
	jobRepo       *JobRepository
	executionRepo *ExecutionRepository
}

// NewPersistence creates a new PostgreSQL persistence layer and runs pending
// schema migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:            database,
		logger:        logger,
		jobRepo:       NewJobRepository(database, logger),
		executionRepo: NewExecutionRepository(database, logger),
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) CreateJob(ctx context.Context, job *models.Job) error {
	return p.jobRepo.Create(ctx, job)
}

func (p *Persistence) JobByID(ctx context.Context, id string) (*models.Job, error) {
	return p.jobRepo.GetByID(ctx, id)
}

func (p *Persistence) ClaimNextJob(ctx context.Context, workerID string, leaseDuration time.Duration) (*models.Job, error) {
	return p.jobRepo.ClaimNext(ctx, workerID, leaseDuration)
}

func (p *Persistence) CompleteJob(ctx context.Context, jobID, workerID string) (bool, error) {
	return p.jobRepo.Complete(ctx, jobID, workerID)
}

func (p *Persistence) FailJob(ctx context.Context, jobID, workerID, errorMessage string, permanent bool) (bool, error) {
	return p.jobRepo.Fail(ctx, jobID, workerID, errorMessage, permanent)
}

func (p *Persistence) CancelJob(ctx context.Context, jobID string) (bool, error) {
	return p.jobRepo.Cancel(ctx, jobID)
}

func (p *Persistence) FinishCancelledJob(ctx context.Context, jobID, workerID string) (bool, error) {
	return p.jobRepo.FinishCancelled(ctx, jobID, workerID)
}

func (p *Persistence) JobCancelRequested(ctx context.Context, jobID string) (bool, error) {
	return p.jobRepo.CancelRequested(ctx, jobID)
}

func (p *Persistence) PendingJobCount(ctx context.Context) (int, error) {
	return p.jobRepo.PendingCount(ctx)
}

func (p *Persistence) ExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	return p.executionRepo.GetByID(ctx, id)
}

func (p *Persistence) SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	return p.executionRepo.Save(ctx, execution)
}
