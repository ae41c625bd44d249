package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/planline/planline/pkg/models"
	"github.com/planline/planline/pkg/persistence"
)

// ExecutionRepository handles execution checkpoint database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// Save persists a checkpoint with optimistic concurrency: version 1 inserts
// a fresh row, any later version updates only if the stored version is
// exactly one behind. A mismatch means another writer advanced the execution
// and the caller must reload.
func (er *ExecutionRepository) Save(ctx context.Context, execution *models.WorkflowExecution) error {
	stateJSON, err := json.Marshal(execution.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	orderJSON, err := json.Marshal(execution.ExecutionOrder)
	if err != nil {
		return fmt.Errorf("failed to marshal execution order: %w", err)
	}

	auditJSON, err := json.Marshal(execution.AuditTrail)
	if err != nil {
		return fmt.Errorf("failed to marshal audit trail: %w", err)
	}

	var decisionJSON []byte
	if execution.PendingDecision != nil {
		decisionJSON, err = json.Marshal(execution.PendingDecision)
		if err != nil {
			return fmt.Errorf("failed to marshal pending decision: %w", err)
		}
	}

	if execution.Version == 1 {
		query := `
			INSERT INTO executions (
				id, version, state, execution_order, audit_trail,
				pending_decision, status, error_message, created_at, completed_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING
		`

		result, err := er.db.ExecContext(ctx, query,
			execution.ID,
			execution.Version,
			stateJSON,
			orderJSON,
			auditJSON,
			decisionJSON,
			execution.Status,
			execution.ErrorMessage,
			execution.CreatedAt,
			execution.CompletedAt,
		)
		if err != nil {
			return &persistence.ExecutionError{Op: "Save", ExecutionID: execution.ID, Err: err}
		}

		inserted, err := affected(result)
		if err != nil {
			return err
		}

		if !inserted {
			return persistence.ErrExecutionVersionConflict
		}

		return nil
	}

	query := `
		UPDATE executions SET
			version = $2,
			state = $3,
			execution_order = $4,
			audit_trail = $5,
			pending_decision = $6,
			status = $7,
			error_message = $8,
			completed_at = $9
		WHERE id = $1 AND version = $2 - 1
	`

	result, err := er.db.ExecContext(ctx, query,
		execution.ID,
		execution.Version,
		stateJSON,
		orderJSON,
		auditJSON,
		decisionJSON,
		execution.Status,
		execution.ErrorMessage,
		execution.CompletedAt,
	)
	if err != nil {
		return &persistence.ExecutionError{Op: "Save", ExecutionID: execution.ID, Err: err}
	}

	updated, err := affected(result)
	if err != nil {
		return err
	}

	if !updated {
		return persistence.ErrExecutionVersionConflict
	}

	return nil
}

// GetByID retrieves an execution checkpoint by its ID.
func (er *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	query := `
		SELECT id, version, state, execution_order, audit_trail,
		       pending_decision, status, error_message, created_at, completed_at
		FROM executions
		WHERE id = $1
	`

	row := er.db.QueryRowContext(ctx, query, id)

	execution, err := er.scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, &persistence.ExecutionError{Op: "GetByID", ExecutionID: id, Err: err}
	}

	return execution, nil
}

// scanExecution scans an execution from a database row.
func (er *ExecutionRepository) scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*models.WorkflowExecution, error) {
	var (
		execution                                     models.WorkflowExecution
		stateJSON, orderJSON, auditJSON, decisionJSON []byte
	)

	err := scanner.Scan(
		&execution.ID,
		&execution.Version,
		&stateJSON,
		&orderJSON,
		&auditJSON,
		&decisionJSON,
		&execution.Status,
		&execution.ErrorMessage,
		&execution.CreatedAt,
		&execution.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	execution.State = make(map[string]any)
	execution.ExecutionOrder = make([]string, 0)
	execution.AuditTrail = make([]models.ReasonCard, 0)

	if stateJSON != nil {
		err := json.Unmarshal(stateJSON, &execution.State)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
	}

	if orderJSON != nil {
		err := json.Unmarshal(orderJSON, &execution.ExecutionOrder)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution order: %w", err)
		}
	}

	if auditJSON != nil {
		err := json.Unmarshal(auditJSON, &execution.AuditTrail)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit trail: %w", err)
		}
	}

	if decisionJSON != nil {
		err := json.Unmarshal(decisionJSON, &execution.PendingDecision)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending decision: %w", err)
		}
	}

	return &execution, nil
}
