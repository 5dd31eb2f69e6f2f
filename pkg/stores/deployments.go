package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

// CreateDeployment creates a new deployment record
func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *engine.Deployment) error {
	workflows, err := encodeJSON(d.Workflows)
	if err != nil {
		return fmt.Errorf("failed to encode workflows: %w", err)
	}
	plugins, err := encodeJSON(d.WorkflowPlugins)
	if err != nil {
		return fmt.Errorf("failed to encode workflow plugins: %w", err)
	}

	now := s.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	query := `
		INSERT INTO deployments (id, blueprint_id, workflows, workflow_plugins, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query, d.ID, d.BlueprintID, workflows, plugins, d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return engine.NewConflictError(fmt.Sprintf("deployment already exists: %s", d.ID), err).
			WithCode(engine.ErrCodeConflict).
			WithResource(d.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

// GetDeployment retrieves a deployment by ID
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*engine.Deployment, error) {
	query := `
		SELECT id, blueprint_id, workflows, workflow_plugins, created_at, updated_at
		FROM deployments
		WHERE id = ?
	`

	d := &engine.Deployment{}
	var workflows, plugins string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID,
		&d.BlueprintID,
		&workflows,
		&plugins,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("deployment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	if err := decodeJSON(workflows, &d.Workflows); err != nil {
		return nil, fmt.Errorf("failed to decode workflows of deployment %s: %w", id, err)
	}
	if err := decodeJSON(plugins, &d.WorkflowPlugins); err != nil {
		return nil, fmt.Errorf("failed to decode workflow plugins of deployment %s: %w", id, err)
	}
	return d, nil
}

// CreateExecution creates a new execution record
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *engine.Execution) error {
	params, err := encodeJSON(e.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode execution parameters: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	query := `
		INSERT INTO executions (
			id, workflow_id, blueprint_id, deployment_id, status,
			parameters, error, is_system_workflow, created_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		e.ID,
		e.WorkflowID,
		e.BlueprintID,
		e.DeploymentID,
		e.Status,
		params,
		e.Error,
		e.IsSystemWorkflow,
		e.CreatedAt,
		e.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

const executionColumns = `id, workflow_id, blueprint_id, deployment_id, status,
	parameters, error, is_system_workflow, created_at, ended_at`

func scanExecution(row interface{ Scan(...any) error }) (*engine.Execution, error) {
	e := &engine.Execution{}
	var params string
	var endedAt sql.NullTime
	if err := row.Scan(
		&e.ID,
		&e.WorkflowID,
		&e.BlueprintID,
		&e.DeploymentID,
		&e.Status,
		&params,
		&e.Error,
		&e.IsSystemWorkflow,
		&e.CreatedAt,
		&endedAt,
	); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		e.EndedAt = &t
	}
	if err := decodeJSON(params, &e.Parameters); err != nil {
		return nil, fmt.Errorf("failed to decode parameters of execution %s: %w", e.ID, err)
	}
	return e, nil
}

// GetExecution retrieves an execution by ID
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*engine.Execution, error) {
	return s.getExecution(ctx, s.db, id)
}

func (s *SQLiteStore) getExecution(ctx context.Context, q queryer, id string) (*engine.Execution, error) {
	row := q.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

// UpdateExecutionStatus moves an execution to a new status. End states are final.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id string, status engine.ExecutionStatus, errMsg string) (*engine.Execution, error) {
	if err := status.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid execution status", err).WithCode(engine.ErrCodeValidation)
	}

	var updated *engine.Execution
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getExecution(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return engine.NewPermanentError(
				fmt.Sprintf("execution %s already ended with status %s", id, current.Status), nil).
				WithCode(engine.ErrCodeInvalidState).
				WithResource(id)
		}

		var endedAt sql.NullTime
		if status.IsTerminal() {
			endedAt = sql.NullTime{Time: s.now(), Valid: true}
		}
		query := `UPDATE executions SET status = ?, error = ?, ended_at = COALESCE(?, ended_at) WHERE id = ?`
		if _, err := tx.ExecContext(ctx, query, status, errMsg, endedAt, id); err != nil {
			return fmt.Errorf("failed to update execution status: %w", err)
		}

		updated, err = s.getExecution(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListExecutions lists executions of a deployment, newest first
func (s *SQLiteStore) ListExecutions(ctx context.Context, deploymentID string, limit, offset int) ([]*engine.Execution, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	query := `SELECT ` + executionColumns + `
		FROM executions
		WHERE deployment_id = ?
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, deploymentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := []*engine.Execution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return executions, nil
}

// RecordAudit appends an audit entry
func (s *SQLiteStore) RecordAudit(ctx context.Context, entry *engine.AuditEntry) error {
	details, err := encodeJSON(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	query := `
		INSERT INTO audit_log (id, entity_type, entity_id, action, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action, details, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries lists audit entries of an entity, oldest first
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, entityType, entityID string, limit, offset int) ([]*engine.AuditEntry, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	query := `
		SELECT id, entity_type, entity_id, action, details, created_at
		FROM audit_log
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, entityType, entityID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AuditEntry{}
	for rows.Next() {
		entry := &engine.AuditEntry{}
		var details string
		if err := rows.Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &entry.Action, &details, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if err := decodeJSON(details, &entry.Details); err != nil {
			return nil, fmt.Errorf("failed to decode audit details: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}
