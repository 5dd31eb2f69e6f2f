package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

const updateColumns = `id, deployment_id, state, plan, modified_entity_ids, modified_nodes,
	modified_node_instances, pending, execution_id, created_at, updated_at`

// updateRow holds the JSON-encoded columns of a deployment update.
type updateRow struct {
	plan                  string
	modifiedEntityIDs     string
	modifiedNodes         string
	modifiedNodeInstances string
	pending               sql.NullString
}

func encodeUpdate(u *engine.DeploymentUpdate) (*updateRow, error) {
	var r updateRow
	var err error
	if r.plan, err = encodeJSON(u.Plan); err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}
	if r.modifiedEntityIDs, err = encodeJSON(u.ModifiedEntityIDs); err != nil {
		return nil, fmt.Errorf("failed to encode modified entity ids: %w", err)
	}
	if r.modifiedNodes, err = encodeJSON(u.ModifiedNodes); err != nil {
		return nil, fmt.Errorf("failed to encode modified nodes: %w", err)
	}
	if r.modifiedNodeInstances, err = encodeJSON(u.ModifiedNodeInstances); err != nil {
		return nil, fmt.Errorf("failed to encode modified node instances: %w", err)
	}
	if u.Pending != nil {
		pending, err := encodeJSON(u.Pending)
		if err != nil {
			return nil, fmt.Errorf("failed to encode pending change: %w", err)
		}
		r.pending = sql.NullString{String: pending, Valid: true}
	}
	return &r, nil
}

func scanUpdate(row interface{ Scan(...any) error }) (*engine.DeploymentUpdate, error) {
	u := &engine.DeploymentUpdate{}
	var r updateRow
	var state string
	if err := row.Scan(
		&u.ID,
		&u.DeploymentID,
		&state,
		&r.plan,
		&r.modifiedEntityIDs,
		&r.modifiedNodes,
		&r.modifiedNodeInstances,
		&r.pending,
		&u.ExecutionID,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	u.State = engine.UpdateState(state)

	if err := decodeJSON(r.plan, &u.Plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan of update %s: %w", u.ID, err)
	}
	if err := decodeJSON(r.modifiedEntityIDs, &u.ModifiedEntityIDs); err != nil {
		return nil, fmt.Errorf("failed to decode modified entity ids of update %s: %w", u.ID, err)
	}
	if err := decodeJSON(r.modifiedNodes, &u.ModifiedNodes); err != nil {
		return nil, fmt.Errorf("failed to decode modified nodes of update %s: %w", u.ID, err)
	}
	if err := decodeJSON(r.modifiedNodeInstances, &u.ModifiedNodeInstances); err != nil {
		return nil, fmt.Errorf("failed to decode modified node instances of update %s: %w", u.ID, err)
	}
	if r.pending.Valid {
		u.Pending = &engine.PendingChange{}
		if err := decodeJSON(r.pending.String, u.Pending); err != nil {
			return nil, fmt.Errorf("failed to decode pending change of update %s: %w", u.ID, err)
		}
	}
	return u, nil
}

// CreateDeploymentUpdate creates a new deployment update. The partial unique
// index on active updates turns a concurrent second stage into a conflict.
func (s *SQLiteStore) CreateDeploymentUpdate(ctx context.Context, u *engine.DeploymentUpdate) error {
	r, err := encodeUpdate(u)
	if err != nil {
		return err
	}
	now := s.now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	query := `INSERT INTO deployment_updates (` + updateColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		u.ID,
		u.DeploymentID,
		u.State,
		r.plan,
		r.modifiedEntityIDs,
		r.modifiedNodes,
		r.modifiedNodeInstances,
		r.pending,
		u.ExecutionID,
		u.CreatedAt,
		u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return engine.NewConflictError(
			fmt.Sprintf("deployment %s already has an active update", u.DeploymentID), err).
			WithCode(engine.ErrCodeConflict).
			WithResource(u.DeploymentID)
	}
	if err != nil {
		return fmt.Errorf("failed to create deployment update: %w", err)
	}

	if len(u.Steps) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range u.Steps {
			if err := s.insertStep(ctx, tx, u.ID, &u.Steps[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetDeploymentUpdate retrieves a deployment update with its steps
func (s *SQLiteStore) GetDeploymentUpdate(ctx context.Context, id string) (*engine.DeploymentUpdate, error) {
	query := `SELECT ` + updateColumns + ` FROM deployment_updates WHERE id = ?`
	u, err := scanUpdate(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("deployment update", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment update: %w", err)
	}

	if u.Steps, err = s.listSteps(ctx, id); err != nil {
		return nil, err
	}
	return u, nil
}

// SaveDeploymentUpdate persists the state, snapshots and execution link of
// an update. The write is conditional on the stored state still being
// expected, so of two concurrent transitions out of one state only the
// first succeeds.
func (s *SQLiteStore) SaveDeploymentUpdate(ctx context.Context, u *engine.DeploymentUpdate, expected engine.UpdateState) error {
	if err := u.State.Validate(); err != nil {
		return engine.NewPermanentError("invalid deployment update", err).WithCode(engine.ErrCodeValidation)
	}
	r, err := encodeUpdate(u)
	if err != nil {
		return err
	}
	updatedAt := s.now()

	query := `
		UPDATE deployment_updates SET
			state = ?, plan = ?, modified_entity_ids = ?, modified_nodes = ?,
			modified_node_instances = ?, pending = ?, execution_id = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		u.State,
		r.plan,
		r.modifiedEntityIDs,
		r.modifiedNodes,
		r.modifiedNodeInstances,
		r.pending,
		u.ExecutionID,
		updatedAt,
		u.ID,
		expected,
	)
	if isUniqueViolation(err) {
		return engine.NewConflictError(
			fmt.Sprintf("deployment %s already has an active update", u.DeploymentID), err).
			WithCode(engine.ErrCodeConflict).
			WithResource(u.DeploymentID)
	}
	if err != nil {
		return fmt.Errorf("failed to save deployment update: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		actual, err := updateState(ctx, s.db, u.ID)
		if err != nil {
			return err
		}
		return engine.NewUpdateStateConflict(u.ID, expected, actual)
	}
	u.UpdatedAt = updatedAt
	return nil
}

// rowQuerier is satisfied by *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func updateState(ctx context.Context, q rowQuerier, id string) (engine.UpdateState, error) {
	var state engine.UpdateState
	err := q.QueryRowContext(ctx, `SELECT state FROM deployment_updates WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", engine.NewNotFoundError("deployment update", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get deployment update state: %w", err)
	}
	return state, nil
}

// AppendStep appends a step at the next index of a staged update. The state
// check and the insert share one transaction, so a step can never land on
// an update that a concurrent commit already moved on.
func (s *SQLiteStore) AppendStep(ctx context.Context, updateID string, step *engine.Step) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		state, err := updateState(ctx, tx, updateID)
		if err != nil {
			return err
		}
		if state != engine.UpdateStateStaged {
			return engine.NewUpdateStateConflict(updateID, engine.UpdateStateStaged, state)
		}
		return s.insertStep(ctx, tx, updateID, step)
	})
}

func (s *SQLiteStore) insertStep(ctx context.Context, tx *sql.Tx, updateID string, step *engine.Step) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = s.now()
	}

	var next int
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step_index) + 1, 0) FROM deployment_update_steps WHERE deployment_update_id = ?`,
		updateID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("failed to compute step index: %w", err)
	}
	step.Index = next

	query := `
		INSERT INTO deployment_update_steps (id, deployment_update_id, step_index, action, entity_type, entity_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query,
		step.ID, updateID, step.Index, step.Operation, step.EntityType, step.EntityID, step.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to create step: %w", err)
	}
	return nil
}

func (s *SQLiteStore) listSteps(ctx context.Context, updateID string) ([]engine.Step, error) {
	query := `
		SELECT id, step_index, action, entity_type, entity_id, created_at
		FROM deployment_update_steps
		WHERE deployment_update_id = ?
		ORDER BY step_index ASC
	`
	rows, err := s.db.QueryContext(ctx, query, updateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	steps := []engine.Step{}
	for rows.Next() {
		var st engine.Step
		if err := rows.Scan(&st.ID, &st.Index, &st.Operation, &st.EntityType, &st.EntityID, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}
	return steps, nil
}

// ListDeploymentUpdates lists updates with filtering, pagination and sorting
func (s *SQLiteStore) ListDeploymentUpdates(ctx context.Context, filter engine.UpdateFilter, page engine.Pagination, sort engine.Sort) (*engine.UpdateList, error) {
	column, ok := sortColumns[sort.Field]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported sort field: %s", sort.Field), nil).
			WithCode(engine.ErrCodeValidation)
	}
	direction := "ASC"
	if sort.Descending {
		direction = "DESC"
	}
	if page.Size <= 0 {
		page.Size = DefaultPageSize
	}
	if page.Size > MaxPageSize {
		page.Size = MaxPageSize
	}
	if page.Offset < 0 {
		page.Offset = 0
	}

	var where []string
	var args []interface{}
	if filter.DeploymentID != "" {
		where = append(where, "deployment_id = ?")
		args = append(args, filter.DeploymentID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deployment_updates`+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count deployment updates: %w", err)
	}

	query := `SELECT ` + updateColumns + ` FROM deployment_updates` + clause +
		fmt.Sprintf(" ORDER BY %s %s, id %s LIMIT ? OFFSET ?", column, direction, direction)
	rows, err := s.db.QueryContext(ctx, query, append(args, page.Size, page.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment updates: %w", err)
	}

	items := []*engine.DeploymentUpdate{}
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan deployment update: %w", err)
		}
		items = append(items, u)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating deployment updates: %w", err)
	}
	rows.Close()

	// Steps are loaded after the cursor is released; the pool may hold one connection.
	for _, u := range items {
		if u.Steps, err = s.listSteps(ctx, u.ID); err != nil {
			return nil, err
		}
	}

	return &engine.UpdateList{
		Items: items,
		Metadata: engine.ListMetadata{
			Total:  total,
			Offset: page.Offset,
			Size:   page.Size,
		},
	}, nil
}
