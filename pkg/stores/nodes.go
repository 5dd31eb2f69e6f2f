package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

const nodeColumns = `deployment_id, id, blueprint_id, type, type_hierarchy,
	number_of_instances, planned_number_of_instances, deploy_number_of_instances,
	min_number_of_instances, max_number_of_instances, host_id,
	properties, operations, plugins, plugins_to_install, relationships`

// nodeRow holds the JSON-encoded columns of a node.
type nodeRow struct {
	typeHierarchy    string
	properties       string
	operations       string
	plugins          string
	pluginsToInstall string
	relationships    string
}

func encodeNode(n *engine.Node) (*nodeRow, error) {
	var r nodeRow
	var err error
	fields := []struct {
		dst *string
		v   interface{}
	}{
		{&r.typeHierarchy, nonNilStrings(n.TypeHierarchy)},
		{&r.properties, nonNilMap(n.Properties)},
		{&r.operations, nonNilMap(n.Operations)},
		{&r.plugins, nonNilPlugins(n.Plugins)},
		{&r.pluginsToInstall, nonNilPlugins(n.PluginsToInstall)},
		{&r.relationships, nonNilRelationships(n.Relationships)},
	}
	for _, f := range fields {
		if *f.dst, err = encodeJSON(f.v); err != nil {
			return nil, fmt.Errorf("failed to encode node %s: %w", n.ID, err)
		}
	}
	return &r, nil
}

func scanNode(row interface{ Scan(...any) error }) (*engine.Node, error) {
	n := &engine.Node{}
	var r nodeRow
	if err := row.Scan(
		&n.DeploymentID,
		&n.ID,
		&n.BlueprintID,
		&n.Type,
		&r.typeHierarchy,
		&n.NumberOfInstances,
		&n.PlannedNumberOfInstances,
		&n.DeployNumberOfInstances,
		&n.MinNumberOfInstances,
		&n.MaxNumberOfInstances,
		&n.HostID,
		&r.properties,
		&r.operations,
		&r.plugins,
		&r.pluginsToInstall,
		&r.relationships,
	); err != nil {
		return nil, err
	}

	decodes := []struct {
		src string
		dst interface{}
	}{
		{r.typeHierarchy, &n.TypeHierarchy},
		{r.properties, &n.Properties},
		{r.operations, &n.Operations},
		{r.plugins, &n.Plugins},
		{r.pluginsToInstall, &n.PluginsToInstall},
		{r.relationships, &n.Relationships},
	}
	for _, d := range decodes {
		if err := decodeJSON(d.src, d.dst); err != nil {
			return nil, fmt.Errorf("failed to decode node %s: %w", n.ID, err)
		}
	}
	return n, nil
}

// PutNode creates a node definition
func (s *SQLiteStore) PutNode(ctx context.Context, n *engine.Node) error {
	r, err := encodeNode(n)
	if err != nil {
		return err
	}

	query := `INSERT INTO nodes (` + nodeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		n.DeploymentID,
		n.ID,
		n.BlueprintID,
		n.Type,
		r.typeHierarchy,
		n.NumberOfInstances,
		n.PlannedNumberOfInstances,
		n.DeployNumberOfInstances,
		n.MinNumberOfInstances,
		n.MaxNumberOfInstances,
		n.HostID,
		r.properties,
		r.operations,
		r.plugins,
		r.pluginsToInstall,
		r.relationships,
	)
	if isUniqueViolation(err) {
		return engine.NewConflictError(fmt.Sprintf("node already exists: %s", n.ID), err).
			WithCode(engine.ErrCodeConflict).
			WithResource(n.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

// UpdateNode replaces a persisted node definition
func (s *SQLiteStore) UpdateNode(ctx context.Context, n *engine.Node) error {
	r, err := encodeNode(n)
	if err != nil {
		return err
	}

	query := `
		UPDATE nodes SET
			blueprint_id = ?, type = ?, type_hierarchy = ?,
			number_of_instances = ?, planned_number_of_instances = ?, deploy_number_of_instances = ?,
			min_number_of_instances = ?, max_number_of_instances = ?, host_id = ?,
			properties = ?, operations = ?, plugins = ?, plugins_to_install = ?, relationships = ?
		WHERE deployment_id = ? AND id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		n.BlueprintID,
		n.Type,
		r.typeHierarchy,
		n.NumberOfInstances,
		n.PlannedNumberOfInstances,
		n.DeployNumberOfInstances,
		n.MinNumberOfInstances,
		n.MaxNumberOfInstances,
		n.HostID,
		r.properties,
		r.operations,
		r.plugins,
		r.pluginsToInstall,
		r.relationships,
		n.DeploymentID,
		n.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	return expectRow(result, "node", n.ID)
}

// GetNode retrieves a node of a deployment
func (s *SQLiteStore) GetNode(ctx context.Context, deploymentID, nodeID string) (*engine.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE deployment_id = ? AND id = ?`
	n, err := scanNode(s.db.QueryRowContext(ctx, query, deploymentID, nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("node", nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return n, nil
}

// ListNodes lists the nodes of a deployment ordered by id
func (s *SQLiteStore) ListNodes(ctx context.Context, deploymentID string) ([]*engine.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE deployment_id = ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	nodes := []*engine.Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}

// DeleteNode deletes a node of a deployment
func (s *SQLiteStore) DeleteNode(ctx context.Context, deploymentID, nodeID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE deployment_id = ? AND id = ?`, deploymentID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	return expectRow(result, "node", nodeID)
}

const instanceColumns = `id, node_id, deployment_id, state, runtime_properties,
	relationships, version, host_id, scaling_groups`

func scanNodeInstance(row interface{ Scan(...any) error }) (*engine.NodeInstance, error) {
	ni := &engine.NodeInstance{}
	var runtimeProps, relationships, groups string
	if err := row.Scan(
		&ni.ID,
		&ni.NodeID,
		&ni.DeploymentID,
		&ni.State,
		&runtimeProps,
		&relationships,
		&ni.Version,
		&ni.HostID,
		&groups,
	); err != nil {
		return nil, err
	}
	if err := decodeJSON(runtimeProps, &ni.RuntimeProperties); err != nil {
		return nil, fmt.Errorf("failed to decode runtime properties of %s: %w", ni.ID, err)
	}
	if err := decodeJSON(relationships, &ni.Relationships); err != nil {
		return nil, fmt.Errorf("failed to decode relationships of %s: %w", ni.ID, err)
	}
	if err := decodeJSON(groups, &ni.ScalingGroups); err != nil {
		return nil, fmt.Errorf("failed to decode scaling groups of %s: %w", ni.ID, err)
	}
	if ni.Relationships == nil {
		ni.Relationships = []engine.Relationship{}
	}
	return ni, nil
}

// PutNodeInstance creates an instance. The persisted version always starts at 1.
func (s *SQLiteStore) PutNodeInstance(ctx context.Context, ni *engine.NodeInstance) error {
	runtimeProps, err := encodeJSON(nonNilMap(ni.RuntimeProperties))
	if err != nil {
		return fmt.Errorf("failed to encode runtime properties: %w", err)
	}
	relationships, err := encodeJSON(nonNilRelationships(ni.Relationships))
	if err != nil {
		return fmt.Errorf("failed to encode relationships: %w", err)
	}
	groups, err := encodeJSON(ni.ScalingGroups)
	if err != nil {
		return fmt.Errorf("failed to encode scaling groups: %w", err)
	}

	query := `INSERT INTO node_instances (` + instanceColumns + `) VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		ni.ID,
		ni.NodeID,
		ni.DeploymentID,
		ni.State,
		runtimeProps,
		relationships,
		ni.HostID,
		groups,
	)
	if isUniqueViolation(err) {
		return engine.NewConflictError(fmt.Sprintf("node instance already exists: %s", ni.ID), err).
			WithCode(engine.ErrCodeConflict).
			WithResource(ni.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create node instance: %w", err)
	}
	ni.Version = 1
	return nil
}

// GetNodeInstance retrieves an instance by ID
func (s *SQLiteStore) GetNodeInstance(ctx context.Context, id string) (*engine.NodeInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM node_instances WHERE id = ?`
	ni, err := scanNodeInstance(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("node instance", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node instance: %w", err)
	}
	return ni, nil
}

// ListNodeInstances lists instances of a deployment, optionally of one node
func (s *SQLiteStore) ListNodeInstances(ctx context.Context, deploymentID, nodeID string) ([]*engine.NodeInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM node_instances WHERE deployment_id = ?`
	args := []interface{}{deploymentID}
	if nodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, nodeID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list node instances: %w", err)
	}
	defer rows.Close()

	instances := []*engine.NodeInstance{}
	for rows.Next() {
		ni, err := scanNodeInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node instance: %w", err)
		}
		instances = append(instances, ni)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node instances: %w", err)
	}
	return instances, nil
}

// UpdateNodeInstance writes the fields present in update when update.Version
// still matches the persisted version. The compare and the increment happen
// in one statement.
func (s *SQLiteStore) UpdateNodeInstance(ctx context.Context, update engine.NodeInstanceUpdate) (*engine.NodeInstance, error) {
	var state, runtimeProps, relationships sql.NullString
	if update.State != nil {
		state = sql.NullString{String: *update.State, Valid: true}
	}
	if update.RuntimeProperties != nil {
		encoded, err := encodeJSON(update.RuntimeProperties)
		if err != nil {
			return nil, fmt.Errorf("failed to encode runtime properties: %w", err)
		}
		runtimeProps = sql.NullString{String: encoded, Valid: true}
	}
	if update.Relationships != nil {
		encoded, err := encodeJSON(update.Relationships)
		if err != nil {
			return nil, fmt.Errorf("failed to encode relationships: %w", err)
		}
		relationships = sql.NullString{String: encoded, Valid: true}
	}

	query := `
		UPDATE node_instances SET
			state = COALESCE(?, state),
			runtime_properties = COALESCE(?, runtime_properties),
			relationships = COALESCE(?, relationships),
			version = version + 1
		WHERE id = ? AND version = ?
	`
	result, err := s.db.ExecContext(ctx, query, state, runtimeProps, relationships, update.ID, update.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update node instance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	current, err := s.GetNodeInstance(ctx, update.ID)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, engine.NewInstanceVersionConflict(update.ID, current.Version, update.Version)
	}
	return current, nil
}

// DeleteNodeInstance deletes an instance by ID
func (s *SQLiteStore) DeleteNodeInstance(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM node_instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete node instance: %w", err)
	}
	return expectRow(result, "node instance", id)
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilPlugins(p []engine.Plugin) []engine.Plugin {
	if p == nil {
		return []engine.Plugin{}
	}
	return p
}

func nonNilRelationships(r []engine.Relationship) []engine.Relationship {
	if r == nil {
		return []engine.Relationship{}
	}
	return r
}
