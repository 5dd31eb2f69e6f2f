package deployupdate

import (
	"context"
	"fmt"

	"github.com/openfroyo/deployupdate/pkg/engine"
	"github.com/openfroyo/deployupdate/pkg/telemetry"
)

// CreateDeployment persists a deployment of blueprintID from plan: its
// workflow registry (defaults plus the plan's declarations), one node per
// plan node and the instances the differ derives for them.
func (m *Manager) CreateDeployment(ctx context.Context, id, blueprintID string, plan *engine.Plan) (d *engine.Deployment, err error) {
	ctx, span := m.tel.Tracer.StartUpdateSpan(ctx, "create_deployment", id, "")
	defer func() { telemetry.EndSpan(span, err) }()

	if plan == nil {
		plan = &engine.Plan{}
	}

	workflows := engine.DefaultWorkflows()
	for name, wf := range plan.Workflows {
		workflows[name] = wf
	}
	d = &engine.Deployment{
		ID:              id,
		BlueprintID:     blueprintID,
		Workflows:       workflows,
		WorkflowPlugins: plan.WorkflowPlugins,
		CreatedAt:       m.now(),
	}
	if err := m.store.CreateDeployment(ctx, d); err != nil {
		return nil, err
	}

	nodes := make([]*engine.Node, 0, len(plan.Nodes))
	for i := range plan.Nodes {
		n := NodeFromDefinition(id, blueprintID, &plan.Nodes[i])
		if err := m.store.PutNode(ctx, n); err != nil {
			return nil, fmt.Errorf("failed to create node %s: %w", n.ID, err)
		}
		nodes = append(nodes, n)
	}

	classification, err := m.differ.Diff(nodes, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to derive node instances: %w", err)
	}
	created := 0
	for _, ci := range classification[engine.CategoryAdded].Affected {
		ni := ci.NodeInstance
		ni.DeploymentID = id
		if err := m.store.PutNodeInstance(ctx, &ni); err != nil {
			return nil, fmt.Errorf("failed to create node instance %s: %w", ni.ID, err)
		}
		created++
	}

	m.logger.WithDeploymentID(id).WithFields(map[string]interface{}{
		"blueprint_id": blueprintID,
		"nodes":        len(nodes),
		"instances":    created,
	}).Info("deployment created")
	return d, nil
}
