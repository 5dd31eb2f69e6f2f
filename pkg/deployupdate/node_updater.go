package deployupdate

import (
	"context"
	"fmt"
	"sort"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

// NodeChanges is the outcome of applying an update's steps to node definitions.
type NodeChanges struct {
	// ModifiedEntityIDs lists the entity ids of the applied steps per entity type.
	ModifiedEntityIDs map[engine.EntityType][]string

	// ModifiedNodes are the nodes the steps touched, in first-touch order.
	ModifiedNodes []engine.Node

	// NewNodes is the full definition set the differ classifies against.
	NewNodes []*engine.Node

	// Deferred are nodes whose writes wait until after the diff.
	Deferred []*engine.Node
}

// workingSet is the node set of a deployment while steps are applied. Nodes
// are loaded lazily so consecutive steps on the same node compose.
type workingSet struct {
	store        engine.Storage
	plan         *engine.Plan
	deploymentID string
	blueprintID  string

	nodes    map[string]*engine.Node
	dropped  map[string]bool
	touched  []string
	deferred map[string]bool
}

func newWorkingSet(store engine.Storage, update *engine.DeploymentUpdate, blueprintID string) *workingSet {
	return &workingSet{
		store:        store,
		plan:         update.Plan,
		deploymentID: update.DeploymentID,
		blueprintID:  blueprintID,
		nodes:        make(map[string]*engine.Node),
		dropped:      make(map[string]bool),
		deferred:     make(map[string]bool),
	}
}

// node returns the working copy of a node, loading it on first use.
func (ws *workingSet) node(ctx context.Context, id string) (*engine.Node, error) {
	if n, ok := ws.nodes[id]; ok {
		return n, nil
	}
	n, err := ws.store.GetNode(ctx, ws.deploymentID, id)
	if err != nil {
		return nil, err
	}
	ws.nodes[id] = n
	return n, nil
}

func (ws *workingSet) put(n *engine.Node) {
	if !ws.isTouched(n.ID) {
		ws.touched = append(ws.touched, n.ID)
	}
	ws.nodes[n.ID] = n
	delete(ws.dropped, n.ID)
}

func (ws *workingSet) isTouched(id string) bool {
	for _, t := range ws.touched {
		if t == id {
			return true
		}
	}
	return false
}

func (ws *workingSet) drop(id string) {
	if !ws.isTouched(id) {
		ws.touched = append(ws.touched, id)
	}
	ws.dropped[id] = true
}

func (ws *workingSet) deferWrite(n *engine.Node) {
	ws.deferred[n.ID] = true
}

// NodeUpdater applies steps to persisted node definitions.
type NodeUpdater struct {
	store engine.Storage
}

// NewNodeUpdater creates a NodeUpdater.
func NewNodeUpdater(store engine.Storage) *NodeUpdater {
	return &NodeUpdater{store: store}
}

// Apply runs every step of the update in declaration order and returns the
// resulting node definition set.
func (u *NodeUpdater) Apply(ctx context.Context, update *engine.DeploymentUpdate, blueprintID string) (*NodeChanges, error) {
	ws := newWorkingSet(u.store, update, blueprintID)
	changes := &NodeChanges{ModifiedEntityIDs: make(map[engine.EntityType][]string)}

	steps := make([]engine.Step, len(update.Steps))
	copy(steps, update.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })

	for _, step := range steps {
		kind, err := kindOf(step.EntityType)
		if err != nil {
			return nil, err
		}

		switch step.Operation {
		case engine.StepOperationAdd:
			_, err = kind.add(ctx, ws, step.EntityID)
		case engine.StepOperationRemove:
			_, err = kind.remove(ctx, ws, step.EntityID)
		default:
			err = engine.NewPermanentError(fmt.Sprintf("invalid step operation: %s", step.Operation), nil).
				WithCode(engine.ErrCodeValidation)
		}
		if err != nil {
			return nil, fmt.Errorf("step %d (%s %s %s): %w",
				step.Index, step.Operation, step.EntityType, step.EntityID, err)
		}
		changes.ModifiedEntityIDs[step.EntityType] = append(changes.ModifiedEntityIDs[step.EntityType], step.EntityID)
	}

	persisted, err := u.store.ListNodes(ctx, update.DeploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	seen := make(map[string]bool, len(persisted))
	for _, n := range persisted {
		seen[n.ID] = true
		if ws.dropped[n.ID] {
			continue
		}
		if working, ok := ws.nodes[n.ID]; ok {
			changes.NewNodes = append(changes.NewNodes, working)
			continue
		}
		changes.NewNodes = append(changes.NewNodes, n)
	}
	for _, id := range ws.touched {
		if !seen[id] && !ws.dropped[id] {
			changes.NewNodes = append(changes.NewNodes, ws.nodes[id])
		}
	}

	for _, id := range ws.touched {
		if n, ok := ws.nodes[id]; ok {
			changes.ModifiedNodes = append(changes.ModifiedNodes, *n)
		}
		if ws.deferred[id] && !ws.dropped[id] {
			changes.Deferred = append(changes.Deferred, ws.nodes[id])
		}
	}
	return changes, nil
}

// PersistDeferred writes the nodes whose writes waited for the diff.
func (u *NodeUpdater) PersistDeferred(ctx context.Context, changes *NodeChanges) error {
	for _, n := range changes.Deferred {
		if err := u.store.UpdateNode(ctx, n); err != nil {
			return fmt.Errorf("failed to persist node %s: %w", n.ID, err)
		}
	}
	return nil
}

// NodeFromDefinition materializes a plan node for a deployment.
func NodeFromDefinition(deploymentID, blueprintID string, def *engine.NodeDefinition) *engine.Node {
	count := 1
	if def.NumberOfInstances != nil && *def.NumberOfInstances >= 0 {
		count = *def.NumberOfInstances
	}
	minCount := 0
	if def.MinInstances != nil {
		minCount = *def.MinInstances
	}
	maxCount := -1
	if def.MaxInstances != nil {
		maxCount = *def.MaxInstances
	}

	rels := make([]engine.Relationship, len(def.Relationships))
	copy(rels, def.Relationships)

	return &engine.Node{
		ID:                       def.ID,
		DeploymentID:             deploymentID,
		BlueprintID:              blueprintID,
		Type:                     def.Type,
		TypeHierarchy:            def.TypeHierarchy,
		NumberOfInstances:        count,
		PlannedNumberOfInstances: count,
		DeployNumberOfInstances:  count,
		MinNumberOfInstances:     minCount,
		MaxNumberOfInstances:     maxCount,
		HostID:                   def.HostID,
		Properties:               def.Properties,
		Operations:               def.Operations,
		Plugins:                  def.Plugins,
		PluginsToInstall:         def.PluginsToInstall,
		Relationships:            rels,
	}
}
