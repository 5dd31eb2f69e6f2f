package deployupdate

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

// entityKind is implemented once per engine.EntityType. validate is pure;
// add and remove mutate the working node set of a commit.
type entityKind interface {
	validate(plan *engine.Plan, entityID string) error
	add(ctx context.Context, ws *workingSet, entityID string) (*engine.Node, error)
	remove(ctx context.Context, ws *workingSet, entityID string) (*engine.Node, error)
}

// nodeEntity handles steps addressing a node, optionally with dotted plan field segments.
type nodeEntity struct{}

// relationshipEntity handles steps addressing "<source>:<target>".
type relationshipEntity struct{}

func kindOf(t engine.EntityType) (entityKind, error) {
	switch t {
	case engine.EntityTypeNode:
		return nodeEntity{}, nil
	case engine.EntityTypeRelationship:
		return relationshipEntity{}, nil
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid entity type: %s", t), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

func (nodeEntity) validate(plan *engine.Plan, entityID string) error {
	segments := strings.Split(entityID, ".")
	def, ok := plan.Node(segments[0])
	if !ok {
		return engine.NewUnknownEntityError(engine.EntityTypeNode, entityID)
	}
	if len(segments) == 1 {
		return nil
	}

	fields, err := toMap(def)
	if err != nil {
		return fmt.Errorf("failed to inspect node %s: %w", def.ID, err)
	}
	if !hasPath(fields, segments[1:]) {
		return engine.NewUnknownEntityError(engine.EntityTypeNode, entityID)
	}
	return nil
}

// hasPath walks keys through nested maps. A remaining suffix that is itself
// a key (field names may contain dots) ends the walk.
func hasPath(m map[string]interface{}, keys []string) bool {
	if len(keys) == 0 {
		return true
	}
	if _, ok := m[strings.Join(keys, ".")]; ok {
		return true
	}
	next, ok := m[keys[0]]
	if !ok || next == nil {
		return false
	}
	if len(keys) == 1 {
		return true
	}
	sub, ok := next.(map[string]interface{})
	if !ok {
		return false
	}
	return hasPath(sub, keys[1:])
}

func (nodeEntity) add(ctx context.Context, ws *workingSet, entityID string) (*engine.Node, error) {
	nodeID := strings.SplitN(entityID, ".", 2)[0]
	def, ok := ws.plan.Node(nodeID)
	if !ok {
		return nil, engine.NewUnknownEntityError(engine.EntityTypeNode, entityID)
	}

	node := NodeFromDefinition(ws.deploymentID, ws.blueprintID, def)
	existing, err := ws.node(ctx, nodeID)
	switch {
	case engine.IsNotFound(err):
		if err := ws.store.PutNode(ctx, node); err != nil {
			return nil, fmt.Errorf("failed to create node %s: %w", nodeID, err)
		}
	case err != nil:
		return nil, err
	default:
		// Re-adding keeps the scaling counters of the live node.
		node.NumberOfInstances = existing.NumberOfInstances
		node.PlannedNumberOfInstances = existing.PlannedNumberOfInstances
		node.DeployNumberOfInstances = existing.DeployNumberOfInstances
		if err := ws.store.UpdateNode(ctx, node); err != nil {
			return nil, fmt.Errorf("failed to update node %s: %w", nodeID, err)
		}
	}

	ws.put(node)
	return node, nil
}

// remove excludes the node from the new definition set. Its instances are
// classified as deleted and the node itself is deleted at finalize, once its
// last instance is gone.
func (nodeEntity) remove(ctx context.Context, ws *workingSet, entityID string) (*engine.Node, error) {
	nodeID := strings.SplitN(entityID, ".", 2)[0]
	node, err := ws.node(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	ws.drop(nodeID)
	return node, nil
}

func (relationshipEntity) validate(plan *engine.Plan, entityID string) error {
	source, target, ok := engine.SplitRelationshipEntityID(entityID)
	if !ok {
		return engine.NewUnknownEntityError(engine.EntityTypeRelationship, entityID)
	}
	sourceDef, ok := plan.Node(source)
	if !ok {
		return engine.NewUnknownEntityError(engine.EntityTypeRelationship, entityID)
	}
	if _, ok := plan.Node(target); ok {
		return nil
	}
	// The target may already be gone from the plan while the source still
	// points at it; that edge can only be removed.
	if len(sourceDef.RelationshipTo(target)) > 0 {
		return nil
	}
	return engine.NewUnknownEntityError(engine.EntityTypeRelationship, entityID)
}

func (relationshipEntity) add(ctx context.Context, ws *workingSet, entityID string) (*engine.Node, error) {
	source, target, ok := engine.SplitRelationshipEntityID(entityID)
	if !ok {
		return nil, engine.NewUnknownEntityError(engine.EntityTypeRelationship, entityID)
	}
	sourceDef, ok := ws.plan.Node(source)
	if !ok {
		return nil, engine.NewUnknownEntityError(engine.EntityTypeRelationship, entityID)
	}
	planned := sourceDef.RelationshipTo(target)
	if len(planned) == 0 {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("staged plan declares no relationship %s", entityID), nil).
			WithCode(engine.ErrCodeUnknownEntity).
			WithResource(entityID)
	}

	sourceNode, err := ws.node(ctx, source)
	if err != nil {
		return nil, err
	}
	for _, r := range planned {
		if !hasRelationship(sourceNode.Relationships, r.TargetID, r.Type) {
			sourceNode.Relationships = append(sourceNode.Relationships, r)
		}
	}
	sourceNode.Plugins = mergePlugins(sourceNode.Plugins, sourceDef.Plugins)
	sourceNode.PluginsToInstall = mergePlugins(sourceNode.PluginsToInstall, sourceDef.PluginsToInstall)
	if err := ws.store.UpdateNode(ctx, sourceNode); err != nil {
		return nil, fmt.Errorf("failed to update node %s: %w", source, err)
	}
	ws.put(sourceNode)

	targetNode, err := ws.node(ctx, target)
	if err != nil {
		return nil, err
	}
	if targetDef, ok := ws.plan.Node(target); ok {
		targetNode.Plugins = mergePlugins(targetNode.Plugins, targetDef.Plugins)
		targetNode.PluginsToInstall = mergePlugins(targetNode.PluginsToInstall, targetDef.PluginsToInstall)
	}
	if err := ws.store.UpdateNode(ctx, targetNode); err != nil {
		return nil, fmt.Errorf("failed to update node %s: %w", target, err)
	}
	ws.put(targetNode)

	return sourceNode, nil
}

// remove drops the edge from the working copy of the source node. The write
// is deferred until the differ has seen the pre-removal relationship set.
func (relationshipEntity) remove(ctx context.Context, ws *workingSet, entityID string) (*engine.Node, error) {
	source, target, ok := engine.SplitRelationshipEntityID(entityID)
	if !ok {
		return nil, engine.NewUnknownEntityError(engine.EntityTypeRelationship, entityID)
	}
	sourceNode, err := ws.node(ctx, source)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i, r := range sourceNode.Relationships {
		if r.TargetID != target {
			continue
		}
		if idx >= 0 {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("node %s has more than one relationship to %s", source, target), nil).
				WithCode(engine.ErrCodeValidation).
				WithResource(entityID)
		}
		idx = i
	}
	if idx < 0 {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("node %s has no relationship to %s", source, target), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(entityID)
	}

	rels := make([]engine.Relationship, 0, len(sourceNode.Relationships)-1)
	rels = append(rels, sourceNode.Relationships[:idx]...)
	rels = append(rels, sourceNode.Relationships[idx+1:]...)
	sourceNode.Relationships = rels

	ws.put(sourceNode)
	ws.deferWrite(sourceNode)
	return sourceNode, nil
}

func hasRelationship(rels []engine.Relationship, targetID, relType string) bool {
	for _, r := range rels {
		if r.TargetID == targetID && r.Type == relType {
			return true
		}
	}
	return false
}

// mergePlugins appends plugins whose names are not present yet. Existing
// entries are never replaced.
func mergePlugins(existing, incoming []engine.Plugin) []engine.Plugin {
	names := make(map[string]bool, len(existing))
	for _, p := range existing {
		names[p.Name] = true
	}
	out := existing
	for _, p := range incoming {
		if names[p.Name] {
			continue
		}
		names[p.Name] = true
		out = append(out, p)
	}
	return out
}
