package deployupdate

import (
	"context"
	"testing"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

func updateWith(plan *engine.Plan, steps ...engine.Step) *engine.DeploymentUpdate {
	for i := range steps {
		steps[i].Index = i
	}
	return &engine.DeploymentUpdate{ID: "dep-u", DeploymentID: "dep", Plan: plan, Steps: steps}
}

func TestNodeUpdaterAddRelationshipMergesPlugins(t *testing.T) {
	mgr, store, _ := setupManager(t)
	deploy(t, mgr)
	ctx := context.Background()

	// Persisted old_site already carries a plugin the plan redefines.
	node, err := store.GetNode(ctx, "dep", "old_site")
	if err != nil {
		t.Fatalf("failed to get node: %v", err)
	}
	node.Plugins = []engine.Plugin{{Name: "web", PackageVersion: "1.0"}}
	if err := store.UpdateNode(ctx, node); err != nil {
		t.Fatalf("failed to update node: %v", err)
	}

	plan := basePlan()
	plan.Nodes[2].Relationships = append(plan.Nodes[2].Relationships,
		engine.Relationship{TargetID: "server", Type: engine.RelationshipDependsOn})
	plan.Nodes[2].Plugins = []engine.Plugin{{Name: "web", PackageVersion: "2.0"}, {Name: "monitoring"}}
	plan.Nodes[0].Plugins = []engine.Plugin{{Name: "agent"}}

	changes, err := NewNodeUpdater(store).Apply(ctx, updateWith(plan, engine.Step{
		Operation: engine.StepOperationAdd, EntityType: engine.EntityTypeRelationship, EntityID: "old_site:server",
	}), "bp")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	source, err := store.GetNode(ctx, "dep", "old_site")
	if err != nil {
		t.Fatalf("failed to get node: %v", err)
	}
	if len(source.Relationships) != 2 {
		t.Errorf("expected 2 relationships, got %d", len(source.Relationships))
	}
	if len(source.Plugins) != 2 || source.Plugins[0].PackageVersion != "1.0" || source.Plugins[1].Name != "monitoring" {
		t.Errorf("unexpected source plugins: %+v", source.Plugins)
	}

	target, err := store.GetNode(ctx, "dep", "server")
	if err != nil {
		t.Fatalf("failed to get node: %v", err)
	}
	if len(target.Plugins) != 1 || target.Plugins[0].Name != "agent" {
		t.Errorf("unexpected target plugins: %+v", target.Plugins)
	}
	if len(target.Relationships) != 0 {
		t.Errorf("target relationships must be untouched, got %+v", target.Relationships)
	}

	if got := changes.ModifiedEntityIDs[engine.EntityTypeRelationship]; len(got) != 1 || got[0] != "old_site:server" {
		t.Errorf("unexpected modified entity ids: %v", changes.ModifiedEntityIDs)
	}
	if len(changes.ModifiedNodes) != 2 || changes.ModifiedNodes[0].ID != "old_site" {
		t.Errorf("unexpected modified nodes: %+v", changes.ModifiedNodes)
	}
	if len(changes.NewNodes) != 3 {
		t.Errorf("expected full definition set of 3 nodes, got %d", len(changes.NewNodes))
	}
}

func TestNodeUpdaterRemoveRelationshipIsDeferred(t *testing.T) {
	mgr, store, _ := setupManager(t)
	deploy(t, mgr)
	ctx := context.Background()

	plan := basePlan()
	plan.Nodes[2].Relationships = nil
	updater := NewNodeUpdater(store)

	changes, err := updater.Apply(ctx, updateWith(plan, engine.Step{
		Operation: engine.StepOperationRemove, EntityType: engine.EntityTypeRelationship, EntityID: "old_site:server2",
	}), "bp")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	persisted, err := store.GetNode(ctx, "dep", "old_site")
	if err != nil {
		t.Fatalf("failed to get node: %v", err)
	}
	if len(persisted.Relationships) != 1 {
		t.Fatalf("removal must not be persisted before the diff, got %d relationships", len(persisted.Relationships))
	}
	for _, n := range changes.NewNodes {
		if n.ID == "old_site" && len(n.Relationships) != 0 {
			t.Errorf("definition set still carries the relationship: %+v", n.Relationships)
		}
	}
	if len(changes.Deferred) != 1 {
		t.Fatalf("expected 1 deferred node, got %d", len(changes.Deferred))
	}

	if err := updater.PersistDeferred(ctx, changes); err != nil {
		t.Fatalf("persist failed: %v", err)
	}
	persisted, err = store.GetNode(ctx, "dep", "old_site")
	if err != nil {
		t.Fatalf("failed to get node: %v", err)
	}
	if len(persisted.Relationships) != 0 {
		t.Errorf("expected relationship removed, got %+v", persisted.Relationships)
	}
}

func TestNodeUpdaterRemoveRelationshipErrors(t *testing.T) {
	mgr, store, _ := setupManager(t)
	deploy(t, mgr)
	ctx := context.Background()

	_, err := NewNodeUpdater(store).Apply(ctx, updateWith(basePlan(), engine.Step{
		Operation: engine.StepOperationRemove, EntityType: engine.EntityTypeRelationship, EntityID: "old_site:server",
	}), "bp")
	if !engine.IsNotFound(err) {
		t.Fatalf("expected NOT_FOUND for a missing edge, got %v", err)
	}

	node, err := store.GetNode(ctx, "dep", "old_site")
	if err != nil {
		t.Fatalf("failed to get node: %v", err)
	}
	node.Relationships = append(node.Relationships,
		engine.Relationship{TargetID: "server2", Type: engine.RelationshipDependsOn})
	if err := store.UpdateNode(ctx, node); err != nil {
		t.Fatalf("failed to update node: %v", err)
	}

	_, err = NewNodeUpdater(store).Apply(ctx, updateWith(basePlan(), engine.Step{
		Operation: engine.StepOperationRemove, EntityType: engine.EntityTypeRelationship, EntityID: "old_site:server2",
	}), "bp")
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Fatalf("expected VALIDATION_FAILED for an ambiguous edge, got %v", err)
	}
}

func TestNodeUpdaterStepsComposeInOrder(t *testing.T) {
	mgr, store, _ := setupManager(t)
	deploy(t, mgr)
	ctx := context.Background()

	plan := basePlan()
	plan.Nodes = append(plan.Nodes, engine.NodeDefinition{
		ID:                "cache",
		Type:              "cloudify.nodes.Cache",
		NumberOfInstances: intPtr(3),
		MinInstances:      intPtr(1),
		Relationships: []engine.Relationship{
			{TargetID: "server", Type: engine.RelationshipContainedIn},
		},
	})
	plan.Nodes[2].Relationships = []engine.Relationship{
		{TargetID: "cache", Type: engine.RelationshipConnectedTo},
	}

	// Steps are deliberately out of index order.
	u := &engine.DeploymentUpdate{
		DeploymentID: "dep",
		Plan:         plan,
		Steps: []engine.Step{
			{Index: 2, Operation: engine.StepOperationRemove, EntityType: engine.EntityTypeRelationship, EntityID: "old_site:server2"},
			{Index: 0, Operation: engine.StepOperationAdd, EntityType: engine.EntityTypeNode, EntityID: "cache"},
			{Index: 1, Operation: engine.StepOperationAdd, EntityType: engine.EntityTypeRelationship, EntityID: "old_site:cache"},
		},
	}
	changes, err := NewNodeUpdater(store).Apply(ctx, u, "bp")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	var site *engine.Node
	for _, n := range changes.NewNodes {
		if n.ID == "old_site" {
			site = n
		}
	}
	if site == nil {
		t.Fatal("old_site missing from definition set")
	}
	if len(site.Relationships) != 1 || site.Relationships[0].TargetID != "cache" {
		t.Errorf("unexpected relationships: %+v", site.Relationships)
	}

	cache, err := store.GetNode(ctx, "dep", "cache")
	if err != nil {
		t.Fatalf("failed to get node: %v", err)
	}
	if cache.NumberOfInstances != 3 || cache.MinNumberOfInstances != 1 || cache.MaxNumberOfInstances != -1 {
		t.Errorf("unexpected scaling: %+v", cache)
	}
	if cache.BlueprintID != "bp" {
		t.Errorf("expected blueprint bp, got %s", cache.BlueprintID)
	}
}
