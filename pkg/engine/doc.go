// Package engine provides the core types and interfaces of the deployment update service.
//
// # Overview
//
// A deployment is a live topology of nodes (design-time definitions) and node
// instances (running instantiations). A DeploymentUpdate moves a deployment to a
// newly staged plan through a fixed lifecycle:
//
//  1. Stage - persist the candidate plan (UpdateStateStaged)
//  2. Step - declare add/remove changes of nodes and relationships
//  3. Commit - mutate node definitions, classify instance deltas, apply creations
//     and extensions, dispatch the "update" workflow (UpdateStateCommitting)
//  4. Finalize - after the workflow completes, apply reductions and deletions
//     (UpdateStateCommitted)
//
// # Core Domain Types
//
//   - Node, NodeInstance, Relationship: the two graph representations
//   - Plan, NodeDefinition: the staged revision
//   - Step: one declared change, addressed by EntityType and entity id
//   - Classification: per-category affected/related instances
//   - PendingChange: destructive work recorded at commit, consumed by finalize
//   - Execution, ExecutionRequest, Completion: the workflow boundary
//
// # Collaborators
//
// The package only declares the interfaces the core consumes: Storage,
// Differ, ExecutionQueue and StepPolicy. Implementations live in the stores,
// topology, workflows and policy packages.
//
// # Errors
//
// All failures surfaced by the core are *EngineError values classified as
// transient, throttled, conflict or permanent and tagged with a code:
//
//	if engine.IsConflict(err) {
//	    // another update is active, or an instance version moved
//	}
//	if engine.HasCode(err, engine.ErrCodeUnknownEntity) {
//	    // the step referenced something absent from the staged plan
//	}
package engine
