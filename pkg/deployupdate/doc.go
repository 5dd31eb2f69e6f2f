// Package deployupdate implements incremental topology updates of running
// deployments.
//
// An update is staged with the node-definition plan of a new blueprint
// revision, receives add/remove steps addressing nodes ("server",
// "server.properties.port") or relationships ("web:server"), and is then
// committed:
//
//	mgr := deployupdate.NewManager(store, topology.NewDiffer(), queue)
//	u, _ := mgr.Stage(ctx, "prod", plan)
//	_, _ = mgr.CreateStep(ctx, u.ID, engine.StepRequest{
//		Operation:  engine.StepOperationAdd,
//		EntityType: engine.EntityTypeNode,
//		EntityID:   "new_site",
//	})
//	u, _ = mgr.Commit(ctx, u.ID)
//
// Commit writes node definitions, classifies the instance delta, creates and
// extends instances right away and dispatches the "update" workflow. Relationship
// reductions and instance deletions are recorded on the update and applied by
// Finalize once the workflow reports completion, so uninstall operations still
// see the resources they tear down.
package deployupdate
