// Package policy provides Open Policy Agent (OPA) admission checks for
// deployment update steps.
//
// Every step an update accepts is first reviewed by the Engine, which
// implements engine.StepPolicy. Each enabled policy is a Rego module that
// defines a "deny" set; a non-empty set with error or critical severity
// rejects the step with POLICY_VIOLATION.
//
// # Input
//
// Policies see the step under review as "input":
//
//	{
//	  "deployment_id": "dep-1",
//	  "update_id": "dep-1-3f2a...",
//	  "step": {"action": "remove", "entity_type": "relationship", "entity_id": "web:vm"},
//	  "source_node": {...},
//	  "target_node": {...},
//	  "relationship": {"target_id": "vm", "type": "...", "type_hierarchy": [...]},
//	  "context": {"operation": "create_step", "timestamp": "..."}
//	}
//
// source_node is the staged plan's definition for node steps and the source
// of the edge for relationship steps.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/depup/policies"}); err != nil {
//	    return err
//	}
//	mgr := deployupdate.NewManager(store, differ, queue, deployupdate.WithPolicy(eng))
//
// A Watcher reloads policy files as they change:
//
//	w, err := policy.NewWatcher(eng, paths, logger)
//	if err != nil {
//	    return err
//	}
//	go w.Run(ctx)
//
// # Built-in Policies
//
//   - contained-in-protection: a contained_in edge cannot be removed in place
//   - node-type-required: an added node must carry a type
//
// # Custom Policies
//
// A .rego file is named after the file. Its leading comments become the
// description and "# severity: warning" downgrades its violations:
//
//	# Only the platform team may remove database nodes.
//	# severity: error
//	package depup.custom.databases
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.step.action == "remove"
//	    input.step.entity_type == "node"
//	    input.source_node.type == "app.nodes.Database"
//	    msg := sprintf("database %s cannot be removed", [input.step.entity_id])
//	}
//
// JSON and YAML files hold a complete Policy document.
package policy
