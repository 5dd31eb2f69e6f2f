package engine

// Built-in workflow names.
const (
	WorkflowInstall   = "install"
	WorkflowUninstall = "uninstall"
	WorkflowUpdate    = "update"
)

// UpdateIDParameter carries the deployment update id to the update workflow.
const UpdateIDParameter = "update_id"

// InstanceIDsParameter returns the name of a category's affected id list.
func InstanceIDsParameter(c Category) string {
	return c.ParameterPrefix() + "_instance_ids"
}

// RelatedInstanceIDsParameter returns the name of a category's related id list.
func RelatedInstanceIDsParameter(c Category) string {
	return c.ParameterPrefix() + "_related_instance_ids"
}

// DefaultWorkflows returns the workflow registry every deployment starts with.
func DefaultWorkflows() map[string]Workflow {
	updateParams := map[string]WorkflowParameter{
		UpdateIDParameter: {Description: "deployment update to finalize on completion"},
	}
	for _, c := range Categories {
		updateParams[InstanceIDsParameter(c)] = WorkflowParameter{Default: []interface{}{}}
		updateParams[RelatedInstanceIDsParameter(c)] = WorkflowParameter{Default: []interface{}{}}
	}

	return map[string]Workflow{
		WorkflowInstall: {
			Operation: "depup.plugins.lifecycle.install",
			Plugin:    "default_workflows",
		},
		WorkflowUninstall: {
			Operation: "depup.plugins.lifecycle.uninstall",
			Plugin:    "default_workflows",
			Parameters: map[string]WorkflowParameter{
				"ignore_failure": {Default: false},
			},
		},
		WorkflowUpdate: {
			Operation:  "depup.plugins.lifecycle.update",
			Plugin:     "default_workflows",
			Parameters: updateParams,
		},
	}
}

// UpdateWorkflowParameters builds the update workflow parameters from the
// per-category applied ids.
func UpdateWorkflowParameters(updateID string, applied map[Category]AppliedDelta) map[string]interface{} {
	params := map[string]interface{}{UpdateIDParameter: updateID}
	for _, c := range Categories {
		d := applied[c]
		params[InstanceIDsParameter(c)] = nonNil(d.Affected)
		params[RelatedInstanceIDsParameter(c)] = nonNil(d.Related)
	}
	return params
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
