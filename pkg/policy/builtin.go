package policy

// Built-in policy names.
const (
	PolicyContainedInProtection = "contained-in-protection"
	PolicyNodeTypeRequired      = "node-type-required"
)

// BuiltinPolicies returns the policies every engine starts with unless
// WithoutBuiltins is given.
func BuiltinPolicies() []Policy {
	return []Policy{
		containedInProtectionPolicy(),
		nodeTypeRequiredPolicy(),
	}
}

// containedInProtectionPolicy rejects removing a containment edge. An
// instance cannot move to another host in place, so such a change has to be
// expressed as removing and re-adding the contained node.
func containedInProtectionPolicy() Policy {
	return Policy{
		Name:        PolicyContainedInProtection,
		Description: "Rejects steps that remove a contained_in relationship",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"topology", "relationships"},
		Rego: `package depup.policies.containment

import rego.v1

containment := "cloudify.relationships.contained_in"

deny contains violation if {
	input.step.action == "remove"
	input.step.entity_type == "relationship"
	is_containment(input.relationship)
	violation := {
		"message": sprintf("relationship %s is a containment relationship and cannot be removed", [input.step.entity_id]),
		"severity": "error",
		"resource": input.step.entity_id,
	}
}

is_containment(rel) if rel.type == containment

is_containment(rel) if containment in rel.type_hierarchy
`,
	}
}

// nodeTypeRequiredPolicy rejects adding a node whose definition has no type.
func nodeTypeRequiredPolicy() Policy {
	return Policy{
		Name:        PolicyNodeTypeRequired,
		Description: "Rejects adding a node without a type",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"topology", "nodes"},
		Rego: `package depup.policies.node_type

import rego.v1

deny contains violation if {
	input.step.action == "add"
	input.step.entity_type == "node"
	not contains(input.step.entity_id, ".")
	not has_type
	violation := {
		"message": sprintf("node %s has no type", [input.step.entity_id]),
		"severity": "error",
		"resource": input.step.entity_id,
	}
}

has_type if input.source_node.type != ""
`,
	}
}
