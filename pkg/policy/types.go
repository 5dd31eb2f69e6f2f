package policy

import (
	"time"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not reject the step.
	SeverityWarning Severity = "warning"

	// SeverityError rejects the step.
	SeverityError Severity = "error"

	// SeverityCritical rejects the step.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects a step.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. The module must define
// a "deny" set in its package; every element is a violation, either a string
// or an object with "message" and optional "severity" and "resource".
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the service.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against one step.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations are the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking violations and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that ran, in order.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as "input".
type Input struct {
	DeploymentID string                 `json:"deployment_id"`
	UpdateID     string                 `json:"update_id"`
	Step         engine.StepRequest     `json:"step"`
	SourceNode   *engine.NodeDefinition `json:"source_node,omitempty"`
	TargetNode   *engine.NodeDefinition `json:"target_node,omitempty"`
	Relationship *engine.Relationship   `json:"relationship,omitempty"`
	Context      Context                `json:"context"`
}

// Context describes the evaluation itself.
type Context struct {
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// NewInput builds the policy input for a step review.
func NewInput(review *engine.StepReview, now time.Time) *Input {
	return &Input{
		DeploymentID: review.DeploymentID,
		UpdateID:     review.UpdateID,
		Step:         review.Step,
		SourceNode:   review.SourceNode,
		TargetNode:   review.TargetNode,
		Relationship: review.Relationship,
		Context: Context{
			Operation: "create_step",
			Timestamp: now,
		},
	}
}
