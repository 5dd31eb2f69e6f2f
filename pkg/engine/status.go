package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// UpdateState represents the lifecycle state of a deployment update.
type UpdateState string

const (
	// UpdateStateStaged indicates the update accepts steps and has not been committed.
	UpdateStateStaged UpdateState = "staged"

	// UpdateStateCommitting indicates commit has started. The update stays here until
	// finalize runs after the remediation workflow completes.
	UpdateStateCommitting UpdateState = "committing"

	// UpdateStateCommitted indicates the update was finalized.
	UpdateStateCommitted UpdateState = "committed"
)

// IsActive returns true while the update blocks other updates of the same deployment.
func (s UpdateState) IsActive() bool {
	return s != UpdateStateCommitted
}

// Validate checks if the update state is valid.
func (s UpdateState) Validate() error {
	switch s {
	case UpdateStateStaged, UpdateStateCommitting, UpdateStateCommitted:
		return nil
	default:
		return fmt.Errorf("invalid update state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s UpdateState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *UpdateState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = UpdateState(str)
	return s.Validate()
}

// StepOperation is the change a step declares. The wire values are fixed.
type StepOperation string

const (
	// StepOperationAdd adds an entity present in the staged plan.
	StepOperationAdd StepOperation = "add"

	// StepOperationRemove removes an entity from the deployment.
	StepOperationRemove StepOperation = "remove"
)

// IsDestructive returns true if the step removes something.
func (o StepOperation) IsDestructive() bool {
	return o == StepOperationRemove
}

// Validate checks if the step operation is valid.
func (o StepOperation) Validate() error {
	switch o {
	case StepOperationAdd, StepOperationRemove:
		return nil
	default:
		return fmt.Errorf("invalid step operation: %s", o)
	}
}

// EntityType is the kind of entity a step addresses.
type EntityType string

const (
	// EntityTypeNode addresses a node by id, optionally followed by dotted plan field segments.
	EntityTypeNode EntityType = "node"

	// EntityTypeRelationship addresses an edge as "<source_node_id>:<target_node_id>".
	EntityTypeRelationship EntityType = "relationship"
)

// Validate checks if the entity type is valid.
func (t EntityType) Validate() error {
	switch t {
	case EntityTypeNode, EntityTypeRelationship:
		return nil
	default:
		return fmt.Errorf("invalid entity type: %s", t)
	}
}

// Plural returns the plan collection name for the entity type.
func (t EntityType) Plural() string {
	return string(t) + "s"
}

// RelationshipEntityID builds the entity id of an edge.
func RelationshipEntityID(source, target string) string {
	return source + ":" + target
}

// SplitRelationshipEntityID splits "<source>:<target>". Both halves must be non-empty.
func SplitRelationshipEntityID(entityID string) (source, target string, ok bool) {
	source, target, found := strings.Cut(entityID, ":")
	if !found || source == "" || target == "" {
		return "", "", false
	}
	return source, target, true
}

// ExecutionStatus represents the status of a workflow execution.
type ExecutionStatus string

const (
	// ExecutionStatusPending indicates the execution was persisted and handed to the channel.
	ExecutionStatusPending ExecutionStatus = "pending"

	// ExecutionStatusStarted indicates a runner picked the execution up.
	ExecutionStatusStarted ExecutionStatus = "started"

	// ExecutionStatusCancelling indicates a cancel was requested.
	ExecutionStatusCancelling ExecutionStatus = "cancelling"

	// ExecutionStatusForceCancelling indicates a forced cancel was requested.
	ExecutionStatusForceCancelling ExecutionStatus = "force_cancelling"

	// ExecutionStatusCancelled indicates the execution was cancelled.
	ExecutionStatusCancelled ExecutionStatus = "cancelled"

	// ExecutionStatusTerminated indicates the workflow finished successfully.
	ExecutionStatusTerminated ExecutionStatus = "terminated"

	// ExecutionStatusFailed indicates the workflow failed.
	ExecutionStatusFailed ExecutionStatus = "failed"
)

// IsTerminal returns true if the execution status is an end state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusTerminated || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	switch s {
	case ExecutionStatusPending, ExecutionStatusStarted, ExecutionStatusCancelling,
		ExecutionStatusForceCancelling, ExecutionStatusCancelled,
		ExecutionStatusTerminated, ExecutionStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ExecutionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ExecutionStatus(str)
	return s.Validate()
}

// Category names one bucket of the instance-delta classification.
type Category string

const (
	// CategoryAdded holds new instances and the existing instances they relate to.
	CategoryAdded Category = "added_and_related"

	// CategoryExtended holds existing instances that gain relationships.
	CategoryExtended Category = "extended_and_related"

	// CategoryReduced holds existing instances that lose relationships.
	CategoryReduced Category = "reduced_and_related"

	// CategoryDeleted holds instances whose node left the topology.
	CategoryDeleted Category = "deleted_and_related"
)

// Categories lists every category in the order commit applies them.
var Categories = []Category{CategoryAdded, CategoryExtended, CategoryReduced, CategoryDeleted}

// ParameterPrefix returns the prefix used for the category's workflow parameters.
func (c Category) ParameterPrefix() string {
	switch c {
	case CategoryAdded:
		return "added"
	case CategoryExtended:
		return "extended"
	case CategoryReduced:
		return "reduced"
	case CategoryDeleted:
		return "removed"
	default:
		return strings.TrimSuffix(string(c), "_and_related")
	}
}

// Validate checks if the category is valid.
func (c Category) Validate() error {
	switch c {
	case CategoryAdded, CategoryExtended, CategoryReduced, CategoryDeleted:
		return nil
	default:
		return fmt.Errorf("invalid classification category: %s", c)
	}
}

// Modification flags how a classified instance is touched.
type Modification string

const (
	ModificationAdded    Modification = "added"
	ModificationExtended Modification = "extended"
	ModificationReduced  Modification = "reduced"
	ModificationRemoved  Modification = "removed"
	ModificationRelated  Modification = "related"
)
