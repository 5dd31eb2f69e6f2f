package engine

import (
	"context"
)

// Storage is the persistence layer the deployment update core consumes.
type Storage interface {
	// CreateDeployment persists a new deployment.
	CreateDeployment(ctx context.Context, d *Deployment) error

	// GetDeployment retrieves a deployment by id.
	GetDeployment(ctx context.Context, id string) (*Deployment, error)

	// PutNode creates a node definition.
	PutNode(ctx context.Context, node *Node) error

	// UpdateNode replaces a persisted node definition.
	UpdateNode(ctx context.Context, node *Node) error

	// GetNode retrieves a node of a deployment.
	GetNode(ctx context.Context, deploymentID, nodeID string) (*Node, error)

	// ListNodes lists the nodes of a deployment ordered by id.
	ListNodes(ctx context.Context, deploymentID string) ([]*Node, error)

	// DeleteNode deletes a node of a deployment.
	DeleteNode(ctx context.Context, deploymentID, nodeID string) error

	// PutNodeInstance creates an instance at version 1.
	PutNodeInstance(ctx context.Context, instance *NodeInstance) error

	// GetNodeInstance retrieves an instance by id.
	GetNodeInstance(ctx context.Context, id string) (*NodeInstance, error)

	// ListNodeInstances lists instances of a deployment, optionally of one node, ordered by id.
	ListNodeInstances(ctx context.Context, deploymentID, nodeID string) ([]*NodeInstance, error)

	// UpdateNodeInstance applies a partial write if update.Version matches the
	// persisted version, incrementing it by one. A mismatch is a conflict error
	// and leaves the row unchanged.
	UpdateNodeInstance(ctx context.Context, update NodeInstanceUpdate) (*NodeInstance, error)

	// DeleteNodeInstance deletes an instance by id.
	DeleteNodeInstance(ctx context.Context, id string) error

	// CreateDeploymentUpdate persists a new update. A second active update for
	// the same deployment is a conflict error.
	CreateDeploymentUpdate(ctx context.Context, update *DeploymentUpdate) error

	// GetDeploymentUpdate retrieves an update with its steps.
	GetDeploymentUpdate(ctx context.Context, id string) (*DeploymentUpdate, error)

	// SaveDeploymentUpdate persists the mutable fields of an update, but only
	// while the stored update is still in state expected. Otherwise it
	// returns a conflict error with code INVALID_STATE and writes nothing.
	SaveDeploymentUpdate(ctx context.Context, update *DeploymentUpdate, expected UpdateState) error

	// AppendStep appends a step to a staged update. Appending to an update
	// in any other state is a conflict error with code INVALID_STATE.
	AppendStep(ctx context.Context, updateID string, step *Step) error

	// ListDeploymentUpdates lists updates matching the filter.
	ListDeploymentUpdates(ctx context.Context, filter UpdateFilter, page Pagination, sort Sort) (*UpdateList, error)

	// CreateExecution persists an execution record.
	CreateExecution(ctx context.Context, execution *Execution) error

	// GetExecution retrieves an execution by id.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// UpdateExecutionStatus moves an execution to a new status.
	UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus, errMsg string) (*Execution, error)

	// RecordAudit appends an audit entry.
	RecordAudit(ctx context.Context, entry *AuditEntry) error
}

// Differ classifies instance-level deltas between a node-definition set and
// the instances that currently exist. Implementations must be deterministic.
type Differ interface {
	Diff(newNodes []*Node, previous []*NodeInstance, groups []ScalingGroup) (Classification, error)
}

// ExecutionQueue is the external execution channel. Enqueue returns without
// waiting for the workflow.
type ExecutionQueue interface {
	Enqueue(ctx context.Context, req *ExecutionRequest) error
}

// StepReview is the input of a step admission check.
type StepReview struct {
	DeploymentID string          `json:"deployment_id"`
	UpdateID     string          `json:"update_id"`
	Step         StepRequest     `json:"step"`
	SourceNode   *NodeDefinition `json:"source_node,omitempty"`
	TargetNode   *NodeDefinition `json:"target_node,omitempty"`
	Relationship *Relationship   `json:"relationship,omitempty"`
}

// PolicyDecision is the outcome of a step admission check.
type PolicyDecision struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
}

// StepPolicy admits or rejects steps before they are appended.
type StepPolicy interface {
	ReviewStep(ctx context.Context, review *StepReview) (*PolicyDecision, error)
}
