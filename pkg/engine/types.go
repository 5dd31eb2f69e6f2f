package engine

import (
	"time"
)

// Relationship type names the core itself reasons about.
const (
	RelationshipContainedIn = "cloudify.relationships.contained_in"
	RelationshipConnectedTo = "cloudify.relationships.connected_to"
	RelationshipDependsOn   = "cloudify.relationships.depends_on"
)

// Plugin describes a plugin a node or workflow needs.
type Plugin struct {
	// Name is the plugin name; merges match on it.
	Name string `json:"name" yaml:"name"`

	// PackageName is the distributable package name.
	PackageName string `json:"package_name,omitempty" yaml:"package_name,omitempty"`

	// PackageVersion is the distributable package version.
	PackageVersion string `json:"package_version,omitempty" yaml:"package_version,omitempty"`

	// Executor is where the plugin runs ("central_deployment_agent", "host_agent").
	Executor string `json:"executor,omitempty" yaml:"executor,omitempty"`

	// Source is an optional install source.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// Install is false for plugins that are preinstalled.
	Install bool `json:"install,omitempty" yaml:"install,omitempty"`
}

// Relationship is an edge. On a node TargetID is a node id; on an instance it is
// a concrete instance id and TargetName carries the target node id.
type Relationship struct {
	TargetID         string                 `json:"target_id" yaml:"target_id"`
	TargetName       string                 `json:"target_name,omitempty" yaml:"target_name,omitempty"`
	Type             string                 `json:"type" yaml:"type"`
	TypeHierarchy    []string               `json:"type_hierarchy,omitempty" yaml:"type_hierarchy,omitempty"`
	Properties       map[string]interface{} `json:"properties,omitempty" yaml:"properties,omitempty"`
	SourceOperations map[string]interface{} `json:"source_operations,omitempty" yaml:"source_operations,omitempty"`
	TargetOperations map[string]interface{} `json:"target_operations,omitempty" yaml:"target_operations,omitempty"`
}

// IsA reports whether the relationship is, or derives from, the given type.
func (r Relationship) IsA(relType string) bool {
	if r.Type == relType {
		return true
	}
	for _, t := range r.TypeHierarchy {
		if t == relType {
			return true
		}
	}
	return false
}

// NodeDefinition is one entry of a plan's "nodes" collection.
type NodeDefinition struct {
	ID                string                 `json:"id" yaml:"id"`
	Type              string                 `json:"type" yaml:"type"`
	TypeHierarchy     []string               `json:"type_hierarchy,omitempty" yaml:"type_hierarchy,omitempty"`
	Properties        map[string]interface{} `json:"properties,omitempty" yaml:"properties,omitempty"`
	Operations        map[string]interface{} `json:"operations,omitempty" yaml:"operations,omitempty"`
	Plugins           []Plugin               `json:"plugins,omitempty" yaml:"plugins,omitempty"`
	PluginsToInstall  []Plugin               `json:"plugins_to_install,omitempty" yaml:"plugins_to_install,omitempty"`
	Relationships     []Relationship         `json:"relationships,omitempty" yaml:"relationships,omitempty"`
	HostID            string                 `json:"host_id,omitempty" yaml:"host_id,omitempty"`
	NumberOfInstances *int                   `json:"number_of_instances,omitempty" yaml:"number_of_instances,omitempty"`
	MinInstances      *int                   `json:"min_number_of_instances,omitempty" yaml:"min_number_of_instances,omitempty"`
	MaxInstances      *int                   `json:"max_number_of_instances,omitempty" yaml:"max_number_of_instances,omitempty"`
}

// RelationshipTo returns the definition's relationships targeting the node id.
func (d *NodeDefinition) RelationshipTo(targetID string) []Relationship {
	var out []Relationship
	for _, r := range d.Relationships {
		if r.TargetID == targetID {
			out = append(out, r)
		}
	}
	return out
}

// Plan is the node-definition plan of a staged blueprint revision.
type Plan struct {
	// Nodes is the "nodes" collection.
	Nodes []NodeDefinition `json:"nodes" yaml:"nodes"`

	// Workflows declares workflows on top of the defaults.
	Workflows map[string]Workflow `json:"workflows,omitempty" yaml:"workflows,omitempty"`

	// WorkflowPlugins are plugins the workflows run with.
	WorkflowPlugins []Plugin `json:"workflow_plugins_to_install,omitempty" yaml:"workflow_plugins_to_install,omitempty"`
}

// Node returns the definition with the given id.
func (p *Plan) Node(id string) (*NodeDefinition, bool) {
	if p == nil {
		return nil, false
	}
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i], true
		}
	}
	return nil, false
}

// Node is a persisted design-time topology entity.
type Node struct {
	ID                       string                 `json:"id"`
	DeploymentID             string                 `json:"deployment_id"`
	BlueprintID              string                 `json:"blueprint_id,omitempty"`
	Type                     string                 `json:"type"`
	TypeHierarchy            []string               `json:"type_hierarchy,omitempty"`
	NumberOfInstances        int                    `json:"number_of_instances"`
	PlannedNumberOfInstances int                    `json:"planned_number_of_instances"`
	DeployNumberOfInstances  int                    `json:"deploy_number_of_instances"`
	MinNumberOfInstances     int                    `json:"min_number_of_instances"`
	MaxNumberOfInstances     int                    `json:"max_number_of_instances"`
	HostID                   string                 `json:"host_id,omitempty"`
	Properties               map[string]interface{} `json:"properties,omitempty"`
	Operations               map[string]interface{} `json:"operations,omitempty"`
	Plugins                  []Plugin               `json:"plugins,omitempty"`
	PluginsToInstall         []Plugin               `json:"plugins_to_install,omitempty"`
	Relationships            []Relationship         `json:"relationships,omitempty"`
}

// ScalingGroupRef records an instance's membership in a scaling group.
type ScalingGroupRef struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// ScalingGroup groups nodes that scale together.
type ScalingGroup struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// NodeInstance is a running instance of a Node.
type NodeInstance struct {
	ID                string                 `json:"id"`
	NodeID            string                 `json:"node_id"`
	DeploymentID      string                 `json:"deployment_id"`
	State             string                 `json:"state"`
	RuntimeProperties map[string]interface{} `json:"runtime_properties,omitempty"`
	Relationships     []Relationship         `json:"relationships"`
	Version           int64                  `json:"version"`
	HostID            string                 `json:"host_id,omitempty"`
	ScalingGroups     []ScalingGroupRef      `json:"scaling_groups,omitempty"`
}

// NodeInstanceUpdate is a partial instance write guarded by Version.
// Nil fields are left as persisted; an empty non-nil value clears the field.
type NodeInstanceUpdate struct {
	ID                string
	Version           int64
	State             *string
	RuntimeProperties map[string]interface{}
	Relationships     []Relationship
}

// ClassifiedInstance is an instance as placed in a classification bucket.
type ClassifiedInstance struct {
	NodeInstance
	Modification Modification `json:"modification"`
}

// InstanceDelta is one classification bucket.
type InstanceDelta struct {
	Affected []ClassifiedInstance `json:"affected"`
	Related  []ClassifiedInstance `json:"related"`
}

// IsEmpty reports whether the bucket holds no instances.
func (d InstanceDelta) IsEmpty() bool {
	return len(d.Affected) == 0 && len(d.Related) == 0
}

// Classification maps categories to buckets.
type Classification map[Category]InstanceDelta

// IsEmpty reports whether every bucket is empty.
func (c Classification) IsEmpty() bool {
	for _, d := range c {
		if !d.IsEmpty() {
			return false
		}
	}
	return true
}

// AppliedDelta is the id-only result of applying one category.
type AppliedDelta struct {
	Affected []string `json:"affected"`
	Related  []string `json:"related"`
}

// Step is one declared change of a deployment update.
type Step struct {
	ID         string        `json:"id"`
	Index      int           `json:"index"`
	Operation  StepOperation `json:"action"`
	EntityType EntityType    `json:"entity_type"`
	EntityID   string        `json:"entity_id"`
	CreatedAt  time.Time     `json:"created_at"`
}

// StepRequest is the input of create_step.
type StepRequest struct {
	Operation  StepOperation `json:"action" validate:"required,oneof=add remove"`
	EntityType EntityType    `json:"entity_type" validate:"required,oneof=node relationship"`
	EntityID   string        `json:"entity_id" validate:"required"`
}

// PendingChange is the destructive half of a commit, applied once by finalize.
type PendingChange struct {
	// Reduced are the instances whose relationship sets shrink.
	Reduced InstanceDelta `json:"reduced"`

	// Deleted are the instances to delete and the instances pointing at them.
	Deleted InstanceDelta `json:"deleted"`

	// Applied is set when finalize consumed the change.
	Applied bool `json:"applied"`

	// AppliedAt is when finalize consumed the change.
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// DeploymentUpdate is one staged, committing or committed change request.
type DeploymentUpdate struct {
	ID           string      `json:"id"`
	DeploymentID string      `json:"deployment_id"`
	Plan         *Plan       `json:"plan"`
	State        UpdateState `json:"state"`
	Steps        []Step      `json:"steps"`

	// ModifiedEntityIDs lists the entity ids the steps touched, per entity type.
	ModifiedEntityIDs map[EntityType][]string `json:"modified_entity_ids,omitempty"`

	// ModifiedNodes is the snapshot of node definitions the steps produced.
	ModifiedNodes []Node `json:"modified_nodes,omitempty"`

	// ModifiedNodeInstances is the classification computed at commit.
	ModifiedNodeInstances Classification `json:"modified_node_instances,omitempty"`

	// Pending is the deferred destructive work.
	Pending *PendingChange `json:"pending,omitempty"`

	ExecutionID string    `json:"execution_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WorkflowParameter is a declared workflow parameter. A nil Default marks it mandatory.
type WorkflowParameter struct {
	Default     interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
}

// Workflow is an entry of a deployment's workflow registry.
type Workflow struct {
	Operation  string                       `json:"operation" yaml:"operation"`
	Plugin     string                       `json:"plugin,omitempty" yaml:"plugin,omitempty"`
	Parameters map[string]WorkflowParameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Deployment is a live topology derived from one blueprint.
type Deployment struct {
	ID              string              `json:"id"`
	BlueprintID     string              `json:"blueprint_id"`
	Workflows       map[string]Workflow `json:"workflows"`
	WorkflowPlugins []Plugin            `json:"workflow_plugins,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Execution is a persisted workflow execution record.
type Execution struct {
	ID               string                 `json:"id"`
	WorkflowID       string                 `json:"workflow_id"`
	BlueprintID      string                 `json:"blueprint_id"`
	DeploymentID     string                 `json:"deployment_id"`
	Status           ExecutionStatus        `json:"status"`
	Parameters       map[string]interface{} `json:"parameters"`
	Error            string                 `json:"error"`
	IsSystemWorkflow bool                   `json:"is_system_workflow"`
	CreatedAt        time.Time              `json:"created_at"`
	EndedAt          *time.Time             `json:"ended_at,omitempty"`
}

// ExecutionRequest is the envelope handed to the execution channel.
type ExecutionRequest struct {
	ExecutionID  string                 `json:"execution_id"`
	WorkflowName string                 `json:"workflow_name"`
	DeploymentID string                 `json:"deployment_id"`
	BlueprintID  string                 `json:"blueprint_id"`
	Parameters   map[string]interface{} `json:"parameters"`
}

// Completion is the out-of-band signal that an execution ended or changed status.
type Completion struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
}

// UpdateFilter narrows a deployment update listing.
type UpdateFilter struct {
	DeploymentID string
	State        UpdateState
}

// Pagination selects a window of a listing.
type Pagination struct {
	Offset int
	Size   int
}

// Sort orders a listing.
type Sort struct {
	Field      string
	Descending bool
}

// ListMetadata describes the window returned by a listing.
type ListMetadata struct {
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Size   int `json:"size"`
}

// UpdateList is a page of deployment updates.
type UpdateList struct {
	Items    []*DeploymentUpdate `json:"items"`
	Metadata ListMetadata        `json:"metadata"`
}

// AuditEntry is a lifecycle record.
type AuditEntry struct {
	ID         string                 `json:"id"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Action     string                 `json:"action"`
	Details    map[string]interface{} `json:"details,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}
