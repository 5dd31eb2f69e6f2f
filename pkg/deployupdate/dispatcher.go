package deployupdate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/deployupdate/pkg/engine"
	"github.com/openfroyo/deployupdate/pkg/telemetry"
)

// ManagementTaskQueue is the queue workflow tasks are routed to.
const ManagementTaskQueue = "depup.management"

// ContextParameter is the envelope entry carrying dispatch metadata.
const ContextParameter = "__context"

// DispatchRequest asks for one workflow execution.
type DispatchRequest struct {
	DeploymentID string
	WorkflowID   string
	Parameters   map[string]interface{}

	// AllowCustomParameters admits parameters the workflow does not declare.
	AllowCustomParameters bool

	// ExecutionID is used when set; otherwise a new id is generated.
	ExecutionID string
}

// Dispatcher resolves a workflow on a deployment, persists an execution
// record and hands the request to the execution channel. It never waits for
// the workflow itself.
type Dispatcher struct {
	store   engine.Storage
	queue   engine.ExecutionQueue
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	now     func() time.Time
}

// NewDispatcher creates a Dispatcher. Telemetry may be nil.
func NewDispatcher(store engine.Storage, queue engine.ExecutionQueue, tel *telemetry.Telemetry) *Dispatcher {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Dispatcher{
		store:   store,
		queue:   queue,
		logger:  tel.Logger.WithComponent("dispatcher"),
		metrics: tel.Metrics,
		events:  tel.Events,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch starts req.WorkflowID on req.DeploymentID and returns the
// persisted execution.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*engine.Execution, error) {
	deployment, err := d.store.GetDeployment(ctx, req.DeploymentID)
	if err != nil {
		return nil, err
	}

	wf, ok := deployment.Workflows[req.WorkflowID]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("workflow %s does not exist in deployment %s", req.WorkflowID, req.DeploymentID), nil).
			WithCode(engine.ErrCodeNonexistentWorkflow).
			WithResource(req.WorkflowID)
	}

	params, err := MergeParameters(wf.Parameters, req.Parameters, req.AllowCustomParameters)
	if err != nil {
		return nil, err
	}

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.New().String()
	}

	execution := &engine.Execution{
		ID:           executionID,
		WorkflowID:   req.WorkflowID,
		BlueprintID:  deployment.BlueprintID,
		DeploymentID: deployment.ID,
		Status:       engine.ExecutionStatusPending,
		Parameters:   persistable(params),
		CreatedAt:    d.now(),
	}
	if err := d.store.CreateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	envelope := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		envelope[k] = v
	}
	envelope[ContextParameter] = dispatchContext(deployment, req.WorkflowID, wf, executionID)

	logger := d.logger.WithDeploymentID(deployment.ID).WithExecutionID(executionID)
	if err := d.queue.Enqueue(ctx, &engine.ExecutionRequest{
		ExecutionID:  executionID,
		WorkflowName: req.WorkflowID,
		DeploymentID: deployment.ID,
		BlueprintID:  deployment.BlueprintID,
		Parameters:   envelope,
	}); err != nil {
		d.metrics.RecordDispatch(req.WorkflowID, "failed")
		logger.WithError(err).Error("failed to enqueue execution")
		if _, serr := d.store.UpdateExecutionStatus(ctx, executionID, engine.ExecutionStatusFailed, err.Error()); serr != nil {
			logger.WithError(serr).Error("failed to mark execution failed")
		}
		return nil, engine.NewTransientError(
			fmt.Sprintf("failed to dispatch workflow %s", req.WorkflowID), err).
			WithCode(engine.ErrCodeDispatchFailed).
			WithResource(executionID)
	}

	d.metrics.RecordDispatch(req.WorkflowID, "queued")
	_ = d.events.PublishExecution(telemetry.EventTypeExecutionQueued, deployment.ID, executionID, req.WorkflowID, string(engine.ExecutionStatusPending))
	logger.WithField("workflow_id", req.WorkflowID).Info("execution queued")
	return execution, nil
}

// MergeParameters combines declared workflow parameters with the provided
// values. Declared parameters without a default are mandatory; provided
// parameters the workflow does not declare are rejected unless allowCustom.
func MergeParameters(declared map[string]engine.WorkflowParameter, provided map[string]interface{}, allowCustom bool) (map[string]interface{}, error) {
	merged := make(map[string]interface{}, len(declared)+len(provided))

	var missing []string
	for name, p := range declared {
		if v, ok := provided[name]; ok {
			merged[name] = v
			continue
		}
		if p.Default == nil {
			missing = append(missing, name)
			continue
		}
		merged[name] = p.Default
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, engine.NewPermanentError(
			fmt.Sprintf("workflow parameters missing: %s", strings.Join(missing, ", ")), nil).
			WithCode(engine.ErrCodeMissingParameter).
			WithDetail("parameters", missing)
	}

	var unknown []string
	for name, v := range provided {
		if _, ok := declared[name]; ok {
			continue
		}
		if !allowCustom {
			unknown = append(unknown, name)
			continue
		}
		merged[name] = v
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, engine.NewPermanentError(
			fmt.Sprintf("workflow parameters not declared: %s", strings.Join(unknown, ", ")), nil).
			WithCode(engine.ErrCodeUnknownParameter).
			WithDetail("parameters", unknown)
	}
	return merged, nil
}

func dispatchContext(d *engine.Deployment, workflowID string, wf engine.Workflow, executionID string) map[string]interface{} {
	c := map[string]interface{}{
		"task_name":     wf.Operation,
		"task_queue":    ManagementTaskQueue,
		"execution_id":  executionID,
		"deployment_id": d.ID,
		"blueprint_id":  d.BlueprintID,
		"workflow_id":   workflowID,
	}
	if wf.Plugin != "" {
		plugin := map[string]interface{}{"name": wf.Plugin}
		for _, p := range d.WorkflowPlugins {
			if p.Name == wf.Plugin {
				plugin["package_name"] = p.PackageName
				plugin["package_version"] = p.PackageVersion
				break
			}
		}
		c["plugin"] = plugin
	}
	return c
}

// persistable drops internal "__" entries.
func persistable(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if strings.HasPrefix(k, "__") {
			continue
		}
		out[k] = v
	}
	return out
}
