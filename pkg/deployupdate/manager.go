package deployupdate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/openfroyo/deployupdate/pkg/engine"
	"github.com/openfroyo/deployupdate/pkg/telemetry"
)

// auditEntityType is the audit_log entity type of update records.
const auditEntityType = "deployment_update"

// Manager runs the deployment update lifecycle: stage, declare steps,
// commit, and finalize once the update workflow completed.
type Manager struct {
	store      engine.Storage
	differ     engine.Differ
	updater    *NodeUpdater
	applier    *InstanceApplier
	dispatcher *Dispatcher
	policy     engine.StepPolicy
	validate   *validator.Validate

	tel    *telemetry.Telemetry
	logger *telemetry.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithTelemetry sets the logger, tracer, metrics and event publisher.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(m *Manager) {
		if tel != nil {
			m.tel = tel
		}
	}
}

// WithPolicy sets the step admission policy.
func WithPolicy(p engine.StepPolicy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator overrides the generator of the random id parts.
func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) {
		m.newID = newID
	}
}

// NewManager creates a Manager over store, differ and the execution channel.
func NewManager(store engine.Storage, differ engine.Differ, queue engine.ExecutionQueue, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		differ:   differ,
		updater:  NewNodeUpdater(store),
		applier:  NewInstanceApplier(store),
		validate: validator.New(),
		tel:      telemetry.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.tel.Logger.WithComponent("deployupdate")
	m.dispatcher = NewDispatcher(store, queue, m.tel)
	m.dispatcher.now = m.now
	return m
}

// Stage creates a staged update of deploymentID carrying plan. A deployment
// has at most one update that is not committed.
func (m *Manager) Stage(ctx context.Context, deploymentID string, plan *engine.Plan) (u *engine.DeploymentUpdate, err error) {
	ctx, span := m.tel.Tracer.StartUpdateSpan(ctx, "stage", deploymentID, "")
	defer func() { telemetry.EndSpan(span, err) }()

	if plan == nil {
		return nil, engine.NewPermanentError("staged plan is required", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(deploymentID)
	}
	if _, err := m.store.GetDeployment(ctx, deploymentID); err != nil {
		return nil, err
	}

	active, err := m.store.ListDeploymentUpdates(ctx,
		engine.UpdateFilter{DeploymentID: deploymentID},
		engine.Pagination{Size: 1000},
		engine.Sort{Field: "created_at", Descending: true},
	)
	if err != nil {
		return nil, err
	}
	for _, existing := range active.Items {
		if existing.State.IsActive() {
			return nil, engine.NewConflictError(
				fmt.Sprintf("deployment %s already has an active update %s", deploymentID, existing.ID), nil).
				WithCode(engine.ErrCodeConflict).
				WithResource(deploymentID).
				WithDetail("active_update_id", existing.ID)
		}
	}

	u = &engine.DeploymentUpdate{
		ID:           deploymentID + "-" + m.newID(),
		DeploymentID: deploymentID,
		Plan:         plan,
		State:        engine.UpdateStateStaged,
		Steps:        []engine.Step{},
		CreatedAt:    m.now(),
	}
	if err := m.store.CreateDeploymentUpdate(ctx, u); err != nil {
		m.recordError(err)
		return nil, err
	}

	m.tel.Metrics.RecordStaged()
	m.audit(ctx, u.ID, "staged", map[string]interface{}{
		"deployment_id": deploymentID,
		"nodes":         len(plan.Nodes),
	})
	_ = m.tel.Events.PublishUpdate(telemetry.EventTypeUpdateStaged, deploymentID, u.ID, "update staged", nil)
	m.logger.WithDeploymentID(deploymentID).WithUpdateID(u.ID).Info("deployment update staged")
	return u, nil
}

// CreateStep validates req against the staged plan and appends it to the
// update. A rejected step persists nothing.
func (m *Manager) CreateStep(ctx context.Context, updateID string, req engine.StepRequest) (step *engine.Step, err error) {
	u, err := m.store.GetDeploymentUpdate(ctx, updateID)
	if err != nil {
		return nil, err
	}
	ctx, span := m.tel.Tracer.StartUpdateSpan(ctx, "create_step", u.DeploymentID, u.ID)
	span.SetAttributes(
		telemetry.AttrEntityType.String(string(req.EntityType)),
		telemetry.AttrEntityID.String(req.EntityID),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if err := m.validate.Struct(req); err != nil {
		return nil, engine.NewPermanentError("invalid step", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(updateID)
	}
	if u.State != engine.UpdateStateStaged {
		return nil, invalidState(u, "add steps to")
	}
	if err := m.validateStep(ctx, u, req); err != nil {
		m.recordError(err)
		return nil, err
	}
	if err := m.admit(ctx, u, req); err != nil {
		return nil, err
	}

	step = &engine.Step{
		ID:         m.newID(),
		Operation:  req.Operation,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		CreatedAt:  m.now(),
	}
	if err := m.store.AppendStep(ctx, u.ID, step); err != nil {
		return nil, err
	}

	m.tel.Metrics.RecordStep(string(req.Operation), string(req.EntityType))
	_ = m.tel.Events.PublishUpdate(telemetry.EventTypeStepCreated, u.DeploymentID, u.ID,
		fmt.Sprintf("%s %s %s", req.Operation, req.EntityType, req.EntityID), nil)
	m.logger.WithUpdateID(u.ID).WithFields(map[string]interface{}{
		"action":      req.Operation,
		"entity_type": req.EntityType,
		"entity_id":   req.EntityID,
		"index":       step.Index,
	}).Debug("step appended")
	return step, nil
}

// validateStep checks the entity against the staged plan. A node removal
// may also name a node the plan dropped, as long as the deployment has it.
func (m *Manager) validateStep(ctx context.Context, u *engine.DeploymentUpdate, req engine.StepRequest) error {
	err := ValidateStep(u.Plan, req.EntityType, req.EntityID)
	if err == nil || req.EntityType != engine.EntityTypeNode || req.Operation != engine.StepOperationRemove {
		return err
	}
	if !engine.HasCode(err, engine.ErrCodeUnknownEntity) || strings.Contains(req.EntityID, ".") {
		return err
	}
	if _, gerr := m.store.GetNode(ctx, u.DeploymentID, req.EntityID); gerr != nil {
		return err
	}
	return nil
}

// admit runs the step admission policy, if any.
func (m *Manager) admit(ctx context.Context, u *engine.DeploymentUpdate, req engine.StepRequest) error {
	if m.policy == nil {
		return nil
	}
	review := m.stepReview(ctx, u, req)
	decision, err := m.policy.ReviewStep(ctx, review)
	if err != nil {
		return fmt.Errorf("failed to evaluate step policies: %w", err)
	}
	if decision.Allowed {
		return nil
	}

	m.tel.Metrics.RecordError(string(engine.ErrorClassPermanent), engine.ErrCodePolicyViolation)
	_ = m.tel.Events.PublishUpdate(telemetry.EventTypePolicyViolation, u.DeploymentID, u.ID,
		strings.Join(decision.Violations, "; "), map[string]interface{}{"entity_id": req.EntityID})
	m.logger.WithUpdateID(u.ID).WithField("violations", decision.Violations).Warn("step rejected by policy")

	return engine.NewPermanentError(
		fmt.Sprintf("step %s %s %s rejected: %s", req.Operation, req.EntityType, req.EntityID,
			strings.Join(decision.Violations, "; ")), nil).
		WithCode(engine.ErrCodePolicyViolation).
		WithResource(req.EntityID).
		WithDetail("violations", decision.Violations)
}

// stepReview gathers what a policy needs to judge a step. For relationship
// removals the edge comes from the persisted source node, since the staged
// plan usually no longer declares it.
func (m *Manager) stepReview(ctx context.Context, u *engine.DeploymentUpdate, req engine.StepRequest) *engine.StepReview {
	review := &engine.StepReview{DeploymentID: u.DeploymentID, UpdateID: u.ID, Step: req}

	switch req.EntityType {
	case engine.EntityTypeNode:
		nodeID := strings.SplitN(req.EntityID, ".", 2)[0]
		if def, ok := u.Plan.Node(nodeID); ok {
			review.SourceNode = def
		}
	case engine.EntityTypeRelationship:
		source, target, _ := engine.SplitRelationshipEntityID(req.EntityID)
		if def, ok := u.Plan.Node(source); ok {
			review.SourceNode = def
			if rels := def.RelationshipTo(target); len(rels) > 0 && req.Operation == engine.StepOperationAdd {
				review.Relationship = &rels[0]
			}
		}
		if def, ok := u.Plan.Node(target); ok {
			review.TargetNode = def
		}
		if req.Operation == engine.StepOperationRemove {
			if n, err := m.store.GetNode(ctx, u.DeploymentID, source); err == nil {
				for i := range n.Relationships {
					if n.Relationships[i].TargetID == target {
						review.Relationship = &n.Relationships[i]
						break
					}
				}
			}
		}
	}
	return review
}

// Commit applies the update's steps to node definitions, classifies the
// instance-level delta, creates and extends instances, records the
// destructive remainder for Finalize and dispatches the update workflow. It
// returns without waiting for the workflow; the update stays committing.
func (m *Manager) Commit(ctx context.Context, updateID string) (u *engine.DeploymentUpdate, err error) {
	timer := telemetry.NewTimer()
	u, err = m.store.GetDeploymentUpdate(ctx, updateID)
	if err != nil {
		return nil, err
	}
	update := u
	logger := m.logger.WithDeploymentID(u.DeploymentID).WithUpdateID(u.ID)
	ctx, span := m.tel.Tracer.StartUpdateSpan(ctx, "commit", u.DeploymentID, u.ID)
	logger = logger.WithTraceID(ctx)
	defer func() {
		telemetry.EndSpan(span, err)
		if err != nil {
			m.commitFailed(update, logger, err)
			m.tel.Metrics.RecordCommit("failed", timer.Duration())
			return
		}
		m.tel.Metrics.RecordCommit("dispatched", timer.Duration())
	}()

	if u.State != engine.UpdateStateStaged {
		return nil, invalidState(u, "commit")
	}
	deployment, err := m.store.GetDeployment(ctx, u.DeploymentID)
	if err != nil {
		return nil, err
	}

	// Only one of two racing commits moves the update out of staged.
	u.State = engine.UpdateStateCommitting
	if err := m.store.SaveDeploymentUpdate(ctx, u, engine.UpdateStateStaged); err != nil {
		return nil, err
	}
	m.audit(ctx, u.ID, "committing", map[string]interface{}{"steps": len(u.Steps)})
	_ = m.tel.Events.PublishUpdate(telemetry.EventTypeUpdateCommitting, u.DeploymentID, u.ID, "commit started", nil)
	logger.Info("deployment update committing")

	changes, err := m.updater.Apply(ctx, u, deployment.BlueprintID)
	if err != nil {
		return nil, err
	}

	previous, err := m.store.ListNodeInstances(ctx, u.DeploymentID, "")
	if err != nil {
		return nil, err
	}
	classification, err := m.differ.Diff(changes.NewNodes, previous, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to classify node instances: %w", err)
	}

	if err := m.updater.PersistDeferred(ctx, changes); err != nil {
		return nil, err
	}

	applied := make(map[engine.Category]engine.AppliedDelta, len(engine.Categories))
	for _, c := range engine.Categories {
		delta, ok := classification[c]
		if !ok {
			continue
		}
		result, err := m.applier.Apply(ctx, u, c, delta)
		if err != nil {
			return nil, err
		}
		applied[c] = result
		if c == engine.CategoryAdded || c == engine.CategoryExtended {
			m.tel.Metrics.RecordInstancesApplied(string(c), len(result.Affected))
		}
	}

	u.ModifiedEntityIDs = changes.ModifiedEntityIDs
	u.ModifiedNodes = changes.ModifiedNodes
	u.ModifiedNodeInstances = classification
	u.Pending = &engine.PendingChange{
		Reduced: classification[engine.CategoryReduced],
		Deleted: classification[engine.CategoryDeleted],
	}
	// The execution id is linked before dispatch so a completion that
	// arrives immediately finds the snapshot.
	u.ExecutionID = m.newID()
	if err := m.store.SaveDeploymentUpdate(ctx, u, engine.UpdateStateCommitting); err != nil {
		return nil, err
	}

	if _, err := m.dispatcher.Dispatch(ctx, DispatchRequest{
		DeploymentID: u.DeploymentID,
		WorkflowID:   engine.WorkflowUpdate,
		Parameters:   engine.UpdateWorkflowParameters(u.ID, applied),
		ExecutionID:  u.ExecutionID,
	}); err != nil {
		return nil, err
	}

	m.audit(ctx, u.ID, "dispatched", map[string]interface{}{
		"execution_id": u.ExecutionID,
		"categories":   categoryNames(classification),
	})
	logger.WithExecutionID(u.ExecutionID).Info("update workflow dispatched")
	return u, nil
}

// Finalize applies the destructive remainder of a commit: reduced
// relationship sets are trimmed, deleted instances are removed along with
// dangling edges to them, and nodes left without instances are deleted. The
// update becomes committed. Finalizing a committed update returns it as is.
//
// Finalize refuses an update whose update workflow execution failed or was
// cancelled, including one whose dispatch failed: the uninstall half of
// that workflow never ran. ForceFinalize applies the removals regardless.
func (m *Manager) Finalize(ctx context.Context, updateID string) (*engine.DeploymentUpdate, error) {
	return m.finalize(ctx, updateID, false)
}

// ForceFinalize finalizes a committing update whatever became of its
// update workflow execution.
func (m *Manager) ForceFinalize(ctx context.Context, updateID string) (*engine.DeploymentUpdate, error) {
	return m.finalize(ctx, updateID, true)
}

func (m *Manager) finalize(ctx context.Context, updateID string, force bool) (u *engine.DeploymentUpdate, err error) {
	u, err = m.store.GetDeploymentUpdate(ctx, updateID)
	if err != nil {
		return nil, err
	}
	logger := m.logger.WithDeploymentID(u.DeploymentID).WithUpdateID(u.ID)
	ctx, span := m.tel.Tracer.StartUpdateSpan(ctx, "finalize", u.DeploymentID, u.ID)
	defer func() {
		telemetry.EndSpan(span, err)
		if err != nil {
			m.recordError(err)
			m.tel.Metrics.RecordFinalize("failed")
			logger.WithError(err).Error("finalize failed")
		}
	}()

	switch u.State {
	case engine.UpdateStateCommitted:
		m.tel.Metrics.RecordFinalize("noop")
		logger.Debug("deployment update already committed")
		return u, nil
	case engine.UpdateStateStaged:
		return nil, invalidState(u, "finalize")
	}

	if !force {
		if err := m.checkUpdateExecution(ctx, u); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("finalizing regardless of the update workflow execution")
	}

	if u.Pending != nil && !u.Pending.Applied {
		if err := m.applyPending(ctx, u); err != nil {
			return nil, err
		}
		now := m.now()
		u.Pending.Applied = true
		u.Pending.AppliedAt = &now
	}

	u.State = engine.UpdateStateCommitted
	if err := m.store.SaveDeploymentUpdate(ctx, u, engine.UpdateStateCommitting); err != nil {
		// A concurrent finalize got there first.
		if engine.HasCode(err, engine.ErrCodeInvalidState) {
			if current, gerr := m.store.GetDeploymentUpdate(ctx, updateID); gerr == nil && current.State == engine.UpdateStateCommitted {
				m.tel.Metrics.RecordFinalize("noop")
				return current, nil
			}
		}
		return nil, err
	}

	m.tel.Metrics.RecordFinalize("committed")
	m.audit(ctx, u.ID, "committed", map[string]interface{}{"forced": force})
	_ = m.tel.Events.PublishUpdate(telemetry.EventTypeUpdateCommitted, u.DeploymentID, u.ID, "update committed", nil)
	logger.Info("deployment update committed")
	return u, nil
}

// checkUpdateExecution rejects finalizing an update whose workflow ended
// without success. Pending or running executions pass, so an operator can
// finalize after running the workflow out of band.
func (m *Manager) checkUpdateExecution(ctx context.Context, u *engine.DeploymentUpdate) error {
	if u.ExecutionID == "" {
		return nil
	}
	execution, err := m.store.GetExecution(ctx, u.ExecutionID)
	if engine.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if execution.Status != engine.ExecutionStatusFailed && execution.Status != engine.ExecutionStatusCancelled {
		return nil
	}
	return engine.NewPermanentError(
		fmt.Sprintf("update workflow execution %s of deployment update %s is %s; removals were never uninstalled",
			execution.ID, u.ID, execution.Status), nil).
		WithCode(engine.ErrCodeInvalidState).
		WithResource(u.ID).
		WithDetail("execution_id", execution.ID).
		WithDetail("execution_status", string(execution.Status))
}

func (m *Manager) applyPending(ctx context.Context, u *engine.DeploymentUpdate) error {
	for _, ci := range u.Pending.Reduced.Affected {
		if err := m.reduce(ctx, ci); err != nil {
			return err
		}
	}

	deleted := make(map[string]bool, len(u.Pending.Deleted.Affected))
	nodeIDs := make(map[string]bool)
	for _, ci := range u.Pending.Deleted.Affected {
		deleted[ci.ID] = true
		nodeIDs[ci.NodeID] = true
		if err := m.store.DeleteNodeInstance(ctx, ci.ID); err != nil && !engine.IsNotFound(err) {
			return fmt.Errorf("failed to delete node instance %s: %w", ci.ID, err)
		}
	}

	for _, ci := range u.Pending.Deleted.Related {
		if deleted[ci.ID] {
			continue
		}
		if err := m.rewriteRelationships(ctx, ci.ID, func(r engine.Relationship) bool {
			return !deleted[r.TargetID]
		}); err != nil {
			return err
		}
	}

	ids := make([]string, 0, len(nodeIDs))
	for id := range nodeIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, nodeID := range ids {
		remaining, err := m.store.ListNodeInstances(ctx, u.DeploymentID, nodeID)
		if err != nil {
			return err
		}
		if len(remaining) > 0 {
			continue
		}
		if err := m.store.DeleteNode(ctx, u.DeploymentID, nodeID); err != nil && !engine.IsNotFound(err) {
			return fmt.Errorf("failed to delete node %s: %w", nodeID, err)
		}
	}
	return nil
}

// reduce trims an instance's relationships to the set the differ computed.
func (m *Manager) reduce(ctx context.Context, ci engine.ClassifiedInstance) error {
	keep := make(map[[2]string]bool, len(ci.Relationships))
	for _, r := range ci.Relationships {
		keep[[2]string{r.TargetID, r.Type}] = true
	}
	return m.rewriteRelationships(ctx, ci.ID, func(r engine.Relationship) bool {
		return keep[[2]string{r.TargetID, r.Type}]
	})
}

// rewriteRelationships keeps the relationships of an instance that pass
// keep, writing against the version just read. Missing instances and
// unchanged sets are skipped.
func (m *Manager) rewriteRelationships(ctx context.Context, instanceID string, keep func(engine.Relationship) bool) error {
	current, err := m.store.GetNodeInstance(ctx, instanceID)
	if engine.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	rels := make([]engine.Relationship, 0, len(current.Relationships))
	for _, r := range current.Relationships {
		if keep(r) {
			rels = append(rels, r)
		}
	}
	if len(rels) == len(current.Relationships) {
		return nil
	}

	_, err = m.store.UpdateNodeInstance(ctx, engine.NodeInstanceUpdate{
		ID:            instanceID,
		Version:       current.Version,
		Relationships: rels,
	})
	if err != nil {
		return fmt.Errorf("failed to reduce node instance %s: %w", instanceID, err)
	}
	return nil
}

// Get returns an update with its steps.
func (m *Manager) Get(ctx context.Context, updateID string) (*engine.DeploymentUpdate, error) {
	return m.store.GetDeploymentUpdate(ctx, updateID)
}

// List returns a page of updates.
func (m *Manager) List(ctx context.Context, filter engine.UpdateFilter, page engine.Pagination, sort engine.Sort) (*engine.UpdateList, error) {
	if filter.State != "" {
		if err := filter.State.Validate(); err != nil {
			return nil, engine.NewPermanentError("invalid state filter", err).WithCode(engine.ErrCodeValidation)
		}
	}
	return m.store.ListDeploymentUpdates(ctx, filter, page, sort)
}

func (m *Manager) commitFailed(u *engine.DeploymentUpdate, logger *telemetry.Logger, err error) {
	m.recordError(err)
	if engine.IsConflict(err) {
		logger.WithError(err).Warn("commit lost a concurrent write")
	} else {
		logger.WithError(err).Error("commit failed")
	}
	_ = m.tel.Events.PublishUpdate(telemetry.EventTypeCommitFailed, u.DeploymentID, u.ID, err.Error(),
		map[string]interface{}{"state": string(u.State)})
}

func (m *Manager) recordError(err error) {
	var e *engine.EngineError
	if !errors.As(err, &e) {
		m.tel.Metrics.RecordError(string(engine.ErrorClassPermanent), engine.ErrCodeInternal)
		return
	}
	if _, ok := e.Details["current_version"]; ok {
		m.tel.Metrics.RecordVersionConflict()
	}
	m.tel.Metrics.RecordError(string(e.Class), e.Code)
}

// audit writes an audit row. Failures are logged, never returned.
func (m *Manager) audit(ctx context.Context, updateID, action string, details map[string]interface{}) {
	entry := &engine.AuditEntry{
		ID:         uuid.New().String(),
		EntityType: auditEntityType,
		EntityID:   updateID,
		Action:     action,
		Details:    details,
		CreatedAt:  m.now(),
	}
	if err := m.store.RecordAudit(ctx, entry); err != nil {
		m.logger.WithUpdateID(updateID).WithError(err).Warn("failed to record audit entry")
	}
}

func invalidState(u *engine.DeploymentUpdate, verb string) error {
	return engine.NewPermanentError(
		fmt.Sprintf("cannot %s deployment update %s in state %s", verb, u.ID, u.State), nil).
		WithCode(engine.ErrCodeInvalidState).
		WithResource(u.ID).
		WithDetail("state", string(u.State))
}

func categoryNames(c engine.Classification) []string {
	names := make([]string, 0, len(c))
	for _, cat := range engine.Categories {
		if _, ok := c[cat]; ok {
			names = append(names, string(cat))
		}
	}
	return names
}
