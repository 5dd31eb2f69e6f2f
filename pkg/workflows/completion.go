package workflows

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/openfroyo/deployupdate/pkg/engine"
	"github.com/openfroyo/deployupdate/pkg/telemetry"
)

// Finalizer completes a committed deployment update.
type Finalizer interface {
	Finalize(ctx context.Context, updateID string) (*engine.DeploymentUpdate, error)
}

// CompletionSource delivers completions reported by runners.
type CompletionSource interface {
	NextCompletion(ctx context.Context) (*engine.Completion, error)
}

// CompletionHandler records execution status changes and finalizes the
// deployment update an update workflow was dispatched for.
type CompletionHandler struct {
	store     engine.Storage
	finalizer Finalizer
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	events    *telemetry.EventPublisher
}

// NewCompletionHandler creates a CompletionHandler. Telemetry may be nil.
func NewCompletionHandler(store engine.Storage, finalizer Finalizer, tel *telemetry.Telemetry) *CompletionHandler {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &CompletionHandler{
		store:     store,
		finalizer: finalizer,
		logger:    tel.Logger.WithComponent("completion_handler"),
		metrics:   tel.Metrics,
		events:    tel.Events,
	}
}

// Handle applies one completion. Only a successfully terminated update
// execution finalizes its update; failed or cancelled ones leave it
// committing. Redelivering the end state an execution already has records
// nothing new but runs the finalize again, so a finalize that failed can be
// retried.
func (h *CompletionHandler) Handle(ctx context.Context, c engine.Completion) error {
	if err := c.Status.Validate(); err != nil {
		return engine.NewPermanentError("invalid completion", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(c.ExecutionID)
	}

	execution, redelivered, err := h.record(ctx, c)
	if err != nil {
		return err
	}

	logger := h.logger.WithDeploymentID(execution.DeploymentID).
		WithExecutionID(execution.ID).
		WithField("workflow_id", execution.WorkflowID).
		WithField("status", string(execution.Status))
	if !execution.Status.IsTerminal() {
		logger.Debug("execution status changed")
		return nil
	}

	if redelivered {
		logger.Info("execution end redelivered")
	} else {
		h.metrics.RecordExecutionEnded(execution.WorkflowID, string(execution.Status))
		_ = h.events.PublishExecution(telemetry.EventTypeExecutionEnded, execution.DeploymentID,
			execution.ID, execution.WorkflowID, string(execution.Status))
		logger.Info("execution ended")
	}

	if execution.WorkflowID != engine.WorkflowUpdate {
		return nil
	}

	updateID, _ := execution.Parameters[engine.UpdateIDParameter].(string)
	if updateID == "" {
		return engine.NewPermanentError(
			fmt.Sprintf("update execution %s carries no %s", execution.ID, engine.UpdateIDParameter), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(execution.ID)
	}
	logger = logger.WithUpdateID(updateID)

	if execution.Status != engine.ExecutionStatusTerminated {
		logger.WithField("error", execution.Error).Warn("update workflow did not succeed, update stays committing")
		return nil
	}

	if _, err := h.finalizer.Finalize(ctx, updateID); err != nil {
		logger.WithError(err).Error("failed to finalize deployment update")
		return fmt.Errorf("failed to finalize deployment update %s: %w", updateID, err)
	}
	return nil
}

// record stores the completion's status. An execution already in that end
// state is returned unchanged with redelivered set.
func (h *CompletionHandler) record(ctx context.Context, c engine.Completion) (*engine.Execution, bool, error) {
	if c.Status.IsTerminal() {
		current, err := h.store.GetExecution(ctx, c.ExecutionID)
		if err != nil {
			return nil, false, err
		}
		if current.Status == c.Status {
			return current, true, nil
		}
	}
	execution, err := h.store.UpdateExecutionStatus(ctx, c.ExecutionID, c.Status, c.Error)
	return execution, false, err
}

// Consume handles completions from src until it is exhausted or ctx ends.
// Handler errors are logged and do not stop the loop.
func (h *CompletionHandler) Consume(ctx context.Context, src CompletionSource) error {
	for {
		c, err := src.NextCompletion(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, ErrQueueClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("failed to receive completion: %w", err)
		}

		if err := h.Handle(ctx, *c); err != nil {
			h.logger.WithExecutionID(c.ExecutionID).WithError(err).Error("failed to handle completion")
		}
	}
}
