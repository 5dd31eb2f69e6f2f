package workflows

import (
	"context"
	"errors"
	"sync"

	"github.com/openfroyo/deployupdate/pkg/engine"
	"github.com/openfroyo/deployupdate/pkg/telemetry"
)

// WorkflowFunc runs one workflow execution. A nil return terminates the
// execution successfully.
type WorkflowFunc func(ctx context.Context, req *engine.ExecutionRequest) error

// LocalRunner executes requests in-process and reports completions to a
// CompletionHandler. Workflows without a registered WorkflowFunc succeed
// immediately, which makes it a loopback for single-node setups and tests.
type LocalRunner struct {
	source    RequestSource
	handler   *CompletionHandler
	workflows map[string]WorkflowFunc
	workers   int
	logger    *telemetry.Logger
}

// RunnerOption configures a LocalRunner.
type RunnerOption func(*LocalRunner)

// WithWorkflow registers fn for the named workflow.
func WithWorkflow(name string, fn WorkflowFunc) RunnerOption {
	return func(r *LocalRunner) { r.workflows[name] = fn }
}

// WithWorkers sets the number of concurrent executions.
func WithWorkers(n int) RunnerOption {
	return func(r *LocalRunner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// NewLocalRunner creates a LocalRunner. Telemetry may be nil.
func NewLocalRunner(source RequestSource, handler *CompletionHandler, tel *telemetry.Telemetry, opts ...RunnerOption) *LocalRunner {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	r := &LocalRunner{
		source:    source,
		handler:   handler,
		workflows: make(map[string]WorkflowFunc),
		workers:   1,
		logger:    tel.Logger.WithComponent("local_runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes requests until the source is closed or ctx ends.
func (r *LocalRunner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, r.workers)

	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				req, err := r.source.Next(ctx)
				if err != nil {
					if !errors.Is(err, ErrQueueClosed) && ctx.Err() == nil {
						errChan <- err
					}
					return
				}
				r.execute(ctx, req)
			}
		}()
	}

	wg.Wait()
	close(errChan)

	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *LocalRunner) execute(ctx context.Context, req *engine.ExecutionRequest) {
	logger := r.logger.WithDeploymentID(req.DeploymentID).
		WithExecutionID(req.ExecutionID).
		WithField("workflow_id", req.WorkflowName)

	if err := r.handler.Handle(ctx, engine.Completion{
		ExecutionID: req.ExecutionID,
		Status:      engine.ExecutionStatusStarted,
	}); err != nil {
		logger.WithError(err).Error("failed to start execution")
		return
	}

	completion := engine.Completion{ExecutionID: req.ExecutionID, Status: engine.ExecutionStatusTerminated}
	if fn, ok := r.workflows[req.WorkflowName]; ok {
		if err := fn(ctx, req); err != nil {
			logger.WithError(err).Warn("workflow failed")
			completion.Status = engine.ExecutionStatusFailed
			completion.Error = err.Error()
		}
	}

	if err := r.handler.Handle(ctx, completion); err != nil {
		logger.WithError(err).Error("failed to complete execution")
	}
}
