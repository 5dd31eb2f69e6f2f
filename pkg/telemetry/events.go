package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types.
const (
	EventTypeUpdateStaged     = "update.staged"
	EventTypeStepCreated      = "update.step_created"
	EventTypeUpdateCommitting = "update.committing"
	EventTypeUpdateCommitted  = "update.committed"
	EventTypeCommitFailed     = "update.commit_failed"
	EventTypeExecutionQueued  = "execution.queued"
	EventTypeExecutionEnded   = "execution.ended"
	EventTypePolicyViolation  = "policy.violation"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var (
	errPublisherClosed = errors.New("event publisher stopped")
	errBufferFull      = errors.New("event buffer full, event dropped")
)

// Event is a deployment update lifecycle event.
type Event struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	Type         string                 `json:"type"`
	Source       string                 `json:"source"`
	DeploymentID string                 `json:"deployment_id,omitempty"`
	UpdateID     string                 `json:"update_id,omitempty"`
	ExecutionID  string                 `json:"execution_id,omitempty"`
	Message      string                 `json:"message"`
	Level        string                 `json:"level"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

type (
	EventSubscriber func(event Event)
	EventFilter     func(event Event) bool
)

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

func (s subscription) wants(e Event) bool { return s.filter == nil || s.filter(e) }

// EventPublisher fans events out to subscribers, either on the publishing
// goroutine or from a buffered background loop. A disabled publisher
// accepts and drops everything.
type EventPublisher struct {
	config EventsConfig

	subMu sync.RWMutex
	subs  []subscription

	// stateMu guards closed and sends on queue.
	stateMu sync.RWMutex
	closed  bool
	queue   chan Event
	done    chan struct{}
}

// NewEventPublisher starts the delivery loop when cfg.EnableAsync is set.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}
	if cfg.EnableAsync {
		ep.queue = make(chan Event, cfg.BufferSize)
		ep.done = make(chan struct{})
		go ep.loop()
	}
	return ep, nil
}

func (ep *EventPublisher) active() bool { return ep != nil && ep.config.Enabled }

// Publish fills in the id, timestamp and level of event and delivers it.
// An async publisher never blocks: a full buffer drops the event.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.active() {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}

	ep.stateMu.RLock()
	defer ep.stateMu.RUnlock()
	if ep.closed {
		return errPublisherClosed
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return errBufferFull
	}
}

// PublishUpdate publishes an update lifecycle event. Failed commits are
// errors and policy violations warnings.
func (ep *EventPublisher) PublishUpdate(eventType, deploymentID, updateID, message string, data map[string]interface{}) error {
	level := EventLevelInfo
	if eventType == EventTypeCommitFailed {
		level = EventLevelError
	} else if eventType == EventTypePolicyViolation {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:         eventType,
		Source:       "deployupdate",
		DeploymentID: deploymentID,
		UpdateID:     updateID,
		Message:      message,
		Level:        level,
		Data:         data,
	})
}

// PublishExecution publishes an execution status event.
func (ep *EventPublisher) PublishExecution(eventType, deploymentID, executionID, workflowID, status string) error {
	return ep.Publish(Event{
		Type:         eventType,
		Source:       "workflows",
		DeploymentID: deploymentID,
		ExecutionID:  executionID,
		Message:      fmt.Sprintf("execution %s of %s is %s", executionID, workflowID, status),
		Data:         map[string]interface{}{"workflow_id": workflowID, "status": status},
	})
}

// Subscribe registers fn. A nil filter receives everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.subMu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.subMu.Unlock()
}

func (ep *EventPublisher) loop() {
	defer close(ep.done)
	for event := range ep.queue {
		ep.deliver(event)
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.subMu.RLock()
	defer ep.subMu.RUnlock()
	for _, s := range ep.subs {
		if s.wants(event) {
			s.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits until the buffered ones are
// delivered or ctx ends. Calling it again is a no-op.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.active() || ep.queue == nil {
		return nil
	}

	ep.stateMu.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.queue)
	}
	ep.stateMu.Unlock()

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType allows only events of the given types.
func FilterByType(types ...string) EventFilter {
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := allowed[e.Type]
		return ok
	}
}

// FilterByUpdateID allows only events of one update.
func FilterByUpdateID(updateID string) EventFilter {
	return func(e Event) bool { return e.UpdateID == updateID }
}
