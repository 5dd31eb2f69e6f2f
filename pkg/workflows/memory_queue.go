package workflows

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

// ErrQueueClosed is returned by a source that will deliver nothing more.
var ErrQueueClosed = errors.New("execution queue closed")

// DefaultQueueSize is the buffer of a MemoryQueue created with size <= 0.
const DefaultQueueSize = 256

// RequestSource delivers execution requests to a runner. Next blocks until a
// request arrives, the context ends or the source is closed.
type RequestSource interface {
	Next(ctx context.Context) (*engine.ExecutionRequest, error)
}

// MemoryQueue is an in-process execution channel backed by a buffered Go
// channel. Enqueue never blocks: a full queue is a throttled error.
type MemoryQueue struct {
	mu     sync.RWMutex
	ch     chan *engine.ExecutionRequest
	closed bool
}

var (
	_ engine.ExecutionQueue = (*MemoryQueue)(nil)
	_ RequestSource         = (*MemoryQueue)(nil)
)

// NewMemoryQueue creates a MemoryQueue holding up to size pending requests.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &MemoryQueue{ch: make(chan *engine.ExecutionRequest, size)}
}

// Enqueue hands req to the queue without waiting for a runner.
func (q *MemoryQueue) Enqueue(ctx context.Context, req *engine.ExecutionRequest) error {
	if req == nil {
		return engine.NewPermanentError("execution request is nil", nil).WithCode(engine.ErrCodeValidation)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return engine.NewPermanentError("failed to enqueue execution", ErrQueueClosed).
			WithResource(req.ExecutionID)
	}

	select {
	case q.ch <- req:
		return nil
	default:
		return engine.NewThrottledError(
			fmt.Sprintf("execution queue full (%d pending)", cap(q.ch)), nil).
			WithResource(req.ExecutionID)
	}
}

// Next returns the oldest pending request. Requests enqueued before Close
// are still delivered; after that Next returns ErrQueueClosed.
func (q *MemoryQueue) Next(ctx context.Context) (*engine.ExecutionRequest, error) {
	select {
	case req, ok := <-q.ch:
		if !ok {
			return nil, ErrQueueClosed
		}
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of pending requests.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close stops accepting requests. It is safe to call more than once.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
