// Package queue hands admitted jobs from ingress and the retry scheduler to
// the worker pool.
package queue

import (
	"context"
	"sync"

	"github.com/okian/meterline/internal/domain/model"
	"github.com/okian/meterline/pkg/metrics"
)

const defaultQueueCapacity = 10000

// Job is the payload flowing through the queue.
type Job = model.Job

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds a job without blocking. It fails with ErrFull, ErrClosed
	// or the context error.
	Enqueue(ctx context.Context, j Job) error

	// Dequeue returns a channel that receives jobs as they become available.
	// The channel is closed when the queue is closed and drained.
	Dequeue(ctx context.Context) <-chan Job

	Len(ctx context.Context) int
	Close() error
	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	jobs     chan Job
	capacity int

	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a bounded queue.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{capacity: defaultQueueCapacity}
	for _, opt := range opts {
		opt(q)
	}
	q.jobs = make(chan Job, q.capacity)

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)
	return q
}

// Enqueue never blocks.
func (q *InMemoryQueue) Enqueue(ctx context.Context, j Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var reason string
	err := ctx.Err()
	switch {
	case q.closed:
		err, reason = ErrClosed, "closed"
	case err != nil:
		reason = "context_cancelled"
	default:
		select {
		case q.jobs <- j:
			metrics.RecordQueueEnqueue()
			metrics.UpdateQueueSize(len(q.jobs))
			return nil
		default:
			err, reason = ErrFull, "queue_full"
		}
	}
	metrics.RecordQueueEnqueueError()
	metrics.RecordErrorByComponent("queue", reason)
	return err
}

// Dequeue returns a channel fed from the buffer until ctx ends or the queue
// is closed.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan Job {
	out := make(chan Job)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case j, ok := <-q.jobs:
				if !ok {
					return
				}
				select {
				case out <- j:
					metrics.RecordQueueDequeue()
					metrics.UpdateQueueSize(len(q.jobs))
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (q *InMemoryQueue) Len(_ context.Context) int {
	size := len(q.jobs)
	metrics.UpdateQueueSize(size)
	return size
}

// Close stops accepting jobs. Buffered jobs are still delivered.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	close(q.jobs)
	q.closed = true
	return nil
}

func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
