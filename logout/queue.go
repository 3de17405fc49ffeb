package logout

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned by MemoryQueue.Enqueue when the buffer is full.
var ErrQueueFull = errors.New("logout queue is full")

// ErrQueueClosed is returned after Close.
var ErrQueueClosed = errors.New("logout queue is closed")

// Job is one back-channel logout delivery.
type Job struct {
	ClientID  string `json:"client_id"`
	LogoutURI string `json:"logout_uri"`
	Token     string `json:"logout_token"`
}

// Handler processes a job. A returned error means the delivery failed for
// good; retries happen inside the handler.
type Handler func(ctx context.Context, job Job) error

// Queue is an at-least-once delivery queue.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Consume runs handler for every job until ctx is cancelled.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// DefaultMemoryQueueSize is the buffer of an in-process queue.
const DefaultMemoryQueueSize = 1024

// MemoryQueue is an in-process Queue served by a fixed set of workers.
// Jobs are lost when the process exits.
type MemoryQueue struct {
	jobs    chan Job
	workers int

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewMemoryQueue creates a queue with the given buffer and worker count.
func NewMemoryQueue(size, workers int) *MemoryQueue {
	if size <= 0 {
		size = DefaultMemoryQueueSize
	}
	if workers <= 0 {
		workers = 4
	}
	return &MemoryQueue{
		jobs:    make(chan Job, size),
		workers: workers,
		done:    make(chan struct{}),
	}
}

// Enqueue adds job without blocking.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Consume starts the workers and blocks until ctx is cancelled or the
// queue is closed.
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-q.done:
					return nil
				case job := <-q.jobs:
					_ = handler(ctx, job)
				}
			}
		})
	}
	return g.Wait()
}

// Len returns the number of waiting jobs.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

// Close stops the workers. Waiting jobs are dropped.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
