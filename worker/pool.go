// Package worker provides the background context that collection cycles run on.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull is returned by Submit when the task queue is exhausted.
	ErrQueueFull = errors.New("worker queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("worker pool closed")
)

// Pool runs submitted tasks on a fixed set of goroutines fed by a bounded queue.
type Pool struct {
	workers int
	queue   chan func()

	mu      sync.Mutex
	started bool
	closed  bool
	group   *errgroup.Group
}

// New creates a Pool with the given number of workers and queue capacity.
func New(workers, queueSize int) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("workers must be > 0, got %d", workers)
	}
	if queueSize <= 0 {
		return nil, fmt.Errorf("queue size must be > 0, got %d", queueSize)
	}
	return &Pool{
		workers: workers,
		queue:   make(chan func(), queueSize),
	}, nil
}

// Start launches the workers. Tasks submitted before Start wait in the queue.
// Cancelling ctx stops workers from picking up new tasks; a running task always
// finishes.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	p.started = true

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case task, ok := <-p.queue:
					if !ok {
						return nil
					}
					task()
				}
			}
		})
	}
	p.group = g
	return nil
}

// Submit queues task without blocking.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting tasks, lets the workers drain the queue and waits for
// them to exit.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	g := p.group
	p.mu.Unlock()

	if g == nil {
		return nil
	}
	return g.Wait()
}
