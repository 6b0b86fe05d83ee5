// Package loop provides the owner execution context: a single-consumer task
// queue with a low-priority idle lane.
package loop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when posting to a stopped loop.
var ErrStopped = errors.New("loop stopped")

// Loop runs posted tasks one at a time on the goroutine that calls Run.
//
// Normal tasks run in FIFO order. Idle tasks run in FIFO order too, but only
// when no normal task is pending. A running task is never preempted.
// Everything a task touches that nothing else touches needs no locking.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	idle    []func()
	stopped bool

	wake chan struct{} // capacity 1: one pending wake-up is enough
	done chan struct{}
}

// New creates a Loop. Tasks may be posted before Run is called.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn as normal work.
func (l *Loop) Post(fn func()) error {
	return l.enqueue(fn, false)
}

// PostIdle queues fn to run once the loop has no normal work left.
func (l *Loop) PostIdle(fn func()) error {
	return l.enqueue(fn, true)
}

func (l *Loop) enqueue(fn func(), idle bool) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	if idle {
		l.idle = append(l.idle, fn)
	} else {
		l.tasks = append(l.tasks, fn)
	}
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// next pops the next runnable task, preferring normal work.
func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tasks) > 0 {
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		return fn, true
	}
	if len(l.idle) > 0 {
		fn := l.idle[0]
		l.idle[0] = nil
		l.idle = l.idle[1:]
		return fn, true
	}
	return nil, false
}

// Run consumes tasks until ctx is cancelled or Stop is called.
// Only one goroutine may call Run.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if fn, ok := l.next(); ok {
			fn()
			continue
		}

		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.wake:
		}
	}
}

// Call posts fn as normal work and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// Quiesce waits until every task and idle task posted before it returns has
// run, including idle work that those tasks posted themselves.
func (l *Loop) Quiesce(ctx context.Context) error {
	finished := make(chan struct{})
	// The normal task runs after all earlier normal work, so any idle work
	// it queued is already ahead of the marker.
	if err := l.Post(func() {
		_ = l.PostIdle(func() { close(finished) })
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// Pending returns the number of queued normal and idle tasks.
func (l *Loop) Pending() (tasks, idle int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks), len(l.idle)
}

// Stop makes Run return and rejects further posts. Queued tasks are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}
	l.stopped = true
	l.tasks = nil
	l.idle = nil
	close(l.done)
}
