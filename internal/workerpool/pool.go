// Package workerpool implements the bounded concurrent executor for range
// fetch tasks. It lifts github.com/cognusion/go-rangetripper's per-RoundTrip
// worker gate (the semaphore-gated goroutines in rt.go's RoundTrip) into a
// long-lived, shared pool: one process-wide pool serves every Transfer,
// with no per-transfer partitioning, and Supervisor apportions fairness
// upstream by tuning each transfer's max_connections rather than the pool
// reserving slots per caller.
package workerpool

import (
	"context"
	"sync"

	"github.com/cognusion/semaphore"
	"go.uber.org/atomic"
)

// Task is an immutable unit of work submitted to the pool. A task still
// queued when the pool is closed is never invoked; once Fn has been
// invoked, its context is not cancelled by Close and it runs to completion.
type Task struct {
	// ID correlates this task with its Result for logging.
	ID string
	Fn func(ctx context.Context) (any, error)
}

// Result is what a worker posts back after running a Task. Exactly one of
// Value/Err is meaningful: a task either executed and produced a value, or
// failed with an error.
type Result struct {
	ID    string
	Value any
	Err   error
}

// Handle is returned by Submit; it resolves with the Result once the task
// completes, or is cancelled if the handle's Cancel is called before the
// task starts running.
type Handle struct {
	done      chan Result
	cancel    chan struct{}
	cancelled atomic.Bool
}

// Wait blocks until the task completes and returns its Result, or returns
// ok=false if the task was cancelled before it started.
func (h *Handle) Wait() (Result, bool) {
	r, ok := <-h.done
	return r, ok
}

// Cancel removes a pending (not yet started) task from the queue. A
// started task runs to completion regardless; its result is simply never
// read if the caller stops waiting.
func (h *Handle) Cancel() {
	if h.cancelled.CompareAndSwap(false, true) {
		close(h.cancel)
	}
}

// Pool is a bounded worker pool shared by every live Transfer. There is no
// priority among callers at this layer. Each queued task waits for a slot
// on its own goroutine, so queued tasks are not guaranteed to start in the
// order they were submitted.
type Pool struct {
	sem        semaphore.Semaphore
	maxWorkers int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New returns a Pool bounded to maxWorkers concurrently running tasks.
func New(maxWorkers int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:        semaphore.NewSemaphore(maxWorkers),
		maxWorkers: maxWorkers,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// MaxWorkers reports the pool's total capacity, letting the Supervisor
// apportion a fair per-transfer connection budget from it.
func (p *Pool) MaxWorkers() int { return p.maxWorkers }

// Submit queues a task and returns a Handle for its eventual Result.
// Submit itself never blocks on a free worker slot; the blocking happens in
// the background goroutine it starts, so callers can submit a batch without
// serializing on pool capacity.
func (p *Pool) Submit(task Task) *Handle {
	h := &Handle{
		done:   make(chan Result, 1),
		cancel: make(chan struct{}),
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		// Acquiring the semaphore blocks for as long as the pool is at
		// capacity, so it happens on its own goroutine: that lets a
		// pending task's cancellation (or pool Close) interrupt the wait
		// instead of sitting behind whoever currently holds the slot.
		acquired := make(chan struct{})
		go func() {
			p.sem.Lock()
			close(acquired)
		}()

		select {
		case <-h.cancel:
			go func() {
				<-acquired
				p.sem.Unlock()
			}()
			close(h.done)
			return
		case <-p.ctx.Done():
			go func() {
				<-acquired
				p.sem.Unlock()
			}()
			close(h.done)
			return
		case <-acquired:
		}
		defer p.sem.Unlock()

		value, err := task.Fn(context.WithoutCancel(p.ctx))
		h.done <- Result{ID: task.ID, Value: value, Err: err}
	}()

	return h
}

// Close drops tasks still waiting for a slot, lets running tasks run to
// completion, and waits for every submitted task's goroutine to return.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}
