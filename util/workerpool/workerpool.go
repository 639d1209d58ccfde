// Package workerpool provides a fixed-size pool of goroutines for bounded
// parallel work. The persistence flusher uses it to write server and session
// snapshots to storage with a cap on concurrent database writes.
package workerpool

import (
	"context"
	"sync"
)

// Task represents a unit of work to be executed by the worker pool
type Task func(ctx context.Context) error

// Result represents the result of a task execution
type Result struct {
	Err error
}

// WorkerPool is a fixed-size pool of goroutines that execute tasks
type WorkerPool struct {
	numWorkers int
	tasks      chan taskWrapper
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc

	mu      sync.Mutex
	stopped bool
}

type taskWrapper struct {
	task   Task
	result chan error
}

// New creates a new worker pool with the specified number of workers.
// The provided context is the base context passed to every task.
func New(ctx context.Context, numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}

	ctx, cancel := context.WithCancel(ctx)

	wp := &WorkerPool{
		numWorkers: numWorkers,
		// Buffer of numWorkers*2 allows some queuing while workers are busy
		tasks:  make(chan taskWrapper, numWorkers*2),
		ctx:    ctx,
		cancel: cancel,
	}

	return wp
}

// Start launches the worker goroutines
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for tw := range wp.tasks {
		// Result channels are buffered; the send cannot block.
		tw.result <- tw.task(wp.ctx)
	}
}

// Submit adds a task to the pool and returns a channel that will receive the
// result. Submitting to a stopped pool delivers context.Canceled instead of
// running the task; every submission receives exactly one result.
func (wp *WorkerPool) Submit(task Task) <-chan error {
	result := make(chan error, 1)

	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.stopped {
		result <- context.Canceled
		return result
	}
	wp.tasks <- taskWrapper{
		task:   task,
		result: result,
	}
	return result
}

// SubmitAndWait submits multiple tasks and waits for all to complete.
// Results are returned in completion order, not submission order.
func (wp *WorkerPool) SubmitAndWait(ctx context.Context, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	results := make([]Result, 0, len(tasks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, task := range tasks {
		wg.Add(1)

		go func(t Task) {
			defer wg.Done()

			resultChan := wp.Submit(t)

			select {
			case <-ctx.Done():
				mu.Lock()
				results = append(results, Result{Err: ctx.Err()})
				mu.Unlock()
			case err := <-resultChan:
				mu.Lock()
				results = append(results, Result{Err: err})
				mu.Unlock()
			}
		}(task)
	}

	wg.Wait()
	return results
}

// Stop shuts down the pool. No new submissions are accepted; tasks already
// queued still run, and Stop returns once the workers have drained them.
// Stop is idempotent.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	wp.mu.Unlock()

	close(wp.tasks)
	wp.wg.Wait()
	wp.cancel()
}
