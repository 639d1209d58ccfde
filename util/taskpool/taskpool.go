// Package taskpool provides per-key job serialization.
//
// The metrics aggregator submits per-server fold jobs keyed by server id:
// samples for the same server fold serially in order, samples for different
// servers fold in parallel, and ingestion rate is decoupled from processing
// rate by the per-key buffers.
package taskpool

import (
	"context"
	"sync"
)

// Job represents a unit of work to be executed by the task pool
type Job func(ctx context.Context)

// keyQueue manages jobs for a single key
type keyQueue struct {
	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// TaskPool runs jobs serially per key and in parallel across keys.
// Workers are started on demand per key and cleaned up when their queue
// drains or the pool stops.
type TaskPool struct {
	mu      sync.RWMutex
	queues  map[string]*keyQueue
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

// New creates a new TaskPool
func New() *TaskPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskPool{
		queues: make(map[string]*keyQueue),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit adds a job to the queue for the specified key.
// Jobs for the same key execute serially in submission order; jobs for
// different keys execute in parallel. Submissions after Stop are dropped.
func (tp *TaskPool) Submit(key string, job Job) {
	tp.mu.Lock()

	if tp.stopped {
		tp.mu.Unlock()
		return
	}

	queue, exists := tp.queues[key]
	if !exists {
		queueCtx, queueCancel := context.WithCancel(tp.ctx)
		queue = &keyQueue{
			jobs:   make(chan Job, 100),
			ctx:    queueCtx,
			cancel: queueCancel,
		}
		tp.queues[key] = queue

		queue.wg.Add(1)
		go tp.worker(key, queue)
	}

	tp.mu.Unlock()

	select {
	case queue.jobs <- job:
	case <-queue.ctx.Done():
	case <-tp.ctx.Done():
	}
}

// worker processes jobs for a single key
func (tp *TaskPool) worker(key string, queue *keyQueue) {
	defer queue.wg.Done()
	defer tp.cleanupQueue(key)

	for {
		select {
		case <-queue.ctx.Done():
			return
		case <-tp.ctx.Done():
			return
		case job, ok := <-queue.jobs:
			if !ok {
				return
			}
			job(queue.ctx)
		}
	}
}

// cleanupQueue removes the queue for a key after the worker exits
func (tp *TaskPool) cleanupQueue(key string) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	delete(tp.queues, key)
}

// Stop shuts down the task pool and waits for all workers to finish.
func (tp *TaskPool) Stop() {
	tp.mu.Lock()
	tp.stopped = true
	queues := make([]*keyQueue, 0, len(tp.queues))
	for _, queue := range tp.queues {
		queues = append(queues, queue)
	}
	tp.mu.Unlock()

	tp.cancel()

	for _, queue := range queues {
		queue.cancel()
	}

	for _, queue := range queues {
		queue.wg.Wait()
	}
}

// Len returns the number of active key queues (for testing)
func (tp *TaskPool) Len() int {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return len(tp.queues)
}
