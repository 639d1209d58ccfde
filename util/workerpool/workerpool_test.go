package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitExecutesTask(t *testing.T) {
	wp := New(context.Background(), 4)
	wp.Start()
	defer wp.Stop()

	var ran atomic.Bool
	err := <-wp.Submit(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	if err != nil {
		t.Errorf("Submit returned error: %v", err)
	}
	if !ran.Load() {
		t.Error("Task did not run")
	}
}

func TestSubmitPropagatesTaskError(t *testing.T) {
	wp := New(context.Background(), 2)
	wp.Start()
	defer wp.Stop()

	wantErr := errors.New("flush failed")
	err := <-wp.Submit(func(ctx context.Context) error {
		return wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Errorf("Submit error = %v; want %v", err, wantErr)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	wp := New(context.Background(), 2)
	wp.Start()
	wp.Stop()

	err := <-wp.Submit(func(ctx context.Context) error {
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Submit after Stop = %v; want context.Canceled", err)
	}
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	wp := New(context.Background(), 1)
	wp.Start()

	release := make(chan struct{})
	first := wp.Submit(func(ctx context.Context) error {
		<-release
		return nil
	})
	var ran atomic.Bool
	second := wp.Submit(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	close(release)
	wp.Stop()
	wp.Stop()

	if err := <-first; err != nil {
		t.Errorf("First task error = %v; want nil", err)
	}
	if err := <-second; err != nil {
		t.Errorf("Queued task error = %v; want nil", err)
	}
	if !ran.Load() {
		t.Error("Task queued before Stop did not run")
	}
}

func TestSubmitAndWait(t *testing.T) {
	wp := New(context.Background(), 4)
	wp.Start()
	defer wp.Stop()

	var counter atomic.Int64
	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			counter.Add(1)
			return nil
		}
	}

	results := wp.SubmitAndWait(context.Background(), tasks)

	if len(results) != 10 {
		t.Fatalf("Expected 10 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("Unexpected task error: %v", r.Err)
		}
	}
	if counter.Load() != 10 {
		t.Errorf("Expected all 10 tasks to run, got %d", counter.Load())
	}
}

func TestBoundedParallelism(t *testing.T) {
	wp := New(context.Background(), 2)
	wp.Start()
	defer wp.Stop()

	var current, peak atomic.Int64
	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			cur := current.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}
	}

	wp.SubmitAndWait(context.Background(), tasks)

	if peak.Load() > 2 {
		t.Errorf("Expected at most 2 concurrent tasks, observed %d", peak.Load())
	}
}
