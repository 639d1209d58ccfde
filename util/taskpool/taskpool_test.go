package taskpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSameKeyJobsRunInOrder(t *testing.T) {
	tp := New()
	defer tp.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		n := i
		tp.Submit("server-1", func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		})
	}
	wg.Wait()

	for i, n := range order {
		if n != i {
			t.Fatalf("Jobs for the same key ran out of order: %v", order)
		}
	}
}

func TestDifferentKeysRunInParallel(t *testing.T) {
	tp := New()
	defer tp.Stop()

	block := make(chan struct{})
	started := make(chan struct{})

	tp.Submit("server-1", func(ctx context.Context) {
		close(started)
		<-block
	})

	<-started

	done := make(chan struct{})
	tp.Submit("server-2", func(ctx context.Context) {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Job on a different key should not be blocked")
	}

	close(block)
}

func TestSubmitAfterStopIsDropped(t *testing.T) {
	tp := New()
	tp.Stop()

	var ran atomic.Bool
	tp.Submit("server-1", func(ctx context.Context) {
		ran.Store(true)
	})

	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Error("Job submitted after Stop should not run")
	}
}

func TestQueueCleanup(t *testing.T) {
	tp := New()

	var wg sync.WaitGroup
	wg.Add(1)
	tp.Submit("server-1", func(ctx context.Context) {
		wg.Done()
	})
	wg.Wait()

	tp.Stop()

	if got := tp.Len(); got != 0 {
		t.Errorf("Expected 0 queues after Stop, got %d", got)
	}
}
