package backoff

import (
	"context"
	"testing"
	"time"
)

func TestBackoffGrowth(t *testing.T) {
	b := New(10*time.Millisecond, 80*time.Millisecond, 2.0)

	ctx := context.Background()
	expected := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		80 * time.Millisecond, // capped
	}

	for i, want := range expected {
		if got := b.CurrentDelay(); got != want {
			t.Fatalf("step %d: CurrentDelay() = %v; want %v", i, got, want)
		}
		if err := b.Wait(ctx); err != nil {
			t.Fatalf("step %d: Wait() error: %v", i, err)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := New(5*time.Millisecond, 100*time.Millisecond, 3.0)

	_ = b.Wait(context.Background())
	_ = b.Wait(context.Background())

	b.Reset()
	if got := b.CurrentDelay(); got != 5*time.Millisecond {
		t.Errorf("CurrentDelay() after Reset = %v; want 5ms", got)
	}
}

func TestBackoffCancellation(t *testing.T) {
	b := New(10*time.Second, time.Minute, 2.0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := b.Wait(ctx)
	if err != context.Canceled {
		t.Errorf("Wait() = %v; want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Wait() should return promptly on cancelled context")
	}
}
