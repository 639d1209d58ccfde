package backoff

import (
	"context"
	"time"
)

// Backoff implements exponential backoff with configurable parameters.
// The persistence flusher and the provisioning watcher use it to space out
// retries after storage or etcd failures.
type Backoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	currentDelay time.Duration
}

// New creates a new Backoff.
// initialDelay is the delay before the first retry, maxDelay caps the delay,
// and multiplier is the growth factor applied after each wait.
func New(initialDelay, maxDelay time.Duration, multiplier float64) *Backoff {
	return &Backoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		currentDelay: initialDelay,
	}
}

// Wait waits for the current backoff duration, respecting context cancellation.
// Returns nil if the wait completed, or ctx.Err() if the context was cancelled.
// After a successful wait the delay is increased for the next call.
func (b *Backoff) Wait(ctx context.Context) error {
	select {
	case <-time.After(b.currentDelay):
		b.currentDelay = time.Duration(float64(b.currentDelay) * b.multiplier)
		if b.currentDelay > b.maxDelay {
			b.currentDelay = b.maxDelay
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset resets the backoff to its initial delay. Call it after a success
// before starting a new retry sequence.
func (b *Backoff) Reset() {
	b.currentDelay = b.initialDelay
}

// CurrentDelay returns the current backoff delay.
func (b *Backoff) CurrentDelay() time.Duration {
	return b.currentDelay
}
