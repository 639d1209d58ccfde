package testutil

import (
	"testing"
	"time"
)

// WaitFor polls a condition function until it returns true or times out.
// It's useful for waiting on asynchronous operations in tests, such as the
// health monitor tick or the stale-session sweep.
//
// Usage:
//
//	testutil.WaitFor(t, 5*time.Second, "session to be reaped", func() bool {
//	    return tracker.Get(id).State == tracker.StateDisconnected
//	})
func WaitFor(t testing.TB, timeout time.Duration, message string, condition func() bool) {
	t.Helper()

	start := time.Now()

	if condition() {
		return
	}

	tickerInterval := 20 * time.Millisecond
	if timeout < tickerInterval {
		timeout = tickerInterval
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()

	for range ticker.C {
		if condition() {
			t.Logf("Condition met after %v: %s", time.Since(start).Round(time.Millisecond), message)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s (waited %v)", message, timeout)
		}
	}
}
