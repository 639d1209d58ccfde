package testutil

import (
	"sync"
	"testing"
)

// Global mutex for metrics-related tests. Prometheus collectors are global
// shared state: one test's Reset() would clear values another parallel test
// is reading. Serializing metrics tests avoids that.
var metricsTestMutex sync.Mutex

// LockMetrics acquires a global lock for tests that reset or assert on the
// global Prometheus collectors. The lock is released via t.Cleanup when the
// test completes.
//
//	func TestSelectionMetrics(t *testing.T) {
//	    testutil.LockMetrics(t)
//	    metrics.SelectionsTotal.Reset()
//	    ...
//	}
func LockMetrics(t *testing.T) {
	t.Helper()

	metricsTestMutex.Lock()

	t.Cleanup(func() {
		metricsTestMutex.Unlock()
	})
}
