package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSessionStartedEnded(t *testing.T) {
	SessionsActive.Reset()
	SessionsEndedTotal.Reset()

	RecordSessionStarted("node-eu-1")
	RecordSessionStarted("node-eu-1")

	active := testutil.ToFloat64(SessionsActive.WithLabelValues("node-eu-1"))
	if active != 2.0 {
		t.Errorf("Expected 2 active sessions, got %f", active)
	}

	RecordSessionEnded("node-eu-1", "disconnected")

	active = testutil.ToFloat64(SessionsActive.WithLabelValues("node-eu-1"))
	if active != 1.0 {
		t.Errorf("Expected 1 active session after end, got %f", active)
	}

	ended := testutil.ToFloat64(SessionsEndedTotal.WithLabelValues("node-eu-1", "disconnected"))
	if ended != 1.0 {
		t.Errorf("Expected 1 ended session, got %f", ended)
	}
}

func TestRecordHealthTransition(t *testing.T) {
	HealthTransitionsTotal.Reset()

	RecordHealthTransition("node-us-1", "healthy", "degraded")
	RecordHealthTransition("node-us-1", "degraded", "unhealthy")
	// Self-transitions must not be counted
	RecordHealthTransition("node-us-1", "unhealthy", "unhealthy")

	count := testutil.ToFloat64(HealthTransitionsTotal.WithLabelValues("node-us-1", "healthy", "degraded"))
	if count != 1.0 {
		t.Errorf("Expected 1 healthy->degraded transition, got %f", count)
	}

	count = testutil.ToFloat64(HealthTransitionsTotal.WithLabelValues("node-us-1", "unhealthy", "unhealthy"))
	if count != 0.0 {
		t.Errorf("Self-transition should not be recorded, got %f", count)
	}
}

func TestRecordSelection(t *testing.T) {
	SelectionsTotal.Reset()

	RecordSelection(SelectionOK)
	RecordSelection(SelectionOK)
	RecordSelection(SelectionFallback)
	RecordSelection(SelectionUnavailable)

	if got := testutil.ToFloat64(SelectionsTotal.WithLabelValues(SelectionOK)); got != 2.0 {
		t.Errorf("Expected 2 ok selections, got %f", got)
	}
	if got := testutil.ToFloat64(SelectionsTotal.WithLabelValues(SelectionFallback)); got != 1.0 {
		t.Errorf("Expected 1 fallback selection, got %f", got)
	}
	if got := testutil.ToFloat64(SelectionsTotal.WithLabelValues(SelectionUnavailable)); got != 1.0 {
		t.Errorf("Expected 1 unavailable selection, got %f", got)
	}
}

func TestAddBytesTransferred(t *testing.T) {
	BytesTransferredTotal.Reset()

	AddBytesTransferred(1024, 2048)
	AddBytesTransferred(0, 512)

	in := testutil.ToFloat64(BytesTransferredTotal.WithLabelValues("in"))
	if in != 1024.0 {
		t.Errorf("Expected 1024 bytes in, got %f", in)
	}

	out := testutil.ToFloat64(BytesTransferredTotal.WithLabelValues("out"))
	if out != 2560.0 {
		t.Errorf("Expected 2560 bytes out, got %f", out)
	}
}

func TestSetServerLoadRatio(t *testing.T) {
	ServerLoadRatio.Reset()

	SetServerLoadRatio("node-eu-1", 0.75)

	if got := testutil.ToFloat64(ServerLoadRatio.WithLabelValues("node-eu-1")); got != 0.75 {
		t.Errorf("Expected load ratio 0.75, got %f", got)
	}
}
