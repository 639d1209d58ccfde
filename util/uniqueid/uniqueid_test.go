package uniqueid

import (
	"strings"
	"testing"
)

func TestUniqueIdUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		id := UniqueId()
		if seen[id] {
			t.Fatalf("Duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestSessionIdPrefix(t *testing.T) {
	id := SessionId()
	if !strings.HasPrefix(id, "sess-") {
		t.Errorf("SessionId() = %q; want sess- prefix", id)
	}
	if len(id) <= len("sess-") {
		t.Errorf("SessionId() = %q; want non-empty suffix", id)
	}
}
