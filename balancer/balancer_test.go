package balancer

import (
	"errors"
	"sync"
	"testing"

	"github.com/vpn-enterprise/vpncore/registry"
	vcerrors "github.com/vpn-enterprise/vpncore/util/errors"
)

type fixtureNode struct {
	id       string
	region   string
	capacity int
	used     int
	premium  bool
	health   registry.HealthState
}

func newFixture(t *testing.T, nodes []fixtureNode) *registry.Registry {
	t.Helper()
	reg := registry.New(0)
	for _, n := range nodes {
		err := reg.Register(registry.NodeDefinition{
			ID:        n.id,
			Address:   n.id + ":51820",
			Region:    n.region,
			Protocols: []registry.Protocol{registry.ProtocolWireGuard},
			Capacity:  n.capacity,
			Premium:   n.premium,
		})
		if err != nil {
			t.Fatalf("Register %s failed: %v", n.id, err)
		}
		health := n.health
		if health == registry.HealthUnhealthy {
			health = registry.HealthHealthy
		}
		if err := reg.SetHealth(n.id, health); err != nil {
			t.Fatalf("SetHealth %s failed: %v", n.id, err)
		}
		for i := 0; i < n.used; i++ {
			if err := reg.ReserveCapacity(n.id); err != nil {
				t.Fatalf("ReserveCapacity %s failed: %v", n.id, err)
			}
		}
	}
	return reg
}

func TestSelectPicksLeastLoaded(t *testing.T) {
	reg := newFixture(t, []fixtureNode{
		{id: "node-a", region: "eu", capacity: 10, used: 5},
		{id: "node-b", region: "eu", capacity: 10, used: 2},
		{id: "node-c", region: "eu", capacity: 10, used: 8},
	})
	b := New(reg)

	sel, err := b.Select(Request{Protocol: registry.ProtocolWireGuard, Region: "eu"})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Server.ID != "node-b" {
		t.Errorf("Selected %s; want node-b (least loaded)", sel.Server.ID)
	}
	if sel.RegionFallback {
		t.Error("In-region pick should not be flagged as fallback")
	}
	if sel.Server.Connections != 3 {
		t.Errorf("Snapshot connections = %d; want 3 (reservation included)", sel.Server.Connections)
	}
}

func TestSelectTieBreaksByID(t *testing.T) {
	reg := newFixture(t, []fixtureNode{
		{id: "node-b", region: "eu", capacity: 10, used: 2},
		{id: "node-a", region: "eu", capacity: 10, used: 2},
	})
	b := New(reg)

	sel, err := b.Select(Request{Protocol: registry.ProtocolWireGuard})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Server.ID != "node-a" {
		t.Errorf("Selected %s; want node-a (id tie break)", sel.Server.ID)
	}
}

func TestSelectRegionFallback(t *testing.T) {
	reg := newFixture(t, []fixtureNode{
		{id: "node-us", region: "us", capacity: 10},
	})
	b := New(reg)

	sel, err := b.Select(Request{Protocol: registry.ProtocolWireGuard, Region: "eu"})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if !sel.RegionFallback {
		t.Error("Cross-region pick should be flagged as fallback")
	}
	if sel.Server.ID != "node-us" {
		t.Errorf("Selected %s; want node-us", sel.Server.ID)
	}
}

func TestSelectUnavailableWhenNoCandidates(t *testing.T) {
	reg := newFixture(t, nil)
	b := New(reg)

	_, err := b.Select(Request{Protocol: registry.ProtocolWireGuard})
	if !errors.Is(err, vcerrors.ErrUnavailable) {
		t.Errorf("Select on empty fleet returned %v; want ErrUnavailable", err)
	}
}

func TestSelectSkipsUnhealthyByDefault(t *testing.T) {
	reg := newFixture(t, []fixtureNode{
		{id: "node-a", region: "eu", capacity: 10},
	})
	if err := reg.SetHealth("node-a", registry.HealthDegraded); err != nil {
		t.Fatalf("SetHealth failed: %v", err)
	}
	b := New(reg)

	if _, err := b.Select(Request{Protocol: registry.ProtocolWireGuard}); !errors.Is(err, vcerrors.ErrUnavailable) {
		t.Errorf("Select returned %v; want ErrUnavailable for degraded-only fleet", err)
	}

	// An explicitly relaxed minimum admits the degraded node.
	sel, err := b.Select(Request{Protocol: registry.ProtocolWireGuard}.WithMinHealth(registry.HealthDegraded))
	if err != nil {
		t.Fatalf("Relaxed Select failed: %v", err)
	}
	if sel.Server.ID != "node-a" {
		t.Errorf("Selected %s; want node-a", sel.Server.ID)
	}
}

func TestSelectPremiumGating(t *testing.T) {
	reg := newFixture(t, []fixtureNode{
		{id: "node-premium", region: "eu", capacity: 10, premium: true},
	})
	b := New(reg)

	if _, err := b.Select(Request{Protocol: registry.ProtocolWireGuard, Tier: registry.TierFree}); !errors.Is(err, vcerrors.ErrUnavailable) {
		t.Errorf("Free tier reached a premium node: %v", err)
	}

	sel, err := b.Select(Request{Protocol: registry.ProtocolWireGuard, Tier: registry.TierPremium})
	if err != nil {
		t.Fatalf("Premium Select failed: %v", err)
	}
	if sel.Server.ID != "node-premium" {
		t.Errorf("Selected %s; want node-premium", sel.Server.ID)
	}
}

func TestSelectFallsThroughOnFullNode(t *testing.T) {
	// node-a ranks first but has a single slot. Exhaust it between ranking
	// rounds by running selections until both nodes fill up.
	reg := newFixture(t, []fixtureNode{
		{id: "node-a", region: "eu", capacity: 1},
		{id: "node-b", region: "eu", capacity: 1, used: 0},
	})
	b := New(reg)

	first, err := b.Select(Request{Protocol: registry.ProtocolWireGuard})
	if err != nil {
		t.Fatalf("First Select failed: %v", err)
	}
	second, err := b.Select(Request{Protocol: registry.ProtocolWireGuard})
	if err != nil {
		t.Fatalf("Second Select failed: %v", err)
	}
	if first.Server.ID == second.Server.ID {
		t.Errorf("Both selections landed on %s; want distinct nodes", first.Server.ID)
	}

	if _, err := b.Select(Request{Protocol: registry.ProtocolWireGuard}); !errors.Is(err, vcerrors.ErrUnavailable) {
		t.Errorf("Select on full fleet returned %v; want ErrUnavailable", err)
	}
}

func TestConcurrentSelectionsNeverOvercommit(t *testing.T) {
	const capacity = 8
	reg := newFixture(t, []fixtureNode{
		{id: "node-a", region: "eu", capacity: capacity / 2},
		{id: "node-b", region: "eu", capacity: capacity / 2},
	})
	b := New(reg)

	const callers = 50
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Select(Request{Protocol: registry.ProtocolWireGuard})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, vcerrors.ErrUnavailable) {
			t.Errorf("Unexpected selection error: %v", err)
		}
	}
	if succeeded != capacity {
		t.Errorf("%d selections succeeded; want exactly %d (fleet capacity)", succeeded, capacity)
	}
}
