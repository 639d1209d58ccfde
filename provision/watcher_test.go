package provision

import (
	"errors"
	"testing"

	"github.com/vpn-enterprise/vpncore/registry"
	vcerrors "github.com/vpn-enterprise/vpncore/util/errors"
)

func newTestWatcher(t *testing.T) (*Watcher, *registry.Registry) {
	t.Helper()
	reg := registry.New(0)
	return NewWatcher(reg, "localhost:2379", ""), reg
}

func TestApplyPutRegistersServer(t *testing.T) {
	w, reg := newTestWatcher(t)

	w.applyPut(DefaultPrefix+"node-1", []byte(`{
		"id": "node-1",
		"address": "10.0.0.1:51820",
		"region": "eu",
		"protocols": ["wireguard", "openvpn"],
		"capacity": 250,
		"premium": true
	}`))

	node, err := reg.Get("node-1")
	if err != nil {
		t.Fatalf("Get after applyPut failed: %v", err)
	}
	if node.Address != "10.0.0.1:51820" || node.Region != "eu" || node.Capacity != 250 || !node.Premium {
		t.Errorf("Registered node = %+v; want fields from the definition", node)
	}
	if !node.SupportsProtocol(registry.ProtocolOpenVPN) {
		t.Error("Node should support openvpn")
	}
}

func TestApplyPutDefaultsIDFromKey(t *testing.T) {
	w, reg := newTestWatcher(t)

	w.applyPut(DefaultPrefix+"node-key", []byte(`{
		"address": "10.0.0.2:51820",
		"region": "us",
		"protocols": ["wireguard"],
		"capacity": 100
	}`))

	if _, err := reg.Get("node-key"); err != nil {
		t.Errorf("Node id should default to the key suffix: %v", err)
	}
}

func TestApplyPutUpdatesExistingServer(t *testing.T) {
	w, reg := newTestWatcher(t)

	w.applyPut(DefaultPrefix+"node-1", []byte(`{
		"id": "node-1", "address": "10.0.0.1:51820", "region": "eu",
		"protocols": ["wireguard"], "capacity": 100
	}`))
	w.applyPut(DefaultPrefix+"node-1", []byte(`{
		"id": "node-1", "address": "10.0.0.1:51820", "region": "eu",
		"protocols": ["wireguard"], "capacity": 200
	}`))

	node, err := reg.Get("node-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if node.Capacity != 200 {
		t.Errorf("Capacity after update = %d; want 200", node.Capacity)
	}
	if reg.NumNodes() != 1 {
		t.Errorf("NumNodes = %d; want 1", reg.NumNodes())
	}
}

func TestApplyPutIgnoresMalformedDefinition(t *testing.T) {
	w, reg := newTestWatcher(t)

	w.applyPut(DefaultPrefix+"node-bad", []byte(`{not json`))
	w.applyPut(DefaultPrefix+"node-invalid", []byte(`{"id": "node-invalid"}`))

	if reg.NumNodes() != 0 {
		t.Errorf("NumNodes = %d; want 0 after malformed definitions", reg.NumNodes())
	}
}

func TestApplyDeleteDecommissionsServer(t *testing.T) {
	w, reg := newTestWatcher(t)

	w.applyPut(DefaultPrefix+"node-1", []byte(`{
		"id": "node-1", "address": "10.0.0.1:51820", "region": "eu",
		"protocols": ["wireguard"], "capacity": 100
	}`))

	w.applyDelete(DefaultPrefix + "node-1")

	if _, err := reg.Get("node-1"); !errors.Is(err, vcerrors.ErrNodeNotFound) {
		t.Errorf("Get after delete returned %v; want ErrNodeNotFound", err)
	}
}

func TestApplyDeleteDrainsBusyServer(t *testing.T) {
	w, reg := newTestWatcher(t)

	w.applyPut(DefaultPrefix+"node-1", []byte(`{
		"id": "node-1", "address": "10.0.0.1:51820", "region": "eu",
		"protocols": ["wireguard"], "capacity": 100
	}`))
	if err := reg.SetHealth("node-1", registry.HealthHealthy); err != nil {
		t.Fatalf("SetHealth failed: %v", err)
	}
	if err := reg.ReserveCapacity("node-1"); err != nil {
		t.Fatalf("ReserveCapacity failed: %v", err)
	}

	w.applyDelete(DefaultPrefix + "node-1")

	// The busy node drains instead of vanishing under its session.
	node, err := reg.Get("node-1")
	if err != nil {
		t.Fatalf("Draining node should still resolve: %v", err)
	}
	if !node.Draining {
		t.Error("Node should be draining after delete with active sessions")
	}

	if err := reg.ReleaseCapacity("node-1"); err != nil {
		t.Fatalf("ReleaseCapacity failed: %v", err)
	}
	if _, err := reg.Get("node-1"); !errors.Is(err, vcerrors.ErrNodeNotFound) {
		t.Errorf("Node should be gone after drain completes: %v", err)
	}
}
