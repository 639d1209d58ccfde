// Package registry implements the authoritative in-memory catalog of VPN
// server nodes: identity, capabilities, capacity and live health/load.
//
// The registry is the sole mutator of fleet capacity state. Capacity
// reservation and release are atomic with respect to concurrent callers, and
// the derived load ratio is recomputed synchronously before either call
// returns, so subsequent reads are immediately consistent.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	vcerrors "github.com/vpn-enterprise/vpncore/util/errors"
	"github.com/vpn-enterprise/vpncore/util/logger"
	"github.com/vpn-enterprise/vpncore/util/metrics"
)

// Protocol identifies a tunnel protocol a server node can terminate.
type Protocol string

const (
	ProtocolWireGuard Protocol = "wireguard"
	ProtocolOpenVPN   Protocol = "openvpn"
	ProtocolIKEv2     Protocol = "ikev2"
)

// Tier is a client's entitlement level. Premium-labeled nodes are only
// eligible for premium-tier clients.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// HealthState is the health classification of a server node. The ordering is
// meaningful: a filter with MinHealth m accepts every state >= m.
type HealthState int

const (
	HealthUnhealthy HealthState = iota
	HealthUnknown
	HealthDegraded
	HealthHealthy
)

// String returns the string representation of the health state
func (h HealthState) String() string {
	switch h {
	case HealthUnhealthy:
		return "unhealthy"
	case HealthUnknown:
		return "unknown"
	case HealthDegraded:
		return "degraded"
	case HealthHealthy:
		return "healthy"
	default:
		return "invalid"
	}
}

// DefaultLoadCeiling is the eligibility cutoff for a node's load ratio.
const DefaultLoadCeiling = 0.9

// NodeDefinition describes a server node as provided by fleet provisioning.
type NodeDefinition struct {
	ID        string
	Address   string
	Region    string
	Protocols []Protocol
	Capacity  int
	Premium   bool
}

// Validate checks the definition for registration.
func (d *NodeDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("node id is required")
	}
	if d.Address == "" {
		return fmt.Errorf("node %s: address is required", d.ID)
	}
	if d.Region == "" {
		return fmt.Errorf("node %s: region is required", d.ID)
	}
	if d.Capacity <= 0 {
		return fmt.Errorf("node %s: capacity must be positive", d.ID)
	}
	if len(d.Protocols) == 0 {
		return fmt.Errorf("node %s: at least one protocol is required", d.ID)
	}
	return nil
}

// ServerNode is a point-in-time snapshot of a registered node.
type ServerNode struct {
	ID                string
	Address           string
	Region            string
	Protocols         []Protocol
	Capacity          int
	Premium           bool
	Connections       int
	LoadRatio         float64
	ThroughputBPS     float64
	Health            HealthState
	Draining          bool
	LastHeartbeat     time.Time
	LastMetricsUpdate time.Time
}

// SupportsProtocol reports whether the node can terminate the given protocol.
func (n *ServerNode) SupportsProtocol(p Protocol) bool {
	for _, sp := range n.Protocols {
		if sp == p {
			return true
		}
	}
	return false
}

type serverNode struct {
	def           NodeDefinition
	connections   int
	throughput    float64
	health        HealthState
	draining      bool
	lastHeartbeat time.Time
	lastMetrics   time.Time
}

func (n *serverNode) loadRatio() float64 {
	return float64(n.connections) / float64(n.def.Capacity)
}

func (n *serverNode) snapshot() ServerNode {
	protocols := make([]Protocol, len(n.def.Protocols))
	copy(protocols, n.def.Protocols)
	return ServerNode{
		ID:                n.def.ID,
		Address:           n.def.Address,
		Region:            n.def.Region,
		Protocols:         protocols,
		Capacity:          n.def.Capacity,
		Premium:           n.def.Premium,
		Connections:       n.connections,
		LoadRatio:         n.loadRatio(),
		ThroughputBPS:     n.throughput,
		Health:            n.health,
		Draining:          n.draining,
		LastHeartbeat:     n.lastHeartbeat,
		LastMetricsUpdate: n.lastMetrics,
	}
}

// EligibilityFilter narrows ListEligible results.
type EligibilityFilter struct {
	// Protocol is the required tunnel protocol; empty matches any.
	Protocol Protocol
	// Region restricts candidates to one region; empty matches all regions.
	Region string
	// MinHealth is the minimum acceptable health state. Callers that want
	// the default policy pass HealthHealthy; lower values relax the filter.
	MinHealth HealthState
	// MaxLoadRatio overrides the registry's load ceiling when positive.
	MaxLoadRatio float64
	// Tier gates access to premium-labeled nodes.
	Tier Tier
}

// Registry is the in-memory fleet catalog. All methods are safe for
// concurrent use.
type Registry struct {
	mu          sync.RWMutex
	nodes       map[string]*serverNode
	loadCeiling float64
	logger      *logger.Logger
}

// New creates a Registry. A non-positive loadCeiling selects
// DefaultLoadCeiling.
func New(loadCeiling float64) *Registry {
	if loadCeiling <= 0 {
		loadCeiling = DefaultLoadCeiling
	}
	return &Registry{
		nodes:       make(map[string]*serverNode),
		loadCeiling: loadCeiling,
		logger:      logger.NewLogger("Registry"),
	}
}

// Register adds a new server node to the fleet. Nodes start in the unknown
// health state until the health monitor observes a heartbeat.
func (r *Registry) Register(def NodeDefinition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid node definition: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[def.ID]; exists {
		return fmt.Errorf("node %s already registered", def.ID)
	}

	r.nodes[def.ID] = &serverNode{
		def:    def,
		health: HealthUnknown,
	}

	r.logger.Infof("Registered node %s (%s, region=%s, capacity=%d)", def.ID, def.Address, def.Region, def.Capacity)
	metrics.SetServersRegistered(def.Region, float64(r.countByRegionLocked(def.Region)))
	metrics.SetServerLoadRatio(def.ID, 0)
	return nil
}

// Update refreshes a node's definition from fleet provisioning. Capacity may
// not shrink below the node's current connection count.
func (r *Registry) Update(def NodeDefinition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid node definition: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[def.ID]
	if !exists {
		return fmt.Errorf("update node %s: %w", def.ID, vcerrors.ErrNodeNotFound)
	}

	if def.Capacity < node.connections {
		return fmt.Errorf("update node %s: capacity %d below %d active connections", def.ID, def.Capacity, node.connections)
	}

	oldRegion := node.def.Region
	node.def = def

	if oldRegion != def.Region {
		metrics.SetServersRegistered(oldRegion, float64(r.countByRegionLocked(oldRegion)))
	}
	metrics.SetServersRegistered(def.Region, float64(r.countByRegionLocked(def.Region)))
	metrics.SetServerLoadRatio(def.ID, node.loadRatio())

	r.logger.Infof("Updated node %s (capacity=%d, region=%s)", def.ID, def.Capacity, def.Region)
	return nil
}

// Deregister removes a node immediately. It fails while sessions still
// reference the node; use Decommission to drain first.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[id]
	if !exists {
		return fmt.Errorf("deregister node %s: %w", id, vcerrors.ErrNodeNotFound)
	}
	if node.connections > 0 {
		return fmt.Errorf("deregister node %s: %d active connections, decommission first", id, node.connections)
	}

	r.removeLocked(id, node)
	return nil
}

// Decommission marks a node as draining: it becomes ineligible for new
// selections but keeps its existing sessions. The node is removed when the
// last session releases its capacity, or immediately if it has none.
func (r *Registry) Decommission(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[id]
	if !exists {
		return fmt.Errorf("decommission node %s: %w", id, vcerrors.ErrNodeNotFound)
	}

	if node.connections == 0 {
		r.removeLocked(id, node)
		return nil
	}

	node.draining = true
	r.logger.Infof("Node %s draining (%d connections remaining)", id, node.connections)
	return nil
}

// removeLocked deletes a node. Caller must hold r.mu.
func (r *Registry) removeLocked(id string, node *serverNode) {
	delete(r.nodes, id)
	metrics.SetServersRegistered(node.def.Region, float64(r.countByRegionLocked(node.def.Region)))
	metrics.ServerLoadRatio.DeleteLabelValues(id)
	r.logger.Infof("Removed node %s from fleet", id)
}

func (r *Registry) countByRegionLocked(region string) int {
	count := 0
	for _, n := range r.nodes {
		if n.def.Region == region {
			count++
		}
	}
	return count
}

// Get returns a snapshot of the node with the given id.
func (r *Registry) Get(id string) (ServerNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, exists := r.nodes[id]
	if !exists {
		return ServerNode{}, fmt.Errorf("get node %s: %w", id, vcerrors.ErrNodeNotFound)
	}
	return node.snapshot(), nil
}

// List returns snapshots of every node, sorted by id.
func (r *Registry) List() []ServerNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerNode, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, node.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByLoad returns snapshots of every node sorted by ascending load ratio,
// ties broken by id.
func (r *Registry) ListByLoad() []ServerNode {
	out := r.List()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LoadRatio != out[j].LoadRatio {
			return out[i].LoadRatio < out[j].LoadRatio
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListByRegion returns snapshots of the nodes in a region, sorted by id.
func (r *Registry) ListByRegion(region string) []ServerNode {
	all := r.List()
	out := all[:0]
	for _, n := range all {
		if n.Region == region {
			out = append(out, n)
		}
	}
	return out
}

// ListEligible returns candidate nodes for a new connection. Draining nodes
// are always excluded. A returned node may become full immediately after the
// call; the load balancer's reservation retry loop absorbs that race.
func (r *Registry) ListEligible(f EligibilityFilter) []ServerNode {
	ceiling := f.MaxLoadRatio
	if ceiling <= 0 {
		ceiling = r.loadCeiling
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerNode, 0, len(r.nodes))
	for _, node := range r.nodes {
		if node.draining {
			continue
		}
		if node.health < f.MinHealth {
			continue
		}
		if f.Region != "" && node.def.Region != f.Region {
			continue
		}
		if node.def.Premium && f.Tier != TierPremium {
			continue
		}
		if node.loadRatio() >= ceiling {
			continue
		}
		snap := node.snapshot()
		if f.Protocol != "" && !snap.SupportsProtocol(f.Protocol) {
			continue
		}
		out = append(out, snap)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReserveCapacity atomically claims one connection slot on the node.
// Concurrent reservations against the last free slot yield exactly one
// success; the loser receives ErrNodeFull.
func (r *Registry) ReserveCapacity(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[id]
	if !exists {
		return fmt.Errorf("reserve on node %s: %w", id, vcerrors.ErrNodeNotFound)
	}
	if node.draining || node.connections >= node.def.Capacity {
		return fmt.Errorf("reserve on node %s: %w", id, vcerrors.ErrNodeFull)
	}

	node.connections++
	metrics.SetServerLoadRatio(id, node.loadRatio())
	return nil
}

// ReleaseCapacity releases one connection slot on the node. Releasing the
// last slot of a draining node removes it from the fleet.
func (r *Registry) ReleaseCapacity(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[id]
	if !exists {
		return fmt.Errorf("release on node %s: %w", id, vcerrors.ErrNodeNotFound)
	}

	if node.connections > 0 {
		node.connections--
	} else {
		r.logger.Warnf("Release on node %s with zero connections", id)
	}
	metrics.SetServerLoadRatio(id, node.loadRatio())

	if node.draining && node.connections == 0 {
		r.removeLocked(id, node)
	}
	return nil
}

// RecordHeartbeat stores the node's latest heartbeat timestamp. Health
// classification of the heartbeat is the health monitor's job.
func (r *Registry) RecordHeartbeat(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[id]
	if !exists {
		return fmt.Errorf("heartbeat for node %s: %w", id, vcerrors.ErrNodeNotFound)
	}
	if at.After(node.lastHeartbeat) {
		node.lastHeartbeat = at
	}
	return nil
}

// SetHealth updates a node's health state. Only the health monitor may call
// this; every other component treats health as read-only.
func (r *Registry) SetHealth(id string, state HealthState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[id]
	if !exists {
		return fmt.Errorf("set health for node %s: %w", id, vcerrors.ErrNodeNotFound)
	}
	node.health = state
	return nil
}

// SetThroughput stores the aggregated throughput figure for a node. Only the
// metrics aggregator may call this.
func (r *Registry) SetThroughput(id string, bytesPerSecond float64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[id]
	if !exists {
		return fmt.Errorf("set throughput for node %s: %w", id, vcerrors.ErrNodeNotFound)
	}
	node.throughput = bytesPerSecond
	node.lastMetrics = at
	metrics.SetServerThroughput(id, bytesPerSecond)
	return nil
}

// NumNodes returns the number of registered nodes.
func (r *Registry) NumNodes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
