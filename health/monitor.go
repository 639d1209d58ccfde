// Package health implements the fleet health monitor. It owns the per-node
// health state machine; no other component may set health state directly.
//
// State machine per node:
//
//	unknown   -> healthy   on first in-threshold heartbeat
//	healthy   -> degraded  after DegradedMisses consecutive missed heartbeats,
//	                       or when the reported error rate exceeds the threshold
//	degraded  -> unhealthy after UnhealthyMisses consecutive missed heartbeats,
//	                       or on a hard failure report
//	degraded/unhealthy -> healthy on a fresh, in-threshold heartbeat
//
// A node transitioning to unhealthy keeps its existing sessions; it only
// becomes ineligible for new selections. That avoids cascading mass
// disconnects from a single missed health cycle.
package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vpn-enterprise/vpncore/registry"
	"github.com/vpn-enterprise/vpncore/util/logger"
	"github.com/vpn-enterprise/vpncore/util/metrics"
)

// Defaults for Config fields left zero.
const (
	DefaultCheckInterval      = 10 * time.Second
	DefaultHeartbeatInterval  = 10 * time.Second
	DefaultDegradedMisses     = 2
	DefaultUnhealthyMisses    = 5
	DefaultErrorRateThreshold = 0.1
)

// Config controls the health monitor thresholds.
type Config struct {
	// CheckInterval is how often the monitor scans all nodes.
	CheckInterval time.Duration
	// HeartbeatInterval is the expected heartbeat cadence. A heartbeat older
	// than this counts as missed.
	HeartbeatInterval time.Duration
	// DegradedMisses is the consecutive-miss count that degrades a healthy node.
	DegradedMisses int
	// UnhealthyMisses is the consecutive-miss count that marks a degraded
	// node unhealthy.
	UnhealthyMisses int
	// ErrorRateThreshold degrades a healthy node when exceeded.
	ErrorRateThreshold float64
}

func (c *Config) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DegradedMisses <= 0 {
		c.DegradedMisses = DefaultDegradedMisses
	}
	if c.UnhealthyMisses <= 0 {
		c.UnhealthyMisses = DefaultUnhealthyMisses
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = DefaultErrorRateThreshold
	}
}

// Record is the monitor's view of one node's health.
type Record struct {
	State             registry.HealthState
	ConsecutiveMisses int
	LastTransition    time.Time
}

// Monitor periodically evaluates registry entries against heartbeat
// freshness and applies health transitions.
type Monitor struct {
	registry *registry.Registry
	cfg      Config

	mu      sync.Mutex
	records map[string]*Record

	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
	logger  *logger.Logger
}

// NewMonitor creates a health monitor over the given registry.
func NewMonitor(reg *registry.Registry, cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		registry: reg,
		cfg:      cfg,
		records:  make(map[string]*Record),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.NewLogger("HealthMonitor"),
	}
}

// Start begins the periodic scan loop.
func (m *Monitor) Start() {
	if m.started.Swap(true) {
		return
	}
	m.logger.Infof("Starting health monitor (interval %v, degraded after %d misses, unhealthy after %d)",
		m.cfg.CheckInterval, m.cfg.DegradedMisses, m.cfg.UnhealthyMisses)
	go m.run()
}

// Stop stops the scan loop and waits for it to finish. Safe to call more
// than once, from multiple goroutines, and before Start.
func (m *Monitor) Stop() {
	if m.stopped.Swap(true) {
		return
	}
	close(m.stopCh)
	if m.started.Load() {
		<-m.done
	}
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			// A slow scan simply delays the next one; time.Ticker drops
			// intervening ticks, so scans never overlap or queue up.
			m.Scan(time.Now())
		}
	}
}

// RecordHeartbeat ingests a heartbeat event for a node. A fresh heartbeat
// (timestamp within one heartbeat interval of now) moves the node to healthy
// from any state and resets the miss counter.
func (m *Monitor) RecordHeartbeat(id string, at time.Time) error {
	if err := m.registry.RecordHeartbeat(id, at); err != nil {
		return err
	}

	if time.Since(at) > m.cfg.HeartbeatInterval {
		// Stale timestamp: recorded, but not evidence of current liveness.
		m.logger.Debugf("Stale heartbeat from node %s (age %v)", id, time.Since(at))
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.recordLocked(id)
	rec.ConsecutiveMisses = 0
	m.transitionLocked(id, rec, registry.HealthHealthy, "heartbeat")
	return nil
}

// ReportErrorRate ingests an error-rate metric for a node. A healthy node
// whose rate exceeds the threshold is degraded.
func (m *Monitor) ReportErrorRate(id string, rate float64) error {
	if _, err := m.registry.Get(id); err != nil {
		return err
	}

	if rate <= m.cfg.ErrorRateThreshold {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.recordLocked(id)
	if rec.State == registry.HealthHealthy {
		m.transitionLocked(id, rec, registry.HealthDegraded, "error rate")
	}
	return nil
}

// ReportFailure ingests a hard failure signal (explicit crash report) and
// marks the node unhealthy immediately.
func (m *Monitor) ReportFailure(id, reason string) error {
	if _, err := m.registry.Get(id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.recordLocked(id)
	m.transitionLocked(id, rec, registry.HealthUnhealthy, "hard failure: "+reason)
	return nil
}

// Record returns the monitor's health record for a node.
func (m *Monitor) Record(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Scan evaluates every registry node against heartbeat freshness at the
// given instant and applies transitions. Exposed for tests; the Start loop
// calls it on each tick.
func (m *Monitor) Scan(now time.Time) {
	nodes := m.registry.List()

	m.mu.Lock()
	defer m.mu.Unlock()

	live := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		live[node.ID] = true
		rec := m.recordLocked(node.ID)

		if node.LastHeartbeat.IsZero() {
			// Never heard from: stays unknown until the first heartbeat.
			continue
		}

		misses := int(now.Sub(node.LastHeartbeat) / m.cfg.HeartbeatInterval)
		if misses < 0 {
			misses = 0
		}
		rec.ConsecutiveMisses = misses

		switch rec.State {
		case registry.HealthHealthy:
			if misses >= m.cfg.DegradedMisses {
				m.transitionLocked(node.ID, rec, registry.HealthDegraded, "missed heartbeats")
			}
		case registry.HealthDegraded:
			if misses >= m.cfg.UnhealthyMisses {
				m.transitionLocked(node.ID, rec, registry.HealthUnhealthy, "missed heartbeats")
			}
		}
	}

	// Drop records of nodes that left the fleet.
	for id := range m.records {
		if !live[id] {
			delete(m.records, id)
		}
	}
}

// recordLocked finds or creates the record for a node. Caller holds m.mu.
func (m *Monitor) recordLocked(id string) *Record {
	rec, ok := m.records[id]
	if !ok {
		rec = &Record{State: registry.HealthUnknown}
		m.records[id] = rec
	}
	return rec
}

// transitionLocked applies a state transition and pushes it to the registry.
// Caller holds m.mu.
func (m *Monitor) transitionLocked(id string, rec *Record, to registry.HealthState, reason string) {
	if rec.State == to {
		return
	}

	from := rec.State
	rec.State = to
	rec.LastTransition = time.Now()

	if err := m.registry.SetHealth(id, to); err != nil {
		// Node deregistered between scan and transition.
		delete(m.records, id)
		return
	}

	metrics.RecordHealthTransition(id, from.String(), to.String())
	m.logger.Infof("Node %s health %s -> %s (%s)", id, from, to, reason)
}
