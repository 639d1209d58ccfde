// Package coordinator wires the fleet catalog, health monitor, balancer,
// session tracker, and stats aggregator into one control-plane facade. All
// inbound operations (connect, activity, disconnect, heartbeats) enter
// through it.
package coordinator

import (
	"context"
	"time"

	"github.com/vpn-enterprise/vpncore/balancer"
	"github.com/vpn-enterprise/vpncore/health"
	"github.com/vpn-enterprise/vpncore/registry"
	"github.com/vpn-enterprise/vpncore/stats"
	"github.com/vpn-enterprise/vpncore/tracker"
	vcerrors "github.com/vpn-enterprise/vpncore/util/errors"
	"github.com/vpn-enterprise/vpncore/util/logger"
)

// Options configures a coordinator.
type Options struct {
	// LoadCeiling is the balancer's load-ratio cutoff; zero selects the
	// default.
	LoadCeiling float64
	Health      health.Config
	Sessions    tracker.Config
	Stats       stats.Config
}

// ConnectRequest asks for a new tunnel session.
type ConnectRequest struct {
	UserID   string
	DeviceID string
	Tier     registry.Tier
	Region   string
	Protocol registry.Protocol
}

// ConnectResult is a granted session and where it landed.
type ConnectResult struct {
	Session        tracker.Session
	Server         registry.ServerNode
	RegionFallback bool
}

// Coordinator is the control-plane facade over all fleet components.
type Coordinator struct {
	registry   *registry.Registry
	monitor    *health.Monitor
	balancer   *balancer.Balancer
	aggregator *stats.Aggregator
	tracker    *tracker.Tracker
	logger     *logger.Logger
}

// New builds a coordinator and its components. Call Start to launch the
// background loops.
func New(opts Options) *Coordinator {
	reg := registry.New(opts.LoadCeiling)
	agg := stats.NewAggregator(reg, opts.Stats)
	return &Coordinator{
		registry:   reg,
		monitor:    health.NewMonitor(reg, opts.Health),
		balancer:   balancer.New(reg),
		aggregator: agg,
		tracker:    tracker.NewTracker(reg, agg, opts.Sessions),
		logger:     logger.NewLogger("Coordinator"),
	}
}

// Start launches the health check loop, the idle-session sweep, and the
// throughput window roll.
func (c *Coordinator) Start() {
	c.monitor.Start()
	c.tracker.Start()
	c.aggregator.Start()
	c.logger.Infof("Coordinator started")
}

// Stop halts the background loops.
func (c *Coordinator) Stop() {
	c.monitor.Stop()
	c.tracker.Stop()
	c.aggregator.Stop()
	c.logger.Infof("Coordinator stopped")
}

// Registry exposes the fleet catalog for provisioning and inspection.
func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

// Tracker exposes the session tracker, primarily so persistence hooks can
// be attached before Start.
func (c *Coordinator) Tracker() *tracker.Tracker {
	return c.tracker
}

// RequestConnection selects a server, reserves a slot, and registers a new
// session. An abort through ctx after the reservation releases the slot, so
// a caller that gives up never leaks capacity.
func (c *Coordinator) RequestConnection(ctx context.Context, req ConnectRequest) (ConnectResult, error) {
	if err := ctx.Err(); err != nil {
		return ConnectResult{}, err
	}

	sel, err := c.balancer.Select(balancer.Request{
		UserID:   req.UserID,
		DeviceID: req.DeviceID,
		Tier:     req.Tier,
		Region:   req.Region,
		Protocol: req.Protocol,
	})
	if err != nil {
		return ConnectResult{}, err
	}

	if err := ctx.Err(); err != nil {
		if rerr := c.registry.ReleaseCapacity(sel.Server.ID); rerr != nil {
			c.logger.Warnf("Releasing slot on %s after abort: %v", sel.Server.ID, rerr)
		}
		return ConnectResult{}, vcerrors.NewTimeoutError("connect", "", err)
	}

	sess, err := c.tracker.StartSession(req.UserID, req.DeviceID, sel.Server.ID, req.Protocol)
	if err != nil {
		return ConnectResult{}, err
	}

	if err := ctx.Err(); err != nil {
		if aerr := c.tracker.Abort(sess.ID); aerr != nil {
			c.logger.Warnf("Aborting session %s: %v", sess.ID, aerr)
		}
		return ConnectResult{}, vcerrors.NewTimeoutError("connect", sess.ID, err)
	}

	return ConnectResult{
		Session:        sess,
		Server:         sel.Server,
		RegionFallback: sel.RegionFallback,
	}, nil
}

// ReportActivity applies one data-plane sample to a session.
func (c *Coordinator) ReportActivity(sessionID string, sample tracker.Sample) error {
	return c.tracker.ReportActivity(sessionID, sample)
}

// Disconnect tears down a session on the client's request.
func (c *Coordinator) Disconnect(sessionID string) error {
	return c.tracker.Disconnect(sessionID)
}

// Heartbeat records a liveness signal from a fleet server.
func (c *Coordinator) Heartbeat(serverID string) error {
	return c.monitor.RecordHeartbeat(serverID, time.Now())
}

// ReportServerErrorRate feeds a server's observed error rate to the health
// monitor.
func (c *Coordinator) ReportServerErrorRate(serverID string, rate float64) error {
	return c.monitor.ReportErrorRate(serverID, rate)
}

// ReportServerFailure marks a server unhealthy after a hard failure signal.
// Existing sessions on it keep running until their own timeouts fire.
func (c *Coordinator) ReportServerFailure(serverID, reason string) error {
	return c.monitor.ReportFailure(serverID, reason)
}

// GetServer returns the current snapshot of one fleet server.
func (c *Coordinator) GetServer(serverID string) (registry.ServerNode, error) {
	return c.registry.Get(serverID)
}

// ListServers returns snapshots of the whole fleet.
func (c *Coordinator) ListServers() []registry.ServerNode {
	return c.registry.List()
}

// GetSession returns a session snapshot, live or recently finished.
func (c *Coordinator) GetSession(sessionID string) (tracker.Session, error) {
	if s, err := c.tracker.Get(sessionID); err == nil {
		return s, nil
	}
	if s, ok := c.tracker.Ended(sessionID); ok {
		return s, nil
	}
	return tracker.Session{}, vcerrors.ErrSessionNotFound
}

// UserSessions returns the user's live sessions.
func (c *Coordinator) UserSessions(userID string) []tracker.Session {
	return c.tracker.SessionsForUser(userID)
}

// UserHistory returns the user's recently finished sessions.
func (c *Coordinator) UserHistory(userID string) []tracker.Session {
	return c.tracker.History(userID)
}

// UserUsage returns the user's cumulative transfer totals.
func (c *Coordinator) UserUsage(userID string) stats.Usage {
	return c.aggregator.UserUsage(userID)
}
