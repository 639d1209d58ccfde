// Package tracker owns the lifecycle of every connection session: creation
// after a capacity slot is reserved, activity updates from the data plane,
// teardown, and stale-session reaping. The tracker is the only component
// that releases capacity, and it releases each session's slot exactly once.
package tracker

import (
	"sync/atomic"
	"time"

	"github.com/vpn-enterprise/vpncore/registry"
	vcerrors "github.com/vpn-enterprise/vpncore/util/errors"
	"github.com/vpn-enterprise/vpncore/util/keylock"
	"github.com/vpn-enterprise/vpncore/util/logger"
	"github.com/vpn-enterprise/vpncore/util/metrics"
	"github.com/vpn-enterprise/vpncore/util/uniqueid"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultSweepInterval  = 30 * time.Second
	defaultIdleTimeout    = 120 * time.Second
	defaultHistoryLimit   = 32
)

// Config tunes session lifecycle behavior. The zero value gets defaults.
type Config struct {
	// ConnectTimeout bounds how long a session may sit in Pending or
	// Connecting before it is failed and its capacity released.
	ConnectTimeout time.Duration
	// SweepInterval is how often the idle sweep scans connected sessions.
	SweepInterval time.Duration
	// IdleTimeout is the maximum silence before a connected session is
	// force-disconnected.
	IdleTimeout time.Duration
	// DevicePolicy picks reject or replace for a second session on the
	// same user and device. Defaults to reject.
	DevicePolicy DevicePolicy
	// HistoryLimit bounds the per-user ring of finished sessions.
	HistoryLimit int
	// OnSessionEnded, when set, receives the final snapshot of every
	// session that reaches a terminal state. It runs on the transition
	// path and must return quickly.
	OnSessionEnded func(Session)
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.DevicePolicy == "" {
		c.DevicePolicy = PolicyReject
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
}

// Tracker holds all live session records. Transitions on one session are
// serialized by a per-session lock; different sessions proceed in parallel.
type Tracker struct {
	registry *registry.Registry
	cfg      Config
	sink     SampleSink
	logger   *logger.Logger

	locks    *keylock.KeyLock
	sessions sessionMap
	// byDevice maps "user/device" to the id of its active session.
	byDevice deviceMap
	// history keeps the most recent finished sessions per user.
	history historyMap
	// lastConnected records when each device last established a session.
	lastConnected deviceTimeMap

	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewTracker creates a tracker bound to the given registry. The sink may be
// nil when no aggregation is wanted.
func NewTracker(reg *registry.Registry, sink SampleSink, cfg Config) *Tracker {
	cfg.applyDefaults()
	return &Tracker{
		registry:      reg,
		cfg:           cfg,
		sink:          sink,
		logger:        logger.NewLogger("Tracker"),
		locks:         keylock.New(),
		sessions:      newSessionMap(),
		byDevice:      newDeviceMap(),
		history:       newHistoryMap(cfg.HistoryLimit),
		lastConnected: newDeviceTimeMap(),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func deviceKey(userID, deviceID string) string {
	return userID + "/" + deviceID
}

// SetOnSessionEnded installs the terminal-session hook after construction.
// Call before Start and before the first session is created.
func (t *Tracker) SetOnSessionEnded(fn func(Session)) {
	t.cfg.OnSessionEnded = fn
}

// StartSession creates a Pending session on the given server. The caller
// must already hold a capacity reservation on serverID; the tracker takes
// ownership of that slot and releases it when the session ends. On a policy
// rejection the slot is released before returning ErrPolicyConflict.
func (t *Tracker) StartSession(userID, deviceID, serverID string, protocol registry.Protocol) (Session, error) {
	dk := deviceKey(userID, deviceID)
	unlock := t.locks.Lock(dk)
	defer unlock()

	if existingID, ok := t.byDevice.get(dk); ok {
		switch t.cfg.DevicePolicy {
		case PolicyReplace:
			t.logger.Infof("Replacing session %s for device %s", existingID, dk)
			if err := t.DisconnectReason(existingID, ReasonReplaced); err != nil {
				t.logger.Warnf("Replacing session %s: %v", existingID, err)
			}
		default:
			if err := t.registry.ReleaseCapacity(serverID); err != nil {
				t.logger.Warnf("Releasing slot on %s after policy rejection: %v", serverID, err)
			}
			return Session{}, vcerrors.ErrPolicyConflict
		}
	}

	now := time.Now()
	s := &session{
		id:            uniqueid.SessionId(),
		userID:        userID,
		deviceID:      deviceID,
		serverID:      serverID,
		protocol:      protocol,
		state:         StatePending,
		establishedAt: now,
		lastActivity:  now,
	}
	id := s.id
	s.connectTimer = time.AfterFunc(t.cfg.ConnectTimeout, func() {
		t.failOnConnectTimeout(id)
	})

	t.sessions.put(s)
	t.byDevice.put(dk, s.id)
	t.lastConnected.put(dk, now)
	metrics.RecordSessionStarted(serverID)
	t.logger.Infof("Session %s created for %s on %s (%s)", s.id, dk, serverID, protocol)
	return s.snapshot(), nil
}

// MarkConnecting records that the data-plane handshake has begun. Valid
// only from Pending; the connect timeout keeps running.
func (t *Tracker) MarkConnecting(sessionID string) error {
	unlock := t.locks.Lock(sessionID)
	defer unlock()

	s, ok := t.sessions.get(sessionID)
	if !ok {
		return vcerrors.ErrSessionNotFound
	}
	if s.state.Terminal() {
		return vcerrors.ErrSessionTerminal
	}
	if s.state == StatePending {
		s.state = StateConnecting
	}
	return nil
}

// ReportActivity applies one data-plane sample. The first sample confirms
// the tunnel and moves a Pending or Connecting session to Connected.
func (t *Tracker) ReportActivity(sessionID string, sample Sample) error {
	unlock := t.locks.Lock(sessionID)

	s, ok := t.sessions.get(sessionID)
	if !ok {
		unlock()
		if _, ended := t.history.find(sessionID); ended {
			return vcerrors.ErrSessionTerminal
		}
		return vcerrors.ErrSessionNotFound
	}
	if s.state.Terminal() || s.state == StateDisconnecting {
		unlock()
		return vcerrors.ErrSessionTerminal
	}

	if s.state == StatePending || s.state == StateConnecting {
		s.connectTimer.Stop()
		s.state = StateConnected
		t.logger.Debugf("Session %s connected", s.id)
	}

	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	if elapsed := sample.Timestamp.Sub(s.lastActivity).Seconds(); elapsed > 0 {
		s.throughput = float64(sample.BytesIn+sample.BytesOut) / elapsed
	}
	s.bytesIn += sample.BytesIn
	s.bytesOut += sample.BytesOut
	if sample.Timestamp.After(s.lastActivity) {
		s.lastActivity = sample.Timestamp
	}
	serverID, userID := s.serverID, s.userID
	unlock()

	metrics.AddBytesTransferred(sample.BytesIn, sample.BytesOut)
	if t.sink != nil {
		t.sink.ConsumeSample(serverID, userID, sample)
	}
	return nil
}

// Disconnect tears a session down on behalf of the client. Calling it on a
// session that already ended is a no-op.
func (t *Tracker) Disconnect(sessionID string) error {
	return t.DisconnectReason(sessionID, ReasonClientRequest)
}

// DisconnectReason is Disconnect with an explicit reason label.
func (t *Tracker) DisconnectReason(sessionID, reason string) error {
	unlock := t.locks.Lock(sessionID)
	defer unlock()

	s, ok := t.sessions.get(sessionID)
	if !ok {
		if _, ended := t.history.find(sessionID); ended {
			return nil
		}
		return vcerrors.ErrSessionNotFound
	}
	if s.state.Terminal() {
		return nil
	}
	s.state = StateDisconnecting
	return t.terminate(sessionID, StateDisconnected, reason)
}

// Abort fails a session whose caller gave up before acknowledging the
// connection, releasing the capacity slot it held.
func (t *Tracker) Abort(sessionID string) error {
	unlock := t.locks.Lock(sessionID)
	defer unlock()

	s, ok := t.sessions.get(sessionID)
	if !ok {
		if _, ended := t.history.find(sessionID); ended {
			return nil
		}
		return vcerrors.ErrSessionNotFound
	}
	if s.state.Terminal() {
		return nil
	}
	return t.terminate(sessionID, StateFailed, ReasonAborted)
}

func (t *Tracker) failOnConnectTimeout(sessionID string) {
	unlock := t.locks.Lock(sessionID)
	defer unlock()

	s, ok := t.sessions.get(sessionID)
	if !ok {
		return
	}
	if s.state != StatePending && s.state != StateConnecting {
		return
	}
	t.logger.Warnf("Session %s timed out before connecting", sessionID)
	if err := t.terminate(sessionID, StateFailed, ReasonConnectTimeout); err != nil {
		t.logger.Errorf("Failing session %s: %v", sessionID, err)
	}
}

// terminate finalizes a session. The caller must hold the session lock.
func (t *Tracker) terminate(sessionID string, final SessionState, reason string) error {
	s, ok := t.sessions.get(sessionID)
	if !ok {
		return vcerrors.ErrSessionNotFound
	}
	if s.state.Terminal() {
		return nil
	}
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}

	s.state = final
	s.reason = reason
	s.endedAt = time.Now()

	if !s.released {
		s.released = true
		if err := t.registry.ReleaseCapacity(s.serverID); err != nil {
			t.logger.Warnf("Releasing capacity on %s for session %s: %v", s.serverID, s.id, err)
		}
	}

	dk := deviceKey(s.userID, s.deviceID)
	t.byDevice.deleteIf(dk, s.id)
	t.sessions.delete(s.id)
	snap := s.snapshot()
	t.history.append(s.userID, snap)
	if t.cfg.OnSessionEnded != nil {
		t.cfg.OnSessionEnded(snap)
	}
	metrics.RecordSessionEnded(s.serverID, reason)
	t.logger.Infof("Session %s ended: %s (%s)", s.id, final, reason)
	return nil
}

// Get returns a snapshot of a live session.
func (t *Tracker) Get(sessionID string) (Session, error) {
	unlock := t.locks.RLock(sessionID)
	defer unlock()

	s, ok := t.sessions.get(sessionID)
	if !ok {
		return Session{}, vcerrors.ErrSessionNotFound
	}
	return s.snapshot(), nil
}

// Ended returns the archived snapshot of a finished session, if it is
// still retained in the history ring.
func (t *Tracker) Ended(sessionID string) (Session, bool) {
	return t.history.find(sessionID)
}

// AllSessions returns snapshots of every live session, in no defined order.
// Each session is locked individually so reads do not tear against
// concurrent activity updates.
func (t *Tracker) AllSessions() []Session {
	ids := t.sessions.ids()
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		unlock := t.locks.RLock(id)
		if s, ok := t.sessions.get(id); ok {
			out = append(out, s.snapshot())
		}
		unlock()
	}
	return out
}

// SessionsForUser returns snapshots of the user's live sessions.
func (t *Tracker) SessionsForUser(userID string) []Session {
	out := make([]Session, 0, 2)
	for _, s := range t.AllSessions() {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// History returns the user's most recent finished sessions, newest last.
func (t *Tracker) History(userID string) []Session {
	return t.history.get(userID)
}

// LastConnected reports when the device last established a session.
func (t *Tracker) LastConnected(userID, deviceID string) (time.Time, bool) {
	return t.lastConnected.get(deviceKey(userID, deviceID))
}

// ActiveSession returns the id of the device's active session, if any.
func (t *Tracker) ActiveSession(userID, deviceID string) (string, bool) {
	return t.byDevice.get(deviceKey(userID, deviceID))
}

// NumSessions returns the count of live sessions.
func (t *Tracker) NumSessions() int {
	return t.sessions.len()
}
