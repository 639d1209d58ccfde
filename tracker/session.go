package tracker

import (
	"time"

	"github.com/vpn-enterprise/vpncore/registry"
)

// SessionState is the lifecycle state of a connection session.
type SessionState int

const (
	StatePending SessionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Terminal reports whether the state accepts no further transitions.
func (s SessionState) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// Active reports whether the session occupies a capacity slot and counts
// against the per-device policy.
func (s SessionState) Active() bool {
	return !s.Terminal()
}

// Disconnect reasons recorded on terminal sessions.
const (
	ReasonClientRequest  = "client_request"
	ReasonIdleTimeout    = "idle_timeout"
	ReasonConnectTimeout = "connect_timeout"
	ReasonReplaced       = "replaced"
	ReasonAborted        = "aborted"
)

// Session is a point-in-time snapshot of a tracked session.
type Session struct {
	ID            string
	UserID        string
	DeviceID      string
	ServerID      string
	Protocol      registry.Protocol
	State         SessionState
	EstablishedAt time.Time
	LastActivity  time.Time
	BytesIn       uint64
	BytesOut      uint64
	// ThroughputBPS is the instantaneous rate estimated from the two most
	// recent activity samples.
	ThroughputBPS float64
	// DisconnectReason is set once the session reaches a terminal state.
	DisconnectReason string
	EndedAt          time.Time
}

// Sample is one activity report from the data plane. Byte counts are deltas
// since the previous sample, not cumulative totals.
type Sample struct {
	Timestamp time.Time
	BytesIn   uint64
	BytesOut  uint64
}

// SampleSink receives every accepted activity sample. The metrics
// aggregator implements it; the tracker never blocks on the sink.
type SampleSink interface {
	ConsumeSample(serverID, userID string, sample Sample)
}

// DevicePolicy decides what happens when a device that already holds an
// active session asks for another one.
type DevicePolicy string

const (
	// PolicyReject refuses the new session.
	PolicyReject DevicePolicy = "reject"
	// PolicyReplace tears down the existing session first.
	PolicyReplace DevicePolicy = "replace"
)

type session struct {
	id            string
	userID        string
	deviceID      string
	serverID      string
	protocol      registry.Protocol
	state         SessionState
	establishedAt time.Time
	lastActivity  time.Time
	bytesIn       uint64
	bytesOut      uint64
	throughput    float64
	reason        string
	endedAt       time.Time

	connectTimer *time.Timer
	// released guards the single capacity release a session is entitled to.
	released bool
}

func (s *session) snapshot() Session {
	return Session{
		ID:               s.id,
		UserID:           s.userID,
		DeviceID:         s.deviceID,
		ServerID:         s.serverID,
		Protocol:         s.protocol,
		State:            s.state,
		EstablishedAt:    s.establishedAt,
		LastActivity:     s.lastActivity,
		BytesIn:          s.bytesIn,
		BytesOut:         s.bytesOut,
		ThroughputBPS:    s.throughput,
		DisconnectReason: s.reason,
		EndedAt:          s.endedAt,
	}
}
