// Package errors defines the error taxonomy of the fleet coordination layer.
// Callers classify failures with errors.Is/As; the gRPC helpers translate them
// for transport boundaries.
package errors

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNodeNotFound is returned for operations against an unknown server node id.
	ErrNodeNotFound = errors.New("server node not found")

	// ErrNodeFull is returned by a capacity reservation that lost the last
	// free slot. The load balancer recovers from it by moving to the next
	// ranked candidate; it is never surfaced to callers directly.
	ErrNodeFull = errors.New("server node at full capacity")

	// ErrUnavailable is returned when no eligible server can be reserved,
	// after the region fallback and the full candidate retry loop.
	ErrUnavailable = errors.New("no eligible server available")

	// ErrPolicyConflict is returned when a connect request violates the
	// one-active-session-per-device policy.
	ErrPolicyConflict = errors.New("device already has an active session")

	// ErrSessionNotFound is returned for operations against an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminal is returned for activity reports against a session
	// that already reached a terminal state.
	ErrSessionTerminal = errors.New("session already in a terminal state")
)

// TimeoutError represents a connect or idle timeout on a session.
type TimeoutError struct {
	Operation string
	SessionID string
	Err       error
}

// Error returns a human-readable error message.
func (e *TimeoutError) Error() string {
	if e.SessionID != "" {
		return "timeout: " + e.Operation + " on " + e.SessionID + ": " + e.Err.Error()
	}
	return "timeout: " + e.Operation + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation, sessionID string, err error) *TimeoutError {
	return &TimeoutError{
		Operation: operation,
		SessionID: sessionID,
		Err:       err,
	}
}

// IsTimeout reports whether err is a timeout error. It checks for TimeoutError,
// context.DeadlineExceeded, and gRPC DeadlineExceeded status codes.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if s, ok := status.FromError(err); ok {
		return s.Code() == codes.DeadlineExceeded
	}

	return false
}

// Code maps a coordination error to a gRPC status code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrNodeNotFound), errors.Is(err, ErrSessionNotFound):
		return codes.NotFound
	case errors.Is(err, ErrNodeFull):
		return codes.ResourceExhausted
	case errors.Is(err, ErrUnavailable):
		return codes.Unavailable
	case errors.Is(err, ErrPolicyConflict):
		return codes.AlreadyExists
	case errors.Is(err, ErrSessionTerminal):
		return codes.FailedPrecondition
	case IsTimeout(err):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// ToStatus converts a coordination error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(Code(err), err.Error())
}
