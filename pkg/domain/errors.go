package domain

import (
	"github.com/HMasataka/presence/pkg/errors"
)

// Admission errors: the connection never enters the registry.
var (
	// ErrMissingIdentifier is returned when the userId parameter is absent or empty
	ErrMissingIdentifier = errors.New(errors.ErrorTypeAdmission, "MISSING_IDENTIFIER", "userId is required")

	// ErrConnectionLimit is returned when the identifier already holds the maximum number of connections
	ErrConnectionLimit = errors.New(errors.ErrorTypeAdmission, "CONNECTION_LIMIT", "too many connections for identifier")

	// ErrAcceptThrottled is returned when the global accept rate is exhausted
	ErrAcceptThrottled = errors.New(errors.ErrorTypeAdmission, "ACCEPT_THROTTLED", "too many connection attempts")
)

// Protocol and policy errors on a live connection.
var (
	// ErrInvalidFrame is returned for malformed frames; the connection stays open
	ErrInvalidFrame = errors.New(errors.ErrorTypeProtocol, "INVALID_FRAME", "invalid frame")

	// ErrRateLimited is returned when a connection exceeds its message rate
	ErrRateLimited = errors.New(errors.ErrorTypePolicy, "RATE_LIMITED", "message rate limit exceeded")

	// ErrMessageTooLarge is returned when a frame exceeds the size limit
	ErrMessageTooLarge = errors.New(errors.ErrorTypePolicy, "MESSAGE_TOO_LARGE", "message too large")
)

// Collaborator and lifecycle errors.
var (
	// ErrRecordNotFound is returned by store lookups that miss
	ErrRecordNotFound = errors.New(errors.ErrorTypeNotFound, "RECORD_NOT_FOUND", "presence record not found")

	// ErrConnectionClosed is returned when sending on a closed connection
	ErrConnectionClosed = errors.New(errors.ErrorTypeTransport, "CONNECTION_CLOSED", "connection closed")

	// ErrSendBufferFull is returned when a peer does not drain its send buffer
	ErrSendBufferFull = errors.New(errors.ErrorTypeTransport, "SEND_BUFFER_FULL", "send buffer is full")

	// ErrLoopStopped is returned when posting to a stopped event loop
	ErrLoopStopped = errors.New(errors.ErrorTypeInternal, "LOOP_STOPPED", "event loop stopped")
)

// CloseCodeFor maps an admission or policy error to the close code sent to
// the peer.
func CloseCodeFor(err error) CloseCode {
	switch {
	case err == nil:
		return CloseNormal
	case errors.Is(err, ErrMissingIdentifier):
		return CloseProtocolError
	case errors.Is(err, ErrConnectionLimit),
		errors.Is(err, ErrAcceptThrottled),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrMessageTooLarge):
		return ClosePolicyViolation
	default:
		return CloseInternalError
	}
}
