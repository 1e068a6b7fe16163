package domain

// CloseCode is a WebSocket close status code.
type CloseCode int

const (
	// CloseNormal is used for client DISCONNECT and graceful shutdown
	CloseNormal CloseCode = 1000
	// CloseAbnormal is reported locally when the peer vanished without a close frame
	CloseAbnormal CloseCode = 1006
	// CloseProtocolError is used when the identifier is missing
	CloseProtocolError CloseCode = 1002
	// ClosePolicyViolation is used for rate, size and connection cap violations
	ClosePolicyViolation CloseCode = 1008
	// CloseInternalError is used for unhandled faults during accept
	CloseInternalError CloseCode = 1011
)

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseAbnormal:
		return "abnormal"
	case CloseProtocolError:
		return "protocol_error"
	case ClosePolicyViolation:
		return "policy_violation"
	case CloseInternalError:
		return "internal_error"
	default:
		return "other"
	}
}

// Transport is one bidirectional channel as seen by the core. Every method
// must return without waiting on network I/O: implementations queue the
// work for their own writer.
type Transport interface {
	// ID returns a transport-unique identifier used in logs
	ID() string

	// Send queues a serialized message for delivery
	Send(message []byte) error

	// Ping queues a liveness probe; the answer arrives through the owner's
	// pong callback
	Ping() error

	// Close queues a close frame with the given code and tears the channel
	// down. Calling Close more than once is a no-op.
	Close(code CloseCode, reason string) error
}

// Session receives the callbacks of one admitted transport. The transport
// calls them from its own goroutines; implementations hand them to the core.
type Session interface {
	// Frame delivers one complete inbound frame
	Frame(data []byte)

	// Oversized reports a frame that was larger than the limit. Its payload
	// was not read.
	Oversized(size int)

	// Pong reports the answer to a liveness probe
	Pong()

	// Closed reports that the channel is gone
	Closed(code CloseCode)
}
