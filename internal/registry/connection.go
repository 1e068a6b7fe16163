package registry

import (
	"time"

	"github.com/HMasataka/presence/pkg/domain"
)

// Liveness is the probe state of one connection
type Liveness int

const (
	// Alive means the peer answered the last probe, or none was sent yet
	Alive Liveness = iota
	// AwaitingResponse means a probe is outstanding
	AwaitingResponse
)

func (l Liveness) String() string {
	if l == AwaitingResponse {
		return "awaiting_response"
	}
	return "alive"
}

// Conn is one bound transport. All fields are owned by the event loop.
type Conn struct {
	id         string
	identifier string
	clientType string
	transport  domain.Transport
	createdAt  time.Time

	liveness Liveness

	// fixed rate window
	windowStart time.Time
	count       int

	released bool
}

// ID returns the connection id
func (c *Conn) ID() string { return c.id }

// Identifier returns the owning identifier
func (c *Conn) Identifier() string { return c.identifier }

// ClientType returns the client-type hint given at accept, for metrics only
func (c *Conn) ClientType() string { return c.clientType }

// Transport returns the underlying transport
func (c *Conn) Transport() domain.Transport { return c.transport }

// CreatedAt returns when the connection was accepted
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// Liveness returns the current probe state
func (c *Conn) Liveness() Liveness { return c.liveness }

// Released reports whether the connection has left the registry
func (c *Conn) Released() bool { return c.released }
