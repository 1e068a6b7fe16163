package registry

import (
	"fmt"
	"time"

	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/internal/metrics"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/HMasataka/presence/pkg/errors"
	"github.com/benbjohnson/clock"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/xid"
)

// Options holds the registry limits
type Options struct {
	MaxConnectionsPerIdentifier int
	MaxMessagesPerSecond        int
	MaxMessageSize              int
	RateWindow                  time.Duration
}

// DefaultOptions returns the default registry limits
func DefaultOptions() Options {
	return Options{
		MaxConnectionsPerIdentifier: 5,
		MaxMessagesPerSecond:        100,
		MaxMessageSize:              1 << 20,
		RateWindow:                  time.Second,
	}
}

// Observer is told about bind and unbind events. Both callbacks run on the
// event loop, inside the turn that caused them.
type Observer interface {
	// OnConnect is called after c was added to its identifier's set
	OnConnect(c *Conn)
	// OnDisconnect is called when identifier's last connection was released
	OnDisconnect(identifier string)
}

// Registry owns every live connection and the identifier index. It is not
// safe for concurrent use: every method must run on the event loop.
type Registry struct {
	index    map[string]mapset.Set[*Conn]
	total    int
	options  Options
	clock    clock.Clock
	logger   *logging.Logger
	metrics  metrics.Recorder
	observer Observer
}

// New creates a new registry
func New(logger *logging.Logger, recorder metrics.Recorder, clk clock.Clock, options Options) *Registry {
	defaults := DefaultOptions()
	if options.MaxConnectionsPerIdentifier <= 0 {
		options.MaxConnectionsPerIdentifier = defaults.MaxConnectionsPerIdentifier
	}
	if options.MaxMessagesPerSecond <= 0 {
		options.MaxMessagesPerSecond = defaults.MaxMessagesPerSecond
	}
	if options.MaxMessageSize <= 0 {
		options.MaxMessageSize = defaults.MaxMessageSize
	}
	if options.RateWindow <= 0 {
		options.RateWindow = defaults.RateWindow
	}
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Registry{
		index:   make(map[string]mapset.Set[*Conn]),
		options: options,
		clock:   clk,
		logger:  logger.WithFields(map[string]any{"component": "registry"}),
		metrics: recorder,
	}
}

// SetObserver sets the bind/unbind observer
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

// Options returns the effective limits
func (r *Registry) Options() Options {
	return r.options
}

// Accept binds transport to identifier. On error nothing was added and the
// caller must close the transport with domain.CloseCodeFor(err).
func (r *Registry) Accept(identifier string, transport domain.Transport, clientType string) (*Conn, error) {
	if identifier == "" {
		r.metrics.ConnectionRejected(errorCode(domain.ErrMissingIdentifier))
		return nil, domain.ErrMissingIdentifier
	}

	set, ok := r.index[identifier]
	if ok && set.Cardinality() >= r.options.MaxConnectionsPerIdentifier {
		r.metrics.ConnectionRejected(errorCode(domain.ErrConnectionLimit))
		return nil, domain.ErrConnectionLimit.WithDetails(
			fmt.Sprintf("%s already holds %d connections", identifier, r.options.MaxConnectionsPerIdentifier))
	}
	if !ok {
		set = mapset.NewThreadUnsafeSet[*Conn]()
		r.index[identifier] = set
	}

	now := r.clock.Now()
	c := &Conn{
		id:          xid.New().String(),
		identifier:  identifier,
		clientType:  clientType,
		transport:   transport,
		createdAt:   now,
		liveness:    Alive,
		windowStart: now,
	}
	set.Add(c)
	r.total++

	r.metrics.ConnectionAccepted(clientType)
	r.logger.Info("connection accepted",
		"user_id", identifier,
		"conn_id", c.id,
		"transport_id", transport.ID(),
		"client_type", clientType,
		"user_connections", set.Cardinality(),
		"total_connections", r.total,
	)

	if r.observer != nil {
		r.observer.OnConnect(c)
	}
	return c, nil
}

// Release removes c from the index. When it was the identifier's last
// connection the key is removed and the observer is told. Releasing twice
// is a no-op.
func (r *Registry) Release(c *Conn, code domain.CloseCode) {
	if c == nil || c.released {
		return
	}
	c.released = true
	c.count = 0

	set, ok := r.index[c.identifier]
	if !ok || !set.Contains(c) {
		return
	}
	set.Remove(c)
	r.total--

	last := set.Cardinality() == 0
	if last {
		delete(r.index, c.identifier)
	}

	r.metrics.ConnectionClosed(c.clientType, code)
	r.logger.Info("connection released",
		"user_id", c.identifier,
		"conn_id", c.id,
		"code", int(code),
		"last", last,
		"total_connections", r.total,
	)

	if last && r.observer != nil {
		r.observer.OnDisconnect(c.identifier)
	}
}

// Close closes the transport with code and releases c
func (r *Registry) Close(c *Conn, code domain.CloseCode, reason string) {
	if c == nil || c.released {
		return
	}
	if err := c.transport.Close(code, reason); err != nil {
		r.logger.Debug("transport close failed", "conn_id", c.id, "error", err)
	}
	r.Release(c, code)
}

// Violate sends an ERROR envelope describing err, then closes c with the
// code mapped from err
func (r *Registry) Violate(c *Conn, err error) {
	if c == nil || c.released {
		return
	}

	code := errorCode(err)
	r.logger.Warn("closing connection on policy violation",
		"user_id", c.identifier,
		"conn_id", c.id,
		"reason", code,
	)

	msg := domain.NewErrorMessage(code, errorText(err), r.clock.Now())
	if payload, merr := msg.Marshal(); merr == nil {
		_ = c.transport.Send(payload)
	}
	r.Close(c, domain.CloseCodeFor(err), code)
}

// Send delivers payload to one connection
func (r *Registry) Send(c *Conn, payload []byte) error {
	if c == nil || c.released {
		return domain.ErrConnectionClosed
	}
	return c.transport.Send(payload)
}

// Broadcast sends payload to every live connection except those owned by
// excludeIdentifier, when set. Failures are isolated per connection.
func (r *Registry) Broadcast(payload []byte, excludeIdentifier string) (delivered, failed int) {
	for identifier, set := range r.index {
		if excludeIdentifier != "" && identifier == excludeIdentifier {
			continue
		}
		for _, c := range set.ToSlice() {
			if err := c.transport.Send(payload); err != nil {
				failed++
				r.logger.Debug("broadcast send failed",
					"user_id", identifier,
					"conn_id", c.id,
					"error", err,
				)
				continue
			}
			delivered++
		}
	}

	r.metrics.BroadcastDelivered(delivered, failed)
	return delivered, failed
}

// Sweep runs one liveness probe round. Connections still awaiting a
// response from the previous round are terminated; the rest are probed.
func (r *Registry) Sweep() (probed, terminated int) {
	for _, c := range r.all() {
		if c.released {
			continue
		}
		if c.liveness == AwaitingResponse {
			terminated++
			r.metrics.ProbeTimedOut()
			r.logger.Warn("liveness probe timed out", "user_id", c.identifier, "conn_id", c.id)
			r.Close(c, domain.CloseAbnormal, "liveness probe timeout")
			continue
		}

		c.liveness = AwaitingResponse
		if err := c.transport.Ping(); err != nil {
			r.logger.Debug("probe send failed", "conn_id", c.id, "error", err)
		}
		probed++
	}
	return probed, terminated
}

// MarkAlive records a probe response
func (r *Registry) MarkAlive(c *Conn) {
	if c == nil || c.released {
		return
	}
	c.liveness = Alive
}

// AllowMessage counts one inbound message against c's fixed window and
// returns ErrRateLimited once the window holds more than the limit.
func (r *Registry) AllowMessage(c *Conn) error {
	now := r.clock.Now()
	if now.Sub(c.windowStart) >= r.options.RateWindow {
		c.windowStart = now
		c.count = 0
	}
	if c.count >= r.options.MaxMessagesPerSecond {
		return domain.ErrRateLimited.WithDetails(
			fmt.Sprintf("more than %d messages per %s", r.options.MaxMessagesPerSecond, r.options.RateWindow))
	}
	c.count++
	return nil
}

// CheckSize returns ErrMessageTooLarge when size exceeds the frame limit
func (r *Registry) CheckSize(size int) error {
	if size > r.options.MaxMessageSize {
		return domain.ErrMessageTooLarge.WithDetails(
			fmt.Sprintf("%d bytes exceeds limit of %d", size, r.options.MaxMessageSize))
	}
	return nil
}

// ConnectionCount returns the number of live connections for identifier
func (r *Registry) ConnectionCount(identifier string) int {
	set, ok := r.index[identifier]
	if !ok {
		return 0
	}
	return set.Cardinality()
}

// Connections returns the live connections of identifier
func (r *Registry) Connections(identifier string) []*Conn {
	set, ok := r.index[identifier]
	if !ok {
		return nil
	}
	return set.ToSlice()
}

// IdentifierCount returns the number of identifiers with a live connection
func (r *Registry) IdentifierCount() int {
	return len(r.index)
}

// Len returns the number of live connections
func (r *Registry) Len() int {
	return r.total
}

// CloseAll closes every connection with code
func (r *Registry) CloseAll(code domain.CloseCode, reason string) int {
	conns := r.all()
	for _, c := range conns {
		r.Close(c, code, reason)
	}
	return len(conns)
}

func (r *Registry) all() []*Conn {
	conns := make([]*Conn, 0, r.total)
	for _, set := range r.index {
		conns = append(conns, set.ToSlice()...)
	}
	return conns
}

func errorCode(err error) string {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL"
}

func errorText(err error) string {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
