package gateway

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/HMasataka/presence/internal/dispatch"
	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/internal/metrics"
	"github.com/HMasataka/presence/internal/presence"
	"github.com/HMasataka/presence/internal/registry"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/HMasataka/presence/pkg/errors"
)

// Loop is the scheduler every callback runs on
type Loop interface {
	Post(name string, fn func()) error
	Call(ctx context.Context, name string, fn func()) error
	Every(name string, interval time.Duration, fn func())
}

// Options holds the gateway timers
type Options struct {
	ProbeInterval  time.Duration
	SampleInterval time.Duration
}

// DefaultOptions returns the default timers
func DefaultOptions() Options {
	return Options{
		ProbeInterval:  30 * time.Second,
		SampleInterval: 15 * time.Second,
	}
}

// Stats is a point-in-time view of the core
type Stats struct {
	Connections int                   `json:"connections"`
	Identifiers int                   `json:"identifiers"`
	Records     map[domain.Status]int `json:"records"`
}

// Gateway turns transport callbacks into event loop turns. It is the only
// entry point into the registry, the presence manager and the dispatcher
// from other goroutines.
type Gateway struct {
	loop       Loop
	registry   *registry.Registry
	presence   *presence.Manager
	dispatcher *dispatch.Dispatcher
	logger     *logging.Logger
	metrics    metrics.Recorder
}

// New creates a gateway and registers the probe and sample timers on loop.
// It must be called before the loop is started.
func New(loop Loop, reg *registry.Registry, manager *presence.Manager, dispatcher *dispatch.Dispatcher, logger *logging.Logger, recorder metrics.Recorder, options Options) *Gateway {
	if recorder == nil {
		recorder = metrics.Noop{}
	}

	g := &Gateway{
		loop:       loop,
		registry:   reg,
		presence:   manager,
		dispatcher: dispatcher,
		logger:     logger.WithFields(map[string]any{"component": "gateway"}),
		metrics:    recorder,
	}

	loop.Every("registry.sweep", options.ProbeInterval, g.sweep)
	loop.Every("metrics.sample", options.SampleInterval, g.sample)

	return g
}

// admission states, claimed by CAS so that exactly one of the loop task and
// an abandoning caller decides the outcome
const (
	admissionPending int32 = iota
	admissionRunning
	admissionAbandoned
)

// Open admits transport for identifier. On error the transport has already
// been closed with the matching close code and nothing was registered.
func (g *Gateway) Open(ctx context.Context, identifier string, transport domain.Transport, clientType string) (domain.Session, error) {
	var (
		c     *registry.Conn
		err   error
		state atomic.Int32
	)
	finished := make(chan struct{})

	callErr := g.loop.Call(ctx, "gateway.open", func() {
		if !state.CompareAndSwap(admissionPending, admissionRunning) {
			return
		}
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				err = errors.New(errors.ErrorTypeInternal, "ACCEPT_FAULT", fmt.Sprint(r))
				g.fault(identifier, transport, r)
			}
		}()
		c, err = g.registry.Accept(identifier, transport, clientType)
	})
	if callErr != nil {
		if state.CompareAndSwap(admissionPending, admissionAbandoned) {
			// the queued task will see the abandoned state and skip Accept
			err = callErr
		} else {
			// already running on the loop; its outcome stands
			<-finished
		}
	}

	if err != nil {
		code := domain.CloseCodeFor(err)
		g.logger.Info("connection refused",
			"user_id", identifier,
			"transport_id", transport.ID(),
			"code", int(code),
			"error", err,
		)
		_ = transport.Close(code, closeReason(err))
		return nil, err
	}

	return &session{gateway: g, conn: c}, nil
}

// fault cleans up after a panic during accept. The connection may already
// be in the index when the panic came from a bind observer.
func (g *Gateway) fault(identifier string, transport domain.Transport, recovered any) {
	g.metrics.Fault("accept")
	g.logger.Error("fault during accept",
		"user_id", identifier,
		"transport_id", transport.ID(),
		"panic", fmt.Sprint(recovered),
	)
	for _, c := range g.registry.Connections(identifier) {
		if c.Transport() == transport {
			g.registry.Close(c, domain.CloseInternalError, "internal error")
			return
		}
	}
}

// Query returns the record for identifier
func (g *Gateway) Query(ctx context.Context, identifier string) (domain.Record, bool, error) {
	var (
		r  domain.Record
		ok bool
	)
	err := g.loop.Call(ctx, "presence.query", func() {
		r, ok = g.presence.Query(identifier)
	})
	return r, ok, err
}

// QueryAll returns every record ordered by identifier
func (g *Gateway) QueryAll(ctx context.Context) ([]domain.Record, error) {
	var records []domain.Record
	err := g.loop.Call(ctx, "presence.query_all", func() {
		records = g.presence.QueryAll()
	})
	return records, err
}

// Stats returns connection and record counts
func (g *Gateway) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := g.loop.Call(ctx, "gateway.stats", func() {
		s = g.stats()
	})
	return s, err
}

// CloseAll closes every live connection with code. Each release runs the
// normal disconnect path.
func (g *Gateway) CloseAll(ctx context.Context, code domain.CloseCode, reason string) (int, error) {
	var n int
	err := g.loop.Call(ctx, "registry.close_all", func() {
		n = g.registry.CloseAll(code, reason)
	})
	return n, err
}

func (g *Gateway) sweep() {
	probed, terminated := g.registry.Sweep()
	if terminated > 0 {
		g.logger.Info("liveness sweep", "probed", probed, "terminated", terminated)
	}
}

func (g *Gateway) sample() {
	s := g.stats()
	g.metrics.Sample(s.Connections, s.Identifiers, s.Records)
}

func (g *Gateway) stats() Stats {
	return Stats{
		Connections: g.registry.Len(),
		Identifiers: g.registry.IdentifierCount(),
		Records:     g.presence.CountByStatus(),
	}
}

// post queues fn and drops it when the loop has stopped
func (g *Gateway) post(name string, fn func()) {
	if err := g.loop.Post(name, fn); err != nil {
		g.logger.Debug("dropping callback after stop", "task", name)
	}
}

// session is the per-connection callback sink handed to the transport
type session struct {
	gateway *Gateway
	conn    *registry.Conn
}

func (s *session) Frame(data []byte) {
	g := s.gateway
	g.post("gateway.frame", func() {
		c := s.conn
		if c.Released() {
			g.metrics.MessageDropped("connection_closed")
			return
		}
		if err := g.registry.CheckSize(len(data)); err != nil {
			g.registry.Violate(c, err)
			return
		}
		if err := g.registry.AllowMessage(c); err != nil {
			g.metrics.MessageDropped("rate_limited")
			g.registry.Violate(c, err)
			return
		}
		g.dispatcher.Dispatch(context.Background(), c, data)
	})
}

func (s *session) Oversized(size int) {
	g := s.gateway
	g.post("gateway.oversized", func() {
		g.metrics.MessageDropped("too_large")
		g.registry.Violate(s.conn, domain.ErrMessageTooLarge.WithDetails(
			fmt.Sprintf("%d bytes exceeds limit of %d", size, g.registry.Options().MaxMessageSize)))
	})
}

func (s *session) Pong() {
	g := s.gateway
	g.post("gateway.pong", func() {
		g.registry.MarkAlive(s.conn)
	})
}

func (s *session) Closed(code domain.CloseCode) {
	g := s.gateway
	g.post("gateway.closed", func() {
		g.registry.Release(s.conn, code)
	})
}

func closeReason(err error) string {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal error"
}
