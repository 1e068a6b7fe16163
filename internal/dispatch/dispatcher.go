package dispatch

import (
	"context"
	"time"

	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/internal/metrics"
	"github.com/HMasataka/presence/internal/registry"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/HMasataka/presence/pkg/errors"
	"github.com/benbjohnson/clock"
)

// Connections is the part of the registry the dispatcher replies and closes through
type Connections interface {
	Closer
	Send(c *registry.Conn, payload []byte) error
}

// Dispatcher routes decoded frames to their handlers. Dispatch must run on
// the event loop.
type Dispatcher struct {
	table   *HandlerTable
	conns   Connections
	clock   clock.Clock
	logger  *logging.Logger
	errors  errors.Handler
	metrics metrics.Recorder
}

// New creates a dispatcher with the HEARTBEAT, PRESENCE_UPDATE and
// DISCONNECT handlers registered
func New(conns Connections, presence Presence, clk clock.Clock, logger *logging.Logger, recorder metrics.Recorder) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	logger = logger.WithFields(map[string]any{"component": "dispatch"})

	table := NewHandlerTable()
	table.Register(domain.MessageTypeHeartbeat, NewHeartbeatHandler(clk))
	table.Register(domain.MessageTypePresenceUpdate, NewPresenceUpdateHandler(presence, logger))
	table.Register(domain.MessageTypeDisconnect, NewDisconnectHandler(conns))

	return &Dispatcher{
		table:   table,
		conns:   conns,
		clock:   clk,
		logger:  logger,
		errors:  errors.NewDefaultHandler(logger.Logger),
		metrics: recorder,
	}
}

// Table returns the handler table
func (d *Dispatcher) Table() *HandlerTable {
	return d.table
}

// Dispatch decodes data and runs the handler for its kind. Invalid frames
// and unknown kinds are dropped; neither closes the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, c *registry.Conn, data []byte) {
	if c.Released() {
		d.metrics.MessageDropped("connection_closed")
		return
	}

	msg, err := Decode(data)
	if err != nil {
		d.metrics.MessageDropped("invalid_frame")
		d.logger.Debug("dropping invalid frame",
			"user_id", c.Identifier(),
			"conn_id", c.ID(),
			"error", err,
		)
		return
	}

	start := time.Now()
	d.metrics.MessageReceived(msg.Type, len(data))

	handler, ok := d.table.Get(msg.Type)
	if !ok {
		d.metrics.MessageDropped("unknown_type")
		d.logger.Debug("dropping message of unknown type",
			"user_id", c.Identifier(),
			"type", msg.Type,
		)
		return
	}

	reply, err := handler.Handle(ctx, c, msg)
	d.metrics.ProcessingLatency(msg.Type, time.Since(start))
	if err != nil {
		d.metrics.Fault("dispatch")
		d.errors.HandleWithLogger(ctx, err, d.logger.With("user_id", c.Identifier(), "type", msg.Type))
		return
	}
	if reply == nil {
		return
	}

	payload, err := reply.Marshal()
	if err != nil {
		d.metrics.Fault("dispatch_marshal")
		d.logger.Error("failed to encode reply", "type", reply.Type, "error", err)
		return
	}
	if err := d.conns.Send(c, payload); err != nil {
		d.logger.Debug("reply send failed", "conn_id", c.ID(), "error", err)
	}
}
