package dispatch

import (
	"context"

	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/internal/registry"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/benbjohnson/clock"
)

// Handler handles one kind of inbound message. A non-nil reply is sent back
// on the same connection.
type Handler interface {
	Handle(ctx context.Context, c *registry.Conn, msg *domain.Message) (*domain.Message, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, c *registry.Conn, msg *domain.Message) (*domain.Message, error)

func (f HandlerFunc) Handle(ctx context.Context, c *registry.Conn, msg *domain.Message) (*domain.Message, error) {
	return f(ctx, c, msg)
}

// Presence is the part of the presence manager the dispatcher drives
type Presence interface {
	UpdateStatus(identifier string, status domain.Status, patch domain.MetadataPatch) bool
}

// Closer closes a connection through the registry
type Closer interface {
	Close(c *registry.Conn, code domain.CloseCode, reason string)
}

// HandlerTable maps message kinds to handlers
type HandlerTable struct {
	handlers map[domain.MessageType]Handler
}

// NewHandlerTable creates an empty table
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{
		handlers: make(map[domain.MessageType]Handler),
	}
}

// Register binds messageType to handler, replacing any previous binding
func (t *HandlerTable) Register(messageType domain.MessageType, handler Handler) {
	t.handlers[messageType] = handler
}

// Get returns the handler bound to messageType
func (t *HandlerTable) Get(messageType domain.MessageType) (Handler, bool) {
	h, ok := t.handlers[messageType]
	return h, ok
}

// HeartbeatHandler answers HEARTBEAT with HEARTBEAT_ACK
type HeartbeatHandler struct {
	clock clock.Clock
}

func NewHeartbeatHandler(clk clock.Clock) *HeartbeatHandler {
	return &HeartbeatHandler{clock: clk}
}

func (h *HeartbeatHandler) Handle(_ context.Context, c *registry.Conn, _ *domain.Message) (*domain.Message, error) {
	ack := domain.NewHeartbeatAck(c.Identifier(), h.clock.Now())
	return &ack, nil
}

// PresenceUpdateHandler forwards PRESENCE_UPDATE to the presence manager.
// The connection's identifier is used; a userId in the frame is ignored.
type PresenceUpdateHandler struct {
	presence Presence
	logger   *logging.Logger
}

func NewPresenceUpdateHandler(presence Presence, logger *logging.Logger) *PresenceUpdateHandler {
	return &PresenceUpdateHandler{
		presence: presence,
		logger:   logger,
	}
}

func (h *PresenceUpdateHandler) Handle(_ context.Context, c *registry.Conn, msg *domain.Message) (*domain.Message, error) {
	if msg.UserID != "" && msg.UserID != c.Identifier() {
		h.logger.Debug("ignoring userId in frame",
			"user_id", c.Identifier(),
			"claimed", msg.UserID,
		)
	}
	h.presence.UpdateStatus(c.Identifier(), msg.Payload.Status, msg.Payload.Metadata)
	return nil, nil
}

// DisconnectHandler closes the connection normally
type DisconnectHandler struct {
	closer Closer
}

func NewDisconnectHandler(closer Closer) *DisconnectHandler {
	return &DisconnectHandler{closer: closer}
}

func (h *DisconnectHandler) Handle(_ context.Context, c *registry.Conn, _ *domain.Message) (*domain.Message, error) {
	h.closer.Close(c, domain.CloseNormal, "client disconnect")
	return nil, nil
}
