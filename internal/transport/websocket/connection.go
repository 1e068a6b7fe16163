package websocket

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/pkg/domain"
	ws "github.com/gorilla/websocket"
	"github.com/rs/xid"
)

// ConnectionOptions configures one WebSocket connection
type ConnectionOptions struct {
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendBufferSize int
}

// DefaultConnectionOptions returns the default connection options
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1 << 20,
		SendBufferSize: 256,
	}
}

type frameKind int

const (
	textFrame frameKind = iota
	pingFrame
)

type frame struct {
	kind frameKind
	data []byte
}

// Connection implements domain.Transport over a gorilla connection. Send,
// Ping and Close only queue work for the write pump.
type Connection struct {
	id      string
	conn    *ws.Conn
	logger  *logging.Logger
	options ConnectionOptions

	ctx    context.Context
	cancel context.CancelFunc
	frames chan frame

	mu          sync.RWMutex
	closed      bool
	closeCode   domain.CloseCode
	closeReason string
	closing     chan struct{}
	writerDone  chan struct{}
}

// NewConnection wraps conn. Start must be called before anything is sent.
func NewConnection(conn *ws.Conn, logger *logging.Logger, options ConnectionOptions) *Connection {
	defaults := DefaultConnectionOptions()
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = defaults.WriteTimeout
	}
	if options.MaxMessageSize <= 0 {
		options.MaxMessageSize = defaults.MaxMessageSize
	}
	if options.SendBufferSize <= 0 {
		options.SendBufferSize = defaults.SendBufferSize
	}

	id := xid.New().String()
	ctx, cancel := context.WithCancel(context.Background())

	return &Connection{
		id:         id,
		conn:       conn,
		logger:     logger.WithFields(map[string]any{"transport_id": id}),
		options:    options,
		ctx:        ctx,
		cancel:     cancel,
		frames:     make(chan frame, options.SendBufferSize),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *Connection) ID() string {
	return c.id
}

// Send queues a text frame
func (c *Connection) Send(message []byte) error {
	return c.enqueue(frame{kind: textFrame, data: message})
}

// Ping queues a ping control frame
func (c *Connection) Ping() error {
	return c.enqueue(frame{kind: pingFrame})
}

func (c *Connection) enqueue(f frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return domain.ErrConnectionClosed
	}

	select {
	case c.frames <- f:
		return nil
	default:
		return domain.ErrSendBufferFull
	}
}

// Close flushes queued frames, sends a close frame with code and tears the
// connection down. CloseAbnormal drops the socket without a close frame.
func (c *Connection) Close(code domain.CloseCode, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	c.mu.Unlock()

	if code == domain.CloseAbnormal {
		c.cancel()
		return c.conn.Close()
	}

	close(c.closing)
	return nil
}

// Start starts the write pump
func (c *Connection) Start() {
	go c.writePump()
}

// Wait blocks until the write pump has stopped
func (c *Connection) Wait() {
	<-c.writerDone
}

// Serve reads frames into session until the connection ends, then reports
// the close code and releases the socket
func (c *Connection) Serve(session domain.Session) {
	code := c.readPump(session)
	session.Closed(code)

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	_ = c.conn.Close()
	c.Wait()

	c.logger.Debug("connection finished", "code", int(code))
}

func (c *Connection) readPump(session domain.Session) domain.CloseCode {
	c.conn.SetPongHandler(func(string) error {
		session.Pong()
		return nil
	})

	for {
		messageType, r, err := c.conn.NextReader()
		if err != nil {
			return c.closeCodeFor(err)
		}
		if messageType != ws.TextMessage && messageType != ws.BinaryMessage {
			continue
		}

		data, err := io.ReadAll(io.LimitReader(r, c.options.MaxMessageSize+1))
		if err != nil {
			return c.closeCodeFor(err)
		}
		if int64(len(data)) > c.options.MaxMessageSize {
			session.Oversized(len(data))
			continue
		}

		session.Frame(data)
	}
}

func (c *Connection) closeCodeFor(err error) domain.CloseCode {
	var closeErr *ws.CloseError
	if errors.As(err, &closeErr) {
		c.logger.Debug("peer closed connection", "code", closeErr.Code, "text", closeErr.Text)
		return domain.CloseCode(closeErr.Code)
	}

	c.mu.RLock()
	closed, code := c.closed, c.closeCode
	c.mu.RUnlock()
	if closed {
		return code
	}

	c.logger.Debug("connection lost", "error", err)
	return domain.CloseAbnormal
}

func (c *Connection) writePump() {
	defer close(c.writerDone)

	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.frames:
			if err := c.write(f); err != nil {
				c.logger.Debug("websocket write error", "error", err)
				c.cancel()
				_ = c.conn.Close()
				return
			}
		case <-c.closing:
			c.flush()
			return
		}
	}
}

// flush writes what is still queued, then the close frame. The read pump
// ends when the peer answers or the deadline passes.
func (c *Connection) flush() {
	for {
		select {
		case f := <-c.frames:
			if err := c.write(f); err != nil {
				_ = c.conn.Close()
				return
			}
			continue
		default:
		}
		break
	}

	c.mu.RLock()
	code, reason := c.closeCode, c.closeReason
	c.mu.RUnlock()

	deadline := time.Now().Add(c.options.WriteTimeout)
	msg := ws.FormatCloseMessage(int(code), reason)
	if err := c.conn.WriteControl(ws.CloseMessage, msg, deadline); err != nil {
		_ = c.conn.Close()
		return
	}
	_ = c.conn.SetReadDeadline(deadline)
}

func (c *Connection) write(f frame) error {
	deadline := time.Now().Add(c.options.WriteTimeout)
	if f.kind == pingFrame {
		return c.conn.WriteControl(ws.PingMessage, nil, deadline)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(ws.TextMessage, f.data)
}

var _ domain.Transport = (*Connection)(nil)
