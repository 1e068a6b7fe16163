// Package client is a small Go client for the presence WebSocket endpoint
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/HMasataka/presence/pkg/errors"
	"github.com/cenkalti/backoff/v4"
	gorillaws "github.com/gorilla/websocket"
)

// Options represents client options
type Options struct {
	Logger     *logging.Logger
	ClientType string
	// ClientTypeHeader must match the server's header name
	ClientTypeHeader string
	// HeartbeatInterval starts a HEARTBEAT sender when positive
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	EventBuffer       int
	// DialAttempts is the number of dial attempts before giving up
	DialAttempts int
	DialBackoff  time.Duration
	Dialer       *gorillaws.Dialer
}

// DefaultOptions returns default client options
func DefaultOptions() Options {
	return Options{
		ClientTypeHeader: "X-Client-Type",
		WriteTimeout:     5 * time.Second,
		EventBuffer:      64,
		DialAttempts:     1,
		DialBackoff:      500 * time.Millisecond,
	}
}

// Client is one presence connection
type Client struct {
	userID  string
	conn    *gorillaws.Conn
	options Options
	logger  *logging.Logger

	writeMu sync.Mutex
	events  chan domain.Message
	done    chan struct{}

	mu        sync.RWMutex
	closeCode domain.CloseCode
	closeText string

	stopHeartbeat chan struct{}
	stopOnce      sync.Once
}

// Dial connects to serverURL, the server's /ws endpoint, as userID
func Dial(ctx context.Context, serverURL, userID string, options Options) (*Client, error) {
	defaults := DefaultOptions()
	if options.Logger == nil {
		options.Logger = logging.Discard()
	}
	if options.ClientTypeHeader == "" {
		options.ClientTypeHeader = defaults.ClientTypeHeader
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = defaults.WriteTimeout
	}
	if options.EventBuffer <= 0 {
		options.EventBuffer = defaults.EventBuffer
	}
	if options.DialAttempts <= 0 {
		options.DialAttempts = defaults.DialAttempts
	}
	if options.DialBackoff <= 0 {
		options.DialBackoff = defaults.DialBackoff
	}
	if options.Dialer == nil {
		options.Dialer = gorillaws.DefaultDialer
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "INVALID_URL", "failed to parse server url")
	}
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if options.ClientType != "" {
		header.Set(options.ClientTypeHeader, options.ClientType)
	}

	logger := options.Logger.WithFields(map[string]any{"component": "client", "user_id": userID})

	var conn *gorillaws.Conn
	dial := func() error {
		c, resp, err := options.Dialer.DialContext(ctx, u.String(), header)
		if err != nil {
			logger.Debug("dial failed", "url", u.String(), "error", err)
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(options.DialBackoff), uint64(options.DialAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "DIAL_ERROR", "failed to connect to server")
	}

	c := &Client{
		userID:        userID,
		conn:          conn,
		options:       options,
		logger:        logger,
		events:        make(chan domain.Message, options.EventBuffer),
		done:          make(chan struct{}),
		closeCode:     domain.CloseAbnormal,
		stopHeartbeat: make(chan struct{}),
	}

	go c.readPump()
	if options.HeartbeatInterval > 0 {
		go c.heartbeatLoop(options.HeartbeatInterval)
	}

	logger.Info("connected to presence server", "url", u.Redacted())
	return c, nil
}

// UserID returns the identifier the client connected as
func (c *Client) UserID() string {
	return c.userID
}

// Events delivers every frame the server sends. It is closed when the
// connection ends.
func (c *Client) Events() <-chan domain.Message {
	return c.events
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// CloseStatus returns the close code and reason received from the server.
// It is only meaningful after Done is closed.
func (c *Client) CloseStatus() (domain.CloseCode, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeCode, c.closeText
}

// Heartbeat sends a HEARTBEAT frame
func (c *Client) Heartbeat() error {
	return c.send(domain.Message{Type: domain.MessageTypeHeartbeat, UserID: c.userID, Timestamp: time.Now().UTC()})
}

// UpdateStatus sends a PRESENCE_UPDATE. A null value in patch removes the key.
func (c *Client) UpdateStatus(status domain.Status, patch domain.MetadataPatch) error {
	return c.send(domain.Message{
		Type:      domain.MessageTypePresenceUpdate,
		UserID:    c.userID,
		Timestamp: time.Now().UTC(),
		Payload:   &domain.Payload{Status: status, Metadata: patch},
	})
}

// Disconnect asks the server to close the connection normally
func (c *Client) Disconnect() error {
	return c.send(domain.Message{Type: domain.MessageTypeDisconnect, UserID: c.userID, Timestamp: time.Now().UTC()})
}

// SendRaw writes a text frame as is
func (c *Client) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	if err := c.conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "WRITE_ERROR", "failed to write frame")
	}
	return nil
}

// Close sends a normal close frame and waits for the server to end the
// connection or ctx to expire
func (c *Client) Close(ctx context.Context) error {
	c.stop()

	c.writeMu.Lock()
	err := c.conn.WriteControl(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""),
		time.Now().Add(c.options.WriteTimeout))
	c.writeMu.Unlock()
	if err != nil {
		_ = c.conn.Close()
		return nil
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		_ = c.conn.Close()
	}
	return nil
}

func (c *Client) send(msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "MARSHAL_ERROR", "failed to marshal message")
	}
	return c.SendRaw(data)
}

func (c *Client) readPump() {
	defer func() {
		c.stop()
		_ = c.conn.Close()
		close(c.events)
		close(c.done)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.recordClose(err)
			return
		}

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		select {
		case c.events <- msg:
		default:
			c.logger.Warn("event buffer full, dropping frame", "type", msg.Type)
		}
	}
}

func (c *Client) recordClose(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var closeErr *gorillaws.CloseError
	if errors.As(err, &closeErr) {
		c.closeCode = domain.CloseCode(closeErr.Code)
		c.closeText = closeErr.Text
		c.logger.Info("connection closed by server", "code", closeErr.Code, "reason", closeErr.Text)
		return
	}
	c.closeCode = domain.CloseAbnormal
	c.logger.Info("connection lost", "error", err)
}

func (c *Client) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHeartbeat:
			return
		case <-ticker.C:
			if err := c.Heartbeat(); err != nil {
				c.logger.Debug("heartbeat failed", "error", err)
			}
		}
	}
}

func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.stopHeartbeat) })
}
