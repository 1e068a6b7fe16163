package websocket

import (
	"context"
	"net/http"
	"sync"

	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/internal/metrics"
	"github.com/HMasataka/presence/pkg/domain"
	ws "github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// IdentifierParam is the query parameter carrying the identifier
const IdentifierParam = "userId"

// Handler admits upgraded connections
type Handler interface {
	Open(ctx context.Context, identifier string, transport domain.Transport, clientType string) (domain.Session, error)
}

// ServerOptions configures the upgrade endpoint
type ServerOptions struct {
	ClientTypeHeader string
	// AcceptRate is the number of upgrades allowed per second; zero disables
	// the limit
	AcceptRate      float64
	AcceptBurst     int
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	Connection      ConnectionOptions
}

// DefaultServerOptions returns the default server options
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		ClientTypeHeader: "X-Client-Type",
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		Connection:       DefaultConnectionOptions(),
	}
}

// Server upgrades HTTP requests and runs each connection until it ends
type Server struct {
	upgrader ws.Upgrader
	handler  Handler
	limiter  *rate.Limiter
	logger   *logging.Logger
	metrics  metrics.Recorder
	options  ServerOptions
	wg       sync.WaitGroup
}

// NewServer creates a new server
func NewServer(handler Handler, logger *logging.Logger, recorder metrics.Recorder, options ServerOptions) *Server {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	checkOrigin := options.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	s := &Server{
		upgrader: ws.Upgrader{
			ReadBufferSize:  options.ReadBufferSize,
			WriteBufferSize: options.WriteBufferSize,
			CheckOrigin:     checkOrigin,
		},
		handler: handler,
		logger:  logger.WithFields(map[string]any{"component": "websocket"}),
		metrics: recorder,
		options: options,
	}
	if options.AcceptRate > 0 {
		burst := options.AcceptBurst
		if burst <= 0 {
			burst = int(options.AcceptRate) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(options.AcceptRate), burst)
	}
	return s
}

// ServeHTTP upgrades the request and blocks until the connection ends.
// Admission failures are reported with a close frame, so the upgrade always
// happens first.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	conn := NewConnection(raw, s.logger, s.options.Connection)
	conn.Start()

	identifier := r.URL.Query().Get(IdentifierParam)
	clientType := ""
	if s.options.ClientTypeHeader != "" {
		clientType = r.Header.Get(s.options.ClientTypeHeader)
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.ConnectionRejected("ACCEPT_THROTTLED")
		s.logger.Warn("accept throttled", "user_id", identifier, "remote", r.RemoteAddr)
		_ = conn.Close(domain.CloseCodeFor(domain.ErrAcceptThrottled), "ACCEPT_THROTTLED")
		s.finish(conn)
		return
	}

	session, err := s.handler.Open(r.Context(), identifier, conn, clientType)
	if err != nil {
		// the handler already closed the transport
		s.finish(conn)
		return
	}

	conn.Serve(session)
}

// Wait blocks until every connection served so far has ended or ctx expires
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish waits for the close frame to be written and drops the socket
func (s *Server) finish(conn *Connection) {
	conn.Wait()
	conn.cancel()
	_ = conn.conn.Close()
}
