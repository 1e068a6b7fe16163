package httpserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/HMasataka/presence/internal/gateway"
	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config holds the listener settings
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Presence answers read queries from the in-memory view
type Presence interface {
	Query(ctx context.Context, identifier string) (domain.Record, bool, error)
	QueryAll(ctx context.Context) ([]domain.Record, error)
	Stats(ctx context.Context) (gateway.Stats, error)
}

// Options holds the handlers mounted on the router
type Options struct {
	WebSocket      http.Handler
	Presence       Presence
	MetricsPath    string
	MetricsHandler http.Handler
	Ready          func() bool
	Logger         *logging.Logger
}

// Server wraps the HTTP server
type Server struct {
	srv    *http.Server
	logger *logging.Logger
}

// New creates the router and the HTTP server
func New(cfg Config, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithFields(map[string]any{"component": "http"})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      NewRouter(opts, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return &Server{srv: srv, logger: logger}
}

// NewRouter builds the chi router
func NewRouter(opts Options, logger *logging.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if opts.Ready == nil || opts.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not-ready"))
	})

	if opts.MetricsHandler != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, opts.MetricsHandler)
	}

	if opts.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", opts.WebSocket)
	}

	if opts.Presence != nil {
		h := &presenceHandler{presence: opts.Presence, logger: logger}
		r.Route("/v1", func(r chi.Router) {
			r.Get("/presence", h.list)
			r.Get("/presence/{userId}", h.get)
			r.Get("/stats", h.stats)
		})
	}

	return r
}

// Serve serves on l and blocks
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("http server listening", "addr", l.Addr().String())
	if err := s.srv.Serve(l); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for plain HTTP requests to
// finish. Upgraded connections are not tracked here.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type presenceHandler struct {
	presence Presence
	logger   *logging.Logger
}

func (h *presenceHandler) list(w http.ResponseWriter, r *http.Request) {
	records, err := h.presence.QueryAll(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if records == nil {
		records = []domain.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *presenceHandler) get(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "userId")
	record, ok, err := h.presence.Query(r.Context(), identifier)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"code":  domain.ErrRecordNotFound.Code,
			"error": domain.ErrRecordNotFound.Message,
		})
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *presenceHandler) stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.presence.Stats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *presenceHandler) fail(w http.ResponseWriter, err error) {
	h.logger.Error("presence query failed", "error", err)
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"code":  "UNAVAILABLE",
		"error": "presence view unavailable",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger logs one line per request at debug level
func requestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
