// Package app wires the presence service together and runs it
package app

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/HMasataka/presence/internal/config"
	"github.com/HMasataka/presence/internal/dispatch"
	"github.com/HMasataka/presence/internal/eventloop"
	"github.com/HMasataka/presence/internal/gateway"
	"github.com/HMasataka/presence/internal/httpserver"
	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/internal/metrics"
	"github.com/HMasataka/presence/internal/presence"
	"github.com/HMasataka/presence/internal/registry"
	"github.com/HMasataka/presence/internal/store"
	"github.com/HMasataka/presence/internal/transport/websocket"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// readyProbeTimeout bounds the store health check behind /readyz
const readyProbeTimeout = time.Second

// App holds every component of a running presence server
type App struct {
	cfg    *config.Config
	logger *logging.Logger
	origin string

	store      store.Store
	loop       *eventloop.Loop
	registry   *registry.Registry
	writer     *presence.Writer
	manager    *presence.Manager
	dispatcher *dispatch.Dispatcher
	gateway    *gateway.Gateway
	ws         *websocket.Server
	http       *httpserver.Server

	ready atomic.Bool
}

// New builds the application. The store is connected here; nothing else
// runs until Run or Serve.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	return newApp(ctx, cfg, logger, clock.New())
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, clk clock.Clock) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger,
		origin: uuid.New().String(),
	}

	promRegistry := metrics.NewRegistry()
	recorder := metrics.NewPrometheus(promRegistry)

	s, err := OpenStore(logging.WithLogger(ctx, logger), cfg.Store, a.origin, clk)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	a.store = s
	logger.Info("store ready", "driver", cfg.Store.Driver, "origin", a.origin)

	a.loop = eventloop.New(logger, eventloop.Options{
		Clock: clk,
		OnPanic: func(name string, _ any) {
			recorder.Fault("loop:" + name)
		},
	})

	a.registry = registry.New(logger, recorder, clk, registry.Options{
		MaxConnectionsPerIdentifier: cfg.Presence.MaxConnectionsPerUser,
		MaxMessagesPerSecond:        cfg.Presence.MaxMessagesPerSecond,
		MaxMessageSize:              cfg.Presence.MaxMessageSize,
		RateWindow:                  time.Second,
	})

	writerOptions := presence.DefaultWriterOptions()
	writerOptions.Workers = cfg.Store.WriteWorkers
	writerOptions.Retries = cfg.Store.WriteRetries
	writerOptions.Timeout = cfg.Store.WriteTimeout
	a.writer = presence.NewWriter(s, logger, recorder, writerOptions)

	a.manager = presence.New(presence.Options{
		Connections: a.registry,
		Store:       s,
		Writer:      a.writer,
		Scheduler:   a.loop,
		Clock:       clk,
		Logger:      logger,
		Metrics:     recorder,
	})
	a.registry.SetObserver(a.manager)

	a.dispatcher = dispatch.New(a.registry, a.manager, clk, logger, recorder)

	a.gateway = gateway.New(a.loop, a.registry, a.manager, a.dispatcher, logger, recorder, gateway.Options{
		ProbeInterval:  cfg.Presence.ProbeInterval,
		SampleInterval: cfg.Presence.SampleInterval,
	})

	wsOptions := websocket.DefaultServerOptions()
	wsOptions.ClientTypeHeader = cfg.Presence.ClientTypeHeader
	wsOptions.AcceptRate = cfg.Presence.AcceptRate
	wsOptions.AcceptBurst = cfg.Presence.AcceptBurst
	wsOptions.Connection = websocket.ConnectionOptions{
		WriteTimeout:   cfg.Presence.WriteTimeout,
		MaxMessageSize: int64(cfg.Presence.MaxMessageSize),
		SendBufferSize: cfg.Presence.SendBufferSize,
	}
	a.ws = websocket.NewServer(a.gateway, logger, recorder, wsOptions)

	httpOptions := httpserver.Options{
		WebSocket: a.ws,
		Presence:  a.gateway,
		Ready:     a.Ready,
		Logger:    logger,
	}
	if cfg.Metrics.Enable {
		httpOptions.MetricsPath = cfg.Metrics.Path
		httpOptions.MetricsHandler = metrics.Handler(promRegistry)
	}
	a.http = httpserver.New(httpserver.Config{
		Addr:         cfg.Server.Addr(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, httpOptions)

	return a, nil
}

// Ready reports whether the server accepts traffic and its store answers
func (a *App) Ready() bool {
	if !a.ready.Load() {
		return false
	}
	hc, ok := a.store.(healthChecker)
	if !ok {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), readyProbeTimeout)
	defer cancel()
	return hc.HealthCheck(ctx) == nil
}

// Gateway returns the gateway the transports feed
func (a *App) Gateway() *gateway.Gateway {
	return a.gateway
}

// Run listens on the configured address and blocks until ctx is cancelled
// or the listener fails, then shuts down
func (a *App) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", a.cfg.Server.Addr())
	if err != nil {
		a.closeStore()
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.Addr(), err)
	}
	return a.Serve(ctx, l)
}

// Serve starts the core, serves on l and blocks until ctx is cancelled or
// serving fails, then shuts down
func (a *App) Serve(ctx context.Context, l net.Listener) error {
	if err := a.start(ctx); err != nil {
		_ = l.Close()
		a.closeStore()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.http.Serve(l)
	}()
	a.logger.Info("presence server ready", "addr", l.Addr().String())

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case serveErr = <-errCh:
		if serveErr != nil {
			a.logger.Error("http server failed", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		return err
	}
	return serveErr
}

// start brings the core up: the loop first, since the manager loads stored
// records through it. The loop outlives ctx so that Shutdown can still close
// connections through it.
func (a *App) start(ctx context.Context) error {
	if err := a.loop.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to start event loop: %w", err)
	}
	if err := a.manager.Start(ctx); err != nil {
		_ = a.loop.Stop()
		return fmt.Errorf("failed to start presence manager: %w", err)
	}
	a.ready.Store(true)
	return nil
}

// Shutdown stops accepting traffic, closes every connection with a normal
// close, flushes pending store writes and releases the store
func (a *App) Shutdown(ctx context.Context) error {
	a.ready.Store(false)

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := a.http.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown incomplete", "error", err)
		keep(err)
	}

	n, err := a.gateway.CloseAll(ctx, domain.CloseNormal, "server shutdown")
	if err != nil {
		a.logger.Warn("closing connections failed", "error", err)
		keep(err)
	} else {
		a.logger.Info("connections closed", "count", n)
	}

	if err := a.ws.Wait(ctx); err != nil {
		a.logger.Warn("connections did not finish in time", "error", err)
		keep(err)
	}

	if err := a.manager.Stop(ctx); err != nil {
		a.logger.Warn("pending store writes dropped", "error", err)
		keep(err)
	}

	if err := a.loop.Stop(); err != nil {
		keep(err)
	}

	a.closeStore()
	a.logger.Info("shutdown complete")
	return firstErr
}

func (a *App) closeStore() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store failed", "error", err)
	}
}
