// ABOUTME: Gateway orchestrator that wires the registry, router, bus and monitor
// ABOUTME: Manages HTTP and gRPC servers, background loops, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/DeanSCND/kokino/internal/agent"
	"github.com/DeanSCND/kokino/internal/auth"
	"github.com/DeanSCND/kokino/internal/clock"
	"github.com/DeanSCND/kokino/internal/config"
	"github.com/DeanSCND/kokino/internal/dedupe"
	"github.com/DeanSCND/kokino/internal/events"
	"github.com/DeanSCND/kokino/internal/mirror"
	"github.com/DeanSCND/kokino/internal/monitor"
	"github.com/DeanSCND/kokino/internal/router"
	"github.com/DeanSCND/kokino/internal/store"
)

// Gateway owns every broker component and the servers exposing them.
type Gateway struct {
	config *config.Config
	clock  clock.Clock
	logger *slog.Logger

	store    *store.SQLiteStore
	bus      *events.Bus
	registry *agent.Registry
	router   *router.Router
	monitor  *monitor.Manager
	verifier *auth.JWTVerifier // nil when auth is disabled

	// idempotency remembers send results by Idempotency-Key
	idempotency *dedupe.Cache[sendResult]

	// mirror forwards bus events to NATS; nil unless nats.url is set
	mirror   *mirror.Mirror
	natsConn *nats.Conn
	ownsNATS bool

	httpServer  *http.Server
	grpcServer  *grpc.Server // nil unless server.grpc_addr or tailscale is set
	health      *health.Server
	tsnetServer *tsnet.Server

	loops      sync.WaitGroup
	stopLoops  context.CancelFunc
	shutdownMu sync.Mutex
	shutdown   bool
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithClock replaces the real clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(g *Gateway) { g.clock = clk }
}

// WithNATSConn uses an existing NATS connection for the event mirror instead
// of dialing nats.url.
func WithNATSConn(conn *nats.Conn) Option {
	return func(g *Gateway) { g.natsConn = conn }
}

// New creates a Gateway from configuration. The store is opened and the
// schema ensured; servers start in Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		config: cfg,
		clock:  clock.Real(),
		logger: logger.With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	g.store = s

	if cfg.Auth.JWTSecret != "" {
		g.verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	}

	g.bus = events.NewBus(events.Config{
		RetentionCount:    cfg.Events.RetentionCount,
		RetentionDuration: cfg.Events.RetentionDuration,
	}, g.clock, logger)

	g.registry = agent.NewRegistry(agent.Config{
		Store:                    s,
		Versions:                 s,
		Bus:                      g.bus,
		Clock:                    g.clock,
		Logger:                   logger,
		DefaultHeartbeatInterval: cfg.Agents.DefaultHeartbeatInterval,
		OfflineMultiplier:        cfg.Agents.OfflineMultiplier,
		SweepInterval:            cfg.Agents.SweepInterval,
	})

	g.router = router.New(router.Config{
		Directory: g.registry,
		Messages:  s,
		Versions:  s,
		Bus:       g.bus,
		Clock:     g.clock,
		Logger:    logger,
	})

	g.monitor = monitor.NewManager(g.bus, monitor.Config{
		QueueSize: cfg.Monitor.QueueSize,
		Logger:    logger,
	})

	g.idempotency = dedupe.New[sendResult](cfg.Messages.IdempotencyTTL, 100_000, g.clock)

	if err := g.setupMirror(logger); err != nil {
		g.closeComponents()
		return nil, err
	}

	g.health = health.NewServer()
	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		g.grpcServer = newGRPCServer(g.health, g.verifier, logger)
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

func (g *Gateway) setupMirror(logger *slog.Logger) error {
	if g.natsConn == nil && g.config.NATS.URL == "" {
		return nil
	}
	if g.natsConn == nil {
		conn, err := mirror.Connect(mirror.ConnectConfig{
			URL:   g.config.NATS.URL,
			Token: g.config.NATS.Token,
		})
		if err != nil {
			return fmt.Errorf("starting event mirror: %w", err)
		}
		g.natsConn = conn
		g.ownsNATS = true
	}
	g.mirror = mirror.New(g.bus, g.natsConn, mirror.Config{
		SubjectPrefix: g.config.NATS.SubjectPrefix,
		Logger:        logger,
	})
	return nil
}

// Registry exposes the agent registry.
func (g *Gateway) Registry() *agent.Registry { return g.registry }

// Bus exposes the event bus.
func (g *Gateway) Bus() *events.Bus { return g.bus }

// setupTCPListeners creates standard TCP listeners. The gRPC listener is nil
// when gRPC is disabled.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting broker",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" || g.config.Server.GRPCAddr != "" {
			g.logger.Warn("server.http_addr and server.grpc_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning their error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startLoops runs the sweep, retention and mirror loops until Shutdown.
func (g *Gateway) startLoops() {
	ctx, cancel := context.WithCancel(context.Background())
	g.stopLoops = cancel

	g.loops.Add(2)
	go func() {
		defer g.loops.Done()
		g.registry.Run(ctx)
	}()
	go func() {
		defer g.loops.Done()
		g.runRetention(ctx)
	}()

	if g.mirror != nil {
		g.loops.Add(1)
		go func() {
			defer g.loops.Done()
			if err := g.mirror.Run(ctx); err != nil {
				g.logger.Error("event mirror stopped", "error", err)
			}
		}()
	}
}

// Run starts the servers and background loops and blocks until the context
// is canceled or a server fails. Once listening, it shuts down before
// returning.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.startLoops()
	errCh := g.startServers(grpcLn, httpLn)
	g.health.SetServingStatus("", healthServing)
	g.health.SetServingStatus(brokerService, healthServing)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// The original context is already canceled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases everything New created apart from the servers.
func (g *Gateway) closeComponents() []error {
	var errs []error
	if g.monitor != nil {
		g.monitor.Close()
	}
	if g.bus != nil {
		g.bus.Close()
	}
	if g.natsConn != nil && g.ownsNATS {
		errs = appendCloseError(errs, "nats drain", g.natsConn.Drain())
	}
	if g.idempotency != nil {
		g.idempotency.Close()
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errs
}

// Shutdown stops the servers, ends observer streams with a going-away close,
// stops the background loops and closes the store. Safe to call twice.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownMu.Lock()
	defer g.shutdownMu.Unlock()
	if g.shutdown {
		return nil
	}
	g.shutdown = true

	g.logger.Info("shutting down broker")
	g.health.Shutdown()

	// Hijacked WebSocket connections are not tracked by http.Server, so end
	// observer streams before waiting on in-flight requests.
	g.monitor.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	if g.stopLoops != nil {
		g.stopLoops()
	}
	g.bus.Close()
	g.loops.Wait()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
