// ABOUTME: Gateway wires providers, health, routing, orchestration and events together
// ABOUTME: Owns the HTTP, optional gRPC and tailnet listeners and their shutdown order

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/2389/conclave/internal/agent"
	"github.com/2389/conclave/internal/bridge"
	"github.com/2389/conclave/internal/config"
	"github.com/2389/conclave/internal/dedupe"
	"github.com/2389/conclave/internal/events"
	"github.com/2389/conclave/internal/fallback"
	"github.com/2389/conclave/internal/health"
	"github.com/2389/conclave/internal/orchestrator"
	"github.com/2389/conclave/internal/provider"
	"github.com/2389/conclave/internal/store"
)

// maxIdempotencyKeys bounds the Idempotency-Key cache.
const maxIdempotencyKeys = 100_000

// Gateway owns every long-lived component of a conclave server.
type Gateway struct {
	config       *config.Config
	store        store.Store
	providers    *provider.Registry
	monitor      *health.Monitor
	router       *bridge.Manager
	agents       *agent.Manager
	orchestrator *orchestrator.Orchestrator
	broadcaster  *events.Broadcaster
	hub          *Hub
	logger       *slog.Logger
	baseLogger   *slog.Logger // without the gateway component, for sub-components

	// dedupe maps Idempotency-Key headers to task IDs
	dedupe *dedupe.Cache

	// grpcServer is nil unless server.grpc_addr is set
	grpcServer   *grpc.Server
	healthServer *grpchealth.Server

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	natsServer *events.EmbeddedServer
	natsPub    *events.NATSPublisher

	// background work started by Run
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore creates the task store from config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CONCLAVE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	if dbPath == "" || dbPath == ":memory:" {
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildProviders constructs every configured bridge, wrapped so each call
// and probe feeds the monitor.
func buildProviders(cfg *config.Config, monitor *health.Monitor, logger *slog.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, pc := range cfg.Providers {
		b, err := provider.New(provider.Config{
			Name:           pc.Name,
			Kind:           pc.Kind,
			Endpoint:       pc.Endpoint,
			APIKey:         pc.ResolveAPIKey(),
			CredentialEnv:  pc.APIKeyEnv,
			Model:          pc.Model,
			Capabilities:   pc.Capabilities,
			Confidence:     pc.Confidence,
			MaxTokens:      pc.MaxTokens,
			RateLimitRPS:   pc.RateLimitRPS,
			RateLimitBurst: pc.RateLimitBurst,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		if err := reg.Register(monitor.Instrument(b)); err != nil {
			return nil, err
		}
		logger.Info("provider registered", "provider", pc.Name, "kind", pc.Kind, "capabilities", pc.Capabilities)
	}
	if reg.Len() == 0 {
		logger.Warn("no providers configured, every phase will be served by the fallback responder")
	}
	return reg, nil
}

// New creates a Gateway from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	monitor := health.NewMonitor(health.Config{
		WindowSize:       cfg.Health.WindowSize,
		FailureThreshold: cfg.Health.FailureThreshold,
		MinSamples:       cfg.Health.MinSamples,
		BaseCooldown:     cfg.Health.BaseCooldown,
		MaxCooldown:      cfg.Health.MaxCooldown,
		Decay:            cfg.Health.Decay,
		CallTimeout:      cfg.Routing.CallTimeout,
		ProbeInterval:    cfg.Health.ProbeInterval,
	}, logger)

	providers, err := buildProviders(cfg, monitor, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	router := bridge.NewManager(bridge.Config{
		CallTimeout: cfg.Routing.CallTimeout,
		Ceiling:     cfg.Routing.RoutingCeiling,
		MaxAttempts: cfg.Routing.MaxAttempts,
		Backoff:     cfg.Routing.Backoff,
	}, providers, monitor, fallback.New(cfg.Fallback.Confidence), logger)

	agents, err := agent.NewManager(cfg.AgentDefinitions(), logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating agents: %w", err)
	}

	broadcaster := events.NewBroadcaster(logger)
	monitor.OnStateChange(func(name string, from, to health.State) {
		broadcaster.Publish(events.NewProviderEvent(name, from.String(), to.String()))
	})

	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrentTasks:  cfg.Routing.MaxConcurrentTasks,
		DigestEntryChars:    cfg.Routing.DigestEntryChars,
		DigestMaxChars:      cfg.Routing.DigestMaxChars,
		MaxDescriptionChars: cfg.Routing.MaxDescriptionChars,
	}, s, router, agents, broadcaster, logger)

	ttl := cfg.Server.IdempotencyTTL
	if ttl <= 0 {
		ttl = config.DefaultIdempotencyTTL
	}

	gw := &Gateway{
		config:       cfg,
		store:        s,
		providers:    providers,
		monitor:      monitor,
		router:       router,
		agents:       agents,
		orchestrator: orch,
		broadcaster:  broadcaster,
		hub:          NewHub(logger),
		dedupe:       dedupe.New(ttl, maxIdempotencyKeys),
		logger:       logger.With("component", "gateway"),
		baseLogger:   logger,
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.healthServer = newGRPCServer(monitor, providers.Names())
		monitor.OnStateChange(gw.updateServingStatus)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("POST /tasks", g.handleSubmitTask)
	mux.HandleFunc("GET /tasks", g.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", g.handleGetTask)
	mux.HandleFunc("GET /tasks/{id}/report", g.handleTaskReport)
	mux.HandleFunc("GET /tasks/{id}/events", g.handleTaskEvents)
	mux.HandleFunc("POST /tasks/{id}/cancel", g.handleCancelTask)

	mux.HandleFunc("GET /providers/health", g.handleProvidersHealth)
	mux.HandleFunc("GET /agents", g.handleListAgents)
	mux.HandleFunc("GET /ws", g.hub.ServeWS)

	return mux
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when
// configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning their error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// startBackground launches the health prober, the websocket feed and the
// optional NATS exporter. They stop when Shutdown cancels them.
func (g *Gateway) startBackground() error {
	ctx, cancel := context.WithCancel(context.Background())
	g.bgCancel = cancel

	g.bgWG.Add(1)
	go func() {
		defer g.bgWG.Done()
		g.monitor.Run(ctx, g.providers)
	}()

	feed, _ := g.broadcaster.Subscribe(ctx, events.FirehoseKey)
	g.bgWG.Add(1)
	go func() {
		defer g.bgWG.Done()
		g.hub.Forward(ctx, feed)
	}()

	if !g.config.Events.Enabled() {
		return nil
	}
	url := g.config.Events.NATSURL
	if url == "" {
		port := g.config.Events.EmbeddedNATSPort
		if port == 0 {
			port = -1
		}
		ns, err := events.StartEmbedded("127.0.0.1", port)
		if err != nil {
			return fmt.Errorf("starting embedded NATS: %w", err)
		}
		g.natsServer = ns
		url = ns.ClientURL()
		g.logger.Info("embedded NATS server started", "url", url)
	}

	pub, err := events.NewNATSPublisher(url, g.config.Events.SubjectPrefix, g.baseLogger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	g.natsPub = pub

	exported, _ := g.broadcaster.Subscribe(ctx, events.FirehoseKey)
	g.bgWG.Add(1)
	go func() {
		defer g.bgWG.Done()
		pub.Forward(ctx, exported)
	}()
	return nil
}

// Run recovers interrupted tasks, starts the servers and blocks until ctx
// is canceled or a server fails.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if _, err := g.orchestrator.RecoverInterrupted(ctx); err != nil {
		_ = g.gracefulShutdown()
		return fmt.Errorf("recovering interrupted tasks: %w", err)
	}

	if err := g.startBackground(); err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.healthServer.Shutdown()

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

// Shutdown stops accepting work, lets running tasks finish until ctx
// expires, then releases every resource. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "orchestrator close", g.orchestrator.Close(ctx))

	g.shutdownGRPCServer(ctx)

	// Closing the broadcaster ends every SSE stream and the hub feed.
	g.broadcaster.Close()
	if g.bgCancel != nil {
		g.bgCancel()
	}
	g.bgWG.Wait()
	g.hub.Close()

	if g.natsPub != nil {
		errs = appendCloseError(errs, "NATS close", g.natsPub.Close())
	}
	if g.natsServer != nil {
		g.natsServer.Close()
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.dedupe.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when at least one provider can take traffic,
// or when no providers are configured and the fallback serves everything.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	names := g.providers.Names()
	if len(names) == 0 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready (fallback only)"))
		return
	}

	available := 0
	for _, name := range names {
		if g.monitor.IsHealthy(name) {
			available++
		}
	}
	if available == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("all providers unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d/%d providers)", available, len(names))
}
