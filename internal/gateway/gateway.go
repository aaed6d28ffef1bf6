// ABOUTME: Gateway orchestrator that wires the store, manager, and HTTP server
// ABOUTME: Owns startup, enabled-server autostart, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/2389/mcp-gateway/internal/api"
	"github.com/2389/mcp-gateway/internal/auth"
	"github.com/2389/mcp-gateway/internal/config"
	"github.com/2389/mcp-gateway/internal/lifecycle"
	"github.com/2389/mcp-gateway/internal/manager"
	"github.com/2389/mcp-gateway/internal/proxy"
	"github.com/2389/mcp-gateway/internal/routes"
	"github.com/2389/mcp-gateway/internal/store"
	"github.com/2389/mcp-gateway/internal/upstream"
)

// Gateway assembles the mcp-gateway server components: the config store, the
// backend manager, the forwarding route table, and the management API, all
// served from one HTTP listener.
type Gateway struct {
	config     *config.Config
	store      store.Store
	table      *routes.Table
	manager    *manager.Manager
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore opens the SQLite store, honoring the MCP_GATEWAY_DB_PATH override.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("MCP_GATEWAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway from the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		logger.Info("bearer-token auth enabled")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	table := routes.NewTable(logger.With("component", "routes"))

	passEnv := cfg.Gateway.PassEnvironment
	upstreamLogger := logger.With("component", "upstream")
	dialer := func(ctx context.Context, serverCfg *store.ServerConfig, extraEnv map[string]string) (proxy.Upstream, error) {
		session, err := upstream.Dial(ctx, serverCfg, upstream.Options{
			ExtraEnv:        extraEnv,
			PassEnvironment: passEnv,
			Logger:          upstreamLogger,
		})
		if err != nil {
			return nil, err
		}
		return session, nil
	}

	mgr, err := manager.NewManager(manager.Config{
		Store:   s,
		Table:   table,
		BaseURL: cfg.Server.BaseURL,
		Dialer:  dialer,
		Logger:  logger.With("component", "manager"),
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating manager: %w", err)
	}

	apiServer, err := api.NewServer(api.Config{
		Manager:  mgr,
		Verifier: verifier,
		Logger:   logger.With("component", "api"),
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating API server: %w", err)
	}

	// Forwarding endpoints accept anonymous clients; a bearer token, when
	// sent, binds the MCP session to its principal.
	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Routes())
	mux.Handle("/servers/", auth.OptionalMiddleware(verifier, logger.With("component", "auth"))(table))

	return &Gateway{
		config:  cfg,
		store:   s,
		table:   table,
		manager: mgr,
		httpServer: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "gateway"),
	}, nil
}

// Manager exposes the backend registry, used by CLI subcommands that bypass
// the HTTP surface.
func (g *Gateway) Manager() *manager.Manager {
	return g.manager
}

// Store exposes the config store for CLI subcommands.
func (g *Gateway) Store() store.Store {
	return g.store
}

// autostart brings up every enabled backend. Individual failures are logged
// and skipped so one broken config cannot block the gateway from serving.
func (g *Gateway) autostart(ctx context.Context) {
	configs, err := g.store.ListServerConfigs(ctx)
	if err != nil {
		g.logger.Error("listing configs for autostart", "error", err)
		return
	}

	opts := lifecycle.StartOptions{Stateless: g.config.Gateway.Stateless}
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := g.manager.Start(ctx, cfg.Name, opts); err != nil {
			g.logger.Warn("autostart failed", "server", cfg.Name, "error", err)
			continue
		}
		g.logger.Info("autostarted server", "server", cfg.Name)
	}
}

// Run starts the gateway and blocks until the context is canceled or the
// server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	g.autostart(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown stops backends and the HTTP server with a fresh context,
// since the run context is already canceled by the time this runs.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Gateway.ShutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops every running backend, drains the HTTP server, and closes
// the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.manager.StopAll(ctx)

	var firstErr error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("shutting down HTTP server: %w", err)
	}
	if err := g.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}

	g.logger.Info("gateway stopped")
	return firstErr
}
