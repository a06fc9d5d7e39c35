// Package server assembles the connection manager, the session layers and the
// HTTP API into one process and owns its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/config"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/httpapi"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/observability"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/session"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/sessiontoken"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/tools"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/transport"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/upstream"
)

const (
	shutdownTimeout = 30 * time.Second
	metricsInterval = 15 * time.Second
)

// Server wires every component together.
type Server struct {
	config *config.Config
	logger *zap.Logger

	observability *observability.Manager
	sessions      *session.Store
	tokens        *sessiontoken.Manager
	upstream      *upstream.Manager
	registry      *tools.Registry
	api           *httpapi.Server

	mu         sync.RWMutex
	httpServer *http.Server
	listenAddr string
	running    bool
	stopped    bool
}

// Options overrides pieces of the wiring. Zero values select the defaults.
type Options struct {
	Version string
	Dialer  transport.Dialer
	Now     func() time.Time
}

// NewServer validates cfg and builds every component. Nothing listens until Start.
func NewServer(cfg *config.Config, logger *zap.Logger, opts Options) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.RequireSecret(); err != nil {
		return nil, err
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	obs, err := observability.NewManager(logger, cfg, opts.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	dialer := opts.Dialer
	if dialer == nil {
		trace := cfg.Logging != nil && strings.EqualFold(cfg.Logging.Level, "trace")
		dialer = transport.NewHTTPDialer(logger, transport.Timeouts{
			Connect:   cfg.Timeouts.Connect,
			ListTools: cfg.Timeouts.ListTools,
			CallTool:  cfg.Timeouts.CallTool,
		}, opts.Version, trace)
	}

	tokens, err := sessiontoken.NewManager(sessiontoken.Options{
		Secret:     cfg.Session.Secret,
		CookieName: cfg.Session.CookieName,
		TTL:        cfg.Session.TTL,
		Secure:     cfg.Session.SecureCookie,
	}, logger)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, opts.Now); err != nil {
		return nil, fmt.Errorf("failed to register built-in tools: %w", err)
	}

	store := session.NewStore(logger)
	mgr := upstream.NewManager(logger, cfg, dialer, store, obs)
	store.OnEvict(func(sessionID string) {
		mgr.DisconnectSession(context.Background(), sessionID)
	})

	s := &Server{
		config:        cfg,
		logger:        logger.Named("server"),
		observability: obs,
		sessions:      store,
		tokens:        tokens,
		upstream:      mgr,
		registry:      registry,
	}
	s.api = httpapi.NewServer(cfg, mgr, tools.NewAggregator(registry, mgr), tokens, logger, obs)

	if hm := obs.Health(); hm != nil {
		hm.AddReadinessChecker(observability.CheckFunc{
			ComponentName: "http",
			Fn: func(context.Context) error {
				if !s.IsRunning() {
					return errors.New("not serving")
				}
				return nil
			},
		})
	}

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.api
}

// Upstream exposes the connection manager.
func (s *Server) Upstream() *upstream.Manager {
	return s.upstream
}

// IsRunning reports whether the HTTP listener is accepting requests.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ListenAddr returns the bound address once Start has opened the listener.
func (s *Server) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenAddr
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := listen(s.config.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("server already started")
	}
	s.httpServer = &http.Server{
		Handler:           s.api,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      3 * time.Minute,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	s.listenAddr = ln.Addr().String()
	s.running = true
	httpServer := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Starting HTTP server",
		zap.String("address", s.listenAddr),
		zap.String("public_url", s.config.PublicURL),
		zap.Int("default_servers", len(s.config.Servers)))

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.sessions.StartCleanup(bgCtx, s.config.Session.CleanupInterval, s.config.Session.IdleTimeout)
	go s.metricsLoop(bgCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Context cancelled, shutting down")
		return s.Shutdown()
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
			return multierr.Append(err, s.Shutdown())
		}
		return nil
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	s.refreshMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshMetrics()
		}
	}
}

func (s *Server) refreshMetrics() {
	s.observability.UpdateMetrics()
	s.observability.SetActiveSessions(s.sessions.Len())
}

// Shutdown stops the HTTP server gracefully and closes every upstream
// connection and stored client. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.running = false
	httpServer := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("Graceful HTTP shutdown failed, forcing close", zap.Error(err))
			errs = multierr.Append(errs, httpServer.Close())
		}
	}

	s.upstream.Close(ctx)
	errs = multierr.Append(errs, s.sessions.Close())
	errs = multierr.Append(errs, s.observability.Close(ctx))

	if errs != nil {
		s.logger.Warn("Shutdown completed with errors", zap.Error(errs))
	} else {
		s.logger.Info("Server stopped")
	}
	return errs
}
