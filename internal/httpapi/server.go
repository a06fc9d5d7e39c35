// Package httpapi exposes the connection manager to the browser and chat
// layer over a small JSON API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/config"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/observability"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/sessiontoken"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/tools"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/upstream"
)

const (
	// apiTimeout bounds a whole API request, including a reconcile fan-out.
	apiTimeout = 2 * time.Minute

	// callbackPagePath is the UI page that reports the OAuth outcome.
	callbackPagePath = "/auth/callback"
)

// ConnectionManager is the part of the upstream manager the API drives.
type ConnectionManager interface {
	Reconcile(ctx context.Context, sessionID string, desired []upstream.ServerDescriptor) (*upstream.ReconcileResult, error)
	Reconnect(ctx context.Context, sessionID string, desc upstream.ServerDescriptor) upstream.ConnectResult
	Status(sessionID string) []upstream.ServerStatus
	BeginAuthorization(ctx context.Context, sessionID string, desc upstream.ServerDescriptor, callbackURL string) (string, error)
	CompleteAuthorization(ctx context.Context, sessionID, state, code string) (string, error)
	ForgetServer(ctx context.Context, sessionID, serverURL string)
	ForgetSession(ctx context.Context, sessionID string)
	Touch(sessionID string)
}

// Server provides HTTP API endpoints with chi router
type Server struct {
	cfg           *config.Config
	manager       ConnectionManager
	aggregator    *tools.Aggregator
	sessions      *sessiontoken.Manager
	logger        *zap.Logger
	httpLogger    *zap.Logger
	router        *chi.Mux
	observability *observability.Manager
}

// NewServer creates a new HTTP API server
func NewServer(cfg *config.Config, manager ConnectionManager, aggregator *tools.Aggregator, sessions *sessiontoken.Manager, logger *zap.Logger, obs *observability.Manager) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:           cfg,
		manager:       manager,
		aggregator:    aggregator,
		sessions:      sessions,
		logger:        logger.Named("httpapi"),
		httpLogger:    logger.Named("http"),
		router:        chi.NewRouter(),
		observability: obs,
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	if s.observability != nil {
		s.router.Use(s.observability.HTTPMiddleware())
	}
	s.router.Use(s.httpLoggingMiddleware())
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.correlationIDMiddleware())

	if s.observability != nil {
		s.observability.RegisterRoutes(s.router)
	} else {
		s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(apiTimeout))

		r.Route("/mcp", func(r chi.Router) {
			r.Get("/session", s.handleGetSession)
			r.Post("/auth/connect", s.handleAuthConnect)
			r.Get("/auth/callback", s.handleAuthCallback)
			r.Post("/auth/disconnect", s.handleAuthDisconnect)
		})

		r.Route("/chat", func(r chi.Router) {
			r.Use(s.requireSession)
			r.Post("/tools", s.handleReconcileTools)
			r.Post("/tools/call", s.handleCallTool)
			r.Get("/servers", s.handleGetServers)
			r.Post("/servers/reconnect", s.handleReconnectServer)
		})
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	AuthURL   string `json:"authUrl,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
