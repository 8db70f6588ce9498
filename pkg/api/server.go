// Package api serves workspace status and approval decisions over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/regionctl/pkg/engine"
)

// ApprovalService is the approval gate as seen by the API.
type ApprovalService interface {
	Pending() []engine.PendingApproval
	Decide(ctx context.Context, pendingID, actor string, decision engine.ApprovalDecision, comment string) (*engine.ApprovalRecord, error)
	Latest(ctx context.Context, region engine.Region) (*engine.ApprovalRecord, error)
}

// WorkspaceService is the workspace registry as seen by the API.
type WorkspaceService interface {
	List(ctx context.Context) ([]engine.Region, error)
	Get(ctx context.Context, region engine.Region) (*engine.Workspace, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string

	// Tokens authenticate every route except /healthz and /metrics.
	Tokens []TokenConfig

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP API server.
type Server struct {
	config     Config
	approvals  ApprovalService
	workspaces WorkspaceService
	logger     zerolog.Logger
	validate   *validator.Validate
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance.
func New(cfg Config, approvals ApprovalService, workspaces WorkspaceService, logger zerolog.Logger) *Server {
	return &Server{
		config:     cfg,
		approvals:  approvals,
		workspaces: workspaces,
		logger:     logger.With().Str("component", "api").Logger(),
		validate:   validator.New(),
		startedAt:  time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on an existing listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.server = &http.Server{
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info().Str("listen", listener.Addr().String()).Msg("API server starting")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.config.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(ScopeRegionsRead)).Get("/regions", s.handleListRegions)
		r.With(s.requireScopes(ScopeRegionsRead)).Get("/regions/{region}", s.handleGetRegion)
		r.With(s.requireScopes(ScopeApprovalsRead)).Get("/approvals", s.handleListApprovals)
		r.With(s.requireScopes(ScopeApprovalsWrite)).Post("/approvals/{id}", s.handleDecide)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
