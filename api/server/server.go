// Package server wires the analytics handlers into an HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/edumesones/executive-sql-to-text/api/handlers"
	"github.com/edumesones/executive-sql-to-text/api/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/gzhttp"
)

const (
	DefaultShutdownTimeout   = 30 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
)

type Config struct {
	Logger          *slog.Logger
	Handler         *handlers.Handler
	Manager         *handlers.WorkflowManager
	ListenAddr      string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Handler == nil {
		return fmt.Errorf("handler is required")
	}
	if cfg.Manager == nil {
		return fmt.Errorf("workflow manager is required")
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

type Server struct {
	log    *slog.Logger
	cfg    Config
	router http.Handler
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate server config: %w", err)
	}
	router, err := newRouter(cfg)
	if err != nil {
		return nil, err
	}
	return &Server{log: cfg.Logger, cfg: cfg, router: router}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func newRouter(cfg Config) (http.Handler, error) {
	h := cfg.Handler

	mcpHandler, err := h.MCPHandler()
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Mcp-Session-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	// Streaming routes must not be buffered by the compressor.
	r.Post("/api/query/stream", h.QueryStream)
	r.Get("/api/query/ws", h.QueryWS)
	r.Get("/api/workflows/{id}/stream", h.WorkflowStream)
	r.Handle("/mcp", mcpHandler)

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })

		r.Get("/api/health", h.Health)
		r.Post("/api/query", h.Query)
		r.Delete("/api/workflows/{id}", h.CancelWorkflow)
		r.Get("/api/sessions/{id}", h.GetSession)
		r.Get("/api/sessions/{id}/history", h.SessionHistory)
		r.Get("/api/sessions/{id}/workflow", h.SessionWorkflow)
		r.Get("/api/schema", h.Schema)
		r.Post("/api/schema/refresh", h.RefreshSchema)
	})

	return r, nil
}

// Run serves until ctx is cancelled, then stops taking questions, waits for
// running workflows and closes the listener.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("server: shutting down", "timeout", s.cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.cfg.Manager.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.log.Info("server: stopped gracefully")
	return nil
}
