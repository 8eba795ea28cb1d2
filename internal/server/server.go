// Package server hosts the simulated analysis backend used by `cvflow serve`
// and by end-to-end tests.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/cvflow/internal/errors"
	"github.com/3leaps/cvflow/internal/server/handlers"
	"github.com/3leaps/cvflow/internal/server/middleware"
	"github.com/3leaps/cvflow/internal/server/sim"
	"github.com/3leaps/cvflow/pkg/flow"
)

// Default HTTP timeouts.
const (
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	DefaultIdleTimeout  = 120 * time.Second
)

// Option customizes a Server.
type Option func(*Server)

// WithBackend mounts the job endpoints of catalog, served by b.
func WithBackend(b *sim.Backend, catalog *flow.Catalog) Option {
	return func(s *Server) {
		s.backend = b
		s.catalog = catalog
	}
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeouts overrides the HTTP server timeouts. Zero values keep the
// defaults.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
	}
}

// Server is the simulated backend HTTP server.
type Server struct {
	host string
	port int

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	logger  *zap.Logger
	backend *sim.Backend
	catalog *flow.Catalog

	router     chi.Router
	httpServer *http.Server
}

// New builds a server listening on host:port once started.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
		idleTimeout:  DefaultIdleTimeout,
		logger:       zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.CleanPath)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NotFound("no route for "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, &apperrors.HTTPError{
			Status:  http.StatusMethodNotAllowed,
			Code:    apperrors.CodeMethodNotAllowed,
			Message: r.Method + " is not allowed on " + r.URL.Path,
		})
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.backend != nil && s.catalog != nil {
		handlers.NewBackendHandler(s.backend, s.catalog, s.logger).Mount(r)
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("simulated backend listening", zap.String("addr", s.Addr()))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return nil
}

// Serve serves on an existing listener until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
