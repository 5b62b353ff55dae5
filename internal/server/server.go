// Package server provides the HTTP server implementation for the object store gateway.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/objectstore/internal/config"
	"github.com/devrev/objectstore/internal/errors"
	"github.com/devrev/objectstore/internal/handler"
	"github.com/devrev/objectstore/internal/health"
	"github.com/devrev/objectstore/internal/metrics"
	"github.com/devrev/objectstore/internal/middleware"
	"github.com/devrev/objectstore/internal/service"
	"github.com/devrev/objectstore/internal/tracing"
)

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	monitor      *health.Monitor
	errorHandler *errors.Handler
	metrics      *metrics.Metrics
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, svc *service.ObjectService, monitor *health.Monitor, m *metrics.Metrics, logger *zap.Logger) *Server {
	router := mux.NewRouter()
	errorHandler := errors.NewHandler(logger)
	handlers := handler.NewHandlers(svc, errorHandler, logger, cfg.Server.RequestTimeout, svc.MaxObjectSize())

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		router:       router,
		httpServer:   httpServer,
		handlers:     handlers,
		monitor:      monitor,
		errorHandler: errorHandler,
		metrics:      m,
		logger:       logger,
		cfg:          cfg,
	}
}

// isProbe reports whether path is a health endpoint, which is never rate limited
func isProbe(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/minio/health/")
}

func exemptProbes(limit func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limited := limit(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isProbe(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger, s.errorHandler),
		middleware.RequestID,
		tracing.Middleware,
		middleware.Logging(s.logger),
	}
	if s.metrics != nil {
		middlewareChain = append(middlewareChain, metrics.MetricsMiddleware(s.metrics))
	}
	middlewareChain = append(middlewareChain, middleware.CORS(s.cfg.Server.CORSAllowedOrigins))

	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.cfg.RateLimiter.PerTenant,
			s.errorHandler,
			s.logger,
		)
		middlewareChain = append(middlewareChain, exemptProbes(rateLimiter.Limit))
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	// Health check endpoints
	s.router.HandleFunc("/health", s.monitor.HealthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/minio/health/ready", s.monitor.ReadyHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/minio/health/live", s.monitor.LiveHandler).Methods(http.MethodGet)

	// Object operations
	s.router.HandleFunc("/upload", s.handlers.Upload).Methods(http.MethodPut)
	s.router.HandleFunc("/download", s.handlers.Download).Methods(http.MethodGet, http.MethodHead)
	s.router.HandleFunc("/delete", s.handlers.Delete).Methods(http.MethodDelete)
	s.router.HandleFunc("/list", s.handlers.List).Methods(http.MethodGet)
	s.router.HandleFunc("/quota", s.handlers.Quota).Methods(http.MethodGet)

	// mux skips router middleware for unmatched requests, so the fallback
	// handlers carry the chain themselves.
	s.router.NotFoundHandler = chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(middleware.RequestIDHeader)
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, errors.KindNotFound, "endpoint not found", requestID)
	}))

	s.router.MethodNotAllowedHandler = chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(middleware.RequestIDHeader)
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, errors.KindValidation, "method not allowed", requestID)
	}))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		zap.String("addr", s.httpServer.Addr),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.router
}
