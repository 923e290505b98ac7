// Package api provides the operational HTTP surface: health, metrics,
// entity registration and record ingestion.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/axonops/axonops-delta-writer/internal/config"
	"github.com/axonops/axonops-delta-writer/internal/metrics"
	"github.com/axonops/axonops-delta-writer/internal/registry"
	"github.com/axonops/axonops-delta-writer/internal/writer"
)

// Server represents the HTTP server.
type Server struct {
	config    *config.Config
	registry  *registry.EntityRegistry
	scheduler *writer.BatchScheduler
	router    chi.Router
	server    *http.Server
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, reg *registry.EntityRegistry, scheduler *writer.BatchScheduler, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		config:    cfg,
		registry:  reg,
		scheduler: scheduler,
		logger:    logger,
		metrics:   m,
	}
	s.setupRouter()
	return s
}

// setupRouter configures the HTTP router.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	h := newHandlers(s.registry, s.scheduler, s.logger, s.config.Schema.AutoRegisterSchemas)

	r.Get("/", h.healthCheck)
	r.Get("/health/live", h.healthCheck)
	r.Get("/health/ready", h.healthCheck)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Route("/entities", func(r chi.Router) {
		r.Post("/", h.registerEntity)
		r.Get("/", h.listEntities)
		r.Get("/{entityType}", h.getEntity)
		r.Put("/{entityType}", h.updateEntity)
		r.Delete("/{entityType}", h.deactivateEntity)
	})

	r.Post("/tables/{table}/records", h.writeRecords)
	r.Get("/stats", h.stats)

	s.router = r
}

// Start runs the server until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.config.Address(),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.Server.WriteTimeout) * time.Second,
	}
	s.logger.Info("http server listening", slog.String("address", s.config.Address()))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs each request with method, path and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
