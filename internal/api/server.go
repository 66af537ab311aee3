// Package api exposes the analysis platform over HTTP: model catalog, dataset
// uploads, synchronous and asynchronous analysis runs, log streaming, and
// operational endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seqlab/helix/internal/engine"
	"github.com/seqlab/helix/internal/registry"
	"github.com/seqlab/helix/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router     *chi.Mux
	store      store.Store
	registry   *registry.Registry
	executor   engine.ModelRunner
	engine     *engine.Engine
	logger     *slog.Logger
	addr       string
	uploadsDir string
	resultsDir string
	timeout    time.Duration
}

// NewServer creates and configures a new HTTP server. timeout bounds
// synchronous analysis runs; a non-positive value falls back to the engine
// default.
func NewServer(addr string, s store.Store, reg *registry.Registry, exec engine.ModelRunner, eng *engine.Engine, uploadsDir, resultsDir string, timeout time.Duration, logger *slog.Logger) *Server {
	if timeout <= 0 {
		timeout = engine.DefaultTimeout
	}
	srv := &Server{
		router:     chi.NewRouter(),
		store:      s,
		registry:   reg,
		executor:   exec,
		engine:     eng,
		logger:     logger,
		addr:       addr,
		uploadsDir: uploadsDir,
		resultsDir: resultsDir,
		timeout:    timeout,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/models", s.handleListModels)
	s.router.Get("/v1/models/{id}", s.handleGetModel)
	s.router.Post("/v1/uploads", s.handleUpload)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/analyses", func(r chi.Router) {
		r.Post("/", s.handleRunAnalysis)
		r.Post("/async", s.handleAsyncAnalysis)
		r.Get("/", s.handleListAnalyses)
		r.Get("/{id}", s.handleGetAnalysis)
		r.Get("/{id}/logs", s.handleStreamLogs)
		r.Get("/{id}/logs/history", s.handleGetLogHistory)
		r.Delete("/{id}", s.handleKillAnalysis)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	// Let in-flight analysis goroutines finish writing their outcomes.
	s.engine.Wait()

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
