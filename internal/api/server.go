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

	"github.com/odalys-dev/comfyrelay/internal/history"
	"github.com/odalys-dev/comfyrelay/internal/model"
	"github.com/odalys-dev/comfyrelay/internal/notify"
	"github.com/odalys-dev/comfyrelay/internal/registry"
	"github.com/odalys-dev/comfyrelay/internal/workflow"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Launcher starts the job runner for a newly registered request.
type Launcher interface {
	Launch(ctx context.Context, req *model.PendingRequest) error
}

// Deps are the receiver's collaborators.
type Deps struct {
	Registry   *registry.Registry
	Supervisor *registry.Supervisor
	Notifier   notify.Notifier
	History    *history.Store
	Workflows  *workflow.Dir
	Launcher   Launcher
	// Deadline is the per-request deadline armed at submission; zero means
	// registry.DefaultDeadline.
	Deadline time.Duration
}

// Server wraps the chi router and the receiver's dependencies: the pending
// request registry, its timeout supervisor, the notification collaborator,
// and the generation history store.
type Server struct {
	router     *chi.Mux
	registry   *registry.Registry
	supervisor *registry.Supervisor
	notifier   notify.Notifier
	history    *history.Store
	workflows  *workflow.Dir
	launcher   Launcher
	deadline   time.Duration
	logger     *slog.Logger
	addr       string
}

// NewServer creates and configures the receiver's HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router:     chi.NewRouter(),
		registry:   deps.Registry,
		supervisor: deps.Supervisor,
		notifier:   deps.Notifier,
		history:    deps.History,
		workflows:  deps.Workflows,
		launcher:   deps.Launcher,
		deadline:   deps.Deadline,
		logger:     logger,
		addr:       addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
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

	s.router.Post("/send_image", s.handleSendImage)
	s.router.Post("/update_progress", s.handleUpdateProgress)

	s.router.Route("/v1/requests", func(r chi.Router) {
		r.Post("/", s.handleSubmitRequest)
		r.Get("/", s.handleListRequests)
	})
}

// Router returns the chi router for route registration in tests.
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
		s.logger.Info("receiver listening", "addr", s.addr)
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

	// Cancel outstanding deadline timers and let fired timeout
	// notifications finish before exiting.
	s.supervisor.Shutdown()

	s.logger.Info("receiver stopped")
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
