package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/stackpilot/stackpilot/pkg/config"
	"github.com/stackpilot/stackpilot/pkg/engine"
)

// Orchestrator is the engine surface the API drives.
type Orchestrator interface {
	Deploy(ctx context.Context, task *engine.DeployTask) (*engine.ServiceRecord, error)
	BeginDestroy(ctx context.Context, id string) (*engine.DestroyJob, error)
	ExecuteDestroy(ctx context.Context, job *engine.DestroyJob) (*engine.ServiceRecord, error)
	PreparePurge(ctx context.Context, id string) (*engine.PurgeJob, error)
	ExecutePurge(ctx context.Context, job *engine.PurgeJob) error
	MarkManualCleanupRequired(ctx context.Context, id string) (*engine.ServiceRecord, error)
	ReconcileDeploy(ctx context.Context, id string, raw engine.ExecutorResult) (*engine.ServiceRecord, error)
	ReconcileDestroy(ctx context.Context, id string, raw engine.ExecutorResult) (*engine.ServiceRecord, error)
	Get(ctx context.Context, id string) (*engine.ServiceRecord, error)
	List(ctx context.Context, query engine.ServiceQuery) ([]*engine.ServiceRecord, error)
}

// TaskBuilder turns a request into a deploy task.
type TaskBuilder interface {
	Build(ctx context.Context, req *engine.DeployRequest) (*engine.DeployTask, error)
}

// Submitter runs jobs in the background.
type Submitter interface {
	Submit(ctx context.Context, name, id string, job engine.Job) (*engine.Future, error)
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Observer records one call per served request.
type Observer interface {
	HTTPRequest(method, route string, status int, duration time.Duration)
}

// Options wires the server to the engine.
type Options struct {
	Orchestrator Orchestrator
	Builder      TaskBuilder
	Dispatcher   Submitter

	// Health is checked by /healthz when set.
	Health HealthChecker

	// Observer receives request metrics when set.
	Observer Observer

	// Metrics is served at /metrics when set.
	Metrics http.Handler

	Logger zerolog.Logger
}

// Server is the HTTP boundary of the engine.
type Server struct {
	orchestrator Orchestrator
	builder      TaskBuilder
	dispatcher   Submitter
	health       HealthChecker
	observer     Observer
	metrics      http.Handler
	tracer       trace.Tracer
	logger       zerolog.Logger
	router       chi.Router
}

// New creates a server and registers its routes.
func New(opts Options) *Server {
	s := &Server{
		orchestrator: opts.Orchestrator,
		builder:      opts.Builder,
		dispatcher:   opts.Dispatcher,
		health:       opts.Health,
		observer:     opts.Observer,
		metrics:      opts.Metrics,
		tracer:       otel.Tracer("github.com/stackpilot/stackpilot/pkg/server"),
		logger:       opts.Logger.With().Str("component", "server").Logger(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/services", func(r chi.Router) {
			r.Post("/", s.handleDeploy)
			r.Get("/", s.handleListServices)
			r.Get("/{id}", s.handleGetService)
			r.Delete("/{id}", s.handleDestroy)
			r.Post("/{id}/purge", s.handlePurge)
			r.Post("/{id}/manual-cleanup", s.handleManualCleanup)
		})
		r.Route("/callbacks", func(r chi.Router) {
			r.Post("/deploy/{id}", s.handleDeployCallback)
			r.Post("/destroy/{id}", s.handleDestroyCallback)
		})
	})
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on cfg.Address until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", cfg.Address).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.logger.Info().Msg("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}
