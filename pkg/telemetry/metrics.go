package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for StackPilot. A disabled instance
// accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Lifecycle metrics
	deploymentsStarted *prometheus.CounterVec
	stateTransitions   *prometheus.CounterVec
	policyEvaluations  *prometheus.CounterVec
	callbacks          *prometheus.CounterVec
	staleResults       *prometheus.CounterVec
	rollbacks          prometheus.Counter
	purges             prometheus.Counter

	// Dispatcher metrics
	queuedTasks prometheus.Gauge
	activeTasks prometheus.Gauge

	// Executor metrics
	executorCalls    *prometheus.CounterVec
	executorDuration *prometheus.HistogramVec
	executorErrors   *prometheus.CounterVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deploymentsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_started_total",
				Help:      "Total number of deploy tasks started",
			},
			[]string{"provider", "kind"},
		),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Total number of service state transitions",
			},
			[]string{"from", "to"},
		),
		policyEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_evaluations_total",
				Help:      "Total number of policy gate evaluations by outcome",
			},
			[]string{"outcome"},
		),
		callbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callbacks_total",
				Help:      "Total number of executor callbacks received",
			},
			[]string{"operation", "outcome"},
		),
		staleResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_results_dropped_total",
				Help:      "Total number of results dropped because the record had moved on",
			},
			[]string{"operation"},
		),
		rollbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollback destroys triggered by failed deploys",
			},
		),
		purges: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "services_purged_total",
				Help:      "Total number of service records purged",
			},
		),

		queuedTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatcher_queued_tasks",
				Help:      "Tasks waiting for a dispatcher slot",
			},
		),
		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatcher_active_tasks",
				Help:      "Tasks currently holding a dispatcher slot",
			},
		),

		executorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executor_calls_total",
				Help:      "Total number of executor calls",
			},
			[]string{"kind", "operation"},
		),
		executorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "executor_call_duration_seconds",
				Help:      "Duration of executor calls in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "operation"},
		),
		executorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executor_errors_total",
				Help:      "Total number of failed executor calls",
			},
			[]string{"kind", "operation"},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of API requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by class and code",
			},
			[]string{"class", "code"},
		),
	}

	registry.MustRegister(
		m.deploymentsStarted,
		m.stateTransitions,
		m.policyEvaluations,
		m.callbacks,
		m.staleResults,
		m.rollbacks,
		m.purges,
		m.queuedTasks,
		m.activeTasks,
		m.executorCalls,
		m.executorDuration,
		m.executorErrors,
		m.httpRequests,
		m.httpDuration,
		m.errorsByClass,
	)

	return m, nil
}

// Lifecycle Metrics

// DeploymentStarted counts a deploy task handed to the orchestrator.
func (m *Metrics) DeploymentStarted(provider, kind string) {
	if m.deploymentsStarted == nil {
		return
	}
	m.deploymentsStarted.WithLabelValues(provider, kind).Inc()
}

// StateTransition counts a persisted state change.
func (m *Metrics) StateTransition(from, to string) {
	if m.stateTransitions == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from, to).Inc()
}

// PolicyEvaluated counts a policy gate outcome.
func (m *Metrics) PolicyEvaluated(outcome string) {
	if m.policyEvaluations == nil {
		return
	}
	m.policyEvaluations.WithLabelValues(outcome).Inc()
}

// CallbackReceived counts an executor callback.
func (m *Metrics) CallbackReceived(operation, outcome string) {
	if m.callbacks == nil {
		return
	}
	m.callbacks.WithLabelValues(operation, outcome).Inc()
}

// StaleResultDropped counts a result ignored because the record moved on.
func (m *Metrics) StaleResultDropped(operation string) {
	if m.staleResults == nil {
		return
	}
	m.staleResults.WithLabelValues(operation).Inc()
}

// RollbackTriggered counts a rollback destroy.
func (m *Metrics) RollbackTriggered() {
	if m.rollbacks == nil {
		return
	}
	m.rollbacks.Inc()
}

// ServicePurged counts a purged record.
func (m *Metrics) ServicePurged() {
	if m.purges == nil {
		return
	}
	m.purges.Inc()
}

// QueueDepth sets the dispatcher gauges.
func (m *Metrics) QueueDepth(queued, active int) {
	if m.queuedTasks == nil {
		return
	}
	m.queuedTasks.Set(float64(queued))
	m.activeTasks.Set(float64(active))
}

// Executor Metrics

// ExecutorCall records an executor call with its duration and outcome.
func (m *Metrics) ExecutorCall(kind, operation string, duration time.Duration, err error) {
	if m.executorCalls == nil {
		return
	}
	m.executorCalls.WithLabelValues(kind, operation).Inc()
	m.executorDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
	if err != nil && !errors.Is(err, context.Canceled) {
		m.executorErrors.WithLabelValues(kind, operation).Inc()
	}
}

// API Metrics

// HTTPRequest records a served API request.
func (m *Metrics) HTTPRequest(method, route string, status int, duration time.Duration) {
	if m.httpRequests == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass, errorCode).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StartMetricsServer starts a dedicated metrics listener when one is
// configured. The returned server is nil when nothing was started.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) *http.Server {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server stopped")
		}
	}()

	return server
}
