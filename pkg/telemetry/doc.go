// Package telemetry provides the observability stack for StackPilot.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and Prometheus metrics behind a single Telemetry value
// created at startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Metrics implements the engine's Recorder, so the orchestrator and the
// dispatcher report lifecycle transitions, policy outcomes, callbacks,
// rollbacks and queue depth straight into the registry. The executor client
// reports its calls through ExecutorCall and the API server reports requests
// through HTTPRequest. Metrics are served by the API server at the configured
// path, and by a dedicated listener when MetricsConfig.ListenAddress is set.
//
// # Tracing
//
// NewTracer installs the global tracer provider. Packages create spans with
// otel.Tracer and never hold a Tracer themselves. Log events created with
// zerolog's Ctx carry the trace_id and span_id of the active span.
//
// # Configuration
//
// DefaultConfig, DevelopmentConfig and ProductionConfig cover the common
// setups. The exporter is one of otlp, stdout or none.
package telemetry
