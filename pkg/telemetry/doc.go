// Package telemetry provides observability instrumentation for datamill.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), and metrics (Prometheus) into a unified system for
// monitoring and debugging datamill runs.
//
// # Architecture
//
// The telemetry system is built on three pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "datamill"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("sync-worker")
//	logger = logger.WithRunID("run-123").WithResource("data/sales.xlsx")
//	logger.Info("starting resource sync")
//	logger.WithError(err).Error("sync failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into run flow and timing:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, "full")
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), stdout (development), none
// (testing). Tracing is disabled by default; a batch tool rarely needs it.
//
// # Metrics
//
// Prometheus metrics track run behavior on a private registry:
//
//	tel.Metrics.RecordRunStarted("sync")
//	tel.Metrics.RecordResourceSync("synced", attempts, duration)
//	tel.Metrics.RecordAppRestart()
//	tel.Metrics.RecordRunCompleted("sync", "succeeded", duration)
//
// Key metrics:
//
//   - datamill_runs_started_total{kind}
//   - datamill_runs_completed_total{kind,status}
//   - datamill_run_duration_seconds{kind,status}
//   - datamill_resource_syncs_total{status}
//   - datamill_refresh_attempts_total
//   - datamill_app_restarts_total
//   - datamill_portal_operations_total{op,status}
//   - datamill_bridge_inflight_calls
//
// One-shot runs push the final registry state to a configured push gateway on
// shutdown; watch mode exposes the registry over HTTP at /metrics instead.
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	cfg := telemetry.DevelopmentConfig() // verbose console, stdout traces
//	cfg := telemetry.ProductionConfig()  // JSON logs, OTLP traces, 10% sampling
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully so pending spans are exported and the
// final metric state is pushed:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("telemetry shutdown error: %v", err)
//	}
package telemetry
