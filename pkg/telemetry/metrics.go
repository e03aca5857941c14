package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics provides Prometheus metrics for datamill.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Resource sync metrics
	resourceSyncs   *prometheus.CounterVec
	refreshAttempts prometheus.Counter
	appRestarts     prometheus.Counter
	syncDuration    *prometheus.HistogramVec

	// Portal metrics
	portalOps        *prometheus.CounterVec
	portalOpDuration *prometheus.HistogramVec

	// Publish metrics
	publishUploads *prometheus.CounterVec

	// System metrics
	activeRuns     prometheus.Gauge
	bridgeInFlight prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}
	return newEnabledMetrics(cfg)
}

// NopMetrics returns a disabled collector that records nothing. It is the
// metrics counterpart of Nop.
func NopMetrics() *Metrics {
	return &Metrics{config: MetricsConfig{Enabled: false}}
}

func newEnabledMetrics(cfg MetricsConfig) (*Metrics, error) {
	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Run metrics
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
			[]string{"kind"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"kind", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "status"},
		),

		// Resource sync metrics
		resourceSyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_syncs_total",
				Help:      "Total number of resource sync outcomes",
			},
			[]string{"status"},
		),
		refreshAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_attempts_total",
				Help:      "Total number of refresh attempts across all resources",
			},
		),
		appRestarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "app_restarts_total",
				Help:      "Total number of application teardown-and-recreate cycles",
			},
		),
		syncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_sync_duration_seconds",
				Help:      "Duration of one resource sync in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Portal metrics
		portalOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "portal_operations_total",
				Help:      "Total number of portal workflow operations",
			},
			[]string{"op", "status"},
		),
		portalOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "portal_operation_duration_seconds",
				Help:      "Duration of portal workflow operations in seconds",
				Buckets:   buckets,
			},
			[]string{"op"},
		),

		// Publish metrics
		publishUploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_uploads_total",
				Help:      "Total number of published file uploads",
			},
			[]string{"status"},
		),

		// System metrics
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
		bridgeInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bridge_inflight_calls",
				Help:      "Current number of blocking calls running on the bridge pool",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.resourceSyncs,
		m.refreshAttempts,
		m.appRestarts,
		m.syncDuration,
		m.portalOps,
		m.portalOpDuration,
		m.publishUploads,
		m.activeRuns,
		m.bridgeInFlight,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(kind string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(kind).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(kind, status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(kind, status).Inc()
	m.runDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Resource Sync Metrics

// RecordResourceSync records the outcome of one resource sync.
func (m *Metrics) RecordResourceSync(status string, attempts int, duration time.Duration) {
	if m.resourceSyncs == nil {
		return
	}
	m.resourceSyncs.WithLabelValues(status).Inc()
	m.refreshAttempts.Add(float64(attempts))
	m.syncDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordAppRestart records one application teardown-and-recreate cycle.
func (m *Metrics) RecordAppRestart() {
	if m.appRestarts == nil {
		return
	}
	m.appRestarts.Inc()
}

// Portal Metrics

// RecordPortalOp records a portal workflow operation with its duration.
func (m *Metrics) RecordPortalOp(op, status string, duration time.Duration) {
	if m.portalOps == nil {
		return
	}
	m.portalOps.WithLabelValues(op, status).Inc()
	m.portalOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// Publish Metrics

// RecordPublishUpload records one published file upload attempt.
func (m *Metrics) RecordPublishUpload(status string) {
	if m.publishUploads == nil {
		return
	}
	m.publishUploads.WithLabelValues(status).Inc()
}

// System Metrics

// BridgeCallStarted increments the in-flight bridge call gauge.
func (m *Metrics) BridgeCallStarted() {
	if m.bridgeInFlight == nil {
		return
	}
	m.bridgeInFlight.Inc()
}

// BridgeCallFinished decrements the in-flight bridge call gauge.
func (m *Metrics) BridgeCallFinished() {
	if m.bridgeInFlight == nil {
		return
	}
	m.bridgeInFlight.Dec()
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
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

// StartMetricsServer starts an HTTP server to expose metrics. Used by watch
// mode; one-shot batch runs push instead (see Push).
func (m *Metrics) StartMetricsServer() error {
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
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Push pushes the registry to the configured push gateway. A no-op when
// metrics are disabled or no gateway is configured.
func (m *Metrics) Push() error {
	if m.registry == nil || m.config.PushGateway == "" {
		return nil
	}
	job := m.config.PushJob
	if job == "" {
		job = "datamill"
	}
	if err := push.New(m.config.PushGateway, job).Gatherer(m.registry).Push(); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
