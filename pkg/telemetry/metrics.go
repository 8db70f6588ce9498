package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// workspaceStatuses are the label values of the workspace_status gauge.
var workspaceStatuses = []string{"absent", "applying", "applied", "destroying", "failed"}

// Metrics provides Prometheus metrics for regionctl.
type Metrics struct {
	config MetricsConfig

	// Region run metrics
	regionRuns     *prometheus.CounterVec
	regionDuration *prometheus.HistogramVec
	activeRegions  prometheus.Gauge

	// Workspace metrics
	workspaceStatus *prometheus.GaugeVec

	// Lock metrics
	lockContention *prometheus.CounterVec

	// Approval metrics
	approvalDecisions *prometheus.CounterVec
	approvalWait      *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a collector whose methods do nothing.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.RegionDurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		regionRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "region_runs_total",
				Help:      "Total number of region runs by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		regionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "region_run_duration_seconds",
				Help:      "Duration of region runs in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "outcome"},
		),
		activeRegions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_region_runs",
				Help:      "Current number of region runs in progress",
			},
		),

		workspaceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workspace_status",
				Help:      "Last known workspace status per region (1 for the current status)",
			},
			[]string{"region", "status"},
		),

		lockContention: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_contention_total",
				Help:      "Total number of lock acquisitions refused because the partition was held",
			},
			[]string{"region"},
		),

		approvalDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approval_decisions_total",
				Help:      "Total number of approval decisions",
			},
			[]string{"decision"},
		),
		approvalWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "approval_wait_seconds",
				Help:      "Time between submission and decision of a change set",
				Buckets:   prometheus.ExponentialBuckets(10, 3, 8),
			},
			[]string{"decision"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of region failures by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of region failures by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.regionRuns,
		m.regionDuration,
		m.activeRegions,
		m.workspaceStatus,
		m.lockContention,
		m.approvalDecisions,
		m.approvalWait,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Region Metrics

// RegionStarted increments the in-progress gauge.
func (m *Metrics) RegionStarted() {
	if m.activeRegions == nil {
		return
	}
	m.activeRegions.Inc()
}

// RecordRegionResult records a finished region run.
func (m *Metrics) RecordRegionResult(operation, outcome string, duration time.Duration) {
	if m.regionRuns == nil {
		return
	}
	m.regionRuns.WithLabelValues(operation, outcome).Inc()
	m.regionDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
	m.activeRegions.Dec()
}

// SetWorkspaceStatus marks status as the current status of a region.
func (m *Metrics) SetWorkspaceStatus(region, status string) {
	if m.workspaceStatus == nil || status == "" {
		return
	}
	for _, s := range workspaceStatuses {
		value := 0.0
		if s == status {
			value = 1.0
		}
		m.workspaceStatus.WithLabelValues(region, s).Set(value)
	}
}

// Lock Metrics

// RecordLockContention records a refused lock acquisition.
func (m *Metrics) RecordLockContention(region string) {
	if m.lockContention == nil {
		return
	}
	m.lockContention.WithLabelValues(region).Inc()
}

// Approval Metrics

// RecordApproval records an approval decision and how long it took.
func (m *Metrics) RecordApproval(decision string, waited time.Duration) {
	if m.approvalDecisions == nil {
		return
	}
	m.approvalDecisions.WithLabelValues(decision).Inc()
	m.approvalWait.WithLabelValues(decision).Observe(waited.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
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

// StartMetricsServer serves metrics on the configured listen address until
// ctx is done. It returns immediately when metrics are disabled or no
// address is configured.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()

	logger.Info().Str("addr", m.config.ListenAddress).Str("path", path).Msg("Metrics server started")
	return nil
}
