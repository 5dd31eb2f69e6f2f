package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the deployment update lifecycle.
// A disabled Metrics is safe to call and records nothing.
type Metrics struct {
	config MetricsConfig

	updatesStaged    prometheus.Counter
	stepsCreated     *prometheus.CounterVec
	commits          *prometheus.CounterVec
	commitDuration   prometheus.Histogram
	finalizes        *prometheus.CounterVec
	instancesApplied *prometheus.CounterVec
	versionConflicts prometheus.Counter
	dispatches       *prometheus.CounterVec
	executionsEnded  *prometheus.CounterVec
	errorsByClass    *prometheus.CounterVec
	errorsByCode     *prometheus.CounterVec
	activeUpdates    prometheus.Gauge

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

		updatesStaged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_staged_total",
			Help:      "Total number of deployment updates staged",
		}),
		stepsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_created_total",
			Help:      "Total number of steps appended to updates",
		}, []string{"action", "entity_type"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Total number of commits by outcome",
		}, []string{"status"}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Duration of the synchronous half of a commit",
			Buckets:   buckets,
		}),
		finalizes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizes_total",
			Help:      "Total number of finalize calls by outcome",
		}, []string{"status"}),
		instancesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_instances_applied_total",
			Help:      "Node instances written per classification category",
		}, []string{"category"}),
		versionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_instance_version_conflicts_total",
			Help:      "Node instance writes rejected on a stale version",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_dispatches_total",
			Help:      "Workflow executions handed to the execution channel",
		}, []string{"workflow", "status"}),
		executionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_ended_total",
			Help:      "Executions that reached an end state",
		}, []string{"workflow", "status"}),
		errorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_class_total",
			Help:      "Total number of errors by error class",
		}, []string{"class"}),
		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_code_total",
			Help:      "Total number of errors by error code",
		}, []string{"code"}),
		activeUpdates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_updates",
			Help:      "Updates staged or committing in this process's view",
		}),
	}

	registry.MustRegister(
		m.updatesStaged,
		m.stepsCreated,
		m.commits,
		m.commitDuration,
		m.finalizes,
		m.instancesApplied,
		m.versionConflicts,
		m.dispatches,
		m.executionsEnded,
		m.errorsByClass,
		m.errorsByCode,
		m.activeUpdates,
	)

	return m, nil
}

// RecordStaged counts a staged update.
func (m *Metrics) RecordStaged() {
	if m == nil || m.updatesStaged == nil {
		return
	}
	m.updatesStaged.Inc()
	m.activeUpdates.Inc()
}

// RecordStep counts an appended step.
func (m *Metrics) RecordStep(action, entityType string) {
	if m == nil || m.stepsCreated == nil {
		return
	}
	m.stepsCreated.WithLabelValues(action, entityType).Inc()
}

// RecordCommit records the outcome and duration of a commit.
func (m *Metrics) RecordCommit(status string, duration time.Duration) {
	if m == nil || m.commits == nil {
		return
	}
	m.commits.WithLabelValues(status).Inc()
	m.commitDuration.Observe(duration.Seconds())
}

// RecordFinalize records a finalize outcome. A successful finalize ends an update.
func (m *Metrics) RecordFinalize(status string) {
	if m == nil || m.finalizes == nil {
		return
	}
	m.finalizes.WithLabelValues(status).Inc()
	if status == "committed" {
		m.activeUpdates.Dec()
	}
}

// RecordInstancesApplied adds n written instances for a category.
func (m *Metrics) RecordInstancesApplied(category string, n int) {
	if m == nil || m.instancesApplied == nil || n == 0 {
		return
	}
	m.instancesApplied.WithLabelValues(category).Add(float64(n))
}

// RecordVersionConflict counts a rejected instance write.
func (m *Metrics) RecordVersionConflict() {
	if m == nil || m.versionConflicts == nil {
		return
	}
	m.versionConflicts.Inc()
}

// RecordDispatch counts a workflow dispatch attempt.
func (m *Metrics) RecordDispatch(workflow, status string) {
	if m == nil || m.dispatches == nil {
		return
	}
	m.dispatches.WithLabelValues(workflow, status).Inc()
}

// RecordExecutionEnded counts an execution reaching an end state.
func (m *Metrics) RecordExecutionEnded(workflow, status string) {
	if m == nil || m.executionsEnded == nil {
		return
	}
	m.executionsEnded.WithLabelValues(workflow, status).Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, logger *Logger) error {
	if m == nil || !m.config.Enabled {
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

	logger.Infof("serving metrics on %s%s", m.config.ListenAddress, path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
