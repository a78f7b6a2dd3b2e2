package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/shipyard/pkg/engine"
)

// Metrics provides Prometheus metrics for runs. It implements engine.Metrics.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	activeRuns  prometheus.Gauge

	// Host metrics
	hostRunsTotal   *prometheus.CounterVec
	hostRunDuration *prometheus.HistogramVec

	// Task metrics
	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	// Command metrics
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	// Lock metrics
	lockContention *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry

	mu     sync.Mutex
	server *http.Server
}

var _ engine.Metrics = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

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
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of finished runs",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),

		// Host metrics
		hostRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_runs_total",
				Help:      "Total number of host sequences by outcome",
			},
			[]string{"host", "status"},
		),
		hostRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "host_run_duration_seconds",
				Help:      "Duration of a host sequence in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"host"},
		),

		// Task metrics
		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of tasks executed",
			},
			[]string{"task", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds",
				Buckets:   buckets,
			},
			[]string{"task"},
		),

		// Command metrics
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of commands run on hosts",
			},
			[]string{"host", "exit_code"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of host commands in seconds",
				Buckets:   buckets,
			},
			[]string{"host"},
		),

		// Lock metrics
		lockContention: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_contention_total",
				Help:      "Total number of deploy lock acquisitions refused because the lock was held",
			},
			[]string{"host"},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by classification",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.activeRuns,
		m.hostRunsTotal,
		m.hostRunDuration,
		m.tasksExecuted,
		m.taskDuration,
		m.commandsTotal,
		m.commandDuration,
		m.lockContention,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the active runs gauge.
func (m *Metrics) RecordRunStarted() {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Inc()
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(status string, duration time.Duration) {
	if m.runsTotal == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRunFinished decrements the active runs gauge.
func (m *Metrics) RecordRunFinished() {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Dec()
}

// Host Metrics

// RecordHostRun records the outcome of one host sequence.
func (m *Metrics) RecordHostRun(host, status string, duration time.Duration) {
	if m.hostRunsTotal == nil {
		return
	}
	m.hostRunsTotal.WithLabelValues(host, status).Inc()
	if duration > 0 {
		m.hostRunDuration.WithLabelValues(host).Observe(duration.Seconds())
	}
}

// Task Metrics

// RecordTask records a task execution on host.
func (m *Metrics) RecordTask(host, task, status string, duration time.Duration) {
	if m.tasksExecuted == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(task, status).Inc()
	m.taskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// Command Metrics

// RecordCommand records a command run on host. Commands that never
// produced an exit status are counted with exit code -1.
func (m *Metrics) RecordCommand(host string, exitCode int, duration time.Duration) {
	if m.commandsTotal == nil {
		return
	}
	m.commandsTotal.WithLabelValues(host, strconv.Itoa(exitCode)).Inc()
	m.commandDuration.WithLabelValues(host).Observe(duration.Seconds())
}

// RecordLockContention records a refused deploy lock on host.
func (m *Metrics) RecordLockContention(host string) {
	if m.lockContention == nil {
		return
	}
	m.lockContention.WithLabelValues(host).Inc()
}

// Error Metrics

// RecordError records err by class and code when it is an engine error.
// Other errors are counted under the "unclassified" class.
func (m *Metrics) RecordError(err error) {
	if m.errorsByClass == nil || err == nil {
		return
	}
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) {
		m.errorsByClass.WithLabelValues("unclassified").Inc()
		return
	}
	m.errorsByClass.WithLabelValues(string(engErr.Class)).Inc()
	if engErr.Code != "" {
		m.errorsByCode.WithLabelValues(engErr.Code).Inc()
	}
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.mu.Lock()
	m.server = server
	m.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Log error but don't fail the run
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	log.Debug().Str("address", m.config.ListenAddress).Str("path", m.config.Path).Msg("metrics server started")
	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	server := m.server
	m.server = nil
	m.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
