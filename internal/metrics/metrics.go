// Package metrics exposes task lifecycle counters over Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's task instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	tasksStarted   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	tasksCancelled *prometheus.CounterVec
	activeTasks    prometheus.Gauge
	taskDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers the task metrics under the given
// namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "sprintlens"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Number of analysis tasks started",
		}, []string{"kind"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Number of analysis tasks that completed successfully",
		}, []string{"kind"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Number of analysis tasks that ended in error",
		}, []string{"kind"}),
		tasksCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_cancelled_total",
			Help:      "Number of analysis tasks cancelled before completion",
		}, []string{"kind"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of analysis tasks currently running",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of analysis tasks",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.tasksStarted,
		m.tasksCompleted,
		m.tasksFailed,
		m.tasksCancelled,
		m.activeTasks,
		m.taskDuration,
	)
	return m
}

// TaskStarted records a task entering execution.
func (m *Metrics) TaskStarted(kind string) {
	m.tasksStarted.WithLabelValues(kind).Inc()
	m.activeTasks.Inc()
}

// TaskFinished records a task leaving execution, whatever the outcome.
func (m *Metrics) TaskFinished(kind string, d time.Duration) {
	m.activeTasks.Dec()
	m.taskDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// TaskCompleted records a successful terminal state.
func (m *Metrics) TaskCompleted(kind string) {
	m.tasksCompleted.WithLabelValues(kind).Inc()
}

// TaskFailed records an error terminal state.
func (m *Metrics) TaskFailed(kind string) {
	m.tasksFailed.WithLabelValues(kind).Inc()
}

// TaskCancelled records a cooperative cancellation.
func (m *Metrics) TaskCancelled(kind string) {
	m.tasksCancelled.WithLabelValues(kind).Inc()
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartMetricsServer serves /metrics on addr until ctx is done. Used when
// metrics run on a separate port from the API.
func (m *Metrics) StartMetricsServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
