package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for action execution, batches and file
// pulls. A nil or disabled Metrics accepts every Record call and does nothing.
type Metrics struct {
	config MetricsConfig

	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec

	batches       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec

	filePulls     *prometheus.CounterVec
	filePullBytes prometheus.Counter

	rolesClosed      prometheus.Counter
	pipelineFailures prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "actions_total",
				Help:      "Actions executed by type and result state",
			},
			[]string{"action", "result"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "action_duration_seconds",
				Help:      "Action run duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "batches_total",
				Help:      "Batches dispatched by target and status",
			},
			[]string{"target", "status"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "batch_duration_seconds",
				Help:      "Batch dispatch duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"target"},
		),
		filePulls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "file_pulls_total",
				Help:      "Reverse file pulls served to workers by status",
			},
			[]string{"status"},
		),
		filePullBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "file_pull_bytes_total",
				Help:      "Bytes streamed to workers by reverse file pulls",
			},
		),
		rolesClosed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "roles_closed_total",
				Help:      "Roles whose task graph was exhausted",
			},
		),
		pipelineFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "pipeline_failures_total",
				Help:      "Pipelines that entered the failed state",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.actions, m.actionDuration,
		m.batches, m.batchDuration,
		m.filePulls, m.filePullBytes,
		m.rolesClosed, m.pipelineFailures,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordAction records one executed action.
func (m *Metrics) RecordAction(kind, result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.actions.WithLabelValues(kind, result).Inc()
	m.actionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordBatch records one batch dispatch.
func (m *Metrics) RecordBatch(target string, err error, duration time.Duration) {
	if !m.enabled() {
		return
	}
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.batches.WithLabelValues(target, status).Inc()
	m.batchDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// RecordFilePull records one served file pull.
func (m *Metrics) RecordFilePull(ok bool, bytes int64) {
	if !m.enabled() {
		return
	}
	status := "ok"
	if !ok {
		status = "refused"
	}
	m.filePulls.WithLabelValues(status).Inc()
	m.filePullBytes.Add(float64(bytes))
}

// RecordRoleClosed counts a closed role.
func (m *Metrics) RecordRoleClosed() {
	if !m.enabled() {
		return
	}
	m.rolesClosed.Inc()
}

// RecordPipelineFailure counts a pipeline entering the failed state.
func (m *Metrics) RecordPipelineFailure() {
	if !m.enabled() {
		return
	}
	m.pipelineFailures.Inc()
}

// Registry returns the private registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the HTTP handler exposing the metrics.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
