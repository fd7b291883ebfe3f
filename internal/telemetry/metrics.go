package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics держит собственный реестр Prometheus. Методы безопасны на nil.
type Metrics struct {
	registry *prometheus.Registry

	PipelineExecutions *prometheus.CounterVec
	PipelineDuration   *prometheus.HistogramVec
	StageDuration      *prometheus.HistogramVec
	Reloads            *prometheus.CounterVec
	RegistryVersion    prometheus.Gauge
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "meridian"
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PipelineExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_executions_total",
			Help:      "Pipeline invocations by entity, action and status.",
		}, []string{"entity", "action", "status"}),
		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Duration of a full pipeline invocation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity", "action"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of a single pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "status"}),
		Reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_reloads_total",
			Help:      "Metadata registry reload attempts.",
		}, []string{"status"}),
		RegistryVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_version",
			Help:      "Version of the published metadata snapshot.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "path", "status_code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	reg.MustRegister(
		m.PipelineExecutions, m.PipelineDuration, m.StageDuration,
		m.Reloads, m.RegistryVersion, m.HTTPRequests, m.HTTPDuration,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordPipeline(entity, action, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineExecutions.WithLabelValues(entity, action, status).Inc()
	m.PipelineDuration.WithLabelValues(entity, action).Observe(d.Seconds())
}

func (m *Metrics) RecordStage(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

func (m *Metrics) RecordReload(err error, version uint64) {
	if m == nil {
		return
	}
	if err != nil {
		m.Reloads.WithLabelValues("error").Inc()
		return
	}
	m.Reloads.WithLabelValues("ok").Inc()
	m.RegistryVersion.Set(float64(version))
}

func (m *Metrics) RecordHTTPRequest(method, path string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// Status: метка исхода для счётчиков.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
