// Package observability carries the server's Prometheus metrics and the
// OpenTelemetry tracer setup. Domain packages stay free of metric types;
// wiring code translates events and tool outcomes into the recorders here.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many instances as
// they want without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	EventsPublished prometheus.Counter
	EventsDropped   prometheus.Counter

	WorkflowsTotal  *prometheus.CounterVec
	StagesTotal     *prometheus.CounterVec
	ActiveWorkflows prometheus.Gauge
	QueueDepth      prometheus.Gauge

	ToolExecutions *prometheus.CounterVec
	ToolDuration   prometheus.Histogram

	LLMTokens *prometheus.CounterVec

	HITLRequests *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics builds and registers every collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_events_published_total",
			Help: "Events published on the in-process bus.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_events_dropped_total",
			Help: "Events lost by slow subscribers before a snapshot resync.",
		}),
		WorkflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_workflows_total",
			Help: "Workflows reaching a terminal state, by outcome.",
		}, []string{"outcome"}),
		StagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_stages_total",
			Help: "Stage executions, by terminal status.",
		}, []string{"status"}),
		ActiveWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maestro_workflows_active",
			Help: "Workflows currently admitted and running.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maestro_workflow_queue_depth",
			Help: "Workflows waiting for an admission slot.",
		}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_tool_executions_total",
			Help: "Tool executions, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "maestro_tool_duration_seconds",
			Help:    "Tool execution wall time.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_llm_tokens_total",
			Help: "Token usage reported by stage metrics, by kind.",
		}, []string{"kind"}),
		HITLRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_hitl_requests_total",
			Help: "HITL checkpoints raised, by resolution.",
		}, []string{"resolution"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_http_requests_total",
			Help: "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maestro_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.EventsPublished, m.EventsDropped,
		m.WorkflowsTotal, m.StagesTotal, m.ActiveWorkflows, m.QueueDepth,
		m.ToolExecutions, m.ToolDuration,
		m.LLMTokens, m.HITLRequests,
		m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ToolObserver adapts the metrics to the tool registry's observer hook.
func (m *Metrics) ToolObserver() func(tool string, success bool, elapsed time.Duration) {
	return func(tool string, success bool, elapsed time.Duration) {
		outcome := "ok"
		if !success {
			outcome = "error"
		}
		m.ToolExecutions.WithLabelValues(tool, outcome).Inc()
		m.ToolDuration.Observe(elapsed.Seconds())
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, code int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(route, httpCodeLabel(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func httpCodeLabel(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
