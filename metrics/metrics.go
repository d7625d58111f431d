// Package metrics exposes the supervisor's Prometheus instrumentation.
// All collectors hang off a single registry so the proxy can serve them
// on /metrics without touching the default global registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the supervisor's collectors.
type Metrics struct {
	registry *prometheus.Registry

	EntriesProcessed prometheus.Counter
	IssuesDetected   *prometheus.CounterVec
	TasksEnqueued    *prometheus.CounterVec
	Notifications    prometheus.Counter
	ComplianceScans  prometheus.Counter
	ProxyRequests    *prometheus.CounterVec
}

// New creates a Metrics bundle with its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.EntriesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "log_entries_processed_total",
		Help:      "Workflow log entries handed to the analyzer.",
	})
	m.IssuesDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "issues_detected_total",
		Help:      "Issues emitted by the workflow analyzer.",
	}, []string{"kind"})
	m.TasksEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "tasks_enqueued_total",
		Help:      "Remediation tasks added to the queue.",
	}, []string{"priority"})
	m.Notifications = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "notifications_sent_total",
		Help:      "User notifications emitted.",
	})
	m.ComplianceScans = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "compliance_scans_total",
		Help:      "Periodic compliance scans executed.",
	})
	m.ProxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supervisor",
		Name:      "proxy_requests_total",
		Help:      "Proxy requests by provider and outcome status.",
	}, []string{"provider", "status"})

	m.registry.MustRegister(
		m.EntriesProcessed,
		m.IssuesDetected,
		m.TasksEnqueued,
		m.Notifications,
		m.ComplianceScans,
		m.ProxyRequests,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
