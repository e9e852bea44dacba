// Package metrics exposes Prometheus instrumentation for the receiver.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "article_sync"

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	WebhooksTotal   *prometheus.CounterVec
	WebhookDuration prometheus.Histogram
	ImagesTotal     *prometheus.CounterVec
	JobsScheduled   *prometheus.CounterVec
	JobsExecuted    *prometheus.CounterVec
	Finalizations   *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		WebhooksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by outcome",
		}, []string{"outcome"}),
		WebhookDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Time spent handling a webhook delivery",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		ImagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_localized_total",
			Help:      "Image localizations by outcome (stored, deduplicated, failed)",
		}, []string{"outcome"}),
		JobsScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_scheduled_total",
			Help:      "Async jobs scheduled by name",
		}, []string{"job"}),
		JobsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_executed_total",
			Help:      "Async job executions by name and status",
		}, []string{"job", "status"}),
		Finalizations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizations_total",
			Help:      "Articles finalized by resulting status",
		}, []string{"status"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code",
		}, []string{"method", "route", "code"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Webhook(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(outcome).Inc()
	m.WebhookDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) Image(outcome string) {
	if m == nil {
		return
	}
	m.ImagesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) JobScheduled(job string) {
	if m == nil {
		return
	}
	m.JobsScheduled.WithLabelValues(job).Inc()
}

func (m *Metrics) JobExecuted(job, status string) {
	if m == nil {
		return
	}
	m.JobsExecuted.WithLabelValues(job, status).Inc()
}

func (m *Metrics) Finalized(status string) {
	if m == nil {
		return
	}
	m.Finalizations.WithLabelValues(status).Inc()
}

func (m *Metrics) Request(method, route, code string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, code).Inc()
}
