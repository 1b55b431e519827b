package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Login flow
	LoginDecisionsTotal *prometheus.CounterVec
	UpstreamCallsTotal  *prometheus.CounterVec
	UpstreamDuration    *prometheus.HistogramVec

	// Webhooks and groups
	WebhookEventsTotal     *prometheus.CounterVec
	WebhookQueueDepth      prometheus.Gauge
	GroupAssignmentsTotal  *prometheus.CounterVec
	DirectorySyncTotal     *prometheus.CounterVec
	DirectoryGroupsTracked prometheus.Gauge

	// Store
	StoreConflictsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all relay metrics on registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		LoginDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_login_decisions_total",
				Help: "Access decisions by outcome",
			},
			[]string{"outcome", "reason"},
		),
		UpstreamCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_upstream_calls_total",
				Help: "Outbound calls to the identity provider and GIS platform",
			},
			[]string{"upstream", "operation", "result"},
		),
		UpstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_upstream_call_duration_seconds",
				Help:    "Outbound call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"upstream", "operation"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_webhook_events_total",
				Help: "Webhook events by operation and result",
			},
			[]string{"operation", "result"},
		),
		WebhookQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_webhook_queue_depth",
				Help: "Pending webhook events",
			},
		),
		GroupAssignmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_group_assignments_total",
				Help: "Group membership assignments by result",
			},
			[]string{"result"},
		),
		DirectorySyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_directory_sync_total",
				Help: "Group directory refreshes by result",
			},
			[]string{"result"},
		),
		DirectoryGroupsTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_directory_groups",
				Help: "Group titles in the cached directory",
			},
		),
		StoreConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_store_conflicts_total",
				Help: "Optimistic update conflicts on access records",
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginDecisionsTotal,
		m.UpstreamCallsTotal,
		m.UpstreamDuration,
		m.WebhookEventsTotal,
		m.WebhookQueueDepth,
		m.GroupAssignmentsTotal,
		m.DirectorySyncTotal,
		m.DirectoryGroupsTracked,
		m.StoreConflictsTotal,
	)

	return m
}

// ObserveUpstream records the outcome and latency of an outbound call.
// Safe to call on a nil receiver.
func (m *Metrics) ObserveUpstream(upstream, operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.UpstreamCallsTotal.WithLabelValues(upstream, operation, result).Inc()
	m.UpstreamDuration.WithLabelValues(upstream, operation).Observe(time.Since(start).Seconds())
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. Routes are labelled by
// their mux template so query strings and codes never leak into labels.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
