// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes and graceful shutdown for the relay.
//
// # Logging
//
// Logger wraps logrus with a JSON formatter. A per-request logger carrying the
// request ID travels in the request context:
//
//	logger := observability.FromContext(r.Context())
//	logger.WithField("email", email).Info("access granted")
//
// Raw upstream bodies are logged at debug level only.
//
// # Metrics
//
// NewMetrics registers the relay_* collectors on a registry. HTTPMetricsMiddleware
// labels requests with the gorilla/mux route template.
//
// # Tracing
//
// InitOTel installs OTLP/gRPC trace and metric providers globally. Tracer returns
// the relay tracer, which is a no-op until InitOTel runs with Enabled set.
package observability
