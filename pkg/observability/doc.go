// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// Decision components take a *Metrics that may be nil; every Record* helper
// is nil-safe. Spans are started with StartSpan and closed with EndSpan so
// failures are recorded on the span:
//
//	ctx, span := observability.StartSpan(ctx, "access.CanAccessAccount")
//	defer func() { observability.EndSpan(span, err) }()
package observability
