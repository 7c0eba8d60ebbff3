package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Decision metrics
	PermissionChecksTotal *prometheus.CounterVec
	AccountChecksTotal    *prometheus.CounterVec

	// Permission cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// CRM sync metrics
	CRMSyncsTotal        *prometheus.CounterVec
	CRMSyncDuration      *prometheus.HistogramVec
	CRMSyncAccountsTotal *prometheus.GaugeVec

	// Approval metrics
	ApprovalTransitionsTotal *prometheus.CounterVec
	ApprovalDecisionsTotal   *prometheus.CounterVec
	ActionExecutionsTotal    *prometheus.CounterVec

	// Audit metrics
	AuditWriteFailuresTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_permission_checks_total",
				Help: "Permission decisions by outcome",
			},
			[]string{"result", "source"},
		),
		AccountChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_account_checks_total",
				Help: "Account access decisions by outcome",
			},
			[]string{"result"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		CRMSyncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_crm_syncs_total",
				Help: "CRM report syncs by provider and outcome",
			},
			[]string{"provider", "status"},
		),
		CRMSyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_crm_sync_duration_seconds",
				Help:    "CRM report fetch duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider"},
		),
		CRMSyncAccountsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tollgate_crm_sync_accounts",
				Help: "Number of accounts returned by the last successful sync",
			},
			[]string{"provider"},
		),

		ApprovalTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_approval_transitions_total",
				Help: "Approval request state transitions",
			},
			[]string{"request_type", "to"},
		),
		ApprovalDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_approval_decisions_total",
				Help: "Approval decisions recorded by reviewers",
			},
			[]string{"decision"},
		),
		ActionExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_action_executions_total",
				Help: "Governed action executions by type and outcome",
			},
			[]string{"request_type", "status"},
		),

		AuditWriteFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_audit_write_failures_total",
				Help: "Audit events that failed to write, by whether the error was reported or dropped",
			},
			[]string{"outcome"},
		),

		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollgate_db_connections_open",
				Help: "Number of open database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollgate_db_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionChecksTotal,
		m.AccountChecksTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CRMSyncsTotal,
		m.CRMSyncDuration,
		m.CRMSyncAccountsTotal,
		m.ApprovalTransitionsTotal,
		m.ApprovalDecisionsTotal,
		m.ActionExecutionsTotal,
		m.AuditWriteFailuresTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
	)

	return m
}

// The recording helpers below are nil-safe so components can run without metrics.

func boolResult(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}

// RecordPermissionCheck counts a permission decision; source is bypass, cache or store
func (m *Metrics) RecordPermissionCheck(allowed bool, source string) {
	if m == nil {
		return
	}
	m.PermissionChecksTotal.WithLabelValues(boolResult(allowed), source).Inc()
}

// RecordAccountCheck counts an account access decision
func (m *Metrics) RecordAccountCheck(allowed bool) {
	if m == nil {
		return
	}
	m.AccountChecksTotal.WithLabelValues(boolResult(allowed)).Inc()
}

// RecordCache counts a cache lookup
func (m *Metrics) RecordCache(cache string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// RecordCRMSync records a CRM report sync attempt
func (m *Metrics) RecordCRMSync(provider string, duration time.Duration, accounts int, err error) {
	if m == nil {
		return
	}
	m.CRMSyncDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if err != nil {
		m.CRMSyncsTotal.WithLabelValues(provider, "failure").Inc()
		return
	}
	m.CRMSyncsTotal.WithLabelValues(provider, "success").Inc()
	m.CRMSyncAccountsTotal.WithLabelValues(provider).Set(float64(accounts))
}

// RecordAuditWriteFailures counts failed audit writes that were logged and
// those whose error was dropped
func (m *Metrics) RecordAuditWriteFailures(reported, dropped int) {
	if m == nil {
		return
	}
	m.AuditWriteFailuresTotal.WithLabelValues("reported").Add(float64(reported))
	m.AuditWriteFailuresTotal.WithLabelValues("dropped").Add(float64(dropped))
}

// RecordApprovalTransition counts an approval request entering a state
func (m *Metrics) RecordApprovalTransition(requestType, to string) {
	if m == nil {
		return
	}
	m.ApprovalTransitionsTotal.WithLabelValues(requestType, to).Inc()
}

// RecordApprovalDecision counts a reviewer decision
func (m *Metrics) RecordApprovalDecision(decision string) {
	if m == nil {
		return
	}
	m.ApprovalDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordActionExecution counts a governed action execution
func (m *Metrics) RecordActionExecution(requestType string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.ActionExecutionsTotal.WithLabelValues(requestType, status).Inc()
}

// RecordDBStats updates the connection pool gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
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

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Routes are labelled with the mux path template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			if metrics == nil {
				return
			}
			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
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
