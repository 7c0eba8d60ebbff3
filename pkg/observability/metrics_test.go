package observability

import (
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordPermissionCheck(true, "bypass")
	m.RecordPermissionCheck(false, "store")
	m.RecordAccountCheck(false)
	m.RecordCache("permissions", true)
	m.RecordCache("permissions", false)
	m.RecordCRMSync("salesforce", 10*time.Millisecond, 3, nil)
	m.RecordCRMSync("salesforce", 10*time.Millisecond, 0, errors.New("down"))
	m.RecordApprovalTransition("artifact_publish", "COMPLETED")
	m.RecordApprovalDecision("approve")
	m.RecordActionExecution("data_deletion", errors.New("boom"))
	m.RecordDBStats(sql.DBStats{OpenConnections: 7, InUse: 2})
	m.RecordAuditWriteFailures(2, 5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PermissionChecksTotal.WithLabelValues("allow", "bypass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PermissionChecksTotal.WithLabelValues("deny", "store")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AccountChecksTotal.WithLabelValues("deny")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("permissions")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("permissions")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CRMSyncsTotal.WithLabelValues("salesforce", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CRMSyncsTotal.WithLabelValues("salesforce", "failure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CRMSyncAccountsTotal.WithLabelValues("salesforce")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ApprovalTransitionsTotal.WithLabelValues("artifact_publish", "COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActionExecutionsTotal.WithLabelValues("data_deletion", "failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuditWriteFailuresTotal.WithLabelValues("reported")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.AuditWriteFailuresTotal.WithLabelValues("dropped")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.DBConnectionsOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DBConnectionsInUse))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPermissionCheck(true, "bypass")
		m.RecordAccountCheck(true)
		m.RecordCache("permissions", true)
		m.RecordCRMSync("hubspot", time.Second, 1, nil)
		m.RecordApprovalTransition("crm_writeback", "APPROVED")
		m.RecordApprovalDecision("reject")
		m.RecordActionExecution("crm_writeback", nil)
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/tenants/{tenant}/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tenants/acme/ping", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/tenants/{tenant}/ping", "418")))

	metricsRec := httptest.NewRecorder()
	MetricsHandler(registry).ServeHTTP(metricsRec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, metricsRec.Body.String(), "tollgate_http_requests_total")
}
