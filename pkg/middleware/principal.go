package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/contextkeys"
	"github.com/platinummonkey/tollgate/pkg/httputil"
)

// Headers set by the upstream gateway once it has authenticated the caller.
// The service must only be reachable through that gateway.
const (
	HeaderUserID    = "X-Tollgate-User-ID"
	HeaderTenantID  = "X-Tollgate-Tenant-ID"
	HeaderRequestID = "X-Request-ID"
)

// Principal is the authenticated caller of a request
type Principal struct {
	UserID   string
	TenantID string
}

// PrincipalMiddleware reads the trusted identity headers. A request whose
// route carries a {tenant} variable must target the principal's own tenant.
func PrincipalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(HeaderUserID)
		tenantID := r.Header.Get(HeaderTenantID)
		if userID == "" || tenantID == "" {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		if routeTenant, ok := mux.Vars(r)["tenant"]; ok && routeTenant != tenantID {
			httputil.WriteForbidden(w, "forbidden")
			return
		}

		p := &Principal{UserID: userID, TenantID: tenantID}
		ctx := contextkeys.WithPrincipal(r.Context(), p)
		ctx = contextkeys.WithUserID(ctx, userID)
		ctx = contextkeys.WithTenantID(ctx, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetPrincipal extracts the principal from a request
func GetPrincipal(r *http.Request) *Principal {
	return PrincipalFromContext(r.Context())
}

// PrincipalFromContext extracts the principal from a context
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	return p
}

// RequestID propagates X-Request-ID, generating one when absent
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(contextkeys.WithRequestID(r.Context(), id)))
	})
}
