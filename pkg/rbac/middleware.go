package rbac

import (
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/middleware"
)

// RequirePermissionMiddleware rejects requests whose principal does not hold
// p in the principal's tenant. Denials are a uniform 403.
func RequirePermissionMiddleware(checker Checker, p Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := middleware.GetPrincipal(r)
			if principal == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			allowed, err := checker.HasPermission(r.Context(), principal.TenantID, principal.UserID, p)
			if err != nil {
				httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal error")
				return
			}
			if !allowed {
				httputil.WriteForbidden(w, "forbidden")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
