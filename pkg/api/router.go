package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/errs"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/rbac"
)

// TenantPrefix is the path prefix of every tenant-scoped route
const TenantPrefix = "/api/v1/tenants/{tenant}"

// Handlers is a group of routes mounted on the tenant subrouter
type Handlers interface {
	RegisterRoutes(router *mux.Router)
}

// NewTenantRouter mounts the handler groups under TenantPrefix behind
// request id propagation and PrincipalMiddleware.
func NewTenantRouter(router *mux.Router, groups ...Handlers) *mux.Router {
	sub := router.PathPrefix(TenantPrefix).Subrouter()
	sub.Use(middleware.RequestID, middleware.PrincipalMiddleware)
	for _, g := range groups {
		g.RegisterRoutes(sub)
	}
	return sub
}

// caller returns the authenticated user and the route's tenant. Principal
// middleware has already checked that they match.
func caller(r *http.Request) (userID, tenantID string) {
	if p := middleware.GetPrincipal(r); p != nil {
		userID = p.UserID
	}
	return userID, httputil.PathVar(r, "tenant")
}

// requireSelfOr lets a user read their own data and otherwise requires p
func requireSelfOr(ctx context.Context, checker rbac.Checker, tenantID, actorID, subjectID string, p rbac.Permission) error {
	if actorID == subjectID {
		return nil
	}
	return rbac.RequirePermission(ctx, checker, tenantID, actorID, p)
}

// MemberLookup finds tenant members; rbac.Store implements it
type MemberLookup interface {
	GetMember(ctx context.Context, tenantID, userID string) (*rbac.Member, error)
}

// requireMember rejects callers that are not members of the tenant
func requireMember(ctx context.Context, members MemberLookup, tenantID, userID string) error {
	if _, err := members.GetMember(ctx, tenantID, userID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return errs.ErrForbidden
		}
		return err
	}
	return nil
}
