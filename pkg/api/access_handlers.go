package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/access"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/rbac"
)

// AccessHandlers serves account grants, on-demand CRM sync and the
// accessible-account listing
type AccessHandlers struct {
	manager   *access.Manager
	resolver  *access.Resolver
	checker   rbac.Checker
	syncLimit func(http.Handler) http.Handler
}

// NewAccessHandlers creates AccessHandlers. syncLimit wraps the sync route
// and may be nil.
func NewAccessHandlers(manager *access.Manager, resolver *access.Resolver, checker rbac.Checker, syncLimit func(http.Handler) http.Handler) *AccessHandlers {
	return &AccessHandlers{manager: manager, resolver: resolver, checker: checker, syncLimit: syncLimit}
}

// RegisterRoutes registers the account access routes on the tenant subrouter
func (h *AccessHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/accounts/{id}", h.UpsertAccount).Methods("PUT")

	router.HandleFunc("/account-grants", h.CreateGrant).Methods("POST")
	router.HandleFunc("/account-grants/{id}", h.GetGrant).Methods("GET")
	router.HandleFunc("/account-grants/{id}", h.RevokeGrant).Methods("DELETE")
	router.HandleFunc("/account-grants/{id}/accounts", h.AddAccounts).Methods("POST")
	router.HandleFunc("/account-grants/{id}/accounts", h.RemoveAccounts).Methods("DELETE")

	var sync http.Handler = http.HandlerFunc(h.SyncGrant)
	if h.syncLimit != nil {
		sync = h.syncLimit(sync)
	}
	router.Handle("/account-grants/{id}/sync", sync).Methods("POST")

	router.HandleFunc("/users/{user}/account-grants", h.ListGrants).Methods("GET")
	router.HandleFunc("/users/{user}/accounts", h.ListAccessibleAccounts).Methods("GET")
}

type accountRequest struct {
	Name string `json:"name"`
}

// UpsertAccount adds or renames an account in the tenant directory
func (h *AccessHandlers) UpsertAccount(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)

	var req accountRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	a := &access.Account{TenantID: tenantID, ID: httputil.PathVar(r, "id"), Name: req.Name}
	if err := h.manager.UpsertAccount(r.Context(), actorID, a); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, a)
}

type grantCreateRequest struct {
	UserID        string           `json:"user_id"`
	ScopeType     access.ScopeType `json:"scope_type"`
	AccountIDs    []string         `json:"account_ids"`
	CRMProvider   string           `json:"crm_provider"`
	CRMReportID   string           `json:"crm_report_id"`
	CRMReportName string           `json:"crm_report_name"`
}

// CreateGrant creates an account grant. CRM_REPORT grants are synced
// before the response.
func (h *AccessHandlers) CreateGrant(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)

	var req grantCreateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	g, err := h.manager.CreateGrant(r.Context(), actorID, &access.Grant{
		TenantID:      tenantID,
		UserID:        req.UserID,
		ScopeType:     req.ScopeType,
		AccountIDs:    req.AccountIDs,
		CRMProvider:   req.CRMProvider,
		CRMReportID:   req.CRMReportID,
		CRMReportName: req.CRMReportName,
	})
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, g)
}

// GetGrant returns one grant to its holder or an access manager
func (h *AccessHandlers) GetGrant(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)

	g, err := h.manager.GetGrant(r.Context(), tenantID, httputil.PathVar(r, "id"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if err := requireSelfOr(r.Context(), h.checker, tenantID, actorID, g.UserID, rbac.PermissionManageAccess); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, g)
}

// RevokeGrant deletes a grant; access ends immediately
func (h *AccessHandlers) RevokeGrant(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	if err := h.manager.RevokeGrant(r.Context(), actorID, tenantID, httputil.PathVar(r, "id")); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type accountListRequest struct {
	AccountIDs []string `json:"account_ids"`
}

// AddAccounts adds accounts to an ACCOUNT_LIST grant
func (h *AccessHandlers) AddAccounts(w http.ResponseWriter, r *http.Request) {
	h.editList(w, r, h.manager.AddAccounts)
}

// RemoveAccounts removes accounts from an ACCOUNT_LIST grant
func (h *AccessHandlers) RemoveAccounts(w http.ResponseWriter, r *http.Request) {
	h.editList(w, r, h.manager.RemoveAccounts)
}

func (h *AccessHandlers) editList(w http.ResponseWriter, r *http.Request,
	edit func(ctx context.Context, actorID, tenantID, grantID string, ids []string) (*access.Grant, error)) {
	actorID, tenantID := caller(r)

	var req accountListRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	g, err := edit(r.Context(), actorID, tenantID, httputil.PathVar(r, "id"), req.AccountIDs)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, g)
}

// SyncGrant refreshes a CRM_REPORT grant's cached accounts now
func (h *AccessHandlers) SyncGrant(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)

	g, err := h.manager.Resync(r.Context(), actorID, tenantID, httputil.PathVar(r, "id"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, g)
}

// ListGrants lists a user's grants
func (h *AccessHandlers) ListGrants(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	userID := httputil.PathVar(r, "user")
	if err := requireSelfOr(r.Context(), h.checker, tenantID, actorID, userID, rbac.PermissionManageAccess); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	grants, err := h.manager.ListGrants(r.Context(), tenantID, userID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, grants)
}

// ListAccessibleAccounts returns the expansion of a user's grants
func (h *AccessHandlers) ListAccessibleAccounts(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	userID := httputil.PathVar(r, "user")
	if err := requireSelfOr(r.Context(), h.checker, tenantID, actorID, userID, rbac.PermissionManageAccess); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	set, err := h.resolver.ListAccessibleAccountIDs(r.Context(), tenantID, userID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, set)
}
