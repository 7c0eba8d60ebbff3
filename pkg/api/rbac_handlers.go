package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/rbac"
)

// RBACHandlers serves the permission catalog, role profiles, assignments
// and explicit permission grants
type RBACHandlers struct {
	manager  *rbac.Manager
	resolver *rbac.Resolver
	members  MemberLookup
}

// NewRBACHandlers creates RBACHandlers
func NewRBACHandlers(manager *rbac.Manager, resolver *rbac.Resolver, members MemberLookup) *RBACHandlers {
	return &RBACHandlers{manager: manager, resolver: resolver, members: members}
}

// RegisterRoutes registers the RBAC routes on the tenant subrouter
func (h *RBACHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/permissions", h.ListCatalog).Methods("GET")

	// Role profiles
	router.HandleFunc("/role-profiles", h.ListProfiles).Methods("GET")
	router.HandleFunc("/role-profiles", h.CreateProfile).Methods("POST")
	router.HandleFunc("/role-profiles/{id}", h.GetProfile).Methods("GET")
	router.HandleFunc("/role-profiles/{id}", h.UpdateProfile).Methods("PUT")
	router.HandleFunc("/role-profiles/{id}", h.DeleteProfile).Methods("DELETE")

	// Members and their access
	router.HandleFunc("/members/{user}", h.UpsertMember).Methods("PUT")
	router.HandleFunc("/users/{user}/role-profile", h.AssignProfile).Methods("PUT")
	router.HandleFunc("/users/{user}/role-profile", h.UnassignProfile).Methods("DELETE")
	router.HandleFunc("/users/{user}/permissions", h.ListGrants).Methods("GET")
	router.HandleFunc("/users/{user}/permissions", h.GrantPermission).Methods("POST")
	router.HandleFunc("/users/{user}/permissions/{permission}", h.RevokePermission).Methods("DELETE")
	router.HandleFunc("/users/{user}/effective-permissions", h.EffectivePermissions).Methods("GET")
}

type profileRequest struct {
	Key          string             `json:"key"`
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	Permissions  []rbac.Permission  `json:"permissions"`
	Stories      rbac.StoryFlags    `json:"stories"`
	DefaultScope rbac.ScopeTemplate `json:"default_account_scope"`
	Caps         rbac.UsageCaps     `json:"usage_caps"`
}

func (req *profileRequest) profile(tenantID string) *rbac.RoleProfile {
	return &rbac.RoleProfile{
		TenantID:     tenantID,
		Key:          req.Key,
		Name:         req.Name,
		Description:  req.Description,
		Permissions:  req.Permissions,
		Stories:      req.Stories,
		DefaultScope: req.DefaultScope,
		Caps:         req.Caps,
	}
}

// ListCatalog returns every permission in display order
func (h *RBACHandlers) ListCatalog(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, rbac.AllPermissions())
}

// ListProfiles lists the tenant's preset and custom profiles
func (h *RBACHandlers) ListProfiles(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	if err := requireMember(r.Context(), h.members, tenantID, actorID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	profiles, err := h.manager.ListProfiles(r.Context(), tenantID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, profiles)
}

// CreateProfile creates a custom profile
func (h *RBACHandlers) CreateProfile(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)

	var req profileRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	rp := req.profile(tenantID)
	if err := h.manager.CreateCustom(r.Context(), actorID, rp); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, rp)
}

// GetProfile returns one profile
func (h *RBACHandlers) GetProfile(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	if err := requireMember(r.Context(), h.members, tenantID, actorID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	rp, err := h.manager.GetProfile(r.Context(), tenantID, httputil.PathVar(r, "id"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, rp)
}

// UpdateProfile replaces a profile's editable fields
func (h *RBACHandlers) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)

	var req profileRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	rp := req.profile(tenantID)
	rp.ID = httputil.PathVar(r, "id")
	if err := h.manager.Update(r.Context(), actorID, rp); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	updated, err := h.manager.GetProfile(r.Context(), tenantID, rp.ID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, updated)
}

// DeleteProfile deletes a custom profile
func (h *RBACHandlers) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	if err := h.manager.Delete(r.Context(), actorID, tenantID, httputil.PathVar(r, "id")); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type memberRequest struct {
	Email    string        `json:"email"`
	BaseRole rbac.BaseRole `json:"base_role"`
}

// UpsertMember adds a user to the tenant or changes their base role
func (h *RBACHandlers) UpsertMember(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)

	var req memberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	m := &rbac.Member{TenantID: tenantID, UserID: httputil.PathVar(r, "user"), Email: req.Email, BaseRole: req.BaseRole}
	if err := h.manager.UpsertMember(r.Context(), actorID, m); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, m)
}

type assignRequest struct {
	RoleProfileID string `json:"role_profile_id"`
}

// AssignProfile sets the user's single role profile
func (h *RBACHandlers) AssignProfile(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)

	var req assignRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	a, err := h.manager.Assign(r.Context(), actorID, tenantID, httputil.PathVar(r, "user"), req.RoleProfileID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, a)
}

// UnassignProfile removes the user's role profile
func (h *RBACHandlers) UnassignProfile(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	if err := h.manager.Unassign(r.Context(), actorID, tenantID, httputil.PathVar(r, "user")); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListGrants lists the user's explicit permission grants
func (h *RBACHandlers) ListGrants(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	userID := httputil.PathVar(r, "user")
	if err := requireSelfOr(r.Context(), h.resolver, tenantID, actorID, userID, rbac.PermissionManagePermissions); err != nil {
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

type grantRequest struct {
	Permission string `json:"permission"`
}

// GrantPermission grants one permission to the user
func (h *RBACHandlers) GrantPermission(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)

	var req grantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	p, err := rbac.ParsePermission(req.Permission)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	up, err := h.manager.Grant(r.Context(), actorID, tenantID, httputil.PathVar(r, "user"), p)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, up)
}

// RevokePermission removes an explicit grant
func (h *RBACHandlers) RevokePermission(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)

	p, err := rbac.ParsePermission(httputil.PathVar(r, "permission"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if err := h.manager.Revoke(r.Context(), actorID, tenantID, httputil.PathVar(r, "user"), p); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// EffectivePermissions returns the resolved permission set of a user
func (h *RBACHandlers) EffectivePermissions(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	userID := httputil.PathVar(r, "user")
	if err := requireSelfOr(r.Context(), h.resolver, tenantID, actorID, userID, rbac.PermissionManageUsers); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	eff, err := h.resolver.EffectivePermissions(r.Context(), tenantID, userID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, eff)
}
