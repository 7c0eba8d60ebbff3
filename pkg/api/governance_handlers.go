package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/errs"
	"github.com/platinummonkey/tollgate/pkg/governance"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/rbac"
)

// GovernanceHandlers serves the tenant policy, approval steps and groups,
// and the approval request lifecycle
type GovernanceHandlers struct {
	manager *governance.Manager
	engine  *governance.Engine
	checker rbac.Checker
	members MemberLookup
}

// NewGovernanceHandlers creates GovernanceHandlers
func NewGovernanceHandlers(manager *governance.Manager, engine *governance.Engine, checker rbac.Checker, members MemberLookup) *GovernanceHandlers {
	return &GovernanceHandlers{manager: manager, engine: engine, checker: checker, members: members}
}

// RegisterRoutes registers the governance routes on the tenant subrouter
func (h *GovernanceHandlers) RegisterRoutes(router *mux.Router) {
	// Policy
	router.HandleFunc("/governance/policy", h.GetPolicy).Methods("GET")
	router.HandleFunc("/governance/policy", h.UpdatePolicy).Methods("PUT")
	router.HandleFunc("/governance/policy/steps", h.ReplaceSteps).Methods("PUT")
	router.HandleFunc("/governance/policy/steps/validate", h.ValidateSteps).Methods("POST")

	// Approval groups
	router.HandleFunc("/governance/groups", h.ListGroups).Methods("GET")
	router.HandleFunc("/governance/groups", h.CreateGroup).Methods("POST")
	router.HandleFunc("/governance/groups/{id}", h.GetGroup).Methods("GET")
	router.HandleFunc("/governance/groups/{id}", h.UpdateGroup).Methods("PUT")
	router.HandleFunc("/governance/groups/{id}", h.DeleteGroup).Methods("DELETE")
	router.HandleFunc("/governance/groups/{id}/members/{user}", h.AddGroupMember).Methods("PUT")
	router.HandleFunc("/governance/groups/{id}/members/{user}", h.RemoveGroupMember).Methods("DELETE")

	// Approval requests
	router.HandleFunc("/approval-requests", h.ListRequests).Methods("GET")
	router.HandleFunc("/approval-requests/{id}", h.GetRequest).Methods("GET")
	router.HandleFunc("/approval-requests/{id}/decisions", h.ListDecisions).Methods("GET")
	router.Handle("/approval-requests/{id}/diagnosis",
		rbac.RequirePermissionMiddleware(h.checker, rbac.PermissionManageGovernance)(http.HandlerFunc(h.Diagnose))).Methods("GET")
	router.HandleFunc("/approval-requests/{id}/approve", h.Approve).Methods("POST")
	router.HandleFunc("/approval-requests/{id}/reject", h.Reject).Methods("POST")
	router.HandleFunc("/approval-requests/{id}/rollback", h.Rollback).Methods("POST")
	router.HandleFunc("/approval-requests/{id}/retry", h.RetryExecution).Methods("POST")
}

// GetPolicy returns the tenant's policy with its steps
func (h *GovernanceHandlers) GetPolicy(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	if err := requireMember(r.Context(), h.members, tenantID, actorID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	p, err := h.manager.GetPolicy(r.Context(), tenantID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, p)
}

// UpdatePolicy sets the policy flags
func (h *GovernanceHandlers) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)

	var settings governance.PolicySettings
	if !httputil.ParseJSONOrError(w, r, &settings) {
		return
	}

	p, err := h.manager.UpdatePolicy(r.Context(), actorID, tenantID, settings)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, p)
}

type stepRequest struct {
	StepOrder         int                      `json:"step_order"`
	MinApprovals      int                      `json:"min_approvals"`
	Scope             governance.ApproverScope `json:"scope"`
	ScopeRef          string                   `json:"scope_ref"`
	AllowSelfApproval bool                     `json:"allow_self_approval"`
	Enabled           bool                     `json:"enabled"`
}

type stepsRequest struct {
	Steps []stepRequest `json:"steps"`
}

func (req *stepsRequest) steps() []governance.Step {
	out := make([]governance.Step, len(req.Steps))
	for i, s := range req.Steps {
		out[i] = governance.Step{
			StepOrder:         s.StepOrder,
			MinApprovals:      s.MinApprovals,
			Scope:             s.Scope,
			ScopeRef:          s.ScopeRef,
			AllowSelfApproval: s.AllowSelfApproval,
			Enabled:           s.Enabled,
		}
	}
	return out
}

type stepsResponse struct {
	Steps    []governance.Step        `json:"steps,omitempty"`
	Warnings []governance.StepWarning `json:"warnings"`
}

// ReplaceSteps replaces the whole step list and reports satisfiability
// warnings alongside the saved steps
func (h *GovernanceHandlers) ReplaceSteps(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)

	var req stepsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	steps, warnings, err := h.manager.ReplaceSteps(r.Context(), actorID, tenantID, req.steps())
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, stepsResponse{Steps: steps, Warnings: nonNil(warnings)})
}

// ValidateSteps checks a step list without saving it
func (h *GovernanceHandlers) ValidateSteps(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)

	var req stepsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	warnings, err := h.manager.ValidateSteps(r.Context(), actorID, tenantID, req.steps())
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, stepsResponse{Warnings: nonNil(warnings)})
}

func nonNil(w []governance.StepWarning) []governance.StepWarning {
	if w == nil {
		return []governance.StepWarning{}
	}
	return w
}

// ListGroups lists approval groups
func (h *GovernanceHandlers) ListGroups(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	if err := requireMember(r.Context(), h.members, tenantID, actorID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	groups, err := h.manager.ListGroups(r.Context(), tenantID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, groups)
}

type groupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateGroup creates an approval group
func (h *GovernanceHandlers) CreateGroup(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)

	var req groupRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	g := &governance.Group{TenantID: tenantID, Name: req.Name, Description: req.Description}
	if err := h.manager.CreateGroup(r.Context(), actorID, g); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, g)
}

// GetGroup returns a group with its members
func (h *GovernanceHandlers) GetGroup(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	if err := requireMember(r.Context(), h.members, tenantID, actorID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	g, err := h.manager.GetGroup(r.Context(), tenantID, httputil.PathVar(r, "id"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, g)
}

// UpdateGroup renames or redescribes a group
func (h *GovernanceHandlers) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)

	var req groupRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	g := &governance.Group{ID: httputil.PathVar(r, "id"), TenantID: tenantID, Name: req.Name, Description: req.Description}
	if err := h.manager.UpdateGroup(r.Context(), actorID, g); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, g)
}

// DeleteGroup deletes a group. Steps referencing it become unsatisfiable.
func (h *GovernanceHandlers) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	if err := h.manager.DeleteGroup(r.Context(), actorID, tenantID, httputil.PathVar(r, "id")); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// AddGroupMember adds a tenant member to a group
func (h *GovernanceHandlers) AddGroupMember(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	err := h.manager.AddGroupMember(r.Context(), actorID, tenantID, httputil.PathVar(r, "id"), httputil.PathVar(r, "user"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RemoveGroupMember removes a user from a group
func (h *GovernanceHandlers) RemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	err := h.manager.RemoveGroupMember(r.Context(), actorID, tenantID, httputil.PathVar(r, "id"), httputil.PathVar(r, "user"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func parseStatus(s string) (governance.Status, error) {
	st := governance.Status(strings.ToUpper(s))
	switch st {
	case "", governance.StatusPending, governance.StatusApproved, governance.StatusRejected,
		governance.StatusCompleted, governance.StatusRolledBack:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", errs.ErrValidation, s)
}

// ListRequests lists the tenant's approval requests, newest first
func (h *GovernanceHandlers) ListRequests(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	if err := requireMember(r.Context(), h.members, tenantID, actorID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", 100)
	if !ok {
		return
	}

	reqs, err := h.engine.ListRequests(r.Context(), tenantID, status, limit)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if reqs == nil {
		reqs = []governance.Request{}
	}
	httputil.WriteSuccess(w, reqs)
}

// GetRequest returns one approval request
func (h *GovernanceHandlers) GetRequest(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	if err := requireMember(r.Context(), h.members, tenantID, actorID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	req, err := h.engine.GetRequest(r.Context(), tenantID, httputil.PathVar(r, "id"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, req)
}

// ListDecisions lists the approvals and rejections of a request
func (h *GovernanceHandlers) ListDecisions(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	if err := requireMember(r.Context(), h.members, tenantID, actorID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	decisions, err := h.engine.ListDecisions(r.Context(), tenantID, httputil.PathVar(r, "id"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if decisions == nil {
		decisions = []governance.Decision{}
	}
	httputil.WriteSuccess(w, decisions)
}

// Diagnose explains what a pending request is waiting for. The route is
// mounted behind RequirePermissionMiddleware for manage_governance.
func (h *GovernanceHandlers) Diagnose(w http.ResponseWriter, r *http.Request) {
	_, tenantID := caller(r)
	d, err := h.engine.Diagnose(r.Context(), tenantID, httputil.PathVar(r, "id"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, d)
}

type notesRequest struct {
	Notes string `json:"notes"`
}

// parseNotes reads an optional {"notes": ...} body
func parseNotes(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req notesRequest
	if err := httputil.ParseJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteBadRequest(w, err.Error())
		return "", false
	}
	return req.Notes, true
}

// Approve records the caller's approval
func (h *GovernanceHandlers) Approve(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	notes, ok := parseNotes(w, r)
	if !ok {
		return
	}

	req, err := h.engine.Approve(r.Context(), tenantID, httputil.PathVar(r, "id"), actorID, notes)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, req)
}

// Reject records the caller's rejection, which resolves the request
func (h *GovernanceHandlers) Reject(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	notes, ok := parseNotes(w, r)
	if !ok {
		return
	}

	req, err := h.engine.Reject(r.Context(), tenantID, httputil.PathVar(r, "id"), actorID, notes)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, req)
}

// Rollback reverts a completed action
func (h *GovernanceHandlers) Rollback(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)
	notes, ok := parseNotes(w, r)
	if !ok {
		return
	}

	req, err := h.engine.Rollback(r.Context(), actorID, tenantID, httputil.PathVar(r, "id"), notes)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, req)
}

// RetryExecution reruns a failed executor of an approved request
func (h *GovernanceHandlers) RetryExecution(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)

	req, err := h.engine.RetryExecution(r.Context(), actorID, tenantID, httputil.PathVar(r, "id"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, req)
}
