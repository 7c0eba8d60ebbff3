package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/gate"
	"github.com/platinummonkey/tollgate/pkg/governance"
	"github.com/platinummonkey/tollgate/pkg/httputil"
)

// ActionHandlers accepts privileged actions from the caller
type ActionHandlers struct {
	guard *gate.Guard
}

// NewActionHandlers creates ActionHandlers
func NewActionHandlers(guard *gate.Guard) *ActionHandlers {
	return &ActionHandlers{guard: guard}
}

// RegisterRoutes registers the action route on the tenant subrouter
func (h *ActionHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/actions", h.Perform).Methods("POST")
}

type actionRequest struct {
	Type           governance.RequestType `json:"type"`
	TargetType     string                 `json:"target_type"`
	TargetID       string                 `json:"target_id"`
	AccountID      string                 `json:"account_id"`
	Named          bool                   `json:"named"`
	ExpirationDays *int64                 `json:"expiration_days"`
	Provenance     map[string]string      `json:"provenance"`
	Payload        json.RawMessage        `json:"payload"`
}

// Perform runs the action for the caller. The answer is 200 when it ran
// and 202 with the approval request when it awaits sign-off.
func (h *ActionHandlers) Perform(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID := caller(r)

	var req actionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	res, err := h.guard.Perform(r.Context(), governance.Action{
		TenantID:       tenantID,
		RequesterID:    actorID,
		Type:           req.Type,
		TargetType:     req.TargetType,
		TargetID:       req.TargetID,
		AccountID:      req.AccountID,
		Named:          req.Named,
		ExpirationDays: req.ExpirationDays,
		Provenance:     req.Provenance,
		Payload:        req.Payload,
	})
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	if res.Executed {
		httputil.WriteSuccess(w, res)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusAccepted, res)
}
