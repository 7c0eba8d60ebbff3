package governance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/errs"
)

// ApproverScope selects who may approve a step
type ApproverScope string

const (
	ScopeRoleProfile ApproverScope = "ROLE_PROFILE"
	ScopeTeam        ApproverScope = "TEAM"
	ScopeUser        ApproverScope = "USER"
	ScopeGroup       ApproverScope = "GROUP"
	ScopeSelf        ApproverScope = "SELF"
)

// IsValid reports whether s is a known approver scope
func (s ApproverScope) IsValid() bool {
	switch s {
	case ScopeRoleProfile, ScopeTeam, ScopeUser, ScopeGroup, ScopeSelf:
		return true
	}
	return false
}

// Policy is a tenant's artifact governance configuration
type Policy struct {
	ID                   string    `json:"id"`
	TenantID             string    `json:"tenant_id"`
	ApprovalChainEnabled bool      `json:"approval_chain_enabled"`
	MaxExpirationDays    *int64    `json:"max_expiration_days,omitempty"`
	RequireProvenance    bool      `json:"require_provenance"`
	UpdatedBy            string    `json:"updated_by,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
	Steps                []Step    `json:"steps,omitempty"`
}

// Step is one ordered rung of the approval chain
type Step struct {
	ID                string        `json:"id"`
	PolicyID          string        `json:"policy_id"`
	StepOrder         int           `json:"step_order"`
	MinApprovals      int           `json:"min_approvals"`
	Scope             ApproverScope `json:"scope"`
	ScopeRef          string        `json:"scope_ref,omitempty"`
	AllowSelfApproval bool          `json:"allow_self_approval"`
	Enabled           bool          `json:"enabled"`
}

// Group is a named set of approvers
type Group struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GroupMember places a user in an approval group
type GroupMember struct {
	GroupID string    `json:"group_id"`
	UserID  string    `json:"user_id"`
	AddedBy string    `json:"added_by,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// RequestType names a governed action
type RequestType string

const (
	RequestArtifactPublish RequestType = "artifact_publish"
	RequestDataDeletion    RequestType = "data_deletion"
	RequestCRMWriteback    RequestType = "crm_writeback"
)

// Status is the approval request lifecycle state
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusApproved   Status = "APPROVED"
	StatusRejected   Status = "REJECTED"
	StatusCompleted  Status = "COMPLETED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// IsResolved reports whether no further review is possible
func (s Status) IsResolved() bool {
	return s != StatusPending
}

// Action is a privileged operation submitted through the engine
type Action struct {
	TenantID    string      `json:"tenant_id"`
	RequesterID string      `json:"requester_id"`
	Type        RequestType `json:"type"`
	TargetType  string      `json:"target_type"`
	TargetID    string      `json:"target_id"`
	AccountID   string      `json:"account_id,omitempty"`

	// artifact_publish only
	Named          bool              `json:"named,omitempty"`
	ExpirationDays *int64            `json:"expiration_days,omitempty"`
	Provenance     map[string]string `json:"provenance,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the fields every action needs
func (a *Action) Validate() error {
	switch a.Type {
	case RequestArtifactPublish, RequestDataDeletion, RequestCRMWriteback:
	default:
		return fmt.Errorf("%w: unknown request type %q", errs.ErrValidation, a.Type)
	}
	if a.TenantID == "" || a.RequesterID == "" {
		return fmt.Errorf("%w: tenant and requester are required", errs.ErrValidation)
	}
	if a.TargetType == "" || a.TargetID == "" {
		return fmt.Errorf("%w: target type and id are required", errs.ErrValidation)
	}
	if a.ExpirationDays != nil && *a.ExpirationDays < 1 {
		return fmt.Errorf("%w: expiration_days must be positive", errs.ErrValidation)
	}
	if len(a.Payload) > 0 && !json.Valid(a.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", errs.ErrValidation)
	}
	return nil
}

// Governed reports whether the action type falls under the approval chain.
// Anonymous publishes never need sign-off.
func (a *Action) Governed() bool {
	switch a.Type {
	case RequestArtifactPublish:
		return a.Named
	case RequestDataDeletion, RequestCRMWriteback:
		return true
	}
	return false
}

// Request is a governed action awaiting or past sign-off
type Request struct {
	ID             string      `json:"id"`
	TenantID       string      `json:"tenant_id"`
	Type           RequestType `json:"type"`
	TargetType     string      `json:"target_type"`
	TargetID       string      `json:"target_id"`
	RequesterID    string      `json:"requester_id"`
	Status         Status      `json:"status"`
	Action         Action      `json:"action"`
	ReviewerID     string      `json:"reviewer_id,omitempty"`
	ReviewNotes    string      `json:"review_notes,omitempty"`
	ExecutionError string      `json:"execution_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// Verdict is an approver's decision
type Verdict string

const (
	VerdictApprove Verdict = "APPROVE"
	VerdictReject  Verdict = "REJECT"
)

// Decision records one approver acting on a request. StepOrder is the step
// the decision was credited to when it was recorded; quorum is always
// recomputed from the current steps.
type Decision struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	StepOrder  int       `json:"step_order"`
	ApproverID string    `json:"approver_id"`
	Verdict    Verdict   `json:"verdict"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SubmitResult tells the caller whether the action ran or is waiting
type SubmitResult struct {
	Executed bool     `json:"executed"`
	Request  *Request `json:"request,omitempty"`
}
