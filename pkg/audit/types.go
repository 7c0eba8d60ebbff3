package audit

import (
	"encoding/json"
	"time"
)

// EventType is the action code recorded for an audit event
type EventType string

const (
	// Explicit permission grants
	EventTypePermissionGrant  EventType = "authz.permission_grant"
	EventTypePermissionRevoke EventType = "authz.permission_revoke"
	EventTypeAccessDenied     EventType = "authz.access_denied"
	EventTypeMemberUpsert     EventType = "authz.member_upsert"

	// Role profiles
	EventTypeRoleProfileCreate   EventType = "role_profile.create"
	EventTypeRoleProfileUpdate   EventType = "role_profile.update"
	EventTypeRoleProfileDelete   EventType = "role_profile.delete"
	EventTypeRoleProfileAssign   EventType = "role_profile.assign"
	EventTypeRoleProfileUnassign EventType = "role_profile.unassign"
	EventTypePresetsEnsured      EventType = "role_profile.presets_ensured"

	// Account access grants
	EventTypeAccountGrantCreate EventType = "account_access.grant"
	EventTypeAccountGrantUpdate EventType = "account_access.update"
	EventTypeAccountGrantRevoke EventType = "account_access.revoke"
	EventTypeAccountGrantSync   EventType = "account_access.sync"

	// Governance configuration
	EventTypePolicyUpdate      EventType = "governance.policy_update"
	EventTypeStepsReplace      EventType = "governance.steps_replace"
	EventTypeGroupCreate       EventType = "governance.group_create"
	EventTypeGroupUpdate       EventType = "governance.group_update"
	EventTypeGroupDelete       EventType = "governance.group_delete"
	EventTypeGroupMemberAdd    EventType = "governance.group_member_add"
	EventTypeGroupMemberRemove EventType = "governance.group_member_remove"

	// Approval requests
	EventTypeApprovalRequested       EventType = "approval.requested"
	EventTypeApprovalApprove         EventType = "approval.approve"
	EventTypeApprovalReject          EventType = "approval.reject"
	EventTypeApprovalApproved        EventType = "approval.approved"
	EventTypeApprovalCompleted       EventType = "approval.completed"
	EventTypeApprovalExecutionFailed EventType = "approval.execution_failed"
	EventTypeApprovalRolledBack      EventType = "approval.rolled_back"
	EventTypeActionExecuted          EventType = "action.executed"
)

// Severity ranks how much attention an event deserves
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// TargetType names the kind of entity an event acted upon
type TargetType string

const (
	TargetTypeUser            TargetType = "user"
	TargetTypeRoleProfile     TargetType = "role_profile"
	TargetTypePermission      TargetType = "permission"
	TargetTypeAccountGrant    TargetType = "account_grant"
	TargetTypePolicy          TargetType = "governance_policy"
	TargetTypeApprovalGroup   TargetType = "approval_group"
	TargetTypeApprovalRequest TargetType = "approval_request"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Severity  Severity    `json:"severity"`
	Status    EventStatus `json:"status"`

	TenantID string `json:"tenant_id"`
	ActorID  string `json:"actor_id,omitempty"`

	TargetType TargetType `json:"target_type,omitempty"`
	TargetID   string     `json:"target_id,omitempty"`

	RequestID string `json:"request_id,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// Before/after values for updates
	Changes *ChangeDetails `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after values for updates
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
