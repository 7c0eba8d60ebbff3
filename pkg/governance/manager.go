package governance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/errs"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/rbac"
)

// Manager edits governance configuration on behalf of an actor holding
// manage_governance
type Manager struct {
	policies    *PolicyStore
	eligibility *Eligibility
	members     MemberLookup
	checker     rbac.Checker
	audit       audit.Logger
	logger      *observability.Logger
}

// NewManager creates a governance configuration manager
func NewManager(policies *PolicyStore, eligibility *Eligibility, members MemberLookup, checker rbac.Checker, auditLogger audit.Logger, logger *observability.Logger) *Manager {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &Manager{
		policies:    policies,
		eligibility: eligibility,
		members:     members,
		checker:     checker,
		audit:       auditLogger,
		logger:      logger.OrDefault(),
	}
}

func (m *Manager) record(ctx context.Context, event *audit.AuditEvent) {
	if err := m.audit.Log(ctx, event); err != nil {
		m.logger.WithError(err).
			WithField("event_type", string(event.EventType)).
			Error("failed to write audit event")
	}
}

func (m *Manager) authorize(ctx context.Context, tenantID, actorID string, attempted audit.EventType) error {
	err := rbac.RequirePermission(ctx, m.checker, tenantID, actorID, rbac.PermissionManageGovernance)
	if errors.Is(err, errs.ErrForbidden) {
		m.record(ctx, audit.NewEvent(ctx, audit.EventTypeAccessDenied, tenantID, actorID).
			WithMeta("attempted", string(attempted)).
			WithMeta("permission", string(rbac.PermissionManageGovernance)).
			Denied("missing permission"))
	}
	return err
}

// GetPolicy returns the tenant's policy. A tenant that never configured
// governance gets an unsaved, disabled policy.
func (m *Manager) GetPolicy(ctx context.Context, tenantID string) (*Policy, error) {
	p, err := m.policies.GetPolicy(ctx, tenantID)
	if errors.Is(err, errs.ErrNotFound) {
		return &Policy{TenantID: tenantID}, nil
	}
	return p, err
}

// PolicySettings are the editable flags of a policy
type PolicySettings struct {
	ApprovalChainEnabled bool   `json:"approval_chain_enabled"`
	MaxExpirationDays    *int64 `json:"max_expiration_days,omitempty"`
	RequireProvenance    bool   `json:"require_provenance"`
}

// UpdatePolicy creates or updates the tenant's policy flags
func (m *Manager) UpdatePolicy(ctx context.Context, actorID, tenantID string, settings PolicySettings) (*Policy, error) {
	if err := m.authorize(ctx, tenantID, actorID, audit.EventTypePolicyUpdate); err != nil {
		return nil, err
	}
	if settings.MaxExpirationDays != nil && *settings.MaxExpirationDays < 1 {
		return nil, fmt.Errorf("%w: max_expiration_days must be at least 1", errs.ErrValidation)
	}

	before, err := m.GetPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	p := &Policy{
		ID:                   before.ID,
		TenantID:             tenantID,
		ApprovalChainEnabled: settings.ApprovalChainEnabled,
		MaxExpirationDays:    settings.MaxExpirationDays,
		RequireProvenance:    settings.RequireProvenance,
		UpdatedBy:            actorID,
	}
	if err := m.policies.UpsertPolicy(ctx, p); err != nil {
		return nil, err
	}

	m.record(ctx, audit.NewEvent(ctx, audit.EventTypePolicyUpdate, tenantID, actorID).
		Target(audit.TargetTypePolicy, p.ID).
		WithSeverity(audit.SeverityWarning).
		WithChanges(policyFields(before), policyFields(p)))
	return m.policies.GetPolicy(ctx, tenantID)
}

func policyFields(p *Policy) map[string]interface{} {
	fields := map[string]interface{}{
		"approval_chain_enabled": p.ApprovalChainEnabled,
		"require_provenance":     p.RequireProvenance,
		"max_expiration_days":    nil,
	}
	if p.MaxExpirationDays != nil {
		fields["max_expiration_days"] = *p.MaxExpirationDays
	}
	return fields
}

// ValidateSteps dry-runs a step list and returns its warnings
func (m *Manager) ValidateSteps(ctx context.Context, actorID, tenantID string, steps []Step) ([]StepWarning, error) {
	if err := m.authorize(ctx, tenantID, actorID, audit.EventTypeStepsReplace); err != nil {
		return nil, err
	}
	return m.eligibility.ValidateSteps(ctx, tenantID, steps)
}

// ReplaceSteps swaps the whole step list of the tenant's policy. Invalid
// definitions are rejected before anything is written; warnings are
// returned alongside the stored steps.
func (m *Manager) ReplaceSteps(ctx context.Context, actorID, tenantID string, steps []Step) ([]Step, []StepWarning, error) {
	if err := m.authorize(ctx, tenantID, actorID, audit.EventTypeStepsReplace); err != nil {
		return nil, nil, err
	}
	warnings, err := m.eligibility.ValidateSteps(ctx, tenantID, steps)
	if err != nil {
		return nil, nil, err
	}

	before, err := m.GetPolicy(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	stored, err := m.policies.ReplaceSteps(ctx, tenantID, actorID, steps)
	if err != nil {
		return nil, nil, err
	}

	event := audit.NewEvent(ctx, audit.EventTypeStepsReplace, tenantID, actorID).
		WithSeverity(audit.SeverityWarning).
		WithChanges(
			map[string]interface{}{"steps": stepSummaries(before.Steps)},
			map[string]interface{}{"steps": stepSummaries(stored)},
		)
	if len(stored) > 0 {
		event = event.Target(audit.TargetTypePolicy, stored[0].PolicyID)
	}
	if len(warnings) > 0 {
		event = event.WithMeta("warnings", len(warnings))
	}
	m.record(ctx, event)
	return stored, warnings, nil
}

func stepSummaries(steps []Step) []string {
	out := make([]string, 0, len(steps))
	for _, st := range steps {
		s := fmt.Sprintf("%d:%s:%s:min=%d", st.StepOrder, st.Scope, st.ScopeRef, st.MinApprovals)
		if st.AllowSelfApproval {
			s += ":self"
		}
		if !st.Enabled {
			s += ":disabled"
		}
		out = append(out, s)
	}
	return out
}

// GroupWithMembers is a group together with its member ids
type GroupWithMembers struct {
	Group
	Members []string `json:"members"`
}

// ListGroups lists a tenant's approval groups
func (m *Manager) ListGroups(ctx context.Context, tenantID string) ([]Group, error) {
	return m.policies.ListGroups(ctx, tenantID)
}

// GetGroup loads a group and its members
func (m *Manager) GetGroup(ctx context.Context, tenantID, groupID string) (*GroupWithMembers, error) {
	g, err := m.policies.GetGroup(ctx, tenantID, groupID)
	if err != nil {
		return nil, err
	}
	members, err := m.policies.ListGroupMembers(ctx, tenantID, groupID)
	if err != nil {
		return nil, err
	}
	return &GroupWithMembers{Group: *g, Members: members}, nil
}

// CreateGroup creates an approval group
func (m *Manager) CreateGroup(ctx context.Context, actorID string, g *Group) error {
	if err := m.authorize(ctx, g.TenantID, actorID, audit.EventTypeGroupCreate); err != nil {
		return err
	}
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return fmt.Errorf("%w: group name is required", errs.ErrValidation)
	}
	g.CreatedBy = actorID
	if err := m.policies.CreateGroup(ctx, g); err != nil {
		return err
	}
	m.record(ctx, audit.NewEvent(ctx, audit.EventTypeGroupCreate, g.TenantID, actorID).
		Target(audit.TargetTypeApprovalGroup, g.ID).
		WithMeta("name", g.Name))
	return nil
}

// UpdateGroup renames a group or edits its description
func (m *Manager) UpdateGroup(ctx context.Context, actorID string, g *Group) error {
	if err := m.authorize(ctx, g.TenantID, actorID, audit.EventTypeGroupUpdate); err != nil {
		return err
	}
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return fmt.Errorf("%w: group name is required", errs.ErrValidation)
	}
	before, err := m.policies.GetGroup(ctx, g.TenantID, g.ID)
	if err != nil {
		return err
	}
	if err := m.policies.UpdateGroup(ctx, g); err != nil {
		return err
	}
	m.record(ctx, audit.NewEvent(ctx, audit.EventTypeGroupUpdate, g.TenantID, actorID).
		Target(audit.TargetTypeApprovalGroup, g.ID).
		WithChanges(
			map[string]interface{}{"name": before.Name, "description": before.Description},
			map[string]interface{}{"name": g.Name, "description": g.Description},
		))
	return nil
}

// DeleteGroup deletes a group. Steps that referenced it become
// unsatisfiable and show up in diagnostics.
func (m *Manager) DeleteGroup(ctx context.Context, actorID, tenantID, groupID string) error {
	if err := m.authorize(ctx, tenantID, actorID, audit.EventTypeGroupDelete); err != nil {
		return err
	}
	if err := m.policies.DeleteGroup(ctx, tenantID, groupID); err != nil {
		return err
	}
	m.record(ctx, audit.NewEvent(ctx, audit.EventTypeGroupDelete, tenantID, actorID).
		Target(audit.TargetTypeApprovalGroup, groupID).
		WithSeverity(audit.SeverityWarning))
	return nil
}

// AddGroupMember adds a tenant member to a group; re-adding is a no-op
func (m *Manager) AddGroupMember(ctx context.Context, actorID, tenantID, groupID, userID string) error {
	if err := m.authorize(ctx, tenantID, actorID, audit.EventTypeGroupMemberAdd); err != nil {
		return err
	}
	if _, err := m.members.GetMember(ctx, tenantID, userID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("%w: user %s is not a member of the tenant", errs.ErrValidation, userID)
		}
		return err
	}
	added, err := m.policies.AddGroupMember(ctx, tenantID, &GroupMember{GroupID: groupID, UserID: userID, AddedBy: actorID})
	if err != nil {
		return err
	}
	if added {
		m.record(ctx, audit.NewEvent(ctx, audit.EventTypeGroupMemberAdd, tenantID, actorID).
			Target(audit.TargetTypeApprovalGroup, groupID).
			WithMeta("user_id", userID))
	}
	return nil
}

// RemoveGroupMember removes a user from a group
func (m *Manager) RemoveGroupMember(ctx context.Context, actorID, tenantID, groupID, userID string) error {
	if err := m.authorize(ctx, tenantID, actorID, audit.EventTypeGroupMemberRemove); err != nil {
		return err
	}
	if err := m.policies.RemoveGroupMember(ctx, tenantID, groupID, userID); err != nil {
		return err
	}
	m.record(ctx, audit.NewEvent(ctx, audit.EventTypeGroupMemberRemove, tenantID, actorID).
		Target(audit.TargetTypeApprovalGroup, groupID).
		WithMeta("user_id", userID))
	return nil
}
