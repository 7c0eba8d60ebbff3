package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/errs"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// Manager applies administrative changes to role profiles, assignments and
// explicit grants. Every mutation checks the actor's permission, is written
// to the audit trail and invalidates the affected resolver cache entries.
type Manager struct {
	store    *Store
	resolver *Resolver
	audit    audit.Logger
	logger   *observability.Logger
}

// NewManager creates a new RBAC manager
func NewManager(store *Store, resolver *Resolver, auditLogger audit.Logger, logger *observability.Logger) *Manager {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &Manager{
		store:    store,
		resolver: resolver,
		audit:    auditLogger,
		logger:   logger.OrDefault(),
	}
}

func (m *Manager) record(ctx context.Context, event *audit.AuditEvent) {
	if err := m.audit.Log(ctx, event); err != nil {
		m.logger.WithError(err).
			WithField("event_type", string(event.EventType)).
			Error("failed to write audit event")
	}
}

// authorize checks that actor holds p, auditing the denial otherwise
func (m *Manager) authorize(ctx context.Context, tenantID, actorID string, p Permission, eventType audit.EventType) error {
	if err := m.resolver.Require(ctx, tenantID, actorID, p); err != nil {
		if errors.Is(err, errs.ErrForbidden) {
			m.record(ctx, audit.NewEvent(ctx, audit.EventTypeAccessDenied, tenantID, actorID).
				WithMeta("attempted", string(eventType)).
				WithMeta("permission", string(p)).
				Denied("missing permission"))
		}
		return err
	}
	return nil
}

// EnsurePresets seeds the preset role profiles for a tenant. It is safe to
// call on every tenant access.
func (m *Manager) EnsurePresets(ctx context.Context, tenantID string) error {
	created, err := m.store.EnsurePresetProfiles(ctx, tenantID)
	if err != nil {
		return err
	}
	if len(created) > 0 {
		m.record(ctx, audit.NewEvent(ctx, audit.EventTypePresetsEnsured, tenantID, "system").
			WithMeta("created", created))
	}
	return nil
}

// ListProfiles lists the tenant's role profiles, seeding presets first
func (m *Manager) ListProfiles(ctx context.Context, tenantID string) ([]RoleProfile, error) {
	if err := m.EnsurePresets(ctx, tenantID); err != nil {
		return nil, err
	}
	return m.store.ListProfiles(ctx, tenantID)
}

// GetProfile returns one role profile
func (m *Manager) GetProfile(ctx context.Context, tenantID, id string) (*RoleProfile, error) {
	return m.store.GetProfile(ctx, tenantID, id)
}

// CreateCustom creates a tenant-defined role profile
func (m *Manager) CreateCustom(ctx context.Context, actorID string, rp *RoleProfile) error {
	if err := m.authorize(ctx, rp.TenantID, actorID, PermissionManageRoleProfiles, audit.EventTypeRoleProfileCreate); err != nil {
		return err
	}
	if err := ValidateProfile(rp); err != nil {
		return err
	}
	if IsPresetKey(rp.Key) {
		return fmt.Errorf("%w: key %q is reserved for a preset profile", errs.ErrConflict, rp.Key)
	}

	rp.IsPreset = false
	rp.CreatedBy = actorID
	if err := m.store.CreateProfile(ctx, rp); err != nil {
		return err
	}

	m.record(ctx, audit.NewEvent(ctx, audit.EventTypeRoleProfileCreate, rp.TenantID, actorID).
		Target(audit.TargetTypeRoleProfile, rp.ID).
		WithMeta("key", rp.Key).
		WithMeta("permissions", rp.Permissions))
	return nil
}

// Update edits a role profile. Preset keys cannot change.
func (m *Manager) Update(ctx context.Context, actorID string, rp *RoleProfile) error {
	if err := m.authorize(ctx, rp.TenantID, actorID, PermissionManageRoleProfiles, audit.EventTypeRoleProfileUpdate); err != nil {
		return err
	}

	existing, err := m.store.GetProfile(ctx, rp.TenantID, rp.ID)
	if err != nil {
		return err
	}
	if existing.IsPreset && rp.Key != existing.Key {
		return fmt.Errorf("%w: preset role profile keys are immutable", errs.ErrValidation)
	}
	if !existing.IsPreset && IsPresetKey(rp.Key) {
		return fmt.Errorf("%w: key %q is reserved for a preset profile", errs.ErrConflict, rp.Key)
	}
	if err := ValidateProfile(rp); err != nil {
		return err
	}

	if err := m.store.UpdateProfile(ctx, rp); err != nil {
		return err
	}
	rp.IsPreset = existing.IsPreset
	rp.CreatedAt = existing.CreatedAt
	rp.CreatedBy = existing.CreatedBy

	users, err := listProfileUsers(ctx, m.store.db, rp.TenantID, rp.ID)
	if err != nil {
		m.logger.WithError(err).WithField("role_profile_id", rp.ID).Error("failed to list users for cache invalidation")
	}
	m.resolver.Invalidate(ctx, rp.TenantID, users...)

	m.record(ctx, audit.NewEvent(ctx, audit.EventTypeRoleProfileUpdate, rp.TenantID, actorID).
		Target(audit.TargetTypeRoleProfile, rp.ID).
		WithChanges(
			map[string]interface{}{"key": existing.Key, "name": existing.Name, "permissions": existing.Permissions},
			map[string]interface{}{"key": rp.Key, "name": rp.Name, "permissions": rp.Permissions},
		))
	return nil
}

// Delete removes a custom role profile and every assignment to it. The
// affected users fall back to their base role and explicit grants.
func (m *Manager) Delete(ctx context.Context, actorID, tenantID, id string) error {
	if err := m.authorize(ctx, tenantID, actorID, PermissionManageRoleProfiles, audit.EventTypeRoleProfileDelete); err != nil {
		return err
	}

	existing, err := m.store.GetProfile(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if existing.IsPreset {
		return fmt.Errorf("%w: preset role profiles cannot be deleted", errs.ErrValidation)
	}

	affected, err := m.store.DeleteProfile(ctx, tenantID, id)
	if err != nil {
		return err
	}
	m.resolver.Invalidate(ctx, tenantID, affected...)

	m.record(ctx, audit.NewEvent(ctx, audit.EventTypeRoleProfileDelete, tenantID, actorID).
		Target(audit.TargetTypeRoleProfile, id).
		WithSeverity(audit.SeverityWarning).
		WithMeta("key", existing.Key).
		WithMeta("unassigned_users", affected))
	return nil
}

// Assign gives a user a role profile, replacing any previous assignment.
// The user and the profile must belong to the same tenant.
func (m *Manager) Assign(ctx context.Context, actorID, tenantID, userID, profileID string) (*UserRoleAssignment, error) {
	if err := m.authorize(ctx, tenantID, actorID, PermissionManageUsers, audit.EventTypeRoleProfileAssign); err != nil {
		return nil, err
	}
	if _, err := m.store.GetMember(ctx, tenantID, userID); err != nil {
		return nil, err
	}

	a := &UserRoleAssignment{TenantID: tenantID, UserID: userID, RoleProfileID: profileID, AssignedBy: actorID}
	if err := m.store.AssignProfile(ctx, a); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("%w: role profile does not belong to this tenant", errs.ErrValidation)
		}
		return nil, err
	}
	m.resolver.Invalidate(ctx, tenantID, userID)

	m.record(ctx, audit.NewEvent(ctx, audit.EventTypeRoleProfileAssign, tenantID, actorID).
		Target(audit.TargetTypeUser, userID).
		WithMeta("role_profile_id", profileID))
	return a, nil
}

// Unassign removes a user's role profile assignment
func (m *Manager) Unassign(ctx context.Context, actorID, tenantID, userID string) error {
	if err := m.authorize(ctx, tenantID, actorID, PermissionManageUsers, audit.EventTypeRoleProfileUnassign); err != nil {
		return err
	}

	removed, err := m.store.Unassign(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("assignment for %s: %w", userID, errs.ErrNotFound)
	}
	m.resolver.Invalidate(ctx, tenantID, userID)

	m.record(ctx, audit.NewEvent(ctx, audit.EventTypeRoleProfileUnassign, tenantID, actorID).
		Target(audit.TargetTypeUser, userID))
	return nil
}

// Grant gives a user one explicit permission. Granting a permission the
// user already explicitly holds is a conflict.
func (m *Manager) Grant(ctx context.Context, actorID, tenantID, userID string, p Permission) (*UserPermission, error) {
	if err := m.authorize(ctx, tenantID, actorID, PermissionManagePermissions, audit.EventTypePermissionGrant); err != nil {
		return nil, err
	}
	if !p.IsValid() {
		return nil, fmt.Errorf("%w: unknown permission %q", errs.ErrValidation, p)
	}
	if _, err := m.store.GetMember(ctx, tenantID, userID); err != nil {
		return nil, err
	}

	up := &UserPermission{TenantID: tenantID, UserID: userID, Permission: p, GrantedBy: actorID}
	if err := m.store.GrantPermission(ctx, up); err != nil {
		return nil, err
	}
	m.resolver.Invalidate(ctx, tenantID, userID)

	m.record(ctx, audit.NewEvent(ctx, audit.EventTypePermissionGrant, tenantID, actorID).
		Target(audit.TargetTypeUser, userID).
		WithMeta("permission", string(p)))
	return up, nil
}

// Revoke removes one explicit permission
func (m *Manager) Revoke(ctx context.Context, actorID, tenantID, userID string, p Permission) error {
	if err := m.authorize(ctx, tenantID, actorID, PermissionManagePermissions, audit.EventTypePermissionRevoke); err != nil {
		return err
	}

	if err := m.store.RevokePermission(ctx, tenantID, userID, p); err != nil {
		return err
	}
	m.resolver.Invalidate(ctx, tenantID, userID)

	m.record(ctx, audit.NewEvent(ctx, audit.EventTypePermissionRevoke, tenantID, actorID).
		Target(audit.TargetTypeUser, userID).
		WithSeverity(audit.SeverityWarning).
		WithMeta("permission", string(p)))
	return nil
}

// ListGrants lists a user's explicit grants
func (m *Manager) ListGrants(ctx context.Context, tenantID, userID string) ([]UserPermission, error) {
	return m.store.ListUserPermissions(ctx, tenantID, userID)
}

// UpsertMember adds a user to a tenant or changes their base role. Only a
// privileged actor can hand out a privileged base role.
func (m *Manager) UpsertMember(ctx context.Context, actorID string, member *Member) error {
	if err := m.authorize(ctx, member.TenantID, actorID, PermissionManageUsers, audit.EventTypeMemberUpsert); err != nil {
		return err
	}
	if member.BaseRole.IsPrivileged() {
		actor, err := m.store.GetMember(ctx, member.TenantID, actorID)
		if err != nil || !actor.BaseRole.IsPrivileged() {
			return fmt.Errorf("%w: only owners and admins can grant %s", errs.ErrForbidden, member.BaseRole)
		}
	}

	if err := m.store.UpsertMember(ctx, member); err != nil {
		return err
	}
	m.resolver.Invalidate(ctx, member.TenantID, member.UserID)

	m.record(ctx, audit.NewEvent(ctx, audit.EventTypeMemberUpsert, member.TenantID, actorID).
		Target(audit.TargetTypeUser, member.UserID).
		WithMeta("base_role", string(member.BaseRole)))
	return nil
}
