package access

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

// MemberLookup confirms a user belongs to a tenant; rbac.Store implements it
type MemberLookup interface {
	GetMember(ctx context.Context, tenantID, userID string) (*rbac.Member, error)
}

// ProviderSet reports which CRM providers are configured; crm.Registry
// implements it
type ProviderSet interface {
	Has(name string) bool
}

// Manager creates, edits and revokes account grants on behalf of an actor
// holding manage_account_access.
type Manager struct {
	store     *Store
	syncer    *Syncer
	checker   rbac.Checker
	members   MemberLookup
	providers ProviderSet
	audit     audit.Logger
	logger    *observability.Logger
}

// NewManager creates an access manager
func NewManager(store *Store, syncer *Syncer, checker rbac.Checker, members MemberLookup, providers ProviderSet, auditLogger audit.Logger, logger *observability.Logger) *Manager {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &Manager{
		store:     store,
		syncer:    syncer,
		checker:   checker,
		members:   members,
		providers: providers,
		audit:     auditLogger,
		logger:    logger.OrDefault(),
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
	err := rbac.RequirePermission(ctx, m.checker, tenantID, actorID, rbac.PermissionManageAccess)
	if errors.Is(err, errs.ErrForbidden) {
		m.record(ctx, audit.NewEvent(ctx, audit.EventTypeAccessDenied, tenantID, actorID).
			WithMeta("attempted", string(attempted)).
			WithMeta("permission", string(rbac.PermissionManageAccess)).
			Denied("missing permission"))
	}
	return err
}

func (m *Manager) requireAccounts(ctx context.Context, tenantID string, ids []string) error {
	missing, err := m.store.MissingAccounts(ctx, tenantID, ids)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: unknown account ids: %s", errs.ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// CreateGrant validates and stores a grant. A CRM_REPORT grant gets a
// best-effort first sync; its failure is logged and the grant is returned
// with an empty cache.
func (m *Manager) CreateGrant(ctx context.Context, actorID string, g *Grant) (*Grant, error) {
	if err := m.authorize(ctx, g.TenantID, actorID, audit.EventTypeAccountGrantCreate); err != nil {
		return nil, err
	}
	if err := ValidateGrant(g); err != nil {
		return nil, err
	}
	if _, err := m.members.GetMember(ctx, g.TenantID, g.UserID); err != nil {
		return nil, err
	}

	switch g.ScopeType {
	case ScopeSingleAccount, ScopeAccountList:
		if err := m.requireAccounts(ctx, g.TenantID, g.AccountIDs); err != nil {
			return nil, err
		}
	case ScopeCRMReport:
		if !m.providers.Has(g.CRMProvider) {
			return nil, fmt.Errorf("%w: crm provider %q is not configured", errs.ErrValidation, g.CRMProvider)
		}
	}

	g.CreatedBy = actorID
	if err := m.store.CreateGrant(ctx, g); err != nil {
		return nil, err
	}

	m.record(ctx, audit.NewEvent(ctx, audit.EventTypeAccountGrantCreate, g.TenantID, actorID).
		Target(audit.TargetTypeAccountGrant, g.ID).
		WithMeta("user_id", g.UserID).
		WithMeta("scope_type", string(g.ScopeType)).
		WithMeta("account_ids", g.AccountIDs))

	if g.ScopeType == ScopeCRMReport {
		synced, err := m.syncer.SyncCRMReportGrant(ctx, actorID, g.TenantID, g.ID)
		if err != nil {
			m.logger.WithError(err).
				WithFields(map[string]interface{}{"tenant_id": g.TenantID, "grant_id": g.ID}).
				Warn("initial crm sync failed; grant kept with empty cache")
			return m.store.GetGrant(ctx, g.TenantID, g.ID)
		}
		return synced, nil
	}
	return g, nil
}

// RevokeGrant deletes a grant immediately
func (m *Manager) RevokeGrant(ctx context.Context, actorID, tenantID, grantID string) error {
	if err := m.authorize(ctx, tenantID, actorID, audit.EventTypeAccountGrantRevoke); err != nil {
		return err
	}

	existing, err := m.store.GetGrant(ctx, tenantID, grantID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteGrant(ctx, tenantID, grantID); err != nil {
		return err
	}

	m.record(ctx, audit.NewEvent(ctx, audit.EventTypeAccountGrantRevoke, tenantID, actorID).
		Target(audit.TargetTypeAccountGrant, grantID).
		WithSeverity(audit.SeverityWarning).
		WithMeta("user_id", existing.UserID).
		WithMeta("scope_type", string(existing.ScopeType)))
	return nil
}

// AddAccounts adds accounts to an ACCOUNT_LIST grant
func (m *Manager) AddAccounts(ctx context.Context, actorID, tenantID, grantID string, ids []string) (*Grant, error) {
	return m.editList(ctx, actorID, tenantID, grantID, ids, "add")
}

// RemoveAccounts removes accounts from an ACCOUNT_LIST grant
func (m *Manager) RemoveAccounts(ctx context.Context, actorID, tenantID, grantID string, ids []string) (*Grant, error) {
	return m.editList(ctx, actorID, tenantID, grantID, ids, "remove")
}

func (m *Manager) editList(ctx context.Context, actorID, tenantID, grantID string, ids []string, op string) (*Grant, error) {
	if err := m.authorize(ctx, tenantID, actorID, audit.EventTypeAccountGrantUpdate); err != nil {
		return nil, err
	}
	ids = dedup(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one account id is required", errs.ErrValidation)
	}

	existing, err := m.store.GetGrant(ctx, tenantID, grantID)
	if err != nil {
		return nil, err
	}
	if existing.ScopeType != ScopeAccountList {
		return nil, fmt.Errorf("%w: only ACCOUNT_LIST grants can be edited", errs.ErrValidation)
	}

	if op == "add" {
		if err := m.requireAccounts(ctx, tenantID, ids); err != nil {
			return nil, err
		}
		err = m.store.AddGrantAccounts(ctx, tenantID, grantID, ids)
	} else {
		err = m.store.RemoveGrantAccounts(ctx, tenantID, grantID, ids)
	}
	if err != nil {
		return nil, err
	}

	updated, err := m.store.GetGrant(ctx, tenantID, grantID)
	if err != nil {
		return nil, err
	}
	m.record(ctx, audit.NewEvent(ctx, audit.EventTypeAccountGrantUpdate, tenantID, actorID).
		Target(audit.TargetTypeAccountGrant, grantID).
		WithMeta("operation", op).
		WithChanges(
			map[string]interface{}{"account_ids": existing.AccountIDs},
			map[string]interface{}{"account_ids": updated.AccountIDs},
		))
	return updated, nil
}

// Resync runs an on-demand sync of a CRM_REPORT grant
func (m *Manager) Resync(ctx context.Context, actorID, tenantID, grantID string) (*Grant, error) {
	if err := m.authorize(ctx, tenantID, actorID, audit.EventTypeAccountGrantSync); err != nil {
		return nil, err
	}
	return m.syncer.SyncCRMReportGrant(ctx, actorID, tenantID, grantID)
}

// ListGrants lists a user's grants
func (m *Manager) ListGrants(ctx context.Context, tenantID, userID string) ([]Grant, error) {
	return m.store.ListUserGrants(ctx, tenantID, userID)
}

// GetGrant returns one grant
func (m *Manager) GetGrant(ctx context.Context, tenantID, grantID string) (*Grant, error) {
	return m.store.GetGrant(ctx, tenantID, grantID)
}

// UpsertAccount adds an account to the tenant directory
func (m *Manager) UpsertAccount(ctx context.Context, actorID string, a *Account) error {
	if err := m.authorize(ctx, a.TenantID, actorID, audit.EventTypeAccountGrantUpdate); err != nil {
		return err
	}
	if a.ID == "" || a.Name == "" {
		return fmt.Errorf("%w: account id and name are required", errs.ErrValidation)
	}
	return m.store.UpsertAccount(ctx, a)
}
