// Package gate runs the full decision chain for a privileged action:
// permission check, account-access check, then the governance engine, which
// either executes the action or parks it for approval.
package gate

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/errs"
	"github.com/platinummonkey/tollgate/pkg/governance"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/rbac"
)

// AccountChecker decides account visibility; access.Resolver implements it
type AccountChecker interface {
	CanAccessAccount(ctx context.Context, tenantID, userID, accountID string) (bool, error)
}

// Submitter runs or parks a governed action; governance.Engine implements it
type Submitter interface {
	Submit(ctx context.Context, action governance.Action) (*governance.SubmitResult, error)
}

// Guard is the single entry point for privileged actions
type Guard struct {
	permissions rbac.Checker
	accounts    AccountChecker
	engine      Submitter
	audit       audit.Logger
	logger      *observability.Logger
}

// NewGuard creates a guard
func NewGuard(permissions rbac.Checker, accounts AccountChecker, engine Submitter, auditLogger audit.Logger, logger *observability.Logger) *Guard {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &Guard{
		permissions: permissions,
		accounts:    accounts,
		engine:      engine,
		audit:       auditLogger,
		logger:      logger.OrDefault(),
	}
}

// RequiredPermission maps an action to the permission its requester needs
func RequiredPermission(action governance.Action) (rbac.Permission, error) {
	switch action.Type {
	case governance.RequestArtifactPublish:
		if action.Named {
			return rbac.PermissionPublishNamed, nil
		}
		return rbac.PermissionPublishAnonymous, nil
	case governance.RequestDataDeletion:
		return rbac.PermissionDeleteData, nil
	case governance.RequestCRMWriteback:
		return rbac.PermissionCRMWriteback, nil
	}
	return "", fmt.Errorf("%w: unknown request type %q", errs.ErrValidation, action.Type)
}

// accountScoped reports whether the action always targets a customer account
func accountScoped(t governance.RequestType) bool {
	return t == governance.RequestDataDeletion || t == governance.RequestCRMWriteback
}

// Perform checks the requester's permission and account access and then
// submits the action. Deletions and CRM writebacks must name an account. Denials are audited and returned as errs.ErrForbidden
// without saying which check failed.
func (g *Guard) Perform(ctx context.Context, action governance.Action) (result *governance.SubmitResult, err error) {
	ctx, span := observability.StartSpan(ctx, "gate.Perform",
		attribute.String("tenant_id", action.TenantID),
		attribute.String("request_type", string(action.Type)),
	)
	defer func() { observability.EndSpan(span, err) }()

	perm, err := RequiredPermission(action)
	if err != nil {
		return nil, err
	}
	if accountScoped(action.Type) && action.AccountID == "" {
		return nil, fmt.Errorf("%w: %s requires account_id", errs.ErrValidation, action.Type)
	}

	allowed, err := g.permissions.HasPermission(ctx, action.TenantID, action.RequesterID, perm)
	if err != nil {
		return nil, err
	}
	if !allowed {
		g.deny(ctx, action, "missing permission "+string(perm))
		return nil, errs.ErrForbidden
	}

	if action.AccountID != "" {
		allowed, err = g.accounts.CanAccessAccount(ctx, action.TenantID, action.RequesterID, action.AccountID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			g.deny(ctx, action, "account not in scope")
			return nil, errs.ErrForbidden
		}
	}

	return g.engine.Submit(ctx, action)
}

func (g *Guard) deny(ctx context.Context, action governance.Action, reason string) {
	event := audit.NewEvent(ctx, audit.EventTypeAccessDenied, action.TenantID, action.RequesterID).
		WithMeta("request_type", string(action.Type)).
		WithMeta("target_type", action.TargetType).
		WithMeta("target_id", action.TargetID).
		Denied(reason)
	if action.AccountID != "" {
		event = event.WithMeta("account_id", action.AccountID)
	}
	if err := g.audit.Log(ctx, event); err != nil {
		g.logger.WithError(err).Error("failed to write audit event")
	}
}
