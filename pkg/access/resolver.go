package access

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// Resolver answers account visibility questions from a user's grants. It
// never calls a CRM provider; CRM_REPORT grants contribute their cached
// membership.
type Resolver struct {
	store   *Store
	metrics *observability.Metrics
}

// NewResolver creates an account access resolver
func NewResolver(store *Store, metrics *observability.Metrics) *Resolver {
	return &Resolver{store: store, metrics: metrics}
}

// ListAccessibleAccountIDs expands the user's grants. An ALL_ACCOUNTS grant
// short-circuits to AccessSet{All: true}.
func (r *Resolver) ListAccessibleAccountIDs(ctx context.Context, tenantID, userID string) (AccessSet, error) {
	grants, err := r.store.ListUserGrants(ctx, tenantID, userID)
	if err != nil {
		return AccessSet{}, err
	}
	return expand(grants), nil
}

func expand(grants []Grant) AccessSet {
	seen := make(map[string]bool)
	for _, g := range grants {
		switch g.ScopeType {
		case ScopeAllAccounts:
			return AccessSet{All: true}
		case ScopeSingleAccount, ScopeAccountList:
			for _, id := range g.AccountIDs {
				seen[id] = true
			}
		case ScopeCRMReport:
			for _, id := range g.CachedAccountIDs {
				seen[id] = true
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return AccessSet{AccountIDs: ids}
}

// CanAccessAccount reports whether the user's grants cover accountID
func (r *Resolver) CanAccessAccount(ctx context.Context, tenantID, userID, accountID string) (allowed bool, err error) {
	ctx, span := observability.StartSpan(ctx, "access.CanAccessAccount",
		attribute.String("tenant_id", tenantID),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("allowed", allowed))
		observability.EndSpan(span, err)
	}()

	set, err := r.ListAccessibleAccountIDs(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}
	allowed = set.Contains(accountID)
	r.metrics.RecordAccountCheck(allowed)
	return allowed, nil
}
