package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/tollgate/pkg/errs"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// Checker answers permission questions. Other packages depend on this
// interface rather than on the resolver itself.
type Checker interface {
	HasPermission(ctx context.Context, tenantID, userID string, p Permission) (bool, error)
}

// EffectivePermissions explains where a user's permissions come from
type EffectivePermissions struct {
	BaseRole    BaseRole     `json:"base_role"`
	Privileged  bool         `json:"privileged"`
	Permissions []Permission `json:"permissions"`
}

// Resolver decides whether a user holds a permission
type Resolver struct {
	store    *Store
	cache    PermissionCache
	cacheTTL time.Duration
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithCache enables the permission cache
func WithCache(cache PermissionCache, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cache = cache
		r.cacheTTL = ttl
	}
}

// WithMetrics records decisions in metrics
func WithMetrics(m *observability.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// WithLogger sets the logger used for cache failures
func WithLogger(l *observability.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a permission resolver
func NewResolver(store *Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{store: store}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.OrDefault()
	return r
}

// HasPermission reports whether the user holds p. Owners and admins hold
// every permission; everyone else holds the union of their role profile's
// permissions and their explicit grants. Unknown users hold nothing.
func (r *Resolver) HasPermission(ctx context.Context, tenantID, userID string, p Permission) (allowed bool, err error) {
	ctx, span := observability.StartSpan(ctx, "rbac.HasPermission",
		attribute.String("tenant_id", tenantID),
		attribute.String("permission", string(p)),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("allowed", allowed))
		observability.EndSpan(span, err)
	}()

	entry, source, err := r.load(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}
	if entry == nil {
		r.metrics.RecordPermissionCheck(false, source)
		return false, nil
	}

	if entry.BaseRole.IsPrivileged() {
		r.metrics.RecordPermissionCheck(true, "bypass")
		return true, nil
	}

	for _, held := range entry.Permissions {
		if held == p {
			r.metrics.RecordPermissionCheck(true, source)
			return true, nil
		}
	}
	r.metrics.RecordPermissionCheck(false, source)
	return false, nil
}

// Require returns nil when the user holds p and ErrForbidden otherwise
func (r *Resolver) Require(ctx context.Context, tenantID, userID string, p Permission) error {
	return RequirePermission(ctx, r, tenantID, userID, p)
}

// RequirePermission is Require for any Checker
func RequirePermission(ctx context.Context, c Checker, tenantID, userID string, p Permission) error {
	ok, err := c.HasPermission(ctx, tenantID, userID, p)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: missing %s", errs.ErrForbidden, p)
	}
	return nil
}

// EffectivePermissions lists what the user can do, in catalog order
func (r *Resolver) EffectivePermissions(ctx context.Context, tenantID, userID string) (*EffectivePermissions, error) {
	entry, _, err := r.load(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("member %s: %w", userID, errs.ErrNotFound)
	}

	result := &EffectivePermissions{BaseRole: entry.BaseRole}
	if entry.BaseRole.IsPrivileged() {
		result.Privileged = true
		result.Permissions = AllPermissions()
		return result, nil
	}

	held := make(map[Permission]bool, len(entry.Permissions))
	for _, p := range entry.Permissions {
		held[p] = true
	}
	for _, p := range catalog {
		if held[p] {
			result.Permissions = append(result.Permissions, p)
		}
	}
	return result, nil
}

// Invalidate drops cached entries for the given users
func (r *Resolver) Invalidate(ctx context.Context, tenantID string, userIDs ...string) {
	if r.cache == nil || len(userIDs) == 0 {
		return
	}
	if err := r.cache.Invalidate(ctx, tenantID, userIDs...); err != nil {
		// A stale entry would outlive a revocation, so this is loud.
		r.logger.WithError(err).
			WithFields(map[string]interface{}{"tenant_id": tenantID, "users": userIDs}).
			Error("failed to invalidate permission cache")
	}
}

// load returns the user's base role and union of granted permissions,
// or nil when the user is not a member of the tenant.
func (r *Resolver) load(ctx context.Context, tenantID, userID string) (*CachedPermissions, string, error) {
	cacheable := false
	var generation int64
	if r.cache != nil {
		entry, gen, err := r.cache.Get(ctx, tenantID, userID)
		if err != nil {
			r.logger.WithError(err).Warn("permission cache read failed")
		} else {
			cacheable, generation = true, gen
		}
		if entry != nil {
			r.metrics.RecordCache("permissions", true)
			return entry, "cache", nil
		}
		r.metrics.RecordCache("permissions", false)
	}

	member, err := r.store.GetMember(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, "store", nil
		}
		return nil, "", err
	}

	entry := &CachedPermissions{BaseRole: member.BaseRole}
	if !member.BaseRole.IsPrivileged() {
		fromProfile, err := r.store.ProfilePermissions(ctx, tenantID, userID)
		if err != nil {
			return nil, "", err
		}
		explicit, err := r.store.ListUserPermissions(ctx, tenantID, userID)
		if err != nil {
			return nil, "", err
		}

		seen := make(map[Permission]bool)
		for _, p := range fromProfile {
			if !seen[p] {
				seen[p] = true
				entry.Permissions = append(entry.Permissions, p)
			}
		}
		for _, up := range explicit {
			if !seen[up.Permission] {
				seen[up.Permission] = true
				entry.Permissions = append(entry.Permissions, up.Permission)
			}
		}
	}

	// the entry is only stored if no invalidation happened since the read
	if cacheable {
		if err := r.cache.Set(ctx, tenantID, userID, entry, generation, r.cacheTTL); err != nil {
			r.logger.WithError(err).Warn("permission cache write failed")
		}
	}
	return entry, "store", nil
}
