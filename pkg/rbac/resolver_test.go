package rbac

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/errs"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

func TestResolver_PrivilegedRolesHoldEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Explicit state must not matter for owners and admins.
	require.NoError(t, f.store.GrantPermission(ctx, &UserPermission{TenantID: "t1", UserID: "boss", Permission: PermissionViewDashboard}))

	for _, user := range []string{"root", "boss"} {
		for _, p := range AllPermissions() {
			ok, err := f.resolver.HasPermission(ctx, "t1", user, p)
			require.NoError(t, err)
			assert.True(t, ok, "%s should hold %s", user, p)
		}
	}

	eff, err := f.resolver.EffectivePermissions(ctx, "t1", "boss")
	require.NoError(t, err)
	assert.True(t, eff.Privileged)
	assert.Equal(t, AllPermissions(), eff.Permissions)
}

func TestResolver_UnionOfProfileAndExplicitGrants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member(t, "t1", "u1", BaseRoleMember)

	sales := f.profile(t, "t1", PresetSales)
	require.NoError(t, f.store.AssignProfile(ctx, &UserRoleAssignment{TenantID: "t1", UserID: "u1", RoleProfileID: sales.ID}))
	require.NoError(t, f.store.GrantPermission(ctx, &UserPermission{TenantID: "t1", UserID: "u1", Permission: PermissionExportContent}))

	for _, p := range AllPermissions() {
		want := sales.HasPermission(p) || p == PermissionExportContent
		got, err := f.resolver.HasPermission(ctx, "t1", "u1", p)
		require.NoError(t, err)
		assert.Equal(t, want, got, p)
	}

	eff, err := f.resolver.EffectivePermissions(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.False(t, eff.Privileged)
	assert.Equal(t, []Permission{
		PermissionViewDashboard, PermissionViewTranscripts, PermissionGenerateStories, PermissionExportContent,
	}, eff.Permissions)
}

func TestResolver_UnknownMemberDenied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ok, err := f.resolver.HasPermission(ctx, "t1", "stranger", PermissionViewDashboard)
	require.NoError(t, err)
	assert.False(t, ok)

	// An owner of another tenant is a stranger here.
	f.member(t, "t2", "other-owner", BaseRoleOwner)
	ok, err = f.resolver.HasPermission(ctx, "t1", "other-owner", PermissionViewDashboard)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.resolver.EffectivePermissions(ctx, "t1", "stranger")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestResolver_RevocationVisibleThroughCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member(t, "t1", "u1", BaseRoleMember)

	_, err := f.manager.Grant(ctx, "root", "t1", "u1", PermissionDeleteData)
	require.NoError(t, err)

	ok, err := f.resolver.HasPermission(ctx, "t1", "u1", PermissionDeleteData)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, f.redis.Exists("tollgate:perms:t1:u1"), "entry should be cached")

	require.NoError(t, f.manager.Revoke(ctx, "root", "t1", "u1", PermissionDeleteData))

	ok, err = f.resolver.HasPermission(ctx, "t1", "u1", PermissionDeleteData)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolver_ProfileDeletionFallsBackToBaseRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member(t, "t1", "u1", BaseRoleMember)

	rp := &RoleProfile{TenantID: "t1", Key: "exporters", Name: "Exporters", Permissions: []Permission{PermissionExportContent}}
	require.NoError(t, f.manager.CreateCustom(ctx, "root", rp))
	_, err := f.manager.Assign(ctx, "root", "t1", "u1", rp.ID)
	require.NoError(t, err)

	ok, err := f.resolver.HasPermission(ctx, "t1", "u1", PermissionExportContent)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.manager.Delete(ctx, "root", "t1", rp.ID))

	ok, err = f.resolver.HasPermission(ctx, "t1", "u1", PermissionExportContent)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolver_CacheOutageFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.redis.Close()

	ok, err := f.resolver.HasPermission(ctx, "t1", "root", PermissionManageGovernance)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolver_RecordsMetrics(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	require.NoError(t, store.UpsertMember(ctx, &Member{TenantID: "t1", UserID: "u1", BaseRole: BaseRoleViewer}))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	resolver := NewResolver(store, WithMetrics(metrics))

	_, err := resolver.HasPermission(ctx, "t1", "u1", PermissionViewDashboard)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PermissionChecksTotal.WithLabelValues("deny", "store")))
}

func TestRequirePermission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member(t, "t1", "u1", BaseRoleViewer)

	assert.NoError(t, f.resolver.Require(ctx, "t1", "root", PermissionDeleteData))
	err := f.resolver.Require(ctx, "t1", "u1", PermissionDeleteData)
	assert.ErrorIs(t, err, errs.ErrForbidden)
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestRedis(t)
	cache := NewRedisCache(client)

	entry, gen, err := cache.Get(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, int64(0), gen)

	want := &CachedPermissions{BaseRole: BaseRoleMember, Permissions: []Permission{PermissionViewDashboard}}
	require.NoError(t, cache.Set(ctx, "t1", "u1", want, gen, time.Minute))

	got, _, err := cache.Get(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	mr.FastForward(2 * time.Minute)
	got, _, err = cache.Get(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Nil(t, got, "entry should expire")

	require.NoError(t, cache.Set(ctx, "t1", "u1", want, 0, time.Minute))
	require.NoError(t, cache.Set(ctx, "t1", "u2", want, 0, time.Minute))
	require.NoError(t, cache.Invalidate(ctx, "t1", "u1", "u2"))
	assert.False(t, mr.Exists("tollgate:perms:t1:u1"))
	assert.False(t, mr.Exists("tollgate:perms:t1:u2"))

	t.Run("stale generation is not stored", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "t1", "u1", want, 0, time.Minute))
		assert.False(t, mr.Exists("tollgate:perms:t1:u1"))

		_, gen, err := cache.Get(ctx, "t1", "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), gen)
		require.NoError(t, cache.Set(ctx, "t1", "u1", want, gen, time.Minute))
		assert.True(t, mr.Exists("tollgate:perms:t1:u1"))
	})

	require.NoError(t, mr.Set("tollgate:perms:t1:u3", "{not json"))
	_, _, err = cache.Get(ctx, "t1", "u3")
	assert.Error(t, err)
	assert.False(t, mr.Exists("tollgate:perms:t1:u3"), "corrupt entry should be dropped")
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(2, 500*time.Millisecond)

	entry, gen, err := cache.Get(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	want := &CachedPermissions{BaseRole: BaseRoleMember, Permissions: []Permission{PermissionViewDashboard}}
	require.NoError(t, cache.Set(ctx, "t1", "u1", want, gen, time.Minute))

	got, _, err := cache.Get(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got.Permissions[0] = PermissionDeleteData
	again, _, _ := cache.Get(ctx, "t1", "u1")
	assert.Equal(t, PermissionViewDashboard, again.Permissions[0], "callers must not mutate the cached entry")

	other, _, _ := cache.Get(ctx, "t2", "u1")
	assert.Nil(t, other, "entries are tenant scoped")

	require.NoError(t, cache.Invalidate(ctx, "t1", "u1"))
	got, _, _ = cache.Get(ctx, "t1", "u1")
	assert.Nil(t, got)

	require.NoError(t, cache.Set(ctx, "t1", "u1", want, gen, time.Minute))
	got, gen, _ = cache.Get(ctx, "t1", "u1")
	assert.Nil(t, got, "an entry read before the invalidation must not be stored")
	assert.Equal(t, int64(1), gen)

	require.NoError(t, cache.Set(ctx, "t1", "a", want, 0, 0))
	require.NoError(t, cache.Set(ctx, "t1", "b", want, 0, 0))
	require.NoError(t, cache.Set(ctx, "t1", "c", want, 0, 0))
	evicted, _, _ := cache.Get(ctx, "t1", "a")
	assert.Nil(t, evicted, "oldest entry should be evicted beyond capacity")

	assert.Eventually(t, func() bool {
		e, _, _ := cache.Get(ctx, "t1", "c")
		return e == nil
	}, 3*time.Second, 20*time.Millisecond, "entries should expire")
}

func TestResolverWithMemoryCache(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	resolver := NewResolver(store, WithCache(NewMemoryCache(16, time.Minute), time.Minute))
	manager := NewManager(store, resolver, audit.NewMemoryLogger(), nil)

	require.NoError(t, store.UpsertMember(ctx, &Member{TenantID: "t1", UserID: "boss", BaseRole: BaseRoleAdmin}))
	require.NoError(t, store.UpsertMember(ctx, &Member{TenantID: "t1", UserID: "u1", BaseRole: BaseRoleMember}))

	ok, err := resolver.HasPermission(ctx, "t1", "u1", PermissionPublishNamed)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = manager.Grant(ctx, "boss", "t1", "u1", PermissionPublishNamed)
	require.NoError(t, err)

	ok, err = resolver.HasPermission(ctx, "t1", "u1", PermissionPublishNamed)
	require.NoError(t, err)
	assert.True(t, ok, "grant must invalidate the cached entry")
}

// slowWriteCache holds the first Set until released, so a revoke can commit
// between a check's store read and its cache write
type slowWriteCache struct {
	PermissionCache
	held    atomic.Bool
	writing chan struct{}
	release chan struct{}
}

func newSlowWriteCache(inner PermissionCache) *slowWriteCache {
	return &slowWriteCache{PermissionCache: inner, writing: make(chan struct{}), release: make(chan struct{})}
}

func (c *slowWriteCache) Set(ctx context.Context, tenantID, userID string, entry *CachedPermissions, generation int64, ttl time.Duration) error {
	if c.held.CompareAndSwap(false, true) {
		close(c.writing)
		<-c.release
	}
	return c.PermissionCache.Set(ctx, tenantID, userID, entry, generation, ttl)
}

func TestResolver_RevokeDuringCheckIsNotCached(t *testing.T) {
	caches := map[string]func(t *testing.T) PermissionCache{
		"redis": func(t *testing.T) PermissionCache {
			client, _ := newTestRedis(t)
			return NewRedisCache(client)
		},
		"memory": func(t *testing.T) PermissionCache {
			return NewMemoryCache(16, time.Minute)
		},
	}

	for name, newCache := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store, _ := newTestStore(t)
			cache := newSlowWriteCache(newCache(t))
			resolver := NewResolver(store, WithCache(cache, time.Minute))
			manager := NewManager(store, resolver, audit.NewMemoryLogger(), nil)

			require.NoError(t, store.UpsertMember(ctx, &Member{TenantID: "t1", UserID: "boss", BaseRole: BaseRoleAdmin}))
			require.NoError(t, store.UpsertMember(ctx, &Member{TenantID: "t1", UserID: "u1", BaseRole: BaseRoleMember}))
			require.NoError(t, store.GrantPermission(ctx, &UserPermission{TenantID: "t1", UserID: "u1", Permission: PermissionDeleteData}))

			inFlight := make(chan bool, 1)
			go func() {
				ok, err := resolver.HasPermission(ctx, "t1", "u1", PermissionDeleteData)
				assert.NoError(t, err)
				inFlight <- ok
			}()

			<-cache.writing
			require.NoError(t, manager.Revoke(ctx, "boss", "t1", "u1", PermissionDeleteData))
			close(cache.release)
			assert.True(t, <-inFlight, "the check that started before the revoke may still allow")

			ok, err := resolver.HasPermission(ctx, "t1", "u1", PermissionDeleteData)
			require.NoError(t, err)
			assert.False(t, ok, "the revocation must be visible to the next check")
		})
	}
}
