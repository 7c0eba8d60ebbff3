package rbac

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/storage/storagetest"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db := storagetest.NewSQLite(t)
	require.NoError(t, RunMigrations(context.Background(), db))
	return NewStore(db), db
}

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

type fixture struct {
	store    *Store
	resolver *Resolver
	manager  *Manager
	audit    *audit.MemoryLogger
	redis    *miniredis.Miniredis
}

// newFixture wires a manager over sqlite with a redis-cached resolver.
// Tenant t1 has an owner "root" and an admin "boss".
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, _ := newTestStore(t)
	client, mr := newTestRedis(t)

	resolver := NewResolver(store, WithCache(NewRedisCache(client), time.Minute))
	auditLog := audit.NewMemoryLogger()
	f := &fixture{
		store:    store,
		resolver: resolver,
		manager:  NewManager(store, resolver, auditLog, nil),
		audit:    auditLog,
		redis:    mr,
	}

	f.member(t, "t1", "root", BaseRoleOwner)
	f.member(t, "t1", "boss", BaseRoleAdmin)
	require.NoError(t, f.manager.EnsurePresets(context.Background(), "t1"))
	return f
}

func (f *fixture) member(t *testing.T, tenantID, userID string, role BaseRole) {
	t.Helper()
	require.NoError(t, f.store.UpsertMember(context.Background(), &Member{TenantID: tenantID, UserID: userID, BaseRole: role}))
}

func (f *fixture) profile(t *testing.T, tenantID, key string) *RoleProfile {
	t.Helper()
	rp, err := f.store.GetProfileByKey(context.Background(), tenantID, key)
	require.NoError(t, err)
	return rp
}
