//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/tollgate/pkg/access"
	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/errs"
	"github.com/platinummonkey/tollgate/pkg/governance"
	"github.com/platinummonkey/tollgate/pkg/rbac"
	"github.com/platinummonkey/tollgate/pkg/storage"
	"github.com/platinummonkey/tollgate/pkg/storage/postgres"
)

func setupPostgres(t *testing.T) storage.Config {
	t.Helper()
	ctx := context.Background()

	if _, err := testcontainers.ProviderDocker.GetProvider(); err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("tollgate_test"),
		tcpostgres.WithUsername("tollgate"),
		tcpostgres.WithPassword("tollgate"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := storage.DefaultConfig()
	cfg.PostgresURL = connStr
	return cfg
}

func TestPostgres_MigrationsAndQuorum(t *testing.T) {
	ctx := context.Background()
	db, err := postgres.Connect(ctx, setupPostgres(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, rbac.RunMigrations(ctx, db))
	require.NoError(t, access.RunMigrations(ctx, db))
	require.NoError(t, governance.RunMigrations(ctx, db))
	require.NoError(t, governance.RunMigrations(ctx, db), "migrations are idempotent")

	roles := rbac.NewStore(db)
	resolver := rbac.NewResolver(roles)
	users := []string{"boss", "req", "u1", "u2", "u3", "u4", "u5"}
	for _, u := range users {
		role := rbac.BaseRoleMember
		if u == "boss" {
			role = rbac.BaseRoleAdmin
		}
		require.NoError(t, roles.UpsertMember(ctx, &rbac.Member{TenantID: "t1", UserID: u, BaseRole: role}))
	}

	auditLog := audit.NewMemoryLogger()
	policies := governance.NewPolicyStore(db)
	eligibility := governance.NewEligibility(roles, roles, policies, nil)
	manager := governance.NewManager(policies, eligibility, roles, resolver, auditLog, nil)

	g := &governance.Group{TenantID: "t1", Name: "Legal"}
	require.NoError(t, manager.CreateGroup(ctx, "boss", g))
	for _, u := range users[2:] {
		require.NoError(t, manager.AddGroupMember(ctx, "boss", "t1", g.ID, u))
	}
	_, err = manager.UpdatePolicy(ctx, "boss", "t1", governance.PolicySettings{ApprovalChainEnabled: true})
	require.NoError(t, err)
	_, _, err = manager.ReplaceSteps(ctx, "boss", "t1", []governance.Step{
		{StepOrder: 1, MinApprovals: 2, Scope: governance.ScopeGroup, ScopeRef: g.ID, Enabled: true},
	})
	require.NoError(t, err)

	var executions int32
	executors := governance.NewExecutorRegistry()
	executors.Register(governance.RequestDataDeletion, governance.ExecutorFunc(func(ctx context.Context, a governance.Action) error {
		atomic.AddInt32(&executions, 1)
		return nil
	}))
	engine := governance.NewEngine(policies, governance.NewRequestStore(db), eligibility, executors, resolver)

	res, err := engine.Submit(ctx, governance.Action{
		TenantID: "t1", RequesterID: "req", Type: governance.RequestDataDeletion,
		TargetType: "transcript", TargetID: "tr-1",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Request)

	var wg sync.WaitGroup
	results := make(chan error, 5)
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := engine.Approve(ctx, "t1", res.Request.ID, user, "")
			results <- err
		}(fmt.Sprintf("u%d", i))
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, errs.ErrConflict)
	}
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&executions))

	got, err := engine.GetRequest(ctx, "t1", res.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, governance.StatusCompleted, got.Status)
}

func TestPostgres_UniqueViolation(t *testing.T) {
	ctx := context.Background()
	db, err := postgres.Connect(ctx, setupPostgres(t))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, governance.RunMigrations(ctx, db))

	policies := governance.NewPolicyStore(db)
	require.NoError(t, policies.CreateGroup(ctx, &governance.Group{TenantID: "t1", Name: "Legal"}))
	err = policies.CreateGroup(ctx, &governance.Group{TenantID: "t1", Name: "Legal"})
	assert.ErrorIs(t, err, errs.ErrConflict, "pq unique violations map to conflicts")
}
