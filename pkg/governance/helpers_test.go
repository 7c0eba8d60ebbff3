package governance

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/rbac"
	"github.com/platinummonkey/tollgate/pkg/storage/storagetest"
)

// recordingExecutor counts executions and can be told to fail
type recordingExecutor struct {
	mu       sync.Mutex
	executed []Action
	reverted []Action
	failWith error
}

func (r *recordingExecutor) Execute(ctx context.Context, action Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.executed = append(r.executed, action)
	return nil
}

func (r *recordingExecutor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executed)
}

func (r *recordingExecutor) setFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith = err
}

// reversibleExecutor also implements Reverter
type reversibleExecutor struct {
	recordingExecutor
}

func (r *reversibleExecutor) Revert(ctx context.Context, action Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reverted = append(r.reverted, action)
	return nil
}

type fixture struct {
	rbac      *rbac.Store
	policies  *PolicyStore
	requests  *RequestStore
	engine    *Engine
	manager   *Manager
	audit     *audit.MemoryLogger
	deletions *recordingExecutor
	publishes *recordingExecutor
	writeback *reversibleExecutor
}

// newFixture sets up tenant t1 with admin "boss", requester "req" and
// members u1..u5 without role profiles. Presets are ensured.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := storagetest.NewSQLite(t)
	require.NoError(t, rbac.RunMigrations(ctx, db))
	require.NoError(t, RunMigrations(ctx, db))

	rs := rbac.NewStore(db)
	require.NoError(t, rs.UpsertMember(ctx, &rbac.Member{TenantID: "t1", UserID: "boss", BaseRole: rbac.BaseRoleAdmin}))
	for _, u := range []string{"req", "u1", "u2", "u3", "u4", "u5"} {
		require.NoError(t, rs.UpsertMember(ctx, &rbac.Member{TenantID: "t1", UserID: u, BaseRole: rbac.BaseRoleMember}))
	}
	_, err := rs.EnsurePresetProfiles(ctx, "t1")
	require.NoError(t, err)

	policies := NewPolicyStore(db)
	requests := NewRequestStore(db)
	eligibility := NewEligibility(rs, rs, policies, nil)
	resolver := rbac.NewResolver(rs)
	auditLog := audit.NewMemoryLogger()

	f := &fixture{
		rbac:      rs,
		policies:  policies,
		requests:  requests,
		audit:     auditLog,
		deletions: &recordingExecutor{},
		publishes: &recordingExecutor{},
		writeback: &reversibleExecutor{},
	}
	executors := NewExecutorRegistry()
	executors.Register(RequestDataDeletion, f.deletions)
	executors.Register(RequestArtifactPublish, f.publishes)
	executors.Register(RequestCRMWriteback, f.writeback)

	f.engine = NewEngine(policies, requests, eligibility, executors, resolver, WithAuditLogger(auditLog))
	f.manager = NewManager(policies, eligibility, rs, resolver, auditLog, nil)
	return f
}

func (f *fixture) assign(t *testing.T, userID, profileKey string) {
	t.Helper()
	ctx := context.Background()
	rp, err := f.rbac.GetProfileByKey(ctx, "t1", profileKey)
	require.NoError(t, err)
	require.NoError(t, f.rbac.AssignProfile(ctx, &rbac.UserRoleAssignment{TenantID: "t1", UserID: userID, RoleProfileID: rp.ID}))
}

// enable turns the chain on and replaces its steps
func (f *fixture) enable(t *testing.T, steps ...Step) {
	t.Helper()
	ctx := context.Background()
	_, err := f.manager.UpdatePolicy(ctx, "boss", "t1", PolicySettings{ApprovalChainEnabled: true})
	require.NoError(t, err)
	_, _, err = f.manager.ReplaceSteps(ctx, "boss", "t1", steps)
	require.NoError(t, err)
}

func (f *fixture) group(t *testing.T, name string, members ...string) string {
	t.Helper()
	ctx := context.Background()
	g := &Group{TenantID: "t1", Name: name}
	require.NoError(t, f.manager.CreateGroup(ctx, "boss", g))
	for _, u := range members {
		require.NoError(t, f.manager.AddGroupMember(ctx, "boss", "t1", g.ID, u))
	}
	return g.ID
}

func deletion(requester string) Action {
	return Action{
		TenantID:    "t1",
		RequesterID: requester,
		Type:        RequestDataDeletion,
		TargetType:  "transcript",
		TargetID:    "tr-1",
	}
}

// submitPending submits an action that must be parked
func (f *fixture) submitPending(t *testing.T, action Action) *Request {
	t.Helper()
	res, err := f.engine.Submit(context.Background(), action)
	require.NoError(t, err)
	require.False(t, res.Executed)
	require.NotNil(t, res.Request)
	require.Equal(t, StatusPending, res.Request.Status)
	return res.Request
}

func step(order, minApprovals int, scope ApproverScope, ref string) Step {
	return Step{StepOrder: order, MinApprovals: minApprovals, Scope: scope, ScopeRef: ref, Enabled: true}
}

var errExecutor = errors.New("warehouse unavailable")
