package governance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/errs"
	"github.com/platinummonkey/tollgate/pkg/rbac"
)

func int64p(v int64) *int64 { return &v }

func TestSubmit_ExecutesImmediatelyWithoutChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("no policy", func(t *testing.T) {
		res, err := f.engine.Submit(ctx, deletion("req"))
		require.NoError(t, err)
		assert.True(t, res.Executed)
		assert.Nil(t, res.Request)
		assert.Equal(t, 1, f.deletions.count())
	})

	t.Run("chain disabled", func(t *testing.T) {
		_, _, err := f.manager.ReplaceSteps(ctx, "boss", "t1", []Step{step(1, 1, ScopeUser, "u1")})
		require.NoError(t, err)

		needs, err := f.engine.RequiresApproval(ctx, deletion("req"))
		require.NoError(t, err)
		assert.False(t, needs)

		res, err := f.engine.Submit(ctx, deletion("req"))
		require.NoError(t, err)
		assert.True(t, res.Executed)
	})

	t.Run("anonymous publish is never governed", func(t *testing.T) {
		f.enable(t, step(1, 1, ScopeUser, "u1"))
		res, err := f.engine.Submit(ctx, Action{
			TenantID: "t1", RequesterID: "req", Type: RequestArtifactPublish,
			TargetType: "story", TargetID: "s1",
		})
		require.NoError(t, err)
		assert.True(t, res.Executed)
		assert.Equal(t, 1, f.publishes.count())
	})

	requests, err := f.engine.ListRequests(ctx, "t1", "", 0)
	require.NoError(t, err)
	assert.Empty(t, requests)
}

func TestSubmit_PolicyConstraints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.manager.UpdatePolicy(ctx, "boss", "t1", PolicySettings{MaxExpirationDays: int64p(30), RequireProvenance: true})
	require.NoError(t, err)

	publish := Action{TenantID: "t1", RequesterID: "req", Type: RequestArtifactPublish, TargetType: "story", TargetID: "s1"}

	_, err = f.engine.Submit(ctx, publish)
	assert.ErrorIs(t, err, errs.ErrValidation, "missing expiration")

	publish.ExpirationDays = int64p(45)
	_, err = f.engine.Submit(ctx, publish)
	assert.ErrorIs(t, err, errs.ErrValidation, "expiration too long")

	publish.ExpirationDays = int64p(30)
	_, err = f.engine.Submit(ctx, publish)
	assert.ErrorIs(t, err, errs.ErrValidation, "missing provenance")

	publish.Provenance = map[string]string{"transcript_id": "tr-9"}
	res, err := f.engine.Submit(ctx, publish)
	require.NoError(t, err)
	assert.True(t, res.Executed)

	_, err = f.engine.Submit(ctx, deletion("req"))
	assert.NoError(t, err, "publish constraints do not apply to other actions")
}

func TestSubmit_ExecutorFailureIsUpstream(t *testing.T) {
	f := newFixture(t)
	f.deletions.setFailure(errExecutor)

	_, err := f.engine.Submit(context.Background(), deletion("req"))
	assert.ErrorIs(t, err, errs.ErrUpstream)

	events := f.audit.OfType(audit.EventTypeActionExecuted)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventStatusFailure, events[0].Status)
}

func TestSubmit_RejectsMalformedAction(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Submit(context.Background(), Action{TenantID: "t1", RequesterID: "req", Type: "shred"})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestApprove_TwoStepsCompleteExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.assign(t, "u1", rbac.PresetSales)
	f.assign(t, "u3", rbac.PresetSales)
	f.assign(t, "u2", rbac.PresetMarketing)
	f.enable(t,
		step(1, 1, ScopeRoleProfile, rbac.PresetSales),
		step(2, 1, ScopeRoleProfile, rbac.PresetMarketing),
	)

	req := f.submitPending(t, deletion("req"))
	assert.Equal(t, 0, f.deletions.count())

	got, err := f.engine.Approve(ctx, "t1", req.ID, "u1", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	got, err = f.engine.Approve(ctx, "t1", req.ID, "u2", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "u2", got.ReviewerID)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, f.deletions.count())

	_, err = f.engine.Approve(ctx, "t1", req.ID, "u3", "")
	assert.ErrorIs(t, err, errs.ErrConflict)
	assert.Equal(t, 1, f.deletions.count())

	assert.Len(t, f.audit.OfType(audit.EventTypeApprovalApproved), 1)
	assert.Len(t, f.audit.OfType(audit.EventTypeApprovalCompleted), 1)
}

func TestApprove_StepsAreIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enable(t,
		step(1, 1, ScopeUser, "u1"),
		step(2, 1, ScopeUser, "u2"),
	)
	req := f.submitPending(t, deletion("req"))

	_, err := f.engine.Approve(ctx, "t1", req.ID, "u2", "")
	require.NoError(t, err)

	decisions, err := f.engine.ListDecisions(ctx, "t1", req.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, 2, decisions[0].StepOrder)

	got, err := f.engine.Approve(ctx, "t1", req.ID, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestApprove_GroupQuorum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g1 := f.group(t, "G1", "u1", "u2", "u3")
	f.enable(t, step(1, 2, ScopeGroup, g1))

	req := f.submitPending(t, deletion("req"))

	got, err := f.engine.Approve(ctx, "t1", req.ID, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, f.deletions.count())

	got, err = f.engine.Approve(ctx, "t1", req.ID, "u3", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 1, f.deletions.count())
}

func TestApprove_SameApproverTwiceIsConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g1 := f.group(t, "G1", "u1", "u2", "u3")
	f.enable(t, step(1, 2, ScopeGroup, g1))
	req := f.submitPending(t, deletion("req"))

	_, err := f.engine.Approve(ctx, "t1", req.ID, "u1", "")
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, "t1", req.ID, "u1", "")
	assert.ErrorIs(t, err, errs.ErrConflict)

	got, err := f.engine.GetRequest(ctx, "t1", req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestApprove_IneligibleIsForbidden(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enable(t, step(1, 1, ScopeUser, "u1"))
	req := f.submitPending(t, deletion("req"))

	_, err := f.engine.Approve(ctx, "t1", req.ID, "u2", "")
	assert.ErrorIs(t, err, errs.ErrForbidden)

	_, err = f.engine.Approve(ctx, "t1", req.ID, "boss", "")
	assert.ErrorIs(t, err, errs.ErrForbidden, "admins are not implicit approvers")

	assert.Len(t, f.audit.OfType(audit.EventTypeAccessDenied), 2)

	_, err = f.engine.Approve(ctx, "t1", "missing", "u1", "")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestApprove_SelfApprovalExcludedLeavesRequestStuck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enable(t, step(1, 1, ScopeUser, "req"))
	req := f.submitPending(t, deletion("req"))

	_, err := f.engine.Approve(ctx, "t1", req.ID, "req", "")
	assert.ErrorIs(t, err, errs.ErrForbidden)

	diag, err := f.engine.Diagnose(ctx, "t1", req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, diag.Status)
	assert.True(t, diag.Stuck)
	require.Len(t, diag.Steps, 1)
	assert.Equal(t, 0, diag.Steps[0].Eligible)
	assert.False(t, diag.Steps[0].Satisfied)
	assert.NotEmpty(t, diag.Steps[0].Issues)

	got, err := f.engine.GetRequest(ctx, "t1", req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, f.deletions.count())
}

func TestApprove_SelfApprovalAllowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	self := Step{StepOrder: 1, MinApprovals: 1, Scope: ScopeSelf, AllowSelfApproval: true, Enabled: true}
	f.enable(t, self, step(2, 1, ScopeUser, "u1"))
	req := f.submitPending(t, deletion("req"))

	_, err := f.engine.Approve(ctx, "t1", req.ID, "req", "")
	require.NoError(t, err)
	got, err := f.engine.Approve(ctx, "t1", req.ID, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestApprove_TeamScopeUsesMapping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.assign(t, "u4", rbac.PresetSales)
	f.enable(t, step(1, 1, ScopeTeam, "sales"))
	req := f.submitPending(t, deletion("req"))

	_, err := f.engine.Approve(ctx, "t1", req.ID, "u1", "")
	assert.ErrorIs(t, err, errs.ErrForbidden)

	got, err := f.engine.Approve(ctx, "t1", req.ID, "u4", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestApprove_DeletedGroupIsDiagnosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g1 := f.group(t, "G1", "u1")
	f.enable(t, step(1, 1, ScopeGroup, g1), step(2, 1, ScopeUser, "u2"))
	req := f.submitPending(t, deletion("req"))

	require.NoError(t, f.manager.DeleteGroup(ctx, "boss", "t1", g1))

	_, err := f.engine.Approve(ctx, "t1", req.ID, "u2", "")
	require.NoError(t, err, "other steps keep accepting approvals")

	diag, err := f.engine.Diagnose(ctx, "t1", req.ID)
	require.NoError(t, err)
	assert.True(t, diag.Stuck)
	require.Len(t, diag.Steps, 2)
	assert.Contains(t, diag.Steps[0].Issues[0], "no longer exists")
	assert.True(t, diag.Steps[1].Satisfied)
	assert.Equal(t, StatusPending, diag.Status)
}

func TestApprove_EnabledChainWithoutStepsNeverApproves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	disabled := step(1, 1, ScopeUser, "u1")
	disabled.Enabled = false
	f.enable(t, disabled)

	req := f.submitPending(t, deletion("req"))
	_, err := f.engine.Approve(ctx, "t1", req.ID, "u1", "")
	assert.ErrorIs(t, err, errs.ErrForbidden)

	diag, err := f.engine.Diagnose(ctx, "t1", req.ID)
	require.NoError(t, err)
	assert.True(t, diag.Stuck)
	assert.Empty(t, diag.Steps)
}

func TestApprove_ConcurrentApprovalsExecuteOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g1 := f.group(t, "G1", "u1", "u2", "u3", "u4", "u5")
	f.enable(t, step(1, 2, ScopeGroup, g1))
	req := f.submitPending(t, deletion("req"))

	var wg sync.WaitGroup
	errsCh := make(chan error, 5)
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := f.engine.Approve(ctx, "t1", req.ID, user, "")
			errsCh <- err
		}(fmt.Sprintf("u%d", i))
	}
	wg.Wait()
	close(errsCh)

	succeeded := 0
	for err := range errsCh {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, errs.ErrConflict)
	}
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, f.deletions.count())

	got, err := f.engine.GetRequest(ctx, "t1", req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestApprove_OverlappingStepsInEitherOrder(t *testing.T) {
	for _, order := range [][]string{{"u1", "u2"}, {"u2", "u1"}} {
		t.Run(order[0]+" first", func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			g1 := f.group(t, "G1", "u1", "u2")
			f.enable(t, step(1, 1, ScopeGroup, g1), step(2, 1, ScopeUser, "u1"))
			req := f.submitPending(t, deletion("req"))

			got, err := f.engine.Approve(ctx, "t1", req.ID, order[0], "")
			require.NoError(t, err)
			assert.Equal(t, StatusPending, got.Status)

			diag, err := f.engine.Diagnose(ctx, "t1", req.ID)
			require.NoError(t, err)
			assert.False(t, diag.Stuck, "the other approver can still complete the chain")

			got, err = f.engine.Approve(ctx, "t1", req.ID, order[1], "")
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, got.Status)
			assert.Equal(t, 1, f.deletions.count())
		})
	}
}

func TestApprove_ReplacedStepsDropStaleApprovals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enable(t, step(1, 1, ScopeUser, "u1"), step(2, 1, ScopeUser, "u2"))
	req := f.submitPending(t, deletion("req"))

	_, err := f.engine.Approve(ctx, "t1", req.ID, "u1", "")
	require.NoError(t, err)

	_, _, err = f.manager.ReplaceSteps(ctx, "boss", "t1", []Step{step(1, 1, ScopeUser, "u5"), step(2, 1, ScopeUser, "u2")})
	require.NoError(t, err)

	got, err := f.engine.Approve(ctx, "t1", req.ID, "u2", "")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "u1 no longer counts")
	assert.Equal(t, 0, f.deletions.count())

	diag, err := f.engine.Diagnose(ctx, "t1", req.ID)
	require.NoError(t, err)
	require.Len(t, diag.Steps, 2)
	assert.Equal(t, 0, diag.Steps[0].Approvals)
	assert.Equal(t, 1, diag.Steps[1].Approvals)
	assert.False(t, diag.Stuck)

	got, err = f.engine.Approve(ctx, "t1", req.ID, "u5", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 1, f.deletions.count())
}

func TestApprove_RemovedGroupMemberStopsCounting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g1 := f.group(t, "G1", "u1", "u2", "u3")
	f.enable(t, step(1, 2, ScopeGroup, g1))
	req := f.submitPending(t, deletion("req"))

	_, err := f.engine.Approve(ctx, "t1", req.ID, "u1", "")
	require.NoError(t, err)
	require.NoError(t, f.manager.RemoveGroupMember(ctx, "boss", "t1", g1, "u1"))

	got, err := f.engine.Approve(ctx, "t1", req.ID, "u2", "")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, f.deletions.count())

	got, err = f.engine.Approve(ctx, "t1", req.ID, "u3", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestRecordApproval_StaleChainIsConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enable(t, step(1, 1, ScopeUser, "u1"))
	req := f.submitPending(t, deletion("req"))

	p, err := f.policies.GetPolicy(ctx, "t1")
	require.NoError(t, err)
	resolved, err := f.engine.resolveSteps(ctx, req, enabledSteps(p))
	require.NoError(t, err)

	f.enable(t, step(1, 1, ScopeUser, "u1"))

	_, err = f.requests.RecordApproval(ctx, "t1", req.ID, "u1", "", resolved, time.Now().UTC())
	assert.ErrorIs(t, err, errs.ErrConflict)

	decisions, err := f.engine.ListDecisions(ctx, "t1", req.ID)
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g1 := f.group(t, "G1", "u1", "u2")
	f.enable(t, step(1, 2, ScopeGroup, g1))
	req := f.submitPending(t, deletion("req"))

	_, err := f.engine.Reject(ctx, "t1", req.ID, "u5", "no")
	assert.ErrorIs(t, err, errs.ErrForbidden)

	got, err := f.engine.Reject(ctx, "t1", req.ID, "u1", "wrong account")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "wrong account", got.ReviewNotes)
	assert.NotNil(t, got.ResolvedAt)

	_, err = f.engine.Approve(ctx, "t1", req.ID, "u2", "")
	assert.ErrorIs(t, err, errs.ErrConflict, "a resolved request is never reopened")
	_, err = f.engine.Reject(ctx, "t1", req.ID, "u2", "")
	assert.ErrorIs(t, err, errs.ErrConflict)
	assert.Equal(t, 0, f.deletions.count())
}

func TestExecutionFailureAndRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enable(t, step(1, 1, ScopeUser, "u1"))
	req := f.submitPending(t, deletion("req"))

	f.deletions.setFailure(errExecutor)
	got, err := f.engine.Approve(ctx, "t1", req.ID, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Contains(t, got.ExecutionError, "warehouse unavailable")
	assert.Len(t, f.audit.OfType(audit.EventTypeApprovalExecutionFailed), 1)

	_, err = f.engine.RetryExecution(ctx, "u1", "t1", req.ID)
	assert.ErrorIs(t, err, errs.ErrForbidden)

	f.deletions.setFailure(nil)
	got, err = f.engine.RetryExecution(ctx, "boss", "t1", req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Empty(t, got.ExecutionError)
	assert.Equal(t, 1, f.deletions.count())

	_, err = f.engine.RetryExecution(ctx, "boss", "t1", req.ID)
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enable(t, step(1, 1, ScopeUser, "u1"))

	writeback := Action{TenantID: "t1", RequesterID: "req", Type: RequestCRMWriteback, TargetType: "account", TargetID: "a1"}
	req := f.submitPending(t, writeback)

	_, err := f.engine.Rollback(ctx, "boss", "t1", req.ID, "")
	assert.ErrorIs(t, err, errs.ErrConflict, "pending requests cannot be rolled back")

	_, err = f.engine.Approve(ctx, "t1", req.ID, "u1", "")
	require.NoError(t, err)

	_, err = f.engine.Rollback(ctx, "u1", "t1", req.ID, "")
	assert.ErrorIs(t, err, errs.ErrForbidden)

	got, err := f.engine.Rollback(ctx, "boss", "t1", req.ID, "bad field mapping")
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, got.Status)
	require.Len(t, f.writeback.reverted, 1)
	assert.Equal(t, "a1", f.writeback.reverted[0].TargetID)

	_, err = f.engine.Rollback(ctx, "boss", "t1", req.ID, "")
	assert.ErrorIs(t, err, errs.ErrConflict, "ROLLED_BACK is terminal")

	del := f.submitPending(t, deletion("req"))
	_, err = f.engine.Approve(ctx, "t1", del.ID, "u1", "")
	require.NoError(t, err)
	_, err = f.engine.Rollback(ctx, "boss", "t1", del.ID, "")
	assert.ErrorIs(t, err, errs.ErrValidation, "deletions are irreversible")
}

func TestRequestPayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enable(t, step(1, 1, ScopeUser, "u1"))

	action := Action{
		TenantID: "t1", RequesterID: "req", Type: RequestArtifactPublish,
		TargetType: "story", TargetID: "s7", Named: true,
		ExpirationDays: int64p(14), Provenance: map[string]string{"call": "c-1"},
		Payload: []byte(`{"title":"Acme renewal"}`),
	}
	req := f.submitPending(t, action)

	_, err := f.engine.Approve(ctx, "t1", req.ID, "u1", "")
	require.NoError(t, err)
	require.Equal(t, 1, f.publishes.count())
	executed := f.publishes.executed[0]
	assert.True(t, executed.Named)
	assert.Equal(t, int64(14), *executed.ExpirationDays)
	assert.JSONEq(t, `{"title":"Acme renewal"}`, string(executed.Payload))

	pending, err := f.engine.ListRequests(ctx, "t1", StatusPending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	all, err := f.engine.ListRequests(ctx, "t1", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
