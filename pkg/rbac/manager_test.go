package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/errs"
)

func TestManager_RequiresActorPermission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member(t, "t1", "plain", BaseRoleMember)
	f.member(t, "t1", "u1", BaseRoleMember)

	err := f.manager.CreateCustom(ctx, "plain", &RoleProfile{TenantID: "t1", Key: "custom", Name: "Custom"})
	assert.ErrorIs(t, err, errs.ErrForbidden)

	_, err = f.manager.Grant(ctx, "plain", "t1", "u1", PermissionExportContent)
	assert.ErrorIs(t, err, errs.ErrForbidden)

	_, err = f.manager.Assign(ctx, "plain", "t1", "u1", f.profile(t, "t1", PresetSales).ID)
	assert.ErrorIs(t, err, errs.ErrForbidden)

	denied := f.audit.OfType(audit.EventTypeAccessDenied)
	require.Len(t, denied, 3)
	assert.Equal(t, audit.EventStatusDenied, denied[0].Status)
	assert.Equal(t, "plain", denied[0].ActorID)
}

func TestManager_DelegatedPermission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member(t, "t1", "ops", BaseRoleMember)
	f.member(t, "t1", "u1", BaseRoleMember)

	_, err := f.manager.Grant(ctx, "root", "t1", "ops", PermissionManageUsers)
	require.NoError(t, err)

	_, err = f.manager.Assign(ctx, "ops", "t1", "u1", f.profile(t, "t1", PresetMarketing).ID)
	require.NoError(t, err)

	ok, err := f.resolver.HasPermission(ctx, "t1", "u1", PermissionPublishNamed)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_PresetsAreProtected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sales := f.profile(t, "t1", PresetSales)

	renamed := *sales
	renamed.Key = "sellers"
	assert.ErrorIs(t, f.manager.Update(ctx, "root", &renamed), errs.ErrValidation)

	assert.ErrorIs(t, f.manager.Delete(ctx, "root", "t1", sales.ID), errs.ErrValidation)

	edited := *sales
	edited.Name = "Account Executives"
	edited.Permissions = append(edited.Permissions, PermissionExportContent)
	require.NoError(t, f.manager.Update(ctx, "root", &edited))

	got := f.profile(t, "t1", PresetSales)
	assert.Equal(t, "Account Executives", got.Name)
	assert.True(t, got.IsPreset)
	assert.True(t, got.HasPermission(PermissionExportContent))

	err := f.manager.CreateCustom(ctx, "root", &RoleProfile{TenantID: "t1", Key: PresetExecutive, Name: "Fake"})
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestManager_UpdateInvalidatesAssignedUsers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member(t, "t1", "u1", BaseRoleMember)

	rp := &RoleProfile{TenantID: "t1", Key: "analysts", Name: "Analysts", Permissions: []Permission{PermissionViewDashboard}}
	require.NoError(t, f.manager.CreateCustom(ctx, "root", rp))
	_, err := f.manager.Assign(ctx, "root", "t1", "u1", rp.ID)
	require.NoError(t, err)

	ok, err := f.resolver.HasPermission(ctx, "t1", "u1", PermissionExportContent)
	require.NoError(t, err)
	require.False(t, ok)

	rp.Permissions = []Permission{PermissionViewDashboard, PermissionExportContent}
	require.NoError(t, f.manager.Update(ctx, "root", rp))

	ok, err = f.resolver.HasPermission(ctx, "t1", "u1", PermissionExportContent)
	require.NoError(t, err)
	assert.True(t, ok)

	updates := f.audit.OfType(audit.EventTypeRoleProfileUpdate)
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].Changes)
}

func TestManager_AssignAcrossTenantsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member(t, "t1", "u1", BaseRoleMember)
	require.NoError(t, f.manager.EnsurePresets(ctx, "t2"))
	foreign := f.profile(t, "t2", PresetExecutive)

	_, err := f.manager.Assign(ctx, "root", "t1", "u1", foreign.ID)
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = f.manager.Assign(ctx, "root", "t1", "ghost", f.profile(t, "t1", PresetSales).ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestManager_DeleteAuditsUnassignedUsers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member(t, "t1", "u1", BaseRoleMember)

	rp := &RoleProfile{TenantID: "t1", Key: "temp", Name: "Temp"}
	require.NoError(t, f.manager.CreateCustom(ctx, "boss", rp))
	_, err := f.manager.Assign(ctx, "boss", "t1", "u1", rp.ID)
	require.NoError(t, err)

	require.NoError(t, f.manager.Delete(ctx, "boss", "t1", rp.ID))

	deletes := f.audit.OfType(audit.EventTypeRoleProfileDelete)
	require.Len(t, deletes, 1)
	assert.Equal(t, []string{"u1"}, deletes[0].Metadata["unassigned_users"])

	a, err := f.store.GetAssignment(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Nil(t, a)

	assert.ErrorIs(t, f.manager.Unassign(ctx, "boss", "t1", "u1"), errs.ErrNotFound)
}

func TestManager_GrantAndRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member(t, "t1", "u1", BaseRoleViewer)

	up, err := f.manager.Grant(ctx, "root", "t1", "u1", PermissionCRMWriteback)
	require.NoError(t, err)
	assert.Equal(t, "root", up.GrantedBy)

	_, err = f.manager.Grant(ctx, "root", "t1", "u1", PermissionCRMWriteback)
	assert.ErrorIs(t, err, errs.ErrConflict)

	_, err = f.manager.Grant(ctx, "root", "t1", "u1", Permission("teleport"))
	assert.ErrorIs(t, err, errs.ErrValidation)

	grants, err := f.manager.ListGrants(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Len(t, grants, 1)

	require.NoError(t, f.manager.Revoke(ctx, "root", "t1", "u1", PermissionCRMWriteback))
	assert.ErrorIs(t, f.manager.Revoke(ctx, "root", "t1", "u1", PermissionCRMWriteback), errs.ErrNotFound)

	assert.Len(t, f.audit.OfType(audit.EventTypePermissionGrant), 1)
	assert.Len(t, f.audit.OfType(audit.EventTypePermissionRevoke), 1)
}

func TestManager_UpsertMember(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member(t, "t1", "hr", BaseRoleMember)
	_, err := f.manager.Grant(ctx, "root", "t1", "hr", PermissionManageUsers)
	require.NoError(t, err)

	require.NoError(t, f.manager.UpsertMember(ctx, "hr", &Member{TenantID: "t1", UserID: "new", BaseRole: BaseRoleMember}))

	err = f.manager.UpsertMember(ctx, "hr", &Member{TenantID: "t1", UserID: "new", BaseRole: BaseRoleAdmin})
	assert.ErrorIs(t, err, errs.ErrForbidden)

	require.NoError(t, f.manager.UpsertMember(ctx, "boss", &Member{TenantID: "t1", UserID: "new", BaseRole: BaseRoleAdmin}))
	ok, err := f.resolver.HasPermission(ctx, "t1", "new", PermissionManageGovernance)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_ListProfilesSeedsPresets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	profiles, err := f.manager.ListProfiles(ctx, "t9")
	require.NoError(t, err)
	assert.Len(t, profiles, 5)
	assert.Len(t, f.audit.OfType(audit.EventTypePresetsEnsured), 2)
}
