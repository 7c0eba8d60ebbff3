// Package rbac resolves what a user may do within a tenant.
//
// The catalog of permission kinds and the preset role profiles are fixed in
// types.go. A user's effective permissions are the union of the permissions
// bundled in their single assigned role profile and their explicit grants.
// Owners and admins hold every permission.
//
//	resolver := rbac.NewResolver(store, rbac.WithCache(rbac.NewRedisCache(client), time.Minute))
//	ok, err := resolver.HasPermission(ctx, tenantID, userID, rbac.PermissionPublishNamed)
//
// Manager performs administrative changes. It checks the acting user's
// permission, writes audit events and invalidates cached permission sets so a
// revocation takes effect on the next check.
package rbac
