// Package audit records who changed what in the authorization and governance
// layers.
//
// Every grant, revoke, role-profile change, policy edit and approval decision
// is reported as an AuditEvent carrying the tenant, the acting user, an action
// code (EventType), the target entity and a severity:
//
//	event := audit.NewEvent(ctx, audit.EventTypePermissionGrant, tenantID, actorID).
//		Target(audit.TargetTypeUser, userID).
//		WithMeta("permission", "publish_named")
//	_ = logger.Log(ctx, event)
//
// The package does not own retention or querying. DBLogger appends rows to
// audit_logs, MultiLogger fans out to several sinks and MemoryLogger keeps
// events in memory for tests.
package audit
