// Package api exposes tollgate over HTTP with gorilla/mux.
//
// Every route lives under /api/v1/tenants/{tenant} and requires the trusted
// identity headers read by middleware.PrincipalMiddleware. The caller may
// only address their own tenant.
//
// Handler groups:
//
//   - RBACHandlers: permission catalog, role profiles, members, role
//     assignments, explicit grants and effective permissions
//   - AccessHandlers: account directory, account grants, CRM sync and the
//     accessible-account listing
//   - GovernanceHandlers: policy, approval steps and groups, and the
//     approval request lifecycle
//   - ActionHandlers: submits a privileged action through gate.Guard
//
// Errors from the domain packages are mapped by httputil.WriteDomainError.
// Denials always answer 403 "forbidden" with no detail.
//
// Mounting:
//
//	router := mux.NewRouter()
//	api.NewTenantRouter(router,
//		api.NewRBACHandlers(roles, resolver, store),
//		api.NewAccessHandlers(grants, accounts, resolver, syncLimit),
//		api.NewGovernanceHandlers(policies, engine, resolver, store),
//		api.NewActionHandlers(guard),
//	)
package api
