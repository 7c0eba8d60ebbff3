// Package middleware provides the HTTP middleware in front of the API.
//
// PrincipalMiddleware trusts identity headers set by the upstream gateway
// and stores a *Principal in the request context. RequestID propagates or
// generates X-Request-ID. PerTenant applies a redis-backed fixed-window
// limit to expensive endpoints such as on-demand CRM resyncs.
package middleware
