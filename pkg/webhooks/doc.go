// Package webhooks forwards cleared governed actions to external HTTP
// receivers.
//
// Each request type may be bound to one endpoint. When the approval engine
// executes or rolls back a request, the action is posted as JSON:
//
//	{"id": "...", "operation": "execute", "timestamp": "...", "action": {...}}
//
// Deliveries carry X-Tollgate-Operation and X-Tollgate-Delivery headers, and
// X-Tollgate-Signature (HMAC-SHA256, "sha256=<hex>") when a secret is set.
// Receivers should deduplicate on the delivery ID, which is stable across
// retries.
//
// # Retry Policy
//
// Transport errors, 429 and 5xx responses are retried with exponential
// backoff (500ms, 1s, ... capped at 10s) up to 3 attempts. Other 4xx
// responses fail immediately.
//
// Usage:
//
//	err := webhooks.Register(executors, map[governance.RequestType]webhooks.Endpoint{
//		governance.RequestArtifactPublish: {URL: "https://publisher/hook", Secret: s, Revertible: true},
//	})
package webhooks
