// Package config loads tollgate's configuration from environment variables.
//
// Every setting has a default except the database URL. CRM providers are
// enabled by supplying their credentials.
//
// Server settings:
//
//	TOLLGATE_HOST="0.0.0.0"
//	TOLLGATE_PORT="8080"
//	TOLLGATE_SYNC_LIMIT="30"     # per-tenant on-demand CRM syncs per window
//	TOLLGATE_SYNC_WINDOW="1m"
//
// Storage settings:
//
//	TOLLGATE_POSTGRES_URL="postgres://localhost/tollgate?sslmode=disable"
//	TOLLGATE_POSTGRES_MAX_CONNS="20"
//	TOLLGATE_REDIS_URL="redis://localhost:6379/0"  # optional permission cache
//
// CRM settings:
//
//	TOLLGATE_SALESFORCE_INSTANCE_URL="https://acme.my.salesforce.com"
//	TOLLGATE_SALESFORCE_CLIENT_ID="..."
//	TOLLGATE_SALESFORCE_CLIENT_SECRET="..."
//	TOLLGATE_HUBSPOT_TOKEN="pat-..."
//
// Account access and governance:
//
//	TOLLGATE_PERMISSION_CACHE_TTL="5m"
//	TOLLGATE_PERMISSION_CACHE_SIZE="10000"  # in-process cache, used without redis
//	TOLLGATE_CRM_STALENESS="24h"
//	TOLLGATE_RESYNC_SCHEDULE="@every 1h"
//	TOLLGATE_RESYNC_PARALLELISM="4"
//	TOLLGATE_TEAM_MAPPING="/etc/tollgate/teams.yaml"
//
// Action executors, one set per request type (artifact_publish,
// data_deletion, crm_writeback):
//
//	TOLLGATE_EXECUTOR_ARTIFACT_PUBLISH_URL="https://publisher.internal/hook"
//	TOLLGATE_EXECUTOR_ARTIFACT_PUBLISH_SECRET="..."
//	TOLLGATE_EXECUTOR_ARTIFACT_PUBLISH_REVERTIBLE="true"
//	TOLLGATE_EXECUTOR_RATE_LIMIT="10"  # deliveries per second
//
// Observability settings:
//
//	TOLLGATE_LOG_LEVEL="info"  # debug, info, warn, error
//	TOLLGATE_METRICS_ENABLED="true"
//	TOLLGATE_OTEL_ENABLED="true"
//	TOLLGATE_OTEL_ENDPOINT="otel-collector:4317"
package config
