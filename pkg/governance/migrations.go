package governance

import (
	"context"
	"database/sql"

	"github.com/platinummonkey/tollgate/pkg/storage"
)

// MigrationComponent names the governance schema in schema_migrations
const MigrationComponent = "governance"

// Migrations returns all governance migrations
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create governance_policies and approval_steps tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS governance_policies (
					id VARCHAR(36) PRIMARY KEY,
					tenant_id VARCHAR(64) NOT NULL UNIQUE,
					approval_chain_enabled BOOLEAN NOT NULL DEFAULT FALSE,
					max_expiration_days BIGINT,
					require_provenance BOOLEAN NOT NULL DEFAULT FALSE,
					updated_by VARCHAR(64),
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS approval_steps (
					id VARCHAR(36) PRIMARY KEY,
					policy_id VARCHAR(36) NOT NULL REFERENCES governance_policies(id) ON DELETE CASCADE,
					step_order INTEGER NOT NULL,
					min_approvals INTEGER NOT NULL,
					scope_type VARCHAR(20) NOT NULL,
					scope_ref VARCHAR(255),
					allow_self_approval BOOLEAN NOT NULL DEFAULT FALSE,
					enabled BOOLEAN NOT NULL DEFAULT TRUE,
					UNIQUE (policy_id, step_order)
				);
			`,
		},
		{
			Version:     2,
			Description: "Create approval_groups and approval_group_members tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS approval_groups (
					id VARCHAR(36) PRIMARY KEY,
					tenant_id VARCHAR(64) NOT NULL,
					name VARCHAR(255) NOT NULL,
					description TEXT,
					created_by VARCHAR(64),
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					UNIQUE (tenant_id, name)
				);

				CREATE TABLE IF NOT EXISTS approval_group_members (
					group_id VARCHAR(36) NOT NULL REFERENCES approval_groups(id) ON DELETE CASCADE,
					user_id VARCHAR(64) NOT NULL,
					added_by VARCHAR(64),
					added_at TIMESTAMP NOT NULL,
					PRIMARY KEY (group_id, user_id)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create approval_requests and approval_decisions tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS approval_requests (
					id VARCHAR(36) PRIMARY KEY,
					tenant_id VARCHAR(64) NOT NULL,
					request_type VARCHAR(50) NOT NULL,
					target_type VARCHAR(50) NOT NULL,
					target_id VARCHAR(255) NOT NULL,
					requester_id VARCHAR(64) NOT NULL,
					status VARCHAR(20) NOT NULL,
					payload TEXT NOT NULL,
					reviewer_id VARCHAR(64),
					review_notes TEXT,
					execution_error TEXT,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					resolved_at TIMESTAMP,
					completed_at TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_approval_requests_tenant_status ON approval_requests(tenant_id, status);

				CREATE TABLE IF NOT EXISTS approval_decisions (
					id VARCHAR(36) PRIMARY KEY,
					request_id VARCHAR(36) NOT NULL REFERENCES approval_requests(id) ON DELETE CASCADE,
					step_order INTEGER NOT NULL,
					approver_id VARCHAR(64) NOT NULL,
					verdict VARCHAR(10) NOT NULL,
					notes TEXT,
					created_at TIMESTAMP NOT NULL,
					UNIQUE (request_id, approver_id)
				);
			`,
		},
	}
}

// RunMigrations applies the governance schema
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return storage.Migrate(ctx, db, MigrationComponent, Migrations())
}
