package rbac

import (
	"context"
	"database/sql"

	"github.com/platinummonkey/tollgate/pkg/storage"
)

// MigrationComponent names the rbac schema in schema_migrations
const MigrationComponent = "rbac"

// Migrations returns all rbac migrations
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create tenant_members table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenant_members (
					tenant_id VARCHAR(64) NOT NULL,
					user_id VARCHAR(64) NOT NULL,
					email VARCHAR(255),
					base_role VARCHAR(20) NOT NULL,
					created_at TIMESTAMP NOT NULL,
					PRIMARY KEY (tenant_id, user_id)
				);
			`,
		},
		{
			Version:     2,
			Description: "Create role_profiles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_profiles (
					id VARCHAR(36) PRIMARY KEY,
					tenant_id VARCHAR(64) NOT NULL,
					profile_key VARCHAR(64) NOT NULL,
					name VARCHAR(255) NOT NULL,
					description TEXT,
					permissions TEXT NOT NULL,
					can_access_anonymous BOOLEAN NOT NULL DEFAULT FALSE,
					can_generate_anonymous BOOLEAN NOT NULL DEFAULT FALSE,
					can_access_named BOOLEAN NOT NULL DEFAULT FALSE,
					can_generate_named BOOLEAN NOT NULL DEFAULT FALSE,
					default_scope TEXT,
					max_tokens_per_day BIGINT,
					max_tokens_per_month BIGINT,
					max_requests_per_day BIGINT,
					max_requests_per_month BIGINT,
					max_stories_per_day BIGINT,
					max_stories_per_month BIGINT,
					is_preset BOOLEAN NOT NULL DEFAULT FALSE,
					created_by VARCHAR(64),
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					UNIQUE (tenant_id, profile_key)
				);

				CREATE INDEX IF NOT EXISTS idx_role_profiles_tenant ON role_profiles(tenant_id);
			`,
		},
		{
			Version:     3,
			Description: "Create user_role_assignments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_role_assignments (
					tenant_id VARCHAR(64) NOT NULL,
					user_id VARCHAR(64) NOT NULL,
					role_profile_id VARCHAR(36) NOT NULL REFERENCES role_profiles(id),
					assigned_by VARCHAR(64),
					assigned_at TIMESTAMP NOT NULL,
					PRIMARY KEY (tenant_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_role_assignments_profile ON user_role_assignments(role_profile_id);
			`,
		},
		{
			Version:     4,
			Description: "Create user_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_permissions (
					id VARCHAR(36) PRIMARY KEY,
					tenant_id VARCHAR(64) NOT NULL,
					user_id VARCHAR(64) NOT NULL,
					permission VARCHAR(64) NOT NULL,
					granted_by VARCHAR(64),
					granted_at TIMESTAMP NOT NULL,
					UNIQUE (tenant_id, user_id, permission)
				);
			`,
		},
	}
}

// RunMigrations applies pending rbac migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return storage.Migrate(ctx, db, MigrationComponent, Migrations())
}
