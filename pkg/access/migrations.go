package access

import (
	"context"
	"database/sql"

	"github.com/platinummonkey/tollgate/pkg/storage"
)

// MigrationComponent names the access schema in schema_migrations
const MigrationComponent = "access"

// Migrations returns all account access migrations
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create accounts directory",
			SQL: `
				CREATE TABLE IF NOT EXISTS accounts (
					tenant_id VARCHAR(64) NOT NULL,
					id VARCHAR(64) NOT NULL,
					name VARCHAR(255) NOT NULL,
					created_at TIMESTAMP NOT NULL,
					PRIMARY KEY (tenant_id, id)
				);
			`,
		},
		{
			Version:     2,
			Description: "Create account_grants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS account_grants (
					id VARCHAR(36) PRIMARY KEY,
					tenant_id VARCHAR(64) NOT NULL,
					user_id VARCHAR(64) NOT NULL,
					scope_type VARCHAR(20) NOT NULL,
					crm_provider VARCHAR(32),
					crm_report_id VARCHAR(255),
					crm_report_name VARCHAR(255),
					cached_account_ids TEXT,
					last_synced_at TIMESTAMP,
					last_sync_error TEXT,
					created_by VARCHAR(64),
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_account_grants_user ON account_grants(tenant_id, user_id);
				CREATE INDEX IF NOT EXISTS idx_account_grants_sync ON account_grants(scope_type, last_synced_at);
			`,
		},
		{
			Version:     3,
			Description: "Create account_grant_accounts table",
			SQL: `
				CREATE TABLE IF NOT EXISTS account_grant_accounts (
					grant_id VARCHAR(36) NOT NULL REFERENCES account_grants(id) ON DELETE CASCADE,
					tenant_id VARCHAR(64) NOT NULL,
					account_id VARCHAR(64) NOT NULL,
					PRIMARY KEY (grant_id, account_id)
				);

				CREATE INDEX IF NOT EXISTS idx_account_grant_accounts_account ON account_grant_accounts(tenant_id, account_id);
			`,
		},
	}
}

// RunMigrations applies pending access migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return storage.Migrate(ctx, db, MigrationComponent, Migrations())
}
