package access

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/errs"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

// Store persists account grants and the tenant account directory
type Store struct {
	db *sql.DB
}

// NewStore creates a new access store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertAccount adds or renames an account in the tenant directory
func (s *Store) UpsertAccount(ctx context.Context, a *Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO accounts (tenant_id, id, name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, id) DO UPDATE SET name = excluded.name
	`
	if _, err := s.db.ExecContext(ctx, query, a.TenantID, a.ID, a.Name, a.CreatedAt); err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// ListAccountIDs enumerates the tenant directory. This is the unrestricted
// query behind an ALL_ACCOUNTS access set.
func (s *Store) ListAccountIDs(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM accounts WHERE tenant_id = $1 ORDER BY id", tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return scanIDs(rows)
}

// MissingAccounts returns the ids that are not in the tenant's directory
func (s *Store) MissingAccounts(ctx context.Context, tenantID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, tenantID)
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}

	query := "SELECT id FROM accounts WHERE tenant_id = $1 AND id IN (" + strings.Join(placeholders, ", ") + ")"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to look up accounts: %w", err)
	}
	found, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(found))
	for _, id := range found {
		present[id] = true
	}
	var missing []string
	for _, id := range ids {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const grantColumns = `
	id, tenant_id, user_id, scope_type, crm_provider, crm_report_id, crm_report_name,
	cached_account_ids, last_synced_at, last_sync_error, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGrant(row rowScanner) (*Grant, error) {
	var g Grant
	var scope string
	var provider, reportID, reportName, cached, syncErr, createdBy sql.NullString
	var syncedAt sql.NullTime

	err := row.Scan(&g.ID, &g.TenantID, &g.UserID, &scope, &provider, &reportID, &reportName,
		&cached, &syncedAt, &syncErr, &createdBy, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}

	g.ScopeType = ScopeType(scope)
	g.CRMProvider = provider.String
	g.CRMReportID = reportID.String
	g.CRMReportName = reportName.String
	g.LastSyncedAt = storage.TimePtr(syncedAt)
	g.LastSyncError = syncErr.String
	g.CreatedBy = createdBy.String
	if cached.Valid && cached.String != "" {
		if err := json.Unmarshal([]byte(cached.String), &g.CachedAccountIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cached account ids: %w", err)
		}
	}
	return &g, nil
}

// CreateGrant inserts a grant and its explicit accounts in one transaction
func (s *Store) CreateGrant(ctx context.Context, g *Grant) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now

	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		query := `
			INSERT INTO account_grants (` + grantColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`
		_, err := tx.ExecContext(ctx, query,
			g.ID, g.TenantID, g.UserID, string(g.ScopeType),
			storage.NullString(g.CRMProvider), storage.NullString(g.CRMReportID), storage.NullString(g.CRMReportName),
			sql.NullString{}, sql.NullTime{}, sql.NullString{},
			storage.NullString(g.CreatedBy), g.CreatedAt, g.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create account grant: %w", err)
		}
		return insertGrantAccounts(ctx, tx, g.TenantID, g.ID, g.AccountIDs)
	})
}

func insertGrantAccounts(ctx context.Context, tx *sql.Tx, tenantID, grantID string, ids []string) error {
	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO account_grant_accounts (grant_id, tenant_id, account_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (grant_id, account_id) DO NOTHING
		`, grantID, tenantID, id)
		if err != nil {
			return fmt.Errorf("failed to add account to grant: %w", err)
		}
	}
	return nil
}

// GetGrant loads one grant with its explicit accounts
func (s *Store) GetGrant(ctx context.Context, tenantID, id string) (*Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM account_grants WHERE id = $1 AND tenant_id = $2`

	g, err := scanGrant(s.db.QueryRowContext(ctx, query, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account grant %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account grant: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT account_id FROM account_grant_accounts WHERE grant_id = $1 ORDER BY account_id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to load grant accounts: %w", err)
	}
	if g.AccountIDs, err = scanIDs(rows); err != nil {
		return nil, err
	}
	return g, nil
}

// ListUserGrants returns every grant the user holds in the tenant
func (s *Store) ListUserGrants(ctx context.Context, tenantID, userID string) ([]Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM account_grants WHERE tenant_id = $1 AND user_id = $2 ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list account grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	index := make(map[string]int)
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account grant: %w", err)
		}
		index[g.ID] = len(grants)
		grants = append(grants, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(grants) == 0 {
		return nil, nil
	}

	accountRows, err := s.db.QueryContext(ctx, `
		SELECT ga.grant_id, ga.account_id
		FROM account_grant_accounts ga
		JOIN account_grants g ON g.id = ga.grant_id
		WHERE g.tenant_id = $1 AND g.user_id = $2
		ORDER BY ga.account_id
	`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load grant accounts: %w", err)
	}
	defer accountRows.Close()

	for accountRows.Next() {
		var grantID, accountID string
		if err := accountRows.Scan(&grantID, &accountID); err != nil {
			return nil, fmt.Errorf("failed to scan grant account: %w", err)
		}
		if i, ok := index[grantID]; ok {
			grants[i].AccountIDs = append(grants[i].AccountIDs, accountID)
		}
	}
	return grants, accountRows.Err()
}

// DeleteGrant hard-deletes a grant
func (s *Store) DeleteGrant(ctx context.Context, tenantID, id string) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM account_grant_accounts WHERE grant_id = $1 AND tenant_id = $2", id, tenantID,
		); err != nil {
			return fmt.Errorf("failed to delete grant accounts: %w", err)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM account_grants WHERE id = $1 AND tenant_id = $2", id, tenantID)
		if err != nil {
			return fmt.Errorf("failed to delete account grant: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("account grant %s: %w", id, errs.ErrNotFound)
		}
		return nil
	})
}

// lockListGrant bumps updated_at on an ACCOUNT_LIST grant so concurrent
// edits of the same list serialize on the row.
func lockListGrant(ctx context.Context, tx *sql.Tx, tenantID, grantID string, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE account_grants SET updated_at = $1 WHERE id = $2 AND tenant_id = $3 AND scope_type = $4",
		now, grantID, tenantID, string(ScopeAccountList),
	)
	if err != nil {
		return fmt.Errorf("failed to lock account grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account list grant %s: %w", grantID, errs.ErrNotFound)
	}
	return nil
}

// AddGrantAccounts adds ids to an ACCOUNT_LIST grant; existing ids are kept
func (s *Store) AddGrantAccounts(ctx context.Context, tenantID, grantID string, ids []string) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockListGrant(ctx, tx, tenantID, grantID, time.Now().UTC()); err != nil {
			return err
		}
		return insertGrantAccounts(ctx, tx, tenantID, grantID, ids)
	})
}

// RemoveGrantAccounts removes ids from an ACCOUNT_LIST grant. A list may
// not become empty; revoke the grant instead.
func (s *Store) RemoveGrantAccounts(ctx context.Context, tenantID, grantID string, ids []string) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockListGrant(ctx, tx, tenantID, grantID, time.Now().UTC()); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM account_grant_accounts WHERE grant_id = $1 AND account_id = $2", grantID, id,
			); err != nil {
				return fmt.Errorf("failed to remove account from grant: %w", err)
			}
		}

		var remaining int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM account_grant_accounts WHERE grant_id = $1", grantID,
		).Scan(&remaining); err != nil {
			return fmt.Errorf("failed to count grant accounts: %w", err)
		}
		if remaining == 0 {
			return fmt.Errorf("%w: an account list cannot be empty; revoke the grant instead", errs.ErrValidation)
		}
		return nil
	})
}

// ReplaceCachedAccounts swaps a CRM grant's cached membership in a single
// statement. The write only applies if no sync that started later has
// already been stored; applied is false when a newer snapshot won.
func (s *Store) ReplaceCachedAccounts(ctx context.Context, tenantID, grantID string, ids []string, startedAt time.Time) (applied bool, err error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return false, fmt.Errorf("failed to marshal cached account ids: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE account_grants
		SET cached_account_ids = $1, last_synced_at = $2, last_sync_error = NULL, updated_at = $2
		WHERE id = $3 AND tenant_id = $4 AND scope_type = $5
			AND (last_synced_at IS NULL OR last_synced_at < $2)
	`, string(data), startedAt, grantID, tenantID, string(ScopeCRMReport))
	if err != nil {
		return false, fmt.Errorf("failed to update cached accounts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// RecordSyncFailure stores the last sync error without touching the cache
func (s *Store) RecordSyncFailure(ctx context.Context, tenantID, grantID, message string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE account_grants SET last_sync_error = $1, updated_at = $2 WHERE id = $3 AND tenant_id = $4",
		message, at, grantID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync failure: %w", err)
	}
	return nil
}

// StaleGrant identifies a CRM grant due for a resync
type StaleGrant struct {
	TenantID string
	GrantID  string
	Provider string
}

// ListStaleCRMGrants returns CRM grants of every tenant never synced or last
// synced before cutoff, oldest first.
func (s *Store) ListStaleCRMGrants(ctx context.Context, cutoff time.Time, limit int) ([]StaleGrant, error) {
	query := `
		SELECT tenant_id, id, crm_provider
		FROM account_grants
		WHERE scope_type = $1 AND (last_synced_at IS NULL OR last_synced_at < $2)
		ORDER BY last_synced_at, id
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, string(ScopeCRMReport), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale crm grants: %w", err)
	}
	defer rows.Close()

	var out []StaleGrant
	for rows.Next() {
		var sg StaleGrant
		var provider sql.NullString
		if err := rows.Scan(&sg.TenantID, &sg.GrantID, &provider); err != nil {
			return nil, fmt.Errorf("failed to scan stale grant: %w", err)
		}
		sg.Provider = provider.String
		out = append(out, sg)
	}
	return out, rows.Err()
}
