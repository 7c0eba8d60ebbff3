package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/errs"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

// Store handles RBAC data persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertMember creates or updates a tenant member
func (s *Store) UpsertMember(ctx context.Context, m *Member) error {
	if !m.BaseRole.IsValid() {
		return fmt.Errorf("%w: unknown base role %q", errs.ErrValidation, m.BaseRole)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tenant_members (tenant_id, user_id, email, base_role, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET email = excluded.email, base_role = excluded.base_role
	`
	if _, err := s.db.ExecContext(ctx, query, m.TenantID, m.UserID, storage.NullString(m.Email), string(m.BaseRole), m.CreatedAt); err != nil {
		return fmt.Errorf("failed to upsert member: %w", err)
	}
	return nil
}

// GetMember retrieves a tenant member
func (s *Store) GetMember(ctx context.Context, tenantID, userID string) (*Member, error) {
	query := `
		SELECT tenant_id, user_id, email, base_role, created_at
		FROM tenant_members
		WHERE tenant_id = $1 AND user_id = $2
	`

	var m Member
	var email sql.NullString
	var role string
	err := s.db.QueryRowContext(ctx, query, tenantID, userID).Scan(&m.TenantID, &m.UserID, &email, &role, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("member %s: %w", userID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	m.Email = email.String
	m.BaseRole = BaseRole(role)
	return &m, nil
}

const profileColumns = `
	id, tenant_id, profile_key, name, description, permissions,
	can_access_anonymous, can_generate_anonymous, can_access_named, can_generate_named,
	default_scope,
	max_tokens_per_day, max_tokens_per_month, max_requests_per_day,
	max_requests_per_month, max_stories_per_day, max_stories_per_month,
	is_preset, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row rowScanner) (*RoleProfile, error) {
	var rp RoleProfile
	var description, defaultScope, createdBy sql.NullString
	var permissionsJSON string
	var caps [6]sql.NullInt64

	err := row.Scan(
		&rp.ID, &rp.TenantID, &rp.Key, &rp.Name, &description, &permissionsJSON,
		&rp.Stories.CanAccessAnonymous, &rp.Stories.CanGenerateAnonymous,
		&rp.Stories.CanAccessNamed, &rp.Stories.CanGenerateNamed,
		&defaultScope,
		&caps[0], &caps[1], &caps[2], &caps[3], &caps[4], &caps[5],
		&rp.IsPreset, &createdBy, &rp.CreatedAt, &rp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(permissionsJSON), &rp.Permissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}
	if defaultScope.Valid && defaultScope.String != "" {
		if err := json.Unmarshal([]byte(defaultScope.String), &rp.DefaultScope); err != nil {
			return nil, fmt.Errorf("failed to unmarshal default scope: %w", err)
		}
	}
	rp.Description = description.String
	rp.CreatedBy = createdBy.String
	rp.Caps = UsageCaps{
		MaxTokensPerDay:     storage.Int64Ptr(caps[0]),
		MaxTokensPerMonth:   storage.Int64Ptr(caps[1]),
		MaxRequestsPerDay:   storage.Int64Ptr(caps[2]),
		MaxRequestsPerMonth: storage.Int64Ptr(caps[3]),
		MaxStoriesPerDay:    storage.Int64Ptr(caps[4]),
		MaxStoriesPerMonth:  storage.Int64Ptr(caps[5]),
	}
	return &rp, nil
}

func encodeProfile(rp *RoleProfile) (permissions string, scope sql.NullString, err error) {
	perms := rp.Permissions
	if perms == nil {
		perms = []Permission{}
	}
	data, err := json.Marshal(perms)
	if err != nil {
		return "", scope, fmt.Errorf("failed to marshal permissions: %w", err)
	}
	if rp.DefaultScope.ScopeType != "" {
		scopeJSON, err := json.Marshal(rp.DefaultScope)
		if err != nil {
			return "", scope, fmt.Errorf("failed to marshal default scope: %w", err)
		}
		scope = sql.NullString{String: string(scopeJSON), Valid: true}
	}
	return string(data), scope, nil
}

// insertProfile inserts rp; with ignoreExisting a key collision is a no-op
// and the returned bool is false.
func (s *Store) insertProfile(ctx context.Context, rp *RoleProfile, ignoreExisting bool) (bool, error) {
	permissionsJSON, scopeJSON, err := encodeProfile(rp)
	if err != nil {
		return false, err
	}

	if rp.ID == "" {
		rp.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO role_profiles (` + profileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`
	if ignoreExisting {
		query += ` ON CONFLICT (tenant_id, profile_key) DO NOTHING`
	}

	res, err := s.db.ExecContext(ctx, query,
		rp.ID, rp.TenantID, rp.Key, rp.Name, storage.NullString(rp.Description), permissionsJSON,
		rp.Stories.CanAccessAnonymous, rp.Stories.CanGenerateAnonymous,
		rp.Stories.CanAccessNamed, rp.Stories.CanGenerateNamed,
		scopeJSON,
		storage.NullInt64(rp.Caps.MaxTokensPerDay), storage.NullInt64(rp.Caps.MaxTokensPerMonth),
		storage.NullInt64(rp.Caps.MaxRequestsPerDay), storage.NullInt64(rp.Caps.MaxRequestsPerMonth),
		storage.NullInt64(rp.Caps.MaxStoriesPerDay), storage.NullInt64(rp.Caps.MaxStoriesPerMonth),
		rp.IsPreset, storage.NullString(rp.CreatedBy), now, now,
	)
	if err != nil {
		if errs.IsUniqueViolation(err) {
			return false, fmt.Errorf("%w: role profile key %q already exists", errs.ErrConflict, rp.Key)
		}
		return false, fmt.Errorf("failed to create role profile: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	rp.CreatedAt = now
	rp.UpdatedAt = now
	return true, nil
}

// CreateProfile inserts a new role profile
func (s *Store) CreateProfile(ctx context.Context, rp *RoleProfile) error {
	_, err := s.insertProfile(ctx, rp, false)
	return err
}

// EnsurePresetProfiles seeds the preset profiles for a tenant. Existing
// presets are left untouched. It returns the keys it created.
func (s *Store) EnsurePresetProfiles(ctx context.Context, tenantID string) ([]string, error) {
	var created []string
	for _, preset := range PresetProfiles() {
		rp := preset
		rp.TenantID = tenantID
		inserted, err := s.insertProfile(ctx, &rp, true)
		if err != nil {
			return created, fmt.Errorf("failed to ensure preset %s: %w", rp.Key, err)
		}
		if inserted {
			created = append(created, rp.Key)
		}
	}
	return created, nil
}

// GetProfile retrieves a role profile by ID within a tenant
func (s *Store) GetProfile(ctx context.Context, tenantID, id string) (*RoleProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM role_profiles WHERE id = $1 AND tenant_id = $2`

	rp, err := scanProfile(s.db.QueryRowContext(ctx, query, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role profile %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role profile: %w", err)
	}
	return rp, nil
}

// GetProfileByKey retrieves a role profile by its key within a tenant
func (s *Store) GetProfileByKey(ctx context.Context, tenantID, key string) (*RoleProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM role_profiles WHERE tenant_id = $1 AND profile_key = $2`

	rp, err := scanProfile(s.db.QueryRowContext(ctx, query, tenantID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role profile %q: %w", key, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role profile: %w", err)
	}
	return rp, nil
}

// ListProfiles lists a tenant's role profiles, presets first
func (s *Store) ListProfiles(ctx context.Context, tenantID string) ([]RoleProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM role_profiles WHERE tenant_id = $1 ORDER BY is_preset DESC, profile_key`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role profiles: %w", err)
	}
	defer rows.Close()

	var profiles []RoleProfile
	for rows.Next() {
		rp, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role profile: %w", err)
		}
		profiles = append(profiles, *rp)
	}
	return profiles, rows.Err()
}

// UpdateProfile overwrites a role profile's mutable fields
func (s *Store) UpdateProfile(ctx context.Context, rp *RoleProfile) error {
	permissionsJSON, scopeJSON, err := encodeProfile(rp)
	if err != nil {
		return err
	}

	query := `
		UPDATE role_profiles SET
			profile_key = $1, name = $2, description = $3, permissions = $4,
			can_access_anonymous = $5, can_generate_anonymous = $6,
			can_access_named = $7, can_generate_named = $8,
			default_scope = $9,
			max_tokens_per_day = $10, max_tokens_per_month = $11,
			max_requests_per_day = $12, max_requests_per_month = $13,
			max_stories_per_day = $14, max_stories_per_month = $15,
			updated_at = $16
		WHERE id = $17 AND tenant_id = $18
	`

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, query,
		rp.Key, rp.Name, storage.NullString(rp.Description), permissionsJSON,
		rp.Stories.CanAccessAnonymous, rp.Stories.CanGenerateAnonymous,
		rp.Stories.CanAccessNamed, rp.Stories.CanGenerateNamed,
		scopeJSON,
		storage.NullInt64(rp.Caps.MaxTokensPerDay), storage.NullInt64(rp.Caps.MaxTokensPerMonth),
		storage.NullInt64(rp.Caps.MaxRequestsPerDay), storage.NullInt64(rp.Caps.MaxRequestsPerMonth),
		storage.NullInt64(rp.Caps.MaxStoriesPerDay), storage.NullInt64(rp.Caps.MaxStoriesPerMonth),
		now, rp.ID, rp.TenantID,
	)
	if err != nil {
		if errs.IsUniqueViolation(err) {
			return fmt.Errorf("%w: role profile key %q already exists", errs.ErrConflict, rp.Key)
		}
		return fmt.Errorf("failed to update role profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("role profile %s: %w", rp.ID, errs.ErrNotFound)
	}
	rp.UpdatedAt = now
	return nil
}

// DeleteProfile deletes a role profile and every assignment referencing it
// in one transaction. It returns the users that lost their assignment.
func (s *Store) DeleteProfile(ctx context.Context, tenantID, id string) ([]string, error) {
	var affected []string

	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		users, err := listProfileUsers(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM user_role_assignments WHERE tenant_id = $1 AND role_profile_id = $2",
			tenantID, id,
		); err != nil {
			return fmt.Errorf("failed to delete assignments: %w", err)
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM role_profiles WHERE id = $1 AND tenant_id = $2", id, tenantID)
		if err != nil {
			return fmt.Errorf("failed to delete role profile: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("role profile %s: %w", id, errs.ErrNotFound)
		}

		affected = users
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

func listProfileUsers(ctx context.Context, q storage.Querier, tenantID, profileID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT user_id FROM user_role_assignments WHERE tenant_id = $1 AND role_profile_id = $2 ORDER BY user_id",
		tenantID, profileID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list assigned users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan assigned user: %w", err)
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}

// AssignProfile sets the user's single role profile assignment. The profile
// must belong to the same tenant; the foreign key keeps a concurrent delete
// from leaving a dangling assignment.
func (s *Store) AssignProfile(ctx context.Context, a *UserRoleAssignment) error {
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}

	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM role_profiles WHERE id = $1 AND tenant_id = $2",
			a.RoleProfileID, a.TenantID,
		).Scan(&n); err != nil {
			return fmt.Errorf("failed to look up role profile: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("role profile %s: %w", a.RoleProfileID, errs.ErrNotFound)
		}

		query := `
			INSERT INTO user_role_assignments (tenant_id, user_id, role_profile_id, assigned_by, assigned_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id, user_id) DO UPDATE SET
				role_profile_id = excluded.role_profile_id,
				assigned_by = excluded.assigned_by,
				assigned_at = excluded.assigned_at
		`
		if _, err := tx.ExecContext(ctx, query, a.TenantID, a.UserID, a.RoleProfileID, storage.NullString(a.AssignedBy), a.AssignedAt); err != nil {
			return fmt.Errorf("failed to assign role profile: %w", err)
		}
		return nil
	})
}

// GetAssignment returns the user's assignment, or nil if there is none
func (s *Store) GetAssignment(ctx context.Context, tenantID, userID string) (*UserRoleAssignment, error) {
	query := `
		SELECT tenant_id, user_id, role_profile_id, assigned_by, assigned_at
		FROM user_role_assignments
		WHERE tenant_id = $1 AND user_id = $2
	`

	var a UserRoleAssignment
	var assignedBy sql.NullString
	err := s.db.QueryRowContext(ctx, query, tenantID, userID).Scan(&a.TenantID, &a.UserID, &a.RoleProfileID, &assignedBy, &a.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	a.AssignedBy = assignedBy.String
	return &a, nil
}

// Unassign removes the user's assignment; it reports whether one existed
func (s *Store) Unassign(ctx context.Context, tenantID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM user_role_assignments WHERE tenant_id = $1 AND user_id = $2", tenantID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to remove assignment: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListProfileMembers returns the users currently assigned the profile with
// the given key. A missing profile yields an empty list.
func (s *Store) ListProfileMembers(ctx context.Context, tenantID, profileKey string) ([]string, error) {
	query := `
		SELECT a.user_id
		FROM user_role_assignments a
		JOIN role_profiles rp ON rp.id = a.role_profile_id
		WHERE a.tenant_id = $1 AND rp.tenant_id = $1 AND rp.profile_key = $2
		ORDER BY a.user_id
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, profileKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list profile members: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan profile member: %w", err)
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}

// ProfileKeyExists reports whether a tenant has a profile with the key
func (s *Store) ProfileKeyExists(ctx context.Context, tenantID, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM role_profiles WHERE tenant_id = $1 AND profile_key = $2",
		tenantID, key,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check role profile: %w", err)
	}
	return n > 0, nil
}

// GrantPermission records an explicit grant; a duplicate is a conflict
func (s *Store) GrantPermission(ctx context.Context, up *UserPermission) error {
	if up.ID == "" {
		up.ID = uuid.NewString()
	}
	if up.GrantedAt.IsZero() {
		up.GrantedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO user_permissions (id, tenant_id, user_id, permission, granted_by, granted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query, up.ID, up.TenantID, up.UserID, string(up.Permission), storage.NullString(up.GrantedBy), up.GrantedAt)
	if err != nil {
		if errs.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s already holds %s", errs.ErrConflict, up.UserID, up.Permission)
		}
		return fmt.Errorf("failed to grant permission: %w", err)
	}
	return nil
}

// RevokePermission deletes an explicit grant
func (s *Store) RevokePermission(ctx context.Context, tenantID, userID string, p Permission) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM user_permissions WHERE tenant_id = $1 AND user_id = $2 AND permission = $3",
		tenantID, userID, string(p),
	)
	if err != nil {
		return fmt.Errorf("failed to revoke permission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("grant of %s to %s: %w", p, userID, errs.ErrNotFound)
	}
	return nil
}

// ListUserPermissions lists a user's explicit grants
func (s *Store) ListUserPermissions(ctx context.Context, tenantID, userID string) ([]UserPermission, error) {
	query := `
		SELECT id, tenant_id, user_id, permission, granted_by, granted_at
		FROM user_permissions
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY permission
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user permissions: %w", err)
	}
	defer rows.Close()

	var grants []UserPermission
	for rows.Next() {
		var up UserPermission
		var perm string
		var grantedBy sql.NullString
		if err := rows.Scan(&up.ID, &up.TenantID, &up.UserID, &perm, &grantedBy, &up.GrantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user permission: %w", err)
		}
		up.Permission = Permission(perm)
		up.GrantedBy = grantedBy.String
		grants = append(grants, up)
	}
	return grants, rows.Err()
}

// ProfilePermissions returns the permissions of the user's assigned profile,
// read in a single statement so a concurrent delete is seen whole or not at all.
func (s *Store) ProfilePermissions(ctx context.Context, tenantID, userID string) ([]Permission, error) {
	query := `
		SELECT rp.permissions
		FROM user_role_assignments a
		JOIN role_profiles rp ON rp.id = a.role_profile_id
		WHERE a.tenant_id = $1 AND a.user_id = $2
	`

	var permissionsJSON string
	err := s.db.QueryRowContext(ctx, query, tenantID, userID).Scan(&permissionsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile permissions: %w", err)
	}

	var perms []Permission
	if err := json.Unmarshal([]byte(permissionsJSON), &perms); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}
	return perms, nil
}
