package governance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/errs"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

// PolicyStore persists governance policies, approval steps and approval groups
type PolicyStore struct {
	db *sql.DB
}

// NewPolicyStore creates a new policy store
func NewPolicyStore(db *sql.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// GetPolicy loads a tenant's policy with its steps ordered by step_order.
// A tenant that never configured governance yields ErrNotFound.
func (s *PolicyStore) GetPolicy(ctx context.Context, tenantID string) (*Policy, error) {
	var p Policy
	var maxDays sql.NullInt64
	var updatedBy sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, approval_chain_enabled, max_expiration_days, require_provenance,
			updated_by, created_at, updated_at
		FROM governance_policies
		WHERE tenant_id = $1
	`, tenantID).Scan(&p.ID, &p.TenantID, &p.ApprovalChainEnabled, &maxDays, &p.RequireProvenance,
		&updatedBy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("governance policy for tenant %s: %w", tenantID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get governance policy: %w", err)
	}
	p.MaxExpirationDays = storage.Int64Ptr(maxDays)
	p.UpdatedBy = updatedBy.String

	if p.Steps, err = listSteps(ctx, s.db, p.ID); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPolicy creates the tenant's policy on first configuration or
// updates its flags. Steps are untouched.
func (s *PolicyStore) UpsertPolicy(ctx context.Context, p *Policy) error {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO governance_policies (
			id, tenant_id, approval_chain_enabled, max_expiration_days, require_provenance,
			updated_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (tenant_id) DO UPDATE SET
			approval_chain_enabled = excluded.approval_chain_enabled,
			max_expiration_days = excluded.max_expiration_days,
			require_provenance = excluded.require_provenance,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at
	`, p.ID, p.TenantID, p.ApprovalChainEnabled, storage.NullInt64(p.MaxExpirationDays),
		p.RequireProvenance, storage.NullString(p.UpdatedBy), now)
	if err != nil {
		return fmt.Errorf("failed to upsert governance policy: %w", err)
	}

	// the conflict branch keeps the stored id and created_at
	return s.db.QueryRowContext(ctx,
		"SELECT id, created_at FROM governance_policies WHERE tenant_id = $1", p.TenantID,
	).Scan(&p.ID, &p.CreatedAt)
}

// ensurePolicy returns the tenant's policy id, creating a disabled policy if
// none exists yet.
func ensurePolicy(ctx context.Context, q storage.Querier, tenantID, actorID string, now time.Time) (string, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO governance_policies (
			id, tenant_id, approval_chain_enabled, require_provenance, updated_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (tenant_id) DO NOTHING
	`, uuid.NewString(), tenantID, false, false, storage.NullString(actorID), now)
	if err != nil {
		return "", fmt.Errorf("failed to create governance policy: %w", err)
	}

	var id string
	if err := q.QueryRowContext(ctx,
		"SELECT id FROM governance_policies WHERE tenant_id = $1", tenantID,
	).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to load governance policy id: %w", err)
	}
	return id, nil
}

func listSteps(ctx context.Context, q storage.Querier, policyID string) ([]Step, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, policy_id, step_order, min_approvals, scope_type, scope_ref, allow_self_approval, enabled
		FROM approval_steps
		WHERE policy_id = $1
		ORDER BY step_order
	`, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var scope string
		var ref sql.NullString
		if err := rows.Scan(&st.ID, &st.PolicyID, &st.StepOrder, &st.MinApprovals, &scope, &ref,
			&st.AllowSelfApproval, &st.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan approval step: %w", err)
		}
		st.Scope = ApproverScope(scope)
		st.ScopeRef = ref.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ReplaceSteps deletes every step of the tenant's policy and inserts steps in
// one transaction, creating a disabled policy first if needed. Steps are
// never patched individually.
func (s *PolicyStore) ReplaceSteps(ctx context.Context, tenantID, actorID string, steps []Step) ([]Step, error) {
	now := time.Now().UTC()
	out := make([]Step, len(steps))

	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		policyID, err := ensurePolicy(ctx, tx, tenantID, actorID, now)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM approval_steps WHERE policy_id = $1", policyID); err != nil {
			return fmt.Errorf("failed to delete approval steps: %w", err)
		}

		for i, st := range steps {
			st.ID = uuid.NewString()
			st.PolicyID = policyID
			_, err := tx.ExecContext(ctx, `
				INSERT INTO approval_steps (
					id, policy_id, step_order, min_approvals, scope_type, scope_ref, allow_self_approval, enabled
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, st.ID, st.PolicyID, st.StepOrder, st.MinApprovals, string(st.Scope),
				storage.NullString(st.ScopeRef), st.AllowSelfApproval, st.Enabled)
			if err != nil {
				if errs.IsUniqueViolation(err) {
					return fmt.Errorf("%w: duplicate step_order %d", errs.ErrValidation, st.StepOrder)
				}
				return fmt.Errorf("failed to insert approval step: %w", err)
			}
			out[i] = st
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE governance_policies SET updated_by = $1, updated_at = $2 WHERE id = $3",
			storage.NullString(actorID), now, policyID)
		if err != nil {
			return fmt.Errorf("failed to touch governance policy: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateGroup inserts an approval group; a duplicate name is a conflict
func (s *PolicyStore) CreateGroup(ctx context.Context, g *Group) error {
	now := time.Now().UTC()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.CreatedAt = now
	g.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_groups (id, tenant_id, name, description, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, g.ID, g.TenantID, g.Name, storage.NullString(g.Description), storage.NullString(g.CreatedBy), g.CreatedAt, g.UpdatedAt)
	if err != nil {
		if errs.IsUniqueViolation(err) {
			return fmt.Errorf("%w: approval group %q already exists", errs.ErrConflict, g.Name)
		}
		return fmt.Errorf("failed to create approval group: %w", err)
	}
	return nil
}

// GetGroup loads one approval group
func (s *PolicyStore) GetGroup(ctx context.Context, tenantID, id string) (*Group, error) {
	var g Group
	var desc, createdBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, description, created_by, created_at, updated_at
		FROM approval_groups
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID).Scan(&g.ID, &g.TenantID, &g.Name, &desc, &createdBy, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval group %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval group: %w", err)
	}
	g.Description = desc.String
	g.CreatedBy = createdBy.String
	return &g, nil
}

// ListGroups lists a tenant's approval groups by name
func (s *PolicyStore) ListGroups(ctx context.Context, tenantID string) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, description, created_by, created_at, updated_at
		FROM approval_groups
		WHERE tenant_id = $1
		ORDER BY name
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		var desc, createdBy sql.NullString
		if err := rows.Scan(&g.ID, &g.TenantID, &g.Name, &desc, &createdBy, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan approval group: %w", err)
		}
		g.Description = desc.String
		g.CreatedBy = createdBy.String
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// UpdateGroup renames an approval group or changes its description
func (s *PolicyStore) UpdateGroup(ctx context.Context, g *Group) error {
	g.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_groups SET name = $1, description = $2, updated_at = $3
		WHERE id = $4 AND tenant_id = $5
	`, g.Name, storage.NullString(g.Description), g.UpdatedAt, g.ID, g.TenantID)
	if err != nil {
		if errs.IsUniqueViolation(err) {
			return fmt.Errorf("%w: approval group %q already exists", errs.ErrConflict, g.Name)
		}
		return fmt.Errorf("failed to update approval group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("approval group %s: %w", g.ID, errs.ErrNotFound)
	}
	return nil
}

// DeleteGroup removes a group and its memberships
func (s *PolicyStore) DeleteGroup(ctx context.Context, tenantID, id string) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM approval_groups WHERE id = $1 AND tenant_id = $2", id, tenantID)
		if err != nil {
			return fmt.Errorf("failed to delete approval group: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("approval group %s: %w", id, errs.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM approval_group_members WHERE group_id = $1", id); err != nil {
			return fmt.Errorf("failed to delete approval group members: %w", err)
		}
		return nil
	})
}

// AddGroupMember adds a user to a group. Adding an existing member is a
// no-op and reports added=false.
func (s *PolicyStore) AddGroupMember(ctx context.Context, tenantID string, m *GroupMember) (added bool, err error) {
	if _, err := s.GetGroup(ctx, tenantID, m.GroupID); err != nil {
		return false, err
	}
	m.AddedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_group_members (group_id, user_id, added_by, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id, user_id) DO NOTHING
	`, m.GroupID, m.UserID, storage.NullString(m.AddedBy), m.AddedAt)
	if err != nil {
		return false, fmt.Errorf("failed to add approval group member: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveGroupMember hard-deletes a membership
func (s *PolicyStore) RemoveGroupMember(ctx context.Context, tenantID, groupID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM approval_group_members
		WHERE group_id = $1 AND user_id = $2
			AND group_id IN (SELECT id FROM approval_groups WHERE tenant_id = $3)
	`, groupID, userID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to remove approval group member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("member %s of approval group %s: %w", userID, groupID, errs.ErrNotFound)
	}
	return nil
}

// ListGroupMembers returns the user ids of a group. A missing group yields
// ErrNotFound.
func (s *PolicyStore) ListGroupMembers(ctx context.Context, tenantID, groupID string) ([]string, error) {
	if _, err := s.GetGroup(ctx, tenantID, groupID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM approval_group_members WHERE group_id = $1 ORDER BY user_id", groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval group members: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan approval group member: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
