package governance

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

const requestColumns = `id, tenant_id, request_type, target_type, target_id, requester_id, status, payload,
	reviewer_id, review_notes, execution_error, created_at, updated_at, resolved_at, completed_at`

// RequestStore persists approval requests and approver decisions
type RequestStore struct {
	db *sql.DB
}

// NewRequestStore creates a new request store
func NewRequestStore(db *sql.DB) *RequestStore {
	return &RequestStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	var reqType, status, payload string
	var reviewer, notes, execErr sql.NullString
	var resolvedAt, completedAt sql.NullTime

	err := row.Scan(&r.ID, &r.TenantID, &reqType, &r.TargetType, &r.TargetID, &r.RequesterID, &status, &payload,
		&reviewer, &notes, &execErr, &r.CreatedAt, &r.UpdatedAt, &resolvedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	r.Type = RequestType(reqType)
	r.Status = Status(status)
	r.ReviewerID = reviewer.String
	r.ReviewNotes = notes.String
	r.ExecutionError = execErr.String
	r.ResolvedAt = storage.TimePtr(resolvedAt)
	r.CompletedAt = storage.TimePtr(completedAt)
	if err := json.Unmarshal([]byte(payload), &r.Action); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request payload: %w", err)
	}
	return &r, nil
}

// CreateRequest stores a new PENDING request for the action
func (s *RequestStore) CreateRequest(ctx context.Context, action Action) (*Request, error) {
	payload, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	now := time.Now().UTC()
	r := &Request{
		ID:          uuid.NewString(),
		TenantID:    action.TenantID,
		Type:        action.Type,
		TargetType:  action.TargetType,
		TargetID:    action.TargetID,
		RequesterID: action.RequesterID,
		Status:      StatusPending,
		Action:      action,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, r.ID, r.TenantID, string(r.Type), r.TargetType, r.TargetID, r.RequesterID, string(r.Status), string(payload),
		sql.NullString{}, sql.NullString{}, sql.NullString{}, r.CreatedAt, r.UpdatedAt, sql.NullTime{}, sql.NullTime{})
	if err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}
	return r, nil
}

// GetRequest loads one request
func (s *RequestStore) GetRequest(ctx context.Context, tenantID, id string) (*Request, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval request %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}
	return r, nil
}

// ListRequests lists a tenant's requests newest first, optionally filtered
// by status
func (s *RequestStore) ListRequests(ctx context.Context, tenantID string, status Status, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if status != "" {
		query += ` AND status = $2 ORDER BY created_at DESC, id LIMIT $3`
		args = append(args, string(status), limit)
	} else {
		query += ` ORDER BY created_at DESC, id LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListDecisions returns the decisions recorded on a request in arrival order
func (s *RequestStore) ListDecisions(ctx context.Context, requestID string) ([]Decision, error) {
	return listDecisions(ctx, s.db, requestID)
}

func listDecisions(ctx context.Context, q storage.Querier, requestID string) ([]Decision, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, request_id, step_order, approver_id, verdict, notes, created_at
		FROM approval_decisions
		WHERE request_id = $1
		ORDER BY created_at, id
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var verdict string
		var notes sql.NullString
		if err := rows.Scan(&d.ID, &d.RequestID, &d.StepOrder, &d.ApproverID, &verdict, &notes, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan approval decision: %w", err)
		}
		d.Verdict = Verdict(verdict)
		d.Notes = notes.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// lockPending bumps updated_at on a PENDING request. The write takes the row
// lock for the rest of the transaction so concurrent reviews serialize; a
// request that is no longer pending is a conflict.
func lockPending(ctx context.Context, tx *sql.Tx, tenantID, id string, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE approval_requests SET updated_at = $1 WHERE id = $2 AND tenant_id = $3 AND status = $4",
		now, id, tenantID, string(StatusPending))
	if err != nil {
		return fmt.Errorf("failed to lock approval request: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var status string
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM approval_requests WHERE id = $1 AND tenant_id = $2", id, tenantID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("approval request %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read approval request status: %w", err)
	}
	return fmt.Errorf("%w: approval request %s is already %s", errs.ErrConflict, id, status)
}

func insertDecision(ctx context.Context, tx *sql.Tx, d *Decision) error {
	d.ID = uuid.NewString()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO approval_decisions (id, request_id, step_order, approver_id, verdict, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.ID, d.RequestID, d.StepOrder, d.ApproverID, string(d.Verdict), storage.NullString(d.Notes), d.CreatedAt)
	if err != nil {
		if errs.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s already decided on request %s", errs.ErrConflict, d.ApproverID, d.RequestID)
		}
		return fmt.Errorf("failed to record approval decision: %w", err)
	}
	return nil
}

// casStatus moves a request from one status to another and reports whether
// this call made the move
func casStatus(ctx context.Context, q storage.Querier, query string, args ...interface{}) (bool, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func markApproved(ctx context.Context, tx *sql.Tx, id, reviewerID string, now time.Time) (bool, error) {
	return casStatus(ctx, tx, `
		UPDATE approval_requests SET status = $1, reviewer_id = $2, resolved_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5
	`, string(StatusApproved), reviewerID, now, id, string(StatusPending))
}

func markRejected(ctx context.Context, tx *sql.Tx, id, reviewerID, notes string, now time.Time) (bool, error) {
	return casStatus(ctx, tx, `
		UPDATE approval_requests SET status = $1, reviewer_id = $2, review_notes = $3, resolved_at = $4, updated_at = $4
		WHERE id = $5 AND status = $6
	`, string(StatusRejected), reviewerID, storage.NullString(notes), now, id, string(StatusPending))
}

// MarkCompleted moves an APPROVED request to COMPLETED after its action ran
func (s *RequestStore) MarkCompleted(ctx context.Context, id string, now time.Time) (bool, error) {
	return casStatus(ctx, s.db, `
		UPDATE approval_requests SET status = $1, execution_error = NULL, completed_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4
	`, string(StatusCompleted), now, id, string(StatusApproved))
}

// RecordExecutionError keeps the request APPROVED and stores why the action
// failed
func (s *RequestStore) RecordExecutionError(ctx context.Context, id, message string, now time.Time) error {
	_, err := casStatus(ctx, s.db, `
		UPDATE approval_requests SET execution_error = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`, message, now, id, string(StatusApproved))
	return err
}

// ClaimRetry clears the execution error of a failed APPROVED request. Only
// one caller can claim a given failure.
func (s *RequestStore) ClaimRetry(ctx context.Context, tenantID, id string, now time.Time) (bool, error) {
	return casStatus(ctx, s.db, `
		UPDATE approval_requests SET execution_error = NULL, updated_at = $1
		WHERE id = $2 AND tenant_id = $3 AND status = $4 AND execution_error IS NOT NULL
	`, now, id, tenantID, string(StatusApproved))
}

// MarkRolledBack moves a COMPLETED request to ROLLED_BACK
func (s *RequestStore) MarkRolledBack(ctx context.Context, tenantID, id string, now time.Time) (bool, error) {
	return casStatus(ctx, s.db, `
		UPDATE approval_requests SET status = $1, updated_at = $2
		WHERE id = $3 AND tenant_id = $4 AND status = $5
	`, string(StatusRolledBack), now, id, tenantID, string(StatusCompleted))
}

// approvers returns who approved a request, in arrival order
func approvers(ctx context.Context, q storage.Querier, requestID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT approver_id
		FROM approval_decisions
		WHERE request_id = $1 AND verdict = $2
		ORDER BY created_at, id
	`, requestID, string(VerdictApprove))
	if err != nil {
		return nil, fmt.Errorf("failed to list approvers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan approver: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// hasDecided reports whether approverID already decided on the request
func hasDecided(ctx context.Context, q storage.Querier, requestID, approverID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM approval_decisions WHERE request_id = $1 AND approver_id = $2",
		requestID, approverID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check approval decisions: %w", err)
	}
	return n > 0, nil
}

// checkChainCurrent fails with ErrConflict when the tenant's enabled steps
// are no longer the ones eligibility was resolved against. ReplaceSteps
// assigns fresh step ids, so any edit changes the id list.
func checkChainCurrent(ctx context.Context, q storage.Querier, tenantID string, steps []ResolvedStep) error {
	rows, err := q.QueryContext(ctx, `
		SELECT s.id
		FROM approval_steps s
		JOIN governance_policies p ON p.id = s.policy_id
		WHERE p.tenant_id = $1 AND s.enabled = $2
		ORDER BY s.step_order
	`, tenantID, true)
	if err != nil {
		return fmt.Errorf("failed to list approval steps: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan approval step: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	changed := len(ids) != len(steps)
	for i := 0; !changed && i < len(ids); i++ {
		changed = ids[i] != steps[i].ID
	}
	if changed {
		return fmt.Errorf("%w: the approval chain changed during review; retry", errs.ErrConflict)
	}
	return nil
}

// ApprovalOutcome is the result of recording one approval
type ApprovalOutcome struct {
	StepOrder int
	Approved  bool
}

// RecordApproval records approverID's approval under a row lock on the
// pending request. Every approval already recorded is re-credited against
// steps, the enabled steps with their current eligible sets, so approvals
// from users who are no longer eligible stop counting. The approval is a
// conflict when it cannot raise the credited total. Once every step has
// quorum the request moves to APPROVED in the same transaction, so exactly
// one approval observes the transition.
func (s *RequestStore) RecordApproval(ctx context.Context, tenantID, requestID, approverID, notes string, steps []ResolvedStep, now time.Time) (*ApprovalOutcome, error) {
	var out ApprovalOutcome

	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockPending(ctx, tx, tenantID, requestID, now); err != nil {
			return err
		}
		if err := checkChainCurrent(ctx, tx, tenantID, steps); err != nil {
			return err
		}
		decided, err := hasDecided(ctx, tx, requestID, approverID)
		if err != nil {
			return err
		}
		if decided {
			return fmt.Errorf("%w: %s already decided on request %s", errs.ErrConflict, approverID, requestID)
		}

		prior, err := approvers(ctx, tx, requestID)
		if err != nil {
			return err
		}
		q := newQuorum(steps)
		for _, a := range prior {
			q.add(a)
		}
		if !q.add(approverID) {
			return fmt.Errorf("%w: every step %s can approve already has quorum", errs.ErrConflict, approverID)
		}
		out.StepOrder = q.stepOf(approverID)

		d := &Decision{
			RequestID:  requestID,
			StepOrder:  out.StepOrder,
			ApproverID: approverID,
			Verdict:    VerdictApprove,
			Notes:      notes,
			CreatedAt:  now,
		}
		if err := insertDecision(ctx, tx, d); err != nil {
			return err
		}

		if !q.met() {
			return nil
		}
		out.Approved, err = markApproved(ctx, tx, requestID, approverID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordRejection records a rejection and moves the request to REJECTED
func (s *RequestStore) RecordRejection(ctx context.Context, tenantID, requestID, approverID, notes string, stepOrder int, now time.Time) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockPending(ctx, tx, tenantID, requestID, now); err != nil {
			return err
		}
		d := &Decision{
			RequestID:  requestID,
			StepOrder:  stepOrder,
			ApproverID: approverID,
			Verdict:    VerdictReject,
			Notes:      notes,
			CreatedAt:  now,
		}
		if err := insertDecision(ctx, tx, d); err != nil {
			return err
		}
		ok, err := markRejected(ctx, tx, requestID, approverID, notes, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: approval request %s is no longer pending", errs.ErrConflict, requestID)
		}
		return nil
	})
}
