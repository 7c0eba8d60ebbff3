package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/errs"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/rbac"
)

// Engine decides whether a governed action runs now or waits for sign-off,
// and drives approval requests through their lifecycle:
//
//	PENDING -> APPROVED -> COMPLETED -> ROLLED_BACK
//	PENDING -> REJECTED
//
// Steps are independent: approvals count as soon as they arrive, and the
// request is approved once every enabled step has its quorum. An approver
// counts toward one step, chosen so that the most steps are covered, and
// only while they are eligible under the current steps.
type Engine struct {
	policies    *PolicyStore
	requests    *RequestStore
	eligibility *Eligibility
	executors   *ExecutorRegistry
	checker     rbac.Checker
	audit       audit.Logger
	metrics     *observability.Metrics
	logger      *observability.Logger
	now         func() time.Time
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithAuditLogger sets the audit collaborator
func WithAuditLogger(l audit.Logger) EngineOption {
	return func(e *Engine) { e.audit = l }
}

// WithMetrics records transitions and executions
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger
func WithLogger(l *observability.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an approval chain engine
func NewEngine(policies *PolicyStore, requests *RequestStore, eligibility *Eligibility, executors *ExecutorRegistry, checker rbac.Checker, opts ...EngineOption) *Engine {
	e := &Engine{
		policies:    policies,
		requests:    requests,
		eligibility: eligibility,
		executors:   executors,
		checker:     checker,
		audit:       audit.NewNoOpLogger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.OrDefault()
	return e
}

func (e *Engine) record(ctx context.Context, event *audit.AuditEvent) {
	if err := e.audit.Log(ctx, event); err != nil {
		e.logger.WithError(err).
			WithField("event_type", string(event.EventType)).
			Error("failed to write audit event")
	}
}

// loadPolicy returns the tenant's policy or nil when none was configured
func (e *Engine) loadPolicy(ctx context.Context, tenantID string) (*Policy, error) {
	p, err := e.policies.GetPolicy(ctx, tenantID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

func enabledSteps(p *Policy) []Step {
	if p == nil {
		return nil
	}
	var out []Step
	for _, st := range p.Steps {
		if st.Enabled {
			out = append(out, st)
		}
	}
	return out
}

func needsApproval(p *Policy, action *Action) bool {
	return p != nil && p.ApprovalChainEnabled && action.Governed()
}

// checkPolicy enforces the publish constraints of a policy
func checkPolicy(p *Policy, action *Action) error {
	if p == nil || action.Type != RequestArtifactPublish {
		return nil
	}
	if p.MaxExpirationDays != nil {
		if action.ExpirationDays == nil {
			return fmt.Errorf("%w: artifacts must expire within %d days", errs.ErrValidation, *p.MaxExpirationDays)
		}
		if *action.ExpirationDays > *p.MaxExpirationDays {
			return fmt.Errorf("%w: expiration of %d days exceeds the maximum of %d",
				errs.ErrValidation, *action.ExpirationDays, *p.MaxExpirationDays)
		}
	}
	if p.RequireProvenance && len(action.Provenance) == 0 {
		return fmt.Errorf("%w: provenance metadata is required", errs.ErrValidation)
	}
	return nil
}

// RequiresApproval reports whether the action must go through the approval
// chain. Without a policy, or with the chain disabled, it runs immediately.
func (e *Engine) RequiresApproval(ctx context.Context, action Action) (bool, error) {
	if err := action.Validate(); err != nil {
		return false, err
	}
	p, err := e.loadPolicy(ctx, action.TenantID)
	if err != nil {
		return false, err
	}
	return needsApproval(p, &action), nil
}

// Submit runs the action now or parks it as a PENDING request
func (e *Engine) Submit(ctx context.Context, action Action) (result *SubmitResult, err error) {
	ctx, span := observability.StartSpan(ctx, "governance.Submit",
		attribute.String("tenant_id", action.TenantID),
		attribute.String("request_type", string(action.Type)),
	)
	defer func() { observability.EndSpan(span, err) }()

	if err := action.Validate(); err != nil {
		return nil, err
	}
	p, err := e.loadPolicy(ctx, action.TenantID)
	if err != nil {
		return nil, err
	}
	if err := checkPolicy(p, &action); err != nil {
		return nil, err
	}

	if !needsApproval(p, &action) {
		if err := e.runExecutor(ctx, action); err != nil {
			return nil, fmt.Errorf("%w: %s action failed: %v", errs.ErrUpstream, action.Type, err)
		}
		return &SubmitResult{Executed: true}, nil
	}

	req, err := e.requests.CreateRequest(ctx, action)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordApprovalTransition(string(req.Type), string(StatusPending))
	e.record(ctx, audit.NewEvent(ctx, audit.EventTypeApprovalRequested, req.TenantID, req.RequesterID).
		Target(audit.TargetTypeApprovalRequest, req.ID).
		WithMeta("request_type", string(req.Type)).
		WithMeta("target_type", req.TargetType).
		WithMeta("target_id", req.TargetID))

	return &SubmitResult{Request: req}, nil
}

// runExecutor invokes the executor of the action's type. A panicking
// executor is reported as a failure.
func (e *Engine) runExecutor(ctx context.Context, action Action) (err error) {
	exec, ok := e.executors.Get(action.Type)
	if !ok {
		err = fmt.Errorf("no executor registered for %s", action.Type)
	} else {
		func() {
			defer func() {
				if perr := observability.PanicError(recover()); perr != nil {
					err = perr
				}
			}()
			err = exec.Execute(ctx, action)
		}()
	}
	e.metrics.RecordActionExecution(string(action.Type), err)

	event := audit.NewEvent(ctx, audit.EventTypeActionExecuted, action.TenantID, action.RequesterID).
		WithMeta("request_type", string(action.Type)).
		WithMeta("target_type", action.TargetType).
		WithMeta("target_id", action.TargetID)
	if err != nil {
		event = event.Failed(err)
	}
	e.record(ctx, event)
	return err
}

// resolveSteps resolves the eligible approvers of every step
func (e *Engine) resolveSteps(ctx context.Context, req *Request, steps []Step) ([]ResolvedStep, error) {
	out := make([]ResolvedStep, 0, len(steps))
	for _, st := range steps {
		set, err := e.eligibility.Resolve(ctx, req.TenantID, st, req.RequesterID)
		if err != nil {
			return nil, err
		}
		out = append(out, ResolvedStep{Step: st, Eligible: set})
	}
	return out, nil
}

// prepareReview loads a pending request and resolves its enabled steps. It
// returns the first step order approverID is eligible for; an approver
// eligible for none is forbidden.
func (e *Engine) prepareReview(ctx context.Context, tenantID, requestID, approverID string, attempted audit.EventType) (*Request, []ResolvedStep, int, error) {
	req, err := e.requests.GetRequest(ctx, tenantID, requestID)
	if err != nil {
		return nil, nil, 0, err
	}
	if req.Status.IsResolved() {
		return nil, nil, 0, fmt.Errorf("%w: approval request %s is already %s", errs.ErrConflict, requestID, req.Status)
	}

	p, err := e.loadPolicy(ctx, tenantID)
	if err != nil {
		return nil, nil, 0, err
	}
	steps, err := e.resolveSteps(ctx, req, enabledSteps(p))
	if err != nil {
		return nil, nil, 0, err
	}
	for _, st := range steps {
		if st.Eligible.Contains(approverID) {
			return req, steps, st.StepOrder, nil
		}
	}

	e.record(ctx, audit.NewEvent(ctx, audit.EventTypeAccessDenied, tenantID, approverID).
		Target(audit.TargetTypeApprovalRequest, requestID).
		WithMeta("attempted", string(attempted)).
		Denied("not an eligible approver"))
	return nil, nil, 0, fmt.Errorf("%w: not an eligible approver", errs.ErrForbidden)
}

// Approve records an approval. When it completes the quorum of every enabled
// step the request is approved and its action runs once; an action failure
// leaves the request APPROVED with an execution error.
func (e *Engine) Approve(ctx context.Context, tenantID, requestID, approverID, notes string) (req *Request, err error) {
	ctx, span := observability.StartSpan(ctx, "governance.Approve",
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
	)
	defer func() { observability.EndSpan(span, err) }()

	req, steps, _, err := e.prepareReview(ctx, tenantID, requestID, approverID, audit.EventTypeApprovalApprove)
	if err != nil {
		return nil, err
	}

	outcome, err := e.requests.RecordApproval(ctx, tenantID, requestID, approverID, notes, steps, e.now())
	if err != nil {
		return nil, err
	}
	e.metrics.RecordApprovalDecision("approve")
	e.record(ctx, audit.NewEvent(ctx, audit.EventTypeApprovalApprove, tenantID, approverID).
		Target(audit.TargetTypeApprovalRequest, requestID).
		WithMeta("step_order", outcome.StepOrder))

	if outcome.Approved {
		span.SetAttributes(attribute.Bool("approved", true))
		e.metrics.RecordApprovalTransition(string(req.Type), string(StatusApproved))
		e.record(ctx, audit.NewEvent(ctx, audit.EventTypeApprovalApproved, tenantID, approverID).
			Target(audit.TargetTypeApprovalRequest, requestID).
			WithMeta("request_type", string(req.Type)))
		e.complete(ctx, req)
	}

	return e.requests.GetRequest(ctx, tenantID, requestID)
}

// complete runs an APPROVED request's action and records the outcome
func (e *Engine) complete(ctx context.Context, req *Request) {
	log := e.logger.WithFields(map[string]interface{}{
		"tenant_id":  req.TenantID,
		"request_id": req.ID,
	})

	if execErr := e.runExecutor(ctx, req.Action); execErr != nil {
		if err := e.requests.RecordExecutionError(ctx, req.ID, execErr.Error(), e.now()); err != nil {
			log.WithError(err).Error("failed to record execution error")
		}
		e.record(ctx, audit.NewEvent(ctx, audit.EventTypeApprovalExecutionFailed, req.TenantID, req.RequesterID).
			Target(audit.TargetTypeApprovalRequest, req.ID).
			WithSeverity(audit.SeverityCritical).
			Failed(execErr))
		log.WithError(execErr).Warn("approved action failed; request stays APPROVED")
		return
	}

	ok, err := e.requests.MarkCompleted(ctx, req.ID, e.now())
	if err != nil {
		log.WithError(err).Error("failed to mark request completed")
		return
	}
	if !ok {
		log.Warn("request left APPROVED before completion was recorded")
		return
	}
	e.metrics.RecordApprovalTransition(string(req.Type), string(StatusCompleted))
	e.record(ctx, audit.NewEvent(ctx, audit.EventTypeApprovalCompleted, req.TenantID, req.RequesterID).
		Target(audit.TargetTypeApprovalRequest, req.ID).
		WithMeta("request_type", string(req.Type)))
}

// Reject resolves a pending request as REJECTED. Any approver eligible for
// an enabled step may reject.
func (e *Engine) Reject(ctx context.Context, tenantID, requestID, approverID, notes string) (req *Request, err error) {
	ctx, span := observability.StartSpan(ctx, "governance.Reject",
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
	)
	defer func() { observability.EndSpan(span, err) }()

	req, _, stepOrder, err := e.prepareReview(ctx, tenantID, requestID, approverID, audit.EventTypeApprovalReject)
	if err != nil {
		return nil, err
	}
	if err := e.requests.RecordRejection(ctx, tenantID, requestID, approverID, notes, stepOrder, e.now()); err != nil {
		return nil, err
	}

	e.metrics.RecordApprovalDecision("reject")
	e.metrics.RecordApprovalTransition(string(req.Type), string(StatusRejected))
	e.record(ctx, audit.NewEvent(ctx, audit.EventTypeApprovalReject, tenantID, approverID).
		Target(audit.TargetTypeApprovalRequest, requestID).
		WithSeverity(audit.SeverityWarning).
		WithMeta("notes", notes))

	return e.requests.GetRequest(ctx, tenantID, requestID)
}

func (e *Engine) authorize(ctx context.Context, tenantID, actorID, requestID string, attempted audit.EventType) error {
	err := rbac.RequirePermission(ctx, e.checker, tenantID, actorID, rbac.PermissionManageGovernance)
	if errors.Is(err, errs.ErrForbidden) {
		e.record(ctx, audit.NewEvent(ctx, audit.EventTypeAccessDenied, tenantID, actorID).
			Target(audit.TargetTypeApprovalRequest, requestID).
			WithMeta("attempted", string(attempted)).
			WithMeta("permission", string(rbac.PermissionManageGovernance)).
			Denied("missing permission"))
	}
	return err
}

// Rollback reverts a COMPLETED request's action and marks it ROLLED_BACK.
// Only action types whose executor implements Reverter can be rolled back.
func (e *Engine) Rollback(ctx context.Context, actorID, tenantID, requestID, notes string) (*Request, error) {
	if err := e.authorize(ctx, tenantID, actorID, requestID, audit.EventTypeApprovalRolledBack); err != nil {
		return nil, err
	}
	req, err := e.requests.GetRequest(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: only COMPLETED requests can be rolled back, request is %s", errs.ErrConflict, req.Status)
	}

	exec, _ := e.executors.Get(req.Type)
	reverter, ok := exec.(Reverter)
	if !ok {
		return nil, fmt.Errorf("%w: %s actions cannot be rolled back", errs.ErrValidation, req.Type)
	}
	if err := reverter.Revert(ctx, req.Action); err != nil {
		return nil, fmt.Errorf("%w: rollback failed: %v", errs.ErrUpstream, err)
	}

	moved, err := e.requests.MarkRolledBack(ctx, tenantID, requestID, e.now())
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("%w: approval request %s changed during rollback", errs.ErrConflict, requestID)
	}

	e.metrics.RecordApprovalTransition(string(req.Type), string(StatusRolledBack))
	e.record(ctx, audit.NewEvent(ctx, audit.EventTypeApprovalRolledBack, tenantID, actorID).
		Target(audit.TargetTypeApprovalRequest, requestID).
		WithSeverity(audit.SeverityWarning).
		WithMeta("notes", notes))
	return e.requests.GetRequest(ctx, tenantID, requestID)
}

// RetryExecution reruns the action of an APPROVED request whose execution
// failed
func (e *Engine) RetryExecution(ctx context.Context, actorID, tenantID, requestID string) (*Request, error) {
	if err := e.authorize(ctx, tenantID, actorID, requestID, audit.EventTypeApprovalCompleted); err != nil {
		return nil, err
	}
	req, err := e.requests.GetRequest(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}

	claimed, err := e.requests.ClaimRetry(ctx, tenantID, requestID, e.now())
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: approval request %s has no failed execution to retry", errs.ErrConflict, requestID)
	}

	e.complete(ctx, req)
	return e.requests.GetRequest(ctx, tenantID, requestID)
}

// GetRequest returns one approval request
func (e *Engine) GetRequest(ctx context.Context, tenantID, requestID string) (*Request, error) {
	return e.requests.GetRequest(ctx, tenantID, requestID)
}

// ListRequests lists approval requests, optionally by status
func (e *Engine) ListRequests(ctx context.Context, tenantID string, status Status, limit int) ([]Request, error) {
	return e.requests.ListRequests(ctx, tenantID, status, limit)
}

// ListDecisions returns the decisions recorded on a request
func (e *Engine) ListDecisions(ctx context.Context, tenantID, requestID string) ([]Decision, error) {
	if _, err := e.requests.GetRequest(ctx, tenantID, requestID); err != nil {
		return nil, err
	}
	return e.requests.ListDecisions(ctx, requestID)
}
