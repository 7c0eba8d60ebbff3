package governance

import (
	"context"
	"fmt"
	"sort"

	"github.com/platinummonkey/tollgate/pkg/errs"
)

// StepProgress is the state of one enabled step of a request
type StepProgress struct {
	StepOrder    int           `json:"step_order"`
	Scope        ApproverScope `json:"scope"`
	ScopeRef     string        `json:"scope_ref,omitempty"`
	MinApprovals int           `json:"min_approvals"`
	Eligible     int           `json:"eligible"`
	Approvals    int           `json:"approvals"`
	Satisfied    bool          `json:"satisfied"`
	Issues       []string      `json:"issues,omitempty"`
}

// Diagnosis explains where a request stands. A pending request is Stuck
// when some step cannot reach quorum with the approvers that remain.
type Diagnosis struct {
	RequestID string         `json:"request_id"`
	Status    Status         `json:"status"`
	Steps     []StepProgress `json:"steps"`
	Stuck     bool           `json:"stuck"`
	Issues    []string       `json:"issues,omitempty"`
}

// Diagnose reports per-step progress of a request. It never changes the
// request; a stuck request stays PENDING until the policy is fixed or the
// request is rejected.
func (e *Engine) Diagnose(ctx context.Context, tenantID, requestID string) (*Diagnosis, error) {
	req, err := e.requests.GetRequest(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}
	p, err := e.loadPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	decisions, err := e.requests.ListDecisions(ctx, requestID)
	if err != nil {
		return nil, err
	}

	decided := make(map[string]bool)
	var approved []string
	for _, d := range decisions {
		decided[d.ApproverID] = true
		if d.Verdict == VerdictApprove {
			approved = append(approved, d.ApproverID)
		}
	}

	diag := &Diagnosis{RequestID: req.ID, Status: req.Status}
	steps, err := e.resolveSteps(ctx, req, enabledSteps(p))
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 && req.Status == StatusPending {
		diag.Stuck = true
		diag.Issues = append(diag.Issues, "approval chain has no enabled steps")
	}

	q := newQuorum(steps)
	for _, a := range approved {
		q.add(a)
	}
	counts := q.credited()

	// best case: every eligible approver who has not decided yet approves
	best := newQuorum(steps)
	for _, a := range approved {
		best.add(a)
	}
	for _, st := range steps {
		for _, u := range st.Eligible.Users {
			if !decided[u] {
				best.add(u)
			}
		}
	}
	reachable := best.credited()
	if len(steps) > 0 && req.Status == StatusPending && !best.met() {
		diag.Stuck = true
	}

	for _, st := range steps {
		sp := StepProgress{
			StepOrder:    st.StepOrder,
			Scope:        st.Scope,
			ScopeRef:     st.ScopeRef,
			MinApprovals: st.MinApprovals,
			Eligible:     len(st.Eligible.Users),
			Approvals:    counts[st.StepOrder],
			Issues:       st.Eligible.Issues,
		}
		sp.Satisfied = sp.Approvals >= sp.MinApprovals

		if !sp.Satisfied && req.Status == StatusPending && reachable[st.StepOrder] < st.MinApprovals {
			sp.Issues = append(sp.Issues, fmt.Sprintf(
				"cannot reach %d approvals with the approvers who have not decided", st.MinApprovals))
		}
		diag.Steps = append(diag.Steps, sp)
	}
	return diag, nil
}

// StepWarning is a non-fatal problem with a step definition
type StepWarning struct {
	StepOrder int    `json:"step_order"`
	Message   string `json:"message"`
}

// validateStepShape rejects definitions that can never be stored
func validateStepShape(steps []Step) error {
	seen := make(map[int]bool)
	for _, st := range steps {
		if seen[st.StepOrder] {
			return fmt.Errorf("%w: duplicate step_order %d", errs.ErrValidation, st.StepOrder)
		}
		seen[st.StepOrder] = true

		if st.StepOrder < 1 {
			return fmt.Errorf("%w: step_order must be positive, got %d", errs.ErrValidation, st.StepOrder)
		}
		if st.MinApprovals < 1 {
			return fmt.Errorf("%w: step %d: min_approvals must be at least 1", errs.ErrValidation, st.StepOrder)
		}
		if !st.Scope.IsValid() {
			return fmt.Errorf("%w: step %d: unknown approver scope %q", errs.ErrValidation, st.StepOrder, st.Scope)
		}
		if st.Scope != ScopeSelf && st.ScopeRef == "" {
			return fmt.Errorf("%w: step %d: %s scope needs a scope_ref", errs.ErrValidation, st.StepOrder, st.Scope)
		}
	}
	return nil
}

// ValidateSteps checks a step list before it replaces the stored one.
// Structural problems are ErrValidation; steps that would leave requests
// stuck come back as warnings.
func (e *Eligibility) ValidateSteps(ctx context.Context, tenantID string, steps []Step) ([]StepWarning, error) {
	if err := validateStepShape(steps); err != nil {
		return nil, err
	}

	ordered := append([]Step(nil), steps...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StepOrder < ordered[j].StepOrder })

	var warnings []StepWarning
	enabled := 0
	for _, st := range ordered {
		if !st.Enabled {
			continue
		}
		enabled++

		set, err := e.Resolve(ctx, tenantID, st, "")
		if err != nil {
			return nil, err
		}
		for _, issue := range set.Issues {
			warnings = append(warnings, StepWarning{StepOrder: st.StepOrder, Message: issue})
		}

		eligible := len(set.Users)
		if st.Scope != ScopeSelf && eligible > 0 && eligible < st.MinApprovals {
			warnings = append(warnings, StepWarning{
				StepOrder: st.StepOrder,
				Message:   fmt.Sprintf("requires %d approvals but only %d users are eligible", st.MinApprovals, eligible),
			})
		}
		if st.Scope == ScopeSelf && st.MinApprovals > 1 {
			warnings = append(warnings, StepWarning{
				StepOrder: st.StepOrder,
				Message:   "a SELF step can collect at most one approval",
			})
		}
	}
	if enabled == 0 && len(steps) > 0 {
		warnings = append(warnings, StepWarning{Message: "no step is enabled; requests will never reach quorum"})
	}
	return warnings, nil
}
