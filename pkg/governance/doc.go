// Package governance implements per-tenant publish governance: the policy
// that says whether governed actions need sign-off, the ordered approval
// steps and approval groups behind it, and the engine that moves approval
// requests from PENDING to a terminal state.
//
// A governed action (named artifact publish, data deletion, CRM writeback)
// submitted to a tenant whose approval chain is enabled becomes a PENDING
// request instead of running. Each approval is attributed to the first
// enabled step, in step order, that the approver is eligible for and that is
// still short of quorum. Steps do not wait on each other. When every enabled
// step has its quorum the request is approved inside the same transaction
// that recorded the final approval, and the deferred action then runs once.
//
// Steps whose scope resolves to nobody (a deleted role profile, an empty
// group, a requester barred from self-approval) never block other steps and
// never auto-approve; Engine.Diagnose reports them and
// Eligibility.ValidateSteps warns about them when the steps are saved.
package governance
