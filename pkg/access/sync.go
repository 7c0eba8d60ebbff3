package access

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/crm"
	"github.com/platinummonkey/tollgate/pkg/errs"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// MembershipFetcher is the CRM collaborator; crm.Registry implements it
type MembershipFetcher interface {
	FetchReportMembers(ctx context.Context, provider, reportID string) ([]string, error)
}

// Syncer refreshes the cached membership of CRM_REPORT grants
type Syncer struct {
	store   *Store
	crm     MembershipFetcher
	audit   audit.Logger
	metrics *observability.Metrics
	logger  *observability.Logger
	group   singleflight.Group
	now     func() time.Time
}

// NewSyncer creates a CRM grant syncer
func NewSyncer(store *Store, fetcher MembershipFetcher, auditLogger audit.Logger, metrics *observability.Metrics, logger *observability.Logger) *Syncer {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &Syncer{
		store:   store,
		crm:     fetcher,
		audit:   auditLogger,
		metrics: metrics,
		logger:  logger.OrDefault(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SyncCRMReportGrant replaces the grant's cached account ids with the
// report's current membership. On failure the previous cache and
// last_synced_at are kept, the error is recorded on the grant and returned
// wrapping errs.ErrUpstream. Concurrent calls for one grant share a fetch
// that outlives any single caller's cancellation; each caller is audited
// under its own actor.
func (s *Syncer) SyncCRMReportGrant(ctx context.Context, actorID, tenantID, grantID string) (*Grant, error) {
	ch := s.group.DoChan(tenantID+"/"+grantID, func() (interface{}, error) {
		return s.refresh(context.WithoutCancel(ctx), tenantID, grantID)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	out := res.Val.(*syncOutcome)

	event := audit.NewEvent(ctx, audit.EventTypeAccountGrantSync, tenantID, actorID).
		Target(audit.TargetTypeAccountGrant, grantID).
		WithMeta("provider", out.grant.CRMProvider).
		WithMeta("report_id", out.grant.CRMReportID)
	if out.fetchErr != nil {
		s.record(ctx, event.Failed(out.fetchErr))
		if errors.Is(out.fetchErr, crm.ErrReportNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrReportMissing, errs.ErrUpstream)
		}
		return nil, fmt.Errorf("%w: crm sync failed: %v", errs.ErrUpstream, out.fetchErr)
	}
	s.record(ctx, event.WithMeta("accounts", out.accounts).WithMeta("applied", out.applied))
	return out.grant, nil
}

// syncOutcome is the result of one shared refresh. A failed fetch is carried
// in fetchErr so every caller can audit and report it.
type syncOutcome struct {
	grant    *Grant
	accounts int
	applied  bool
	fetchErr error
}

func (s *Syncer) refresh(ctx context.Context, tenantID, grantID string) (out *syncOutcome, err error) {
	ctx, span := observability.StartSpan(ctx, "access.SyncCRMReportGrant",
		attribute.String("tenant_id", tenantID),
		attribute.String("grant_id", grantID),
	)
	defer func() { observability.EndSpan(span, err) }()

	grant, err := s.store.GetGrant(ctx, tenantID, grantID)
	if err != nil {
		return nil, err
	}
	if grant.ScopeType != ScopeCRMReport {
		return nil, fmt.Errorf("%w: grant %s is not a CRM_REPORT grant", errs.ErrValidation, grantID)
	}
	span.SetAttributes(attribute.String("crm_provider", grant.CRMProvider))

	startedAt := s.now()
	ids, fetchErr := s.crm.FetchReportMembers(ctx, grant.CRMProvider, grant.CRMReportID)
	s.metrics.RecordCRMSync(grant.CRMProvider, s.now().Sub(startedAt), len(ids), fetchErr)

	if fetchErr != nil {
		if recErr := s.store.RecordSyncFailure(ctx, tenantID, grantID, fetchErr.Error(), s.now()); recErr != nil {
			s.logger.WithError(recErr).WithField("grant_id", grantID).Error("failed to record sync failure")
		}
		return &syncOutcome{grant: grant, fetchErr: fetchErr}, nil
	}

	applied, err := s.store.ReplaceCachedAccounts(ctx, tenantID, grantID, ids, startedAt)
	if err != nil {
		return nil, err
	}
	if !applied {
		s.logger.WithFields(map[string]interface{}{"grant_id": grantID, "tenant_id": tenantID}).
			Debug("newer crm snapshot already stored")
	}

	updated, err := s.store.GetGrant(ctx, tenantID, grantID)
	if err != nil {
		return nil, err
	}
	return &syncOutcome{grant: updated, accounts: len(ids), applied: applied}, nil
}

func (s *Syncer) record(ctx context.Context, event *audit.AuditEvent) {
	if err := s.audit.Log(ctx, event); err != nil {
		s.logger.WithError(err).Error("failed to write audit event")
	}
}

// ResyncSummary reports the outcome of a ResyncStale pass
type ResyncSummary struct {
	Attempted int               `json:"attempted"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// ResyncStale resyncs CRM grants whose cache is older than olderThan, at most
// parallelism at a time. A failing grant does not stop the others.
func (s *Syncer) ResyncStale(ctx context.Context, olderThan time.Duration, parallelism, batch int) (*ResyncSummary, error) {
	if parallelism < 1 {
		parallelism = 1
	}
	if batch < 1 {
		batch = 500
	}

	stale, err := s.store.ListStaleCRMGrants(ctx, s.now().Add(-olderThan), batch)
	if err != nil {
		return nil, err
	}

	summary := &ResyncSummary{Attempted: len(stale), Errors: make(map[string]string)}
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(parallelism)
	for _, sg := range stale {
		sg := sg
		eg.Go(func() error {
			_, err := s.SyncCRMReportGrant(egCtx, "system", sg.TenantID, sg.GrantID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				summary.Errors[sg.GrantID] = err.Error()
				return nil
			}
			summary.Succeeded++
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return summary, err
	}
	return summary, ctx.Err()
}
