package access

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/tollgate/pkg/errs"
)

// ScopeType is one of the four mutually exclusive grant variants
type ScopeType string

const (
	ScopeAllAccounts   ScopeType = "ALL_ACCOUNTS"
	ScopeSingleAccount ScopeType = "SINGLE_ACCOUNT"
	ScopeAccountList   ScopeType = "ACCOUNT_LIST"
	ScopeCRMReport     ScopeType = "CRM_REPORT"
)

// IsValid reports whether s is a known scope type
func (s ScopeType) IsValid() bool {
	switch s {
	case ScopeAllAccounts, ScopeSingleAccount, ScopeAccountList, ScopeCRMReport:
		return true
	}
	return false
}

// ErrReportMissing is returned by a sync when the CRM report no longer
// exists upstream. The grant is kept; revoking it is left to an admin.
var ErrReportMissing = errors.New("access: crm report no longer exists")

// Grant gives a user visibility of a set of accounts
type Grant struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	ScopeType ScopeType `json:"scope_type"`

	// SINGLE_ACCOUNT and ACCOUNT_LIST
	AccountIDs []string `json:"account_ids,omitempty"`

	// CRM_REPORT
	CRMProvider      string     `json:"crm_provider,omitempty"`
	CRMReportID      string     `json:"crm_report_id,omitempty"`
	CRMReportName    string     `json:"crm_report_name,omitempty"`
	CachedAccountIDs []string   `json:"cached_account_ids,omitempty"`
	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty"`
	LastSyncError    string     `json:"last_sync_error,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsStale reports whether a CRM grant's cache is older than window
func (g *Grant) IsStale(now time.Time, window time.Duration) bool {
	if g.ScopeType != ScopeCRMReport {
		return false
	}
	return g.LastSyncedAt == nil || now.Sub(*g.LastSyncedAt) > window
}

// Account is an entry of a tenant's account directory
type Account struct {
	TenantID  string    `json:"tenant_id"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// AccessSet is the result of scope expansion. When All is set AccountIDs
// is empty; callers enumerating accounts must query the directory instead.
type AccessSet struct {
	All        bool     `json:"all"`
	AccountIDs []string `json:"account_ids,omitempty"`
}

// Contains reports whether the set covers accountID
func (s AccessSet) Contains(accountID string) bool {
	if s.All {
		return true
	}
	i := sort.SearchStrings(s.AccountIDs, accountID)
	return i < len(s.AccountIDs) && s.AccountIDs[i] == accountID
}

// ValidateGrant checks the scope payload rules and normalizes account ids
func ValidateGrant(g *Grant) error {
	if g.TenantID == "" || g.UserID == "" {
		return fmt.Errorf("%w: tenant and user are required", errs.ErrValidation)
	}

	switch g.ScopeType {
	case ScopeAllAccounts:
		if len(g.AccountIDs) > 0 || g.CRMProvider != "" || g.CRMReportID != "" {
			return fmt.Errorf("%w: ALL_ACCOUNTS takes no accounts or report", errs.ErrValidation)
		}
	case ScopeSingleAccount:
		g.AccountIDs = dedup(g.AccountIDs)
		if len(g.AccountIDs) != 1 {
			return fmt.Errorf("%w: SINGLE_ACCOUNT requires exactly one account id", errs.ErrValidation)
		}
		if g.CRMProvider != "" || g.CRMReportID != "" {
			return fmt.Errorf("%w: SINGLE_ACCOUNT takes no report", errs.ErrValidation)
		}
	case ScopeAccountList:
		g.AccountIDs = dedup(g.AccountIDs)
		if len(g.AccountIDs) == 0 {
			return fmt.Errorf("%w: ACCOUNT_LIST requires at least one account id", errs.ErrValidation)
		}
		if g.CRMProvider != "" || g.CRMReportID != "" {
			return fmt.Errorf("%w: ACCOUNT_LIST takes no report", errs.ErrValidation)
		}
	case ScopeCRMReport:
		if g.CRMProvider == "" || g.CRMReportID == "" {
			return fmt.Errorf("%w: CRM_REPORT requires a provider and report id", errs.ErrValidation)
		}
		if len(g.AccountIDs) > 0 {
			return fmt.Errorf("%w: CRM_REPORT accounts come from the report", errs.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown scope type %q", errs.ErrValidation, g.ScopeType)
	}
	return nil
}

func dedup(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
