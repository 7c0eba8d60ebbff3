package rbac

import (
	"fmt"
	"regexp"
	"time"

	"github.com/platinummonkey/tollgate/pkg/errs"
)

// Permission is one entry of the fixed permission catalog
type Permission string

const (
	PermissionViewDashboard      Permission = "view_dashboard"
	PermissionViewTranscripts    Permission = "view_transcripts"
	PermissionGenerateStories    Permission = "generate_stories"
	PermissionPublishAnonymous   Permission = "publish_anonymous"
	PermissionPublishNamed       Permission = "publish_named"
	PermissionExportContent      Permission = "export_content"
	PermissionDeleteData         Permission = "delete_data"
	PermissionCRMWriteback       Permission = "crm_writeback"
	PermissionManageUsers        Permission = "manage_users"
	PermissionManagePermissions  Permission = "manage_permissions"
	PermissionManageRoleProfiles Permission = "manage_role_profiles"
	PermissionManageAccess       Permission = "manage_account_access"
	PermissionManageGovernance   Permission = "manage_governance"
	PermissionViewAuditLog       Permission = "view_audit_log"
)

var catalog = []Permission{
	PermissionViewDashboard,
	PermissionViewTranscripts,
	PermissionGenerateStories,
	PermissionPublishAnonymous,
	PermissionPublishNamed,
	PermissionExportContent,
	PermissionDeleteData,
	PermissionCRMWriteback,
	PermissionManageUsers,
	PermissionManagePermissions,
	PermissionManageRoleProfiles,
	PermissionManageAccess,
	PermissionManageGovernance,
	PermissionViewAuditLog,
}

// AllPermissions returns the catalog in display order
func AllPermissions() []Permission {
	out := make([]Permission, len(catalog))
	copy(out, catalog)
	return out
}

// IsValid reports whether p is part of the catalog
func (p Permission) IsValid() bool {
	for _, known := range catalog {
		if p == known {
			return true
		}
	}
	return false
}

// ParsePermission validates a permission key
func ParsePermission(s string) (Permission, error) {
	p := Permission(s)
	if !p.IsValid() {
		return "", fmt.Errorf("%w: unknown permission %q", errs.ErrValidation, s)
	}
	return p, nil
}

// BaseRole is the coarse role every tenant member holds
type BaseRole string

const (
	BaseRoleOwner  BaseRole = "owner"
	BaseRoleAdmin  BaseRole = "admin"
	BaseRoleMember BaseRole = "member"
	BaseRoleViewer BaseRole = "viewer"
)

// IsPrivileged reports whether the role implicitly holds every permission
func (r BaseRole) IsPrivileged() bool {
	return r == BaseRoleOwner || r == BaseRoleAdmin
}

// IsValid reports whether r is a known base role
func (r BaseRole) IsValid() bool {
	switch r {
	case BaseRoleOwner, BaseRoleAdmin, BaseRoleMember, BaseRoleViewer:
		return true
	}
	return false
}

// Member is a user of a tenant
type Member struct {
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	BaseRole  BaseRole  `json:"base_role"`
	CreatedAt time.Time `json:"created_at"`
}

// ScopeTemplate is the account scope suggested when a profile is assigned.
// The scope type values match access.ScopeType.
type ScopeTemplate struct {
	ScopeType  string   `json:"scope_type,omitempty"`
	AccountIDs []string `json:"account_ids,omitempty"`
}

// UsageCaps are optional usage limits; nil means unlimited
type UsageCaps struct {
	MaxTokensPerDay     *int64 `json:"max_tokens_per_day,omitempty"`
	MaxTokensPerMonth   *int64 `json:"max_tokens_per_month,omitempty"`
	MaxRequestsPerDay   *int64 `json:"max_requests_per_day,omitempty"`
	MaxRequestsPerMonth *int64 `json:"max_requests_per_month,omitempty"`
	MaxStoriesPerDay    *int64 `json:"max_stories_per_day,omitempty"`
	MaxStoriesPerMonth  *int64 `json:"max_stories_per_month,omitempty"`
}

// StoryFlags gate access to anonymous and named customer stories
type StoryFlags struct {
	CanAccessAnonymous   bool `json:"can_access_anonymous_stories"`
	CanGenerateAnonymous bool `json:"can_generate_anonymous_stories"`
	CanAccessNamed       bool `json:"can_access_named_stories"`
	CanGenerateNamed     bool `json:"can_generate_named_stories"`
}

// RoleProfile is a tenant-scoped, named bundle of permissions
type RoleProfile struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenant_id"`
	Key          string        `json:"key"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Permissions  []Permission  `json:"permissions"`
	Stories      StoryFlags    `json:"stories"`
	DefaultScope ScopeTemplate `json:"default_account_scope"`
	Caps         UsageCaps     `json:"usage_caps"`
	IsPreset     bool          `json:"is_preset"`
	CreatedBy    string        `json:"created_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// HasPermission reports whether the profile bundles p
func (rp *RoleProfile) HasPermission(p Permission) bool {
	for _, held := range rp.Permissions {
		if held == p {
			return true
		}
	}
	return false
}

// UserRoleAssignment binds a user to at most one role profile
type UserRoleAssignment struct {
	TenantID      string    `json:"tenant_id"`
	UserID        string    `json:"user_id"`
	RoleProfileID string    `json:"role_profile_id"`
	AssignedBy    string    `json:"assigned_by,omitempty"`
	AssignedAt    time.Time `json:"assigned_at"`
}

// UserPermission is an explicit grant of one permission to one user
type UserPermission struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	UserID     string     `json:"user_id"`
	Permission Permission `json:"permission"`
	GrantedBy  string     `json:"granted_by,omitempty"`
	GrantedAt  time.Time  `json:"granted_at"`
}

// Preset role profile keys
const (
	PresetRevenueOps      = "revenue_ops"
	PresetMarketing       = "marketing"
	PresetSales           = "sales"
	PresetCustomerSuccess = "customer_success"
	PresetExecutive       = "executive"
)

var profileKeyPattern = regexp.MustCompile(`^[a-z0-9_]{2,64}$`)

// ValidateProfile checks the fields shared by create and update
func ValidateProfile(rp *RoleProfile) error {
	if !profileKeyPattern.MatchString(rp.Key) {
		return fmt.Errorf("%w: role profile key must match [a-z0-9_]{2,64}", errs.ErrValidation)
	}
	if rp.Name == "" {
		return fmt.Errorf("%w: role profile name is required", errs.ErrValidation)
	}
	seen := make(map[Permission]bool, len(rp.Permissions))
	deduped := rp.Permissions[:0]
	for _, p := range rp.Permissions {
		if !p.IsValid() {
			return fmt.Errorf("%w: unknown permission %q", errs.ErrValidation, p)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		deduped = append(deduped, p)
	}
	rp.Permissions = deduped
	for name, v := range map[string]*int64{
		"max_tokens_per_day":     rp.Caps.MaxTokensPerDay,
		"max_tokens_per_month":   rp.Caps.MaxTokensPerMonth,
		"max_requests_per_day":   rp.Caps.MaxRequestsPerDay,
		"max_requests_per_month": rp.Caps.MaxRequestsPerMonth,
		"max_stories_per_day":    rp.Caps.MaxStoriesPerDay,
		"max_stories_per_month":  rp.Caps.MaxStoriesPerMonth,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: %s must not be negative", errs.ErrValidation, name)
		}
	}
	return nil
}

// PresetProfiles returns the profiles seeded into every tenant
func PresetProfiles() []RoleProfile {
	return []RoleProfile{
		{
			Key:         PresetRevenueOps,
			Name:        "Revenue Operations",
			Description: "Owns CRM data quality and account coverage",
			Permissions: []Permission{
				PermissionViewDashboard,
				PermissionViewTranscripts,
				PermissionGenerateStories,
				PermissionPublishAnonymous,
				PermissionExportContent,
				PermissionCRMWriteback,
				PermissionManageAccess,
			},
			Stories:      StoryFlags{CanAccessAnonymous: true, CanGenerateAnonymous: true, CanAccessNamed: true},
			DefaultScope: ScopeTemplate{ScopeType: "ALL_ACCOUNTS"},
			IsPreset:     true,
		},
		{
			Key:         PresetMarketing,
			Name:        "Marketing",
			Description: "Builds and publishes customer stories",
			Permissions: []Permission{
				PermissionViewDashboard,
				PermissionGenerateStories,
				PermissionPublishAnonymous,
				PermissionPublishNamed,
				PermissionExportContent,
			},
			Stories:      StoryFlags{CanAccessAnonymous: true, CanGenerateAnonymous: true, CanAccessNamed: true, CanGenerateNamed: true},
			DefaultScope: ScopeTemplate{ScopeType: "ALL_ACCOUNTS"},
			IsPreset:     true,
		},
		{
			Key:         PresetSales,
			Name:        "Sales",
			Description: "Works their own book of accounts",
			Permissions: []Permission{
				PermissionViewDashboard,
				PermissionViewTranscripts,
				PermissionGenerateStories,
			},
			Stories:      StoryFlags{CanAccessAnonymous: true, CanGenerateAnonymous: true},
			DefaultScope: ScopeTemplate{ScopeType: "CRM_REPORT"},
			IsPreset:     true,
		},
		{
			Key:         PresetCustomerSuccess,
			Name:        "Customer Success",
			Description: "Reviews transcripts for assigned accounts",
			Permissions: []Permission{
				PermissionViewDashboard,
				PermissionViewTranscripts,
				PermissionGenerateStories,
			},
			Stories:      StoryFlags{CanAccessAnonymous: true, CanAccessNamed: true},
			DefaultScope: ScopeTemplate{ScopeType: "ACCOUNT_LIST"},
			IsPreset:     true,
		},
		{
			Key:         PresetExecutive,
			Name:        "Executive",
			Description: "Read-only visibility plus audit review",
			Permissions: []Permission{
				PermissionViewDashboard,
				PermissionViewTranscripts,
				PermissionViewAuditLog,
			},
			Stories:      StoryFlags{CanAccessAnonymous: true, CanAccessNamed: true},
			DefaultScope: ScopeTemplate{ScopeType: "ALL_ACCOUNTS"},
			IsPreset:     true,
		},
	}
}

// IsPresetKey reports whether key names one of the presets
func IsPresetKey(key string) bool {
	for _, p := range PresetProfiles() {
		if p.Key == key {
			return true
		}
	}
	return false
}
