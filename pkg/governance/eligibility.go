package governance

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/platinummonkey/tollgate/pkg/errs"
	"github.com/platinummonkey/tollgate/pkg/rbac"
)

// ProfileDirectory answers role-profile membership questions; rbac.Store
// implements it
type ProfileDirectory interface {
	ListProfileMembers(ctx context.Context, tenantID, profileKey string) ([]string, error)
	ProfileKeyExists(ctx context.Context, tenantID, key string) (bool, error)
}

// MemberLookup confirms a user belongs to a tenant; rbac.Store implements it
type MemberLookup interface {
	GetMember(ctx context.Context, tenantID, userID string) (*rbac.Member, error)
}

// EligibleSet is the approvers of one step and the reasons it may be short
type EligibleSet struct {
	Users  []string
	Issues []string
}

// Contains reports whether userID may approve
func (s EligibleSet) Contains(userID string) bool {
	i := sort.SearchStrings(s.Users, userID)
	return i < len(s.Users) && s.Users[i] == userID
}

// Eligibility resolves approver scopes to user ids
type Eligibility struct {
	profiles ProfileDirectory
	members  MemberLookup
	groups   *PolicyStore
	teams    *TeamMapping
}

// NewEligibility creates a scope resolver. A nil team mapping uses
// DefaultTeamMapping.
func NewEligibility(profiles ProfileDirectory, members MemberLookup, groups *PolicyStore, teams *TeamMapping) *Eligibility {
	if teams == nil {
		teams = DefaultTeamMapping()
	}
	return &Eligibility{profiles: profiles, members: members, groups: groups, teams: teams}
}

// Resolve returns who may approve step for a request raised by requesterID.
// The requester is dropped unless the step allows self-approval. An empty
// requesterID resolves the scope alone, as when validating a definition.
func (e *Eligibility) Resolve(ctx context.Context, tenantID string, step Step, requesterID string) (EligibleSet, error) {
	var set EligibleSet
	users := make(map[string]bool)

	switch step.Scope {
	case ScopeRoleProfile:
		if err := e.addProfile(ctx, tenantID, step.ScopeRef, users, &set); err != nil {
			return set, err
		}

	case ScopeTeam:
		keys, ok := e.teams.ProfileKeys(step.ScopeRef)
		if !ok {
			set.Issues = append(set.Issues, fmt.Sprintf("team %q is not in the team mapping", step.ScopeRef))
			break
		}
		for _, key := range keys {
			if err := e.addProfile(ctx, tenantID, key, users, &set); err != nil {
				return set, err
			}
		}

	case ScopeUser:
		_, err := e.members.GetMember(ctx, tenantID, step.ScopeRef)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			set.Issues = append(set.Issues, fmt.Sprintf("user %s is not a member of the tenant", step.ScopeRef))
		case err != nil:
			return set, err
		default:
			users[step.ScopeRef] = true
		}

	case ScopeGroup:
		members, err := e.groups.ListGroupMembers(ctx, tenantID, step.ScopeRef)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			set.Issues = append(set.Issues, fmt.Sprintf("approval group %s no longer exists", step.ScopeRef))
		case err != nil:
			return set, err
		case len(members) == 0:
			set.Issues = append(set.Issues, fmt.Sprintf("approval group %s has no members", step.ScopeRef))
		}
		for _, u := range members {
			users[u] = true
		}

	case ScopeSelf:
		if !step.AllowSelfApproval {
			set.Issues = append(set.Issues, "SELF step does not allow self-approval")
		} else if requesterID != "" {
			users[requesterID] = true
		}

	default:
		return set, fmt.Errorf("%w: unknown approver scope %q", errs.ErrValidation, step.Scope)
	}

	if requesterID != "" && !step.AllowSelfApproval && users[requesterID] {
		delete(users, requesterID)
		if len(users) == 0 {
			set.Issues = append(set.Issues, "the requester is the only eligible approver and self-approval is not allowed")
		}
	}

	for u := range users {
		set.Users = append(set.Users, u)
	}
	sort.Strings(set.Users)
	return set, nil
}

func (e *Eligibility) addProfile(ctx context.Context, tenantID, key string, users map[string]bool, set *EligibleSet) error {
	exists, err := e.profiles.ProfileKeyExists(ctx, tenantID, key)
	if err != nil {
		return err
	}
	if !exists {
		set.Issues = append(set.Issues, fmt.Sprintf("role profile %q no longer exists", key))
		return nil
	}
	members, err := e.profiles.ListProfileMembers(ctx, tenantID, key)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		set.Issues = append(set.Issues, fmt.Sprintf("no user is assigned role profile %q", key))
	}
	for _, u := range members {
		users[u] = true
	}
	return nil
}
