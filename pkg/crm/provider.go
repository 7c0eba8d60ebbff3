package crm

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Provider names
const (
	ProviderSalesforce = "salesforce"
	ProviderHubSpot    = "hubspot"
)

var (
	// ErrTransient marks failures worth retrying later (network, 5xx, 429)
	ErrTransient = errors.New("crm: transient failure")
	// ErrAuthRevoked marks rejected or revoked integration credentials
	ErrAuthRevoked = errors.New("crm: credentials rejected")
	// ErrReportNotFound means the report or list no longer exists upstream
	ErrReportNotFound = errors.New("crm: report not found")
	// ErrUnknownProvider is returned for a provider with no configured client
	ErrUnknownProvider = errors.New("crm: unknown provider")
)

// Provider fetches the account ids that are members of a CRM report or list
type Provider interface {
	Name() string
	FetchReportMembers(ctx context.Context, reportID string) ([]string, error)
}

// Registry holds the configured providers by name
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a registry of the given providers
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Has reports whether a provider is configured
func (r *Registry) Has(name string) bool {
	_, ok := r.providers[name]
	return ok
}

// Names lists the configured providers
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FetchReportMembers returns the report's current members, deduplicated and
// sorted.
func (r *Registry) FetchReportMembers(ctx context.Context, provider, reportID string) ([]string, error) {
	p, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	ids, err := p.FetchReportMembers(ctx, reportID)
	if err != nil {
		return nil, err
	}
	return normalize(ids), nil
}

func normalize(ids []string) []string {
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
