package crm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// HubSpotConfig configures the HubSpot list client (private app token)
type HubSpotConfig struct {
	BaseURL           string
	AccessToken       string
	PageSize          int
	RequestsPerSecond float64
	Timeout           time.Duration
}

// HubSpot reads company record ids from a list's memberships
type HubSpot struct {
	baseURL  string
	pageSize int
	client   *http.Client
	limiter  *rate.Limiter
}

// NewHubSpot creates a HubSpot client
func NewHubSpot(cfg HubSpotConfig) (*HubSpot, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("hubspot access token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.hubapi.com"
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 250 {
		cfg.PageSize = 250
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cfg.AccessToken,
		TokenType:   "Bearer",
	}))
	client.Timeout = cfg.Timeout

	return &HubSpot{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		pageSize: cfg.PageSize,
		client:   client,
		limiter:  newLimiter(cfg.RequestsPerSecond),
	}, nil
}

// Name returns the provider name
func (h *HubSpot) Name() string { return ProviderHubSpot }

type hubspotMemberships struct {
	Results []struct {
		RecordID string `json:"recordId"`
	} `json:"results"`
	Paging *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

// FetchReportMembers walks every page of the list's memberships
func (h *HubSpot) FetchReportMembers(ctx context.Context, listID string) ([]string, error) {
	var ids []string
	after := ""

	for {
		q := url.Values{}
		q.Set("limit", fmt.Sprintf("%d", h.pageSize))
		if after != "" {
			q.Set("after", after)
		}
		endpoint := fmt.Sprintf("%s/crm/v3/lists/%s/memberships?%s", h.baseURL, url.PathEscape(listID), q.Encode())

		var page hubspotMemberships
		if err := getJSON(ctx, h.client, h.limiter, endpoint, &page); err != nil {
			return nil, err
		}
		for _, r := range page.Results {
			ids = append(ids, r.RecordID)
		}

		if page.Paging == nil || page.Paging.Next == nil || page.Paging.Next.After == "" {
			return ids, nil
		}
		after = page.Paging.Next.After
	}
}
