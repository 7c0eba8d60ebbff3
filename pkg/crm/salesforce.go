package crm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

// SalesforceConfig configures the Salesforce report client. The connected
// app must allow the client credentials flow.
type SalesforceConfig struct {
	InstanceURL       string
	ClientID          string
	ClientSecret      string
	APIVersion        string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Salesforce reads account ids from the first column of a tabular report
type Salesforce struct {
	baseURL    string
	apiVersion string
	client     *http.Client
	limiter    *rate.Limiter
}

// NewSalesforce creates a Salesforce client
func NewSalesforce(cfg SalesforceConfig) (*Salesforce, error) {
	if cfg.InstanceURL == "" {
		return nil, fmt.Errorf("salesforce instance url is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("salesforce client id and secret are required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v59.0"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	base := strings.TrimRight(cfg.InstanceURL, "/")
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     base + "/services/oauth2/token",
	}

	client := cc.Client(context.Background())
	client.Timeout = cfg.Timeout

	return &Salesforce{
		baseURL:    base,
		apiVersion: cfg.APIVersion,
		client:     client,
		limiter:    newLimiter(cfg.RequestsPerSecond),
	}, nil
}

// Name returns the provider name
func (s *Salesforce) Name() string { return ProviderSalesforce }

type salesforceReport struct {
	FactMap map[string]struct {
		Rows []struct {
			DataCells []struct {
				Value interface{} `json:"value"`
				Label string      `json:"label"`
			} `json:"dataCells"`
		} `json:"rows"`
	} `json:"factMap"`
	AllData bool `json:"allData"`
}

// FetchReportMembers runs the report synchronously and returns the values
// of its first column. Reports larger than the synchronous row limit are
// rejected so a truncated membership is never cached.
func (s *Salesforce) FetchReportMembers(ctx context.Context, reportID string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/services/data/%s/analytics/reports/%s?includeDetails=true",
		s.baseURL, s.apiVersion, url.PathEscape(reportID))

	var report salesforceReport
	if err := getJSON(ctx, s.client, s.limiter, endpoint, &report); err != nil {
		return nil, err
	}
	if !report.AllData {
		return nil, fmt.Errorf("salesforce report %s exceeds the synchronous row limit", reportID)
	}

	var ids []string
	for _, fact := range report.FactMap {
		for _, row := range fact.Rows {
			if len(row.DataCells) == 0 {
				continue
			}
			if id, ok := row.DataCells[0].Value.(string); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}
