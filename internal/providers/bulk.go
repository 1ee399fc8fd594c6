package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/leadengine/searchengine/internal/store"
)

// BulkConfig configures the bulk-lookup adapter (§4.3 search/enrich).
type BulkConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
}

// DefaultBulkConfig returns production defaults.
func DefaultBulkConfig(baseURL, token string) BulkConfig {
	return BulkConfig{BaseURL: baseURL, Token: token, Timeout: 5 * time.Minute, MaxRetries: 1}
}

// bulkLookupResponse is the upstream wire shape for a batch search run.
type bulkLookupResponse struct {
	Items []bulkLookupItem `json:"items"`
	Total int              `json:"total"`
}

type bulkLookupItem struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Title     string `json:"title"`
	Location  string `json:"location"`
	Company   string `json:"organization_name"`
	Email     string `json:"email"`
	LinkedIn  string `json:"linkedin_url"`
	Phones    []struct {
		Number string `json:"number"`
		Label  string `json:"label"`
	} `json:"phone_numbers"`
}

// BulkAdapter wraps the batch-oriented bulk-lookup provider used by
// search() and the single-profile enrich() call (§4.3). It may take
// minutes per search call, which is why it is called from the pipeline
// driver's background run rather than inline in request handling.
type BulkAdapter struct {
	cfg    BulkConfig
	client *http.Client
	st     store.Store
	logger zerolog.Logger
}

// NewBulkAdapter wires a BulkAdapter against a shared connection pool.
func NewBulkAdapter(cfg BulkConfig, pool *ConnectionPool, st store.Store, logger zerolog.Logger) *BulkAdapter {
	return &BulkAdapter{
		cfg:    cfg,
		client: pool.GetClient("bulk-lookup", cfg.Timeout),
		st:     st,
		logger: logger.With().Str("adapter", "bulk-lookup").Logger(),
	}
}

func (a *BulkAdapter) Name() string { return "bulk-lookup" }

// Search drives the batch-oriented provider (§4.3).
func (a *BulkAdapter) Search(ctx context.Context, name, title, state string, limit int, userID string) (SearchResult, error) {
	start := time.Now()
	q := url.Values{}
	q.Set("name", name)
	q.Set("title", title)
	q.Set("state", state)
	q.Set("limit", strconv.Itoa(limit))
	endpoint := a.cfg.BaseURL + "/v2/search?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return SearchResult{}, fmt.Errorf("build search request: %w", err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		logAPICall(ctx, a.st, a.logger, a.Name(), userID, "", start, 0, false, 0)
		return SearchResult{Success: false, ErrorMessage: err.Error()}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		logAPICall(ctx, a.st, a.logger, a.Name(), userID, "", start, resp.StatusCode, false, 0)
		return SearchResult{Success: false, ErrorMessage: string(body)}, nil
	}

	var wire bulkLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		logAPICall(ctx, a.st, a.logger, a.Name(), userID, "", start, resp.StatusCode, false, 0)
		return SearchResult{Success: false, ErrorMessage: "decode search response: " + err.Error()}, nil
	}

	people := make([]LeadPerson, 0, len(wire.Items))
	for _, item := range wire.Items {
		people = append(people, normalizeBulkItem(item, a.Name()))
	}

	logAPICall(ctx, a.st, a.logger, a.Name(), userID, "", start, resp.StatusCode, true, 0)
	return SearchResult{Success: true, People: people, TotalCount: wire.Total}, nil
}

// Enrich fills phone/email for a single profile (§4.3).
func (a *BulkAdapter) Enrich(ctx context.Context, providerID, userID string) (EnrichResult, error) {
	start := time.Now()
	endpoint := a.cfg.BaseURL + "/v2/person/" + url.PathEscape(providerID) + "/enrich"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(nil))
	if err != nil {
		return EnrichResult{}, fmt.Errorf("build enrich request: %w", err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		logAPICall(ctx, a.st, a.logger, a.Name(), userID, "", start, 0, false, 0)
		return EnrichResult{Success: false, ErrorMessage: err.Error()}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		logAPICall(ctx, a.st, a.logger, a.Name(), userID, "", start, resp.StatusCode, false, 0)
		return EnrichResult{Success: false, ErrorMessage: string(body)}, nil
	}

	var item bulkLookupItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		logAPICall(ctx, a.st, a.logger, a.Name(), userID, "", start, resp.StatusCode, false, 0)
		return EnrichResult{Success: false, ErrorMessage: "decode enrich response: " + err.Error()}, nil
	}

	person := normalizeBulkItem(item, a.Name())
	logAPICall(ctx, a.st, a.logger, a.Name(), userID, "", start, resp.StatusCode, true, 0)
	return EnrichResult{Success: true, Person: &person}, nil
}

func (a *BulkAdapter) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	req.Header.Set("Accept", "application/json")
}

func normalizeBulkItem(item bulkLookupItem, source string) LeadPerson {
	city, state, country := splitLocation(item.Location)
	phones := make([]Phone, 0, len(item.Phones))
	for i, p := range item.Phones {
		phones = append(phones, Phone{
			Raw:       p.Number,
			Sanitized: sanitizePhone(p.Number),
			Type:      classifyPhoneType(p.Label),
			Position:  i,
		})
	}
	return LeadPerson{
		ID:               item.ID,
		FirstName:        item.FirstName,
		LastName:         item.LastName,
		FullName:         fullName(item.FirstName, item.LastName),
		Title:            item.Title,
		Email:            item.Email,
		Phones:           phones,
		LinkedInURL:      item.LinkedIn,
		City:             city,
		State:            state,
		Country:          country,
		OrganizationName: item.Company,
		Source:           source,
	}
}

func sanitizePhone(raw string) string {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c >= '0' && c <= '9' {
			out = append(out, c)
		}
	}
	return string(out)
}
