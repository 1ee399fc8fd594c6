package providers

import (
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

// ExactConfig configures the exactSearch adapter: a scrape-based discovery
// call fanned out to a phone-enrichment call per result (§4.3).
type ExactConfig struct {
	ScrapeBaseURL     string
	ScrapeToken       string
	EnrichBaseURL     string
	EnrichToken       string
	Timeout           time.Duration
	CreditsPerRecord  int64
}

// DefaultExactConfig returns production defaults.
func DefaultExactConfig(scrapeBaseURL, scrapeToken, enrichBaseURL, enrichToken string) ExactConfig {
	return ExactConfig{
		ScrapeBaseURL:    scrapeBaseURL,
		ScrapeToken:      scrapeToken,
		EnrichBaseURL:    enrichBaseURL,
		EnrichToken:      enrichToken,
		Timeout:          60 * time.Second,
		CreditsPerRecord: 0,
	}
}

type scrapeResult struct {
	Records []scrapeRecord `json:"records"`
	Total   int            `json:"total"`
}

type scrapeRecord struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Title     string `json:"job_title"`
	Company   string `json:"company_name"`
	Location  string `json:"full_location"`
	LinkedIn  string `json:"profile_url"`
}

type phoneEnrichResponse struct {
	Phones []struct {
		Number string `json:"e164"`
		Label  string `json:"line_type"`
	} `json:"phones"`
	Email string `json:"email"`
}

// ExactAdapter wraps a scrape-based discovery provider plus a
// phone-enrichment provider. It behaves identically to BulkAdapter from the
// driver's point of view, but carries a higher per-record cost (§4.3).
type ExactAdapter struct {
	cfg          ExactConfig
	scrapeClient *http.Client
	enrichClient *http.Client
	st           store.Store
	logger       zerolog.Logger
}

// NewExactAdapter wires an ExactAdapter against a shared connection pool.
func NewExactAdapter(cfg ExactConfig, pool *ConnectionPool, st store.Store, logger zerolog.Logger) *ExactAdapter {
	return &ExactAdapter{
		cfg:          cfg,
		scrapeClient: pool.GetClient("exact-scrape", cfg.Timeout),
		enrichClient: pool.GetClient("exact-enrich", cfg.Timeout),
		st:           st,
		logger:       logger.With().Str("adapter", "exact-search").Logger(),
	}
}

func (a *ExactAdapter) Name() string { return "exact-search" }

// Search discovers candidates via the scrape provider, then enriches each
// with a phone number via a second call (§4.3).
func (a *ExactAdapter) Search(ctx context.Context, name, title, state string, limit int, userID string) (SearchResult, error) {
	discovered, total, err := a.scrape(ctx, name, title, state, limit, userID)
	if err != nil {
		return SearchResult{Success: false, ErrorMessage: err.Error()}, nil
	}

	people := make([]LeadPerson, 0, len(discovered))
	for _, rec := range discovered {
		person := normalizeScrapeRecord(rec, a.Name())
		if enriched, ok := a.enrichPhones(ctx, rec.ID, userID); ok {
			person.Phones = enriched.Phones
			if person.Email == "" {
				person.Email = enriched.Email
			}
		}
		people = append(people, person)
	}

	return SearchResult{Success: true, People: people, TotalCount: total}, nil
}

// Enrich re-runs the phone-enrichment call alone for an already-discovered
// profile (§4.3: "one call per profile").
func (a *ExactAdapter) Enrich(ctx context.Context, providerID, userID string) (EnrichResult, error) {
	enriched, ok := a.enrichPhones(ctx, providerID, userID)
	if !ok {
		return EnrichResult{Success: false, ErrorMessage: "phone enrichment failed"}, nil
	}
	return EnrichResult{Success: true, Person: &LeadPerson{ID: providerID, Phones: enriched.Phones, Email: enriched.Email}}, nil
}

func (a *ExactAdapter) scrape(ctx context.Context, name, title, state string, limit int, userID string) ([]scrapeRecord, int, error) {
	start := time.Now()
	q := url.Values{}
	q.Set("full_name", name)
	q.Set("job_title", title)
	q.Set("region", state)
	q.Set("max_results", strconv.Itoa(limit))
	endpoint := a.cfg.ScrapeBaseURL + "/discover?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build scrape request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.ScrapeToken)

	resp, err := a.scrapeClient.Do(req)
	if err != nil {
		logAPICall(ctx, a.st, a.logger, "exact-search.scrape", userID, "", start, 0, false, 0)
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		logAPICall(ctx, a.st, a.logger, "exact-search.scrape", userID, "", start, resp.StatusCode, false, 0)
		return nil, 0, fmt.Errorf("scrape provider returned %d: %s", resp.StatusCode, string(body))
	}

	var wire scrapeResult
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		logAPICall(ctx, a.st, a.logger, "exact-search.scrape", userID, "", start, resp.StatusCode, false, 0)
		return nil, 0, fmt.Errorf("decode scrape response: %w", err)
	}

	logAPICall(ctx, a.st, a.logger, "exact-search.scrape", userID, "", start, resp.StatusCode, true, a.cfg.CreditsPerRecord*int64(len(wire.Records)))
	return wire.Records, wire.Total, nil
}

func (a *ExactAdapter) enrichPhones(ctx context.Context, providerID, userID string) (LeadPerson, bool) {
	start := time.Now()
	endpoint := a.cfg.EnrichBaseURL + "/phones/" + url.PathEscape(providerID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return LeadPerson{}, false
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.EnrichToken)

	resp, err := a.enrichClient.Do(req)
	if err != nil {
		logAPICall(ctx, a.st, a.logger, "exact-search.enrich", userID, "", start, 0, false, 0)
		return LeadPerson{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logAPICall(ctx, a.st, a.logger, "exact-search.enrich", userID, "", start, resp.StatusCode, false, 0)
		return LeadPerson{}, false
	}

	var wire phoneEnrichResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		logAPICall(ctx, a.st, a.logger, "exact-search.enrich", userID, "", start, resp.StatusCode, false, 0)
		return LeadPerson{}, false
	}

	logAPICall(ctx, a.st, a.logger, "exact-search.enrich", userID, "", start, resp.StatusCode, true, a.cfg.CreditsPerRecord)

	phones := make([]Phone, 0, len(wire.Phones))
	for i, p := range wire.Phones {
		phones = append(phones, Phone{Raw: p.Number, Sanitized: sanitizePhone(p.Number), Type: classifyPhoneType(p.Label), Position: i})
	}
	return LeadPerson{Phones: phones, Email: wire.Email}, true
}

func normalizeScrapeRecord(rec scrapeRecord, source string) LeadPerson {
	city, state, country := splitLocation(rec.Location)
	return LeadPerson{
		ID:               rec.ID,
		FirstName:        rec.FirstName,
		LastName:         rec.LastName,
		FullName:         fullName(rec.FirstName, rec.LastName),
		Title:            rec.Title,
		LinkedInURL:      rec.LinkedIn,
		City:             city,
		State:            state,
		Country:          country,
		OrganizationName: rec.Company,
		Source:           source,
	}
}
