/*
Package verify implements the Reverse-Lookup Verifier (C4): confirms a
phone number belongs to the expected person by querying two public
reverse-lookup sites through a scraping proxy, with a fixed weighted
scoring rubric and a two-stage primary/fallback acceptance policy.

Grounded on provider/provider.go's connector shape (one Go type per
upstream site, a common interface) and on middleware/concurrency.go's
retry-aware HTTP call pattern from the teacher, generalized from chat
completion calls to scrape-proxy lookups.
*/
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ApiError classifies an upstream failure the driver must distinguish
// (§3, §6).
type ApiError string

const (
	ApiErrorInsufficientCredits ApiError = "insufficient-credits"
	ApiErrorRateLimited         ApiError = "rate-limited"
	ApiErrorNetwork             ApiError = "network"
	ApiErrorUnknown             ApiError = "unknown"
)

// Source identifies which lookup site produced an Outcome (§3).
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
	SourceNone     Source = "none"
)

// Outcome is the VerificationOutcome record (§3).
type Outcome struct {
	Verified   bool
	Source     Source
	MatchScore int
	PhoneType  string
	Carrier    string
	Age        int
	City       string
	State      string
	ApiError   ApiError
}

// Candidate is the expected-identity input to a verify call.
type Candidate struct {
	FirstName string
	LastName  string
	Phone     string
	MinAge    int
	MaxAge    int
	State     string
	City      string
}

// siteResponse is the normalized shape of one reverse-lookup site's reply,
// before scoring is applied.
type siteResponse struct {
	NameOnFile string
	Age        int
	HasAge     bool
	State      string
	City       string
	PhoneType  string
	Carrier    string
}

// Config configures the scraping proxy client.
type Config struct {
	ProxyBaseURL string
	ProxyToken   string
	Timeout      time.Duration
	MaxRetries   int
}

// DefaultConfig returns production defaults.
func DefaultConfig(baseURL, token string) Config {
	return Config{ProxyBaseURL: baseURL, ProxyToken: token, Timeout: 20 * time.Second, MaxRetries: 2}
}

// Verifier drives the two-stage primary/fallback policy.
type Verifier struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

// New creates a Verifier.
func New(cfg Config, client *http.Client, logger zerolog.Logger) *Verifier {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Verifier{cfg: cfg, client: client, logger: logger.With().Str("component", "verify").Logger()}
}

// Verify runs the two-stage policy (§4.4): call primary; accept if
// verified and score≥60; otherwise call fallback and accept on the same
// threshold; if neither accepts, return the higher-scoring outcome. An
// insufficient-credits signal from either stage short-circuits with that
// signal surfaced immediately.
func (v *Verifier) Verify(ctx context.Context, c Candidate) Outcome {
	primary := v.callSite(ctx, "primary", c)
	if primary.ApiError == ApiErrorInsufficientCredits {
		return primary
	}
	if primary.Verified && primary.MatchScore >= 60 {
		return primary
	}

	fallback := v.callSite(ctx, "fallback", c)
	if fallback.ApiError == ApiErrorInsufficientCredits {
		return fallback
	}
	if fallback.Verified && fallback.MatchScore >= 60 {
		return fallback
	}

	if fallback.MatchScore > primary.MatchScore {
		return fallback
	}
	return primary
}

func (v *Verifier) callSite(ctx context.Context, site string, c Candidate) Outcome {
	resp, apiErr := v.fetchWithRetry(ctx, site, c)
	if apiErr != "" {
		return Outcome{Source: sourceFor(site), ApiError: apiErr}
	}
	return score(resp, c, sourceFor(site))
}

func sourceFor(site string) Source {
	if site == "primary" {
		return SourcePrimary
	}
	return SourceFallback
}

// fetchWithRetry calls the scraping proxy for one site, retrying
// transport-level errors up to cfg.MaxRetries. 5xx/429 are NOT retried
// here: a 429 comes back as ApiErrorRateLimited, which the pipeline driver
// hands to the executor's tiered retry (§4.5); a 5xx comes back as
// ApiErrorUnknown, like any other unexpected status, and neither layer
// retries it.
func (v *Verifier) fetchWithRetry(ctx context.Context, site string, c Candidate) (*siteResponse, ApiError) {
	var lastErr error
	for attempt := 0; attempt <= v.cfg.MaxRetries; attempt++ {
		resp, apiErr, err := v.fetch(ctx, site, c)
		if err == nil {
			return resp, apiErr
		}
		lastErr = err
		if attempt < v.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ApiErrorNetwork
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
	v.logger.Warn().Err(lastErr).Str("site", site).Msg("reverse-lookup transport error exhausted retries")
	return nil, ApiErrorNetwork
}

func (v *Verifier) fetch(ctx context.Context, site string, c Candidate) (*siteResponse, ApiError, error) {
	q := url.Values{}
	q.Set("site", site)
	q.Set("phone", c.Phone)
	q.Set("first_name", c.FirstName)
	q.Set("last_name", c.LastName)
	endpoint := v.cfg.ProxyBaseURL + "/lookup?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+v.cfg.ProxyToken)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decode
	case http.StatusUnauthorized:
		return nil, ApiErrorInsufficientCredits, nil
	case http.StatusTooManyRequests:
		return nil, ApiErrorRateLimited, nil
	default:
		if resp.StatusCode >= 500 {
			return nil, ApiErrorUnknown, nil
		}
		return nil, ApiErrorUnknown, nil
	}

	var wire struct {
		NameOnFile string `json:"name_on_file"`
		Age        *int   `json:"age"`
		State      string `json:"state"`
		City       string `json:"city"`
		LineType   string `json:"line_type"`
		Carrier    string `json:"carrier"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, "", fmt.Errorf("decode lookup response: %w", err)
	}

	sr := &siteResponse{
		NameOnFile: wire.NameOnFile,
		State:      wire.State,
		City:       wire.City,
		PhoneType:  detectPhoneType(wire.LineType),
		Carrier:    wire.Carrier,
	}
	if wire.Age != nil {
		sr.HasAge = true
		sr.Age = *wire.Age
	}
	return sr, "", nil
}

// score applies the fixed weighted rubric (§4.4): name +40, age-in-range
// +30 (else reject with the partial score so far), state +20, city +10. An
// unconfigured age window (both MinAge and MaxAge zero, §6) is not a
// constraint to satisfy: the age gate is skipped and the +30 awarded
// unconditionally, since "age filter configured" (§8) implies the caller
// never asked for one.
func score(resp *siteResponse, c Candidate, src Source) Outcome {
	if resp == nil {
		return Outcome{Source: src, ApiError: ApiErrorUnknown}
	}

	total := 0
	nameMatched := nameMatches(resp.NameOnFile, c.FirstName, c.LastName)
	if nameMatched {
		total += 40
	}

	ageConfigured := c.MinAge != 0 || c.MaxAge != 0
	if ageConfigured && (!resp.HasAge || resp.Age < c.MinAge || resp.Age > c.MaxAge) {
		// Reject: age window configured but not met, return partial score.
		return Outcome{
			Verified:   false,
			Source:     src,
			MatchScore: total,
			PhoneType:  resp.PhoneType,
			Carrier:    resp.Carrier,
			Age:        resp.Age,
			City:       resp.City,
			State:      resp.State,
		}
	}
	total += 30

	if c.State != "" && containsFold(resp.State, c.State) {
		total += 20
	}
	if c.City != "" && containsFold(resp.City, c.City) {
		total += 10
	}

	return Outcome{
		Verified:   nameMatched && total >= 70,
		Source:     src,
		MatchScore: total,
		PhoneType:  resp.PhoneType,
		Carrier:    resp.Carrier,
		Age:        resp.Age,
		City:       resp.City,
		State:      resp.State,
	}
}

func nameMatches(nameOnFile, first, last string) bool {
	return containsFold(nameOnFile, first) && containsFold(nameOnFile, last)
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// detectPhoneType keyword-scans a carrier-reported line type into the
// {mobile, landline, voip} side-channel classification (§4.4).
func detectPhoneType(raw string) string {
	l := strings.ToLower(raw)
	switch {
	case strings.Contains(l, "mobile") || strings.Contains(l, "cell"):
		return "mobile"
	case strings.Contains(l, "voip") || strings.Contains(l, "voice over ip"):
		return "voip"
	case strings.Contains(l, "landline") || strings.Contains(l, "fixed"):
		return "landline"
	default:
		return ""
	}
}

