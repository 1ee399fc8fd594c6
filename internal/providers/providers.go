/*
Package providers implements the Provider Adapters (C3): two adapters
(BulkAdapter for search and enrich, ExactAdapter for exactSearch)
normalizing heterogeneous upstream lead-data APIs into a common LeadPerson
shape, each recording an ApiLog entry per call.

Grounded on provider/provider.go's Provider interface and Registry from the
teacher, generalized from chat-completion connectors to lead-discovery
connectors; HTTP connection reuse is grounded on provider/pool.go.
*/
package providers

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leadengine/searchengine/internal/store"
)

// Phone type classification (§3).
const (
	PhoneMobile = "mobile"
	PhoneWork   = "work"
	PhoneOther  = "other"
)

// Phone is one normalized phone entry on a LeadPerson.
type Phone struct {
	Raw       string
	Sanitized string
	Type      string
	Position  int
}

// LeadPerson is the normalized, in-flight record common to all adapters
// (§3). It is never persisted directly — the pipeline driver maps it onto
// store.ResultRow after verification.
type LeadPerson struct {
	ID               string
	FirstName        string
	LastName         string
	FullName         string
	Title            string
	Email            string
	Phones           []Phone
	LinkedInURL      string
	City             string
	State            string
	Country          string
	OrganizationName string
	Organization     string
	Source           string
}

// PreferredPhone selects the phone to carry forward: prefer type=mobile,
// else the first available (§4.3).
func (p LeadPerson) PreferredPhone() (Phone, bool) {
	if len(p.Phones) == 0 {
		return Phone{}, false
	}
	for _, ph := range p.Phones {
		if ph.Type == PhoneMobile {
			return ph, true
		}
	}
	return p.Phones[0], true
}

// SearchResult is the outcome of a search/exactSearch call (§4.3).
type SearchResult struct {
	Success      bool
	People       []LeadPerson
	TotalCount   int
	ErrorMessage string
}

// EnrichResult is the outcome of an enrich call.
type EnrichResult struct {
	Success      bool
	Person       *LeadPerson
	ErrorMessage string
}

// Adapter is the common shape of both provider connectors (§4.3).
type Adapter interface {
	Name() string
	Search(ctx context.Context, name, title, state string, limit int, userID string) (SearchResult, error)
	Enrich(ctx context.Context, providerID, userID string) (EnrichResult, error)
}

// Registry holds the configured adapters by name, grounded on
// provider.Registry's register/get/list shape.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own Name().
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// List returns the registered adapter names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	return names
}

// logAPICall records one ApiLog entry (§4.3: every adapter call logs
// latency, status code, success, and any credits associated with it).
func logAPICall(ctx context.Context, st store.Store, logger zerolog.Logger, adapter, userID, taskID string, start time.Time, statusCode int, success bool, credits int64) {
	row := store.ApiLogRow{
		ID:         uuid.NewString(),
		Adapter:    adapter,
		UserID:     userID,
		TaskID:     taskID,
		LatencyMs:  time.Since(start).Milliseconds(),
		StatusCode: statusCode,
		Success:    success,
		Credits:    credits,
		CreatedAt:  time.Now(),
	}
	if err := st.AppendApiLog(ctx, row); err != nil {
		logger.Warn().Err(err).Str("adapter", adapter).Msg("api log append failed")
	}
}

// splitLocation parses a composite "City, State, Country" (or partial)
// location string into its parts, tolerating missing segments (§4.3).
func splitLocation(raw string) (city, state, country string) {
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	switch len(parts) {
	case 0:
		return "", "", ""
	case 1:
		return parts[0], "", ""
	case 2:
		return parts[0], parts[1], ""
	default:
		return parts[0], parts[1], parts[2]
	}
}

// classifyPhoneType detects {mobile, landline/work, voip} from upstream
// metadata keywords, collapsing landline/voip into "work"/"other" to match
// the three-way LeadPerson.Phones.Type enum (§3).
func classifyPhoneType(raw string) string {
	l := strings.ToLower(raw)
	switch {
	case strings.Contains(l, "mobile") || strings.Contains(l, "cell") || strings.Contains(l, "wireless"):
		return PhoneMobile
	case strings.Contains(l, "landline") || strings.Contains(l, "fixed") || strings.Contains(l, "work"):
		return PhoneWork
	default:
		return PhoneOther
	}
}

// fullName joins first/last, tolerating either being empty.
func fullName(first, last string) string {
	f := strings.TrimSpace(first + " " + last)
	return f
}
