package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/leadengine/searchengine/internal/cache"
	"github.com/leadengine/searchengine/internal/httpmw"
	"github.com/leadengine/searchengine/internal/ledger"
	"github.com/leadengine/searchengine/internal/pipeline"
	"github.com/leadengine/searchengine/internal/providers"
	"github.com/leadengine/searchengine/internal/store"
	"github.com/leadengine/searchengine/internal/tasks"
)

// searchHandler implements the six /v1/search/* operations (§4 of
// SPEC_FULL.md), grounded on handler/providers.go's
// handler-struct-plus-writeJSON shape.
type searchHandler struct {
	st        store.Store
	ledger    *ledger.Ledger
	cache     *cache.Store
	providers *providers.Registry
	tasksSvc  *tasks.Service
	driver    *pipeline.Driver
	fees      pipeline.Fees
	logger    zerolog.Logger
}

func newSearchHandler(d Deps) *searchHandler {
	return &searchHandler{
		st:        d.Store,
		ledger:    d.Ledger,
		cache:     d.Cache,
		providers: d.Providers,
		tasksSvc:  d.Tasks,
		driver:    d.Driver,
		fees:      pipeline.Fees{BaseFeeCredits: int64(d.Config.BaseFeeCredits), PerRecordFeeCredits: int64(d.Config.PerRecordFeeCredits)},
		logger:    d.Logger.With().Str("component", "httpapi").Logger(),
	}
}

type searchRequest struct {
	Name               string `json:"name"`
	Title              string `json:"title"`
	State              string `json:"state"`
	RequestedCount     int    `json:"requestedCount"`
	AgeMin             int    `json:"ageMin"`
	AgeMax             int    `json:"ageMax"`
	Mode               string `json:"mode"` // fuzzy|exact
	EnableVerification bool   `json:"enableVerification"`
}

func (req searchRequest) toParams() tasks.Params {
	mode := req.Mode
	if mode == "fuzzy" || mode == "" {
		mode = "standard"
	}
	return tasks.Params{
		Name:               req.Name,
		Title:              req.Title,
		State:              req.State,
		RequestedCount:     req.RequestedCount,
		Mode:               mode,
		EnableVerification: req.EnableVerification,
		MinAge:             req.AgeMin,
		MaxAge:             req.AgeMax,
	}
}

func (req searchRequest) validate() string {
	if req.Name == "" {
		return "name is required"
	}
	if req.RequestedCount <= 0 {
		return "requestedCount must be greater than zero"
	}
	if req.Mode != "" && req.Mode != "fuzzy" && req.Mode != "exact" {
		return "mode must be fuzzy or exact"
	}
	return ""
}

type previewResponse struct {
	TotalAvailable      int    `json:"totalAvailable"`
	EstimatedCredits    int64  `json:"estimatedCredits"`
	SearchCredits       int64  `json:"searchCredits"`
	PerRecordCredits    int64  `json:"perRecordCredits"`
	CanAfford           bool   `json:"canAfford"`
	UserCredits         int64  `json:"userCredits"`
	MaxAffordable       int    `json:"maxAffordable"`
	CacheHit            bool   `json:"cacheHit"`
	Message             string `json:"message,omitempty"`
}

// Preview handles POST /v1/search/preview: estimates cost and availability
// without charging or creating a task (§6 preview operation).
func (h *searchHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "could not parse request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_request", msg)
		return
	}

	userID := httpmw.UserID(r.Context())
	bal, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user_not_found", "user not found")
		return
	}

	key := cache.SearchKey(req.Name, req.Title, req.State, req.RequestedCount)
	cacheHit := false
	totalAvailable := req.RequestedCount

	if req.Mode != "exact" {
		if res, ok := h.cache.Get(r.Context(), key); ok {
			var env cache.SearchEnvelope
			if err := json.Unmarshal(res.Payload, &env); err == nil {
				cacheHit = env.FulfillmentRatio() >= 0.80
				totalAvailable = env.TotalAvailable
			}
		}
	}

	perRecord := h.fees.PerRecordFeeCredits
	base := h.fees.BaseFeeCredits
	actual := req.RequestedCount
	if totalAvailable < actual {
		actual = totalAvailable
	}
	estimated := base + int64(actual)*perRecord
	maxAffordable := 0
	if perRecord > 0 {
		maxAffordable = int(bal-base) / int(perRecord)
		if maxAffordable < 0 {
			maxAffordable = 0
		}
	}

	writeJSON(w, http.StatusOK, previewResponse{
		TotalAvailable:   totalAvailable,
		EstimatedCredits: estimated,
		SearchCredits:    base,
		PerRecordCredits: perRecord,
		CanAfford:        bal >= estimated,
		UserCredits:      bal,
		MaxAffordable:    maxAffordable,
		CacheHit:         cacheHit,
	})
}

type submitResponse struct {
	TaskToken string `json:"taskToken"`
}

// Submit handles POST /v1/search: creates the task row and kicks off the
// pipeline driver asynchronously (§6 submit operation).
func (h *searchHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "could not parse request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_request", msg)
		return
	}

	userID := httpmw.UserID(r.Context())
	bal, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user_not_found", "user not found")
		return
	}
	if bal < h.fees.BaseFeeCredits {
		writeError(w, http.StatusPaymentRequired, "insufficient_credits", "balance below base fee")
		return
	}

	row, err := h.tasksSvc.Create(r.Context(), userID, req.toParams())
	if err != nil {
		h.logger.Error().Err(err).Msg("create task failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "could not create task")
		return
	}

	go func(token string) {
		// Deliberately detached from the request context: the task must
		// keep running after the submitting HTTP connection closes.
		if err := h.driver.Run(context.Background(), token); err != nil {
			h.logger.Error().Err(err).Str("token", token).Msg("pipeline run failed")
		}
	}(row.Token)

	writeJSON(w, http.StatusAccepted, submitResponse{TaskToken: row.Token})
}

type statusResponse struct {
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	Stats        json.RawMessage `json:"stats,omitempty"`
	Logs         json.RawMessage `json:"logs"`
	CreatedAt    string          `json:"createdAt"`
	CompletedAt  string          `json:"completedAt,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// Status handles GET /v1/search/{token} (§6 taskStatus operation).
func (h *searchHandler) Status(w http.ResponseWriter, r *http.Request) {
	row, ok := h.lookupOwnedTask(w, r)
	if !ok {
		return
	}

	resp := statusResponse{
		Status:       row.Status,
		Progress:     row.Progress,
		Logs:         json.RawMessage(row.Logs),
		CreatedAt:    row.CreatedAt.Format(timeRFC3339),
		ErrorMessage: row.ErrorMessage,
	}
	if row.CompletedAt != nil {
		resp.CompletedAt = row.CompletedAt.Format(timeRFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

type resultsResponse struct {
	Rows       []store.ResultRow `json:"rows"`
	Total      int                `json:"total"`
	Page       int                `json:"page"`
	TotalPages int                `json:"totalPages"`
}

// Results handles GET /v1/search/{token}/results (§6 taskResults,
// paginated).
func (h *searchHandler) Results(w http.ResponseWriter, r *http.Request) {
	row, ok := h.lookupOwnedTask(w, r)
	if !ok {
		return
	}

	page, pageSize := parsePagination(r)
	rows, total, err := h.st.ListResults(r.Context(), row.ID, page, pageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "could not list results")
		return
	}

	totalPages := (total + pageSize - 1) / pageSize
	if totalPages < 1 {
		totalPages = 1
	}
	writeJSON(w, http.StatusOK, resultsResponse{Rows: rows, Total: total, Page: page, TotalPages: totalPages})
}

type cancelResponse struct {
	OK bool `json:"ok"`
}

// Cancel handles POST /v1/search/{token}/cancel (§6 cancel operation).
// It first persists the stopped status via tasksSvc, then interrupts any
// in-flight executor work this process is driving for the task so the
// cancellation is actually observed instead of only recorded.
func (h *searchHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	userID := httpmw.UserID(r.Context())

	if err := h.tasksSvc.Cancel(r.Context(), token, userID); err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "could not cancel task")
		return
	}
	h.driver.Cancel(token)
	writeJSON(w, http.StatusOK, cancelResponse{OK: true})
}

// lookupOwnedTask resolves {token} and enforces that the caller submitted
// it, writing the not-found/forbidden error responses itself on failure.
func (h *searchHandler) lookupOwnedTask(w http.ResponseWriter, r *http.Request) (*store.TaskRow, bool) {
	token := chi.URLParam(r, "token")
	row, err := h.tasksSvc.Get(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return nil, false
	}
	userID := httpmw.UserID(r.Context())
	if row.SubmitterID != userID {
		writeError(w, http.StatusForbidden, "forbidden", "task belongs to another user")
		return nil, false
	}
	return row, true
}

const timeRFC3339 = "2006-01-02T15:04:05Z07:00"

func parsePagination(r *http.Request) (page, pageSize int) {
	page = atoiDefault(r.URL.Query().Get("page"), 1)
	pageSize = atoiDefault(r.URL.Query().Get("pageSize"), 50)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}
	return page, pageSize
}

func atoiDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	return n
}
