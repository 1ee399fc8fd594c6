package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/leadengine/searchengine/internal/alerting"
	"github.com/leadengine/searchengine/internal/cache"
	"github.com/leadengine/searchengine/internal/config"
	"github.com/leadengine/searchengine/internal/ledger"
	"github.com/leadengine/searchengine/internal/pipeline"
	"github.com/leadengine/searchengine/internal/providers"
	"github.com/leadengine/searchengine/internal/store"
	"github.com/leadengine/searchengine/internal/store/memstore"
	"github.com/leadengine/searchengine/internal/tasks"
	"github.com/leadengine/searchengine/internal/verify"
)

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

type stubAdapter struct {
	name   string
	people []providers.LeadPerson
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) Search(ctx context.Context, name, title, state string, limit int, userID string) (providers.SearchResult, error) {
	return providers.SearchResult{Success: true, People: s.people, TotalCount: len(s.people)}, nil
}
func (s *stubAdapter) Enrich(ctx context.Context, providerID, userID string) (providers.EnrichResult, error) {
	return providers.EnrichResult{Success: false}, nil
}

func newTestServer(t *testing.T) (http.Handler, *memstore.Store) {
	t.Helper()
	ms := memstore.New()
	ms.SeedUser(store.User{ID: "u1", Balance: 100, Status: "active"})
	ms.SeedUser(store.User{ID: "u2-not-owner", Balance: 100, Status: "active"})

	l := ledger.New(ms, testLogger())
	c := cache.New(ms, testLogger())
	reg := providers.NewRegistry()
	reg.Register(&stubAdapter{name: "bulk-lookup", people: []providers.LeadPerson{
		{ID: "p1", FirstName: "Jane", LastName: "Doe", Email: "jane@example.com", State: "CA"},
	}})
	tsvc := tasks.New(ms, testLogger())
	alerter := alerting.New(alerting.Config{Enabled: false}, testLogger())

	noop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(noop.Close)
	v := verify.New(verify.DefaultConfig(noop.URL, "tok"), noop.Client(), testLogger())

	fees := pipeline.Fees{BaseFeeCredits: 10, PerRecordFeeCredits: 5}
	exec := pipeline.ExecutorTuning{BatchSize: 30, BatchDelayMs: 1, RetryBaseDelayMs: 1, DeferredPreWaitMs: 1, DeferredBatchSize: 8, DeferredBatchDelay: 1}
	driver := pipeline.New(ms, l, c, reg, v, tsvc, alerter, fees, exec, testLogger(), nil)

	cfg := &config.Config{
		APIKeyHeader:     "Authorization",
		MaxBodyBytes:     1 << 20,
		RateLimitEnabled: false,
		DefaultTimeout:   5 * time.Second,
		ScrapeTimeout:    5 * time.Second,
		DiscoveryTimeout: 5 * time.Second,
		BaseFeeCredits:   10,
		PerRecordFeeCredits: 5,
	}

	router := NewRouter(Deps{
		Store:     ms,
		Ledger:    l,
		Cache:     c,
		Providers: reg,
		Tasks:     tsvc,
		Driver:    driver,
		Config:    cfg,
		Logger:    testLogger(),
	})
	return router, ms
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = strings.NewReader(string(b))
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitWithoutAuthIsRejected(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/search", "", map[string]interface{}{"name": "Jane Doe", "requestedCount": 1})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPreviewReturnsAffordability(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/search/preview", "u1", map[string]interface{}{
		"name": "Jane Doe", "state": "CA", "requestedCount": 1,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp previewResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.CanAfford {
		t.Fatalf("expected canAfford true for balance 100")
	}
}

func TestSubmitStatusResultsAndExportFlow(t *testing.T) {
	h, ms := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/search", "u1", map[string]interface{}{
		"name": "Jane Doe", "state": "CA", "requestedCount": 1, "mode": "fuzzy",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var sub submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}

	var finalStatus string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		row, err := ms.GetTaskByToken(context.Background(), sub.TaskToken)
		if err == nil && (row.Status == tasks.StatusCompleted || row.Status == tasks.StatusFailed) {
			finalStatus = row.Status
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if finalStatus != tasks.StatusCompleted {
		t.Fatalf("expected task to complete, last observed status %q", finalStatus)
	}

	statusRec := doJSON(t, h, http.MethodGet, "/v1/search/"+sub.TaskToken, "u1", nil)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", statusRec.Code)
	}

	forbiddenRec := doJSON(t, h, http.MethodGet, "/v1/search/"+sub.TaskToken, "u2-not-owner", nil)
	if forbiddenRec.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden for non-owner, got %d", forbiddenRec.Code)
	}

	resultsRec := doJSON(t, h, http.MethodGet, "/v1/search/"+sub.TaskToken+"/results?page=1&pageSize=10", "u1", nil)
	if resultsRec.Code != http.StatusOK {
		t.Fatalf("results: expected 200, got %d", resultsRec.Code)
	}
	var resultsResp resultsResponse
	if err := json.Unmarshal(resultsRec.Body.Bytes(), &resultsResp); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if resultsResp.Total != 1 {
		t.Fatalf("expected 1 result, got %d", resultsResp.Total)
	}

	exportRec := doJSON(t, h, http.MethodGet, "/v1/search/"+sub.TaskToken+"/export.csv", "u1", nil)
	if exportRec.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d", exportRec.Code)
	}
	if !strings.Contains(exportRec.Body.String(), "jane@example.com") {
		t.Fatalf("expected exported CSV to contain the result row, got: %s", exportRec.Body.String())
	}
}

func TestCancelUnknownTaskReturnsNotFound(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/search/does-not-exist/cancel", "u1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
