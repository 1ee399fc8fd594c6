package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/leadengine/searchengine/internal/alerting"
	"github.com/leadengine/searchengine/internal/cache"
	"github.com/leadengine/searchengine/internal/ledger"
	"github.com/leadengine/searchengine/internal/providers"
	"github.com/leadengine/searchengine/internal/store"
	"github.com/leadengine/searchengine/internal/store/memstore"
	"github.com/leadengine/searchengine/internal/tasks"
	"github.com/leadengine/searchengine/internal/verify"
)

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func testFees() Fees { return Fees{BaseFeeCredits: 10, PerRecordFeeCredits: 5} }

func testExec() ExecutorTuning {
	return ExecutorTuning{BatchSize: 30, BatchDelayMs: 1, RetryBaseDelayMs: 1, DeferredPreWaitMs: 1, DeferredBatchSize: 8, DeferredBatchDelay: 1}
}

// stubAdapter returns a fixed set of candidates, or an error/zero results
// when configured to.
type stubAdapter struct {
	name    string
	people  []providers.LeadPerson
	success bool
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Search(ctx context.Context, name, title, state string, limit int, userID string) (providers.SearchResult, error) {
	if !s.success {
		return providers.SearchResult{Success: false, ErrorMessage: "stub failure"}, nil
	}
	return providers.SearchResult{Success: true, People: s.people, TotalCount: len(s.people)}, nil
}

func (s *stubAdapter) Enrich(ctx context.Context, providerID, userID string) (providers.EnrichResult, error) {
	return providers.EnrichResult{Success: false}, nil
}

func newHarness(t *testing.T, adapter providers.Adapter, balance int64) (*Driver, *memstore.Store, *tasks.Service) {
	t.Helper()
	ms := memstore.New()
	ms.SeedUser(store.User{ID: "u1", Balance: balance, Status: "active"})

	l := ledger.New(ms, testLogger())
	c := cache.New(ms, testLogger())
	reg := providers.NewRegistry()
	reg.Register(adapter)
	tsvc := tasks.New(ms, testLogger())
	alerter := alerting.New(alerting.Config{Enabled: false}, testLogger())

	noopVerifyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(noopVerifyServer.Close)
	v := verify.New(verify.DefaultConfig(noopVerifyServer.URL, "tok"), noopVerifyServer.Client(), testLogger())

	d := New(ms, l, c, reg, v, tsvc, alerter, testFees(), testExec(), testLogger(), nil)
	return d, ms, tsvc
}

func TestRunInsufficientBalanceAtInitTerminatesImmediately(t *testing.T) {
	adapter := &stubAdapter{name: "bulk-lookup", success: true}
	d, ms, tsvc := newHarness(t, adapter, 5) // below base fee of 10

	row, err := tsvc.Create(context.Background(), "u1", tasks.Params{Name: "Jane Doe", RequestedCount: 10, Mode: "standard"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := d.Run(context.Background(), row.Token); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := ms.GetTaskByToken(context.Background(), row.Token)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != tasks.StatusInsufficientCredits {
		t.Fatalf("expected insufficient-credits status, got %s", got.Status)
	}

	u, _ := ms.GetUser(context.Background(), "u1")
	if u.Balance != 5 {
		t.Fatalf("balance should be untouched at 5, got %d", u.Balance)
	}
}

func TestRunExactModeZeroResultsRefundsBaseFee(t *testing.T) {
	adapter := &stubAdapter{name: "exact-search", success: true, people: nil}
	d, ms, tsvc := newHarness(t, adapter, 100)

	row, err := tsvc.Create(context.Background(), "u1", tasks.Params{Name: "Jane Doe", RequestedCount: 10, Mode: "exact"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := d.Run(context.Background(), row.Token); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := ms.GetTaskByToken(context.Background(), row.Token)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != tasks.StatusCompleted {
		t.Fatalf("expected completed status, got %s", got.Status)
	}

	u, _ := ms.GetUser(context.Background(), "u1")
	if u.Balance != 100 {
		t.Fatalf("base fee should be refunded on empty exact-search cohort, balance = %d", u.Balance)
	}
}

func TestRunStandardModeNoPhoneCandidatesPersistAndCharge(t *testing.T) {
	people := []providers.LeadPerson{
		{ID: "p1", FirstName: "Jane", LastName: "Doe", Email: "jane@example.com", State: "CA"},
		{ID: "p2", FirstName: "John", LastName: "Smith", Email: "john@example.com", State: "NY"},
	}
	adapter := &stubAdapter{name: "bulk-lookup", success: true, people: people}
	d, ms, tsvc := newHarness(t, adapter, 100)

	row, err := tsvc.Create(context.Background(), "u1", tasks.Params{Name: "Jane Doe", Title: "VP", State: "CA", RequestedCount: 10, Mode: "standard"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := d.Run(context.Background(), row.Token); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := ms.GetTaskByToken(context.Background(), row.Token)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != tasks.StatusCompleted {
		t.Fatalf("expected completed status, got %s", got.Status)
	}
	if got.KeptCount != 2 {
		t.Fatalf("expected 2 persisted results, got %d", got.KeptCount)
	}

	u, _ := ms.GetUser(context.Background(), "u1")
	// base fee 10 + 2 records * 5 = 20 total spend.
	if u.Balance != 80 {
		t.Fatalf("expected balance 80 after base+cohort fees, got %d", u.Balance)
	}

	results, total, err := ms.ListResults(context.Background(), got.ID, 1, 10)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if total != 2 || len(results) != 2 {
		t.Fatalf("expected 2 stored results, got %d", total)
	}
	for _, r := range results {
		if r.Phone != "" {
			t.Fatalf("no-phone candidates should persist with empty phone")
		}
		if r.Email == "" {
			t.Fatalf("expected email preserved on no-phone result")
		}
	}
}

func TestRunStandardModeExcludesNoContactCandidates(t *testing.T) {
	people := []providers.LeadPerson{
		{ID: "p1", FirstName: "Jane", LastName: "Doe", Email: "", State: "CA"}, // no phone, no email: discarded
	}
	adapter := &stubAdapter{name: "bulk-lookup", success: true, people: people}
	d, ms, tsvc := newHarness(t, adapter, 100)

	row, _ := tsvc.Create(context.Background(), "u1", tasks.Params{Name: "Jane Doe", RequestedCount: 10, Mode: "standard"})
	if err := d.Run(context.Background(), row.Token); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := ms.GetTaskByToken(context.Background(), row.Token)
	if got.KeptCount != 0 {
		t.Fatalf("expected 0 persisted results for no-contact candidate, got %d", got.KeptCount)
	}
}

func TestRunServedFromCacheSkipsAdapterCall(t *testing.T) {
	calls := 0
	adapter := &countingAdapter{stubAdapter: stubAdapter{name: "bulk-lookup", success: true}, calls: &calls}
	d, ms, tsvc := newHarness(t, adapter, 100)

	person := providers.LeadPerson{ID: "cached-1", FirstName: "Ann", LastName: "Lee", Email: "ann@example.com", State: "CA"}
	personJSON, _ := json.Marshal(person)
	env := cache.SearchEnvelope{Data: []json.RawMessage{personJSON}, TotalAvailable: 1, RequestedCount: 1}
	envJSON, _ := json.Marshal(env)

	key := cache.SearchKey("Ann Lee", "", "CA", 1)
	c := cache.New(ms, testLogger())
	if err := c.Put(context.Background(), key, cache.KindSearch, envJSON, 180); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	row, _ := tsvc.Create(context.Background(), "u1", tasks.Params{Name: "Ann Lee", State: "CA", RequestedCount: 1, Mode: "standard"})
	if err := d.Run(context.Background(), row.Token); err != nil {
		t.Fatalf("run: %v", err)
	}

	if calls != 0 {
		t.Fatalf("expected adapter not to be called on a full cache hit, got %d calls", calls)
	}

	got, _ := ms.GetTaskByToken(context.Background(), row.Token)
	if got.KeptCount != 1 {
		t.Fatalf("expected 1 persisted result served from cache, got %d", got.KeptCount)
	}
}

type countingAdapter struct {
	stubAdapter
	calls *int
}

func (c *countingAdapter) Search(ctx context.Context, name, title, state string, limit int, userID string) (providers.SearchResult, error) {
	*c.calls++
	return c.stubAdapter.Search(ctx, name, title, state, limit, userID)
}

// blockingAdapter waits until its context is cancelled before returning,
// standing in for a slow upstream call that Driver.Cancel must interrupt.
type blockingAdapter struct {
	stubAdapter
	started chan struct{}
}

func (b *blockingAdapter) Search(ctx context.Context, name, title, state string, limit int, userID string) (providers.SearchResult, error) {
	close(b.started)
	<-ctx.Done()
	return providers.SearchResult{}, ctx.Err()
}

func TestCancelInterruptsInFlightRunAndRefundsBaseFee(t *testing.T) {
	adapter := &blockingAdapter{stubAdapter: stubAdapter{name: "bulk-lookup", success: true}, started: make(chan struct{})}
	d, ms, tsvc := newHarness(t, adapter, 100)

	row, err := tsvc.Create(context.Background(), "u1", tasks.Params{Name: "Jane Doe", RequestedCount: 10, Mode: "standard"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), row.Token) }()

	<-adapter.started
	d.Cancel(row.Token)

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := ms.GetTaskByToken(context.Background(), row.Token)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != tasks.StatusStopped {
		t.Fatalf("expected stopped status after cancel, got %s", got.Status)
	}

	u, _ := ms.GetUser(context.Background(), "u1")
	if u.Balance != 100 {
		t.Fatalf("expected base fee refunded after cancel during cohort acquisition, got balance %d", u.Balance)
	}
}

func TestCancelOnUnknownTokenIsNoop(t *testing.T) {
	adapter := &stubAdapter{name: "bulk-lookup", success: true}
	d, _, _ := newHarness(t, adapter, 100)
	d.Cancel("not-a-real-token") // must not panic
}
