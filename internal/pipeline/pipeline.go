/*
Package pipeline implements the Credit-Metered Pipeline Driver (C6): the
core state machine for one Search Task. All external work funnels through
providers (C3) and verify (C4), all I/O fan-out through executor (C5), and
all spend through ledger (C1).

Grounded on the teacher's request-handling flow in main.go/router.go
(config → resolve dependencies → sequential phases → structured log each
step), generalized from a single HTTP request/response cycle into a
long-running, resumable-by-polling background task.
*/
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leadengine/searchengine/internal/alerting"
	"github.com/leadengine/searchengine/internal/cache"
	"github.com/leadengine/searchengine/internal/executor"
	"github.com/leadengine/searchengine/internal/ledger"
	"github.com/leadengine/searchengine/internal/obsmetrics"
	"github.com/leadengine/searchengine/internal/progress"
	"github.com/leadengine/searchengine/internal/providers"
	"github.com/leadengine/searchengine/internal/store"
	"github.com/leadengine/searchengine/internal/tasks"
	"github.com/leadengine/searchengine/internal/verify"
)

// Fees and batch tuning the driver consults (§4.1, §4.5, §4.6). Kept as a
// plain struct rather than importing internal/config directly, so the
// driver stays testable without a full Config value.
type Fees struct {
	BaseFeeCredits      int64
	PerRecordFeeCredits int64
}

// ExecutorTuning mirrors the config-driven executor knobs (§4.5).
type ExecutorTuning struct {
	BatchSize          int
	BatchDelayMs       int
	RetryBaseDelayMs   int
	DeferredPreWaitMs  int
	DeferredBatchSize  int
	DeferredBatchDelay int
}

// Driver orchestrates the C6 state machine.
type Driver struct {
	st        store.Store
	ledger    *ledger.Ledger
	cache     *cache.Store
	providers *providers.Registry
	verifier  *verify.Verifier
	tasksSvc  *tasks.Service
	alerter   *alerting.Notifier
	metrics   *obsmetrics.Registry
	fees      Fees
	exec      ExecutorTuning
	logger    zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a Driver. metrics may be nil (metrics are best-effort and
// every recording call is nil-checked).
func New(st store.Store, l *ledger.Ledger, c *cache.Store, reg *providers.Registry, v *verify.Verifier, t *tasks.Service, alerter *alerting.Notifier, fees Fees, exec ExecutorTuning, logger zerolog.Logger, metrics *obsmetrics.Registry) *Driver {
	return &Driver{
		st:        st,
		ledger:    l,
		cache:     c,
		providers: reg,
		verifier:  v,
		tasksSvc:  t,
		alerter:   alerter,
		metrics:   metrics,
		fees:      fees,
		exec:      exec,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Cancel interrupts the in-flight executor work for token, if this process
// is currently driving it. tasks.Service.Cancel has already flipped the
// persisted status to stopped; this is what actually stops new outbound
// calls from being dispatched on its behalf instead of waiting for the
// current cohort to finish on its own (§1, §4.5/§4.6, §8 property 7).
func (d *Driver) Cancel(token string) {
	d.mu.Lock()
	cancel, ok := d.cancels[token]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

func (d *Driver) registerCancel(token string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.cancels[token] = cancel
	d.mu.Unlock()
}

func (d *Driver) unregisterCancel(token string) {
	d.mu.Lock()
	delete(d.cancels, token)
	d.mu.Unlock()
}

func (d *Driver) recordSpend(kind string, amount int64) {
	if d.metrics != nil {
		d.metrics.RecordSpend(kind, amount)
	}
}

func (d *Driver) recordRefund(amount int64) {
	if d.metrics != nil {
		d.metrics.RecordRefund(amount)
	}
}

// runState tracks the mutable state threaded through the nine phases.
type runState struct {
	task       *store.TaskRow
	params     tasks.Params
	env        *progress.Envelope
	creditsUsed int64
	stats      stats
}

type stats struct {
	TotalResults      int    `json:"totalResults"`
	ResultsVerified   int    `json:"resultsVerified"`
	ExcludedAge       int    `json:"excludedAge"`
	ExcludedNoContact int    `json:"excludedNoContact"`
	CreditsUsed       int64  `json:"creditsUsed"`
	FinalStatus       string `json:"finalStatus"`
}

// Run drives a single Search Task from pending through a terminal status.
// It is safe to call once per task; re-running a terminal task is a no-op
// at the store layer (write-once terminal status, §8 invariant 3).
//
// parentCtx is never cancelled by this method; it is used for the terminal
// persistence writes (fail/finalize/stop) so those always reach the store
// even when the task's own work was cut short by Cancel. A derived,
// cancellable context is registered under token for the duration of the
// run and threaded through every external call and the executor, so Cancel
// actually interrupts in-flight work instead of only flipping a status
// column that nothing downstream ever reads again.
func (d *Driver) Run(parentCtx context.Context, token string) error {
	task, err := d.tasksSvc.Get(parentCtx, token)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	var params tasks.Params
	if err := json.Unmarshal(task.Params, &params); err != nil {
		return fmt.Errorf("unmarshal task params: %w", err)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	d.registerCancel(token, cancel)
	defer func() {
		d.unregisterCancel(token)
		cancel()
	}()

	rs := &runState{task: task, params: params, env: progress.New(params.RequestedCount)}

	if err := d.init(ctx, rs); err != nil {
		if err == ledger.ErrInsufficientCredits {
			return nil // already finalized as insufficient-credits inside init
		}
		return d.fail(parentCtx, rs, err)
	}
	if ctx.Err() != nil {
		return d.stopCancelled(parentCtx, rs, 0)
	}

	if err := d.authorizeBase(ctx, rs); err != nil {
		if err == ledger.ErrInsufficientCredits {
			return nil // already finalized as insufficient-credits inside authorizeBase
		}
		return d.fail(parentCtx, rs, err)
	}
	if ctx.Err() != nil {
		return d.stopCancelled(parentCtx, rs, d.fees.BaseFeeCredits)
	}

	people, totalAvailable, cacheHit, err := d.acquireCohort(ctx, rs)
	if err != nil {
		return d.fail(parentCtx, rs, err)
	}
	if ctx.Err() != nil {
		return d.stopCancelled(parentCtx, rs, d.fees.BaseFeeCredits)
	}
	if len(people) == 0 {
		return d.finalizeEmptyCohort(parentCtx, rs, cacheHit)
	}

	cohort, err := d.authorizeCohort(ctx, rs, people)
	if err != nil {
		if err == ledger.ErrInsufficientCredits {
			return nil // already finalized as insufficient-credits inside authorizeCohort
		}
		return d.fail(parentCtx, rs, err)
	}
	if ctx.Err() != nil {
		return d.stopCancelled(parentCtx, rs, int64(len(cohort))*d.fees.PerRecordFeeCredits)
	}

	withPhone, withoutPhone := partition(cohort)
	d.persistNoPhone(parentCtx, rs, withoutPhone)

	stopped, err := d.verifyCohort(ctx, parentCtx, rs, withPhone)
	if err != nil {
		return d.fail(parentCtx, rs, err)
	}

	_ = totalAvailable
	return d.finalize(parentCtx, rs, stopped)
}

// stopCancelled finalizes a task as user-cancelled (§1, §8 property 7),
// refunding whatever was authorized but never attempted against real work.
func (d *Driver) stopCancelled(ctx context.Context, rs *runState, unattempted int64) error {
	if unattempted > 0 {
		taskID := rs.task.ID
		if _, err := d.ledger.Deduct(ctx, rs.task.SubmitterID, -unattempted, ledger.KindRefund, "cancelled before authorized work was attempted", &taskID); err != nil {
			d.logger.Warn().Err(err).Msg("cancellation refund failed")
		} else {
			rs.creditsUsed -= unattempted
			d.recordRefund(unattempted)
		}
	}
	rs.env.Append(progress.LevelInfo, progress.PhaseComplete, "cancelled by user", 0, nil)
	rs.task.Status = tasks.StatusStopped
	rs.stats.FinalStatus = tasks.StatusStopped
	rs.stats.CreditsUsed = rs.creditsUsed
	statsJSON, _ := json.Marshal(rs.stats)
	rs.env.AppendStats(statsJSON)
	d.persistFinal(ctx, rs)
	return nil
}

// init loads the user, rejects immediately on insufficient balance,
// computes the fingerprint (already computed at task creation time, §4.8),
// and logs the opening envelope entry (§4.6 phase 1).
func (d *Driver) init(ctx context.Context, rs *runState) error {
	bal, err := d.ledger.Balance(ctx, rs.task.SubmitterID)
	if err != nil {
		return err
	}
	if bal < d.fees.BaseFeeCredits {
		return d.terminateInsufficientCredits(ctx, rs, "balance below base fee at init")
	}

	rs.task.Status = tasks.MapStatus(tasks.PhaseInitializing)
	rs.env.Append(progress.LevelInfo, progress.PhaseInit, "task initialized", 1, nil)
	d.flush(ctx, rs)
	return nil
}

// authorizeBase deducts the flat base fee (§4.6 phase 2).
func (d *Driver) authorizeBase(ctx context.Context, rs *runState) error {
	taskID := rs.task.ID
	_, err := d.ledger.Deduct(ctx, rs.task.SubmitterID, d.fees.BaseFeeCredits, ledger.KindSearchSpend, "base fee", &taskID)
	if err == ledger.ErrInsufficientCredits {
		return d.terminateInsufficientCredits(ctx, rs, "base fee deduction rejected")
	}
	if err != nil {
		return err
	}
	rs.creditsUsed += d.fees.BaseFeeCredits
	d.recordSpend(ledger.KindSearchSpend, d.fees.BaseFeeCredits)
	rs.env.Append(progress.LevelInfo, progress.PhaseInit, "base fee authorized", 1, nil)
	d.flush(ctx, rs)
	return nil
}

func (d *Driver) terminateInsufficientCredits(ctx context.Context, rs *runState, msg string) error {
	rs.env.Append(progress.LevelError, progress.PhaseInit, msg, 0, nil)
	rs.task.Status = tasks.StatusInsufficientCredits
	rs.stats.FinalStatus = tasks.StatusInsufficientCredits
	rs.stats.CreditsUsed = rs.creditsUsed
	d.persistFinal(ctx, rs)
	return ledger.ErrInsufficientCredits
}

// acquireCohort implements phase 3 (§4.6): cache lookup with the
// fulfillment-ratio test, falling through to the search adapter on a miss,
// and bypassing the cache entirely in exact mode.
func (d *Driver) acquireCohort(ctx context.Context, rs *runState) ([]providers.LeadPerson, int, bool, error) {
	if rs.params.Mode == "exact" {
		return d.searchAndCache(ctx, rs, "exact-search", false)
	}

	key := cache.SearchKey(rs.params.Name, rs.params.Title, rs.params.State, rs.params.RequestedCount)
	if hit, ok := d.cache.Get(ctx, key); ok && hit.Kind == cache.KindSearch {
		var env cache.SearchEnvelope
		if err := json.Unmarshal(hit.Payload, &env); err == nil {
			if env.FulfillmentRatio() >= 0.80 {
				if d.metrics != nil {
					d.metrics.RecordCacheLookup("hit")
				}
				d.cache.IncrementHit(ctx, key)
				people := unmarshalPeople(env.Data)
				shuffle(people)
				if len(people) > rs.params.RequestedCount {
					people = people[:rs.params.RequestedCount]
				}
				rs.env.Append(progress.LevelInfo, progress.PhaseApify, "served from cache", 1, nil)
				d.flush(ctx, rs)
				return people, env.TotalAvailable, true, nil
			}
			if d.metrics != nil {
				d.metrics.RecordCacheLookup("partial")
			}
			return d.searchAndCache(ctx, rs, "bulk-lookup", true)
		}
	}

	if d.metrics != nil {
		d.metrics.RecordCacheLookup("miss")
	}
	return d.searchAndCache(ctx, rs, "bulk-lookup", true)
}

func (d *Driver) searchAndCache(ctx context.Context, rs *runState, adapterName string, populateCache bool) ([]providers.LeadPerson, int, bool, error) {
	adapter, ok := d.providers.Get(adapterName)
	if !ok {
		return nil, 0, false, fmt.Errorf("adapter %q not registered", adapterName)
	}

	res, err := adapter.Search(ctx, rs.params.Name, rs.params.Title, rs.params.State, rs.params.RequestedCount, rs.task.SubmitterID)
	if err != nil || !res.Success {
		rs.env.Append(progress.LevelError, progress.PhaseApify, "search call failed: "+res.ErrorMessage, 0, nil)
		d.flush(ctx, rs)
		return nil, 0, false, nil
	}

	if populateCache {
		d.storeSearchCache(ctx, rs, res)
	}

	rs.env.Append(progress.LevelInfo, progress.PhaseApify, fmt.Sprintf("fetched %d candidates", len(res.People)), 1, nil)
	d.flush(ctx, rs)
	return res.People, res.TotalCount, false, nil
}

func (d *Driver) storeSearchCache(ctx context.Context, rs *runState, res providers.SearchResult) {
	data := marshalPeople(res.People)
	env := cache.SearchEnvelope{
		Data:           data,
		TotalAvailable: res.TotalCount,
		RequestedCount: rs.params.RequestedCount,
		CreatedAt:      time.Now(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		d.logger.Warn().Err(err).Msg("marshal search cache envelope failed")
		return
	}
	key := cache.SearchKey(rs.params.Name, rs.params.Title, rs.params.State, rs.params.RequestedCount)
	if err := d.cache.Put(ctx, key, cache.KindSearch, payload, 180); err != nil {
		d.logger.Warn().Err(err).Msg("put search cache envelope failed")
	}
}

// finalizeEmptyCohort handles phase 3's zero-result branch (§4.6): exact
// mode refunds the base fee, standard mode just completes with zero
// results.
func (d *Driver) finalizeEmptyCohort(ctx context.Context, rs *runState, _ bool) error {
	if rs.params.Mode == "exact" {
		taskID := rs.task.ID
		if _, err := d.ledger.Deduct(ctx, rs.task.SubmitterID, -d.fees.BaseFeeCredits, ledger.KindRefund, "exact-search zero results", &taskID); err != nil {
			d.logger.Warn().Err(err).Msg("base fee refund on empty exact-search cohort failed")
		} else {
			rs.creditsUsed -= d.fees.BaseFeeCredits
			d.recordRefund(d.fees.BaseFeeCredits)
		}
	}
	rs.env.Append(progress.LevelInfo, progress.PhaseComplete, "no candidates found", 0, nil)
	rs.task.Status = tasks.StatusCompleted
	rs.stats.FinalStatus = tasks.StatusCompleted
	rs.stats.CreditsUsed = rs.creditsUsed
	d.persistFinal(ctx, rs)
	return nil
}

// authorizeCohort implements phase 4 (§4.6).
func (d *Driver) authorizeCohort(ctx context.Context, rs *runState, people []providers.LeadPerson) ([]providers.LeadPerson, error) {
	actual := len(people)
	if actual > rs.params.RequestedCount {
		actual = rs.params.RequestedCount
		people = people[:actual]
	}
	required := int64(actual) * d.fees.PerRecordFeeCredits

	taskID := rs.task.ID
	_, err := d.ledger.Deduct(ctx, rs.task.SubmitterID, required, ledger.KindSearchSpend, "cohort fee", &taskID)
	if err == ledger.ErrInsufficientCredits {
		return nil, d.terminateInsufficientCredits(ctx, rs, "cohort fee deduction rejected")
	}
	if err != nil {
		return nil, err
	}
	rs.creditsUsed += required
	d.recordSpend(ledger.KindSearchSpend, required)

	rs.env.Append(progress.LevelInfo, progress.PhaseProcess, fmt.Sprintf("authorized cohort of %d", actual), 1, nil)
	d.flush(ctx, rs)
	return people, nil
}

// partition splits the cohort into those with and without a phone number
// (§4.6 phase 5).
func partition(people []providers.LeadPerson) (withPhone, withoutPhone []providers.LeadPerson) {
	shuffle(people)
	for _, p := range people {
		if _, ok := p.PreferredPhone(); ok {
			withPhone = append(withPhone, p)
		} else {
			withoutPhone = append(withoutPhone, p)
		}
	}
	return withPhone, withoutPhone
}

// persistNoPhone persists the no-phone, has-email branch of partition
// (§4.6 phase 5); the no-email branch is silently discarded as
// excluded-no-contact.
func (d *Driver) persistNoPhone(ctx context.Context, rs *runState, people []providers.LeadPerson) {
	for _, p := range people {
		if p.Email == "" {
			rs.stats.ExcludedNoContact++
			continue
		}
		row := leadPersonToResultRow(p, rs.task.ID, false, 0, "", "")
		if err := d.st.InsertResult(ctx, row); err != nil {
			d.logger.Warn().Err(err).Msg("persist no-phone result failed")
			continue
		}
		rs.stats.TotalResults++
	}
}

// verifyUnit is the item type submitted to the executor for phase 6.
type verifyUnit struct {
	person providers.LeadPerson
}

// verifiedPerson pairs a candidate with its verification outcome; it is the
// executor's result type R for the verify-cohort phase.
type verifiedPerson struct {
	person  providers.LeadPerson
	outcome verify.Outcome
}

// verifyCohort implements phase 6/7 (§4.6): submits the with-phone cohort
// to the executor, applies the age filter, and detects api-credit
// exhaustion. ctx is the cancellable context threaded into the executor;
// persistCtx is the uncancelled parent used for refunds and progress
// writes so a cancellation mid-cohort still leaves an accurate ledger.
func (d *Driver) verifyCohort(ctx, persistCtx context.Context, rs *runState, people []providers.LeadPerson) (bool, error) {
	if len(people) == 0 {
		return false, nil
	}

	units := make([]executor.Unit[verifyUnit, verifiedPerson], 0, len(people))
	insufficientCredits := false

	for _, p := range people {
		item := verifyUnit{person: p}
		units = append(units, executor.Unit[verifyUnit, verifiedPerson]{
			Item: item,
			Call: func(ctx context.Context, u verifyUnit) (verifiedPerson, executor.Class, error) {
				phone, _ := u.person.PreferredPhone()
				outcome := d.verifier.Verify(ctx, verify.Candidate{
					FirstName: u.person.FirstName,
					LastName:  u.person.LastName,
					Phone:     phone.Sanitized,
					MinAge:    rs.params.MinAge,
					MaxAge:    rs.params.MaxAge,
					State:     u.person.State,
					City:      u.person.City,
				})
				if outcome.ApiError == verify.ApiErrorInsufficientCredits {
					return verifiedPerson{person: u.person, outcome: outcome}, executor.ClassClientError, fmt.Errorf("api-insufficient-credits")
				}
				if outcome.ApiError == verify.ApiErrorRateLimited {
					return verifiedPerson{person: u.person, outcome: outcome}, executor.ClassRateLimited, fmt.Errorf("verify rate-limited")
				}
				return verifiedPerson{person: u.person, outcome: outcome}, executor.ClassSuccess, nil
			},
		})
	}

	cfg := executor.Config{
		BatchSize:         d.exec.BatchSize,
		BatchDelay:        time.Duration(d.exec.BatchDelayMs) * time.Millisecond,
		RetryBaseDelay:    time.Duration(d.exec.RetryBaseDelayMs) * time.Millisecond,
		RateLimitDelay:    1000 * time.Millisecond,
		TransportDelay:    1000 * time.Millisecond,
		DeferredPreWait:   time.Duration(d.exec.DeferredPreWaitMs) * time.Millisecond,
		DeferredBatchSize: d.exec.DeferredBatchSize,
		DeferredDelay:     time.Duration(d.exec.DeferredBatchDelay) * time.Millisecond,
	}
	if cfg.BatchSize <= 0 {
		cfg = executor.DefaultConfig()
	}
	cfg.OnRetry = func(class executor.Class) {
		if d.metrics != nil {
			d.metrics.RecordExecutorRetry(class.String())
		}
	}

	res := executor.Run(ctx, cfg, units, nil, d.logger)

	for _, failErr := range res.Failures {
		if failErr != nil && failErr.Error() == "api-insufficient-credits" {
			insufficientCredits = true
			break
		}
	}

	ageConfigured := rs.params.MinAge != 0 || rs.params.MaxAge != 0

	processedCount := 0
	for _, vp := range res.Successes {
		person, outcome := vp.person, vp.outcome

		if ageConfigured && outcome.Age != 0 && (outcome.Age < rs.params.MinAge || outcome.Age > rs.params.MaxAge) {
			rs.stats.ExcludedAge++
			processedCount++
			continue
		}

		if outcome.Verified {
			rs.stats.ResultsVerified++
		}
		if d.metrics != nil {
			d.metrics.RecordVerifyOutcome(string(outcome.Source), outcome.Verified)
		}

		row := leadPersonToResultRow(person, rs.task.ID, outcome.Verified, outcome.MatchScore, string(outcome.Source), outcome.Carrier)
		row.PhoneType = outcome.PhoneType
		row.Age = outcome.Age
		if err := d.st.InsertResult(persistCtx, row); err != nil {
			d.logger.Warn().Err(err).Msg("persist verified result failed")
			continue
		}
		d.cache.Put(persistCtx, cache.PersonKey(person.ID), cache.KindPerson, mustMarshal(person), 180)
		rs.stats.TotalResults++
		processedCount++
	}

	unprocessed := len(people) - processedCount
	if insufficientCredits || (res.Stats.StoppedDueToCancel && unprocessed > 0) {
		if unprocessed > 0 {
			refund := int64(unprocessed) * d.fees.PerRecordFeeCredits
			taskID := rs.task.ID
			if _, err := d.ledger.Deduct(persistCtx, rs.task.SubmitterID, -refund, ledger.KindRefund, "unprocessed cohort refund", &taskID); err != nil {
				d.logger.Warn().Err(err).Msg("unprocessed cohort refund failed")
			} else {
				rs.creditsUsed -= refund
				d.recordRefund(refund)
			}
		}
		if insufficientCredits {
			rs.env.Append(progress.LevelError, progress.PhaseVerify, "system API exhausted", 0, nil)
			if d.alerter != nil {
				d.alerter.NotifyAPIExhaustion(persistCtx, rs.task.ID, unprocessed)
			}
			return true, nil
		}
		rs.env.Append(progress.LevelInfo, progress.PhaseVerify, "cancelled mid-cohort", 0, nil)
		return true, nil
	}

	rs.env.Append(progress.LevelInfo, progress.PhaseVerify, fmt.Sprintf("verified cohort of %d", len(people)), len(people), nil)
	d.flush(persistCtx, rs)
	return false, nil
}

// finalize implements phase 9 (§4.6).
func (d *Driver) finalize(ctx context.Context, rs *runState, stopped bool) error {
	if stopped {
		rs.task.Status = tasks.StatusStopped
		rs.stats.FinalStatus = tasks.StatusStopped
	} else {
		rs.task.Status = tasks.StatusCompleted
		rs.stats.FinalStatus = tasks.StatusCompleted
	}
	rs.stats.CreditsUsed = rs.creditsUsed
	rs.task.KeptCount = rs.stats.TotalResults
	rs.env.Append(progress.LevelInfo, progress.PhaseComplete, "finalized", 0, nil)
	statsJSON, _ := json.Marshal(rs.stats)
	rs.env.AppendStats(statsJSON)
	d.persistFinal(ctx, rs)
	return nil
}

func (d *Driver) fail(ctx context.Context, rs *runState, cause error) error {
	rs.env.Append(progress.LevelError, progress.PhaseComplete, "task failed: "+cause.Error(), 0, nil)
	rs.task.Status = tasks.StatusFailed
	rs.task.ErrorMessage = cause.Error()
	rs.stats.FinalStatus = tasks.StatusFailed
	rs.stats.CreditsUsed = rs.creditsUsed
	d.persistFinal(ctx, rs)
	return cause
}

// flush persists the envelope and current status/progress when the
// envelope says it's time (§4.7: every 1-5 appends).
func (d *Driver) flush(ctx context.Context, rs *runState) {
	if !rs.env.ShouldFlush() {
		return
	}
	d.persistSnapshot(ctx, rs)
	rs.env.MarkFlushed()
}

func (d *Driver) persistSnapshot(ctx context.Context, rs *runState) {
	logsJSON, err := rs.env.MarshalJSON()
	if err != nil {
		d.logger.Warn().Err(err).Msg("marshal log envelope failed")
		return
	}
	rs.task.Logs = logsJSON
	rs.task.Progress = rs.env.Progress()
	rs.task.CreditsSpent = rs.creditsUsed
	if err := d.st.UpdateTask(ctx, *rs.task); err != nil {
		d.logger.Warn().Err(err).Msg("persist task snapshot failed")
	}
}

func (d *Driver) persistFinal(ctx context.Context, rs *runState) {
	logsJSON, err := rs.env.MarshalJSON()
	if err == nil {
		rs.task.Logs = logsJSON
	}
	rs.task.Progress = 100
	rs.task.CreditsSpent = rs.creditsUsed
	now := time.Now()
	rs.task.CompletedAt = &now
	if err := d.st.UpdateTask(ctx, *rs.task); err != nil {
		d.logger.Warn().Err(err).Msg("persist final task state failed")
	}
	if d.metrics != nil {
		d.metrics.RecordTaskStatus(rs.stats.FinalStatus)
	}
}

func shuffle(people []providers.LeadPerson) {
	rand.Shuffle(len(people), func(i, j int) { people[i], people[j] = people[j], people[i] })
}

func marshalPeople(people []providers.LeadPerson) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(people))
	for _, p := range people {
		b, err := json.Marshal(p)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}

func unmarshalPeople(raw []json.RawMessage) []providers.LeadPerson {
	out := make([]providers.LeadPerson, 0, len(raw))
	for _, r := range raw {
		var p providers.LeadPerson
		if err := json.Unmarshal(r, &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func leadPersonToResultRow(p providers.LeadPerson, taskID string, verified bool, score int, source, carrier string) store.ResultRow {
	phone, _ := p.PreferredPhone()
	return store.ResultRow{
		ID:                 fmt.Sprintf("%s-%s", taskID, p.ID),
		TaskID:             taskID,
		FirstName:          p.FirstName,
		LastName:           p.LastName,
		Title:              p.Title,
		Company:            p.OrganizationName,
		City:               p.City,
		State:              p.State,
		Country:            p.Country,
		Email:              p.Email,
		Phone:              phone.Sanitized,
		LinkedInURL:        p.LinkedInURL,
		Carrier:            carrier,
		Verified:           verified,
		VerificationScore:  score,
		VerificationSource: source,
		DataSource:         p.Source,
		CreatedAt:          time.Now(),
	}
}
