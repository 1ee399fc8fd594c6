/*
Package executor implements the Batched Concurrency Executor (C5): runs N
asynchronous units of work against a rate-sensitive upstream with bounded
in-flight, predictable inter-batch pacing, and a two-phase retry strategy.

Grounded on middleware/concurrency.go's AtomicCounter and the teacher's
cohort-of-goroutines-with-WaitGroup idiom; the per-unit exponential backoff
(§4.5) uses cenkalti/backoff/v5, the same retry library family the rest of
the example pack reaches for rather than a hand-rolled sleep loop.
*/
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// ServerError is surfaced when a unit exhausts its 5xx retry budget (§4.5).
type ServerError struct{ Cause error }

func (e *ServerError) Error() string { return "server error: " + e.Cause.Error() }
func (e *ServerError) Unwrap() error { return e.Cause }

// RateLimitError is surfaced when a unit exhausts its 429 retry budget; the
// unit is not failed, it is queued for the deferred retry pass (§4.5).
type RateLimitError struct{ Cause error }

func (e *RateLimitError) Error() string { return "rate limited: " + e.Cause.Error() }
func (e *RateLimitError) Unwrap() error { return e.Cause }

// Classifier lets the caller map a raw unit-of-work error onto the
// {5xx, 429, transport, other-4xx} taxonomy the retry policy needs (§4.5).
// httpclass.go provides ClassifyHTTPStatus for adapters built on net/http.
type Classifier func(err error) Class

// Class is the outcome taxonomy a unit-of-work call can report.
type Class int

const (
	ClassSuccess Class = iota
	ClassServerError
	ClassRateLimited
	ClassTransport
	ClassClientError // 4xx other than 429: fail immediately, no retry
)

// String renders a Class as a metrics label.
func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassServerError:
		return "server_error"
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransport:
		return "transport"
	case ClassClientError:
		return "client_error"
	default:
		return "unknown"
	}
}

// Config holds the executor's batching and retry knobs (§4.5 defaults).
type Config struct {
	BatchSize        int
	BatchDelay       time.Duration
	RetryBaseDelay   time.Duration
	RateLimitDelay   time.Duration
	TransportDelay   time.Duration
	DeferredPreWait  time.Duration
	DeferredBatchSize int
	DeferredDelay    time.Duration

	// OnRetry, if set, is called once per unit that enters the per-unit
	// retry path (immediate 5xx/429/transport retry), labeled by the class
	// that triggered it. Optional instrumentation hook; the executor stays
	// unaware of whatever metrics system the caller wires it to.
	OnRetry func(class Class)
}

// DefaultConfig returns the spec's stated defaults (§4.5).
func DefaultConfig() Config {
	return Config{
		BatchSize:         30,
		BatchDelay:        500 * time.Millisecond,
		RetryBaseDelay:    2000 * time.Millisecond,
		RateLimitDelay:    1000 * time.Millisecond,
		TransportDelay:    1000 * time.Millisecond,
		DeferredPreWait:   3000 * time.Millisecond,
		DeferredBatchSize: 8,
		DeferredDelay:     800 * time.Millisecond,
	}
}

// Unit is one item of work submitted to the executor.
type Unit[T any, R any] struct {
	Item T
	Call func(ctx context.Context, item T) (R, Class, error)
}

// Stats matches §4.5's output shape.
type Stats struct {
	Requests            int64
	FailedRequests      int64
	RetrySuccess         int64
	RetryTotal           int64
	TotalBatches         int64
	StoppedDueToCredits bool
	StoppedDueToCancel  bool
}

// Result is the overall outcome of Run.
type Result[R any] struct {
	Successes []R
	Failures  []error
	Stats     Stats
}

// CanAffordNext is the credit-gating hook consulted before each cohort
// (§4.5): return false to stop further cohorts with StoppedDueToCredits.
type CanAffordNext func(n int) bool

// Run executes units in fixed-size cohorts, then a deferred retry pass over
// anything that raised RateLimitError/ServerError, per §4.5.
func Run[T any, R any](ctx context.Context, cfg Config, units []Unit[T, R], canAfford CanAffordNext, logger zerolog.Logger) Result[R] {
	if cfg.BatchSize <= 0 {
		cfg = DefaultConfig()
	}

	result := Result[R]{}
	var deferredUnits []Unit[T, R]

	remaining := units
	for len(remaining) > 0 {
		if ctx.Err() != nil {
			result.Stats.StoppedDueToCancel = true
			break
		}

		batchSize := cfg.BatchSize
		if batchSize > len(remaining) {
			batchSize = len(remaining)
		}
		batch := remaining[:batchSize]
		remaining = remaining[batchSize:]

		if canAfford != nil && !canAfford(len(batch)) {
			result.Stats.StoppedDueToCredits = true
			break
		}

		runCohort(ctx, cfg, batch, &result, &deferredUnits, logger)
		result.Stats.TotalBatches++

		if len(remaining) > 0 {
			select {
			case <-ctx.Done():
				result.Stats.StoppedDueToCancel = true
				return finish(result, deferredUnits, cfg, ctx, logger)
			case <-time.After(cfg.BatchDelay):
			}
		}
	}

	return finish(result, deferredUnits, cfg, ctx, logger)
}

// finish runs the deferred retry pass (§4.5) unless the main pass was cut
// short by cancellation or credit exhaustion, then returns the merged
// result.
func finish[T any, R any](result Result[R], deferredUnits []Unit[T, R], cfg Config, ctx context.Context, logger zerolog.Logger) Result[R] {
	if len(deferredUnits) == 0 || result.Stats.StoppedDueToCancel || result.Stats.StoppedDueToCredits {
		return result
	}

	select {
	case <-ctx.Done():
		result.Stats.StoppedDueToCancel = true
		return result
	case <-time.After(cfg.DeferredPreWait):
	}

	deferredCfg := cfg
	deferredCfg.BatchSize = cfg.DeferredBatchSize
	deferredCfg.BatchDelay = cfg.DeferredDelay

	remaining := deferredUnits
	var unused []Unit[T, R] // deferred pass does not re-defer
	for len(remaining) > 0 {
		if ctx.Err() != nil {
			result.Stats.StoppedDueToCancel = true
			break
		}
		batchSize := deferredCfg.BatchSize
		if batchSize > len(remaining) {
			batchSize = len(remaining)
		}
		batch := remaining[:batchSize]
		remaining = remaining[batchSize:]

		before := len(result.Successes)
		runCohort(ctx, deferredCfg, batch, &result, &unused, logger)
		result.Stats.RetrySuccess += int64(len(result.Successes) - before)
		result.Stats.RetryTotal += int64(len(batch))
		result.Stats.TotalBatches++

		if len(remaining) > 0 {
			select {
			case <-ctx.Done():
				result.Stats.StoppedDueToCancel = true
				return result
			case <-time.After(deferredCfg.BatchDelay):
			}
		}
	}
	return result
}

// runCohort launches all units in a batch concurrently and waits for all of
// them; failures of individual units never delay successful siblings
// (§4.5).
func runCohort[T any, R any](ctx context.Context, cfg Config, batch []Unit[T, R], result *Result[R], deferred *[]Unit[T, R], logger zerolog.Logger) {
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, unit := range batch {
		wg.Add(1)
		go func(u Unit[T, R]) {
			defer wg.Done()
			res, class, err := callWithImmediateRetry(ctx, cfg, u, logger)

			mu.Lock()
			defer mu.Unlock()
			result.Stats.Requests++
			switch class {
			case ClassSuccess:
				result.Successes = append(result.Successes, res)
			case ClassRateLimited, ClassServerError:
				*deferred = append(*deferred, u)
			default:
				result.Stats.FailedRequests++
				if err != nil {
					result.Failures = append(result.Failures, err)
				}
			}
		}(unit)
	}
	wg.Wait()
}

// callWithImmediateRetry applies the per-unit retry policy (§4.5):
//   - 5xx: up to 3 attempts total (the initial call plus 2 retries), delays
//     base before the first retry and 2*base before the second.
//   - 429: immediate retry up to 2 attempts separated by 1s.
//   - transport: retry once after 1s.
//   - other 4xx: fail immediately.
func callWithImmediateRetry[T any, R any](ctx context.Context, cfg Config, u Unit[T, R], logger zerolog.Logger) (R, Class, error) {
	res, class, err := u.Call(ctx, u.Item)
	if class == ClassSuccess {
		return res, class, nil
	}

	if cfg.OnRetry != nil && (class == ClassServerError || class == ClassRateLimited || class == ClassTransport) {
		cfg.OnRetry(class)
	}

	switch class {
	case ClassServerError:
		return retryServerError(ctx, cfg, u)
	case ClassRateLimited:
		return retryRateLimited(ctx, cfg, u)
	case ClassTransport:
		return retryTransport(ctx, cfg, u)
	default: // ClassClientError
		return res, class, err
	}
}

// retryServerError is reached after the initial call already returned
// ClassServerError, so it is responsible for at most 2 further attempts
// (3 total, §4.5). The first retry waits base, the second waits 2*base —
// arithmeticBackOff is seeded at count 1 so its first NextBackOff() call
// (consumed between the two retries below) returns 2*base rather than
// restarting the sequence at base.
func retryServerError[T any, R any](ctx context.Context, cfg Config, u Unit[T, R]) (R, Class, error) {
	select {
	case <-ctx.Done():
		var zero R
		return zero, ClassServerError, ctx.Err()
	case <-time.After(cfg.RetryBaseDelay):
	}

	var lastErr error
	operation := func() (R, error) {
		res, class, err := u.Call(ctx, u.Item)
		if class == ClassSuccess {
			return res, nil
		}
		lastErr = err
		if class != ClassServerError {
			// escalated to a different class mid-retry: stop backing off.
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&arithmeticBackOff{base: cfg.RetryBaseDelay, count: 1}),
		backoff.WithMaxTries(uint(2)),
	)
	if err == nil {
		return res, ClassSuccess, nil
	}
	if lastErr == nil {
		lastErr = err
	}
	return res, ClassServerError, &ServerError{Cause: lastErr}
}

// arithmeticBackOff implements backoff.BackOff with the spec's delay
// sequence base, 2*base, 3*base (§4.5) rather than the library's usual
// exponential growth.
type arithmeticBackOff struct {
	base  time.Duration
	count int
}

func (a *arithmeticBackOff) NextBackOff() time.Duration {
	a.count++
	return time.Duration(a.count) * a.base
}

func (a *arithmeticBackOff) Reset() { a.count = 0 }

func retryRateLimited[T any, R any](ctx context.Context, cfg Config, u Unit[T, R]) (R, Class, error) {
	var res R
	var class Class
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case <-ctx.Done():
			return res, ClassRateLimited, ctx.Err()
		case <-time.After(cfg.RateLimitDelay):
		}
		res, class, err = u.Call(ctx, u.Item)
		if class == ClassSuccess {
			return res, class, nil
		}
		if class != ClassRateLimited {
			return res, class, err
		}
	}
	return res, ClassRateLimited, &RateLimitError{Cause: err}
}

func retryTransport[T any, R any](ctx context.Context, cfg Config, u Unit[T, R]) (R, Class, error) {
	select {
	case <-ctx.Done():
		var zero R
		return zero, ClassTransport, ctx.Err()
	case <-time.After(cfg.TransportDelay):
	}
	return u.Call(ctx, u.Item)
}
