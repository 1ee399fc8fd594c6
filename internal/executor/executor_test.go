package executor

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func fastConfig() Config {
	return Config{
		BatchSize:         3,
		BatchDelay:        time.Millisecond,
		RetryBaseDelay:    time.Millisecond,
		RateLimitDelay:    time.Millisecond,
		TransportDelay:    time.Millisecond,
		DeferredPreWait:   time.Millisecond,
		DeferredBatchSize: 2,
		DeferredDelay:     time.Millisecond,
	}
}

func TestRunAllSucceed(t *testing.T) {
	units := make([]Unit[int, int], 10)
	for i := range units {
		n := i
		units[i] = Unit[int, int]{Item: n, Call: func(ctx context.Context, item int) (int, Class, error) {
			return item * 2, ClassSuccess, nil
		}}
	}

	res := Run(context.Background(), fastConfig(), units, nil, testLogger())
	if len(res.Successes) != 10 {
		t.Fatalf("expected 10 successes, got %d", len(res.Successes))
	}
	if res.Stats.FailedRequests != 0 {
		t.Fatalf("expected no failures, got %d", res.Stats.FailedRequests)
	}
}

func TestRunClientErrorFailsImmediately(t *testing.T) {
	var calls int64
	units := []Unit[int, int]{
		{Item: 1, Call: func(ctx context.Context, item int) (int, Class, error) {
			atomic.AddInt64(&calls, 1)
			return 0, ClassClientError, errors.New("bad request")
		}},
	}

	res := Run(context.Background(), fastConfig(), units, nil, testLogger())
	if res.Stats.FailedRequests != 1 {
		t.Fatalf("expected 1 failed request, got %d", res.Stats.FailedRequests)
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Fatalf("expected exactly 1 call for a 4xx, got %d", calls)
	}
}

func TestRunServerErrorRetriesThenSucceeds(t *testing.T) {
	var calls int64
	units := []Unit[int, int]{
		{Item: 1, Call: func(ctx context.Context, item int) (int, Class, error) {
			n := atomic.AddInt64(&calls, 1)
			if n < 2 {
				return 0, ClassServerError, errors.New("boom")
			}
			return 42, ClassSuccess, nil
		}},
	}

	res := Run(context.Background(), fastConfig(), units, nil, testLogger())
	if len(res.Successes) != 1 || res.Successes[0] != 42 {
		t.Fatalf("expected eventual success via retry, got %+v", res)
	}
}

func TestRunServerErrorExhaustsIntoDeferredPass(t *testing.T) {
	var calls int64
	units := []Unit[int, int]{
		{Item: 1, Call: func(ctx context.Context, item int) (int, Class, error) {
			n := atomic.AddInt64(&calls, 1)
			if n <= 3 {
				return 0, ClassServerError, errors.New("always down")
			}
			return 7, ClassSuccess, nil
		}},
	}

	res := Run(context.Background(), fastConfig(), units, nil, testLogger())
	if len(res.Successes) != 1 {
		t.Fatalf("expected deferred pass to eventually succeed, got %+v", res)
	}
	if res.Stats.RetryTotal == 0 {
		t.Fatalf("expected deferred retry stats to be populated")
	}
}

func TestRunCreditGatingStopsBeforeNextCohort(t *testing.T) {
	units := make([]Unit[int, int], 9)
	for i := range units {
		units[i] = Unit[int, int]{Item: i, Call: func(ctx context.Context, item int) (int, Class, error) {
			return item, ClassSuccess, nil
		}}
	}

	var cohorts int
	canAfford := func(n int) bool {
		cohorts++
		return cohorts <= 1
	}

	res := Run(context.Background(), fastConfig(), units, canAfford, testLogger())
	if !res.Stats.StoppedDueToCredits {
		t.Fatalf("expected StoppedDueToCredits")
	}
	if len(res.Successes) != 3 {
		t.Fatalf("expected only the first cohort (3 units) to run, got %d", len(res.Successes))
	}
}

func TestRunCancellationStopsBetweenCohorts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	units := make([]Unit[int, int], 9)
	for i := range units {
		n := i
		units[i] = Unit[int, int]{Item: n, Call: func(ctx context.Context, item int) (int, Class, error) {
			if item == 2 {
				cancel()
			}
			return item, ClassSuccess, nil
		}}
	}

	res := Run(ctx, fastConfig(), units, nil, testLogger())
	if !res.Stats.StoppedDueToCancel {
		t.Fatalf("expected StoppedDueToCancel")
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := map[int]Class{
		200: ClassSuccess,
		429: ClassRateLimited,
		500: ClassServerError,
		503: ClassServerError,
		404: ClassClientError,
		-1:  ClassTransport,
	}
	for status, want := range cases {
		if got := ClassifyHTTPStatus(status); got != want {
			t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", status, got, want)
		}
	}
}
