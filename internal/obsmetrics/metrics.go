/*
Package obsmetrics exposes process metrics via Prometheus's client_golang,
grounded on observability/metrics.go's metric set from the teacher (request
counters, latency histograms, cache hit rate, wallet/credit operations) —
here reimplemented against the real client library instead of the
teacher's hand-rolled counter/gauge/histogram types, and renamed around
credit spend, cache fulfillment, and the executor/verifier rather than
LLM token usage.
*/
package obsmetrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric this process exports.
type Registry struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	CreditsSpentTotal   *prometheus.CounterVec
	CreditsRefundedTotal prometheus.Counter

	CacheLookupsTotal *prometheus.CounterVec

	TaskStatusTotal *prometheus.CounterVec

	ExecutorRetriesTotal *prometheus.CounterVec
	VerifyOutcomesTotal  *prometheus.CounterVec

	handler http.Handler
}

// New registers every metric against a dedicated registry (not the global
// default, so repeated test construction never panics on duplicate
// registration).
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	r := &Registry{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leadengine_http_requests_total",
			Help: "Total HTTP requests by route and status class.",
		}, []string{"route", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadengine_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		CreditsSpentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leadengine_credits_spent_total",
			Help: "Credits deducted from user balances, by journal kind.",
		}, []string{"kind"}),

		CreditsRefundedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "leadengine_credits_refunded_total",
			Help: "Total credits refunded across all tasks.",
		}),

		CacheLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leadengine_cache_lookups_total",
			Help: "Search cache lookups by outcome (hit, miss, partial).",
		}, []string{"outcome"}),

		TaskStatusTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leadengine_task_status_total",
			Help: "Search tasks reaching a terminal status.",
		}, []string{"status"}),

		ExecutorRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leadengine_executor_retries_total",
			Help: "Verification unit retries by failure class.",
		}, []string{"class"}),

		VerifyOutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leadengine_verify_outcomes_total",
			Help: "Reverse-lookup verification outcomes by source and verified flag.",
		}, []string{"source", "verified"}),
	}

	r.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return r.handler
}

// Middleware records leadengine_http_requests_total and
// leadengine_http_request_duration_seconds for every request, labeled by
// the chi route pattern (not the raw path, so templated routes like
// /v1/search/{token} don't explode cardinality).
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		route := req.URL.Path
		if rc := chi.RouteContext(req.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.RequestsTotal.WithLabelValues(route, strconv.Itoa(status/100)+"xx").Inc()
		r.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// RecordSpend tallies credits deducted from a user balance, by journal
// kind. Refunds (negative deductions) are recorded separately via
// RecordRefund, never here.
func (r *Registry) RecordSpend(kind string, amount int64) {
	if amount <= 0 {
		return
	}
	r.CreditsSpentTotal.WithLabelValues(kind).Add(float64(amount))
}

// RecordRefund tallies credits credited back to a user balance.
func (r *Registry) RecordRefund(amount int64) {
	if amount <= 0 {
		return
	}
	r.CreditsRefundedTotal.Add(float64(amount))
}

// RecordCacheLookup tallies a search-cache lookup outcome (hit, partial,
// or miss, §4.2/§4.6).
func (r *Registry) RecordCacheLookup(outcome string) {
	r.CacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// RecordTaskStatus tallies a Search Task reaching a terminal (or
// insufficient-credits) status.
func (r *Registry) RecordTaskStatus(status string) {
	r.TaskStatusTotal.WithLabelValues(status).Inc()
}

// RecordExecutorRetry tallies a unit entering the executor's per-unit
// retry path, labeled by the failure class that triggered it.
func (r *Registry) RecordExecutorRetry(class string) {
	r.ExecutorRetriesTotal.WithLabelValues(class).Inc()
}

// RecordVerifyOutcome tallies a reverse-lookup verification outcome by
// the site that produced it and whether it was accepted.
func (r *Registry) RecordVerifyOutcome(source string, verified bool) {
	r.VerifyOutcomesTotal.WithLabelValues(source, strconv.FormatBool(verified)).Inc()
}
