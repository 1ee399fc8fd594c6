/*
Package httpapi mounts the inbound HTTP surface (§4 of SPEC_FULL.md) on a
chi router, grounded on router/router.go's middleware-chain-ordering and
handler/providers.go's handler-struct-plus-writeJSON shape from the
teacher: CORS → security headers → request id → recoverer → request
logger → body size limit → auth → rate limit → header normalization →
per-route timeout, then the /v1/search routes and /healthz, /ready,
/metrics.
*/
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/leadengine/searchengine/internal/cache"
	"github.com/leadengine/searchengine/internal/config"
	"github.com/leadengine/searchengine/internal/httpmw"
	"github.com/leadengine/searchengine/internal/ledger"
	"github.com/leadengine/searchengine/internal/obsmetrics"
	"github.com/leadengine/searchengine/internal/pipeline"
	"github.com/leadengine/searchengine/internal/providers"
	"github.com/leadengine/searchengine/internal/store"
	"github.com/leadengine/searchengine/internal/tasks"
)

// Deps bundles everything the search handlers depend on.
type Deps struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Cache     *cache.Store
	Providers *providers.Registry
	Tasks     *tasks.Service
	Driver    *pipeline.Driver
	Metrics   *obsmetrics.Registry
	Config    *config.Config
	Redis     *redis.Client // nil: rate limiter falls back to in-memory
	Logger    zerolog.Logger
}

// NewRouter builds the fully-wired chi router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(httpmw.CORS(nil))
	r.Use(httpmw.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(httpmw.RequestLogger(d.Logger))
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}
	r.Use(httpmw.MaxBodySize(d.Config.MaxBodyBytes))

	r.Get("/healthz", healthzHandler)
	r.Get("/ready", readyHandler(d.Store))
	if d.Metrics != nil {
		r.Get("/metrics", d.Metrics.Handler().ServeHTTP)
	}

	auth := httpmw.NewAuthMiddleware(d.Store, d.Logger, d.Config.APIKeyHeader)
	rl := httpmw.NewRateLimiter(d.Redis, d.Logger, d.Config.RateLimitEnabled, d.Config.RateLimitRPM, d.Config.RateLimitBurst)
	timeout := httpmw.Timeout(d.Config.DefaultTimeout, d.Config.ScrapeTimeout, d.Config.DiscoveryTimeout, d.Logger)

	h := newSearchHandler(d)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(auth.Handler)
		v1.Use(rl.Handler)
		v1.Use(httpmw.NormalizeHeaders)
		v1.Use(timeout)

		v1.Post("/search/preview", h.Preview)
		v1.Post("/search", h.Submit)
		v1.Get("/search/{token}", h.Status)
		v1.Get("/search/{token}/results", h.Results)
		v1.Get("/search/{token}/export.csv", h.ExportCSV)
		v1.Post("/search/{token}/cancel", h.Cancel)
	})

	return r
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func readyHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := st.GetUser(r.Context(), "__readiness_probe__"); err != nil && err != store.ErrNotFound {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not-ready"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
