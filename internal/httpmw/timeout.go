package httpmw

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// routeTimeouts maps a request-path prefix to the timeout that should
// bound it, grounded on middleware/timeout.go's per-upstream timeout
// resolution — there it picked a timeout per LLM model, here it picks one
// per route group since the upstreams driving duration (scrape proxy vs.
// bulk discovery provider) differ by route, not by caller-supplied model.
type routeTimeouts struct {
	defaultTimeout   time.Duration
	scrapeTimeout    time.Duration
	discoveryTimeout time.Duration
}

func (rt routeTimeouts) resolve(path string) time.Duration {
	switch {
	case strings.Contains(path, "/search/preview"):
		return rt.scrapeTimeout
	case strings.HasSuffix(path, "/search") || strings.Contains(path, "/search/"):
		return rt.discoveryTimeout
	default:
		return rt.defaultTimeout
	}
}

// Timeout bounds request handling to a per-route duration and writes a 503
// if the handler hasn't responded in time. Grounded on
// middleware/timeout.go's timeoutWriter: the handler keeps running in its
// own goroutine after the deadline fires, so the writer must serialize
// access between that goroutine and the one that wrote the timeout
// response, and must never panic on a late write.
func Timeout(defaultTimeout, scrapeTimeout, discoveryTimeout time.Duration, logger zerolog.Logger) func(http.Handler) http.Handler {
	rt := routeTimeouts{defaultTimeout: defaultTimeout, scrapeTimeout: scrapeTimeout, discoveryTimeout: discoveryTimeout}
	log := logger.With().Str("component", "timeout").Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := rt.resolve(r.URL.Path)
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			tw := &timeoutWriter{ResponseWriter: w, header: make(http.Header)}
			done := make(chan struct{})

			go func() {
				defer close(done)
				next.ServeHTTP(tw, r.WithContext(ctx))
			}()

			select {
			case <-done:
				tw.mu.Lock()
				tw.flush()
				tw.mu.Unlock()
			case <-ctx.Done():
				tw.mu.Lock()
				if !tw.wroteHeader {
					tw.timedOut = true
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusServiceUnavailable)
					_, _ = w.Write([]byte(`{"error":"request timed out"}`))
					log.Warn().Str("path", r.URL.Path).Dur("timeout", d).Msg("request timed out")
				}
				tw.mu.Unlock()
			}
		})
	}
}

// timeoutWriter buffers handler writes behind a mutex so a late write from
// a still-running handler goroutine never races the timeout branch's own
// response write.
type timeoutWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	header      http.Header
	buf         []byte
	statusCode  int
	wroteHeader bool
	timedOut    bool
}

func (tw *timeoutWriter) Header() http.Header {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.header
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.wroteHeader || tw.timedOut {
		return
	}
	tw.statusCode = code
	tw.wroteHeader = true
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return len(b), nil
	}
	if !tw.wroteHeader {
		tw.statusCode = http.StatusOK
		tw.wroteHeader = true
	}
	tw.buf = append(tw.buf, b...)
	return len(b), nil
}

// flush must be called with tw.mu held.
func (tw *timeoutWriter) flush() {
	if tw.timedOut {
		return
	}
	dst := tw.ResponseWriter.Header()
	for k, v := range tw.header {
		dst[k] = v
	}
	if tw.wroteHeader {
		tw.ResponseWriter.WriteHeader(tw.statusCode)
	}
	if len(tw.buf) > 0 {
		_, _ = tw.ResponseWriter.Write(tw.buf)
	}
}
