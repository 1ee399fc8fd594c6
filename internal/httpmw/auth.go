/*
Package httpmw implements the inbound HTTP ambient stack (§4 of
SPEC_FULL.md): auth, rate limiting, CORS/security headers, and per-route
timeouts, mounted by internal/httpapi ahead of the search routes.

Grounded on middleware/auth.go's AuthMiddleware shape from the teacher —
context keys, a short-lived validated-key cache, Bearer-prefix stripping.
Per §6's Non-goals (authentication/session/RBAC out of scope), this is
the minimal stand-in the core consumes rather than a full auth system:
the bearer token IS the user ID, resolved straight against store.Store.
*/
package httpmw

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leadengine/searchengine/internal/store"
)

type contextKey string

const (
	UserIDContextKey contextKey = "user_id"
)

// AuthMiddleware validates bearer tokens by resolving them directly as a
// store.Store user ID, per §6's minimal-stand-in posture.
type AuthMiddleware struct {
	st        store.Store
	logger    zerolog.Logger
	cache     sync.Map
	cacheTTL  time.Duration
	headerKey string
}

type cachedAuth struct {
	expiresAt time.Time
}

// NewAuthMiddleware creates an AuthMiddleware.
func NewAuthMiddleware(st store.Store, logger zerolog.Logger, headerKey string) *AuthMiddleware {
	if headerKey == "" {
		headerKey = "Authorization"
	}
	return &AuthMiddleware{
		st:        st,
		logger:    logger.With().Str("component", "auth").Logger(),
		cacheTTL:  5 * time.Minute,
		headerKey: headerKey,
	}
}

// Handler returns the middleware http.Handler.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get(am.headerKey)
		if authHeader == "" {
			http.Error(w, `{"error":"missing authentication"}`, http.StatusUnauthorized)
			return
		}

		userID := authHeader
		if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			userID = authHeader[len("bearer "):]
		}
		if userID == "" {
			http.Error(w, `{"error":"invalid authentication"}`, http.StatusUnauthorized)
			return
		}

		if cached, ok := am.cache.Load(userID); ok {
			ca := cached.(*cachedAuth)
			if time.Now().Before(ca.expiresAt) {
				ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			am.cache.Delete(userID)
		}

		u, err := am.st.GetUser(r.Context(), userID)
		if err != nil || u.Status != "active" {
			http.Error(w, `{"error":"invalid authentication"}`, http.StatusUnauthorized)
			return
		}
		am.cache.Store(userID, &cachedAuth{expiresAt: time.Now().Add(am.cacheTTL)})

		ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID extracts the authenticated user ID from the request context.
func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDContextKey).(string); ok {
		return v
	}
	return ""
}
