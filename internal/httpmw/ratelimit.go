package httpmw

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RateLimiter implements a per-key sliding window limiter, grounded on
// middleware/ratelimit.go's in-memory shape, extended here with a Redis
// backend so limits hold across multiple leadengine instances — the
// teacher's own doc comment flagged this as the extension point
// ("for distributed setups, extend with Redis").
type RateLimiter struct {
	logger  zerolog.Logger
	enabled bool
	rpm     int
	burst   int

	redis *redis.Client // nil: in-memory fallback

	mu      sync.Mutex
	windows map[string]*slidingWindow
}

type slidingWindow struct {
	tokens    []time.Time
	lastClean time.Time
}

// NewRateLimiter creates a RateLimiter. If redisClient is non-nil, sliding
// windows are tracked in Redis (shared across instances); otherwise it
// falls back to a local in-memory window.
func NewRateLimiter(redisClient *redis.Client, logger zerolog.Logger, enabled bool, rpm, burst int) *RateLimiter {
	return &RateLimiter{
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		enabled: enabled,
		rpm:     rpm,
		burst:   burst,
		redis:   redisClient,
		windows: make(map[string]*slidingWindow),
	}
}

// Handler returns the rate-limiting http.Handler.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		key := UserID(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}

		var allowed bool
		var remaining int
		var resetAt time.Time
		if rl.redis != nil {
			allowed, remaining, resetAt = rl.allowRedis(r.Context(), key)
		} else {
			allowed, remaining, resetAt = rl.allowLocal(key)
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.rpm))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			retryAfter := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			http.Error(w, fmt.Sprintf(`{"error":"rate_limit_exceeded","retry_after":%d}`, retryAfter), http.StatusTooManyRequests)
			rl.logger.Warn().Str("key", key).Int("limit", rl.rpm).Msg("rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allowRedis implements the sliding window with a Redis sorted set keyed
// per caller: ZADD the current timestamp, ZREMRANGEBYSCORE anything older
// than the window, ZCARD to count.
func (rl *RateLimiter) allowRedis(ctx context.Context, key string) (bool, int, time.Time) {
	now := time.Now()
	windowStart := now.Add(-1 * time.Minute)
	resetAt := now.Add(1 * time.Minute)
	redisKey := "ratelimit:" + key

	pipe := rl.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Warn().Err(err).Msg("redis rate limit check failed, allowing request")
		return true, rl.rpm, resetAt
	}

	count := int(countCmd.Val())
	remaining := rl.rpm - count
	if remaining <= 0 {
		return false, 0, resetAt
	}

	member := redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()}
	if err := rl.redis.ZAdd(ctx, redisKey, member).Err(); err != nil {
		rl.logger.Warn().Err(err).Msg("redis rate limit token write failed")
	}
	rl.redis.Expire(ctx, redisKey, 2*time.Minute)
	return true, remaining - 1, resetAt
}

func (rl *RateLimiter) allowLocal(key string) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-1 * time.Minute)
	resetAt := now.Add(1 * time.Minute)

	sw, exists := rl.windows[key]
	if !exists {
		sw = &slidingWindow{tokens: make([]time.Time, 0, rl.rpm), lastClean: now}
		rl.windows[key] = sw
	}

	if now.Sub(sw.lastClean) > 10*time.Second {
		valid := make([]time.Time, 0, len(sw.tokens))
		for _, t := range sw.tokens {
			if t.After(windowStart) {
				valid = append(valid, t)
			}
		}
		sw.tokens = valid
		sw.lastClean = now
	}

	count := 0
	for _, t := range sw.tokens {
		if t.After(windowStart) {
			count++
		}
	}

	remaining := rl.rpm - count
	if remaining <= 0 {
		if len(sw.tokens) > 0 {
			resetAt = sw.tokens[0].Add(1 * time.Minute)
		}
		return false, 0, resetAt
	}

	sw.tokens = append(sw.tokens, now)
	return true, remaining - 1, resetAt
}

// Cleanup removes stale in-memory windows; a no-op under the Redis
// backend since TTLs expire those keys automatically.
func (rl *RateLimiter) Cleanup() {
	if rl.redis != nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-2 * time.Minute)
	for key, sw := range rl.windows {
		if len(sw.tokens) == 0 || sw.tokens[len(sw.tokens)-1].Before(cutoff) {
			delete(rl.windows, key)
		}
	}
}
