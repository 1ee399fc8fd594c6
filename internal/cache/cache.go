/*
Package cache implements the Cache Store (C2): a keyed blob cache with
TTL and best-effort hit counting, typed by envelope kind.

Grounded on caching/caching.go's Engine from the teacher — same
get/put/hit-count shape and the same "cache writes are not transactional,
a poisoned entry is re-validated or overwritten on next miss" posture —
generalized from the teacher's semantic (embedding-similarity) lookup down
to the spec's plain exact-key lookup, since §4.2 has no similarity search.
*/
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/leadengine/searchengine/internal/store"
)

// Envelope kinds (§3, §4.2).
const (
	KindSearch       = "search"
	KindPerson       = "person"
	KindVerification = "verification"
)

// SearchEnvelope is the payload shape for KindSearch entries (§3): it
// carries enough of the original provider response to support
// fulfillment-ratio decisions in the pipeline driver (§4.6).
type SearchEnvelope struct {
	Data           []json.RawMessage `json:"data"`
	TotalAvailable int               `json:"totalAvailable"`
	RequestedCount int               `json:"requestedCount"`
	SearchParams   json.RawMessage   `json:"searchParams"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Result is what Get returns on a hit.
type Result struct {
	Kind     string
	Payload  []byte
	HitCount int64
}

// Store is the Cache Store (C2).
type Store struct {
	st     store.Store
	logger zerolog.Logger
}

// New creates a Store backed by st.
func New(st store.Store, logger zerolog.Logger) *Store {
	return &Store{st: st, logger: logger.With().Str("component", "cache").Logger()}
}

// Get looks up key. An entry past its expiry is treated as a miss, even if
// it has not yet been physically purged.
func (s *Store) Get(ctx context.Context, key string) (*Result, bool) {
	row, err := s.st.GetCache(ctx, key)
	if err != nil {
		if err != store.ErrNotFound {
			s.logger.Warn().Err(err).Str("key", key).Msg("cache get failed")
		}
		return nil, false
	}
	if time.Now().After(row.ExpiresAt) {
		return nil, false
	}
	return &Result{Kind: row.Kind, Payload: row.Payload, HitCount: row.HitCount}, true
}

// Put inserts or overwrites the entry at key with the given kind, payload,
// and TTL in days.
func (s *Store) Put(ctx context.Context, key, kind string, payload []byte, ttlDays int) error {
	row := store.CacheRow{
		Key:       key,
		Kind:      kind,
		Payload:   payload,
		ExpiresAt: time.Now().Add(time.Duration(ttlDays) * 24 * time.Hour),
	}
	return s.st.PutCache(ctx, row)
}

// IncrementHit bumps the hit counter for key. Best-effort: failures are
// logged, never surfaced, since a missed hit-count update never changes
// whether a read is served.
func (s *Store) IncrementHit(ctx context.Context, key string) {
	if err := s.st.IncrementCacheHit(ctx, key); err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("cache hit increment failed")
	}
}

// PurgeExpired removes entries whose expiry has passed, returning the
// number purged. Intended to be run periodically by a background janitor
// (SPEC_FULL.md §5 supplemented feature).
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	return s.st.PurgeExpiredCache(ctx, time.Now())
}

// SearchKey builds the apify:<hash> search-envelope cache key (§4.2).
func SearchKey(name, title, state string, requestedCount int) string {
	return "apify:" + hashSearchParams(name, title, state, requestedCount)
}

// PersonKey builds the person:<providerId> cache key (§4.2).
func PersonKey(providerID string) string {
	return "person:" + providerID
}

// FulfillmentRatio returns len(data)/totalAvailable, or 1.0 if
// totalAvailable is zero (nothing to fall short of).
func (e SearchEnvelope) FulfillmentRatio() float64 {
	if e.TotalAvailable <= 0 {
		return 1.0
	}
	return float64(len(e.Data)) / float64(e.TotalAvailable)
}
