package cache

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/leadengine/searchengine/internal/store"
	"github.com/leadengine/searchengine/internal/store/memstore"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestGetMissWhenAbsent(t *testing.T) {
	c := New(memstore.New(), testLogger())
	if _, hit := c.Get(context.Background(), "nope"); hit {
		t.Fatalf("expected miss for absent key")
	}
}

func TestPutThenGetHit(t *testing.T) {
	c := New(memstore.New(), testLogger())
	key := SearchKey("Jane Doe", "VP Sales", "CA", 50)

	if err := c.Put(context.Background(), key, KindSearch, []byte(`{"a":1}`), 180); err != nil {
		t.Fatalf("put: %v", err)
	}

	res, hit := c.Get(context.Background(), key)
	if !hit {
		t.Fatalf("expected hit after put")
	}
	if res.Kind != KindSearch {
		t.Fatalf("expected kind=search, got %s", res.Kind)
	}
}

func TestExpiredEntryIsMiss(t *testing.T) {
	ms := memstore.New()
	c := New(ms, testLogger())
	key := PersonKey("provider-123")

	// Write directly through the store with an expiry in the past, since
	// Put always computes expiresAt in the future.
	if err := ms.PutCache(context.Background(), store.CacheRow{
		Key:       key,
		Kind:      KindPerson,
		Payload:   []byte(`{}`),
		ExpiresAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	if _, hit := c.Get(context.Background(), key); hit {
		t.Fatalf("expected miss for expired entry")
	}
}

func TestIncrementHitIsBestEffort(t *testing.T) {
	c := New(memstore.New(), testLogger())
	// IncrementHit on a missing key must not panic and must not return
	// anything the caller has to handle.
	c.IncrementHit(context.Background(), "missing-key")
}

func TestPurgeExpiredRemovesOnlyExpired(t *testing.T) {
	ms := memstore.New()
	c := New(ms, testLogger())

	fresh := SearchKey("A", "B", "C", 10)
	stale := PersonKey("stale-provider")

	if err := c.Put(context.Background(), fresh, KindSearch, []byte(`{}`), 180); err != nil {
		t.Fatalf("put fresh: %v", err)
	}
	if err := ms.PutCache(context.Background(), store.CacheRow{
		Key:       stale,
		Kind:      KindPerson,
		Payload:   []byte(`{}`),
		ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("seed stale: %v", err)
	}

	n, err := c.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}

	if _, hit := c.Get(context.Background(), fresh); !hit {
		t.Fatalf("fresh entry should survive purge")
	}
}

func TestFulfillmentRatio(t *testing.T) {
	env := SearchEnvelope{TotalAvailable: 60}
	env.Data = make([]json.RawMessage, 50)
	ratio := env.FulfillmentRatio()
	if ratio < 0.83 || ratio > 0.84 {
		t.Fatalf("expected ~0.833, got %f", ratio)
	}
}
