package ledger

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/leadengine/searchengine/internal/store"
	"github.com/leadengine/searchengine/internal/store/memstore"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestDeductInsufficientBalance(t *testing.T) {
	ms := memstore.New()
	ms.SeedUser(store.User{ID: "u1", Balance: 10, Status: "active"})
	l := New(ms, testLogger())

	_, err := l.Deduct(context.Background(), "u1", 50, KindSearchSpend, "test", nil)
	if err != ErrInsufficientCredits {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	bal, err := l.Balance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 10 {
		t.Fatalf("balance should be unchanged on rejected deduct, got %d", bal)
	}
}

func TestDeductSuccess(t *testing.T) {
	ms := memstore.New()
	ms.SeedUser(store.User{ID: "u1", Balance: 100, Status: "active"})
	l := New(ms, testLogger())

	res, err := l.Deduct(context.Background(), "u1", 30, KindSearchSpend, "base fee", nil)
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if !res.OK || res.NewBalance != 70 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPreauthorizeThenSettleRefund(t *testing.T) {
	ms := memstore.New()
	ms.SeedUser(store.User{ID: "u1", Balance: 1000, Status: "active"})
	l := New(ms, testLogger())
	taskID := "task-1"

	pre, err := l.Preauthorize(context.Background(), "u1", 100, &taskID)
	if err != nil {
		t.Fatalf("preauthorize: %v", err)
	}
	if !pre.OK || pre.NewBalance != 900 {
		t.Fatalf("unexpected preauth result: %+v", pre)
	}

	settle, err := l.Settle(context.Background(), "u1", 100, 60, &taskID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settle.Refunded != 40 || settle.NewBalance != 940 {
		t.Fatalf("unexpected settle result: %+v", settle)
	}
}

func TestSettleShortfallClampsToZero(t *testing.T) {
	ms := memstore.New()
	ms.SeedUser(store.User{ID: "u1", Balance: 1000, Status: "active"})
	l := New(ms, testLogger())
	taskID := "task-1"

	// Preauthorize the full balance, then claim actual spend exceeded it —
	// simulating a cost overrun the ledger must absorb rather than reject.
	if _, err := l.Preauthorize(context.Background(), "u1", 1000, &taskID); err != nil {
		t.Fatalf("preauthorize: %v", err)
	}

	settle, err := l.Settle(context.Background(), "u1", 1000, 1500, &taskID)
	if err != nil {
		t.Fatalf("settle should never fail outright: %v", err)
	}
	if settle.NewBalance != 0 {
		t.Fatalf("expected clamped balance 0, got %d", settle.NewBalance)
	}
}

func TestDeductSerializesConcurrentCallers(t *testing.T) {
	ms := memstore.New()
	ms.SeedUser(store.User{ID: "u1", Balance: 1000, Status: "active"})
	l := New(ms, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Deduct(context.Background(), "u1", 1, KindSearchSpend, "concurrent", nil)
		}()
	}
	wg.Wait()

	bal, err := l.Balance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 900 {
		t.Fatalf("expected no lost updates, balance=900, got %d", bal)
	}
}

func TestUserNotFound(t *testing.T) {
	ms := memstore.New()
	l := New(ms, testLogger())

	if _, err := l.Balance(context.Background(), "missing"); err != ErrUserNotFound {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
