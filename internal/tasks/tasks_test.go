package tasks

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/leadengine/searchengine/internal/store"
	"github.com/leadengine/searchengine/internal/store/memstore"
)

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func TestMapStatus(t *testing.T) {
	cases := map[string]string{
		PhaseInitializing: StatusRunning,
		PhaseSearching:    StatusRunning,
		PhaseProcessing:   StatusRunning,
		PhaseVerifying:    StatusRunning,
		StatusCompleted:   StatusCompleted,
		StatusStopped:     StatusStopped,
	}
	for in, want := range cases {
		if got := MapStatus(in); got != want {
			t.Errorf("MapStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFingerprintDeterministicAndCaseInsensitive(t *testing.T) {
	p1 := Params{Name: "Jane Doe", Title: "VP Sales", State: "CA", RequestedCount: 50, Mode: "standard"}
	p2 := Params{Name: "jane doe", Title: "vp sales", State: "ca", RequestedCount: 50, Mode: "standard"}
	if p1.Fingerprint() != p2.Fingerprint() {
		t.Fatalf("expected case-insensitive fingerprint match")
	}

	p3 := Params{Name: "Jane Doe", Title: "VP Sales", State: "CA", RequestedCount: 51, Mode: "standard"}
	if p1.Fingerprint() == p3.Fingerprint() {
		t.Fatalf("expected different requestedCount to change fingerprint")
	}
}

func TestCreateGetCancel(t *testing.T) {
	ms := memstore.New()
	ms.SeedUser(store.User{ID: "u1", Balance: 100, Status: "active"})
	svc := New(ms, testLogger())

	row, err := svc.Create(context.Background(), "u1", Params{Name: "Jane", RequestedCount: 10, Mode: "standard"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if row.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", row.Status)
	}

	got, err := svc.Get(context.Background(), row.Token)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != row.ID {
		t.Fatalf("expected same task, got different id")
	}

	if err := svc.Cancel(context.Background(), row.Token, "u1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ = svc.Get(context.Background(), row.Token)
	if got.Status != StatusStopped {
		t.Fatalf("expected stopped after cancel, got %s", got.Status)
	}
}

func TestCancelWrongUserRejected(t *testing.T) {
	ms := memstore.New()
	ms.SeedUser(store.User{ID: "u1", Balance: 100, Status: "active"})
	svc := New(ms, testLogger())

	row, _ := svc.Create(context.Background(), "u1", Params{Name: "Jane", RequestedCount: 10})
	if err := svc.Cancel(context.Background(), row.Token, "someone-else"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound for mismatched owner, got %v", err)
	}
}

func TestCancelTerminalTaskIsNoop(t *testing.T) {
	ms := memstore.New()
	ms.SeedUser(store.User{ID: "u1", Balance: 100, Status: "active"})
	svc := New(ms, testLogger())

	row, _ := svc.Create(context.Background(), "u1", Params{Name: "Jane", RequestedCount: 10})
	row.Status = StatusCompleted
	if err := ms.UpdateTask(context.Background(), *row); err != nil {
		t.Fatalf("seed completed: %v", err)
	}

	if err := svc.Cancel(context.Background(), row.Token, "u1"); err != nil {
		t.Fatalf("cancel on terminal task should be a no-op, not an error: %v", err)
	}
	got, _ := svc.Get(context.Background(), row.Token)
	if got.Status != StatusCompleted {
		t.Fatalf("terminal status must not change, got %s", got.Status)
	}
}
