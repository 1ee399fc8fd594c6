package verify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func newTestVerifier(t *testing.T, handler http.HandlerFunc) *Verifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig(srv.URL, "test-token")
	cfg.MaxRetries = 0
	return New(cfg, srv.Client(), zerolog.New(io.Discard))
}

type lookupWire struct {
	NameOnFile string `json:"name_on_file"`
	Age        *int   `json:"age"`
	State      string `json:"state"`
	City       string `json:"city"`
	LineType   string `json:"line_type"`
	Carrier    string `json:"carrier"`
}

func TestVerifyPrimaryAccepts(t *testing.T) {
	v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		age := 35
		_ = json.NewEncoder(w).Encode(lookupWire{NameOnFile: "Jane Doe", Age: &age, State: "California", City: "San Francisco", LineType: "mobile"})
	})

	out := v.Verify(context.Background(), Candidate{FirstName: "Jane", LastName: "Doe", Phone: "5551234567", MinAge: 30, MaxAge: 40, State: "CA", City: "San Francisco"})
	if !out.Verified || out.Source != SourcePrimary {
		t.Fatalf("expected primary accept, got %+v", out)
	}
	// name(40) + age-in-range(30) + state(+20, "CA" is a case-insensitive
	// substring of "California") + city(+10) = 100.
	if out.MatchScore != 100 {
		t.Fatalf("expected score 100, got %d", out.MatchScore)
	}
}

func TestVerifyAgeOutOfRangeRejectsWithPartialScore(t *testing.T) {
	v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		age := 90
		_ = json.NewEncoder(w).Encode(lookupWire{NameOnFile: "Jane Doe", Age: &age})
	})

	out := v.Verify(context.Background(), Candidate{FirstName: "Jane", LastName: "Doe", Phone: "555", MinAge: 30, MaxAge: 40})
	if out.Verified {
		t.Fatalf("expected rejection on out-of-range age")
	}
	if out.MatchScore != 40 {
		t.Fatalf("expected partial score 40 (name only), got %d", out.MatchScore)
	}
}

func TestVerifyFallbackUsedWhenPrimaryBelowThreshold(t *testing.T) {
	calls := 0
	v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		age := 35
		site := r.URL.Query().Get("site")
		name := "Someone Else"
		if site == "fallback" {
			name = "Jane Doe"
		}
		_ = json.NewEncoder(w).Encode(lookupWire{NameOnFile: name, Age: &age})
	})

	out := v.Verify(context.Background(), Candidate{FirstName: "Jane", LastName: "Doe", Phone: "555", MinAge: 30, MaxAge: 40})
	if calls != 2 {
		t.Fatalf("expected both sites called, got %d calls", calls)
	}
	if !out.Verified || out.Source != SourceFallback {
		t.Fatalf("expected fallback accept, got %+v", out)
	}
}

func TestVerifyInsufficientCreditsShortCircuits(t *testing.T) {
	calls := 0
	v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	})

	out := v.Verify(context.Background(), Candidate{FirstName: "Jane", LastName: "Doe", Phone: "555", MinAge: 30, MaxAge: 40})
	if out.ApiError != ApiErrorInsufficientCredits {
		t.Fatalf("expected insufficient-credits signal, got %+v", out)
	}
	if calls != 1 {
		t.Fatalf("expected short-circuit after primary, got %d calls", calls)
	}
}

func TestVerifyNeitherAcceptsReturnsHigherScore(t *testing.T) {
	v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		age := 35
		site := r.URL.Query().Get("site")
		state := ""
		if site == "fallback" {
			state = "CA"
		}
		_ = json.NewEncoder(w).Encode(lookupWire{NameOnFile: "Someone Else", Age: &age, State: state})
	})

	out := v.Verify(context.Background(), Candidate{FirstName: "Jane", LastName: "Doe", Phone: "555", MinAge: 30, MaxAge: 40, State: "CA"})
	if out.Verified {
		t.Fatalf("expected no acceptance since name never matches")
	}
	if out.Source != SourceFallback {
		t.Fatalf("expected fallback's higher score (age+state) to win, got %+v", out)
	}
}

func TestVerifyUnconfiguredAgeWindowSkipsAgeGate(t *testing.T) {
	v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(lookupWire{NameOnFile: "Jane Doe", State: "California", City: "San Francisco"})
	})

	out := v.Verify(context.Background(), Candidate{FirstName: "Jane", LastName: "Doe", Phone: "5551234567", State: "CA", City: "San Francisco"})
	if !out.Verified || out.Source != SourcePrimary {
		t.Fatalf("expected accept with no age window configured, got %+v", out)
	}
	if out.MatchScore != 100 {
		t.Fatalf("expected full score without an age constraint, got %d", out.MatchScore)
	}
}

func TestDetectPhoneType(t *testing.T) {
	cases := map[string]string{"Mobile": "mobile", "VOIP": "voip", "Landline": "landline", "": ""}
	for in, want := range cases {
		if got := detectPhoneType(in); got != want {
			t.Errorf("detectPhoneType(%q) = %q, want %q", in, got, want)
		}
	}
}
