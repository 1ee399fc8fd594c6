package providers

import (
	"context"
	"testing"
)

func TestPreferredPhonePrefersMobile(t *testing.T) {
	p := LeadPerson{Phones: []Phone{
		{Raw: "555-0100", Type: PhoneWork, Position: 0},
		{Raw: "555-0101", Type: PhoneMobile, Position: 1},
	}}
	got, ok := p.PreferredPhone()
	if !ok || got.Type != PhoneMobile {
		t.Fatalf("expected mobile phone selected, got %+v", got)
	}
}

func TestPreferredPhoneFallsBackToFirst(t *testing.T) {
	p := LeadPerson{Phones: []Phone{
		{Raw: "555-0100", Type: PhoneWork, Position: 0},
		{Raw: "555-0101", Type: PhoneOther, Position: 1},
	}}
	got, ok := p.PreferredPhone()
	if !ok || got.Position != 0 {
		t.Fatalf("expected first phone as fallback, got %+v", got)
	}
}

func TestPreferredPhoneEmpty(t *testing.T) {
	p := LeadPerson{}
	if _, ok := p.PreferredPhone(); ok {
		t.Fatalf("expected no preferred phone for empty list")
	}
}

func TestSplitLocationThreeParts(t *testing.T) {
	city, state, country := splitLocation("San Francisco, CA, USA")
	if city != "San Francisco" || state != "CA" || country != "USA" {
		t.Fatalf("unexpected split: %q %q %q", city, state, country)
	}
}

func TestSplitLocationPartial(t *testing.T) {
	city, state, country := splitLocation("Austin, TX")
	if city != "Austin" || state != "TX" || country != "" {
		t.Fatalf("unexpected split: %q %q %q", city, state, country)
	}
}

func TestClassifyPhoneType(t *testing.T) {
	cases := map[string]string{
		"Mobile":       PhoneMobile,
		"Wireless":     PhoneMobile,
		"Landline":     PhoneWork,
		"Fixed Line":   PhoneWork,
		"VOIP":         PhoneOther,
		"":             PhoneOther,
	}
	for input, want := range cases {
		if got := classifyPhoneType(input); got != want {
			t.Errorf("classifyPhoneType(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	a := &stubAdapter{name: "stub"}
	r.Register(a)

	got, ok := r.Get("stub")
	if !ok || got.Name() != "stub" {
		t.Fatalf("expected to find registered adapter")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatalf("expected miss for unregistered name")
	}
}

type stubAdapter struct{ name string }

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) Search(ctx context.Context, name, title, state string, limit int, userID string) (SearchResult, error) {
	return SearchResult{}, nil
}
func (s *stubAdapter) Enrich(ctx context.Context, providerID, userID string) (EnrichResult, error) {
	return EnrichResult{}, nil
}
