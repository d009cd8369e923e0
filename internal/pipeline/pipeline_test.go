package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/viennatransit/feedagg/internal/event"
	"github.com/viennatransit/feedagg/internal/firstseen"
	"github.com/viennatransit/feedagg/internal/pathguard"
)

type fakeAdapter struct {
	events []event.Event
	err    error
}

func (f *fakeAdapter) FetchEvents(ctx context.Context) ([]event.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func testFirstSeen(t *testing.T) *firstseen.Store {
	t.Helper()
	tmp := t.TempDir()
	roots := pathguard.Roots{
		Docs: filepath.Join(tmp, "docs"),
		Data: filepath.Join(tmp, "data"),
		Log:  filepath.Join(tmp, "log"),
	}
	s, err := firstseen.Load(roots, filepath.Join(tmp, "data", "first_seen.json"), nil)
	if err != nil {
		t.Fatalf("firstseen.Load: %v", err)
	}
	return s
}

func testConfig() Config {
	return Config{
		ProviderTimeout:       5 * time.Second,
		ProviderMaxWorkers:    0,
		MaxItemAgeDays:        365,
		AbsoluteMaxAgeDays:    540,
		EndsAtGraceMinutes:    10,
		FreshPubdateWindowMin: 5,
		MaxItems:              60,
		DescriptionCharLimit:  170,
	}
}

func TestRunDropsFailedProviderContributionOnly(t *testing.T) {
	now := time.Now().UTC()
	good := &fakeAdapter{events: []event.Event{
		{Source: event.SourceMunicipal, Title: "Störung U1", Description: "Verspätungen", PubDate: now, Identity: "id-1"},
	}}
	bad := &fakeAdapter{err: errors.New("boom")}

	p := New(testConfig(), testFirstSeen(t), nil)
	out := p.Run(context.Background(), []Source{
		{Name: "municipal", Adapter: good},
		{Name: "railway", Adapter: bad},
	})

	if len(out) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(out), out)
	}
}

func TestRunPrunesExpiredEndsAt(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-1 * time.Hour)
	events := []event.Event{
		{Source: event.SourceMunicipal, Title: "Altmeldung", Description: "x", PubDate: past, EndsAt: &past, Identity: "old-1"},
	}
	adapter := &fakeAdapter{events: events}

	p := New(testConfig(), testFirstSeen(t), nil)
	out := p.Run(context.Background(), []Source{{Name: "municipal", Adapter: adapter}})

	if len(out) != 0 {
		t.Fatalf("got %d events, want 0 (ends_at beyond grace): %+v", len(out), out)
	}
}

func TestRunKeepsEndsAtWithinGrace(t *testing.T) {
	now := time.Now().UTC()
	recentEnd := now.Add(-2 * time.Minute)
	events := []event.Event{
		{Source: event.SourceMunicipal, Title: "Frisch beendet", Description: "x", PubDate: now.Add(-1 * time.Hour), EndsAt: &recentEnd, Identity: "fresh-1"},
	}
	adapter := &fakeAdapter{events: events}

	p := New(testConfig(), testFirstSeen(t), nil)
	out := p.Run(context.Background(), []Source{{Name: "municipal", Adapter: adapter}})

	if len(out) != 1 {
		t.Fatalf("got %d events, want 1 (within grace window): %+v", len(out), out)
	}
}

func TestRunDedupeKeepsLaterEndingAndMergesDescription(t *testing.T) {
	now := time.Now().UTC()
	earlyEnd := now.Add(24 * time.Hour)
	laterEnd := now.Add(48 * time.Hour)

	events := []event.Event{
		{Source: event.SourceMunicipal, Title: "S7 Bauarbeiten", Description: "Erste Zeile", PubDate: now, EndsAt: &earlyEnd, GUID: "WL-1"},
		{Source: event.SourceMunicipal, Title: "S7 Bauarbeiten", Description: "Zweite Zeile", PubDate: now, EndsAt: &laterEnd, GUID: "WL-1"},
	}
	adapter := &fakeAdapter{events: events}

	p := New(testConfig(), testFirstSeen(t), nil)
	out := p.Run(context.Background(), []Source{{Name: "municipal", Adapter: adapter}})

	if len(out) != 1 {
		t.Fatalf("got %d events, want exactly one deduped item: %+v", len(out), out)
	}
	if out[0].EndsAt == nil || !out[0].EndsAt.Equal(laterEnd) {
		t.Fatalf("expected the later-ending candidate to win, got %+v", out[0].EndsAt)
	}
	if !contains(out[0].Description, "Erste Zeile") || !contains(out[0].Description, "Zweite Zeile") {
		t.Fatalf("expected merged description, got %q", out[0].Description)
	}
}

func TestRunDedupePrefersRegionalPrecedenceOnTie(t *testing.T) {
	now := time.Now().UTC()
	events := []event.Event{
		{Source: event.SourceMunicipal, Title: "Gleiche Meldung", Description: "a", PubDate: now, GUID: "shared-1"},
		{Source: event.SourceRegional, Title: "Gleiche Meldung", Description: "a", PubDate: now, GUID: "shared-1"},
	}
	adapter := &fakeAdapter{events: events}

	p := New(testConfig(), testFirstSeen(t), nil)
	out := p.Run(context.Background(), []Source{{Name: "municipal", Adapter: adapter}})

	if len(out) != 1 {
		t.Fatalf("got %d events, want 1", len(out))
	}
	if out[0].Source != event.SourceRegional {
		t.Fatalf("got source %q, want regional to win the precedence tie-break", out[0].Source)
	}
}

func TestRunOrdersDescendingByPubDate(t *testing.T) {
	now := time.Now().UTC()
	events := []event.Event{
		{Source: event.SourceMunicipal, Title: "Älter", Description: "a", PubDate: now.Add(-2 * time.Hour), Identity: "older"},
		{Source: event.SourceMunicipal, Title: "Neuer", Description: "b", PubDate: now.Add(-1 * time.Minute), Identity: "newer"},
	}
	adapter := &fakeAdapter{events: events}

	p := New(testConfig(), testFirstSeen(t), nil)
	out := p.Run(context.Background(), []Source{{Name: "municipal", Adapter: adapter}})

	if len(out) != 2 {
		t.Fatalf("got %d events, want 2", len(out))
	}
	if out[0].Identity != "newer" {
		t.Fatalf("got order %v, want newer first", []string{out[0].Identity, out[1].Identity})
	}
}

func TestRunEnforcesMaxItems(t *testing.T) {
	now := time.Now().UTC()
	var events []event.Event
	for i := 0; i < 5; i++ {
		events = append(events, event.Event{
			Source: event.SourceMunicipal, Title: "M", Description: "d", PubDate: now.Add(-time.Duration(i) * time.Minute), Identity: "id-" + string(rune('a'+i)),
		})
	}
	adapter := &fakeAdapter{events: events}

	cfg := testConfig()
	cfg.MaxItems = 2
	p := New(cfg, testFirstSeen(t), nil)
	out := p.Run(context.Background(), []Source{{Name: "municipal", Adapter: adapter}})

	if len(out) != 2 {
		t.Fatalf("got %d events, want 2 (MaxItems)", len(out))
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
