package regional

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/viennatransit/feedagg/internal/httpclient"
	"github.com/viennatransit/feedagg/internal/pathguard"
	"github.com/viennatransit/feedagg/internal/ratelimit"
)

func testRoots(t *testing.T) (pathguard.Roots, string) {
	t.Helper()
	tmp := t.TempDir()
	return pathguard.Roots{
		Docs: filepath.Join(tmp, "docs"),
		Data: filepath.Join(tmp, "data"),
		Log:  filepath.Join(tmp, "log"),
	}, tmp
}

func testCounter(t *testing.T) *ratelimit.Counter {
	t.Helper()
	roots, tmp := testRoots(t)
	return ratelimit.New(roots, filepath.Join(tmp, "data", "regional", "rate_limit.json"), nil)
}

const boardXML = `<?xml version="1.0"?>
<DepartureBoard>
  <Messages>
    <Message id="m1" act="true" category="1" head="Baustelle Praterstern" text="Gleiswechsel wegen Bauarbeiten"
      sDate="2026-01-05" sTime="08:00" eDate="2026-01-06" eTime="18:00">
      <affectedStops><Stop name="Wien Praterstern"/></affectedStops>
      <products><Product name="S7"/></products>
    </Message>
    <Message id="m2" act="false" category="1" head="Alte Meldung" text="Nicht mehr aktiv" sDate="2026-01-01" sTime="00:00"/>
    <Message id="m3" act="true" category="3" head="Fahrplanwechsel" text="Nur ein Hinweis" sDate="2026-01-05" sTime="00:00"/>
  </Messages>
</DepartureBoard>`

func testServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("accessId") != "" && r.Header.Get("Authorization") != "" {
			t.Fatal("credential sent both as header and query parameter")
		}
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(body))
	}))
}

func baseConfig(feedURL string) Config {
	return Config{
		BaseURL:             feedURL,
		AccessID:            "secret-token",
		AccessIDAsHeader:    true,
		StationIDs:          []string{"100", "200", "300"},
		RotationIntervalMin: 720, // 2 runs/day
		MaxStationsPerRun:   1,
		DailyBudget:         100,
		RunCeiling:          10,
	}
}

func TestFetchEventsFiltersInactiveAndDisallowedCategory(t *testing.T) {
	srv := testServer(t, boardXML)
	defer srv.Close()

	client := httpclient.NewForProviderTests("feedagg-test/1.0")
	adapter := New(baseConfig(srv.URL), client, testCounter(t))

	events, err := adapter.FetchEvents(context.Background())
	if err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(events), events)
	}
	if events[0].Category != "Baustelle" {
		t.Fatalf("got category %q", events[0].Category)
	}
	if !strings.Contains(events[0].Description, "S7") {
		t.Fatalf("expected line info in description, got %q", events[0].Description)
	}
}

func TestFetchEventsSendsCredentialAsHeaderOnly(t *testing.T) {
	srv := testServer(t, boardXML)
	defer srv.Close()

	client := httpclient.NewForProviderTests("feedagg-test/1.0")
	adapter := New(baseConfig(srv.URL), client, testCounter(t))

	if _, err := adapter.FetchEvents(context.Background()); err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}
}

func TestFetchEventsSendsCredentialAsQueryParam(t *testing.T) {
	srv := testServer(t, boardXML)
	defer srv.Close()

	cfg := baseConfig(srv.URL)
	cfg.AccessIDAsHeader = false

	client := httpclient.NewForProviderTests("feedagg-test/1.0")
	adapter := New(cfg, client, testCounter(t))

	if _, err := adapter.FetchEvents(context.Background()); err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}
}

func TestPreflightRejectsOverBudgetRotation(t *testing.T) {
	srv := testServer(t, boardXML)
	defer srv.Close()

	cfg := baseConfig(srv.URL)
	cfg.RotationIntervalMin = 5 // 288 runs/day
	cfg.MaxStationsPerRun = 3
	cfg.DailyBudget = 100

	client := httpclient.NewForProviderTests("feedagg-test/1.0")
	adapter := New(cfg, client, testCounter(t))

	_, err := adapter.FetchEvents(context.Background())
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("got %v, want ErrBudgetExceeded", err)
	}
}

func TestRunCeilingAborts(t *testing.T) {
	srv := testServer(t, boardXML)
	defer srv.Close()

	cfg := baseConfig(srv.URL)
	cfg.MaxStationsPerRun = 3
	cfg.RunCeiling = 1
	cfg.StationIDs = []string{"100", "200", "300"}

	client := httpclient.NewForProviderTests("feedagg-test/1.0")
	adapter := New(cfg, client, testCounter(t))

	_, err := adapter.FetchEvents(context.Background())
	if !errors.Is(err, ErrRunCeilingReached) {
		t.Fatalf("got %v, want ErrRunCeilingReached", err)
	}
}

func TestSelectStationsRotatesDeterministically(t *testing.T) {
	adapter := &Adapter{cfg: baseConfig("http://example.invalid")}
	adapter.cfg.MaxStationsPerRun = 1

	adapter.now = func() time.Time { return time.Unix(0, 0) }
	first := adapter.selectStations()

	adapter.now = func() time.Time { return time.Unix(int64(adapter.cfg.RotationIntervalMin)*60, 0) }
	second := adapter.selectStations()

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected single-station selections, got %v and %v", first, second)
	}
	if first[0] == second[0] {
		t.Fatalf("expected rotation to advance between adjacent slots, got %v twice", first[0])
	}
}

func TestIncrementCalledBeforeEachFetchAttempt(t *testing.T) {
	srv := testServer(t, boardXML)
	defer srv.Close()

	cfg := baseConfig(srv.URL)
	cfg.MaxStationsPerRun = 2
	counter := testCounter(t)

	client := httpclient.NewForProviderTests("feedagg-test/1.0")
	adapter := New(cfg, client, counter)

	if _, err := adapter.FetchEvents(context.Background()); err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}
	n, err := counter.Peek()
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if n != 2 {
		t.Fatalf("got counter %d, want 2 (one per selected station)", n)
	}
}
