package station

import (
	"bytes"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

const fixture = `[
  {"bst_id": "1", "bst_code": "WHBF", "name": "Wien Hauptbahnhof", "aliases": ["Wien Hbf", "Hauptbahnhof Wien"], "in_vienna": true, "pendler": false, "regional_ids": ["at:vor:1290401"]},
  {"bst_id": "2", "bst_code": "MDGB", "name": "Mödling Bahnhof", "aliases": [], "in_vienna": false, "pendler": true, "regional_ids": ["at:vor:1290512"]},
  {"bst_id": "3", "bst_code": "COLL", "name": "Kollision", "aliases": ["Wien Hbf"], "in_vienna": true, "pendler": false}
]`

func TestCanonicalNameStripsAccentsAndSuffix(t *testing.T) {
	if got := CanonicalName("Mödling Bahnhof"); got != "modling" {
		t.Fatalf("got %q", got)
	}
	if got := CanonicalName("  Wien   Hauptbahnhof "); got != "wien" {
		t.Fatalf("got %q", got)
	}
}

func TestLoadFromBytesAndLookup(t *testing.T) {
	cat, err := LoadFromBytes([]byte(fixture), testLogger())
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cat.Len() != 3 {
		t.Fatalf("got %d stations, want 3", cat.Len())
	}
	if !cat.IsInVienna("Wien Hauptbahnhof") {
		t.Fatal("expected Wien Hauptbahnhof to be in Vienna")
	}
	if cat.IsInVienna("Mödling Bahnhof") {
		t.Fatal("expected Mödling Bahnhof to be out of Vienna")
	}
	if !cat.IsCommuter("Mödling Bahnhof") {
		t.Fatal("expected Mödling Bahnhof to be a commuter station")
	}
	ids := cat.RegionalIDs("Wien Hbf")
	if len(ids) != 1 || ids[0] != "at:vor:1290401" {
		t.Fatalf("got %v", ids)
	}
}

func TestLoadFromBytesAliasCollisionKeepsEarlier(t *testing.T) {
	cat, err := LoadFromBytes([]byte(fixture), testLogger())
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	st, ok := cat.Lookup("Wien Hbf")
	if !ok {
		t.Fatal("expected Wien Hbf to resolve")
	}
	if st.ID != "1" {
		t.Fatalf("expected earlier entry (id 1) to win, got id %s", st.ID)
	}
}

func TestUnknownStationIsNotInVienna(t *testing.T) {
	cat, err := LoadFromBytes([]byte(fixture), testLogger())
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cat.IsInVienna("Nonexistent Station") {
		t.Fatal("unknown station must not be treated as in Vienna")
	}
}

func TestStats(t *testing.T) {
	cat, err := LoadFromBytes([]byte(fixture), testLogger())
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	stats := cat.Stats()
	if stats.Total != 3 || stats.InVienna != 2 || stats.Commuter != 1 || stats.WithRegionalIDs != 2 {
		t.Fatalf("got %+v", stats)
	}
}

func TestMentionsInRegionStation(t *testing.T) {
	cat, err := LoadFromBytes([]byte(fixture), testLogger())
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if !cat.MentionsInRegionStation("Verspätungen zwischen Wien Hauptbahnhof und Graz") {
		t.Fatal("expected in-region station mention to be detected")
	}
	if cat.MentionsInRegionStation("Verspätungen zwischen Graz und Klagenfurt") {
		t.Fatal("did not expect an in-region mention")
	}
}

func TestNilCatalogueIsSafe(t *testing.T) {
	var cat *Catalogue
	if cat.IsInVienna("anything") {
		t.Fatal("nil catalogue should report false")
	}
	if cat.Len() != 0 {
		t.Fatal("nil catalogue should report zero length")
	}
}

func TestLoadDropsRecordsMissingIDOrName(t *testing.T) {
	fixture := `[
	  {"bst_id": "1", "name": "Wien Hauptbahnhof"},
	  {"bst_id": "", "name": "No ID"},
	  {"bst_id": "2", "name": ""}
	]`
	cat, err := LoadFromBytes([]byte(fixture), testLogger())
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cat.Len() != 1 {
		t.Fatalf("got %d stations, want 1 after dropping invalid records", cat.Len())
	}
	if _, ok := cat.Lookup("Wien Hauptbahnhof"); !ok {
		t.Fatal("expected the valid record to survive")
	}
}
