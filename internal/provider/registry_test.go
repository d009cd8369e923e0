package provider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/viennatransit/feedagg/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	tmp := t.TempDir()
	for k, v := range map[string]string{
		"DOCS_DIR":                filepath.Join(tmp, "docs"),
		"DATA_DIR":                filepath.Join(tmp, "data"),
		"LOG_DIR":                 filepath.Join(tmp, "log"),
		"OUT_PATH":                filepath.Join(tmp, "docs", "feed.xml"),
		"SUMMARY_PATH":            filepath.Join(tmp, "docs", "feed.summary.json"),
		"STATE_PATH":              filepath.Join(tmp, "data", "first_seen.json"),
		"STATION_CATALOGUE_PATH":  filepath.Join(tmp, "data", "stations", "catalogue.json"),
		"MUNICIPAL_CACHE_PATH":    filepath.Join(tmp, "data", "municipal", "events.json"),
		"RAILWAY_CACHE_PATH":      filepath.Join(tmp, "data", "railway", "events.json"),
		"REGIONAL_CACHE_PATH":     filepath.Join(tmp, "data", "regional", "events.json"),
		"REGIONAL_COUNTER_PATH":   filepath.Join(tmp, "data", "regional", "rate_limit.json"),
		"REGIONAL_ACCESS_ID":      "test-access-id",
	} {
		os.Setenv(k, v)
	}
	t.Cleanup(func() {
		for k := range map[string]string{
			"DOCS_DIR": "", "DATA_DIR": "", "LOG_DIR": "", "OUT_PATH": "", "SUMMARY_PATH": "",
			"STATE_PATH": "", "STATION_CATALOGUE_PATH": "", "MUNICIPAL_CACHE_PATH": "",
			"RAILWAY_CACHE_PATH": "", "REGIONAL_CACHE_PATH": "", "REGIONAL_COUNTER_PATH": "",
			"REGIONAL_ACCESS_ID": "",
		} {
			os.Unsetenv(k)
		}
	})

	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func TestBuildReturnsOneAdapterPerKnownProvider(t *testing.T) {
	cfg := testConfig(t)
	for _, name := range Names() {
		adapter, err := Build(name, cfg, nil, nil)
		if err != nil {
			t.Fatalf("Build(%q): %v", name, err)
		}
		if adapter.Name() != name {
			t.Fatalf("got adapter name %q, want %q", adapter.Name(), name)
		}
	}
}

func TestBuildRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	if _, err := Build("ghost", cfg, nil, nil); err == nil {
		t.Fatal("expected an error for an unknown provider name")
	}
}

func TestBuildRejectsDisabledProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Municipal.Enabled = false
	if _, err := Build("municipal", cfg, nil, nil); err == nil {
		t.Fatal("expected an error for a disabled provider")
	}
}

func TestCachePathMatchesConfiguredProviderPath(t *testing.T) {
	cfg := testConfig(t)
	path, err := CachePath("railway", cfg)
	if err != nil {
		t.Fatalf("CachePath: %v", err)
	}
	if path != cfg.Railway.CachePath {
		t.Fatalf("got %q, want %q", path, cfg.Railway.CachePath)
	}
}

func TestNamesOrdersByPrecedence(t *testing.T) {
	names := Names()
	if len(names) != 3 {
		t.Fatalf("got %d names, want 3", len(names))
	}
	if names[0] != "regional" || names[len(names)-1] != "municipal" {
		t.Fatalf("got %v, want regional first and municipal last", names)
	}
}
