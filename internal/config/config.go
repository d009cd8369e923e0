// Package config loads and validates the feed aggregator's configuration
// from environment variables, applying safe documented defaults and
// resolving every configured file path against the path allowlist.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/viennatransit/feedagg/internal/pathguard"
)

// Logging holds LOG_* settings.
type Logging struct {
	Level       string `validate:"oneof=debug info warn error"`
	Dir         string
	MaxBytes    int64  `validate:"min=0"`
	BackupCount int    `validate:"min=0"`
	Format      string `validate:"oneof=json text"`
}

// Feed holds the feed-shape env group.
type Feed struct {
	OutPath               string `validate:"required"`
	SummaryPath           string `validate:"required"`
	Title                 string `validate:"required"`
	Link                  string `validate:"required,url"`
	Description           string
	TTLMinutes            int    `validate:"min=1"`
	DescriptionCharLimit  int    `validate:"min=20"`
	MaxItems              int    `validate:"min=1"`
	FreshPubdateWindowMin int    `validate:"min=0"`
	MaxItemAgeDays        int    `validate:"min=1"`
	AbsoluteMaxAgeDays    int    `validate:"min=1"`
	EndsAtGraceMinutes    int    `validate:"min=0"`
}

// Runtime holds scheduling/concurrency settings.
type Runtime struct {
	ProviderTimeout    time.Duration `validate:"min=1000000000"` // >= 1s
	ProviderMaxWorkers int           `validate:"min=0"`
}

// State holds first-seen persistence settings.
type State struct {
	Path          string `validate:"required"`
	RetentionDays int    `validate:"min=1"`
}

// Stations holds the bundled station catalogue's load settings.
type Stations struct {
	Path string `validate:"required"`
}

// Municipal holds the realtime provider's settings.
type Municipal struct {
	Enabled   bool
	BaseURL   string `validate:"omitempty,url"`
	CachePath string `validate:"required"`
}

// Railway holds the national-railway RSS provider's settings.
type Railway struct {
	Enabled   bool
	FeedURL   string `validate:"omitempty,url"`
	CachePath string `validate:"required"`
}

// Regional holds the regional-authority REST provider's settings.
type Regional struct {
	Enabled             bool
	BaseURL             string `validate:"omitempty,url"`
	AccessID            string
	AccessIDAsHeader    bool
	StationIDs          []string
	RotationIntervalMin int    `validate:"min=1"`
	MaxStationsPerRun   int    `validate:"min=1"`
	DailyBudget         int    `validate:"min=1"`
	RunCeiling          int    `validate:"min=1"`
	BoardDurationMin    int    `validate:"min=1"`
	CachePath           string `validate:"required"`
	CounterPath         string `validate:"required"`
}

// Config is the complete, immutable configuration snapshot captured once
// at process start.
type Config struct {
	Logging   Logging
	Feed      Feed
	Runtime   Runtime
	State     State
	Stations  Stations
	Municipal Municipal
	Railway   Railway
	Regional  Regional
	Roots     pathguard.Roots
}

var validate = validator.New()

// Load reads the environment, applies defaults, validates shapes via
// go-playground/validator, and resolves all file paths against the
// compile-time allowlist. Invalid values fall back to documented defaults
// and are logged (without leaking the invalid value itself, only the key).
func Load(logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	roots := pathguard.Roots{
		Docs: envString(logger, "DOCS_DIR", "docs"),
		Data: envString(logger, "DATA_DIR", "data"),
		Log:  envString(logger, "LOG_DIR", "log"),
	}

	cfg := &Config{
		Logging: Logging{
			Level:       envString(logger, "LOG_LEVEL", "info"),
			Dir:         roots.Log,
			MaxBytes:    envInt64(logger, "LOG_MAX_BYTES", 10<<20),
			BackupCount: envInt(logger, "LOG_BACKUP_COUNT", 5),
			Format:      envString(logger, "LOG_FORMAT", "json"),
		},
		Feed: Feed{
			OutPath:               envString(logger, "OUT_PATH", "docs/feed.xml"),
			SummaryPath:           envString(logger, "SUMMARY_PATH", "docs/feed.summary.json"),
			Title:                 envString(logger, "FEED_TITLE", "Vienna Transit Disruptions"),
			Link:                  envString(logger, "FEED_LINK", "https://example.org/feed.xml"),
			Description:           envString(logger, "FEED_DESC", "Consolidated public-transport disruption feed for the Vienna region."),
			TTLMinutes:            envInt(logger, "FEED_TTL", 15),
			DescriptionCharLimit:  envInt(logger, "DESCRIPTION_CHAR_LIMIT", 170),
			MaxItems:              envInt(logger, "MAX_ITEMS", 60),
			FreshPubdateWindowMin: envInt(logger, "FRESH_PUBDATE_WINDOW_MIN", 5),
			MaxItemAgeDays:        envInt(logger, "MAX_ITEM_AGE_DAYS", 365),
			AbsoluteMaxAgeDays:    envInt(logger, "ABSOLUTE_MAX_AGE_DAYS", 540),
			EndsAtGraceMinutes:    envInt(logger, "ENDS_AT_GRACE_MINUTES", 10),
		},
		Runtime: Runtime{
			ProviderTimeout:    envDuration(logger, "PROVIDER_TIMEOUT", 25*time.Second),
			ProviderMaxWorkers: envInt(logger, "PROVIDER_MAX_WORKERS", 0),
		},
		State: State{
			Path:          envString(logger, "STATE_PATH", "data/first_seen.json"),
			RetentionDays: envInt(logger, "STATE_RETENTION_DAYS", 540),
		},
		Stations: Stations{
			Path: envString(logger, "STATION_CATALOGUE_PATH", "data/stations/catalogue.json"),
		},
		Municipal: Municipal{
			Enabled:   envBool(logger, "MUNICIPAL_ENABLED", true),
			BaseURL:   envString(logger, "MUNICIPAL_BASE_URL", "https://www.wienerlinien.at/ogd_realtime"),
			CachePath: envString(logger, "MUNICIPAL_CACHE_PATH", "data/municipal/events.json"),
		},
		Railway: Railway{
			Enabled:   envBool(logger, "RAILWAY_ENABLED", true),
			FeedURL:   envString(logger, "RAILWAY_RSS_URL", "https://fahrplan.oebb.at/bin/help.exe/dn?tpl=rss_fullnews"),
			CachePath: envString(logger, "RAILWAY_CACHE_PATH", "data/railway/events.json"),
		},
		Regional: Regional{
			Enabled:             envBool(logger, "REGIONAL_ENABLED", true),
			BaseURL:             envString(logger, "REGIONAL_BASE_URL", "https://api.vor.at/v1"),
			AccessID:            os.Getenv("REGIONAL_ACCESS_ID"),
			AccessIDAsHeader:    envBool(logger, "REGIONAL_ACCESS_ID_AS_HEADER", true),
			StationIDs:          envStringList(logger, "REGIONAL_STATION_IDS", nil),
			RotationIntervalMin: envInt(logger, "REGIONAL_ROTATION_INTERVAL_MIN", 30),
			MaxStationsPerRun:   envInt(logger, "REGIONAL_MAX_STATIONS_PER_RUN", 5),
			DailyBudget:         envInt(logger, "REGIONAL_DAILY_BUDGET", 100),
			RunCeiling:          envInt(logger, "REGIONAL_RUN_CEILING", 10),
			BoardDurationMin:    envInt(logger, "REGIONAL_BOARD_DURATION_MIN", 60),
			CachePath:           envString(logger, "REGIONAL_CACHE_PATH", "data/regional/events.json"),
			CounterPath:         envString(logger, "REGIONAL_COUNTER_PATH", "data/regional/rate_limit.json"),
		},
		Roots: roots,
	}

	if cfg.Regional.Enabled && cfg.Regional.AccessID == "" {
		return nil, fmt.Errorf("config: REGIONAL_ACCESS_ID is required when REGIONAL_ENABLED is true")
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	for _, p := range []string{cfg.Feed.OutPath, cfg.Feed.SummaryPath, cfg.State.Path, cfg.Stations.Path,
		cfg.Municipal.CachePath, cfg.Railway.CachePath, cfg.Regional.CachePath, cfg.Regional.CounterPath} {
		if _, err := roots.Resolve(p); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	return cfg, nil
}

func envString(logger *slog.Logger, key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(logger *slog.Logger, key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn("config: invalid integer env value, using default", "key", key)
		return def
	}
	return n
}

func envInt64(logger *slog.Logger, key string, def int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		logger.Warn("config: invalid integer env value, using default", "key", key)
		return def
	}
	return n
}

func envBool(logger *slog.Logger, key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn("config: invalid boolean env value, using default", "key", key)
		return def
	}
	return b
}

func envDuration(logger *slog.Logger, key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	// Accept a bare integer as seconds, or a Go duration string.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warn("config: invalid duration env value, using default", "key", key)
		return def
	}
	return d
}

func envStringList(logger *slog.Logger, key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, trimSpace(v[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	start := 0
	for start < len(s) && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	end := len(s)
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}
