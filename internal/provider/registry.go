// Package provider wires the concrete provider adapters behind a single
// interface and a name-keyed registry, so cmd/refresh can select one
// adapter by name without importing adapter internals, mirroring how the
// original scaffolded providers into an ordered list consulted by the feed
// builder.
package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/viennatransit/feedagg/internal/config"
	"github.com/viennatransit/feedagg/internal/event"
	"github.com/viennatransit/feedagg/internal/httpclient"
	"github.com/viennatransit/feedagg/internal/provider/municipal"
	"github.com/viennatransit/feedagg/internal/provider/railway"
	"github.com/viennatransit/feedagg/internal/provider/regional"
	"github.com/viennatransit/feedagg/internal/ratelimit"
	"github.com/viennatransit/feedagg/internal/station"
)

// Adapter is the shape every provider package implements: a name for the
// registry and log lines, and the fetch-and-normalise entry point the
// aggregation pipeline calls.
type Adapter interface {
	Name() string
	FetchEvents(ctx context.Context) ([]event.Event, error)
}

// Build constructs the named provider's adapter from the loaded
// configuration. catalogue is only consulted by the railway adapter's
// regional filter and may be nil.
func Build(name string, cfg *config.Config, catalogue *station.Catalogue, logger *slog.Logger) (Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := httpclient.New("feedagg/1.0")

	switch name {
	case municipal.Source:
		if !cfg.Municipal.Enabled {
			return nil, fmt.Errorf("provider: %q is disabled", name)
		}
		return municipal.New(municipal.Config{BaseURL: cfg.Municipal.BaseURL}, client), nil

	case railway.Source:
		if !cfg.Railway.Enabled {
			return nil, fmt.Errorf("provider: %q is disabled", name)
		}
		return railway.New(railway.Config{FeedURL: cfg.Railway.FeedURL}, client, catalogue), nil

	case regional.Source:
		if !cfg.Regional.Enabled {
			return nil, fmt.Errorf("provider: %q is disabled", name)
		}
		counter := ratelimit.New(cfg.Roots, cfg.Regional.CounterPath, logger)
		return regional.New(regional.Config{
			BaseURL:             cfg.Regional.BaseURL,
			AccessID:            cfg.Regional.AccessID,
			AccessIDAsHeader:    cfg.Regional.AccessIDAsHeader,
			StationIDs:          cfg.Regional.StationIDs,
			RotationIntervalMin: cfg.Regional.RotationIntervalMin,
			MaxStationsPerRun:   cfg.Regional.MaxStationsPerRun,
			DailyBudget:         cfg.Regional.DailyBudget,
			RunCeiling:          cfg.Regional.RunCeiling,
			BoardDurationMin:    cfg.Regional.BoardDurationMin,
		}, client, counter), nil

	default:
		return nil, fmt.Errorf("provider: unknown provider %q", name)
	}
}

// CachePath returns the configured cache file path for the named provider.
func CachePath(name string, cfg *config.Config) (string, error) {
	switch name {
	case municipal.Source:
		return cfg.Municipal.CachePath, nil
	case railway.Source:
		return cfg.Railway.CachePath, nil
	case regional.Source:
		return cfg.Regional.CachePath, nil
	default:
		return "", fmt.Errorf("provider: unknown provider %q", name)
	}
}

// Enabled reports whether the named provider is enabled in cfg.
func Enabled(name string, cfg *config.Config) bool {
	switch name {
	case municipal.Source:
		return cfg.Municipal.Enabled
	case railway.Source:
		return cfg.Railway.Enabled
	case regional.Source:
		return cfg.Regional.Enabled
	default:
		return false
	}
}

// Names lists every provider name in fetch priority order, matching
// event.Precedence's ranking.
func Names() []string {
	return []string{regional.Source, railway.Source, municipal.Source}
}
