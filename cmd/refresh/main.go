// Command refresh fetches one provider's events and writes them to that
// provider's cache file, so a later, separate buildfeed run can assemble the
// RSS feed without making any live HTTP calls of its own.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/viennatransit/feedagg/internal/cachestore"
	"github.com/viennatransit/feedagg/internal/config"
	"github.com/viennatransit/feedagg/internal/provider"
	"github.com/viennatransit/feedagg/internal/station"
)

func main() {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	providerName := fs.String("provider", os.Getenv("PROVIDER"), "provider to refresh: municipal, railway, or regional")
	fs.Parse(os.Args[1:])
	os.Exit(run(strings.TrimSpace(*providerName)))
}

func run(providerName string) int {
	cfg, err := config.Load(nil)
	if err != nil {
		slog.Error("refresh: invalid configuration", "error", err)
		return 1
	}

	var lvl slog.Level
	switch cfg.Logging.Level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	logger = logger.With("run_id", uuid.Must(uuid.NewV7()).String())

	if providerName == "" {
		logger.Error("refresh: -provider (or PROVIDER) is required")
		return 1
	}
	if !provider.Enabled(providerName, cfg) {
		logger.Error("refresh: provider is unknown or disabled", "provider", providerName)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	catalogue, err := station.Load(cfg.Stations.Path, logger)
	if err != nil {
		logger.Warn("refresh: station catalogue unavailable, regional filtering will use keywords only",
			"path", cfg.Stations.Path, "error", err)
		catalogue = nil
	} else {
		stats := catalogue.Stats()
		logger.Info("refresh: station catalogue loaded",
			"total", stats.Total, "in_vienna", stats.InVienna, "commuter", stats.Commuter)
	}

	adapter, err := provider.Build(providerName, cfg, catalogue, logger)
	if err != nil {
		logger.Error("refresh: failed to build provider adapter", "provider", providerName, "error", err)
		return 1
	}

	fetchCtx := ctx
	if cfg.Runtime.ProviderTimeout > 0 {
		var fetchCancel context.CancelFunc
		fetchCtx, fetchCancel = context.WithTimeout(ctx, cfg.Runtime.ProviderTimeout)
		defer fetchCancel()
	}

	events, err := adapter.FetchEvents(fetchCtx)
	if err != nil {
		logger.Error("refresh: fetch failed", "provider", providerName, "error", err)
		return 2
	}

	cachePath, err := provider.CachePath(providerName, cfg)
	if err != nil {
		logger.Error("refresh: no cache path configured", "provider", providerName, "error", err)
		return 1
	}

	if err := cachestore.Write(cfg.Roots, cachePath, events); err != nil {
		logger.Error("refresh: failed to write cache", "provider", providerName, "path", cachePath, "error", err)
		return 3
	}

	logger.Info("refresh: cache updated", "provider", providerName, "path", cachePath, "items", len(events))
	return 0
}
