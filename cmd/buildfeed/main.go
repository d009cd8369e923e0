// Command buildfeed assembles the published RSS feed from each provider's
// cache file, written beforehand by separate refresh runs. It never makes a
// live HTTP call itself: a stale or missing cache degrades that provider's
// contribution to the build rather than failing it outright.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/viennatransit/feedagg/internal/cachestore"
	"github.com/viennatransit/feedagg/internal/config"
	"github.com/viennatransit/feedagg/internal/event"
	"github.com/viennatransit/feedagg/internal/firstseen"
	"github.com/viennatransit/feedagg/internal/pipeline"
	"github.com/viennatransit/feedagg/internal/provider"
	"github.com/viennatransit/feedagg/internal/rssfeed"
)

// cachedAdapter replays a provider's already-fetched cache as the
// pipeline's Adapter interface, so buildfeed can reuse the same collection
// machinery without issuing any HTTP requests of its own.
type cachedAdapter struct {
	events []event.Event
}

func (a cachedAdapter) FetchEvents(ctx context.Context) ([]event.Event, error) {
	return a.events, nil
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(nil)
	if err != nil {
		slog.Error("buildfeed: invalid configuration", "error", err)
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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	firstSeenStore, err := firstseen.Load(cfg.Roots, cfg.State.Path, logger)
	if err != nil {
		logger.Error("buildfeed: failed to load first-seen state", "path", cfg.State.Path, "error", err)
		return 3
	}

	sources, staleProviders := loadSources(cfg, logger)
	if len(sources) == 0 {
		logger.Error("buildfeed: no enabled provider has a readable cache")
		return 2
	}

	pl := pipeline.New(pipeline.Config{
		ProviderTimeout:       cfg.Runtime.ProviderTimeout,
		ProviderMaxWorkers:    cfg.Runtime.ProviderMaxWorkers,
		MaxItemAgeDays:        cfg.Feed.MaxItemAgeDays,
		AbsoluteMaxAgeDays:    cfg.Feed.AbsoluteMaxAgeDays,
		EndsAtGraceMinutes:    cfg.Feed.EndsAtGraceMinutes,
		FreshPubdateWindowMin: cfg.Feed.FreshPubdateWindowMin,
		MaxItems:              cfg.Feed.MaxItems,
		DescriptionCharLimit:  cfg.Feed.DescriptionCharLimit,
	}, firstSeenStore, logger)

	events := pl.Run(ctx, sources)
	if len(events) == 0 && len(staleProviders) > 0 {
		logger.Error("buildfeed: no events survived the pipeline and some providers were stale",
			"stale_providers", staleProviders)
		return 2
	}

	now := time.Now().UTC()
	doc := rssfeed.Render(events, rssfeed.Config{
		Title:       cfg.Feed.Title,
		Link:        cfg.Feed.Link,
		Description: cfg.Feed.Description,
		TTLMinutes:  cfg.Feed.TTLMinutes,
	}, now)

	if err := rssfeed.WriteAtomic(cfg.Roots, cfg.Feed.OutPath, doc); err != nil {
		logger.Error("buildfeed: failed to write feed", "path", cfg.Feed.OutPath, "error", err)
		return 3
	}

	summary := rssfeed.BuildSummary(events, now, cfg.Feed.OutPath)
	if err := rssfeed.WriteSummary(cfg.Roots, cfg.Feed.SummaryPath, summary); err != nil {
		logger.Warn("buildfeed: failed to write build summary", "path", cfg.Feed.SummaryPath, "error", err)
	}

	logger.Info("buildfeed: feed written", "path", cfg.Feed.OutPath, "items", len(events),
		"by_source", summary.BySource, "stale_providers", staleProviders)

	if len(staleProviders) > 0 {
		return 4
	}
	return 0
}

// loadSources reads every enabled provider's cache file into a pipeline
// Source. A provider whose cache file is missing, empty, or fails to parse
// is recorded in staleProviders (cachestore.Read itself tolerates all three
// and yields no events) but still contributes an empty Source, so the other
// providers' caches keep feeding the build.
func loadSources(cfg *config.Config, logger *slog.Logger) ([]pipeline.Source, []string) {
	var sources []pipeline.Source
	var stale []string

	for _, name := range provider.Names() {
		if !provider.Enabled(name, cfg) {
			continue
		}
		path, err := provider.CachePath(name, cfg)
		if err != nil {
			logger.Warn("buildfeed: no cache path for provider", "provider", name, "error", err)
			stale = append(stale, name)
			continue
		}

		resolved, err := cfg.Roots.Resolve(path)
		if err != nil {
			logger.Warn("buildfeed: provider cache path outside allowlist", "provider", name, "path", path, "error", err)
			stale = append(stale, name)
			continue
		}
		hadCache := false
		if st, statErr := os.Stat(resolved); statErr == nil && st.Size() > 0 {
			hadCache = true
		}

		var events []event.Event
		if err := cachestore.Read(cfg.Roots, path, &events, logger); err != nil {
			logger.Warn("buildfeed: failed to read provider cache", "provider", name, "path", path, "error", err)
			stale = append(stale, name)
			continue
		}
		if !hadCache || len(events) == 0 {
			stale = append(stale, name)
		}

		sources = append(sources, pipeline.Source{
			Name:    name,
			Adapter: cachedAdapter{events: events},
		})
	}

	return sources, stale
}
