// Package pipeline implements the aggregation state machine that turns
// each provider's raw events into the final, ordered, deduplicated feed
// content: Collect, Normalise, Prune, Dedupe, Order and Clip. RSS
// emission is a separate stage handled by the rssfeed package.
package pipeline

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/viennatransit/feedagg/internal/event"
	"github.com/viennatransit/feedagg/internal/firstseen"
	"github.com/viennatransit/feedagg/internal/textutil"
)

// Adapter is the shape every provider package implements. Each adapter
// owns its own HTTP fetching, filtering and normalisation; the pipeline
// only schedules the call and processes its result.
type Adapter interface {
	FetchEvents(ctx context.Context) ([]event.Event, error)
}

// Source pairs a provider adapter with the name used in logs and in the
// stable-input-order tie-break during dedupe.
type Source struct {
	Name    string
	Adapter Adapter
}

// Config holds the pipeline's tunables, mirroring config.Feed/config.Runtime.
type Config struct {
	ProviderTimeout       time.Duration
	ProviderMaxWorkers    int
	MaxItemAgeDays        int
	AbsoluteMaxAgeDays    int
	EndsAtGraceMinutes    int
	FreshPubdateWindowMin int
	MaxItems              int
	DescriptionCharLimit  int
}

// Pipeline runs the Collect→Normalise→Prune→Dedupe→Order→Clip state
// machine over a set of provider sources.
type Pipeline struct {
	cfg       Config
	logger    *slog.Logger
	firstSeen *firstseen.Store
	now       func() time.Time
}

// New builds a Pipeline. firstSeen may be nil, in which case every event
// is treated as newly seen on every run.
func New(cfg Config, firstSeen *firstseen.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, logger: logger, firstSeen: firstSeen, now: time.Now}
}

// Run executes the full state machine and returns the final, ordered,
// clipped event set ready for RSS emission.
func (p *Pipeline) Run(ctx context.Context, sources []Source) []event.Event {
	now := p.now().UTC()

	collected := p.collect(ctx, sources)
	normalised := p.normalise(collected, now)
	pruned := p.prune(normalised, now)
	deduped := p.dedupe(pruned)
	ordered := p.order(deduped, now)
	clipped := p.clip(ordered)

	if p.firstSeen != nil {
		keep := make(map[string]bool, len(clipped))
		for _, e := range clipped {
			keep[e.Key()] = true
		}
		p.firstSeen.Prune(keep)
		if err := p.firstSeen.Save(); err != nil {
			p.logger.Warn("pipeline: failed to persist first_seen state", "error", err)
		}
	}

	return clipped
}

// collect fetches every source concurrently, bounded by ProviderMaxWorkers
// (0 means runtime.NumCPU()), never more workers than sources and at
// least one, each under its own per-provider deadline. A failing provider
// logs a warning and contributes no events; it never aborts the run.
func (p *Pipeline) collect(ctx context.Context, sources []Source) []event.Event {
	maxWorkers := p.cfg.ProviderMaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	if maxWorkers > len(sources) {
		maxWorkers = len(sources)
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	sem := semaphore.NewWeighted(int64(maxWorkers))

	results := make([][]event.Event, len(sources))

	type outcome struct {
		idx    int
		events []event.Event
	}
	done := make(chan outcome, len(sources))

	for i, src := range sources {
		i, src := i, src
		go func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				done <- outcome{idx: i}
				return
			}
			defer sem.Release(1)

			fetchCtx := ctx
			if p.cfg.ProviderTimeout > 0 {
				var cancel context.CancelFunc
				fetchCtx, cancel = context.WithTimeout(ctx, p.cfg.ProviderTimeout)
				defer cancel()
			}

			events, err := src.Adapter.FetchEvents(fetchCtx)
			if err != nil {
				p.logger.Warn("pipeline: provider fetch failed", "source", src.Name, "error", err)
				done <- outcome{idx: i}
				return
			}
			done <- outcome{idx: i, events: events}
		}()
	}

	for range sources {
		o := <-done
		results[o.idx] = o.events
	}

	var all []event.Event
	for _, r := range results {
		all = append(all, r...)
	}
	return all
}

// normalise drops structurally invalid events and stamps each survivor's
// FirstSeen from persistent state, touching the store so later builds see
// the same timestamp.
func (p *Pipeline) normalise(events []event.Event, now time.Time) []event.Event {
	out := make([]event.Event, 0, len(events))
	for _, e := range events {
		e.Title = strings.TrimSpace(e.Title)
		if e.Title == "" {
			continue
		}
		if err := e.Validate(); err != nil {
			p.logger.Warn("pipeline: dropping invalid event", "source", e.Source, "error", err)
			continue
		}
		key := e.Key()
		if p.firstSeen != nil {
			e.FirstSeen = p.firstSeen.Touch(key, now)
		} else {
			e.FirstSeen = now
		}
		out = append(out, e)
	}
	return out
}

// prune applies the age and expiry rules from spec §4.7.
func (p *Pipeline) prune(events []event.Event, now time.Time) []event.Event {
	maxAge := time.Duration(p.cfg.MaxItemAgeDays) * 24 * time.Hour
	absoluteMaxAge := time.Duration(p.cfg.AbsoluteMaxAgeDays) * 24 * time.Hour
	grace := time.Duration(p.cfg.EndsAtGraceMinutes) * time.Minute

	out := make([]event.Event, 0, len(events))
	for _, e := range events {
		if now.Sub(e.PubDate) > absoluteMaxAge {
			continue
		}
		if now.Sub(e.PubDate) > maxAge && (e.EndsAt == nil || !e.EndsAt.After(now)) {
			continue
		}
		if e.EndsAt != nil && now.Sub(*e.EndsAt) > grace {
			continue
		}
		if now.Sub(e.FirstSeen) > maxAge && e.FirstSeen.Before(e.PubDate) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// dedupe groups events by event.Key and keeps the best candidate per spec
// §4.7's five-level tie-break, merging unique sentences from the loser's
// description into the winner.
func (p *Pipeline) dedupe(events []event.Event) []event.Event {
	type group struct {
		best  event.Event
		order int
	}
	groups := make(map[string]*group)
	var order []string

	for i, e := range events {
		key := e.Key()
		g, ok := groups[key]
		if !ok {
			groups[key] = &group{best: e, order: i}
			order = append(order, key)
			continue
		}
		if isBetter(e, g.best, i, g.order) {
			merged := e
			mergeDescriptions(&merged, g.best)
			g.best = merged
		} else {
			mergeDescriptions(&g.best, e)
		}
	}

	out := make([]event.Event, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key].best)
	}
	return out
}

// isBetter reports whether candidate c should replace the current winner
// best, per the five-level tie-break order in spec §4.7.
func isBetter(c, best event.Event, cOrder, bestOrder int) bool {
	cEnds, bestEnds := endsAtOrZero(c), endsAtOrZero(best)
	if !cEnds.Equal(bestEnds) {
		return cEnds.After(bestEnds)
	}

	if !c.PubDate.Equal(best.PubDate) {
		return c.PubDate.After(best.PubDate)
	}
	cStarts, bestStarts := startsAtOrZero(c), startsAtOrZero(best)
	if !cStarts.Equal(bestStarts) {
		return cStarts.After(bestStarts)
	}

	if len(c.Description) != len(best.Description) {
		return len(c.Description) > len(best.Description)
	}

	if event.Precedence(c.Source) != event.Precedence(best.Source) {
		return event.Precedence(c.Source) > event.Precedence(best.Source)
	}

	return cOrder < bestOrder
}

func endsAtOrZero(e event.Event) time.Time {
	if e.EndsAt == nil {
		return time.Time{}
	}
	return *e.EndsAt
}

func startsAtOrZero(e event.Event) time.Time {
	if e.StartsAt == nil {
		return time.Time{}
	}
	return *e.StartsAt
}

// mergeDescriptions folds any sentence from loser's description into
// winner's that winner doesn't already contain, per spec §4.7's "unique
// sentences" merge rule.
func mergeDescriptions(winner *event.Event, loser event.Event) {
	if loser.Description == "" {
		return
	}
	existing := strings.Split(winner.Description, "\n")
	existingSet := make(map[string]bool, len(existing))
	for _, s := range existing {
		existingSet[strings.TrimSpace(s)] = true
	}

	var additions []string
	for _, s := range strings.Split(loser.Description, "\n") {
		s = strings.TrimSpace(s)
		if s == "" || existingSet[s] {
			continue
		}
		additions = append(additions, s)
		existingSet[s] = true
	}
	if len(additions) == 0 {
		return
	}
	winner.Description = strings.TrimSpace(winner.Description + "\n" + strings.Join(additions, "\n"))
}

// order sorts descending by pub_date, tie-breaking by starts_at descending
// then title, and applies the fresh-pubdate-window "now" substitution for
// newly-seen events.
func (p *Pipeline) order(events []event.Event, now time.Time) []event.Event {
	freshWindow := time.Duration(p.cfg.FreshPubdateWindowMin) * time.Minute
	for i := range events {
		e := &events[i]
		if now.Sub(e.PubDate) <= freshWindow && e.FirstSeen.Equal(now) {
			e.PubDate = now
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].PubDate.Equal(events[j].PubDate) {
			return events[i].PubDate.After(events[j].PubDate)
		}
		iStarts, jStarts := startsAtOrZero(events[i]), startsAtOrZero(events[j])
		if !iStarts.Equal(jStarts) {
			return iStarts.After(jStarts)
		}
		return events[i].Title < events[j].Title
	})
	return events
}

// clip enforces MaxItems and clips each surviving description.
func (p *Pipeline) clip(events []event.Event) []event.Event {
	if p.cfg.MaxItems > 0 && len(events) > p.cfg.MaxItems {
		events = events[:p.cfg.MaxItems]
	}
	for i := range events {
		events[i].Description = textutil.ClipDescription(events[i].Description, p.cfg.DescriptionCharLimit)
	}
	return events
}
