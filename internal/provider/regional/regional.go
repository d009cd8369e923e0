// Package regional implements the provider adapter for the regional
// transport authority's REST DepartureBoard endpoint. Unlike the other
// two providers this one is metered: the upstream API allows only a
// small number of requests per day, so the adapter enforces a
// pre-flight budget check, a runtime circuit breaker and a persistent
// cross-process counter. No regional filter is applied to its messages;
// the region is given by the configured station ids.
package regional

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/viennatransit/feedagg/internal/event"
	"github.com/viennatransit/feedagg/internal/httpclient"
	"github.com/viennatransit/feedagg/internal/ratelimit"
	"github.com/viennatransit/feedagg/internal/textutil"
)

// stationFetchRate paces per-station requests within a single run, on top
// of the persistent daily budget counter, so a run never bursts the metered
// upstream even when MaxStationsPerRun is large.
const stationFetchRate = rate.Limit(1.0 / 2.0) // one request every 2s

// Source is this adapter's event.Source tag.
const Source = event.SourceRegional

// ErrBudgetExceeded is returned by FetchEvents when the pre-flight check
// determines the configured rotation would exceed the daily budget.
var ErrBudgetExceeded = errors.New("regional: configured work exceeds daily budget")

// ErrRunCeilingReached is returned when the runtime circuit breaker trips
// mid-refresh.
var ErrRunCeilingReached = errors.New("regional: run ceiling reached")

// himCategoryNames maps the upstream HIM disruption category codes to the
// German category labels used across the feed, mirroring the original
// provider's ALLOWED_HIM_CATEGORIES/HIM_TO_CATEGORY tables. Categories not
// present here are not disruptions (e.g. informational-only) and are
// dropped.
var himCategoryNames = map[string]string{
	"0": "Ersatzverkehr",
	"1": "Baustelle",
	"2": "Ausfall",
	"5": "Notfall",
	"9": "Vorankündigung",
}

// Config configures the regional adapter, mirroring config.Regional.
type Config struct {
	BaseURL             string
	AccessID            string
	AccessIDAsHeader    bool
	StationIDs          []string
	RotationIntervalMin int
	MaxStationsPerRun   int
	DailyBudget         int
	RunCeiling          int
	BoardDurationMin    int
}

// Adapter fetches and normalises the regional-authority DepartureBoard
// feed for a rotating subset of configured stations.
type Adapter struct {
	cfg     Config
	client  *httpclient.Client
	counter *ratelimit.Counter
	limiter *rate.Limiter
	now     func() time.Time
}

// New builds a regional Adapter. counter persists the shared daily
// request budget across process invocations.
func New(cfg Config, client *httpclient.Client, counter *ratelimit.Counter) *Adapter {
	return &Adapter{
		cfg:     cfg,
		client:  client,
		counter: counter,
		limiter: rate.NewLimiter(stationFetchRate, 1),
		now:     time.Now,
	}
}

// Name returns the provider registry key for this adapter.
func (a *Adapter) Name() string { return Source }

// FetchEvents selects this run's station rotation, enforces the
// pre-flight and circuit-breaker budget defences, and fetches/normalises
// the DepartureBoard messages for each selected station.
func (a *Adapter) FetchEvents(ctx context.Context) ([]event.Event, error) {
	if len(a.cfg.StationIDs) == 0 {
		return nil, nil
	}

	if err := a.preflightBudgetCheck(); err != nil {
		return nil, err
	}

	stations := a.selectStations()

	byGUID := make(map[string]event.Event)
	var order []string

	for i, stationID := range stations {
		if i >= a.cfg.RunCeiling {
			return nil, fmt.Errorf("%w: attempted %d stations, ceiling %d", ErrRunCeilingReached, i, a.cfg.RunCeiling)
		}

		if _, err := a.counter.Increment(); err != nil {
			return nil, fmt.Errorf("regional: rate limit counter: %w", err)
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("regional: rate limiter: %w", err)
		}

		items, err := a.fetchStation(ctx, stationID)
		if err != nil {
			continue
		}

		for _, it := range items {
			if existing, ok := byGUID[it.GUID]; ok {
				byGUID[it.GUID] = mergeEvents(existing, it)
				continue
			}
			byGUID[it.GUID] = it
			order = append(order, it.GUID)
		}
	}

	events := make([]event.Event, 0, len(order))
	for _, guid := range order {
		events = append(events, byGUID[guid])
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].PubDate.After(events[j].PubDate)
	})

	return events, nil
}

// preflightBudgetCheck refuses to run at all when the configured rotation
// would, over a full day, exceed the daily request budget.
func (a *Adapter) preflightBudgetCheck() error {
	if a.cfg.RotationIntervalMin <= 0 {
		return fmt.Errorf("regional: invalid rotation interval")
	}
	runsPerDay := (24 * 60) / a.cfg.RotationIntervalMin
	expectedDaily := runsPerDay * a.cfg.MaxStationsPerRun
	if expectedDaily > a.cfg.DailyBudget {
		return fmt.Errorf("%w: %d runs/day * %d stations = %d requests > budget %d",
			ErrBudgetExceeded, runsPerDay, a.cfg.MaxStationsPerRun, expectedDaily, a.cfg.DailyBudget)
	}
	return nil
}

// selectStations picks at most MaxStationsPerRun station ids using
// deterministic round-robin keyed by floor(now / rotationInterval) mod N,
// so consecutive runs sweep the whole configured list over time instead
// of hammering the same station.
func (a *Adapter) selectStations() []string {
	n := len(a.cfg.StationIDs)
	if n == 0 {
		return nil
	}
	interval := time.Duration(a.cfg.RotationIntervalMin) * time.Minute
	slot := int(a.now().Unix() / int64(interval.Seconds()))
	start := ((slot % n) + n) % n

	count := a.cfg.MaxStationsPerRun
	if count > n {
		count = n
	}

	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, a.cfg.StationIDs[(start+i)%n])
	}
	return out
}

type stationBoard struct {
	Messages struct {
		Message []himMessage `xml:"Message"`
	} `xml:"Messages"`
}

type himMessage struct {
	ID       string `xml:"id,attr"`
	Active   string `xml:"act,attr"`
	Category string `xml:"category,attr"`
	Head     string `xml:"head,attr"`
	Text     string `xml:"text,attr"`
	SDate    string `xml:"sDate,attr"`
	STime    string `xml:"sTime,attr"`
	EDate    string `xml:"eDate,attr"`
	ETime    string `xml:"eTime,attr"`

	AffectedStops struct {
		Stop []stopRef `xml:"Stop"`
	} `xml:"affectedStops"`
	Products struct {
		Product []productRef `xml:"Product"`
	} `xml:"products"`
}

type stopRef struct {
	Name string `xml:"name,attr"`
	Stop string `xml:"stop,attr"`
}

type productRef struct {
	Name    string `xml:"name,attr"`
	CatOutL string `xml:"catOutL,attr"`
	CatOutS string `xml:"catOutS,attr"`
	Line    string `xml:"line,attr"`
}

// fetchStation retrieves and normalises a single station's DepartureBoard
// disruption messages.
func (a *Adapter) fetchStation(ctx context.Context, stationID string) ([]event.Event, error) {
	req, err := a.buildRequest(stationID)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	var board stationBoard
	if err := xml.Unmarshal(resp.Body, &board); err != nil {
		return nil, fmt.Errorf("regional: parse station board: %w", err)
	}

	now := a.now().UTC()
	var events []event.Event
	for _, m := range board.Messages.Message {
		if e, ok := buildEvent(m, now); ok {
			events = append(events, e)
		}
	}
	return events, nil
}

// buildRequest assembles the DepartureBoard request, placing the access
// credential as a header or as a query parameter but never both.
func (a *Adapter) buildRequest(stationID string) (httpclient.Request, error) {
	now := a.now().UTC()
	duration := a.cfg.BoardDurationMin
	if duration <= 0 {
		duration = 60
	}

	q := url.Values{}
	q.Set("format", "xml")
	q.Set("id", stationID)
	q.Set("date", now.Format("2006-01-02"))
	q.Set("time", now.Format("15:04"))
	q.Set("duration", fmt.Sprintf("%d", duration))
	q.Set("rtMode", "SERVER_DEFAULT")

	var headers http.Header
	if a.cfg.AccessIDAsHeader {
		headers = http.Header{"Authorization": []string{a.cfg.AccessID}}
	} else {
		q.Set("accessId", a.cfg.AccessID)
	}

	base := strings.TrimRight(a.cfg.BaseURL, "/") + "/DepartureBoard?" + q.Encode()
	return httpclient.Request{
		Method:  "GET",
		URL:     base,
		Headers: headers,
	}, nil
}

// buildEvent converts a single HIM message into a normalised event,
// filtering inactive messages and categories outside the allowed
// disruption set.
func buildEvent(m himMessage, now time.Time) (event.Event, bool) {
	id := strings.TrimSpace(m.ID)
	if id == "" {
		return event.Event{}, false
	}
	if active := strings.ToLower(strings.TrimSpace(m.Active)); active == "false" || active == "0" || active == "no" {
		return event.Event{}, false
	}

	category, ok := himCategoryNames[strings.TrimSpace(m.Category)]
	if !ok {
		return event.Event{}, false
	}

	title := textutil.CollapseWhitespace(firstNonEmpty(m.Head, category))
	textBody := textutil.CollapseWhitespace(m.Text)

	starts := parseVAODateTime(m.SDate, m.STime)
	ends := parseVAODateTime(m.EDate, m.ETime)

	vienna := viennaLocation()
	phrase := textutil.TimePhrase(starts, ends, now, vienna)

	var descParts []string
	if textBody != "" {
		descParts = append(descParts, textBody)
	}
	if lines := fmtList(products(m)); lines != "" {
		descParts = append(descParts, "Linien: "+lines)
	}
	if stops := fmtList(affectedStopNames(m)); stops != "" {
		descParts = append(descParts, "Betroffene Haltestellen: "+stops)
	}
	if phrase != "" {
		descParts = append(descParts, phrase)
	}
	description := strings.Join(descParts, "\n")

	pubDate := now
	if starts != nil {
		pubDate = *starts
	}

	guid := textutil.BuildIdentity("vao", strings.TrimSpace(m.Category), id)

	return event.Event{
		Source:      Source,
		Category:    category,
		Title:       title,
		Description: description,
		Link:        "https://www.vor.at/",
		GUID:        guid,
		PubDate:     pubDate.UTC(),
		StartsAt:    starts,
		EndsAt:      ends,
		Identity:    guid,
	}, true
}

// mergeEvents combines two messages that share a GUID (the same
// disruption reported through more than one selected station this run),
// preferring the earliest start and the widest end window, per the
// original provider's merge rule.
func mergeEvents(a, b event.Event) event.Event {
	merged := a
	if b.PubDate.Before(merged.PubDate) {
		merged.PubDate = b.PubDate
	}
	if b.StartsAt != nil && (merged.StartsAt == nil || b.StartsAt.Before(*merged.StartsAt)) {
		merged.StartsAt = b.StartsAt
	}
	if merged.EndsAt == nil || b.EndsAt == nil {
		merged.EndsAt = nil
	} else if b.EndsAt.After(*merged.EndsAt) {
		merged.EndsAt = b.EndsAt
	}
	if b.Description != "" && !strings.Contains(merged.Description, b.Description) {
		merged.Description = merged.Description + "\n" + b.Description
	}
	return merged
}

func products(m himMessage) []string {
	var out []string
	for _, p := range m.Products.Product {
		name := firstNonEmpty(p.Name, p.CatOutL, p.CatOutS, p.Line)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

func affectedStopNames(m himMessage) []string {
	var out []string
	for _, s := range m.AffectedStops.Stop {
		name := firstNonEmpty(s.Name, s.Stop)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

func fmtList(values []string) string {
	if len(values) == 0 {
		return ""
	}
	seen := make(map[string]bool, len(values))
	var uniq []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		uniq = append(uniq, v)
	}
	sort.Strings(uniq)
	const maxListed = 15
	if len(uniq) > maxListed {
		return strings.Join(uniq[:maxListed], ", ") + " …"
	}
	return strings.Join(uniq, ", ")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// parseVAODateTime parses the upstream's separate sDate ("YYYY-MM-DD")
// and sTime ("HH:MM:SS" or "HH:MM") fields, treating them as Europe/Vienna
// local time per the original provider's documented assumption.
func parseVAODateTime(date, clock string) *time.Time {
	date = strings.TrimSpace(date)
	if date == "" {
		return nil
	}
	clock = strings.TrimSpace(clock)
	if clock == "" {
		clock = "00:00:00"
	} else if len(clock) == 5 {
		clock += ":00"
	}

	loc := viennaLocation()
	t, err := time.ParseInLocation("2006-01-02T15:04:05", date+"T"+clock, loc)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func viennaLocation() *time.Location {
	loc, err := time.LoadLocation("Europe/Vienna")
	if err != nil {
		return time.UTC
	}
	return loc
}
