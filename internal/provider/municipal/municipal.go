// Package municipal implements the provider adapter for the Vienna public
// transport operator's realtime disruption and news endpoint. The source
// is by definition in-region, so no regional filter is applied.
package municipal

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/viennatransit/feedagg/internal/event"
	"github.com/viennatransit/feedagg/internal/httpclient"
	"github.com/viennatransit/feedagg/internal/textutil"
)

// Source is this adapter's event.Source tag.
const Source = event.SourceMunicipal

// restrictionKeywords flags traffic-relevant news items; newsList carries a
// lot of pure marketing content that must be excluded.
var restrictionKeywords = regexp.MustCompile(`(?i)\b(umleitung|ersatzverkehr|unterbrech|sperr|gesperrt|st[öo]rung|arbeiten|baustell|einschr[äa]nk|versp[äa]t|ausfall|verkehr|kurzf[üu]hrung|teilbetrieb|pendelverkehr|kurzstrecke)\b`)

// excludeKeywords flags marketing/informational noise in trafficInfoList.
var excludeKeywords = regexp.MustCompile(`(?i)\b(willkommen|gewinnspiel|anzeiger|er[öo]ffnung|service(?:-info)?|info(?:rmation)?|fest|keine\s+echtzeitinfo)\b`)

// facilityOnlyKeywords flags items that refer only to elevators/escalators,
// which spec §4.2.a excludes as "pure facility-maintenance notes".
var facilityOnlyKeywords = regexp.MustCompile(`(?i)\b(aufzug|aufz[üu]ge|lift|fahrstuhl|fahrtreppe(?:n)?|rolltreppe(?:n)?|aufzugsinfo|fahrtreppeninfo)\b`)

var inactiveStatusKeywords = []string{
	"finished", "inactive", "inaktiv", "done", "closed", "nicht aktiv",
	"ended", "ende", "abgeschlossen", "beendet", "geschlossen",
}

// Config configures the municipal adapter.
type Config struct {
	BaseURL string
}

// Adapter fetches and normalises municipal realtime events.
type Adapter struct {
	cfg    Config
	client *httpclient.Client
}

// New builds a municipal Adapter.
func New(cfg Config, client *httpclient.Client) *Adapter {
	return &Adapter{cfg: cfg, client: client}
}

// Name returns the provider registry key for this adapter.
func (a *Adapter) Name() string { return Source }

type trafficInfoResponse struct {
	Data struct {
		TrafficInfos []trafficInfo `json:"trafficInfos"`
	} `json:"data"`
}

type trafficInfo struct {
	Name         string         `json:"name"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Status       string         `json:"status"`
	Attributes   map[string]any `json:"attributes"`
	Time         *timeWindow    `json:"time"`
	RelatedLines []relatedLine  `json:"relatedLines"`
}

type newsResponse struct {
	Data struct {
		POIs []newsItem `json:"pois"`
	} `json:"data"`
}

type newsItem struct {
	Title        string         `json:"title"`
	Subtitle     string         `json:"subtitle"`
	Description  string         `json:"description"`
	Status       string         `json:"status"`
	Attributes   map[string]any `json:"attributes"`
	Time         *timeWindow    `json:"time"`
	RelatedLines []relatedLine  `json:"relatedLines"`
}

type timeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type relatedLine struct {
	Name string `json:"name"`
}

// FetchEvents retrieves both the traffic-info and news lists and returns
// the combined, normalised event set.
func (a *Adapter) FetchEvents(ctx context.Context) ([]event.Event, error) {
	now := time.Now().UTC()

	var events []event.Event

	infos, err := a.fetchTrafficInfos(ctx)
	if err != nil {
		return nil, fmt.Errorf("municipal: traffic info: %w", err)
	}
	for _, ti := range infos {
		if e, ok := a.buildFromTrafficInfo(ti, now); ok {
			events = append(events, e)
		}
	}

	news, err := a.fetchNews(ctx)
	if err != nil {
		return nil, fmt.Errorf("municipal: news: %w", err)
	}
	for _, n := range news {
		if e, ok := a.buildFromNews(n, now); ok {
			events = append(events, e)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].PubDate.Before(events[j].PubDate)
	})

	return events, nil
}

func (a *Adapter) fetchTrafficInfos(ctx context.Context) ([]trafficInfo, error) {
	url := a.cfg.BaseURL + "/trafficInfoList?name=stoerunglang&name=stoerungkurz"
	resp, err := a.client.Do(ctx, httpclient.Request{URL: url})
	if err != nil {
		return nil, err
	}
	var parsed trafficInfoResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, fmt.Errorf("parse trafficInfoList: %w", err)
	}
	return parsed.Data.TrafficInfos, nil
}

func (a *Adapter) fetchNews(ctx context.Context) ([]newsItem, error) {
	url := a.cfg.BaseURL + "/newsList"
	resp, err := a.client.Do(ctx, httpclient.Request{URL: url})
	if err != nil {
		return nil, err
	}
	var parsed newsResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, fmt.Errorf("parse newsList: %w", err)
	}
	return parsed.Data.POIs, nil
}

func (a *Adapter) buildFromTrafficInfo(ti trafficInfo, now time.Time) (event.Event, bool) {
	statusBlob := strings.ToLower(ti.Status + " " + attrString(ti.Attributes, "status") + " " + attrString(ti.Attributes, "state"))
	if hasAny(statusBlob, inactiveStatusKeywords) {
		return event.Event{}, false
	}

	titleRaw := firstNonEmpty(ti.Title, ti.Name, "Meldung")
	descRaw := ti.Description

	if facilityOnlyKeywords.MatchString(titleRaw + " " + descRaw) {
		return event.Event{}, false
	}

	blob := titleRaw + " " + descRaw
	if excludeKeywords.MatchString(blob) && !restrictionKeywords.MatchString(blob) {
		return event.Event{}, false
	}

	start, end := parseWindow(ti.Time)
	if !isActive(start, end, now) {
		return event.Event{}, false
	}

	lines := lineTokens(ti.RelatedLines)
	return buildEvent("Störung", titleRaw, descRaw, lines, start, end, now), true
}

func (a *Adapter) buildFromNews(n newsItem, now time.Time) (event.Event, bool) {
	statusBlob := strings.ToLower(n.Status + " " + attrString(n.Attributes, "status") + " " + attrString(n.Attributes, "state"))
	if hasAny(statusBlob, inactiveStatusKeywords) {
		return event.Event{}, false
	}

	titleRaw := firstNonEmpty(n.Title, "Hinweis")
	descRaw := n.Description

	if facilityOnlyKeywords.MatchString(titleRaw + " " + n.Subtitle + " " + descRaw) {
		return event.Event{}, false
	}

	blob := titleRaw + " " + n.Subtitle + " " + descRaw
	if !restrictionKeywords.MatchString(blob) {
		return event.Event{}, false
	}

	start, end := parseWindow(n.Time)
	if !isActive(start, end, now) {
		return event.Event{}, false
	}

	lines := lineTokens(n.RelatedLines)
	return buildEvent("Hinweis", titleRaw, descRaw, lines, start, end, now), true
}

func buildEvent(category, titleRaw, descRaw string, lines []string, start, end *time.Time, now time.Time) event.Event {
	title := textutil.CollapseWhitespace(titleRaw)
	summary := textutil.RemoveLeadingHeading(textutil.StripHTML(descRaw))

	vienna := viennaLocation()
	phrase := textutil.TimePhrase(start, end, now, vienna)

	description := summary
	if phrase != "" {
		if description != "" {
			description += "\n" + phrase
		} else {
			description = phrase
		}
	}

	pubDate := now
	if start != nil {
		pubDate = *start
	}

	serviceDay := "none"
	if start != nil {
		serviceDay = start.In(vienna).Format("2006-01-02")
	}
	identity := textutil.BuildIdentity(Source, category, strings.Join(lines, ","), serviceDay)

	return event.Event{
		Source:      Source,
		Category:    category,
		Title:       title,
		Description: description,
		PubDate:     pubDate.UTC(),
		StartsAt:    start,
		EndsAt:      end,
		Identity:    identity,
	}
}

func lineTokens(lines []relatedLine) []string {
	seen := make(map[string]bool, len(lines))
	var out []string
	for _, l := range lines {
		name := strings.TrimSpace(l.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func parseWindow(w *timeWindow) (*time.Time, *time.Time) {
	if w == nil {
		return nil, nil
	}
	start := parseISO(w.Start)
	end := parseISO(w.End)
	return start, end
}

func parseISO(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func isActive(start, end *time.Time, now time.Time) bool {
	if start != nil && start.After(now) {
		return false
	}
	if end != nil && end.Before(now.Add(-10*time.Minute)) {
		return false
	}
	return true
}

func hasAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func attrString(attrs map[string]any, key string) string {
	if attrs == nil {
		return ""
	}
	if v, ok := attrs[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func viennaLocation() *time.Location {
	loc, err := time.LoadLocation("Europe/Vienna")
	if err != nil {
		return time.UTC
	}
	return loc
}
