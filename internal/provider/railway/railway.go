// Package railway implements the provider adapter for the national
// railway operator's RSS disruption feed, applying a strict regional
// filter since most of the upstream feed concerns the whole country.
package railway

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/viennatransit/feedagg/internal/event"
	"github.com/viennatransit/feedagg/internal/httpclient"
	"github.com/viennatransit/feedagg/internal/station"
	"github.com/viennatransit/feedagg/internal/textutil"
)

// Source is this adapter's event.Source tag.
const Source = event.SourceRailway

// regionalKeyword matches the bare regional name, used as a fallback when
// no catalogue station name is mentioned.
var regionalKeyword = regexp.MustCompile(`(?i)\b(wien|vienna)\b`)

// farAwayPattern flags endpoints that place a disruption clearly outside
// the region even when "Wien" appears elsewhere in the text (through-line
// titles such as "Wien – Salzburg").
var farAwayPattern = regexp.MustCompile(`(?i)\b(salzburg|innsbruck|villach|bregenz|linz|graz|klagenfurt|bratislava|m[üu]nchen|passau|freilassing)\b`)

// arrowSplit matches the separators used between the two endpoints of a
// route title ("Wien Hbf – Salzburg Hbf", "Wien <-> Bregenz").
var arrowSplit = regexp.MustCompile(`\s*(?:↔|<=>|<->|→|=>|->|—|–|\s-\s)\s*`)

// duplicateArrowRun collapses repeated arrow separators left behind by
// upstream title generation.
var duplicateArrowRun = regexp.MustCompile(`(?:\s*↔\s*){2,}`)

var stationPrefixPattern = regexp.MustCompile(`(?i)\b(?:Bahnhof|Bahnhst|Hbf|Bf)\b`)

// Config configures the railway adapter.
type Config struct {
	FeedURL string
}

// Adapter fetches and normalises the national-railway RSS feed.
type Adapter struct {
	cfg       Config
	client    *httpclient.Client
	catalogue *station.Catalogue
}

// New builds a railway Adapter. catalogue may be nil, in which case the
// regional filter falls back to the bare keyword match only.
func New(cfg Config, client *httpclient.Client, catalogue *station.Catalogue) *Adapter {
	return &Adapter{cfg: cfg, client: client, catalogue: catalogue}
}

// Name returns the provider registry key for this adapter.
func (a *Adapter) Name() string { return Source }

type rssRoot struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	GUID        string `xml:"guid"`
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
}

// FetchEvents retrieves the RSS feed, applies the regional filter, and
// returns the normalised in-region events.
func (a *Adapter) FetchEvents(ctx context.Context) ([]event.Event, error) {
	resp, err := a.fetchWithRetryAfter(ctx)
	if err != nil {
		return nil, fmt.Errorf("railway: fetch: %w", err)
	}

	root, err := parseRSS(resp)
	if err != nil {
		return nil, fmt.Errorf("railway: %w", err)
	}

	now := time.Now().UTC()
	vienna := viennaLocation()

	var events []event.Event
	for _, item := range root.Channel.Items {
		title := cleanTitle(item.Title)
		desc := textutil.StripHTML(item.Description)

		if !a.isInRegion(title, desc) {
			continue
		}

		pubDate := parseRFC1123(item.PubDate)
		if pubDate == nil {
			t := now
			pubDate = &t
		}

		summary := textutil.RemoveLeadingHeading(desc)
		phrase := textutil.TimePhrase(pubDate, nil, now, vienna)
		description := summary
		if phrase != "" {
			if description != "" {
				description += "\n" + phrase
			} else {
				description = phrase
			}
		}

		identity := textutil.BuildIdentity(Source, "disruption", strings.TrimSpace(item.GUID), pubDate.In(vienna).Format("2006-01-02"))

		events = append(events, event.Event{
			Source:      Source,
			Category:    "disruption",
			Title:       title,
			Description: description,
			Link:        strings.TrimSpace(item.Link),
			GUID:        strings.TrimSpace(item.GUID),
			PubDate:     pubDate.UTC(),
			Identity:    identity,
		})
	}

	return events, nil
}

// fetchWithRetryAfter performs the RSS fetch; httpclient.Client.Do already
// honours Retry-After internally, so this is a thin wrapper kept separate
// for clarity at the call site per spec §4.2.b.
func (a *Adapter) fetchWithRetryAfter(ctx context.Context) ([]byte, error) {
	resp, err := a.client.Do(ctx, httpclient.Request{URL: a.cfg.FeedURL})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func parseRSS(data []byte) (*rssRoot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty feed body")
	}
	var root rssRoot
	if err := xml.Unmarshal(trimmed, &root); err != nil {
		return nil, fmt.Errorf("parse rss: %w", err)
	}
	return &root, nil
}

// isInRegion applies the strict regional filter from spec §4.2.b. When the
// title names two route endpoints, every endpoint must be allowed
// (mention the regional keyword or resolve to an in-region/commuter
// catalogue station) — a single out-of-region endpoint disqualifies the
// item even if the other end is Vienna. Titles without a parseable
// endpoint split fall back to a keyword-or-catalogue match over the whole
// blob, rejecting anything that only names a far-away city.
func (a *Adapter) isInRegion(title, desc string) bool {
	if endpoints := splitEndpoints(title); len(endpoints) >= 2 {
		for _, ep := range endpoints {
			if !a.isAllowedEndpoint(ep) {
				return false
			}
		}
		return true
	}

	blob := title + " " + desc
	if a.catalogue != nil && a.catalogue.MentionsInRegionStation(blob) {
		return true
	}
	return regionalKeyword.MatchString(blob) && !farAwayPattern.MatchString(blob)
}

// splitEndpoints splits a route title on its arrow separator, discarding
// empty segments left by leading/trailing arrows.
func splitEndpoints(title string) []string {
	parts := arrowSplit.Split(strings.TrimSpace(title), -1)
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// isAllowedEndpoint reports whether a single route endpoint is in-region:
// it names the regional keyword directly, or resolves (after stripping
// its station-type suffix) to an in-Vienna or commuter-belt station.
func (a *Adapter) isAllowedEndpoint(endpoint string) bool {
	cleaned := cleanEndpoint(endpoint)
	if regionalKeyword.MatchString(cleaned) {
		return true
	}
	if a.catalogue == nil {
		return false
	}
	return a.catalogue.IsInVienna(cleaned) || a.catalogue.IsCommuter(cleaned)
}

// cleanTitle removes duplicate arrow runs and collapses whitespace left
// over from upstream title assembly. Endpoint segments are cleaned
// individually so a single stray "Bahnhof"/"Hbf" suffix doesn't survive
// the arrow split.
func cleanTitle(raw string) string {
	t := strings.TrimSpace(raw)
	t = duplicateArrowRun.ReplaceAllString(t, " ↔ ")

	segments := arrowSplit.Split(t, -1)
	if len(segments) > 1 {
		for i, seg := range segments {
			segments[i] = cleanEndpoint(seg)
		}
		t = strings.Join(segments, " ↔ ")
	}

	return textutil.CollapseWhitespace(t)
}

// cleanEndpoint trims a bare station-type suffix ("Hbf", "Bahnhof", "Bf")
// from a single route endpoint, mirroring the upstream title's own
// formatting rather than the canonical station name.
func cleanEndpoint(segment string) string {
	trimmed := strings.TrimSpace(segment)
	if loc := stationPrefixPattern.FindStringIndex(trimmed); loc != nil && loc[1] >= len(strings.TrimRight(trimmed, " ")) {
		trimmed = strings.TrimSpace(trimmed[:loc[0]])
	}
	return trimmed
}

func parseRFC1123(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func viennaLocation() *time.Location {
	loc, err := time.LoadLocation("Europe/Vienna")
	if err != nil {
		return time.UTC
	}
	return loc
}
