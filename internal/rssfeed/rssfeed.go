// Package rssfeed renders the pipeline's final event set as RSS 2.0,
// with an "ext" extension namespace carrying first_seen/starts_at/ends_at,
// and writes the result atomically alongside a small JSON build summary.
package rssfeed

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/viennatransit/feedagg/internal/event"
	"github.com/viennatransit/feedagg/internal/pathguard"
)

// Config holds the channel-level settings needed to render a feed.
type Config struct {
	Title       string
	Link        string
	Description string
	TTLMinutes  int
}

// Render builds the full RSS 2.0 document for events, ordered exactly as
// given (the pipeline is responsible for ordering and clipping).
func Render(events []event.Event, cfg Config, now time.Time) []byte {
	var b bytes.Buffer

	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<rss version="2.0" xmlns:ext="https://viennatransit.example/schema" xmlns:content="http://purl.org/rss/1.0/modules/content/">` + "\n")
	b.WriteString("<channel>\n")
	fmt.Fprintf(&b, "<title>%s</title>\n", escapeText(cfg.Title))
	fmt.Fprintf(&b, "<link>%s</link>\n", escapeText(cfg.Link))
	fmt.Fprintf(&b, "<description>%s</description>\n", escapeText(cfg.Description))
	fmt.Fprintf(&b, "<lastBuildDate>%s</lastBuildDate>\n", formatRFC822(now))
	fmt.Fprintf(&b, "<ttl>%d</ttl>\n", cfg.TTLMinutes)

	for _, e := range events {
		writeItem(&b, e)
	}

	b.WriteString("</channel>\n")
	b.WriteString("</rss>\n")

	return b.Bytes()
}

func writeItem(b *bytes.Buffer, e event.Event) {
	link := e.Link
	if link == "" {
		link = "https://www.wienerlinien.at/"
	}
	guid := e.GUID
	if guid == "" {
		guid = e.Key()
	}

	b.WriteString("<item>\n")
	fmt.Fprintf(b, "<title>%s</title>\n", escapeText(strings.TrimSpace(e.Title)))
	fmt.Fprintf(b, "<link>%s</link>\n", escapeText(link))
	fmt.Fprintf(b, "<guid isPermaLink=\"false\">%s</guid>\n", escapeText(guid))
	fmt.Fprintf(b, "<pubDate>%s</pubDate>\n", formatRFC822(e.PubDate))

	fmt.Fprintf(b, "<ext:first_seen>%s</ext:first_seen>\n", formatISO8601UTC(e.FirstSeen))
	if e.StartsAt != nil {
		fmt.Fprintf(b, "<ext:starts_at>%s</ext:starts_at>\n", formatISO8601UTC(*e.StartsAt))
	}
	if e.EndsAt != nil {
		fmt.Fprintf(b, "<ext:ends_at>%s</ext:ends_at>\n", formatISO8601UTC(*e.EndsAt))
	}

	descHTML := strings.ReplaceAll(e.Description, "\n", "<br/>")
	fmt.Fprintf(b, "<description>%s</description>\n", cdata(descHTML))
	fmt.Fprintf(b, "<content:encoded>%s</content:encoded>\n", cdata(descHTML))
	b.WriteString("</item>\n")
}

// cdata wraps s in a CDATA section, splitting any embedded "]]>" so the
// section itself stays well-formed.
func cdata(s string) string {
	s = strings.ReplaceAll(s, "]]>", "]]]]><![CDATA[>")
	return "<![CDATA[" + s + "]]>"
}

func escapeText(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// formatRFC822 formats t in Vienna local time using RSS's RFC822-with-zone
// convention, per spec §6 ("RFC 1123 in Europe/Vienna") for pubDate and
// lastBuildDate.
func formatRFC822(t time.Time) string {
	loc, err := time.LoadLocation("Europe/Vienna")
	if err != nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.RFC1123Z)
}

// formatISO8601UTC formats t in UTC as ISO-8601, per spec §6's ext: time
// field format ("ISO-8601 UTC"), distinct from pubDate's Vienna-local
// RFC 1123 rendering.
func formatISO8601UTC(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Summary is the small JSON sidecar written alongside the feed, recording
// build metadata useful for monitoring without parsing the XML.
type Summary struct {
	BuiltAt    time.Time      `json:"built_at"`
	ItemCount  int            `json:"item_count"`
	BySource   map[string]int `json:"by_source"`
	OutputPath string         `json:"output_path"`
}

// BuildSummary tallies events by source for the sidecar.
func BuildSummary(events []event.Event, now time.Time, outputPath string) Summary {
	bySource := make(map[string]int)
	for _, e := range events {
		bySource[e.Source]++
	}
	return Summary{BuiltAt: now, ItemCount: len(events), BySource: bySource, OutputPath: outputPath}
}

// WriteAtomic writes data to path (resolved against roots) via a
// temp-file-then-rename sequence with directory fsync, the same durability
// pattern used for the JSON cache files.
func WriteAtomic(roots pathguard.Roots, path string, data []byte) error {
	resolved, err := roots.Resolve(path)
	if err != nil {
		return fmt.Errorf("rssfeed: %w", err)
	}

	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("rssfeed: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(resolved)+".*.tmp")
	if err != nil {
		return fmt.Errorf("rssfeed: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("rssfeed: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("rssfeed: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("rssfeed: close temp: %w", err)
	}

	if err := os.Rename(tmpPath, resolved); err != nil {
		return fmt.Errorf("rssfeed: rename: %w", err)
	}

	if dirHandle, err := os.Open(dir); err == nil {
		dirHandle.Sync()
		dirHandle.Close()
	}

	return nil
}

// WriteSummary marshals and atomically writes the build summary sidecar.
func WriteSummary(roots pathguard.Roots, path string, summary Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("rssfeed: marshal summary: %w", err)
	}
	return WriteAtomic(roots, path, data)
}
