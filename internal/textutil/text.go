// Package textutil implements the text-normalisation rules shared by all
// provider adapters: HTML stripping, whitespace collapsing, heading
// removal, time-phrase composition and description clipping.
package textutil

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
)

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
	),
)

// strictSanitizer is a final defense-in-depth pass: once html-to-markdown
// has turned structural HTML into plain-ish text, bluemonday's strict
// policy guarantees no tag survives, however the upstream payload was
// malformed.
var strictSanitizer = bluemonday.StrictPolicy()

var (
	controlCharPattern  = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	ansiEscapePattern   = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]+`)
	multiNewlinePattern = regexp.MustCompile(`\n{2,}`)
)

// leadingHeadings are stripped from the start of cleaned text, matching
// upstream boilerplate headings such as "Bauarbeiten" or "Störung".
var leadingHeadings = []string{
	"Bauarbeiten:", "Bauarbeiten", "Störung:", "Störung", "Zeitraum:", "Hinweis:", "Information:",
}

// StripHTML converts HTML markup to text through a Markdown conversion,
// preserving intended paragraph breaks as single "\n" characters, decoding
// entities and removing all tags. Emphasis and links come out as Markdown
// syntax (for example "**bold**" or "[text](url)"). Falls back to a control-character scrub of the raw
// input if conversion fails or produces empty output.
func StripHTML(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}

	text := html
	if looksLikeHTML(html) {
		if converted, err := mdConverter.ConvertString(html); err == nil && strings.TrimSpace(converted) != "" {
			text = converted
		}
	}

	// Defense in depth: strip any tag that survived conversion (malformed
	// input, inline SVG, etc).
	text = strictSanitizer.Sanitize(text)
	text = unescapeResidualEntities(text)

	return CollapseWhitespace(text)
}

func looksLikeHTML(s string) bool {
	return strings.Contains(s, "<") && strings.Contains(s, ">")
}

// unescapeResidualEntities decodes the handful of named entities that
// bluemonday's sanitizer re-escapes when it rewrites sanitized text.
func unescapeResidualEntities(s string) string {
	replacements := []struct{ from, to string }{
		{"&amp;", "&"},
		{"&lt;", "<"},
		{"&gt;", ">"},
		{"&quot;", `"`},
		{"&#39;", "'"},
		{"&nbsp;", " "},
	}
	for _, r := range replacements {
		s = strings.ReplaceAll(s, r.from, r.to)
	}
	return s
}

// RemoveControlChars strips raw control characters and ANSI escape
// sequences, preserving "\n" and "\t".
func RemoveControlChars(s string) string {
	s = ansiEscapePattern.ReplaceAllString(s, "")
	return controlCharPattern.ReplaceAllString(s, "")
}

// CollapseWhitespace collapses runs of horizontal whitespace to a single
// space, collapses runs of blank lines to a single "\n", and trims the
// result.
func CollapseWhitespace(s string) string {
	s = RemoveControlChars(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(multiSpacePattern.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = multiNewlinePattern.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}

// RemoveLeadingHeading strips one leading boilerplate heading line (e.g.
// "Bauarbeiten", "Zeitraum:") from the start of s.
func RemoveLeadingHeading(s string) string {
	trimmed := strings.TrimSpace(s)
	for _, h := range leadingHeadings {
		if strings.HasPrefix(trimmed, h) {
			rest := strings.TrimPrefix(trimmed, h)
			// Only a whole word counts: "Störungen" is not the heading "Störung".
			if rest != "" && !strings.ContainsAny(rest[:1], ": \t\n") {
				continue
			}
			rest = strings.TrimSpace(rest)
			rest = strings.TrimPrefix(rest, ":")
			return strings.TrimSpace(rest)
		}
	}
	return trimmed
}

// TimePhrase composes the description's second line per the rules in
// spec §4.2: day boundaries are evaluated in Europe/Vienna local calendar
// time relative to now.
func TimePhrase(startsAt, endsAt *time.Time, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	nowLocal := now.In(loc)

	if startsAt == nil {
		if endsAt == nil {
			return ""
		}
		return fmt.Sprintf("Seit %s", formatDate(endsAt.In(loc)))
	}

	startLocal := startsAt.In(loc)

	if endsAt != nil {
		endLocal := endsAt.In(loc)
		if endLocal.After(*startsAt) {
			if sameDay(startLocal, endLocal) && startLocal.After(nowLocal) {
				return fmt.Sprintf("Am %s", formatDate(startLocal))
			}
			return fmt.Sprintf("%s – %s", formatDate(startLocal), formatDate(endLocal))
		}
		// ends_at <= starts_at: treat as absent for phrasing purposes.
	}

	if startLocal.After(nowLocal) {
		return fmt.Sprintf("Ab %s", formatDate(startLocal))
	}
	return fmt.Sprintf("Seit %s", formatDate(startLocal))
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func formatDate(t time.Time) string {
	return t.Format("02.01.2006")
}

// ClipDescription clips text to at most limit characters, breaking on a
// word or sentence boundary and appending a single ellipsis (which may be
// the limit+1th character). Cuts inside a word only when the first limit
// characters hold no boundary at all. Text already within the limit is
// returned unchanged.
func ClipDescription(text string, limit int) string {
	if limit <= 0 || len([]rune(text)) <= limit {
		return text
	}
	runes := []rune(text)
	cut := limit
	// Prefer a sentence boundary.
	for i := cut; i > 0; i-- {
		if runes[i-1] == '.' || runes[i-1] == '!' || runes[i-1] == '?' {
			return strings.TrimSpace(string(runes[:i])) + "…"
		}
	}
	// Otherwise back off to the nearest word boundary.
	for i := cut; i > 0; i-- {
		if runes[i-1] == ' ' || runes[i-1] == '\n' {
			return strings.TrimRight(string(runes[:i]), " \n") + "…"
		}
	}
	return string(runes[:cut]) + "…"
}

// BuildIdentity composes a stable synthetic "_identity" key from the given
// parts, joined with "|". Empty parts are included as empty segments so
// the composition stays positional and stable across calls.
func BuildIdentity(parts ...string) string {
	return strings.Join(parts, "|")
}
