// Package station implements the read-only station catalogue consulted by
// the railway provider adapter: canonical name normalisation, Vienna membership,
// commuter-belt classification and regional-authority id lookup.
package station

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Station is a single catalogue entry as stored in the bundled JSON file.
type Station struct {
	ID          string   `json:"bst_id"`
	Code        string   `json:"bst_code"`
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases"`
	InVienna    bool     `json:"in_vienna"`
	Commuter    bool     `json:"pendler"`
	RegionalIDs []string `json:"regional_ids"`
	Source      string   `json:"source,omitempty"`
}

// Catalogue is the in-memory, read-only station directory. All lookups are
// keyed by canonical name; construction is the only place aliases are
// resolved, so a runtime lookup is a canonicalisation of the queried name
// plus one map access.
type Catalogue struct {
	byCanonical map[string]Station
	stations    []Station
}

// stationTypeSuffixes are removed from the end of a canonicalised name so
// that "wien hauptbahnhof" and "wien hbf" resolve to the same key.
var stationTypeSuffixes = []string{
	" hauptbahnhof", " hbf", " bahnhof", " bahnhst", " bf",
}

// diacriticsTransformer strips combining marks after NFD decomposition,
// turning e.g. "ö" into "o".
var diacriticsTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Load reads a station catalogue from a JSON file containing an array of
// Station records, building the canonical-name index. Records missing
// bst_id or name are dropped with a warning; they carry nothing a lookup
// could key on. Alias collisions (two source names normalising to the same
// canonical key) are logged and the later entry is discarded, per catalogue
// semantics.
func Load(path string, logger *slog.Logger) (*Catalogue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("station: read %s: %w", path, err)
	}

	var raw []Station
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("station: parse %s: %w", path, err)
	}

	return build(raw, logger), nil
}

// LoadFromBytes builds a Catalogue from raw JSON, primarily for tests and
// embedded fixtures.
func LoadFromBytes(data []byte, logger *slog.Logger) (*Catalogue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var raw []Station
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("station: parse: %w", err)
	}
	return build(raw, logger), nil
}

func build(raw []Station, logger *slog.Logger) *Catalogue {
	stations := make([]Station, 0, len(raw))
	for _, st := range raw {
		if st.ID == "" || st.Name == "" {
			logger.Warn("station: dropping record missing bst_id or name", "id", st.ID, "name", st.Name)
			continue
		}
		stations = append(stations, st)
	}

	c := &Catalogue{
		byCanonical: make(map[string]Station, len(stations)*2),
		stations:    stations,
	}

	register := func(key string, st Station) {
		if key == "" {
			return
		}
		if existing, ok := c.byCanonical[key]; ok && existing.ID != st.ID {
			logger.Warn("station: alias collision, keeping earlier entry",
				"key", key, "kept_id", existing.ID, "ignored_id", st.ID)
			return
		}
		if _, ok := c.byCanonical[key]; !ok {
			c.byCanonical[key] = st
		}
	}

	for _, st := range stations {
		register(CanonicalName(st.Name), st)
		for _, alias := range st.Aliases {
			register(CanonicalName(alias), st)
		}
	}
	return c
}

// CanonicalName normalises a raw station name for lookup: lowercase, accent
// stripped, whitespace collapsed, a trailing station-type suffix removed.
func CanonicalName(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if transformed, _, err := transform.String(diacriticsTransformer, s); err == nil {
		s = transformed
	}
	s = collapseSpaces(s)
	for _, suffix := range stationTypeSuffixes {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			s = strings.TrimSpace(s)
			break
		}
	}
	return s
}

func collapseSpaces(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// lookup resolves a raw station name to its catalogue entry, applying
// canonicalisation first.
func (c *Catalogue) lookup(name string) (Station, bool) {
	if c == nil {
		return Station{}, false
	}
	st, ok := c.byCanonical[CanonicalName(name)]
	return st, ok
}

// IsInVienna reports whether the named station is inside Vienna, by
// catalogue lookup of the in_vienna flag. Unknown names are treated as
// out-of-region: providers must not guess.
func (c *Catalogue) IsInVienna(name string) bool {
	st, ok := c.lookup(name)
	return ok && st.InVienna
}

// IsCommuter reports whether the named station is flagged as part of the
// commuter belt (pendler).
func (c *Catalogue) IsCommuter(name string) bool {
	st, ok := c.lookup(name)
	return ok && st.Commuter
}

// RegionalIDs returns the regional-authority ids registered for the named
// station, or nil if the station is unknown or has none.
func (c *Catalogue) RegionalIDs(name string) []string {
	st, ok := c.lookup(name)
	if !ok {
		return nil
	}
	return st.RegionalIDs
}

// Lookup returns the full catalogue entry for a raw station name.
func (c *Catalogue) Lookup(name string) (Station, bool) {
	return c.lookup(name)
}

// Stats summarises catalogue composition, used for start-up logging and
// diagnostics.
type Stats struct {
	Total           int
	InVienna        int
	Commuter        int
	WithRegionalIDs int
}

// Stats computes summary counts over the loaded catalogue.
func (c *Catalogue) Stats() Stats {
	var s Stats
	if c == nil {
		return s
	}
	s.Total = len(c.stations)
	for _, st := range c.stations {
		if st.InVienna {
			s.InVienna++
		}
		if st.Commuter {
			s.Commuter++
		}
		if len(st.RegionalIDs) > 0 {
			s.WithRegionalIDs++
		}
	}
	return s
}

// Len returns the number of distinct stations loaded.
func (c *Catalogue) Len() int {
	if c == nil {
		return 0
	}
	return len(c.stations)
}

// MentionsInRegionStation reports whether text mentions any in-Vienna
// station name from the catalogue, used by the railway RSS filter to
// distinguish region-relevant items from purely out-of-region ones.
func (c *Catalogue) MentionsInRegionStation(text string) bool {
	if c == nil || text == "" {
		return false
	}
	normalizedText := CanonicalName(text)
	for _, st := range c.stations {
		if !st.InVienna {
			continue
		}
		if strings.Contains(normalizedText, CanonicalName(st.Name)) {
			return true
		}
	}
	return false
}
