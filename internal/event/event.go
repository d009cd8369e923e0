// Package event defines the canonical Event record shared by every
// provider adapter and the aggregation pipeline.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Source tags identify which provider produced an event. Their relative
// order is also the dedupe tie-break precedence (§4.7 rule 4): regional >
// railway > municipal.
const (
	SourceMunicipal = "municipal"
	SourceRailway   = "railway"
	SourceRegional  = "regional"
)

// precedence ranks providers for the dedupe tie-break; higher wins.
var precedence = map[string]int{
	SourceRegional:  3,
	SourceRailway:   2,
	SourceMunicipal: 1,
}

// Precedence returns the dedupe tie-break rank of a source tag. Unknown
// tags rank lowest.
func Precedence(source string) int {
	return precedence[source]
}

// ErrMissingPubDate is returned by Validate when PubDate is zero.
var ErrMissingPubDate = errors.New("event: pub_date is required")

// ErrEndsBeforeStarts is returned by Validate when both StartsAt and EndsAt
// are present and EndsAt < StartsAt.
var ErrEndsBeforeStarts = errors.New("event: ends_at is before starts_at")

// Event is the canonical internal message record (spec §3).
type Event struct {
	Source      string     `json:"source"`
	Category    string     `json:"category"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Link        string     `json:"link"`
	GUID        string     `json:"guid"`
	PubDate     time.Time  `json:"pub_date"`
	StartsAt    *time.Time `json:"starts_at,omitempty"`
	EndsAt      *time.Time `json:"ends_at,omitempty"`
	Identity    string     `json:"_identity,omitempty"`

	// FirstSeen is populated by the aggregation pipeline, never persisted
	// in the provider cache snapshot itself.
	FirstSeen time.Time `json:"-"`
}

// Validate checks the invariants in spec §3 that can be checked locally
// (pub_date present, ends_at >= starts_at when both present). The time
// zone of pub_date is not checked.
func (e *Event) Validate() error {
	if e.PubDate.IsZero() {
		return ErrMissingPubDate
	}
	if e.StartsAt != nil && e.EndsAt != nil && e.EndsAt.Before(*e.StartsAt) {
		return ErrEndsBeforeStarts
	}
	return nil
}

// Key returns the dedupe key per spec §4.7: the first non-empty of
// _identity, guid, or a content hash of source|title|description.
func (e *Event) Key() string {
	if e.Identity != "" {
		return e.Identity
	}
	if e.GUID != "" {
		return e.GUID
	}
	return ContentHash(e.Source, e.Title, e.Description)
}

// ContentHash computes the fallback dedupe key: sha256 of
// "source|title|description", hex-encoded.
func ContentHash(source, title, description string) string {
	h := sha256.Sum256([]byte(source + "|" + title + "|" + description))
	return hex.EncodeToString(h[:])
}
