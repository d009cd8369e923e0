// Package firstseen tracks, across feed-build runs, when each event
// identity was first admitted into the emitted feed — so a later stage can
// distinguish long-standing disruptions from ones that just appeared.
package firstseen

import (
	"log/slog"
	"time"

	"github.com/viennatransit/feedagg/internal/cachestore"
	"github.com/viennatransit/feedagg/internal/pathguard"
)

// Store is the loaded first-seen map for one feed-build run.
type Store struct {
	roots  pathguard.Roots
	path   string
	logger *slog.Logger
	byID   map[string]time.Time
}

// Load reads the persisted first-seen map, stored on disk as a JSON object
// of identity to ISO-8601 timestamp (spec §6). A missing file, an empty
// file, or a parse error yields an empty map with a warning (handled
// already by cachestore.Read), never an error — first-seen tracking is
// best-effort.
func Load(roots pathguard.Roots, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]time.Time)
	if err := cachestore.Read(roots, path, &byID, logger); err != nil {
		return nil, err
	}

	return &Store{roots: roots, path: path, logger: logger, byID: byID}, nil
}

// Get returns the recorded first-seen instant for identity, and whether one
// was recorded.
func (s *Store) Get(identity string) (time.Time, bool) {
	t, ok := s.byID[identity]
	return t, ok
}

// Touch records identity as first seen at now, if it is not already
// tracked. Returns the (possibly pre-existing) first-seen instant.
func (s *Store) Touch(identity string, now time.Time) time.Time {
	if t, ok := s.byID[identity]; ok {
		return t
	}
	s.byID[identity] = now
	return now
}

// Prune discards every tracked identity not present in keep, so the
// persisted map never grows past the currently-emitted set.
func (s *Store) Prune(keep map[string]bool) {
	for id := range s.byID {
		if !keep[id] {
			delete(s.byID, id)
		}
	}
}

// Save persists the first-seen map atomically, as the JSON object shape
// Load expects. Persistence errors are returned to the caller, which per
// spec §4.6 must log but never abort the build on them.
func (s *Store) Save() error {
	return cachestore.Write(s.roots, s.path, s.byID)
}
