// Package ratelimit implements the cross-process daily request-budget
// counter used by the regional-authority provider: a JSON counter file
// guarded by a sibling lock file, incremented before every HTTP attempt so
// that denials and timeouts still count against the budget.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/viennatransit/feedagg/internal/pathguard"
)

// DefaultLockTimeout is how long Increment waits for the lock before taking
// over a stale one.
const DefaultLockTimeout = 10 * time.Second

// counterState is the on-disk shape: {"day": "YYYY-MM-DD", "count": N,
// "last_attempt": "<RFC3339 UTC>"}. last_attempt is read-only operability
// information, not consulted by any budget invariant.
type counterState struct {
	Day         string    `json:"day"`
	Count       int       `json:"count"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
}

// Counter guards a single persistent daily counter file.
type Counter struct {
	roots       pathguard.Roots
	path        string
	lockPath    string
	lockTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New builds a Counter backed by the JSON file at path (and a sibling
// path+".lock" lock file), both resolved against roots.
func New(roots pathguard.Roots, path string, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{
		roots:       roots,
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: DefaultLockTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// Increment atomically bumps today's counter and returns the new count. The
// day is the operator's local calendar day. Call this before attempting
// the guarded HTTP request, not after, so failed attempts still count.
func (c *Counter) Increment() (int, error) {
	resolved, err := c.roots.Resolve(c.path)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: %w", err)
	}
	lockResolved, err := c.roots.Resolve(c.lockPath)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return 0, fmt.Errorf("ratelimit: mkdir %s: %w", filepath.Dir(resolved), err)
	}

	fl := flock.New(lockResolved)
	locked, err := c.acquireWithTakeover(fl)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: acquire lock: %w", err)
	}
	if !locked {
		return 0, fmt.Errorf("ratelimit: could not acquire lock on %s", c.lockPath)
	}
	defer fl.Unlock()

	state := c.readTolerant(resolved)

	today := c.now().Format("2006-01-02")
	if state.Day != today {
		state.Day = today
		state.Count = 0
	}
	state.Count++
	state.LastAttempt = c.now().UTC()

	if err := c.writeAtomic(resolved, state); err != nil {
		return 0, fmt.Errorf("ratelimit: %w", err)
	}

	return state.Count, nil
}

// Peek returns today's count without incrementing, for pre-flight checks.
// It does not take the lock; callers that need a consistent read-then-act
// sequence should use Increment.
func (c *Counter) Peek() (int, error) {
	resolved, err := c.roots.Resolve(c.path)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: %w", err)
	}
	state := c.readTolerant(resolved)
	today := c.now().Format("2006-01-02")
	if state.Day != today {
		return 0, nil
	}
	return state.Count, nil
}

// LastAttempt returns the UTC timestamp of the most recent recorded
// Increment, for operability dashboards. It is informational only — no
// budget invariant consults it — and returns the zero time if the counter
// file has never been written.
func (c *Counter) LastAttempt() (time.Time, error) {
	resolved, err := c.roots.Resolve(c.path)
	if err != nil {
		return time.Time{}, fmt.Errorf("ratelimit: %w", err)
	}
	return c.readTolerant(resolved).LastAttempt, nil
}

// acquireWithTakeover blocks for up to c.lockTimeout attempting to take the
// exclusive lock. If the timeout elapses, it removes the lock file (stale
// lock takeover) and makes one final attempt.
func (c *Counter) acquireWithTakeover(fl *flock.Flock) (bool, error) {
	deadline := time.Now().Add(c.lockTimeout)
	for time.Now().Before(deadline) {
		locked, err := fl.TryLock()
		if err != nil {
			return false, err
		}
		if locked {
			return true, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	c.logger.Warn("ratelimit: lock timed out, taking over stale lock", "path", c.lockPath)
	os.Remove(fl.Path())
	return fl.TryLock()
}

// readTolerant reads and parses the counter file, treating a missing file
// or a parse error as the start of a fresh day with count zero.
func (c *Counter) readTolerant(resolved string) counterState {
	data, err := os.ReadFile(resolved)
	if err != nil {
		return counterState{}
	}
	var state counterState
	if err := json.Unmarshal(data, &state); err != nil {
		c.logger.Warn("ratelimit: counter file unparseable, starting a new day", "path", c.path)
		return counterState{}
	}
	return state
}

func (c *Counter) writeAtomic(resolved string, state counterState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	dir := filepath.Dir(resolved)
	tmp, err := os.CreateTemp(dir, filepath.Base(resolved)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpPath, resolved); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
