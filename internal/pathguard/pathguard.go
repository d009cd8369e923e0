// Package pathguard resolves configured file paths against a compile-time
// allowlist of directories, rejecting anything that would escape them after
// symlink resolution.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrOutsideAllowlist is returned when a path does not resolve inside any
// allowlisted root.
var ErrOutsideAllowlist = errors.New("pathguard: path resolves outside the allowlist")

// Roots is the compile-time allowlist: docs/, data/, log/.
type Roots struct {
	Docs string
	Data string
	Log  string
}

func (r Roots) all() []string {
	return []string{r.Docs, r.Data, r.Log}
}

// Resolve cleans path, resolves it relative to the current working
// directory, follows symlinks on any existing prefix, and verifies the
// result lies inside one of the allowlisted roots. It returns the resolved
// absolute path.
//
// A path that does not yet exist is resolved by walking up to the nearest
// existing ancestor, symlink-resolving that ancestor, and rejoining the
// remaining (non-existent) suffix — so a configured "data/oebb/events.json"
// that hasn't been written yet is still checked correctly.
func (r Roots) Resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("pathguard: abs %q: %w", path, err)
	}

	resolved, err := resolveSymlinkPrefix(abs)
	if err != nil {
		return "", fmt.Errorf("pathguard: resolve %q: %w", path, err)
	}

	for _, root := range r.all() {
		if root == "" {
			continue
		}
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rootResolved, err := resolveSymlinkPrefix(rootAbs)
		if err != nil {
			continue
		}
		if isUnder(rootResolved, resolved) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrOutsideAllowlist, path)
}

// isUnder reports whether target is root itself or a descendant of root.
func isUnder(root, target string) bool {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	if root == target {
		return true
	}
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.' &&
		(len(rel) == 2 || rel[2] == filepath.Separator)
}

// resolveSymlinkPrefix symlink-resolves the longest existing prefix of p and
// rejoins the remaining suffix unresolved.
func resolveSymlinkPrefix(p string) (string, error) {
	p = filepath.Clean(p)
	suffix := ""
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(real, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Reached filesystem root without finding an existing ancestor.
			return p, nil
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}
