// Package cachestore implements atomic read/write of JSON cache and state
// files inside the path allowlist: write to a sibling temp file, fsync it,
// rename over the target, then fsync the containing directory. Most
// callers marshal a slice (a provider's cached events), but any
// JSON-marshalable value works, including the first-seen store's map.
package cachestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"

	"github.com/viennatransit/feedagg/internal/pathguard"
)

// Write serialises v as JSON and writes it atomically to path, which must
// resolve inside roots.
func Write(roots pathguard.Roots, path string, v any) error {
	resolved, err := roots.Resolve(path)
	if err != nil {
		return fmt.Errorf("cachestore: %w", err)
	}

	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cachestore: mkdir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("cachestore: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(resolved)+".*.tmp")
	if err != nil {
		return fmt.Errorf("cachestore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cachestore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cachestore: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cachestore: close temp: %w", err)
	}

	if err := os.Rename(tmpPath, resolved); err != nil {
		return fmt.Errorf("cachestore: rename: %w", err)
	}

	if dirHandle, err := os.Open(dir); err == nil {
		dirHandle.Sync()
		dirHandle.Close()
	}

	return nil
}

// Read parses the JSON cache file at path into out (a pointer to the
// expected shape — a slice or a map). A missing file, an empty file, or a
// file whose contents don't unmarshal into out is treated as an empty
// cache: out is left at its zero value and a warning is logged. Any other
// IO error is returned.
func Read(roots pathguard.Roots, path string, out any, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	resolved, err := roots.Resolve(path)
	if err != nil {
		return fmt.Errorf("cachestore: %w", err)
	}

	data, err := os.ReadFile(resolved)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("cachestore: cache file missing, treating as empty", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("cachestore: read %s: %w", path, err)
	}

	if len(data) == 0 {
		logger.Warn("cachestore: cache file empty, treating as empty", "path", path)
		return nil
	}

	// Decode into a fresh value so a partial decode never reaches out.
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("cachestore: out must be a non-nil pointer")
	}
	decoded := reflect.New(rv.Elem().Type())
	if err := json.Unmarshal(data, decoded.Interface()); err != nil {
		logger.Warn("cachestore: cache file is not valid JSON for the expected shape, treating as empty",
			"path", path, "error", err.Error())
		return nil
	}
	rv.Elem().Set(decoded.Elem())

	return nil
}
