package cachestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/viennatransit/feedagg/internal/pathguard"
)

func testRoots(t *testing.T) (pathguard.Roots, string) {
	t.Helper()
	tmp := t.TempDir()
	roots := pathguard.Roots{
		Docs: filepath.Join(tmp, "docs"),
		Data: filepath.Join(tmp, "data"),
		Log:  filepath.Join(tmp, "log"),
	}
	return roots, tmp
}

type sample struct {
	Name string `json:"name"`
}

func TestWriteThenRead(t *testing.T) {
	roots, tmp := testRoots(t)
	path := filepath.Join(tmp, "data", "sub", "events.json")

	in := []sample{{Name: "a"}, {Name: "b"}}
	if err := Write(roots, path, in); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var out []sample
	if err := Read(roots, path, &out, nil); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(out) != 2 || out[0].Name != "a" || out[1].Name != "b" {
		t.Fatalf("got %+v", out)
	}
}

func TestReadMissingFileReturnsEmpty(t *testing.T) {
	roots, tmp := testRoots(t)
	path := filepath.Join(tmp, "data", "nope.json")

	var out []sample
	if err := Read(roots, path, &out, nil); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil/empty, got %+v", out)
	}
}

func TestReadCorruptFileReturnsEmpty(t *testing.T) {
	roots, tmp := testRoots(t)
	path := filepath.Join(tmp, "data", "corrupt.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out []sample
	if err := Read(roots, path, &out, nil); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil/empty, got %+v", out)
	}
}

func TestWriteRejectsPathOutsideAllowlist(t *testing.T) {
	roots, _ := testRoots(t)
	if err := Write(roots, "/etc/passwd", []sample{}); err == nil {
		t.Fatal("expected error for path outside allowlist")
	}
}

func TestWriteNoTempFileLeftBehind(t *testing.T) {
	roots, tmp := testRoots(t)
	path := filepath.Join(tmp, "data", "events.json")
	if err := Write(roots, path, []sample{{Name: "a"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("leftover temp file: %s", e.Name())
		}
	}
}
