// Package testutil holds fixtures shared by package tests: manifest
// documents, on-disk plugin packages and archive builders.
package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// ManifestOption customizes a manifest built by ManifestJSON.
type ManifestOption func(map[string]any)

// ManifestJSON returns a plugin.json document for id with sensible defaults.
func ManifestJSON(id string, opts ...ManifestOption) []byte {
	m := map[string]any{
		"id":          id,
		"name":        id,
		"version":     "1.0.0",
		"description": "test plugin " + id,
	}
	for _, opt := range opts {
		opt(m)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		panic(err)
	}
	return data
}

// WithPriority sets the manifest priority.
func WithPriority(p int) ManifestOption {
	return func(m map[string]any) { m["priority"] = p }
}

// WithDependencies sets the manifest dependencies.
func WithDependencies(ids ...string) ManifestOption {
	return func(m map[string]any) { m["dependencies"] = ids }
}

// WithEntry sets the factory name the host looks up.
func WithEntry(entry string) ManifestOption {
	return func(m map[string]any) { m["entry"] = entry }
}

// WithSchema sets configSchema from a raw JSON object so key order is kept.
func WithSchema(raw string) ManifestOption {
	return func(m map[string]any) { m["configSchema"] = json.RawMessage(raw) }
}

// WithField sets an arbitrary top-level manifest field.
func WithField(key string, value any) ManifestOption {
	return func(m map[string]any) { m[key] = value }
}

// File is one entry of an on-disk package or archive.
type File struct {
	Name    string
	Body    string
	Mode    int64  // defaults to 0644
	Symlink string // link target; makes the entry a symlink
	Dir     bool
}

func (f File) mode() int64 {
	if f.Mode != 0 {
		return f.Mode
	}
	if f.Dir {
		return 0o755
	}
	return 0o644
}

// WritePackage creates dir/<id>/plugin.json plus files (relative to the
// package directory) and returns the package path.
func WritePackage(t testing.TB, dir, id string, manifest []byte, files ...File) string {
	t.Helper()
	pkg := filepath.Join(dir, id)
	if err := os.MkdirAll(pkg, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkg, "plugin.json"), manifest, 0o644); err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		path := filepath.Join(pkg, f.Name)
		if f.Dir {
			if err := os.MkdirAll(path, os.FileMode(f.mode())); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(f.Body), os.FileMode(f.mode())); err != nil {
			t.Fatal(err)
		}
	}
	return pkg
}
