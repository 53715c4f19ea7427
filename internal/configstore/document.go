package configstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

// Entry is one plugin's section of the ConfigDocument.
type Entry struct {
	Enabled  bool           `json:"enabled"`
	Priority *int           `json:"priority,omitempty"`
	Options  map[string]any `json:"options"`
}

func (e *Entry) clone() Entry {
	c := Entry{Enabled: e.Enabled, Options: make(map[string]any, len(e.Options))}
	if e.Priority != nil {
		p := *e.Priority
		c.Priority = &p
	}
	for k, v := range e.Options {
		c.Options[k] = cloneValue(v)
	}
	return c
}

// parseDocument reads every object-valued top-level key as a plugin entry.
// Other top-level values are left untouched in the raw document.
func parseDocument(raw []byte) (map[string]*Entry, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrDocument)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: top level must be an object", ErrDocument)
	}

	entries := make(map[string]*Entry)
	root.ForEach(func(id, section gjson.Result) bool {
		if !section.IsObject() {
			return true
		}
		e := &Entry{
			Enabled: section.Get("enabled").Bool(),
			Options: make(map[string]any),
		}
		if p := section.Get("priority"); p.Type == gjson.Number {
			n := int(p.Int())
			e.Priority = &n
		}
		section.Get("options").ForEach(func(key, value gjson.Result) bool {
			e.Options[key.String()] = loadedValue(value.Value())
			return true
		})
		entries[id.String()] = e
		return true
	})
	return entries, nil
}

// loadedValue turns string arrays into []string; everything else is kept as
// gjson decoded it (float64, string, bool, nil, map, []any).
func loadedValue(v any) any {
	l, ok := v.([]any)
	if !ok {
		return v
	}
	out := make([]string, 0, len(l))
	for _, item := range l {
		s, ok := item.(string)
		if !ok {
			return v
		}
		out = append(out, s)
	}
	return out
}

// writeAtomic replaces path with data via a temp file in the same directory,
// so readers never observe a partially written document.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(pretty.Pretty(data)); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace config document: %w", err)
	}
	return nil
}

// docPath builds a gjson/sjson path from literal segments.
func docPath(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = escapeSegment(s)
	}
	return strings.Join(escaped, ".")
}

// setPath is docPath for sjson, which treats all-digit segments as array
// indexes unless prefixed with ':'.
func setPath(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = escapeSegment(s)
		if isDigits(s) {
			escaped[i] = ":" + escaped[i]
		}
	}
	return strings.Join(escaped, ".")
}

func escapeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '?', '|', '#', '@', '!', '=', '<', '>', '%', '\\', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func cloneValue(v any) any {
	if l, ok := v.([]string); ok {
		return append([]string(nil), l...)
	}
	return v
}
