// Package configstore owns the persistent ConfigDocument: per-plugin enabled
// flags, priority overrides and typed option values. Writes go through
// sjson so keys the host does not understand survive every rewrite.
package configstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"sort"
	"sync"

	"github.com/HerbHall/plughost/internal/manifest"
	"github.com/HerbHall/plughost/pkg/plugin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

// ChangeFunc observes a successful option write.
type ChangeFunc func(pluginID, key string, oldValue, newValue any)

// Store is the in-memory view of the ConfigDocument plus its persistence.
type Store struct {
	mu        sync.RWMutex
	path      string
	raw       []byte
	entries   map[string]*Entry
	schemas   map[string]manifest.Schema
	observers []ChangeFunc
	logger    *zap.Logger
}

// Open loads the document at path. A missing file yields an empty store; a
// corrupt one is logged and treated as empty without being overwritten until
// the next successful write.
func Open(path string, logger *zap.Logger) *Store {
	s := &Store{
		path:    path,
		schemas: make(map[string]manifest.Schema),
		logger:  logger,
	}
	s.load()
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Reload re-reads the document from disk and re-applies known schema
// defaults to the fresh view.
func (s *Store) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	for id, schema := range s.schemas {
		s.mergeLocked(id, schema)
	}
}

func (s *Store) load() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
}

func (s *Store) loadLocked() {
	s.raw = []byte("{}")
	s.entries = make(map[string]*Entry)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		s.logger.Warn("config document unreadable, starting empty",
			zap.String("path", s.path), zap.Error(err))
		return
	}
	entries, err := parseDocument(data)
	if err != nil {
		s.logger.Warn("config document corrupt, starting empty",
			zap.String("path", s.path), zap.Error(err))
		return
	}
	s.raw = data
	s.entries = entries
}

// OnChange registers fn to run after every successful SetValue that changes
// a value. Observers run outside the store lock.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// IDs returns the plugin ids present in the document, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entry returns a copy of the plugin's entry.
func (s *Store) Entry(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Enabled reports the plugin's persisted enabled flag. Plugins without an
// entry are disabled.
func (s *Store) Enabled(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return ok && e.Enabled
}

// Priority returns the document's priority override for id, or def.
func (s *Store) Priority(id string, def int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[id]; ok && e.Priority != nil {
		return *e.Priority
	}
	return def
}

// MergeDefaults records the manifest's schema and fills every declared key
// missing from the in-memory view with its default. Persisted values whose
// type does not match the schema are replaced in memory only. Nothing is
// written to disk.
func (s *Store) MergeDefaults(m *manifest.Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[m.ID] = m.ConfigSchema
	s.mergeLocked(m.ID, m.ConfigSchema)
}

func (s *Store) mergeLocked(id string, schema manifest.Schema) {
	e := s.entryLocked(id)
	for _, opt := range schema {
		v, ok := e.Options[opt.Key]
		if !ok {
			e.Options[opt.Key] = cloneValue(opt.Default)
			continue
		}
		nv, err := manifest.Normalize(opt.Type, v)
		if err != nil {
			s.logger.Warn("persisted option has wrong type, using default",
				zap.String("plugin", id),
				zap.String("key", opt.Key),
				zap.Error(err),
			)
			e.Options[opt.Key] = cloneValue(opt.Default)
			continue
		}
		e.Options[opt.Key] = nv
	}
}

// EnsureEntry makes sure the document holds an entry for m. A missing entry
// is synthesized as disabled with schema defaults and persisted; created
// reports whether that happened. Existing entries only get defaults merged.
func (s *Store) EnsureEntry(m *manifest.Manifest) (created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[m.ID] = m.ConfigSchema

	if _, ok := s.entries[m.ID]; ok {
		s.mergeLocked(m.ID, m.ConfigSchema)
		return false, nil
	}

	base := s.currentLocked()
	section := []byte(`{"enabled":false,"options":{}}`)
	for _, opt := range m.ConfigSchema {
		section, err = sjson.SetBytes(section, setPath("options", opt.Key), opt.Default)
		if err != nil {
			return false, fmt.Errorf("encode default %s.%s: %w", m.ID, opt.Key, err)
		}
	}
	updated, err := sjson.SetRawBytes(base, setPath(m.ID), section)
	if err != nil {
		return false, fmt.Errorf("encode entry %s: %w", m.ID, err)
	}
	if err := writeAtomic(s.path, updated); err != nil {
		return false, fmt.Errorf("%w: %w", ErrPersist, err)
	}
	s.raw = updated
	s.mergeLocked(m.ID, m.ConfigSchema)
	return true, nil
}

// InstallEntry records a freshly installed plugin. A missing entry is
// created as by EnsureEntry; an existing one keeps its option values but is
// switched to disabled, so an installed package never starts enabled.
func (s *Store) InstallEntry(m *manifest.Manifest) error {
	created, err := s.EnsureEntry(m)
	if err != nil || created {
		return err
	}
	return s.SetEnabled(m.ID, false)
}

// SetEnabled updates the enabled flag in memory and on disk. The in-memory
// change stands even when the write fails.
func (s *Store) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(id).Enabled = enabled
	if err := s.writeKeyLocked(true, enabled, id, "enabled"); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// GetValue returns the plugin's value for key, or def when absent.
func (s *Store) GetValue(id, key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return def
	}
	v, ok := e.Options[key]
	if !ok {
		return def
	}
	return cloneValue(v)
}

// Values returns a copy of every option value held for id.
func (s *Store) Values(id string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return map[string]any{}
	}
	return e.clone().Options
}

// Schema returns the schema recorded for id by MergeDefaults or EnsureEntry.
func (s *Store) Schema(id string) (manifest.Schema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schema, ok := s.schemas[id]
	return schema, ok
}

// SetValue validates value against the declared option type, updates the
// in-memory view, notifies observers and persists. A failed write is logged
// and leaves the in-memory value in place.
func (s *Store) SetValue(id, key string, value any) error {
	s.mu.Lock()
	v, err := s.normalizeLocked(id, key, value)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	e := s.entryLocked(id)
	old, had := e.Options[key]
	e.Options[key] = v
	if err := s.writeKeyLocked(true, v, id, "options", key); err != nil {
		s.logger.Warn("option kept in memory only",
			zap.String("plugin", id),
			zap.String("key", key),
			zap.Error(err),
		)
	}
	observers := append([]ChangeFunc(nil), s.observers...)
	s.mu.Unlock()

	if had && reflect.DeepEqual(old, v) {
		return nil
	}
	for _, fn := range observers {
		fn(id, key, old, cloneValue(v))
	}
	return nil
}

// Persist writes a single option to disk. With createIfMissing false it
// refuses to add a key the document does not already hold. It returns false
// when nothing was written, so callers can fall back to memory-only state.
func (s *Store) Persist(id, key string, value any, createIfMissing bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.normalizeLocked(id, key, value)
	if err != nil {
		s.logger.Warn("persist rejected", zap.String("plugin", id), zap.String("key", key), zap.Error(err))
		return false
	}
	if err := s.writeKeyLocked(createIfMissing, v, id, "options", key); err != nil {
		s.logger.Debug("persist failed", zap.String("plugin", id), zap.String("key", key), zap.Error(err))
		return false
	}
	s.entryLocked(id).Options[key] = v
	return true
}

// Options returns the plugin.Options view handed to plugin id.
func (s *Store) Options(id string) plugin.Options {
	return &optionsView{store: s, id: id}
}

func (s *Store) normalizeLocked(id, key string, value any) (any, error) {
	if opt, ok := s.schemas[id].Lookup(key); ok {
		v, err := manifest.Normalize(opt.Type, value)
		if err != nil {
			return nil, &TypeMismatchError{PluginID: id, Key: key, Want: opt.Type, Value: value}
		}
		return v, nil
	}
	t, ok := manifest.TypeOf(value)
	if !ok {
		return nil, &TypeMismatchError{PluginID: id, Key: key, Value: value}
	}
	v, err := manifest.Normalize(t, value)
	if err != nil {
		return nil, &TypeMismatchError{PluginID: id, Key: key, Want: t, Value: value}
	}
	return v, nil
}

func (s *Store) entryLocked(id string) *Entry {
	e, ok := s.entries[id]
	if !ok {
		e = &Entry{Options: make(map[string]any)}
		s.entries[id] = e
	}
	return e
}

var errKeyMissing = errors.New("key not present in document")

// writeKeyLocked sets one value in the durable document. It starts from the
// file on disk so concurrent hand edits to other keys are not clobbered.
func (s *Store) writeKeyLocked(createIfMissing bool, value any, segments ...string) error {
	base := s.currentLocked()
	if !createIfMissing && !gjson.GetBytes(base, docPath(segments...)).Exists() {
		return errKeyMissing
	}
	updated, err := sjson.SetBytes(base, setPath(segments...), value)
	if err != nil {
		return fmt.Errorf("encode %v: %w", segments, err)
	}
	if err := writeAtomic(s.path, updated); err != nil {
		return err
	}
	s.raw = updated
	return nil
}

// currentLocked returns the document as it stands on disk, falling back to
// the last loaded bytes when the file is missing or corrupt.
func (s *Store) currentLocked() []byte {
	data, err := os.ReadFile(s.path)
	if err == nil && gjson.ValidBytes(data) && gjson.ParseBytes(data).IsObject() {
		return data
	}
	if gjson.ValidBytes(s.raw) && gjson.ParseBytes(s.raw).IsObject() {
		return s.raw
	}
	return []byte("{}")
}
