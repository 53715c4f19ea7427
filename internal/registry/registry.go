// Package registry tracks every discovered plugin, resolves activation order
// and records each plugin's lifecycle state.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/HerbHall/plughost/internal/manifest"
	"github.com/HerbHall/plughost/pkg/plugin"
	"go.uber.org/zap"
)

// ErrDuplicate is returned when a plugin id is registered twice.
var ErrDuplicate = errors.New("plugin already registered")

// State is a plugin record's lifecycle state.
type State int

// Lifecycle states.
const (
	StateDiscovered State = iota
	StatePendingDependencies
	StateActive
	StateFailed
	StateDisabled
)

var stateNames = [...]string{
	StateDiscovered:          "discovered",
	StatePendingDependencies: "pending_dependencies",
	StateActive:              "active",
	StateFailed:              "failed",
	StateDisabled:            "disabled",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Record is the runtime entry for one plugin.
type Record struct {
	Manifest *manifest.Manifest
	Enabled  bool
	Priority int // effective priority after ConfigDocument override
	State    State
	Err      error
	Instance plugin.Plugin
	Caps     plugin.Capability
	Seq      int // activation sequence, 0 when inactive
}

// ID returns the plugin id.
func (r Record) ID() string { return r.Manifest.ID }

// Registry manages the records of all discovered plugins.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string // activation order of active plugins
	seq     int
	logger  *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		records: make(map[string]*Record),
		logger:  logger,
	}
}

// Add registers a discovered plugin in state Discovered.
func (r *Registry) Add(m *manifest.Manifest, enabled bool, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.ID == "" {
		return fmt.Errorf("plugin has empty id")
	}
	if _, exists := r.records[m.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicate, m.ID)
	}
	r.records[m.ID] = &Record{
		Manifest: m,
		Enabled:  enabled,
		Priority: priority,
		State:    StateDiscovered,
	}
	r.logger.Debug("plugin registered",
		zap.String("id", m.ID),
		zap.String("version", m.Version),
		zap.Int("priority", priority),
		zap.Bool("enabled", enabled),
	)
	r.observeLocked()
	return nil
}

// Activate resolves every Discovered plugin and calls activate for each one
// that becomes ready. Active plugins count as satisfied dependencies; Failed
// and Disabled ones stay where they are. activate runs without the registry
// lock held, so it may call back into the registry (SetInstance, Resolve).
func (r *Registry) Activate(activate ActivateFunc) Resolution {
	r.mu.Lock()
	candidates := make([]Candidate, 0, len(r.records))
	enabled := make(map[string]bool, len(r.records))
	for id, rec := range r.records {
		switch rec.State {
		case StateActive:
			continue
		case StateFailed, StateDisabled:
			continue // terminal until a reload resets the registry
		}
		rec.Err = nil
		if rec.Enabled {
			rec.State = StatePendingDependencies
			enabled[id] = true
		} else {
			rec.State = StateDisabled
		}
		candidates = append(candidates, Candidate{
			ID:           id,
			Priority:     rec.Priority,
			Dependencies: rec.Manifest.Dependencies,
		})
	}
	// Already active plugins satisfy dependencies from the first pass.
	for _, id := range r.order {
		enabled[id] = true
	}
	active := append([]string(nil), r.order...)
	r.mu.Unlock()

	res := Resolve(withActive(candidates, active), enabled, func(id string) error {
		if r.isActive(id) {
			return nil
		}
		if err := activate(id); err != nil {
			return err
		}
		r.markActive(id)
		return nil
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	res.Order = without(res.Order, active)
	for id, err := range res.Failed {
		rec := r.records[id]
		rec.State = StateFailed
		rec.Err = err
		rec.Instance = nil
		r.logger.Error("plugin activation failed", zap.String("id", id), zap.Error(err))
	}
	for id, unmet := range res.Skipped {
		rec := r.records[id]
		rec.State = StateFailed
		rec.Err = unmet
		r.logger.Warn("plugin skipped",
			zap.String("id", id),
			zap.Strings("missing", unmet.Missing),
		)
	}
	r.logger.Info("plugin resolution complete",
		zap.Strings("order", res.Order),
		zap.Int("passes", res.Passes),
		zap.Int("failed", len(res.Failed)),
		zap.Int("skipped", len(res.Skipped)),
	)
	r.observeLocked()
	return res
}

// withActive puts already active plugins first so they pass straight
// through the first resolution pass.
func withActive(cs []Candidate, active []string) []Candidate {
	out := make([]Candidate, 0, len(cs)+len(active))
	for _, id := range active {
		out = append(out, Candidate{ID: id})
	}
	return append(out, cs...)
}

func without(ids, drop []string) []string {
	if len(drop) == 0 {
		return ids
	}
	skip := make(map[string]bool, len(drop))
	for _, id := range drop {
		skip[id] = true
	}
	out := ids[:0]
	for _, id := range ids {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) isActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return ok && rec.State == StateActive
}

func (r *Registry) markActive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[id]
	rec.State = StateActive
	rec.Err = nil
	r.seq++
	rec.Seq = r.seq
	r.order = append(r.order, id)
}

// SetInstance attaches the activated instance to its record and caches its
// capability set.
func (r *Registry) SetInstance(id string, p plugin.Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.Instance = p
		rec.Caps = plugin.Capabilities(p)
	}
}

// Deactivate moves an active plugin to state and returns its record as it
// was, instance included, so the caller can unload it.
func (r *Registry) Deactivate(id string, state State, cause error) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.State != StateActive {
		return Record{}, false
	}
	prev := *rec
	rec.State = state
	rec.Err = cause
	rec.Instance = nil
	rec.Caps = 0
	rec.Seq = 0
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.observeLocked()
	return prev, true
}

// SetEnabled updates a record's enabled flag. An inactive record that gets
// disabled moves to StateDisabled; an active one must be deactivated by the
// caller.
func (r *Registry) SetEnabled(id string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return false
	}
	rec.Enabled = enabled
	if !enabled && rec.State != StateActive {
		rec.State = StateDisabled
		rec.Err = nil
	}
	r.observeLocked()
	return true
}

// Get returns a copy of a record.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns copies of every record ordered by priority then id.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sortRecords(out)
	return out
}

// IDs returns every registered plugin id in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.records))
	for id := range r.records {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Active returns active records in activation order.
func (r *Registry) Active() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.records[id])
	}
	return out
}

// ByPriority returns active records ordered by priority then id, the order
// hooks are dispatched in.
func (r *Registry) ByPriority() []Record {
	out := r.Active()
	sortRecords(out)
	return out
}

// Resolve returns an active plugin instance (implements plugin.PluginResolver).
func (r *Registry) Resolve(id string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok || rec.State != StateActive || rec.Instance == nil {
		return nil, false
	}
	return rec.Instance, true
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Reset drops every record. Callers deactivate active plugins first.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*Record)
	r.order = nil
	r.observeLocked()
}

// CheckAPIVersion validates a manifest's plugin API version against the
// range this host supports. Zero means the current version.
func (r *Registry) CheckAPIVersion(m *manifest.Manifest) error {
	v := m.APIVersion
	if v == 0 {
		return nil
	}
	if v < plugin.APIVersionMin {
		return fmt.Errorf(
			"plugin %q targets plugin API v%d, but this host requires v%d or newer (current: v%d)",
			m.ID, v, plugin.APIVersionMin, plugin.APIVersionCurrent,
		)
	}
	if v > plugin.APIVersionCurrent {
		return fmt.Errorf(
			"plugin %q targets plugin API v%d, but this host only supports up to v%d",
			m.ID, v, plugin.APIVersionCurrent,
		)
	}
	if v < plugin.APIVersionCurrent {
		r.logger.Warn("plugin targets an older plugin API",
			zap.String("id", m.ID),
			zap.Int("api_version", v),
			zap.Int("current", plugin.APIVersionCurrent),
		)
	}
	return nil
}

func (r *Registry) observeLocked() {
	counts := make(map[State]int, len(stateNames))
	for _, rec := range r.records {
		counts[rec.State]++
	}
	for s := range stateNames {
		pluginStates.WithLabelValues(State(s).String()).Set(float64(counts[State(s)]))
	}
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority < rs[j].Priority
		}
		return rs[i].Manifest.ID < rs[j].Manifest.ID
	})
}
