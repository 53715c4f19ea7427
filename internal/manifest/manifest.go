// Package manifest parses and validates plugin manifests. Parsing is a pure
// function of the input bytes; LoadDir is the only helper touching disk.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// DefaultPriority is used when a manifest does not declare one.
const DefaultPriority = 100

// MarkerFiles are the entry-point marker names, in lookup order. A directory
// holding one of them is a plugin package.
var MarkerFiles = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// Validation errors.
var (
	ErrMalformedManifest     = errors.New("malformed manifest")
	ErrUnsupportedOptionType = errors.New("unsupported option type")
	ErrNoMarker              = errors.New("no manifest file in directory")
	ErrHostTooOld            = errors.New("plugin requires a newer host")
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Manifest is the immutable declaration of one plugin package.
type Manifest struct {
	ID             string
	Name           string
	Version        string
	Description    string
	Entry          string // Factory name; defaults to ID
	Priority       int
	Dependencies   []string
	Emits          []string
	Listens        []string
	ConfigSchema   Schema
	MinHostVersion string
	APIVersion     int

	// Dir is the package directory when loaded from disk, empty for built-ins.
	Dir string
}

// rawManifest is the wire shape shared by the JSON and YAML decoders.
type rawManifest struct {
	ID             string   `json:"id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	Version        string   `json:"version" yaml:"version"`
	Description    string   `json:"description" yaml:"description"`
	Entry          string   `json:"entry" yaml:"entry"`
	Priority       *int     `json:"priority" yaml:"priority"`
	Dependencies   []string `json:"dependencies" yaml:"dependencies"`
	Emits          []string `json:"emits" yaml:"emits"`
	Listens        []string `json:"listens" yaml:"listens"`
	MinHostVersion string   `json:"minHostVersion" yaml:"minHostVersion"`
	APIVersion     int      `json:"apiVersion" yaml:"apiVersion"`
}

type rawOption struct {
	Type        string `json:"type" yaml:"type"`
	Default     any    `json:"default" yaml:"default"`
	Label       string `json:"label" yaml:"label"`
	Description string `json:"description" yaml:"description"`
}

// Parse decodes and validates a manifest. JSON documents (starting with '{')
// and YAML documents are both accepted; configSchema keeps declaration order.
func Parse(data []byte) (*Manifest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedManifest)
	}

	var (
		raw    rawManifest
		schema Schema
		err    error
	)
	if trimmed[0] == '{' {
		schema, err = decodeJSON(trimmed, &raw)
	} else {
		schema, err = decodeYAML(trimmed, &raw)
	}
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		ID:             raw.ID,
		Name:           raw.Name,
		Version:        raw.Version,
		Description:    raw.Description,
		Entry:          raw.Entry,
		Priority:       DefaultPriority,
		Dependencies:   dedupe(raw.Dependencies),
		Emits:          raw.Emits,
		Listens:        raw.Listens,
		ConfigSchema:   schema,
		MinHostVersion: raw.MinHostVersion,
		APIVersion:     raw.APIVersion,
	}
	if raw.Priority != nil {
		m.Priority = *raw.Priority
	}
	if m.Entry == "" {
		m.Entry = m.ID
	}
	if m.Name == "" {
		m.Name = m.ID
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeJSON(data []byte, raw *rawManifest) (Schema, error) {
	var envelope struct {
		rawManifest
		ConfigSchema json.RawMessage `json:"configSchema"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}
	*raw = envelope.rawManifest
	if len(envelope.ConfigSchema) == 0 || string(envelope.ConfigSchema) == "null" {
		return nil, nil
	}

	// Walk the object token by token so declaration order survives.
	dec := json.NewDecoder(bytes.NewReader(envelope.ConfigSchema))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: configSchema: %v", ErrMalformedManifest, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: configSchema must be an object", ErrMalformedManifest)
	}
	var schema Schema
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: configSchema: %v", ErrMalformedManifest, err)
		}
		key, _ := tok.(string)
		var ro rawOption
		if err := dec.Decode(&ro); err != nil {
			return nil, fmt.Errorf("%w: configSchema.%s: %v", ErrMalformedManifest, key, err)
		}
		opt, err := newOption(key, ro)
		if err != nil {
			return nil, err
		}
		schema = append(schema, opt)
	}
	return schema, nil
}

func decodeYAML(data []byte, raw *rawManifest) (Schema, error) {
	var envelope struct {
		rawManifest  `yaml:",inline"`
		ConfigSchema yaml.Node `yaml:"configSchema"`
	}
	if err := yaml.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}
	*raw = envelope.rawManifest

	node := envelope.ConfigSchema
	if node.Kind == 0 || (node.Kind == yaml.ScalarNode && node.Tag == "!!null") {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: configSchema must be a mapping", ErrMalformedManifest)
	}
	var schema Schema
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		var ro rawOption
		if err := node.Content[i+1].Decode(&ro); err != nil {
			return nil, fmt.Errorf("%w: configSchema.%s: %v", ErrMalformedManifest, key, err)
		}
		opt, err := newOption(key, ro)
		if err != nil {
			return nil, err
		}
		schema = append(schema, opt)
	}
	return schema, nil
}

// Validate checks identity, dependency names, versions and schema keys.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: id is required", ErrMalformedManifest)
	}
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: id %q must match [a-zA-Z0-9_]+", ErrMalformedManifest, m.ID)
	}
	for _, dep := range m.Dependencies {
		if !idPattern.MatchString(dep) {
			return fmt.Errorf("%w: dependency %q is not a valid plugin id", ErrMalformedManifest, dep)
		}
	}
	if m.Version != "" && !semver.IsValid(canonical(m.Version)) {
		return fmt.Errorf("%w: version %q is not semver", ErrMalformedManifest, m.Version)
	}
	if m.MinHostVersion != "" && !semver.IsValid(canonical(m.MinHostVersion)) {
		return fmt.Errorf("%w: minHostVersion %q is not semver", ErrMalformedManifest, m.MinHostVersion)
	}
	if m.APIVersion < 0 {
		return fmt.Errorf("%w: apiVersion must not be negative", ErrMalformedManifest)
	}
	seen := make(map[string]bool, len(m.ConfigSchema))
	for _, opt := range m.ConfigSchema {
		if opt.Key == "" {
			return fmt.Errorf("%w: empty option key", ErrMalformedManifest)
		}
		if seen[opt.Key] {
			return fmt.Errorf("%w: duplicate option %q", ErrMalformedManifest, opt.Key)
		}
		seen[opt.Key] = true
	}
	return nil
}

// CheckHostVersion reports whether a host at hostVersion satisfies
// MinHostVersion. Development builds ("dev" or any non-semver) always pass.
func (m *Manifest) CheckHostVersion(hostVersion string) error {
	if m.MinHostVersion == "" {
		return nil
	}
	hv := canonical(hostVersion)
	if !semver.IsValid(hv) {
		return nil
	}
	if semver.Compare(hv, canonical(m.MinHostVersion)) < 0 {
		return fmt.Errorf("%w: %s needs %s, host is %s", ErrHostTooOld, m.ID, m.MinHostVersion, hostVersion)
	}
	return nil
}

// FindMarker returns the path of the first marker file present in dir.
func FindMarker(dir string) (string, bool) {
	for _, name := range MarkerFiles {
		p := filepath.Join(dir, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// LoadDir parses the manifest of the plugin package in dir.
func LoadDir(dir string) (*Manifest, error) {
	path, ok := FindMarker(dir)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoMarker, dir)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Dir = dir
	return m, nil
}

// ValidID reports whether id is an acceptable plugin id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

func canonical(v string) string {
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
