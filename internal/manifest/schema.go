package manifest

import (
	"fmt"
	"math"
)

// OptionType is the declared type of a configuration option.
type OptionType string

// Supported option types.
const (
	TypeBoolean OptionType = "boolean"
	TypeString  OptionType = "string"
	TypeNumber  OptionType = "number"
	TypeList    OptionType = "list"
)

var validTypes = map[OptionType]bool{
	TypeBoolean: true,
	TypeString:  true,
	TypeNumber:  true,
	TypeList:    true,
}

// Option describes one configuration key.
type Option struct {
	Key         string     `json:"key"`
	Type        OptionType `json:"type"`
	Default     any        `json:"default"`
	Label       string     `json:"label,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Schema is an ordered list of options.
type Schema []Option

// Lookup returns the option declared for key.
func (s Schema) Lookup(key string) (Option, bool) {
	for _, o := range s {
		if o.Key == key {
			return o, true
		}
	}
	return Option{}, false
}

// Keys returns option keys in declaration order.
func (s Schema) Keys() []string {
	keys := make([]string, len(s))
	for i, o := range s {
		keys[i] = o.Key
	}
	return keys
}

// Defaults returns a fresh map of key -> default value.
func (s Schema) Defaults() map[string]any {
	out := make(map[string]any, len(s))
	for _, o := range s {
		out[o.Key] = cloneValue(o.Default)
	}
	return out
}

func newOption(key string, ro rawOption) (Option, error) {
	t := OptionType(ro.Type)
	if ro.Type == "" {
		return Option{}, fmt.Errorf("%w: option %q has no type", ErrMalformedManifest, key)
	}
	if !validTypes[t] {
		return Option{}, fmt.Errorf("%w: %w: option %q has type %q", ErrMalformedManifest, ErrUnsupportedOptionType, key, ro.Type)
	}
	if ro.Default == nil {
		return Option{}, fmt.Errorf("%w: option %q has no default", ErrMalformedManifest, key)
	}
	def, err := Normalize(t, ro.Default)
	if err != nil {
		return Option{}, fmt.Errorf("%w: option %q default: %v", ErrMalformedManifest, key, err)
	}
	return Option{
		Key:         key,
		Type:        t,
		Default:     def,
		Label:       ro.Label,
		Description: ro.Description,
	}, nil
}

// Normalize converts v into the canonical Go representation of t:
// bool, string, float64 or []string. It fails when v's runtime type does
// not match t.
func Normalize(t OptionType, v any) (any, error) {
	switch t {
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeNumber:
		if f, ok := toFloat(v); ok {
			return f, nil
		}
	case TypeList:
		switch l := v.(type) {
		case []string:
			return append([]string(nil), l...), nil
		case []any:
			out := make([]string, 0, len(l))
			for _, item := range l {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("list item %v (%T) is not a string", item, item)
				}
				out = append(out, s)
			}
			return out, nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOptionType, t)
	}
	return nil, fmt.Errorf("value %v (%T) is not a %s", v, v, t)
}

// TypeOf infers the option type of an already normalized value.
func TypeOf(v any) (OptionType, bool) {
	switch v.(type) {
	case bool:
		return TypeBoolean, true
	case string:
		return TypeString, true
	case []string, []any:
		return TypeList, true
	}
	if _, ok := toFloat(v); ok {
		return TypeNumber, true
	}
	return "", false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func cloneValue(v any) any {
	if l, ok := v.([]string); ok {
		return append([]string(nil), l...)
	}
	return v
}
