package configstore

import "github.com/HerbHall/plughost/internal/manifest"

// optionsView binds the store to a single plugin id.
type optionsView struct {
	store *Store
	id    string
}

func (o *optionsView) Get(key string, def any) any {
	return o.store.GetValue(o.id, key, def)
}

func (o *optionsView) Bool(key string, def bool) bool {
	if b, ok := o.Get(key, def).(bool); ok {
		return b
	}
	return def
}

func (o *optionsView) String(key string, def string) string {
	if s, ok := o.Get(key, def).(string); ok {
		return s
	}
	return def
}

func (o *optionsView) Number(key string, def float64) float64 {
	v, err := manifest.Normalize(manifest.TypeNumber, o.Get(key, def))
	if err != nil {
		return def
	}
	return v.(float64)
}

func (o *optionsView) List(key string) []string {
	v, err := manifest.Normalize(manifest.TypeList, o.Get(key, nil))
	if err != nil {
		return nil
	}
	return v.([]string)
}

func (o *optionsView) Set(key string, value any) error {
	return o.store.SetValue(o.id, key, value)
}
