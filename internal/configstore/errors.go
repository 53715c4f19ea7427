package configstore

import (
	"errors"
	"fmt"

	"github.com/HerbHall/plughost/internal/manifest"
)

// Store errors.
var (
	ErrTypeMismatch = errors.New("option type mismatch")
	ErrPersist      = errors.New("config document not persisted")
	ErrDocument     = errors.New("invalid config document")
)

// TypeMismatchError reports a write whose value does not match the declared
// option type.
type TypeMismatchError struct {
	PluginID string
	Key      string
	Want     manifest.OptionType
	Value    any
}

func (e *TypeMismatchError) Error() string {
	if e.Want == "" {
		return fmt.Sprintf("%s.%s: unsupported value %v (%T)", e.PluginID, e.Key, e.Value, e.Value)
	}
	return fmt.Sprintf("%s.%s: want %s, got %v (%T)", e.PluginID, e.Key, e.Want, e.Value, e.Value)
}

// Is lets errors.Is match ErrTypeMismatch.
func (e *TypeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}
