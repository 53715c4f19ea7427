package host

import (
	"context"

	"github.com/HerbHall/plughost/pkg/plugin"
)

// noopServices stands in when the host runs without a display or payload
// runner attached.
type noopServices struct{}

func (noopServices) ExecPayload(context.Context, string) error { return nil }
func (noopServices) SetStatus(string) {}
func (noopServices) Surface() plugin.Surface { return noopSurface{} }

type noopSurface struct{}

func (noopSurface) Size() (int, int) { return 0, 0 }
func (noopSurface) DrawText(int, int, string, string) {}
