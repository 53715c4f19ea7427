package plugin

import "strings"

// Capability is a bitmask of the optional hooks a plugin implements.
type Capability uint16

// Optional hook capabilities.
const (
	CapUnload Capability = 1 << iota
	CapTick
	CapConfig
	CapInfo
	CapMenu
	CapButton
	CapOverlay
	CapPayload
	CapScan
	CapEvents
)

var capNames = []struct {
	c    Capability
	name string
}{
	{CapUnload, "unload"},
	{CapTick, "tick"},
	{CapConfig, "config"},
	{CapInfo, "info"},
	{CapMenu, "menu"},
	{CapButton, "button"},
	{CapOverlay, "overlay"},
	{CapPayload, "payload"},
	{CapScan, "scan"},
	{CapEvents, "events"},
}

// Capabilities checks p for every optional hook interface. The host calls it
// once per activation and caches the result.
func Capabilities(p Plugin) Capability {
	var c Capability
	if _, ok := p.(Unloader); ok {
		c |= CapUnload
	}
	if _, ok := p.(Ticker); ok {
		c |= CapTick
	}
	if _, ok := p.(ConfigListener); ok {
		c |= CapConfig
	}
	if _, ok := p.(InfoProvider); ok {
		c |= CapInfo
	}
	if _, ok := p.(MenuProvider); ok {
		c |= CapMenu
	}
	if _, ok := p.(ButtonHandler); ok {
		c |= CapButton
	}
	if _, ok := p.(OverlayRenderer); ok {
		c |= CapOverlay
	}
	if _, ok := p.(PayloadObserver); ok {
		c |= CapPayload
	}
	if _, ok := p.(ScanObserver); ok {
		c |= CapScan
	}
	if _, ok := p.(EventSubscriber); ok {
		c |= CapEvents
	}
	return c
}

// Has reports whether all bits in o are set.
func (c Capability) Has(o Capability) bool {
	return c&o == o
}

// Names returns the capability names in declaration order.
func (c Capability) Names() []string {
	var out []string
	for _, n := range capNames {
		if c.Has(n.c) {
			out = append(out, n.name)
		}
	}
	return out
}

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	return strings.Join(c.Names(), ",")
}
