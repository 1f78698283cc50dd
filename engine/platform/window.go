// Package platform is the boundary between the engine and the windowing
// system. The renderer only sees the Window interface.
package platform

import (
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type Extent struct {
	Width, Height uint32
}

// IsZero reports a minimized window.
func (e Extent) IsZero() bool {
	return e.Width == 0 || e.Height == 0
}

func (e Extent) Driver() driver.Extent2D {
	return driver.Extent2D{Width: e.Width, Height: e.Height}
}

type Offset struct {
	X, Y int32
}

// Window is one native or headless window able to back a presentation
// surface.
type Window interface {
	Title() string
	Show()
	Hide()
	Close()
	Move(Offset)
	Resize(Extent)

	// Extent is the framebuffer size in pixels.
	Extent() Extent
	Offset() Offset
	CursorPosition() (x, y float64)
	ShouldClose() bool

	// CreateSurface creates the presentation surface of the window on inst.
	CreateSurface(inst driver.Instance) (driver.Surface, error)

	OnResize(fn func(Extent))
	OnClose(fn func())
}

// EventPump delivers pending window system events to the windows.
type EventPump interface {
	PollEvents()
	// RequiredInstanceExtensions lists the instance extensions surfaces of
	// this platform need.
	RequiredInstanceExtensions() []string
	Shutdown() error
}
