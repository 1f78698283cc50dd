package engine

import (
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer"
)

// Game is the application driven by the engine. Every hook is optional and
// runs on the main goroutine.
type Game struct {
	Name         string
	State        interface{}
	FnInitialize Initialize
	FnUpdate     Update
	FnRender     Render
	FnOnResize   OnResize
	FnShutdown   Shutdown
}

// Initialize runs once the renderer, the windows and the asset manager
// exist.
type Initialize func(e *Engine) error
type Update func(deltaTime float64) error

// Render returns what every window draws this frame.
type Render func(deltaTime float64) ([]renderer.Renderable, error)
type OnResize func(window platform.Window, extent platform.Extent) error

// Shutdown runs with the device idle, before any renderer object is
// destroyed.
type Shutdown func() error
