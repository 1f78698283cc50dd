package platform

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// HeadlessWindow is an off-screen window. Its surface comes from drivers
// implementing driver.HeadlessSurfaceCreator and is resized with the window.
type HeadlessWindow struct {
	mu       sync.Mutex
	title    string
	extent   Extent
	offset   Offset
	visible  bool
	closed   bool
	creator  driver.HeadlessSurfaceCreator
	surface  driver.Surface
	onResize []func(Extent)
	onClose  []func()
}

func NewHeadlessWindow(title string, extent Extent) *HeadlessWindow {
	return &HeadlessWindow{title: title, extent: extent}
}

func (w *HeadlessWindow) Title() string {
	return w.title
}

func (w *HeadlessWindow) Show() {
	w.mu.Lock()
	w.visible = true
	w.mu.Unlock()
}

func (w *HeadlessWindow) Hide() {
	w.mu.Lock()
	w.visible = false
	w.mu.Unlock()
}

func (w *HeadlessWindow) Visible() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.visible
}

// Close marks the window closed and runs the close callbacks once.
func (w *HeadlessWindow) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	callbacks := w.onClose
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (w *HeadlessWindow) ShouldClose() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *HeadlessWindow) Move(o Offset) {
	w.mu.Lock()
	w.offset = o
	w.mu.Unlock()
}

func (w *HeadlessWindow) Offset() Offset {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Resize changes the extent of the window and of its surface, then runs the
// resize callbacks.
func (w *HeadlessWindow) Resize(e Extent) {
	w.mu.Lock()
	if w.extent == e {
		w.mu.Unlock()
		return
	}
	w.extent = e
	creator, surface := w.creator, w.surface
	callbacks := w.onResize
	w.mu.Unlock()

	if creator != nil && surface != 0 {
		if err := creator.ResizeHeadlessSurface(surface, e.Driver()); err != nil {
			core.LogError("Failed to resize headless surface of '%s': %s", w.title, err)
		}
	}
	for _, fn := range callbacks {
		fn(e)
	}
}

func (w *HeadlessWindow) Extent() Extent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.extent
}

func (w *HeadlessWindow) CursorPosition() (float64, float64) {
	return 0, 0
}

func (w *HeadlessWindow) CreateSurface(inst driver.Instance) (driver.Surface, error) {
	creator, ok := inst.(driver.HeadlessSurfaceCreator)
	if !ok {
		return 0, fmt.Errorf("%w: driver cannot create headless surfaces", core.ErrSurfaceNotSupported)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s, err := creator.CreateHeadlessSurface(w.extent.Driver())
	if err != nil {
		return 0, err
	}
	w.creator, w.surface = creator, s
	return s, nil
}

func (w *HeadlessWindow) OnResize(fn func(Extent)) {
	w.mu.Lock()
	w.onResize = append(w.onResize, fn)
	w.mu.Unlock()
}

func (w *HeadlessWindow) OnClose(fn func()) {
	w.mu.Lock()
	w.onClose = append(w.onClose, fn)
	w.mu.Unlock()
}

// HeadlessPump is the event pump of headless windows. It has nothing to
// deliver.
type HeadlessPump struct{}

func (HeadlessPump) PollEvents() {}

func (HeadlessPump) RequiredInstanceExtensions() []string {
	return nil
}

func (HeadlessPump) Shutdown() error {
	return nil
}

var (
	_ Window    = (*HeadlessWindow)(nil)
	_ EventPump = HeadlessPump{}
)
