// Package desktop is the GLFW backend of the platform boundary.
package desktop

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

func init() {
	// GLFW event handling must run on the main OS thread
	runtime.LockOSThread()
}

// Platform owns the GLFW library state and every window created through it.
type Platform struct {
	mu      sync.Mutex
	windows []*Window
}

func New() (*Platform, error) {
	if err := glfw.Init(); err != nil {
		core.LogError("failed to initialize glfw: %s", err)
		return nil, err
	}
	if !glfw.VulkanSupported() {
		glfw.Terminate()
		return nil, fmt.Errorf("%w: glfw reports no vulkan loader", core.ErrInitializationFailed)
	}
	return &Platform{}, nil
}

// ProcAddr is the instance proc address loader handed to the vulkan driver.
func (p *Platform) ProcAddr() unsafe.Pointer {
	return glfw.GetVulkanGetInstanceProcAddress()
}

// NewWindow opens a resizable window without a client API.
func (p *Platform) NewWindow(title string, offset platform.Offset, extent platform.Extent) (*Window, error) {
	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI) // Required for Vulkan.

	handle, err := glfw.CreateWindow(int(extent.Width), int(extent.Height), title, nil, nil)
	if err != nil {
		core.LogError("failed to create window: %s", err)
		return nil, err
	}
	handle.SetPos(int(offset.X), int(offset.Y))

	w := &Window{title: title, handle: handle}
	handle.SetFramebufferSizeCallback(w.framebufferSizeCallback)
	handle.SetCloseCallback(w.closeCallback)

	p.mu.Lock()
	p.windows = append(p.windows, w)
	p.mu.Unlock()
	return w, nil
}

func (p *Platform) PollEvents() {
	glfw.PollEvents()
}

func (p *Platform) RequiredInstanceExtensions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.windows) == 0 {
		return nil
	}
	return p.windows[0].handle.GetRequiredInstanceExtensions()
}

// Shutdown destroys every window and terminates GLFW.
func (p *Platform) Shutdown() error {
	p.mu.Lock()
	windows := p.windows
	p.windows = nil
	p.mu.Unlock()
	for _, w := range windows {
		w.handle.Destroy()
	}
	glfw.Terminate()
	return nil
}

// Window wraps a GLFW window.
type Window struct {
	title  string
	handle *glfw.Window

	mu       sync.Mutex
	onResize []func(platform.Extent)
	onClose  []func()
}

func (w *Window) Title() string {
	return w.title
}

func (w *Window) Show() {
	w.handle.Show()
}

func (w *Window) Hide() {
	w.handle.Hide()
}

func (w *Window) Close() {
	w.handle.SetShouldClose(true)
	w.closeCallback(w.handle)
}

func (w *Window) ShouldClose() bool {
	return w.handle.ShouldClose()
}

func (w *Window) Move(o platform.Offset) {
	w.handle.SetPos(int(o.X), int(o.Y))
}

func (w *Window) Resize(e platform.Extent) {
	w.handle.SetSize(int(e.Width), int(e.Height))
}

func (w *Window) Extent() platform.Extent {
	width, height := w.handle.GetFramebufferSize()
	return platform.Extent{Width: uint32(width), Height: uint32(height)}
}

func (w *Window) Offset() platform.Offset {
	x, y := w.handle.GetPos()
	return platform.Offset{X: int32(x), Y: int32(y)}
}

func (w *Window) CursorPosition() (float64, float64) {
	return w.handle.GetCursorPos()
}

// CreateSurface creates a window surface on the native instance of inst.
func (w *Window) CreateSurface(inst driver.Instance) (driver.Surface, error) {
	surface, err := w.handle.CreateWindowSurface(inst.NativeHandle(), nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", core.ErrSurfaceNotSupported, w.title, err)
	}
	return inst.SurfaceFromNative(surface), nil
}

func (w *Window) OnResize(fn func(platform.Extent)) {
	w.mu.Lock()
	w.onResize = append(w.onResize, fn)
	w.mu.Unlock()
}

func (w *Window) OnClose(fn func()) {
	w.mu.Lock()
	w.onClose = append(w.onClose, fn)
	w.mu.Unlock()
}

func (w *Window) framebufferSizeCallback(_ *glfw.Window, width, height int) {
	w.mu.Lock()
	callbacks := w.onResize
	w.mu.Unlock()
	e := platform.Extent{Width: uint32(width), Height: uint32(height)}
	for _, fn := range callbacks {
		fn(e)
	}
}

func (w *Window) closeCallback(_ *glfw.Window) {
	w.mu.Lock()
	callbacks := w.onClose
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

var (
	_ platform.Window    = (*Window)(nil)
	_ platform.EventPump = (*Platform)(nil)
)
