package renderer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type SurfaceState int

const (
	SurfaceUninitialized SurfaceState = iota
	SurfaceLive
	SurfaceResizing
	SurfaceDestroyed
)

func (s SurfaceState) String() string {
	switch s {
	case SurfaceUninitialized:
		return "uninitialized"
	case SurfaceLive:
		return "live"
	case SurfaceResizing:
		return "resizing"
	case SurfaceDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// Frame is the per-frame recording state of one window.
type Frame struct {
	ImageAvailable driver.Semaphore
	Pool           driver.CommandPool
	Primary        driver.CommandBuffer

	// secondaries only grow; the pool reset recycles them every frame
	secondaries []driver.CommandBuffer
}

// generation is everything built for one swapchain extent.
type generation struct {
	swapchain    driver.Swapchain
	extent       driver.Extent2D
	images       []driver.Image
	views        []driver.ImageView
	color        *Image
	colorView    *ImageView
	depth        *Image
	depthView    *ImageView
	framebuffers []driver.Framebuffer
	viewport     driver.Viewport
	scissor      driver.Rect2D

	// retiredAt is the frame number current when the generation was
	// replaced. Frames before it may still reference it.
	retiredAt uint64
}

func (g *generation) destroy(dev driver.Device) {
	for _, fb := range g.framebuffers {
		dev.DestroyFramebuffer(fb)
	}
	g.framebuffers = nil
	g.depthView.Destroy()
	g.depth.Destroy()
	g.colorView.Destroy()
	g.color.Destroy()
	for _, v := range g.views {
		dev.DestroyImageView(v)
	}
	g.views = nil
	if g.swapchain != 0 {
		dev.DestroySwapchain(g.swapchain)
		g.swapchain = 0
	}
}

// WindowSurface owns the presentation surface of one window: its swapchain,
// render targets, framebuffers and per-frame recording state. It always
// holds exactly as many frames as swapchain images.
type WindowSurface struct {
	Window     platform.Window
	Surface    driver.Surface
	Format     driver.SurfaceFormat
	RenderPass *RenderPass

	ctx *RendererContext

	mu          sync.Mutex
	state       SurfaceState
	frames      []Frame
	current     *generation
	retired     []*generation
	needsResize bool
	loop        *FrameLoop

	destroyOnce sync.Once
}

// CreateWindowSurface creates the surface of window with one frame per
// swapchain image, and builds the first swapchain generation at the window
// extent.
func CreateWindowSurface(ctx *RendererContext, window platform.Window, frames int) (*WindowSurface, error) {
	if frames < 1 {
		return nil, fmt.Errorf("%w: window surface needs at least one frame", core.ErrInvalidArgument)
	}
	surface, err := window.CreateSurface(ctx.Instance)
	if err != nil {
		return nil, err
	}

	ws := &WindowSurface{Window: window, Surface: surface, ctx: ctx}
	if err := ws.init(frames); err != nil {
		ws.teardown()
		return nil, err
	}
	window.OnResize(func(platform.Extent) {
		ws.requestResize()
	})
	core.LogInfo("Window surface for '%s' created with %d frame(s).", window.Title(), frames)
	return ws, nil
}

func (ws *WindowSurface) init(frames int) error {
	ctx := ws.ctx
	dev := ctx.Device

	supported, err := dev.SurfaceSupport(ws.Surface)
	if err != nil {
		return fmt.Errorf("querying present support: %w", err)
	}
	if !supported {
		return fmt.Errorf("%w: queue family %d cannot present to '%s'", core.ErrSurfaceNotSupported, ctx.QueueFamilyIndex, ws.Window.Title())
	}

	formats, err := dev.SurfaceFormats(ws.Surface)
	if err != nil {
		return fmt.Errorf("querying surface formats: %w", err)
	}
	format, ok := chooseSurfaceFormat(formats, ctx.Options.SurfaceFormat)
	if !ok {
		return fmt.Errorf("%w: surface does not offer %s", core.ErrSurfaceNotSupported, ctx.Options.SurfaceFormat.Format)
	}
	ws.Format = format

	ws.RenderPass, err = ctx.RenderPass(format.Format, ctx.Options.DepthFormat, ctx.Options.Samples)
	if err != nil {
		return err
	}

	for i := 0; i < frames; i++ {
		f, err := createFrame(dev)
		if err != nil {
			return fmt.Errorf("creating frame %d: %w", i, err)
		}
		ws.frames = append(ws.frames, f)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.resizeLocked(ws.Window.Extent().Driver())
}

// chooseSurfaceFormat accepts the wanted format, or anything when the
// surface reports a single undefined format.
func chooseSurfaceFormat(formats []driver.SurfaceFormat, want driver.SurfaceFormat) (driver.SurfaceFormat, bool) {
	if len(formats) == 1 && formats[0].Format == driver.FormatUndefined {
		return want, true
	}
	for _, f := range formats {
		if f == want {
			return f, true
		}
	}
	return driver.SurfaceFormat{}, false
}

func createFrame(dev driver.Device) (Frame, error) {
	var f Frame
	var err error
	if f.ImageAvailable, err = dev.CreateSemaphore(); err != nil {
		return f, err
	}
	if f.Pool, err = dev.CreateCommandPool(driver.CommandPoolCreateInfo{ResetCommandBuffer: true}); err != nil {
		dev.DestroySemaphore(f.ImageAvailable)
		return f, err
	}
	if f.Primary, err = dev.AllocateCommandBuffer(f.Pool, driver.CommandBufferPrimary); err != nil {
		dev.DestroyCommandPool(f.Pool)
		dev.DestroySemaphore(f.ImageAvailable)
		return f, err
	}
	return f, nil
}

// secondary returns the i-th secondary command buffer of the frame,
// allocating it on first use.
func (f *Frame) secondary(dev driver.Device, i int) (driver.CommandBuffer, error) {
	for len(f.secondaries) <= i {
		cb, err := dev.AllocateCommandBuffer(f.Pool, driver.CommandBufferSecondary)
		if err != nil {
			return 0, err
		}
		f.secondaries = append(f.secondaries, cb)
	}
	return f.secondaries[i], nil
}

func (ws *WindowSurface) State() SurfaceState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// FrameCount is the number of frames, equal to the number of swapchain
// images.
func (ws *WindowSurface) FrameCount() int {
	return len(ws.frames)
}

// ImageCount is the number of images of the current swapchain.
func (ws *WindowSurface) ImageCount() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.current == nil {
		return 0
	}
	return len(ws.current.images)
}

// Extent is the extent of the current swapchain.
func (ws *WindowSurface) Extent() driver.Extent2D {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.current == nil {
		return driver.Extent2D{}
	}
	return ws.current.extent
}

func (ws *WindowSurface) Swapchain() driver.Swapchain {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.current == nil {
		return 0
	}
	return ws.current.swapchain
}

func (ws *WindowSurface) Viewport() driver.Viewport {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.current == nil {
		return driver.Viewport{}
	}
	return ws.current.viewport
}

func (ws *WindowSurface) Scissor() driver.Rect2D {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.current == nil {
		return driver.Rect2D{}
	}
	return ws.current.scissor
}

// Framebuffers returns the framebuffers of the current generation, one per
// swapchain image.
func (ws *WindowSurface) Framebuffers() []driver.Framebuffer {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.current == nil {
		return nil
	}
	return append([]driver.Framebuffer(nil), ws.current.framebuffers...)
}

// RetiredGenerations is the number of replaced swapchain generations still
// waiting for the frames that may use them.
func (ws *WindowSurface) RetiredGenerations() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.retired)
}

func (ws *WindowSurface) requestResize() {
	ws.mu.Lock()
	ws.needsResize = true
	ws.mu.Unlock()
}

// Resize rebuilds the swapchain and everything sized after it. The previous
// generation stays alive until no in-flight frame can reference it. A zero
// extent leaves the surface as it is until the window is restored.
func (ws *WindowSurface) Resize(extent platform.Extent) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.resizeLocked(extent.Driver())
}

func (ws *WindowSurface) resizeLocked(extent driver.Extent2D) error {
	if ws.state == SurfaceDestroyed {
		return fmt.Errorf("%w: resize of a destroyed window surface", core.ErrDestroyed)
	}
	dev := ws.ctx.Device
	caps, err := dev.SurfaceCapabilities(ws.Surface)
	if err != nil {
		return fmt.Errorf("%w: querying surface capabilities: %w", core.ErrWindowResizeFailed, err)
	}
	if caps.CurrentExtent.Width != driver.UndefinedExtent {
		extent = caps.CurrentExtent
	} else {
		extent.Width = math.Clamp(extent.Width, caps.MinExtent.Width, caps.MaxExtent.Width)
		extent.Height = math.Clamp(extent.Height, caps.MinExtent.Height, caps.MaxExtent.Height)
	}
	if extent.IsZero() {
		core.LogDebug("Window '%s' is minimized, postponing resize.", ws.Window.Title())
		ws.needsResize = true
		return nil
	}

	// Creating a swapchain retires the current one, so a count the surface
	// cannot provide is refused before anything is built.
	imageCount := uint32(len(ws.frames))
	if imageCount < caps.MinImageCount || (caps.MaxImageCount > 0 && imageCount > caps.MaxImageCount) {
		core.LogError("Window '%s' supports %d to %d image(s), it needs %d.", ws.Window.Title(), caps.MinImageCount, caps.MaxImageCount, imageCount)
		return fmt.Errorf("%w: surface cannot provide %d image(s)", core.ErrWindowResizeFailed, imageCount)
	}

	previous := ws.state
	ws.state = SurfaceResizing

	gen, err := ws.createGeneration(extent, imageCount)
	if err != nil {
		ws.state = previous
		ws.needsResize = true
		core.LogError("Failed to resize window '%s' to %dx%d: %s", ws.Window.Title(), extent.Width, extent.Height, err)
		return fmt.Errorf("%w: %w", core.ErrWindowResizeFailed, err)
	}

	if old := ws.current; old != nil {
		ws.retire(old)
	}
	ws.current = gen
	ws.needsResize = false
	ws.state = SurfaceLive
	core.LogDebug("Window '%s' swapchain is now %dx%d with %d image(s).", ws.Window.Title(), extent.Width, extent.Height, len(gen.images))
	return nil
}

func (ws *WindowSurface) createGeneration(extent driver.Extent2D, imageCount uint32) (*generation, error) {
	ctx := ws.ctx
	dev := ctx.Device
	rp := ws.RenderPass

	gen := &generation{
		extent:   extent,
		viewport: driver.Viewport{Width: float32(extent.Width), Height: float32(extent.Height), MaxDepth: 1},
		scissor:  driver.Rect2D{Extent: extent},
	}
	var old driver.Swapchain
	if ws.current != nil {
		old = ws.current.swapchain
	}

	var err error
	gen.swapchain, err = dev.CreateSwapchain(driver.SwapchainCreateInfo{
		Surface:       ws.Surface,
		MinImageCount: imageCount,
		Format:        ws.Format.Format,
		ColorSpace:    ws.Format.ColorSpace,
		Extent:        extent,
		Usage:         driver.ImageUsageColorAttachment,
		PresentMode:   ctx.Options.PresentMode,
		OldSwapchain:  old,
	})
	if err != nil {
		return nil, fmt.Errorf("creating swapchain: %w", err)
	}
	ctx.nameObject(uint64(gen.swapchain), driver.ObjectSwapchain, "swapchain")

	fail := func(err error) (*generation, error) {
		gen.destroy(dev)
		return nil, err
	}

	gen.images, err = dev.SwapchainImages(gen.swapchain)
	if err != nil {
		return fail(fmt.Errorf("fetching swapchain images: %w", err))
	}
	if len(gen.images) != len(ws.frames) {
		return fail(fmt.Errorf("swapchain has %d image(s) for %d frame(s)", len(gen.images), len(ws.frames)))
	}

	// Views
	for _, img := range gen.images {
		v, err := dev.CreateImageView(driver.ImageViewCreateInfo{
			Image:      img,
			ViewType:   driver.ImageViewType2D,
			Format:     ws.Format.Format,
			Aspect:     driver.AspectColor,
			MipCount:   1,
			LayerCount: 1,
		})
		if err != nil {
			return fail(fmt.Errorf("creating swapchain image view: %w", err))
		}
		gen.views = append(gen.views, v)
	}

	extent3D := driver.Extent3D{Width: extent.Width, Height: extent.Height, Depth: 1}

	// Multisampled color target
	if rp.Multisampled() {
		gen.color, err = ctx.AllocateImage(ImageDesc{
			Type:    driver.ImageType2D,
			Format:  ws.Format.Format,
			Extent:  extent3D,
			Samples: rp.Samples,
			Usage:   driver.ImageUsageColorAttachment | driver.ImageUsageTransientAttachment,
		}, MemoryGPUOnly)
		if err != nil {
			return fail(fmt.Errorf("creating color target: %w", err))
		}
		if gen.colorView, err = ctx.CreateImageView(gen.color, ImageViewDesc{ViewType: driver.ImageViewType2D}); err != nil {
			return fail(err)
		}
		if err := ctx.TransitionImage(gen.color, driver.LayoutUndefined, driver.LayoutColorAttachment); err != nil {
			return fail(err)
		}
	}

	// Depth target
	gen.depth, err = ctx.AllocateImage(ImageDesc{
		Type:    driver.ImageType2D,
		Format:  rp.DepthFormat,
		Extent:  extent3D,
		Samples: rp.Samples,
		Usage:   driver.ImageUsageDepthStencilAttachment,
	}, MemoryGPUOnly)
	if err != nil {
		return fail(fmt.Errorf("creating depth target: %w", err))
	}
	if gen.depthView, err = ctx.CreateImageView(gen.depth, ImageViewDesc{ViewType: driver.ImageViewType2D}); err != nil {
		return fail(err)
	}
	if err := ctx.TransitionImage(gen.depth, driver.LayoutUndefined, driver.LayoutDepthStencilAttachment); err != nil {
		return fail(err)
	}

	// Framebuffers
	for _, view := range gen.views {
		attachments := []driver.ImageView{view, gen.depthView.Handle}
		if rp.Multisampled() {
			attachments = []driver.ImageView{gen.colorView.Handle, gen.depthView.Handle, view}
		}
		fb, err := dev.CreateFramebuffer(driver.FramebufferCreateInfo{
			RenderPass:  rp.Handle,
			Attachments: attachments,
			Extent:      extent,
			Layers:      1,
		})
		if err != nil {
			return fail(fmt.Errorf("creating framebuffer: %w", err))
		}
		gen.framebuffers = append(gen.framebuffers, fb)
	}
	return gen, nil
}

// retire hands old to the deferred destruction list of the frame loop, or
// destroys it right away when no frame loop drives the surface.
func (ws *WindowSurface) retire(old *generation) {
	if ws.loop == nil {
		old.destroy(ws.ctx.Device)
		return
	}
	old.retiredAt = ws.loop.FrameNumber()
	ws.retired = append(ws.retired, old)
}

// collectRetired destroys the generations no longer referenced by any frame
// that may still execute. completed is the number of the last frame known to
// be finished, or -1.
func (ws *WindowSurface) collectRetired(completed int64) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	kept := ws.retired[:0]
	for _, g := range ws.retired {
		if completed > int64(g.retiredAt) {
			g.destroy(ws.ctx.Device)
			continue
		}
		kept = append(kept, g)
	}
	for i := len(kept); i < len(ws.retired); i++ {
		ws.retired[i] = nil
	}
	ws.retired = kept
}

// acquiredImage is one window's share of a frame.
type acquiredImage struct {
	surface *WindowSurface
	index   uint32
	wait    driver.Semaphore
	primary driver.CommandBuffer
}

// acquire takes the next swapchain image with the semaphore of frame
// frameIndex. It reports false for minimized windows. A suboptimal or out of
// date swapchain is rebuilt and the acquisition retried once. A retry that is
// still suboptimal uses its image.
func (ws *WindowSurface) acquire(frameIndex int) (acquiredImage, bool, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.state == SurfaceDestroyed {
		return acquiredImage{}, false, nil
	}
	extent := ws.Window.Extent()
	if extent.IsZero() {
		return acquiredImage{}, false, nil
	}
	if ws.needsResize || ws.current == nil {
		if err := ws.resizeLocked(extent.Driver()); err != nil {
			return acquiredImage{}, false, err
		}
		if ws.needsResize {
			return acquiredImage{}, false, nil
		}
	}

	dev := ws.ctx.Device
	f := &ws.frames[frameIndex]
	for attempt := 0; ; attempt++ {
		index, result, err := dev.AcquireNextImage(ws.current.swapchain, driver.Forever, f.ImageAvailable)
		switch {
		case err == nil && (result != driver.Suboptimal || attempt > 0):
			return acquiredImage{surface: ws, index: index, wait: f.ImageAvailable, primary: f.Primary}, true, nil
		case err == nil:
			// the image stays with the old swapchain and its semaphore is signaled
			core.LogDebug("Swapchain of '%s' is suboptimal, rebuilding.", ws.Window.Title())
			if err := ws.replaceImageSemaphore(f); err != nil {
				ws.needsResize = true
				return acquiredImage{}, false, fmt.Errorf("acquiring image of '%s': %w", ws.Window.Title(), err)
			}
		case !errors.Is(err, driver.ErrorOutOfDate) || attempt > 0:
			return acquiredImage{}, false, fmt.Errorf("acquiring image of '%s': %w", ws.Window.Title(), err)
		}
		extent := ws.Window.Extent()
		if extent.IsZero() {
			ws.needsResize = true
			return acquiredImage{}, false, nil
		}
		if err := ws.resizeLocked(extent.Driver()); err != nil {
			return acquiredImage{}, false, err
		}
		if ws.needsResize {
			return acquiredImage{}, false, nil
		}
	}
}

// replaceImageSemaphore swaps the image semaphore of f for a fresh one.
// Callers hold ws.mu.
func (ws *WindowSurface) replaceImageSemaphore(f *Frame) error {
	dev := ws.ctx.Device
	sem, err := dev.CreateSemaphore()
	if err != nil {
		return fmt.Errorf("replacing image semaphore: %w", err)
	}
	dev.DestroySemaphore(f.ImageAvailable)
	f.ImageAvailable = sem
	return nil
}

// record fills the primary command buffer of frame frameIndex: the shared
// render pass on the framebuffer of image, one secondary per renderable.
func (ws *WindowSurface) record(frameIndex int, image uint32, renderables []Renderable, dc DrawContext) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	dev := ws.ctx.Device
	f := &ws.frames[frameIndex]
	gen := ws.current
	rp := ws.RenderPass

	if err := dev.ResetCommandPool(f.Pool); err != nil {
		return fmt.Errorf("resetting frame command pool: %w", err)
	}
	if err := dev.BeginCommandBuffer(f.Primary, driver.CommandBufferBeginInfo{OneTimeSubmit: true}); err != nil {
		return fmt.Errorf("beginning frame command buffer: %w", err)
	}
	dev.CmdSetViewport(f.Primary, gen.viewport)
	dev.CmdSetScissor(f.Primary, gen.scissor)

	framebuffer := gen.framebuffers[image]
	dev.CmdBeginRenderPass(f.Primary, driver.RenderPassBeginInfo{
		RenderPass:  rp.Handle,
		Framebuffer: framebuffer,
		Area:        gen.scissor,
		ClearValues: rp.ClearValues(ws.ctx.Options.ClearColor),
	}, driver.SubpassContentsSecondaryCommandBuffers)

	dc.Device = dev
	dc.RenderPass = rp
	dc.Viewport = gen.viewport
	dc.Scissor = gen.scissor
	dc.Extent = gen.extent

	inheritance := &driver.InheritanceInfo{RenderPass: rp.Handle, Framebuffer: framebuffer}
	executed := make([]driver.CommandBuffer, 0, len(renderables))
	for i, r := range renderables {
		cb, err := f.secondary(dev, i)
		if err != nil {
			core.LogError("Failed to allocate secondary command buffer: %s", err)
			break
		}
		if err := dev.BeginCommandBuffer(cb, driver.CommandBufferBeginInfo{
			OneTimeSubmit:      true,
			RenderPassContinue: true,
			Inheritance:        inheritance,
		}); err != nil {
			core.LogError("Failed to begin secondary command buffer: %s", err)
			continue
		}
		dc.CommandBuffer = cb
		dev.CmdSetViewport(cb, gen.viewport)
		dev.CmdSetScissor(cb, gen.scissor)
		recordErr := drawRenderable(r, &dc)
		if err := dev.EndCommandBuffer(cb); err != nil {
			core.LogError("Failed to end secondary command buffer: %s", err)
			continue
		}
		if recordErr != nil {
			core.LogError("Renderable skipped in '%s': %s", ws.Window.Title(), recordErr)
			continue
		}
		executed = append(executed, cb)
	}
	if len(executed) > 0 {
		dev.CmdExecuteCommands(f.Primary, executed)
	}

	dev.CmdEndRenderPass(f.Primary)
	if err := dev.EndCommandBuffer(f.Primary); err != nil {
		return fmt.Errorf("ending frame command buffer: %w", err)
	}
	return nil
}

// abandon gives up an acquired image that will not be presented. The
// swapchain is rebuilt before the next acquisition and the signaled
// semaphore of the frame is replaced.
func (ws *WindowSurface) abandon(frameIndex int) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.needsResize = true
	if err := ws.replaceImageSemaphore(&ws.frames[frameIndex]); err != nil {
		core.LogError("Failed to replace image semaphore of '%s': %s", ws.Window.Title(), err)
	}
}

// Destroy waits for the device to go idle and releases everything the
// surface owns, the native surface last. Later calls do nothing.
func (ws *WindowSurface) Destroy() {
	ws.destroyOnce.Do(func() {
		ws.mu.Lock()
		loop := ws.loop
		ws.loop = nil
		ws.mu.Unlock()
		if loop != nil {
			loop.forget(ws)
		}
		if err := ws.ctx.Device.WaitIdle(); err != nil {
			core.LogError("Failed waiting for device idle: %s", err)
		}
		ws.teardown()
		core.LogInfo("Window surface for '%s' destroyed.", ws.Window.Title())
	})
}

func (ws *WindowSurface) teardown() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	dev := ws.ctx.Device
	for _, g := range ws.retired {
		g.destroy(dev)
	}
	ws.retired = nil
	if ws.current != nil {
		ws.current.destroy(dev)
		ws.current = nil
	}
	for _, f := range ws.frames {
		dev.DestroyCommandPool(f.Pool)
		dev.DestroySemaphore(f.ImageAvailable)
	}
	ws.frames = nil
	if ws.Surface != 0 {
		ws.ctx.Instance.DestroySurface(ws.Surface)
		ws.Surface = 0
	}
	ws.state = SurfaceDestroyed
}
