package renderer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/lumen/engine/containers"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// Continuation is work handed back to the frame thread, typically the
// completion of a background load. It runs at the start of BeginFrame.
type Continuation func() error

// DefaultMetricsInterval is how many frames pass between two metrics lines.
const DefaultMetricsInterval = 600

// FrameLoop paces rendering of every attached window with a fixed number of
// frames in flight. Frame i uses fence slot i mod N; BeginFrame waits for the
// previous frame, which bounds the GPU to N frames behind the CPU.
type FrameLoop struct {
	ctx    *RendererContext
	frames int

	fences      []driver.Fence
	submitted   []bool
	imagesReady driver.Semaphore

	frameNum   atomic.Uint64
	frameIndex int
	// completed is the number of the last frame known to be finished
	completed int64

	mu      sync.Mutex
	windows []*WindowSurface

	continuations   *containers.ConcurrentQueue[Continuation]
	clock           *core.Clock
	metrics         *core.Metrics
	MetricsInterval uint64
	lastFrame       float64

	destroyOnce sync.Once
}

// NewFrameLoop creates the frame loop of ctx with frames frames in flight.
// A context has at most one frame loop.
func NewFrameLoop(ctx *RendererContext, frames int) (*FrameLoop, error) {
	if frames < 1 {
		return nil, fmt.Errorf("%w: frame loop needs at least one frame in flight", core.ErrInvalidArgument)
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.frameLoop != nil {
		return nil, fmt.Errorf("%w: the context already has a frame loop", core.ErrInvalidArgument)
	}

	l := &FrameLoop{
		ctx:             ctx,
		frames:          frames,
		submitted:       make([]bool, frames),
		completed:       -1,
		continuations:   containers.NewConcurrentQueue[Continuation](64),
		clock:           core.NewClock(),
		metrics:         core.NewMetrics(),
		MetricsInterval: DefaultMetricsInterval,
	}
	dev := ctx.Device
	for i := 0; i < frames; i++ {
		f, err := dev.CreateFence(false)
		if err != nil {
			l.destroyObjects()
			return nil, fmt.Errorf("%w: creating in-flight fence %d: %w", core.ErrInitializationFailed, i, err)
		}
		ctx.nameObject(uint64(f), driver.ObjectFence, "inflight")
		l.fences = append(l.fences, f)
	}
	sem, err := dev.CreateSemaphore()
	if err != nil {
		l.destroyObjects()
		return nil, fmt.Errorf("%w: creating images-ready semaphore: %w", core.ErrInitializationFailed, err)
	}
	l.imagesReady = sem

	l.clock.Start()
	ctx.frameLoop = l
	core.LogInfo("Frame loop created with %d frame(s) in flight.", frames)
	return l, nil
}

// FramesInFlight is N.
func (l *FrameLoop) FramesInFlight() int {
	return l.frames
}

// FrameNumber is the number of the frame being prepared.
func (l *FrameLoop) FrameNumber() uint64 {
	return l.frameNum.Load()
}

// FrameIndex is the in-flight slot of the frame being prepared.
func (l *FrameLoop) FrameIndex() int {
	return l.frameIndex
}

func (l *FrameLoop) Metrics() *core.Metrics {
	return l.metrics
}

// Enqueue hands fn to the frame thread. It is safe to call from any
// goroutine.
func (l *FrameLoop) Enqueue(fn Continuation) error {
	if err := l.continuations.Enqueue(fn); err != nil {
		return fmt.Errorf("%w: %w", core.ErrEnqueueFailed, err)
	}
	return nil
}

// AddWindow attaches ws to the loop. The surface must have one frame per
// frame in flight.
func (l *FrameLoop) AddWindow(ws *WindowSurface) error {
	if ws.FrameCount() != l.frames {
		return fmt.Errorf("%w: window '%s' has %d frame(s), the loop runs %d", core.ErrInvalidArgument, ws.Window.Title(), ws.FrameCount(), l.frames)
	}
	ws.mu.Lock()
	if ws.state == SurfaceDestroyed {
		ws.mu.Unlock()
		return fmt.Errorf("%w: window '%s'", core.ErrDestroyed, ws.Window.Title())
	}
	ws.loop = l
	ws.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.windows {
		if w == ws {
			return nil
		}
	}
	l.windows = append(l.windows, ws)
	return nil
}

// RemoveWindow detaches ws and destroys it once the device is idle.
func (l *FrameLoop) RemoveWindow(ws *WindowSurface) {
	ws.Destroy()
}

func (l *FrameLoop) forget(ws *WindowSurface) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.windows {
		if w == ws {
			l.windows = append(l.windows[:i], l.windows[i+1:]...)
			return
		}
	}
}

// Windows returns the attached windows in registration order.
func (l *FrameLoop) Windows() []*WindowSurface {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*WindowSurface(nil), l.windows...)
}

// BeginFrame runs pending continuations, waits until the previous frame has
// finished on the GPU, frees swapchain generations no frame can reference
// anymore and rebuilds dirty acceleration structures.
func (l *FrameLoop) BeginFrame() error {
	if n := l.continuations.Drain(func(fn Continuation) {
		if err := fn(); err != nil {
			core.LogError("Continuation failed: %s", err)
		}
	}); n > 0 {
		core.LogDebug("Ran %d continuation(s).", n)
	}

	var errs []error
	frameNum := l.frameNum.Load()
	if frameNum > 0 {
		prev := (l.frameIndex + l.frames - 1) % l.frames
		if err := l.waitSlot(prev); err != nil {
			errs = append(errs, err)
		}
	}
	// The slot of this frame is free unless waiting for it failed before.
	if err := l.waitSlot(l.frameIndex); err != nil {
		errs = append(errs, err)
	}
	if frameNum > 0 && !l.pending() {
		l.completed = int64(frameNum) - 1
	}

	for _, ws := range l.Windows() {
		ws.collectRetired(l.completed)
	}
	l.ctx.rebuildDirty()
	return errors.Join(errs...)
}

// pending reports whether a submission is still unaccounted for.
func (l *FrameLoop) pending() bool {
	for _, s := range l.submitted {
		if s {
			return true
		}
	}
	return false
}

// waitSlot waits for the submission carrying fence slot i, if any, and
// resets the fence.
func (l *FrameLoop) waitSlot(i int) error {
	if !l.submitted[i] {
		return nil
	}
	dev := l.ctx.Device
	fence := []driver.Fence{l.fences[i]}
	if err := dev.WaitForFences(fence, driver.Forever); err != nil {
		core.LogError("Failed waiting for in-flight fence %d: %s", i, err)
		return fmt.Errorf("waiting for in-flight fence %d: %w", i, err)
	}
	if err := dev.ResetFences(fence); err != nil {
		core.LogError("Failed resetting in-flight fence %d: %s", i, err)
		return fmt.Errorf("resetting in-flight fence %d: %w", i, err)
	}
	l.submitted[i] = false
	return nil
}

// EndFrame records renderables into every live window, submits all of them
// at once and presents. Windows that fail are logged and skipped; the frame
// counter advances in every case.
func (l *FrameLoop) EndFrame(renderables []Renderable) error {
	defer l.advance()

	if l.submitted[l.frameIndex] {
		return fmt.Errorf("frame %d skipped: in-flight fence %d is still in use", l.frameNum.Load(), l.frameIndex)
	}

	l.clock.Update()
	dc := DrawContext{
		FrameNumber: l.frameNum.Load(),
		Time:        float32(l.clock.Elapsed().Seconds()),
	}

	var acquired []acquiredImage
	for _, ws := range l.Windows() {
		img, ok, err := ws.acquire(l.frameIndex)
		if err != nil {
			core.LogError("Skipping window '%s' this frame: %s", ws.Window.Title(), err)
			continue
		}
		if !ok {
			continue
		}
		if err := ws.record(l.frameIndex, img.index, renderables, dc); err != nil {
			core.LogError("Failed recording window '%s': %s", ws.Window.Title(), err)
			ws.abandon(l.frameIndex)
			continue
		}
		acquired = append(acquired, img)
	}
	if len(acquired) == 0 {
		return nil
	}
	return l.submitAndPresent(acquired)
}

func (l *FrameLoop) submitAndPresent(acquired []acquiredImage) error {
	ctx := l.ctx
	dev := ctx.Device
	queue := ctx.Queue(0)

	submit := driver.SubmitInfo{SignalSemaphores: []driver.Semaphore{l.imagesReady}}
	present := driver.PresentInfo{WaitSemaphores: []driver.Semaphore{l.imagesReady}}
	for _, a := range acquired {
		submit.WaitSemaphores = append(submit.WaitSemaphores, a.wait)
		submit.WaitStages = append(submit.WaitStages, driver.StageTransfer)
		submit.CommandBuffers = append(submit.CommandBuffers, a.primary)
		present.Swapchains = append(present.Swapchains, a.surface.Swapchain())
		present.ImageIndices = append(present.ImageIndices, a.index)
	}

	var results []driver.Result
	var presentErr error
	err := ctx.locks.SafeQueueCall(0, func() error {
		if err := dev.QueueSubmit(queue, []driver.SubmitInfo{submit}, l.fences[l.frameIndex]); err != nil {
			return err
		}
		l.submitted[l.frameIndex] = true
		results, presentErr = dev.QueuePresent(queue, present)
		return nil
	})
	if err != nil {
		core.LogError("Frame %d submission failed: %s", l.frameNum.Load(), err)
		for _, a := range acquired {
			a.surface.abandon(l.frameIndex)
		}
		return fmt.Errorf("submitting frame: %w", err)
	}

	if presentErr != nil {
		core.LogError("Frame %d present failed: %s", l.frameNum.Load(), presentErr)
		for _, a := range acquired {
			a.surface.requestResize()
		}
		l.replaceImagesReady()
		return fmt.Errorf("presenting frame: %w", presentErr)
	}
	for i, res := range results {
		ws := acquired[i].surface
		switch res {
		case driver.Success:
		case driver.Suboptimal, driver.ErrorOutOfDate:
			core.LogDebug("Present to '%s' returned %s, rebuilding swapchain.", ws.Window.Title(), res)
			ws.requestResize()
		default:
			core.LogError("Present to '%s' failed: %s", ws.Window.Title(), res)
			ws.requestResize()
		}
	}
	return nil
}

// replaceImagesReady swaps the images-ready semaphore for a fresh one after
// its signal was left without a waiter.
func (l *FrameLoop) replaceImagesReady() {
	dev := l.ctx.Device
	if err := dev.QueueWaitIdle(l.ctx.Queue(0)); err != nil {
		core.LogError("Failed waiting for queue idle: %s", err)
		return
	}
	sem, err := dev.CreateSemaphore()
	if err != nil {
		core.LogError("Failed to replace images-ready semaphore: %s", err)
		return
	}
	dev.DestroySemaphore(l.imagesReady)
	l.imagesReady = sem
}

func (l *FrameLoop) advance() {
	l.clock.Update()
	now := l.clock.Elapsed().Seconds()
	l.metrics.Update(now - l.lastFrame)
	l.lastFrame = now

	n := l.frameNum.Add(1)
	l.frameIndex = int(n % uint64(l.frames))
	if l.MetricsInterval > 0 && n%l.MetricsInterval == 0 {
		fps, ms := l.metrics.Frame()
		core.LogDebug("Frame %d: %.0f fps, %.3f ms average frame time.", n, fps, ms)
	}
}

// Destroy waits for the device, destroys every attached window, then the
// fences and semaphore of the loop. Later calls do nothing.
func (l *FrameLoop) Destroy() {
	l.destroyOnce.Do(func() {
		l.continuations.Close()
		if err := l.ctx.Device.WaitIdle(); err != nil {
			core.LogError("Failed waiting for device idle: %s", err)
		}
		for _, ws := range l.Windows() {
			ws.Destroy()
		}
		l.destroyObjects()

		l.ctx.mu.Lock()
		if l.ctx.frameLoop == l {
			l.ctx.frameLoop = nil
		}
		l.ctx.mu.Unlock()
		core.LogInfo("Frame loop destroyed after %d frame(s).", l.frameNum.Load())
	})
}

func (l *FrameLoop) destroyObjects() {
	dev := l.ctx.Device
	for _, f := range l.fences {
		dev.DestroyFence(f)
	}
	l.fences = nil
	if l.imagesReady != 0 {
		dev.DestroySemaphore(l.imagesReady)
		l.imagesReady = 0
	}
}
