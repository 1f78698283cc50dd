package renderer

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/driver/software"
)

func newTestLoop(t *testing.T, ctx *RendererContext, frames int, windows ...*WindowSurface) *FrameLoop {
	t.Helper()
	l, err := NewFrameLoop(ctx, frames)
	if err != nil {
		t.Fatalf("NewFrameLoop: %v", err)
	}
	t.Cleanup(l.Destroy)
	for _, ws := range windows {
		if err := l.AddWindow(ws); err != nil {
			t.Fatalf("AddWindow: %v", err)
		}
	}
	return l
}

func fullscreen(t *testing.T, ctx *RendererContext, ws *WindowSurface) *FullscreenRenderable {
	t.Helper()
	return &FullscreenRenderable{Pipeline: newTestPipeline(t, ctx, ws.RenderPass, FullscreenPushConstantSize)}
}

func runFrame(t *testing.T, l *FrameLoop, renderables ...Renderable) {
	t.Helper()
	if err := l.BeginFrame(); err != nil {
		t.Fatalf("BeginFrame %d: %v", l.FrameNumber(), err)
	}
	if err := l.EndFrame(renderables); err != nil {
		t.Fatalf("EndFrame %d: %v", l.FrameNumber()-1, err)
	}
}

func waitIdle(t *testing.T, dev *software.Device) {
	t.Helper()
	if err := dev.WaitIdle(); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func TestFrameLoopRendersEveryWindow(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	_, left := newTestWindow(t, ctx, "left", 640, 480, 2)
	_, right := newTestWindow(t, ctx, "right", 320, 200, 2)
	l := newTestLoop(t, ctx, 2, left, right)
	r := fullscreen(t, ctx, left)

	for i := 0; i < 6; i++ {
		runFrame(t, l, r)
	}
	waitIdle(t, dev)

	if l.FrameNumber() != 6 || l.FrameIndex() != 0 {
		t.Fatalf("frame %d, index %d", l.FrameNumber(), l.FrameIndex())
	}
	for _, ws := range []*WindowSurface{left, right} {
		if n := dev.Presented(ws.Swapchain()); n != 6 {
			t.Errorf("'%s' presented %d frame(s), want 6", ws.Window.Title(), n)
		}
	}
	passes := dev.RenderPasses()
	if len(passes) != 12 {
		t.Fatalf("%d render passes executed, want 12", len(passes))
	}
	for _, p := range passes {
		if p.Draws != 1 {
			t.Fatalf("render pass drew %d time(s), want 1", p.Draws)
		}
	}
	assertNoValidationErrors(t, dev)
}

func TestFramePacingWaitsForPreviousFrame(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	_, ws := newTestWindow(t, ctx, "paced", 256, 256, 2)
	l := newTestLoop(t, ctx, 2, ws)
	queue := ctx.Queue(0)
	dev.PauseQueue(queue)
	t.Cleanup(func() { dev.ResumeQueue(queue) })

	runFrame(t, l)

	began := make(chan error, 1)
	go func() { began <- l.BeginFrame() }()
	select {
	case err := <-began:
		t.Fatalf("BeginFrame returned while the previous frame was still queued: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	dev.ResumeQueue(queue)
	select {
	case err := <-began:
		if err != nil {
			t.Fatalf("BeginFrame: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("BeginFrame did not return after the queue drained")
	}
	if err := l.EndFrame(nil); err != nil {
		t.Fatalf("EndFrame: %v", err)
	}
	runFrame(t, l)
	waitIdle(t, dev)
	if n := dev.Presented(ws.Swapchain()); n != 3 {
		t.Fatalf("presented %d frame(s), want 3", n)
	}
	assertNoValidationErrors(t, dev)
}

func TestResizeWhileFramesAreInFlight(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	w, ws := newTestWindow(t, ctx, "resizable", 800, 600, 2)
	l := newTestLoop(t, ctx, 2, ws)
	r := fullscreen(t, ctx, ws)

	runFrame(t, l, r)
	runFrame(t, l, r)
	first := ws.Swapchain()

	w.Resize(platform.Extent{Width: 1920, Height: 1080})
	runFrame(t, l, r)
	if ws.Swapchain() == first {
		t.Fatal("swapchain was not rebuilt")
	}
	if ws.RetiredGenerations() != 1 {
		t.Fatalf("%d retired generation(s), want 1", ws.RetiredGenerations())
	}
	// Frame 2 retired the generation; frame 3 only proves frame 2 done.
	runFrame(t, l, r)
	if ws.RetiredGenerations() != 1 {
		t.Fatal("generation destroyed while a frame could still use it")
	}
	runFrame(t, l, r)
	if ws.RetiredGenerations() != 0 {
		t.Fatal("retired generation was never destroyed")
	}
	runFrame(t, l, r)
	waitIdle(t, dev)

	if e := ws.Extent(); e.Width != 1920 || e.Height != 1080 {
		t.Fatalf("extent = %+v", e)
	}
	passes := dev.RenderPasses()
	if len(passes) != 6 {
		t.Fatalf("%d render passes, want 6", len(passes))
	}
	for i, p := range passes {
		want := uint32(800)
		if i >= 2 {
			want = 1920
		}
		if p.Area.Extent.Width != want || p.Draws != 1 {
			t.Fatalf("pass %d: area %+v, %d draws", i, p.Area, p.Draws)
		}
	}
	if n := dev.LiveObjects()["swapchain"]; n != 1 {
		t.Fatalf("%d swapchains alive", n)
	}
	assertNoValidationErrors(t, dev)
}

func TestMinimizedWindowIsSkipped(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	w, ws := newTestWindow(t, ctx, "minimizable", 300, 300, 2)
	l := newTestLoop(t, ctx, 2, ws)
	r := fullscreen(t, ctx, ws)

	runFrame(t, l, r)
	w.Resize(platform.Extent{})
	runFrame(t, l, r)
	runFrame(t, l, r)
	waitIdle(t, dev)
	if n := len(dev.RenderPasses()); n != 1 {
		t.Fatalf("%d render passes while minimized, want 1", n)
	}

	w.Resize(platform.Extent{Width: 640, Height: 480})
	runFrame(t, l, r)
	waitIdle(t, dev)
	passes := dev.RenderPasses()
	if len(passes) != 2 || passes[1].Area.Extent.Width != 640 {
		t.Fatalf("render passes after restore: %+v", passes)
	}
	assertNoValidationErrors(t, dev)
}

func TestSuboptimalAcquireRebuildsAndRetries(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	_, ws := newTestWindow(t, ctx, "suboptimal", 200, 200, 2)
	l := newTestLoop(t, ctx, 2, ws)
	first := ws.Swapchain()

	dev.InjectFault(software.OpAcquireNextImage, driver.Suboptimal)
	runFrame(t, l)
	rebuilt := ws.Swapchain()
	if rebuilt == first {
		t.Fatal("swapchain was not rebuilt on a suboptimal acquisition")
	}
	runFrame(t, l)
	if ws.Swapchain() != rebuilt {
		t.Fatal("swapchain rebuilt again without cause")
	}
	waitIdle(t, dev)
	if n := dev.Presented(rebuilt); n != 2 {
		t.Fatalf("presented %d frame(s) on the rebuilt swapchain, want 2", n)
	}
	if n := len(dev.RenderPasses()); n != 2 {
		t.Fatalf("%d render passes, want 2", n)
	}
	assertNoValidationErrors(t, dev)
}

func TestSuboptimalRetryUsesItsImage(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	_, ws := newTestWindow(t, ctx, "still suboptimal", 200, 200, 2)
	l := newTestLoop(t, ctx, 2, ws)
	first := ws.Swapchain()

	dev.InjectFault(software.OpAcquireNextImage, driver.Suboptimal)
	dev.InjectFault(software.OpAcquireNextImage, driver.Suboptimal)
	runFrame(t, l)
	rebuilt := ws.Swapchain()
	if rebuilt == first {
		t.Fatal("swapchain was not rebuilt on a suboptimal acquisition")
	}
	waitIdle(t, dev)
	if n := dev.Presented(rebuilt); n != 1 {
		t.Fatalf("presented %d frame(s) after the retry, want 1", n)
	}
	assertNoValidationErrors(t, dev)
}

func TestSubmitFailureAbandonsTheFrame(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	_, ws := newTestWindow(t, ctx, "lost", 200, 200, 2)
	l := newTestLoop(t, ctx, 2, ws)

	if err := l.BeginFrame(); err != nil {
		t.Fatalf("BeginFrame: %v", err)
	}
	dev.InjectFault(software.OpQueueSubmit, driver.ErrorDeviceLost)
	if err := l.EndFrame(nil); !errors.Is(err, driver.ErrorDeviceLost) {
		t.Fatalf("expected ErrorDeviceLost, got %v", err)
	}
	for i := 0; i < 4; i++ {
		runFrame(t, l)
	}
	waitIdle(t, dev)
	if n := dev.Presented(ws.Swapchain()); n != 4 {
		t.Fatalf("presented %d frame(s) after recovering, want 4", n)
	}
	assertNoValidationErrors(t, dev)
}

func TestPresentFailureReplacesSemaphores(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	_, ws := newTestWindow(t, ctx, "unpresentable", 200, 200, 2)
	l := newTestLoop(t, ctx, 2, ws)

	if err := l.BeginFrame(); err != nil {
		t.Fatalf("BeginFrame: %v", err)
	}
	dev.InjectFault(software.OpQueuePresent, driver.ErrorDeviceLost)
	if err := l.EndFrame(nil); !errors.Is(err, driver.ErrorDeviceLost) {
		t.Fatalf("expected ErrorDeviceLost, got %v", err)
	}
	for i := 0; i < 4; i++ {
		runFrame(t, l)
	}
	waitIdle(t, dev)
	if n := dev.Presented(ws.Swapchain()); n != 4 {
		t.Fatalf("presented %d frame(s) after recovering, want 4", n)
	}
	assertNoValidationErrors(t, dev)
}

func TestContinuationsRunAtBeginFrame(t *testing.T) {
	ctx, _, _ := newTestContext(t)
	l := newTestLoop(t, ctx, 2)

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := l.Enqueue(func() error {
				ran.Add(1)
				if i == 0 {
					return errors.New("failed load")
				}
				return nil
			})
			if err != nil {
				t.Errorf("Enqueue: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if ran.Load() != 0 {
		t.Fatal("continuations ran before BeginFrame")
	}
	runFrame(t, l)
	if ran.Load() != 10 {
		t.Fatalf("%d continuation(s) ran, want 10", ran.Load())
	}

	l.Destroy()
	if err := l.Enqueue(func() error { return nil }); !errors.Is(err, core.ErrEnqueueFailed) {
		t.Fatalf("expected ErrEnqueueFailed, got %v", err)
	}
}

func TestFrameLoopArguments(t *testing.T) {
	ctx, _, _ := newTestContext(t)
	if _, err := NewFrameLoop(ctx, 0); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("zero frames: %v", err)
	}
	l := newTestLoop(t, ctx, 2)
	if _, err := NewFrameLoop(ctx, 2); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("second frame loop: %v", err)
	}

	_, ws := newTestWindow(t, ctx, "three", 100, 100, 3)
	if err := l.AddWindow(ws); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for a frame count mismatch, got %v", err)
	}
	if len(l.Windows()) != 0 {
		t.Fatal("mismatched window was attached")
	}
}

func TestRemoveWindowKeepsTheLoopRunning(t *testing.T) {
	ctx, inst, dev := newTestContext(t)
	_, a := newTestWindow(t, ctx, "a", 100, 100, 2)
	_, b := newTestWindow(t, ctx, "b", 100, 100, 2)
	l := newTestLoop(t, ctx, 2, a, b)

	runFrame(t, l)
	l.RemoveWindow(a)
	if ws := l.Windows(); len(ws) != 1 || ws[0] != b {
		t.Fatalf("windows = %v", ws)
	}
	if a.State() != SurfaceDestroyed || inst.LiveSurfaces() != 1 {
		t.Fatal("removed window was not destroyed")
	}
	runFrame(t, l)
	runFrame(t, l)
	waitIdle(t, dev)
	if n := dev.Presented(b.Swapchain()); n != 3 {
		t.Fatalf("presented %d frame(s), want 3", n)
	}
	assertNoValidationErrors(t, dev)
}

func TestFrameLoopDestroy(t *testing.T) {
	ctx, inst, dev := newTestContext(t)
	before := dev.LiveObjects()
	w := platform.NewHeadlessWindow("owned", platform.Extent{Width: 64, Height: 64})
	ws, err := CreateWindowSurface(ctx, w, 2)
	if err != nil {
		t.Fatalf("CreateWindowSurface: %v", err)
	}
	l, err := NewFrameLoop(ctx, 2)
	if err != nil {
		t.Fatalf("NewFrameLoop: %v", err)
	}
	if err := l.AddWindow(ws); err != nil {
		t.Fatalf("AddWindow: %v", err)
	}
	runFrame(t, l)
	runFrame(t, l)

	l.Destroy()
	l.Destroy()
	if ws.State() != SurfaceDestroyed || inst.LiveSurfaces() != 0 {
		t.Fatal("attached windows must be destroyed with the loop")
	}
	after := dev.LiveObjects()
	for _, kind := range []string{"fence", "semaphore", "swapchain", "framebuffer", "imageView", "commandPool"} {
		if after[kind] != before[kind] {
			t.Errorf("%s: %d alive, %d before", kind, after[kind], before[kind])
		}
	}

	// The context accepts a new loop afterwards.
	l2 := newTestLoop(t, ctx, 3)
	if l2.FramesInFlight() != 3 {
		t.Fatal("unexpected frames in flight")
	}
	assertNoValidationErrors(t, dev)
}

func TestRenderablesRecordIntoSecondaries(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	_, ws := newTestWindow(t, ctx, "scene", 400, 300, 2)
	l := newTestLoop(t, ctx, 2, ws)

	meshPipeline := newTestPipeline(t, ctx, ws.RenderPass, 64)
	vertices, err := ctx.CreateBufferWithData(pattern(3*12), driver.BufferUsageVertex|driver.BufferUsageRayTracing, MemoryGPUOnly)
	if err != nil {
		t.Fatalf("CreateBufferWithData: %v", err)
	}
	defer vertices.Destroy()
	indices, err := ctx.CreateBufferWithData(pattern(3*4), driver.BufferUsageIndex, MemoryGPUOnly)
	if err != nil {
		t.Fatalf("CreateBufferWithData: %v", err)
	}
	defer indices.Destroy()

	atlas, err := ctx.CreateImageWithData(ImageDesc{
		Format: driver.FormatR8Unorm,
		Extent: driver.Extent3D{Width: 8, Height: 8},
		Usage:  driver.ImageUsageSampled,
	}, pattern(64), MemoryGPUOnly)
	if err != nil {
		t.Fatalf("CreateImageWithData: %v", err)
	}
	defer atlas.Destroy()
	quads, err := ctx.AllocateBuffer(6*16, driver.BufferUsageVertex, MemoryCPUToGPU)
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	defer quads.Destroy()

	as, err := ctx.CreateAccelerationStructure(driver.AccelerationStructureBottomLevel, 1, 0)
	if err != nil {
		t.Fatalf("CreateAccelerationStructure: %v", err)
	}
	defer as.Destroy()
	unbuilt := &TracedMeshRenderable{Pipeline: newTestPipeline(t, ctx, ws.RenderPass, 16), Structure: as}

	renderables := []Renderable{
		&MeshRenderable{Pipeline: meshPipeline, Vertices: vertices, VertexCount: 3},
		&MeshRenderable{Pipeline: meshPipeline, Vertices: vertices, Indices: indices, IndexCount: 3, IndexType: driver.IndexTypeUint32},
		&OverlayRenderable{Pipeline: newTestPipeline(t, ctx, ws.RenderPass, 8), Atlas: atlas, Quads: quads, QuadCount: 1},
		&OverlayRenderable{},
		unbuilt,
		fullscreen(t, ctx, ws),
	}
	runFrame(t, l, renderables...)
	waitIdle(t, dev)
	passes := dev.RenderPasses()
	if len(passes) != 1 || passes[0].Draws != 4 {
		t.Fatalf("render passes = %+v, want one pass with 4 draws", passes)
	}

	geometry := driver.AccelerationStructureGeometry{VertexBuffer: vertices.Handle, VertexCount: 3, VertexStride: 12, VertexFormat: driver.FormatR32G32B32Sfloat}
	if err := as.Build(geometry); err != nil {
		t.Fatalf("Build: %v", err)
	}
	as.MarkDirty()
	runFrame(t, l, renderables...)
	waitIdle(t, dev)
	if n := dev.AccelerationStructureBuilds(as.Handle); n != 2 {
		t.Fatalf("%d builds, dirty structure must be rebuilt at BeginFrame", n)
	}
	passes = dev.RenderPasses()
	if len(passes) != 2 || passes[1].Draws != 5 {
		t.Fatalf("render passes = %+v, the built structure must draw", passes)
	}
	assertNoValidationErrors(t, dev)
}
