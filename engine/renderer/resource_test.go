package renderer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/driver/software"
)

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func TestBufferArmedInvariant(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	buf, err := ctx.AllocateBuffer(512, driver.BufferUsageVertex, MemoryGPUOnly)
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	if !buf.Armed() || buf.Handle == 0 || buf.Allocation == nil {
		t.Fatalf("fresh buffer is not armed: %+v", buf)
	}
	if dev.Name(uint64(buf.Handle)) != buf.Name || buf.Name == "" {
		t.Fatalf("buffer has no debug name")
	}

	buf.Destroy()
	if buf.Armed() || buf.Handle != 0 || buf.Allocation != nil {
		t.Fatalf("destroyed buffer is still armed: %+v", buf)
	}
	buf.Destroy()
	assertNoValidationErrors(t, dev)
	assertStats(t, ctx, AllocatorStats{})

	var nilBuf *Buffer
	nilBuf.Destroy()
	if nilBuf.Armed() {
		t.Fatal("nil buffer reports armed")
	}
}

func TestAllocateBufferRejectsZeroSize(t *testing.T) {
	ctx, _, _ := newTestContext(t)
	if _, err := ctx.AllocateBuffer(0, driver.BufferUsageVertex, MemoryGPUOnly); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestCreateBufferWithDataRoundTrip(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	data := pattern(256)
	buf, err := ctx.CreateBufferWithData(data, driver.BufferUsageStorage|driver.BufferUsageTransferSrc, MemoryGPUOnly)
	if err != nil {
		t.Fatalf("CreateBufferWithData: %v", err)
	}
	defer buf.Destroy()

	got, err := ctx.ReadBuffer(buf)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("buffer content differs from the uploaded data")
	}
	if n := dev.LiveObjects()["buffer"]; n != 1 {
		t.Fatalf("%d buffers alive, staging and readback must be gone", n)
	}
	assertNoValidationErrors(t, dev)
}

func TestCreateBufferWithDataCleansUpOnFailure(t *testing.T) {
	tests := []struct {
		op    software.Op
		count int
	}{
		{software.OpCreateBuffer, 1},
		{software.OpAllocateMemory, 2},
		{software.OpBindBufferMemory, 1},
		{software.OpMapMemory, 1},
		{software.OpAllocateCommandBuffer, 1},
		{software.OpBeginCommandBuffer, 1},
		{software.OpEndCommandBuffer, 1},
		{software.OpQueueSubmit, 1},
	}
	ctx, _, dev := newTestContext(t)
	baseline := ctx.Allocator.Stats()
	objects := dev.LiveObjects()

	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			for i := 0; i < tt.count; i++ {
				dev.InjectFault(tt.op, driver.ErrorOutOfDeviceMemory)
			}
			buf, err := ctx.CreateBufferWithData(pattern(256), driver.BufferUsageVertex, MemoryGPUOnly)
			if err == nil {
				buf.Destroy()
				t.Fatal("expected an error")
			}
			if !errors.Is(err, driver.ErrorOutOfDeviceMemory) {
				t.Fatalf("error does not carry the driver result: %v", err)
			}
			if !IsDeviceError(err) {
				t.Fatalf("IsDeviceError(%v) = false", err)
			}
			assertStats(t, ctx, baseline)
			live := dev.LiveObjects()
			for _, kind := range []string{"buffer", "memory", "commandBuffer"} {
				if live[kind] != objects[kind] {
					t.Fatalf("%s leaked: %d alive, %d before", kind, live[kind], objects[kind])
				}
			}
		})
	}

	// The queue slot is still usable after every failure.
	buf, err := ctx.CreateBufferWithData(pattern(64), driver.BufferUsageVertex, MemoryGPUOnly)
	if err != nil {
		t.Fatalf("CreateBufferWithData after failures: %v", err)
	}
	buf.Destroy()
	assertNoValidationErrors(t, dev)
}

func TestReallocateBufferKeepsTheOriginal(t *testing.T) {
	ctx, _, _ := newTestContext(t)
	buf, err := ctx.AllocateBuffer(128, driver.BufferUsageIndex|driver.BufferUsageTransferDst, MemoryGPUOnly)
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	defer buf.Destroy()
	grown, err := ctx.ReallocateBuffer(buf, 4096)
	if err != nil {
		t.Fatalf("ReallocateBuffer: %v", err)
	}
	defer grown.Destroy()
	if !buf.Armed() {
		t.Fatal("the original buffer must stay alive")
	}
	if grown.Size != 4096 || grown.Usage != buf.Usage || grown.MemoryUsage != buf.MemoryUsage {
		t.Fatalf("reallocated buffer = %+v", grown)
	}
}

func TestReallocateImageKeepsTheOriginal(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	img, err := ctx.AllocateImage(ImageDesc{
		Format: driver.FormatR8G8B8A8Unorm,
		Extent: driver.Extent3D{Width: 16, Height: 16},
		Usage:  driver.ImageUsageSampled | driver.ImageUsageTransferDst,
	}, MemoryGPUOnly)
	if err != nil {
		t.Fatalf("AllocateImage: %v", err)
	}
	defer img.Destroy()
	grown, err := ctx.ReallocateImage(img, driver.Extent3D{Width: 64, Height: 32, Depth: 1})
	if err != nil {
		t.Fatalf("ReallocateImage: %v", err)
	}
	defer grown.Destroy()
	if !img.Armed() {
		t.Fatal("the original image must stay alive")
	}
	if grown.Desc.Extent.Width != 64 || grown.Desc.Extent.Height != 32 ||
		grown.Desc.Format != img.Desc.Format || grown.Desc.Usage != img.Desc.Usage || grown.MemoryUsage != img.MemoryUsage {
		t.Fatalf("reallocated image = %+v", grown)
	}
	if grown.Layout != driver.LayoutUndefined {
		t.Fatalf("reallocated image starts in %s", grown.Layout)
	}
	if _, err := ctx.ReallocateImage(nil, driver.Extent3D{Width: 1, Height: 1}); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	assertNoValidationErrors(t, dev)
}

func TestUploadBoundsCheck(t *testing.T) {
	ctx, _, _ := newTestContext(t)
	buf, err := ctx.AllocateBuffer(16, driver.BufferUsageUniform, MemoryCPUToGPU)
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	defer buf.Destroy()
	if err := buf.Upload(8, make([]byte, 8)); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := buf.Upload(9, make([]byte, 8)); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestBytesPerTexel(t *testing.T) {
	if n, err := BytesPerTexel(driver.FormatR32G32B32A32Sfloat); err != nil || n != 16 {
		t.Fatalf("BytesPerTexel(RGBA32F) = %d, %v", n, err)
	}
	if _, err := BytesPerTexel(driver.FormatUndefined); !errors.Is(err, core.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestImageDescSizes(t *testing.T) {
	desc := ImageDesc{Format: driver.FormatR8G8B8A8Unorm, Extent: driver.Extent3D{Width: 8, Height: 4}, MipLevels: 4, ArrayLayers: 2}
	// 8x4, 4x2, 2x1, 1x1 texels per layer
	want := uint64((32 + 8 + 2 + 1) * 2 * 4)
	if got, err := desc.DataSize(); err != nil || got != want {
		t.Fatalf("DataSize = %d, %v; want %d", got, err, want)
	}
	if e := desc.MipExtent(3); e.Width != 1 || e.Height != 1 || e.Depth != 1 {
		t.Fatalf("MipExtent(3) = %+v", e)
	}
}

func TestCreateImageWithData(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	desc := ImageDesc{
		Type:      driver.ImageType2D,
		Format:    driver.FormatR8G8B8A8Unorm,
		Extent:    driver.Extent3D{Width: 4, Height: 4},
		MipLevels: 2,
		Usage:     driver.ImageUsageSampled,
	}
	img, err := ctx.CreateImageWithData(desc, pattern(80), MemoryGPUOnly)
	if err != nil {
		t.Fatalf("CreateImageWithData: %v", err)
	}
	defer img.Destroy()
	if img.Layout != driver.LayoutShaderReadOnly || dev.ImageLayout(img.Handle) != driver.LayoutShaderReadOnly {
		t.Fatalf("image ended in %s (device says %s)", img.Layout, dev.ImageLayout(img.Handle))
	}

	view, err := ctx.CreateImageView(img, ImageViewDesc{ViewType: driver.ImageViewType2D})
	if err != nil {
		t.Fatalf("CreateImageView: %v", err)
	}
	view.Destroy()
	view.Destroy()

	general, err := ctx.CreateImageWithData(desc, pattern(80), MemoryCPUToGPU)
	if err != nil {
		t.Fatalf("CreateImageWithData: %v", err)
	}
	defer general.Destroy()
	if general.Layout != driver.LayoutGeneral {
		t.Fatalf("host image ended in %s, want general", general.Layout)
	}
	assertNoValidationErrors(t, dev)
}

func TestCreateImageWithDataRejectsBadInput(t *testing.T) {
	ctx, _, _ := newTestContext(t)
	desc := ImageDesc{Format: driver.FormatR8G8B8A8Unorm, Extent: driver.Extent3D{Width: 4, Height: 4}}
	if _, err := ctx.CreateImageWithData(desc, pattern(63), MemoryGPUOnly); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	desc.Format = driver.FormatR32G32Sfloat
	if _, err := ctx.CreateImageWithData(desc, pattern(128), MemoryGPUOnly); !errors.Is(err, core.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	assertStats(t, ctx, AllocatorStats{})
}

func TestCreateImageWithDataCleansUpOnFailure(t *testing.T) {
	tests := []software.Op{
		software.OpCreateImage,
		software.OpBindImageMemory,
		software.OpQueueSubmit,
	}
	ctx, _, dev := newTestContext(t)
	desc := ImageDesc{Format: driver.FormatR8G8B8A8Unorm, Extent: driver.Extent3D{Width: 4, Height: 4}, Usage: driver.ImageUsageSampled}
	for _, op := range tests {
		t.Run(string(op), func(t *testing.T) {
			dev.InjectFault(op, driver.ErrorOutOfDeviceMemory)
			if _, err := ctx.CreateImageWithData(desc, pattern(64), MemoryGPUOnly); err == nil {
				t.Fatal("expected an error")
			}
			assertStats(t, ctx, AllocatorStats{})
			live := dev.LiveObjects()
			if live["image"] != 0 || live["buffer"] != 0 {
				t.Fatalf("leaked objects: %v", live)
			}
		})
	}
	assertNoValidationErrors(t, dev)
}

func TestTransitionTable(t *testing.T) {
	supported := []layoutPair{
		{driver.LayoutUndefined, driver.LayoutTransferDst},
		{driver.LayoutUndefined, driver.LayoutShaderReadOnly},
		{driver.LayoutUndefined, driver.LayoutGeneral},
		{driver.LayoutTransferDst, driver.LayoutShaderReadOnly},
		{driver.LayoutTransferDst, driver.LayoutGeneral},
		{driver.LayoutUndefined, driver.LayoutDepthStencilAttachment},
		{driver.LayoutUndefined, driver.LayoutColorAttachment},
	}
	if len(transitions) != len(supported) {
		t.Fatalf("table has %d entries, want %d", len(transitions), len(supported))
	}
	for _, p := range supported {
		m, err := lookupTransition(p.from, p.to)
		if err != nil {
			t.Errorf("%s -> %s: %v", p.from, p.to, err)
			continue
		}
		if m.srcStage == 0 || m.dstStage == 0 || m.dstAccess == 0 {
			t.Errorf("%s -> %s has empty masks: %+v", p.from, p.to, m)
		}
	}

	layouts := []driver.Layout{
		driver.LayoutUndefined, driver.LayoutGeneral, driver.LayoutColorAttachment,
		driver.LayoutDepthStencilAttachment, driver.LayoutShaderReadOnly,
		driver.LayoutTransferSrc, driver.LayoutTransferDst, driver.LayoutPresentSrc,
	}
	for _, from := range layouts {
		for _, to := range layouts {
			if _, ok := transitions[layoutPair{from, to}]; ok {
				continue
			}
			if _, err := lookupTransition(from, to); !errors.Is(err, core.ErrImageTransitionFailed) {
				t.Errorf("%s -> %s: expected ErrImageTransitionFailed, got %v", from, to, err)
			}
		}
	}
}

func TestTransitionImageRejectsUnknownPairs(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	img, err := ctx.AllocateImage(ImageDesc{
		Format: driver.FormatR8G8B8A8Unorm,
		Extent: driver.Extent3D{Width: 2, Height: 2},
		Usage:  driver.ImageUsageSampled,
	}, MemoryGPUOnly)
	if err != nil {
		t.Fatalf("AllocateImage: %v", err)
	}
	defer img.Destroy()

	before := len(dev.CompletedSubmissions(ctx.Queue(0)))
	if err := ctx.TransitionImage(img, driver.LayoutShaderReadOnly, driver.LayoutTransferDst); !errors.Is(err, core.ErrImageTransitionFailed) {
		t.Fatalf("expected ErrImageTransitionFailed, got %v", err)
	}
	if after := len(dev.CompletedSubmissions(ctx.Queue(0))); after != before {
		t.Fatal("an unsupported transition must not submit anything")
	}

	dev.InjectFault(software.OpQueueSubmit, driver.ErrorDeviceLost)
	err = ctx.TransitionImage(img, driver.LayoutUndefined, driver.LayoutTransferDst)
	if !errors.Is(err, driver.ErrorDeviceLost) || errors.Is(err, core.ErrImageTransitionFailed) {
		t.Fatalf("submit failure must keep its driver result only, got %v", err)
	}
	if img.Layout != driver.LayoutUndefined {
		t.Fatalf("layout moved to %s after a failed submit", img.Layout)
	}

	if err := ctx.TransitionImage(img, driver.LayoutUndefined, driver.LayoutTransferDst); err != nil {
		t.Fatalf("TransitionImage: %v", err)
	}
	if dev.ImageLayout(img.Handle) != driver.LayoutTransferDst {
		t.Fatalf("device layout is %s", dev.ImageLayout(img.Handle))
	}
	assertNoValidationErrors(t, dev)
}

func TestDepthTransitionUsesDepthAspect(t *testing.T) {
	if AspectFor(driver.FormatD32Sfloat) != driver.AspectDepth {
		t.Fatal("depth format must use the depth aspect")
	}
	if AspectFor(driver.FormatR8G8B8A8Unorm) != driver.AspectColor {
		t.Fatal("color format must use the color aspect")
	}
	ctx, _, dev := newTestContext(t)
	depth, err := ctx.AllocateImage(ImageDesc{
		Format: driver.FormatD32Sfloat,
		Extent: driver.Extent3D{Width: 16, Height: 16},
		Usage:  driver.ImageUsageDepthStencilAttachment,
	}, MemoryGPUOnly)
	if err != nil {
		t.Fatalf("AllocateImage: %v", err)
	}
	defer depth.Destroy()
	if err := ctx.TransitionImage(depth, driver.LayoutUndefined, driver.LayoutDepthStencilAttachment); err != nil {
		t.Fatalf("TransitionImage: %v", err)
	}
	assertNoValidationErrors(t, dev)
}

func TestOneTimeSubmitsExecuteInOrder(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	usage := driver.BufferUsageTransferSrc | driver.BufferUsageTransferDst
	var chain []*Buffer
	for i := 0; i < 6; i++ {
		b, err := ctx.AllocateBuffer(64, usage, MemoryCPUToGPU)
		if err != nil {
			t.Fatalf("AllocateBuffer: %v", err)
		}
		defer b.Destroy()
		chain = append(chain, b)
	}
	data := pattern(64)
	if err := chain[0].Upload(0, data); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	queue := ctx.Queue(0)
	before := len(dev.CompletedSubmissions(queue))
	for i := 0; i < 5; i++ {
		if err := ctx.CopyBuffer(chain[i], chain[i+1], 64); err != nil {
			t.Fatalf("copy %d: %v", i, err)
		}
	}
	done := dev.CompletedSubmissions(queue)[before:]
	if len(done) != 5 {
		t.Fatalf("%d submissions completed, want 5", len(done))
	}
	for i := 1; i < len(done); i++ {
		if done[i] <= done[i-1] {
			t.Fatalf("submissions completed out of order: %v", done)
		}
	}
	last, _ := chain[5].Map()
	if !bytes.Equal(last, data) {
		t.Fatal("data did not travel through the chain")
	}
	assertNoValidationErrors(t, dev)
}

func TestOneTimeSubmitFailures(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	if err := ctx.OneTimeSubmit(7, func(driver.CommandBuffer) error { return nil }); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	cbs := dev.LiveObjects()["commandBuffer"]
	boom := errors.New("boom")
	if err := ctx.OneTimeSubmit(0, func(driver.CommandBuffer) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("record error not returned: %v", err)
	}
	if n := dev.LiveObjects()["commandBuffer"]; n != cbs {
		t.Fatalf("command buffer leaked: %d alive, %d before", n, cbs)
	}
	if err := ctx.OneTimeSubmit(1, func(driver.CommandBuffer) error { return nil }); err != nil {
		t.Fatalf("OneTimeSubmit on queue 1: %v", err)
	}
	if err := ctx.OneTimeSubmit(0, func(driver.CommandBuffer) error { return nil }); err != nil {
		t.Fatalf("OneTimeSubmit after a failed record: %v", err)
	}
	assertNoValidationErrors(t, dev)
}

func TestOneTimeSubmitRecoversFromAFailedWait(t *testing.T) {
	ctx, _, dev := newTestContext(t)
	cbs := dev.LiveObjects()["commandBuffer"]

	dev.InjectFault(software.OpWaitForFences, driver.ErrorDeviceLost)
	err := ctx.OneTimeSubmit(0, func(driver.CommandBuffer) error { return nil })
	if !errors.Is(err, driver.ErrorDeviceLost) {
		t.Fatalf("expected the wait failure, got %v", err)
	}
	if n := dev.LiveObjects()["commandBuffer"]; n != cbs {
		t.Fatalf("command buffer not freed after draining: %d alive, %d before", n, cbs)
	}

	// the queue fence was reset: uploads keep working
	buf, err := ctx.CreateBufferWithData(pattern(64), driver.BufferUsageVertex, MemoryGPUOnly)
	if err != nil {
		t.Fatalf("CreateBufferWithData after a failed wait: %v", err)
	}
	buf.Destroy()
	if err := ctx.OneTimeSubmit(0, func(driver.CommandBuffer) error { return nil }); err != nil {
		t.Fatalf("OneTimeSubmit after a failed wait: %v", err)
	}
	assertNoValidationErrors(t, dev)
}
