package software

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

func newTestDevice(t *testing.T) (*Instance, *Device) {
	t.Helper()
	inst := NewInstance()
	pds, err := inst.PhysicalDevices()
	if err != nil || len(pds) != 1 {
		t.Fatalf("PhysicalDevices() = %v, %v", pds, err)
	}
	dev, err := inst.CreateDevice(pds[0].Handle, driver.DeviceCreateInfo{
		QueueFamilyIndex: 1,
		QueueCount:       2,
		Extensions:       []string{ExtensionSwapchain},
	})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	d := dev.(*Device)
	t.Cleanup(func() {
		d.Destroy()
		inst.Destroy()
	})
	return inst, d
}

func hostBuffer(t *testing.T, d *Device, size uint64, usage driver.BufferUsage) (driver.Buffer, driver.Memory) {
	t.Helper()
	b, req, err := d.CreateBuffer(driver.BufferCreateInfo{Size: size, Usage: usage})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	m, err := d.AllocateMemory(req.Size, 1)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	if err := d.BindBufferMemory(b, m, 0); err != nil {
		t.Fatalf("BindBufferMemory: %v", err)
	}
	return b, m
}

func recordOnce(t *testing.T, d *Device, pool driver.CommandPool, fn func(cb driver.CommandBuffer)) driver.CommandBuffer {
	t.Helper()
	cb, err := d.AllocateCommandBuffer(pool, driver.CommandBufferPrimary)
	if err != nil {
		t.Fatalf("AllocateCommandBuffer: %v", err)
	}
	if err := d.BeginCommandBuffer(cb, driver.CommandBufferBeginInfo{OneTimeSubmit: true}); err != nil {
		t.Fatalf("BeginCommandBuffer: %v", err)
	}
	fn(cb)
	if err := d.EndCommandBuffer(cb); err != nil {
		t.Fatalf("EndCommandBuffer: %v", err)
	}
	return cb
}

func TestCreateDeviceRejectsMissingFeature(t *testing.T) {
	spec := DefaultDeviceSpec()
	spec.Features = driver.FeatureSamplerAnisotropy
	inst := NewInstance(WithDevices(spec))
	defer inst.Destroy()

	_, err := inst.CreateDevice(1, driver.DeviceCreateInfo{
		QueueFamilyIndex: 1,
		QueueCount:       1,
		Features:         driver.FeatureRayTracing,
	})
	if !errors.Is(err, driver.ErrorFeatureNotPresent) {
		t.Fatalf("expected ErrorFeatureNotPresent, got %v", err)
	}
	if inst.LiveDevices() != 0 {
		t.Fatalf("no device should be alive, got %d", inst.LiveDevices())
	}
}

func TestCopyBufferExecutesOnQueue(t *testing.T) {
	_, d := newTestDevice(t)

	src, srcMem := hostBuffer(t, d, 256, driver.BufferUsageTransferSrc)
	dst, dstMem := hostBuffer(t, d, 256, driver.BufferUsageTransferDst)

	data, err := d.MapMemory(srcMem, 0, 256)
	if err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	for i := range data {
		data[i] = byte(i)
	}
	d.UnmapMemory(srcMem)

	pool, _ := d.CreateCommandPool(driver.CommandPoolCreateInfo{Transient: true})
	cb := recordOnce(t, d, pool, func(cb driver.CommandBuffer) {
		d.CmdCopyBuffer(cb, src, dst, []driver.BufferCopy{{Size: 256}})
	})
	fence, _ := d.CreateFence(false)
	q := d.Queue(0)
	if err := d.QueueSubmit(q, []driver.SubmitInfo{{CommandBuffers: []driver.CommandBuffer{cb}}}, fence); err != nil {
		t.Fatalf("QueueSubmit: %v", err)
	}
	if err := d.WaitForFences([]driver.Fence{fence}, driver.Forever); err != nil {
		t.Fatalf("WaitForFences: %v", err)
	}

	out, err := d.MapMemory(dstMem, 0, 256)
	if err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	want := make([]byte, 256)
	for i := range want {
		want[i] = byte(i)
	}
	if !bytes.Equal(out, want) {
		t.Fatal("destination buffer does not hold the copied bytes")
	}
	d.UnmapMemory(dstMem)

	if got := d.CompletedSubmissions(q); len(got) != 1 || got[0] != 1 {
		t.Fatalf("CompletedSubmissions() = %v", got)
	}

	d.FreeCommandBuffer(pool, cb)
	d.DestroyCommandPool(pool)
	d.DestroyFence(fence)
	d.DestroyBuffer(src)
	d.DestroyBuffer(dst)
	d.FreeMemory(srcMem)
	d.FreeMemory(dstMem)
	if v := d.ValidationErrors(); len(v) != 0 {
		t.Fatalf("unexpected validation errors: %v", v)
	}
	for kind, n := range d.LiveObjects() {
		if n != 0 {
			t.Errorf("%d live %s object(s) left", n, kind)
		}
	}
}

func TestWaitForFencesTimesOutWhileQueuePaused(t *testing.T) {
	_, d := newTestDevice(t)
	q := d.Queue(0)
	pool, _ := d.CreateCommandPool(driver.CommandPoolCreateInfo{})
	cb := recordOnce(t, d, pool, func(driver.CommandBuffer) {})
	fence, _ := d.CreateFence(false)

	d.PauseQueue(q)
	if err := d.QueueSubmit(q, []driver.SubmitInfo{{CommandBuffers: []driver.CommandBuffer{cb}}}, fence); err != nil {
		t.Fatalf("QueueSubmit: %v", err)
	}
	err := d.WaitForFences([]driver.Fence{fence}, uint64(10*time.Millisecond))
	if !errors.Is(err, driver.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if err := d.ResetFences([]driver.Fence{fence}); err == nil {
		t.Fatal("resetting a pending fence should fail")
	}
	d.ResumeQueue(q)
	if err := d.WaitForFences([]driver.Fence{fence}, driver.Forever); err != nil {
		t.Fatalf("WaitForFences after resume: %v", err)
	}
	if ok, _ := d.FenceStatus(fence); !ok {
		t.Fatal("fence should be signaled")
	}
	d.DestroyFence(fence)
	d.DestroyCommandPool(pool)
}

func TestWaitOnIdleUnsignaledFenceIsInvalid(t *testing.T) {
	_, d := newTestDevice(t)
	fence, _ := d.CreateFence(false)
	if err := d.WaitForFences([]driver.Fence{fence}, driver.Forever); !errors.Is(err, driver.ErrorValidationFailed) {
		t.Fatalf("expected ErrorValidationFailed, got %v", err)
	}
	d.DestroyFence(fence)
}

func TestInjectedFaultsAreConsumedInOrder(t *testing.T) {
	_, d := newTestDevice(t)
	d.InjectFault(OpAllocateMemory, driver.ErrorOutOfDeviceMemory)
	d.InjectFault(OpAllocateMemory, driver.ErrorOutOfHostMemory)

	if _, err := d.AllocateMemory(64, 0); !errors.Is(err, driver.ErrorOutOfDeviceMemory) {
		t.Fatalf("first allocation: %v", err)
	}
	if _, err := d.AllocateMemory(64, 0); !errors.Is(err, driver.ErrorOutOfHostMemory) {
		t.Fatalf("second allocation: %v", err)
	}
	m, err := d.AllocateMemory(64, 0)
	if err != nil {
		t.Fatalf("third allocation: %v", err)
	}
	d.FreeMemory(m)
}

func TestHeapBudgetIsEnforced(t *testing.T) {
	_, d := newTestDevice(t)
	if _, err := d.AllocateMemory(257<<20, 1); !errors.Is(err, driver.ErrorOutOfDeviceMemory) {
		t.Fatalf("expected ErrorOutOfDeviceMemory, got %v", err)
	}
	if _, err := d.MapMemory(0, 0, 1); err == nil {
		t.Fatal("mapping an unknown memory should fail")
	}
}

func TestSwapchainOutOfDateAfterSurfaceResize(t *testing.T) {
	inst, d := newTestDevice(t)
	surf, _ := inst.CreateHeadlessSurface(driver.Extent2D{Width: 64, Height: 32})
	defer inst.DestroySurface(surf)

	supported, err := d.SurfaceSupport(surf)
	if err != nil || !supported {
		t.Fatalf("SurfaceSupport() = %v, %v", supported, err)
	}
	caps, _ := d.SurfaceCapabilities(surf)
	sc, err := d.CreateSwapchain(driver.SwapchainCreateInfo{
		Surface:       surf,
		MinImageCount: caps.MinImageCount,
		Format:        driver.FormatB8G8R8A8Unorm,
		Extent:        caps.CurrentExtent,
		Usage:         driver.ImageUsageColorAttachment,
	})
	if err != nil {
		t.Fatalf("CreateSwapchain: %v", err)
	}
	images, _ := d.SwapchainImages(sc)
	if len(images) != 2 {
		t.Fatalf("expected 2 images, got %d", len(images))
	}

	sem, _ := d.CreateSemaphore()
	idx, res, err := d.AcquireNextImage(sc, driver.Forever, sem)
	if err != nil || res != driver.Success || idx != 0 {
		t.Fatalf("AcquireNextImage() = %d, %v, %v", idx, res, err)
	}
	results, err := d.QueuePresent(d.Queue(0), driver.PresentInfo{
		WaitSemaphores: []driver.Semaphore{sem},
		Swapchains:     []driver.Swapchain{sc},
		ImageIndices:   []uint32{idx},
	})
	if err != nil || results[0] != driver.Success {
		t.Fatalf("QueuePresent() = %v, %v", results, err)
	}
	if err := d.QueueWaitIdle(d.Queue(0)); err != nil {
		t.Fatal(err)
	}
	if d.Presented(sc) != 1 {
		t.Fatalf("expected one present, got %d", d.Presented(sc))
	}

	if err := inst.ResizeHeadlessSurface(surf, driver.Extent2D{Width: 128, Height: 64}); err != nil {
		t.Fatal(err)
	}
	if _, res, err := d.AcquireNextImage(sc, driver.Forever, sem); res != driver.ErrorOutOfDate || err == nil {
		t.Fatalf("expected ErrorOutOfDate, got %v, %v", res, err)
	}

	next, err := d.CreateSwapchain(driver.SwapchainCreateInfo{
		Surface:       surf,
		MinImageCount: 2,
		Format:        driver.FormatB8G8R8A8Unorm,
		Extent:        driver.Extent2D{Width: 128, Height: 64},
		Usage:         driver.ImageUsageColorAttachment,
		OldSwapchain:  sc,
	})
	if err != nil {
		t.Fatalf("CreateSwapchain with old swapchain: %v", err)
	}
	d.DestroySwapchain(sc)
	if _, res, _ := d.AcquireNextImage(next, driver.Forever, sem); res != driver.Success {
		t.Fatalf("new swapchain acquire: %v", res)
	}
	d.DestroySwapchain(next)
	d.DestroySemaphore(sem)
	if v := d.ValidationErrors(); len(v) != 0 {
		t.Fatalf("unexpected validation errors: %v", v)
	}
}

func TestForcedSwapchainImageCount(t *testing.T) {
	inst, d := newTestDevice(t)
	surf, _ := inst.CreateHeadlessSurface(driver.Extent2D{Width: 8, Height: 8})
	defer inst.DestroySurface(surf)
	d.SetSwapchainImageCount(3)

	sc, err := d.CreateSwapchain(driver.SwapchainCreateInfo{
		Surface:       surf,
		MinImageCount: 2,
		Format:        driver.FormatB8G8R8A8Unorm,
		Extent:        driver.Extent2D{Width: 8, Height: 8},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer d.DestroySwapchain(sc)
	images, _ := d.SwapchainImages(sc)
	if len(images) != 3 {
		t.Fatalf("expected 3 images, got %d", len(images))
	}
}

func TestRenderPassWithDestroyedFramebufferIsFlagged(t *testing.T) {
	_, d := newTestDevice(t)

	img, req, err := d.CreateImage(driver.ImageCreateInfo{
		Type:        driver.ImageType2D,
		Format:      driver.FormatR8G8B8A8Unorm,
		Extent:      driver.Extent3D{Width: 4, Height: 4, Depth: 1},
		MipLevels:   1,
		ArrayLayers: 1,
		Samples:     driver.Samples1,
		Usage:       driver.ImageUsageColorAttachment,
	})
	if err != nil {
		t.Fatal(err)
	}
	mem, _ := d.AllocateMemory(req.Size, 0)
	if err := d.BindImageMemory(img, mem, 0); err != nil {
		t.Fatal(err)
	}
	view, err := d.CreateImageView(driver.ImageViewCreateInfo{
		Image: img, ViewType: driver.ImageViewType2D, Format: driver.FormatR8G8B8A8Unorm,
		Aspect: driver.AspectColor, MipCount: 1, LayerCount: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	rp, err := d.CreateRenderPass(driver.RenderPassCreateInfo{
		Attachments: []driver.AttachmentDescription{{
			Format:      driver.FormatR8G8B8A8Unorm,
			Samples:     driver.Samples1,
			LoadOp:      driver.LoadOpClear,
			StoreOp:     driver.StoreOpStore,
			FinalLayout: driver.LayoutColorAttachment,
		}},
		ColorAttachments: []driver.AttachmentReference{{Attachment: 0, Layout: driver.LayoutColorAttachment}},
	})
	if err != nil {
		t.Fatal(err)
	}
	fb, err := d.CreateFramebuffer(driver.FramebufferCreateInfo{
		RenderPass: rp, Attachments: []driver.ImageView{view}, Extent: driver.Extent2D{Width: 4, Height: 4}, Layers: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	q := d.Queue(0)
	pool, _ := d.CreateCommandPool(driver.CommandPoolCreateInfo{})
	cb := recordOnce(t, d, pool, func(cb driver.CommandBuffer) {
		d.CmdBeginRenderPass(cb, driver.RenderPassBeginInfo{
			RenderPass: rp, Framebuffer: fb,
			Area: driver.Rect2D{Extent: driver.Extent2D{Width: 4, Height: 4}},
		}, driver.SubpassContentsInline)
		d.CmdEndRenderPass(cb)
	})
	d.PauseQueue(q)
	if err := d.QueueSubmit(q, []driver.SubmitInfo{{CommandBuffers: []driver.CommandBuffer{cb}}}, 0); err != nil {
		t.Fatal(err)
	}
	d.DestroyFramebuffer(fb)
	d.ResumeQueue(q)
	if err := d.QueueWaitIdle(q); err != nil {
		t.Fatal(err)
	}

	if len(d.ValidationErrors()) == 0 {
		t.Fatal("expected the destroyed framebuffer to be reported")
	}

	d.DestroyCommandPool(pool)
	d.DestroyRenderPass(rp)
	d.DestroyImageView(view)
	d.DestroyImage(img)
	d.FreeMemory(mem)
}

func TestShaderModuleRequiresSpirv(t *testing.T) {
	_, d := newTestDevice(t)
	if _, err := d.CreateShaderModule([]byte("not spir-v at all")); err == nil {
		t.Fatal("expected garbage shader code to be rejected")
	}
	code := make([]byte, 20)
	code[0], code[1], code[2], code[3] = 0x03, 0x02, 0x23, 0x07
	m, err := d.CreateShaderModule(code)
	if err != nil {
		t.Fatalf("CreateShaderModule: %v", err)
	}
	d.DestroyShaderModule(m)
}
