package renderer

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
	"github.com/spaghettifunk/lumen/engine/renderer/driver/software"
)

func graphicsRequirements() Requirements {
	return Requirements{
		QueueFlags:       driver.QueueGraphics,
		DeviceExtensions: []string{software.ExtensionSwapchain},
	}
}

func newTestContextWith(t *testing.T, opts Options, specs ...software.DeviceSpec) (*RendererContext, *software.Instance, *software.Device) {
	t.Helper()
	if len(specs) == 0 {
		specs = []software.DeviceSpec{software.DefaultDeviceSpec()}
	}
	inst := software.NewInstance(software.WithDevices(specs...))
	ctx, err := New(inst, graphicsRequirements(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = ctx.Shutdown()
	})
	return ctx, inst, ctx.Device.(*software.Device)
}

func newTestContext(t *testing.T) (*RendererContext, *software.Instance, *software.Device) {
	t.Helper()
	return newTestContextWith(t, DefaultOptions())
}

func assertNoValidationErrors(t *testing.T, dev *software.Device) {
	t.Helper()
	if errs := dev.ValidationErrors(); len(errs) > 0 {
		for _, e := range errs {
			t.Errorf("validation: %s", e)
		}
		t.FailNow()
	}
}

func assertStats(t *testing.T, ctx *RendererContext, want AllocatorStats) {
	t.Helper()
	if got := ctx.Allocator.Stats(); got != want {
		t.Fatalf("allocator stats = %+v, want %+v", got, want)
	}
}

// spirvStub is the smallest blob the software driver accepts as a module.
func spirvStub() []byte {
	code := make([]byte, 20)
	binary.LittleEndian.PutUint32(code, 0x07230203)
	return code
}

func newTestWindow(t *testing.T, ctx *RendererContext, title string, width, height uint32, frames int) (*platform.HeadlessWindow, *WindowSurface) {
	t.Helper()
	w := platform.NewHeadlessWindow(title, platform.Extent{Width: width, Height: height})
	ws, err := CreateWindowSurface(ctx, w, frames)
	if err != nil {
		t.Fatalf("CreateWindowSurface: %v", err)
	}
	t.Cleanup(ws.Destroy)
	return w, ws
}

func TestNewSelectsFirstMatchingQueueFamily(t *testing.T) {
	ctx, _, _ := newTestContext(t)
	if ctx.QueueFamilyIndex != 1 {
		t.Fatalf("queue family = %d, want 1 (the first with graphics)", ctx.QueueFamilyIndex)
	}
	if ctx.QueueCount() != 2 {
		t.Fatalf("queue count = %d, want every queue of the family", ctx.QueueCount())
	}
	if ctx.Queue(0) == 0 || ctx.Queue(1) == 0 || ctx.Queue(2) != 0 {
		t.Fatalf("unexpected queues %d %d %d", ctx.Queue(0), ctx.Queue(1), ctx.Queue(2))
	}
}

func TestNewSkipsDevicesMissingFeatures(t *testing.T) {
	weak := software.DefaultDeviceSpec()
	weak.Name = "weak"
	weak.Features = driver.FeatureSamplerAnisotropy
	strong := software.DefaultDeviceSpec()
	strong.Name = "strong"

	inst := software.NewInstance(software.WithDevices(weak, strong))
	req := graphicsRequirements()
	req.Features = driver.FeatureSamplerAnisotropy | driver.FeatureRayTracing
	ctx, err := New(inst, req, DefaultOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctx.Shutdown()
	if ctx.Physical.Name != "strong" {
		t.Fatalf("selected %q, want the device offering every feature", ctx.Physical.Name)
	}
}

func TestNewWithoutSuitableDevice(t *testing.T) {
	spec := software.DefaultDeviceSpec()
	spec.Features = driver.FeatureSamplerAnisotropy
	inst := software.NewInstance(software.WithDevices(spec))
	req := graphicsRequirements()
	req.Features = driver.FeatureGeometryShader

	_, err := New(inst, req, DefaultOptions())
	if !errors.Is(err, core.ErrNoPhysicalDevice) {
		t.Fatalf("expected ErrNoPhysicalDevice, got %v", err)
	}
	if !inst.Destroyed() {
		t.Fatal("instance must be destroyed when bootstrap fails")
	}
	if inst.LiveDevices() != 0 {
		t.Fatalf("%d device(s) leaked", inst.LiveDevices())
	}

	// A failed bootstrap leaves no context behind.
	newTestContext(t)
}

func TestNewRequiresDeviceExtensions(t *testing.T) {
	spec := software.DefaultDeviceSpec()
	spec.Extensions = nil
	inst := software.NewInstance(software.WithDevices(spec))
	_, err := New(inst, graphicsRequirements(), DefaultOptions())
	if !errors.Is(err, core.ErrNoPhysicalDevice) {
		t.Fatalf("expected ErrNoPhysicalDevice, got %v", err)
	}
}

func TestNewRequiresLayers(t *testing.T) {
	inst := software.NewInstance()
	req := graphicsRequirements()
	req.Layers = []string{"VK_LAYER_KHRONOS_validation"}
	_, err := New(inst, req, DefaultOptions())
	if !errors.Is(err, core.ErrInitializationFailed) {
		t.Fatalf("expected ErrInitializationFailed, got %v", err)
	}
	if !inst.Destroyed() {
		t.Fatal("instance must be destroyed when bootstrap fails")
	}

	inst = software.NewInstance(software.WithLayers("VK_LAYER_KHRONOS_validation"))
	ctx, err := New(inst, req, DefaultOptions())
	if err != nil {
		t.Fatalf("New with the layer enabled: %v", err)
	}
	ctx.Shutdown()
}

func TestSecondContextIsRejected(t *testing.T) {
	newTestContext(t)

	other := software.NewInstance()
	_, err := New(other, graphicsRequirements(), DefaultOptions())
	if !errors.Is(err, core.ErrContextAlive) {
		t.Fatalf("expected ErrContextAlive, got %v", err)
	}
	if !other.Destroyed() {
		t.Fatal("the rejected instance must be destroyed")
	}
}

func TestShutdownReleasesEverything(t *testing.T) {
	inst := software.NewInstance()
	ctx, err := New(inst, graphicsRequirements(), DefaultOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	buf, err := ctx.AllocateBuffer(1024, driver.BufferUsageVertex, MemoryGPUOnly)
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	if _, err := ctx.RenderPass(driver.FormatB8G8R8A8Unorm, driver.FormatD32Sfloat, driver.Samples1); err != nil {
		t.Fatalf("RenderPass: %v", err)
	}
	buf.Destroy()

	if err := ctx.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := ctx.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if inst.LiveDevices() != 0 || !inst.Destroyed() {
		t.Fatal("device and instance must be destroyed")
	}

	ctx2, err := New(software.NewInstance(), graphicsRequirements(), DefaultOptions())
	if err != nil {
		t.Fatalf("New after Shutdown: %v", err)
	}
	ctx2.Shutdown()
}

func TestShutdownReportsLeakedAllocations(t *testing.T) {
	ctx, err := New(software.NewInstance(), graphicsRequirements(), DefaultOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := ctx.AllocateBuffer(64, driver.BufferUsageVertex, MemoryGPUOnly); err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	if err := ctx.Shutdown(); !errors.Is(err, core.ErrAllocatorInUse) {
		t.Fatalf("expected ErrAllocatorInUse, got %v", err)
	}
}
