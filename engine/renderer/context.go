// Package renderer is the GPU resource and frame synchronization core. It
// talks to the GPU only through the driver package: device bootstrap, the
// memory sub-allocator, buffers, images and acceleration structures, the
// one-time submit protocol, window surfaces and the frame loop.
package renderer

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// Requirements is what a physical device must offer to be selected.
type Requirements struct {
	Features           driver.FeatureSet
	QueueFlags         driver.QueueFlags
	InstanceExtensions []string
	DeviceExtensions   []string
	Layers             []string
}

// Options tune the context and everything created from it.
type Options struct {
	AllocatorBlockSize uint64
	SurfaceFormat      driver.SurfaceFormat
	DepthFormat        driver.Format
	Samples            driver.SampleCount
	PresentMode        driver.PresentMode
	ClearColor         [4]float32
}

func DefaultOptions() Options {
	return Options{
		AllocatorBlockSize: DefaultBlockSize,
		SurfaceFormat: driver.SurfaceFormat{
			Format:     driver.FormatB8G8R8A8Unorm,
			ColorSpace: driver.ColorSpaceSrgbNonlinear,
		},
		DepthFormat: driver.FormatD32Sfloat,
		Samples:     driver.Samples1,
		PresentMode: driver.PresentModeFifo,
		ClearColor:  [4]float32{0, 0, 0.2, 1},
	}
}

// queueSlot is the one-time submit state of a queue.
type queueSlot struct {
	queue driver.Queue
	pool  driver.CommandPool
	fence driver.Fence
}

// RendererContext is the selected GPU, its logical device and queues. At
// most one is alive per process.
type RendererContext struct {
	Instance         driver.Instance
	Device           driver.Device
	Physical         driver.PhysicalDeviceInfo
	QueueFamilyIndex uint32
	Allocator        *Allocator
	Options          Options

	queues []queueSlot
	locks  *LockPool

	mu           sync.Mutex
	renderPasses map[renderPassKey]*RenderPass
	structures   map[*AccelerationStructure]struct{}
	frameLoop    *FrameLoop

	shutdownOnce sync.Once
}

var (
	liveMu  sync.Mutex
	liveCtx *RendererContext
)

// New selects a physical device meeting req and creates the device context.
// New owns inst: when it fails the instance is destroyed.
func New(inst driver.Instance, req Requirements, opts Options) (*RendererContext, error) {
	liveMu.Lock()
	defer liveMu.Unlock()

	if liveCtx != nil {
		inst.Destroy()
		return nil, core.ErrContextAlive
	}
	if opts.AllocatorBlockSize == 0 {
		opts.AllocatorBlockSize = DefaultBlockSize
	}
	if opts.Samples == 0 {
		opts.Samples = driver.Samples1
	}

	ctx, err := bootstrap(inst, req, opts)
	if err != nil {
		inst.Destroy()
		return nil, err
	}
	liveCtx = ctx
	return ctx, nil
}

func bootstrap(inst driver.Instance, req Requirements, opts Options) (*RendererContext, error) {
	if err := checkInstance(inst, req); err != nil {
		return nil, err
	}

	core.LogInfo("Enumerating physical devices...")
	devices, err := inst.PhysicalDevices()
	if err != nil {
		return nil, fmt.Errorf("%w: enumerating physical devices: %w", core.ErrInitializationFailed, err)
	}
	pd, family, ok := selectPhysicalDevice(devices, req)
	if !ok {
		core.LogError("No device which meets the requirements was found among %d device(s).", len(devices))
		return nil, core.ErrNoPhysicalDevice
	}
	core.LogInfo("Selected device: '%s' (%s), queue family %d with %d queue(s).", pd.Name, pd.Type, family, pd.QueueFamilies[family].Count)

	count := pd.QueueFamilies[family].Count
	dev, err := inst.CreateDevice(pd.Handle, driver.DeviceCreateInfo{
		QueueFamilyIndex: family,
		QueueCount:       count,
		Features:         req.Features,
		Extensions:       req.DeviceExtensions,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating logical device: %w", core.ErrInitializationFailed, err)
	}

	ctx := &RendererContext{
		Instance:         inst,
		Device:           dev,
		Physical:         pd,
		QueueFamilyIndex: family,
		Options:          opts,
		locks:            NewLockPool(),
		renderPasses:     make(map[renderPassKey]*RenderPass),
		structures:       make(map[*AccelerationStructure]struct{}),
	}
	for i := uint32(0); i < count; i++ {
		slot, err := createQueueSlot(dev, i)
		if err != nil {
			ctx.destroyQueues()
			dev.Destroy()
			return nil, fmt.Errorf("%w: queue %d: %w", core.ErrInitializationFailed, i, err)
		}
		ctx.queues = append(ctx.queues, slot)
		ctx.locks.SetQueue(i)
	}
	ctx.Allocator = NewAllocator(dev, opts.AllocatorBlockSize, ctx.locks)

	core.LogInfo("Renderer context created.")
	return ctx, nil
}

func createQueueSlot(dev driver.Device, index uint32) (queueSlot, error) {
	slot := queueSlot{queue: dev.Queue(index)}
	if slot.queue == 0 {
		return slot, fmt.Errorf("device returned no queue at index %d", index)
	}
	pool, err := dev.CreateCommandPool(driver.CommandPoolCreateInfo{ResetCommandBuffer: true, Transient: true})
	if err != nil {
		return slot, err
	}
	fence, err := dev.CreateFence(false)
	if err != nil {
		dev.DestroyCommandPool(pool)
		return slot, err
	}
	slot.pool, slot.fence = pool, fence
	return slot, nil
}

func checkInstance(inst driver.Instance, req Requirements) error {
	info, ok := inst.(driver.InstanceInfo)
	if !ok {
		return nil
	}
	for _, ext := range req.InstanceExtensions {
		if !contains(info.EnabledExtensions(), ext) {
			return fmt.Errorf("%w: required instance extension '%s' is not enabled", core.ErrInitializationFailed, ext)
		}
	}
	for _, layer := range req.Layers {
		if !contains(info.EnabledLayers(), layer) {
			return fmt.Errorf("%w: required layer '%s' is not enabled", core.ErrInitializationFailed, layer)
		}
	}
	return nil
}

// selectPhysicalDevice returns the first device meeting req and the first
// of its queue families advertising req.QueueFlags.
func selectPhysicalDevice(devices []driver.PhysicalDeviceInfo, req Requirements) (driver.PhysicalDeviceInfo, uint32, bool) {
	for _, pd := range devices {
		family, reason := evaluateDevice(pd, req)
		if reason != "" {
			core.LogInfo("Device '%s' rejected: %s.", pd.Name, reason)
			continue
		}
		return pd, family, true
	}
	return driver.PhysicalDeviceInfo{}, 0, false
}

// evaluateDevice returns an empty reason when pd is acceptable. Every
// required feature must be present.
func evaluateDevice(pd driver.PhysicalDeviceInfo, req Requirements) (uint32, string) {
	if missing := req.Features &^ pd.Features; missing != 0 {
		return 0, "missing features " + strings.Join(missing.Names(), ", ")
	}
	var missingExt []string
	for _, ext := range req.DeviceExtensions {
		if !contains(pd.Extensions, ext) {
			missingExt = append(missingExt, ext)
		}
	}
	if len(missingExt) > 0 {
		return 0, "missing extensions " + strings.Join(missingExt, ", ")
	}
	for i, qf := range pd.QueueFamilies {
		if qf.Flags&req.QueueFlags == req.QueueFlags && qf.Count > 0 {
			return uint32(i), ""
		}
	}
	return 0, fmt.Sprintf("no queue family supports flags %b", req.QueueFlags)
}

// QueueCount is the number of queues created on the selected family.
func (c *RendererContext) QueueCount() int {
	return len(c.queues)
}

func (c *RendererContext) slot(queueIndex int) (queueSlot, error) {
	if queueIndex < 0 || queueIndex >= len(c.queues) {
		return queueSlot{}, errUnknownQueue(uint32(queueIndex))
	}
	return c.queues[queueIndex], nil
}

// Queue returns the driver queue at index, or the null queue.
func (c *RendererContext) Queue(index int) driver.Queue {
	s, err := c.slot(index)
	if err != nil {
		return 0
	}
	return s.queue
}

// nameObject gives handle a generated debug name and returns it.
func (c *RendererContext) nameObject(handle uint64, kind driver.ObjectKind, prefix string) string {
	name := core.NewObjectName(prefix)
	c.Device.SetObjectName(handle, kind, name)
	return name
}

func (c *RendererContext) destroyQueues() {
	for _, s := range c.queues {
		c.Device.DestroyFence(s.fence)
		c.Device.DestroyCommandPool(s.pool)
	}
	c.queues = nil
}

// Shutdown tears the context down in reverse creation order: frame loop,
// render passes, queue fences and pools, allocator, device, instance. It
// runs once; later calls return nil.
func (c *RendererContext) Shutdown() error {
	var errs []error
	c.shutdownOnce.Do(func() {
		core.LogInfo("Shutting down renderer context...")

		c.mu.Lock()
		loop := c.frameLoop
		c.mu.Unlock()
		if loop != nil {
			loop.Destroy()
		}

		if err := c.Device.WaitIdle(); err != nil {
			errs = append(errs, fmt.Errorf("waiting for device idle: %w", err))
		}

		c.mu.Lock()
		for s := range c.structures {
			core.LogWarn("Acceleration structure '%s' still alive at shutdown.", s.Name)
		}
		for key, rp := range c.renderPasses {
			c.Device.DestroyRenderPass(rp.Handle)
			delete(c.renderPasses, key)
		}
		c.mu.Unlock()

		c.destroyQueues()
		if err := c.Allocator.Destroy(); err != nil {
			errs = append(errs, err)
		}
		c.Device.Destroy()
		c.Instance.Destroy()

		liveMu.Lock()
		if liveCtx == c {
			liveCtx = nil
		}
		liveMu.Unlock()
		core.LogInfo("Renderer context destroyed.")
	})
	return errors.Join(errs...)
}

func errUnknownQueue(index uint32) error {
	return fmt.Errorf("%w: no queue at index %d", core.ErrInvalidArgument, index)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
