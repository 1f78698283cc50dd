package software

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// Op names a fallible device call for fault injection.
type Op string

const (
	OpAllocateMemory              Op = "AllocateMemory"
	OpMapMemory                   Op = "MapMemory"
	OpCreateBuffer                Op = "CreateBuffer"
	OpBindBufferMemory            Op = "BindBufferMemory"
	OpCreateImage                 Op = "CreateImage"
	OpBindImageMemory             Op = "BindImageMemory"
	OpCreateImageView             Op = "CreateImageView"
	OpCreateAccelerationStructure Op = "CreateAccelerationStructure"
	OpBindAccelerationStructure   Op = "BindAccelerationStructureMemory"
	OpAccelerationStructureHandle Op = "AccelerationStructureHandle"
	OpCreateCommandPool           Op = "CreateCommandPool"
	OpAllocateCommandBuffer       Op = "AllocateCommandBuffer"
	OpBeginCommandBuffer          Op = "BeginCommandBuffer"
	OpEndCommandBuffer            Op = "EndCommandBuffer"
	OpCreateFence                 Op = "CreateFence"
	OpWaitForFences               Op = "WaitForFences"
	OpResetFences                 Op = "ResetFences"
	OpCreateSemaphore             Op = "CreateSemaphore"
	OpQueueSubmit                 Op = "QueueSubmit"
	OpCreateSwapchain             Op = "CreateSwapchain"
	OpAcquireNextImage            Op = "AcquireNextImage"
	OpQueuePresent                Op = "QueuePresent"
	OpCreateRenderPass            Op = "CreateRenderPass"
	OpCreateFramebuffer           Op = "CreateFramebuffer"
	OpCreateShaderModule          Op = "CreateShaderModule"
	OpCreateGraphicsPipeline      Op = "CreateGraphicsPipeline"
)

// RenderPassRecord is logged every time a render pass executes on a queue.
type RenderPassRecord struct {
	Framebuffer driver.Framebuffer
	Area        driver.Rect2D
	Draws       int
}

// Device implements driver.Device.
type Device struct {
	inst   *Instance
	spec   DeviceSpec
	family uint32

	mu   sync.Mutex
	cond *sync.Cond

	nextID uint64

	memories     map[driver.Memory]*memory
	buffers      map[driver.Buffer]*buffer
	images       map[driver.Image]*image
	views        map[driver.ImageView]*imageView
	structures   map[driver.AccelerationStructure]*accelStructure
	pools        map[driver.CommandPool]*commandPool
	cmdBuffers   map[driver.CommandBuffer]*commandBuffer
	fences       map[driver.Fence]*fence
	semaphores   map[driver.Semaphore]*semaphore
	swapchains   map[driver.Swapchain]*swapchain
	renderPasses map[driver.RenderPass]*renderPass
	framebuffers map[driver.Framebuffer]*framebuffer
	shaders      map[driver.ShaderModule]struct{}
	pipelines    map[driver.Pipeline]*pipeline

	heapUsage []uint64
	queues    []*queue
	faults    map[Op][]driver.Result
	names     map[uint64]string

	validation  []string
	renderLog   []RenderPassRecord
	destroyed   bool
	imageCount  uint32
	queueWaiter sync.WaitGroup
}

func newDevice(inst *Instance, spec DeviceSpec, info driver.DeviceCreateInfo) *Device {
	d := &Device{
		inst:         inst,
		spec:         spec,
		family:       info.QueueFamilyIndex,
		memories:     make(map[driver.Memory]*memory),
		buffers:      make(map[driver.Buffer]*buffer),
		images:       make(map[driver.Image]*image),
		views:        make(map[driver.ImageView]*imageView),
		structures:   make(map[driver.AccelerationStructure]*accelStructure),
		pools:        make(map[driver.CommandPool]*commandPool),
		cmdBuffers:   make(map[driver.CommandBuffer]*commandBuffer),
		fences:       make(map[driver.Fence]*fence),
		semaphores:   make(map[driver.Semaphore]*semaphore),
		swapchains:   make(map[driver.Swapchain]*swapchain),
		renderPasses: make(map[driver.RenderPass]*renderPass),
		framebuffers: make(map[driver.Framebuffer]*framebuffer),
		shaders:      make(map[driver.ShaderModule]struct{}),
		pipelines:    make(map[driver.Pipeline]*pipeline),
		heapUsage:    make([]uint64, len(spec.Memory.Heaps)),
		faults:       make(map[Op][]driver.Result),
		names:        make(map[uint64]string),
	}
	d.cond = sync.NewCond(&d.mu)
	for i := uint32(0); i < info.QueueCount; i++ {
		q := newQueue(d, i)
		d.queues = append(d.queues, q)
		d.queueWaiter.Add(1)
		go q.run()
	}
	return d
}

// id returns a fresh handle value. Callers hold d.mu.
func (d *Device) id() uint64 {
	d.nextID++
	return d.nextID
}

// InjectFault makes the next call of op fail with r. Faults queue up in
// the order they are injected.
func (d *Device) InjectFault(op Op, r driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = append(d.faults[op], r)
}

// fault pops a pending fault for op. Callers hold d.mu.
func (d *Device) fault(op Op) error {
	pending := d.faults[op]
	if len(pending) == 0 {
		return nil
	}
	r := pending[0]
	d.faults[op] = pending[1:]
	return r
}

// invalid records a validation error. Callers hold d.mu.
func (d *Device) invalid(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	d.validation = append(d.validation, msg)
	core.LogError("software validation: %s", msg)
}

// ValidationErrors returns every misuse observed so far.
func (d *Device) ValidationErrors() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.validation...)
}

// RenderPasses returns the render passes executed so far in queue order.
func (d *Device) RenderPasses() []RenderPassRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]RenderPassRecord(nil), d.renderLog...)
}

// SetSwapchainImageCount forces the number of images of every swapchain
// created afterwards and reports it as both image count bounds of every
// surface. Zero restores the negotiated count.
func (d *Device) SetSwapchainImageCount(n uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.imageCount = n
}

// LiveObjects counts the objects of every kind still alive.
func (d *Device) LiveObjects() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]int{
		"memory":                len(d.memories),
		"buffer":                len(d.buffers),
		"image":                 d.ownedImages(),
		"imageView":             len(d.views),
		"accelerationStructure": len(d.structures),
		"commandPool":           len(d.pools),
		"commandBuffer":         len(d.cmdBuffers),
		"fence":                 len(d.fences),
		"semaphore":             len(d.semaphores),
		"swapchain":             len(d.swapchains),
		"renderPass":            len(d.renderPasses),
		"framebuffer":           len(d.framebuffers),
		"shaderModule":          len(d.shaders),
		"pipeline":              len(d.pipelines),
	}
}

// ownedImages skips swapchain images, which belong to their swapchain.
func (d *Device) ownedImages() int {
	n := 0
	for _, img := range d.images {
		if img.swapchain == 0 {
			n++
		}
	}
	return n
}

// Name returns the debug name set for a handle.
func (d *Device) Name(handle uint64) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.names[handle]
}

func (d *Device) SetObjectName(handle uint64, kind driver.ObjectKind, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names[handle] = name
}

func (d *Device) Queue(index uint32) driver.Queue {
	if int(index) >= len(d.queues) {
		return 0
	}
	return driver.Queue(index + 1)
}

func (d *Device) QueueFamilyIndex() uint32 {
	return d.family
}

func (d *Device) Limits() driver.Limits {
	return d.spec.Limits
}

func (d *Device) WaitIdle() error {
	for i := range d.queues {
		if err := d.QueueWaitIdle(driver.Queue(i + 1)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) Destroy() {
	_ = d.WaitIdle()

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.queueWaiter.Wait()

	leaks := d.LiveObjects()
	for kind, n := range leaks {
		if n > 0 {
			core.LogWarn("software: device destroyed with %d live %s object(s)", n, kind)
		}
	}
	d.inst.releaseDevice(d)
}
