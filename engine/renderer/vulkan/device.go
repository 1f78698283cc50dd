package vulkan

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type image struct {
	handle vk.Image
	// Swapchain images are owned by their swapchain.
	swapchain bool
}

type pipeline struct {
	handle vk.Pipeline
	layout vk.PipelineLayout
	stages vk.ShaderStageFlags
}

type renderPass struct {
	handle vk.RenderPass
	// depth marks the depth/stencil attachments, for the clear values.
	depth []bool
}

type swapchain struct {
	handle vk.Swapchain
	images []driver.Image
}

// Device is a logical device. Every driver object is kept in a handle table
// so the renderer only ever sees opaque handles.
type Device struct {
	inst     *Instance
	physical vk.PhysicalDevice
	handle   vk.Device
	family   uint32
	queues   []vk.Queue
	limits   driver.Limits
	memory   driver.MemoryProperties

	memories     table[vk.DeviceMemory]
	buffers      table[vk.Buffer]
	images       table[image]
	views        table[vk.ImageView]
	pools        table[vk.CommandPool]
	commands     table[*commandBuffer]
	fences       table[vk.Fence]
	semaphores   table[vk.Semaphore]
	swapchains   table[*swapchain]
	renderPasses table[renderPass]
	framebuffers table[vk.Framebuffer]
	shaders      table[vk.ShaderModule]
	pipelines    table[pipeline]

	namesMu sync.Mutex
	names   map[uint64]string
}

func (i *Instance) CreateDevice(pd driver.PhysicalDevice, info driver.DeviceCreateInfo) (driver.Device, error) {
	physical, err := i.physicalDevice(pd)
	if err != nil {
		return nil, err
	}
	if contains(info.Extensions, ExtensionRayTracing) || info.Features&driver.FeatureRayTracing != 0 {
		return nil, fmt.Errorf("ray tracing: %w", driver.ErrorFeatureNotPresent)
	}
	desc, err := describe(physical)
	if err != nil {
		return nil, err
	}
	if int(info.QueueFamilyIndex) >= len(desc.QueueFamilies) {
		return nil, fmt.Errorf("queue family %d: %w", info.QueueFamilyIndex, driver.ErrorInitializationFailed)
	}
	count := info.QueueCount
	if count == 0 {
		count = 1
	}

	priorities := make([]float32, count)
	for n := range priorities {
		priorities[n] = 1.0
	}
	queueCreateInfos := []vk.DeviceQueueCreateInfo{{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: info.QueueFamilyIndex,
		QueueCount:       count,
		PQueuePriorities: priorities,
	}}

	extensions := append([]string(nil), info.Extensions...)
	if contains(desc.Extensions, extensionPortabilitySubset) && !contains(extensions, extensionPortabilitySubset) {
		core.LogInfo("Adding required extension '%s'.", extensionPortabilitySubset)
		extensions = append(extensions, extensionPortabilitySubset)
	}

	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueCreateInfos)),
		PQueueCreateInfos:       queueCreateInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{toFeatures(info.Features)},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: VulkanSafeStrings(extensions),
	}

	d := &Device{
		inst:     i,
		physical: physical,
		family:   info.QueueFamilyIndex,
		limits:   desc.Limits,
		memory:   memoryProperties(physical),
		names:    make(map[uint64]string),
	}
	if err := checkCall("vkCreateDevice", vk.CreateDevice(physical, &deviceCreateInfo, nil, &d.handle)); err != nil {
		return nil, err
	}
	core.LogInfo("Logical device created on '%s'.", desc.Name)

	d.queues = make([]vk.Queue, count)
	for n := uint32(0); n < count; n++ {
		vk.GetDeviceQueue(d.handle, info.QueueFamilyIndex, n, &d.queues[n])
	}
	core.LogInfo("Queues obtained.")

	i.mu.Lock()
	i.devices = append(i.devices, d)
	i.mu.Unlock()
	return d, nil
}

func (d *Device) Queue(index uint32) driver.Queue {
	if int(index) >= len(d.queues) {
		return 0
	}
	return driver.Queue(index + 1)
}

func (d *Device) queue(q driver.Queue) (vk.Queue, error) {
	n := int(q) - 1
	if n < 0 || n >= len(d.queues) {
		return nil, fmt.Errorf("unknown queue %d: %w", q, driver.ErrorInitializationFailed)
	}
	return d.queues[n], nil
}

func (d *Device) QueueFamilyIndex() uint32 {
	return d.family
}

func (d *Device) Limits() driver.Limits {
	return d.limits
}

func (d *Device) MemoryProperties() driver.MemoryProperties {
	return d.memory
}

func (d *Device) WaitIdle() error {
	return checkCall("vkDeviceWaitIdle", vk.DeviceWaitIdle(d.handle))
}

// SetObjectName records a debug name. The names show up in the driver's
// own log lines; debug utils is not loaded.
func (d *Device) SetObjectName(handle uint64, kind driver.ObjectKind, name string) {
	d.namesMu.Lock()
	defer d.namesMu.Unlock()
	d.names[handle] = name
}

func (d *Device) name(handle uint64) string {
	d.namesMu.Lock()
	defer d.namesMu.Unlock()
	if n, ok := d.names[handle]; ok {
		return n
	}
	return fmt.Sprintf("#%d", handle)
}

func (d *Device) forgetName(handle uint64) {
	d.namesMu.Lock()
	defer d.namesMu.Unlock()
	delete(d.names, handle)
}

// Destroy waits for the device and releases every object still alive.
func (d *Device) Destroy() {
	if d.handle == nil {
		return
	}
	vk.DeviceWaitIdle(d.handle)

	leaked := 0
	for _, p := range d.pipelines.drain() {
		vk.DestroyPipeline(d.handle, p.handle, nil)
		vk.DestroyPipelineLayout(d.handle, p.layout, nil)
		leaked++
	}
	for _, s := range d.shaders.drain() {
		vk.DestroyShaderModule(d.handle, s, nil)
		leaked++
	}
	for _, f := range d.framebuffers.drain() {
		vk.DestroyFramebuffer(d.handle, f, nil)
		leaked++
	}
	for _, r := range d.renderPasses.drain() {
		vk.DestroyRenderPass(d.handle, r.handle, nil)
		leaked++
	}
	for _, v := range d.views.drain() {
		vk.DestroyImageView(d.handle, v, nil)
		leaked++
	}
	for _, img := range d.images.drain() {
		if !img.swapchain {
			vk.DestroyImage(d.handle, img.handle, nil)
			leaked++
		}
	}
	for _, sc := range d.swapchains.drain() {
		vk.DestroySwapchain(d.handle, sc.handle, nil)
		leaked++
	}
	for _, b := range d.buffers.drain() {
		vk.DestroyBuffer(d.handle, b, nil)
		leaked++
	}
	for _, m := range d.memories.drain() {
		vk.FreeMemory(d.handle, m, nil)
		leaked++
	}
	d.commands.drain()
	for _, p := range d.pools.drain() {
		vk.DestroyCommandPool(d.handle, p, nil)
		leaked++
	}
	for _, f := range d.fences.drain() {
		vk.DestroyFence(d.handle, f, nil)
		leaked++
	}
	for _, s := range d.semaphores.drain() {
		vk.DestroySemaphore(d.handle, s, nil)
		leaked++
	}
	if leaked > 0 {
		core.LogWarn("%d device objects were still alive at device destruction", leaked)
	}

	vk.DestroyDevice(d.handle, nil)
	d.handle = nil
	d.inst.forget(d)
	core.LogInfo("Logical device destroyed.")
}
