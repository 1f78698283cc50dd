// Package driver is the explicit graphics API seen by the renderer core.
//
// It keeps the instance/device/queue model, explicit command buffers,
// explicit synchronization and explicit memory binding, but hides the
// binding library behind opaque handles so the core can run on the vulkan
// driver or on the software reference driver.
package driver

// Instance is the process entry point of a driver.
type Instance interface {
	PhysicalDevices() ([]PhysicalDeviceInfo, error)
	CreateDevice(pd PhysicalDevice, info DeviceCreateInfo) (Device, error)

	// NativeHandle returns the binding's instance object, handed to platform
	// backends that create presentation surfaces.
	NativeHandle() interface{}
	// SurfaceFromNative adopts a surface created by a platform backend.
	SurfaceFromNative(native uintptr) Surface
	DestroySurface(Surface)

	Destroy()
}

// InstanceInfo is implemented by instances that report the extensions and
// layers they were created with.
type InstanceInfo interface {
	EnabledExtensions() []string
	EnabledLayers() []string
}

// HeadlessSurfaceCreator is implemented by drivers that can present to an
// off-screen surface.
type HeadlessSurfaceCreator interface {
	CreateHeadlessSurface(extent Extent2D) (Surface, error)
	ResizeHeadlessSurface(s Surface, extent Extent2D) error
}

// Device is a logical device created for one queue family.
type Device interface {
	MemoryDevice
	ResourceDevice
	CommandDevice
	CommandRecorder
	SyncDevice
	PresentDevice
	PipelineDevice

	Queue(index uint32) Queue
	QueueFamilyIndex() uint32
	Limits() Limits
	WaitIdle() error
	SetObjectName(handle uint64, kind ObjectKind, name string)
	Destroy()
}

type MemoryDevice interface {
	MemoryProperties() MemoryProperties
	AllocateMemory(size uint64, typeIndex uint32) (Memory, error)
	FreeMemory(Memory)
	// MapMemory maps the whole range [offset, offset+size) for host access.
	MapMemory(m Memory, offset, size uint64) ([]byte, error)
	UnmapMemory(Memory)
}

type ResourceDevice interface {
	CreateBuffer(info BufferCreateInfo) (Buffer, MemoryRequirements, error)
	BindBufferMemory(b Buffer, m Memory, offset uint64) error
	DestroyBuffer(Buffer)

	CreateImage(info ImageCreateInfo) (Image, MemoryRequirements, error)
	BindImageMemory(i Image, m Memory, offset uint64) error
	DestroyImage(Image)

	CreateImageView(info ImageViewCreateInfo) (ImageView, error)
	DestroyImageView(ImageView)

	CreateAccelerationStructure(info AccelerationStructureCreateInfo) (AccelerationStructure, MemoryRequirements, error)
	AccelerationStructureScratchSize(as AccelerationStructure, update bool) (uint64, error)
	BindAccelerationStructureMemory(as AccelerationStructure, m Memory, offset uint64) error
	AccelerationStructureHandle(as AccelerationStructure) (uint64, error)
	DestroyAccelerationStructure(AccelerationStructure)
}

type CommandDevice interface {
	CreateCommandPool(info CommandPoolCreateInfo) (CommandPool, error)
	ResetCommandPool(CommandPool) error
	DestroyCommandPool(CommandPool)
	AllocateCommandBuffer(pool CommandPool, level CommandBufferLevel) (CommandBuffer, error)
	FreeCommandBuffer(pool CommandPool, cb CommandBuffer)
	BeginCommandBuffer(cb CommandBuffer, info CommandBufferBeginInfo) error
	EndCommandBuffer(cb CommandBuffer) error
}

// CommandRecorder records into a command buffer in the recording state.
// Recording errors surface from EndCommandBuffer.
type CommandRecorder interface {
	CmdPipelineBarrier(cb CommandBuffer, src, dst PipelineStage, barriers []ImageBarrier)
	CmdCopyBuffer(cb CommandBuffer, src, dst Buffer, regions []BufferCopy)
	CmdCopyBufferToImage(cb CommandBuffer, src Buffer, dst Image, layout Layout, regions []BufferImageCopy)
	CmdBeginRenderPass(cb CommandBuffer, info RenderPassBeginInfo, contents SubpassContents)
	CmdEndRenderPass(cb CommandBuffer)
	CmdExecuteCommands(cb CommandBuffer, secondaries []CommandBuffer)
	CmdSetViewport(cb CommandBuffer, viewport Viewport)
	CmdSetScissor(cb CommandBuffer, scissor Rect2D)
	CmdBindPipeline(cb CommandBuffer, p Pipeline)
	CmdBindVertexBuffer(cb CommandBuffer, b Buffer, offset uint64)
	CmdBindIndexBuffer(cb CommandBuffer, b Buffer, offset uint64, t IndexType)
	CmdPushConstants(cb CommandBuffer, p Pipeline, offset uint32, data []byte)
	CmdDraw(cb CommandBuffer, vertexCount, instanceCount, firstVertex, firstInstance uint32)
	CmdDrawIndexed(cb CommandBuffer, indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32)
	CmdBuildAccelerationStructure(cb CommandBuffer, dst AccelerationStructure, geometry AccelerationStructureGeometry, scratch Buffer, update bool)
}

type SyncDevice interface {
	CreateFence(signaled bool) (Fence, error)
	WaitForFences(fences []Fence, timeout uint64) error
	ResetFences(fences []Fence) error
	FenceStatus(f Fence) (bool, error)
	DestroyFence(Fence)
	CreateSemaphore() (Semaphore, error)
	DestroySemaphore(Semaphore)

	QueueSubmit(q Queue, submits []SubmitInfo, fence Fence) error
	QueueWaitIdle(q Queue) error
}

type PresentDevice interface {
	SurfaceSupport(s Surface) (bool, error)
	SurfaceCapabilities(s Surface) (SurfaceCapabilities, error)
	SurfaceFormats(s Surface) ([]SurfaceFormat, error)
	SurfacePresentModes(s Surface) ([]PresentMode, error)

	CreateSwapchain(info SwapchainCreateInfo) (Swapchain, error)
	SwapchainImages(sc Swapchain) ([]Image, error)
	// AcquireNextImage returns Success or Suboptimal with a usable index, or
	// an error (ErrorOutOfDate among them).
	AcquireNextImage(sc Swapchain, timeout uint64, signal Semaphore) (uint32, Result, error)
	DestroySwapchain(Swapchain)

	// QueuePresent returns one result per swapchain in info plus an overall
	// error when the call itself failed.
	QueuePresent(q Queue, info PresentInfo) ([]Result, error)
}

type PipelineDevice interface {
	CreateRenderPass(info RenderPassCreateInfo) (RenderPass, error)
	DestroyRenderPass(RenderPass)
	CreateFramebuffer(info FramebufferCreateInfo) (Framebuffer, error)
	DestroyFramebuffer(Framebuffer)

	CreateShaderModule(code []byte) (ShaderModule, error)
	DestroyShaderModule(ShaderModule)
	CreateGraphicsPipeline(info GraphicsPipelineCreateInfo) (Pipeline, error)
	DestroyPipeline(Pipeline)
}
