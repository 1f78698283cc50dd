package driver

// Opaque object handles. Zero is the null handle for every kind.
type (
	PhysicalDevice        uint64
	Queue                 uint64
	Memory                uint64
	Buffer                uint64
	Image                 uint64
	ImageView             uint64
	AccelerationStructure uint64
	CommandPool           uint64
	CommandBuffer         uint64
	Fence                 uint64
	Semaphore             uint64
	Surface               uint64
	Swapchain             uint64
	RenderPass            uint64
	Framebuffer           uint64
	ShaderModule          uint64
	Pipeline              uint64
)

// Forever is the timeout value meaning "wait until signaled".
const Forever = ^uint64(0)

// UndefinedExtent in SurfaceCapabilities.CurrentExtent means the swapchain
// decides the extent.
const UndefinedExtent = ^uint32(0)

type ObjectKind int

const (
	ObjectUnknown ObjectKind = iota
	ObjectBuffer
	ObjectImage
	ObjectImageView
	ObjectMemory
	ObjectAccelerationStructure
	ObjectCommandBuffer
	ObjectFence
	ObjectSemaphore
	ObjectSwapchain
	ObjectFramebuffer
	ObjectRenderPass
	ObjectPipeline
	ObjectShaderModule
)

type DeviceType int

const (
	DeviceTypeOther DeviceType = iota
	DeviceTypeIntegratedGPU
	DeviceTypeDiscreteGPU
	DeviceTypeVirtualGPU
	DeviceTypeCPU
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeIntegratedGPU:
		return "integrated"
	case DeviceTypeDiscreteGPU:
		return "discrete"
	case DeviceTypeVirtualGPU:
		return "virtual"
	case DeviceTypeCPU:
		return "cpu"
	default:
		return "other"
	}
}

type QueueFlags uint32

const (
	QueueGraphics QueueFlags = 1 << iota
	QueueCompute
	QueueTransfer
)

// FeatureSet is a bitmask of optional device features.
type FeatureSet uint64

const (
	FeatureSamplerAnisotropy FeatureSet = 1 << iota
	FeatureFillModeNonSolid
	FeatureWideLines
	FeatureGeometryShader
	FeatureTessellationShader
	FeatureMultiDrawIndirect
	FeatureShaderInt64
	FeatureSampleRateShading
	FeatureDepthClamp
	FeatureIndependentBlend
	FeatureRayTracing
)

var featureNames = []struct {
	f    FeatureSet
	name string
}{
	{FeatureSamplerAnisotropy, "samplerAnisotropy"},
	{FeatureFillModeNonSolid, "fillModeNonSolid"},
	{FeatureWideLines, "wideLines"},
	{FeatureGeometryShader, "geometryShader"},
	{FeatureTessellationShader, "tessellationShader"},
	{FeatureMultiDrawIndirect, "multiDrawIndirect"},
	{FeatureShaderInt64, "shaderInt64"},
	{FeatureSampleRateShading, "sampleRateShading"},
	{FeatureDepthClamp, "depthClamp"},
	{FeatureIndependentBlend, "independentBlend"},
	{FeatureRayTracing, "rayTracing"},
}

// Names lists the features contained in the set.
func (f FeatureSet) Names() []string {
	var out []string
	for _, n := range featureNames {
		if f&n.f != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

// ParseFeature maps a feature name as returned by Names back to its bit.
func ParseFeature(name string) (FeatureSet, bool) {
	for _, n := range featureNames {
		if n.name == name {
			return n.f, true
		}
	}
	return 0, false
}

type MemoryPropertyFlags uint32

const (
	MemoryDeviceLocal MemoryPropertyFlags = 1 << iota
	MemoryHostVisible
	MemoryHostCoherent
	MemoryHostCached
	MemoryLazilyAllocated
)

type BufferUsage uint32

const (
	BufferUsageTransferSrc BufferUsage = 1 << iota
	BufferUsageTransferDst
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageIndex
	BufferUsageVertex
	BufferUsageIndirect
	BufferUsageRayTracing
)

type ImageUsage uint32

const (
	ImageUsageTransferSrc ImageUsage = 1 << iota
	ImageUsageTransferDst
	ImageUsageSampled
	ImageUsageStorage
	ImageUsageColorAttachment
	ImageUsageDepthStencilAttachment
	ImageUsageTransientAttachment
)

type Format int

const (
	FormatUndefined Format = iota
	FormatR8Unorm
	FormatR8G8B8A8Unorm
	FormatR8G8B8A8Srgb
	FormatB8G8R8A8Unorm
	FormatB8G8R8A8Srgb
	FormatR32Sfloat
	FormatR32G32Sfloat
	FormatR32G32B32Sfloat
	FormatR32G32B32A32Sfloat
	FormatD32Sfloat
	FormatD24UnormS8Uint
	FormatD32SfloatS8Uint
)

var formatNames = map[Format]string{
	FormatUndefined:          "UNDEFINED",
	FormatR8Unorm:            "R8_UNORM",
	FormatR8G8B8A8Unorm:      "R8G8B8A8_UNORM",
	FormatR8G8B8A8Srgb:       "R8G8B8A8_SRGB",
	FormatB8G8R8A8Unorm:      "B8G8R8A8_UNORM",
	FormatB8G8R8A8Srgb:       "B8G8R8A8_SRGB",
	FormatR32Sfloat:          "R32_SFLOAT",
	FormatR32G32Sfloat:       "R32G32_SFLOAT",
	FormatR32G32B32Sfloat:    "R32G32B32_SFLOAT",
	FormatR32G32B32A32Sfloat: "R32G32B32A32_SFLOAT",
	FormatD32Sfloat:          "D32_SFLOAT",
	FormatD24UnormS8Uint:     "D24_UNORM_S8_UINT",
	FormatD32SfloatS8Uint:    "D32_SFLOAT_S8_UINT",
}

func (f Format) String() string {
	if n, ok := formatNames[f]; ok {
		return n
	}
	return "UNKNOWN"
}

// ParseFormat is the inverse of Format.String.
func ParseFormat(name string) (Format, bool) {
	for f, n := range formatNames {
		if n == name {
			return f, true
		}
	}
	return FormatUndefined, false
}

func (f Format) IsDepth() bool {
	return f == FormatD32Sfloat || f == FormatD24UnormS8Uint || f == FormatD32SfloatS8Uint
}

func (f Format) HasStencil() bool {
	return f == FormatD24UnormS8Uint || f == FormatD32SfloatS8Uint
}

type ColorSpace int

const (
	ColorSpaceSrgbNonlinear ColorSpace = iota
	ColorSpaceExtendedSrgbLinear
)

type ImageType int

const (
	ImageType1D ImageType = iota
	ImageType2D
	ImageType3D
)

type ImageViewType int

const (
	ImageViewType1D ImageViewType = iota
	ImageViewType2D
	ImageViewType3D
	ImageViewTypeCube
	ImageViewType2DArray
)

type ImageAspect uint32

const (
	AspectColor ImageAspect = 1 << iota
	AspectDepth
	AspectStencil
)

type Layout int

const (
	LayoutUndefined Layout = iota
	LayoutGeneral
	LayoutColorAttachment
	LayoutDepthStencilAttachment
	LayoutShaderReadOnly
	LayoutTransferSrc
	LayoutTransferDst
	LayoutPresentSrc
)

func (l Layout) String() string {
	switch l {
	case LayoutUndefined:
		return "UNDEFINED"
	case LayoutGeneral:
		return "GENERAL"
	case LayoutColorAttachment:
		return "COLOR_ATTACHMENT_OPTIMAL"
	case LayoutDepthStencilAttachment:
		return "DEPTH_STENCIL_ATTACHMENT_OPTIMAL"
	case LayoutShaderReadOnly:
		return "SHADER_READ_ONLY_OPTIMAL"
	case LayoutTransferSrc:
		return "TRANSFER_SRC_OPTIMAL"
	case LayoutTransferDst:
		return "TRANSFER_DST_OPTIMAL"
	case LayoutPresentSrc:
		return "PRESENT_SRC"
	}
	return "UNKNOWN"
}

type PipelineStage uint32

const (
	StageTopOfPipe PipelineStage = 1 << iota
	StageDrawIndirect
	StageVertexInput
	StageVertexShader
	StageFragmentShader
	StageEarlyFragmentTests
	StageLateFragmentTests
	StageColorAttachmentOutput
	StageComputeShader
	StageTransfer
	StageBottomOfPipe
	StageAllCommands
	StageAccelerationStructureBuild
	StageRayTracingShader
)

type Access uint32

const (
	AccessShaderRead Access = 1 << iota
	AccessShaderWrite
	AccessColorAttachmentRead
	AccessColorAttachmentWrite
	AccessDepthStencilAttachmentRead
	AccessDepthStencilAttachmentWrite
	AccessTransferRead
	AccessTransferWrite
	AccessHostRead
	AccessHostWrite
	AccessMemoryRead
	AccessMemoryWrite
	AccessAccelerationStructureRead
	AccessAccelerationStructureWrite
)

type SampleCount uint32

const (
	Samples1  SampleCount = 1
	Samples2  SampleCount = 2
	Samples4  SampleCount = 4
	Samples8  SampleCount = 8
	Samples16 SampleCount = 16
)

func (s SampleCount) Valid() bool {
	switch s {
	case Samples1, Samples2, Samples4, Samples8, Samples16:
		return true
	}
	return false
}

type PresentMode int

const (
	PresentModeFifo PresentMode = iota
	PresentModeMailbox
	PresentModeImmediate
	PresentModeFifoRelaxed
)

type CommandBufferLevel int

const (
	CommandBufferPrimary CommandBufferLevel = iota
	CommandBufferSecondary
)

type SubpassContents int

const (
	SubpassContentsInline SubpassContents = iota
	SubpassContentsSecondaryCommandBuffers
)

type IndexType int

const (
	IndexTypeUint16 IndexType = iota
	IndexTypeUint32
)

type LoadOp int

const (
	LoadOpDontCare LoadOp = iota
	LoadOpClear
	LoadOpLoad
)

type StoreOp int

const (
	StoreOpDontCare StoreOp = iota
	StoreOpStore
)

type ShaderStage uint32

const (
	ShaderStageVertex ShaderStage = 1 << iota
	ShaderStageFragment
	ShaderStageCompute
	ShaderStageRayGen
	ShaderStageMiss
	ShaderStageClosestHit
)

func (s ShaderStage) String() string {
	switch s {
	case ShaderStageVertex:
		return "vertex"
	case ShaderStageFragment:
		return "fragment"
	case ShaderStageCompute:
		return "compute"
	case ShaderStageRayGen:
		return "raygen"
	case ShaderStageMiss:
		return "miss"
	case ShaderStageClosestHit:
		return "closesthit"
	}
	return "unknown"
}

type CullMode int

const (
	CullModeBack CullMode = iota
	CullModeNone
	CullModeFront
	CullModeFrontAndBack
)

type AccelerationStructureType int

const (
	AccelerationStructureBottomLevel AccelerationStructureType = iota
	AccelerationStructureTopLevel
)

type Extent2D struct {
	Width, Height uint32
}

func (e Extent2D) IsZero() bool {
	return e.Width == 0 || e.Height == 0
}

type Extent3D struct {
	Width, Height, Depth uint32
}

type Offset2D struct {
	X, Y int32
}

type Offset3D struct {
	X, Y, Z int32
}

type Rect2D struct {
	Offset Offset2D
	Extent Extent2D
}

type Viewport struct {
	X, Y, Width, Height, MinDepth, MaxDepth float32
}

type QueueFamily struct {
	Flags QueueFlags
	Count uint32
}

type Limits struct {
	MaxPushConstantsSize   uint32
	MaxImageDimension2D    uint32
	NonCoherentAtomSize    uint64
	BufferImageGranularity uint64
	FramebufferSamples     SampleCount
}

type PhysicalDeviceInfo struct {
	Handle        PhysicalDevice
	Name          string
	Type          DeviceType
	VendorID      uint32
	DeviceID      uint32
	APIVersion    uint32
	DriverVersion uint32
	Features      FeatureSet
	Extensions    []string
	QueueFamilies []QueueFamily
	Limits        Limits
}

type DeviceCreateInfo struct {
	QueueFamilyIndex uint32
	QueueCount       uint32
	Features         FeatureSet
	Extensions       []string
}

type MemoryType struct {
	Flags     MemoryPropertyFlags
	HeapIndex uint32
}

type MemoryHeap struct {
	Size        uint64
	DeviceLocal bool
}

type MemoryProperties struct {
	Types []MemoryType
	Heaps []MemoryHeap
}

type MemoryRequirements struct {
	Size      uint64
	Alignment uint64
	TypeBits  uint32
}

type BufferCreateInfo struct {
	Size  uint64
	Usage BufferUsage
}

type ImageCreateInfo struct {
	Type        ImageType
	Format      Format
	Extent      Extent3D
	MipLevels   uint32
	ArrayLayers uint32
	Samples     SampleCount
	Usage       ImageUsage
}

type ImageViewCreateInfo struct {
	Image      Image
	ViewType   ImageViewType
	Format     Format
	Aspect     ImageAspect
	BaseMip    uint32
	MipCount   uint32
	BaseLayer  uint32
	LayerCount uint32
}

type AccelerationStructureCreateInfo struct {
	Type          AccelerationStructureType
	GeometryCount uint32
	InstanceCount uint32
}

// AccelerationStructureGeometry describes the inputs of one build. Bottom
// level structures read triangles, top level structures read instances.
type AccelerationStructureGeometry struct {
	VertexBuffer   Buffer
	VertexStride   uint64
	VertexCount    uint32
	VertexFormat   Format
	IndexBuffer    Buffer
	IndexCount     uint32
	InstanceBuffer Buffer
	InstanceCount  uint32
}

type CommandPoolCreateInfo struct {
	// ResetCommandBuffer allows individual command buffers to be reset.
	ResetCommandBuffer bool
	Transient          bool
}

type InheritanceInfo struct {
	RenderPass  RenderPass
	Subpass     uint32
	Framebuffer Framebuffer
}

type CommandBufferBeginInfo struct {
	OneTimeSubmit      bool
	RenderPassContinue bool
	Inheritance        *InheritanceInfo
}

type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

type BufferImageCopy struct {
	BufferOffset uint64
	Aspect       ImageAspect
	MipLevel     uint32
	BaseLayer    uint32
	LayerCount   uint32
	ImageOffset  Offset3D
	ImageExtent  Extent3D
}

type ImageBarrier struct {
	Image      Image
	OldLayout  Layout
	NewLayout  Layout
	SrcAccess  Access
	DstAccess  Access
	Aspect     ImageAspect
	BaseMip    uint32
	MipCount   uint32
	BaseLayer  uint32
	LayerCount uint32
}

type ClearValue struct {
	Color   [4]float32
	Depth   float32
	Stencil uint32
}

type RenderPassBeginInfo struct {
	RenderPass  RenderPass
	Framebuffer Framebuffer
	Area        Rect2D
	ClearValues []ClearValue
}

type SubmitInfo struct {
	WaitSemaphores   []Semaphore
	WaitStages       []PipelineStage
	CommandBuffers   []CommandBuffer
	SignalSemaphores []Semaphore
}

type PresentInfo struct {
	WaitSemaphores []Semaphore
	Swapchains     []Swapchain
	ImageIndices   []uint32
}

type SurfaceCapabilities struct {
	MinImageCount uint32
	// Zero means no upper bound.
	MaxImageCount uint32
	CurrentExtent Extent2D
	MinExtent     Extent2D
	MaxExtent     Extent2D
}

type SurfaceFormat struct {
	Format     Format
	ColorSpace ColorSpace
}

type SwapchainCreateInfo struct {
	Surface       Surface
	MinImageCount uint32
	Format        Format
	ColorSpace    ColorSpace
	Extent        Extent2D
	Usage         ImageUsage
	PresentMode   PresentMode
	OldSwapchain  Swapchain
}

type AttachmentDescription struct {
	Format        Format
	Samples       SampleCount
	LoadOp        LoadOp
	StoreOp       StoreOp
	InitialLayout Layout
	FinalLayout   Layout
}

type AttachmentReference struct {
	Attachment uint32
	Layout     Layout
}

// RenderPassCreateInfo describes a single subpass render pass.
type RenderPassCreateInfo struct {
	Attachments        []AttachmentDescription
	ColorAttachments   []AttachmentReference
	ResolveAttachments []AttachmentReference
	DepthAttachment    *AttachmentReference
}

type FramebufferCreateInfo struct {
	RenderPass  RenderPass
	Attachments []ImageView
	Extent      Extent2D
	Layers      uint32
}

type ShaderStageInfo struct {
	Stage      ShaderStage
	Module     ShaderModule
	EntryPoint string
}

type VertexAttribute struct {
	Location uint32
	Format   Format
	Offset   uint32
}

type GraphicsPipelineCreateInfo struct {
	Stages           []ShaderStageInfo
	VertexStride     uint32
	VertexAttributes []VertexAttribute
	CullMode         CullMode
	Wireframe        bool
	DepthTest        bool
	DepthWrite       bool
	Blend            bool
	PushConstantSize uint32
	RenderPass       RenderPass
	Samples          SampleCount
}
