package vulkan

import (
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

var formats = map[driver.Format]vk.Format{
	driver.FormatUndefined:          vk.FormatUndefined,
	driver.FormatR8Unorm:            vk.FormatR8Unorm,
	driver.FormatR8G8B8A8Unorm:      vk.FormatR8g8b8a8Unorm,
	driver.FormatR8G8B8A8Srgb:       vk.FormatR8g8b8a8Srgb,
	driver.FormatB8G8R8A8Unorm:      vk.FormatB8g8r8a8Unorm,
	driver.FormatB8G8R8A8Srgb:       vk.FormatB8g8r8a8Srgb,
	driver.FormatR32Sfloat:          vk.FormatR32Sfloat,
	driver.FormatR32G32Sfloat:       vk.FormatR32g32Sfloat,
	driver.FormatR32G32B32Sfloat:    vk.FormatR32g32b32Sfloat,
	driver.FormatR32G32B32A32Sfloat: vk.FormatR32g32b32a32Sfloat,
	driver.FormatD32Sfloat:          vk.FormatD32Sfloat,
	driver.FormatD24UnormS8Uint:     vk.FormatD24UnormS8Uint,
	driver.FormatD32SfloatS8Uint:    vk.FormatD32SfloatS8Uint,
}

func toFormat(f driver.Format) vk.Format {
	return formats[f]
}

// fromFormat reports false for native formats the driver has no name for.
func fromFormat(f vk.Format) (driver.Format, bool) {
	for k, v := range formats {
		if v == f {
			return k, true
		}
	}
	return driver.FormatUndefined, false
}

// VK_COLOR_SPACE_EXTENDED_SRGB_LINEAR_EXT
const colorSpaceExtendedSrgbLinear vk.ColorSpace = 1000104002

func toColorSpace(c driver.ColorSpace) vk.ColorSpace {
	if c == driver.ColorSpaceExtendedSrgbLinear {
		return colorSpaceExtendedSrgbLinear
	}
	return vk.ColorSpaceSrgbNonlinear
}

func fromColorSpace(c vk.ColorSpace) (driver.ColorSpace, bool) {
	switch c {
	case vk.ColorSpaceSrgbNonlinear:
		return driver.ColorSpaceSrgbNonlinear, true
	case colorSpaceExtendedSrgbLinear:
		return driver.ColorSpaceExtendedSrgbLinear, true
	}
	return 0, false
}

var layouts = map[driver.Layout]vk.ImageLayout{
	driver.LayoutUndefined:              vk.ImageLayoutUndefined,
	driver.LayoutGeneral:                vk.ImageLayoutGeneral,
	driver.LayoutColorAttachment:        vk.ImageLayoutColorAttachmentOptimal,
	driver.LayoutDepthStencilAttachment: vk.ImageLayoutDepthStencilAttachmentOptimal,
	driver.LayoutShaderReadOnly:         vk.ImageLayoutShaderReadOnlyOptimal,
	driver.LayoutTransferSrc:            vk.ImageLayoutTransferSrcOptimal,
	driver.LayoutTransferDst:            vk.ImageLayoutTransferDstOptimal,
	driver.LayoutPresentSrc:             vk.ImageLayoutPresentSrc,
}

func toLayout(l driver.Layout) vk.ImageLayout {
	return layouts[l]
}

// bits maps every set driver bit to its native counterpart. Bits without a
// native counterpart are dropped.
func bits[D ~uint32, N ~int32 | ~uint32](v D, table map[D]N) uint32 {
	var out uint32
	for d, n := range table {
		if v&d != 0 {
			out |= uint32(n)
		}
	}
	return out
}

var stageBits = map[driver.PipelineStage]vk.PipelineStageFlagBits{
	driver.StageTopOfPipe:             vk.PipelineStageTopOfPipeBit,
	driver.StageDrawIndirect:          vk.PipelineStageDrawIndirectBit,
	driver.StageVertexInput:           vk.PipelineStageVertexInputBit,
	driver.StageVertexShader:          vk.PipelineStageVertexShaderBit,
	driver.StageFragmentShader:        vk.PipelineStageFragmentShaderBit,
	driver.StageEarlyFragmentTests:    vk.PipelineStageEarlyFragmentTestsBit,
	driver.StageLateFragmentTests:     vk.PipelineStageLateFragmentTestsBit,
	driver.StageColorAttachmentOutput: vk.PipelineStageColorAttachmentOutputBit,
	driver.StageComputeShader:         vk.PipelineStageComputeShaderBit,
	driver.StageTransfer:              vk.PipelineStageTransferBit,
	driver.StageBottomOfPipe:          vk.PipelineStageBottomOfPipeBit,
	driver.StageAllCommands:           vk.PipelineStageAllCommandsBit,
}

func toStages(s driver.PipelineStage) vk.PipelineStageFlags {
	out := bits(s, stageBits)
	if out == 0 {
		out = uint32(vk.PipelineStageAllCommandsBit)
	}
	return vk.PipelineStageFlags(out)
}

var accessBits = map[driver.Access]vk.AccessFlagBits{
	driver.AccessShaderRead:                  vk.AccessShaderReadBit,
	driver.AccessShaderWrite:                 vk.AccessShaderWriteBit,
	driver.AccessColorAttachmentRead:         vk.AccessColorAttachmentReadBit,
	driver.AccessColorAttachmentWrite:        vk.AccessColorAttachmentWriteBit,
	driver.AccessDepthStencilAttachmentRead:  vk.AccessDepthStencilAttachmentReadBit,
	driver.AccessDepthStencilAttachmentWrite: vk.AccessDepthStencilAttachmentWriteBit,
	driver.AccessTransferRead:                vk.AccessTransferReadBit,
	driver.AccessTransferWrite:               vk.AccessTransferWriteBit,
	driver.AccessHostRead:                    vk.AccessHostReadBit,
	driver.AccessHostWrite:                   vk.AccessHostWriteBit,
	driver.AccessMemoryRead:                  vk.AccessMemoryReadBit,
	driver.AccessMemoryWrite:                 vk.AccessMemoryWriteBit,
}

func toAccess(a driver.Access) vk.AccessFlags {
	return vk.AccessFlags(bits(a, accessBits))
}

var aspectBits = map[driver.ImageAspect]vk.ImageAspectFlagBits{
	driver.AspectColor:   vk.ImageAspectColorBit,
	driver.AspectDepth:   vk.ImageAspectDepthBit,
	driver.AspectStencil: vk.ImageAspectStencilBit,
}

func toAspect(a driver.ImageAspect) vk.ImageAspectFlags {
	return vk.ImageAspectFlags(bits(a, aspectBits))
}

var bufferUsageBits = map[driver.BufferUsage]vk.BufferUsageFlagBits{
	driver.BufferUsageTransferSrc: vk.BufferUsageTransferSrcBit,
	driver.BufferUsageTransferDst: vk.BufferUsageTransferDstBit,
	driver.BufferUsageUniform:     vk.BufferUsageUniformBufferBit,
	driver.BufferUsageStorage:     vk.BufferUsageStorageBufferBit,
	driver.BufferUsageIndex:       vk.BufferUsageIndexBufferBit,
	driver.BufferUsageVertex:      vk.BufferUsageVertexBufferBit,
	driver.BufferUsageIndirect:    vk.BufferUsageIndirectBufferBit,
}

func toBufferUsage(u driver.BufferUsage) vk.BufferUsageFlags {
	return vk.BufferUsageFlags(bits(u, bufferUsageBits))
}

var imageUsageBits = map[driver.ImageUsage]vk.ImageUsageFlagBits{
	driver.ImageUsageTransferSrc:            vk.ImageUsageTransferSrcBit,
	driver.ImageUsageTransferDst:            vk.ImageUsageTransferDstBit,
	driver.ImageUsageSampled:                vk.ImageUsageSampledBit,
	driver.ImageUsageStorage:                vk.ImageUsageStorageBit,
	driver.ImageUsageColorAttachment:        vk.ImageUsageColorAttachmentBit,
	driver.ImageUsageDepthStencilAttachment: vk.ImageUsageDepthStencilAttachmentBit,
	driver.ImageUsageTransientAttachment:    vk.ImageUsageTransientAttachmentBit,
}

func toImageUsage(u driver.ImageUsage) vk.ImageUsageFlags {
	return vk.ImageUsageFlags(bits(u, imageUsageBits))
}

var memoryPropertyBits = map[driver.MemoryPropertyFlags]vk.MemoryPropertyFlagBits{
	driver.MemoryDeviceLocal:     vk.MemoryPropertyDeviceLocalBit,
	driver.MemoryHostVisible:     vk.MemoryPropertyHostVisibleBit,
	driver.MemoryHostCoherent:    vk.MemoryPropertyHostCoherentBit,
	driver.MemoryHostCached:      vk.MemoryPropertyHostCachedBit,
	driver.MemoryLazilyAllocated: vk.MemoryPropertyLazilyAllocatedBit,
}

func fromMemoryProperties(f vk.MemoryPropertyFlags) driver.MemoryPropertyFlags {
	var out driver.MemoryPropertyFlags
	for d, n := range memoryPropertyBits {
		if uint32(f)&uint32(n) != 0 {
			out |= d
		}
	}
	return out
}

func fromQueueFlags(f vk.QueueFlags) driver.QueueFlags {
	var out driver.QueueFlags
	if uint32(f)&uint32(vk.QueueGraphicsBit) != 0 {
		out |= driver.QueueGraphics
	}
	if uint32(f)&uint32(vk.QueueComputeBit) != 0 {
		out |= driver.QueueCompute
	}
	if uint32(f)&uint32(vk.QueueTransferBit) != 0 {
		out |= driver.QueueTransfer
	}
	return out
}

func fromDeviceType(t vk.PhysicalDeviceType) driver.DeviceType {
	switch t {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return driver.DeviceTypeIntegratedGPU
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return driver.DeviceTypeDiscreteGPU
	case vk.PhysicalDeviceTypeVirtualGpu:
		return driver.DeviceTypeVirtualGPU
	case vk.PhysicalDeviceTypeCpu:
		return driver.DeviceTypeCPU
	}
	return driver.DeviceTypeOther
}

func toShaderStages(s driver.ShaderStage) vk.ShaderStageFlags {
	var out vk.ShaderStageFlags
	if s&driver.ShaderStageVertex != 0 {
		out |= vk.ShaderStageFlags(vk.ShaderStageVertexBit)
	}
	if s&driver.ShaderStageFragment != 0 {
		out |= vk.ShaderStageFlags(vk.ShaderStageFragmentBit)
	}
	if s&driver.ShaderStageCompute != 0 {
		out |= vk.ShaderStageFlags(vk.ShaderStageComputeBit)
	}
	return out
}

func toShaderStage(s driver.ShaderStage) vk.ShaderStageFlagBits {
	switch s {
	case driver.ShaderStageFragment:
		return vk.ShaderStageFragmentBit
	case driver.ShaderStageCompute:
		return vk.ShaderStageComputeBit
	}
	return vk.ShaderStageVertexBit
}

func toSamples(s driver.SampleCount) vk.SampleCountFlagBits {
	if !s.Valid() {
		return vk.SampleCount1Bit
	}
	// The native bits equal the sample counts.
	return vk.SampleCountFlagBits(s)
}

// maxSamples returns the highest count present in both masks.
func maxSamples(color, depth vk.SampleCountFlags) driver.SampleCount {
	both := uint32(color) & uint32(depth)
	for _, s := range []driver.SampleCount{driver.Samples16, driver.Samples8, driver.Samples4, driver.Samples2} {
		if both&uint32(s) != 0 {
			return s
		}
	}
	return driver.Samples1
}

func toPresentMode(m driver.PresentMode) vk.PresentMode {
	switch m {
	case driver.PresentModeMailbox:
		return vk.PresentModeMailbox
	case driver.PresentModeImmediate:
		return vk.PresentModeImmediate
	case driver.PresentModeFifoRelaxed:
		return vk.PresentModeFifoRelaxed
	}
	return vk.PresentModeFifo
}

func fromPresentMode(m vk.PresentMode) (driver.PresentMode, bool) {
	switch m {
	case vk.PresentModeFifo:
		return driver.PresentModeFifo, true
	case vk.PresentModeMailbox:
		return driver.PresentModeMailbox, true
	case vk.PresentModeImmediate:
		return driver.PresentModeImmediate, true
	case vk.PresentModeFifoRelaxed:
		return driver.PresentModeFifoRelaxed, true
	}
	return 0, false
}

func toImageType(t driver.ImageType) vk.ImageType {
	switch t {
	case driver.ImageType1D:
		return vk.ImageType1d
	case driver.ImageType3D:
		return vk.ImageType3d
	}
	return vk.ImageType2d
}

func toViewType(t driver.ImageViewType) vk.ImageViewType {
	switch t {
	case driver.ImageViewType1D:
		return vk.ImageViewType1d
	case driver.ImageViewType3D:
		return vk.ImageViewType3d
	case driver.ImageViewTypeCube:
		return vk.ImageViewTypeCube
	case driver.ImageViewType2DArray:
		return vk.ImageViewType2dArray
	}
	return vk.ImageViewType2d
}

func toLoadOp(op driver.LoadOp) vk.AttachmentLoadOp {
	switch op {
	case driver.LoadOpClear:
		return vk.AttachmentLoadOpClear
	case driver.LoadOpLoad:
		return vk.AttachmentLoadOpLoad
	}
	return vk.AttachmentLoadOpDontCare
}

func toStoreOp(op driver.StoreOp) vk.AttachmentStoreOp {
	if op == driver.StoreOpStore {
		return vk.AttachmentStoreOpStore
	}
	return vk.AttachmentStoreOpDontCare
}

func toCullMode(m driver.CullMode) vk.CullModeFlags {
	switch m {
	case driver.CullModeNone:
		return vk.CullModeFlags(vk.CullModeNone)
	case driver.CullModeFront:
		return vk.CullModeFlags(vk.CullModeFrontBit)
	case driver.CullModeFrontAndBack:
		return vk.CullModeFlags(vk.CullModeFrontAndBack)
	}
	return vk.CullModeFlags(vk.CullModeBackBit)
}

func toIndexType(t driver.IndexType) vk.IndexType {
	if t == driver.IndexTypeUint32 {
		return vk.IndexTypeUint32
	}
	return vk.IndexTypeUint16
}

func toExtent2D(e driver.Extent2D) vk.Extent2D {
	return vk.Extent2D{Width: e.Width, Height: e.Height}
}

func fromExtent2D(e vk.Extent2D) driver.Extent2D {
	e.Deref()
	return driver.Extent2D{Width: e.Width, Height: e.Height}
}

func toRect2D(r driver.Rect2D) vk.Rect2D {
	return vk.Rect2D{
		Offset: vk.Offset2D{X: r.Offset.X, Y: r.Offset.Y},
		Extent: toExtent2D(r.Extent),
	}
}
