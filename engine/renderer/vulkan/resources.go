package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

func (d *Device) AllocateMemory(size uint64, typeIndex uint32) (driver.Memory, error) {
	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(size),
		MemoryTypeIndex: typeIndex,
	}
	var mem vk.DeviceMemory
	if err := checkCall("vkAllocateMemory", vk.AllocateMemory(d.handle, &allocateInfo, nil, &mem)); err != nil {
		return 0, err
	}
	return driver.Memory(d.memories.add(mem)), nil
}

func (d *Device) FreeMemory(m driver.Memory) {
	if mem, ok := d.memories.remove(uint64(m)); ok {
		vk.FreeMemory(d.handle, mem, nil)
		d.forgetName(uint64(m))
	}
}

func (d *Device) MapMemory(m driver.Memory, offset, size uint64) ([]byte, error) {
	mem, ok := d.memories.get(uint64(m))
	if !ok {
		return nil, fmt.Errorf("unknown memory %d: %w", m, driver.ErrorMemoryMapFailed)
	}
	var data unsafe.Pointer
	if err := checkCall("vkMapMemory", vk.MapMemory(d.handle, mem, vk.DeviceSize(offset), vk.DeviceSize(size), 0, &data)); err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(data), size), nil
}

func (d *Device) UnmapMemory(m driver.Memory) {
	if mem, ok := d.memories.get(uint64(m)); ok {
		vk.UnmapMemory(d.handle, mem)
	}
}

func (d *Device) CreateBuffer(info driver.BufferCreateInfo) (driver.Buffer, driver.MemoryRequirements, error) {
	if info.Usage&driver.BufferUsageRayTracing != 0 {
		return 0, driver.MemoryRequirements{}, fmt.Errorf("ray tracing buffer: %w", driver.ErrorFeatureNotPresent)
	}
	bufferInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(info.Size),
		Usage:       toBufferUsage(info.Usage),
		SharingMode: vk.SharingModeExclusive,
	}
	var buf vk.Buffer
	if err := checkCall("vkCreateBuffer", vk.CreateBuffer(d.handle, &bufferInfo, nil, &buf)); err != nil {
		return 0, driver.MemoryRequirements{}, err
	}
	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.handle, buf, &req)
	req.Deref()
	return driver.Buffer(d.buffers.add(buf)), requirements(req), nil
}

func requirements(req vk.MemoryRequirements) driver.MemoryRequirements {
	return driver.MemoryRequirements{
		Size:      uint64(req.Size),
		Alignment: uint64(req.Alignment),
		TypeBits:  req.MemoryTypeBits,
	}
}

func (d *Device) BindBufferMemory(b driver.Buffer, m driver.Memory, offset uint64) error {
	buf, ok := d.buffers.get(uint64(b))
	if !ok {
		return fmt.Errorf("unknown buffer %d: %w", b, driver.ErrorUnknown)
	}
	mem, ok := d.memories.get(uint64(m))
	if !ok {
		return fmt.Errorf("unknown memory %d: %w", m, driver.ErrorUnknown)
	}
	return checkCall("vkBindBufferMemory "+d.name(uint64(b)), vk.BindBufferMemory(d.handle, buf, mem, vk.DeviceSize(offset)))
}

func (d *Device) DestroyBuffer(b driver.Buffer) {
	if buf, ok := d.buffers.remove(uint64(b)); ok {
		vk.DestroyBuffer(d.handle, buf, nil)
		d.forgetName(uint64(b))
	}
}

func (d *Device) CreateImage(info driver.ImageCreateInfo) (driver.Image, driver.MemoryRequirements, error) {
	imageInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: toImageType(info.Type),
		Format:    toFormat(info.Format),
		Extent: vk.Extent3D{
			Width:  info.Extent.Width,
			Height: info.Extent.Height,
			Depth:  max(info.Extent.Depth, 1),
		},
		MipLevels:     max(info.MipLevels, 1),
		ArrayLayers:   max(info.ArrayLayers, 1),
		Samples:       toSamples(info.Samples),
		Tiling:        vk.ImageTilingOptimal,
		Usage:         toImageUsage(info.Usage),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	var img vk.Image
	if err := checkCall("vkCreateImage", vk.CreateImage(d.handle, &imageInfo, nil, &img)); err != nil {
		return 0, driver.MemoryRequirements{}, err
	}
	var req vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.handle, img, &req)
	req.Deref()
	return driver.Image(d.images.add(image{handle: img})), requirements(req), nil
}

func (d *Device) BindImageMemory(i driver.Image, m driver.Memory, offset uint64) error {
	img, ok := d.images.get(uint64(i))
	if !ok {
		return fmt.Errorf("unknown image %d: %w", i, driver.ErrorUnknown)
	}
	mem, ok := d.memories.get(uint64(m))
	if !ok {
		return fmt.Errorf("unknown memory %d: %w", m, driver.ErrorUnknown)
	}
	return checkCall("vkBindImageMemory "+d.name(uint64(i)), vk.BindImageMemory(d.handle, img.handle, mem, vk.DeviceSize(offset)))
}

func (d *Device) DestroyImage(i driver.Image) {
	img, ok := d.images.get(uint64(i))
	if !ok {
		return
	}
	if img.swapchain {
		core.LogWarn("image %s belongs to a swapchain and is not destroyed", d.name(uint64(i)))
		return
	}
	d.images.remove(uint64(i))
	vk.DestroyImage(d.handle, img.handle, nil)
	d.forgetName(uint64(i))
}

func (d *Device) CreateImageView(info driver.ImageViewCreateInfo) (driver.ImageView, error) {
	img, ok := d.images.get(uint64(info.Image))
	if !ok {
		return 0, fmt.Errorf("unknown image %d: %w", info.Image, driver.ErrorUnknown)
	}
	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    img.handle,
		ViewType: toViewType(info.ViewType),
		Format:   toFormat(info.Format),
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     toAspect(info.Aspect),
			BaseMipLevel:   info.BaseMip,
			LevelCount:     max(info.MipCount, 1),
			BaseArrayLayer: info.BaseLayer,
			LayerCount:     max(info.LayerCount, 1),
		},
	}
	var view vk.ImageView
	if err := checkCall("vkCreateImageView", vk.CreateImageView(d.handle, &viewInfo, nil, &view)); err != nil {
		return 0, err
	}
	return driver.ImageView(d.views.add(view)), nil
}

func (d *Device) DestroyImageView(v driver.ImageView) {
	if view, ok := d.views.remove(uint64(v)); ok {
		vk.DestroyImageView(d.handle, view, nil)
		d.forgetName(uint64(v))
	}
}

// Acceleration structures need the NV ray tracing entry points, which the
// bindings do not load. The device never reports FeatureRayTracing.

func (d *Device) CreateAccelerationStructure(info driver.AccelerationStructureCreateInfo) (driver.AccelerationStructure, driver.MemoryRequirements, error) {
	return 0, driver.MemoryRequirements{}, driver.ErrorFeatureNotPresent
}

func (d *Device) AccelerationStructureScratchSize(as driver.AccelerationStructure, update bool) (uint64, error) {
	return 0, driver.ErrorFeatureNotPresent
}

func (d *Device) BindAccelerationStructureMemory(as driver.AccelerationStructure, m driver.Memory, offset uint64) error {
	return driver.ErrorFeatureNotPresent
}

func (d *Device) AccelerationStructureHandle(as driver.AccelerationStructure) (uint64, error) {
	return 0, driver.ErrorFeatureNotPresent
}

func (d *Device) DestroyAccelerationStructure(driver.AccelerationStructure) {}
