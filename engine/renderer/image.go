package renderer

import (
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// bytesPerTexel is the only source of truth for texel sizes.
var bytesPerTexel = map[driver.Format]uint64{
	driver.FormatR8G8B8A8Unorm:      4,
	driver.FormatR8G8B8A8Srgb:       4,
	driver.FormatB8G8R8A8Unorm:      4,
	driver.FormatB8G8R8A8Srgb:       4,
	driver.FormatR32Sfloat:          4,
	driver.FormatR32G32B32A32Sfloat: 16,
	driver.FormatR8Unorm:            1,
	driver.FormatD32Sfloat:          4,
}

// BytesPerTexel fails with core.ErrUnsupportedFormat for formats outside
// the table.
func BytesPerTexel(f driver.Format) (uint64, error) {
	n, ok := bytesPerTexel[f]
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrUnsupportedFormat, f)
	}
	return n, nil
}

type ImageDesc struct {
	Type        driver.ImageType
	Format      driver.Format
	Extent      driver.Extent3D
	MipLevels   uint32
	ArrayLayers uint32
	Samples     driver.SampleCount
	Usage       driver.ImageUsage
}

// withDefaults fills the counts left at zero.
func (d ImageDesc) withDefaults() ImageDesc {
	if d.MipLevels == 0 {
		d.MipLevels = 1
	}
	if d.ArrayLayers == 0 {
		d.ArrayLayers = 1
	}
	if d.Samples == 0 {
		d.Samples = driver.Samples1
	}
	if d.Extent.Depth == 0 {
		d.Extent.Depth = 1
	}
	if d.Extent.Height == 0 {
		d.Extent.Height = 1
	}
	return d
}

// MipExtent is the extent of one mip level.
func (d ImageDesc) MipExtent(level uint32) driver.Extent3D {
	shrink := func(v uint32) uint32 {
		if v >>= level; v == 0 {
			return 1
		}
		return v
	}
	return driver.Extent3D{Width: shrink(d.Extent.Width), Height: shrink(d.Extent.Height), Depth: shrink(d.Extent.Depth)}
}

// MipSize is the byte size of one mip level across all array layers.
func (d ImageDesc) MipSize(level uint32) (uint64, error) {
	bpp, err := BytesPerTexel(d.Format)
	if err != nil {
		return 0, err
	}
	d = d.withDefaults()
	e := d.MipExtent(level)
	return uint64(e.Width) * uint64(e.Height) * uint64(e.Depth) * uint64(d.ArrayLayers) * bpp, nil
}

// DataSize is the byte size of tightly packed data for every mip level,
// levels stored one after another.
func (d ImageDesc) DataSize() (uint64, error) {
	d = d.withDefaults()
	total := uint64(0)
	for level := uint32(0); level < d.MipLevels; level++ {
		n, err := d.MipSize(level)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Image is a GPU texture or render target. Handle and Allocation are both
// set or both zero.
type Image struct {
	Handle      driver.Image
	Allocation  *Allocation
	Desc        ImageDesc
	MemoryUsage MemoryUsage
	Layout      driver.Layout
	Name        string

	ctx *RendererContext
}

func (img *Image) Armed() bool {
	return img != nil && img.Handle != 0 && img.Allocation != nil
}

// Destroy is a no-op on a disarmed image. Views are separate objects and
// must be destroyed first.
func (img *Image) Destroy() {
	if !img.Armed() {
		return
	}
	img.ctx.Device.DestroyImage(img.Handle)
	img.ctx.Allocator.Free(img.Allocation)
	img.Handle, img.Allocation = 0, nil
	img.Layout = driver.LayoutUndefined
}

// AllocateImage creates an image with undefined content in the undefined
// layout.
func (c *RendererContext) AllocateImage(desc ImageDesc, memUsage MemoryUsage) (*Image, error) {
	desc = desc.withDefaults()
	if desc.Extent.Width == 0 {
		return nil, fmt.Errorf("allocating image: %w", errInvalidSize)
	}
	if _, err := BytesPerTexel(desc.Format); err != nil {
		return nil, err
	}
	handle, req, err := c.Device.CreateImage(driver.ImageCreateInfo{
		Type:        desc.Type,
		Format:      desc.Format,
		Extent:      desc.Extent,
		MipLevels:   desc.MipLevels,
		ArrayLayers: desc.ArrayLayers,
		Samples:     desc.Samples,
		Usage:       desc.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("creating image: %w", err)
	}
	alloc, err := c.Allocator.Allocate(req, memUsage)
	if err != nil {
		c.Device.DestroyImage(handle)
		return nil, fmt.Errorf("allocating image memory: %w", err)
	}
	if err := c.Device.BindImageMemory(handle, alloc.Memory, alloc.Offset); err != nil {
		c.Device.DestroyImage(handle)
		c.Allocator.Free(alloc)
		return nil, fmt.Errorf("binding image memory: %w", err)
	}
	return &Image{
		Handle:      handle,
		Allocation:  alloc,
		Desc:        desc,
		MemoryUsage: memUsage,
		Layout:      driver.LayoutUndefined,
		Name:        c.nameObject(uint64(handle), driver.ObjectImage, "image"),
		ctx:         c,
	}, nil
}

// ReallocateImage creates an image like existing with the given extent. As
// with ReallocateBuffer the existing image stays alive until the caller
// destroys it.
func (c *RendererContext) ReallocateImage(existing *Image, extent driver.Extent3D) (*Image, error) {
	if existing == nil {
		return nil, fmt.Errorf("%w: nil image", core.ErrInvalidArgument)
	}
	desc := existing.Desc
	desc.Extent = extent
	return c.AllocateImage(desc, existing.MemoryUsage)
}

// CreateImageWithData uploads data, every mip level packed one after the
// other, into a new image. The image ends in ShaderReadOnly for GPU-only
// memory and in General otherwise. Every object created on the way is
// destroyed when a step fails.
func (c *RendererContext) CreateImageWithData(desc ImageDesc, data []byte, memUsage MemoryUsage) (*Image, error) {
	desc = desc.withDefaults()
	size, err := desc.DataSize()
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != size {
		return nil, fmt.Errorf("%w: %d bytes of data for a %d byte image", core.ErrInvalidArgument, len(data), size)
	}

	staging, err := c.createStaging(data)
	if err != nil {
		return nil, err
	}
	defer staging.Destroy()

	final := desc
	final.Usage |= driver.ImageUsageTransferDst
	img, err := c.AllocateImage(final, memUsage)
	if err != nil {
		return nil, err
	}

	if err := c.TransitionImage(img, driver.LayoutUndefined, driver.LayoutTransferDst); err != nil {
		img.Destroy()
		return nil, err
	}

	regions := make([]driver.BufferImageCopy, 0, desc.MipLevels)
	offset := uint64(0)
	for level := uint32(0); level < desc.MipLevels; level++ {
		regions = append(regions, driver.BufferImageCopy{
			BufferOffset: offset,
			Aspect:       AspectFor(desc.Format),
			MipLevel:     level,
			LayerCount:   desc.ArrayLayers,
			ImageExtent:  desc.MipExtent(level),
		})
		n, _ := desc.MipSize(level)
		offset += n
	}
	err = c.OneTimeSubmit(0, func(cb driver.CommandBuffer) error {
		c.Device.CmdCopyBufferToImage(cb, staging.Handle, img.Handle, driver.LayoutTransferDst, regions)
		return nil
	})
	if err != nil {
		img.Destroy()
		return nil, fmt.Errorf("copying staged texels: %w", err)
	}

	target := driver.LayoutGeneral
	if memUsage == MemoryGPUOnly {
		target = driver.LayoutShaderReadOnly
	}
	if err := c.TransitionImage(img, driver.LayoutTransferDst, target); err != nil {
		img.Destroy()
		return nil, err
	}
	return img, nil
}

type ImageViewDesc struct {
	ViewType driver.ImageViewType
	// Aspect defaults to the aspect of the image format.
	Aspect    driver.ImageAspect
	BaseMip   uint32
	MipCount  uint32
	BaseLayer uint32
	// LayerCount and MipCount default to everything from the base.
	LayerCount uint32
}

type ImageView struct {
	Handle driver.ImageView
	Image  *Image

	ctx *RendererContext
}

func (c *RendererContext) CreateImageView(img *Image, desc ImageViewDesc) (*ImageView, error) {
	if !img.Armed() {
		return nil, errNotArmed("image")
	}
	if desc.Aspect == 0 {
		desc.Aspect = AspectFor(img.Desc.Format)
	}
	if desc.MipCount == 0 {
		desc.MipCount = img.Desc.MipLevels - desc.BaseMip
	}
	if desc.LayerCount == 0 {
		desc.LayerCount = img.Desc.ArrayLayers - desc.BaseLayer
	}
	h, err := c.Device.CreateImageView(driver.ImageViewCreateInfo{
		Image:      img.Handle,
		ViewType:   desc.ViewType,
		Format:     img.Desc.Format,
		Aspect:     desc.Aspect,
		BaseMip:    desc.BaseMip,
		MipCount:   desc.MipCount,
		BaseLayer:  desc.BaseLayer,
		LayerCount: desc.LayerCount,
	})
	if err != nil {
		return nil, fmt.Errorf("creating image view: %w", err)
	}
	c.nameObject(uint64(h), driver.ObjectImageView, "view")
	return &ImageView{Handle: h, Image: img, ctx: c}, nil
}

func (v *ImageView) Destroy() {
	if v == nil || v.Handle == 0 {
		return
	}
	v.ctx.Device.DestroyImageView(v.Handle)
	v.Handle = 0
}
