package software

import (
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type memory struct {
	size      uint64
	typeIndex uint32
	data      []byte
	mapped    bool
	bindings  int
}

// bytes materializes the backing store on first use.
func (m *memory) bytes() []byte {
	if m.data == nil {
		m.data = make([]byte, m.size)
	}
	return m.data
}

type buffer struct {
	info   driver.BufferCreateInfo
	mem    driver.Memory
	offset uint64
	bound  bool
}

type image struct {
	info      driver.ImageCreateInfo
	mem       driver.Memory
	offset    uint64
	bound     bool
	layout    driver.Layout
	views     int
	swapchain driver.Swapchain
	// swapchain images own their storage
	own []byte
}

type imageView struct {
	info         driver.ImageViewCreateInfo
	framebuffers int
}

type accelStructure struct {
	info  driver.AccelerationStructureCreateInfo
	mem   driver.Memory
	bound bool
	built bool
	// builds counts executed build commands
	builds int
}

// texelSize is the per-texel byte size of every format the device can store.
func texelSize(f driver.Format) (uint64, bool) {
	switch f {
	case driver.FormatR8Unorm:
		return 1, true
	case driver.FormatR8G8B8A8Unorm, driver.FormatR8G8B8A8Srgb, driver.FormatB8G8R8A8Unorm, driver.FormatB8G8R8A8Srgb,
		driver.FormatR32Sfloat, driver.FormatD32Sfloat, driver.FormatD24UnormS8Uint:
		return 4, true
	case driver.FormatD32SfloatS8Uint, driver.FormatR32G32Sfloat:
		return 8, true
	case driver.FormatR32G32B32Sfloat:
		return 12, true
	case driver.FormatR32G32B32A32Sfloat:
		return 16, true
	}
	return 0, false
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// mipExtent returns the extent of a mip level.
func mipExtent(e driver.Extent3D, level uint32) driver.Extent3D {
	return driver.Extent3D{
		Width:  maxu32(e.Width>>level, 1),
		Height: maxu32(e.Height>>level, 1),
		Depth:  maxu32(e.Depth>>level, 1),
	}
}

// layerSize is the byte size of one array layer of one mip level.
func layerSize(info driver.ImageCreateInfo, level uint32) uint64 {
	bpp, _ := texelSize(info.Format)
	e := mipExtent(info.Extent, level)
	return uint64(e.Width) * uint64(e.Height) * uint64(e.Depth) * bpp * uint64(maxu32(uint32(info.Samples), 1))
}

// mipOffset is where a mip level starts inside the image storage. Levels
// are packed one after another, each holding all array layers.
func mipOffset(info driver.ImageCreateInfo, level uint32) uint64 {
	off := uint64(0)
	for l := uint32(0); l < level; l++ {
		off += layerSize(info, l) * uint64(maxu32(info.ArrayLayers, 1))
	}
	return off
}

func imageSize(info driver.ImageCreateInfo) uint64 {
	return mipOffset(info, maxu32(info.MipLevels, 1))
}

func alignUp(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}

func (d *Device) allTypeBits() uint32 {
	return uint32(1)<<uint32(len(d.spec.Memory.Types)) - 1
}

func (d *Device) MemoryProperties() driver.MemoryProperties {
	return d.spec.Memory
}

func (d *Device) AllocateMemory(size uint64, typeIndex uint32) (driver.Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpAllocateMemory); err != nil {
		return 0, err
	}
	if int(typeIndex) >= len(d.spec.Memory.Types) || size == 0 {
		d.invalid("AllocateMemory: invalid type index %d or size %d", typeIndex, size)
		return 0, driver.ErrorValidationFailed
	}
	heap := d.spec.Memory.Types[typeIndex].HeapIndex
	if d.heapUsage[heap]+size > d.spec.Memory.Heaps[heap].Size {
		return 0, driver.ErrorOutOfDeviceMemory
	}
	d.heapUsage[heap] += size
	h := driver.Memory(d.id())
	d.memories[h] = &memory{size: size, typeIndex: typeIndex}
	return h, nil
}

func (d *Device) FreeMemory(h driver.Memory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.memories[h]
	if !ok {
		d.invalid("FreeMemory: unknown memory %d (double free?)", h)
		return
	}
	if m.bindings > 0 {
		d.invalid("FreeMemory: memory %d freed with %d live binding(s)", h, m.bindings)
	}
	d.heapUsage[d.spec.Memory.Types[m.typeIndex].HeapIndex] -= m.size
	delete(d.memories, h)
}

func (d *Device) MapMemory(h driver.Memory, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpMapMemory); err != nil {
		return nil, err
	}
	m, ok := d.memories[h]
	if !ok {
		d.invalid("MapMemory: unknown memory %d", h)
		return nil, driver.ErrorValidationFailed
	}
	if d.spec.Memory.Types[m.typeIndex].Flags&driver.MemoryHostVisible == 0 {
		return nil, driver.ErrorMemoryMapFailed
	}
	if m.mapped {
		d.invalid("MapMemory: memory %d is already mapped", h)
		return nil, driver.ErrorMemoryMapFailed
	}
	if offset+size > m.size {
		d.invalid("MapMemory: range [%d,%d) outside memory of size %d", offset, offset+size, m.size)
		return nil, driver.ErrorMemoryMapFailed
	}
	m.mapped = true
	return m.bytes()[offset : offset+size : offset+size], nil
}

func (d *Device) UnmapMemory(h driver.Memory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.memories[h]
	if !ok || !m.mapped {
		d.invalid("UnmapMemory: memory %d is not mapped", h)
		return
	}
	m.mapped = false
}

func (d *Device) CreateBuffer(info driver.BufferCreateInfo) (driver.Buffer, driver.MemoryRequirements, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpCreateBuffer); err != nil {
		return 0, driver.MemoryRequirements{}, err
	}
	if info.Size == 0 {
		d.invalid("CreateBuffer: zero size")
		return 0, driver.MemoryRequirements{}, driver.ErrorValidationFailed
	}
	alignment := uint64(16)
	if info.Usage&(driver.BufferUsageUniform|driver.BufferUsageStorage) != 0 {
		alignment = 256
	}
	h := driver.Buffer(d.id())
	d.buffers[h] = &buffer{info: info}
	return h, driver.MemoryRequirements{
		Size:      alignUp(info.Size, alignment),
		Alignment: alignment,
		TypeBits:  d.allTypeBits(),
	}, nil
}

func (d *Device) bindCheck(h driver.Memory, offset, size, alignment uint64) (*memory, bool) {
	m, ok := d.memories[h]
	if !ok {
		d.invalid("bind: unknown memory %d", h)
		return nil, false
	}
	if offset%alignment != 0 || offset+size > m.size {
		d.invalid("bind: offset %d size %d does not fit memory %d (size %d, alignment %d)", offset, size, h, m.size, alignment)
		return nil, false
	}
	return m, true
}

func (d *Device) BindBufferMemory(b driver.Buffer, h driver.Memory, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpBindBufferMemory); err != nil {
		return err
	}
	buf, ok := d.buffers[b]
	if !ok || buf.bound {
		d.invalid("BindBufferMemory: buffer %d unknown or already bound", b)
		return driver.ErrorValidationFailed
	}
	m, ok := d.bindCheck(h, offset, buf.info.Size, 16)
	if !ok {
		return driver.ErrorValidationFailed
	}
	m.bindings++
	buf.mem, buf.offset, buf.bound = h, offset, true
	return nil
}

func (d *Device) DestroyBuffer(b driver.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[b]
	if !ok {
		d.invalid("DestroyBuffer: unknown buffer %d (double destroy?)", b)
		return
	}
	if buf.bound {
		if m, ok := d.memories[buf.mem]; ok {
			m.bindings--
		}
	}
	delete(d.buffers, b)
}

// bufferBytes returns the bound storage of a buffer. Callers hold d.mu.
func (d *Device) bufferBytes(b driver.Buffer) ([]byte, bool) {
	buf, ok := d.buffers[b]
	if !ok || !buf.bound {
		return nil, false
	}
	m, ok := d.memories[buf.mem]
	if !ok {
		return nil, false
	}
	return m.bytes()[buf.offset : buf.offset+buf.info.Size], true
}

// imageBytes returns the storage of an image. Callers hold d.mu.
func (d *Device) imageBytes(i driver.Image) ([]byte, bool) {
	img, ok := d.images[i]
	if !ok {
		return nil, false
	}
	if img.own != nil {
		return img.own, true
	}
	if !img.bound {
		return nil, false
	}
	m, ok := d.memories[img.mem]
	if !ok {
		return nil, false
	}
	return m.bytes()[img.offset : img.offset+imageSize(img.info)], true
}

func (d *Device) CreateImage(info driver.ImageCreateInfo) (driver.Image, driver.MemoryRequirements, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpCreateImage); err != nil {
		return 0, driver.MemoryRequirements{}, err
	}
	if _, ok := texelSize(info.Format); !ok {
		return 0, driver.MemoryRequirements{}, driver.ErrorFormatNotSupported
	}
	if info.Extent.Width == 0 || info.Extent.Height == 0 || info.Extent.Depth == 0 {
		d.invalid("CreateImage: zero extent %v", info.Extent)
		return 0, driver.MemoryRequirements{}, driver.ErrorValidationFailed
	}
	if info.MipLevels == 0 {
		info.MipLevels = 1
	}
	if info.ArrayLayers == 0 {
		info.ArrayLayers = 1
	}
	if info.Samples == 0 {
		info.Samples = driver.Samples1
	}
	h := driver.Image(d.id())
	d.images[h] = &image{info: info, layout: driver.LayoutUndefined}
	return h, driver.MemoryRequirements{
		Size:      alignUp(imageSize(info), 1024),
		Alignment: 1024,
		TypeBits:  d.allTypeBits(),
	}, nil
}

func (d *Device) BindImageMemory(i driver.Image, h driver.Memory, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpBindImageMemory); err != nil {
		return err
	}
	img, ok := d.images[i]
	if !ok || img.bound || img.swapchain != 0 {
		d.invalid("BindImageMemory: image %d unknown, already bound or owned by a swapchain", i)
		return driver.ErrorValidationFailed
	}
	m, ok := d.bindCheck(h, offset, imageSize(img.info), 1024)
	if !ok {
		return driver.ErrorValidationFailed
	}
	m.bindings++
	img.mem, img.offset, img.bound = h, offset, true
	return nil
}

func (d *Device) DestroyImage(i driver.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[i]
	if !ok {
		d.invalid("DestroyImage: unknown image %d (double destroy?)", i)
		return
	}
	if img.swapchain != 0 {
		d.invalid("DestroyImage: image %d belongs to swapchain %d", i, img.swapchain)
		return
	}
	if img.views > 0 {
		d.invalid("DestroyImage: image %d destroyed with %d live view(s)", i, img.views)
	}
	if img.bound {
		if m, ok := d.memories[img.mem]; ok {
			m.bindings--
		}
	}
	delete(d.images, i)
}

// ImageLayout reports the layout an image is in on the queue timeline.
func (d *Device) ImageLayout(i driver.Image) driver.Layout {
	d.mu.Lock()
	defer d.mu.Unlock()
	if img, ok := d.images[i]; ok {
		return img.layout
	}
	return driver.LayoutUndefined
}

func (d *Device) CreateImageView(info driver.ImageViewCreateInfo) (driver.ImageView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpCreateImageView); err != nil {
		return 0, err
	}
	img, ok := d.images[info.Image]
	if !ok {
		d.invalid("CreateImageView: unknown image %d", info.Image)
		return 0, driver.ErrorValidationFailed
	}
	img.views++
	h := driver.ImageView(d.id())
	d.views[h] = &imageView{info: info}
	return h, nil
}

func (d *Device) DestroyImageView(v driver.ImageView) {
	d.mu.Lock()
	defer d.mu.Unlock()
	view, ok := d.views[v]
	if !ok {
		d.invalid("DestroyImageView: unknown view %d (double destroy?)", v)
		return
	}
	if view.framebuffers > 0 {
		d.invalid("DestroyImageView: view %d destroyed while used by %d framebuffer(s)", v, view.framebuffers)
	}
	if img, ok := d.images[view.info.Image]; ok {
		img.views--
	}
	delete(d.views, v)
}

func (d *Device) rayTracing() bool {
	return d.spec.Features&driver.FeatureRayTracing != 0
}

func (d *Device) CreateAccelerationStructure(info driver.AccelerationStructureCreateInfo) (driver.AccelerationStructure, driver.MemoryRequirements, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.rayTracing() {
		return 0, driver.MemoryRequirements{}, driver.ErrorFeatureNotPresent
	}
	if err := d.fault(OpCreateAccelerationStructure); err != nil {
		return 0, driver.MemoryRequirements{}, err
	}
	size := uint64(4096) + uint64(info.GeometryCount)*256 + uint64(info.InstanceCount)*64
	h := driver.AccelerationStructure(d.id())
	d.structures[h] = &accelStructure{info: info}
	return h, driver.MemoryRequirements{Size: alignUp(size, 256), Alignment: 256, TypeBits: 1}, nil
}

func (d *Device) AccelerationStructureScratchSize(as driver.AccelerationStructure, update bool) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.structures[as]
	if !ok {
		return 0, driver.ErrorValidationFailed
	}
	size := uint64(1024) + uint64(s.info.GeometryCount)*128 + uint64(s.info.InstanceCount)*32
	if update {
		size /= 2
	}
	return size, nil
}

func (d *Device) BindAccelerationStructureMemory(as driver.AccelerationStructure, h driver.Memory, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpBindAccelerationStructure); err != nil {
		return err
	}
	s, ok := d.structures[as]
	if !ok || s.bound {
		d.invalid("BindAccelerationStructureMemory: structure %d unknown or already bound", as)
		return driver.ErrorValidationFailed
	}
	m, ok := d.bindCheck(h, offset, 1, 256)
	if !ok {
		return driver.ErrorValidationFailed
	}
	m.bindings++
	s.mem, s.bound = h, true
	return nil
}

func (d *Device) AccelerationStructureHandle(as driver.AccelerationStructure) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpAccelerationStructureHandle); err != nil {
		return 0, err
	}
	s, ok := d.structures[as]
	if !ok || !s.bound {
		return 0, driver.ErrorValidationFailed
	}
	return 0xA5000000 | uint64(as), nil
}

func (d *Device) DestroyAccelerationStructure(as driver.AccelerationStructure) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.structures[as]
	if !ok {
		d.invalid("DestroyAccelerationStructure: unknown structure %d (double destroy?)", as)
		return
	}
	if s.bound {
		if m, ok := d.memories[s.mem]; ok {
			m.bindings--
		}
	}
	delete(d.structures, as)
}

// AccelerationStructureBuilds returns how many builds executed for as.
func (d *Device) AccelerationStructureBuilds(as driver.AccelerationStructure) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.structures[as]; ok {
		return s.builds
	}
	return 0
}
