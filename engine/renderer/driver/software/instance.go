// Package software is a CPU reference implementation of the driver
// interfaces. Memory, fences, semaphores, queues and swapchains are
// simulated; copies and layout transitions really execute on the queue
// timeline, and misuse is recorded as validation errors.
package software

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

const (
	ExtensionSwapchain  = "VK_KHR_swapchain"
	ExtensionRayTracing = "VK_NV_ray_tracing"
)

// DeviceSpec describes one simulated physical device.
type DeviceSpec struct {
	Name          string
	Type          driver.DeviceType
	Features      driver.FeatureSet
	Extensions    []string
	QueueFamilies []driver.QueueFamily
	Memory        driver.MemoryProperties
	Limits        driver.Limits

	SurfaceFormats []driver.SurfaceFormat
	MinImageCount  uint32
	MaxImageCount  uint32
}

// DefaultDeviceSpec is a single graphics family with two queues, one
// device-local heap and one host-visible heap.
func DefaultDeviceSpec() DeviceSpec {
	return DeviceSpec{
		Name:     "Lumen Software Device",
		Type:     driver.DeviceTypeCPU,
		Features: driver.FeatureSamplerAnisotropy | driver.FeatureFillModeNonSolid | driver.FeatureSampleRateShading | driver.FeatureRayTracing,
		Extensions: []string{
			ExtensionSwapchain,
			ExtensionRayTracing,
		},
		QueueFamilies: []driver.QueueFamily{
			{Flags: driver.QueueTransfer, Count: 1},
			{Flags: driver.QueueGraphics | driver.QueueCompute | driver.QueueTransfer, Count: 2},
		},
		Memory: driver.MemoryProperties{
			Types: []driver.MemoryType{
				{Flags: driver.MemoryDeviceLocal, HeapIndex: 0},
				{Flags: driver.MemoryHostVisible | driver.MemoryHostCoherent, HeapIndex: 1},
				{Flags: driver.MemoryHostVisible | driver.MemoryHostCoherent | driver.MemoryHostCached, HeapIndex: 1},
			},
			Heaps: []driver.MemoryHeap{
				{Size: 512 << 20, DeviceLocal: true},
				{Size: 256 << 20},
			},
		},
		Limits: driver.Limits{
			MaxPushConstantsSize:   128,
			MaxImageDimension2D:    16384,
			NonCoherentAtomSize:    64,
			BufferImageGranularity: 1024,
			FramebufferSamples:     driver.Samples8,
		},
		SurfaceFormats: []driver.SurfaceFormat{
			{Format: driver.FormatB8G8R8A8Unorm, ColorSpace: driver.ColorSpaceSrgbNonlinear},
			{Format: driver.FormatB8G8R8A8Srgb, ColorSpace: driver.ColorSpaceSrgbNonlinear},
		},
		MinImageCount: 2,
		MaxImageCount: 3,
	}
}

type Option func(*Instance)

// WithDevices replaces the default device list.
func WithDevices(specs ...DeviceSpec) Option {
	return func(i *Instance) {
		i.specs = specs
	}
}

type surface struct {
	extent      driver.Extent2D
	presentable bool
	// formats overrides the device's formats when set
	formats    []driver.SurfaceFormat
	swapchains int
}

// Instance implements driver.Instance.
type Instance struct {
	mu         sync.Mutex
	specs      []DeviceSpec
	extensions []string
	layers     []string
	surfaces   map[driver.Surface]*surface
	nextID     uint64
	devices    map[*Device]struct{}
	destroyed  bool
}

// WithLayers reports layers as enabled on the instance.
func WithLayers(layers ...string) Option {
	return func(i *Instance) {
		i.layers = layers
	}
}

func NewInstance(opts ...Option) *Instance {
	i := &Instance{
		specs:      []DeviceSpec{DefaultDeviceSpec()},
		extensions: []string{"VK_KHR_surface"},
		surfaces:   make(map[driver.Surface]*surface),
		devices:    make(map[*Device]struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Instance) PhysicalDevices() ([]driver.PhysicalDeviceInfo, error) {
	out := make([]driver.PhysicalDeviceInfo, 0, len(i.specs))
	for idx, s := range i.specs {
		out = append(out, driver.PhysicalDeviceInfo{
			Handle:        driver.PhysicalDevice(idx + 1),
			Name:          s.Name,
			Type:          s.Type,
			VendorID:      0x10005,
			APIVersion:    1<<22 | 3<<12,
			Features:      s.Features,
			Extensions:    append([]string(nil), s.Extensions...),
			QueueFamilies: append([]driver.QueueFamily(nil), s.QueueFamilies...),
			Limits:        s.Limits,
		})
	}
	return out, nil
}

func (i *Instance) CreateDevice(pd driver.PhysicalDevice, info driver.DeviceCreateInfo) (driver.Device, error) {
	idx := int(pd) - 1
	if idx < 0 || idx >= len(i.specs) {
		return nil, driver.ErrorInitializationFailed
	}
	spec := i.specs[idx]
	if int(info.QueueFamilyIndex) >= len(spec.QueueFamilies) {
		return nil, driver.ErrorInitializationFailed
	}
	family := spec.QueueFamilies[info.QueueFamilyIndex]
	if info.QueueCount == 0 || info.QueueCount > family.Count {
		return nil, driver.ErrorInitializationFailed
	}
	if info.Features&^spec.Features != 0 {
		return nil, driver.ErrorFeatureNotPresent
	}
	for _, ext := range info.Extensions {
		if !contains(spec.Extensions, ext) {
			return nil, driver.ErrorExtensionNotPresent
		}
	}

	d := newDevice(i, spec, info)
	i.mu.Lock()
	i.devices[d] = struct{}{}
	i.mu.Unlock()
	core.LogDebug("software device '%s' created with %d queue(s)", spec.Name, info.QueueCount)
	return d, nil
}

func (i *Instance) EnabledExtensions() []string {
	return append([]string(nil), i.extensions...)
}

func (i *Instance) EnabledLayers() []string {
	return append([]string(nil), i.layers...)
}

func (i *Instance) NativeHandle() interface{} {
	return i
}

// SurfaceFromNative adopts a native handle as a headless surface of extent 0x0.
func (i *Instance) SurfaceFromNative(native uintptr) driver.Surface {
	s, _ := i.CreateHeadlessSurface(driver.Extent2D{})
	return s
}

func (i *Instance) CreateHeadlessSurface(extent driver.Extent2D) (driver.Surface, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.nextID++
	h := driver.Surface(i.nextID)
	i.surfaces[h] = &surface{extent: extent, presentable: true}
	return h, nil
}

func (i *Instance) ResizeHeadlessSurface(s driver.Surface, extent driver.Extent2D) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	surf, ok := i.surfaces[s]
	if !ok {
		return driver.ErrorSurfaceLost
	}
	surf.extent = extent
	return nil
}

// SetSurfacePresentable controls what SurfaceSupport reports for s.
func (i *Instance) SetSurfacePresentable(s driver.Surface, presentable bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if surf, ok := i.surfaces[s]; ok {
		surf.presentable = presentable
	}
}

// SetSurfaceFormats overrides the formats reported for s.
func (i *Instance) SetSurfaceFormats(s driver.Surface, formats []driver.SurfaceFormat) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if surf, ok := i.surfaces[s]; ok {
		surf.formats = formats
	}
}

func (i *Instance) surface(s driver.Surface) (surface, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	surf, ok := i.surfaces[s]
	if !ok {
		return surface{}, false
	}
	return *surf, true
}

func (i *Instance) trackSwapchain(s driver.Surface, delta int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if surf, ok := i.surfaces[s]; ok {
		surf.swapchains += delta
	}
}

func (i *Instance) DestroySurface(s driver.Surface) {
	i.mu.Lock()
	defer i.mu.Unlock()
	surf, ok := i.surfaces[s]
	if !ok {
		return
	}
	if surf.swapchains > 0 {
		core.LogError("software: surface %d destroyed with %d live swapchain(s)", s, surf.swapchains)
	}
	delete(i.surfaces, s)
}

func (i *Instance) releaseDevice(d *Device) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.devices, d)
}

// LiveDevices is the number of devices created and not yet destroyed.
func (i *Instance) LiveDevices() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.devices)
}

// LiveSurfaces is the number of surfaces not yet destroyed.
func (i *Instance) LiveSurfaces() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.surfaces)
}

func (i *Instance) Destroyed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.destroyed
}

func (i *Instance) Destroy() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.destroyed {
		return
	}
	if len(i.devices) > 0 {
		core.LogError("software: instance destroyed with %d live device(s)", len(i.devices))
	}
	i.destroyed = true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s DeviceSpec) String() string {
	return fmt.Sprintf("%s (%s)", s.Name, s.Type)
}
