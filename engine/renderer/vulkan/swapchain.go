package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

func (d *Device) SurfaceSupport(s driver.Surface) (bool, error) {
	surface, err := d.inst.surface(s)
	if err != nil {
		return false, err
	}
	var supported vk.Bool32
	if err := checkCall("vkGetPhysicalDeviceSurfaceSupport", vk.GetPhysicalDeviceSurfaceSupport(d.physical, d.family, surface, &supported)); err != nil {
		return false, err
	}
	return supported == vk.True, nil
}

func (d *Device) SurfaceCapabilities(s driver.Surface) (driver.SurfaceCapabilities, error) {
	surface, err := d.inst.surface(s)
	if err != nil {
		return driver.SurfaceCapabilities{}, err
	}
	var caps vk.SurfaceCapabilities
	if err := checkCall("vkGetPhysicalDeviceSurfaceCapabilities", vk.GetPhysicalDeviceSurfaceCapabilities(d.physical, surface, &caps)); err != nil {
		return driver.SurfaceCapabilities{}, err
	}
	caps.Deref()
	return driver.SurfaceCapabilities{
		MinImageCount: caps.MinImageCount,
		MaxImageCount: caps.MaxImageCount,
		CurrentExtent: fromExtent2D(caps.CurrentExtent),
		MinExtent:     fromExtent2D(caps.MinImageExtent),
		MaxExtent:     fromExtent2D(caps.MaxImageExtent),
	}, nil
}

// SurfaceFormats lists the formats the driver can name; others are skipped.
func (d *Device) SurfaceFormats(s driver.Surface) ([]driver.SurfaceFormat, error) {
	surface, err := d.inst.surface(s)
	if err != nil {
		return nil, err
	}
	var count uint32
	if err := checkCall("vkGetPhysicalDeviceSurfaceFormats", vk.GetPhysicalDeviceSurfaceFormats(d.physical, surface, &count, nil)); err != nil {
		return nil, err
	}
	formats := make([]vk.SurfaceFormat, count)
	if count > 0 {
		if err := checkCall("vkGetPhysicalDeviceSurfaceFormats", vk.GetPhysicalDeviceSurfaceFormats(d.physical, surface, &count, formats)); err != nil {
			return nil, err
		}
	}
	out := make([]driver.SurfaceFormat, 0, count)
	for i := range formats[:count] {
		formats[i].Deref()
		f, ok := fromFormat(formats[i].Format)
		if !ok {
			continue
		}
		cs, ok := fromColorSpace(formats[i].ColorSpace)
		if !ok {
			continue
		}
		out = append(out, driver.SurfaceFormat{Format: f, ColorSpace: cs})
	}
	return out, nil
}

func (d *Device) SurfacePresentModes(s driver.Surface) ([]driver.PresentMode, error) {
	surface, err := d.inst.surface(s)
	if err != nil {
		return nil, err
	}
	var count uint32
	if err := checkCall("vkGetPhysicalDeviceSurfacePresentModes", vk.GetPhysicalDeviceSurfacePresentModes(d.physical, surface, &count, nil)); err != nil {
		return nil, err
	}
	modes := make([]vk.PresentMode, count)
	if count > 0 {
		if err := checkCall("vkGetPhysicalDeviceSurfacePresentModes", vk.GetPhysicalDeviceSurfacePresentModes(d.physical, surface, &count, modes)); err != nil {
			return nil, err
		}
	}
	out := make([]driver.PresentMode, 0, count)
	for _, m := range modes[:count] {
		if pm, ok := fromPresentMode(m); ok {
			out = append(out, pm)
		}
	}
	return out, nil
}

func (d *Device) CreateSwapchain(info driver.SwapchainCreateInfo) (driver.Swapchain, error) {
	surface, err := d.inst.surface(info.Surface)
	if err != nil {
		return 0, err
	}
	var caps vk.SurfaceCapabilities
	if err := checkCall("vkGetPhysicalDeviceSurfaceCapabilities", vk.GetPhysicalDeviceSurfaceCapabilities(d.physical, surface, &caps)); err != nil {
		return 0, err
	}
	caps.Deref()

	old := vk.NullSwapchain
	if info.OldSwapchain != 0 {
		sc, ok := d.swapchains.get(uint64(info.OldSwapchain))
		if !ok {
			return 0, fmt.Errorf("unknown old swapchain %d: %w", info.OldSwapchain, driver.ErrorValidationFailed)
		}
		old = sc.handle
	}

	createInfo := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          surface,
		MinImageCount:    info.MinImageCount,
		ImageFormat:      toFormat(info.Format),
		ImageColorSpace:  toColorSpace(info.ColorSpace),
		ImageExtent:      toExtent2D(info.Extent),
		ImageArrayLayers: 1,
		ImageUsage:       toImageUsage(info.Usage),
		ImageSharingMode: vk.SharingModeExclusive,
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      toPresentMode(info.PresentMode),
		Clipped:          vk.True,
		OldSwapchain:     old,
	}
	var handle vk.Swapchain
	if err := checkCall("vkCreateSwapchain", vk.CreateSwapchain(d.handle, &createInfo, nil, &handle)); err != nil {
		return 0, err
	}

	var count uint32
	if err := checkCall("vkGetSwapchainImages", vk.GetSwapchainImages(d.handle, handle, &count, nil)); err != nil {
		vk.DestroySwapchain(d.handle, handle, nil)
		return 0, err
	}
	images := make([]vk.Image, count)
	if err := checkCall("vkGetSwapchainImages", vk.GetSwapchainImages(d.handle, handle, &count, images)); err != nil {
		vk.DestroySwapchain(d.handle, handle, nil)
		return 0, err
	}

	sc := &swapchain{handle: handle}
	for _, img := range images[:count] {
		sc.images = append(sc.images, driver.Image(d.images.add(image{handle: img, swapchain: true})))
	}
	core.LogDebug("Swapchain created with %d images at %dx%d", count, info.Extent.Width, info.Extent.Height)
	return driver.Swapchain(d.swapchains.add(sc)), nil
}

func (d *Device) SwapchainImages(h driver.Swapchain) ([]driver.Image, error) {
	sc, ok := d.swapchains.get(uint64(h))
	if !ok {
		return nil, fmt.Errorf("unknown swapchain %d: %w", h, driver.ErrorValidationFailed)
	}
	return append([]driver.Image(nil), sc.images...), nil
}

func (d *Device) AcquireNextImage(h driver.Swapchain, timeout uint64, signal driver.Semaphore) (uint32, driver.Result, error) {
	sc, ok := d.swapchains.get(uint64(h))
	if !ok {
		return 0, driver.ErrorValidationFailed, driver.ErrorValidationFailed
	}
	sem, ok := d.semaphores.get(uint64(signal))
	if !ok {
		return 0, driver.ErrorValidationFailed, driver.ErrorValidationFailed
	}
	var index uint32
	res := result(vk.AcquireNextImage(d.handle, sc.handle, timeout, sem, vk.NullFence, &index))
	if !res.IsSuccess() || res == driver.Timeout || res == driver.NotReady {
		return 0, res, res
	}
	return index, res, nil
}

func (d *Device) DestroySwapchain(h driver.Swapchain) {
	sc, ok := d.swapchains.remove(uint64(h))
	if !ok {
		return
	}
	for _, img := range sc.images {
		d.images.remove(uint64(img))
		d.forgetName(uint64(img))
	}
	vk.DestroySwapchain(d.handle, sc.handle, nil)
	d.forgetName(uint64(h))
}

// QueuePresent presents every swapchain of info in one call and reports the
// per swapchain results.
func (d *Device) QueuePresent(q driver.Queue, info driver.PresentInfo) ([]driver.Result, error) {
	queue, err := d.queue(q)
	if err != nil {
		return nil, err
	}
	waits, err := d.semaphoreHandles(info.WaitSemaphores)
	if err != nil {
		return nil, err
	}
	swapchains := make([]vk.Swapchain, len(info.Swapchains))
	for i, h := range info.Swapchains {
		sc, ok := d.swapchains.get(uint64(h))
		if !ok {
			return nil, fmt.Errorf("unknown swapchain %d: %w", h, driver.ErrorValidationFailed)
		}
		swapchains[i] = sc.handle
	}
	results := make([]vk.Result, len(swapchains))
	presentInfo := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: uint32(len(waits)),
		PWaitSemaphores:    waits,
		SwapchainCount:     uint32(len(swapchains)),
		PSwapchains:        swapchains,
		PImageIndices:      info.ImageIndices,
		PResults:           results,
	}
	res := result(vk.QueuePresent(queue, &presentInfo))

	out := make([]driver.Result, len(results))
	for i, r := range results {
		out[i] = result(r)
	}
	// Per swapchain out-of-date and surface-lost are reported through out.
	if res == driver.ErrorOutOfDate || res == driver.ErrorSurfaceLost {
		return out, nil
	}
	if err := check(res); err != nil {
		core.LogError("vkQueuePresent failed with %s", res.Describe())
		return out, err
	}
	return out, nil
}
