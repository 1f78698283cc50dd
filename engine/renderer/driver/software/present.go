package software

import (
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type swapchain struct {
	info     driver.SwapchainCreateInfo
	images   []driver.Image
	acquired []bool
	next     uint32
	// retired swapchains were passed as OldSwapchain to a newer one
	retired   bool
	presented int
}

func (s *swapchain) release(index uint32) {
	if int(index) < len(s.acquired) {
		s.acquired[index] = false
	}
}

func (d *Device) SurfaceSupport(s driver.Surface) (bool, error) {
	surf, ok := d.inst.surface(s)
	if !ok {
		return false, driver.ErrorSurfaceLost
	}
	graphics := d.spec.QueueFamilies[d.family].Flags&driver.QueueGraphics != 0
	return surf.presentable && graphics, nil
}

func (d *Device) SurfaceCapabilities(s driver.Surface) (driver.SurfaceCapabilities, error) {
	surf, ok := d.inst.surface(s)
	if !ok {
		return driver.SurfaceCapabilities{}, driver.ErrorSurfaceLost
	}
	d.mu.Lock()
	minCount, maxCount := d.spec.MinImageCount, d.spec.MaxImageCount
	if d.imageCount != 0 {
		minCount, maxCount = d.imageCount, d.imageCount
	}
	d.mu.Unlock()
	return driver.SurfaceCapabilities{
		MinImageCount: minCount,
		MaxImageCount: maxCount,
		CurrentExtent: surf.extent,
		MinExtent:     driver.Extent2D{Width: 1, Height: 1},
		MaxExtent:     driver.Extent2D{Width: d.spec.Limits.MaxImageDimension2D, Height: d.spec.Limits.MaxImageDimension2D},
	}, nil
}

func (d *Device) SurfaceFormats(s driver.Surface) ([]driver.SurfaceFormat, error) {
	surf, ok := d.inst.surface(s)
	if !ok {
		return nil, driver.ErrorSurfaceLost
	}
	if surf.formats != nil {
		return append([]driver.SurfaceFormat(nil), surf.formats...), nil
	}
	return append([]driver.SurfaceFormat(nil), d.spec.SurfaceFormats...), nil
}

func (d *Device) SurfacePresentModes(s driver.Surface) ([]driver.PresentMode, error) {
	if _, ok := d.inst.surface(s); !ok {
		return nil, driver.ErrorSurfaceLost
	}
	return []driver.PresentMode{driver.PresentModeFifo, driver.PresentModeMailbox, driver.PresentModeImmediate}, nil
}

func (d *Device) CreateSwapchain(info driver.SwapchainCreateInfo) (driver.Swapchain, error) {
	surf, ok := d.inst.surface(info.Surface)
	if !ok {
		return 0, driver.ErrorSurfaceLost
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpCreateSwapchain); err != nil {
		return 0, err
	}
	if info.Extent.IsZero() {
		d.invalid("CreateSwapchain: zero extent")
		return 0, driver.ErrorValidationFailed
	}
	if surf.extent != info.Extent {
		d.invalid("CreateSwapchain: extent %v does not match surface extent %v", info.Extent, surf.extent)
		return 0, driver.ErrorValidationFailed
	}
	if info.MinImageCount < d.spec.MinImageCount || (d.spec.MaxImageCount > 0 && info.MinImageCount > d.spec.MaxImageCount) {
		d.invalid("CreateSwapchain: image count %d outside [%d,%d]", info.MinImageCount, d.spec.MinImageCount, d.spec.MaxImageCount)
		return 0, driver.ErrorValidationFailed
	}
	if info.OldSwapchain != 0 {
		old, ok := d.swapchains[info.OldSwapchain]
		if !ok {
			d.invalid("CreateSwapchain: unknown old swapchain %d", info.OldSwapchain)
			return 0, driver.ErrorValidationFailed
		}
		old.retired = true
	}

	count := info.MinImageCount
	if d.imageCount != 0 {
		count = d.imageCount
	}
	h := driver.Swapchain(d.id())
	sc := &swapchain{info: info, acquired: make([]bool, count)}
	imgInfo := driver.ImageCreateInfo{
		Type:        driver.ImageType2D,
		Format:      info.Format,
		Extent:      driver.Extent3D{Width: info.Extent.Width, Height: info.Extent.Height, Depth: 1},
		MipLevels:   1,
		ArrayLayers: 1,
		Samples:     driver.Samples1,
		Usage:       info.Usage,
	}
	for i := uint32(0); i < count; i++ {
		ih := driver.Image(d.id())
		d.images[ih] = &image{info: imgInfo, swapchain: h, own: make([]byte, imageSize(imgInfo))}
		sc.images = append(sc.images, ih)
	}
	d.swapchains[h] = sc
	d.inst.trackSwapchain(info.Surface, 1)
	return h, nil
}

func (d *Device) SwapchainImages(h driver.Swapchain) ([]driver.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sc, ok := d.swapchains[h]
	if !ok {
		return nil, driver.ErrorValidationFailed
	}
	return append([]driver.Image(nil), sc.images...), nil
}

func (d *Device) AcquireNextImage(h driver.Swapchain, timeout uint64, signal driver.Semaphore) (uint32, driver.Result, error) {
	d.mu.Lock()
	sc, ok := d.swapchains[h]
	var surfHandle driver.Surface
	if ok {
		surfHandle = sc.info.Surface
	}
	d.mu.Unlock()
	if !ok {
		return 0, driver.ErrorValidationFailed, driver.ErrorValidationFailed
	}
	surf, ok := d.inst.surface(surfHandle)
	if !ok {
		return 0, driver.ErrorSurfaceLost, driver.ErrorSurfaceLost
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpAcquireNextImage); err != nil {
		r, _ := err.(driver.Result)
		if r.IsSuccess() {
			// injected Suboptimal still hands out an image
			idx, ok := d.acquire(sc, signal)
			if !ok {
				return 0, driver.ErrorValidationFailed, driver.ErrorValidationFailed
			}
			return idx, r, nil
		}
		return 0, r, err
	}
	if sc.retired || surf.extent != sc.info.Extent {
		return 0, driver.ErrorOutOfDate, driver.ErrorOutOfDate
	}
	idx, ok := d.acquire(sc, signal)
	if !ok {
		return 0, driver.ErrorValidationFailed, driver.ErrorValidationFailed
	}
	return idx, driver.Success, nil
}

// acquire hands out the next free image and signals the semaphore.
func (d *Device) acquire(sc *swapchain, signal driver.Semaphore) (uint32, bool) {
	sem, ok := d.semaphores[signal]
	if !ok {
		d.invalid("AcquireNextImage: unknown semaphore %d", signal)
		return 0, false
	}
	if sem.signaled || sem.pending > 0 {
		d.invalid("AcquireNextImage: semaphore %d already has a pending signal", signal)
		return 0, false
	}
	n := uint32(len(sc.images))
	for i := uint32(0); i < n; i++ {
		idx := (sc.next + i) % n
		if !sc.acquired[idx] {
			sc.acquired[idx] = true
			sc.next = (idx + 1) % n
			sem.signaled = true
			return idx, true
		}
	}
	d.invalid("AcquireNextImage: every image of the swapchain is already acquired")
	return 0, false
}

func (d *Device) DestroySwapchain(h driver.Swapchain) {
	d.mu.Lock()
	sc, ok := d.swapchains[h]
	if !ok {
		d.invalid("DestroySwapchain: unknown swapchain %d (double destroy?)", h)
		d.mu.Unlock()
		return
	}
	for _, ih := range sc.images {
		if img := d.images[ih]; img != nil && img.views > 0 {
			d.invalid("DestroySwapchain: image %d still has %d live view(s)", ih, img.views)
		}
		delete(d.images, ih)
	}
	delete(d.swapchains, h)
	surf := sc.info.Surface
	d.mu.Unlock()
	d.inst.trackSwapchain(surf, -1)
}

// Presented returns how many presents of sc executed.
func (d *Device) Presented(h driver.Swapchain) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sc, ok := d.swapchains[h]; ok {
		return sc.presented
	}
	return 0
}

func (d *Device) QueuePresent(q driver.Queue, info driver.PresentInfo) ([]driver.Result, error) {
	results := make([]driver.Result, len(info.Swapchains))
	type check struct {
		sc      *swapchain
		surface driver.Surface
	}
	d.mu.Lock()
	if err := d.fault(OpQueuePresent); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	checks := make([]check, len(info.Swapchains))
	for i, h := range info.Swapchains {
		sc, ok := d.swapchains[h]
		if !ok {
			d.invalid("QueuePresent: unknown swapchain %d", h)
			d.mu.Unlock()
			return nil, driver.ErrorValidationFailed
		}
		if int(info.ImageIndices[i]) >= len(sc.images) || !sc.acquired[info.ImageIndices[i]] {
			d.invalid("QueuePresent: image %d of swapchain %d was not acquired", info.ImageIndices[i], h)
			d.mu.Unlock()
			return nil, driver.ErrorValidationFailed
		}
		checks[i] = check{sc: sc, surface: sc.info.Surface}
	}
	d.mu.Unlock()

	for i, c := range checks {
		surf, ok := d.inst.surface(c.surface)
		switch {
		case !ok:
			results[i] = driver.ErrorSurfaceLost
		case c.sc.retired || surf.extent != c.sc.info.Extent:
			results[i] = driver.ErrorOutOfDate
		default:
			results[i] = driver.Success
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	qq, ok := d.queueAt(q)
	if !ok {
		return nil, driver.ErrorValidationFailed
	}
	if !d.checkWaits("QueuePresent", info.WaitSemaphores) {
		return nil, driver.ErrorValidationFailed
	}
	p := driver.PresentInfo{
		WaitSemaphores: append([]driver.Semaphore(nil), info.WaitSemaphores...),
		Swapchains:     append([]driver.Swapchain(nil), info.Swapchains...),
		ImageIndices:   append([]uint32(nil), info.ImageIndices...),
	}
	qq.enqueue(batch{present: &p})
	return results, nil
}
