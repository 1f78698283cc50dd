package renderer

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// AccelerationStructure is a ray tracing structure over device memory. It is
// armed while both the structure and its allocation exist.
type AccelerationStructure struct {
	Handle     driver.AccelerationStructure
	Allocation *Allocation
	// DeviceHandle is the opaque reference used by shaders and instance
	// buffers.
	DeviceHandle uint64
	Kind         driver.AccelerationStructureType
	Name         string

	// dirty requests a rebuild at the start of the next frame
	dirty    atomic.Bool
	geometry driver.AccelerationStructureGeometry
	built    bool
	ctx      *RendererContext
}

func (as *AccelerationStructure) Armed() bool {
	return as != nil && as.Handle != 0 && as.Allocation != nil
}

// CreateAccelerationStructure creates an unbuilt structure sized for the
// given number of geometries or instances.
func (c *RendererContext) CreateAccelerationStructure(kind driver.AccelerationStructureType, geometryCount, instanceCount uint32) (*AccelerationStructure, error) {
	if c.Physical.Features&driver.FeatureRayTracing == 0 {
		return nil, fmt.Errorf("%w: device '%s' has no ray tracing support", core.ErrNotImplemented, c.Physical.Name)
	}
	handle, req, err := c.Device.CreateAccelerationStructure(driver.AccelerationStructureCreateInfo{
		Type:          kind,
		GeometryCount: geometryCount,
		InstanceCount: instanceCount,
	})
	if err != nil {
		if errors.Is(err, driver.ErrorFeatureNotPresent) {
			return nil, fmt.Errorf("%w: %w", core.ErrNotImplemented, err)
		}
		return nil, fmt.Errorf("creating acceleration structure: %w", err)
	}
	alloc, err := c.Allocator.Allocate(req, MemoryGPUOnly)
	if err != nil {
		c.Device.DestroyAccelerationStructure(handle)
		return nil, fmt.Errorf("allocating acceleration structure memory: %w", err)
	}
	if err := c.Device.BindAccelerationStructureMemory(handle, alloc.Memory, alloc.Offset); err != nil {
		c.Device.DestroyAccelerationStructure(handle)
		c.Allocator.Free(alloc)
		return nil, fmt.Errorf("binding acceleration structure memory: %w", err)
	}
	deviceHandle, err := c.Device.AccelerationStructureHandle(handle)
	if err != nil {
		c.Device.DestroyAccelerationStructure(handle)
		c.Allocator.Free(alloc)
		return nil, fmt.Errorf("fetching acceleration structure handle: %w", err)
	}

	as := &AccelerationStructure{
		Handle:       handle,
		Allocation:   alloc,
		DeviceHandle: deviceHandle,
		Kind:         kind,
		Name:         c.nameObject(uint64(handle), driver.ObjectAccelerationStructure, "accel"),
		ctx:          c,
	}
	_ = c.locks.SafeCall(StructureManagement, func() error {
		c.mu.Lock()
		c.structures[as] = struct{}{}
		c.mu.Unlock()
		return nil
	})
	return as, nil
}

// Build records a build of geometry through a one-time submit on queue 0.
// Structures built before are updated in place.
func (as *AccelerationStructure) Build(geometry driver.AccelerationStructureGeometry) (err error) {
	if !as.Armed() {
		return errNotArmed("acceleration structure")
	}
	// marks arriving during the build ask for another one
	as.dirty.Store(false)
	defer func() {
		if err != nil {
			as.dirty.Store(true)
		}
	}()
	c := as.ctx
	update := as.built
	scratchSize, err := c.Device.AccelerationStructureScratchSize(as.Handle, update)
	if err != nil {
		return fmt.Errorf("querying scratch size for '%s': %w", as.Name, err)
	}
	scratch, err := c.AllocateBuffer(scratchSize, driver.BufferUsageRayTracing, MemoryGPUOnly)
	if err != nil {
		return fmt.Errorf("allocating scratch for '%s': %w", as.Name, err)
	}
	defer scratch.Destroy()

	err = c.OneTimeSubmit(0, func(cb driver.CommandBuffer) error {
		c.Device.CmdBuildAccelerationStructure(cb, as.Handle, geometry, scratch.Handle, update)
		return nil
	})
	if err != nil {
		return fmt.Errorf("building '%s': %w", as.Name, err)
	}
	as.geometry = geometry
	as.built = true
	return nil
}

// MarkDirty schedules a rebuild with the last geometry. Safe from any
// goroutine.
func (as *AccelerationStructure) MarkDirty() {
	as.dirty.Store(true)
}

func (as *AccelerationStructure) IsDirty() bool {
	return as.dirty.Load()
}

// RebuildIfDirty rebuilds with the geometry of the last build. A structure
// never built is left alone.
func (as *AccelerationStructure) RebuildIfDirty() error {
	if !as.dirty.Load() || !as.built {
		return nil
	}
	return as.Build(as.geometry)
}

// Destroy is a no-op on a disarmed structure.
func (as *AccelerationStructure) Destroy() {
	if !as.Armed() {
		return
	}
	c := as.ctx
	_ = c.locks.SafeCall(StructureManagement, func() error {
		c.mu.Lock()
		delete(c.structures, as)
		c.mu.Unlock()
		return nil
	})
	c.Device.DestroyAccelerationStructure(as.Handle)
	c.Allocator.Free(as.Allocation)
	as.Handle, as.Allocation, as.DeviceHandle = 0, nil, 0
	as.built = false
}

// rebuildDirty rebuilds every dirty structure. Failures are logged.
func (c *RendererContext) rebuildDirty() {
	var dirty []*AccelerationStructure
	_ = c.locks.SafeCall(StructureManagement, func() error {
		c.mu.Lock()
		for as := range c.structures {
			if as.dirty.Load() {
				dirty = append(dirty, as)
			}
		}
		c.mu.Unlock()
		return nil
	})
	for _, as := range dirty {
		if err := as.RebuildIfDirty(); err != nil {
			core.LogError("Failed to rebuild acceleration structure '%s': %s", as.Name, err)
		}
	}
}
