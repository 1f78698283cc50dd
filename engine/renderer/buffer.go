package renderer

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

var errInvalidSize = fmt.Errorf("%w: invalid size", core.ErrInvalidArgument)

func errNotArmed(kind string) error {
	return fmt.Errorf("%w: %s is not armed", core.ErrDestroyed, kind)
}

// Buffer is a linear GPU memory region. Handle and Allocation are both set
// or both zero.
type Buffer struct {
	Handle      driver.Buffer
	Allocation  *Allocation
	Size        uint64
	Usage       driver.BufferUsage
	MemoryUsage MemoryUsage
	Name        string

	ctx *RendererContext
}

func (b *Buffer) Armed() bool {
	return b != nil && b.Handle != 0 && b.Allocation != nil
}

// Destroy frees the handle and its allocation together. Destroying a
// disarmed buffer does nothing.
func (b *Buffer) Destroy() {
	if !b.Armed() {
		return
	}
	b.ctx.Device.DestroyBuffer(b.Handle)
	b.ctx.Allocator.Free(b.Allocation)
	b.Handle, b.Allocation = 0, nil
}

// Map returns the host view of a buffer in host-visible memory.
func (b *Buffer) Map() ([]byte, error) {
	if !b.Armed() {
		return nil, errNotArmed("buffer")
	}
	m, err := b.Allocation.Map()
	if err != nil {
		return nil, err
	}
	return m[:b.Size:b.Size], nil
}

// Upload copies data into a host-visible buffer at offset.
func (b *Buffer) Upload(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > b.Size {
		return fmt.Errorf("upload of %d bytes at %d into %d byte buffer: %w", len(data), offset, b.Size, errInvalidSize)
	}
	m, err := b.Map()
	if err != nil {
		return err
	}
	copy(m[offset:], data)
	return nil
}

// AllocateBuffer creates a buffer with undefined content.
func (c *RendererContext) AllocateBuffer(size uint64, usage driver.BufferUsage, memUsage MemoryUsage) (*Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("allocating buffer: %w", errInvalidSize)
	}
	handle, req, err := c.Device.CreateBuffer(driver.BufferCreateInfo{Size: size, Usage: usage})
	if err != nil {
		return nil, fmt.Errorf("creating buffer: %w", err)
	}
	alloc, err := c.Allocator.Allocate(req, memUsage)
	if err != nil {
		c.Device.DestroyBuffer(handle)
		return nil, fmt.Errorf("allocating buffer memory: %w", err)
	}
	if err := c.Device.BindBufferMemory(handle, alloc.Memory, alloc.Offset); err != nil {
		c.Device.DestroyBuffer(handle)
		c.Allocator.Free(alloc)
		return nil, fmt.Errorf("binding buffer memory: %w", err)
	}
	return &Buffer{
		Handle:      handle,
		Allocation:  alloc,
		Size:        size,
		Usage:       usage,
		MemoryUsage: memUsage,
		Name:        c.nameObject(uint64(handle), driver.ObjectBuffer, "buffer"),
		ctx:         c,
	}, nil
}

// ReallocateBuffer creates a buffer of newSize with the usage and memory
// usage of existing. The existing buffer is left alone: transfers in flight
// may still read it, so destroying it is up to the caller.
func (c *RendererContext) ReallocateBuffer(existing *Buffer, newSize uint64) (*Buffer, error) {
	if existing == nil {
		return nil, fmt.Errorf("%w: nil buffer", core.ErrInvalidArgument)
	}
	return c.AllocateBuffer(newSize, existing.Usage, existing.MemoryUsage)
}

// CreateBufferWithData creates a buffer holding data through a staging
// buffer and a one-time copy. Nothing created on the way survives an error.
func (c *RendererContext) CreateBufferWithData(data []byte, usage driver.BufferUsage, memUsage MemoryUsage) (*Buffer, error) {
	size := uint64(len(data))
	staging, err := c.createStaging(data)
	if err != nil {
		return nil, err
	}
	defer staging.Destroy()

	buf, err := c.AllocateBuffer(size, usage|driver.BufferUsageTransferDst, memUsage)
	if err != nil {
		return nil, err
	}
	err = c.OneTimeSubmit(0, func(cb driver.CommandBuffer) error {
		c.Device.CmdCopyBuffer(cb, staging.Handle, buf.Handle, []driver.BufferCopy{{Size: size}})
		return nil
	})
	if err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("copying staged data: %w", err)
	}
	return buf, nil
}

// createStaging returns a host-visible transfer source holding data.
func (c *RendererContext) createStaging(data []byte) (*Buffer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("staging: %w", errInvalidSize)
	}
	staging, err := c.AllocateBuffer(uint64(len(data)), driver.BufferUsageTransferSrc, MemoryCPUToGPU)
	if err != nil {
		return nil, fmt.Errorf("allocating staging buffer: %w", err)
	}
	if err := staging.Upload(0, data); err != nil {
		staging.Destroy()
		return nil, fmt.Errorf("filling staging buffer: %w", err)
	}
	return staging, nil
}

// ReadBuffer copies the content of a buffer back to the host through a
// GPU-to-CPU buffer.
func (c *RendererContext) ReadBuffer(src *Buffer) ([]byte, error) {
	if !src.Armed() {
		return nil, errNotArmed("buffer")
	}
	if src.Usage&driver.BufferUsageTransferSrc == 0 {
		return nil, fmt.Errorf("%w: buffer '%s' lacks transfer source usage", core.ErrInvalidArgument, src.Name)
	}
	readback, err := c.AllocateBuffer(src.Size, driver.BufferUsageTransferDst, MemoryGPUToCPU)
	if err != nil {
		return nil, err
	}
	defer readback.Destroy()
	if err := c.CopyBuffer(src, readback, src.Size); err != nil {
		return nil, err
	}
	m, err := readback.Map()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), m...), nil
}

// IsDeviceError reports whether err carries a driver result.
func IsDeviceError(err error) bool {
	var r driver.Result
	return errors.As(err, &r)
}
