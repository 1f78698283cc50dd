package renderer

import (
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// OneTimeSubmit records commands into a fresh primary command buffer of the
// queue's pool, submits it against the queue's fence and blocks until the
// fence signals. The fence is reset and the command buffer freed before
// returning. If the fence wait fails the queue is drained instead, so the
// fence never stays signaled. A command buffer whose submission cannot be
// shown complete is leaked rather than freed while pending. Calls on the
// same queue are serialized.
func (c *RendererContext) OneTimeSubmit(queueIndex int, record func(cb driver.CommandBuffer) error) error {
	slot, err := c.slot(queueIndex)
	if err != nil {
		return err
	}
	return c.locks.SafeQueueCall(uint32(queueIndex), func() error {
		dev := c.Device

		// Begin
		cb, err := dev.AllocateCommandBuffer(slot.pool, driver.CommandBufferPrimary)
		if err != nil {
			return fmt.Errorf("allocating one-time command buffer: %w", err)
		}
		submitted := false
		defer func() {
			if !submitted {
				dev.FreeCommandBuffer(slot.pool, cb)
			}
		}()
		if err := dev.BeginCommandBuffer(cb, driver.CommandBufferBeginInfo{OneTimeSubmit: true}); err != nil {
			return fmt.Errorf("beginning one-time command buffer: %w", err)
		}

		// Record
		if err := record(cb); err != nil {
			return err
		}

		// End & Submit
		if err := dev.EndCommandBuffer(cb); err != nil {
			return fmt.Errorf("ending one-time command buffer: %w", err)
		}
		submit := driver.SubmitInfo{CommandBuffers: []driver.CommandBuffer{cb}}
		if err := dev.QueueSubmit(slot.queue, []driver.SubmitInfo{submit}, slot.fence); err != nil {
			return fmt.Errorf("submitting one-time command buffer: %w", err)
		}
		submitted = true

		// Wait & Reset
		waitErr := dev.WaitForFences([]driver.Fence{slot.fence}, driver.Forever)
		if waitErr != nil {
			if err := dev.QueueWaitIdle(slot.queue); err != nil {
				core.LogError("One-time submit on queue %d never completed, leaking its command buffer: %s", queueIndex, err)
				return fmt.Errorf("waiting for one-time submit: %w", waitErr)
			}
		}
		dev.FreeCommandBuffer(slot.pool, cb)
		if err := dev.ResetFences([]driver.Fence{slot.fence}); err != nil {
			return fmt.Errorf("resetting one-time submit fence: %w", err)
		}
		if waitErr != nil {
			return fmt.Errorf("waiting for one-time submit: %w", waitErr)
		}
		return nil
	})
}

// CopyBuffer copies size bytes from src to dst on queue 0 and waits.
func (c *RendererContext) CopyBuffer(src, dst *Buffer, size uint64) error {
	if !src.Armed() || !dst.Armed() {
		return errNotArmed("buffer")
	}
	if size > src.Size || size > dst.Size {
		return fmt.Errorf("copy of %d bytes exceeds buffer sizes %d and %d: %w", size, src.Size, dst.Size, errInvalidSize)
	}
	return c.OneTimeSubmit(0, func(cb driver.CommandBuffer) error {
		c.Device.CmdCopyBuffer(cb, src.Handle, dst.Handle, []driver.BufferCopy{{Size: size}})
		return nil
	})
}
