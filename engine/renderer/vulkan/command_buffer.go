package vulkan

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type commandBufferState int

const (
	commandBufferReady commandBufferState = iota
	commandBufferRecording
	commandBufferInRenderPass
	commandBufferRecordingEnded
)

// VK_QUEUE_FAMILY_IGNORED
const queueFamilyIgnored = ^uint32(0)

type commandBuffer struct {
	mu     sync.Mutex
	handle vk.CommandBuffer
	pool   driver.CommandPool
	state  commandBufferState
	// err collects recording failures, reported by EndCommandBuffer.
	err error
}

func (d *Device) CreateCommandPool(info driver.CommandPoolCreateInfo) (driver.CommandPool, error) {
	var flags vk.CommandPoolCreateFlags
	if info.ResetCommandBuffer {
		flags |= vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit)
	}
	if info.Transient {
		flags |= vk.CommandPoolCreateFlags(vk.CommandPoolCreateTransientBit)
	}
	poolCreateInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: d.family,
		Flags:            flags,
	}
	var pool vk.CommandPool
	if err := checkCall("vkCreateCommandPool", vk.CreateCommandPool(d.handle, &poolCreateInfo, nil, &pool)); err != nil {
		return 0, err
	}
	return driver.CommandPool(d.pools.add(pool)), nil
}

func (d *Device) ResetCommandPool(p driver.CommandPool) error {
	pool, ok := d.pools.get(uint64(p))
	if !ok {
		return fmt.Errorf("unknown command pool %d: %w", p, driver.ErrorUnknown)
	}
	if err := checkCall("vkResetCommandPool", vk.ResetCommandPool(d.handle, pool, 0)); err != nil {
		return err
	}
	d.commands.mu.RLock()
	defer d.commands.mu.RUnlock()
	for _, cb := range d.commands.objects {
		if cb.pool == p {
			cb.mu.Lock()
			cb.state = commandBufferReady
			cb.err = nil
			cb.mu.Unlock()
		}
	}
	return nil
}

// DestroyCommandPool frees the pool together with its command buffers.
func (d *Device) DestroyCommandPool(p driver.CommandPool) {
	pool, ok := d.pools.remove(uint64(p))
	if !ok {
		return
	}
	d.commands.mu.Lock()
	for h, cb := range d.commands.objects {
		if cb.pool == p {
			delete(d.commands.objects, h)
		}
	}
	d.commands.mu.Unlock()
	vk.DestroyCommandPool(d.handle, pool, nil)
}

func (d *Device) AllocateCommandBuffer(p driver.CommandPool, level driver.CommandBufferLevel) (driver.CommandBuffer, error) {
	pool, ok := d.pools.get(uint64(p))
	if !ok {
		return 0, fmt.Errorf("unknown command pool %d: %w", p, driver.ErrorUnknown)
	}
	vkLevel := vk.CommandBufferLevelPrimary
	if level == driver.CommandBufferSecondary {
		vkLevel = vk.CommandBufferLevelSecondary
	}
	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		CommandBufferCount: 1,
		Level:              vkLevel,
	}
	handles := make([]vk.CommandBuffer, 1)
	if err := checkCall("vkAllocateCommandBuffers", vk.AllocateCommandBuffers(d.handle, &allocateInfo, handles)); err != nil {
		return 0, err
	}
	cb := &commandBuffer{handle: handles[0], pool: p}
	return driver.CommandBuffer(d.commands.add(cb)), nil
}

func (d *Device) FreeCommandBuffer(p driver.CommandPool, h driver.CommandBuffer) {
	pool, ok := d.pools.get(uint64(p))
	if !ok {
		return
	}
	if cb, ok := d.commands.remove(uint64(h)); ok {
		vk.FreeCommandBuffers(d.handle, pool, 1, []vk.CommandBuffer{cb.handle})
		d.forgetName(uint64(h))
	}
}

func (d *Device) BeginCommandBuffer(h driver.CommandBuffer, info driver.CommandBufferBeginInfo) error {
	cb, ok := d.commands.get(uint64(h))
	if !ok {
		return fmt.Errorf("unknown command buffer %d: %w", h, driver.ErrorUnknown)
	}
	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
	}
	if info.OneTimeSubmit {
		beginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)
	}
	if info.RenderPassContinue {
		beginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageRenderPassContinueBit)
	}
	if inh := info.Inheritance; inh != nil {
		rp, _ := d.renderPasses.get(uint64(inh.RenderPass))
		fb, _ := d.framebuffers.get(uint64(inh.Framebuffer))
		beginInfo.PInheritanceInfo = []vk.CommandBufferInheritanceInfo{{
			SType:       vk.StructureTypeCommandBufferInheritanceInfo,
			RenderPass:  rp.handle,
			Subpass:     inh.Subpass,
			Framebuffer: fb,
		}}
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err := checkCall("vkBeginCommandBuffer "+d.name(uint64(h)), vk.BeginCommandBuffer(cb.handle, &beginInfo)); err != nil {
		return err
	}
	cb.state = commandBufferRecording
	cb.err = nil
	return nil
}

func (d *Device) EndCommandBuffer(h driver.CommandBuffer) error {
	cb, ok := d.commands.get(uint64(h))
	if !ok {
		return fmt.Errorf("unknown command buffer %d: %w", h, driver.ErrorUnknown)
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == commandBufferInRenderPass {
		cb.fail(fmt.Errorf("%s ended inside a render pass: %w", d.name(uint64(h)), driver.ErrorValidationFailed))
	}
	res := vk.EndCommandBuffer(cb.handle)
	cb.state = commandBufferRecordingEnded
	if cb.err != nil {
		return cb.err
	}
	return checkCall("vkEndCommandBuffer "+d.name(uint64(h)), res)
}

func (cb *commandBuffer) fail(err error) {
	cb.err = errors.Join(cb.err, err)
}

// record runs fn against the native command buffer. Recording into a
// buffer that is not recording is reported at EndCommandBuffer.
func (d *Device) record(h driver.CommandBuffer, name string, fn func(cb *commandBuffer) error) {
	cb, ok := d.commands.get(uint64(h))
	if !ok {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != commandBufferRecording && cb.state != commandBufferInRenderPass {
		cb.fail(fmt.Errorf("%s outside recording: %w", name, driver.ErrorValidationFailed))
		return
	}
	if err := fn(cb); err != nil {
		cb.fail(fmt.Errorf("%s: %w", name, err))
	}
}

func (d *Device) CmdPipelineBarrier(h driver.CommandBuffer, src, dst driver.PipelineStage, barriers []driver.ImageBarrier) {
	d.record(h, "vkCmdPipelineBarrier", func(cb *commandBuffer) error {
		out := make([]vk.ImageMemoryBarrier, 0, len(barriers))
		for _, b := range barriers {
			img, ok := d.images.get(uint64(b.Image))
			if !ok {
				return fmt.Errorf("unknown image %d: %w", b.Image, driver.ErrorUnknown)
			}
			out = append(out, vk.ImageMemoryBarrier{
				SType:               vk.StructureTypeImageMemoryBarrier,
				SrcAccessMask:       toAccess(b.SrcAccess),
				DstAccessMask:       toAccess(b.DstAccess),
				OldLayout:           toLayout(b.OldLayout),
				NewLayout:           toLayout(b.NewLayout),
				SrcQueueFamilyIndex: queueFamilyIgnored,
				DstQueueFamilyIndex: queueFamilyIgnored,
				Image:               img.handle,
				SubresourceRange: vk.ImageSubresourceRange{
					AspectMask:     toAspect(b.Aspect),
					BaseMipLevel:   b.BaseMip,
					LevelCount:     max(b.MipCount, 1),
					BaseArrayLayer: b.BaseLayer,
					LayerCount:     max(b.LayerCount, 1),
				},
			})
		}
		vk.CmdPipelineBarrier(cb.handle, toStages(src), toStages(dst), 0, 0, nil, 0, nil, uint32(len(out)), out)
		return nil
	})
}

func (d *Device) CmdCopyBuffer(h driver.CommandBuffer, src, dst driver.Buffer, regions []driver.BufferCopy) {
	d.record(h, "vkCmdCopyBuffer", func(cb *commandBuffer) error {
		s, ok := d.buffers.get(uint64(src))
		if !ok {
			return fmt.Errorf("unknown buffer %d: %w", src, driver.ErrorUnknown)
		}
		t, ok := d.buffers.get(uint64(dst))
		if !ok {
			return fmt.Errorf("unknown buffer %d: %w", dst, driver.ErrorUnknown)
		}
		out := make([]vk.BufferCopy, len(regions))
		for i, r := range regions {
			out[i] = vk.BufferCopy{
				SrcOffset: vk.DeviceSize(r.SrcOffset),
				DstOffset: vk.DeviceSize(r.DstOffset),
				Size:      vk.DeviceSize(r.Size),
			}
		}
		vk.CmdCopyBuffer(cb.handle, s, t, uint32(len(out)), out)
		return nil
	})
}

func (d *Device) CmdCopyBufferToImage(h driver.CommandBuffer, src driver.Buffer, dst driver.Image, layout driver.Layout, regions []driver.BufferImageCopy) {
	d.record(h, "vkCmdCopyBufferToImage", func(cb *commandBuffer) error {
		buf, ok := d.buffers.get(uint64(src))
		if !ok {
			return fmt.Errorf("unknown buffer %d: %w", src, driver.ErrorUnknown)
		}
		img, ok := d.images.get(uint64(dst))
		if !ok {
			return fmt.Errorf("unknown image %d: %w", dst, driver.ErrorUnknown)
		}
		out := make([]vk.BufferImageCopy, len(regions))
		for i, r := range regions {
			out[i] = vk.BufferImageCopy{
				BufferOffset: vk.DeviceSize(r.BufferOffset),
				ImageSubresource: vk.ImageSubresourceLayers{
					AspectMask:     toAspect(r.Aspect),
					MipLevel:       r.MipLevel,
					BaseArrayLayer: r.BaseLayer,
					LayerCount:     max(r.LayerCount, 1),
				},
				ImageOffset: vk.Offset3D{X: r.ImageOffset.X, Y: r.ImageOffset.Y, Z: r.ImageOffset.Z},
				ImageExtent: vk.Extent3D{
					Width:  r.ImageExtent.Width,
					Height: r.ImageExtent.Height,
					Depth:  max(r.ImageExtent.Depth, 1),
				},
			}
		}
		vk.CmdCopyBufferToImage(cb.handle, buf, img.handle, toLayout(layout), uint32(len(out)), out)
		return nil
	})
}

func (d *Device) CmdBeginRenderPass(h driver.CommandBuffer, info driver.RenderPassBeginInfo, contents driver.SubpassContents) {
	d.record(h, "vkCmdBeginRenderPass", func(cb *commandBuffer) error {
		if cb.state == commandBufferInRenderPass {
			return fmt.Errorf("render pass already active: %w", driver.ErrorValidationFailed)
		}
		rp, ok := d.renderPasses.get(uint64(info.RenderPass))
		if !ok {
			return fmt.Errorf("unknown render pass %d: %w", info.RenderPass, driver.ErrorUnknown)
		}
		fb, ok := d.framebuffers.get(uint64(info.Framebuffer))
		if !ok {
			return fmt.Errorf("unknown framebuffer %d: %w", info.Framebuffer, driver.ErrorUnknown)
		}
		clears := make([]vk.ClearValue, len(info.ClearValues))
		for i, c := range info.ClearValues {
			if i < len(rp.depth) && rp.depth[i] {
				clears[i].SetDepthStencil(c.Depth, c.Stencil)
				continue
			}
			clears[i].SetColor(c.Color[:])
		}
		beginInfo := vk.RenderPassBeginInfo{
			SType:           vk.StructureTypeRenderPassBeginInfo,
			RenderPass:      rp.handle,
			Framebuffer:     fb,
			RenderArea:      toRect2D(info.Area),
			ClearValueCount: uint32(len(clears)),
			PClearValues:    clears,
		}
		vkContents := vk.SubpassContentsInline
		if contents == driver.SubpassContentsSecondaryCommandBuffers {
			vkContents = vk.SubpassContentsSecondaryCommandBuffers
		}
		vk.CmdBeginRenderPass(cb.handle, &beginInfo, vkContents)
		cb.state = commandBufferInRenderPass
		return nil
	})
}

func (d *Device) CmdEndRenderPass(h driver.CommandBuffer) {
	d.record(h, "vkCmdEndRenderPass", func(cb *commandBuffer) error {
		if cb.state != commandBufferInRenderPass {
			return fmt.Errorf("no active render pass: %w", driver.ErrorValidationFailed)
		}
		vk.CmdEndRenderPass(cb.handle)
		cb.state = commandBufferRecording
		return nil
	})
}

func (d *Device) CmdExecuteCommands(h driver.CommandBuffer, secondaries []driver.CommandBuffer) {
	d.record(h, "vkCmdExecuteCommands", func(cb *commandBuffer) error {
		out := make([]vk.CommandBuffer, 0, len(secondaries))
		for _, s := range secondaries {
			sec, ok := d.commands.get(uint64(s))
			if !ok {
				return fmt.Errorf("unknown command buffer %d: %w", s, driver.ErrorUnknown)
			}
			out = append(out, sec.handle)
		}
		if len(out) > 0 {
			vk.CmdExecuteCommands(cb.handle, uint32(len(out)), out)
		}
		return nil
	})
}

func (d *Device) CmdSetViewport(h driver.CommandBuffer, viewport driver.Viewport) {
	d.record(h, "vkCmdSetViewport", func(cb *commandBuffer) error {
		vk.CmdSetViewport(cb.handle, 0, 1, []vk.Viewport{{
			X:        viewport.X,
			Y:        viewport.Y,
			Width:    viewport.Width,
			Height:   viewport.Height,
			MinDepth: viewport.MinDepth,
			MaxDepth: viewport.MaxDepth,
		}})
		return nil
	})
}

func (d *Device) CmdSetScissor(h driver.CommandBuffer, scissor driver.Rect2D) {
	d.record(h, "vkCmdSetScissor", func(cb *commandBuffer) error {
		vk.CmdSetScissor(cb.handle, 0, 1, []vk.Rect2D{toRect2D(scissor)})
		return nil
	})
}

func (d *Device) CmdBindPipeline(h driver.CommandBuffer, p driver.Pipeline) {
	d.record(h, "vkCmdBindPipeline", func(cb *commandBuffer) error {
		pl, ok := d.pipelines.get(uint64(p))
		if !ok {
			return fmt.Errorf("unknown pipeline %d: %w", p, driver.ErrorUnknown)
		}
		vk.CmdBindPipeline(cb.handle, vk.PipelineBindPointGraphics, pl.handle)
		return nil
	})
}

func (d *Device) CmdBindVertexBuffer(h driver.CommandBuffer, b driver.Buffer, offset uint64) {
	d.record(h, "vkCmdBindVertexBuffers", func(cb *commandBuffer) error {
		buf, ok := d.buffers.get(uint64(b))
		if !ok {
			return fmt.Errorf("unknown buffer %d: %w", b, driver.ErrorUnknown)
		}
		vk.CmdBindVertexBuffers(cb.handle, 0, 1, []vk.Buffer{buf}, []vk.DeviceSize{vk.DeviceSize(offset)})
		return nil
	})
}

func (d *Device) CmdBindIndexBuffer(h driver.CommandBuffer, b driver.Buffer, offset uint64, t driver.IndexType) {
	d.record(h, "vkCmdBindIndexBuffer", func(cb *commandBuffer) error {
		buf, ok := d.buffers.get(uint64(b))
		if !ok {
			return fmt.Errorf("unknown buffer %d: %w", b, driver.ErrorUnknown)
		}
		vk.CmdBindIndexBuffer(cb.handle, buf, vk.DeviceSize(offset), toIndexType(t))
		return nil
	})
}

func (d *Device) CmdPushConstants(h driver.CommandBuffer, p driver.Pipeline, offset uint32, data []byte) {
	d.record(h, "vkCmdPushConstants", func(cb *commandBuffer) error {
		pl, ok := d.pipelines.get(uint64(p))
		if !ok {
			return fmt.Errorf("unknown pipeline %d: %w", p, driver.ErrorUnknown)
		}
		if len(data) == 0 {
			return nil
		}
		vk.CmdPushConstants(cb.handle, pl.layout, pl.stages, offset, uint32(len(data)), unsafe.Pointer(&data[0]))
		return nil
	})
}

func (d *Device) CmdDraw(h driver.CommandBuffer, vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	d.record(h, "vkCmdDraw", func(cb *commandBuffer) error {
		vk.CmdDraw(cb.handle, vertexCount, instanceCount, firstVertex, firstInstance)
		return nil
	})
}

func (d *Device) CmdDrawIndexed(h driver.CommandBuffer, indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	d.record(h, "vkCmdDrawIndexed", func(cb *commandBuffer) error {
		vk.CmdDrawIndexed(cb.handle, indexCount, instanceCount, firstIndex, vertexOffset, firstInstance)
		return nil
	})
}

func (d *Device) CmdBuildAccelerationStructure(h driver.CommandBuffer, dst driver.AccelerationStructure, geometry driver.AccelerationStructureGeometry, scratch driver.Buffer, update bool) {
	d.record(h, "vkCmdBuildAccelerationStructureNV", func(cb *commandBuffer) error {
		return driver.ErrorFeatureNotPresent
	})
}
