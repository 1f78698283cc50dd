package software

import (
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type cbState int

const (
	cbInitial cbState = iota
	cbRecording
	cbExecutable
	cbPending
	cbInvalid
)

type commandPool struct {
	info    driver.CommandPoolCreateInfo
	buffers map[driver.CommandBuffer]struct{}
}

type commandBuffer struct {
	pool    driver.CommandPool
	level   driver.CommandBufferLevel
	state   cbState
	oneTime bool
	ops     []command
}

// execState is the state of one command buffer execution on a queue.
type execState struct {
	pass     *RenderPassRecord
	pipeline driver.Pipeline
}

// command runs on the queue timeline with d.mu held.
type command func(d *Device, st *execState)

func (d *Device) CreateCommandPool(info driver.CommandPoolCreateInfo) (driver.CommandPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpCreateCommandPool); err != nil {
		return 0, err
	}
	h := driver.CommandPool(d.id())
	d.pools[h] = &commandPool{info: info, buffers: make(map[driver.CommandBuffer]struct{})}
	return h, nil
}

func (d *Device) ResetCommandPool(p driver.CommandPool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	pool, ok := d.pools[p]
	if !ok {
		d.invalid("ResetCommandPool: unknown pool %d", p)
		return driver.ErrorValidationFailed
	}
	for h := range pool.buffers {
		cb := d.cmdBuffers[h]
		if cb.state == cbPending {
			d.invalid("ResetCommandPool: command buffer %d of pool %d is still pending", h, p)
			return driver.ErrorValidationFailed
		}
	}
	for h := range pool.buffers {
		cb := d.cmdBuffers[h]
		cb.state = cbInitial
		cb.ops = nil
	}
	return nil
}

func (d *Device) DestroyCommandPool(p driver.CommandPool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pool, ok := d.pools[p]
	if !ok {
		d.invalid("DestroyCommandPool: unknown pool %d (double destroy?)", p)
		return
	}
	for h := range pool.buffers {
		if d.cmdBuffers[h].state == cbPending {
			d.invalid("DestroyCommandPool: command buffer %d is still pending", h)
		}
		delete(d.cmdBuffers, h)
	}
	delete(d.pools, p)
}

func (d *Device) AllocateCommandBuffer(p driver.CommandPool, level driver.CommandBufferLevel) (driver.CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpAllocateCommandBuffer); err != nil {
		return 0, err
	}
	pool, ok := d.pools[p]
	if !ok {
		d.invalid("AllocateCommandBuffer: unknown pool %d", p)
		return 0, driver.ErrorValidationFailed
	}
	h := driver.CommandBuffer(d.id())
	d.cmdBuffers[h] = &commandBuffer{pool: p, level: level}
	pool.buffers[h] = struct{}{}
	return h, nil
}

func (d *Device) FreeCommandBuffer(p driver.CommandPool, h driver.CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.cmdBuffers[h]
	if !ok || cb.pool != p {
		d.invalid("FreeCommandBuffer: command buffer %d is not part of pool %d", h, p)
		return
	}
	if cb.state == cbPending {
		d.invalid("FreeCommandBuffer: command buffer %d is still pending", h)
	}
	delete(d.pools[p].buffers, h)
	delete(d.cmdBuffers, h)
}

func (d *Device) BeginCommandBuffer(h driver.CommandBuffer, info driver.CommandBufferBeginInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpBeginCommandBuffer); err != nil {
		return err
	}
	cb, ok := d.cmdBuffers[h]
	if !ok {
		d.invalid("BeginCommandBuffer: unknown command buffer %d", h)
		return driver.ErrorValidationFailed
	}
	switch cb.state {
	case cbPending:
		d.invalid("BeginCommandBuffer: command buffer %d is pending", h)
		return driver.ErrorValidationFailed
	case cbRecording:
		d.invalid("BeginCommandBuffer: command buffer %d is already recording", h)
		return driver.ErrorValidationFailed
	case cbExecutable, cbInvalid:
		if !d.pools[cb.pool].info.ResetCommandBuffer {
			d.invalid("BeginCommandBuffer: implicit reset of %d needs a resettable pool", h)
			return driver.ErrorValidationFailed
		}
	}
	if cb.level == driver.CommandBufferSecondary && info.RenderPassContinue && info.Inheritance == nil {
		d.invalid("BeginCommandBuffer: secondary %d continues a render pass without inheritance", h)
		return driver.ErrorValidationFailed
	}
	cb.state = cbRecording
	cb.oneTime = info.OneTimeSubmit
	cb.ops = cb.ops[:0]
	return nil
}

func (d *Device) EndCommandBuffer(h driver.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpEndCommandBuffer); err != nil {
		return err
	}
	cb, ok := d.cmdBuffers[h]
	if !ok || cb.state != cbRecording {
		d.invalid("EndCommandBuffer: command buffer %d is not recording", h)
		return driver.ErrorValidationFailed
	}
	cb.state = cbExecutable
	return nil
}

// record appends a command to a recording command buffer.
func (d *Device) record(h driver.CommandBuffer, name string, c command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.cmdBuffers[h]
	if !ok || cb.state != cbRecording {
		d.invalid("%s: command buffer %d is not recording", name, h)
		return
	}
	cb.ops = append(cb.ops, c)
}

func (d *Device) CmdPipelineBarrier(h driver.CommandBuffer, src, dst driver.PipelineStage, barriers []driver.ImageBarrier) {
	barriers = append([]driver.ImageBarrier(nil), barriers...)
	d.record(h, "CmdPipelineBarrier", func(d *Device, st *execState) {
		if src == 0 || dst == 0 {
			d.invalid("CmdPipelineBarrier: empty stage mask")
		}
		for _, b := range barriers {
			img, ok := d.images[b.Image]
			if !ok {
				d.invalid("CmdPipelineBarrier: image %d no longer exists", b.Image)
				continue
			}
			if b.OldLayout != driver.LayoutUndefined && b.OldLayout != img.layout {
				d.invalid("CmdPipelineBarrier: image %d is in %s, barrier expects %s", b.Image, img.layout, b.OldLayout)
			}
			if img.info.Format.IsDepth() != (b.Aspect&driver.AspectDepth != 0) {
				d.invalid("CmdPipelineBarrier: aspect %b does not match format %s", b.Aspect, img.info.Format)
			}
			img.layout = b.NewLayout
		}
	})
}

func (d *Device) CmdCopyBuffer(h driver.CommandBuffer, src, dst driver.Buffer, regions []driver.BufferCopy) {
	regions = append([]driver.BufferCopy(nil), regions...)
	d.record(h, "CmdCopyBuffer", func(d *Device, st *execState) {
		if st.pass != nil {
			d.invalid("CmdCopyBuffer: copy inside a render pass")
			return
		}
		s, okS := d.bufferBytes(src)
		t, okD := d.bufferBytes(dst)
		if !okS || !okD {
			d.invalid("CmdCopyBuffer: buffer %d or %d is gone or unbound", src, dst)
			return
		}
		if d.buffers[src].info.Usage&driver.BufferUsageTransferSrc == 0 || d.buffers[dst].info.Usage&driver.BufferUsageTransferDst == 0 {
			d.invalid("CmdCopyBuffer: missing transfer usage on %d -> %d", src, dst)
		}
		for _, r := range regions {
			if r.SrcOffset+r.Size > uint64(len(s)) || r.DstOffset+r.Size > uint64(len(t)) {
				d.invalid("CmdCopyBuffer: region %+v out of bounds", r)
				continue
			}
			copy(t[r.DstOffset:r.DstOffset+r.Size], s[r.SrcOffset:r.SrcOffset+r.Size])
		}
	})
}

func (d *Device) CmdCopyBufferToImage(h driver.CommandBuffer, src driver.Buffer, dst driver.Image, layout driver.Layout, regions []driver.BufferImageCopy) {
	regions = append([]driver.BufferImageCopy(nil), regions...)
	d.record(h, "CmdCopyBufferToImage", func(d *Device, st *execState) {
		s, okS := d.bufferBytes(src)
		t, okD := d.imageBytes(dst)
		if !okS || !okD {
			d.invalid("CmdCopyBufferToImage: buffer %d or image %d is gone or unbound", src, dst)
			return
		}
		img := d.images[dst]
		if layout != driver.LayoutTransferDst && layout != driver.LayoutGeneral {
			d.invalid("CmdCopyBufferToImage: destination layout %s", layout)
		}
		if img.layout != layout {
			d.invalid("CmdCopyBufferToImage: image %d is in %s, copy expects %s", dst, img.layout, layout)
		}
		bpp, _ := texelSize(img.info.Format)
		for _, r := range regions {
			if r.MipLevel >= img.info.MipLevels {
				d.invalid("CmdCopyBufferToImage: mip level %d out of range", r.MipLevel)
				continue
			}
			full := mipExtent(img.info.Extent, r.MipLevel)
			rowBytes := uint64(r.ImageExtent.Width) * bpp
			srcOff := r.BufferOffset
			for layer := uint32(0); layer < maxu32(r.LayerCount, 1); layer++ {
				base := mipOffset(img.info, r.MipLevel) + uint64(r.BaseLayer+layer)*layerSize(img.info, r.MipLevel)
				for z := uint32(0); z < r.ImageExtent.Depth; z++ {
					for y := uint32(0); y < r.ImageExtent.Height; y++ {
						dz := uint64(z) + uint64(r.ImageOffset.Z)
						dy := uint64(y) + uint64(r.ImageOffset.Y)
						dstOff := base + ((dz*uint64(full.Height)+dy)*uint64(full.Width)+uint64(r.ImageOffset.X))*bpp
						if srcOff+rowBytes > uint64(len(s)) || dstOff+rowBytes > uint64(len(t)) {
							d.invalid("CmdCopyBufferToImage: region %+v out of bounds", r)
							return
						}
						copy(t[dstOff:dstOff+rowBytes], s[srcOff:srcOff+rowBytes])
						srcOff += rowBytes
					}
				}
			}
		}
	})
}

func (d *Device) CmdBeginRenderPass(h driver.CommandBuffer, info driver.RenderPassBeginInfo, contents driver.SubpassContents) {
	d.record(h, "CmdBeginRenderPass", func(d *Device, st *execState) {
		if st.pass != nil {
			d.invalid("CmdBeginRenderPass: render pass already active")
		}
		fb, ok := d.framebuffers[info.Framebuffer]
		if !ok {
			d.invalid("CmdBeginRenderPass: framebuffer %d was destroyed before the frame executed", info.Framebuffer)
			st.pass = &RenderPassRecord{Framebuffer: info.Framebuffer, Area: info.Area}
			return
		}
		rp, ok := d.renderPasses[info.RenderPass]
		if !ok || info.RenderPass != fb.info.RenderPass {
			d.invalid("CmdBeginRenderPass: render pass %d is gone or does not match the framebuffer", info.RenderPass)
		}
		if info.Area.Extent.Width > fb.info.Extent.Width || info.Area.Extent.Height > fb.info.Extent.Height {
			d.invalid("CmdBeginRenderPass: area %v exceeds framebuffer extent %v", info.Area.Extent, fb.info.Extent)
		}
		if rp != nil {
			for i, v := range fb.info.Attachments {
				view, ok := d.views[v]
				if !ok {
					d.invalid("CmdBeginRenderPass: attachment view %d is gone", v)
					continue
				}
				img, ok := d.images[view.info.Image]
				if !ok {
					d.invalid("CmdBeginRenderPass: attachment image %d is gone", view.info.Image)
					continue
				}
				att := rp.info.Attachments[i]
				if att.InitialLayout != driver.LayoutUndefined && img.layout != att.InitialLayout {
					d.invalid("CmdBeginRenderPass: attachment %d is in %s, render pass expects %s", i, img.layout, att.InitialLayout)
				}
				img.layout = att.FinalLayout
			}
		}
		st.pass = &RenderPassRecord{Framebuffer: info.Framebuffer, Area: info.Area}
	})
}

func (d *Device) CmdEndRenderPass(h driver.CommandBuffer) {
	d.record(h, "CmdEndRenderPass", func(d *Device, st *execState) {
		if st.pass == nil {
			d.invalid("CmdEndRenderPass: no active render pass")
			return
		}
		d.renderLog = append(d.renderLog, *st.pass)
		st.pass = nil
	})
}

func (d *Device) CmdExecuteCommands(h driver.CommandBuffer, secondaries []driver.CommandBuffer) {
	secondaries = append([]driver.CommandBuffer(nil), secondaries...)
	d.record(h, "CmdExecuteCommands", func(d *Device, st *execState) {
		for _, s := range secondaries {
			cb, ok := d.cmdBuffers[s]
			if !ok || cb.level != driver.CommandBufferSecondary {
				d.invalid("CmdExecuteCommands: %d is not a live secondary command buffer", s)
				continue
			}
			inner := execState{pass: st.pass}
			for _, op := range cb.ops {
				op(d, &inner)
			}
		}
	})
}

func (d *Device) CmdSetViewport(h driver.CommandBuffer, viewport driver.Viewport) {
	d.record(h, "CmdSetViewport", func(d *Device, st *execState) {
		if viewport.Width == 0 || viewport.Height == 0 {
			d.invalid("CmdSetViewport: empty viewport %+v", viewport)
		}
	})
}

func (d *Device) CmdSetScissor(h driver.CommandBuffer, scissor driver.Rect2D) {
	d.record(h, "CmdSetScissor", func(d *Device, st *execState) {})
}

func (d *Device) CmdBindPipeline(h driver.CommandBuffer, p driver.Pipeline) {
	d.record(h, "CmdBindPipeline", func(d *Device, st *execState) {
		if _, ok := d.pipelines[p]; !ok {
			d.invalid("CmdBindPipeline: pipeline %d is gone", p)
			return
		}
		st.pipeline = p
	})
}

func (d *Device) CmdBindVertexBuffer(h driver.CommandBuffer, b driver.Buffer, offset uint64) {
	d.record(h, "CmdBindVertexBuffer", func(d *Device, st *execState) {
		buf, ok := d.buffers[b]
		if !ok || buf.info.Usage&driver.BufferUsageVertex == 0 {
			d.invalid("CmdBindVertexBuffer: buffer %d is gone or lacks vertex usage", b)
		}
	})
}

func (d *Device) CmdBindIndexBuffer(h driver.CommandBuffer, b driver.Buffer, offset uint64, t driver.IndexType) {
	d.record(h, "CmdBindIndexBuffer", func(d *Device, st *execState) {
		buf, ok := d.buffers[b]
		if !ok || buf.info.Usage&driver.BufferUsageIndex == 0 {
			d.invalid("CmdBindIndexBuffer: buffer %d is gone or lacks index usage", b)
		}
	})
}

func (d *Device) CmdPushConstants(h driver.CommandBuffer, p driver.Pipeline, offset uint32, data []byte) {
	size := uint32(len(data))
	d.record(h, "CmdPushConstants", func(d *Device, st *execState) {
		pl, ok := d.pipelines[p]
		if !ok {
			d.invalid("CmdPushConstants: pipeline %d is gone", p)
			return
		}
		if offset+size > pl.info.PushConstantSize {
			d.invalid("CmdPushConstants: %d bytes at %d exceed the %d byte range", size, offset, pl.info.PushConstantSize)
		}
	})
}

func (d *Device) draw(st *execState, name string) {
	if st.pass == nil {
		d.invalid("%s: draw outside a render pass", name)
		return
	}
	if st.pipeline == 0 {
		d.invalid("%s: no pipeline bound", name)
		return
	}
	st.pass.Draws++
}

func (d *Device) CmdDraw(h driver.CommandBuffer, vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	d.record(h, "CmdDraw", func(d *Device, st *execState) {
		d.draw(st, "CmdDraw")
	})
}

func (d *Device) CmdDrawIndexed(h driver.CommandBuffer, indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	d.record(h, "CmdDrawIndexed", func(d *Device, st *execState) {
		d.draw(st, "CmdDrawIndexed")
	})
}

func (d *Device) CmdBuildAccelerationStructure(h driver.CommandBuffer, dst driver.AccelerationStructure, geometry driver.AccelerationStructureGeometry, scratch driver.Buffer, update bool) {
	d.record(h, "CmdBuildAccelerationStructure", func(d *Device, st *execState) {
		s, ok := d.structures[dst]
		if !ok || !s.bound {
			d.invalid("CmdBuildAccelerationStructure: structure %d is gone or unbound", dst)
			return
		}
		sb, ok := d.buffers[scratch]
		if !ok || sb.info.Usage&driver.BufferUsageRayTracing == 0 {
			d.invalid("CmdBuildAccelerationStructure: scratch buffer %d is gone or lacks ray tracing usage", scratch)
			return
		}
		if update && !s.built {
			d.invalid("CmdBuildAccelerationStructure: update of a structure never built")
		}
		s.built = true
		s.builds++
	})
}
