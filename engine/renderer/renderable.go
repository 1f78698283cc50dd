package renderer

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spaghettifunk/lumen/engine/core"
	lmath "github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// DrawContext is what a renderable sees while recording its secondary
// command buffer.
type DrawContext struct {
	Device        driver.Device
	CommandBuffer driver.CommandBuffer
	RenderPass    *RenderPass
	Viewport      driver.Viewport
	Scissor       driver.Rect2D
	Extent        driver.Extent2D
	FrameNumber   uint64
	// Time is the number of seconds since the frame loop started.
	Time float32
}

// Renderable is one of MeshRenderable, TracedMeshRenderable,
// OverlayRenderable and FullscreenRenderable.
type Renderable interface {
	renderable()
}

func drawRenderable(r Renderable, dc *DrawContext) error {
	switch r := r.(type) {
	case *MeshRenderable:
		return r.record(dc)
	case *TracedMeshRenderable:
		return r.record(dc)
	case *OverlayRenderable:
		return r.record(dc)
	case *FullscreenRenderable:
		return r.record(dc)
	default:
		return fmt.Errorf("%w: unknown renderable %T", core.ErrInvalidArgument, r)
	}
}

// MeshRenderable draws vertex (and optionally index) buffers with a graphics
// pipeline. Transform is pushed as the first 64 bytes of push constants.
type MeshRenderable struct {
	Pipeline    *Pipeline
	Vertices    *Buffer
	VertexCount uint32
	Indices     *Buffer
	IndexCount  uint32
	IndexType   driver.IndexType
	Transform   lmath.Mat4
}

func (*MeshRenderable) renderable() {}

func (m *MeshRenderable) record(dc *DrawContext) error {
	if !m.Pipeline.Valid() {
		return errNotArmed("pipeline")
	}
	if !m.Vertices.Armed() {
		return errNotArmed("vertex buffer")
	}
	dev, cb := dc.Device, dc.CommandBuffer
	dev.CmdBindPipeline(cb, m.Pipeline.Handle)
	if m.Pipeline.PushConstantSize >= 64 {
		dev.CmdPushConstants(cb, m.Pipeline.Handle, 0, m.Transform.Bytes())
	}
	dev.CmdBindVertexBuffer(cb, m.Vertices.Handle, 0)
	if m.Indices.Armed() {
		dev.CmdBindIndexBuffer(cb, m.Indices.Handle, 0, m.IndexType)
		dev.CmdDrawIndexed(cb, m.IndexCount, 1, 0, 0, 0)
		return nil
	}
	dev.CmdDraw(cb, m.VertexCount, 1, 0, 0)
	return nil
}

// TracedMeshRenderable composites a ray traced scene over the frame with a
// full-screen pipeline. The structure handle and time are pushed to the
// shader; dirty structures are rebuilt before recording starts.
type TracedMeshRenderable struct {
	Pipeline  *Pipeline
	Structure *AccelerationStructure
}

func (*TracedMeshRenderable) renderable() {}

func (t *TracedMeshRenderable) record(dc *DrawContext) error {
	if !t.Pipeline.Valid() {
		return errNotArmed("pipeline")
	}
	if !t.Structure.Armed() || !t.Structure.built {
		return fmt.Errorf("%w: acceleration structure is not built", core.ErrInvalidArgument)
	}
	dev, cb := dc.Device, dc.CommandBuffer
	dev.CmdBindPipeline(cb, t.Pipeline.Handle)
	push := make([]byte, 16)
	binary.LittleEndian.PutUint64(push[0:], t.Structure.DeviceHandle)
	binary.LittleEndian.PutUint32(push[8:], math.Float32bits(dc.Time))
	binary.LittleEndian.PutUint32(push[12:], uint32(dc.FrameNumber))
	dev.CmdPushConstants(cb, t.Pipeline.Handle, 0, push)
	dev.CmdDraw(cb, 3, 1, 0, 0)
	return nil
}

// OverlayRenderable draws textured UI quads sampling a font atlas. Quads
// holds six vertices per quad in pixel coordinates; the screen size is
// pushed so the vertex shader can map them to clip space.
type OverlayRenderable struct {
	Pipeline  *Pipeline
	Atlas     *Image
	AtlasView *ImageView
	Quads     *Buffer
	QuadCount uint32
}

func (*OverlayRenderable) renderable() {}

func (o *OverlayRenderable) record(dc *DrawContext) error {
	if o.QuadCount == 0 {
		return nil
	}
	if !o.Pipeline.Valid() {
		return errNotArmed("pipeline")
	}
	if !o.Quads.Armed() || !o.Atlas.Armed() {
		return errNotArmed("overlay buffer")
	}
	dev, cb := dc.Device, dc.CommandBuffer
	dev.CmdBindPipeline(cb, o.Pipeline.Handle)
	push := make([]byte, 8)
	binary.LittleEndian.PutUint32(push[0:], math.Float32bits(float32(dc.Extent.Width)))
	binary.LittleEndian.PutUint32(push[4:], math.Float32bits(float32(dc.Extent.Height)))
	dev.CmdPushConstants(cb, o.Pipeline.Handle, 0, push)
	dev.CmdBindVertexBuffer(cb, o.Quads.Handle, 0)
	dev.CmdDraw(cb, o.QuadCount*6, 1, 0, 0)
	return nil
}

// FullscreenRenderable runs a fragment shader over a single full-screen
// triangle, shadertoy style. Push constants carry resolution, time and the
// frame number.
type FullscreenRenderable struct {
	Pipeline *Pipeline
}

func (*FullscreenRenderable) renderable() {}

// FullscreenPushConstantSize is the push constant range the fragment shader
// of a FullscreenRenderable declares.
const FullscreenPushConstantSize = 16

func (f *FullscreenRenderable) record(dc *DrawContext) error {
	if !f.Pipeline.Valid() {
		return errNotArmed("pipeline")
	}
	dev, cb := dc.Device, dc.CommandBuffer
	dev.CmdBindPipeline(cb, f.Pipeline.Handle)
	dev.CmdPushConstants(cb, f.Pipeline.Handle, 0, fullscreenConstants(dc))
	dev.CmdDraw(cb, 3, 1, 0, 0)
	return nil
}

func fullscreenConstants(dc *DrawContext) []byte {
	push := make([]byte, FullscreenPushConstantSize)
	binary.LittleEndian.PutUint32(push[0:], math.Float32bits(float32(dc.Extent.Width)))
	binary.LittleEndian.PutUint32(push[4:], math.Float32bits(float32(dc.Extent.Height)))
	binary.LittleEndian.PutUint32(push[8:], math.Float32bits(dc.Time))
	binary.LittleEndian.PutUint32(push[12:], uint32(dc.FrameNumber))
	return push
}
