package renderer

import (
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// PipelineDesc describes a graphics pipeline drawing inside a shared render
// pass. Per-draw data goes through push constants only.
type PipelineDesc struct {
	Vertex   *ShaderModule
	Fragment *ShaderModule

	VertexStride     uint32
	VertexAttributes []driver.VertexAttribute

	CullMode   driver.CullMode
	Wireframe  bool
	DepthTest  bool
	DepthWrite bool
	Blend      bool

	PushConstantSize uint32
	RenderPass       *RenderPass
}

type Pipeline struct {
	Handle           driver.Pipeline
	PushConstantSize uint32
	RenderPass       *RenderPass
	Name             string

	ctx *RendererContext
}

func (p *Pipeline) Valid() bool {
	return p != nil && p.Handle != 0
}

func (c *RendererContext) CreateGraphicsPipeline(desc PipelineDesc) (*Pipeline, error) {
	if desc.RenderPass == nil {
		return nil, fmt.Errorf("%w: pipeline without render pass", core.ErrInvalidArgument)
	}
	if desc.Vertex == nil || desc.Fragment == nil || desc.Vertex.Handle == 0 || desc.Fragment.Handle == 0 {
		return nil, fmt.Errorf("%w: pipeline needs a vertex and a fragment module", core.ErrInvalidArgument)
	}
	if limit := c.Physical.Limits.MaxPushConstantsSize; desc.PushConstantSize > limit {
		return nil, fmt.Errorf("%w: %d bytes of push constants, device allows %d", core.ErrInvalidArgument, desc.PushConstantSize, limit)
	}

	h, err := c.Device.CreateGraphicsPipeline(driver.GraphicsPipelineCreateInfo{
		Stages: []driver.ShaderStageInfo{
			{Stage: driver.ShaderStageVertex, Module: desc.Vertex.Handle, EntryPoint: desc.Vertex.EntryPoint},
			{Stage: driver.ShaderStageFragment, Module: desc.Fragment.Handle, EntryPoint: desc.Fragment.EntryPoint},
		},
		VertexStride:     desc.VertexStride,
		VertexAttributes: desc.VertexAttributes,
		CullMode:         desc.CullMode,
		Wireframe:        desc.Wireframe,
		DepthTest:        desc.DepthTest,
		DepthWrite:       desc.DepthWrite,
		Blend:            desc.Blend,
		PushConstantSize: desc.PushConstantSize,
		RenderPass:       desc.RenderPass.Handle,
		Samples:          desc.RenderPass.Samples,
	})
	if err != nil {
		return nil, fmt.Errorf("creating graphics pipeline: %w", err)
	}
	return &Pipeline{
		Handle:           h,
		PushConstantSize: desc.PushConstantSize,
		RenderPass:       desc.RenderPass,
		Name:             c.nameObject(uint64(h), driver.ObjectPipeline, "pipeline"),
		ctx:              c,
	}, nil
}

func (p *Pipeline) Destroy() {
	if !p.Valid() {
		return
	}
	p.ctx.Device.DestroyPipeline(p.Handle)
	p.Handle = 0
}
