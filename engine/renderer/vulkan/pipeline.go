package vulkan

import (
	"encoding/binary"
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// CreateShaderModule takes SPIR-V words in host byte order.
func (d *Device) CreateShaderModule(code []byte) (driver.ShaderModule, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return 0, fmt.Errorf("shader code of %d bytes is not SPIR-V: %w", len(code), driver.ErrorValidationFailed)
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	createInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code)),
		PCode:    words,
	}
	var module vk.ShaderModule
	if err := checkCall("vkCreateShaderModule", vk.CreateShaderModule(d.handle, &createInfo, nil, &module)); err != nil {
		return 0, err
	}
	return driver.ShaderModule(d.shaders.add(module)), nil
}

func (d *Device) DestroyShaderModule(m driver.ShaderModule) {
	if module, ok := d.shaders.remove(uint64(m)); ok {
		vk.DestroyShaderModule(d.handle, module, nil)
		d.forgetName(uint64(m))
	}
}

// CreateGraphicsPipeline builds a triangle list pipeline with dynamic
// viewport and scissor, and a single push constant range visible to every
// stage of the pipeline.
func (d *Device) CreateGraphicsPipeline(info driver.GraphicsPipelineCreateInfo) (driver.Pipeline, error) {
	rp, ok := d.renderPasses.get(uint64(info.RenderPass))
	if !ok {
		return 0, fmt.Errorf("unknown render pass %d: %w", info.RenderPass, driver.ErrorUnknown)
	}

	var stageFlags vk.ShaderStageFlags
	stages := make([]vk.PipelineShaderStageCreateInfo, 0, len(info.Stages))
	for _, s := range info.Stages {
		module, ok := d.shaders.get(uint64(s.Module))
		if !ok {
			return 0, fmt.Errorf("unknown shader module %d: %w", s.Module, driver.ErrorUnknown)
		}
		entry := s.EntryPoint
		if entry == "" {
			entry = "main"
		}
		stages = append(stages, vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  toShaderStage(s.Stage),
			Module: module,
			PName:  VulkanSafeString(entry),
		})
		stageFlags |= toShaderStages(s.Stage)
	}

	// Viewport and scissor are dynamic, the counts are still required.
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}

	rasterizerCreateInfo := vk.PipelineRasterizationStateCreateInfo{
		SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
		PolygonMode: vk.PolygonModeFill,
		CullMode:    toCullMode(info.CullMode),
		FrontFace:   vk.FrontFaceCounterClockwise,
		LineWidth:   1.0,
	}
	if info.Wireframe {
		rasterizerCreateInfo.PolygonMode = vk.PolygonModeLine
	}

	multisamplingCreateInfo := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: toSamples(info.Samples),
		MinSampleShading:     1.0,
	}

	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:          vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthCompareOp: vk.CompareOpLess,
	}
	if info.DepthTest {
		depthStencil.DepthTestEnable = vk.True
	}
	if info.DepthWrite {
		depthStencil.DepthWriteEnable = vk.True
	}

	colorBlendAttachmentState := vk.PipelineColorBlendAttachmentState{
		SrcColorBlendFactor: vk.BlendFactorSrcAlpha,
		DstColorBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
		ColorBlendOp:        vk.BlendOpAdd,
		SrcAlphaBlendFactor: vk.BlendFactorSrcAlpha,
		DstAlphaBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
		AlphaBlendOp:        vk.BlendOpAdd,
		ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit) | vk.ColorComponentFlags(vk.ColorComponentGBit) |
			vk.ColorComponentFlags(vk.ColorComponentBBit) | vk.ColorComponentFlags(vk.ColorComponentABit),
	}
	if info.Blend {
		colorBlendAttachmentState.BlendEnable = vk.True
	}
	colorBlendStateCreateInfo := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: 1,
		PAttachments:    []vk.PipelineColorBlendAttachmentState{colorBlendAttachmentState},
	}

	dynamicStates := []vk.DynamicState{
		vk.DynamicStateViewport,
		vk.DynamicStateScissor,
	}
	dynamicStateCreateInfo := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	vertexInputInfo := vk.PipelineVertexInputStateCreateInfo{
		SType: vk.StructureTypePipelineVertexInputStateCreateInfo,
	}
	if info.VertexStride > 0 {
		attributes := make([]vk.VertexInputAttributeDescription, len(info.VertexAttributes))
		for i, a := range info.VertexAttributes {
			attributes[i] = vk.VertexInputAttributeDescription{
				Location: a.Location,
				Binding:  0,
				Format:   toFormat(a.Format),
				Offset:   a.Offset,
			}
		}
		vertexInputInfo.VertexBindingDescriptionCount = 1
		vertexInputInfo.PVertexBindingDescriptions = []vk.VertexInputBindingDescription{{
			Binding:   0,
			Stride:    info.VertexStride,
			InputRate: vk.VertexInputRateVertex,
		}}
		vertexInputInfo.VertexAttributeDescriptionCount = uint32(len(attributes))
		vertexInputInfo.PVertexAttributeDescriptions = attributes
	}

	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology: vk.PrimitiveTopologyTriangleList,
	}

	pipelineLayoutCreateInfo := vk.PipelineLayoutCreateInfo{
		SType: vk.StructureTypePipelineLayoutCreateInfo,
	}
	if info.PushConstantSize > 0 {
		if info.PushConstantSize > d.limits.MaxPushConstantsSize {
			return 0, fmt.Errorf("push constant size %d exceeds the device limit %d: %w",
				info.PushConstantSize, d.limits.MaxPushConstantsSize, driver.ErrorValidationFailed)
		}
		pipelineLayoutCreateInfo.PushConstantRangeCount = 1
		pipelineLayoutCreateInfo.PPushConstantRanges = []vk.PushConstantRange{{
			StageFlags: stageFlags,
			Offset:     0,
			Size:       info.PushConstantSize,
		}}
	}

	var layout vk.PipelineLayout
	if err := checkCall("vkCreatePipelineLayout", vk.CreatePipelineLayout(d.handle, &pipelineLayoutCreateInfo, nil, &layout)); err != nil {
		return 0, err
	}

	pipelineCreateInfo := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInputInfo,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizerCreateInfo,
		PMultisampleState:   &multisamplingCreateInfo,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlendStateCreateInfo,
		PDynamicState:       &dynamicStateCreateInfo,
		Layout:              layout,
		RenderPass:          rp.handle,
		Subpass:             0,
		BasePipelineHandle:  vk.NullPipeline,
		BasePipelineIndex:   -1,
	}

	pipelines := make([]vk.Pipeline, 1)
	if err := checkCall("vkCreateGraphicsPipelines", vk.CreateGraphicsPipelines(d.handle, vk.NullPipelineCache, 1, []vk.GraphicsPipelineCreateInfo{pipelineCreateInfo}, nil, pipelines)); err != nil {
		vk.DestroyPipelineLayout(d.handle, layout, nil)
		return 0, err
	}

	core.LogDebug("Graphics pipeline created!")
	return driver.Pipeline(d.pipelines.add(pipeline{handle: pipelines[0], layout: layout, stages: stageFlags})), nil
}

func (d *Device) DestroyPipeline(p driver.Pipeline) {
	if pl, ok := d.pipelines.remove(uint64(p)); ok {
		vk.DestroyPipeline(d.handle, pl.handle, nil)
		vk.DestroyPipelineLayout(d.handle, pl.layout, nil)
		d.forgetName(uint64(p))
	}
}
