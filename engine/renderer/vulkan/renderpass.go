package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// CreateRenderPass creates a single subpass render pass with one external
// dependency on the color and depth output stages.
func (d *Device) CreateRenderPass(info driver.RenderPassCreateInfo) (driver.RenderPass, error) {
	attachments := make([]vk.AttachmentDescription, len(info.Attachments))
	depth := make([]bool, len(info.Attachments))
	for i, a := range info.Attachments {
		attachments[i] = vk.AttachmentDescription{
			Format:         toFormat(a.Format),
			Samples:        toSamples(a.Samples),
			LoadOp:         toLoadOp(a.LoadOp),
			StoreOp:        toStoreOp(a.StoreOp),
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  toLayout(a.InitialLayout),
			FinalLayout:    toLayout(a.FinalLayout),
		}
		depth[i] = a.Format.IsDepth()
	}

	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: uint32(len(info.ColorAttachments)),
		PColorAttachments:    references(info.ColorAttachments),
	}
	if len(info.ResolveAttachments) > 0 {
		if len(info.ResolveAttachments) != len(info.ColorAttachments) {
			return 0, fmt.Errorf("%d resolve attachments for %d color attachments: %w",
				len(info.ResolveAttachments), len(info.ColorAttachments), driver.ErrorValidationFailed)
		}
		subpass.PResolveAttachments = references(info.ResolveAttachments)
	}
	if info.DepthAttachment != nil {
		ref := vk.AttachmentReference{
			Attachment: info.DepthAttachment.Attachment,
			Layout:     toLayout(info.DepthAttachment.Layout),
		}
		subpass.PDepthStencilAttachment = &ref
	}

	stages := vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)
	access := vk.AccessFlags(vk.AccessColorAttachmentReadBit) | vk.AccessFlags(vk.AccessColorAttachmentWriteBit)
	if info.DepthAttachment != nil {
		stages |= vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit)
		access |= vk.AccessFlags(vk.AccessDepthStencilAttachmentWriteBit)
	}
	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  stages,
		DstStageMask:  stages,
		DstAccessMask: access,
	}

	createInfo := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}

	var rp vk.RenderPass
	if err := checkCall("vkCreateRenderPass", vk.CreateRenderPass(d.handle, &createInfo, nil, &rp)); err != nil {
		return 0, err
	}
	return driver.RenderPass(d.renderPasses.add(renderPass{handle: rp, depth: depth})), nil
}

func references(refs []driver.AttachmentReference) []vk.AttachmentReference {
	out := make([]vk.AttachmentReference, len(refs))
	for i, r := range refs {
		out[i] = vk.AttachmentReference{Attachment: r.Attachment, Layout: toLayout(r.Layout)}
	}
	return out
}

func (d *Device) DestroyRenderPass(r driver.RenderPass) {
	if rp, ok := d.renderPasses.remove(uint64(r)); ok {
		vk.DestroyRenderPass(d.handle, rp.handle, nil)
		d.forgetName(uint64(r))
	}
}

func (d *Device) CreateFramebuffer(info driver.FramebufferCreateInfo) (driver.Framebuffer, error) {
	rp, ok := d.renderPasses.get(uint64(info.RenderPass))
	if !ok {
		return 0, fmt.Errorf("unknown render pass %d: %w", info.RenderPass, driver.ErrorUnknown)
	}
	views := make([]vk.ImageView, len(info.Attachments))
	for i, a := range info.Attachments {
		v, ok := d.views.get(uint64(a))
		if !ok {
			return 0, fmt.Errorf("unknown image view %d: %w", a, driver.ErrorUnknown)
		}
		views[i] = v
	}
	createInfo := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      rp.handle,
		AttachmentCount: uint32(len(views)),
		PAttachments:    views,
		Width:           info.Extent.Width,
		Height:          info.Extent.Height,
		Layers:          max(info.Layers, 1),
	}
	var fb vk.Framebuffer
	if err := checkCall("vkCreateFramebuffer", vk.CreateFramebuffer(d.handle, &createInfo, nil, &fb)); err != nil {
		return 0, err
	}
	return driver.Framebuffer(d.framebuffers.add(fb)), nil
}

func (d *Device) DestroyFramebuffer(f driver.Framebuffer) {
	if fb, ok := d.framebuffers.remove(uint64(f)); ok {
		vk.DestroyFramebuffer(d.handle, fb, nil)
		d.forgetName(uint64(f))
	}
}
