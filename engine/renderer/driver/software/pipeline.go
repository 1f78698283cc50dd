package software

import (
	"encoding/binary"

	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

const spirvMagic = 0x07230203

type renderPass struct {
	info driver.RenderPassCreateInfo
}

type framebuffer struct {
	info driver.FramebufferCreateInfo
}

type pipeline struct {
	info driver.GraphicsPipelineCreateInfo
}

func (d *Device) CreateRenderPass(info driver.RenderPassCreateInfo) (driver.RenderPass, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpCreateRenderPass); err != nil {
		return 0, err
	}
	refs := append(append([]driver.AttachmentReference(nil), info.ColorAttachments...), info.ResolveAttachments...)
	if info.DepthAttachment != nil {
		refs = append(refs, *info.DepthAttachment)
	}
	for _, r := range refs {
		if int(r.Attachment) >= len(info.Attachments) {
			d.invalid("CreateRenderPass: reference to attachment %d of %d", r.Attachment, len(info.Attachments))
			return 0, driver.ErrorValidationFailed
		}
	}
	if len(info.ResolveAttachments) > 0 && len(info.ResolveAttachments) != len(info.ColorAttachments) {
		d.invalid("CreateRenderPass: %d resolve attachments for %d color attachments", len(info.ResolveAttachments), len(info.ColorAttachments))
		return 0, driver.ErrorValidationFailed
	}
	h := driver.RenderPass(d.id())
	info.Attachments = append([]driver.AttachmentDescription(nil), info.Attachments...)
	d.renderPasses[h] = &renderPass{info: info}
	return h, nil
}

func (d *Device) DestroyRenderPass(h driver.RenderPass) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.renderPasses[h]; !ok {
		d.invalid("DestroyRenderPass: unknown render pass %d (double destroy?)", h)
		return
	}
	delete(d.renderPasses, h)
}

func (d *Device) CreateFramebuffer(info driver.FramebufferCreateInfo) (driver.Framebuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpCreateFramebuffer); err != nil {
		return 0, err
	}
	rp, ok := d.renderPasses[info.RenderPass]
	if !ok {
		d.invalid("CreateFramebuffer: unknown render pass %d", info.RenderPass)
		return 0, driver.ErrorValidationFailed
	}
	if len(info.Attachments) != len(rp.info.Attachments) {
		d.invalid("CreateFramebuffer: %d attachments, render pass declares %d", len(info.Attachments), len(rp.info.Attachments))
		return 0, driver.ErrorValidationFailed
	}
	for _, v := range info.Attachments {
		view, ok := d.views[v]
		if !ok {
			d.invalid("CreateFramebuffer: unknown view %d", v)
			return 0, driver.ErrorValidationFailed
		}
		img := d.images[view.info.Image]
		if img == nil || img.info.Extent.Width < info.Extent.Width || img.info.Extent.Height < info.Extent.Height {
			d.invalid("CreateFramebuffer: view %d is smaller than %v", v, info.Extent)
			return 0, driver.ErrorValidationFailed
		}
	}
	for _, v := range info.Attachments {
		d.views[v].framebuffers++
	}
	h := driver.Framebuffer(d.id())
	info.Attachments = append([]driver.ImageView(nil), info.Attachments...)
	d.framebuffers[h] = &framebuffer{info: info}
	return h, nil
}

func (d *Device) DestroyFramebuffer(h driver.Framebuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fb, ok := d.framebuffers[h]
	if !ok {
		d.invalid("DestroyFramebuffer: unknown framebuffer %d (double destroy?)", h)
		return
	}
	for _, v := range fb.info.Attachments {
		if view, ok := d.views[v]; ok {
			view.framebuffers--
		}
	}
	delete(d.framebuffers, h)
}

// FramebufferExtent returns the extent of a live framebuffer.
func (d *Device) FramebufferExtent(h driver.Framebuffer) (driver.Extent2D, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fb, ok := d.framebuffers[h]
	if !ok {
		return driver.Extent2D{}, false
	}
	return fb.info.Extent, true
}

func (d *Device) CreateShaderModule(code []byte) (driver.ShaderModule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpCreateShaderModule); err != nil {
		return 0, err
	}
	if len(code) < 20 || len(code)%4 != 0 || binary.LittleEndian.Uint32(code) != spirvMagic {
		d.invalid("CreateShaderModule: code is not a SPIR-V module")
		return 0, driver.ErrorValidationFailed
	}
	h := driver.ShaderModule(d.id())
	d.shaders[h] = struct{}{}
	return h, nil
}

func (d *Device) DestroyShaderModule(h driver.ShaderModule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.shaders[h]; !ok {
		d.invalid("DestroyShaderModule: unknown module %d (double destroy?)", h)
		return
	}
	delete(d.shaders, h)
}

func (d *Device) CreateGraphicsPipeline(info driver.GraphicsPipelineCreateInfo) (driver.Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpCreateGraphicsPipeline); err != nil {
		return 0, err
	}
	if _, ok := d.renderPasses[info.RenderPass]; !ok {
		d.invalid("CreateGraphicsPipeline: unknown render pass %d", info.RenderPass)
		return 0, driver.ErrorValidationFailed
	}
	for _, s := range info.Stages {
		if _, ok := d.shaders[s.Module]; !ok {
			d.invalid("CreateGraphicsPipeline: unknown shader module %d for %s stage", s.Module, s.Stage)
			return 0, driver.ErrorValidationFailed
		}
	}
	if info.PushConstantSize > d.spec.Limits.MaxPushConstantsSize {
		d.invalid("CreateGraphicsPipeline: push constant range %d exceeds %d", info.PushConstantSize, d.spec.Limits.MaxPushConstantsSize)
		return 0, driver.ErrorValidationFailed
	}
	if !info.Samples.Valid() {
		d.invalid("CreateGraphicsPipeline: invalid sample count %d", info.Samples)
		return 0, driver.ErrorValidationFailed
	}
	h := driver.Pipeline(d.id())
	d.pipelines[h] = &pipeline{info: info}
	return h, nil
}

func (d *Device) DestroyPipeline(h driver.Pipeline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pipelines[h]; !ok {
		d.invalid("DestroyPipeline: unknown pipeline %d (double destroy?)", h)
		return
	}
	delete(d.pipelines, h)
}

var _ driver.Device = (*Device)(nil)
var _ driver.Instance = (*Instance)(nil)
var _ driver.HeadlessSurfaceCreator = (*Instance)(nil)
var _ driver.InstanceInfo = (*Instance)(nil)
