package renderer

import (
	"fmt"

	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type renderPassKey struct {
	color   driver.Format
	depth   driver.Format
	samples driver.SampleCount
}

// RenderPass is the single subpass pass shared by every window with the same
// color format and sample count. Attachment order is color, depth and, when
// multisampled, the swapchain image the color is resolved into.
type RenderPass struct {
	Handle      driver.RenderPass
	ColorFormat driver.Format
	DepthFormat driver.Format
	Samples     driver.SampleCount
}

// Multisampled reports whether the pass renders into a separate color target
// that is resolved into the swapchain image.
func (rp *RenderPass) Multisampled() bool {
	return rp.Samples > driver.Samples1
}

// ClearValues lists one clear value per attachment.
func (rp *RenderPass) ClearValues(color [4]float32) []driver.ClearValue {
	values := []driver.ClearValue{{Color: color}, {Depth: 1}}
	if rp.Multisampled() {
		values = append(values, driver.ClearValue{Color: color})
	}
	return values
}

// RenderPass returns the shared render pass for the given formats, creating
// it on first use. The context owns it.
func (c *RendererContext) RenderPass(color, depth driver.Format, samples driver.SampleCount) (*RenderPass, error) {
	key := renderPassKey{color: color, depth: depth, samples: samples}
	var rp *RenderPass
	err := c.locks.SafeCall(RenderpassManagement, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cached, ok := c.renderPasses[key]; ok {
			rp = cached
			return nil
		}
		h, err := c.Device.CreateRenderPass(renderPassInfo(key))
		if err != nil {
			return fmt.Errorf("creating render pass for %s x%d: %w", color, samples, err)
		}
		c.nameObject(uint64(h), driver.ObjectRenderPass, "renderpass")
		rp = &RenderPass{Handle: h, ColorFormat: color, DepthFormat: depth, Samples: samples}
		c.renderPasses[key] = rp
		return nil
	})
	return rp, err
}

func renderPassInfo(key renderPassKey) driver.RenderPassCreateInfo {
	msaa := key.samples > driver.Samples1

	// Color attachment
	color := driver.AttachmentDescription{
		Format:        key.color,
		Samples:       key.samples,
		LoadOp:        driver.LoadOpClear,
		StoreOp:       driver.StoreOpStore,
		InitialLayout: driver.LayoutUndefined,
		FinalLayout:   driver.LayoutPresentSrc,
	}
	if msaa {
		color.StoreOp = driver.StoreOpDontCare
		color.FinalLayout = driver.LayoutColorAttachment
	}

	// Depth attachment
	depth := driver.AttachmentDescription{
		Format:        key.depth,
		Samples:       key.samples,
		LoadOp:        driver.LoadOpClear,
		StoreOp:       driver.StoreOpDontCare,
		InitialLayout: driver.LayoutUndefined,
		FinalLayout:   driver.LayoutDepthStencilAttachment,
	}

	info := driver.RenderPassCreateInfo{
		Attachments:      []driver.AttachmentDescription{color, depth},
		ColorAttachments: []driver.AttachmentReference{{Attachment: 0, Layout: driver.LayoutColorAttachment}},
		DepthAttachment:  &driver.AttachmentReference{Attachment: 1, Layout: driver.LayoutDepthStencilAttachment},
	}

	// Resolve into the presented image
	if msaa {
		info.Attachments = append(info.Attachments, driver.AttachmentDescription{
			Format:        key.color,
			Samples:       driver.Samples1,
			LoadOp:        driver.LoadOpDontCare,
			StoreOp:       driver.StoreOpStore,
			InitialLayout: driver.LayoutUndefined,
			FinalLayout:   driver.LayoutPresentSrc,
		})
		info.ResolveAttachments = []driver.AttachmentReference{{Attachment: 2, Layout: driver.LayoutColorAttachment}}
	}
	return info
}
