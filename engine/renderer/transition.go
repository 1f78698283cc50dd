package renderer

import (
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type layoutPair struct {
	from, to driver.Layout
}

type barrierMasks struct {
	srcStage, dstStage   driver.PipelineStage
	srcAccess, dstAccess driver.Access
}

// transitions lists every layout change the core knows how to perform.
var transitions = map[layoutPair]barrierMasks{
	{driver.LayoutUndefined, driver.LayoutTransferDst}: {
		driver.StageTopOfPipe, driver.StageTransfer,
		0, driver.AccessTransferWrite,
	},
	{driver.LayoutUndefined, driver.LayoutShaderReadOnly}: {
		driver.StageTopOfPipe, driver.StageFragmentShader,
		0, driver.AccessShaderRead,
	},
	{driver.LayoutUndefined, driver.LayoutGeneral}: {
		driver.StageTopOfPipe, driver.StageComputeShader | driver.StageFragmentShader,
		0, driver.AccessShaderRead | driver.AccessShaderWrite,
	},
	{driver.LayoutTransferDst, driver.LayoutShaderReadOnly}: {
		driver.StageTransfer, driver.StageFragmentShader,
		driver.AccessTransferWrite, driver.AccessShaderRead,
	},
	{driver.LayoutTransferDst, driver.LayoutGeneral}: {
		driver.StageTransfer, driver.StageComputeShader | driver.StageFragmentShader,
		driver.AccessTransferWrite, driver.AccessShaderRead | driver.AccessShaderWrite,
	},
	{driver.LayoutUndefined, driver.LayoutDepthStencilAttachment}: {
		driver.StageTopOfPipe, driver.StageEarlyFragmentTests,
		0, driver.AccessDepthStencilAttachmentRead | driver.AccessDepthStencilAttachmentWrite,
	},
	{driver.LayoutUndefined, driver.LayoutColorAttachment}: {
		driver.StageTopOfPipe, driver.StageColorAttachmentOutput,
		0, driver.AccessColorAttachmentRead | driver.AccessColorAttachmentWrite,
	},
}

func lookupTransition(from, to driver.Layout) (barrierMasks, error) {
	m, ok := transitions[layoutPair{from, to}]
	if !ok {
		return barrierMasks{}, fmt.Errorf("%w: unsupported layout transition %s -> %s", core.ErrImageTransitionFailed, from, to)
	}
	return m, nil
}

// AspectFor returns the aspect a barrier or view must use for format.
func AspectFor(format driver.Format) driver.ImageAspect {
	if format.IsDepth() {
		if format.HasStencil() {
			return driver.AspectDepth | driver.AspectStencil
		}
		return driver.AspectDepth
	}
	return driver.AspectColor
}

// RecordTransition records the barrier moving every mip and layer of img
// from one layout to another into a recording command buffer.
func (c *RendererContext) RecordTransition(cb driver.CommandBuffer, img *Image, from, to driver.Layout) error {
	m, err := lookupTransition(from, to)
	if err != nil {
		return err
	}
	c.Device.CmdPipelineBarrier(cb, m.srcStage, m.dstStage, []driver.ImageBarrier{{
		Image:      img.Handle,
		OldLayout:  from,
		NewLayout:  to,
		SrcAccess:  m.srcAccess,
		DstAccess:  m.dstAccess,
		Aspect:     AspectFor(img.Desc.Format),
		MipCount:   img.Desc.MipLevels,
		LayerCount: img.Desc.ArrayLayers,
	}})
	return nil
}

// TransitionImage moves img between layouts with a one-time submit on
// queue 0. Pairs missing from the table fail with
// core.ErrImageTransitionFailed before anything is recorded.
func (c *RendererContext) TransitionImage(img *Image, from, to driver.Layout) error {
	if !img.Armed() {
		return errNotArmed("image")
	}
	if _, err := lookupTransition(from, to); err != nil {
		return err
	}
	err := c.OneTimeSubmit(0, func(cb driver.CommandBuffer) error {
		return c.RecordTransition(cb, img, from, to)
	})
	if err != nil {
		return fmt.Errorf("transitioning '%s' %s -> %s: %w", img.Name, from, to, err)
	}
	img.Layout = to
	return nil
}
