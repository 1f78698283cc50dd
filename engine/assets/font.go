package assets

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"

	"github.com/fzipp/bmfont"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type Glyph struct {
	Codepoint rune
	X         uint16
	Y         uint16
	Width     uint16
	Height    uint16
	XOffset   int16
	YOffset   int16
	XAdvance  int16
}

type KerningPair struct {
	First, Second rune
}

// FontAtlas is a bitmap font whose glyphs live on a single texture page.
type FontAtlas struct {
	Face        string
	Size        uint32
	LineHeight  int32
	Baseline    int32
	AtlasWidth  uint32
	AtlasHeight uint32
	Glyphs      map[rune]Glyph
	Kernings    map[KerningPair]int16
	Page        *TextureData
}

// LoadFont reads an AngelCode .fnt descriptor and decodes its page.
func LoadFont(path string) (*FontAtlas, error) {
	font, err := bmfont.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrFileLoadFailed, err)
	}
	desc := font.Descriptor
	if len(desc.Pages) != 1 {
		return nil, fmt.Errorf("%w: font %s has %d pages, only single page atlases are supported", core.ErrUnsupportedFormat, path, len(desc.Pages))
	}

	atlas := &FontAtlas{
		Face:        desc.Info.Face,
		Size:        uint32(desc.Info.Size),
		LineHeight:  int32(desc.Common.LineHeight),
		Baseline:    int32(desc.Common.Base),
		AtlasWidth:  uint32(desc.Common.ScaleW),
		AtlasHeight: uint32(desc.Common.ScaleH),
		Glyphs:      make(map[rune]Glyph, len(desc.Chars)),
		Kernings:    make(map[KerningPair]int16, len(desc.Kerning)),
	}
	for _, g := range desc.Chars {
		atlas.Glyphs[g.ID] = Glyph{
			Codepoint: g.ID,
			X:         uint16(g.X),
			Y:         uint16(g.Y),
			Width:     uint16(g.Width),
			Height:    uint16(g.Height),
			XOffset:   int16(g.XOffset),
			YOffset:   int16(g.YOffset),
			XAdvance:  int16(g.XAdvance),
		}
	}
	for p, k := range desc.Kerning {
		atlas.Kernings[KerningPair{First: p.First, Second: p.Second}] = int16(k.Amount)
	}

	for _, p := range desc.Pages {
		page, err := ReadTexture(filepath.Join(filepath.Dir(path), p.File))
		if err != nil {
			return nil, err
		}
		atlas.Page = page
	}
	if atlas.AtlasWidth == 0 || atlas.AtlasHeight == 0 {
		atlas.AtlasWidth, atlas.AtlasHeight = atlas.Page.Width, atlas.Page.Height
	}
	core.LogDebug("Font '%s' %dpt loaded with %d glyphs.", atlas.Face, atlas.Size, len(atlas.Glyphs))
	return atlas, nil
}

// OverlayVertexStride is the size of one overlay vertex: position and
// texture coordinate, two float32 each.
const OverlayVertexStride = 16

// OverlayVertexAttributes is the vertex layout of overlay pipelines.
func OverlayVertexAttributes() []driver.VertexAttribute {
	return []driver.VertexAttribute{
		{Location: 0, Format: driver.FormatR32G32Sfloat, Offset: 0},
		{Location: 1, Format: driver.FormatR32G32Sfloat, Offset: 8},
	}
}

// Layout builds two triangles per visible glyph of text, starting with the
// pen at (x, y) in pixels. Runes missing from the atlas are skipped.
func (a *FontAtlas) Layout(text string, x, y float32) ([]byte, uint32) {
	var out []byte
	var quads uint32
	penX, penY := x, y
	var prev rune
	for _, r := range text {
		if r == '\n' {
			penX = x
			penY += float32(a.LineHeight)
			prev = 0
			continue
		}
		g, ok := a.Glyphs[r]
		if !ok {
			prev = 0
			continue
		}
		if prev != 0 {
			penX += float32(a.Kernings[KerningPair{First: prev, Second: r}])
		}
		if g.Width > 0 && g.Height > 0 {
			out = a.appendQuad(out, g, penX, penY)
			quads++
		}
		penX += float32(g.XAdvance)
		prev = r
	}
	return out, quads
}

func (a *FontAtlas) appendQuad(out []byte, g Glyph, penX, penY float32) []byte {
	x0 := penX + float32(g.XOffset)
	y0 := penY + float32(g.YOffset)
	x1 := x0 + float32(g.Width)
	y1 := y0 + float32(g.Height)

	w, h := float32(a.AtlasWidth), float32(a.AtlasHeight)
	u0, v0 := float32(g.X)/w, float32(g.Y)/h
	u1, v1 := float32(g.X+g.Width)/w, float32(g.Y+g.Height)/h

	for _, v := range [6][4]float32{
		{x0, y0, u0, v0}, {x1, y0, u1, v0}, {x1, y1, u1, v1},
		{x0, y0, u0, v0}, {x1, y1, u1, v1}, {x0, y1, u0, v1},
	} {
		for _, f := range v {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
		}
	}
	return out
}

// FrameClock is what a TextOverlay needs from the frame loop to know when
// retired buffers are no longer read by the GPU.
type FrameClock interface {
	FrameNumber() uint64
	FramesInFlight() int
}

type retiredBuffer struct {
	buffer *renderer.Buffer
	frame  uint64
}

// TextOverlay owns an OverlayRenderable drawing text with a font atlas.
// Every method must be called from the frame thread.
type TextOverlay struct {
	ctx     *renderer.RendererContext
	clock   FrameClock
	atlas   *FontAtlas
	texture *Texture
	retired []retiredBuffer

	Renderable *renderer.OverlayRenderable
}

func NewTextOverlay(ctx *renderer.RendererContext, clock FrameClock, atlas *FontAtlas, pipeline *renderer.Pipeline) (*TextOverlay, error) {
	if atlas.Page == nil {
		return nil, fmt.Errorf("%w: font '%s' has no page", core.ErrInvalidArgument, atlas.Face)
	}
	tex, err := UploadTexture(ctx, atlas.Page)
	if err != nil {
		return nil, err
	}
	return &TextOverlay{
		ctx:     ctx,
		clock:   clock,
		atlas:   atlas,
		texture: tex,
		Renderable: &renderer.OverlayRenderable{
			Pipeline:  pipeline,
			Atlas:     tex.Image,
			AtlasView: tex.View,
		},
	}, nil
}

// SetText replaces the quads. The previous buffer is kept until every
// frame that could have recorded it has completed.
func (o *TextOverlay) SetText(text string, x, y float32) error {
	o.Collect()
	vertices, quads := o.atlas.Layout(text, x, y)
	var buf *renderer.Buffer
	if quads > 0 {
		var err error
		buf, err = o.ctx.CreateBufferWithData(vertices, driver.BufferUsageVertex, renderer.MemoryGPUOnly)
		if err != nil {
			return fmt.Errorf("uploading overlay quads: %w", err)
		}
	}
	if old := o.Renderable.Quads; old != nil {
		o.retired = append(o.retired, retiredBuffer{buffer: old, frame: o.clock.FrameNumber()})
	}
	o.Renderable.Quads = buf
	o.Renderable.QuadCount = quads
	return nil
}

// Collect destroys the retired buffers whose frames have completed. It is
// meant to run after BeginFrame.
func (o *TextOverlay) Collect() {
	now := o.clock.FrameNumber()
	n := uint64(o.clock.FramesInFlight())
	kept := o.retired[:0]
	for _, r := range o.retired {
		if now >= r.frame+n {
			r.buffer.Destroy()
			continue
		}
		kept = append(kept, r)
	}
	o.retired = kept
}

// Destroy releases everything; the device must be idle.
func (o *TextOverlay) Destroy() {
	for _, r := range o.retired {
		r.buffer.Destroy()
	}
	o.retired = nil
	if o.Renderable.Quads != nil {
		o.Renderable.Quads.Destroy()
		o.Renderable.Quads = nil
	}
	o.Renderable.QuadCount = 0
	o.texture.Destroy()
}
