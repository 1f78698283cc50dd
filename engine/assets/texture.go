package assets

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

// TextureData is a decoded image in tightly packed 8-bit RGBA.
type TextureData struct {
	Name   string
	Width  uint32
	Height uint32
	Pixels []byte
	// Format is the decoder that recognised the file ("png", "webp", ...).
	Format string
}

// DecodeTexture decodes any registered image format into RGBA texels.
func DecodeTexture(name string, r io.Reader) (*TextureData, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", core.ErrFileLoadFailed, name, err)
	}
	rgba := toRGBA(img)
	b := rgba.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: %s is empty", core.ErrFileLoadFailed, name)
	}
	return &TextureData{
		Name:   name,
		Width:  uint32(b.Dx()),
		Height: uint32(b.Dy()),
		Pixels: rgba.Pix,
		Format: format,
	}, nil
}

// ReadTexture opens and decodes the file at path.
func ReadTexture(path string) (*TextureData, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrFileLoadFailed, err)
	}
	defer file.Close()
	return DecodeTexture(path, file)
}

// toRGBA returns img as a zero-origin RGBA image with a packed stride,
// converting when needed.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) && rgba.Stride == 4*rgba.Rect.Dx() {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Texture is a sampled GPU image with its view.
type Texture struct {
	Name  string
	Image *renderer.Image
	View  *renderer.ImageView
}

// UploadTexture creates a device-local image from data. It must run on a
// goroutine allowed to submit, usually as a job completion.
func UploadTexture(ctx *renderer.RendererContext, data *TextureData) (*Texture, error) {
	desc := renderer.ImageDesc{
		Type:   driver.ImageType2D,
		Format: driver.FormatR8G8B8A8Unorm,
		Extent: driver.Extent3D{Width: data.Width, Height: data.Height, Depth: 1},
		Usage:  driver.ImageUsageSampled,
	}
	img, err := ctx.CreateImageWithData(desc, data.Pixels, renderer.MemoryGPUOnly)
	if err != nil {
		return nil, fmt.Errorf("uploading texture %s: %w", data.Name, err)
	}
	view, err := ctx.CreateImageView(img, renderer.ImageViewDesc{ViewType: driver.ImageViewType2D})
	if err != nil {
		img.Destroy()
		return nil, fmt.Errorf("viewing texture %s: %w", data.Name, err)
	}
	return &Texture{Name: data.Name, Image: img, View: view}, nil
}

func (t *Texture) Destroy() {
	if t == nil {
		return
	}
	t.View.Destroy()
	t.Image.Destroy()
}
